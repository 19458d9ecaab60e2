// Copyright 2023 The Authors (see AUTHORS file)
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command scaleup is the scale-up reconciler's Lambda entrypoint, driven
// by the dispatch queue.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/abcxyz/pkg/logging"

	"github.com/dependabot-ops/runner-scaler/pkg/compute"
	runnerconfig "github.com/dependabot-ops/runner-scaler/pkg/config"
	"github.com/dependabot-ops/runner-scaler/pkg/forgeauth"
	"github.com/dependabot-ops/runner-scaler/pkg/metrics"
	"github.com/dependabot-ops/runner-scaler/pkg/scaleup"
	"github.com/dependabot-ops/runner-scaler/pkg/secretstore"
)

func main() {
	ctx, done := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer done()

	logger := logging.NewFromEnv("")
	ctx = logging.WithLogger(ctx, logger)

	rec, err := newReconciler(ctx)
	if err != nil {
		done()
		logger.Fatal(err)
	}

	lambda.StartWithOptions(func(ctx context.Context, event events.SQSEvent) (events.SQSEventResponse, error) {
		return handleSQSEvent(ctx, rec, event)
	}, lambda.WithContext(ctx))
}

func newReconciler(ctx context.Context) (*scaleup.Reconciler, error) {
	cfg, err := runnerconfig.NewScaleUpConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load scale-up config: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	secrets := secretstore.New(secretsmanager.NewFromConfig(awsCfg), cfg.SecretARN)
	creds, err := secrets.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch app credentials: %w", err)
	}
	privateKeyPEM, err := creds.PrivateKeyPEM()
	if err != nil {
		return nil, fmt.Errorf("failed to decode app private key: %w", err)
	}

	minter, err := forgeauth.New(creds.AppID, creds.InstallationID, privateKeyPEM, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to construct forge auth minter: %w", err)
	}

	computeClient := compute.New(ec2.NewFromConfig(awsCfg))
	sink := metrics.New(cloudwatch.NewFromConfig(awsCfg))

	rec := scaleup.New(scaleup.Config{
		Org:                cfg.GitHubOrg,
		RunnerGroup:        cfg.RunnerGroup,
		DefaultLabels:      cfg.RunnerLabelSet(),
		SubnetIDs:          cfg.SubnetIDSet(),
		SecurityGroupIDs:   cfg.SecurityGroupIDSet(),
		InstanceProfileARN: cfg.InstanceProfileARN,
		AMIID:              cfg.AMIID,
		InstanceTypes:      cfg.InstanceTypeList(),
		SpotEnabled:        cfg.SpotEnabled,
		KeyName:            cfg.KeyName,
		RunnersMax:         cfg.RunnersMax,
		AckCapacityErrors:  cfg.AckCapacityErrors,
	}, computeClient, minter, sink)

	return rec, nil
}

func handleSQSEvent(ctx context.Context, rec *scaleup.Reconciler, event events.SQSEvent) (events.SQSEventResponse, error) {
	messages := make(map[string][]byte, len(event.Records))
	for _, record := range event.Records {
		messages[record.MessageId] = []byte(record.Body)
	}

	result, nackIDs := rec.HandleBatch(ctx, messages)

	logger := logging.FromContext(ctx)
	logger.Info("scale-up batch complete", "launched", result.Launched, "skipped", result.Skipped, "errors", result.Errors)

	resp := events.SQSEventResponse{}
	for _, id := range nackIDs {
		resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: id})
	}
	return resp, nil
}
