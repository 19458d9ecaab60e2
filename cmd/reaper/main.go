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

// Command reaper is the fleet sweep's Lambda entrypoint, invoked on a
// timer by an EventBridge scheduled rule.
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

	"github.com/abcxyz/pkg/logging"

	"github.com/dependabot-ops/runner-scaler/pkg/compute"
	runnerconfig "github.com/dependabot-ops/runner-scaler/pkg/config"
	"github.com/dependabot-ops/runner-scaler/pkg/metrics"
	"github.com/dependabot-ops/runner-scaler/pkg/reaper"
)

func main() {
	ctx, done := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer done()

	logger := logging.NewFromEnv("")
	ctx = logging.WithLogger(ctx, logger)

	sweeper, err := newSweeper(ctx)
	if err != nil {
		done()
		logger.Fatal(err)
	}

	lambda.StartWithOptions(func(ctx context.Context, _ events.CloudWatchEvent) error {
		result, err := sweeper.Sweep(ctx)
		if err != nil {
			return fmt.Errorf("sweep failed: %w", err)
		}
		logging.FromContext(ctx).Info("reaper sweep complete", "terminated", result.Terminated, "skipped", result.Skipped, "failed", result.Failed)
		return nil
	}, lambda.WithContext(ctx))
}

func newSweeper(ctx context.Context) (*reaper.Sweeper, error) {
	cfg, err := runnerconfig.NewReaperConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load reaper config: %w", err)
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	computeClient := compute.New(ec2.NewFromConfig(awsCfg))
	sink := metrics.New(cloudwatch.NewFromConfig(awsCfg))

	return reaper.New(reaper.Config{
		MinRunningTime: cfg.MinRunningTime(),
		MaxRuntime:     cfg.MaxRuntime(),
	}, computeClient, sink), nil
}
