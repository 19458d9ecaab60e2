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

// Command webhook is the ingress filter's Lambda entrypoint, invoked by
// API Gateway's proxy integration.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/sqs"

	"github.com/abcxyz/pkg/logging"

	"github.com/dependabot-ops/runner-scaler/pkg/config"
	"github.com/dependabot-ops/runner-scaler/pkg/ingress"
	"github.com/dependabot-ops/runner-scaler/pkg/queue"
	"github.com/dependabot-ops/runner-scaler/pkg/secretstore"
)

func main() {
	ctx, done := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer done()

	logger := logging.NewFromEnv("")
	ctx = logging.WithLogger(ctx, logger)

	handler, err := newHandler(ctx)
	if err != nil {
		done()
		logger.Fatal(err)
	}

	lambda.StartWithOptions(handler.handleAPIGatewayRequest, lambda.WithContext(ctx))
}

type handler struct {
	ingress *ingress.Handler
	secrets *secretstore.Store
}

func newHandler(ctx context.Context) (*handler, error) {
	cfg, err := config.NewIngressConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load ingress config: %w", err)
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

	producer := queue.NewProducer(sqs.NewFromConfig(awsCfg), cfg.SQSQueueURL)
	ih := ingress.New(creds.WebhookSecret, cfg.RunnerLabelSet(), producer)

	return &handler{ingress: ih, secrets: secrets}, nil
}

func (h *handler) handleAPIGatewayRequest(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
	headers := make(map[string]string, len(req.Headers))
	for k, v := range req.Headers {
		headers[lowercase(k)] = v
	}

	resp := h.ingress.Handle(ctx, ingress.Request{
		Headers:         headers,
		Body:            req.Body,
		IsBase64Encoded: req.IsBase64Encoded,
	})

	return events.APIGatewayProxyResponse{
		StatusCode: resp.StatusCode,
		Body:       resp.Body,
	}, nil
}

func lowercase(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
