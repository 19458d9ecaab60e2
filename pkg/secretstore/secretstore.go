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

// Package secretstore fetches the GitHub App credential bundle from AWS
// Secrets Manager once per cold start and holds it in memory for the
// lifetime of the process, mirroring the module-level cache pattern the
// forge lambdas use for their config and secret lookups.
package secretstore

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/dependabot-ops/runner-scaler/internal/errs"
)

// AppCredentials is the JSON shape stored in the Secrets Manager secret
// referenced by the control plane's SECRET_ARN.
type AppCredentials struct {
	AppID            string `json:"app_id"`
	InstallationID   string `json:"installation_id"`
	PrivateKeyBase64 string `json:"private_key"`
	WebhookSecret    string `json:"webhook_secret"`
}

// PrivateKeyPEM base64-decodes the stored private key into its PEM form.
func (c *AppCredentials) PrivateKeyPEM() (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(c.PrivateKeyBase64)
	if err != nil {
		return "", fmt.Errorf("failed to base64-decode private_key: %w", err)
	}
	return string(decoded), nil
}

// SecretsManagerAPI is the subset of the Secrets Manager client the store
// depends on, so callers can fake it in tests.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Store fetches and caches AppCredentials for a single secret ARN. It is
// safe for concurrent use; a successful fetch happens at most once per Store
// instance, matching the original cold-start caching behaviour (no TTL, no
// refresh — a new credential requires a new invocation environment). A
// failed fetch is not cached, so the next Get fetches again.
type Store struct {
	client   SecretsManagerAPI
	secretID string

	mu    sync.Mutex
	cache *AppCredentials
}

// New constructs a Store bound to secretID (an ARN or friendly name).
func New(client SecretsManagerAPI, secretID string) *Store {
	return &Store{client: client, secretID: secretID}
}

// Get returns the cached credentials, fetching and parsing them from
// Secrets Manager on first call.
func (s *Store) Get(ctx context.Context) (*AppCredentials, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		return s.cache, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &s.secretID,
	})
	if err != nil {
		return nil, &errs.ConfigUnavailable{Reason: fmt.Sprintf("failed to fetch secret %s: %s", s.secretID, err)}
	}
	if out.SecretString == nil {
		return nil, &errs.ConfigUnavailable{Reason: fmt.Sprintf("secret %s has no SecretString payload", s.secretID)}
	}

	var creds AppCredentials
	if err := json.Unmarshal([]byte(*out.SecretString), &creds); err != nil {
		return nil, &errs.ConfigUnavailable{Reason: fmt.Sprintf("failed to parse secret %s: %s", s.secretID, err)}
	}

	s.cache = &creds
	return s.cache, nil
}
