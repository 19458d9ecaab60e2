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

// Package forgeauth mints the three tokens the scale-up reconciler needs
// from GitHub: an RS256 app assertion, an installation access token, and a
// single-use runner registration token.
package forgeauth

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dependabot-ops/runner-scaler/pkg/retrypolicy"
)

const (
	apiBaseURL = "https://api.github.com"
	apiVersion = "2022-11-28"

	// assertionBackdate absorbs small clock skew against the forge (spec
	// §4.2 step 1).
	assertionBackdate = 60 * time.Second
	assertionTTL      = 600 * time.Second
)

// Minter mints forge tokens for a single GitHub App installation.
type Minter struct {
	appID          string
	installationID string
	privateKey     *rsa.PrivateKey
	policy         *retrypolicy.Policy
	baseURL        string
}

// New constructs a Minter from an app id, installation id, and a
// base64-free PEM-encoded RSA private key (already decoded by the caller
// per the AppCredentials contract).
func New(appID, installationID, privateKeyPEM string, policy *retrypolicy.Policy) (*Minter, error) {
	key, err := parsePrivateKey(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("failed to parse app private key: %w", err)
	}
	if policy == nil {
		policy = retrypolicy.New(nil)
	}
	return &Minter{
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		policy:         policy,
		baseURL:        apiBaseURL,
	}, nil
}

// SetBaseURL points the minter at an alternate forge API base (e.g. a
// GitHub Enterprise Server host, or a test double), overriding the public
// github.com default.
func (m *Minter) SetBaseURL(url string) {
	m.baseURL = url
}

func parsePrivateKey(pemData string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return nil, fmt.Errorf("no PEM block found")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	generic, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key as PKCS1 or PKCS8: %w", err)
	}
	key, ok := generic.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA (got %T)", generic)
	}
	return key, nil
}

// Assertion produces an RS256-signed app assertion with the claims from
// spec §4.2 step 1.
func (m *Minter) Assertion() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-assertionBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionTTL)),
		Issuer:    m.appID,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(m.privateKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign app assertion: %w", err)
	}
	return signed, nil
}

type tokenResponse struct {
	Token string `json:"token"`
}

// InstallationToken exchanges the app assertion for an installation access
// token good for about an hour (spec §4.2 step 2).
func (m *Minter) InstallationToken(ctx context.Context) (string, error) {
	assertion, err := m.Assertion()
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/app/installations/%s/access_tokens", m.baseURL, m.installationID)
	_, body, err := m.policy.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return nil, err
		}
		setForgeHeaders(req, "Bearer "+assertion)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to mint installation token: %w", err)
	}

	var resp tokenResponse
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&resp); err != nil {
		return "", fmt.Errorf("failed to decode installation token response: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("installation token response had no token")
	}
	return resp.Token, nil
}

// RegistrationToken mints a fresh, single-use runner registration token for
// org scoped to the given installation token. Callers must never cache the
// result across launches (spec §4.2, §3 invariants: the forge consumes the
// token on first use).
func (m *Minter) RegistrationToken(ctx context.Context, installationToken, org string) (string, error) {
	url := fmt.Sprintf("%s/orgs/%s/actions/runners/registration-token", m.baseURL, org)
	_, body, err := m.policy.Do(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return nil, err
		}
		setForgeHeaders(req, "token "+installationToken)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to mint runner registration token: %w", err)
	}

	var resp tokenResponse
	if err := json.NewDecoder(bytes.NewReader(body)).Decode(&resp); err != nil {
		return "", fmt.Errorf("failed to decode registration token response: %w", err)
	}
	if resp.Token == "" {
		return "", fmt.Errorf("registration token response had no token")
	}
	return resp.Token, nil
}

// MintRunnerRegistrationToken runs the full three-step dance (spec §4.2).
func (m *Minter) MintRunnerRegistrationToken(ctx context.Context, org string) (string, error) {
	installationToken, err := m.InstallationToken(ctx)
	if err != nil {
		return "", err
	}
	return m.RegistrationToken(ctx, installationToken, org)
}

func setForgeHeaders(req *http.Request, authorization string) {
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)
}
