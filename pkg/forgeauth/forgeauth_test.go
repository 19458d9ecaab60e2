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

package forgeauth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/dependabot-ops/runner-scaler/pkg/retrypolicy"
)

func testKeyPEM(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate test key: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}
	return string(pem.EncodeToMemory(block))
}

func TestMinter_Assertion(t *testing.T) {
	t.Parallel()

	m, err := New("12345", "987", testKeyPEM(t), nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}

	assertion, err := m.Assertion()
	if err != nil {
		t.Fatalf("Assertion() error: %v", err)
	}

	parsed, _, err := jwt.NewParser().ParseUnverified(assertion, &jwt.RegisteredClaims{})
	if err != nil {
		t.Fatalf("failed to parse assertion: %v", err)
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok {
		t.Fatalf("unexpected claims type %T", parsed.Claims)
	}
	if claims.Issuer != "12345" {
		t.Errorf("expected issuer 12345, got %s", claims.Issuer)
	}

	now := time.Now()
	if d := now.Sub(claims.IssuedAt.Time); d < assertionBackdate-2*time.Second || d > assertionBackdate+2*time.Second {
		t.Errorf("iat not backdated ~60s, got delta %v", d)
	}
	if d := claims.ExpiresAt.Time.Sub(now); d < assertionTTL-2*time.Second || d > assertionTTL+2*time.Second {
		t.Errorf("exp not ~600s out, got delta %v", d)
	}
}

func TestMinter_MintRunnerRegistrationToken(t *testing.T) {
	t.Parallel()

	var sawInstallAuth, sawRegAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "/access_tokens"):
			sawInstallAuth = r.Header.Get("Authorization")
			if got := r.Header.Get("Accept"); got != "application/vnd.github+json" {
				t.Errorf("unexpected Accept header: %s", got)
			}
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"token":"install-tok"}`))
		case strings.Contains(r.URL.Path, "/registration-token"):
			sawRegAuth = r.Header.Get("Authorization")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"token":"reg-tok"}`))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	m, err := New("12345", "987", testKeyPEM(t), retrypolicy.New(srv.Client()))
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	m.SetBaseURL(srv.URL)

	tok, err := m.MintRunnerRegistrationToken(context.Background(), "my-org")
	if err != nil {
		t.Fatalf("MintRunnerRegistrationToken() error: %v", err)
	}
	if tok != "reg-tok" {
		t.Errorf("expected reg-tok, got %s", tok)
	}
	if !strings.HasPrefix(sawInstallAuth, "Bearer ") {
		t.Errorf("expected Bearer auth on installation token call, got %s", sawInstallAuth)
	}
	if sawRegAuth != "token install-tok" {
		t.Errorf("expected installation token forwarded as 'token install-tok', got %s", sawRegAuth)
	}
}
