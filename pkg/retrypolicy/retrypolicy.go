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

// Package retrypolicy implements the cross-cutting retry/backoff behaviour
// for outbound forge calls as a small policy object wrapping an HTTP client,
// rather than as a language-level decorator.
package retrypolicy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/dependabot-ops/runner-scaler/internal/errs"
)

// DefaultMaxRetries is the default retry ceiling for forge calls (spec
// §4.2: "Default max_retries = 3").
const DefaultMaxRetries = 3

// DefaultBackoffBase is the exponential backoff base (spec §4.2:
// "backoff^attempt with backoff=2.0").
const DefaultBackoffBase = 2.0

// Policy wraps an *http.Client with the forge's retry semantics: honour
// Retry-After on 403, exponential backoff on 5xx, no retry on other 4xx.
//
// go-retry's own Backoff is used only to bound the attempt count
// (retry.WithMaxRetries over a zero-wait retry.NewConstant); the wait
// durations themselves follow the spec's backoff^attempt formula (or the
// forge's Retry-After) and are applied here so they can be skipped
// entirely in tests.
type Policy struct {
	Client      *http.Client
	MaxRetries  uint64
	BackoffBase float64

	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs a Policy with the spec defaults.
func New(client *http.Client) *Policy {
	if client == nil {
		client = http.DefaultClient
	}
	return &Policy{
		Client:      client,
		MaxRetries:  DefaultMaxRetries,
		BackoffBase: DefaultBackoffBase,
		sleep:       sleepCtx,
	}
}

// sleepCtx waits for d or returns ctx.Err() if ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do executes a request built fresh by newReq on every attempt (forge
// calls here all carry small, static bodies, so rebuilding is cheap and
// sidesteps the "body already consumed" retry pitfall).
func (p *Policy) Do(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) (*http.Response, []byte, error) {
	attempt := 0
	backoff := retry.WithMaxRetries(p.MaxRetries, retry.NewConstant(0))

	var finalResp *http.Response
	var finalBody []byte
	var terminal error

	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++

		req, err := newReq(ctx)
		if err != nil {
			terminal = fmt.Errorf("failed to build forge request: %w", err)
			return terminal
		}

		resp, err := p.Client.Do(req)
		if err != nil {
			return retry.RetryableError(fmt.Errorf("forge request failed: %w", err))
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			terminal = fmt.Errorf("failed to read forge response body: %w", err)
			return terminal
		}

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			finalResp, finalBody = resp, body
			return nil

		case resp.StatusCode == http.StatusForbidden:
			wait, ok := retryAfterDuration(resp.Header.Get("Retry-After"))
			if !ok {
				wait = p.exponentialWait(attempt)
			}
			if serr := p.sleep(ctx, wait); serr != nil {
				terminal = serr
				return serr
			}
			return retry.RetryableError(&errs.ForgeRateLimited{RetryAfterSeconds: int(wait.Seconds())})

		case isServerError(resp.StatusCode):
			if serr := p.sleep(ctx, p.exponentialWait(attempt)); serr != nil {
				terminal = serr
				return serr
			}
			return retry.RetryableError(&errs.ForgeServerError{StatusCode: resp.StatusCode})

		default:
			terminal = &errs.ForgeClientError{StatusCode: resp.StatusCode, Body: string(body)}
			return terminal
		}
	})
	if err != nil {
		if terminal != nil {
			var fce *errs.ForgeClientError
			if errors.As(terminal, &fce) {
				return nil, nil, fce
			}
			return nil, nil, terminal
		}
		// Retries exhausted on a rate-limit or server-error classification.
		return nil, nil, &errs.ForgeClientError{StatusCode: statusOf(finalResp), Body: err.Error()}
	}

	return finalResp, finalBody, nil
}

// exponentialWait implements "backoff^attempt with backoff=2.0".
func (p *Policy) exponentialWait(attempt int) time.Duration {
	return time.Duration(math.Pow(p.BackoffBase, float64(attempt))) * time.Second
}

func isServerError(status int) bool {
	switch status {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func retryAfterDuration(h string) (time.Duration, bool) {
	if h == "" {
		return 0, false
	}
	secs, err := strconv.Atoi(h)
	if err != nil || secs < 0 {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}
