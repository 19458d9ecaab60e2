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

// Package errs defines the typed error kinds shared across the ingress,
// scale-up and reaper control-plane components, so callers can
// errors.As/errors.Is instead of matching log strings.
package errs

import "fmt"

// SignatureInvalid indicates a webhook request failed HMAC verification.
type SignatureInvalid struct{ Reason string }

func (e *SignatureInvalid) Error() string { return fmt.Sprintf("invalid webhook signature: %s", e.Reason) }

// PayloadInvalid indicates a webhook body could not be parsed as JSON.
type PayloadInvalid struct{ Reason string }

func (e *PayloadInvalid) Error() string { return fmt.Sprintf("invalid webhook payload: %s", e.Reason) }

// ConfigUnavailable indicates the secret store fetch or parse failed. It is
// fatal for the invocation.
type ConfigUnavailable struct{ Reason string }

func (e *ConfigUnavailable) Error() string { return fmt.Sprintf("config unavailable: %s", e.Reason) }

// ForgeRateLimited indicates the forge responded 403 and the caller should
// honour Retry-After (or fall back to exponential backoff).
type ForgeRateLimited struct {
	RetryAfterSeconds int
}

func (e *ForgeRateLimited) Error() string {
	return fmt.Sprintf("forge rate limited: retry after %ds", e.RetryAfterSeconds)
}

// ForgeServerError indicates a 5xx from the forge, retriable with backoff.
type ForgeServerError struct{ StatusCode int }

func (e *ForgeServerError) Error() string {
	return fmt.Sprintf("forge server error: status %d", e.StatusCode)
}

// ForgeClientError is a terminal, non-retriable 4xx from the forge (or the
// exhaustion of retries for a rate-limited/server-error call).
type ForgeClientError struct {
	StatusCode int
	Body       string
}

func (e *ForgeClientError) Error() string {
	return fmt.Sprintf("forge client error: status %d: %s", e.StatusCode, e.Body)
}

// LaunchRejected indicates every instance type in the fallback list failed
// to launch (capacity, quota, or no viable type).
type LaunchRejected struct {
	JobID  int64
	Tried  []string
	Reason string
}

func (e *LaunchRejected) Error() string {
	return fmt.Sprintf("launch rejected for job %d after trying %v: %s", e.JobID, e.Tried, e.Reason)
}

// TerminateFailed indicates a TerminateInstances call failed. The reaper
// logs it and the sweep continues.
type TerminateFailed struct {
	InstanceID string
	Reason     string
}

func (e *TerminateFailed) Error() string {
	return fmt.Sprintf("terminate failed for %s: %s", e.InstanceID, e.Reason)
}
