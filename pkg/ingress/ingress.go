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

// Package ingress is the webhook trust boundary: verify the forge's HMAC
// signature over the raw body, classify the event, and enqueue a
// JobDescriptor for the scale-up reconciler. It never raises to its
// transport except for true internal errors — admission mistakes are data,
// not exceptions.
package ingress

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/google/go-github/v56/github"

	"github.com/abcxyz/pkg/logging"

	"github.com/dependabot-ops/runner-scaler/internal/errs"
	"github.com/dependabot-ops/runner-scaler/pkg/queue"
)

// Request is the ingress surface, independent of any particular HTTP
// front-end framing: headers already case-folded to lowercase by the
// caller, and the body either raw or base64-wrapped.
type Request struct {
	Headers         map[string]string
	Body            string
	IsBase64Encoded bool
}

// Response is the ingress's classification result.
type Response struct {
	StatusCode int
	Body       string
}

func respond(status int, body string) Response { return Response{StatusCode: status, Body: body} }

// Enqueuer is the subset of queue.Producer the handler depends on.
type Enqueuer interface {
	Send(ctx context.Context, jd queue.JobDescriptor) error
}

// Handler implements the ingress filter.
type Handler struct {
	WebhookSecret string
	RunnerLabels  map[string]struct{}
	Queue         Enqueuer
}

// New constructs a Handler.
func New(webhookSecret string, runnerLabels []string, producer Enqueuer) *Handler {
	set := make(map[string]struct{}, len(runnerLabels))
	for _, l := range runnerLabels {
		set[l] = struct{}{}
	}
	return &Handler{WebhookSecret: webhookSecret, RunnerLabels: set, Queue: producer}
}

// Handle verifies, classifies and (if admitted) enqueues a single webhook
// delivery.
func (h *Handler) Handle(ctx context.Context, req Request) Response {
	logger := logging.FromContext(ctx)

	body, err := decodeBody(req)
	if err != nil {
		logger.Warn("failed to decode webhook body", "error", err)
		return respond(400, "invalid body encoding")
	}

	sig := req.Headers[lowerHeader(github.SHA256SignatureHeader)]
	if err := h.verifySignature(sig, body); err != nil {
		logger.Warn("webhook signature verification failed", "error", err)
		return respond(401, "invalid signature")
	}

	eventType := req.Headers[lowerHeader(github.EventTypeHeader)]
	delivery := req.Headers[lowerHeader(github.DeliveryIDHeader)]
	logger.Info("webhook verified", "event", eventType, "delivery", delivery)

	if eventType != "workflow_job" {
		return respond(200, "Ignored")
	}

	raw, err := github.ParseWebHook(eventType, body)
	if err != nil {
		logger.Warn("failed to parse webhook payload", "error", err)
		return respond(400, "invalid JSON payload")
	}
	event, ok := raw.(*github.WorkflowJobEvent)
	if !ok {
		logger.Warn("unexpected payload type for workflow_job event")
		return respond(400, "invalid JSON payload")
	}

	if event.GetAction() != "queued" {
		return respond(200, "Ignored")
	}

	labels := event.GetWorkflowJob().Labels
	if !h.labelsIntersect(labels) {
		return respond(200, "Ignored")
	}

	jd := queue.JobDescriptor{
		ID:         event.GetWorkflowJob().GetID(),
		RunID:      event.GetWorkflowJob().GetRunID(),
		Name:       event.GetWorkflowJob().GetName(),
		Labels:     labels,
		Repository: event.GetRepo().GetFullName(),
		Org:        event.GetOrg().GetLogin(),
	}

	if err := h.Queue.Send(ctx, jd); err != nil {
		logger.Error("failed to enqueue job descriptor", "error", err, "job_id", jd.ID)
		return respond(500, "internal error")
	}

	return respond(200, "Queued")
}

func (h *Handler) labelsIntersect(labels []string) bool {
	for _, l := range labels {
		if _, ok := h.RunnerLabels[l]; ok {
			return true
		}
	}
	return false
}

func decodeBody(req Request) ([]byte, error) {
	if !req.IsBase64Encoded {
		return []byte(req.Body), nil
	}
	decoded, err := base64.StdEncoding.DecodeString(req.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to base64-decode body: %w", err)
	}
	return decoded, nil
}

// verifySignature checks the X-Hub-Signature-256 value against the raw body
// bytes. github.ValidateSignature does the HMAC comparison in constant time.
func (h *Handler) verifySignature(sig string, body []byte) error {
	if sig == "" {
		return &errs.SignatureInvalid{Reason: "missing x-hub-signature-256 header"}
	}
	if err := github.ValidateSignature(sig, body, []byte(h.WebhookSecret)); err != nil {
		return &errs.SignatureInvalid{Reason: err.Error()}
	}
	return nil
}

// lowerHeader folds a go-github canonical header constant (e.g.
// "X-Hub-Signature-256") to the lowercase form API Gateway's proxy
// integration delivers in its Headers map.
func lowerHeader(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
