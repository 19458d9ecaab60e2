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

// Package scaleup implements the scale-up reconciler: for each admitted
// job, check the global concurrency cap, mint a registration token, pick a
// viable instance shape with fallback, and hand the instance a
// self-terminating bootstrap. Per-message failures never fail the batch.
package scaleup

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/dependabot-ops/runner-scaler/internal/errs"
	"github.com/dependabot-ops/runner-scaler/pkg/bootstrap"
	"github.com/dependabot-ops/runner-scaler/pkg/compute"
	"github.com/dependabot-ops/runner-scaler/pkg/forgeauth"
	"github.com/dependabot-ops/runner-scaler/pkg/metrics"
	"github.com/dependabot-ops/runner-scaler/pkg/queue"
)

// Outcome classifies how a single message was resolved.
type Outcome int

const (
	// OutcomeLaunched means a runner was launched for the job.
	OutcomeLaunched Outcome = iota
	// OutcomeSkipped means the cap was reached; the message was ack'd.
	OutcomeSkipped
	// OutcomeError means every instance type failed, or a non-recoverable
	// error occurred while processing the message.
	OutcomeError
)

// Config holds the scale-up reconciler's static, environment-sourced
// settings.
type Config struct {
	Org                 string
	RunnerGroup         string
	DefaultLabels       []string
	SubnetIDs           []string
	SecurityGroupIDs    []string
	InstanceProfileARN  string
	AMIID               string
	InstanceTypes       []string
	SpotEnabled         bool
	KeyName             string
	RunnersMax          int

	// AckCapacityErrors resolves the open question in the design notes
	// ("cap semantics on error path"): when true (the historical
	// behaviour), a message whose every instance-type attempt fails is
	// still ack'd, trusting the forge to reschedule the job. When false,
	// the message is nack'd (redelivered) instead.
	AckCapacityErrors bool
}

// Reconciler processes one admitted JobDescriptor at a time.
type Reconciler struct {
	Config
	Compute *compute.Client
	Minter  *forgeauth.Minter
	Metrics *metrics.Sink
}

// New constructs a Reconciler.
func New(cfg Config, computeClient *compute.Client, minter *forgeauth.Minter, sink *metrics.Sink) *Reconciler {
	return &Reconciler{Config: cfg, Compute: computeClient, Minter: minter, Metrics: sink}
}

// BatchResult aggregates per-message outcomes across one invocation.
type BatchResult struct {
	Launched int
	Skipped  int
	Errors   int
}

// Total returns launched + skipped + errors, which must equal the batch
// size.
func (r BatchResult) Total() int { return r.Launched + r.Skipped + r.Errors }

// HandleBatch processes every message independently and never lets one
// message's failure abort the rest. nackIDs collects the message ids (as
// supplied by the caller alongside each body) that should be redelivered
// under the configured AckCapacityErrors policy.
func (rec *Reconciler) HandleBatch(ctx context.Context, messages map[string][]byte) (BatchResult, []string) {
	start := time.Now()
	logger := logging.FromContext(ctx)

	var result BatchResult
	var nackIDs []string

	active, err := rec.Compute.CountActive(ctx)
	if err != nil {
		logger.Error("failed to count active runners; treating cap as exhausted for this batch", "error", err)
		active = rec.RunnersMax
	}
	rec.Metrics.ActiveRunners(ctx, active)

	for id, body := range messages {
		jd, err := queue.ParseJobDescriptor(body)
		if err != nil {
			logger.Error("failed to parse job descriptor", "error", err, "message_id", id)
			result.Errors++
			continue
		}

		outcome, nack := rec.processOne(ctx, jd, &active)
		switch outcome {
		case OutcomeLaunched:
			result.Launched++
		case OutcomeSkipped:
			result.Skipped++
		case OutcomeError:
			result.Errors++
			if nack {
				nackIDs = append(nackIDs, id)
			}
		}
	}

	rec.Metrics.ScaleUpProcessingTime(ctx, time.Since(start).Seconds())
	return result, nackIDs
}

// processOne runs the per-message algorithm from the component design:
// cap check, mint, bootstrap, launch-with-fallback.
func (rec *Reconciler) processOne(ctx context.Context, jd queue.JobDescriptor, active *int) (Outcome, bool) {
	logger := logging.FromContext(ctx)

	if *active >= rec.RunnersMax {
		rec.Metrics.RunnersSkipped(ctx, "MaxLimit")
		logger.Warn("runner limit reached, skipping job", "job_id", jd.ID, "active", *active, "max", rec.RunnersMax)
		return OutcomeSkipped, false
	}

	registrationToken, err := rec.Minter.MintRunnerRegistrationToken(ctx, jd.Org)
	if err != nil {
		logger.Error("failed to mint registration token", "error", err, "job_id", jd.ID)
		rec.Metrics.RunnerLaunchErrors(ctx)
		return OutcomeError, !rec.AckCapacityErrors
	}

	runnerName := fmt.Sprintf("runner-%s-%d", time.Now().UTC().Format("20060102-150405"), jd.ID)
	labels := bootstrap.UnionLabels(rec.DefaultLabels, jd.Labels)

	userData, err := bootstrap.Render(bootstrap.Params{
		Org:               rec.Org,
		RegistrationToken: registrationToken,
		RunnerName:        runnerName,
		Labels:            labels,
		RunnerGroup:       rec.RunnerGroup,
	})
	if err != nil {
		logger.Error("failed to render bootstrap script", "error", err, "job_id", jd.ID)
		rec.Metrics.RunnerLaunchErrors(ctx)
		return OutcomeError, !rec.AckCapacityErrors
	}

	var tried []string
	for _, instanceType := range rec.InstanceTypes {
		spec := compute.LaunchSpec{
			ImageID:             rec.AMIID,
			InstanceType:        instanceType,
			SubnetID:            rec.SubnetIDs[rand.Intn(len(rec.SubnetIDs))], //nolint:gosec // load-spreading, not security sensitive
			SecurityGroupIDs:    rec.SecurityGroupIDs,
			InstanceProfileARN:  rec.InstanceProfileARN,
			KeyName:             rec.KeyName,
			UserDataBase64:      userData,
			RunnerName:          runnerName,
			JobID:               jd.ID,
			Spot:                compute.SpotOptions{Enabled: rec.SpotEnabled},
		}

		tried = append(tried, instanceType)
		instanceID, err := rec.Compute.Launch(ctx, spec)
		if err != nil {
			logger.Warn("launch attempt failed, trying next instance type", "error", err, "instance_type", instanceType, "job_id", jd.ID)
			continue
		}

		*active++
		rec.Metrics.RunnerLaunched(ctx, instanceType, rec.SpotEnabled)
		logger.Info("launched runner", "instance_id", instanceID, "instance_type", instanceType, "job_id", jd.ID)
		return OutcomeLaunched, false
	}

	launchErr := &errs.LaunchRejected{JobID: jd.ID, Tried: tried, Reason: "no instance type succeeded"}
	logger.Error("all instance types failed", "error", launchErr)
	rec.Metrics.RunnerLaunchErrors(ctx)
	return OutcomeError, !rec.AckCapacityErrors
}
