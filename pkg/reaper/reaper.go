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

// Package reaper sweeps the fleet on a timer and terminates instances that
// have exceeded their maximum lifetime. It is a safety net: steady-state
// termination is the bootstrap script's own watchdog.
package reaper

import (
	"context"
	"time"

	"github.com/abcxyz/pkg/logging"

	"github.com/dependabot-ops/runner-scaler/pkg/compute"
	"github.com/dependabot-ops/runner-scaler/pkg/metrics"
)

// Config holds the reaper's environment-sourced settings.
type Config struct {
	MinRunningTime time.Duration
	MaxRuntime     time.Duration
}

// Sweeper enumerates active runners and terminates the ones that have
// overstayed MaxRuntime.
type Sweeper struct {
	Config
	Compute *compute.Client
	Metrics *metrics.Sink

	// now is overridable in tests; defaults to time.Now.
	now func() time.Time
}

// New constructs a Sweeper with the spec defaults for MinRunningTime (5
// minutes) and MaxRuntime (4 hours) unless cfg overrides them.
func New(cfg Config, computeClient *compute.Client, sink *metrics.Sink) *Sweeper {
	if cfg.MinRunningTime == 0 {
		cfg.MinRunningTime = 5 * time.Minute
	}
	if cfg.MaxRuntime == 0 {
		cfg.MaxRuntime = 4 * time.Hour
	}
	return &Sweeper{Config: cfg, Compute: computeClient, Metrics: sink, now: time.Now}
}

// Result summarises one sweep.
type Result struct {
	Terminated int
	Skipped    int
	Failed     int
}

// Sweep enumerates active runners and terminates those past MaxRuntime,
// skipping any younger than MinRunningTime (it may still be bootstrapping).
// Per-instance termination failures are logged and do not abort the sweep.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	logger := logging.FromContext(ctx)

	active, err := s.Compute.ListActive(ctx)
	if err != nil {
		return Result{}, err
	}

	now := s.now()
	var result Result
	var toTerminate []string

	for _, inst := range active {
		age := now.Sub(inst.LaunchTime)
		switch {
		case age < s.MinRunningTime:
			result.Skipped++
		case age > s.MaxRuntime:
			toTerminate = append(toTerminate, inst.InstanceID)
			logger.Info("reaping instance past max runtime", "instance_id", inst.InstanceID, "age", age.String())
		default:
			result.Skipped++
		}
	}

	for _, id := range toTerminate {
		if err := s.Compute.Terminate(ctx, []string{id}); err != nil {
			logger.Error("failed to terminate instance", "instance_id", id, "error", err)
			result.Failed++
			continue
		}
		result.Terminated++
		s.Metrics.ReaperTerminated(ctx)
	}

	return result, nil
}
