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

// Package config defines the environment-sourced configuration for the
// three control-plane entrypoints, following the same struct-tag +
// Validate() convention used across the rest of the fleet's services.
package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/abcxyz/pkg/cfgloader"
	"github.com/sethvargo/go-envconfig"
)

// IngressConfig is the webhook ingress's environment.
type IngressConfig struct {
	SecretARN    string `env:"SECRET_ARN,required"`
	SQSQueueURL  string `env:"SQS_QUEUE_URL,required"`
	RunnerLabels string `env:"RUNNER_LABELS,default=self-hosted,linux,x64"`
	LogLevel     string `env:"LOG_LEVEL,default=INFO"`
}

// Validate implements cfgloader's post-load validation hook.
func (c *IngressConfig) Validate() error {
	if c.SecretARN == "" {
		return fmt.Errorf("SECRET_ARN is required")
	}
	if c.SQSQueueURL == "" {
		return fmt.Errorf("SQS_QUEUE_URL is required")
	}
	return nil
}

// RunnerLabelSet splits RunnerLabels on commas.
func (c *IngressConfig) RunnerLabelSet() []string {
	return splitCSV(c.RunnerLabels)
}

// NewIngressConfig loads an IngressConfig from the process environment.
func NewIngressConfig(ctx context.Context) (*IngressConfig, error) {
	var cfg IngressConfig
	if err := cfgloader.Load(ctx, &cfg, cfgloader.WithLookuper(envconfig.OsLookuper())); err != nil {
		return nil, fmt.Errorf("failed to parse ingress config: %w", err)
	}
	return &cfg, nil
}

// ScaleUpConfig is the scale-up reconciler's environment, mirroring the
// fields of the original Lambda's environment block.
type ScaleUpConfig struct {
	SecretARN          string `env:"SECRET_ARN,required"`
	GitHubOrg          string `env:"GITHUB_ORG,required"`
	RunnerGroup        string `env:"RUNNER_GROUP,default=default"`
	RunnerLabels       string `env:"RUNNER_LABELS,default=self-hosted,linux,x64"`
	SubnetIDs          string `env:"SUBNET_IDS,required"`
	SecurityGroupIDs   string `env:"SECURITY_GROUP_IDS,required"`
	InstanceProfileARN string `env:"INSTANCE_PROFILE_ARN,required"`
	AMIID              string `env:"AMI_ID,required"`
	InstanceTypes      string `env:"INSTANCE_TYPES,default=m5.large"`
	SpotEnabled        bool   `env:"SPOT_ENABLED,default=true"`
	KeyName            string `env:"KEY_NAME,default="`
	RunnersMax         int    `env:"RUNNERS_MAX,default=10"`
	AckCapacityErrors  bool   `env:"ACK_CAPACITY_ERRORS,default=true"`
	LogLevel           string `env:"LOG_LEVEL,default=INFO"`
}

// Validate implements cfgloader's post-load validation hook.
func (c *ScaleUpConfig) Validate() error {
	if c.GitHubOrg == "" {
		return fmt.Errorf("GITHUB_ORG is required")
	}
	if len(c.SubnetIDSet()) == 0 {
		return fmt.Errorf("SUBNET_IDS must contain at least one subnet")
	}
	if len(c.SecurityGroupIDSet()) == 0 {
		return fmt.Errorf("SECURITY_GROUP_IDS must contain at least one security group")
	}
	if c.RunnersMax < 0 {
		return fmt.Errorf("RUNNERS_MAX must be non-negative")
	}
	return nil
}

// SubnetIDSet splits SubnetIDs on commas.
func (c *ScaleUpConfig) SubnetIDSet() []string { return splitCSV(c.SubnetIDs) }

// SecurityGroupIDSet splits SecurityGroupIDs on commas.
func (c *ScaleUpConfig) SecurityGroupIDSet() []string { return splitCSV(c.SecurityGroupIDs) }

// InstanceTypeList splits InstanceTypes on commas, preserving fallback
// order left-to-right.
func (c *ScaleUpConfig) InstanceTypeList() []string { return splitCSV(c.InstanceTypes) }

// RunnerLabelSet splits RunnerLabels on commas.
func (c *ScaleUpConfig) RunnerLabelSet() []string { return splitCSV(c.RunnerLabels) }

// NewScaleUpConfig loads a ScaleUpConfig from the process environment.
func NewScaleUpConfig(ctx context.Context) (*ScaleUpConfig, error) {
	var cfg ScaleUpConfig
	if err := cfgloader.Load(ctx, &cfg, cfgloader.WithLookuper(envconfig.OsLookuper())); err != nil {
		return nil, fmt.Errorf("failed to parse scale-up config: %w", err)
	}
	return &cfg, nil
}

// ReaperConfig is the reaper's environment.
type ReaperConfig struct {
	MinRunningTimeMins int    `env:"MIN_RUNNING_TIME_MINS,default=5"`
	MaxRuntimeHours    int    `env:"MAX_RUNTIME_HOURS,default=4"`
	LogLevel           string `env:"LOG_LEVEL,default=INFO"`
}

// Validate implements cfgloader's post-load validation hook.
func (c *ReaperConfig) Validate() error {
	if c.MinRunningTimeMins < 0 {
		return fmt.Errorf("MIN_RUNNING_TIME_MINS must be non-negative")
	}
	if c.MaxRuntimeHours <= 0 {
		return fmt.Errorf("MAX_RUNTIME_HOURS must be positive")
	}
	return nil
}

// MinRunningTime returns MinRunningTimeMins as a time.Duration.
func (c *ReaperConfig) MinRunningTime() time.Duration {
	return time.Duration(c.MinRunningTimeMins) * time.Minute
}

// MaxRuntime returns MaxRuntimeHours as a time.Duration.
func (c *ReaperConfig) MaxRuntime() time.Duration {
	return time.Duration(c.MaxRuntimeHours) * time.Hour
}

// NewReaperConfig loads a ReaperConfig from the process environment.
func NewReaperConfig(ctx context.Context) (*ReaperConfig, error) {
	var cfg ReaperConfig
	if err := cfgloader.Load(ctx, &cfg, cfgloader.WithLookuper(envconfig.OsLookuper())); err != nil {
		return nil, fmt.Errorf("failed to parse reaper config: %w", err)
	}
	return &cfg, nil
}

func splitCSV(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
