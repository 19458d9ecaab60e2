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

// Package compute is a thin adapter over EC2 exposing exactly the three
// operations the scale-up reconciler and reaper need: list active runners
// by tag, launch one with a fallback-ready spec, and fire-and-forget
// terminate.
package compute

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/dependabot-ops/runner-scaler/internal/errs"
)

// PurposeTagKey and PurposeTagValue form the sole authoritative filter used
// by both the cap check and the reaper.
const (
	PurposeTagKey   = "Purpose"
	PurposeTagValue = "github-runner"
)

// activeStates are the instance states the system considers "active" for
// both cap accounting and reaping.
var activeStates = []string{"pending", "running"}

// EC2API is the subset of the EC2 client the compute package depends on.
type EC2API interface {
	DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error)
	RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error)
	TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error)
}

// Client wraps an EC2API with the fleet's tag contract.
type Client struct {
	api EC2API
}

// New constructs a Client.
func New(api EC2API) *Client {
	return &Client{api: api}
}

// ActiveInstance describes one tag-filtered, pending-or-running instance.
type ActiveInstance struct {
	InstanceID string
	LaunchTime time.Time
}

// ListActive enumerates every instance tagged Purpose=github-runner in the
// pending or running state, paginating through all result pages.
func (c *Client) ListActive(ctx context.Context) ([]ActiveInstance, error) {
	var out []ActiveInstance

	input := &ec2.DescribeInstancesInput{
		Filters: []types.Filter{
			{Name: aws.String(fmt.Sprintf("tag:%s", PurposeTagKey)), Values: []string{PurposeTagValue}},
			{Name: aws.String("instance-state-name"), Values: activeStates},
		},
	}

	for {
		resp, err := c.api.DescribeInstances(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("failed to describe instances: %w", err)
		}
		for _, reservation := range resp.Reservations {
			for _, inst := range reservation.Instances {
				if inst.InstanceId == nil {
					continue
				}
				ai := ActiveInstance{InstanceID: *inst.InstanceId}
				if inst.LaunchTime != nil {
					ai.LaunchTime = *inst.LaunchTime
				}
				out = append(out, ai)
			}
		}
		if resp.NextToken == nil || *resp.NextToken == "" {
			break
		}
		input.NextToken = resp.NextToken
	}

	return out, nil
}

// CountActive is a convenience wrapper around ListActive for the cap check.
func (c *Client) CountActive(ctx context.Context) (int, error) {
	active, err := c.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	return len(active), nil
}

// SpotOptions configures preemptible capacity for a launch.
type SpotOptions struct {
	Enabled bool
}

// LaunchSpec is everything needed to attempt one instance launch. It holds
// no fallback logic itself — the caller iterates InstanceType across a
// list and calls Launch once per attempt.
type LaunchSpec struct {
	ImageID            string
	InstanceType       string
	SubnetID           string
	SecurityGroupIDs   []string
	InstanceProfileARN string
	KeyName            string
	UserDataBase64     string
	RunnerName         string
	JobID              int64
	Spot               SpotOptions
}

// Launch attempts a single run_instances call for the given spec and
// returns the new instance's id. Callers implementing fallback should call
// this once per candidate instance type and move to the next on error.
func (c *Client) Launch(ctx context.Context, spec LaunchSpec) (string, error) {
	input := &ec2.RunInstancesInput{
		ImageId:      aws.String(spec.ImageID),
		InstanceType: types.InstanceType(spec.InstanceType),
		MinCount:     aws.Int32(1),
		MaxCount:     aws.Int32(1),
		SubnetId:     aws.String(spec.SubnetID),
		UserData:     aws.String(spec.UserDataBase64),
		IamInstanceProfile: &types.IamInstanceProfileSpecification{
			Arn: aws.String(spec.InstanceProfileARN),
		},
		SecurityGroupIds: spec.SecurityGroupIDs,
		MetadataOptions: &types.InstanceMetadataOptionsRequest{
			HttpTokens:              types.HttpTokensStateRequired,
			HttpPutResponseHopLimit: aws.Int32(1),
			HttpEndpoint:            types.InstanceMetadataEndpointStateEnabled,
		},
		TagSpecifications: []types.TagSpecification{
			{
				ResourceType: types.ResourceTypeInstance,
				Tags: []types.Tag{
					{Key: aws.String("Name"), Value: aws.String(spec.RunnerName)},
					{Key: aws.String(PurposeTagKey), Value: aws.String(PurposeTagValue)},
					{Key: aws.String("JobId"), Value: aws.String(fmt.Sprintf("%d", spec.JobID))},
				},
			},
		},
	}

	if spec.KeyName != "" {
		input.KeyName = aws.String(spec.KeyName)
	}
	if spec.Spot.Enabled {
		input.InstanceMarketOptions = &types.InstanceMarketOptionsRequest{
			MarketType: types.MarketTypeSpot,
			SpotOptions: &types.SpotMarketOptions{
				SpotInstanceType:             types.SpotInstanceTypeOneTime,
				InstanceInterruptionBehavior: types.InstanceInterruptionBehaviorTerminate,
			},
		}
	}

	resp, err := c.api.RunInstances(ctx, input)
	if err != nil {
		return "", fmt.Errorf("run_instances failed for type %s: %w", spec.InstanceType, err)
	}
	if len(resp.Instances) == 0 || resp.Instances[0].InstanceId == nil {
		return "", fmt.Errorf("run_instances for type %s returned no instance", spec.InstanceType)
	}

	return *resp.Instances[0].InstanceId, nil
}

// Terminate is fire-and-forget: a failure to terminate one or more
// instance ids is reported but never aborts the caller's sweep.
func (c *Client) Terminate(ctx context.Context, instanceIDs []string) error {
	if len(instanceIDs) == 0 {
		return nil
	}
	_, err := c.api.TerminateInstances(ctx, &ec2.TerminateInstancesInput{InstanceIds: instanceIDs})
	if err != nil {
		return &errs.TerminateFailed{InstanceID: fmt.Sprintf("%v", instanceIDs), Reason: err.Error()}
	}
	return nil
}
