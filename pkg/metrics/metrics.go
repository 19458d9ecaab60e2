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

// Package metrics is a small write-only client emitting the control
// plane's named metrics. Each short-lived Lambda invocation cannot be
// scraped, so data is pushed via CloudWatch's PutMetricData rather than
// exposed on a pull-based endpoint; the metric and dimension names follow
// the same namespaced, counter/gauge-per-event convention used elsewhere
// in the fleet's observability stack.
package metrics

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"github.com/abcxyz/pkg/logging"
)

// Namespace is the CloudWatch namespace all runner-scaler metrics are
// published under.
const Namespace = "RunnerScaler"

// Metric names, matching the event names in the component design.
const (
	MetricActiveRunners         = "ActiveRunners"
	MetricRunnerLaunched        = "RunnerLaunched"
	MetricRunnersSkipped        = "RunnersSkipped"
	MetricRunnerLaunchErrors    = "RunnerLaunchErrors"
	MetricScaleUpProcessingTime = "ScaleUpProcessingTime"
	MetricReaperTerminated      = "ReaperTerminated"
)

// CloudWatchAPI is the subset of the CloudWatch client the sink depends on.
type CloudWatchAPI interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// Sink emits control-plane metrics. A failed emit is logged and swallowed:
// observability must never break the control loop.
type Sink struct {
	api CloudWatchAPI
}

// New constructs a Sink.
func New(api CloudWatchAPI) *Sink {
	return &Sink{api: api}
}

func (s *Sink) put(ctx context.Context, name string, value float64, unit types.StandardUnit, dims map[string]string) {
	datum := types.MetricDatum{
		MetricName: aws.String(name),
		Value:      aws.Float64(value),
		Unit:       unit,
	}
	for k, v := range dims {
		datum.Dimensions = append(datum.Dimensions, types.Dimension{Name: aws.String(k), Value: aws.String(v)})
	}

	_, err := s.api.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(Namespace),
		MetricData: []types.MetricDatum{datum},
	})
	if err != nil {
		logging.FromContext(ctx).Warn("failed to emit metric", "metric", name, "error", err)
	}
}

// ActiveRunners records the gauge observed at cap-check time.
func (s *Sink) ActiveRunners(ctx context.Context, count int) {
	s.put(ctx, MetricActiveRunners, float64(count), types.StandardUnitCount, nil)
}

// RunnerLaunched records a successful launch.
func (s *Sink) RunnerLaunched(ctx context.Context, instanceType string, spotEnabled bool) {
	s.put(ctx, MetricRunnerLaunched, 1, types.StandardUnitCount, map[string]string{
		"InstanceType": instanceType,
		"SpotEnabled":  boolDimension(spotEnabled),
	})
}

// RunnersSkipped records an admitted message skipped for a given reason.
func (s *Sink) RunnersSkipped(ctx context.Context, reason string) {
	s.put(ctx, MetricRunnersSkipped, 1, types.StandardUnitCount, map[string]string{"Reason": reason})
}

// RunnerLaunchErrors records exhaustion of the instance-type fallback list.
func (s *Sink) RunnerLaunchErrors(ctx context.Context) {
	s.put(ctx, MetricRunnerLaunchErrors, 1, types.StandardUnitCount, nil)
}

// ScaleUpProcessingTime records the wall-clock duration of a batch, in
// seconds.
func (s *Sink) ScaleUpProcessingTime(ctx context.Context, seconds float64) {
	s.put(ctx, MetricScaleUpProcessingTime, seconds, types.StandardUnitSeconds, nil)
}

// ReaperTerminated records one reaper-issued termination.
func (s *Sink) ReaperTerminated(ctx context.Context) {
	s.put(ctx, MetricReaperTerminated, 1, types.StandardUnitCount, nil)
}

func boolDimension(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
