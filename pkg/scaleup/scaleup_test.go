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

package scaleup

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

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ec2/types"

	"github.com/dependabot-ops/runner-scaler/pkg/compute"
	"github.com/dependabot-ops/runner-scaler/pkg/forgeauth"
	"github.com/dependabot-ops/runner-scaler/pkg/metrics"
	"github.com/dependabot-ops/runner-scaler/pkg/retrypolicy"
)

func testMinter(t *testing.T, forgeURL string) *forgeauth.Minter {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	pemKey := string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))

	m, err := forgeauth.New("1", "2", pemKey, retrypolicy.New(http.DefaultClient))
	if err != nil {
		t.Fatalf("forgeauth.New() error: %v", err)
	}
	m.SetBaseURL(forgeURL)
	return m
}

type fakeEC2NoPagination struct {
	active    int
	launchErr map[string]error
	launched  []string
}

func (f *fakeEC2NoPagination) DescribeInstances(ctx context.Context, params *ec2.DescribeInstancesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeInstancesOutput, error) {
	var instances []types.Instance
	for i := 0; i < f.active; i++ {
		instances = append(instances, types.Instance{InstanceId: aws.String("i-existing")})
	}
	return &ec2.DescribeInstancesOutput{Reservations: []types.Reservation{{Instances: instances}}}, nil
}

func (f *fakeEC2NoPagination) RunInstances(ctx context.Context, params *ec2.RunInstancesInput, optFns ...func(*ec2.Options)) (*ec2.RunInstancesOutput, error) {
	it := string(params.InstanceType)
	if err, ok := f.launchErr[it]; ok && err != nil {
		return nil, err
	}
	f.launched = append(f.launched, it)
	return &ec2.RunInstancesOutput{Instances: []types.Instance{{InstanceId: aws.String("i-new")}}}, nil
}

func (f *fakeEC2NoPagination) TerminateInstances(ctx context.Context, params *ec2.TerminateInstancesInput, optFns ...func(*ec2.Options)) (*ec2.TerminateInstancesOutput, error) {
	return &ec2.TerminateInstancesOutput{}, nil
}

type fakeCloudWatch struct{}

func (fakeCloudWatch) PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error) {
	return &cloudwatch.PutMetricDataOutput{}, nil
}

func newForgeTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.Contains(r.URL.Path, "access_tokens"):
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"token":"install-tok"}`))
		case strings.Contains(r.URL.Path, "registration-token"):
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"token":"reg-tok"}`))
		}
	}))
}

func baseConfig() Config {
	return Config{
		Org:                "my-org",
		RunnerGroup:        "default",
		DefaultLabels:      []string{"self-hosted", "linux", "x64"},
		SubnetIDs:          []string{"subnet-1"},
		SecurityGroupIDs:   []string{"sg-1"},
		InstanceProfileARN: "arn:aws:iam::1:instance-profile/x",
		AMIID:              "ami-1",
		InstanceTypes:      []string{"m5.large"},
		RunnersMax:         10,
		AckCapacityErrors:  true,
	}
}

func TestReconciler_HandleBatch_CapOpen_Launches(t *testing.T) {
	t.Parallel()

	srv := newForgeTestServer(t)
	defer srv.Close()
	minter := testMinter(t, srv.URL)

	fakeCompute := &fakeEC2NoPagination{active: 0}
	rec := New(baseConfig(), compute.New(fakeCompute), minter, metrics.New(fakeCloudWatch{}))

	messages := map[string][]byte{
		"m1": []byte(`{"id":42,"labels":["self-hosted","linux","x64"],"repository":"o/r","org":"my-org"}`),
	}

	result, nacks := rec.HandleBatch(context.Background(), messages)
	if result.Launched != 1 || result.Skipped != 0 || result.Errors != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(nacks) != 0 {
		t.Errorf("expected no nacks, got %v", nacks)
	}
	if len(fakeCompute.launched) != 1 {
		t.Errorf("expected exactly one run_instances call, got %d", len(fakeCompute.launched))
	}
}

func TestReconciler_HandleBatch_CapHit_Skips(t *testing.T) {
	t.Parallel()

	srv := newForgeTestServer(t)
	defer srv.Close()
	minter := testMinter(t, srv.URL)

	fakeCompute := &fakeEC2NoPagination{active: 10}
	cfg := baseConfig()
	cfg.RunnersMax = 10
	rec := New(cfg, compute.New(fakeCompute), minter, metrics.New(fakeCloudWatch{}))

	messages := map[string][]byte{
		"m1": []byte(`{"id":42,"labels":["self-hosted","linux","x64"],"repository":"o/r","org":"my-org"}`),
	}

	result, _ := rec.HandleBatch(context.Background(), messages)
	if result.Launched != 0 || result.Skipped != 1 || result.Errors != 0 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(fakeCompute.launched) != 0 {
		t.Errorf("expected zero run_instances calls, got %d", len(fakeCompute.launched))
	}
}

func TestReconciler_InstanceTypeFallback(t *testing.T) {
	t.Parallel()

	srv := newForgeTestServer(t)
	defer srv.Close()
	minter := testMinter(t, srv.URL)

	fakeCompute := &fakeEC2NoPagination{
		active: 0,
		launchErr: map[string]error{
			"m5.large":  errInsufficientCapacity{},
			"m5a.large": errInsufficientCapacity{},
		},
	}
	cfg := baseConfig()
	cfg.InstanceTypes = []string{"m5.large", "m5a.large", "m6i.large"}
	rec := New(cfg, compute.New(fakeCompute), minter, metrics.New(fakeCloudWatch{}))

	messages := map[string][]byte{
		"m1": []byte(`{"id":42,"labels":["self-hosted","linux","x64"],"repository":"o/r","org":"my-org"}`),
	}

	result, _ := rec.HandleBatch(context.Background(), messages)
	if result.Launched != 1 {
		t.Fatalf("expected one launch recorded, got %+v", result)
	}
	if len(fakeCompute.launched) != 1 || fakeCompute.launched[0] != "m6i.large" {
		t.Errorf("expected successful launch on m6i.large, got %v", fakeCompute.launched)
	}
}

func TestReconciler_AllTypesFail_AcksByDefault(t *testing.T) {
	t.Parallel()

	srv := newForgeTestServer(t)
	defer srv.Close()
	minter := testMinter(t, srv.URL)

	fakeCompute := &fakeEC2NoPagination{
		active:    0,
		launchErr: map[string]error{"m5.large": errInsufficientCapacity{}},
	}
	cfg := baseConfig()
	rec := New(cfg, compute.New(fakeCompute), minter, metrics.New(fakeCloudWatch{}))

	messages := map[string][]byte{
		"m1": []byte(`{"id":42,"labels":["self-hosted","linux","x64"],"repository":"o/r","org":"my-org"}`),
	}

	result, nacks := rec.HandleBatch(context.Background(), messages)
	if result.Errors != 1 {
		t.Fatalf("expected one error, got %+v", result)
	}
	if len(nacks) != 0 {
		t.Errorf("expected no nacks under default AckCapacityErrors=true, got %v", nacks)
	}
}

func TestReconciler_AllTypesFail_NacksWhenConfigured(t *testing.T) {
	t.Parallel()

	srv := newForgeTestServer(t)
	defer srv.Close()
	minter := testMinter(t, srv.URL)

	fakeCompute := &fakeEC2NoPagination{
		active:    0,
		launchErr: map[string]error{"m5.large": errInsufficientCapacity{}},
	}
	cfg := baseConfig()
	cfg.AckCapacityErrors = false
	rec := New(cfg, compute.New(fakeCompute), minter, metrics.New(fakeCloudWatch{}))

	messages := map[string][]byte{
		"m1": []byte(`{"id":42,"labels":["self-hosted","linux","x64"],"repository":"o/r","org":"my-org"}`),
	}

	result, nacks := rec.HandleBatch(context.Background(), messages)
	if result.Errors != 1 {
		t.Fatalf("expected one error, got %+v", result)
	}
	if len(nacks) != 1 || nacks[0] != "m1" {
		t.Errorf("expected message m1 to be nacked, got %v", nacks)
	}
}

type errInsufficientCapacity struct{}

func (errInsufficientCapacity) Error() string { return "InsufficientInstanceCapacity" }
