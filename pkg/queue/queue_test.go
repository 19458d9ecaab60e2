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

package queue

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/go-cmp/cmp"
)

type fakeSQS struct {
	sent []string
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, *params.MessageBody)
	return &sqs.SendMessageOutput{}, nil
}

func TestParseJobDescriptor(t *testing.T) {
	t.Parallel()

	body := []byte(`{"id":42,"run_id":100,"name":"build","labels":["self-hosted","linux","x64"],"repository":"o/r","org":"o"}`)
	jd, err := ParseJobDescriptor(body)
	if err != nil {
		t.Fatalf("ParseJobDescriptor() error: %v", err)
	}

	want := JobDescriptor{
		ID:         42,
		RunID:      100,
		Name:       "build",
		Labels:     []string{"self-hosted", "linux", "x64"},
		Repository: "o/r",
		Org:        "o",
	}
	if diff := cmp.Diff(want, jd); diff != "" {
		t.Errorf("ParseJobDescriptor() mismatch (-want +got):\n%s", diff)
	}
}

func TestParseJobDescriptor_InvalidJSON(t *testing.T) {
	t.Parallel()

	if _, err := ParseJobDescriptor([]byte("not json")); err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestProducer_Send(t *testing.T) {
	t.Parallel()

	fake := &fakeSQS{}
	p := NewProducer(fake, "https://sqs.example.com/queue")

	jd := JobDescriptor{ID: 7, Labels: []string{"self-hosted"}, Repository: "o/r", Org: "o"}
	if err := p.Send(context.Background(), jd); err != nil {
		t.Fatalf("Send() error: %v", err)
	}

	if len(fake.sent) != 1 {
		t.Fatalf("expected exactly one send, got %d", len(fake.sent))
	}
	var got JobDescriptor
	if err := json.Unmarshal([]byte(fake.sent[0]), &got); err != nil {
		t.Fatalf("failed to unmarshal sent body: %v", err)
	}
	if got.ID != 7 {
		t.Errorf("expected id 7, got %d", got.ID)
	}
}

func TestJobDescriptor_LabelSet_Intersects(t *testing.T) {
	t.Parallel()

	jd := JobDescriptor{Labels: []string{"self-hosted", "gpu"}}
	set := jd.LabelSet()
	if _, ok := set["gpu"]; !ok {
		t.Error("expected gpu in label set")
	}
	if _, ok := set["missing"]; ok {
		t.Error("did not expect missing label in set")
	}
}
