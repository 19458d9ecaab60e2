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

// Package queue defines the dispatch queue's wire format and a
// fire-and-forget producer adapter. Consumption happens via the
// aws-lambda-go SQS event shape directly in the scale-up handler; this
// package only owns the message body's JSON contract and the send path.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// JobDescriptor is the unit that flows from ingress to the scale-up
// reconciler, serialised as a single UTF-8 JSON object per queue message.
type JobDescriptor struct {
	ID         int64    `json:"id"`
	RunID      int64    `json:"run_id"`
	Name       string   `json:"name"`
	Labels     []string `json:"labels"`
	Repository string   `json:"repository"`
	Org        string   `json:"org"`
}

// LabelSet returns Labels as a set for intersection tests.
func (j JobDescriptor) LabelSet() map[string]struct{} {
	set := make(map[string]struct{}, len(j.Labels))
	for _, l := range j.Labels {
		set[l] = struct{}{}
	}
	return set
}

// ParseJobDescriptor decodes a single queue message body.
func ParseJobDescriptor(body []byte) (JobDescriptor, error) {
	var jd JobDescriptor
	if err := json.Unmarshal(body, &jd); err != nil {
		return JobDescriptor{}, fmt.Errorf("failed to parse job descriptor: %w", err)
	}
	return jd, nil
}

// SQSAPI is the subset of the SQS client the producer depends on.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Producer sends JobDescriptors to a single queue URL. Sends are
// fire-and-forget from the caller's perspective: the queue itself provides
// at-least-once delivery downstream.
type Producer struct {
	api      SQSAPI
	queueURL string
}

// NewProducer constructs a Producer bound to queueURL.
func NewProducer(api SQSAPI, queueURL string) *Producer {
	return &Producer{api: api, queueURL: queueURL}
}

// Send enqueues a single JobDescriptor as its JSON body.
func (p *Producer) Send(ctx context.Context, jd JobDescriptor) error {
	body, err := json.Marshal(jd)
	if err != nil {
		return fmt.Errorf("failed to marshal job descriptor: %w", err)
	}

	_, err = p.api.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send job descriptor to queue: %w", err)
	}
	return nil
}
