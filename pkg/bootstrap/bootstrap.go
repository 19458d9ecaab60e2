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

// Package bootstrap renders the POSIX shell user-data script handed to
// each launched instance: it registers with the forge as a self-hosted
// runner, runs the job, and self-terminates via the instance metadata
// service when done or after its own watchdog ceiling fires.
package bootstrap

import (
	"encoding/base64"
	"fmt"
	"strings"
	"text/template"
)

// watchdogSeconds is the bootstrap's own internal ceiling, a backstop
// independent of the reaper's MAX_RUNTIME sweep.
const watchdogSeconds = 4 * 60 * 60

const scriptTemplate = `#!/bin/bash
set -euo pipefail
exec > >(tee /var/log/runner-setup.log) 2>&1
cd /home/runner/actions-runner
sudo -u runner ./config.sh --url "https://github.com/{{.Org}}" --token "{{.RegistrationToken}}" --name "{{.RunnerName}}" --labels "{{.LabelsCSV}}" --runnergroup "{{.RunnerGroup}}" --ephemeral --unattended --disableupdate
sudo -u runner ./run.sh &
RUNNER_PID=$!
TIMEOUT={{.WatchdogSeconds}}
ELAPSED=0
while kill -0 $RUNNER_PID 2>/dev/null; do
    sleep 30
    ELAPSED=$((ELAPSED + 30))
    [ $ELAPSED -ge $TIMEOUT ] && break
done
INSTANCE_ID=$(curl -s -H "X-aws-ec2-metadata-token: $(curl -s -X PUT "http://169.254.169.254/latest/api/token" -H "X-aws-ec2-metadata-token-ttl-seconds: 60")" http://169.254.169.254/latest/meta-data/instance-id)
REGION=$(curl -s -H "X-aws-ec2-metadata-token: $(curl -s -X PUT "http://169.254.169.254/latest/api/token" -H "X-aws-ec2-metadata-token-ttl-seconds: 60")" http://169.254.169.254/latest/meta-data/placement/region)
aws ec2 terminate-instances --instance-ids $INSTANCE_ID --region $REGION
`

var tmpl = template.Must(template.New("bootstrap").Parse(scriptTemplate))

// Params is the set of values baked into one instance's user-data.
type Params struct {
	Org               string
	RegistrationToken string
	RunnerName        string
	Labels            []string
	RunnerGroup       string
}

// Render produces the base64-encoded user-data payload for RunInstances.
func Render(p Params) (string, error) {
	var buf strings.Builder
	err := tmpl.Execute(&buf, struct {
		Org               string
		RegistrationToken string
		RunnerName        string
		LabelsCSV         string
		RunnerGroup       string
		WatchdogSeconds   int
	}{
		Org:               p.Org,
		RegistrationToken: p.RegistrationToken,
		RunnerName:        p.RunnerName,
		LabelsCSV:         strings.Join(p.Labels, ","),
		RunnerGroup:       p.RunnerGroup,
		WatchdogSeconds:   watchdogSeconds,
	})
	if err != nil {
		return "", fmt.Errorf("failed to render bootstrap script: %w", err)
	}
	return base64.StdEncoding.EncodeToString([]byte(buf.String())), nil
}

// UnionLabels merges the fleet's configured default labels with the job's
// requested labels, deduplicating (order not significant per spec).
func UnionLabels(defaults, requested []string) []string {
	seen := make(map[string]struct{}, len(defaults)+len(requested))
	var out []string
	for _, l := range defaults {
		if _, ok := seen[l]; !ok {
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	for _, l := range requested {
		if _, ok := seen[l]; !ok {
			seen[l] = struct{}{}
			out = append(out, l)
		}
	}
	return out
}
