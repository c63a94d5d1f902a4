// Copyright 2026 fanjia1024
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestAgent(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	reply := func(path string, body any) {
		mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(body)
		})
	}
	reply("/health", map[string]any{"status": "ok", "agentId": "agent-1", "running": 1, "uptime": "5s"})
	reply("/version", map[string]any{"version": "1.2.3"})
	reply("/api/config", map[string]any{
		"agentId": "agent-1", "maxWorkers": 4, "heartbeatInterval": "30s", "jobCheckInterval": "5s",
		"capabilities": map[string]string{"site": "plant-1", "protocol": "standby"}, "engines": []string{"Standby"},
	})
	reply("/api/workers", map[string]any{
		"agentId": "agent-1",
		"workers": []map[string]any{{"workerId": "w-1", "jobId": "line-1", "jobType": "Standby", "status": "Active", "processMode": "Active"}},
		"heartbeats": []map[string]any{{"jobId": "line-1", "jobHash": "0123456789abcdef", "status": "Active", "processMode": "Active"}},
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(t *testing.T, baseURL string, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, newClient(baseURL), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_StatusCommands(t *testing.T) {
	srv := newTestAgent(t)

	code, out, errOut := runCLI(t, srv.URL, "health")
	if code != 0 {
		t.Fatalf("health exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "ok agent=agent-1 running=1") {
		t.Fatalf("health output: %s", out)
	}

	code, out, _ = runCLI(t, srv.URL, "version")
	if code != 0 || !strings.Contains(out, cliVersion) || !strings.Contains(out, "agent 1.2.3") {
		t.Fatalf("version output (%d): %s", code, out)
	}

	code, out, _ = runCLI(t, srv.URL, "workers")
	if code != 0 {
		t.Fatalf("workers exit %d", code)
	}
	for _, want := range []string{"line-1", "Standby", "0123456789ab", "w-1", "workers=1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("workers output missing %q: %s", want, out)
		}
	}

	code, out, _ = runCLI(t, srv.URL, "config")
	if code != 0 {
		t.Fatalf("config exit %d", code)
	}
	if !strings.Contains(out, "agent.capabilities.protocol=standby\nagent.capabilities.site=plant-1") {
		t.Fatalf("capabilities should be sorted: %s", out)
	}
	if !strings.Contains(out, "engines=Standby") {
		t.Fatalf("config output: %s", out)
	}
}

func TestRun_Errors(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)

	if code, _, errOut := runCLI(t, srv.URL, "health"); code == 0 || !strings.Contains(errOut, "health:") {
		t.Fatalf("expected failure, got %d: %s", code, errOut)
	}
	if code, _, _ := runCLI(t, srv.URL, "bogus"); code != 1 {
		t.Fatalf("unknown command should exit 1, got %d", code)
	}
	if code, _, _ := runCLI(t, srv.URL, "validate"); code != 1 {
		t.Fatalf("validate without file should exit 1, got %d", code)
	}
}

func TestRun_Validate(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "jobs.json")
	body := `[{"job":{"id":"line-1","jobConfigurationType":"Standby","jobConfiguration":{"endpoint":"opc.tcp://line-1:4840"}},"processMode":"Passive"}]`
	if err := os.WriteFile(good, []byte(body), 0644); err != nil {
		t.Fatalf("write jobs: %v", err)
	}
	code, out, errOut := runCLI(t, "http://127.0.0.1:1", "validate", good)
	if code != 0 {
		t.Fatalf("validate exit %d: %s", code, errOut)
	}
	if !strings.Contains(out, "line-1\tStandby\tPassive\t") || !strings.Contains(out, "1 jobs ok") {
		t.Fatalf("validate output: %s", out)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte(`[{"job":{"id":"x"}}]`), 0644); err != nil {
		t.Fatalf("write jobs: %v", err)
	}
	if code, _, _ := runCLI(t, "http://127.0.0.1:1", "validate", bad); code != 1 {
		t.Fatalf("invalid jobs file should fail, got %d", code)
	}
}
