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
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"

	"edge-agent/internal/agent/job"
	"edge-agent/internal/agent/supervisor"
	"edge-agent/pkg/utils"
)

func agentBaseURL() string {
	return utils.CoalesceString(os.Getenv("EDGE_AGENT_URL"), "http://localhost:9090")
}

func newClient(baseURL string) *resty.Client {
	return resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Accept", "application/json")
}

type healthResponse struct {
	Status  string `json:"status"`
	AgentID string `json:"agentId"`
	Running int    `json:"running"`
	Uptime  string `json:"uptime"`
}

type workersResponse struct {
	AgentID    string                  `json:"agentId"`
	Workers    []supervisor.WorkerInfo `json:"workers"`
	Heartbeats []job.JobHeartbeat      `json:"heartbeats"`
}

type configResponse struct {
	AgentID           string            `json:"agentId"`
	MaxWorkers        int               `json:"maxWorkers"`
	HeartbeatInterval string            `json:"heartbeatInterval"`
	JobCheckInterval  string            `json:"jobCheckInterval"`
	Capabilities      map[string]string `json:"capabilities"`
	Engines           []string          `json:"engines"`
}

func getJSON(c *resty.Client, path string, out any) error {
	resp, err := c.R().SetResult(out).Get(path)
	if err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("GET %s: %s", path, resp.String())
	}
	return nil
}

func getHealth(c *resty.Client) (*healthResponse, error) {
	var out healthResponse
	if err := getJSON(c, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func getWorkers(c *resty.Client) (*workersResponse, error) {
	var out workersResponse
	if err := getJSON(c, "/api/workers", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func getConfig(c *resty.Client) (*configResponse, error) {
	var out configResponse
	if err := getJSON(c, "/api/config", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func getVersion(c *resty.Client) (string, error) {
	var out struct {
		Version string `json:"version"`
	}
	if err := getJSON(c, "/version", &out); err != nil {
		return "", err
	}
	return out.Version, nil
}
