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
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/go-resty/resty/v2"

	"edge-agent/internal/agent/job"
	"edge-agent/internal/orchestrator"
)

const cliVersion = "edge-agent cli 0.1.0"

func main() {
	if len(os.Args) < 2 {
		printUsage(os.Stdout)
		os.Exit(0)
	}
	os.Exit(run(os.Args[1:], newClient(agentBaseURL()), os.Stdout, os.Stderr))
}

func run(args []string, c *resty.Client, stdout, stderr io.Writer) int {
	cmd, rest := args[0], args[1:]
	var err error
	switch cmd {
	case "version":
		err = runVersion(c, stdout)
	case "health":
		err = runHealth(c, stdout)
	case "workers":
		err = runWorkers(c, stdout)
	case "config":
		err = runConfig(c, stdout)
	case "validate":
		if len(rest) < 1 {
			fmt.Fprintln(stderr, "Usage: edgectl validate <jobs.json>")
			return 1
		}
		err = runValidate(rest[0], stdout)
	default:
		printUsage(stderr)
		return 1
	}
	if err != nil {
		fmt.Fprintf(stderr, "%s: %v\n", cmd, err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: edgectl <command> [args]")
	fmt.Fprintln(w, "  version            - 显示 CLI 与 Agent 版本")
	fmt.Fprintln(w, "  health             - 健康检查")
	fmt.Fprintln(w, "  workers            - 列出运行中的 Worker 与最近心跳")
	fmt.Fprintln(w, "  config             - 显示 Agent 当前生效的配置")
	fmt.Fprintln(w, "  validate <file>    - 校验预置 Job 文件并输出每个 Job 的哈希")
	fmt.Fprintln(w, "环境变量 EDGE_AGENT_URL 指定 Agent 状态服务地址（默认 http://localhost:9090）")
}

func runVersion(c *resty.Client, w io.Writer) error {
	fmt.Fprintln(w, cliVersion)
	v, err := getVersion(c)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "agent %s\n", v)
	return nil
}

func runHealth(c *resty.Client, w io.Writer) error {
	h, err := getHealth(c)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s agent=%s running=%d uptime=%s\n", h.Status, h.AgentID, h.Running, h.Uptime)
	return nil
}

func runWorkers(c *resty.Client, w io.Writer) error {
	resp, err := getWorkers(c)
	if err != nil {
		return err
	}
	hashes := make(map[string]string, len(resp.Heartbeats))
	for _, hb := range resp.Heartbeats {
		hashes[hb.JobID] = hb.JobHash
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "JOB\tTYPE\tSTATUS\tMODE\tHASH\tWORKER")
	for _, wi := range resp.Workers {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", wi.JobID, wi.JobType, wi.Status, wi.ProcessMode, short(hashes[wi.JobID]), wi.WorkerID)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(w, "agent=%s workers=%d\n", resp.AgentID, len(resp.Workers))
	return nil
}

func runConfig(c *resty.Client, w io.Writer) error {
	cfg, err := getConfig(c)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "agent.agent_id=%s\n", cfg.AgentID)
	fmt.Fprintf(w, "agent.max_workers=%d\n", cfg.MaxWorkers)
	fmt.Fprintf(w, "agent.heartbeat_interval=%s\n", cfg.HeartbeatInterval)
	fmt.Fprintf(w, "agent.job_check_interval=%s\n", cfg.JobCheckInterval)
	keys := make([]string, 0, len(cfg.Capabilities))
	for k := range cfg.Capabilities {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "agent.capabilities.%s=%s\n", k, cfg.Capabilities[k])
	}
	fmt.Fprintf(w, "engines=%s\n", strings.Join(cfg.Engines, ","))
	return nil
}

func runValidate(path string, w io.Writer) error {
	instrs, err := orchestrator.LoadJobsFile(path)
	if err != nil {
		return err
	}
	for _, in := range instrs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", in.Job.ID, in.Job.JobConfigurationType, in.Mode(), job.Hash(in.Job))
	}
	fmt.Fprintf(w, "%d jobs ok\n", len(instrs))
	return nil
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
