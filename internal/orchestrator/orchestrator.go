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

// Package orchestrator 定义 Agent 与中心编排服务之间的协议，并提供 HTTP、Redis 队列与进程内三种实现。
package orchestrator

import (
	"context"
	"fmt"
	"time"

	"edge-agent/internal/agent/job"
	"edge-agent/pkg/config"
	"edge-agent/pkg/log"
)

// Orchestrator 编排服务客户端
type Orchestrator interface {
	// GetAvailableJobs 请求最多 req.MaxJobCount 个可执行 Job
	GetAvailableJobs(ctx context.Context, agentID string, req job.JobRequest) ([]job.JobProcessingInstruction, error)
	// SendHeartbeat 发送聚合心跳，返回每个 Job 的指令
	SendHeartbeat(ctx context.Context, hb job.Heartbeat) ([]job.HeartbeatResultEntry, error)
}

// New 按 cfg.Type 创建客户端：memory（默认）| http | redis
func New(cfg config.OrchestratorConfig, logger *log.Logger) (Orchestrator, error) {
	if logger == nil {
		logger = log.Nop()
	}
	switch cfg.Type {
	case "", "memory":
		m := NewMemory(logger)
		if cfg.JobsFile != "" {
			instrs, err := LoadJobsFile(cfg.JobsFile)
			if err != nil {
				return nil, err
			}
			for i := range instrs {
				m.Submit(&instrs[i])
			}
			logger.Info("已加载预置 Job", "file", cfg.JobsFile, "count", len(instrs))
		}
		return m, nil
	case "http":
		return NewHTTPClient(HTTPOptions{
			BaseURL:     cfg.BaseURL,
			Timeout:     config.ParseDuration(cfg.Timeout, 10*time.Second),
			RateLimit:   cfg.RateLimitRPS,
			MaxAttempts: cfg.RetryMaxAttempts,
			Logger:      logger,
		})
	case "redis":
		return NewRedisClient(RedisOptions{
			Addr:         cfg.Redis.Addr,
			DB:           cfg.Redis.DB,
			Password:     cfg.Redis.Password,
			Prefix:       cfg.Redis.Prefix,
			HeartbeatTTL: config.ParseDuration(cfg.Redis.HeartbeatTTL, 2*time.Minute),
			MaxAttempts:  cfg.RetryMaxAttempts,
			Logger:       logger,
		})
	default:
		return nil, fmt.Errorf("unsupported orchestrator type: %s", cfg.Type)
	}
}
