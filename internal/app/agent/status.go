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

package agent

import (
	"bytes"
	"context"
	"net/http"
	"time"

	"github.com/cloudwego/hertz/pkg/app"
	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/utils"

	"edge-agent/internal/agent/engine"
	"edge-agent/internal/agent/heartbeat"
	"edge-agent/internal/agent/supervisor"
	"edge-agent/pkg/config"
	"edge-agent/pkg/metrics"
)

// Version 构建时通过 -ldflags "-X edge-agent/internal/app/agent.Version=..." 注入
var Version = "dev"

// StatusHandler 本地状态接口
type StatusHandler struct {
	supervisor *supervisor.Supervisor
	store      *heartbeat.Store
	provider   config.Provider
	registry   *engine.Registry
	startedAt  time.Time
}

// NewStatusHandler 创建 StatusHandler
func NewStatusHandler(sup *supervisor.Supervisor, provider config.Provider, registry *engine.Registry) *StatusHandler {
	return &StatusHandler{
		supervisor: sup,
		store:      sup.Store(),
		provider:   provider,
		registry:   registry,
		startedAt:  time.Now(),
	}
}

// Register 注册路由
func (h *StatusHandler) Register(s *server.Hertz) {
	s.GET("/health", h.Health)
	s.GET("/metrics", h.Metrics)
	s.GET("/version", h.Version)
	api := s.Group("/api")
	api.GET("/workers", h.Workers)
	api.GET("/config", h.Config)
}

// Health 存活检查
func (h *StatusHandler) Health(_ context.Context, c *app.RequestContext) {
	c.JSON(http.StatusOK, utils.H{
		"status":    "ok",
		"agentId":   h.provider.Agent().AgentID,
		"running":   h.supervisor.Running(),
		"uptime":    time.Since(h.startedAt).Truncate(time.Second).String(),
		"timestamp": time.Now().Unix(),
	})
}

// Metrics Prometheus 文本格式
func (h *StatusHandler) Metrics(_ context.Context, c *app.RequestContext) {
	var buf bytes.Buffer
	if err := metrics.WritePrometheus(&buf); err != nil {
		c.JSON(http.StatusInternalServerError, utils.H{"error": err.Error()})
		return
	}
	c.Data(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", buf.Bytes())
}

// Version 版本信息
func (h *StatusHandler) Version(_ context.Context, c *app.RequestContext) {
	c.JSON(http.StatusOK, utils.H{"version": Version})
}

// Workers 运行中的 Worker 与最近的 Job 心跳
func (h *StatusHandler) Workers(_ context.Context, c *app.RequestContext) {
	c.JSON(http.StatusOK, utils.H{
		"agentId":    h.provider.Agent().AgentID,
		"workers":    h.supervisor.Workers(),
		"heartbeats": h.store.Snapshot(),
	})
}

// Config 当前生效的 Agent 配置与已注册的引擎类型
func (h *StatusHandler) Config(_ context.Context, c *app.RequestContext) {
	a := h.provider.Agent()
	c.JSON(http.StatusOK, utils.H{
		"agentId":           a.AgentID,
		"maxWorkers":        a.MaxWorkers,
		"heartbeatInterval": a.HeartbeatInterval.String(),
		"jobCheckInterval":  a.JobCheckInterval.String(),
		"capabilities":      a.Capabilities,
		"engines":           h.registry.Types(),
	})
}
