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

// Package agent 组装 Agent 进程：日志、追踪、引擎注册表、编排服务客户端、Supervisor 与本地状态服务。
package agent

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/cloudwego/hertz/pkg/app/server"
	"github.com/cloudwego/hertz/pkg/common/hlog"
	hertzslog "github.com/hertz-contrib/logger/slog"
	hertztracing "github.com/hertz-contrib/obs-opentelemetry/tracing"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"edge-agent/internal/agent/engine"
	"edge-agent/internal/agent/heartbeat"
	"edge-agent/internal/agent/supervisor"
	"edge-agent/internal/orchestrator"
	"edge-agent/pkg/config"
	"edge-agent/pkg/log"
	"edge-agent/pkg/tracing"
	"edge-agent/pkg/utils"
)

// App Agent 应用
type App struct {
	config       *config.Config
	provider     config.Provider
	logger       *log.Logger
	logOutput    io.Writer
	registry     *engine.Registry
	orchestrator orchestrator.Orchestrator
	supervisor   *supervisor.Supervisor
	status       *server.Hertz
	tracer       *sdktrace.TracerProvider
}

// NewApp 从配置文件创建应用，配置文件变化时热更新 Agent 配置
func NewApp(configPath string) (*App, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, out := newLogger(cfg)
	provider, err := config.NewFileProvider(configPath, logger)
	if err != nil {
		return nil, fmt.Errorf("监听配置文件失败: %w", err)
	}
	return build(cfg, provider, logger, out)
}

// NewAppWithProvider 使用给定配置与 Provider 创建应用（嵌入与测试）
func NewAppWithProvider(cfg *config.Config, provider config.Provider) (*App, error) {
	if cfg == nil {
		cfg = &config.Config{}
	}
	logger, out := newLogger(cfg)
	return build(cfg, provider, logger, out)
}

func newLogger(cfg *config.Config) (*log.Logger, io.Writer) {
	logCfg := &log.Config{}
	if cfg != nil {
		logCfg.Level = cfg.Log.Level
		logCfg.Format = cfg.Log.Format
		logCfg.File = cfg.Log.File
		logCfg.MaxSizeMB = cfg.Log.MaxSizeMB
		logCfg.MaxBackups = cfg.Log.MaxBackups
		logCfg.MaxAgeDays = cfg.Log.MaxAgeDays
	}
	out := log.Output(logCfg)
	return log.NewLoggerTo(out, logCfg, log.ParseLevel(logCfg.Level)), out
}

func build(cfg *config.Config, provider config.Provider, logger *log.Logger, out io.Writer) (*App, error) {
	a := &App{config: cfg, provider: provider, logger: logger, logOutput: out}

	// 可选：启用链路追踪（OpenTelemetry）
	if cfg.Monitoring.Tracing.Enable {
		endpoint := utils.CoalesceString(cfg.Monitoring.Tracing.ExportEndpoint, os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		name := utils.CoalesceString(cfg.Monitoring.Tracing.ServiceName, "edge-agent")
		if endpoint != "" {
			tp, err := tracing.InitTracer(tracing.OTelConfig{ServiceName: name, ExportEndpoint: endpoint, Insecure: cfg.Monitoring.Tracing.Insecure})
			if err != nil {
				return nil, fmt.Errorf("初始化链路追踪失败: %w", err)
			}
			a.tracer = tp
			logger.Info("链路追踪已启用", "service_name", name, "endpoint", endpoint)
		}
	}

	a.registry = engine.NewRegistry()
	a.registry.Register(engine.StandbyType, engine.NewStandby)

	orch, err := orchestrator.New(cfg.Orchestrator, logger)
	if err != nil {
		return nil, fmt.Errorf("初始化编排服务客户端失败: %w", err)
	}
	a.orchestrator = orch

	a.supervisor, err = supervisor.New(supervisor.Options{
		Config:       provider,
		Orchestrator: orch,
		Registry:     a.registry,
		Store:        heartbeat.NewStore(0),
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	if cfg.Status.Enable {
		if a.tracer != nil {
			tracerOpt, tcfg := hertztracing.NewServerTracer()
			a.status = server.Default(server.WithHostPorts(cfg.Status.Addr), tracerOpt)
			a.status.Use(hertztracing.ServerMiddleware(tcfg))
		} else {
			a.status = server.Default(server.WithHostPorts(cfg.Status.Addr))
		}
		NewStatusHandler(a.supervisor, provider, a.registry).Register(a.status)
	}
	return a, nil
}

// Registry 引擎注册表；Start 之前注册协议引擎
func (a *App) Registry() *engine.Registry { return a.registry }

// Supervisor Agent 的 Worker 管理器
func (a *App) Supervisor() *supervisor.Supervisor { return a.supervisor }

// Orchestrator 编排服务客户端
func (a *App) Orchestrator() orchestrator.Orchestrator { return a.orchestrator }

// Start 启动 Supervisor 与状态服务；非阻塞
func (a *App) Start(ctx context.Context) error {
	a.logger.Info("启动 Agent", "agent_id", a.provider.Agent().AgentID, "orchestrator", a.config.Orchestrator.Type, "engines", a.registry.Types())
	if err := a.supervisor.Start(ctx); err != nil {
		return err
	}
	if a.status != nil {
		// 使用 Hertz slog 扩展，与日志配置对齐
		hlog.SetLogger(hertzslog.NewLogger(
			hertzslog.WithOutput(a.logOutput),
			hertzslog.WithLevel(levelVar(a.config.Log.Level)),
		))
		go func() {
			a.logger.Info("状态服务启动", "addr", a.config.Status.Addr)
			if err := a.status.Run(); err != nil {
				a.logger.Error("状态服务异常退出", "error", err)
			}
		}()
	}
	return nil
}

func levelVar(level string) *slog.LevelVar {
	v := &slog.LevelVar{}
	v.Set(log.ParseLevel(level))
	return v
}

// Shutdown 停止 Supervisor（等待所有 Worker 退出）后关闭状态服务与追踪
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("关闭 Agent")
	err := a.supervisor.Stop(ctx)
	if a.status != nil {
		if serr := a.status.Shutdown(ctx); serr != nil {
			a.logger.Error("关闭状态服务失败", "error", serr)
		}
	}
	if c, ok := a.orchestrator.(io.Closer); ok {
		if cerr := c.Close(); cerr != nil {
			a.logger.Error("关闭编排服务连接失败", "error", cerr)
		}
	}
	if a.tracer != nil {
		_ = a.tracer.Shutdown(ctx)
	}
	a.logger.Info("Agent 已关闭")
	return err
}
