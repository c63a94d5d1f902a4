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

// Package engine 定义协议相关处理引擎的契约，以及按 jobConfigurationType 打开引擎的注册表。
//
// 引擎实现与具体 payload 无关：Worker 只通过 ProcessingEngine 驱动执行，
// 通过可选接口 Reconfigurer / ModeSwitcher 处理续作与模式切换。
package engine

import (
	"context"
	"encoding/json"
	"time"

	"edge-agent/internal/agent/job"
)

// ProcessingEngine 处理引擎
type ProcessingEngine interface {
	// Run 阻塞直到完成、被取消或失败；须及时响应 ctx 取消
	Run(ctx context.Context, mode job.ProcessMode) error
	// CurrentState 返回当前状态快照，不得阻塞
	CurrentState(ctx context.Context) (json.RawMessage, error)
}

// Reconfigurer 支持原地续作：同类型 Job 的新配置直接下发给现有引擎
type Reconfigurer interface {
	Reconfigure(ctx context.Context, info *job.JobInfo) error
}

// ModeSwitcher 支持运行中切换执行模式（SwitchToActive）
type ModeSwitcher interface {
	SwitchProcessMode(ctx context.Context, mode job.ProcessMode, lastActive *time.Time) error
}

// Factory 在给定 Scope 内创建引擎；引擎持有的资源应通过 Scope.OnClose 登记
type Factory func(scope *Scope) (ProcessingEngine, error)
