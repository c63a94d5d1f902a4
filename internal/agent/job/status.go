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

package job

// JobStatus Job 状态（lifetimeData.status）
type JobStatus string

const (
	StatusActive    JobStatus = "Active"
	StatusCompleted JobStatus = "Completed"
	StatusError     JobStatus = "Error"
	StatusCanceled  JobStatus = "Canceled"
)

// IsTerminal Completed / Error / Canceled 为终态
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCanceled:
		return true
	default:
		return false
	}
}

// CanTransitionTo 状态机：Active → {Completed, Error, Canceled}；
// 携带续作（continuing）时 Canceled → Active、Active → Active 合法，其余一律非法
func (s JobStatus) CanTransitionTo(next JobStatus, continuing bool) bool {
	switch s {
	case StatusActive:
		if next == StatusActive {
			return continuing
		}
		return next.IsTerminal()
	case StatusCanceled:
		return continuing && next == StatusActive
	default:
		return false
	}
}

// ProcessMode 编排服务分配的执行模式（冗余角色）
type ProcessMode string

const (
	ProcessModeActive  ProcessMode = "Active"
	ProcessModePassive ProcessMode = "Passive"
)

// Ptr 返回 m 的指针，便于构造 JobProcessingInstruction
func (m ProcessMode) Ptr() *ProcessMode {
	return &m
}

// AgentStatus 聚合心跳中的 Agent 状态
type AgentStatus string

const (
	AgentStatusRunning  AgentStatus = "Running"
	AgentStatusStopping AgentStatus = "Stopping"
	AgentStatusStopped  AgentStatus = "Stopped"
)

// HeartbeatInstruction 编排服务对单个 Job 心跳的答复
type HeartbeatInstruction string

const (
	InstructionKeep             HeartbeatInstruction = "Keep"
	InstructionSwitchToActive   HeartbeatInstruction = "SwitchToActive"
	InstructionCancelProcessing HeartbeatInstruction = "CancelProcessing"
)
