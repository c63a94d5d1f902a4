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

import (
	"bytes"
	"encoding/json"
	"time"
)

// JobProcessingInstruction 将 Job 与执行模式配对；既是「获取可用 Job」的返回单元，也用于描述续作
type JobProcessingInstruction struct {
	Job         *JobInfo     `json:"job"`
	ProcessMode *ProcessMode `json:"processMode"`
}

// Valid Job、Job 配置与执行模式均非空；JSON null 配置视为缺失
func (i *JobProcessingInstruction) Valid() bool {
	return i != nil && i.Job != nil && i.Job.HasConfiguration() && i.ProcessMode != nil
}

// Mode 返回执行模式；未设置时为 Passive
func (i *JobProcessingInstruction) Mode() ProcessMode {
	if i == nil || i.ProcessMode == nil {
		return ProcessModePassive
	}
	return *i.ProcessMode
}

// Clone 深拷贝
func (i *JobProcessingInstruction) Clone() *JobProcessingInstruction {
	if i == nil {
		return nil
	}
	out := &JobProcessingInstruction{Job: i.Job.Clone()}
	if i.ProcessMode != nil {
		out.ProcessMode = i.ProcessMode.Ptr()
	}
	return out
}

var jsonNull = []byte("null")

// HasConfiguration Job 配置存在且不是 JSON null
func (j *JobInfo) HasConfiguration() bool {
	if j == nil {
		return false
	}
	c := bytes.TrimSpace(j.JobConfiguration)
	return len(c) > 0 && !bytes.Equal(c, jsonNull)
}

// HeartbeatResultEntry 编排服务对聚合心跳中某个 Job 的答复；UpdatedJob 仅在 CancelProcessing 时有意义
type HeartbeatResultEntry struct {
	JobID                string                    `json:"jobId"`
	HeartbeatInstruction HeartbeatInstruction      `json:"heartbeatInstruction"`
	LastActiveHeartbeat  *time.Time                `json:"lastActiveHeartbeat,omitempty"`
	UpdatedJob           *JobProcessingInstruction `json:"updatedJob,omitempty"`
}

// JobRequest 「获取可用 Job」请求体
type JobRequest struct {
	Capabilities map[string]string `json:"capabilities,omitempty"`
	MaxJobCount  int               `json:"maxJobCount"`
}

// JobHeartbeat 单个 Job 的心跳；每次心跳覆盖上一次，Job 结束后移除
type JobHeartbeat struct {
	JobID       string          `json:"jobId"`
	JobHash     string          `json:"jobHash"`
	Status      JobStatus       `json:"status"`
	ProcessMode ProcessMode     `json:"processMode"`
	State       json.RawMessage `json:"state,omitempty"`
}

// Clone 深拷贝 State
func (h JobHeartbeat) Clone() JobHeartbeat {
	h.State = cloneBytes(h.State)
	return h
}

// Heartbeat Agent 聚合心跳：Agent 标识、状态与全部 Job 心跳快照；每次重新构建，不做增量修改
type Heartbeat struct {
	AgentID       string         `json:"agentId"`
	AgentStatus   AgentStatus    `json:"agentStatus"`
	JobHeartbeats []JobHeartbeat `json:"jobHeartbeats"`
}
