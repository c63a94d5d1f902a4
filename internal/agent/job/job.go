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

// Package job 定义 Agent 与编排服务之间共享的数据模型：Job、处理指令、心跳与心跳结果。
package job

import (
	"encoding/json"
	"time"
)

// JobInfo 编排服务下发的 Job；Agent 在一次分配期间持有只读副本
type JobInfo struct {
	ID                   string           `json:"id"`
	Name                 string           `json:"name,omitempty"`
	JobConfiguration     json.RawMessage  `json:"jobConfiguration,omitempty"`
	JobConfigurationType string           `json:"jobConfigurationType"`
	Demands              Demands          `json:"demands,omitempty"`
	RedundancyConfig     RedundancyConfig `json:"redundancyConfig"`
	LifetimeData         LifetimeData     `json:"lifetimeData"`
}

// RedundancyConfig 期望同时执行该 Job 的 Active / Passive Agent 数
type RedundancyConfig struct {
	DesiredActiveAgents  int `json:"desiredActiveAgents"`
	DesiredPassiveAgents int `json:"desiredPassiveAgents"`
}

// LifetimeData Job 生命周期数据；Status 为状态机所在字段
type LifetimeData struct {
	Status           JobStatus                   `json:"status"`
	ProcessingStatus map[string]ProcessingStatus `json:"processingStatus,omitempty"` // agentID -> 处理状态
	Created          time.Time                   `json:"created"`
	Updated          time.Time                   `json:"updated"`
}

// ProcessingStatus 某个 Agent 对该 Job 的最近处理情况
type ProcessingStatus struct {
	LastKnownHeartbeat time.Time       `json:"lastKnownHeartbeat"`
	LastKnownState     json.RawMessage `json:"lastKnownState,omitempty"`
	ProcessMode        ProcessMode     `json:"processMode"`
}

// Clone 深拷贝，Worker 持有自己的副本，避免与编排客户端共享可变状态
func (j *JobInfo) Clone() *JobInfo {
	if j == nil {
		return nil
	}
	out := *j
	out.JobConfiguration = cloneBytes(j.JobConfiguration)
	if j.Demands != nil {
		out.Demands = make(Demands, len(j.Demands))
		copy(out.Demands, j.Demands)
	}
	if j.LifetimeData.ProcessingStatus != nil {
		out.LifetimeData.ProcessingStatus = make(map[string]ProcessingStatus, len(j.LifetimeData.ProcessingStatus))
		for k, v := range j.LifetimeData.ProcessingStatus {
			v.LastKnownState = cloneBytes(v.LastKnownState)
			out.LifetimeData.ProcessingStatus[k] = v
		}
	}
	return &out
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
