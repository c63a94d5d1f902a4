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

package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"edge-agent/internal/agent/job"
)

// StandbyType 内置 Standby 引擎的 jobConfigurationType
const StandbyType = "Standby"

// Standby 内置引擎：不处理任何 payload，阻塞直到取消；用于被动冗余实例与冒烟测试
type Standby struct {
	scope *Scope

	mu         sync.Mutex
	mode       job.ProcessMode
	startedAt  time.Time
	lastActive *time.Time
	reconfigs  int
}

// NewStandby Standby 的 Factory
func NewStandby(scope *Scope) (ProcessingEngine, error) {
	return &Standby{scope: scope}, nil
}

type standbyState struct {
	Mode                 job.ProcessMode `json:"mode"`
	StartedAt            time.Time       `json:"startedAt"`
	LastActiveHeartbeat  *time.Time      `json:"lastActiveHeartbeat,omitempty"`
	Reconfigurations     int             `json:"reconfigurations"`
	JobConfigurationHash string          `json:"jobConfigurationHash"`
}

// Run 实现 ProcessingEngine
func (s *Standby) Run(ctx context.Context, mode job.ProcessMode) error {
	s.mu.Lock()
	s.mode = mode
	s.startedAt = time.Now()
	s.mu.Unlock()
	s.scope.Logger.Debug("standby 引擎启动", "mode", mode)
	<-ctx.Done()
	return ctx.Err()
}

// CurrentState 实现 ProcessingEngine
func (s *Standby) CurrentState(_ context.Context) (json.RawMessage, error) {
	s.mu.Lock()
	st := standbyState{
		Mode:                 s.mode,
		StartedAt:            s.startedAt,
		LastActiveHeartbeat:  s.lastActive,
		Reconfigurations:     s.reconfigs,
		JobConfigurationHash: job.Hash(s.scope.Job),
	}
	s.mu.Unlock()
	return json.Marshal(st)
}

// SwitchProcessMode 实现 ModeSwitcher
func (s *Standby) SwitchProcessMode(_ context.Context, mode job.ProcessMode, lastActive *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = mode
	if lastActive != nil {
		t := *lastActive
		s.lastActive = &t
	}
	return nil
}

// Reconfigure 实现 Reconfigurer
func (s *Standby) Reconfigure(_ context.Context, info *job.JobInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scope.Job = info
	s.reconfigs++
	return nil
}
