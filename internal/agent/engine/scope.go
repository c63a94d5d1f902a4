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
	"errors"
	"sync"

	"github.com/google/uuid"

	"edge-agent/internal/agent/job"
	"edge-agent/pkg/log"
)

// Scope 单个 Job 的执行上下文：Worker 标识、Job 副本、Logger 与清理函数
type Scope struct {
	ID       string
	WorkerID string
	Job      *job.JobInfo
	Logger   *log.Logger

	mu       sync.Mutex
	cleanups []func() error
	closed   bool
}

// NewScope 创建 Scope；logger 为 nil 时丢弃日志
func NewScope(workerID string, info *job.JobInfo, logger *log.Logger) *Scope {
	if logger == nil {
		logger = log.Nop()
	}
	id := uuid.New().String()
	jobID := ""
	if info != nil {
		jobID = info.ID
	}
	return &Scope{
		ID:       id,
		WorkerID: workerID,
		Job:      info,
		Logger:   logger.With("scope_id", id, "job_id", jobID),
	}
}

// OnClose 登记清理函数；Scope 已关闭时立即执行
func (s *Scope) OnClose(fn func() error) {
	s.mu.Lock()
	if !s.closed {
		s.cleanups = append(s.cleanups, fn)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := fn(); err != nil {
		s.Logger.Warn("scope 关闭后登记的清理函数失败", "error", err)
	}
}

// Closed 是否已关闭
func (s *Scope) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close 按登记的逆序执行清理函数，仅执行一次；返回所有清理错误的合并
func (s *Scope) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	cleanups := s.cleanups
	s.cleanups = nil
	s.mu.Unlock()

	var errs []error
	for i := len(cleanups) - 1; i >= 0; i-- {
		if err := cleanups[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
