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

package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"edge-agent/internal/agent/job"
	pkgerrors "edge-agent/pkg/errors"
	"edge-agent/pkg/log"
)

type assignment struct {
	agentID string
	instr   *job.JobProcessingInstruction
	hash    string
	// notified 已为该旧哈希下发过续作，Agent 切换前的心跳不再重复下发
	notified   string
	notifiedAt time.Time
}

// continuationResend 续作下发后 Agent 仍上报旧哈希时的重发间隔（应答丢失）
const continuationResend = 10 * time.Second

// Memory 进程内编排服务：先进先出分配，按哈希比较下发 Keep / SwitchToActive / CancelProcessing。
// 用于单机模式与测试，不实现任何调度算法。
type Memory struct {
	mu       sync.Mutex
	logger   *log.Logger
	queue    []*job.JobProcessingInstruction
	assigned map[string]*assignment                   // jobID -> 分配
	replaced map[string]*job.JobProcessingInstruction // 旧 jobID -> 待下发的续作
	retired  map[string]string                        // 已下发替换的旧 jobID -> 新 jobID
	reported map[string]job.JobHeartbeat
	agents   map[string]job.AgentStatus
	now      func() time.Time
}

// NewMemory 创建空的进程内编排服务
func NewMemory(logger *log.Logger) *Memory {
	if logger == nil {
		logger = log.Nop()
	}
	return &Memory{
		logger:   logger,
		assigned: make(map[string]*assignment),
		replaced: make(map[string]*job.JobProcessingInstruction),
		retired:  make(map[string]string),
		reported: make(map[string]job.JobHeartbeat),
		agents:   make(map[string]job.AgentStatus),
		now:      time.Now,
	}
}

// Submit 提交或更新 Job：已分配的 Job 在下一次心跳时收到携带新配置的 CancelProcessing
func (m *Memory) Submit(instr *job.JobProcessingInstruction) {
	if !instr.Valid() {
		return
	}
	own := instr.Clone()
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.assigned[own.Job.ID]; ok {
		a.instr = own
		a.hash = job.Hash(own.Job)
		a.notified = ""
		return
	}
	for i, q := range m.queue {
		if q.Job.ID == own.Job.ID {
			m.queue[i] = own
			return
		}
	}
	m.queue = append(m.queue, own)
}

// Replace 用另一个 Job 接替已分配的 oldJobID；Agent 在下一次心跳时收到续作并重新登记
func (m *Memory) Replace(oldJobID string, instr *job.JobProcessingInstruction) error {
	if !instr.Valid() {
		return pkgerrors.ErrInvalidArg
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assigned[oldJobID]; !ok {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "job %s not assigned", oldJobID)
	}
	m.replaced[oldJobID] = instr.Clone()
	return nil
}

// Remove 撤销 Job；已分配时下一次心跳收到不带续作的 CancelProcessing
func (m *Memory) Remove(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.assigned[jobID]; ok {
		delete(m.assigned, jobID)
		delete(m.replaced, jobID)
		return true
	}
	for i, q := range m.queue {
		if q.Job.ID == jobID {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return true
		}
	}
	return false
}

// Promote 将已分配 Job 的期望模式改为 Active；Passive 执行中的 Agent 收到 SwitchToActive
func (m *Memory) Promote(jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.assigned[jobID]
	if !ok {
		return pkgerrors.Wrapf(pkgerrors.ErrNotFound, "job %s not assigned", jobID)
	}
	a.instr.ProcessMode = job.ProcessModeActive.Ptr()
	return nil
}

// Pending 待分配 Job 数
func (m *Memory) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

// Assigned 分配给 agentID 的 jobID 列表
func (m *Memory) Assigned(agentID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for id, a := range m.assigned {
		if a.agentID == agentID {
			out = append(out, id)
		}
	}
	return out
}

// LastHeartbeat 最近一次收到的 Job 心跳
func (m *Memory) LastHeartbeat(jobID string) (job.JobHeartbeat, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	hb, ok := m.reported[jobID]
	return hb, ok
}

// AgentStatus 最近一次聚合心跳中的 Agent 状态
func (m *Memory) AgentStatus(agentID string) (job.AgentStatus, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.agents[agentID]
	return s, ok
}

// GetAvailableJobs 实现 Orchestrator：按提交顺序取出满足 Demands 的 Job
func (m *Memory) GetAvailableJobs(ctx context.Context, agentID string, req job.JobRequest) ([]job.JobProcessingInstruction, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []job.JobProcessingInstruction
	rest := m.queue[:0:0]
	for _, q := range m.queue {
		if len(out) < req.MaxJobCount && q.Job.Demands.SatisfiedBy(req.Capabilities) {
			m.assigned[q.Job.ID] = &assignment{agentID: agentID, instr: q, hash: job.Hash(q.Job)}
			out = append(out, *q.Clone())
			continue
		}
		rest = append(rest, q)
	}
	m.queue = rest
	if len(out) > 0 {
		m.logger.Debug("分配 Job", "agent_id", agentID, "count", len(out))
	}
	return out, nil
}

// SendHeartbeat 实现 Orchestrator
func (m *Memory) SendHeartbeat(ctx context.Context, hb job.Heartbeat) ([]job.HeartbeatResultEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.agents[hb.AgentID] = hb.AgentStatus
	now := m.now().UTC()

	results := make([]job.HeartbeatResultEntry, 0, len(hb.JobHeartbeats))
	for _, jh := range hb.JobHeartbeats {
		m.reported[jh.JobID] = jh.Clone()
		results = append(results, m.answer(hb.AgentID, jh, now))
	}
	if hb.AgentStatus == job.AgentStatusStopping || hb.AgentStatus == job.AgentStatusStopped {
		m.releaseAgent(hb.AgentID)
	}
	return results, nil
}

func (m *Memory) answer(agentID string, jh job.JobHeartbeat, now time.Time) job.HeartbeatResultEntry {
	entry := job.HeartbeatResultEntry{JobID: jh.JobID, HeartbeatInstruction: job.InstructionKeep, LastActiveHeartbeat: &now}

	if next, ok := m.replaced[jh.JobID]; ok && !jh.Status.IsTerminal() {
		delete(m.replaced, jh.JobID)
		delete(m.assigned, jh.JobID)
		m.assigned[next.Job.ID] = &assignment{agentID: agentID, instr: next, hash: job.Hash(next.Job)}
		m.retired[jh.JobID] = next.Job.ID
		entry.HeartbeatInstruction = job.InstructionCancelProcessing
		entry.UpdatedJob = next.Clone()
		return entry
	}

	for oldID, newID := range m.retired {
		if newID == jh.JobID {
			delete(m.retired, oldID)
		}
	}
	if _, ok := m.retired[jh.JobID]; ok {
		// Agent 正在切换到替换后的 Job，旧 jobID 的心跳不再处理
		return entry
	}

	a, ok := m.assigned[jh.JobID]
	if !ok || a.agentID != agentID {
		if !jh.Status.IsTerminal() {
			entry.HeartbeatInstruction = job.InstructionCancelProcessing
		}
		return entry
	}

	switch jh.Status {
	case job.StatusCompleted, job.StatusError:
		delete(m.assigned, jh.JobID)
		delete(m.replaced, jh.JobID)
		return entry
	case job.StatusCanceled:
		// Agent 主动放弃（如停机），重新排队
		delete(m.assigned, jh.JobID)
		delete(m.replaced, jh.JobID)
		m.queue = append([]*job.JobProcessingInstruction{a.instr}, m.queue...)
		return entry
	}

	if a.hash != jh.JobHash {
		if a.notified == jh.JobHash && now.Sub(a.notifiedAt) < continuationResend {
			return entry
		}
		a.notified, a.notifiedAt = jh.JobHash, now
		entry.HeartbeatInstruction = job.InstructionCancelProcessing
		entry.UpdatedJob = a.instr.Clone()
		return entry
	}
	a.notified = ""
	if a.instr.Mode() == job.ProcessModeActive && jh.ProcessMode == job.ProcessModePassive {
		entry.HeartbeatInstruction = job.InstructionSwitchToActive
	}
	return entry
}

// releaseAgent 停机的 Agent 持有的 Job 重新排队
func (m *Memory) releaseAgent(agentID string) {
	for id, a := range m.assigned {
		if a.agentID != agentID {
			continue
		}
		delete(m.assigned, id)
		delete(m.replaced, id)
		m.queue = append(m.queue, a.instr)
	}
}

// LoadJobsFile 读取 JSON 数组形式的 JobProcessingInstruction 列表
func LoadJobsFile(path string) ([]job.JobProcessingInstruction, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "read jobs file %s", path)
	}
	var instrs []job.JobProcessingInstruction
	if err := json.Unmarshal(b, &instrs); err != nil {
		return nil, pkgerrors.Wrapf(err, "parse jobs file %s", path)
	}
	for i := range instrs {
		if !instrs[i].Valid() {
			return nil, fmt.Errorf("jobs file %s: entry %d: %w", path, i, pkgerrors.ErrInvalidArg)
		}
	}
	return instrs, nil
}
