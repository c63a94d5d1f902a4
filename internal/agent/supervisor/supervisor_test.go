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

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"edge-agent/internal/agent/engine"
	"edge-agent/internal/agent/heartbeat"
	"edge-agent/internal/agent/job"
	"edge-agent/internal/orchestrator"
	"edge-agent/pkg/config"
)

// fakeOrchestrator 每次请求返回固定的指令集合，记录请求与心跳
type fakeOrchestrator struct {
	mu         sync.Mutex
	instrs     []job.JobProcessingInstruction
	once       bool // true 时指令只返回一次
	requests   []job.JobRequest
	heartbeats []job.Heartbeat
	onBeat     func(hb job.Heartbeat) []job.HeartbeatResultEntry
	jobsErr    error
}

func (f *fakeOrchestrator) GetAvailableJobs(ctx context.Context, _ string, req job.JobRequest) ([]job.JobProcessingInstruction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.jobsErr != nil {
		return nil, f.jobsErr
	}
	out := make([]job.JobProcessingInstruction, len(f.instrs))
	for i := range f.instrs {
		out[i] = *f.instrs[i].Clone()
	}
	if f.once {
		f.instrs = nil
	}
	return out, nil
}

func (f *fakeOrchestrator) SendHeartbeat(_ context.Context, hb job.Heartbeat) ([]job.HeartbeatResultEntry, error) {
	f.mu.Lock()
	f.heartbeats = append(f.heartbeats, hb)
	onBeat := f.onBeat
	f.mu.Unlock()
	if onBeat != nil {
		return onBeat(hb), nil
	}
	out := make([]job.HeartbeatResultEntry, 0, len(hb.JobHeartbeats))
	for _, jh := range hb.JobHeartbeats {
		out = append(out, job.HeartbeatResultEntry{JobID: jh.JobID, HeartbeatInstruction: job.InstructionKeep})
	}
	return out, nil
}

func (f *fakeOrchestrator) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// reported 是否有心跳报告了 jobID 的 status
func (f *fakeOrchestrator) reported(jobID string, status job.JobStatus) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, hb := range f.heartbeats {
		for _, jh := range hb.JobHeartbeats {
			if jh.JobID == jobID && jh.Status == status {
				return true
			}
		}
	}
	return false
}

func (f *fakeOrchestrator) firstRequest() job.JobRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[0]
}

func (f *fakeOrchestrator) lastHeartbeat() job.Heartbeat {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.heartbeats[len(f.heartbeats)-1]
}

func standby(id string) job.JobProcessingInstruction {
	return typed(id, engine.StandbyType)
}

func typed(id, typ string) job.JobProcessingInstruction {
	return job.JobProcessingInstruction{
		Job:         &job.JobInfo{ID: id, JobConfigurationType: typ, JobConfiguration: json.RawMessage(`{}`)},
		ProcessMode: job.ProcessModeActive.Ptr(),
	}
}

func newRegistry() *engine.Registry {
	r := engine.NewRegistry()
	r.Register(engine.StandbyType, engine.NewStandby)
	r.Register("Failing", func(*engine.Scope) (engine.ProcessingEngine, error) { return failingEngine{}, nil })
	return r
}

type failingEngine struct{}

func (failingEngine) Run(context.Context, job.ProcessMode) error { return errors.New("port closed") }
func (failingEngine) CurrentState(context.Context) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

// countingOrchestrator 统计每个 jobID 收到的续作（携带 UpdatedJob 的 CancelProcessing）
type countingOrchestrator struct {
	*orchestrator.Memory
	mu            sync.Mutex
	continuations map[string]int
}

func (c *countingOrchestrator) SendHeartbeat(ctx context.Context, hb job.Heartbeat) ([]job.HeartbeatResultEntry, error) {
	res, err := c.Memory.SendHeartbeat(ctx, hb)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range res {
		if e.HeartbeatInstruction == job.InstructionCancelProcessing && e.UpdatedJob != nil {
			c.continuations[e.JobID]++
		}
	}
	return res, err
}

func (c *countingOrchestrator) continuationCount(jobID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.continuations[jobID]
}

func newSupervisor(t *testing.T, orch orchestrator.Orchestrator, agent config.AgentConfig, opts ...func(*Options)) (*Supervisor, *config.StaticProvider) {
	t.Helper()
	if agent.AgentID == "" {
		agent.AgentID = "agent-1"
	}
	if agent.HeartbeatInterval == "" {
		agent.HeartbeatInterval = "20ms"
	}
	if agent.JobCheckInterval == "" {
		agent.JobCheckInterval = "20ms"
	}
	provider := config.NewStaticProvider(agent)
	o := Options{
		Config:         provider,
		Orchestrator:   orch,
		Registry:       newRegistry(),
		Store:          heartbeat.NewStore(4),
		FirstHeartbeat: 5 * time.Millisecond,
		FlushTimeout:   time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	s, err := New(o)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s, provider
}

func TestSupervisor_NeverExceedsMaxWorkers(t *testing.T) {
	orch := &fakeOrchestrator{instrs: []job.JobProcessingInstruction{standby("j1"), standby("j2"), standby("j3")}}
	s, _ := newSupervisor(t, orch, config.AgentConfig{MaxWorkers: 2})
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return s.Running() == 2 }, 2*time.Second, 5*time.Millisecond)
	for i := 0; i < 20; i++ {
		assert.LessOrEqual(t, s.Running(), 2)
		time.Sleep(5 * time.Millisecond)
	}
	// 槽位已满后不再请求
	assert.Equal(t, 1, orch.requestCount())
	assert.Equal(t, 2, orch.firstRequest().MaxJobCount)

	ids := []string{}
	for _, w := range s.Workers() {
		ids = append(ids, w.JobID)
		assert.Equal(t, job.StatusActive, w.Status)
	}
	assert.Equal(t, []string{"j1", "j2"}, ids)
}

func TestSupervisor_CancelFreesSlot(t *testing.T) {
	var mu sync.Mutex
	cancelJ1 := false
	orch := &fakeOrchestrator{instrs: []job.JobProcessingInstruction{standby("j1")}, once: true}
	orch.onBeat = func(hb job.Heartbeat) []job.HeartbeatResultEntry {
		mu.Lock()
		defer mu.Unlock()
		var out []job.HeartbeatResultEntry
		for _, jh := range hb.JobHeartbeats {
			instr := job.InstructionKeep
			if jh.JobID == "j1" && cancelJ1 && jh.Status == job.StatusActive {
				instr = job.InstructionCancelProcessing
			}
			out = append(out, job.HeartbeatResultEntry{JobID: jh.JobID, HeartbeatInstruction: instr})
		}
		return out
	}
	s, _ := newSupervisor(t, orch, config.AgentConfig{MaxWorkers: 1})
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Running() == 1 }, 2*time.Second, 5*time.Millisecond)
	before := orch.requestCount()

	mu.Lock()
	cancelJ1 = true
	mu.Unlock()

	require.Eventually(t, func() bool { return s.Running() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return orch.reported("j1", job.StatusCanceled) }, 2*time.Second, 5*time.Millisecond)
	_, ok := s.Store().Get("j1")
	assert.False(t, ok)
	require.Eventually(t, func() bool { return orch.requestCount() > before }, 2*time.Second, 5*time.Millisecond)
}

// Worker 结束后 jobID 的心跳只被删除一次：补发心跳的应答、dispatch 与 runWorker 清理不重复
func TestSupervisor_StoreEntryRemovedOnce(t *testing.T) {
	var mu sync.Mutex
	cancelJ1 := false
	orch := &fakeOrchestrator{instrs: []job.JobProcessingInstruction{standby("j1")}, once: true}
	orch.onBeat = func(hb job.Heartbeat) []job.HeartbeatResultEntry {
		mu.Lock()
		defer mu.Unlock()
		var out []job.HeartbeatResultEntry
		for _, jh := range hb.JobHeartbeats {
			instr := job.InstructionKeep
			if cancelJ1 && jh.Status == job.StatusActive {
				instr = job.InstructionCancelProcessing
			}
			out = append(out, job.HeartbeatResultEntry{JobID: jh.JobID, HeartbeatInstruction: instr})
		}
		return out
	}
	s, _ := newSupervisor(t, orch, config.AgentConfig{MaxWorkers: 1})

	var removedMu sync.Mutex
	removed := map[string]int{}
	s.Store().OnRemove(func(jobID string) {
		removedMu.Lock()
		removed[jobID]++
		removedMu.Unlock()
	})
	removals := func() map[string]int {
		removedMu.Lock()
		defer removedMu.Unlock()
		out := make(map[string]int, len(removed))
		for k, v := range removed {
			out[k] = v
		}
		return out
	}

	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return orch.reported("j1", job.StatusActive) }, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	cancelJ1 = true
	mu.Unlock()
	require.Eventually(t, func() bool { return s.Running() == 0 && s.Store().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.True(t, orch.reported("j1", job.StatusCanceled))

	// 再经过若干心跳周期并停机
	time.Sleep(100 * time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))

	assert.Equal(t, map[string]int{"j1": 1}, removals())
}

func TestSupervisor_EngineErrorReportsAndFreesSlot(t *testing.T) {
	orch := &fakeOrchestrator{instrs: []job.JobProcessingInstruction{typed("bad", "Failing")}, once: true}
	s, _ := newSupervisor(t, orch, config.AgentConfig{MaxWorkers: 1})
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return orch.reported("bad", job.StatusError) }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.Running() == 0 && s.Store().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_SkipsInvalidDuplicateAndUnsatisfied(t *testing.T) {
	unsatisfied := standby("gpu-job")
	unsatisfied.Job.Demands = job.Demands{{Key: "gpu", Operator: job.DemandExists}}
	orch := &fakeOrchestrator{instrs: []job.JobProcessingInstruction{
		{Job: &job.JobInfo{ID: "no-config"}, ProcessMode: job.ProcessModeActive.Ptr()},
		standby("j1"),
		standby("j1"),
		unsatisfied,
		typed("unknown", "Modbus"),
	}, once: true}
	s, _ := newSupervisor(t, orch, config.AgentConfig{MaxWorkers: 5, Capabilities: map[string]string{"site": "a"}})
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return orch.requestCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	workers := s.Workers()
	require.Len(t, workers, 1)
	assert.Equal(t, "j1", workers[0].JobID)
	assert.Equal(t, "a", orch.firstRequest().Capabilities["site"])

	// 无法执行的分配以 Error 上报；重复分配不上报，正在运行的 j1 不受影响
	require.Eventually(t, func() bool {
		return orch.reported("no-config", job.StatusError) &&
			orch.reported("gpu-job", job.StatusError) &&
			orch.reported("unknown", job.StatusError)
	}, 2*time.Second, 5*time.Millisecond)
	assert.False(t, orch.reported("j1", job.StatusError))
	require.Eventually(t, func() bool { return s.Store().Len() == 1 }, 2*time.Second, 5*time.Millisecond)
	_, ok := s.Store().Get("unknown")
	assert.False(t, ok)
}

func TestSupervisor_RejectedAssignmentReleasedByMemory(t *testing.T) {
	mem := orchestrator.NewMemory(nil)
	unknown := typed("unknown", "Modbus")
	mem.Submit(&unknown)
	s, _ := newSupervisor(t, mem, config.AgentConfig{MaxWorkers: 1})
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool {
		hb, ok := mem.LastHeartbeat("unknown")
		return ok && hb.Status == job.StatusError && hb.JobHash == job.Hash(unknown.Job)
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, mem.Assigned("agent-1"))
	assert.Equal(t, 0, mem.Pending())
	require.Eventually(t, func() bool { return s.Store().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Running())
}

func TestSupervisor_DropsStaleStoreEntries(t *testing.T) {
	orch := &fakeOrchestrator{}
	s, _ := newSupervisor(t, orch, config.AgentConfig{})
	s.Store().Put("ghost", job.JobHeartbeat{JobID: "ghost", Status: job.StatusActive})
	require.NoError(t, s.Start(context.Background()))

	require.Eventually(t, func() bool { return s.Store().Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, orch.reported("ghost", job.StatusActive))
}

func TestSupervisor_RequestFailureIsRetried(t *testing.T) {
	orch := &fakeOrchestrator{jobsErr: errors.New("connection reset")}
	s, _ := newSupervisor(t, orch, config.AgentConfig{})
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return orch.requestCount() >= 3 }, 2*time.Second, 5*time.Millisecond)
}

func TestSupervisor_StartStop(t *testing.T) {
	orch := &fakeOrchestrator{instrs: []job.JobProcessingInstruction{standby("j1")}, once: true}
	s, _ := newSupervisor(t, orch, config.AgentConfig{})
	require.NoError(t, s.Start(context.Background()))
	assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
	require.Eventually(t, func() bool { return s.Running() == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	require.NoError(t, s.Stop(ctx))
	assert.Equal(t, 0, s.Running())
	assert.True(t, orch.reported("j1", job.StatusCanceled))

	last := orch.lastHeartbeat()
	assert.Equal(t, job.AgentStatusStopping, last.AgentStatus)
	assert.Empty(t, last.JobHeartbeats)
	assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
}

func TestSupervisor_ConfigUpdateWakesJobLoop(t *testing.T) {
	orch := &fakeOrchestrator{}
	s, provider := newSupervisor(t, orch, config.AgentConfig{JobCheckInterval: "1h"})
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return orch.requestCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	provider.Update(func(a *config.AgentSettings) { a.MaxWorkers = 3 })
	require.Eventually(t, func() bool { return orch.requestCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	orch.mu.Lock()
	assert.Equal(t, 3, orch.requests[1].MaxJobCount)
	orch.mu.Unlock()
}

// 同 jobID 配置更新只触发一次续作：续作后立即上报新哈希，首个心跳延迟较长时也不会重复下发
func TestSupervisor_ContinuationDeliveredOnce(t *testing.T) {
	mem := &countingOrchestrator{Memory: orchestrator.NewMemory(nil), continuations: map[string]int{}}
	first := standby("j1")
	mem.Submit(&first)
	s, _ := newSupervisor(t, mem, config.AgentConfig{MaxWorkers: 1, HeartbeatInterval: "10ms"}, func(o *Options) {
		o.FirstHeartbeat = 300 * time.Millisecond
	})
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool {
		hb, ok := mem.LastHeartbeat("j1")
		return ok && hb.JobHash == job.Hash(first.Job)
	}, 2*time.Second, 5*time.Millisecond)
	workerID := s.Workers()[0].WorkerID

	updated := standby("j1")
	updated.Job.JobConfiguration = json.RawMessage(`{"rev":2}`)
	mem.Submit(&updated)
	require.Eventually(t, func() bool {
		hb, ok := mem.LastHeartbeat("j1")
		return ok && hb.JobHash == job.Hash(updated.Job) && hb.Status == job.StatusActive
	}, 2*time.Second, 5*time.Millisecond)

	// 跨越多个心跳周期与新一轮的首个心跳延迟
	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, 1, mem.continuationCount("j1"))
	ws := s.Workers()
	require.Len(t, ws, 1)
	assert.Equal(t, workerID, ws[0].WorkerID)
	assert.Equal(t, job.StatusActive, ws[0].Status)
	hb, ok := mem.LastHeartbeat("j1")
	require.True(t, ok)
	assert.Equal(t, job.Hash(updated.Job), hb.JobHash)
}

// 与进程内编排服务联调：配置更新、替换 Job 与撤销
func TestSupervisor_WithMemoryOrchestrator(t *testing.T) {
	mem := orchestrator.NewMemory(nil)
	first := standby("j1")
	mem.Submit(&first)
	s, _ := newSupervisor(t, mem, config.AgentConfig{MaxWorkers: 2})
	require.NoError(t, s.Start(context.Background()))
	require.Eventually(t, func() bool { return s.Running() == 1 }, 2*time.Second, 5*time.Millisecond)
	workerID := s.Workers()[0].WorkerID

	// 同 jobID 更新配置：同一 Worker 续作
	updated := standby("j1")
	updated.Job.JobConfiguration = json.RawMessage(`{"rev":2}`)
	mem.Submit(&updated)
	require.Eventually(t, func() bool {
		hb, ok := mem.LastHeartbeat("j1")
		return ok && hb.JobHash == job.Hash(updated.Job) && hb.Status == job.StatusActive
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, workerID, s.Workers()[0].WorkerID)

	// 换成另一个 Job：Worker 重新登记
	next := standby("j2")
	require.NoError(t, mem.Replace("j1", &next))
	require.Eventually(t, func() bool {
		ws := s.Workers()
		return len(ws) == 1 && ws[0].JobID == "j2" && ws[0].WorkerID == workerID
	}, 2*time.Second, 5*time.Millisecond)

	// 撤销：Worker 结束并释放槽位
	require.True(t, mem.Remove("j2"))
	require.Eventually(t, func() bool { return s.Running() == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		hb, ok := mem.LastHeartbeat("j2")
		return ok && hb.Status == job.StatusCanceled
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, s.Store().Len())
}
