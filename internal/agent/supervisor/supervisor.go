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

// Package supervisor 实现 Agent 主循环：按空闲槽位向编排服务请求 Job、为每个 Job 启动 Worker，
// 并以独立的定时循环发送聚合心跳、把编排服务的指令分发给对应 Worker。
package supervisor

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"

	"edge-agent/internal/agent/engine"
	"edge-agent/internal/agent/heartbeat"
	"edge-agent/internal/agent/job"
	"edge-agent/internal/agent/worker"
	"edge-agent/internal/orchestrator"
	"edge-agent/pkg/config"
	pkgerrors "edge-agent/pkg/errors"
	"edge-agent/pkg/log"
	"edge-agent/pkg/metrics"
	"edge-agent/pkg/tracing"
	"edge-agent/pkg/utils"
)

// DefaultFlushTimeout Worker 退出或停机时补发心跳的超时
const DefaultFlushTimeout = 10 * time.Second

var (
	// ErrAlreadyStarted Start 只能调用一次
	ErrAlreadyStarted = errors.New("supervisor: already started")
	// ErrStopped 已停止的 Supervisor 不能再启动
	ErrStopped = errors.New("supervisor: stopped")
)

// Options Supervisor 依赖
type Options struct {
	Config       config.Provider
	Orchestrator orchestrator.Orchestrator
	Registry     *engine.Registry
	Store        *heartbeat.Store
	Logger       *log.Logger
	// FirstHeartbeat 传给 Worker 的首个心跳延迟，<=0 使用 worker.DefaultFirstHeartbeat
	FirstHeartbeat time.Duration
	FlushTimeout   time.Duration
}

// WorkerInfo 运行中 Worker 的快照（供状态接口使用）
type WorkerInfo struct {
	WorkerID    string          `json:"workerId"`
	JobID       string          `json:"jobId"`
	JobType     string          `json:"jobType"`
	Status      job.JobStatus   `json:"status"`
	ProcessMode job.ProcessMode `json:"processMode"`
}

// Supervisor Agent 的 Worker 管理器
type Supervisor struct {
	opts   Options
	logger *log.Logger

	mu       sync.Mutex
	workers  map[string]*worker.Worker // jobID -> Worker
	started  bool
	stopping bool
	cancel   context.CancelFunc

	workerWG sync.WaitGroup
	loopWG   sync.WaitGroup
	hbMu     sync.Mutex // 串行化聚合心跳
	wake     chan struct{}
	hbReset  chan struct{}
	stopOnce sync.Once
	stopErr  error
}

// New 创建 Supervisor
func New(opts Options) (*Supervisor, error) {
	if opts.Config == nil || opts.Orchestrator == nil || opts.Registry == nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "supervisor: config, orchestrator and registry are required")
	}
	if opts.Store == nil {
		opts.Store = heartbeat.NewStore(0)
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	opts.FlushTimeout = utils.PositiveDuration(opts.FlushTimeout, DefaultFlushTimeout)
	return &Supervisor{
		opts:    opts,
		logger:  opts.Logger.With("agent_id", opts.Config.Agent().AgentID),
		workers: make(map[string]*worker.Worker),
		wake:    make(chan struct{}, 1),
		hbReset: make(chan struct{}, 1),
	}, nil
}

// Store 心跳存储
func (s *Supervisor) Store() *heartbeat.Store { return s.opts.Store }

// Start 启动 Job 循环、心跳循环与配置监听；非阻塞
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopping {
		return ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}
	s.started = true
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	updates, unsubscribe := s.opts.Config.Subscribe()

	s.loopWG.Add(3)
	go func() { defer s.loopWG.Done(); s.jobLoop(runCtx) }()
	go func() { defer s.loopWG.Done(); s.heartbeatLoop(runCtx) }()
	go func() { defer s.loopWG.Done(); s.configLoop(runCtx, updates, unsubscribe) }()
	s.logger.Info("Agent 已启动", "max_workers", s.opts.Config.Agent().MaxWorkers)
	return nil
}

// Stop 停止请求新 Job、取消所有 Worker 并等待其退出，最后发送 Stopping 心跳；可重复调用
func (s *Supervisor) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopping = true
		started := s.started
		cancel := s.cancel
		s.mu.Unlock()
		if !started {
			return
		}
		s.logger.Info("Agent 正在停止")
		cancel()

		done := make(chan struct{})
		go func() {
			s.workerWG.Wait()
			s.loopWG.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			s.stopErr = ctx.Err()
			s.logger.Warn("等待 Worker 退出超时", "running", s.Running())
		}

		flushCtx, flushCancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FlushTimeout)
		defer flushCancel()
		if err := s.sendHeartbeat(flushCtx, job.AgentStatusStopping); err != nil && s.stopErr == nil {
			s.stopErr = err
		}
		s.logger.Info("Agent 已停止")
	})
	return s.stopErr
}

// Running 运行中的 Worker 数
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Workers 运行中 Worker 的快照，按 jobID 排序
func (s *Supervisor) Workers() []WorkerInfo {
	s.mu.Lock()
	ws := make([]*worker.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		ws = append(ws, w)
	}
	s.mu.Unlock()

	out := make([]WorkerInfo, 0, len(ws))
	for _, w := range ws {
		instr := w.Instruction()
		out = append(out, WorkerInfo{
			WorkerID:    w.ID(),
			JobID:       instr.Job.ID,
			JobType:     instr.Job.JobConfigurationType,
			Status:      w.Status(),
			ProcessMode: instr.Mode(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// wait 等待 d，或被 Worker 退出、配置更新提前唤醒
func (s *Supervisor) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	case <-s.wake:
	}
}

func (s *Supervisor) jobLoop(ctx context.Context) {
	for ctx.Err() == nil {
		settings := s.opts.Config.Agent()
		available := settings.MaxWorkers - s.Running()
		if available <= 0 {
			// 背压：没有空闲槽位时不请求
			s.wait(ctx, settings.JobCheckInterval)
			continue
		}
		instrs, err := s.opts.Orchestrator.GetAvailableJobs(ctx, settings.AgentID, job.JobRequest{
			Capabilities: settings.Capabilities,
			MaxJobCount:  available,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			metrics.JobRequestsTotal.WithLabelValues("error").Inc()
			metrics.ErrorsTotal.WithLabelValues("get_available_jobs").Inc()
			s.logger.Warn("请求可用 Job 失败，稍后重试", "error", err)
			s.wait(ctx, settings.JobCheckInterval)
			continue
		}
		if len(instrs) == 0 {
			metrics.JobRequestsTotal.WithLabelValues("empty").Inc()
			s.wait(ctx, settings.JobCheckInterval)
			continue
		}
		metrics.JobRequestsTotal.WithLabelValues("jobs").Inc()

		launched := 0
		for i := range instrs {
			if launched >= available {
				s.logger.Warn("编排服务返回的 Job 超过空闲槽位，忽略其余", "returned", len(instrs), "available", available)
				break
			}
			if s.launch(ctx, &instrs[i], settings) {
				launched++
			}
		}
		if launched == 0 {
			s.wait(ctx, settings.JobCheckInterval)
		}
	}
}

// launch 校验指令并启动 Worker；返回是否占用了一个槽位
func (s *Supervisor) launch(ctx context.Context, instr *job.JobProcessingInstruction, settings config.AgentSettings) bool {
	if !instr.Valid() {
		s.logger.Warn("跳过无效的 Job 指令")
		metrics.ErrorsTotal.WithLabelValues("invalid_instruction").Inc()
		s.reject(instr)
		return false
	}
	jobID := instr.Job.ID
	if !instr.Job.Demands.SatisfiedBy(settings.Capabilities) {
		s.logger.Warn("Agent 能力不满足 Job 要求，跳过", "job_id", jobID)
		s.reject(instr)
		return false
	}
	s.mu.Lock()
	_, dup := s.workers[jobID]
	s.mu.Unlock()
	if dup {
		s.logger.Warn("Job 已在运行，跳过重复分配", "job_id", jobID)
		return false
	}

	w, err := worker.New(instr, worker.Options{
		Config:         s.opts.Config,
		Registry:       s.opts.Registry,
		Store:          s.opts.Store,
		Logger:         s.logger,
		Rebind:         s.rebind,
		FirstHeartbeat: s.opts.FirstHeartbeat,
	})
	if err != nil {
		s.logger.Warn("创建 Worker 失败，跳过", "job_id", jobID, "error", err)
		metrics.ErrorsTotal.WithLabelValues("create_worker").Inc()
		s.reject(instr)
		return false
	}

	s.mu.Lock()
	if _, dup := s.workers[jobID]; dup || s.stopping {
		s.mu.Unlock()
		_ = w.Dispose(context.Background())
		return false
	}
	// 先前被拒绝时留下的 Error 心跳不再上报
	s.opts.Store.Remove(jobID)
	s.workers[jobID] = w
	s.workerWG.Add(1)
	s.mu.Unlock()

	metrics.WorkersRunning.WithLabelValues(settings.AgentID).Inc()
	s.logger.Info("启动 Worker", "job_id", jobID, "worker_id", w.ID(), "mode", instr.Mode())
	go s.runWorker(ctx, w, settings.AgentID)
	return true
}

// reject 无法执行的分配以 Error 心跳上报，编排服务据此收回；应答后由 dispatch 清理。
// 同 jobID 已有 Worker 时不上报
func (s *Supervisor) reject(instr *job.JobProcessingInstruction) {
	if instr.Job == nil || instr.Job.ID == "" {
		return
	}
	jobID := instr.Job.ID
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.workers[jobID]; running {
		return
	}
	s.opts.Store.Put(jobID, job.JobHeartbeat{
		JobID:       jobID,
		JobHash:     job.Hash(instr.Job),
		Status:      job.StatusError,
		ProcessMode: instr.Mode(),
	})
}

func (s *Supervisor) runWorker(ctx context.Context, w *worker.Worker, agentID string) {
	defer s.workerWG.Done()
	res := w.Run(ctx)

	s.unregister(w)
	metrics.WorkersRunning.WithLabelValues(agentID).Dec()

	// 补发一次聚合心跳，把终态送达编排服务，然后移除该 Job 的心跳
	status := job.AgentStatusRunning
	if ctx.Err() != nil {
		status = job.AgentStatusStopping
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.FlushTimeout)
	if err := s.sendHeartbeat(flushCtx, status); err != nil {
		s.logger.Warn("终态心跳发送失败", "job_id", res.JobID, "error", err)
	}
	cancel()
	s.opts.Store.Remove(res.JobID)

	if err := w.Dispose(context.Background()); err != nil {
		s.logger.Warn("释放 Worker 失败", "job_id", res.JobID, "error", err)
	}
	signal(s.wake)
}

func (s *Supervisor) unregister(w *worker.Worker) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, cur := range s.workers {
		if cur == w {
			delete(s.workers, id)
			return
		}
	}
}

// rebind 续作更换 jobID 时调整登记；新 jobID 已有 Worker 时拒绝
func (s *Supervisor) rebind(oldID, newID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[oldID]
	if !ok {
		return false
	}
	if _, exists := s.workers[newID]; exists {
		return false
	}
	delete(s.workers, oldID)
	s.workers[newID] = w
	s.logger.Info("Worker 已重新登记", "old_job_id", oldID, "job_id", newID)
	return true
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	_ = s.sendHeartbeat(ctx, job.AgentStatusRunning)
	for {
		timer := time.NewTimer(s.opts.Config.Agent().HeartbeatInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.hbReset:
			timer.Stop()
		case <-timer.C:
			_ = s.sendHeartbeat(ctx, job.AgentStatusRunning)
		}
	}
}

func (s *Supervisor) configLoop(ctx context.Context, updates <-chan struct{}, unsubscribe func()) {
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case <-updates:
			s.logger.Info("配置已更新，重置心跳计时并唤醒 Job 循环")
			signal(s.wake)
			signal(s.hbReset)
			s.mu.Lock()
			for _, w := range s.workers {
				w.ResetHeartbeat()
			}
			s.mu.Unlock()
		}
	}
}

// sendHeartbeat 发送聚合心跳并把指令分发给 Worker；失败只记录，不中断循环
func (s *Supervisor) sendHeartbeat(ctx context.Context, status job.AgentStatus) error {
	s.hbMu.Lock()
	defer s.hbMu.Unlock()

	agentID := s.opts.Config.Agent().AgentID
	snapshot := s.opts.Store.Snapshot()
	ctx, span := tracing.StartHeartbeatSpan(ctx, agentID, len(snapshot))
	defer span.End()

	start := time.Now()
	results, err := s.opts.Orchestrator.SendHeartbeat(ctx, job.Heartbeat{
		AgentID:       agentID,
		AgentStatus:   status,
		JobHeartbeats: snapshot,
	})
	metrics.HeartbeatDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.HeartbeatsTotal.WithLabelValues("error").Inc()
		metrics.ErrorsTotal.WithLabelValues("send_heartbeat").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if ctx.Err() == nil {
			s.logger.Warn("发送心跳失败", "error", err)
		}
		return err
	}
	metrics.HeartbeatsTotal.WithLabelValues("ok").Inc()
	for _, entry := range results {
		s.dispatch(ctx, entry)
	}
	return nil
}

// dispatch 指令交给对应 Worker；没有 Worker 时清理残留的心跳
func (s *Supervisor) dispatch(ctx context.Context, entry job.HeartbeatResultEntry) {
	s.mu.Lock()
	w := s.workers[entry.JobID]
	s.mu.Unlock()
	if w == nil {
		if s.opts.Store.Remove(entry.JobID) {
			s.logger.Debug("清理无 Worker 的心跳", "job_id", entry.JobID)
		}
		return
	}
	if err := w.ProcessHeartbeatResult(ctx, entry); err != nil {
		metrics.ErrorsTotal.WithLabelValues("heartbeat_instruction").Inc()
		s.logger.Warn("处理心跳指令失败", "job_id", entry.JobID, "instruction", entry.HeartbeatInstruction, "error", err)
	}
}
