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

// Package worker 在独立的 Scope 中执行单个 Job：驱动处理引擎、按间隔写入 Job 心跳、
// 应用编排服务的心跳指令，并在收到续作时原地切换到新配置。
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"edge-agent/internal/agent/engine"
	"edge-agent/internal/agent/heartbeat"
	"edge-agent/internal/agent/job"
	"edge-agent/pkg/config"
	pkgerrors "edge-agent/pkg/errors"
	"edge-agent/pkg/log"
	"edge-agent/pkg/metrics"
	"edge-agent/pkg/tracing"
	"edge-agent/pkg/utils"
)

// DefaultFirstHeartbeat 启动后首个 Job 心跳的延迟
const DefaultFirstHeartbeat = time.Second

var (
	// ErrInvalidInstruction Job、Job 配置或执行模式缺失
	ErrInvalidInstruction = errors.New("worker: invalid job processing instruction")
	// ErrRebindRejected 续作更换了 jobID，但 Agent 拒绝了重新登记（例如新 jobID 已在运行）
	ErrRebindRejected = errors.New("worker: continuation rebind rejected")
	// ErrAlreadyRunning Run 只能调用一次
	ErrAlreadyRunning = errors.New("worker: already running or disposed")
	// ErrUnknownInstruction 未知心跳指令
	ErrUnknownInstruction = errors.New("worker: unknown heartbeat instruction")
)

// Options Worker 依赖
type Options struct {
	ID       string // 为空时生成 uuid
	Config   config.Provider
	Registry *engine.Registry
	Store    *heartbeat.Store
	Logger   *log.Logger
	// Rebind 续作更换 jobID 时调用，返回 false 视为无效续作
	Rebind func(oldJobID, newJobID string) bool
	// FirstHeartbeat 首个心跳延迟，<=0 时为 DefaultFirstHeartbeat
	FirstHeartbeat time.Duration
}

// Result Worker 结束时返回给 Agent 的结果
type Result struct {
	WorkerID      string
	JobID         string
	Status        job.JobStatus
	Err           error
	Continuations int
	Duration      time.Duration
}

// Worker 单个 Job 的执行单元；mu 保护当前指令、状态、引擎与待处理续作
type Worker struct {
	id     string
	opts   Options
	logger *log.Logger

	mu            sync.Mutex
	instr         *job.JobProcessingInstruction
	hash          string
	status        job.JobStatus
	lastErr       error
	lastState     json.RawMessage
	eng           engine.ProcessingEngine
	scope         *engine.Scope
	continuation  *job.JobProcessingInstruction
	cancelRun     context.CancelFunc
	cancelPending bool

	reset       chan struct{}
	disposed    chan struct{}
	disposeOnce sync.Once
	done        chan struct{}
	started     atomic.Bool
}

// New 校验指令并在新 Scope 中打开引擎；未注册的 jobConfigurationType 返回 engine.ErrUnknownEngine
func New(instr *job.JobProcessingInstruction, opts Options) (*Worker, error) {
	if !instr.Valid() {
		return nil, ErrInvalidInstruction
	}
	if opts.Registry == nil || opts.Store == nil || opts.Config == nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "worker: registry, store and config are required")
	}
	if opts.ID == "" {
		opts.ID = uuid.New().String()
	}
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	opts.FirstHeartbeat = utils.PositiveDuration(opts.FirstHeartbeat, DefaultFirstHeartbeat)
	own := instr.Clone()
	w := &Worker{
		id:       opts.ID,
		opts:     opts,
		logger:   opts.Logger.With("worker_id", opts.ID),
		instr:    own,
		hash:     job.Hash(own.Job),
		status:   job.StatusActive,
		reset:    make(chan struct{}, 1),
		disposed: make(chan struct{}),
		done:     make(chan struct{}),
	}
	scope, eng, err := w.open(own.Job)
	if err != nil {
		return nil, err
	}
	w.scope, w.eng = scope, eng
	return w, nil
}

func (w *Worker) open(info *job.JobInfo) (*engine.Scope, engine.ProcessingEngine, error) {
	scope := engine.NewScope(w.id, info, w.logger)
	eng, err := w.opts.Registry.Open(scope)
	if err != nil {
		_ = scope.Close()
		return nil, nil, err
	}
	return scope, eng, nil
}

// ID Worker 标识
func (w *Worker) ID() string { return w.id }

// JobID 当前处理的 jobID（续作后可能变化）
func (w *Worker) JobID() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.instr.Job.ID
}

// Status 当前状态
func (w *Worker) Status() job.JobStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.status
}

// Instruction 当前指令副本
func (w *Worker) Instruction() *job.JobProcessingInstruction {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.instr.Clone()
}

// Done Run 返回后关闭
func (w *Worker) Done() <-chan struct{} { return w.done }

// Run 执行 Job 直到终止；收到有效续作时在同一 Worker 内继续执行新配置
func (w *Worker) Run(ctx context.Context) Result {
	if !w.started.CompareAndSwap(false, true) {
		return Result{WorkerID: w.id, JobID: w.JobID(), Status: w.Status(), Err: ErrAlreadyRunning}
	}
	defer close(w.done)

	ctx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		select {
		case <-w.disposed:
			stop()
		case <-ctx.Done():
		}
	}()

	start := time.Now()
	continuations := 0
	for {
		cont := w.runOnce(ctx)
		if cont == nil {
			break
		}
		if ctx.Err() != nil {
			w.logger.Info("Worker 正在停止，忽略续作", "job_id", w.JobID(), "next_job_id", cont.Job.ID)
			break
		}
		if err := w.resume(ctx, cont); err != nil {
			w.logger.Warn("续作无效，Worker 结束", "job_id", w.JobID(), "error", err)
			metrics.ErrorsTotal.WithLabelValues("continuation").Inc()
			w.mu.Lock()
			w.lastErr = err
			w.mu.Unlock()
			break
		}
		continuations++
	}

	// 终态心跳：Agent 在 Worker 退出后再发送一次聚合心跳，使编排服务看到最终状态
	w.Heartbeat(context.Background())

	w.mu.Lock()
	res := Result{
		WorkerID:      w.id,
		JobID:         w.instr.Job.ID,
		Status:        w.status,
		Err:           w.lastErr,
		Continuations: continuations,
		Duration:      time.Since(start),
	}
	jobType := w.instr.Job.JobConfigurationType
	scope := w.scope
	w.mu.Unlock()

	if err := scope.Close(); err != nil {
		w.logger.Warn("释放 Scope 失败", "job_id", res.JobID, "error", err)
	}
	metrics.JobsTotal.WithLabelValues(strings.ToLower(string(res.Status))).Inc()
	metrics.JobDuration.WithLabelValues(jobType).Observe(res.Duration.Seconds())
	w.logger.Info("Worker 结束", "job_id", res.JobID, "status", res.Status, "continuations", continuations, "error", res.Err)
	return res
}

// runOnce 执行当前配置一次；返回被取消时收到的续作（若有）
func (w *Worker) runOnce(ctx context.Context) *job.JobProcessingInstruction {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	w.setStatusLocked(job.StatusActive, true)
	w.cancelRun = cancel
	if w.cancelPending {
		w.cancelPending = false
		cancel()
	}
	eng := w.eng
	info := w.instr.Job
	mode := w.instr.Mode()
	w.mu.Unlock()

	logger := w.logger.With("job_id", info.ID)
	logger.Info("开始执行 Job", "type", info.JobConfigurationType, "mode", mode)

	spanCtx, span := tracing.StartJobSpan(runCtx, info.ID, w.opts.Config.Agent().AgentID, info.JobConfigurationType, string(mode))
	defer span.End()

	// 后台 Job 心跳
	heartbeatDone := make(chan struct{})
	go w.heartbeatLoop(runCtx, heartbeatDone)

	err := w.runEngine(spanCtx, eng, mode)
	wasCanceled := errors.Is(runCtx.Err(), context.Canceled)
	// 引擎返回后主动结束 runCtx，确保心跳协程退出
	cancel()
	<-heartbeatDone

	w.mu.Lock()
	defer w.mu.Unlock()
	w.cancelRun = nil
	switch {
	case wasCanceled:
		w.setStatusLocked(job.StatusCanceled, false)
		logger.Info("Job 已取消")
	case err != nil:
		w.lastErr = err
		w.setStatusLocked(job.StatusError, false)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		logger.Warn("Job 执行失败", "error", err)
	default:
		if w.status != job.StatusError {
			w.setStatusLocked(job.StatusCompleted, false)
		}
		logger.Info("Job 执行完成")
	}
	if !wasCanceled {
		// 未被取消时续作无从发生
		w.continuation = nil
		return nil
	}
	cont := w.continuation
	w.continuation = nil
	return cont
}

// runEngine 引擎 panic 视为 Job 失败，不影响 Worker 与 Agent
func (w *Worker) runEngine(ctx context.Context, eng engine.ProcessingEngine, mode job.ProcessMode) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()
	return eng.Run(ctx, mode)
}

// setStatusLocked 按状态机迁移；非法迁移只记录日志
func (w *Worker) setStatusLocked(next job.JobStatus, continuing bool) {
	if w.status == next && !continuing {
		return
	}
	if !w.status.CanTransitionTo(next, continuing) {
		w.logger.Warn("忽略非法状态迁移", "job_id", w.instr.Job.ID, "from", w.status, "to", next)
		return
	}
	w.status = next
}

// resume 应用续作：必要时重新登记 jobID，同类型且引擎支持时原地重配置，否则关闭旧 Scope 打开新引擎
func (w *Worker) resume(ctx context.Context, cont *job.JobProcessingInstruction) error {
	if !cont.Valid() {
		return ErrInvalidInstruction
	}
	next := cont.Clone()

	w.mu.Lock()
	oldID := w.instr.Job.ID
	oldType := w.instr.Job.JobConfigurationType
	eng := w.eng
	w.mu.Unlock()

	if next.Job.ID != oldID {
		if w.opts.Rebind == nil || !w.opts.Rebind(oldID, next.Job.ID) {
			return pkgerrors.Wrapf(ErrRebindRejected, "%s -> %s", oldID, next.Job.ID)
		}
		w.opts.Store.Remove(oldID)
	}

	if r, ok := eng.(engine.Reconfigurer); ok && next.Job.JobConfigurationType == oldType {
		err := r.Reconfigure(ctx, next.Job.Clone())
		if err == nil {
			w.swap(ctx, next, nil, nil)
			w.logger.Info("续作：引擎已原地重配置", "job_id", next.Job.ID)
			return nil
		}
		w.logger.Warn("原地重配置失败，改为重新打开引擎", "job_id", next.Job.ID, "error", err)
	}

	scope, neng, err := w.open(next.Job)
	if err != nil {
		// 已完成重新登记时，终态心跳归属新 Job；状态保持 Canceled
		w.mu.Lock()
		if next.Job.ID != oldID {
			w.instr = next
			w.hash = job.Hash(next.Job)
		}
		w.mu.Unlock()
		return err
	}
	old := w.swap(ctx, next, scope, neng)
	if err := old.Close(); err != nil {
		w.logger.Warn("释放旧 Scope 失败", "job_id", oldID, "error", err)
	}
	w.logger.Info("续作：已切换引擎", "job_id", next.Job.ID, "type", next.Job.JobConfigurationType)
	return nil
}

// swap 替换当前指令并立即写入新配置的 Active 心跳，存储中不再保留旧哈希；
// scope 为 nil 时保留现有引擎。返回被替换的 Scope
func (w *Worker) swap(ctx context.Context, next *job.JobProcessingInstruction, scope *engine.Scope, eng engine.ProcessingEngine) *engine.Scope {
	w.mu.Lock()
	defer w.mu.Unlock()
	var old *engine.Scope
	w.instr = next
	w.hash = job.Hash(next.Job)
	w.lastErr = nil
	w.lastState = nil
	if scope != nil {
		old = w.scope
		w.scope, w.eng = scope, eng
	}
	w.setStatusLocked(job.StatusActive, true)
	w.heartbeatLocked(ctx)
	return old
}

func (w *Worker) heartbeatLoop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	delay := w.opts.FirstHeartbeat
	for {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-w.reset:
			timer.Stop()
			w.Heartbeat(ctx)
		case <-timer.C:
			w.Heartbeat(ctx)
		}
		// 每次等待前重新读取间隔，配置热更新立即生效
		delay = w.opts.Config.Agent().HeartbeatInterval
	}
}

// ResetHeartbeat 立即触发一次 Job 心跳并重新开始计时（配置更新时调用）
func (w *Worker) ResetHeartbeat() {
	select {
	case w.reset <- struct{}{}:
	default:
	}
}

// Heartbeat 生成当前 Job 心跳并写入存储；引擎状态读取失败时沿用上一次的状态
func (w *Worker) Heartbeat(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.heartbeatLocked(ctx)
}

func (w *Worker) heartbeatLocked(ctx context.Context) {
	state, err := w.currentStateLocked(ctx)
	if err != nil {
		w.logger.Warn("读取引擎状态失败，沿用上次状态", "job_id", w.instr.Job.ID, "error", err)
		metrics.ErrorsTotal.WithLabelValues("engine_state").Inc()
		state = w.lastState
	} else {
		w.lastState = state
	}
	w.opts.Store.Put(w.instr.Job.ID, job.JobHeartbeat{
		JobID:       w.instr.Job.ID,
		JobHash:     w.hash,
		Status:      w.status,
		ProcessMode: w.instr.Mode(),
		State:       state,
	})
}

func (w *Worker) currentStateLocked(ctx context.Context) (state json.RawMessage, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine state panic: %v", r)
		}
	}()
	return w.eng.CurrentState(ctx)
}

// ProcessHeartbeatResult 应用编排服务对本 Job 的心跳指令
func (w *Worker) ProcessHeartbeatResult(ctx context.Context, entry job.HeartbeatResultEntry) error {
	metrics.InstructionsTotal.WithLabelValues(string(entry.HeartbeatInstruction)).Inc()
	switch entry.HeartbeatInstruction {
	case job.InstructionKeep, "":
		return nil
	case job.InstructionSwitchToActive:
		w.mu.Lock()
		defer w.mu.Unlock()
		if w.instr.Mode() == job.ProcessModeActive {
			return nil
		}
		ms, ok := w.eng.(engine.ModeSwitcher)
		if !ok {
			w.logger.Debug("引擎不支持切换执行模式，忽略 SwitchToActive", "job_id", w.instr.Job.ID)
			return nil
		}
		if err := ms.SwitchProcessMode(ctx, job.ProcessModeActive, entry.LastActiveHeartbeat); err != nil {
			return pkgerrors.Wrapf(err, "switch %s to active", w.instr.Job.ID)
		}
		w.instr.ProcessMode = job.ProcessModeActive.Ptr()
		w.logger.Info("执行模式已切换为 Active", "job_id", w.instr.Job.ID)
		return nil
	case job.InstructionCancelProcessing:
		w.mu.Lock()
		// 同一周期内多条 CancelProcessing 以第一条续作为准
		if entry.UpdatedJob != nil && w.continuation == nil {
			w.continuation = entry.UpdatedJob.Clone()
		}
		cancel := w.cancelRun
		if cancel == nil {
			w.cancelPending = true
		}
		w.mu.Unlock()
		w.logger.Info("收到取消指令", "job_id", entry.JobID, "continuation", entry.UpdatedJob != nil)
		if cancel != nil {
			cancel()
		}
		return nil
	default:
		return pkgerrors.Wrapf(ErrUnknownInstruction, "%q", entry.HeartbeatInstruction)
	}
}

// Dispose 触发取消并等待 Run 返回，然后释放 Scope；未启动的 Worker 直接释放
func (w *Worker) Dispose(ctx context.Context) error {
	w.disposeOnce.Do(func() { close(w.disposed) })
	if w.started.CompareAndSwap(false, true) {
		close(w.done)
	}
	select {
	case <-w.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	w.mu.Lock()
	scope := w.scope
	w.mu.Unlock()
	return scope.Close()
}
