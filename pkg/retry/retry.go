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

// Package retry 提供远程调用的重试辅助：线性退避、带 ±20% 抖动的指数退避、最大次数与可重试判定。
package retry

import (
	"context"
	"math"
	"math/rand"
	"time"

	"edge-agent/pkg/errors"
	"edge-agent/pkg/log"
)

// 默认策略常量
const (
	DefaultBaseDelay   = 50 * time.Millisecond
	DefaultMaxDelay    = 20 * time.Second
	DefaultMaxAttempts = 10
)

// Policy 根据第 attempt 次失败（从 1 开始）计算下次重试前的等待时长
type Policy func(attempt int, err error) time.Duration

// Linear 线性退避：delay = attempt * base
func Linear(base time.Duration) Policy {
	return func(attempt int, _ error) time.Duration {
		return time.Duration(attempt) * base
	}
}

// NoBackoff 固定间隔
func NoBackoff(d time.Duration) Policy {
	return func(int, error) time.Duration { return d }
}

// Exponential 指数退避：delay = min(max, (2^attempt - 1) * U(0.8*base, 1.2*base))
func Exponential(base, max time.Duration) Policy {
	return func(attempt int, _ error) time.Duration {
		return ExponentialDelay(attempt, base, max, rand.Float64)
	}
}

// ExponentialDelay 计算指数退避时长；jitter 返回 [0,1) 的随机数，测试可注入。
// max <= 0 时按 DefaultMaxDelay 封顶
func ExponentialDelay(attempt int, base, max time.Duration, jitter func() float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if max <= 0 {
		max = DefaultMaxDelay
	}
	lo := 0.8 * float64(base)
	hi := 1.2 * float64(base)
	backoff := lo + jitter()*(hi-lo)
	d := (math.Pow(2, float64(attempt)) - 1) * backoff
	if d > float64(max) {
		return max
	}
	return time.Duration(d)
}

// Options 重试配置；零值字段使用默认
type Options struct {
	MaxAttempts int
	Policy      Policy
	// Retryable 判定错误是否可重试；nil 时仅重试 errors.IsTransient 的错误
	Retryable func(error) bool
	Logger    *log.Logger
	// Operation 仅用于日志
	Operation string
}

// DefaultOptions 指数退避 + 默认常量
func DefaultOptions() Options {
	return Options{
		MaxAttempts: DefaultMaxAttempts,
		Policy:      Exponential(DefaultBaseDelay, DefaultMaxDelay),
	}
}

func (o Options) normalize() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.Policy == nil {
		o.Policy = Exponential(DefaultBaseDelay, DefaultMaxDelay)
	}
	if o.Retryable == nil {
		o.Retryable = errors.IsTransient
	}
	return o
}

// Do 执行 fn，失败且可重试时按策略等待后重试；重试耗尽返回最后一次错误，不可重试错误立即返回
func Do(ctx context.Context, opts Options, fn func(ctx context.Context) error) error {
	_, err := DoValue(ctx, opts, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// DoValue 同 Do，返回 fn 的结果
func DoValue[T any](ctx context.Context, opts Options, fn func(ctx context.Context) (T, error)) (T, error) {
	opts = opts.normalize()
	var zero T
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		if attempt >= opts.MaxAttempts || !opts.Retryable(err) {
			return zero, err
		}
		delay := opts.Policy(attempt, err)
		if opts.Logger != nil {
			opts.Logger.Debug("retrying", "operation", opts.Operation, "attempt", attempt, "delay", delay, "error", err)
		}
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
}
