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

package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	agenterrors "edge-agent/pkg/errors"
)

func TestLinear(t *testing.T) {
	p := Linear(100 * time.Millisecond)
	assert.Equal(t, 100*time.Millisecond, p(1, nil))
	assert.Equal(t, 300*time.Millisecond, p(3, nil))
}

func TestExponentialDelay_Bounds(t *testing.T) {
	low := ExponentialDelay(3, 50*time.Millisecond, 20*time.Second, func() float64 { return 0 })
	high := ExponentialDelay(3, 50*time.Millisecond, 20*time.Second, func() float64 { return 0.999999 })
	assert.InDelta(t, float64(280*time.Millisecond), float64(low), float64(time.Microsecond))
	assert.InDelta(t, float64(420*time.Millisecond), float64(high), float64(time.Millisecond))
}

func TestExponentialDelay_Capped(t *testing.T) {
	d := ExponentialDelay(20, DefaultBaseDelay, DefaultMaxDelay, func() float64 { return 0.5 })
	assert.Equal(t, DefaultMaxDelay, d)
}

func TestExponentialDelay_NonPositiveMaxUsesDefault(t *testing.T) {
	for _, max := range []time.Duration{0, -time.Second} {
		for _, attempt := range []int{1, 30, 64, 1024} {
			d := ExponentialDelay(attempt, DefaultBaseDelay, max, func() float64 { return 0.99 })
			assert.Greater(t, d, time.Duration(0), "attempt %d max %v", attempt, max)
			assert.LessOrEqual(t, d, DefaultMaxDelay, "attempt %d max %v", attempt, max)
		}
	}
	assert.Equal(t, DefaultMaxDelay, ExponentialDelay(1024, DefaultBaseDelay, 0, func() float64 { return 0.5 }))
}

func TestProperty_ExponentialWithinJitterWindow(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		attempt := rapid.IntRange(1, 30).Draw(t, "attempt")
		d := Exponential(DefaultBaseDelay, DefaultMaxDelay)(attempt, nil)
		factor := float64(int64(1)<<attempt - 1)
		lo := time.Duration(factor * 0.8 * float64(DefaultBaseDelay))
		hi := time.Duration(factor * 1.2 * float64(DefaultBaseDelay))
		if hi > DefaultMaxDelay {
			hi = DefaultMaxDelay
		}
		if lo > DefaultMaxDelay {
			lo = DefaultMaxDelay
		}
		if d < lo-time.Microsecond || d > hi+time.Microsecond {
			t.Fatalf("attempt %d: delay %v outside [%v, %v]", attempt, d, lo, hi)
		}
	})
}

func TestDo_RetriesTransientUntilSuccess(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{MaxAttempts: 5, Policy: NoBackoff(time.Millisecond)}, func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return agenterrors.Transient(errors.New("busy"))
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestDo_ExhaustedReturnsLastError(t *testing.T) {
	calls := 0
	last := errors.New("still busy")
	err := Do(context.Background(), Options{MaxAttempts: 3, Policy: NoBackoff(time.Millisecond)}, func(ctx context.Context) error {
		calls++
		if calls == 3 {
			return agenterrors.Transient(last)
		}
		return agenterrors.Transient(errors.New("busy"))
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, last)
	assert.Equal(t, 3, calls)
}

func TestDo_FatalNotRetried(t *testing.T) {
	calls := 0
	fatal := errors.New("bad request")
	err := Do(context.Background(), Options{MaxAttempts: 5, Policy: NoBackoff(time.Millisecond)}, func(ctx context.Context) error {
		calls++
		return fatal
	})
	assert.ErrorIs(t, err, fatal)
	assert.Equal(t, 1, calls)
}

func TestDo_CustomPredicate(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Options{
		MaxAttempts: 4,
		Policy:      NoBackoff(time.Millisecond),
		Retryable:   func(error) bool { return true },
	}, func(ctx context.Context) error {
		calls++
		return errors.New("any")
	})
	require.Error(t, err)
	assert.Equal(t, 4, calls)
}

func TestDo_ContextCanceledDuringWait(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	start := time.Now()
	err := Do(ctx, Options{MaxAttempts: 10, Policy: NoBackoff(time.Hour)}, func(ctx context.Context) error {
		return agenterrors.Transient(errors.New("busy"))
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDoValue(t *testing.T) {
	v, err := DoValue(context.Background(), DefaultOptions(), func(ctx context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
}
