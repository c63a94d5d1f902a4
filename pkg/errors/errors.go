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

// Package errors 提供统一错误辅助：包装、哨兵错误与「瞬时故障」标记。
//
// 错误分三类：瞬时基础设施故障（Transient，调用点捕获并在下一周期重试）、
// Job 级失败（由 Worker 记录为 Error 状态）、契约违规（如续作指令缺少配置，视为无效续作）。
package errors

import (
	"errors"
	"fmt"
)

// 常用哨兵错误（可按需扩展错误码）
var (
	ErrNotFound   = errors.New("not found")
	ErrInvalidArg = errors.New("invalid argument")
	// ErrTransient 标记可重试的瞬时故障（编排服务不可达、5xx、限流等）
	ErrTransient = errors.New("transient failure")
)

// Wrap 包装错误并附加消息
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", msg, err)
}

// Wrapf 带格式的 Wrap
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }

func (e *transientError) Unwrap() []error { return []error{e.err, ErrTransient} }

// Transient 将 err 标记为瞬时故障；errors.Is(err, ErrTransient) 为 true，原错误链保持可见
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return err
	}
	return &transientError{err: err}
}

// IsTransient 判断 err 是否为瞬时故障
func IsTransient(err error) bool {
	return err != nil && errors.Is(err, ErrTransient)
}
