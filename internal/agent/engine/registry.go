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
	"sort"
	"sync"

	pkgerrors "edge-agent/pkg/errors"
)

// ErrUnknownEngine jobConfigurationType 未注册
var ErrUnknownEngine = errors.New("engine: unknown job configuration type")

// Registry jobConfigurationType -> Factory
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry 创建空注册表
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register 注册引擎工厂，同名覆盖
func (r *Registry) Register(typ string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[typ] = f
}

// Types 已注册的类型（排序）
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Has 是否注册了 typ
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// Open 按 scope.Job 的 jobConfigurationType 创建引擎
func (r *Registry) Open(scope *Scope) (ProcessingEngine, error) {
	if scope == nil || scope.Job == nil {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "engine: scope without job")
	}
	typ := scope.Job.JobConfigurationType
	r.mu.RLock()
	f, ok := r.factories[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, pkgerrors.Wrapf(ErrUnknownEngine, "type %q", typ)
	}
	eng, err := f(scope)
	if err != nil {
		return nil, pkgerrors.Wrapf(err, "open engine %q", typ)
	}
	return eng, nil
}
