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

package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"edge-agent/pkg/log"
)

// Provider 对外暴露实时 Agent 配置与变更通知；调用方每次使用时重新读取，不缓存
type Provider interface {
	// Agent 返回当前配置快照
	Agent() AgentSettings
	// Subscribe 返回变更通知 channel（容量 1，合并连续变更）与取消订阅函数
	Subscribe() (<-chan struct{}, func())
}

// notifier 广播配置变更；订阅者未及时消费时合并通知
type notifier struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]chan struct{}
}

func (n *notifier) Subscribe() (<-chan struct{}, func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.subs == nil {
		n.subs = make(map[int]chan struct{})
	}
	id := n.nextID
	n.nextID++
	ch := make(chan struct{}, 1)
	n.subs[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, ch := range n.subs {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// StaticProvider 内存配置，Update 可模拟热更新；用于嵌入与测试
type StaticProvider struct {
	notifier
	mu       sync.RWMutex
	settings AgentSettings
}

// NewStaticProvider 以 cfg 创建 Provider
func NewStaticProvider(cfg AgentConfig) *StaticProvider {
	return &StaticProvider{settings: cfg.Settings()}
}

// Agent 实现 Provider
func (p *StaticProvider) Agent() AgentSettings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return copySettings(p.settings)
}

// Update 修改配置并通知订阅者
func (p *StaticProvider) Update(fn func(s *AgentSettings)) {
	p.mu.Lock()
	fn(&p.settings)
	p.mu.Unlock()
	p.notify()
}

// FileProvider 基于 viper 的文件配置，WatchConfig 监听文件变化并热更新
type FileProvider struct {
	notifier
	v      *viper.Viper
	logger *log.Logger
	mu     sync.RWMutex
	config *Config
}

// NewFileProvider 读取 configPath 并开始监听变更
func NewFileProvider(configPath string, logger *log.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = log.Nop()
	}
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	p := &FileProvider{v: v, logger: logger, config: cfg}
	v.OnConfigChange(func(e fsnotify.Event) {
		p.reload(e.Name)
	})
	v.WatchConfig()
	return p, nil
}

func (p *FileProvider) reload(name string) {
	cfg, err := decode(p.v)
	if err != nil {
		p.logger.Warn("配置热更新失败，保留旧配置", "file", name, "error", err)
		return
	}
	p.mu.Lock()
	p.config = cfg
	p.mu.Unlock()
	p.logger.Info("配置已更新", "file", name)
	p.notify()
}

// Config 返回完整配置
func (p *FileProvider) Config() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.config
}

// Agent 实现 Provider
func (p *FileProvider) Agent() AgentSettings {
	return p.Config().Agent.Settings()
}

func copySettings(s AgentSettings) AgentSettings {
	out := s
	out.Capabilities = make(map[string]string, len(s.Capabilities))
	for k, v := range s.Capabilities {
		out.Capabilities[k] = v
	}
	return out
}
