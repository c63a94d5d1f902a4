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

// Package heartbeat 提供 Worker 与 Agent 共享的 Job 心跳存储。
package heartbeat

import (
	"hash/fnv"
	"sort"
	"sync"
	"sync/atomic"

	"edge-agent/internal/agent/job"
)

// DefaultShards 默认分片数
const DefaultShards = 16

type shard struct {
	mu      sync.RWMutex
	entries map[string]job.JobHeartbeat
}

// Store 按 jobID 分片的并发心跳存储：同 key 后写覆盖，跨 key 不保证顺序
type Store struct {
	shards   []*shard
	onRemove atomic.Pointer[func(jobID string)]
}

// NewStore 创建心跳存储；n <= 0 时使用 DefaultShards
func NewStore(n int) *Store {
	if n <= 0 {
		n = DefaultShards
	}
	s := &Store{shards: make([]*shard, n)}
	for i := range s.shards {
		s.shards[i] = &shard{entries: make(map[string]job.JobHeartbeat)}
	}
	return s
}

// getShard 根据 jobID 计算分片
func (s *Store) getShard(jobID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(jobID))
	return s.shards[h.Sum32()%uint32(len(s.shards))]
}

// Put 插入或覆盖 jobID 的心跳
func (s *Store) Put(jobID string, hb job.JobHeartbeat) {
	sh := s.getShard(jobID)
	hb = hb.Clone()
	sh.mu.Lock()
	sh.entries[jobID] = hb
	sh.mu.Unlock()
}

// Remove 删除 jobID 的心跳；不存在时不报错，返回值表示本次是否真正删除
func (s *Store) Remove(jobID string) bool {
	sh := s.getShard(jobID)
	sh.mu.Lock()
	_, ok := sh.entries[jobID]
	delete(sh.entries, jobID)
	sh.mu.Unlock()
	if !ok {
		return false
	}
	if fn := s.onRemove.Load(); fn != nil {
		(*fn)(jobID)
	}
	return true
}

// OnRemove 注册删除回调：每次真正删除后在锁外调用一次；nil 取消注册
func (s *Store) OnRemove(fn func(jobID string)) {
	if fn == nil {
		s.onRemove.Store(nil)
		return
	}
	s.onRemove.Store(&fn)
}

// Get 读取 jobID 的心跳副本
func (s *Store) Get(jobID string) (job.JobHeartbeat, bool) {
	sh := s.getShard(jobID)
	sh.mu.RLock()
	hb, ok := sh.entries[jobID]
	sh.mu.RUnlock()
	if !ok {
		return job.JobHeartbeat{}, false
	}
	return hb.Clone(), true
}

// Len 当前条目数
func (s *Store) Len() int {
	n := 0
	for _, sh := range s.shards {
		sh.mu.RLock()
		n += len(sh.entries)
		sh.mu.RUnlock()
	}
	return n
}

// Snapshot 返回某一时刻的只读副本，按 jobID 排序；调用方修改结果不影响存储
func (s *Store) Snapshot() []job.JobHeartbeat {
	out := make([]job.JobHeartbeat, 0, s.Len())
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, hb := range sh.entries {
			out = append(out, hb.Clone())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}
