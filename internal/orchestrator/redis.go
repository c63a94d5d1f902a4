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
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"edge-agent/internal/agent/job"
	pkgerrors "edge-agent/pkg/errors"
	"edge-agent/pkg/log"
	"edge-agent/pkg/retry"
	"edge-agent/pkg/utils"
)

// RedisOptions RedisClient 配置
type RedisOptions struct {
	Addr         string
	DB           int
	Password     string
	Prefix       string
	HeartbeatTTL time.Duration
	MaxAttempts  int
	Logger       *log.Logger
}

// RedisClient 以 Redis 列表作为 Agent 与编排服务之间的队列：
//
//	{prefix}:agent:{id}:assignments   编排服务 RPUSH 的 JobProcessingInstruction（JSON）
//	{prefix}:agent:{id}:heartbeat     Agent 最近一次聚合心跳（JSON，带 TTL）
//	{prefix}:agent:{id}:instructions  编排服务 RPUSH 的 HeartbeatResultEntry，每次发送心跳时取空
//	{prefix}:agent:{id}:reply:{token} 一次调用取出的条目，重试时按 token 原样返回
//
// 出队与取空指令都是破坏性操作，以 Lua 脚本执行并把结果按调用 token 暂存，
// 应答丢失后的重试不会再次出队，也不会丢失已取出的条目。
type RedisClient struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
	retry  retry.Options
	logger *log.Logger
}

// NewRedisClient 连接 Redis 并 Ping
func NewRedisClient(opts RedisOptions) (*RedisClient, error) {
	if opts.Addr == "" {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "orchestrator: redis addr is required")
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return newRedisClient(rdb, opts), nil
}

func newRedisClient(rdb *redis.Client, opts RedisOptions) *RedisClient {
	opts.Prefix = utils.CoalesceString(opts.Prefix, "edge")
	opts.HeartbeatTTL = utils.PositiveDuration(opts.HeartbeatTTL, 2*time.Minute)
	opts.MaxAttempts = utils.PositiveInt(opts.MaxAttempts, DefaultHTTPAttempts)
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	return &RedisClient{
		rdb:    rdb,
		prefix: opts.Prefix,
		ttl:    opts.HeartbeatTTL,
		retry:  retry.Options{MaxAttempts: opts.MaxAttempts, Logger: opts.Logger},
		logger: opts.Logger,
	}
}

// Close 关闭连接
func (c *RedisClient) Close() error {
	return c.rdb.Close()
}

func (c *RedisClient) key(agentID, name string) string {
	return fmt.Sprintf("%s:agent:%s:%s", c.prefix, agentID, name)
}

// replyTTL 暂存结果的保留时长，需覆盖一次调用的全部重试
const replyTTL = 10 * time.Minute

// popScript KEYS: assignments, reply  ARGV: count, reply ttl(ms)
var popScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[2]) == 1 then
  return redis.call('LRANGE', KEYS[2], 1, -1)
end
local out = {}
for i = 1, tonumber(ARGV[1]) do
  local v = redis.call('LPOP', KEYS[1])
  if not v then break end
  out[#out + 1] = v
end
redis.call('RPUSH', KEYS[2], '')
for _, v in ipairs(out) do redis.call('RPUSH', KEYS[2], v) end
redis.call('PEXPIRE', KEYS[2], ARGV[2])
return out
`)

// heartbeatScript KEYS: heartbeat, instructions, reply  ARGV: payload, heartbeat ttl(ms), reply ttl(ms)
var heartbeatScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[3]) == 1 then
  return redis.call('LRANGE', KEYS[3], 1, -1)
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
local out = redis.call('LRANGE', KEYS[2], 0, -1)
redis.call('DEL', KEYS[2])
redis.call('RPUSH', KEYS[3], '')
for _, v in ipairs(out) do redis.call('RPUSH', KEYS[3], v) end
redis.call('PEXPIRE', KEYS[3], ARGV[3])
return out
`)

func (c *RedisClient) replyKey(agentID string) string {
	return c.key(agentID, "reply:"+uuid.New().String())
}

// transient 除 redis.Nil 与 ctx 错误外，Redis 故障均视为瞬时
func transient(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return pkgerrors.Transient(err)
}

// GetAvailableJobs 实现 Orchestrator：从分配队列头部弹出最多 MaxJobCount 条
func (c *RedisClient) GetAvailableJobs(ctx context.Context, agentID string, req job.JobRequest) ([]job.JobProcessingInstruction, error) {
	if req.MaxJobCount <= 0 {
		return nil, nil
	}
	opts := c.retry
	opts.Operation = "get_available_jobs"
	keys := []string{c.key(agentID, "assignments"), c.replyKey(agentID)}
	raw, err := retry.DoValue(ctx, opts, func(ctx context.Context) ([]string, error) {
		vals, err := popScript.Run(ctx, c.rdb, keys, req.MaxJobCount, replyTTL.Milliseconds()).StringSlice()
		return vals, transient(ctx, err)
	})
	if err != nil {
		return nil, err
	}
	out := make([]job.JobProcessingInstruction, 0, len(raw))
	for _, s := range raw {
		var instr job.JobProcessingInstruction
		if err := json.Unmarshal([]byte(s), &instr); err != nil {
			// 无法解析的条目丢弃，不阻塞后续分配
			c.logger.Warn("丢弃无法解析的分配", "agent_id", agentID, "error", err)
			continue
		}
		out = append(out, instr)
	}
	return out, nil
}

// SendHeartbeat 实现 Orchestrator：写入心跳并取空指令队列
func (c *RedisClient) SendHeartbeat(ctx context.Context, hb job.Heartbeat) ([]job.HeartbeatResultEntry, error) {
	payload, err := json.Marshal(hb)
	if err != nil {
		return nil, err
	}
	hbKey := c.key(hb.AgentID, "heartbeat")
	instrKey := c.key(hb.AgentID, "instructions")

	opts := c.retry
	opts.Operation = "send_heartbeat"
	keys := []string{hbKey, instrKey, c.replyKey(hb.AgentID)}
	raw, err := retry.DoValue(ctx, opts, func(ctx context.Context) ([]string, error) {
		vals, err := heartbeatScript.Run(ctx, c.rdb, keys, payload, c.ttl.Milliseconds(), replyTTL.Milliseconds()).StringSlice()
		return vals, transient(ctx, err)
	})
	if err != nil {
		return nil, err
	}
	out := make([]job.HeartbeatResultEntry, 0, len(raw))
	for _, s := range raw {
		var entry job.HeartbeatResultEntry
		if err := json.Unmarshal([]byte(s), &entry); err != nil {
			c.logger.Warn("丢弃无法解析的心跳指令", "agent_id", hb.AgentID, "error", err)
			continue
		}
		out = append(out, entry)
	}
	return out, nil
}

// Assign 编排侧：向 Agent 的分配队列追加 Job
func (c *RedisClient) Assign(ctx context.Context, agentID string, instr *job.JobProcessingInstruction) error {
	b, err := json.Marshal(instr)
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, c.key(agentID, "assignments"), b).Err()
}

// PushInstruction 编排侧：追加一条心跳指令，Agent 下一次心跳时取走
func (c *RedisClient) PushInstruction(ctx context.Context, agentID string, entry job.HeartbeatResultEntry) error {
	b, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return c.rdb.RPush(ctx, c.key(agentID, "instructions"), b).Err()
}

// LastHeartbeat 编排侧：读取 Agent 最近一次心跳；不存在或已过期返回 ErrNotFound
func (c *RedisClient) LastHeartbeat(ctx context.Context, agentID string) (*job.Heartbeat, error) {
	s, err := c.rdb.Get(ctx, c.key(agentID, "heartbeat")).Result()
	if errors.Is(err, redis.Nil) {
		return nil, pkgerrors.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var hb job.Heartbeat
	if err := json.Unmarshal([]byte(s), &hb); err != nil {
		return nil, err
	}
	return &hb, nil
}
