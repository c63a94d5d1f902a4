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
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"edge-agent/pkg/utils"
)

// 默认值
const (
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultJobCheckInterval  = 5 * time.Second
	DefaultMaxWorkers        = 1
	DefaultConfigPath        = "configs/agent.yaml"
)

// Config 应用配置结构体
type Config struct {
	Agent        AgentConfig        `mapstructure:"agent"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Status       StatusConfig       `mapstructure:"status"`
	Log          LogConfig          `mapstructure:"log"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring"`
}

// AgentConfig Agent 调度相关配置；运行期可热更新，Supervisor 每轮重新读取
type AgentConfig struct {
	AgentID           string            `mapstructure:"agent_id"`           // 空则使用 hostname
	MaxWorkers        int               `mapstructure:"max_workers"`        // 同时执行的 Job 上限，<=0 使用默认 1
	HeartbeatInterval string            `mapstructure:"heartbeat_interval"` // 如 "30s"
	JobCheckInterval  string            `mapstructure:"job_check_interval"` // 无可用 Job 或无空闲槽位时的等待，如 "5s"
	Capabilities      map[string]string `mapstructure:"capabilities"`       // 声明能力，供编排服务匹配 Job.Demands；key 会被 viper 转为小写
}

// OrchestratorConfig 编排服务连接配置
type OrchestratorConfig struct {
	Type             string      `mapstructure:"type"`     // memory | http | redis
	BaseURL          string      `mapstructure:"base_url"` // type=http 时必填
	Timeout          string      `mapstructure:"timeout"`  // 单次请求超时，如 "10s"
	RateLimitRPS     float64     `mapstructure:"rate_limit_rps"`
	RetryMaxAttempts int         `mapstructure:"retry_max_attempts"` // 瞬时故障重试次数（含首次），<=0 使用 retry 默认
	Redis            RedisConfig `mapstructure:"redis"`
	JobsFile         string      `mapstructure:"jobs_file"` // type=memory 时预置的 Job 列表（JSON 数组）
}

// RedisConfig 队列传输（type=redis）配置
type RedisConfig struct {
	Addr         string `mapstructure:"addr"`
	DB           int    `mapstructure:"db"`
	Password     string `mapstructure:"password"`
	Prefix       string `mapstructure:"prefix"`
	HeartbeatTTL string `mapstructure:"heartbeat_ttl"`
}

// StatusConfig 本地状态接口（/health、/metrics、/api/workers）
type StatusConfig struct {
	Enable bool   `mapstructure:"enable"`
	Addr   string `mapstructure:"addr"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// MonitoringConfig 监控配置
type MonitoringConfig struct {
	Tracing TracingConfig `mapstructure:"tracing"`
}

// TracingConfig 链路追踪配置（OpenTelemetry）
type TracingConfig struct {
	Enable         bool   `mapstructure:"enable"`
	ServiceName    string `mapstructure:"service_name"`
	ExportEndpoint string `mapstructure:"export_endpoint"`
	Insecure       bool   `mapstructure:"insecure"`
}

// AgentSettings 解析后的 Agent 配置（时长已解析、默认值已填充）
type AgentSettings struct {
	AgentID           string
	MaxWorkers        int
	HeartbeatInterval time.Duration
	JobCheckInterval  time.Duration
	Capabilities      map[string]string
}

// Settings 解析 AgentConfig；无效时长回退默认值
func (c AgentConfig) Settings() AgentSettings {
	s := AgentSettings{
		AgentID:           utils.CoalesceString(c.AgentID, DefaultAgentID()),
		MaxWorkers:        utils.PositiveInt(c.MaxWorkers, DefaultMaxWorkers),
		HeartbeatInterval: ParseDuration(c.HeartbeatInterval, DefaultHeartbeatInterval),
		JobCheckInterval:  ParseDuration(c.JobCheckInterval, DefaultJobCheckInterval),
		Capabilities:      make(map[string]string, len(c.Capabilities)),
	}
	for k, v := range c.Capabilities {
		s.Capabilities[k] = v
	}
	return s
}

// ParseDuration 解析时长字符串，无效、空或非正时返回 defaultVal
func ParseDuration(s string, defaultVal time.Duration) time.Duration {
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return defaultVal
	}
	return d
}

// DefaultAgentID 返回默认 Agent 标识（env AGENT_ID 或 hostname）
func DefaultAgentID() string {
	if id := os.Getenv("AGENT_ID"); id != "" {
		return id
	}
	host, _ := os.Hostname()
	if host != "" {
		return host
	}
	return "agent-unknown"
}

// ConfigPath 返回配置文件路径：env AGENT_CONFIG 优先，否则 configs/agent.yaml
func ConfigPath() string {
	if p := os.Getenv("AGENT_CONFIG"); p != "" {
		return p
	}
	return DefaultConfigPath
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetDefault("agent.agent_id", "")
	v.SetDefault("agent.max_workers", DefaultMaxWorkers)
	v.SetDefault("agent.heartbeat_interval", DefaultHeartbeatInterval.String())
	v.SetDefault("agent.job_check_interval", DefaultJobCheckInterval.String())
	v.SetDefault("orchestrator.type", "memory")
	v.SetDefault("orchestrator.timeout", "10s")
	v.SetDefault("orchestrator.redis.prefix", "edge")
	v.SetDefault("orchestrator.redis.heartbeat_ttl", "2m")
	v.SetDefault("status.addr", ":9090")
	v.SetDefault("log.level", "info")
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("无法解析配置文件: %w", err)
	}
	replaceEnvVars(&config)
	return &config, nil
}

// LoadConfig 加载配置文件
func LoadConfig(configPath string) (*Config, error) {
	v := newViper(configPath)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("无法读取配置文件: %w", err)
	}
	return decode(v)
}

// replaceEnvVars 替换配置中形如 ${VAR} 的敏感字段
func replaceEnvVars(config *Config) {
	config.Orchestrator.Redis.Password = expandEnv(config.Orchestrator.Redis.Password)
	config.Orchestrator.BaseURL = expandEnv(config.Orchestrator.BaseURL)
}

func expandEnv(s string) string {
	if !strings.HasPrefix(s, "$") {
		return s
	}
	envVar := strings.TrimPrefix(strings.TrimSuffix(s, "}"), "${")
	envVar = strings.TrimPrefix(envVar, "$")
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return s
}
