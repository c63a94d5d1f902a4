package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 Agent 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		WorkersRunning, JobsTotal, JobDuration,
		HeartbeatsTotal, HeartbeatDuration,
		JobRequestsTotal, InstructionsTotal, ErrorsTotal,
	)
}

// WorkersRunning 当前正在执行的 Worker 数（每 Agent）
var WorkersRunning = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "edge_agent_workers_running",
		Help: "当前正在执行的 Worker 数",
	},
	[]string{"agent_id"},
)

// JobsTotal Job 结束总数（按终态）
var JobsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "edge_agent_jobs_total",
		Help: "Job 结束总数（按终态）",
	},
	[]string{"status"}, // completed | canceled | error
)

// JobDuration Worker 生命周期耗时（秒，含续作）
var JobDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "edge_agent_job_duration_seconds",
		Help:    "Worker 生命周期耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"job_type"},
)

// HeartbeatsTotal 聚合心跳发送次数
var HeartbeatsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "edge_agent_heartbeats_total",
		Help: "聚合心跳发送次数",
	},
	[]string{"result"}, // ok | error
)

// HeartbeatDuration 聚合心跳往返耗时
var HeartbeatDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "edge_agent_heartbeat_duration_seconds",
		Help:    "聚合心跳往返耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
)

// JobRequestsTotal 向编排服务请求 Job 的次数
var JobRequestsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "edge_agent_job_requests_total",
		Help: "向编排服务请求 Job 的次数",
	},
	[]string{"result"}, // jobs | empty | error
)

// InstructionsTotal 收到的心跳指令（按类型）
var InstructionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "edge_agent_instructions_total",
		Help: "收到的心跳指令数",
	},
	[]string{"instruction"},
)

// ErrorsTotal 被捕获并吞掉的错误（按操作）
var ErrorsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "edge_agent_errors_total",
		Help: "被捕获的错误数",
	},
	[]string{"operation"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
