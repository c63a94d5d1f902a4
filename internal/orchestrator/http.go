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
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"golang.org/x/time/rate"

	"edge-agent/internal/agent/job"
	pkgerrors "edge-agent/pkg/errors"
	"edge-agent/pkg/log"
	"edge-agent/pkg/retry"
	"edge-agent/pkg/utils"
)

// DefaultHTTPAttempts HTTP 客户端单次调用的默认尝试次数（含首次）
const DefaultHTTPAttempts = 3

// HTTPOptions HTTPClient 配置
type HTTPOptions struct {
	BaseURL     string
	Timeout     time.Duration
	RateLimit   float64 // 每秒请求数，<=0 不限流
	MaxAttempts int
	Policy      retry.Policy // nil 时指数退避
	Logger      *log.Logger
}

// HTTPClient 通过 REST 与编排服务交互：
//
//	POST /v2/agents/{agentId}/jobs  请求体 JobRequest，返回 []JobProcessingInstruction
//	POST /v2/heartbeat              请求体 Heartbeat，返回 []HeartbeatResultEntry
//
// 网络错误、5xx 与 429 视为瞬时故障并重试，其余 4xx 直接返回
type HTTPClient struct {
	client  *resty.Client
	limiter *rate.Limiter
	retry   retry.Options
	logger  *log.Logger
}

// NewHTTPClient 创建 HTTPClient
func NewHTTPClient(opts HTTPOptions) (*HTTPClient, error) {
	if opts.BaseURL == "" {
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidArg, "orchestrator: base_url is required")
	}
	opts.Timeout = utils.PositiveDuration(opts.Timeout, 10*time.Second)
	opts.MaxAttempts = utils.PositiveInt(opts.MaxAttempts, DefaultHTTPAttempts)
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	limit := rate.Inf
	burst := 1
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
		burst = int(opts.RateLimit) + 1
	}
	return &HTTPClient{
		client: resty.New().
			SetBaseURL(strings.TrimRight(opts.BaseURL, "/")).
			SetTimeout(opts.Timeout).
			SetHeader("Content-Type", "application/json").
			SetHeader("Accept", "application/json"),
		limiter: rate.NewLimiter(limit, burst),
		retry: retry.Options{
			MaxAttempts: opts.MaxAttempts,
			Policy:      opts.Policy,
			Logger:      opts.Logger,
		},
		logger: opts.Logger,
	}, nil
}

// GetAvailableJobs 实现 Orchestrator
func (c *HTTPClient) GetAvailableJobs(ctx context.Context, agentID string, req job.JobRequest) ([]job.JobProcessingInstruction, error) {
	opts := c.retry
	opts.Operation = "get_available_jobs"
	return retry.DoValue(ctx, opts, func(ctx context.Context) ([]job.JobProcessingInstruction, error) {
		var out []job.JobProcessingInstruction
		err := c.post(ctx, "/v2/agents/"+url.PathEscape(agentID)+"/jobs", req, &out)
		return out, err
	})
}

// SendHeartbeat 实现 Orchestrator
func (c *HTTPClient) SendHeartbeat(ctx context.Context, hb job.Heartbeat) ([]job.HeartbeatResultEntry, error) {
	opts := c.retry
	opts.Operation = "send_heartbeat"
	return retry.DoValue(ctx, opts, func(ctx context.Context) ([]job.HeartbeatResultEntry, error) {
		var out []job.HeartbeatResultEntry
		err := c.post(ctx, "/v2/heartbeat", hb, &out)
		return out, err
	})
}

func (c *HTTPClient) post(ctx context.Context, path string, body, result any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	resp, err := c.client.R().
		SetContext(ctx).
		SetBody(body).
		SetResult(result).
		Post(path)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return pkgerrors.Transient(pkgerrors.Wrapf(err, "POST %s", path))
	}
	switch code := resp.StatusCode(); {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests || code >= 500:
		return pkgerrors.Transient(fmt.Errorf("POST %s: %s: %s", path, resp.Status(), resp.String()))
	default:
		return fmt.Errorf("POST %s: %s: %s", path, resp.Status(), resp.String())
	}
}
