// Package egress 提供唯一的出网通道：脱敏、白名单、预算、熔断与响应缓存
package egress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/config"
	"github.com/moltbot/ledgerd/internal/privacy"
	"github.com/moltbot/ledgerd/pkg/backoff"
	"github.com/moltbot/ledgerd/pkg/circuitbreaker"
	"github.com/moltbot/ledgerd/pkg/logger"
)

var (
	// ErrHostNotAllowed 目标主机不在出网白名单
	ErrHostNotAllowed = errors.New("egress host not in allowlist")
	// ErrCircuitOpen 熔断器打开，降级到 L1-only
	ErrCircuitOpen = circuitbreaker.ErrCircuitOpen
)

// ChatMessage 对话消息
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest 外部推理请求
type ChatRequest struct {
	Model     string        `json:"model"`
	Messages  []ChatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

// ChatResponse 外部推理响应
type ChatResponse struct {
	Content    string `json:"content"`
	TokensUsed int64  `json:"tokens_used"`
	Cached     bool   `json:"cached"`
}

// chatAPIResponse OpenAI 兼容接口的响应体
type chatAPIResponse struct {
	Choices []struct {
		Message ChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Proxy 出网代理，所有外部推理调用的唯一出口
type Proxy struct {
	cfg     config.EgressConfig
	baseURL string
	guard   *privacy.Guard
	budget  *BudgetManager
	breaker *circuitbreaker.CircuitBreaker
	cache   *responseCache
	retry   backoff.Policy
	client  *http.Client
}

// NewProxy 创建出网代理
// baseURL 为 OpenAI 兼容端点，其主机必须出现在白名单中
func NewProxy(cfg config.EgressConfig, baseURL string, guard *privacy.Guard, budget *BudgetManager, breaker *circuitbreaker.CircuitBreaker, cacheTTL time.Duration, cacheSize int) *Proxy {
	return &Proxy{
		cfg:     cfg,
		baseURL: strings.TrimRight(baseURL, "/"),
		guard:   guard,
		budget:  budget,
		breaker: breaker,
		cache:   newResponseCache(cacheSize, cacheTTL),
		retry: backoff.Policy{
			Base:       time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
			Max:        30 * time.Second,
			MaxRetries: cfg.MaxRetries,
		},
		client: &http.Client{
			Timeout: time.Duration(cfg.RequestTimeoutS) * time.Second,
		},
	}
}

// Breaker 暴露熔断器给路由层观测
func (p *Proxy) Breaker() *circuitbreaker.CircuitBreaker {
	return p.breaker
}

// Budget 暴露预算管理器给路由层观测
func (p *Proxy) Budget() *BudgetManager {
	return p.budget
}

// Chat 发起一次外部推理调用
// 顺序：白名单 → 预算 → 缓存 → 熔断 → 脱敏 → 发送
func (p *Proxy) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if err := p.checkAllowlist(); err != nil {
		return nil, err
	}
	if err := p.budget.Allow(ctx); err != nil {
		return nil, err
	}

	prompt := flattenMessages(req.Messages)
	key := cacheKey(req.Model, prompt)
	if resp, ok := p.cache.get(key); ok {
		cached := *resp
		cached.Cached = true
		return &cached, nil
	}

	if err := p.breaker.Allow(); err != nil {
		return nil, err
	}

	// 出网前逐条脱敏，trace_id 随请求头透传
	sanitized := make([]ChatMessage, len(req.Messages))
	for i, msg := range req.Messages {
		sanitized[i] = ChatMessage{Role: msg.Role, Content: p.guard.Sanitize(msg.Content)}
	}

	resp, err := p.send(ctx, &ChatRequest{
		Model:     req.Model,
		Messages:  sanitized,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		p.breaker.Failure()
		return nil, err
	}
	p.breaker.Success()

	if err := p.budget.Consume(ctx, resp.TokensUsed); err != nil {
		logger.Warn("record token usage failed", zap.Error(err))
	}
	p.cache.put(key, resp)
	return resp, nil
}

// send 带退避重试的 HTTP 调用
func (p *Proxy) send(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	var out *ChatResponse
	err = p.retry.Retry(ctx, func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return err
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
		if tid := logger.TraceID(ctx); tid != "" {
			httpReq.Header.Set("X-Trace-ID", tid)
		}

		httpResp, err := p.client.Do(httpReq)
		if err != nil {
			return fmt.Errorf("egress request: %w", err)
		}
		defer httpResp.Body.Close()

		respBody, err := io.ReadAll(io.LimitReader(httpResp.Body, 10<<20))
		if err != nil {
			return fmt.Errorf("read egress response: %w", err)
		}
		if httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests {
			return fmt.Errorf("egress status %d: %s", httpResp.StatusCode, truncate(string(respBody), 200))
		}
		if httpResp.StatusCode != http.StatusOK {
			return &permanentError{fmt.Errorf("egress status %d: %s", httpResp.StatusCode, truncate(string(respBody), 200))}
		}

		var apiResp chatAPIResponse
		if err := json.Unmarshal(respBody, &apiResp); err != nil {
			return &permanentError{fmt.Errorf("decode egress response: %w", err)}
		}
		if len(apiResp.Choices) == 0 {
			return &permanentError{errors.New("egress response has no choices")}
		}

		out = &ChatResponse{
			Content:    apiResp.Choices[0].Message.Content,
			TokensUsed: apiResp.Usage.TotalTokens,
		}
		return nil
	}, func(err error) bool {
		var perm *permanentError
		return !errors.As(err, &perm)
	})

	if err != nil {
		var perm *permanentError
		if errors.As(err, &perm) {
			return nil, perm.err
		}
		return nil, err
	}
	return out, nil
}

// checkAllowlist 校验端点主机在白名单中
func (p *Proxy) checkAllowlist() error {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return fmt.Errorf("parse egress base url: %w", err)
	}
	host := u.Hostname()
	for _, allowed := range p.cfg.Allowlist {
		if strings.EqualFold(host, allowed) {
			return nil
		}
	}
	return fmt.Errorf("%w: %s", ErrHostNotAllowed, host)
}

// permanentError 不可重试错误
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

func flattenMessages(messages []ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(m.Role)
		b.WriteByte(':')
		b.WriteString(m.Content)
		b.WriteByte('\n')
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
