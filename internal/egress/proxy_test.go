package egress

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltbot/ledgerd/internal/config"
	"github.com/moltbot/ledgerd/internal/privacy"
	"github.com/moltbot/ledgerd/internal/store"
	"github.com/moltbot/ledgerd/pkg/circuitbreaker"
)

func newBudget(t *testing.T, daily, monthly int64) *BudgetManager {
	t.Helper()
	s, err := store.Open(config.StoreConfig{
		Path:          filepath.Join(t.TempDir(), "ledger.db"),
		BusyTimeoutMS: 5000,
		SyncMode:      "NORMAL",
		CacheMB:       4,
		LockTimeoutS:  300,
		MaxRetries:    3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	m, err := NewBudgetManager(context.Background(), store.NewBudgetRepository(s), daily, monthly)
	require.NoError(t, err)
	return m
}

func chatServer(t *testing.T, hits *atomic.Int64, capture *atomic.Value) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		body, _ := io.ReadAll(r.Body)
		if capture != nil {
			capture.Store(string(body))
		}
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": `{"category":"6601-03"}`}},
			},
			"usage": map[string]int64{"total_tokens": 100},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestProxy(t *testing.T, baseURL string, budget *BudgetManager, breaker *circuitbreaker.CircuitBreaker) *Proxy {
	t.Helper()
	cfg := config.EgressConfig{
		Allowlist:       []string{"127.0.0.1"},
		MaxRetries:      1,
		BackoffBaseMS:   1,
		RequestTimeoutS: 5,
		APIKey:          "test-key",
	}
	if budget == nil {
		budget = newBudget(t, 1<<30, 1<<32)
	}
	if breaker == nil {
		breaker = circuitbreaker.New(nil)
	}
	return NewProxy(cfg, baseURL, privacy.NewGuard(nil), budget, breaker, time.Minute, 16)
}

func chatReq(content string) *ChatRequest {
	return &ChatRequest{
		Model:    "gpt-4o-mini",
		Messages: []ChatMessage{{Role: "user", Content: content}},
	}
}

func TestProxy_ChatSanitizesBeforeSend(t *testing.T) {
	var hits atomic.Int64
	var capture atomic.Value
	srv := chatServer(t, &hits, &capture)
	p := newTestProxy(t, srv.URL, nil, nil)

	resp, err := p.Chat(context.Background(), chatReq("司机电话 13812345678 行程单"))
	require.NoError(t, err)
	assert.Equal(t, `{"category":"6601-03"}`, resp.Content)
	assert.Equal(t, int64(100), resp.TokensUsed)
	assert.False(t, resp.Cached)

	sent := capture.Load().(string)
	assert.NotContains(t, sent, "13812345678")
	assert.Contains(t, sent, "138****5678")
}

func TestProxy_ChatServesRepeatFromCache(t *testing.T) {
	var hits atomic.Int64
	srv := chatServer(t, &hits, nil)
	p := newTestProxy(t, srv.URL, nil, nil)
	ctx := context.Background()

	first, err := p.Chat(ctx, chatReq("滴滴出行 58.50"))
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := p.Chat(ctx, chatReq("滴滴出行 58.50"))
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, int64(1), hits.Load())
}

func TestProxy_RejectsHostOutsideAllowlist(t *testing.T) {
	var hits atomic.Int64
	srv := chatServer(t, &hits, nil)
	p := newTestProxy(t, srv.URL, nil, nil)
	p.cfg.Allowlist = []string{"api.openai.com"}

	_, err := p.Chat(context.Background(), chatReq("滴滴出行"))
	assert.ErrorIs(t, err, ErrHostNotAllowed)
	assert.Zero(t, hits.Load())
}

func TestProxy_BudgetExhaustionDegrades(t *testing.T) {
	var hits atomic.Int64
	srv := chatServer(t, &hits, nil)
	// 单次调用耗费 100 令牌，日限额 50 在首次调用后即耗尽
	budget := newBudget(t, 50, 1<<32)
	p := newTestProxy(t, srv.URL, budget, nil)
	ctx := context.Background()

	_, err := p.Chat(ctx, chatReq("第一笔"))
	require.NoError(t, err)

	_, err = p.Chat(ctx, chatReq("第二笔"))
	assert.ErrorIs(t, err, ErrBudgetExhausted)
	assert.Equal(t, int64(1), hits.Load())

	daily, monthly := budget.Usage()
	assert.Equal(t, int64(100), daily)
	assert.Equal(t, int64(100), monthly)
}

func TestProxy_CircuitOpensAfterRepeatedFailures(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "upstream down", http.StatusInternalServerError)
	}))
	t.Cleanup(srv.Close)

	breaker := circuitbreaker.New(&circuitbreaker.Config{
		FailureThreshold: 2,
		Window:           time.Minute,
		Cooldown:         time.Minute,
		SuccessThreshold: 1,
	})
	p := newTestProxy(t, srv.URL, nil, breaker)
	ctx := context.Background()

	_, err := p.Chat(ctx, chatReq("失败一"))
	require.Error(t, err)
	_, err = p.Chat(ctx, chatReq("失败二"))
	require.Error(t, err)

	// 熔断打开后不再外呼
	before := hits.Load()
	_, err = p.Chat(ctx, chatReq("失败三"))
	assert.ErrorIs(t, err, circuitbreaker.ErrCircuitOpen)
	assert.Equal(t, before, hits.Load())
}

func TestProxy_PermanentErrorSkipsRetry(t *testing.T) {
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	t.Cleanup(srv.Close)
	p := newTestProxy(t, srv.URL, nil, nil)

	_, err := p.Chat(context.Background(), chatReq("非法请求"))
	require.Error(t, err)
	assert.Equal(t, int64(1), hits.Load())
}

func TestResponseCache_EvictsOldestBeyondCapacity(t *testing.T) {
	c := newResponseCache(2, time.Minute)

	c.put("a", &ChatResponse{Content: "A"})
	c.put("b", &ChatResponse{Content: "B"})
	c.put("c", &ChatResponse{Content: "C"})

	_, ok := c.get("a")
	assert.False(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
	assert.Equal(t, 2, c.len())
}

func TestResponseCache_ExpiresByTTL(t *testing.T) {
	c := newResponseCache(8, time.Minute)
	c.put("k", &ChatResponse{Content: "v"})

	c.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, ok := c.get("k")
	assert.False(t, ok)
}
