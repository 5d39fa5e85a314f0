package hub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/config"
	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/internal/store"
	"github.com/moltbot/ledgerd/pkg/backoff"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// OutboxWorker 外发轮询 worker，至少一次投递
type OutboxWorker struct {
	cfg    config.InteractionConfig
	outbox *store.OutboxRepository
	policy backoff.Policy
	client *http.Client
	beat   func(context.Context)
	probe  chan chan struct{}

	// 测试注入
	dispatch func(ctx context.Context, event *model.OutboxEvent) error
}

// NewOutboxWorker 创建外发 worker
func NewOutboxWorker(cfg config.InteractionConfig, outbox *store.OutboxRepository) *OutboxWorker {
	w := &OutboxWorker{
		cfg:    cfg,
		outbox: outbox,
		policy: backoff.Policy{
			Base:       time.Second,
			Max:        10 * time.Minute,
			MaxRetries: 0,
		},
		client: &http.Client{Timeout: 15 * time.Second},
		probe:  make(chan chan struct{}),
	}
	w.dispatch = w.dispatchHTTP
	return w
}

// SetHeartbeat 注入心跳刷新回调
func (w *OutboxWorker) SetHeartbeat(beat func(context.Context)) {
	w.beat = beat
}

// Probe 活性探针，和轮询循环握手一次
func (w *OutboxWorker) Probe(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case w.probe <- ack:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run 轮询投递，阻塞到 ctx 取消
func (w *OutboxWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(w.cfg.OutboxPollS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ack := <-w.probe:
			close(ack)
		case <-ticker.C:
			if w.beat != nil {
				w.beat(ctx)
			}
			if err := w.drainOnce(ctx); err != nil {
				logger.Warn("outbox drain failed", zap.Error(err))
			}
		}
	}
}

// drainOnce 消费一批到期事件
func (w *OutboxWorker) drainOnce(ctx context.Context) error {
	depth, err := w.outbox.Depth(ctx)
	if err != nil {
		return err
	}
	if depth > int64(w.cfg.OutboxDepthAlert) {
		logger.Error("outbox backlog above threshold",
			zap.Int64("depth", depth), zap.Int("threshold", w.cfg.OutboxDepthAlert))
	}

	events, err := w.outbox.FetchDue(ctx, 50)
	if err != nil {
		return err
	}

	for _, event := range events {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := w.dispatch(ctx, event); err != nil {
			nextAt := w.policy.NextAt(event.Attempts, time.Now())
			if markErr := w.outbox.MarkFailed(ctx, event.ID, err, nextAt); markErr != nil {
				logger.Warn("mark outbox failed", zap.Error(markErr))
			}
			logger.Warn("outbox dispatch failed",
				zap.String("event_id", event.EventID),
				zap.Int("attempts", event.Attempts+1),
				zap.Error(err))
			continue
		}
		if err := w.outbox.MarkAck(ctx, event.ID); err != nil {
			logger.Warn("mark outbox ack failed", zap.Error(err))
		}
	}
	return nil
}

// dispatchHTTP 渲染平台信封并 POST 到通知渠道
// 未配置渠道时仅记录日志并视为送达，便于本地运行
func (w *OutboxWorker) dispatchHTTP(ctx context.Context, event *model.OutboxEvent) error {
	var envelope model.CardEnvelope
	if err := event.GetPayload(&envelope); err != nil {
		return fmt.Errorf("decode envelope: %w", err)
	}

	if w.cfg.ChannelURL == "" {
		logger.Info("outbox event delivered to log channel",
			zap.String("event_id", event.EventID),
			zap.String("kind", string(event.Kind)),
			zap.String("title", envelope.Title))
		return nil
	}

	body, err := json.Marshal(renderEnvelope(event.Kind, &envelope))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.ChannelURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post channel: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("channel status %d", resp.StatusCode)
	}
	return nil
}

// renderEnvelope 目标渠道的 JSON 信封
func renderEnvelope(kind model.OutboxKind, envelope *model.CardEnvelope) map[string]interface{} {
	return map[string]interface{}{
		"msg_type": string(kind),
		"card":     envelope,
	}
}
