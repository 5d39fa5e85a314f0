// Package daemon 实现主守护进程：入账流水线与 worker 监督
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/accounting"
	"github.com/moltbot/ledgerd/internal/auditor"
	"github.com/moltbot/ledgerd/internal/hub"
	"github.com/moltbot/ledgerd/internal/metrics"
	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/internal/store"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// Pipeline 入账流水线：单据分类、链式落库、审计裁决与人工升级
type Pipeline struct {
	docs    <-chan *model.Document
	agent   *accounting.Agent
	auditor *auditor.Auditor
	entries *store.EntryRepository
	ledger  *store.Store
	hub     *hub.Hub
	beat    func(context.Context)
	probe   chan chan struct{}
}

// NewPipeline 创建入账流水线
func NewPipeline(docs <-chan *model.Document, agent *accounting.Agent, aud *auditor.Auditor, ledger *store.Store, entries *store.EntryRepository, h *hub.Hub) *Pipeline {
	return &Pipeline{
		docs:    docs,
		agent:   agent,
		auditor: aud,
		entries: entries,
		ledger:  ledger,
		hub:     h,
		probe:   make(chan chan struct{}),
	}
}

// Probe 活性探针，和运行循环握手一次
func (p *Pipeline) Probe(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case p.probe <- ack:
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

// SetHeartbeat 注入心跳刷新回调
func (p *Pipeline) SetHeartbeat(beat func(context.Context)) {
	p.beat = beat
}

// Run 消费采集单据直到 ctx 取消，空闲时靠定时心跳维持活性
func (p *Pipeline) Run(ctx context.Context) error {
	idle := time.NewTicker(15 * time.Second)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			if p.beat != nil {
				p.beat(ctx)
			}
		case ack := <-p.probe:
			close(ack)
		case doc, ok := <-p.docs:
			if !ok {
				return nil
			}
			if p.beat != nil {
				p.beat(ctx)
			}
			if err := p.processDocument(ctx, doc); err != nil {
				logger.Error("document processing failed",
					zap.String("trace_id", doc.TraceID),
					zap.String("source", doc.SourceFile),
					zap.Error(err))
			}
		}
	}
}

// processDocument 单据全链路：分类 → 追加 → 审计 → 升级
func (p *Pipeline) processDocument(ctx context.Context, doc *model.Document) error {
	ctx = logger.ContextWithTrace(ctx, doc.TraceID)

	// 链断裂封账期间追加必然失败，提前拦截免得白耗 L2 令牌
	if p.ledger.RefuseAppends() {
		logger.WithTrace(ctx).Warn("ledger sealed, document dropped",
			zap.String("source", doc.SourceFile))
		return nil
	}

	proposal := p.agent.Classify(ctx, doc)

	entry := &model.LedgerEntry{
		TraceID:      doc.TraceID,
		Amount:       doc.Amount,
		Currency:     "CNY",
		Vendor:       doc.Vendor,
		Category:     proposal.Category,
		OccurredAt:   doc.OccurredAt,
		GroupID:      doc.GroupID,
		SourceFile:   doc.SourceFile,
		InferenceLog: proposal.InferenceLog(),
		MatchedRule:  proposal.RuleID,
		Status:       model.EntryStatusProposed,
	}
	if err := p.entries.Append(ctx, entry); err != nil {
		if errors.Is(err, store.ErrDuplicateTrace) {
			logger.WithTrace(ctx).Debug("duplicate document skipped",
				zap.String("source", doc.SourceFile))
			return nil
		}
		return fmt.Errorf("append entry: %w", err)
	}

	// 红线规则命中不经共识，直接驳回留痕
	if proposal.Blocked {
		err := p.entries.UpdateStatus(ctx, entry.ID,
			model.EntryStatusProposed, model.EntryStatusRejected,
			map[string]interface{}{"revert_reason": "blocked by rule " + proposal.RuleID})
		if err != nil {
			return err
		}
		metrics.EntriesTotal.WithLabelValues(string(model.EntryStatusRejected)).Inc()
		return nil
	}

	decision, err := p.auditor.Audit(ctx, entry, &auditor.Input{
		Entry:      entry,
		Confidence: proposal.Confidence,
		Degraded:   proposal.Degraded,
	})
	if err != nil {
		if errors.Is(err, store.ErrLocked) {
			// 锁竞争失败留给兜底巡检重投
			return nil
		}
		return fmt.Errorf("audit entry: %w", err)
	}
	metrics.EntriesTotal.WithLabelValues(string(decision.Outcome)).Inc()

	switch decision.Outcome {
	case model.EntryStatusAudited:
		return p.entries.UpdateStatus(ctx, entry.ID,
			model.EntryStatusAudited, model.EntryStatusPosted, nil)

	case model.EntryStatusNeedsReview:
		return p.escalate(ctx, entry, proposal, decision.Reason)

	default:
		return nil
	}
}

// escalate 转人工：推送带修正入口的复核卡片
func (p *Pipeline) escalate(ctx context.Context, entry *model.LedgerEntry, proposal *accounting.Proposal, reason string) error {
	_, err := p.hub.CreateCard(ctx, model.CardKindReview, "boss",
		fmt.Sprintf("entry:%d", entry.ID),
		&model.CardEnvelope{
			Kind:  string(model.CardKindReview),
			Title: "记账复核",
			Body: fmt.Sprintf("%s %s 元，科目 %s (置信度 %.0f%%)，%s",
				entry.Vendor, entry.Amount.StringFixed(2),
				entry.Category, proposal.Confidence*100, reason),
			Fields: map[string]string{
				"vendor":   entry.Vendor,
				"amount":   entry.Amount.StringFixed(2),
				"category": entry.Category,
				"engine":   proposal.Engine,
			},
			Buttons: []model.CardButton{
				{Action: hub.ActionConfirm, Value: "confirm"},
				{Action: hub.ActionReject, Value: "reject"},
			},
			Metadata: model.CardMetadata{TraceID: entry.TraceID, RequiredRole: "boss"},
		})
	if err == nil {
		metrics.CardsTotal.WithLabelValues(string(model.CardKindReview)).Inc()
	}
	return err
}
