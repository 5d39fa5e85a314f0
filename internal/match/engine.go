// Package match 实现对账引擎：影子分录与账本流水的自动撮合
package match

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/config"
	"github.com/moltbot/ledgerd/internal/hub"
	"github.com/moltbot/ledgerd/internal/metrics"
	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/internal/store"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// Engine 对账引擎
type Engine struct {
	cfg      config.MatchConfig
	entries  *store.EntryRepository
	pendings *store.PendingRepository
	ledger   *store.Store
	hub      *hub.Hub
	beat     func(context.Context)
	probe    chan chan struct{}

	tolerance     decimal.Decimal
	autoThreshold float64
	lowThreshold  float64
	window        time.Duration
}

// NewEngine 创建对账引擎
func NewEngine(cfg config.MatchConfig, ledger *store.Store, entries *store.EntryRepository, pendings *store.PendingRepository, h *hub.Hub) *Engine {
	return &Engine{
		cfg:           cfg,
		ledger:        ledger,
		entries:       entries,
		pendings:      pendings,
		hub:           h,
		probe:         make(chan chan struct{}),
		tolerance:     cfg.GetTolerance(),
		autoThreshold: cfg.GetAutoThreshold().InexactFloat64(),
		lowThreshold:  cfg.GetLowThreshold().InexactFloat64(),
		window:        time.Duration(cfg.WindowDays) * 24 * time.Hour,
	}
}

// SetHeartbeat 注入心跳刷新回调
func (e *Engine) SetHeartbeat(beat func(context.Context)) {
	e.beat = beat
}

// Probe 活性探针，和运行循环握手一次
func (e *Engine) Probe(ctx context.Context) error {
	ack := make(chan struct{})
	select {
	case e.probe <- ack:
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

// Run 周期执行对账，阻塞到 ctx 取消
// 对账轮次间隔远大于健康巡检周期，空闲心跳单独走
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Duration(e.cfg.IntervalS) * time.Second)
	defer ticker.Stop()
	idle := time.NewTicker(15 * time.Second)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			if e.beat != nil {
				e.beat(ctx)
			}
		case ack := <-e.probe:
			close(ack)
		case <-ticker.C:
			if err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
				logger.Error("reconciliation round failed", zap.Error(err))
			}
		}
	}
}

// RunOnce 执行一轮对账：撮合、凭证追索与抽样链校验
func (e *Engine) RunOnce(ctx context.Context) error {
	prefilter, err := e.buildAmountPrefilter(ctx)
	if err != nil {
		return fmt.Errorf("build amount prefilter: %w", err)
	}

	if err := e.matchPendings(ctx, prefilter); err != nil {
		return err
	}
	if err := e.huntEvidence(ctx); err != nil {
		logger.Warn("evidence hunting failed", zap.Error(err))
	}
	if err := e.sampleVerifyChain(ctx); err != nil {
		logger.Warn("sampled chain verify failed", zap.Error(err))
	}
	return nil
}

// matchPendings 分批撮合，逐批刷心跳避免全表加载
func (e *Engine) matchPendings(ctx context.Context, prefilter map[int64]struct{}) error {
	var batchCandidates []*model.PendingEntry
	offset := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		pendings, err := e.pendings.ListUnreconciled(ctx, e.cfg.BatchSize, offset)
		if err != nil {
			return err
		}
		if len(pendings) == 0 {
			break
		}
		if e.beat != nil {
			e.beat(ctx)
		}

		for _, p := range pendings {
			matched, err := e.matchOne(ctx, p, prefilter)
			if err != nil {
				logger.Warn("match pending failed",
					zap.Int64("pending_id", p.ID), zap.Error(err))
				continue
			}
			if matched {
				batchCandidates = append(batchCandidates, p)
			}
		}

		if len(pendings) < e.cfg.BatchSize {
			break
		}
		offset += e.cfg.BatchSize
	}

	return e.pushBatchCard(ctx, batchCandidates)
}

// matchOne 撮合单条影子分录
// 高分直配、中分进批量确认、低分留待下一轮
func (e *Engine) matchOne(ctx context.Context, p *model.PendingEntry, prefilter map[int64]struct{}) (midBand bool, err error) {
	// 金额预过滤：账本中不存在容差范围内的金额时跳过候选查询
	cents := p.Amount.Abs().Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	tolCents := e.tolerance.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
	hit := false
	for delta := -tolCents; delta <= tolCents; delta++ {
		if _, ok := prefilter[cents+delta]; ok {
			hit = true
			break
		}
	}
	if !hit {
		metrics.MatchTotal.WithLabelValues("no_candidate").Inc()
		return false, nil
	}

	low := p.Amount.Abs().Sub(e.tolerance)
	high := p.Amount.Abs().Add(e.tolerance)
	from := p.OccurredAt - e.window.Milliseconds()
	to := p.OccurredAt + e.window.Milliseconds()
	candidates, err := e.entries.ListMatchCandidates(ctx, low, high, from, to)
	if err != nil {
		return false, err
	}

	var best *model.LedgerEntry
	bestScore := 0.0
	for _, c := range candidates {
		if s := score(p, c, e.tolerance, e.cfg.WindowDays); s > bestScore {
			best = c
			bestScore = s
		}
	}
	if best == nil || bestScore < e.lowThreshold {
		metrics.MatchTotal.WithLabelValues("unmatched").Inc()
		return false, nil
	}

	if err := e.pendings.MarkMatched(ctx, p.ID, best.ID, bestScore); err != nil {
		return false, err
	}
	p.MatchScore = bestScore

	if bestScore >= e.autoThreshold {
		metrics.MatchTotal.WithLabelValues("auto").Inc()
		return false, e.settleAutoMatch(ctx, p, best, bestScore)
	}

	metrics.MatchTotal.WithLabelValues("batch").Inc()
	return true, nil
}

// settleAutoMatch 高分匹配：默认推一键确认卡片，开启 auto_posted 时直接落定
func (e *Engine) settleAutoMatch(ctx context.Context, p *model.PendingEntry, entry *model.LedgerEntry, matchScore float64) error {
	if e.cfg.AutoPosted {
		return e.pendings.MarkReconciled(ctx, p.ID)
	}

	ctx = logger.ContextWithTrace(ctx, p.TraceID)
	_, err := e.hub.CreateCard(ctx, model.CardKindReview, "boss",
		fmt.Sprintf("pending:%d", p.ID),
		&model.CardEnvelope{
			Kind:  string(model.CardKindReview),
			Title: "对账确认",
			Body: fmt.Sprintf("银行流水 %s (%s) 与账本流水 #%d 匹配度 %.0f%%，请确认",
				p.Amount.StringFixed(2), p.Counterparty, entry.ID, matchScore*100),
			Fields: map[string]string{
				"pending_amount": p.Amount.StringFixed(2),
				"entry_vendor":   entry.Vendor,
				"entry_category": entry.Category,
				"score":          fmt.Sprintf("%.2f", matchScore),
			},
			Buttons: []model.CardButton{
				{Action: hub.ActionConfirm, Value: "confirm"},
				{Action: hub.ActionReject, Value: "reject"},
			},
			Metadata: model.CardMetadata{TraceID: p.TraceID, RequiredRole: "boss"},
		})
	if err == nil {
		metrics.CardsTotal.WithLabelValues(string(model.CardKindReview)).Inc()
	}
	return err
}

// pushBatchCard 中分段匹配合并为一张批量确认卡片
func (e *Engine) pushBatchCard(ctx context.Context, pendings []*model.PendingEntry) error {
	if len(pendings) == 0 {
		return nil
	}

	ids := make([]string, len(pendings))
	lines := make([]string, 0, len(pendings))
	for i, p := range pendings {
		ids[i] = fmt.Sprintf("%d", p.ID)
		lines = append(lines, fmt.Sprintf("- %s %s (%.0f%%)",
			p.Amount.StringFixed(2), p.Counterparty, p.MatchScore*100))
	}

	_, err := e.hub.CreateCard(ctx, model.CardKindBatchReconcile, "boss",
		"batch:"+strings.Join(ids, ","),
		&model.CardEnvelope{
			Kind:  string(model.CardKindBatchReconcile),
			Title: fmt.Sprintf("批量对账确认 (%d 笔)", len(pendings)),
			Body:  strings.Join(lines, "\n"),
			Buttons: []model.CardButton{
				{Action: hub.ActionBatchConfirm, Value: "confirm_all"},
			},
			Metadata: model.CardMetadata{RequiredRole: "boss"},
		})
	if err == nil {
		metrics.CardsTotal.WithLabelValues(string(model.CardKindBatchReconcile)).Inc()
	}
	return err
}

// huntEvidence 超 48 小时仍未对上的流水主动追索凭证
func (e *Engine) huntEvidence(ctx context.Context) error {
	stale, err := e.pendings.ListStaleUnmatched(ctx,
		time.Duration(e.cfg.EvidenceAfterH)*time.Hour, 20)
	if err != nil {
		return err
	}

	for _, p := range stale {
		ctx := logger.ContextWithTrace(ctx, p.TraceID)
		_, err := e.hub.CreateCard(ctx, model.CardKindEvidence, "boss",
			fmt.Sprintf("pending:%d", p.ID),
			&model.CardEnvelope{
				Kind:  string(model.CardKindEvidence),
				Title: "凭证追索",
				Body: fmt.Sprintf("流水 %s (%s) 已超 %d 小时无法对账，请补充发票或说明",
					p.Amount.StringFixed(2), p.Counterparty, e.cfg.EvidenceAfterH),
				Metadata: model.CardMetadata{TraceID: p.TraceID, RequiredRole: "boss"},
			})
		if err != nil {
			return err
		}
		if err := e.pendings.MarkEvidenceAsked(ctx, p.ID); err != nil {
			return err
		}
		metrics.CardsTotal.WithLabelValues(string(model.CardKindEvidence)).Inc()
	}
	return nil
}

// sampleVerifyChain 抽样校验一段哈希链，断裂即封账并告警
func (e *Engine) sampleVerifyChain(ctx context.Context) error {
	maxID, err := e.entries.MaxID(ctx)
	if err != nil || maxID == 0 {
		return err
	}

	const sampleSpan = 200
	from := int64(1)
	if maxID > sampleSpan {
		from = rand.Int63n(maxID-sampleSpan) + 1
	}
	badID, err := e.entries.VerifyChain(ctx, from, from+sampleSpan)
	if err != nil {
		return err
	}
	if badID > 0 {
		metrics.ChainVerifyFailures.Inc()
		e.ledger.MarkChainBroken(badID)
		return e.hub.EnqueueCritical(ctx, "账本哈希链断裂",
			fmt.Sprintf("entry %d 校验失败，账本已封禁追加，请回滚快照或人工核查", badID))
	}
	return nil
}

// buildAmountPrefilter 账本在账金额集合 (分)
func (e *Engine) buildAmountPrefilter(ctx context.Context) (map[int64]struct{}, error) {
	cents, err := e.entries.ListActiveAmounts(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[int64]struct{}, len(cents))
	for _, c := range cents {
		set[c] = struct{}{}
	}
	return set, nil
}
