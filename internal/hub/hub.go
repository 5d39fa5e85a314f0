// Package hub 实现交互枢纽：卡片推送、回调裁决与外发 outbox
package hub

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/config"
	"github.com/moltbot/ledgerd/internal/knowledge"
	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/internal/store"
	"github.com/moltbot/ledgerd/pkg/id"
	"github.com/moltbot/ledgerd/pkg/logger"
)

var (
	// ErrBadSignature 签名校验失败
	ErrBadSignature = errors.New("callback signature mismatch")
	// ErrReplay 时间戳超出重放窗口或卡片已消费
	ErrReplay = errors.New("callback replayed or stale")
	// ErrCardExpired 卡片已过有效期
	ErrCardExpired = errors.New("card expired")
	// ErrRoleMismatch 操作者角色不满足卡片要求
	ErrRoleMismatch = errors.New("operator role not permitted")
	// ErrUnknownAction 不支持的回调动作
	ErrUnknownAction = errors.New("unknown callback action")
)

// 回调动作
const (
	ActionConfirm      = "CONFIRM"
	ActionReject       = "REJECT"
	ActionBatchConfirm = "BATCH_CONFIRM"
)

// Callback 回调请求
type Callback struct {
	CardID    string            `json:"card_id"`
	Action    string            `json:"action"`
	Ts        int64             `json:"ts"`
	Role      string            `json:"role,omitempty"`
	Extra     map[string]string `json:"extra_payload,omitempty"`
	Signature string            `json:"-"`
}

// Hub 交互枢纽
type Hub struct {
	cfg      config.InteractionConfig
	cards    *store.CardRepository
	entries  *store.EntryRepository
	pendings *store.PendingRepository
	outbox   *store.OutboxRepository
	bridge   *knowledge.Bridge
	now      func() time.Time
}

// New 创建交互枢纽
func New(cfg config.InteractionConfig, cards *store.CardRepository, entries *store.EntryRepository, pendings *store.PendingRepository, outbox *store.OutboxRepository, bridge *knowledge.Bridge) *Hub {
	return &Hub{
		cfg:      cfg,
		cards:    cards,
		entries:  entries,
		pendings: pendings,
		outbox:   outbox,
		bridge:   bridge,
		now:      time.Now,
	}
}

// CreateCard 创建卡片并入队推送事件，卡片与事件同生命周期
func (h *Hub) CreateCard(ctx context.Context, kind model.CardKind, requiredRole, entityRef string, envelope *model.CardEnvelope) (*model.InteractionCard, error) {
	// 同一实体上已有未关闭卡片时不重复打扰
	open, err := h.cards.ListOpenByEntity(ctx, entityRef)
	if err != nil {
		return nil, err
	}
	if len(open) > 0 {
		return open[0], nil
	}

	cardID := id.NewCardID()
	expiresAt := h.now().Add(time.Duration(h.cfg.CardTTLS) * time.Second).UnixMilli()
	token := h.signToken(cardID, string(kind), expiresAt)

	card := &model.InteractionCard{
		CardID:          cardID,
		Kind:            kind,
		CallbackToken:   token,
		RequiredRole:    requiredRole,
		Status:          model.CardStatusSent,
		LinkedEntityRef: entityRef,
		TraceID:         logger.TraceID(ctx),
		ExpiresAt:       expiresAt,
	}
	if err := h.cards.Create(ctx, card); err != nil {
		return nil, fmt.Errorf("create card: %w", err)
	}

	envelope.Metadata.CardID = cardID
	envelope.Metadata.Token = token
	envelope.Metadata.RequiredRole = requiredRole
	if envelope.Metadata.TraceID == "" {
		envelope.Metadata.TraceID = card.TraceID
	}

	event := &model.OutboxEvent{
		EventID:       id.NewEventID(),
		Kind:          model.OutboxKindPushCard,
		TraceID:       card.TraceID,
		NextAttemptAt: h.now().UnixMilli(),
	}
	if err := event.SetPayload(envelope); err != nil {
		return nil, err
	}
	if err := h.outbox.Enqueue(ctx, event); err != nil {
		return nil, fmt.Errorf("enqueue card push: %w", err)
	}

	logger.WithTrace(ctx).Info("card created",
		zap.String("card_id", cardID),
		zap.String("kind", string(kind)),
		zap.String("entity", entityRef))
	return card, nil
}

// EnqueueCritical 入队运维级告警事件
func (h *Hub) EnqueueCritical(ctx context.Context, title, body string) error {
	event := &model.OutboxEvent{
		EventID:       id.NewEventID(),
		Kind:          model.OutboxKindCritical,
		TraceID:       logger.TraceID(ctx),
		NextAttemptAt: h.now().UnixMilli(),
	}
	if err := event.SetPayload(&model.CardEnvelope{
		Kind:  string(model.OutboxKindCritical),
		Title: title,
		Body:  body,
		Metadata: model.CardMetadata{
			TraceID:      event.TraceID,
			RequiredRole: "admin",
		},
	}); err != nil {
		return err
	}
	return h.outbox.Enqueue(ctx, event)
}

// HandleCallback 裁决一次回调
// 校验顺序：签名 → 时间戳重放窗口 → 卡片存在与未过期 → 角色 → 一次性消费
func (h *Hub) HandleCallback(ctx context.Context, cb *Callback) error {
	if !h.verifySignature(cb) {
		return ErrBadSignature
	}

	now := h.now().UnixMilli()
	window := int64(h.cfg.ReplayWindowS) * 1000
	if cb.Ts < now-window || cb.Ts > now+window {
		return ErrReplay
	}

	card, err := h.cards.GetByCardID(ctx, cb.CardID)
	if err != nil {
		return err
	}
	if card.Status.Terminal() {
		return ErrReplay
	}
	if now > card.ExpiresAt {
		_, _ = h.cards.ExpireStale(ctx)
		return ErrCardExpired
	}
	if card.RequiredRole != "" && cb.Role != card.RequiredRole {
		return ErrRoleMismatch
	}

	// 一次性标记先行，重复回调在此拦截
	if err := h.cards.Consume(ctx, cb.CardID); err != nil {
		if errors.Is(err, store.ErrCardConsumed) {
			return ErrReplay
		}
		return err
	}

	if err := h.applyAction(ctx, card, cb); err != nil {
		// 动作未生效不算已执行，回收标记让修正后的重试进得来
		if rerr := h.cards.Release(ctx, cb.CardID); rerr != nil {
			logger.Warn("release card after failed action",
				zap.String("card_id", cb.CardID), zap.Error(rerr))
		}
		return err
	}
	if err := h.cards.Advance(ctx, cb.CardID, model.CardStatusCompleted); err != nil {
		return err
	}

	logger.WithTrace(ctx).Info("callback handled",
		zap.String("card_id", cb.CardID),
		zap.String("action", cb.Action))
	return nil
}

// applyAction 按动作推进关联实体
func (h *Hub) applyAction(ctx context.Context, card *model.InteractionCard, cb *Callback) error {
	switch cb.Action {
	case ActionConfirm:
		return h.applyConfirm(ctx, card, cb)
	case ActionReject:
		return h.applyReject(ctx, card, cb)
	case ActionBatchConfirm:
		return h.applyBatchConfirm(ctx, card)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownAction, cb.Action)
	}
}

// applyConfirm 确认：复核单入账，对账单落定
// 带修正科目时沉淀 MANUAL 规则
func (h *Hub) applyConfirm(ctx context.Context, card *model.InteractionCard, cb *Callback) error {
	kind, entityID, err := parseEntityRef(card.LinkedEntityRef)
	if err != nil {
		return err
	}

	switch kind {
	case "entry":
		entry, err := h.entries.GetByID(ctx, entityID)
		if err != nil {
			return err
		}
		updates := map[string]interface{}{}
		if corrected := cb.Extra["category"]; corrected != "" && corrected != entry.Category {
			if !model.ValidCategory(corrected) {
				return knowledge.ErrInvalidCategory
			}
			updates["category"] = corrected
			if entry.Vendor != "" {
				if _, err := h.bridge.Learn(ctx, entry.Vendor, corrected, model.RuleSourceManual); err != nil {
					logger.Warn("learn manual rule failed", zap.Error(err))
				}
			}
		}
		return h.entries.UpdateStatus(ctx, entityID, model.EntryStatusNeedsReview, model.EntryStatusPosted, updates)

	case "pending":
		return h.pendings.MarkReconciled(ctx, entityID)

	default:
		return fmt.Errorf("confirm not applicable to entity %q", card.LinkedEntityRef)
	}
}

// applyReject 驳回：复核单终止，对账匹配作废回到待对账
func (h *Hub) applyReject(ctx context.Context, card *model.InteractionCard, cb *Callback) error {
	kind, entityID, err := parseEntityRef(card.LinkedEntityRef)
	if err != nil {
		return err
	}

	switch kind {
	case "entry":
		reason := cb.Extra["reason"]
		if reason == "" {
			reason = "rejected by reviewer"
		}
		return h.entries.UpdateStatus(ctx, entityID, model.EntryStatusNeedsReview,
			model.EntryStatusRejected, map[string]interface{}{"revert_reason": reason})

	case "pending":
		// 匹配作废，回到待对账留给下一轮重新撮合
		return h.pendings.ClearMatch(ctx, entityID)

	default:
		return fmt.Errorf("reject not applicable to entity %q", card.LinkedEntityRef)
	}
}

// applyBatchConfirm 批量确认：整批 MATCHED 原子翻转为 RECONCILED
func (h *Hub) applyBatchConfirm(ctx context.Context, card *model.InteractionCard) error {
	if !strings.HasPrefix(card.LinkedEntityRef, "batch:") {
		return fmt.Errorf("batch confirm needs batch entity, got %q", card.LinkedEntityRef)
	}
	rawIDs := strings.Split(strings.TrimPrefix(card.LinkedEntityRef, "batch:"), ",")
	ids := make([]int64, 0, len(rawIDs))
	for _, raw := range rawIDs {
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return fmt.Errorf("malformed batch entity ref: %w", err)
		}
		ids = append(ids, v)
	}
	return h.pendings.MarkGroupReconciled(ctx, ids)
}

// Sign 计算回调签名，card_id|action|ts
func (h *Hub) Sign(cardID, action string, ts int64) string {
	mac := hmac.New(sha256.New, []byte(h.cfg.HMACSecret))
	fmt.Fprintf(mac, "%s|%s|%d", cardID, action, ts)
	return hex.EncodeToString(mac.Sum(nil))
}

func (h *Hub) verifySignature(cb *Callback) bool {
	expected := h.Sign(cb.CardID, cb.Action, cb.Ts)
	return hmac.Equal([]byte(expected), []byte(cb.Signature))
}

// signToken 卡片令牌，card_id|kind|expires_at
func (h *Hub) signToken(cardID, kind string, expiresAt int64) string {
	mac := hmac.New(sha256.New, []byte(h.cfg.HMACSecret))
	fmt.Fprintf(mac, "%s|%s|%d", cardID, kind, expiresAt)
	return hex.EncodeToString(mac.Sum(nil))
}

// parseEntityRef 解析 entry:<id> / pending:<id>
func parseEntityRef(ref string) (string, int64, error) {
	parts := strings.SplitN(ref, ":", 2)
	if len(parts) != 2 {
		return "", 0, fmt.Errorf("malformed entity ref %q", ref)
	}
	entityID, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("malformed entity ref %q", ref)
	}
	return parts[0], entityID, nil
}
