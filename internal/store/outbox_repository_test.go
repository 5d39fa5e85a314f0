package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltbot/ledgerd/internal/model"
)

func newOutboxEvent(eventID string) *model.OutboxEvent {
	e := &model.OutboxEvent{
		EventID:       eventID,
		Kind:          model.OutboxKindPushCard,
		NextAttemptAt: time.Now().UnixMilli(),
		MaxAttempts:   3,
	}
	_ = e.SetPayload(&model.CardEnvelope{Title: "test"})
	return e
}

func TestOutboxRepository_FetchDueSkipsFuture(t *testing.T) {
	s := openTestStore(t)
	repo := NewOutboxRepository(s)
	ctx := context.Background()

	due := newOutboxEvent("ev-due")
	require.NoError(t, repo.Enqueue(ctx, due))

	future := newOutboxEvent("ev-future")
	future.NextAttemptAt = time.Now().Add(time.Hour).UnixMilli()
	require.NoError(t, repo.Enqueue(ctx, future))

	events, err := repo.FetchDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev-due", events[0].EventID)
}

func TestOutboxRepository_MarkFailedFlipsToFailedAtLimit(t *testing.T) {
	s := openTestStore(t)
	repo := NewOutboxRepository(s)
	ctx := context.Background()

	event := newOutboxEvent("ev-fail")
	require.NoError(t, repo.Enqueue(ctx, event))

	dispatchErr := errors.New("channel unreachable")
	for i := 0; i < 2; i++ {
		require.NoError(t, repo.MarkFailed(ctx, event.ID, dispatchErr, time.Now().UnixMilli()))
	}

	events, err := repo.FetchDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 2, events[0].Attempts)

	// 第 3 次失败达到 max_attempts，不再进入待发送队列
	require.NoError(t, repo.MarkFailed(ctx, event.ID, dispatchErr, time.Now().UnixMilli()))
	events, err = repo.FetchDue(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, events)

	var final model.OutboxEvent
	require.NoError(t, s.db.First(&final, event.ID).Error)
	assert.Equal(t, model.OutboxStatusFailed, final.Status)
	assert.Equal(t, "channel unreachable", final.LastError)
}

func TestOutboxRepository_RecoverStaleSent(t *testing.T) {
	s := openTestStore(t)
	repo := NewOutboxRepository(s)
	ctx := context.Background()

	event := newOutboxEvent("ev-stale")
	require.NoError(t, repo.Enqueue(ctx, event))
	require.NoError(t, repo.MarkSent(ctx, event.ID))

	// 刚发出的不回收
	n, err := repo.RecoverStaleSent(ctx, time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	// 人为把 sent_at 拨回过去
	past := time.Now().Add(-time.Hour).UnixMilli()
	require.NoError(t, s.db.Model(&model.OutboxEvent{}).
		Where("id = ?", event.ID).
		Update("sent_at", past).Error)

	n, err = repo.RecoverStaleSent(ctx, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	events, err := repo.FetchDue(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ev-stale", events[0].EventID)
}

func TestOutboxRepository_DepthCountsPendingOnly(t *testing.T) {
	s := openTestStore(t)
	repo := NewOutboxRepository(s)
	ctx := context.Background()

	first := newOutboxEvent("ev-1")
	second := newOutboxEvent("ev-2")
	require.NoError(t, repo.Enqueue(ctx, first))
	require.NoError(t, repo.Enqueue(ctx, second))
	require.NoError(t, repo.MarkAck(ctx, second.ID))

	depth, err := repo.Depth(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}
