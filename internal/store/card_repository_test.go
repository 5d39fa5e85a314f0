package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltbot/ledgerd/internal/model"
)

func newCard(cardID, entityRef string) *model.InteractionCard {
	return &model.InteractionCard{
		CardID:          cardID,
		Kind:            model.CardKindReview,
		CallbackToken:   "token",
		RequiredRole:    "boss",
		LinkedEntityRef: entityRef,
		ExpiresAt:       time.Now().Add(time.Hour).UnixMilli(),
	}
}

func TestCardRepository_AdvanceIsMonotonic(t *testing.T) {
	s := openTestStore(t)
	repo := NewCardRepository(s)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newCard("c-1", "entry:1")))

	require.NoError(t, repo.Advance(ctx, "c-1", model.CardStatusClicked))
	require.NoError(t, repo.Advance(ctx, "c-1", model.CardStatusCompleted))

	// 终态不可回退也不可重复推进
	assert.ErrorIs(t, repo.Advance(ctx, "c-1", model.CardStatusClicked), ErrImmutableEntry)
	assert.ErrorIs(t, repo.Advance(ctx, "c-1", model.CardStatusCompleted), ErrImmutableEntry)
}

func TestCardRepository_ConsumeIsOneShot(t *testing.T) {
	s := openTestStore(t)
	repo := NewCardRepository(s)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newCard("c-2", "entry:2")))

	require.NoError(t, repo.Consume(ctx, "c-2"))
	assert.ErrorIs(t, repo.Consume(ctx, "c-2"), ErrCardConsumed)
}

func TestCardRepository_ReleaseReopensConsumption(t *testing.T) {
	s := openTestStore(t)
	repo := NewCardRepository(s)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newCard("c-7", "entry:7")))
	require.NoError(t, repo.Consume(ctx, "c-7"))
	assert.ErrorIs(t, repo.Consume(ctx, "c-7"), ErrCardConsumed)

	require.NoError(t, repo.Release(ctx, "c-7"))
	assert.NoError(t, repo.Consume(ctx, "c-7"))
}

func TestCardRepository_ReleaseSkipsClosedCard(t *testing.T) {
	s := openTestStore(t)
	repo := NewCardRepository(s)
	ctx := context.Background()

	require.NoError(t, repo.Create(ctx, newCard("c-8", "entry:8")))
	require.NoError(t, repo.Consume(ctx, "c-8"))
	require.NoError(t, repo.Advance(ctx, "c-8", model.CardStatusCompleted))

	// 已完成的卡片不回收，重复回调仍被拦截
	require.NoError(t, repo.Release(ctx, "c-8"))
	assert.ErrorIs(t, repo.Consume(ctx, "c-8"), ErrCardConsumed)
}

func TestCardRepository_ExpireStale(t *testing.T) {
	s := openTestStore(t)
	repo := NewCardRepository(s)
	ctx := context.Background()

	expired := newCard("c-3", "entry:3")
	expired.ExpiresAt = time.Now().Add(-time.Minute).UnixMilli()
	require.NoError(t, repo.Create(ctx, expired))

	alive := newCard("c-4", "entry:4")
	require.NoError(t, repo.Create(ctx, alive))

	n, err := repo.ExpireStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := repo.GetByCardID(ctx, "c-3")
	require.NoError(t, err)
	assert.Equal(t, model.CardStatusExpired, got.Status)

	got, err = repo.GetByCardID(ctx, "c-4")
	require.NoError(t, err)
	assert.Equal(t, model.CardStatusSent, got.Status)
}

func TestCardRepository_ListOpenByEntity(t *testing.T) {
	s := openTestStore(t)
	repo := NewCardRepository(s)
	ctx := context.Background()

	open := newCard("c-5", "pending:9")
	require.NoError(t, repo.Create(ctx, open))

	closed := newCard("c-6", "pending:9")
	require.NoError(t, repo.Create(ctx, closed))
	require.NoError(t, repo.Advance(ctx, "c-6", model.CardStatusCompleted))

	cards, err := repo.ListOpenByEntity(ctx, "pending:9")
	require.NoError(t, err)
	require.Len(t, cards, 1)
	assert.Equal(t, "c-5", cards[0].CardID)
}
