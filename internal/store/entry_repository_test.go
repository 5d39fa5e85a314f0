package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltbot/ledgerd/internal/model"
)

func newEntry(traceID string, amount float64, vendor string) *model.LedgerEntry {
	return &model.LedgerEntry{
		TraceID:    traceID,
		Amount:     decimal.NewFromFloat(amount),
		Currency:   "CNY",
		Vendor:     vendor,
		Category:   "6601",
		OccurredAt: time.Now().UnixMilli(),
		Status:     model.EntryStatusProposed,
	}
}

func TestEntryRepository_AppendBuildsChain(t *testing.T) {
	s := openTestStore(t)
	repo := NewEntryRepository(s)
	ctx := context.Background()

	first := newEntry("t-1", 100, "滴滴出行")
	require.NoError(t, repo.Append(ctx, first))
	assert.Empty(t, first.PrevHash)
	assert.NotEmpty(t, first.ChainHash)

	second := newEntry("t-2", 200, "阿里云")
	require.NoError(t, repo.Append(ctx, second))
	assert.Equal(t, first.ChainHash, second.PrevHash)
	assert.Equal(t, second.ComputeChainHash(first.ChainHash), second.ChainHash)

	badID, err := repo.VerifyChain(ctx, 1, 0)
	require.NoError(t, err)
	assert.Zero(t, badID)
}

func TestEntryRepository_AppendDuplicateTraceIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	repo := NewEntryRepository(s)
	ctx := context.Background()

	original := newEntry("t-dup", 50, "京东")
	require.NoError(t, repo.Append(ctx, original))

	replay := newEntry("t-dup", 50, "京东")
	err := repo.Append(ctx, replay)
	assert.ErrorIs(t, err, ErrDuplicateTrace)
	// 回填已存在的行，调用方拿到同一个主键
	assert.Equal(t, original.ID, replay.ID)

	count, err := repo.CountByStatus(ctx, model.EntryStatusProposed)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestEntryRepository_AppendRefusedWhenChainBroken(t *testing.T) {
	s := openTestStore(t)
	repo := NewEntryRepository(s)
	ctx := context.Background()

	s.MarkChainBroken(1)
	err := repo.Append(ctx, newEntry("t-blocked", 10, "美团"))
	assert.ErrorIs(t, err, ErrChainViolation)

	s.ResumeAppends()
	assert.NoError(t, repo.Append(ctx, newEntry("t-blocked", 10, "美团")))
}

func TestEntryRepository_VerifyChainDetectsTampering(t *testing.T) {
	s := openTestStore(t)
	repo := NewEntryRepository(s)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Append(ctx, newEntry(fmt.Sprintf("t-%d", i), float64(i+1)*10, "供应商")))
	}

	// 绕过仓储直接篡改金额
	require.NoError(t, s.db.Exec("UPDATE ledger_entries SET amount = 999 WHERE id = 3").Error)

	badID, err := repo.VerifyChain(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), badID)

	// 从篡改点之后校验也能发现断裂
	badID, err = repo.VerifyChain(ctx, 3, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(3), badID)
}

func TestEntryRepository_UpdateStatusGuardsTerminal(t *testing.T) {
	s := openTestStore(t)
	repo := NewEntryRepository(s)
	ctx := context.Background()

	entry := newEntry("t-status", 80, "携程")
	require.NoError(t, repo.Append(ctx, entry))

	require.NoError(t, repo.UpdateStatus(ctx, entry.ID,
		model.EntryStatusProposed, model.EntryStatusPosted, nil))

	err := repo.UpdateStatus(ctx, entry.ID,
		model.EntryStatusPosted, model.EntryStatusProposed, nil)
	assert.ErrorIs(t, err, ErrImmutableEntry)
}

func TestEntryRepository_LockContentionAndTakeover(t *testing.T) {
	s := openTestStore(t)
	repo := NewEntryRepository(s)
	ctx := context.Background()

	entry := newEntry("t-lock", 30, "顺丰")
	require.NoError(t, repo.Append(ctx, entry))

	require.NoError(t, repo.Lock(ctx, entry.ID, "auditor-1"))
	assert.ErrorIs(t, repo.Lock(ctx, entry.ID, "auditor-2"), ErrLocked)

	// 同一持有者重入不报错
	require.NoError(t, repo.Lock(ctx, entry.ID, "auditor-1"))

	// 锁超时 (配置 1s) 后其他持有者可接管
	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, repo.Lock(ctx, entry.ID, "auditor-2"))

	// 原持有者此时解锁无效
	assert.ErrorIs(t, repo.Unlock(ctx, entry.ID, "auditor-1",
		model.EntryStatusAudited, nil), ErrLocked)
	require.NoError(t, repo.Unlock(ctx, entry.ID, "auditor-2",
		model.EntryStatusAudited, nil))
}

func TestEntryRepository_RevertCreatesOffsetEntry(t *testing.T) {
	s := openTestStore(t)
	repo := NewEntryRepository(s)
	ctx := context.Background()

	entry := newEntry("t-revert", 120, "电信")
	require.NoError(t, repo.Append(ctx, entry))
	require.NoError(t, repo.UpdateStatus(ctx, entry.ID,
		model.EntryStatusProposed, model.EntryStatusPosted, nil))

	reversal, err := repo.Revert(ctx, entry.ID, "t-revert-r1", "口径错误")
	require.NoError(t, err)
	assert.True(t, reversal.Amount.Equal(entry.Amount.Neg()))
	assert.Equal(t, entry.ID, reversal.RevertOf)

	original, err := repo.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EntryStatusReverted, original.Status)

	// 红冲行仍然接在链上
	badID, err := repo.VerifyChain(ctx, 1, 0)
	require.NoError(t, err)
	assert.Zero(t, badID)

	// 已红冲的行不能二次红冲
	_, err = repo.Revert(ctx, entry.ID, "t-revert-r2", "再次红冲")
	assert.ErrorIs(t, err, ErrImmutableEntry)
}

func TestEntryRepository_ListMatchCandidates(t *testing.T) {
	s := openTestStore(t)
	repo := NewEntryRepository(s)
	ctx := context.Background()

	now := time.Now().UnixMilli()
	in := newEntry("t-m1", 100, "滴滴")
	in.OccurredAt = now
	require.NoError(t, repo.Append(ctx, in))
	require.NoError(t, repo.UpdateStatus(ctx, in.ID,
		model.EntryStatusProposed, model.EntryStatusPosted, nil))

	outOfWindow := newEntry("t-m2", 100, "滴滴")
	outOfWindow.OccurredAt = now - 30*24*3600*1000
	require.NoError(t, repo.Append(ctx, outOfWindow))
	require.NoError(t, repo.UpdateStatus(ctx, outOfWindow.ID,
		model.EntryStatusProposed, model.EntryStatusPosted, nil))

	notPosted := newEntry("t-m3", 100, "滴滴")
	notPosted.OccurredAt = now
	require.NoError(t, repo.Append(ctx, notPosted))

	low := decimal.NewFromFloat(99.99)
	high := decimal.NewFromFloat(100.01)
	got, err := repo.ListMatchCandidates(ctx, low, high,
		now-7*24*3600*1000, now+7*24*3600*1000)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, in.ID, got[0].ID)
}

func TestEntryRepository_ListActiveAmounts(t *testing.T) {
	s := openTestStore(t)
	repo := NewEntryRepository(s)
	ctx := context.Background()

	e := newEntry("t-cents", -58.5, "罗森")
	require.NoError(t, repo.Append(ctx, e))
	require.NoError(t, repo.UpdateStatus(ctx, e.ID,
		model.EntryStatusProposed, model.EntryStatusPosted, nil))

	cents, err := repo.ListActiveAmounts(ctx)
	require.NoError(t, err)
	assert.Contains(t, cents, int64(5850))
}
