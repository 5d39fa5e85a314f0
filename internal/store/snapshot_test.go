package store

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltbot/ledgerd/internal/model"
)

func TestStore_SnapshotAndRollback(t *testing.T) {
	s := openTestStore(t)
	repo := NewEntryRepository(s)
	ctx := context.Background()

	require.NoError(t, repo.Append(ctx, newEntry("t-snap-1", 100, "滴滴")))

	snap, err := s.CreateSnapshot(ctx, "before tampering")
	require.NoError(t, err)
	assert.Greater(t, snap.SizeBytes, int64(0))
	_, err = os.Stat(snap.Path)
	require.NoError(t, err)

	// 快照后追加的行在回滚后消失
	require.NoError(t, repo.Append(ctx, newEntry("t-snap-2", 200, "美团")))
	s.MarkChainBroken(2)

	require.NoError(t, s.RollbackTo(ctx, snap.SnapshotID))
	assert.False(t, s.RefuseAppends())

	repo = NewEntryRepository(s)
	_, err = repo.GetByTraceID(ctx, "t-snap-2")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = repo.GetByTraceID(ctx, "t-snap-1")
	assert.NoError(t, err)

	// 回滚后可以继续追加且链自洽
	require.NoError(t, repo.Append(ctx, newEntry("t-snap-3", 300, "京东")))
	badID, err := repo.VerifyChain(ctx, 1, 0)
	require.NoError(t, err)
	assert.Zero(t, badID)
}

func TestStore_RollbackToMissingSnapshot(t *testing.T) {
	s := openTestStore(t)
	err := s.RollbackTo(context.Background(), "sn-does-not-exist")
	assert.ErrorIs(t, err, ErrSnapshotNotFound)
}

func TestStore_ListSnapshots(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateSnapshot(ctx, "first")
	require.NoError(t, err)
	_, err = s.CreateSnapshot(ctx, "second")
	require.NoError(t, err)

	snaps, err := s.ListSnapshots(ctx, 10)
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	for _, snap := range snaps {
		var persisted model.Snapshot
		require.NoError(t, s.db.Where("snapshot_id = ?", snap.SnapshotID).First(&persisted).Error)
	}
}
