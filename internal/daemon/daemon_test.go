package daemon

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltbot/ledgerd/internal/config"
	"github.com/moltbot/ledgerd/internal/hub"
	"github.com/moltbot/ledgerd/internal/knowledge"
	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/internal/store"
	"github.com/moltbot/ledgerd/pkg/backoff"
)

func newTestMaster(t *testing.T) *Master {
	t.Helper()
	s := openDaemonStore(t)

	bridge := knowledge.NewBridge(store.NewRuleRepository(s),
		filepath.Join(t.TempDir(), "rules.yaml"))
	require.NoError(t, bridge.Load(context.Background()))

	h := hub.New(config.InteractionConfig{
		CardTTLS:      3600,
		ReplayWindowS: 60,
		HMACSecret:    "test-secret",
		OutboxPollS:   5,
	}, store.NewCardRepository(s), store.NewEntryRepository(s),
		store.NewPendingRepository(s), store.NewOutboxRepository(s), bridge)

	cfg := config.DaemonConfig{
		GraceShutdownS:  1,
		HealthTimeoutS:  2,
		ProbeTimeoutS:   1,
		BootTimeoutS:    5,
		HealthIntervalS: 1,
		MaxStrikes:      3,
		CheckpointS:     3600,
	}
	return NewMaster(cfg, s, store.NewHeartbeatRepository(s),
		store.NewEntryRepository(s), store.NewCardRepository(s),
		store.NewOutboxRepository(s), bridge, h)
}

func TestMaster_RestartBacksOffOutsideHealthLoop(t *testing.T) {
	m := newTestMaster(t)
	m.restart = backoff.Policy{Base: 200 * time.Millisecond, Max: 200 * time.Millisecond}
	ctx := context.Background()

	var boots atomic.Int32
	w := Worker{Name: "flappy", Run: func(ctx context.Context) error {
		boots.Add(1)
		<-ctx.Done()
		return ctx.Err()
	}}
	require.NoError(t, m.startWorker(ctx, w))
	require.Eventually(t, func() bool { return boots.Load() == 1 },
		time.Second, 10*time.Millisecond)

	m.mu.Lock()
	st := m.workers["flappy"]
	m.mu.Unlock()

	// 重启退避在后台进行，调用方立即返回
	begin := time.Now()
	m.restartWorker(ctx, st, model.WorkerStateStuck)
	assert.Less(t, time.Since(begin), 150*time.Millisecond)

	m.mu.Lock()
	assert.Equal(t, 1, st.strikes)
	m.mu.Unlock()

	// 冷却期内的巡检不叠加第二次重启
	m.checkAll(ctx)

	require.Eventually(t, func() bool { return boots.Load() == 2 },
		3*time.Second, 20*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(2), boots.Load())
}
