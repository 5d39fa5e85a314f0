package daemon

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/config"
	"github.com/moltbot/ledgerd/internal/hub"
	"github.com/moltbot/ledgerd/internal/knowledge"
	"github.com/moltbot/ledgerd/internal/metrics"
	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/internal/store"
	"github.com/moltbot/ledgerd/pkg/backoff"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// Worker 受管后台任务
// Run 阻塞执行到 ctx 取消；Probe 为可选活性探针，超时即判卡死
type Worker struct {
	Name  string
	Run   func(ctx context.Context) error
	Probe func(ctx context.Context) error
}

type workerState struct {
	worker  Worker
	cancel  context.CancelFunc
	done    chan struct{}
	strikes int
	// 退避冷却中，巡检跳过直到重启完成
	restarting bool
}

// Master 主守护进程：按序拉起 worker，心跳监督与故障重启
type Master struct {
	cfg        config.DaemonConfig
	ledger     *store.Store
	heartbeats *store.HeartbeatRepository
	entries    *store.EntryRepository
	cards      *store.CardRepository
	outbox     *store.OutboxRepository
	bridge     *knowledge.Bridge
	hub        *hub.Hub

	mu      sync.Mutex
	workers map[string]*workerState
	order   []string
	cron    *cron.Cron
	restart backoff.Policy
}

// NewMaster 创建主守护进程
func NewMaster(cfg config.DaemonConfig, ledger *store.Store, heartbeats *store.HeartbeatRepository, entries *store.EntryRepository, cards *store.CardRepository, outbox *store.OutboxRepository, bridge *knowledge.Bridge, h *hub.Hub) *Master {
	return &Master{
		cfg:        cfg,
		ledger:     ledger,
		heartbeats: heartbeats,
		entries:    entries,
		cards:      cards,
		outbox:     outbox,
		bridge:     bridge,
		hub:        h,
		workers:    make(map[string]*workerState),
		restart: backoff.Policy{
			Base:       time.Second,
			Max:        2 * time.Minute,
			MaxRetries: 0,
		},
	}
}

// Beat 返回指定 worker 的心跳刷新闭包，注入给各 worker
func (m *Master) Beat(workerName string) func(context.Context) {
	return func(ctx context.Context) {
		if err := m.heartbeats.Beat(ctx, workerName); err != nil {
			logger.Warn("heartbeat write failed",
				zap.String("worker", workerName), zap.Error(err))
		}
	}
}

// Start 按注册顺序拉起所有 worker，逐个等待首跳再放行下一个
// 依赖方向决定顺序：出口通道先行，采集入口最后
func (m *Master) Start(ctx context.Context, workers []Worker) error {
	for _, w := range workers {
		if err := m.startWorker(ctx, w); err != nil {
			return fmt.Errorf("boot worker %s: %w", w.Name, err)
		}
		if err := m.waitFirstBeat(ctx, w.Name); err != nil {
			return fmt.Errorf("worker %s never became alive: %w", w.Name, err)
		}
		logger.Info("worker started", zap.String("worker", w.Name))
	}

	m.startMaintenance()
	go m.healthLoop(ctx)
	return nil
}

// startWorker 在受监督的 goroutine 中运行 worker，panic 留快照
func (m *Master) startWorker(parent context.Context, w Worker) error {
	ctx, cancel := context.WithCancel(parent)
	st := &workerState{worker: w, cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	if prev, ok := m.workers[w.Name]; ok {
		st.strikes = prev.strikes
	} else {
		m.order = append(m.order, w.Name)
	}
	m.workers[w.Name] = st
	m.mu.Unlock()

	if err := m.heartbeats.Beat(ctx, w.Name); err != nil {
		cancel()
		return err
	}

	go func() {
		defer close(st.done)
		defer func() {
			if r := recover(); r != nil {
				snapshot := fmt.Sprintf("panic: %v\n%s", r, debug.Stack())
				logger.Error("worker panicked",
					zap.String("worker", w.Name), zap.Any("panic", r))
				_ = m.heartbeats.MarkState(context.Background(), w.Name,
					model.WorkerStateDead, snapshot)
			}
		}()
		if err := w.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("worker exited",
				zap.String("worker", w.Name), zap.Error(err))
			_ = m.heartbeats.MarkState(context.Background(), w.Name,
				model.WorkerStateDead, err.Error())
		}
	}()
	return nil
}

// waitFirstBeat 等待 worker 的首个心跳，超时判启动失败
func (m *Master) waitFirstBeat(ctx context.Context, name string) error {
	deadline := time.Now().Add(time.Duration(m.cfg.BootTimeoutS) * time.Second)
	for time.Now().Before(deadline) {
		hb, err := m.heartbeats.Get(ctx, name)
		if err == nil && hb.State == model.WorkerStateAlive {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
	return fmt.Errorf("no heartbeat within %ds", m.cfg.BootTimeoutS)
}

// healthLoop 周期巡检：goroutine 存活、心跳新鲜度、活性探针三重判定
func (m *Master) healthLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(m.cfg.HealthIntervalS) * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkAll(ctx)
		}
	}
}

func (m *Master) checkAll(ctx context.Context) {
	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, name := range names {
		m.mu.Lock()
		st := m.workers[name]
		restarting := st != nil && st.restarting
		m.mu.Unlock()
		if st == nil || restarting || st.strikes >= m.cfg.MaxStrikes {
			continue
		}

		verdict := m.judge(ctx, st)
		if verdict == model.WorkerStateAlive {
			if st.strikes > 0 {
				st.strikes = 0
				_ = m.heartbeats.ResetRestarts(ctx, name)
			}
			continue
		}

		logger.Warn("worker unhealthy",
			zap.String("worker", name),
			zap.String("verdict", string(verdict)),
			zap.Int("strikes", st.strikes+1))
		m.restartWorker(ctx, st, verdict)
	}
}

// judge 三重健康判定
// goroutine 已退出为 DEAD，心跳过期或探针超时为 STUCK
func (m *Master) judge(ctx context.Context, st *workerState) model.WorkerState {
	select {
	case <-st.done:
		return model.WorkerStateDead
	default:
	}

	hb, err := m.heartbeats.Get(ctx, st.worker.Name)
	if err != nil {
		return model.WorkerStateStuck
	}
	staleBefore := time.Now().Add(-time.Duration(m.cfg.HealthTimeoutS) * time.Second).UnixMilli()
	if hb.LastBeatAt < staleBefore {
		if st.worker.Probe != nil {
			probeCtx, cancel := context.WithTimeout(ctx,
				time.Duration(m.cfg.ProbeTimeoutS)*time.Second)
			defer cancel()
			if st.worker.Probe(probeCtx) == nil {
				return model.WorkerStateAlive
			}
		}
		return model.WorkerStateStuck
	}
	return model.WorkerStateAlive
}

// restartWorker 取消旧 goroutine 后带退避重启，累计三振熔断隔离
func (m *Master) restartWorker(ctx context.Context, st *workerState, verdict model.WorkerState) {
	name := st.worker.Name
	_ = m.heartbeats.MarkState(ctx, name, verdict, "")

	st.cancel()
	select {
	case <-st.done:
	case <-time.After(time.Duration(m.cfg.GraceShutdownS) * time.Second):
		logger.Warn("worker did not stop within grace period", zap.String("worker", name))
	}

	st.strikes++
	if st.strikes >= m.cfg.MaxStrikes {
		_ = m.heartbeats.MarkState(ctx, name, model.WorkerStateQuarantined,
			fmt.Sprintf("quarantined after %d strikes", st.strikes))
		if err := m.hub.EnqueueCritical(ctx, "worker 隔离",
			fmt.Sprintf("worker %s 连续 %d 次异常已停止拉起，需人工介入", name, st.strikes)); err != nil {
			logger.Error("enqueue quarantine alert failed", zap.Error(err))
		}
		return
	}

	// 退避等待放到独立 goroutine，冷却中的 worker 不拖住其它巡检
	m.mu.Lock()
	st.restarting = true
	m.mu.Unlock()
	delay := m.restart.Next(st.strikes - 1)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		if _, err := m.heartbeats.IncrRestarts(ctx, name); err != nil {
			logger.Warn("restart counter update failed", zap.Error(err))
		}
		metrics.WorkerRestarts.WithLabelValues(name).Inc()

		if err := m.startWorker(ctx, st.worker); err != nil {
			logger.Error("worker restart failed",
				zap.String("worker", name), zap.Error(err))
		}
	}()
}

// startMaintenance 注册周期维护任务
func (m *Master) startMaintenance() {
	m.cron = cron.New()
	bg := context.Background()

	m.cron.Schedule(cron.Every(time.Duration(m.cfg.CheckpointS)*time.Second),
		cron.FuncJob(func() {
			if err := m.ledger.Checkpoint(bg); err != nil {
				logger.Warn("wal checkpoint failed", zap.Error(err))
			}
		}))

	m.cron.Schedule(cron.Every(5*time.Minute), cron.FuncJob(func() {
		if n, err := m.entries.CleanOrphanLocks(bg, 5*time.Minute); err != nil {
			logger.Warn("orphan lock cleanup failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("orphan locks released", zap.Int64("count", n))
		}
	}))

	m.cron.Schedule(cron.Every(10*time.Minute), cron.FuncJob(func() {
		if n, err := m.outbox.RecoverStaleSent(bg, 10*time.Minute); err != nil {
			logger.Warn("stale outbox recovery failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("stale sent events requeued", zap.Int64("count", n))
		}
	}))

	m.cron.Schedule(cron.Every(time.Hour), cron.FuncJob(func() {
		if n, err := m.cards.ExpireStale(bg); err != nil {
			logger.Warn("card expiry sweep failed", zap.Error(err))
		} else if n > 0 {
			logger.Info("stale cards expired", zap.Int64("count", n))
		}
	}))

	// 滑动窗口链校验，兜住对账引擎抽样漏过的段
	m.cron.Schedule(cron.Every(time.Hour), cron.FuncJob(func() {
		maxID, err := m.entries.MaxID(bg)
		if err != nil || maxID == 0 {
			return
		}
		from := maxID - 1000
		if from < 1 {
			from = 1
		}
		badID, err := m.entries.VerifyChain(bg, from, maxID)
		if err != nil {
			logger.Warn("chain verification failed", zap.Error(err))
			return
		}
		if badID > 0 {
			metrics.ChainVerifyFailures.Inc()
			m.ledger.MarkChainBroken(badID)
			_ = m.hub.EnqueueCritical(bg, "账本哈希链断裂",
				fmt.Sprintf("entry %d 校验失败，账本已封禁追加", badID))
		}
	}))

	// 每日凌晨：统计刷新、快照、规则蒸馏与 YAML 回写、积压清理
	_, _ = m.cron.AddFunc("0 3 * * *", func() {
		if err := m.ledger.Analyze(bg); err != nil {
			logger.Warn("analyze failed", zap.Error(err))
		}
		if snap, err := m.ledger.CreateSnapshot(bg, "daily"); err != nil {
			logger.Error("daily snapshot failed", zap.Error(err))
		} else {
			logger.Info("daily snapshot created",
				zap.String("snapshot_id", snap.SnapshotID),
				zap.Int64("size_bytes", snap.SizeBytes))
		}
		if removed, err := m.bridge.Distill(bg); err != nil {
			logger.Warn("rule distillation failed", zap.Error(err))
		} else if removed > 0 {
			logger.Info("rules distilled", zap.Int("removed", removed))
		}
		if err := m.bridge.SyncYAML(bg); err != nil {
			logger.Warn("rule yaml sync failed", zap.Error(err))
		}
		before := time.Now().Add(-7 * 24 * time.Hour).UnixMilli()
		if _, err := m.outbox.CleanAcked(bg, before); err != nil {
			logger.Warn("acked outbox cleanup failed", zap.Error(err))
		}
	})

	m.cron.Start()
}

// Reload 配置热加载的空闲点：刷新知识库快照
// 采集与审计循环在下一轮迭代自然读到新规则
func (m *Master) Reload(ctx context.Context) error {
	if err := m.bridge.Load(ctx); err != nil {
		return fmt.Errorf("reload knowledge: %w", err)
	}
	logger.Info("configuration reloaded", zap.Int("pid", os.Getpid()))
	return nil
}

// Shutdown 逆序停止 worker，超时强杀并留快照
func (m *Master) Shutdown(ctx context.Context) {
	if m.cron != nil {
		stopped := m.cron.Stop()
		<-stopped.Done()
	}

	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	grace := time.Duration(m.cfg.GraceShutdownS) * time.Second
	for i := len(names) - 1; i >= 0; i-- {
		m.mu.Lock()
		st := m.workers[names[i]]
		m.mu.Unlock()
		if st == nil {
			continue
		}
		st.cancel()
		select {
		case <-st.done:
			logger.Info("worker stopped", zap.String("worker", names[i]))
		case <-time.After(grace):
			_ = m.heartbeats.MarkState(ctx, names[i], model.WorkerStateDead,
				"killed: shutdown grace exceeded")
			logger.Warn("worker killed after grace period", zap.String("worker", names[i]))
		}
	}

	if err := m.ledger.Checkpoint(ctx); err != nil {
		logger.Warn("final checkpoint failed", zap.Error(err))
	}
}
