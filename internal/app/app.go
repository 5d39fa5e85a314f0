// Package app 负责守护进程的有序装配与退出
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/moltbot/ledgerd/internal/accounting"
	"github.com/moltbot/ledgerd/internal/auditor"
	"github.com/moltbot/ledgerd/internal/collector"
	"github.com/moltbot/ledgerd/internal/config"
	"github.com/moltbot/ledgerd/internal/daemon"
	"github.com/moltbot/ledgerd/internal/egress"
	"github.com/moltbot/ledgerd/internal/hub"
	"github.com/moltbot/ledgerd/internal/knowledge"
	"github.com/moltbot/ledgerd/internal/match"
	"github.com/moltbot/ledgerd/internal/privacy"
	"github.com/moltbot/ledgerd/internal/store"
	"github.com/moltbot/ledgerd/pkg/circuitbreaker"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// App 装配完成的守护进程
type App struct {
	cfg     *config.Config
	ledger  *store.Store
	master  *daemon.Master
	server  *hub.Server
	workers []daemon.Worker
}

// New 按依赖顺序装配：配置 → 日志 → 存储 → 知识库 → 代理 → 交互
func New(configPath string) (*App, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if err := logger.Init(&logger.Config{
		Level:       cfg.Log.Level,
		Format:      cfg.Log.Format,
		ServiceName: cfg.Service.Name,
		File:        cfg.Log.File,
		MaxSizeMB:   cfg.Log.MaxSizeMB,
		MaxBackups:  cfg.Log.MaxBackups,
	}); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	// 脱敏先于一切出口生效，日志也不例外
	guard := privacy.NewGuard(cfg.Privacy.Keywords)
	logger.SetRedactor(guard.Sanitize)

	ledger, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("open ledger store: %w", err)
	}

	entries := store.NewEntryRepository(ledger)
	pendings := store.NewPendingRepository(ledger)
	rules := store.NewRuleRepository(ledger)
	cards := store.NewCardRepository(ledger)
	outbox := store.NewOutboxRepository(ledger)
	files := store.NewFileRepository(ledger)
	heartbeats := store.NewHeartbeatRepository(ledger)
	budgets := store.NewBudgetRepository(ledger)

	bridge := knowledge.NewBridge(rules, cfg.Accounting.RuleFile)
	bootCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := bridge.Load(bootCtx); err != nil {
		return nil, fmt.Errorf("load knowledge bridge: %w", err)
	}

	budget, err := egress.NewBudgetManager(bootCtx, budgets,
		cfg.Accounting.TokenBudget.Daily, cfg.Accounting.TokenBudget.Monthly)
	if err != nil {
		return nil, fmt.Errorf("init token budget: %w", err)
	}
	breaker := circuitbreaker.New(&circuitbreaker.Config{
		FailureThreshold: cfg.Accounting.Circuit.FailureThreshold,
		Window:           time.Duration(cfg.Accounting.Circuit.WindowS) * time.Second,
		Cooldown:         time.Duration(cfg.Accounting.Circuit.CooldownS) * time.Second,
		SuccessThreshold: cfg.Accounting.Circuit.SuccessThreshold,
	})
	proxy := egress.NewProxy(cfg.Egress, cfg.Egress.BaseURL, guard, budget, breaker,
		time.Duration(cfg.Accounting.Cache.TTLSeconds)*time.Second,
		cfg.Accounting.Cache.MaxEntries)

	l1 := accounting.NewL1Engine()
	l2 := accounting.NewL2Reasoner(cfg.Accounting.L2, proxy, entries, bridge.Rules)
	agent := accounting.NewAgent(cfg.Accounting, l1, l2, bridge)
	aud := auditor.New(cfg.Audit, entries, bridge, "auditor")

	interactionHub := hub.New(cfg.Interaction, cards, entries, pendings, outbox, bridge)
	server := hub.NewServer(interactionHub, entries, cfg.Service.HTTPPort)
	outboxWorker := hub.NewOutboxWorker(cfg.Interaction, outbox)

	coll := collector.New(cfg.Collector, files, pendings)
	pipeline := daemon.NewPipeline(coll.Documents(), agent, aud, ledger, entries, interactionHub)
	matcher := match.NewEngine(cfg.Match, ledger, entries, pendings, interactionHub)

	master := daemon.NewMaster(cfg.Daemon, ledger, heartbeats, entries, cards, outbox,
		bridge, interactionHub)

	outboxWorker.SetHeartbeat(master.Beat("outbox"))
	pipeline.SetHeartbeat(master.Beat("pipeline"))
	matcher.SetHeartbeat(master.Beat("match"))
	coll.SetHeartbeat(master.Beat("collector"))

	// 出口通道先行，采集入口最后，保证单据进来时下游已就绪
	app := &App{cfg: cfg, ledger: ledger, master: master, server: server}
	app.workers = []daemon.Worker{
		{Name: "http", Run: server.Run, Probe: probeHealthz(cfg.Service.HTTPPort)},
		{Name: "outbox", Run: outboxWorker.Run, Probe: outboxWorker.Probe},
		{Name: "pipeline", Run: pipeline.Run, Probe: pipeline.Probe},
		{Name: "match", Run: matcher.Run, Probe: matcher.Probe},
		{Name: "collector", Run: coll.Run, Probe: coll.Probe},
	}
	return app, nil
}

// probeHealthz HTTP worker 的活性探针
func probeHealthz(port int) func(ctx context.Context) error {
	url := fmt.Sprintf("http://127.0.0.1:%d/healthz", port)
	client := &http.Client{}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("healthz status %d", resp.StatusCode)
		}
		return nil
	}
}

// Run 启动全部 worker 并阻塞到 ctx 取消
func (a *App) Run(ctx context.Context) error {
	logger.Info("ledgerd starting",
		zap.String("service", a.cfg.Service.Name),
		zap.String("env", a.cfg.Service.Env),
		zap.Int("http_port", a.cfg.Service.HTTPPort))

	if err := a.master.Start(ctx, a.workers); err != nil {
		return err
	}

	<-ctx.Done()
	return ctx.Err()
}

// Reload SIGHUP 触发的热加载
func (a *App) Reload(ctx context.Context) error {
	return a.master.Reload(ctx)
}

// Shutdown 有序退出：逆序停 worker，落盘后关库
func (a *App) Shutdown(ctx context.Context) {
	a.master.Shutdown(ctx)
	if err := a.ledger.Close(); err != nil {
		logger.Warn("close ledger store failed", zap.Error(err))
	}
	_ = logger.Sync()
	logger.Info("ledgerd stopped")
}
