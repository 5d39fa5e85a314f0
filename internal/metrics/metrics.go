// Package metrics 暴露守护进程的 Prometheus 指标
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EntriesTotal 按最终状态统计的流水数
	EntriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerd",
		Name:      "entries_total",
		Help:      "Ledger entries by audit outcome.",
	}, []string{"status"})

	// FilesTotal 采集文件数
	FilesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerd",
		Name:      "files_total",
		Help:      "Collected files by result.",
	}, []string{"result"})

	// L2CallsTotal 深度推理调用数
	L2CallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerd",
		Name:      "l2_calls_total",
		Help:      "External inference calls by result.",
	}, []string{"result"})

	// TokensUsedTotal 令牌消耗
	TokensUsedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgerd",
		Name:      "tokens_used_total",
		Help:      "LLM tokens consumed.",
	})

	// MatchTotal 对账结果分布
	MatchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerd",
		Name:      "match_total",
		Help:      "Reconciliation outcomes by score band.",
	}, []string{"band"})

	// CardsTotal 卡片推送数
	CardsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerd",
		Name:      "cards_total",
		Help:      "Interaction cards by kind.",
	}, []string{"kind"})

	// OutboxDepth 外发积压深度
	OutboxDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "ledgerd",
		Name:      "outbox_depth",
		Help:      "Pending outbox events.",
	})

	// ChainVerifyFailures 哈希链校验失败数
	ChainVerifyFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "ledgerd",
		Name:      "chain_verify_failures_total",
		Help:      "Hash chain verification failures.",
	})

	// WorkerRestarts worker 重启数
	WorkerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerd",
		Name:      "worker_restarts_total",
		Help:      "Supervised worker restarts.",
	}, []string{"worker"})

	// RedactionsTotal 脱敏命中数
	RedactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ledgerd",
		Name:      "redactions_total",
		Help:      "Privacy redactions by category.",
	}, []string{"category"})
)
