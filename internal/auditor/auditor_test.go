package auditor

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltbot/ledgerd/internal/config"
	"github.com/moltbot/ledgerd/internal/knowledge"
	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/internal/store"
)

func defaultAuditConfig() config.AuditConfig {
	return config.AuditConfig{
		Strategy:             StrategyBalanced,
		AmountTier1:          "10000",
		RedLines:             []string{"娱乐", "赌"},
		MaxCategoryDeviation: "0.6",
		MaxPriceDeviation:    "3.0",
	}
}

func setupAuditor(t *testing.T, cfg config.AuditConfig) (*Auditor, *store.EntryRepository, *knowledge.Bridge) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(config.StoreConfig{
		Path:          filepath.Join(dir, "ledger.db"),
		BusyTimeoutMS: 5000,
		SyncMode:      "NORMAL",
		CacheMB:       4,
		LockTimeoutS:  300,
		MaxRetries:    3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	entries := store.NewEntryRepository(s)
	bridge := knowledge.NewBridge(store.NewRuleRepository(s), filepath.Join(dir, "rules.yaml"))
	require.NoError(t, bridge.Load(context.Background()))

	return New(cfg, entries, bridge, "auditor-test"), entries, bridge
}

var traceSeq int

func appendEntry(t *testing.T, entries *store.EntryRepository, vendor, category string, amount float64, status model.EntryStatus) *model.LedgerEntry {
	t.Helper()
	traceSeq++
	entry := &model.LedgerEntry{
		TraceID:    fmt.Sprintf("t-audit-%d", traceSeq),
		Amount:     decimal.NewFromFloat(amount),
		Currency:   "CNY",
		Vendor:     vendor,
		Category:   category,
		OccurredAt: time.Now().UnixMilli(),
		Status:     status,
	}
	require.NoError(t, entries.Append(context.Background(), entry))
	return entry
}

func TestAuditor_RedLineShortCircuitsToRejected(t *testing.T) {
	a, entries, _ := setupAuditor(t, defaultAuditConfig())
	ctx := context.Background()

	entry := appendEntry(t, entries, "某娱乐会所", "6601", -500, model.EntryStatusProposed)
	decision, err := a.Audit(ctx, entry, &Input{Entry: entry, Confidence: 0.95})
	require.NoError(t, err)

	assert.Equal(t, model.EntryStatusRejected, decision.Outcome)
	assert.Contains(t, decision.Reason, "red line")

	got, err := entries.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EntryStatusRejected, got.Status)
	assert.NotEmpty(t, got.RevertReason)
}

func TestAuditor_ConsensusApproves(t *testing.T) {
	a, entries, _ := setupAuditor(t, defaultAuditConfig())
	ctx := context.Background()

	entry := appendEntry(t, entries, "滴滴出行科技有限公司", "6601-03", -58.5, model.EntryStatusProposed)
	decision, err := a.Audit(ctx, entry, &Input{Entry: entry, Confidence: 0.95})
	require.NoError(t, err)

	assert.Equal(t, model.EntryStatusAudited, decision.Outcome)
	assert.Len(t, decision.Verdicts, 3)

	got, err := entries.GetByID(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, model.EntryStatusAudited, got.Status)
	assert.Empty(t, got.LockOwner)
}

func TestAuditor_DegradedGoesToNeedsReview(t *testing.T) {
	a, entries, _ := setupAuditor(t, defaultAuditConfig())
	ctx := context.Background()

	entry := appendEntry(t, entries, "滴滴出行科技有限公司", "6601-03", -58.5, model.EntryStatusProposed)
	decision, err := a.Audit(ctx, entry, &Input{Entry: entry, Confidence: 0.5, Degraded: true})
	require.NoError(t, err)

	assert.Equal(t, model.EntryStatusNeedsReview, decision.Outcome)
	assert.Contains(t, decision.Reason, "degraded")
}

func TestAuditor_LockContentionSkips(t *testing.T) {
	a, entries, _ := setupAuditor(t, defaultAuditConfig())
	ctx := context.Background()

	entry := appendEntry(t, entries, "滴滴出行科技有限公司", "6601-03", -58.5, model.EntryStatusProposed)
	require.NoError(t, entries.Lock(ctx, entry.ID, "other-worker"))

	_, err := a.Audit(ctx, entry, &Input{Entry: entry, Confidence: 0.95})
	assert.ErrorIs(t, err, store.ErrLocked)
}

func TestAuditor_StrategyControlsRequiredPasses(t *testing.T) {
	ctx := context.Background()

	// 税务裁判对"差旅费挂软件供应商"投反对票，共识票数 2/3
	run := func(strategy string) *Decision {
		cfg := defaultAuditConfig()
		cfg.Strategy = strategy
		a, entries, _ := setupAuditor(t, cfg)
		entry := appendEntry(t, entries, "某某软件公司", "6601-01", -300, model.EntryStatusProposed)
		decision, err := a.Audit(ctx, entry, &Input{Entry: entry, Confidence: 0.95})
		require.NoError(t, err)
		return decision
	}

	assert.Equal(t, model.EntryStatusNeedsReview, run(StrategyStrict).Outcome)
	assert.Equal(t, model.EntryStatusAudited, run(StrategyBalanced).Outcome)
	assert.Equal(t, model.EntryStatusAudited, run(StrategyGrowth).Outcome)
}

func TestAuditor_HistoryDeviationEscalates(t *testing.T) {
	a, entries, _ := setupAuditor(t, defaultAuditConfig())
	ctx := context.Background()

	// 历史上华为一直是 6602-01 百元级，本笔换科目且金额放大十倍
	for i := 0; i < 3; i++ {
		appendEntry(t, entries, "华为技术有限公司", "6602-01", -100, model.EntryStatusPosted)
	}
	entry := appendEntry(t, entries, "华为技术有限公司", "6602-02", -1000, model.EntryStatusProposed)

	decision, err := a.Audit(ctx, entry, &Input{Entry: entry, Confidence: 0.95})
	require.NoError(t, err)

	assert.Equal(t, model.EntryStatusNeedsReview, decision.Outcome)
	assert.GreaterOrEqual(t, decision.RiskPoints, 3)
	require.NotNil(t, decision.History)
	assert.Equal(t, 3, decision.History.Samples)
	assert.Zero(t, decision.History.CategoryShare)
}

func TestAuditor_MildPriceDriftPostsWithRiskMark(t *testing.T) {
	a, entries, _ := setupAuditor(t, defaultAuditConfig())
	ctx := context.Background()

	// 科目一致，金额两倍于历史均价，只挂风险标记不打断入账
	for i := 0; i < 3; i++ {
		appendEntry(t, entries, "顺丰速运", "6602-03", -100, model.EntryStatusPosted)
	}
	entry := appendEntry(t, entries, "顺丰速运", "6602-03", -200, model.EntryStatusProposed)

	decision, err := a.Audit(ctx, entry, &Input{Entry: entry, Confidence: 0.95})
	require.NoError(t, err)

	assert.Equal(t, model.EntryStatusRisk, decision.Outcome)
	assert.Equal(t, 1, decision.RiskPoints)
}

func TestAuditor_ApprovalFeedsRuleLifecycle(t *testing.T) {
	a, entries, bridge := setupAuditor(t, defaultAuditConfig())
	ctx := context.Background()

	rule, err := bridge.Learn(ctx, "滴滴出行", "6601-03", model.RuleSourceL2)
	require.NoError(t, err)

	entry := appendEntry(t, entries, "滴滴出行科技有限公司", "6601-03", -58.5, model.EntryStatusProposed)
	entry.InferenceLog = model.InferenceLog{RuleID: rule.RuleID, Engine: "L1", Confidence: 0.95}

	decision, err := a.Audit(ctx, entry, &Input{Entry: entry, Confidence: 0.95})
	require.NoError(t, err)
	require.Equal(t, model.EntryStatusAudited, decision.Outcome)

	var got *model.Rule
	for _, r := range bridge.Rules() {
		if r.RuleID == rule.RuleID {
			got = r
		}
	}
	require.NotNil(t, got)
	assert.Equal(t, 1, got.ConsecutiveSuccess)
}

func TestFinanceJudge_TierEscalation(t *testing.T) {
	j := &financeJudge{tier1: decimal.NewFromInt(10000)}
	ctx := context.Background()

	in := func(amount float64, confidence float64, degraded bool) *Input {
		return &Input{
			Entry:      &model.LedgerEntry{Amount: decimal.NewFromFloat(amount)},
			Confidence: confidence,
			Degraded:   degraded,
		}
	}

	assert.True(t, j.Judge(ctx, in(-5000, 0.5, false)).Pass)
	assert.True(t, j.Judge(ctx, in(-20000, 0.95, false)).Pass)
	assert.False(t, j.Judge(ctx, in(-20000, 0.95, true)).Pass)
	assert.False(t, j.Judge(ctx, in(-20000, 0.6, false)).Pass)
	assert.False(t, j.Judge(ctx, in(-200000, 0.99, false)).Pass)
}

func TestTaxJudge_CategoryPlausibility(t *testing.T) {
	j := &taxJudge{}
	ctx := context.Background()

	malformed := j.Judge(ctx, &Input{Entry: &model.LedgerEntry{Vendor: "滴滴", Category: "报销"}})
	assert.False(t, malformed.Pass)
	assert.True(t, malformed.Critical)

	implausible := j.Judge(ctx, &Input{Entry: &model.LedgerEntry{Vendor: "某云计算公司", Category: "6601-01"}})
	assert.False(t, implausible.Pass)
	assert.False(t, implausible.Critical)

	ok := j.Judge(ctx, &Input{Entry: &model.LedgerEntry{Vendor: "滴滴出行", Category: "6601-03"}})
	assert.True(t, ok.Pass)
}
