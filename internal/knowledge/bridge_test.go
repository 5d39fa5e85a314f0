package knowledge

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moltbot/ledgerd/internal/config"
	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/internal/store"
)

func setupBridge(t *testing.T) (*Bridge, *store.RuleRepository, string) {
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

	repo := store.NewRuleRepository(s)
	yamlPath := filepath.Join(dir, "rules.yaml")
	b := NewBridge(repo, yamlPath)
	require.NoError(t, b.Load(context.Background()))
	return b, repo, yamlPath
}

func findRule(rules []*model.Rule, keyword string) *model.Rule {
	for _, r := range rules {
		if r.Keyword == keyword {
			return r
		}
	}
	return nil
}

func TestBridge_LearnFromL2StartsGray(t *testing.T) {
	b, _, _ := setupBridge(t)
	ctx := context.Background()

	rule, err := b.Learn(ctx, "滴滴出行", "6601-03", model.RuleSourceL2)
	require.NoError(t, err)
	assert.Equal(t, model.AuditLevelGray, rule.AuditLevel)
	assert.NotEmpty(t, rule.RuleID)

	got := findRule(b.Rules(), "滴滴出行")
	require.NotNil(t, got)
	assert.Equal(t, "6601-03", got.Category)
}

func TestBridge_LearnRejectsInvalidCategory(t *testing.T) {
	b, _, _ := setupBridge(t)

	_, err := b.Learn(context.Background(), "滴滴出行", "出差费", model.RuleSourceL2)
	assert.ErrorIs(t, err, ErrInvalidCategory)
}

func TestBridge_GrayPromotesAfterThreeApprovals(t *testing.T) {
	b, _, _ := setupBridge(t)
	ctx := context.Background()

	rule, err := b.Learn(ctx, "阿里云", "6601", model.RuleSourceL2)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordApproval(ctx, rule.RuleID))
	}

	got := findRule(b.Rules(), "阿里云")
	require.NotNil(t, got)
	assert.Equal(t, model.AuditLevelStable, got.AuditLevel)
	// 晋升产生新版本且计数归零
	assert.Equal(t, 2, got.Version)
	assert.Zero(t, got.ConsecutiveSuccess)
}

func TestBridge_RejectBreaksPromotionStreak(t *testing.T) {
	b, _, _ := setupBridge(t)
	ctx := context.Background()

	rule, err := b.Learn(ctx, "京东", "6601", model.RuleSourceL2)
	require.NoError(t, err)

	require.NoError(t, b.RecordApproval(ctx, rule.RuleID))
	require.NoError(t, b.RecordApproval(ctx, rule.RuleID))
	require.NoError(t, b.RecordReject(ctx, rule.RuleID))

	// 一次驳回后再通过 3 次也不晋升，reject_count 不清零
	for i := 0; i < 3; i++ {
		require.NoError(t, b.RecordApproval(ctx, rule.RuleID))
	}
	got := findRule(b.Rules(), "京东")
	require.NotNil(t, got)
	assert.Equal(t, model.AuditLevelGray, got.AuditLevel)
}

func TestBridge_GrayDemotesAfterTwoRejects(t *testing.T) {
	b, _, _ := setupBridge(t)
	ctx := context.Background()

	rule, err := b.Learn(ctx, "美团", "6601", model.RuleSourceL2)
	require.NoError(t, err)

	require.NoError(t, b.RecordReject(ctx, rule.RuleID))
	require.NoError(t, b.RecordReject(ctx, rule.RuleID))

	// FAILED 规则退出有效集
	assert.Nil(t, findRule(b.Rules(), "美团"))
}

func TestBridge_ManualRuleSurvivesRejects(t *testing.T) {
	b, _, _ := setupBridge(t)
	ctx := context.Background()

	rule, err := b.Learn(ctx, "顺丰", "6601-02", model.RuleSourceManual)
	require.NoError(t, err)
	assert.Equal(t, model.AuditLevelStable, rule.AuditLevel)

	for i := 0; i < 5; i++ {
		require.NoError(t, b.RecordReject(ctx, rule.RuleID))
	}
	got := findRule(b.Rules(), "顺丰")
	require.NotNil(t, got)
	assert.Equal(t, model.AuditLevelStable, got.AuditLevel)
}

func TestBridge_RelearnSupersedesExistingKeyword(t *testing.T) {
	b, _, _ := setupBridge(t)
	ctx := context.Background()

	first, err := b.Learn(ctx, "电信", "6601", model.RuleSourceL2)
	require.NoError(t, err)

	// 老板修正同关键词，版本化取代并直接转正
	_, err = b.Learn(ctx, "电信", "6602-01", model.RuleSourceManual)
	require.NoError(t, err)

	got := findRule(b.Rules(), "电信")
	require.NotNil(t, got)
	assert.Equal(t, "6602-01", got.Category)
	assert.Equal(t, model.AuditLevelStable, got.AuditLevel)
	assert.Equal(t, first.RuleID, got.RuleID)
	assert.Equal(t, 2, got.Version)
}

func TestBridge_DistillRemovesFailedAndConflictingGray(t *testing.T) {
	b, repo, _ := setupBridge(t)
	ctx := context.Background()

	// 同关键词经 Learn 会走版本化取代，这里直接落库造出并存的灰度与稳定规则
	_, err := b.Learn(ctx, "携程", "6601-03", model.RuleSourceManual)
	require.NoError(t, err)
	gray := &model.Rule{
		RuleID: "rule-test-gray", Keyword: "携程", Category: "6602",
		Priority: 50, AuditLevel: model.AuditLevelGray, Source: model.RuleSourceL2,
	}
	require.NoError(t, repo.Create(ctx, gray))
	require.NoError(t, b.Load(ctx))

	removed, err := b.Distill(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	// 稳定规则保留，冲突灰度规则让位
	got := findRule(b.Rules(), "携程")
	require.NotNil(t, got)
	assert.Equal(t, model.AuditLevelStable, got.AuditLevel)
	assert.Equal(t, "6601-03", got.Category)
}

func TestBridge_SeedAndSyncYAML(t *testing.T) {
	b, _, yamlPath := setupBridge(t)
	ctx := context.Background()

	seed := `rules:
  - keyword: 滴滴
    category: "6601-03"
    audit_level: STABLE
  - keyword: 坏科目
    category: 报销
  - keyword: 奢侈品
    category: "9999"
    audit_level: BLOCKED
`
	require.NoError(t, os.WriteFile(yamlPath, []byte(seed), 0o644))
	require.NoError(t, b.Load(ctx))

	rules := b.Rules()
	// 非法科目的条目被跳过
	assert.Nil(t, findRule(rules, "坏科目"))
	require.NotNil(t, findRule(rules, "滴滴"))
	require.NotNil(t, findRule(rules, "奢侈品"))
	assert.Equal(t, model.AuditLevelBlocked, findRule(rules, "奢侈品").AuditLevel)

	_, err := b.Learn(ctx, "华为", "6601", model.RuleSourceL2)
	require.NoError(t, err)
	require.NoError(t, b.SyncYAML(ctx))

	written, err := os.ReadFile(yamlPath)
	require.NoError(t, err)
	assert.Contains(t, string(written), "华为")
	assert.Contains(t, string(written), "滴滴")
}
