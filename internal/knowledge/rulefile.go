package knowledge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/moltbot/ledgerd/internal/model"
	"github.com/moltbot/ledgerd/pkg/id"
	"github.com/moltbot/ledgerd/pkg/logger"
)

// ruleFile 规则文件结构
type ruleFile struct {
	Rules []ruleEntry `yaml:"rules"`
}

// ruleEntry 规则文件单条
type ruleEntry struct {
	RuleID         string  `yaml:"rule_id,omitempty"`
	Keyword        string  `yaml:"keyword"`
	UseRegex       bool    `yaml:"use_regex,omitempty"`
	Category       string  `yaml:"category"`
	Priority       int     `yaml:"priority,omitempty"`
	AmountMin      *string `yaml:"amount_min,omitempty"`
	AmountMax      *string `yaml:"amount_max,omitempty"`
	VendorContains string  `yaml:"vendor_contains,omitempty"`
	AuditLevel     string  `yaml:"audit_level,omitempty"`
	Source         string  `yaml:"source,omitempty"`
}

// seedFromYAML 从规则文件播种初始规则，非法条目跳过并告警
func (b *Bridge) seedFromYAML(ctx context.Context) (int, error) {
	data, err := os.ReadFile(b.yamlPath)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read rule file: %w", err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return 0, fmt.Errorf("parse rule file: %w", err)
	}

	seeded := 0
	for _, entry := range rf.Rules {
		if entry.Keyword == "" || !model.ValidCategory(entry.Category) {
			logger.Warn("rule file entry skipped",
				zap.String("keyword", entry.Keyword),
				zap.String("category", entry.Category))
			continue
		}

		level := model.AuditLevel(entry.AuditLevel)
		switch level {
		case model.AuditLevelGray, model.AuditLevelStable, model.AuditLevelManual, model.AuditLevelBlocked:
		default:
			level = model.AuditLevelStable
		}
		priority := entry.Priority
		if priority == 0 {
			priority = 100
		}
		ruleID := entry.RuleID
		if ruleID == "" {
			ruleID = id.NewRuleID()
		}

		rule := &model.Rule{
			RuleID:         ruleID,
			Keyword:        entry.Keyword,
			UseRegex:       entry.UseRegex,
			Category:       entry.Category,
			Priority:       priority,
			AmountMin:      entry.AmountMin,
			AmountMax:      entry.AmountMax,
			VendorContains: entry.VendorContains,
			AuditLevel:     level,
			Source:         model.RuleSourceSeed,
		}
		if err := b.repo.Create(ctx, rule); err != nil {
			logger.Warn("seed rule failed",
				zap.String("keyword", entry.Keyword), zap.Error(err))
			continue
		}
		seeded++
	}
	return seeded, nil
}

// SyncYAML 把当前有效规则导出到规则文件
// 先写临时文件再改名，改名后回读校验，损坏即报错
func (b *Bridge) SyncYAML(ctx context.Context) error {
	if b.yamlPath == "" {
		return nil
	}

	rules, err := b.repo.ListActive(ctx)
	if err != nil {
		return err
	}

	rf := ruleFile{Rules: make([]ruleEntry, 0, len(rules))}
	for _, r := range rules {
		rf.Rules = append(rf.Rules, ruleEntry{
			RuleID:         r.RuleID,
			Keyword:        r.Keyword,
			UseRegex:       r.UseRegex,
			Category:       r.Category,
			Priority:       r.Priority,
			AmountMin:      r.AmountMin,
			AmountMax:      r.AmountMax,
			VendorContains: r.VendorContains,
			AuditLevel:     string(r.AuditLevel),
			Source:         string(r.Source),
		})
	}

	data, err := yaml.Marshal(&rf)
	if err != nil {
		return fmt.Errorf("marshal rule file: %w", err)
	}

	dir := filepath.Dir(b.yamlPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".rules-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, b.yamlPath); err != nil {
		return err
	}

	// 回读校验，确认落盘内容可解析且科目合法
	written, err := os.ReadFile(b.yamlPath)
	if err != nil {
		return fmt.Errorf("read back rule file: %w", err)
	}
	var verify ruleFile
	if err := yaml.Unmarshal(written, &verify); err != nil {
		return fmt.Errorf("rule file corrupted after write: %w", err)
	}
	for _, entry := range verify.Rules {
		if !model.ValidCategory(entry.Category) {
			return fmt.Errorf("rule file verify: %w: %s", ErrInvalidCategory, entry.Category)
		}
	}

	logger.Info("rule file synced",
		zap.String("path", b.yamlPath), zap.Int("count", len(rf.Rules)))
	return nil
}
