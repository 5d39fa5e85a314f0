// Package config 提供记账守护进程配置管理
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config 守护进程配置
type Config struct {
	Service     ServiceConfig     `yaml:"service" json:"service"`
	Store       StoreConfig       `yaml:"store" json:"store"`
	Daemon      DaemonConfig      `yaml:"daemon" json:"daemon"`
	Collector   CollectorConfig   `yaml:"collector" json:"collector"`
	Accounting  AccountingConfig  `yaml:"accounting" json:"accounting"`
	Audit       AuditConfig       `yaml:"audit" json:"audit"`
	Match       MatchConfig       `yaml:"match" json:"match"`
	Interaction InteractionConfig `yaml:"interaction" json:"interaction"`
	Egress      EgressConfig      `yaml:"egress" json:"egress"`
	Privacy     PrivacyConfig     `yaml:"privacy" json:"privacy"`
	Log         LogConfig         `yaml:"log" json:"log"`
}

// ServiceConfig 服务配置
type ServiceConfig struct {
	Name     string `yaml:"name" json:"name"`
	HTTPPort int    `yaml:"http_port" json:"http_port"`
	Env      string `yaml:"env" json:"env"`
}

// StoreConfig 账本库配置
type StoreConfig struct {
	Path          string `yaml:"path" json:"path"`
	SnapshotDir   string `yaml:"snapshot_dir" json:"snapshot_dir"`
	BusyTimeoutMS int    `yaml:"busy_timeout_ms" json:"busy_timeout_ms"`
	SyncMode      string `yaml:"sync_mode" json:"sync_mode"`
	CacheMB       int    `yaml:"cache_mb" json:"cache_mb"`
	LockTimeoutS  int    `yaml:"lock_timeout_s" json:"lock_timeout_s"`
	MaxRetries    int    `yaml:"max_retries" json:"max_retries"`
}

// DaemonConfig 主守护配置
type DaemonConfig struct {
	GraceShutdownS  int `yaml:"grace_shutdown_s" json:"grace_shutdown_s"`
	HealthTimeoutS  int `yaml:"health_timeout_s" json:"health_timeout_s"`
	ProbeTimeoutS   int `yaml:"probe_timeout_s" json:"probe_timeout_s"`
	BootTimeoutS    int `yaml:"boot_timeout_s" json:"boot_timeout_s"`
	HealthIntervalS int `yaml:"health_interval_s" json:"health_interval_s"`
	MaxStrikes      int `yaml:"max_strikes" json:"max_strikes"`
	CheckpointS     int `yaml:"checkpoint_s" json:"checkpoint_s"`
}

// CollectorConfig 采集器配置
type CollectorConfig struct {
	InputDir       string `yaml:"input_dir" json:"input_dir"`
	Workers        int    `yaml:"workers" json:"workers"`
	QueueSize      int    `yaml:"queue_size" json:"queue_size"`
	PerFileTimeoutS int   `yaml:"per_file_timeout_s" json:"per_file_timeout_s"`
	GroupWindowS   int    `yaml:"group_window_s" json:"group_window_s"`
}

// AccountingConfig 记账代理配置
type AccountingConfig struct {
	L2          L2Config          `yaml:"l2" json:"l2"`
	TokenBudget TokenBudgetConfig `yaml:"token_budget" json:"token_budget"`
	Cache       CacheConfig       `yaml:"cache" json:"cache"`
	Circuit     CircuitConfig     `yaml:"circuit" json:"circuit"`
	// 规则种子与导出文件
	RuleFile string `yaml:"rule_file" json:"rule_file"`
	// 高置信区间下界，L1 稳定规则命中时赋予的置信度
	HighConfidence string `yaml:"high_confidence" json:"high_confidence"`
	// 低于该阈值的提案进入影子审计
	ShadowThreshold string `yaml:"shadow_threshold" json:"shadow_threshold"`
}

// L2Config 深度推理配置
type L2Config struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	StepCap  int    `yaml:"step_cap" json:"step_cap"`
	TimeoutS int    `yaml:"timeout_s" json:"timeout_s"`
	Model    string `yaml:"model" json:"model"`
}

// TokenBudgetConfig 令牌预算配置
type TokenBudgetConfig struct {
	Daily   int64 `yaml:"daily" json:"daily"`
	Monthly int64 `yaml:"monthly" json:"monthly"`
}

// CacheConfig 响应缓存配置
type CacheConfig struct {
	TTLSeconds int `yaml:"ttl_s" json:"ttl_s"`
	MaxEntries int `yaml:"max_entries" json:"max_entries"`
}

// CircuitConfig 熔断配置
type CircuitConfig struct {
	WindowS          int `yaml:"window_s" json:"window_s"`
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`
	CooldownS        int `yaml:"cooldown_s" json:"cooldown_s"`
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`
}

// AuditConfig 审计配置
type AuditConfig struct {
	Strategy    string   `yaml:"strategy" json:"strategy"` // STRICT / BALANCED / GROWTH
	AmountTier1 string   `yaml:"amount_tier1" json:"amount_tier1"`
	RedLines    []string `yaml:"red_lines" json:"red_lines"`
	// 历史一致性偏差上界
	MaxCategoryDeviation string `yaml:"max_category_deviation" json:"max_category_deviation"`
	MaxPriceDeviation    string `yaml:"max_price_deviation" json:"max_price_deviation"`
}

// MatchConfig 对账引擎配置
type MatchConfig struct {
	Tolerance     string `yaml:"tolerance" json:"tolerance"`
	WindowDays    int    `yaml:"window_days" json:"window_days"`
	AutoThreshold string `yaml:"auto_threshold" json:"auto_threshold"`
	LowThreshold  string `yaml:"low_threshold" json:"low_threshold"`
	AutoPosted    bool   `yaml:"auto_posted" json:"auto_posted"`
	BatchSize     int    `yaml:"batch_size" json:"batch_size"`
	IntervalS     int    `yaml:"interval_s" json:"interval_s"`
	EvidenceAfterH int   `yaml:"evidence_after_h" json:"evidence_after_h"`
}

// InteractionConfig 交互枢纽配置
type InteractionConfig struct {
	CardTTLS      int    `yaml:"card_ttl_s" json:"card_ttl_s"`
	ReplayWindowS int    `yaml:"replay_window_s" json:"replay_window_s"`
	HMACSecret    string `yaml:"hmac_secret" json:"hmac_secret"`
	OutboxPollS   int    `yaml:"outbox_poll_s" json:"outbox_poll_s"`
	OutboxDepthAlert int `yaml:"outbox_depth_alert" json:"outbox_depth_alert"`
	ChannelURL    string `yaml:"channel_url" json:"channel_url"`
}

// EgressConfig 出网代理配置
type EgressConfig struct {
	BaseURL       string   `yaml:"base_url" json:"base_url"`
	Allowlist     []string `yaml:"allowlist" json:"allowlist"`
	MaxRetries    int      `yaml:"max_retries" json:"max_retries"`
	BackoffBaseMS int      `yaml:"backoff_base_ms" json:"backoff_base_ms"`
	RequestTimeoutS int    `yaml:"request_timeout_s" json:"request_timeout_s"`
	APIKey        string   `yaml:"api_key" json:"api_key"`
}

// PrivacyConfig 脱敏配置
type PrivacyConfig struct {
	Keywords []string `yaml:"keywords" json:"keywords"`
}

// LogConfig 日志配置
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	Format     string `yaml:"format" json:"format"`
	File       string `yaml:"file" json:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
}

// Load 加载配置文件，展开环境变量并应用 LEDGER_ 前缀覆盖
func Load(configPath string) (*Config, error) {
	var cfg Config
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}

		// 环境变量替换
		content := expandEnvVars(string(data))
		if err := yaml.Unmarshal([]byte(content), &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// LEDGER_ 前缀环境变量覆盖点分键
	applyEnvOverrides(&cfg)

	// 设置默认值
	setDefaults(&cfg)

	return &cfg, nil
}

// expandEnvVars 展开环境变量 ${VAR:default}
func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start

		expr := result[start+2 : end]
		parts := strings.SplitN(expr, ":", 2)
		varName := parts[0]
		defaultVal := ""
		if len(parts) > 1 {
			defaultVal = parts[1]
		}

		value := os.Getenv(varName)
		if value == "" {
			value = defaultVal
		}

		result = result[:start] + value + result[end+1:]
	}
	return result
}

// applyEnvOverrides 按约定将 LEDGER_STORE_BUSY_TIMEOUT_MS 等变量映射到对应字段
func applyEnvOverrides(cfg *Config) {
	overrideString := func(key string, dst *string) {
		if v := os.Getenv("LEDGER_" + key); v != "" {
			*dst = v
		}
	}
	overrideInt := func(key string, dst *int) {
		if v := os.Getenv("LEDGER_" + key); v != "" {
			if i, err := strconv.Atoi(v); err == nil {
				*dst = i
			}
		}
	}
	overrideInt64 := func(key string, dst *int64) {
		if v := os.Getenv("LEDGER_" + key); v != "" {
			if i, err := strconv.ParseInt(v, 10, 64); err == nil {
				*dst = i
			}
		}
	}
	overrideBool := func(key string, dst *bool) {
		if v := os.Getenv("LEDGER_" + key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	overrideString("STORE_PATH", &cfg.Store.Path)
	overrideString("STORE_SNAPSHOT_DIR", &cfg.Store.SnapshotDir)
	overrideInt("STORE_BUSY_TIMEOUT_MS", &cfg.Store.BusyTimeoutMS)
	overrideString("STORE_SYNC_MODE", &cfg.Store.SyncMode)
	overrideInt("STORE_CACHE_MB", &cfg.Store.CacheMB)
	overrideInt("DAEMON_GRACE_SHUTDOWN_S", &cfg.Daemon.GraceShutdownS)
	overrideInt("DAEMON_HEALTH_TIMEOUT_S", &cfg.Daemon.HealthTimeoutS)
	overrideInt("DAEMON_PROBE_TIMEOUT_S", &cfg.Daemon.ProbeTimeoutS)
	overrideString("COLLECTOR_INPUT_DIR", &cfg.Collector.InputDir)
	overrideInt("COLLECTOR_WORKERS", &cfg.Collector.Workers)
	overrideInt("COLLECTOR_PER_FILE_TIMEOUT_S", &cfg.Collector.PerFileTimeoutS)
	overrideInt("COLLECTOR_GROUP_WINDOW_S", &cfg.Collector.GroupWindowS)
	overrideBool("ACCOUNTING_L2_ENABLED", &cfg.Accounting.L2.Enabled)
	overrideInt("ACCOUNTING_L2_STEP_CAP", &cfg.Accounting.L2.StepCap)
	overrideInt("ACCOUNTING_L2_TIMEOUT_S", &cfg.Accounting.L2.TimeoutS)
	overrideInt64("ACCOUNTING_TOKEN_BUDGET_DAILY", &cfg.Accounting.TokenBudget.Daily)
	overrideInt64("ACCOUNTING_TOKEN_BUDGET_MONTHLY", &cfg.Accounting.TokenBudget.Monthly)
	overrideInt("ACCOUNTING_CACHE_TTL_S", &cfg.Accounting.Cache.TTLSeconds)
	overrideInt("ACCOUNTING_CIRCUIT_WINDOW_S", &cfg.Accounting.Circuit.WindowS)
	overrideString("AUDIT_STRATEGY", &cfg.Audit.Strategy)
	overrideString("AUDIT_AMOUNT_TIER1", &cfg.Audit.AmountTier1)
	overrideString("MATCH_TOLERANCE", &cfg.Match.Tolerance)
	overrideInt("MATCH_WINDOW_DAYS", &cfg.Match.WindowDays)
	overrideString("MATCH_AUTO_THRESHOLD", &cfg.Match.AutoThreshold)
	overrideBool("MATCH_AUTO_POSTED", &cfg.Match.AutoPosted)
	overrideInt("INTERACTION_CARD_TTL_S", &cfg.Interaction.CardTTLS)
	overrideInt("INTERACTION_REPLAY_WINDOW_S", &cfg.Interaction.ReplayWindowS)
	overrideString("INTERACTION_HMAC_SECRET", &cfg.Interaction.HMACSecret)
	overrideString("INTERACTION_CHANNEL_URL", &cfg.Interaction.ChannelURL)
	overrideInt("EGRESS_MAX_RETRIES", &cfg.Egress.MaxRetries)
	overrideInt("EGRESS_BACKOFF_BASE_MS", &cfg.Egress.BackoffBaseMS)
	overrideString("EGRESS_API_KEY", &cfg.Egress.APIKey)
	overrideString("EGRESS_BASE_URL", &cfg.Egress.BaseURL)
	overrideString("LOG_LEVEL", &cfg.Log.Level)
	overrideString("LOG_FORMAT", &cfg.Log.Format)
	overrideString("SERVICE_NAME", &cfg.Service.Name)
	overrideInt("SERVICE_HTTP_PORT", &cfg.Service.HTTPPort)
}

// setDefaults 设置默认值
func setDefaults(cfg *Config) {
	if cfg.Service.Name == "" {
		cfg.Service.Name = "ledgerd"
	}
	if cfg.Service.HTTPPort == 0 {
		cfg.Service.HTTPPort = 8086
	}
	if cfg.Service.Env == "" {
		cfg.Service.Env = "dev"
	}

	if cfg.Store.Path == "" {
		cfg.Store.Path = "data/ledger.db"
	}
	if cfg.Store.SnapshotDir == "" {
		cfg.Store.SnapshotDir = "data/snapshots"
	}
	if cfg.Store.BusyTimeoutMS == 0 {
		cfg.Store.BusyTimeoutMS = 5000
	}
	if cfg.Store.SyncMode == "" {
		cfg.Store.SyncMode = "NORMAL"
	}
	if cfg.Store.CacheMB == 0 {
		cfg.Store.CacheMB = 64
	}
	if cfg.Store.LockTimeoutS == 0 {
		cfg.Store.LockTimeoutS = 300
	}
	if cfg.Store.MaxRetries == 0 {
		cfg.Store.MaxRetries = 5
	}

	if cfg.Daemon.GraceShutdownS == 0 {
		cfg.Daemon.GraceShutdownS = 30
	}
	if cfg.Daemon.HealthTimeoutS == 0 {
		cfg.Daemon.HealthTimeoutS = 60
	}
	if cfg.Daemon.ProbeTimeoutS == 0 {
		cfg.Daemon.ProbeTimeoutS = 5
	}
	if cfg.Daemon.BootTimeoutS == 0 {
		cfg.Daemon.BootTimeoutS = 30
	}
	if cfg.Daemon.HealthIntervalS < 10 {
		cfg.Daemon.HealthIntervalS = 10
	}
	if cfg.Daemon.MaxStrikes == 0 {
		cfg.Daemon.MaxStrikes = 3
	}
	if cfg.Daemon.CheckpointS == 0 {
		cfg.Daemon.CheckpointS = 60
	}

	if cfg.Collector.InputDir == "" {
		cfg.Collector.InputDir = "inbox"
	}
	if cfg.Collector.Workers == 0 {
		cfg.Collector.Workers = 4
	}
	if cfg.Collector.QueueSize == 0 {
		cfg.Collector.QueueSize = 256
	}
	if cfg.Collector.PerFileTimeoutS == 0 {
		cfg.Collector.PerFileTimeoutS = 120
	}
	if cfg.Collector.GroupWindowS == 0 {
		cfg.Collector.GroupWindowS = 60
	}

	if cfg.Accounting.L2.StepCap == 0 {
		cfg.Accounting.L2.StepCap = 5
	}
	if cfg.Accounting.L2.TimeoutS == 0 {
		cfg.Accounting.L2.TimeoutS = 30
	}
	if cfg.Accounting.L2.Model == "" {
		cfg.Accounting.L2.Model = "qwen-max"
	}
	if cfg.Accounting.TokenBudget.Daily == 0 {
		cfg.Accounting.TokenBudget.Daily = 500000
	}
	if cfg.Accounting.TokenBudget.Monthly == 0 {
		cfg.Accounting.TokenBudget.Monthly = 10000000
	}
	if cfg.Accounting.Cache.TTLSeconds == 0 {
		cfg.Accounting.Cache.TTLSeconds = 3600
	}
	if cfg.Accounting.Cache.MaxEntries == 0 {
		cfg.Accounting.Cache.MaxEntries = 512
	}
	if cfg.Accounting.Circuit.WindowS == 0 {
		cfg.Accounting.Circuit.WindowS = 300
	}
	if cfg.Accounting.Circuit.FailureThreshold == 0 {
		cfg.Accounting.Circuit.FailureThreshold = 5
	}
	if cfg.Accounting.Circuit.CooldownS == 0 {
		cfg.Accounting.Circuit.CooldownS = 120
	}
	if cfg.Accounting.Circuit.SuccessThreshold == 0 {
		cfg.Accounting.Circuit.SuccessThreshold = 2
	}
	if cfg.Accounting.RuleFile == "" {
		cfg.Accounting.RuleFile = "rules.yaml"
	}
	if cfg.Accounting.HighConfidence == "" {
		cfg.Accounting.HighConfidence = "0.95"
	}
	if cfg.Accounting.ShadowThreshold == "" {
		cfg.Accounting.ShadowThreshold = "0.80"
	}

	if cfg.Audit.Strategy == "" {
		cfg.Audit.Strategy = "BALANCED"
	}
	if cfg.Audit.AmountTier1 == "" {
		cfg.Audit.AmountTier1 = "10000"
	}
	if len(cfg.Audit.RedLines) == 0 {
		cfg.Audit.RedLines = []string{"奢侈品", "虚拟货币", "代开发票"}
	}
	if cfg.Audit.MaxCategoryDeviation == "" {
		cfg.Audit.MaxCategoryDeviation = "0.6"
	}
	if cfg.Audit.MaxPriceDeviation == "" {
		cfg.Audit.MaxPriceDeviation = "3.0"
	}

	if cfg.Match.Tolerance == "" {
		cfg.Match.Tolerance = "0.01"
	}
	if cfg.Match.WindowDays == 0 {
		cfg.Match.WindowDays = 7
	}
	if cfg.Match.AutoThreshold == "" {
		cfg.Match.AutoThreshold = "0.90"
	}
	if cfg.Match.LowThreshold == "" {
		cfg.Match.LowThreshold = "0.60"
	}
	if cfg.Match.BatchSize == 0 {
		cfg.Match.BatchSize = 100
	}
	if cfg.Match.IntervalS == 0 {
		cfg.Match.IntervalS = 300
	}
	if cfg.Match.EvidenceAfterH == 0 {
		cfg.Match.EvidenceAfterH = 48
	}

	if cfg.Interaction.CardTTLS == 0 {
		cfg.Interaction.CardTTLS = 86400
	}
	if cfg.Interaction.ReplayWindowS == 0 {
		cfg.Interaction.ReplayWindowS = 60
	}
	if cfg.Interaction.OutboxPollS == 0 {
		cfg.Interaction.OutboxPollS = 5
	}
	if cfg.Interaction.OutboxDepthAlert == 0 {
		cfg.Interaction.OutboxDepthAlert = 100
	}

	if cfg.Egress.BaseURL == "" {
		cfg.Egress.BaseURL = "https://api.openai.com/v1"
	}
	if len(cfg.Egress.Allowlist) == 0 {
		cfg.Egress.Allowlist = []string{"api.openai.com"}
	}
	if cfg.Egress.MaxRetries == 0 {
		cfg.Egress.MaxRetries = 3
	}
	if cfg.Egress.BackoffBaseMS == 0 {
		cfg.Egress.BackoffBaseMS = 200
	}
	if cfg.Egress.RequestTimeoutS == 0 {
		cfg.Egress.RequestTimeoutS = 30
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Log.MaxSizeMB == 0 {
		cfg.Log.MaxSizeMB = 100
	}
	if cfg.Log.MaxBackups == 0 {
		cfg.Log.MaxBackups = 7
	}
}

// GetTolerance 获取对账金额容差
func (c *MatchConfig) GetTolerance() decimal.Decimal {
	d, err := decimal.NewFromString(c.Tolerance)
	if err != nil {
		return decimal.NewFromFloat(0.01)
	}
	return d
}

// GetAutoThreshold 获取自动匹配阈值
func (c *MatchConfig) GetAutoThreshold() decimal.Decimal {
	d, err := decimal.NewFromString(c.AutoThreshold)
	if err != nil {
		return decimal.NewFromFloat(0.90)
	}
	return d
}

// GetLowThreshold 获取最低候选阈值
func (c *MatchConfig) GetLowThreshold() decimal.Decimal {
	d, err := decimal.NewFromString(c.LowThreshold)
	if err != nil {
		return decimal.NewFromFloat(0.60)
	}
	return d
}

// GetAmountTier1 获取一级金额门槛 T1
func (c *AuditConfig) GetAmountTier1() decimal.Decimal {
	d, err := decimal.NewFromString(c.AmountTier1)
	if err != nil {
		return decimal.NewFromInt(10000)
	}
	return d
}

// GetMaxCategoryDeviation 获取类目分布偏差上界
func (c *AuditConfig) GetMaxCategoryDeviation() decimal.Decimal {
	d, err := decimal.NewFromString(c.MaxCategoryDeviation)
	if err != nil {
		return decimal.NewFromFloat(0.6)
	}
	return d
}

// GetMaxPriceDeviation 获取价格偏差倍数上界
func (c *AuditConfig) GetMaxPriceDeviation() decimal.Decimal {
	d, err := decimal.NewFromString(c.MaxPriceDeviation)
	if err != nil {
		return decimal.NewFromFloat(3.0)
	}
	return d
}

// GetHighConfidence 获取高置信区间下界
func (c *AccountingConfig) GetHighConfidence() decimal.Decimal {
	d, err := decimal.NewFromString(c.HighConfidence)
	if err != nil {
		return decimal.NewFromFloat(0.95)
	}
	return d
}

// GetShadowThreshold 获取影子审计阈值
func (c *AccountingConfig) GetShadowThreshold() decimal.Decimal {
	d, err := decimal.NewFromString(c.ShadowThreshold)
	if err != nil {
		return decimal.NewFromFloat(0.80)
	}
	return d
}

// GetEnvString 获取环境变量字符串值
func GetEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
