package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"perp-maker-go/infrastructure/logger"
	"perp-maker-go/risk"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env     string        `yaml:"env"`
	Gateway GatewayConfig `yaml:"gateway"`
	Log     logger.Config `yaml:"log"`
	Metrics MetricsConfig `yaml:"metrics"`
	Cache   CacheConfig   `yaml:"cache"`
	Hub     HubConfig     `yaml:"hub"`
	Alert   AlertConfig   `yaml:"alert"`
	Risk    risk.Config   `yaml:"risk"`
	Tasks   []TaskConfig  `yaml:"tasks"`
}

type GatewayConfig struct {
	APIKey       string  `yaml:"apiKey"`
	APISecret    string  `yaml:"apiSecret"`
	BaseURL      string  `yaml:"baseURL"`
	WSURL        string  `yaml:"wsURL"`        // 公共行情
	PrivateWSURL string  `yaml:"privateWSURL"` // 订单/仓位推送
	RateLimit    float64 `yaml:"rateLimit"`    // REST 每秒请求数
	RecvWindowMs int64   `yaml:"recvWindowMs"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // 为空则不启动 metrics 服务
}

type CacheConfig struct {
	Path string `yaml:"path"`
}

type HubConfig struct {
	MaxRetries int `yaml:"maxRetries"` // 0 表示无限重试
}

type AlertConfig struct {
	WebhookURL  string `yaml:"webhookURL"`  // 为空则只写日志
	ThrottleSec int    `yaml:"throttleSec"` // 同一告警的最小间隔
}

// TaskConfig 单个交易对的做市任务。
type TaskConfig struct {
	Symbol              string  `yaml:"symbol"`
	BudgetUSD           float64 `yaml:"budgetUSD"`
	RiskLevel           string  `yaml:"riskLevel"` // low|medium|high|max
	ExitBps             float64 `yaml:"exitBps"`   // 保护单基础偏移
	RefreshIntervalMs   int     `yaml:"refreshIntervalMs"`
	RepriceBps          float64 `yaml:"repriceBps"`
	SendTimeoutMs       int     `yaml:"sendTimeoutMs"`
	ReconcileIntervalMs int     `yaml:"reconcileIntervalMs"`
	MaxPriceAgeMs       int     `yaml:"maxPriceAgeMs"` // 参考价失效阈值
}

// Default 未在文件中出现的字段使用的默认值。
func Default() AppConfig {
	return AppConfig{
		Log:  logger.DefaultConfig(),
		Risk: risk.DefaultConfig(),
		Gateway: GatewayConfig{
			RateLimit:    10,
			RecvWindowMs: 5000,
		},
		Cache: CacheConfig{Path: "data/symbols.json"},
		Alert: AlertConfig{ThrottleSec: 60},
	}
}

// Load reads YAML config from path and applies basic validation.
func Load(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func parse(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	for i := range cfg.Tasks {
		cfg.Tasks[i].Symbol = strings.ToUpper(strings.TrimSpace(cfg.Tasks[i].Symbol))
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides sensitive fields from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := parse(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("MM_GATEWAY_API_KEY"); v != "" {
		cfg.Gateway.APIKey = v
	}
	if v := os.Getenv("MM_GATEWAY_API_SECRET"); v != "" {
		cfg.Gateway.APISecret = v
	}
	return cfg, Validate(cfg)
}
