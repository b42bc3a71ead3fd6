package container

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"perp-maker-go/config"
	"perp-maker-go/gateway"
	"perp-maker-go/infrastructure/alert"
	"perp-maker-go/infrastructure/logger"
	"perp-maker-go/infrastructure/monitor"
	"perp-maker-go/internal/guard"
	"perp-maker-go/internal/symbolcache"
	"perp-maker-go/internal/task"
	"perp-maker-go/market"
	"perp-maker-go/risk"
	"perp-maker-go/strategy"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 交易所网关
	client *gateway.Client
	hub    *market.Hub
	cache  *symbolcache.Cache

	// 任务
	supervisor  *task.Supervisor
	riskUpdates []chan risk.Config

	// 后台组件与健康巡检
	components     *Registry
	healthInterval time.Duration
}

const defaultHealthInterval = 15 * time.Second

// New 创建新的Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg, configPath), nil
}

// NewWithConfig 使用已加载的配置；configPath 为空时不启用热加载。
func NewWithConfig(cfg config.AppConfig, configPath string) *Container {
	return &Container{
		cfg:        &cfg,
		configPath: configPath,
		components:     NewRegistry(),
		healthInterval: defaultHealthInterval,
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}
	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}
	if err := c.buildTasks(); err != nil {
		return fmt.Errorf("build tasks failed: %w", err)
	}
	c.registerComponents()
	c.logger.Info("container built successfully", zap.Int("tasks", len(c.cfg.Tasks)))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}
	c.monitor = monitor.New(monitor.DefaultConfig())

	channels := []alert.Channel{alert.NewLogChannel(c.logger)}
	if c.cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel(c.cfg.Alert.WebhookURL))
	}
	c.alerts = alert.NewManager(channels, time.Duration(c.cfg.Alert.ThrottleSec)*time.Second)

	c.cache, err = symbolcache.Open(c.cfg.Cache.Path)
	if err != nil {
		// 缓存损坏不阻止启动，只是失去回退能力
		c.logger.Warn("symbol cache unreadable, starting empty", zap.Error(err))
		c.cache, _ = symbolcache.Open("")
	}
	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildGateway() error {
	gw := c.cfg.Gateway
	c.client = gateway.NewClient(gw.BaseURL, gw.APIKey, gw.APISecret, gw.RateLimit, c.monitor)
	if gw.RecvWindowMs > 0 {
		c.client.RecvWindowMs = gw.RecvWindowMs
	}
	c.hub = market.NewHub(gateway.NewFeedDialer(gw.WSURL), market.HubConfig{MaxRetries: c.cfg.Hub.MaxRetries}, c.logger, c.monitor)
	c.logger.Info("gateway built", zap.String("rest", gw.BaseURL), zap.String("ws", gw.WSURL))
	return nil
}

func (c *Container) buildTasks() error {
	c.supervisor = task.NewSupervisor(task.DefaultShutdownDeadline, c.logger)
	for _, tc := range c.cfg.Tasks {
		scfg, err := StrategyConfig(tc, c.cfg.Risk)
		if err != nil {
			return err
		}
		updates := make(chan risk.Config, 1)
		c.riskUpdates = append(c.riskUpdates, updates)

		deps := task.Deps{
			Exchange:    c.client,
			Cache:       c.cache,
			Prices:      c.hub.SubscribePrice(tc.Symbol),
			GuardPrices: c.hub.SubscribePrice(tc.Symbol),
			Depth:       c.hub.SubscribeDepth(tc.Symbol),
			RiskUpdates: updates,
			Stream:      c.privateStream(),
			Alerts:      c.alerts,
			Logger:      c.logger,
			Monitor:     c.monitor,
		}
		c.supervisor.Add(task.New(task.Config{Strategy: scfg, ExitBps: tc.ExitBps}, deps))
	}
	return nil
}

func (c *Container) privateStream() guard.Stream {
	return gateway.NewPrivateStream(c.cfg.Gateway.PrivateWSURL, c.client, c.cfg.Hub.MaxRetries, c.logger, c.monitor)
}

// StrategyConfig 把文件配置转换为策略参数，未填写的字段保留默认值。
func StrategyConfig(tc config.TaskConfig, r risk.Config) (strategy.Config, error) {
	level, err := strategy.ParseRiskLevel(tc.RiskLevel)
	if err != nil {
		return strategy.Config{}, fmt.Errorf("task %s: %w", tc.Symbol, err)
	}
	cfg := strategy.DefaultConfig(strings.ToUpper(tc.Symbol), tc.BudgetUSD)
	cfg.RiskLevel = level
	cfg.Risk = r
	if tc.RefreshIntervalMs > 0 {
		cfg.RefreshInterval = time.Duration(tc.RefreshIntervalMs) * time.Millisecond
	}
	if tc.RepriceBps > 0 {
		cfg.RepriceBps = tc.RepriceBps
	}
	if tc.SendTimeoutMs > 0 {
		cfg.SendTimeout = time.Duration(tc.SendTimeoutMs) * time.Millisecond
	}
	if tc.ReconcileIntervalMs > 0 {
		cfg.ReconcileInterval = time.Duration(tc.ReconcileIntervalMs) * time.Millisecond
	}
	if tc.MaxPriceAgeMs > 0 {
		cfg.MaxPriceAge = time.Duration(tc.MaxPriceAgeMs) * time.Millisecond
	}
	return cfg, cfg.Validate()
}

func (c *Container) registerComponents() {
	if c.cfg.Metrics.Addr != "" {
		c.components.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Metrics.Addr,
			logger:  c.logger,
		})
	}
	c.components.Register(&backgroundComponent{
		name:   "market_hub",
		logger: c.logger,
		run:    c.hub.Run,
		health: feedHealth(c.hub.State()),
	})
	if c.configPath != "" {
		w := config.Watcher{Path: c.configPath, Logger: c.logger}
		c.components.Register(&backgroundComponent{
			name:   "config_watcher",
			logger: c.logger,
			run: func(ctx context.Context) error {
				err := w.Start(ctx, c.ApplyConfig)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			},
		})
	}
}

// feedHealth 行情连接处于重连中即不健康；任务此时因参考价过期暂停报价。
func feedHealth(states *market.Receiver[market.ConnState]) func() error {
	return func() error {
		st := states.Borrow()
		if st.Kind == market.ConnConnected || st.Retries == 0 {
			return nil
		}
		return fmt.Errorf("market feed %s", st)
	}
}

// ApplyConfig 热加载：只有风控阈值可以在运行中生效，其余字段需要重启。
func (c *Container) ApplyConfig(cfg config.AppConfig) {
	for _, ch := range c.riskUpdates {
		select {
		case <-ch:
		default:
		}
		ch <- cfg.Risk
	}
	c.cfg.Risk = cfg.Risk
	c.logger.Info("risk thresholds pushed to tasks", zap.Int("tasks", len(c.riskUpdates)))
}

// Run 启动后台组件并运行全部任务，直到 ctx 结束且任务全部退出。
func (c *Container) Run(ctx context.Context) error {
	c.logger.Info("starting container...")
	if err := c.components.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}
	c.logger.Info("container started")

	healthCtx, stopHealth := context.WithCancel(ctx)
	healthDone := make(chan struct{})
	go func() {
		defer close(healthDone)
		c.components.WatchHealth(healthCtx, c.healthInterval, c.reportHealth)
	}()

	runErr := c.supervisor.Run(ctx)
	stopHealth()
	<-healthDone
	if errors.Is(runErr, task.ErrShutdownDeadline) {
		_ = c.alerts.SendCritical("tasks did not stop before deadline", map[string]interface{}{"error": runErr.Error()})
	}
	stopErr := c.Stop()
	return errors.Join(runErr, stopErr)
}

// Stop 逆序停止后台组件。撤单平仓已由各任务在退出时完成。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")
	err := c.components.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	c.logger.Info("container stopped")
	_ = c.logger.Close()
	return err
}

// reportHealth 组件异常发 CRITICAL 告警，恢复只记日志
func (c *Container) reportHealth(name string, err error) {
	if err == nil {
		c.logger.Info("component healthy again", zap.String("component", name))
		return
	}
	c.logger.Warn("component unhealthy", zap.String("component", name), zap.Error(err))
	_ = c.alerts.SendCritical(name+" unhealthy", map[string]interface{}{
		"component": name,
		"error":     err.Error(),
	})
}

// Logger 构建后可用
func (c *Container) Logger() *logger.Logger { return c.logger }
