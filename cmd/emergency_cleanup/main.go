package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"perp-maker-go/config"
	"perp-maker-go/gateway"
	"perp-maker-go/infrastructure/logger"
	"perp-maker-go/internal/symbolcache"
	"perp-maker-go/internal/task"
	"perp-maker-go/strategy"
)

// 撤掉配置中交易对（或 -symbol 指定的交易对）的全部挂单并 reduce-only 市价平仓。
func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	symbol := flag.String("symbol", "", "只处理该交易对，留空处理配置中的全部任务")
	timeout := flag.Duration("timeout", 30*time.Second, "整体超时")
	flag.Parse()

	cfg, err := config.LoadWithEnvOverrides(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "create logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Close()

	symbols := targets(cfg, *symbol)
	cache, err := symbolcache.Open(cfg.Cache.Path)
	if err != nil {
		log.Warn("symbol cache unreadable", zap.Error(err))
		cache, _ = symbolcache.Open("")
	}
	client := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, cfg.Gateway.APISecret, cfg.Gateway.RateLimit, nil)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var errs []error
	for _, sym := range symbols {
		t := task.New(task.Config{Strategy: strategy.Config{Symbol: sym}}, task.Deps{
			Exchange: client,
			Cache:    cache,
			Logger:   log,
		})
		if err := t.Cleanup(ctx); err != nil {
			log.Error("cleanup failed", zap.String("symbol", sym), zap.Error(err))
			errs = append(errs, fmt.Errorf("%s: %w", sym, err))
			continue
		}
		log.Info("cleanup done", zap.String("symbol", sym))
	}
	if err := errors.Join(errs...); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func targets(cfg config.AppConfig, only string) []string {
	if only != "" {
		return []string{strings.ToUpper(only)}
	}
	out := make([]string, 0, len(cfg.Tasks))
	for _, t := range cfg.Tasks {
		out = append(out, t.Symbol)
	}
	return out
}
