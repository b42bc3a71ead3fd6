package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"perp-maker-go/infrastructure/logger"
	"perp-maker-go/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/config.yaml", "配置文件路径")
	flag.Parse()

	if err := run(*cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "runner: %v\n", err)
		os.Exit(1)
	}
}

func run(cfgPath string) error {
	c, err := container.New(cfgPath)
	if err != nil {
		return err
	}
	if err := c.Build(); err != nil {
		return err
	}
	log := c.Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Info("shutdown signal received, cancelling quotes and flattening")
		notify(log, daemon.SdNotifyStopping)
	}()
	notify(log, daemon.SdNotifyReady)

	return c.Run(ctx)
}

// notify 在非 systemd 环境下是空操作
func notify(log *logger.Logger, state string) {
	sent, err := daemon.SdNotify(false, state)
	if err != nil {
		log.Debug("sd_notify failed", zap.String("state", state), zap.Error(err))
		return
	}
	if sent {
		log.Debug("sd_notify sent", zap.String("state", state))
	}
}
