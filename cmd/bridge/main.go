package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"go.uber.org/zap"

	"order-bridge/internal/container"
)

func main() {
	cfgPath := flag.String("config", "configs/bridge.yaml", "配置文件路径")
	flag.Parse()

	c, err := container.New(*cfgPath)
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// systemd watchdog：每次周期 tick 喂狗，驱动卡死时由 systemd 重启
	if interval, err := daemon.SdWatchdogEnabled(false); err == nil && interval > 0 {
		var last time.Time
		c.SetTickHook(func() {
			if now := time.Now(); now.Sub(last) >= interval/2 {
				last = now
				_, _ = daemon.SdNotify(false, daemon.SdNotifyWatchdog)
			}
		})
	}

	if err := c.Build(); err != nil {
		log.Fatalf("初始化失败: %v", err)
	}
	lg := c.Logger()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := c.Start(ctx); err != nil {
		lg.Error("start failed", zap.Error(err))
		_ = c.Stop()
		os.Exit(1)
	}
	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		lg.Warn("sd_notify ready failed", zap.Error(err))
	} else if ok {
		lg.Info("systemd notified ready")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-sigCh:
		lg.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-c.Fatal():
		lg.Error("unrecoverable session failure", zap.Error(err))
		exitCode = 1
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	cancel()
	if err := c.Stop(); err != nil {
		exitCode = 1
	}
	os.Exit(exitCode)
}
