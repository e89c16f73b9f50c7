package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"edgerelay/internal/server"
	"edgerelay/internal/shared/config"
	"edgerelay/internal/shared/logger"
	"edgerelay/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	shutdownTimeout := flag.Duration("shutdown-timeout", 15*time.Second, "Grace period for active sessions on shutdown")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "edgerelay.ini")

	// 1. 加载配置
	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// logger 尚未初始化
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 创建并运行服务器
	appServer, err := server.New(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create server")
	}
	errCh := make(chan error, 1)
	go func() { errCh <- appServer.ListenAndServe() }()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Fatal().Err(err).Msg("Server stopped unexpectedly")
		}
		return
	case <-waitForSignal():
	}

	ctx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := appServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("Shutdown did not complete cleanly")
	}
	logger.Info().Msg("--- edgerelay shutdown complete. ---")
}

func waitForSignal() <-chan os.Signal {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	return sigs
}
