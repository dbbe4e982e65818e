package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"journeycore/server"
	"journeycore/world"
)

// journeycore 入口：加载世界资源，启动 HTTP + WebSocket 服务
func main() {
	var cfgPath, addr string
	flag.StringVar(&cfgPath, "config", "", "path to YAML config")
	flag.StringVar(&addr, "addr", "", "server listen address, overrides config, e.g. :8080")
	flag.Parse()

	cfg, err := server.LoadConfig(cfgPath)
	if err != nil {
		panic(err)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	// 使用第三方 zap 日志库写入日志文件（带滚动）
	if err := server.InitLogger(cfg.Log); err != nil {
		panic(err)
	}
	defer server.SyncLogger()

	// 资源加载完成前不接受任何请求
	store, err := world.Load(cfg.Assets.Root, world.LoadOptions{
		ChunkSize: cfg.Assets.ChunkSize,
		Scale:     cfg.Assets.Scale,
	}, server.Log)
	if err != nil {
		server.Log.Fatalf("load world: %v", err)
	}

	router, err := server.NewRouter(store, cfg)
	if err != nil {
		server.Log.Fatalf("router: %v", err)
	}
	router.MarkReady()

	srv := server.NewServer(router, server.NewHub(), cfg.Session)
	httpSrv := &http.Server{Addr: cfg.Addr, Handler: srv.Routes()}

	go func() {
		server.Log.Infof("journeycore listening on %s; map=%s", cfg.Addr, router.MapName())
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.Log.Fatalf("listen: %v", err)
		}
	}()

	// 优雅退出（Ctrl+C）
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	server.Log.Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ShutdownTimeoutSec)*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		server.Log.Warnf("http shutdown: %v", err)
	}
	srv.Shutdown()
}
