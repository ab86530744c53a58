package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/park285/bidchess-server/internal/archive"
	"github.com/park285/bidchess-server/internal/config"
	"github.com/park285/bidchess-server/internal/engine"
	"github.com/park285/bidchess-server/internal/httpapi"
	"github.com/park285/bidchess-server/internal/matchindex"
	"github.com/park285/bidchess-server/internal/obslog"
	"github.com/park285/bidchess-server/internal/room"
)

func main() {
	if err := obslog.InitFromEnv(); err != nil {
		panic(err)
	}
	defer obslog.Sync()

	cfg, err := config.Load()
	if err != nil {
		obslog.L().Fatal("config_load_error", zap.Error(err))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		obslog.L().Fatal("redis_url_error", zap.Error(err))
	}
	rdb := redis.NewClient(opts)
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		pingCancel()
		obslog.L().Fatal("redis_connect_error", zap.Error(err))
	}
	pingCancel()
	defer rdb.Close()

	var archiver room.Archiver
	if cfg.DatabaseURL != "" {
		repo, err := archive.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			obslog.L().Fatal("archive_open_error", zap.Error(err))
		}
		defer repo.Close()
		archiver = repo
		obslog.L().Info("archive_enabled")
	}

	idx := matchindex.NewManager(ctx, matchindex.NewStore(rdb), cfg.TimeControls, cfg.QueueStaleMs, nil)
	reg := room.NewRegistry(room.NewStore(rdb), idx, archiver, engine.NewFactory(), nil)

	if cfg.SweepIntervalSec > 0 {
		sweepInterval := time.Duration(cfg.SweepIntervalSec) * time.Second
		reg.StartSweeper(sweepInterval)
		go func() {
			ticker := time.NewTicker(sweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					idx.CleanupStale(ctx)
				}
			}
		}()
	}

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: httpapi.NewServer(cfg, reg, idx).Handler(),
	}

	go func() {
		obslog.L().Info("server_listening", zap.String("addr", cfg.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			obslog.L().Fatal("server_error", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	obslog.L().Info("shutdown_signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		obslog.L().Warn("server_shutdown_error", zap.Error(err))
	}
	cancel()
	reg.Shutdown()
	obslog.L().Info("shutdown_complete")
}
