// 短網址服務入口
//
// 啟動順序：
//  1. 加載配置、初始化結構化日誌
//  2. 連接 Redis 與 PostgreSQL（啟動時驗證連通性）
//  3. 執行資料庫遷移
//  4. 組裝核心管線（解析、記錄、落盤、統計）
//  5. 啟動 HTTP 服務與落盤定時器
//  6. 優雅關停：先停接收，再排空在途訪問記錄，最後做一次收尾落盤
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/koopa0/shortlink/internal/auth"
	"github.com/koopa0/shortlink/internal/config"
	"github.com/koopa0/shortlink/internal/handler"
	"github.com/koopa0/shortlink/internal/migrations"
	"github.com/koopa0/shortlink/internal/shortlink"
	"github.com/koopa0/shortlink/internal/storage"
	"github.com/koopa0/shortlink/pkg/snowflake"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "配置文件路徑")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// === Redis ===
	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
		MaxRetries:   cfg.Redis.MaxRetries,
		DialTimeout:  cfg.Redis.DialTimeout,
		ReadTimeout:  cfg.Redis.ReadTimeout,
		WriteTimeout: cfg.Redis.WriteTimeout,
	})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancel()
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	logger.Info("redis connected", "addr", cfg.Redis.Addr)

	// === PostgreSQL ===
	poolConfig, err := pgxpool.ParseConfig(cfg.PostgresDSN())
	if err != nil {
		return fmt.Errorf("parse postgres config: %w", err)
	}
	poolConfig.MaxConns = cfg.Postgres.MaxConns
	poolConfig.MinConns = cfg.Postgres.MinConns

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return fmt.Errorf("create postgres pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	logger.Info("postgres connected")

	// === 遷移 ===
	migrator, err := migrations.New(cfg.PostgresURL(), logger)
	if err != nil {
		return fmt.Errorf("create migrator: %w", err)
	}
	if err := migrator.Up(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	_ = migrator.Close()

	// === 核心管線 ===
	generator, err := snowflake.NewGenerator(cfg.MachineID)
	if err != nil {
		return fmt.Errorf("create id generator: %w", err)
	}

	store := storage.NewPostgres(pool)
	resolver := shortlink.NewResolver(rdb, store, cfg.Cache.TTL, logger)
	recorder := shortlink.NewRecorder(rdb, cfg.Recorder.MaxRetries, cfg.Recorder.RetryDelay, cfg.Recorder.Timeout, logger)
	flusher := shortlink.NewFlusher(rdb, store, lockToken(),
		cfg.Flush.BatchSize, cfg.Flush.MaxAttempts, cfg.Flush.RetryDelay, cfg.Flush.LockTTL,
		cfg.Flush.AlertThreshold, logger)
	analytics := shortlink.NewAnalytics(rdb, store, logger)
	service := shortlink.NewService(rdb, store, generator, logger)
	verifier := auth.NewJWT(cfg.Auth.JWTSecret)

	h := handler.New(service, resolver, recorder, flusher, analytics, verifier, logger)

	// === HTTP 服務 ===
	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      h.Routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// 落盤定時器
	go flusher.Run(ctx, cfg.Flush.Interval)

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("server: %w", err)
	case <-ctx.Done():
	}

	// === 優雅關停 ===
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", "error", err)
	}

	// 排空在途的訪問記錄（fire-and-forget 任務入隊完成前不退出）
	recorder.Wait()

	// 收尾落盤：盡量不把隊列留到下次啟動
	if flushed, err := flusher.Flush(shutdownCtx); err != nil {
		logger.Warn("final flush failed, queue preserved in redis", "error", err)
	} else if flushed > 0 {
		logger.Info("final flush complete", "events", flushed)
	}

	logger.Info("server stopped")
	return nil
}

// newLogger 按配置創建結構化日誌
func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Log.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Log.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}

// lockToken 本實例的落盤租約標識
func lockToken() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}
