// Package main はAPIサーバーのエントリポイント。
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"envelope-key-service/config"
	"envelope-key-service/internal/handler"
	"envelope-key-service/internal/infra"
	"envelope-key-service/internal/repository"
	"envelope-key-service/internal/usecase"
)

func main() {
	ctx := context.Background()

	// .envファイルを読み込む（存在しない場合は無視）
	// 既存の環境変数は上書きしない
	_ = godotenv.Load()

	// 設定読み込み
	cfg := config.Load()

	// ログレベル設定
	var logLevel slog.Level
	switch cfg.LogLevel {
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	// トレーサー初期化（ロガー設定の前に実行）
	tp, err := infra.InitTracer(ctx, cfg)
	if err != nil {
		slog.Error("failed to init tracer", "error", err)
		os.Exit(1)
	}
	if tp != nil {
		defer func() {
			if err := tp.Shutdown(ctx); err != nil {
				slog.Error("failed to shutdown tracer", "error", err)
			}
		}()
	}

	// トレース情報付きロガーを設定
	infra.SetupLogger(cfg, logLevel)

	// DB初期化
	if cfg.DatabaseURL == "" {
		slog.Error("DATABASE_URL is not set")
		os.Exit(1)
	}
	db, err := infra.NewDB(cfg.DatabaseURL, cfg)
	if err != nil {
		slog.Error("failed to init database", "error", err)
		os.Exit(1)
	}

	// マスターKEKプロバイダ初期化
	var master usecase.MasterKeyWrapper
	switch cfg.MasterKeyProvider {
	case config.MasterKeyProviderLocal:
		localMaster, err := infra.NewLocalMasterKey(cfg.MasterKey)
		if err != nil {
			slog.Error("failed to init local master key", "error", err)
			os.Exit(1)
		}
		master = localMaster
	case config.MasterKeyProviderGCPKMS:
		kmsMaster, err := infra.NewKMSMasterKey(ctx, cfg.KMSKeyName)
		if err != nil {
			slog.Error("failed to init KMS master key", "error", err)
			os.Exit(1)
		}
		defer func() {
			if closeErr := kmsMaster.Close(); closeErr != nil {
				slog.Error("failed to close KMS client", "error", closeErr)
			}
		}()
		master = kmsMaster
	default:
		slog.Error("unknown master key provider", "provider", cfg.MasterKeyProvider)
		os.Exit(1)
	}

	// DI
	keyRepo := repository.NewKeyRepository(db)
	auditRepo := repository.NewAuditRepository(db)
	lifecycle := usecase.NewLifecycleService(keyRepo, master)
	envelope := usecase.NewEnvelopeService(lifecycle)
	audit := usecase.NewAuditService(auditRepo)
	vault := usecase.NewVaultService(lifecycle, envelope, audit)
	h := handler.NewVaultHandler(vault)
	router := handler.NewRouter(h, cfg)

	// サーバー起動
	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
		<-sigCh

		slog.Info("shutting down server...")
		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("starting server", "port", cfg.Port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
