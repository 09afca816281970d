package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"partnerhub/internal/config"
	"partnerhub/internal/models"
	"partnerhub/internal/observability"
)

// Run 启动完整服务并阻塞到收到 SIGINT/SIGTERM 或 ctx 结束，随后优雅关闭
func Run(ctx context.Context, cfg *config.Config, logger *logrus.Logger) error {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	shutdownTracing, err := observability.SetupTracing(ctx, cfg)
	if err != nil {
		logger.Warnf("tracing disabled: %v", err)
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracing(sctx); err != nil {
			logger.Warnf("tracing shutdown: %v", err)
		}
	}()

	db, err := OpenDatabase(cfg, logger)
	if err != nil {
		return err
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := models.Migrate(db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}

	if cfg.Log.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	appCtx, cancelApp := context.WithCancel(context.Background())
	app := NewApp(cfg, db, logger)
	app.Start(appCtx)

	srv := &http.Server{Addr: cfg.Server.Addr(), Handler: app.Handler()}
	serveErr := make(chan error, 1)
	go func() {
		logger.Infof("Starting server on %s", cfg.Server.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutting down server...")
	case err := <-serveErr:
		cancelApp()
		app.Wait()
		return fmt.Errorf("listen: %w", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		logger.Errorf("Server forced to shutdown: %v", err)
	}
	cancelApp()
	app.Wait()

	logger.Info("Server exited")
	return nil
}
