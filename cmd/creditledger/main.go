// Package main запускает HTTP-сервер сервиса начисления кредитов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/creditledger/internal/config"
	"github.com/mmeshcher/creditledger/internal/handler"
	"github.com/mmeshcher/creditledger/internal/middleware"
	"github.com/mmeshcher/creditledger/internal/provider"
	"github.com/mmeshcher/creditledger/internal/remark"
	"github.com/mmeshcher/creditledger/internal/repository"
	"github.com/mmeshcher/creditledger/internal/service"
	"github.com/mmeshcher/creditledger/internal/sponsorapi"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := newRepository(cfg, sugar)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}

	adapters, err := newAdapters(cfg, sugar)
	if err != nil {
		sugar.Fatalw("provider initialization error", "error", err.Error())
	}

	var remarks *remark.Codec
	if cfg.RemarkSecret != "" {
		remarks = remark.NewCodec(cfg.RemarkSecret)
	}

	svc := service.NewService(repo, remarks, logger, service.Options{
		PriceTable:          cfg.PriceTable,
		AmountEpsilonMinor:  cfg.AmountEpsilonMinor,
		FallbackWindow:      cfg.FallbackWindow,
		PendingExpiry:       cfg.PendingExpiry,
		PaidGrace:           cfg.PaidGrace,
		RetryInterval:       cfg.RetryInterval,
		ExpireInterval:      cfg.ExpireInterval,
		RecoveryBatch:       cfg.RecoveryBatch,
		RecoveryConcurrency: cfg.RecoveryConcurrency,
		StalePendingAfter:   cfg.StalePendingAfter,
		HealthWindow:        cfg.HealthWindow,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.SessionSecret)
	h := handler.NewHandler(svc, adapters, logger, authMiddleware, cfg.InternalSecret)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Фоновое восстановление начислений и истечение заказов
	if cfg.SchedulerEnabled {
		g.Go(func() error {
			svc.Start(ctx)
			return nil
		})
	}

	g.Go(func() error {
		sugar.Infow("starting creditledger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

func newRepository(cfg *config.Config, sugar *zap.SugaredLogger) (service.Repository, error) {
	if cfg.DatabaseURI == "" {
		sugar.Warn("DATABASE_URI is empty, orders are kept in memory")
		return repository.NewMemoryRepository(nil), nil
	}
	return repository.NewPostgresRepository(cfg.DatabaseURI)
}

func newAdapters(cfg *config.Config, sugar *zap.SugaredLogger) (*provider.Registry, error) {
	var adapters []provider.Adapter

	if key := cfg.WalletKey(); key != "" {
		wallet, err := provider.NewWallet(key, cfg.WalletAppID)
		if err != nil {
			return nil, err
		}
		adapters = append(adapters, wallet)
	}

	if cfg.CardWebhookSecret != "" {
		adapters = append(adapters, provider.NewCard(cfg.CardWebhookSecret, cfg.CardSignatureTolerance, cfg.CardCurrency))
	}

	if cfg.SponsorWebhookToken != "" {
		var confirmer provider.OrderConfirmer
		if cfg.SponsorAPIAddress != "" {
			confirmer = sponsorapi.NewClient(cfg.SponsorAPIAddress, cfg.SponsorAPIToken)
		}
		adapters = append(adapters, provider.NewSponsor(cfg.SponsorWebhookToken, confirmer))
	}

	for _, a := range adapters {
		sugar.Infow("payment provider enabled", "provider", a.Provider())
	}

	return provider.NewRegistry(adapters...), nil
}
