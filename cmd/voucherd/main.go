package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/iurnickita/voucherd/internal/auth"
	"github.com/iurnickita/voucherd/internal/config"
	"github.com/iurnickita/voucherd/internal/handler"
	"github.com/iurnickita/voucherd/internal/ledger"
	"github.com/iurnickita/voucherd/internal/locker"
	"github.com/iurnickita/voucherd/internal/logger"
	"github.com/iurnickita/voucherd/internal/notifier"
	"github.com/iurnickita/voucherd/internal/pricing"
	"github.com/iurnickita/voucherd/internal/service"
	"github.com/iurnickita/voucherd/internal/service/routerclient"
	"github.com/iurnickita/voucherd/internal/store"
	"github.com/iurnickita/voucherd/internal/voucher"
)

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}

func run() error {
	cfg, err := config.GetConfig()
	if err != nil {
		return err
	}

	if cfg.Token.Secret == "" {
		return errors.New("token secret is not set (VOUCHERD_TOKEN_SECRET)")
	}

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	store, err := store.NewStore(cfg.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	ledger, err := ledger.NewLedger(cfg.Ledger, store)
	if err != nil {
		return err
	}

	prices, err := pricing.NewResolver(cfg.Pricing)
	if err != nil {
		return err
	}

	locker, err := locker.NewLocker(cfg.Locker)
	if err != nil {
		return err
	}
	defer locker.Close()

	notifier, err := notifier.NewNotifier(cfg.Notifier, zaplog)
	if err != nil {
		return err
	}
	defer notifier.Close()

	if cfg.Store.DBDsn == "" {
		zaplog.Warn("store is in memory, balances are lost on restart")
	}

	service := service.NewService(cfg.Service, service.Deps{
		Ledger:   ledger,
		Vouchers: voucher.NewVouchers(cfg.Voucher, store),
		Pricing:  prices,
		Router:   routerclient.NewRouterClient(cfg.Router, zaplog),
		Locker:   locker,
		Notifier: notifier,
	}, zaplog)

	auth := auth.NewAuth(cfg.Token)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return handler.Serve(ctx, cfg.Handler, auth, service, zaplog)
	})
	g.Go(func() error {
		return service.RunSweeper(ctx)
	})

	err = g.Wait()
	zaplog.Info("voucherd stopped", zap.Error(err))
	return err
}
