package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/iurnickita/loyaltymart/internal/auth"
	"github.com/iurnickita/loyaltymart/internal/balance"
	"github.com/iurnickita/loyaltymart/internal/config"
	"github.com/iurnickita/loyaltymart/internal/grade"
	"github.com/iurnickita/loyaltymart/internal/handler"
	"github.com/iurnickita/loyaltymart/internal/logger"
	"github.com/iurnickita/loyaltymart/internal/service"
	"github.com/iurnickita/loyaltymart/internal/store"
	"github.com/iurnickita/loyaltymart/internal/store/memstore"
	"github.com/iurnickita/loyaltymart/internal/token"
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

	zaplog, err := logger.NewZapLog(cfg.Logger)
	if err != nil {
		return err
	}
	defer zaplog.Sync()

	grades, err := grade.Load(cfg.Grade)
	if err != nil {
		return err
	}

	var st store.Store
	if cfg.Memory {
		zaplog.Warn("using in-memory store, data is lost on restart")
		st = memstore.New()
	} else {
		st, err = store.NewStore(cfg.Store)
		if err != nil {
			return err
		}
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	balance := balance.NewBalance(st, grades, zaplog)
	service := service.NewService(cfg.Service, st, balance, zaplog)
	defer service.Shutdown()
	auth := auth.NewAuth(st, token.NewToken(cfg.Token), grades, zaplog)

	zaplog.Info("grade table loaded", zap.Int("tiers", len(grades.Tiers())))
	return handler.Serve(ctx, cfg.Handler, auth, service, zaplog)
}
