package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"finledger/internal/api"
	"finledger/internal/config"
	"finledger/internal/service"
	"finledger/internal/storage"
	"finledger/internal/storage/memory"
	"finledger/internal/storage/postgres"
)

func main() {
	cfg := config.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store storage.Storage
	if cfg.DatabaseURL != "" {
		db, err := postgres.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("database connection failed", "err", err)
			os.Exit(1)
		}
		defer db.Close()
		store = postgres.NewRepo(db)
		logger.Info("using postgres store")
	} else {
		store = memory.NewStore()
		logger.Warn("DATABASE_URL not set, using in-memory store")
	}

	ledger := service.New(store, logger)
	a := api.NewAPI(ledger, logger)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: a.TimeoutMiddleware(a.Router(), cfg.RequestTimeout),
	}

	go func() {
		logger.Info("listening", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown failed", "err", err)
	}
}
