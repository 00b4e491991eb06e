package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/ovara-labs/ovara/backend/internal/bridge"
	"github.com/ovara-labs/ovara/backend/internal/config"
	"github.com/ovara-labs/ovara/backend/internal/handler"
	"github.com/ovara-labs/ovara/backend/internal/handler/stream"
	"github.com/ovara-labs/ovara/backend/internal/logging"
	"github.com/ovara-labs/ovara/backend/internal/service/agent"
	"github.com/ovara-labs/ovara/backend/internal/service/conversation"
	"github.com/ovara-labs/ovara/backend/internal/service/session"
	"github.com/ovara-labs/ovara/backend/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if envErr != nil {
		logger.Warn("failed to load .env file, continuing with system environment variables only", zap.Error(envErr))
	}

	st, err := openStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.Error(err))
	}
	defer st.Close()

	client, err := agent.NewClient(agent.Config{
		BaseURL: cfg.Agent.BaseURL,
		Token:   cfg.Agent.APIToken,
		Timeout: cfg.Agent.Timeout,
		Logger:  logger.Named("agent"),
	})
	if err != nil {
		logger.Fatal("failed to build agent client", zap.Error(err))
	}

	conversations := conversation.NewService(st, cfg.Agent.AppName, logger.Named("conversation"))
	binder := session.NewBinder(st, client, cfg.Agent.AppName, logger.Named("binder"))

	live := stream.Config{
		Endpoint:  cfg.Agent.WSURL,
		AuthToken: cfg.Agent.APIToken,
		Relay: bridge.Options{
			BaseDelay:    cfg.Relay.BaseDelay,
			MaxDelay:     cfg.Relay.MaxDelay,
			MaxAttempts:  cfg.Relay.MaxAttempts,
			PingInterval: cfg.Relay.PingInterval,
		},
	}
	router := handler.NewRouter(conversations, binder, live, logger)

	startServer(ctx, cfg.Server, router, logger)
}

func openStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, error) {
	switch cfg.Driver {
	case config.StoreDriverMemory:
		logger.Warn("using in-memory store, conversations are lost on restart")
		return store.NewMemoryStore(), nil
	default:
		return store.OpenSQLite(ctx, cfg.DSN, logger.Named("store"))
	}
}

func startServer(ctx context.Context, serverCfg config.ServerConfig, router http.Handler, logger *zap.Logger) {
	addr := serverCfg.Addr
	srv := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	logger.Info("Ovara backend listening", zap.String("addr", addr))
	if err := runServer(ctx, srv); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

func runServer(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		err := <-errCh
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
