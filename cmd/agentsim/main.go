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
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ovara-labs/ovara/backend/internal/agentsim"
	"github.com/ovara-labs/ovara/backend/internal/config"
	"github.com/ovara-labs/ovara/backend/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		addr    string
		token   string
		appName string
		echo    bool
	)

	cmd := &cobra.Command{
		Use:   "agentsim",
		Short: "本地 agent 服务模拟器（会话 REST + 流式 WebSocket）",
		RunE: func(cmd *cobra.Command, _ []string) error {
			_ = godotenv.Load()

			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("配置加载失败: %w", err)
			}
			logger, err := logging.New(cfg.Log)
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var responder agentsim.Responder = agentsim.EchoResponder{}
			if !echo && cfg.AI.Enabled() {
				chatModel, err := cfg.AI.NewChatModel(ctx)
				if err != nil {
					return fmt.Errorf("初始化模型失败: %w", err)
				}
				responder, err = agentsim.NewModelResponder(ctx, chatModel)
				if err != nil {
					return err
				}
				logger.Info("using model responder", zap.String("model", cfg.AI.Model))
			} else {
				logger.Info("Ark 凭证未配置或指定了 --echo，使用回声应答")
			}

			if appName == "" {
				appName = cfg.Agent.AppName
			}
			sim := agentsim.New(agentsim.Options{
				AppName:   appName,
				Token:     token,
				Responder: responder,
				Logger:    logger,
			})
			defer sim.Close()

			srv := &http.Server{
				Addr:              addr,
				Handler:           sim.Routes(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			logger.Info("agent simulator listening", zap.String("addr", addr), zap.String("app", appName))
			return serve(ctx, srv, sim)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":8000", "监听地址")
	cmd.Flags().StringVar(&token, "token", os.Getenv("AGENT_API_TOKEN"), "要求客户端携带的 Bearer token，留空则不校验")
	cmd.Flags().StringVar(&appName, "app", "", "应用名，默认使用 AGENT_APP_NAME")
	cmd.Flags().BoolVar(&echo, "echo", false, "强制使用回声应答")
	return cmd
}

func serve(ctx context.Context, srv *http.Server, sim *agentsim.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		// 先关闭已升级的 socket，Shutdown 不会等待被劫持的连接。
		sim.Close()
		_ = srv.Shutdown(shutdownCtx)
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
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
