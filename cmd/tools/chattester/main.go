package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ovara-labs/ovara/backend/internal/bridge"
	"github.com/ovara-labs/ovara/backend/internal/config"
	"github.com/ovara-labs/ovara/backend/internal/logging"
	"github.com/ovara-labs/ovara/backend/internal/service/agent"
	"github.com/ovara-labs/ovara/backend/internal/service/conversation"
	"github.com/ovara-labs/ovara/backend/internal/service/session"
	"github.com/ovara-labs/ovara/backend/internal/store"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type options struct {
	conversationID string
	clientID       string
	organizationID string
	title          string
}

func newRootCmd() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "chattester",
		Short: "终端聊天测试工具：创建会话、绑定 agent session 并通过 WebSocket 对话",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := godotenv.Load(); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "[WARN] 无法加载 .env，改用系统环境变量: %v\n", err)
			}

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

			return run(ctx, cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout(), logger)
		},
	}

	cmd.Flags().StringVar(&opts.conversationID, "conversation", "", "已有会话 ID，留空则新建")
	cmd.Flags().StringVar(&opts.clientID, "client", "", "客户 ID")
	cmd.Flags().StringVar(&opts.organizationID, "org", "", "组织 ID")
	cmd.Flags().StringVar(&opts.title, "title", "", "新会话标题")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("org")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, opts options, in io.Reader, out io.Writer, logger *zap.Logger) error {
	var st store.Store
	if cfg.Store.Driver == config.StoreDriverMemory {
		st = store.NewMemoryStore()
	} else {
		sqlite, err := store.OpenSQLite(ctx, cfg.Store.DSN, logger.Named("store"))
		if err != nil {
			return err
		}
		st = sqlite
	}
	defer st.Close()

	client, err := agent.NewClient(agent.Config{
		BaseURL: cfg.Agent.BaseURL,
		Token:   cfg.Agent.APIToken,
		Timeout: cfg.Agent.Timeout,
		Logger:  logger.Named("agent"),
	})
	if err != nil {
		return err
	}

	conversations := conversation.NewService(st, cfg.Agent.AppName, logger.Named("conversation"))
	binder := session.NewBinder(st, client, cfg.Agent.AppName, logger.Named("binder"))

	conversationID := opts.conversationID
	if conversationID == "" {
		c, err := conversations.Create(ctx, conversation.CreateInput{
			ClientID:       opts.clientID,
			OrganizationID: opts.organizationID,
			Title:          opts.title,
		})
		if err != nil {
			return fmt.Errorf("创建会话失败: %w", err)
		}
		conversationID = c.ID
		fmt.Fprintf(out, "新建会话 %s\n", conversationID)
	}

	ensured, err := binder.EnsureSession(ctx, conversationID, opts.clientID, opts.organizationID)
	if err != nil {
		return fmt.Errorf("获取 agent session 失败: %w", err)
	}
	fmt.Fprintf(out, "session=%s user=%s app=%s created=%t\n", ensured.SessionID, ensured.UserID, ensured.AppName, ensured.Created)

	fetched, err := binder.FetchSession(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("加载历史消息失败: %w", err)
	}
	for _, msg := range fetched.Messages {
		fmt.Fprintf(out, "[history] %s: %s\n", msg.Role, msg.Content)
	}

	p := &printer{out: out}
	var bindWG sync.WaitGroup
	defer bindWG.Wait()

	relay := bridge.NewRelay(bridge.Options{
		BaseDelay:    cfg.Relay.BaseDelay,
		MaxDelay:     cfg.Relay.MaxDelay,
		MaxAttempts:  cfg.Relay.MaxAttempts,
		PingInterval: cfg.Relay.PingInterval,
	}, bridge.Hooks{
		OnStatus: func(s bridge.Status) {
			p.line("[status] %s", s)
		},
		OnTurn: p.turn,
		OnStructured: func(payload json.RawMessage, role bridge.Role) {
			p.line("[%s json] %s", role, payload)
		},
		OnHandshake: func(hs bridge.Handshake) {
			// hooks must not block the connection loop
			bindWG.Add(1)
			go func() {
				defer bindWG.Done()
				if _, err := binder.BindHandshake(ctx, conversationID, hs); err != nil {
					logger.Warn("handshake bind failed", zap.Error(err))
				}
			}()
		},
		OnDecodeError: func(err error) {
			p.line("[decode error] %v", err)
		},
	}, logger.Named("relay"))

	err = relay.Connect(ctx, bridge.Target{
		Endpoint:  cfg.Agent.WSURL,
		AuthToken: cfg.Agent.APIToken,
		Conversation: bridge.Conversation{
			ConversationID: conversationID,
			SessionID:      ensured.SessionID,
			UserID:         ensured.UserID,
		},
	})
	if err != nil {
		return fmt.Errorf("连接失败: %w", err)
	}
	defer relay.Close()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-relay.Done():
			if s := relay.Status(); s.State == bridge.StateFailed {
				return fmt.Errorf("连接失败: %w", s.Err)
			}
			return nil
		case text, ok := <-lines:
			if !ok {
				return nil
			}
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			if err := relay.SendText(ctx, text); err != nil {
				if bridge.IsNotConnected(err) {
					p.line("[notice] 当前未连接，消息未发送: %s", relay.Status())
					continue
				}
				if errors.Is(err, bridge.ErrClosed) {
					return nil
				}
				return err
			}
			if err := conversations.Touch(ctx, conversationID); err != nil {
				logger.Warn("touch conversation failed", zap.Error(err))
			}
		}
	}
}

// printer renders turn events as a streaming transcript.
type printer struct {
	mu      sync.Mutex
	out     io.Writer
	printed int
	midLine bool
}

func (p *printer) line(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.midLine {
		fmt.Fprintln(p.out)
		p.midLine = false
	}
	fmt.Fprintf(p.out, format+"\n", args...)
}

func (p *printer) turn(ev bridge.TurnEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Kind {
	case bridge.UserMessage:
		if p.midLine {
			fmt.Fprintln(p.out)
			p.midLine = false
		}
		fmt.Fprintf(p.out, "[you] %s\n", ev.Text)
	case bridge.TurnStarted:
		fmt.Fprint(p.out, "[agent] ")
		p.printed = 0
		p.midLine = true
	case bridge.TurnUpdated:
		if !p.midLine {
			fmt.Fprint(p.out, "[agent] ... ")
			p.midLine = true
		}
		if len(ev.Text) > p.printed {
			fmt.Fprint(p.out, ev.Text[p.printed:])
			p.printed = len(ev.Text)
		}
	case bridge.TurnFinalized:
		if len(ev.Text) > p.printed {
			fmt.Fprint(p.out, ev.Text[p.printed:])
		}
		fmt.Fprintln(p.out)
		p.printed = 0
		p.midLine = false
	case bridge.TurnDiscarded:
		fmt.Fprintf(p.out, " [discarded: %s]\n", ev.Reason)
		p.printed = 0
		p.midLine = false
	}
}
