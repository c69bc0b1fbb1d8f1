package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	tide "github.com/tidechat/tide-go"
	"go.uber.org/zap"
)

var (
	watchConversation string
	watchDebug        bool
)

func init() {
	watchCmd.Flags().StringVar(&watchConversation, "conversation", "", "Only show events for this conversation")
	watchCmd.Flags().BoolVar(&watchDebug, "debug", false, "Verbose connection logging")
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Tail the live event stream",
	Long:  "Connect to the real-time stream and print incoming messages, status changes, and unread updates as they happen. Ctrl-C to stop.",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, cfg := getClient()

		logger, err := newWatchLogger(watchDebug)
		if err != nil {
			return fmt.Errorf("logger: %w", err)
		}
		defer logger.Sync()

		engine := tide.NewEngine(client, tide.EngineConfig{Self: selfSender(cfg)})
		defer engine.Close()

		feed := tide.NewRealtimeClient(&tide.RealtimeConfig{
			BaseURL:       cfg.Server.BaseURL,
			Token:         cfg.Server.Token,
			AutoReconnect: true,
		})
		engine.AttachFeed(feed)

		feed.OnConnected(func() {
			logger.Info("connected", zap.String("server", cfg.Server.BaseURL))
		})
		feed.OnDisconnected(func(code int, reason string) {
			logger.Warn("disconnected", zap.Int("code", code), zap.String("reason", reason))
		})
		feed.OnReconnecting(func(attempt int, delay time.Duration) {
			logger.Info("reconnecting", zap.Int("attempt", attempt), zap.Duration("delay", delay))
		})

		feed.OnChatMessage(func(p tide.ChatMessagePayload) {
			if watchConversation != "" && p.ConversationID != watchConversation {
				return
			}
			who := "unknown"
			if p.Message.Sender != nil {
				who = p.Message.Sender.Username
			}
			logger.Info("message",
				zap.String("conversation", p.ConversationID),
				zap.String("from", who),
				zap.String("content", p.Message.Content))
		})
		feed.OnMessageStatus(func(p tide.MessageStatusPayload) {
			if watchConversation != "" && p.ConversationID != watchConversation {
				return
			}
			logger.Info("status",
				zap.String("conversation", p.ConversationID),
				zap.String("message", p.MessageID),
				zap.String("status", p.Status))
		})
		feed.OnReadStatus(func(p tide.ReadStatusPayload) {
			if watchConversation != "" && p.ConversationID != watchConversation {
				return
			}
			logger.Info("read",
				zap.String("conversation", p.ConversationID),
				zap.String("reader", p.ReaderID))
		})
		feed.OnUnreadCount(func(p tide.UnreadCountPayload) {
			if watchConversation != "" && p.ConversationID != watchConversation {
				return
			}
			logger.Info("unread",
				zap.String("conversation", p.ConversationID),
				zap.Int("count", p.UnreadCount))
		})

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		if err := feed.Connect(ctx); err != nil {
			return fmt.Errorf("connect: %w", err)
		}
		defer feed.Disconnect()

		if err := engine.RefreshRoster(ctx); err != nil {
			logger.Warn("roster refresh failed", zap.Error(err))
		}

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		return nil
	},
}

func newWatchLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Encoding = "console"
	cfg.DisableCaller = true
	cfg.DisableStacktrace = true
	return cfg.Build()
}
