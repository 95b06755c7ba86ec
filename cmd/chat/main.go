// Streamchat terminal client
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ashureev/streamchat/internal/auth"
	"github.com/ashureev/streamchat/internal/chat"
	"github.com/ashureev/streamchat/internal/config"
	"github.com/ashureev/streamchat/internal/events"
	"github.com/ashureev/streamchat/internal/queue"
	"github.com/ashureev/streamchat/internal/store"
	"github.com/ashureev/streamchat/internal/transport"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
)

// flagEnv maps command-line flags onto the environment variables they
// override, so config.Load stays the single source of validation.
var flagEnv = map[string]string{
	"transport":  "CHAT_TRANSPORT",
	"socket-url": "CHAT_SOCKET_URL",
	"stream-url": "CHAT_STREAM_URL",
	"token-kind": "CHAT_TOKEN_KIND",
	"model":      "CHAT_MODEL",
	"db":         "CHAT_DB_PATH",
	"token-url":  "AUTH_TOKEN_URL",
}

func main() {
	flags := pflag.NewFlagSet("chat", pflag.ExitOnError)
	flags.String("transport", "", "socket, stream or buffered")
	flags.String("socket-url", "", "websocket endpoint")
	flags.String("stream-url", "", "HTTP answer endpoint")
	flags.String("token-kind", "", "bearer token kind: access or id")
	flags.String("model", "", "model requested from the backend")
	flags.String("db", "", "SQLite database path")
	flags.String("token-url", "", "OAuth token endpoint")
	envFile := flags.String("env-file", ".env", "dotenv file to load")
	verbose := flags.BoolP("verbose", "v", false, "enable debug logging")
	_ = flags.Parse(os.Args[1:])

	// Stdout carries the conversation, so logs go to stderr.
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	if err := godotenv.Load(*envFile); err != nil {
		slog.Debug("No .env file found, using environment variables", "path", *envFile)
	}
	for name, env := range flagEnv {
		if f := flags.Lookup(name); f != nil && f.Changed {
			_ = os.Setenv(env, f.Value.String())
		}
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	level.Set(cfg.LogLevel)
	if *verbose {
		level.Set(slog.LevelDebug)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Chat client failed", "error", err)
		os.Exit(1)
	}
}

//nolint:gocognit // Startup wiring is sequential to keep dependency setup explicit.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if !cfg.HasCredentials() {
		return errors.New("no credentials configured: set AUTH_REFRESH_TOKEN or AUTH_ACCESS_TOKEN")
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create data directory: %w", err)
		}
	}
	db, err := store.NewSQLite(cfg.DBPath, cfg.StorageQuotaBytes)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("Failed to close database", "error", closeErr)
		}
	}()
	if err := db.Ping(ctx); err != nil {
		return fmt.Errorf("database health check: %w", err)
	}

	bus := events.NewBus(logger)
	httpClient := &http.Client{}
	provider := auth.NewOAuthProvider(auth.OAuthProviderConfig{
		TokenURL:   cfg.Auth.TokenURL,
		ClientID:   cfg.Auth.ClientID,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}, auth.Session{
		AccessToken:  cfg.Auth.AccessToken,
		IDToken:      cfg.Auth.IDToken,
		RefreshToken: cfg.Auth.RefreshToken,
	}, logger)
	broker := auth.NewBroker(provider, bus, auth.BrokerConfig{ExpiryBuffer: cfg.Auth.ExpiryBuffer, Now: time.Now}, logger)
	tokenKind := auth.ParseTokenKind(cfg.TokenKind)

	if _, err := broker.Credential(ctx, tokenKind); err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	user, err := provider.CurrentAuthenticatedUser(ctx)
	if err != nil {
		return fmt.Errorf("read signed-in user: %w", err)
	}
	slog.Info("Signed in", "user_id", user.UserID, "name", user.DisplayName(), "session_ttl", user.SessionTTL(time.Now()).Round(time.Second))

	monitor := auth.NewMonitor(broker, bus, auth.MonitorConfig{
		Interval:         cfg.Auth.MonitorInterval,
		WarningThreshold: cfg.Auth.WarningThreshold,
	}, logger)
	go monitor.Run(ctx)

	ui := newTerminal(os.Stdout, os.Stderr)
	ccfg := chat.Config{
		History:  db,
		Bus:      bus,
		Notifier: chat.NotifierFunc(ui.notify),
		Listener: chat.ListenerFunc(ui.update),
		UserID:   user.UserID,
		Author:   user.DisplayName(),
		Model:    cfg.Model,
	}

	var socket *transport.SocketChannel
	var outbox *queue.Queue
	switch cfg.Transport {
	case "socket":
		outbox, err = queue.Open(ctx, db, queue.Config{
			StorageKey: cfg.Queue.StorageKey,
			MaxSize:    cfg.Queue.MaxSize,
			MaxRetries: cfg.Queue.MaxRetries,
			StaleAfter: cfg.Queue.StaleAfter,
			Encrypt:    cfg.Queue.Encrypt,
			Passphrase: cfg.Queue.Passphrase,
			OnOverflow: func(it queue.Item) {
				ui.notify(chat.Notification{Kind: chat.NotifyWarning, Message: "Offline queue is full; dropped the oldest message."})
				slog.Warn("[QUEUE] Dropped message on overflow", "id", it.ID)
			},
		}, logger)
		if err != nil {
			return fmt.Errorf("open offline queue: %w", err)
		}
		if n := outbox.Size(); n > 0 {
			slog.Info("[QUEUE] Restored pending messages", "count", n)
		}

		scfg := transport.DefaultSocketConfig(cfg.SocketURL)
		scfg.Enabled = cfg.SocketEnabled
		scfg.HeartbeatInterval = cfg.Socket.HeartbeatInterval
		scfg.PongTimeout = cfg.Socket.PongTimeout
		scfg.DialTimeout = cfg.Socket.DialTimeout
		scfg.MaxMessageBytes = cfg.Socket.MaxMessageBytes
		scfg.MaxRetries = cfg.Socket.ReconnectMaxRetries
		scfg.Backoff.Base = cfg.Socket.ReconnectBaseDelay
		scfg.Backoff.Max = cfg.Socket.ReconnectMaxDelay
		scfg.Credential = func(ctx context.Context) (string, error) {
			cred, err := broker.Credential(ctx, tokenKind)
			return cred.Token, err
		}
		socket = transport.NewSocketChannel(scfg, outbox, logger)
		defer func() { _ = socket.Close() }()
		ccfg.Socket = socket

	default:
		ccfg.Query = transport.NewHTTPChannel(auth.NewClient(broker, httpClient, logger), transport.HTTPConfig{
			URL:       cfg.StreamURL,
			Mode:      transport.ParseMode(cfg.Transport),
			TokenKind: tokenKind,
			Model:     cfg.Model,
		}, logger)
	}

	controller, err := chat.NewController(ccfg, logger)
	if err != nil {
		return fmt.Errorf("create chat controller: %w", err)
	}
	defer controller.Close()

	// The offline queue is wiped once the session is gone.
	unsubscribe := bus.Subscribe(events.SessionExpired, func(ev events.SessionEvent) {
		if outbox == nil {
			return
		}
		if err := outbox.SecureDelete(context.WithoutCancel(ctx)); err != nil {
			slog.Error("[QUEUE] Failed to wipe offline queue", "error", err)
		}
	})
	defer unsubscribe()
	unsubscribeExpiring := bus.Subscribe(events.SessionExpiring, func(ev events.SessionEvent) {
		ui.notify(chat.Notification{
			Kind:    chat.NotifyWarning,
			Message: fmt.Sprintf("Your session expires in %s.", ev.Remaining.Round(time.Second)),
		})
	})
	defer unsubscribeExpiring()

	if socket != nil {
		socket.OnEvent(controller.HandleEvent)
		socket.OnStatusChange(func(s transport.ConnectionState) {
			ui.connection(s)
			controller.HandleConnectionState(s)
		})
		socket.OnError(func(err error) { slog.Debug("[SOCKET] Channel error", "error", err) })
		if err := socket.Connect(ctx); err != nil {
			slog.Warn("[SOCKET] Initial connect failed, messages will be queued", "error", err)
		}
	}

	r := &repl{
		ui:         ui,
		controller: controller,
		logout: func() {
			provider.SignOut()
			broker.Expire("signed out", nil)
		},
	}
	if socket != nil {
		r.socket = socket
	}
	return r.run(ctx, os.Stdin)
}
