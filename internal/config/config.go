// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// DefaultMaxMessageBytes is the default limit for one inbound websocket
// message. Answers that carry source excerpts exceed the library default
// of 32 KiB.
const DefaultMaxMessageBytes = 4 << 20

// Config holds the chat client configuration.
type Config struct {
	Transport         string // "socket", "stream" or "buffered"
	SocketURL         string
	StreamURL         string
	SocketEnabled     bool
	TokenKind         string // "access" or "id"
	Model             string
	DBPath            string
	StorageQuotaBytes int64
	LogLevel          slog.Level

	Auth   AuthConfig
	Socket SocketConfig
	Queue  QueueConfig
}

// AuthConfig controls token refresh and session monitoring.
type AuthConfig struct {
	TokenURL         string
	ClientID         string
	AccessToken      string
	IDToken          string
	RefreshToken     string
	ExpiryBuffer     time.Duration
	MonitorInterval  time.Duration
	WarningThreshold time.Duration
}

// SocketConfig controls the persistent connection.
type SocketConfig struct {
	HeartbeatInterval   time.Duration
	PongTimeout         time.Duration
	ReconnectBaseDelay  time.Duration
	ReconnectMaxDelay   time.Duration
	ReconnectMaxRetries int
	DialTimeout         time.Duration
	MaxMessageBytes     int64
}

// QueueConfig controls the offline message queue.
type QueueConfig struct {
	StorageKey string
	MaxSize    int
	MaxRetries int
	StaleAfter time.Duration
	Encrypt    bool
	Passphrase string
}

// Load reads client configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Transport:         strings.ToLower(getEnv("CHAT_TRANSPORT", "stream")),
		SocketURL:         getEnv("CHAT_SOCKET_URL", "ws://localhost:8080/ws"),
		StreamURL:         getEnv("CHAT_STREAM_URL", "http://localhost:8080/chat/stream"),
		SocketEnabled:     getEnvBool("CHAT_SOCKET_ENABLED", true),
		TokenKind:         strings.ToLower(getEnv("CHAT_TOKEN_KIND", "access")),
		Model:             getEnv("CHAT_MODEL", "sonnet"),
		DBPath:            getEnv("CHAT_DB_PATH", "./data/chat.db"),
		StorageQuotaBytes: int64(getEnvInt("CHAT_STORAGE_QUOTA_BYTES", 5*1024*1024)),
		LogLevel:          ParseLogLevel(getEnv("LOG_LEVEL", "info")),
		Auth: AuthConfig{
			TokenURL:         getEnv("AUTH_TOKEN_URL", "http://localhost:8080/oauth/token"),
			ClientID:         getEnv("AUTH_CLIENT_ID", "streamchat"),
			AccessToken:      getEnv("AUTH_ACCESS_TOKEN", ""),
			IDToken:          getEnv("AUTH_ID_TOKEN", ""),
			RefreshToken:     getEnv("AUTH_REFRESH_TOKEN", ""),
			ExpiryBuffer:     getEnvDuration("AUTH_EXPIRY_BUFFER", 60*time.Second),
			MonitorInterval:  getEnvDuration("AUTH_MONITOR_INTERVAL", 5*time.Minute),
			WarningThreshold: getEnvDuration("AUTH_WARNING_THRESHOLD", 5*time.Minute),
		},
		Socket: SocketConfig{
			HeartbeatInterval:   getEnvDuration("SOCKET_HEARTBEAT_INTERVAL", 30*time.Second),
			PongTimeout:         getEnvDuration("SOCKET_PONG_TIMEOUT", 5*time.Second),
			ReconnectBaseDelay:  getEnvDuration("SOCKET_RECONNECT_BASE_DELAY", time.Second),
			ReconnectMaxDelay:   getEnvDuration("SOCKET_RECONNECT_MAX_DELAY", 30*time.Second),
			ReconnectMaxRetries: getEnvInt("SOCKET_RECONNECT_MAX_RETRIES", 5),
			DialTimeout:         getEnvDuration("SOCKET_DIAL_TIMEOUT", 10*time.Second),
			MaxMessageBytes:     int64(getEnvInt("SOCKET_MAX_MESSAGE_BYTES", DefaultMaxMessageBytes)),
		},
		Queue: QueueConfig{
			StorageKey: getEnv("QUEUE_STORAGE_KEY", "ws_message_queue"),
			MaxSize:    getEnvInt("QUEUE_MAX_SIZE", 100),
			MaxRetries: getEnvInt("QUEUE_MAX_RETRIES", 3),
			StaleAfter: getEnvDuration("QUEUE_STALE_AFTER", 24*time.Hour),
			Encrypt:    getEnvBool("QUEUE_ENCRYPT", true),
			Passphrase: getEnv("QUEUE_PASSPHRASE", ""),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	switch c.Transport {
	case "socket":
		if c.SocketURL == "" {
			return fmt.Errorf("CHAT_SOCKET_URL cannot be empty when CHAT_TRANSPORT=socket")
		}
	case "stream", "buffered":
		if c.StreamURL == "" {
			return fmt.Errorf("CHAT_STREAM_URL cannot be empty when CHAT_TRANSPORT=%s", c.Transport)
		}
	default:
		return fmt.Errorf("CHAT_TRANSPORT must be socket, stream or buffered, got %q", c.Transport)
	}
	if c.TokenKind != "access" && c.TokenKind != "id" {
		return fmt.Errorf("CHAT_TOKEN_KIND must be access or id, got %q", c.TokenKind)
	}
	if c.DBPath == "" {
		return fmt.Errorf("CHAT_DB_PATH cannot be empty")
	}
	if c.StorageQuotaBytes < 0 {
		return fmt.Errorf("CHAT_STORAGE_QUOTA_BYTES must be >= 0")
	}
	if c.Auth.ExpiryBuffer < 0 {
		return fmt.Errorf("AUTH_EXPIRY_BUFFER must be >= 0")
	}
	if c.Auth.MonitorInterval <= 0 {
		return fmt.Errorf("AUTH_MONITOR_INTERVAL must be > 0")
	}
	if c.Socket.HeartbeatInterval <= 0 || c.Socket.PongTimeout <= 0 {
		return fmt.Errorf("SOCKET_HEARTBEAT_INTERVAL and SOCKET_PONG_TIMEOUT must be > 0")
	}
	if c.Socket.PongTimeout >= c.Socket.HeartbeatInterval {
		return fmt.Errorf("SOCKET_PONG_TIMEOUT must be shorter than SOCKET_HEARTBEAT_INTERVAL")
	}
	if c.Socket.ReconnectBaseDelay <= 0 || c.Socket.ReconnectMaxDelay < c.Socket.ReconnectBaseDelay {
		return fmt.Errorf("SOCKET_RECONNECT_MAX_DELAY must be >= SOCKET_RECONNECT_BASE_DELAY > 0")
	}
	if c.Socket.ReconnectMaxRetries < 0 {
		return fmt.Errorf("SOCKET_RECONNECT_MAX_RETRIES must be >= 0")
	}
	if c.Socket.MaxMessageBytes <= 0 {
		return fmt.Errorf("SOCKET_MAX_MESSAGE_BYTES must be > 0")
	}
	if c.Queue.StorageKey == "" {
		return fmt.Errorf("QUEUE_STORAGE_KEY cannot be empty")
	}
	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("QUEUE_MAX_SIZE must be > 0")
	}
	if c.Queue.MaxRetries <= 0 {
		return fmt.Errorf("QUEUE_MAX_RETRIES must be > 0")
	}
	if c.Queue.StaleAfter <= 0 {
		return fmt.Errorf("QUEUE_STALE_AFTER must be > 0")
	}
	return nil
}

// HasCredentials reports whether any token was configured.
func (c *Config) HasCredentials() bool {
	return c.Auth.AccessToken != "" || c.Auth.IDToken != "" || c.Auth.RefreshToken != ""
}

// IsLocal returns true when the configured endpoints point at this machine.
func (c *Config) IsLocal() bool {
	url := c.StreamURL
	if c.Transport == "socket" {
		url = c.SocketURL
	}
	return strings.Contains(url, "localhost") || strings.Contains(url, "127.0.0.1")
}

// ServerConfig holds the development backend configuration.
type ServerConfig struct {
	Port           string
	SigningKey     string
	Issuer         string
	TokenTTL       time.Duration
	RefreshToken   string
	ChunkDelay     time.Duration
	AllowedOrigins []string
	// MaxMessageBytes limits inbound websocket frames.
	MaxMessageBytes int64
	LogLevel        slog.Level
}

// LoadServer reads development backend configuration from environment variables.
func LoadServer() (*ServerConfig, error) {
	cfg := &ServerConfig{
		Port:           getEnv("PORT", "8080"),
		SigningKey:     getEnv("DEV_SIGNING_KEY", "streamchat-dev-signing-key"),
		Issuer:         getEnv("DEV_ISSUER", "streamchat-devserver"),
		TokenTTL:       getEnvDuration("DEV_TOKEN_TTL", 15*time.Minute),
		RefreshToken:   getEnv("DEV_REFRESH_TOKEN", "dev-refresh-token"),
		ChunkDelay:     getEnvDuration("DEV_CHUNK_DELAY", 40*time.Millisecond),
		AllowedOrigins: getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		LogLevel:       ParseLogLevel(getEnv("LOG_LEVEL", "info")),

		MaxMessageBytes: int64(getEnvInt("DEV_MAX_MESSAGE_BYTES", DefaultMaxMessageBytes)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *ServerConfig) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if len(c.SigningKey) < 16 {
		return fmt.Errorf("DEV_SIGNING_KEY must be at least 16 bytes")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("DEV_TOKEN_TTL must be > 0")
	}
	if c.RefreshToken == "" {
		return fmt.Errorf("DEV_REFRESH_TOKEN cannot be empty")
	}
	if c.ChunkDelay < 0 {
		return fmt.Errorf("DEV_CHUNK_DELAY must be >= 0")
	}
	if c.MaxMessageBytes <= 0 {
		return fmt.Errorf("DEV_MAX_MESSAGE_BYTES must be > 0")
	}
	return nil
}

// ParseLogLevel maps debug, info, warn and error to slog levels.
// Anything else is info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or plain milliseconds ("1500").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
