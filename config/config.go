package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/mossy-p/mesh-signaling/internal/relay"
	"github.com/mossy-p/mesh-signaling/internal/transport"
)

type Config struct {
	Port           string   `env:"PORT" env-default:"8080"`
	Environment    string   `env:"ENVIRONMENT" env-default:"development"`
	LogLevel       string   `env:"LOG_LEVEL" env-default:"info"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" env-separator:"," env-default:"http://localhost:3000,http://localhost:5173"`
	JWTSecret      string   `env:"JWT_SECRET" env-default:"change-me-in-production"`
	ICEServers     []string `env:"ICE_SERVERS" env-separator:"," env-default:"stun:stun.l.google.com:19302"`
	Redis          RedisConfig
	Relay          RelayConfig
	Transport      TransportConfig
}

type RedisConfig struct {
	Host     string `env:"REDIS_HOST" env-default:"localhost"`
	Port     string `env:"REDIS_PORT" env-default:"6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB" env-default:"0"`
}

// Addr returns the host:port pair go-redis dials.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

type RelayConfig struct {
	// BufferCap bounds the signals held for a recipient that has not joined yet.
	BufferCap int `env:"RELAY_BUFFER_CAP" env-default:"50"`
	// MaxPending bounds how many absent recipients a room buffers for.
	MaxPending int `env:"RELAY_MAX_PENDING" env-default:"64"`
	// SendQueue is the per-connection outbound queue length.
	SendQueue int `env:"RELAY_SEND_QUEUE" env-default:"256"`
}

type TransportConfig struct {
	ConnectAttempts  int           `env:"CONNECT_ATTEMPTS" env-default:"4"`
	ConnectBackoff   time.Duration `env:"CONNECT_BACKOFF" env-default:"1s"`
	SubscribeTimeout time.Duration `env:"SUBSCRIBE_TIMEOUT" env-default:"15s"`
	SendAttempts     int           `env:"SEND_ATTEMPTS" env-default:"3"`
	SendRetryDelay   time.Duration `env:"SEND_RETRY_DELAY" env-default:"500ms"`
	BufferWindow     time.Duration `env:"BUFFER_WINDOW" env-default:"6s"`
	FlushDebounce    time.Duration `env:"FLUSH_DEBOUNCE" env-default:"1s"`
	JoinTimeout      time.Duration `env:"JOIN_TIMEOUT" env-default:"10s"`
}

// Load reads the configuration from the environment, falling back to the
// defaults declared on each field.
func Load() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	return &cfg, nil
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// TransportOptions projects the transport timings onto transport.Options.
func (c *Config) TransportOptions() transport.Options {
	t := c.Transport
	return transport.Options{
		ConnectAttempts:  t.ConnectAttempts,
		ConnectBackoff:   t.ConnectBackoff,
		SubscribeTimeout: t.SubscribeTimeout,
		SendAttempts:     t.SendAttempts,
		SendRetryDelay:   t.SendRetryDelay,
		BufferWindow:     t.BufferWindow,
		FlushDebounce:    t.FlushDebounce,
		JoinTimeout:      t.JoinTimeout,
	}
}

func (c *Config) RelayOptions() relay.Options {
	return relay.Options{BufferCap: c.Relay.BufferCap, MaxPending: c.Relay.MaxPending}
}
