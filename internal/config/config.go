package config

import (
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

type Config struct {
	BackendBaseURL string `envconfig:"backend_base_url" default:"http://localhost:3000"`
	PushURL        string `envconfig:"push_url" default:"ws://localhost:3000/push"`
	Token          string `envconfig:"token"`
	TenantID       string `envconfig:"tenant_id"`

	ListenAddr     string   `envconfig:"listen_addr" default:":8090"`
	ConsoleToken   string   `envconfig:"console_token"`
	AllowedOrigins []string `envconfig:"allowed_origins" default:"http://localhost:5173"`

	RedisURL  string `envconfig:"redis_url" default:"localhost:6379"`
	RedisPass string `envconfig:"redis_pass" default:""`

	OutboxPath string `envconfig:"outbox_path" default:"outbox.db"`

	ListPollInterval       time.Duration `envconfig:"list_poll_interval" default:"15s"`
	TranscriptPollInterval time.Duration `envconfig:"transcript_poll_interval" default:"10s"`
	RequestTimeout         time.Duration `envconfig:"request_timeout" default:"15s"`
	ReconcileTolerance     time.Duration `envconfig:"reconcile_tolerance" default:"30s"`
	CancelThreshold        float64       `envconfig:"cancel_threshold" default:"80"`
}

func NewLoadedConfig() (*Config, error) {
	godotenv.Load()

	var c Config
	err := envconfig.Process("sync", &c)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	if c.Token == "" {
		return nil, errors.New("config: SYNC_TOKEN is required")
	}

	return &c, nil
}
