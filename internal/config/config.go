package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var ErrParsing = errors.New("failed to parse environment into config")

type Config struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8080"`

	DBUser     string `env:"DB_USER" envDefault:"postgres"`
	DBPassword string `env:"DB_PASSWORD" envDefault:"postgres"`
	DBName     string `env:"DB_NAME" envDefault:"vpnova_bot"`
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     string `env:"DB_PORT" envDefault:"5432"`

	RedisHost     string `env:"REDIS_HOST" envDefault:"localhost"`
	RedisPort     string `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword string `env:"REDIS_PASSWORD" envDefault:""`

	BotToken string `env:"TELEGRAM_BOT_TOKEN"`

	PanelURL     string        `env:"PANEL_API_URL"`
	PanelKey     string        `env:"PANEL_API_KEY"`
	PanelSquadID string        `env:"PANEL_SQUAD_ID"`
	PanelTimeout time.Duration `env:"PANEL_TIMEOUT" envDefault:"10s"`

	// Payment webhook validation.
	WebhookSecret string        `env:"PAYMENT_WEBHOOK_SECRET"`
	ReplayWindow  time.Duration `env:"PAYMENT_REPLAY_WINDOW" envDefault:"24h"`
	// YooKassa callback source ranges, see
	// https://yookassa.ru/developers/using-api/webhooks
	AllowedSourceCIDRs []string `env:"PAYMENT_ALLOWED_CIDRS" envSeparator:"," envDefault:"185.71.76.0/27,185.71.77.0/27,77.75.153.0/25,77.75.156.224/28,77.75.154.128/25,2a02:5180::/32"`

	// Provisioning retry policy.
	ProvisionMaxAttempts int           `env:"PROVISION_MAX_ATTEMPTS" envDefault:"5"`
	ProvisionBackoffBase time.Duration `env:"PROVISION_BACKOFF_BASE" envDefault:"1s"`
	ProvisionBackoffMax  time.Duration `env:"PROVISION_BACKOFF_MAX" envDefault:"30s"`
	TaskPollInterval     time.Duration `env:"PROVISION_POLL_INTERVAL" envDefault:"15s"`

	// Circuit breaker for the panel.
	BreakerThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerCooldown  time.Duration `env:"BREAKER_COOLDOWN" envDefault:"60s"`

	// Lifecycle policy.
	GraceWindow        time.Duration `env:"GRACE_WINDOW" envDefault:"72h"`
	SweepInterval      time.Duration `env:"SWEEP_INTERVAL" envDefault:"1m"`
	ExpiryNoticeWindow time.Duration `env:"EXPIRY_NOTICE_WINDOW" envDefault:"24h"`
}

// Load reads an optional .env file and parses the environment into Config.
func Load() (*Config, error) {
	// The .env file is a development convenience, missing is fine.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Join(ErrParsing, err)
	}
	return cfg, nil
}
