package config

import (
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog/log"
)

// Config holds every environment-driven setting of the battle service.
type Config struct {
	Port           string `env:"PORT" envDefault:"5200"`
	DatabaseURL    string `env:"DATABASE_URL,required,notEmpty"`
	ServiceToken   string `env:"GAME_SERVICE_TOKEN,required,notEmpty"`
	AllowedOrigins string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost:3000"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	// Optional: enables cross-process event fan-out and the redis job queue.
	RedisURL string `env:"REDIS_URL"`

	// Optional: statsd agent address, e.g. localhost:8125.
	StatsdAddress string   `env:"STATSD_ADDRESS"`
	StatsdTags    []string `env:"STATSD_TAGS" envSeparator:","`

	Archive Archive
	Battle  Battle  `envPrefix:"BATTLE_"`
}

// Archive configures the S3-compatible (Cloudflare R2) replay bucket.
type Archive struct {
	AccountID       string `env:"CLOUDFLARE_ACCOUNT_ID"`
	AccessKeyID     string `env:"R2_ACCESS_KEY_ID"`
	AccessKeySecret string `env:"R2_ACCESS_KEY_SECRET"`
	Bucket          string `env:"R2_BUCKET_NAME"`
}

// Enabled reports whether enough settings are present to reach the bucket.
func (a Archive) Enabled() bool {
	return a.AccountID != "" && a.Bucket != "" && a.AccessKeyID != ""
}

// Battle holds the tunables of matchmaking, invitations and the round state machine.
type Battle struct {
	CountdownDelay time.Duration `env:"COUNTDOWN_DELAY" envDefault:"5s"`
	RoundInterval  time.Duration `env:"ROUND_INTERVAL" envDefault:"3s"`
	MaxDuration    time.Duration `env:"MAX_DURATION" envDefault:"10m"`

	MaxRetries     int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"RETRY_BASE_DELAY" envDefault:"500ms"`
	RetryMaxDelay  time.Duration `env:"RETRY_MAX_DELAY" envDefault:"30s"`

	InvitationTTL     time.Duration `env:"INVITATION_TTL" envDefault:"30s"`
	RejectionTTL      time.Duration `env:"REJECTION_TTL" envDefault:"1h"`
	QueueEntryTTL     time.Duration `env:"QUEUE_ENTRY_TTL" envDefault:"5m"`
	DefaultMatchRange int           `env:"DEFAULT_MATCH_RANGE" envDefault:"50"`
	AvgMatchSeconds   int           `env:"AVG_MATCH_SECONDS" envDefault:"20"`

	DiscountPercent  int           `env:"DISCOUNT_PERCENT" envDefault:"10"`
	DiscountDuration time.Duration `env:"DISCOUNT_DURATION" envDefault:"24h"`

	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"15s"`
}

// Load reads .env (when present) and then the process environment.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, reading environment variables directly")
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, eris.Wrap(err, "failed to parse config")
	}
	if err := cfg.Battle.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Origins returns ALLOWED_ORIGINS trimmed and re-joined for the CORS middleware.
func (c Config) Origins() string {
	parts := strings.Split(c.AllowedOrigins, ",")
	for i, origin := range parts {
		parts[i] = strings.TrimSpace(origin)
	}
	return strings.Join(parts, ",")
}

// DefaultBattle returns the envDefault values without consulting the environment.
func DefaultBattle() Battle {
	b, err := env.ParseAsWithOptions[Battle](env.Options{Environment: map[string]string{}})
	if err != nil {
		panic(eris.Wrap(err, "invalid battle defaults"))
	}
	return b
}

// Validate rejects settings the round state machine cannot run with.
func (b Battle) Validate() error {
	switch {
	case b.RoundInterval <= 0:
		return eris.New("BATTLE_ROUND_INTERVAL must be positive")
	case b.MaxDuration <= b.RoundInterval:
		return eris.New("BATTLE_MAX_DURATION must exceed BATTLE_ROUND_INTERVAL")
	case b.MaxRetries < 0:
		return eris.New("BATTLE_MAX_RETRIES must not be negative")
	case b.InvitationTTL <= 0:
		return eris.New("BATTLE_INVITATION_TTL must be positive")
	case b.DefaultMatchRange < 0:
		return eris.New("BATTLE_DEFAULT_MATCH_RANGE must not be negative")
	}
	return nil
}
