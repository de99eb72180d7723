/*
Package config reads the service configuration from the environment.

PURPOSE:
  Everything an operator tunes per deployment lives here: listen port,
  control file, where session logs go, the social reply delay, CORS
  origins, SMTP delivery settings and logging. Command-line flags in
  cmd/server override the few values operators change most.

SECRETS:
  SMTP credentials and the admin token have no defaults. When SMTP
  credentials are missing, results delivery is disabled instead of
  falling back to a built-in account. When the admin token is missing,
  the session list and saved-log routes are not served at all.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Store backends.
const (
	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

// Config is the full service configuration.
type Config struct {
	Port        int    `env:"EVAC_PORT"         envDefault:"8080"`
	ControlFile string `env:"EVAC_CONTROL_FILE" envDefault:"control.json"`
	ResultsDir  string `env:"EVAC_RESULTS_DIR"  envDefault:"results"`
	Store       string `env:"EVAC_STORE"        envDefault:"file"`
	SQLitePath  string `env:"EVAC_SQLITE_PATH"  envDefault:"results/sessions.db"`

	// SocialReplyDelay is how long a contact "takes" to answer. Zero logs
	// the reply immediately.
	SocialReplyDelay time.Duration `env:"EVAC_SOCIAL_REPLY_DELAY" envDefault:"2s"`

	AllowedOrigins []string `env:"EVAC_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`

	// DeliveryRetryInterval is how often ended sessions whose results
	// could not be sent are retried. Zero disables the retrier.
	DeliveryRetryInterval time.Duration `env:"EVAC_DELIVERY_RETRY_INTERVAL" envDefault:"10m"`
	DeliveryMaxAttempts   int           `env:"EVAC_DELIVERY_MAX_ATTEMPTS"   envDefault:"5"`

	// SessionRetention is how long an ended session stays in memory for
	// its completion screen.
	SessionRetention time.Duration `env:"EVAC_SESSION_RETENTION" envDefault:"1h"`

	// AdminToken guards the routes that expose saved logs. Empty leaves
	// them unmounted.
	AdminToken string `env:"EVAC_ADMIN_TOKEN"`

	SMTP SMTP

	LogLevel  string `env:"EVAC_LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"EVAC_LOG_FORMAT" envDefault:"text"`
}

// SMTP holds outbound email settings for results delivery.
type SMTP struct {
	Host     string        `env:"EVAC_SMTP_HOST"     envDefault:"smtp.gmail.com"`
	Port     int           `env:"EVAC_SMTP_PORT"     envDefault:"465"`
	Username string        `env:"EVAC_SMTP_USERNAME"`
	Password string        `env:"EVAC_SMTP_PASSWORD"`
	From     string        `env:"EVAC_SMTP_FROM"`
	To       string        `env:"EVAC_SMTP_TO"`
	Timeout  time.Duration `env:"EVAC_SMTP_TIMEOUT" envDefault:"30s"`
}

// Enabled reports whether enough is configured to send mail.
func (s SMTP) Enabled() bool {
	return s.Username != "" && s.Password != "" && s.To != ""
}

// Sender returns the From address, defaulting to the login.
func (s SMTP) Sender() string {
	if s.From != "" {
		return s.From
	}
	return s.Username
}

// requestSlack is the time a request gets on top of a results email sent
// inside it.
const requestSlack = 15 * time.Second

// WriteTimeout is the HTTP write deadline. It outlasts the SMTP timeout
// because the final decision sends the results before responding.
func (c Config) WriteTimeout() time.Duration {
	return c.SMTP.Timeout + requestSlack
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses and validates the configuration.
func Load() (Config, error) {
	var cfg Config
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values env tags cannot express.
func (c Config) Validate() error {
	var errs []error
	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	switch strings.ToLower(c.Store) {
	case StoreFile, StoreSQLite:
	default:
		errs = append(errs, fmt.Errorf("store %q: want %s or %s", c.Store, StoreFile, StoreSQLite))
	}
	if c.DeliveryRetryInterval < 0 {
		errs = append(errs, errors.New("delivery retry interval must not be negative"))
	}
	if c.DeliveryMaxAttempts < 0 {
		errs = append(errs, errors.New("delivery max attempts must not be negative"))
	}
	if c.SessionRetention < 0 {
		errs = append(errs, errors.New("session retention must not be negative"))
	}
	if c.SMTP.Timeout <= 0 {
		errs = append(errs, errors.New("smtp timeout must be positive"))
	}
	if c.SocialReplyDelay < 0 {
		errs = append(errs, errors.New("social reply delay must not be negative"))
	}
	if strings.TrimSpace(c.ControlFile) == "" {
		errs = append(errs, errors.New("control file path is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
