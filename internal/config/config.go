package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"maildispatchd/internal/env"
)

// Config is the full service configuration, built once at startup and passed
// to every component by value. Reload means building a new Config and swapping
// the component graph, never mutating this one.
type Config struct {
	Addr     string `validate:"required"`
	SSL      bool
	SSLCert  string
	SSLKey   string
	Threads  int           `validate:"min=1"`
	MaxMemMB int           `validate:"min=-1"`
	MaxReqs  int           `validate:"min=-1"`
	Timeout  time.Duration `validate:"min=1s"`

	AuthRequired bool
	AuthHash     string

	QueueEnabled  bool
	QueueReadOnly bool
	ScanInterval  time.Duration `validate:"min=1s"`
	BatchSize     int           `validate:"min=1"`
	MaxRetry      int           `validate:"min=-1"`
	QueueDir      string
	ProcessDir    string
	FullEncrypt   bool
	EncryptMethod string `validate:"oneof=aes128 aes256"`
	SecretKey     string
	StaleAfter    time.Duration `validate:"min=0"`

	SMTP SMTPConfig

	HTMLMail bool
	FromAddr string
	FromName string

	TemplateEnabled  bool
	TemplateReadOnly bool
	TemplateDir      string
	TagOpen          string `validate:"required"`
	TagClose         string `validate:"required"`

	OpsAddr string

	Slack SlackConfig

	RateLimit RateLimitConfig

	Env string
}

type SMTPConfig struct {
	Host       string
	Port       int    `validate:"min=1,max=65535"`
	User       string
	Password   string
	Encryption string `validate:"oneof=tls ssl none"`
}

type SlackConfig struct {
	WebhookURL string
	Channel    string
	Username   string
	IconEmoji  string
	Enabled    bool
}

type RateLimitConfig struct {
	RequestsPerWindow int
	Window            time.Duration
	Enabled           bool
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Load reads the env file (ini style KEY=VALUE), applies defaults and returns
// a validated Config. Relative directories are resolved against basePath.
func Load(envFile, basePath string) (Config, error) {
	if envFile == "" {
		envFile = ".env"
	}
	if !filepath.IsAbs(envFile) {
		envFile = filepath.Join(basePath, envFile)
	}
	if err := godotenv.Load(envFile); err != nil {
		return Config{}, fmt.Errorf("loading env file %s: %w", envFile, err)
	}

	cfg := Config{
		Addr:     env.GetString("MAILER_ADDR", ""),
		SSLCert:  env.GetString("MAILER_SSL_CERT", ""),
		SSLKey:   env.GetString("MAILER_SSL_KEY", ""),
		Threads:  env.GetInt("MAILER_THREADS", 4),
		MaxMemMB: env.GetInt("MAILER_MAX_MEMORY", 64),
		MaxReqs:  env.GetInt("MAILER_MAX_REQUEST", -1),
		Timeout:  env.GetSeconds("MAILER_TIMEOUT", 300*time.Second),

		AuthRequired: env.GetBool("MAILER_AUTH", false),
		AuthHash:     env.GetString("MAILER_AUTH_HASH", ""),

		QueueEnabled:  env.GetBool("MAILER_QUEUE", true),
		QueueReadOnly: env.GetBool("MAILER_QUEUE_API_READ_ONLY", true),
		ScanInterval:  env.GetSeconds("QUEUE_SCAN_INTERVAL", 60*time.Second),
		BatchSize:     env.GetInt("QUEUE_MAX_BATCH_SIZE", 20),
		MaxRetry:      env.GetInt("QUEUE_MAX_FAILED_RETRY", 1),
		QueueDir:      env.GetString("QUEUE_DIR", "queue/mail"),
		ProcessDir:    env.GetString("QUEUE_PROCESS_DIR", "queue/temp"),
		FullEncrypt:   env.GetBool("QUEUE_FULL_ENCRYPT", false),
		EncryptMethod: env.GetString("QUEUE_ENCRYPT_METHOD", "aes128"),
		SecretKey:     env.GetString("SECRET_KEY", ""),
		StaleAfter:    env.GetSeconds("QUEUE_REQUEUE_STALE_AFTER", 0),

		SMTP: SMTPConfig{
			Host:       env.GetString("SMTP_HOST", ""),
			Port:       env.GetInt("SMTP_PORT", 587),
			User:       env.GetString("SMTP_USER", ""),
			Password:   env.GetString("SMTP_PASSWORD", ""),
			Encryption: env.GetString("SMTP_ENCRYPTION", "tls"),
		},

		HTMLMail: env.GetBool("MAIL_HTML", true),
		FromAddr: env.GetString("MAIL_FROM_ADDR", ""),
		FromName: env.GetString("MAIL_FROM_NAME", ""),

		TemplateEnabled:  env.GetBool("EMAIL_TEMPLATE", true),
		TemplateReadOnly: env.GetBool("EMAIL_TEMPLATE_API_READ_ONLY", true),
		TemplateDir:      env.GetString("EMAIL_TEMPLATE_DIR", "template/html"),
		TagOpen:          env.GetString("EMAIL_TEMPLATE_STRING_TAG_OPEN", "{{"),
		TagClose:         env.GetString("EMAIL_TEMPLATE_STRING_TAG_CLOSE", "}}"),

		OpsAddr: env.GetString("OPS_ADDR", ""),

		Slack: SlackConfig{
			WebhookURL: env.GetString("SLACK_WEBHOOK_URL", ""),
			Channel:    env.GetString("SLACK_CHANNEL", "#mail-alerts"),
			Username:   env.GetString("SLACK_USERNAME", "maildispatchd"),
			IconEmoji:  env.GetString("SLACK_ICON_EMOJI", ":mailbox:"),
			Enabled:    env.GetBool("SLACK_ENABLED", false),
		},

		RateLimit: RateLimitConfig{
			RequestsPerWindow: env.GetInt("RATE_LIMITER_REQUEST_COUNT", 100),
			Window:            env.GetSeconds("RATE_LIMITER_WINDOW", 60*time.Second),
			Enabled:           env.GetBool("RATE_LIMITER_ENABLED", false),
		},

		Env: env.GetString("ENV", "production"),
	}

	cfg.SSL = cfg.SSLCert != "" && cfg.SSLKey != ""

	for _, dir := range []*string{&cfg.QueueDir, &cfg.ProcessDir, &cfg.TemplateDir} {
		if !filepath.IsAbs(*dir) {
			*dir = filepath.Join(basePath, *dir)
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the value constraints and probes the directories the
// enabled features depend on. A failure here halts the service before it
// starts listening.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.AuthRequired && c.AuthHash == "" {
		return fmt.Errorf("MAILER_AUTH_HASH cannot be empty when MAILER_AUTH is enabled")
	}
	if c.SSL {
		for _, f := range []string{c.SSLCert, c.SSLKey} {
			if _, err := os.Stat(f); err != nil {
				return fmt.Errorf("unable to read SSL cert/key file: %w", err)
			}
		}
	}
	if c.QueueEnabled {
		if c.SecretKey == "" {
			return fmt.Errorf("SECRET_KEY cannot be empty when MAILER_QUEUE is enabled")
		}
		if err := checkWritableDir(c.QueueDir); err != nil {
			return fmt.Errorf("QUEUE_DIR: %w", err)
		}
		if err := checkWritableDir(c.ProcessDir); err != nil {
			return fmt.Errorf("QUEUE_PROCESS_DIR: %w", err)
		}
	}
	if c.TemplateEnabled {
		if err := checkWritableDir(c.TemplateDir); err != nil {
			return fmt.Errorf("EMAIL_TEMPLATE_DIR: %w", err)
		}
	}
	return nil
}

func checkWritableDir(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	probe, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return fmt.Errorf("directory is not writable: %w", err)
	}
	probe.Close()
	return os.Remove(probe.Name())
}
