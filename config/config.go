package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Config captures every option of the watch command. Each flag can also be
// set through the environment variable listed in envBindings.
type Config struct {
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	Mailbox            string

	Sender              string
	ActionableSubject   string
	ConfirmationSubject string
	LinkPrefix          string

	StatePath     string
	StateS3       S3Config
	Headless      bool
	ChromePath    string
	StrictPersist bool
	MetricsAddr   string
	LogLevel      string
	LogDir        string
}

type S3Config struct {
	Endpoint  string
	Bucket    string
	Key       string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Region    string
}

// Enabled reports whether session state should live in object storage.
func (s S3Config) Enabled() bool {
	return s.Bucket != ""
}

var envBindings = map[string]string{
	"imap-host":            "IMAP_HOST",
	"imap-port":            "IMAP_PORT",
	"imap-user":            "IMAP_USER",
	"imap-pass":            "IMAP_PASSWORD",
	"use-tls":              "IMAP_TLS",
	"insecure-skip-verify": "IMAP_INSECURE_SKIP_VERIFY",
	"mailbox":              "IMAP_MAILBOX",
	"sender":               "TARGET_EMAIL_ADDRESS",
	"actionable-subject":   "TARGET_EMAIL_SUBJECT",
	"confirmation-subject": "CONFIRMATION_EMAIL_SUBJECT",
	"link-prefix":          "LINK_PREFIX",
	"state-path":           "STORAGE_STATE_PATH",
	"state-s3-endpoint":    "STORAGE_STATE_S3_ENDPOINT",
	"state-s3-bucket":      "STORAGE_STATE_S3_BUCKET",
	"state-s3-key":         "STORAGE_STATE_S3_KEY",
	"state-s3-access-key":  "STORAGE_STATE_S3_ACCESS_KEY",
	"state-s3-secret-key":  "STORAGE_STATE_S3_SECRET_KEY",
	"state-s3-use-ssl":     "STORAGE_STATE_S3_USE_SSL",
	"state-s3-region":      "STORAGE_STATE_S3_REGION",
	"headless":             "HEADLESS",
	"chrome-path":          "CHROME_PATH",
	"strict-persist":       "STRICT_PERSIST",
	"metrics-addr":         "METRICS_ADDR",
	"log-level":            "LOG_LEVEL",
	"log-dir":              "LOG_DIR",
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	flags := cmd.Flags()
	flags.String("imap-host", "", "IMAP server hostname")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (prefer the IMAP_PASSWORD env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", true, "Skip TLS certificate verification")
	flags.String("mailbox", "INBOX", "Mailbox to watch")
	flags.String("sender", "", "Only handle unread mail from this address")
	flags.String("actionable-subject", "", "Subject substring of update requests (empty matches every subject)")
	flags.String("confirmation-subject", "", "Subject substring of confirmation receipts, which are only marked read")
	flags.String("link-prefix", "", "Prefix of the confirmation link (defaults to the household update URL)")
	flags.String("state-path", "./tmp/storageState.json", "File holding the saved browser session")
	flags.String("state-s3-endpoint", "", "S3 endpoint for the saved browser session")
	flags.String("state-s3-bucket", "", "S3 bucket for the saved browser session (enables S3 storage)")
	flags.String("state-s3-key", "storageState.json", "S3 object key for the saved browser session")
	flags.String("state-s3-access-key", "", "S3 access key")
	flags.String("state-s3-secret-key", "", "S3 secret key")
	flags.Bool("state-s3-use-ssl", true, "Use HTTPS for the S3 endpoint")
	flags.String("state-s3-region", "", "S3 region of the bucket (looked up when empty)")
	flags.Bool("headless", true, "Run the browser without a window")
	flags.String("chrome-path", "", "Chrome or Chromium binary (auto-detected when empty)")
	flags.Bool("strict-persist", false, "Leave the email unread when the browser session cannot be saved")
	flags.String("metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for log files (stdout only when empty)")
	return nil
}

// LoadConfig resolves flags and environment variables into a validated
// Config. Explicit flags win over the environment.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	v := viper.New()
	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return Config{}, fmt.Errorf("bind flags: %w", err)
	}
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	logLevel := strings.ToLower(v.GetString("log-level"))
	if logLevel == "warning" {
		logLevel = "warn"
	}

	statePath := v.GetString("state-path")
	if statePath != "" {
		statePath = filepath.Clean(statePath)
	}

	cfg := Config{
		IMAPHost:            v.GetString("imap-host"),
		IMAPPort:            v.GetInt("imap-port"),
		IMAPUser:            v.GetString("imap-user"),
		IMAPPass:            v.GetString("imap-pass"),
		UseTLS:              v.GetBool("use-tls"),
		InsecureSkipVerify:  v.GetBool("insecure-skip-verify"),
		Mailbox:             v.GetString("mailbox"),
		Sender:              strings.TrimSpace(v.GetString("sender")),
		ActionableSubject:   v.GetString("actionable-subject"),
		ConfirmationSubject: v.GetString("confirmation-subject"),
		LinkPrefix:          v.GetString("link-prefix"),
		StatePath:           statePath,
		StateS3: S3Config{
			Endpoint:  v.GetString("state-s3-endpoint"),
			Bucket:    v.GetString("state-s3-bucket"),
			Key:       v.GetString("state-s3-key"),
			AccessKey: v.GetString("state-s3-access-key"),
			SecretKey: v.GetString("state-s3-secret-key"),
			UseSSL:    v.GetBool("state-s3-use-ssl"),
			Region:    v.GetString("state-s3-region"),
		},
		Headless:      v.GetBool("headless"),
		ChromePath:    v.GetString("chrome-path"),
		StrictPersist: v.GetBool("strict-persist"),
		MetricsAddr:   v.GetString("metrics-addr"),
		LogLevel:      logLevel,
		LogDir:        v.GetString("log-dir"),
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func validateConfig(cfg Config) error {
	if cfg.IMAPHost == "" {
		return fmt.Errorf("--imap-host or IMAP_HOST is required")
	}
	if cfg.IMAPUser == "" {
		return fmt.Errorf("--imap-user or IMAP_USER is required")
	}
	if cfg.IMAPPass == "" {
		return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASSWORD env var")
	}
	if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
		return fmt.Errorf("--imap-port must be between 1 and 65535")
	}
	if cfg.Sender == "" {
		return fmt.Errorf("--sender or TARGET_EMAIL_ADDRESS is required")
	}
	if cfg.StateS3.Enabled() {
		if cfg.StateS3.Endpoint == "" {
			return fmt.Errorf("--state-s3-endpoint is required when --state-s3-bucket is set")
		}
	} else if cfg.StatePath == "" {
		return fmt.Errorf("--state-path must not be empty")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}
