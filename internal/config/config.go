package config

import (
	"fmt"
	"regexp"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string `mapstructure:"PORT"`
	Env                   string `mapstructure:"ENV"`
	DatabaseURL           string `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32  `mapstructure:"DB_MIN_CONNS"`
	Practice              string `mapstructure:"PRACTICE"`
	SourceDir             string `mapstructure:"SOURCE_DIR"`
	HistoryDir            string `mapstructure:"HISTORY_DIR"`
	PreviewRowLimit       int    `mapstructure:"PREVIEW_ROW_LIMIT"`
	MaxDocumentBytes      int64  `mapstructure:"MAX_DOCUMENT_BYTES"`
	TruncateDocumentBytes int    `mapstructure:"TRUNCATE_DOCUMENT_BYTES"`
	HistoryWorkers        int    `mapstructure:"HISTORY_WORKERS"`
	DocConverter          string `mapstructure:"DOC_CONVERTER"`
	NativeReader          string `mapstructure:"NATIVE_READER"`
	ProgressWebhookURL    string `mapstructure:"PROGRESS_WEBHOOK_URL"`
	ProgressWebhookSecret string `mapstructure:"PROGRESS_WEBHOOK_SECRET"`
}

var practicePattern = regexp.MustCompile(`^[a-zA-Z0-9_]+$`)

// Load reads the configuration from a .env file in the working directory,
// when present, and the environment. DATABASE_URL is not required here:
// commands that need the database check it with RequireDatabase.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8085")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("PRACTICE", "default")
	v.SetDefault("HISTORY_DIR", "GALENO~1/Historias Clinicas")
	v.SetDefault("PREVIEW_ROW_LIMIT", 5)
	v.SetDefault("MAX_DOCUMENT_BYTES", 1<<20)
	v.SetDefault("TRUNCATE_DOCUMENT_BYTES", 64*1024)
	v.SetDefault("HISTORY_WORKERS", 0)
	v.SetDefault("DOC_CONVERTER", "soffice")
	v.SetDefault("NATIVE_READER", "pxview")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
		"PRACTICE", "SOURCE_DIR", "HISTORY_DIR", "PREVIEW_ROW_LIMIT",
		"MAX_DOCUMENT_BYTES", "TRUNCATE_DOCUMENT_BYTES", "HISTORY_WORKERS",
		"DOC_CONVERTER", "NATIVE_READER",
		"PROGRESS_WEBHOOK_URL", "PROGRESS_WEBHOOK_SECRET",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// RequireDatabase fails when no database URL is configured.
func (c *Config) RequireDatabase() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	return nil
}

// Validate checks numeric bounds and the practice identifier.
func (c *Config) Validate() error {
	if !practicePattern.MatchString(c.Practice) {
		return fmt.Errorf("PRACTICE must match %s, got %q", practicePattern, c.Practice)
	}
	if c.DBMaxConns < 1 {
		return fmt.Errorf("DB_MAX_CONNS must be at least 1, got %d", c.DBMaxConns)
	}
	if c.DBMinConns < 0 || c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS must be between 0 and DB_MAX_CONNS (%d), got %d", c.DBMaxConns, c.DBMinConns)
	}
	if c.PreviewRowLimit < 1 {
		return fmt.Errorf("PREVIEW_ROW_LIMIT must be positive, got %d", c.PreviewRowLimit)
	}
	if c.MaxDocumentBytes < 1 {
		return fmt.Errorf("MAX_DOCUMENT_BYTES must be positive, got %d", c.MaxDocumentBytes)
	}
	if c.TruncateDocumentBytes < 1 {
		return fmt.Errorf("TRUNCATE_DOCUMENT_BYTES must be positive, got %d", c.TruncateDocumentBytes)
	}
	if c.HistoryWorkers < 0 {
		return fmt.Errorf("HISTORY_WORKERS must not be negative, got %d", c.HistoryWorkers)
	}
	if c.HistoryDir == "" {
		return fmt.Errorf("HISTORY_DIR must not be empty")
	}
	if c.ProgressWebhookSecret != "" && c.ProgressWebhookURL == "" {
		return fmt.Errorf("PROGRESS_WEBHOOK_SECRET is set but PROGRESS_WEBHOOK_URL is empty")
	}
	return nil
}
