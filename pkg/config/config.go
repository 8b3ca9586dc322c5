package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	AnthropicAPIKey  string
	OpenAIAPIKey     string
	GoogleAPIKey     string
	DeepSeekAPIKey   string
	OpenRouterAPIKey string
	MoonshotAPIKey   string

	Channels ChannelConfig
	Dispatch DispatchConfig
	Engine   EngineConfig
	Storage  StorageConfig
	Server   ServerConfig

	ModelTable *ModelTable
	ConfigDir  string
}

// FileConfig mirrors ~/.salesflow/config.yaml. Secrets are never read from it.
type FileConfig struct {
	Channels ChannelConfig  `mapstructure:"channels"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Server   ServerConfig   `mapstructure:"server"`
}

// ChannelConfig holds notification transport settings.
type ChannelConfig struct {
	TelegramBotToken string `mapstructure:"-"`
	TelegramAPIBase  string `mapstructure:"telegram_api_base"`
	WhatsAppToken    string `mapstructure:"-"`
	WhatsAppPhoneID  string `mapstructure:"whatsapp_phone_number_id"`
	WhatsAppAPIBase  string `mapstructure:"whatsapp_api_base"`
	ResendAPIKey     string `mapstructure:"-"`
	ResendAPIBase    string `mapstructure:"resend_api_base"`
	EmailFrom        string `mapstructure:"email_from"`
}

// DispatchConfig bounds notification retries.
type DispatchConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	RetryWindow time.Duration `mapstructure:"retry_window"`
	SendTimeout time.Duration `mapstructure:"send_timeout"`
}

// RetryInterval spreads the retries evenly over the window.
func (d DispatchConfig) RetryInterval() time.Duration {
	if d.MaxAttempts <= 1 {
		return 0
	}
	return d.RetryWindow / time.Duration(d.MaxAttempts-1)
}

// EngineConfig holds run-level settings for the pipelines.
type EngineConfig struct {
	Deadline          time.Duration `mapstructure:"deadline"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	BatchSize         int           `mapstructure:"batch_size"`
	MaxParallel       int           `mapstructure:"max_parallel"`
	StaleWarningDays  int           `mapstructure:"stale_warning_days"`
	StaleCriticalDays int           `mapstructure:"stale_critical_days"`
	MaxBudgetUSD      float64       `mapstructure:"max_budget_usd"`
	EvidenceDir       string        `mapstructure:"evidence_dir"`
	ModelTable        string        `mapstructure:"model_table"`
	Timezone          string        `mapstructure:"timezone"`
	// FailureRecipients are told when a failed run has no brief to fall back on.
	FailureRecipients []string      `mapstructure:"failure_recipients"`
	// ReportRecipients get the weekly report. Empty means every rep's manager.
	ReportRecipients  []string      `mapstructure:"report_recipients"`
	ResearchDeadline  time.Duration `mapstructure:"research_deadline"`
	LeadsFile         string        `mapstructure:"leads_file"`
	RecipientsFile    string        `mapstructure:"recipients_file"`
	ResultsDir        string        `mapstructure:"results_dir"`
}

// Location resolves Timezone, defaulting to UTC.
func (e EngineConfig) Location() (*time.Location, error) {
	if e.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(e.Timezone)
}

// StorageConfig selects the audit trail backends.
type StorageConfig struct {
	DatabaseURL string        `mapstructure:"database_url"`
	UsageLog    string        `mapstructure:"usage_log"`
	DeliveryLog string        `mapstructure:"delivery_log"`
	Archive     ArchiveConfig `mapstructure:"archive"`
}

// ArchiveConfig configures the last-good snapshot store.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"-"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// ServerConfig configures the HTTP trigger/query surface.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

// Load reads configuration from the config file and the environment.
// Environment variables (SALESFLOW_ENGINE_DEADLINE, ...) take precedence over
// the file. API keys and channel credentials come from the environment only.
// An empty path reads ~/.salesflow/config.yaml when present.
func Load(path string) (*Config, error) {
	configDir, err := getConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config directory: %w", err)
	}

	v := viper.New()
	setDefaults(v, configDir)
	v.SetEnvPrefix("SALESFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(configDir)
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var fileConfig FileConfig
	if err := v.Unmarshal(&fileConfig); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	cfg := &Config{
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		GoogleAPIKey:     os.Getenv("GOOGLE_API_KEY"),
		DeepSeekAPIKey:   os.Getenv("DEEPSEEK_API_KEY"),
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
		MoonshotAPIKey:   os.Getenv("MOONSHOT_API_KEY"),
		Channels:         fileConfig.Channels,
		Dispatch:         fileConfig.Dispatch,
		Engine:           fileConfig.Engine,
		Storage:          fileConfig.Storage,
		Server:           fileConfig.Server,
		ConfigDir:        configDir,
	}
	cfg.Channels.TelegramBotToken = os.Getenv("TELEGRAM_BOT_TOKEN")
	cfg.Channels.WhatsAppToken = os.Getenv("WHATSAPP_CLOUD_TOKEN")
	cfg.Channels.ResendAPIKey = os.Getenv("RESEND_API_KEY")
	cfg.Storage.Archive.SecretKey = os.Getenv("SALESFLOW_ARCHIVE_SECRET_KEY")

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tablePath := cfg.Engine.ModelTable
	if tablePath == "" {
		tablePath = filepath.Join(configDir, "models.yaml")
	}
	if _, err := os.Stat(tablePath); err == nil {
		table, err := LoadModelTable(tablePath)
		if err != nil {
			return nil, fmt.Errorf("failed to load model table: %w", err)
		}
		cfg.ModelTable = table
	} else if cfg.Engine.ModelTable != "" {
		return nil, fmt.Errorf("model table %s: %w", tablePath, err)
	} else {
		cfg.ModelTable = DefaultModelTable()
	}

	return cfg, nil
}

// Validate checks the non-table settings.
func (c *Config) Validate() error {
	if c.Dispatch.MaxAttempts < 1 {
		return fmt.Errorf("dispatch.max_attempts must be >= 1")
	}
	if c.Dispatch.RetryWindow < 0 {
		return fmt.Errorf("dispatch.retry_window must be >= 0")
	}
	if c.Engine.Deadline <= 0 {
		return fmt.Errorf("engine.deadline must be positive")
	}
	if c.Engine.BatchSize < 1 {
		return fmt.Errorf("engine.batch_size must be >= 1")
	}
	if c.Engine.StaleCriticalDays < c.Engine.StaleWarningDays {
		return fmt.Errorf("engine.stale_critical_days must be >= stale_warning_days")
	}
	if _, err := c.Engine.Location(); err != nil {
		return fmt.Errorf("engine.timezone: %w", err)
	}
	switch c.Storage.Archive.Backend {
	case "", "fs", "minio":
	default:
		return fmt.Errorf("storage.archive.backend %q is not supported", c.Storage.Archive.Backend)
	}
	return nil
}

// HasAdapter returns true if the API key for the given adapter is configured.
func (c *Config) HasAdapter(name string) bool {
	switch name {
	case "anthropic":
		return c.AnthropicAPIKey != ""
	case "openai":
		return c.OpenAIAPIKey != ""
	case "google":
		return c.GoogleAPIKey != ""
	case "deepseek":
		return c.DeepSeekAPIKey != ""
	case "openrouter":
		return c.OpenRouterAPIKey != ""
	case "moonshot":
		return c.MoonshotAPIKey != ""
	default:
		return false
	}
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("channels.telegram_api_base", "https://api.telegram.org")
	v.SetDefault("channels.whatsapp_api_base", "https://graph.facebook.com/v21.0")
	v.SetDefault("channels.whatsapp_phone_number_id", "")
	v.SetDefault("channels.resend_api_base", "https://api.resend.com")
	v.SetDefault("channels.email_from", "")

	v.SetDefault("dispatch.max_attempts", 3)
	v.SetDefault("dispatch.retry_window", 2*time.Minute)
	v.SetDefault("dispatch.send_timeout", 15*time.Second)

	v.SetDefault("engine.deadline", 10*time.Minute)
	v.SetDefault("engine.grace_period", 5*time.Second)
	v.SetDefault("engine.batch_size", 20)
	v.SetDefault("engine.max_parallel", 4)
	v.SetDefault("engine.stale_warning_days", 7)
	v.SetDefault("engine.stale_critical_days", 14)
	v.SetDefault("engine.max_budget_usd", 0.0)
	v.SetDefault("engine.evidence_dir", filepath.Join(configDir, "runs"))
	v.SetDefault("engine.model_table", "")
	v.SetDefault("engine.timezone", "Asia/Kolkata")
	v.SetDefault("engine.failure_recipients", []string{})
	v.SetDefault("engine.report_recipients", []string{})
	v.SetDefault("engine.research_deadline", 5*time.Minute)
	v.SetDefault("engine.leads_file", filepath.Join(configDir, "leads.json"))
	v.SetDefault("engine.recipients_file", filepath.Join(configDir, "recipients.yaml"))
	v.SetDefault("engine.results_dir", filepath.Join(configDir, "results"))

	v.SetDefault("storage.database_url", "")
	v.SetDefault("storage.usage_log", filepath.Join(configDir, "usage.ndjson"))
	v.SetDefault("storage.delivery_log", filepath.Join(configDir, "deliveries.ndjson"))
	v.SetDefault("storage.archive.backend", "fs")
	v.SetDefault("storage.archive.path", filepath.Join(configDir, "archive"))
	v.SetDefault("storage.archive.endpoint", "")
	v.SetDefault("storage.archive.access_key", "")
	v.SetDefault("storage.archive.bucket", "salesflow")
	v.SetDefault("storage.archive.region", "")
	v.SetDefault("storage.archive.use_ssl", true)

	v.SetDefault("server.addr", ":8080")
}

func getConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	configDir := filepath.Join(home, ".salesflow")
	if err := os.MkdirAll(configDir, 0700); err != nil {
		return "", err
	}
	return configDir, nil
}
