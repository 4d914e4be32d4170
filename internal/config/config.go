package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"machine-health-alerts/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Models    ModelsConfig    `mapstructure:"models"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// SchedulerConfig governs detection-cycle cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToCycle    bool          `mapstructure:"align_to_cycle"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// IngestConfig covers MQTT sensor ingestion.
type IngestConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BrokerURL      string        `mapstructure:"broker_url"`
	ClientID       string        `mapstructure:"client_id"`
	Topic          string        `mapstructure:"topic"`
	QoS            int           `mapstructure:"qos"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	FlushInterval  time.Duration `mapstructure:"flush_interval"`
	BatchSize      int           `mapstructure:"batch_size"`
}

// ModelsConfig locates the trained model artifacts on disk.
type ModelsConfig struct {
	ClassifierPath string `mapstructure:"classifier_path"`
	OutlierPath    string `mapstructure:"outlier_path"`
}

// ScoringConfig tunes feature construction and prediction.
type ScoringConfig struct {
	Lags            []int         `mapstructure:"lags"`
	RollingWindows  []int         `mapstructure:"rolling_windows"`
	HorizonsHours   []int         `mapstructure:"horizons_hours"`
	HistoryWindow   time.Duration `mapstructure:"history_window"`
	ExpectedSensors []string      `mapstructure:"expected_sensors"`
	MaxConcurrency  int           `mapstructure:"max_concurrency"`
}

// AlertingConfig defines alert thresholds and routing.
type AlertingConfig struct {
	Enabled             bool           `mapstructure:"enabled"`
	CriticalProbability float64        `mapstructure:"critical_probability"`
	HighProbability     float64        `mapstructure:"high_probability"`
	MediumProbability   float64        `mapstructure:"medium_probability"`
	AnomalyEscalation   float64        `mapstructure:"anomaly_escalation"`
	RecurrenceWindow    time.Duration  `mapstructure:"recurrence_window"`
	Telegram            TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig carries Telegram delivery parameters.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("MACHWATCHER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "machwatcher")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_cycle", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x6d616368))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ingest.enabled", false)
	v.SetDefault("ingest.broker_url", "tcp://localhost:1883")
	v.SetDefault("ingest.client_id", "machwatcher-ingest")
	v.SetDefault("ingest.topic", "machines/+/readings")
	v.SetDefault("ingest.qos", 1)
	v.SetDefault("ingest.connect_timeout", "10s")
	v.SetDefault("ingest.flush_interval", "5s")
	v.SetDefault("ingest.batch_size", 200)

	v.SetDefault("models.classifier_path", "models/failure_classifier.json")
	v.SetDefault("models.outlier_path", "models/outlier_ensemble.json")

	v.SetDefault("scoring.lags", []int{1, 2, 3, 6, 12})
	v.SetDefault("scoring.rolling_windows", []int{3, 6, 12})
	v.SetDefault("scoring.horizons_hours", []int{24, 48, 72})
	v.SetDefault("scoring.history_window", "48h")
	v.SetDefault("scoring.expected_sensors", []string{"vibration", "temperature", "pressure", "rpm"})
	v.SetDefault("scoring.max_concurrency", 4)

	v.SetDefault("alerting.enabled", true)
	v.SetDefault("alerting.critical_probability", 0.9)
	v.SetDefault("alerting.high_probability", 0.75)
	v.SetDefault("alerting.medium_probability", 0.5)
	v.SetDefault("alerting.anomaly_escalation", 0.9)
	v.SetDefault("alerting.recurrence_window", "1h")
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	for _, lag := range c.Scoring.Lags {
		if lag < 1 {
			return fmt.Errorf("scoring.lags must all be at least 1, got %d", lag)
		}
	}
	for _, window := range c.Scoring.RollingWindows {
		if window < 2 {
			return fmt.Errorf("scoring.rolling_windows must all be at least 2, got %d", window)
		}
	}
	for _, horizon := range c.Scoring.HorizonsHours {
		if horizon <= 0 {
			return fmt.Errorf("scoring.horizons_hours must all be positive, got %d", horizon)
		}
	}
	if c.Scoring.HistoryWindow <= 0 {
		return fmt.Errorf("scoring.history_window must be greater than zero")
	}
	if c.Scoring.MaxConcurrency < 1 {
		return fmt.Errorf("scoring.max_concurrency must be at least 1")
	}
	a := c.Alerting
	if !(a.MediumProbability < a.HighProbability && a.HighProbability < a.CriticalProbability) {
		return fmt.Errorf("alerting thresholds must be strictly increasing (medium < high < critical)")
	}
	if a.AnomalyEscalation <= 0 || a.AnomalyEscalation > 1 {
		return fmt.Errorf("alerting.anomaly_escalation must be in (0, 1]")
	}
	if a.RecurrenceWindow <= 0 {
		return fmt.Errorf("alerting.recurrence_window must be greater than zero")
	}
	if a.Telegram.Enabled {
		if a.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required when telegram is enabled")
		}
		if a.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required when telegram is enabled")
		}
	}
	if c.Ingest.Enabled {
		if c.Ingest.BrokerURL == "" {
			return fmt.Errorf("ingest.broker_url is required when ingest is enabled")
		}
		if c.Ingest.BatchSize < 1 {
			return fmt.Errorf("ingest.batch_size must be at least 1")
		}
		if c.Ingest.QoS < 0 || c.Ingest.QoS > 2 {
			return fmt.Errorf("ingest.qos must be 0, 1, or 2")
		}
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}
