// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/ani-regulations/internal/regulation"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Source     SourceConfig     `mapstructure:"source"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	DB         DBConfig         `mapstructure:"db"`
	Validation ValidationConfig `mapstructure:"validation"`
	Schedule   ScheduleConfig   `mapstructure:"schedule"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `mapstructure:"port"`
	RunTimeoutSeconds int `mapstructure:"run_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// SourceConfig describes the listing being tracked and how it is classified.
type SourceConfig struct {
	BaseURL           string                   `mapstructure:"base_url"`
	Origin            string                   `mapstructure:"origin"`
	Entity            string                   `mapstructure:"entity"`
	ClassificationID  int64                    `mapstructure:"classification_id"`
	ComponentID       int64                    `mapstructure:"component_id"`
	DefaultRTypeID    int64                    `mapstructure:"default_rtype_id"`
	KeywordRules      []regulation.KeywordRule `mapstructure:"keyword_rules"`
	NumPages          int                      `mapstructure:"num_pages"`
	ProbePages        int                      `mapstructure:"probe_pages"`
	PageConcurrency   int                      `mapstructure:"page_concurrency"`
	RequestsPerSecond float64                  `mapstructure:"requests_per_second"`
}

// HTTPConfig configures the listing HTTP client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
}

// DBConfig controls access to Postgres.
type DBConfig struct {
	Host             string `mapstructure:"host"`
	Port             int    `mapstructure:"port"`
	Name             string `mapstructure:"name"`
	User             string `mapstructure:"user"`
	Password         string `mapstructure:"password"`
	SSLMode          string `mapstructure:"sslmode"`
	RegulationsTable string `mapstructure:"regulations_table"`
	ComponentTable   string `mapstructure:"component_table"`
	MaxConns         int32  `mapstructure:"max_conns"`
	MinConns         int32  `mapstructure:"min_conns"`
}

// ValidationConfig locates the validation ruleset.
type ValidationConfig struct {
	RulesPath string `mapstructure:"rules_path"`
}

// ScheduleConfig controls the in-process cron trigger.
type ScheduleConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	Cron              string `mapstructure:"cron"`
	NumPages          int    `mapstructure:"num_pages"`
	Force             bool   `mapstructure:"force"`
	Retries           int    `mapstructure:"retries"`
	RetryDelaySeconds int    `mapstructure:"retry_delay_seconds"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// legacyEnv maps config keys onto the unprefixed variables deployments already set.
var legacyEnv = map[string]string{
	"db.host":               "DB_HOST",
	"db.port":               "DB_PORT",
	"db.name":               "DB_NAME",
	"db.user":               "DB_USER",
	"db.password":           "DB_PASSWORD",
	"db.regulations_table":  "REGULATIONS_TABLE",
	"db.component_table":    "REGULATIONS_COMPONENT_TABLE",
	"validation.rules_path": "VALIDATION_RULES_PATH",
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("REGULATIONS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, env := range legacyEnv {
		prefixed := "REGULATIONS_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return Config{}, fmt.Errorf("bind env %s: %w", env, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.run_timeout_seconds", 600)
	v.SetDefault("source.base_url", "https://www.ani.gov.co/informacion-de-la-ani/normatividad"+
		"?field_tipos_de_normas__tid=12&title=&body_value=&field_fecha__value%5Bvalue%5D%5Byear%5D=")
	v.SetDefault("source.origin", "https://www.ani.gov.co")
	v.SetDefault("source.entity", regulation.DefaultEntity)
	v.SetDefault("source.classification_id", regulation.DefaultClassificationID)
	v.SetDefault("source.component_id", regulation.DefaultComponentID)
	v.SetDefault("source.default_rtype_id", regulation.DefaultRTypeID)
	v.SetDefault("source.keyword_rules", regulation.DefaultKeywordRules())
	v.SetDefault("source.num_pages", 9)
	v.SetDefault("source.probe_pages", 3)
	v.SetDefault("source.page_concurrency", 1)
	v.SetDefault("source.requests_per_second", 0)
	v.SetDefault("http.timeout_seconds", 15)
	v.SetDefault("http.user_agent", "ani-regulations-bot/0.1")
	v.SetDefault("http.respect_robots", false)
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.name", "airflow")
	v.SetDefault("db.user", "airflow")
	v.SetDefault("db.password", "airflow")
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.regulations_table", "regulations")
	v.SetDefault("db.component_table", "regulations_component")
	v.SetDefault("validation.rules_path", "configs/validation_rules.json")
	v.SetDefault("schedule.enabled", false)
	v.SetDefault("schedule.cron", "0 6 * * *")
	v.SetDefault("schedule.num_pages", 9)
	v.SetDefault("schedule.force", false)
	v.SetDefault("schedule.retries", 1)
	v.SetDefault("schedule.retry_delay_seconds", 300)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Source.NumPages < 1 {
		return fmt.Errorf("source.num_pages must be >= 1")
	}
	if c.Source.ProbePages < 1 {
		return fmt.Errorf("source.probe_pages must be >= 1")
	}
	if c.Source.PageConcurrency < 1 {
		return fmt.Errorf("source.page_concurrency must be >= 1")
	}
	if c.Source.Entity == "" {
		return fmt.Errorf("source.entity is required")
	}
	if u, err := url.Parse(c.Source.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("source.base_url must be an absolute url")
	}
	if c.DB.Port <= 0 {
		return fmt.Errorf("db.port must be > 0")
	}
	if c.Schedule.Enabled && c.Schedule.Cron == "" {
		return fmt.Errorf("schedule.cron must be set when the schedule is enabled")
	}
	if c.Schedule.Retries < 0 {
		return fmt.Errorf("schedule.retries must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// HTTPTimeout converts the configured timeout into a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// RunTimeout bounds one synchronous run triggered over HTTP.
func (c Config) RunTimeout() time.Duration {
	return time.Duration(c.Server.RunTimeoutSeconds) * time.Second
}

// RetryDelay is the pause between scheduled run attempts.
func (c ScheduleConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySeconds) * time.Second
}

// DSN renders the pgx connection string.
func (c DBConfig) DSN() string {
	return c.url("postgres")
}

// MigrateURL renders the golang-migrate pgx5 database URL.
func (c DBConfig) MigrateURL() string {
	return c.url("pgx5")
}

func (c DBConfig) url(scheme string) string {
	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + c.Name,
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}
