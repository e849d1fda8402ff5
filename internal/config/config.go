// Package config loads and validates scraper configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/riley-ailsa/innovate-uk-scraper/internal/auth"
	"github.com/riley-ailsa/innovate-uk-scraper/internal/ingest"
)

// MaxWorkers bounds the driver pool so the upstream site sees at most a
// handful of concurrent requests.
const MaxWorkers = 4

// Config captures all configuration knobs loaded via Viper.
type Config struct {
	Logging   LoggingConfig   `mapstructure:"logging"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Normalize NormalizeConfig `mapstructure:"normalize"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Resources ResourcesConfig `mapstructure:"resources"`
	DB        DBConfig        `mapstructure:"db"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// FetchConfig controls request pacing and retries. Durations are seconds.
type FetchConfig struct {
	Backend         string  `mapstructure:"backend"`
	TimeoutSeconds  float64 `mapstructure:"timeout_seconds"`
	DelayMinSeconds float64 `mapstructure:"delay_min_seconds"`
	DelayMaxSeconds float64 `mapstructure:"delay_max_seconds"`
	MaxRetries      int     `mapstructure:"max_retries"`
	BackoffFactor   float64 `mapstructure:"backoff_factor"`
	MaxRPS          float64 `mapstructure:"max_rps"`
	UserAgent       string  `mapstructure:"user_agent"`
	ProxyURL        string  `mapstructure:"proxy_url"`
	IgnoreRobots    bool    `mapstructure:"ignore_robots"`
}

// NormalizeConfig holds derivation constants.
type NormalizeConfig struct {
	TypicalProjectPercent float64 `mapstructure:"typical_project_percent"`
}

// PipelineConfig governs the driver.
type PipelineConfig struct {
	Workers     int    `mapstructure:"workers"`
	URLFile     string `mapstructure:"url_file"`
	ArtifactDir string `mapstructure:"artifact_dir"`
}

// ResourcesConfig toggles supporting-document ingestion.
type ResourcesConfig struct {
	FetchPDFs bool `mapstructure:"fetch_pdfs"`
}

// DBConfig controls access to PostgreSQL.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// RedisConfig points at the fingerprint cache. An empty address selects
// the in-process cache.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	TTLHours int    `mapstructure:"ttl_hours"`
}

// EmbeddingConfig configures the Ollama embedding sink.
type EmbeddingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	OllamaURL string `mapstructure:"ollama_url"`
	Model     string `mapstructure:"model"`
}

// ServerConfig controls the read API.
type ServerConfig struct {
	Port        int      `mapstructure:"port"`
	CORSOrigins []string `mapstructure:"cors_origins"`
}

// AuthConfig holds operator credentials for the trigger endpoint.
type AuthConfig struct {
	JWTSecret            string `mapstructure:"jwt_secret"`
	OperatorUser         string `mapstructure:"operator_user"`
	OperatorPasswordHash string `mapstructure:"operator_password_hash"`
	TokenTTLMinutes      int    `mapstructure:"token_ttl_minutes"`
}

// legacyEnv maps config keys to the environment names the scraper has
// always honoured. IUK_-prefixed names work for every key.
var legacyEnv = map[string]string{
	"fetch.timeout_seconds":             "REQUEST_TIMEOUT",
	"fetch.delay_min_seconds":           "RATE_LIMIT_DELAY_MIN",
	"fetch.delay_max_seconds":           "RATE_LIMIT_DELAY_MAX",
	"fetch.max_retries":                 "MAX_RETRIES",
	"fetch.backoff_factor":              "BACKOFF_FACTOR",
	"normalize.typical_project_percent": "TYPICAL_PROJECT_PERCENT",
	"db.dsn":                            "DATABASE_URL",
	"redis.addr":                        "REDIS_ADDR",
	"embedding.ollama_url":              "OLLAMA_URL",
	"auth.jwt_secret":                   "JWT_SECRET",
	"server.port":                       "PORT",
}

// Load builds a Config from an optional YAML file and the environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("IUK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	for key, env := range legacyEnv {
		prefixed := "IUK_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return Config{}, fmt.Errorf("bind %s: %w", env, err)
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
	v.SetDefault("logging.development", false)
	v.SetDefault("fetch.backend", "http")
	v.SetDefault("fetch.timeout_seconds", 15)
	v.SetDefault("fetch.delay_min_seconds", 1.0)
	v.SetDefault("fetch.delay_max_seconds", 2.0)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.backoff_factor", 2.0)
	v.SetDefault("fetch.max_rps", 0)
	v.SetDefault("fetch.user_agent", "")
	v.SetDefault("fetch.proxy_url", "")
	v.SetDefault("fetch.ignore_robots", true)
	v.SetDefault("normalize.typical_project_percent", ingest.DefaultTypicalProjectPercent)
	v.SetDefault("pipeline.workers", 1)
	v.SetDefault("pipeline.url_file", "innovate_uk_urls.txt")
	v.SetDefault("pipeline.artifact_dir", "logs")
	v.SetDefault("resources.fetch_pdfs", false)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl_hours", 24*30)
	v.SetDefault("embedding.enabled", false)
	v.SetDefault("embedding.ollama_url", "http://localhost:11434")
	v.SetDefault("embedding.model", "nomic-embed-text")
	v.SetDefault("server.port", 8081)
	v.SetDefault("server.cors_origins", []string{"http://localhost:4200"})
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.operator_user", "operator")
	v.SetDefault("auth.operator_password_hash", "")
	v.SetDefault("auth.token_ttl_minutes", 60)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	f := c.Fetch
	if f.Backend != "http" && f.Backend != "colly" {
		return fmt.Errorf("fetch.backend must be http or colly, got %q", f.Backend)
	}
	if f.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetch.timeout_seconds must be > 0")
	}
	if f.DelayMinSeconds < 0 || f.DelayMaxSeconds < 0 {
		return fmt.Errorf("fetch delays must be >= 0")
	}
	if f.DelayMinSeconds > f.DelayMaxSeconds {
		return fmt.Errorf("fetch.delay_min_seconds (%.2f) must be <= fetch.delay_max_seconds (%.2f)", f.DelayMinSeconds, f.DelayMaxSeconds)
	}
	if f.MaxRetries < 0 {
		return fmt.Errorf("fetch.max_retries must be >= 0")
	}
	if f.BackoffFactor < 1 {
		return fmt.Errorf("fetch.backoff_factor must be >= 1")
	}
	if f.MaxRPS < 0 {
		return fmt.Errorf("fetch.max_rps must be >= 0")
	}
	if p := c.Normalize.TypicalProjectPercent; p <= 0 || p > 1 {
		return fmt.Errorf("normalize.typical_project_percent must be in (0, 1], got %v", p)
	}
	if c.Pipeline.Workers < 1 || c.Pipeline.Workers > MaxWorkers {
		return fmt.Errorf("pipeline.workers must be between 1 and %d", MaxWorkers)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Embedding.Enabled && c.Embedding.Model == "" {
		return fmt.Errorf("embedding.model must be set when embedding is enabled")
	}
	return nil
}

// FetchSettings converts the fetch section into the fetcher's settings.
func (c Config) FetchSettings() ingest.FetchConfig {
	return ingest.FetchConfig{
		Timeout:       seconds(c.Fetch.TimeoutSeconds),
		DelayMin:      seconds(c.Fetch.DelayMinSeconds),
		DelayMax:      seconds(c.Fetch.DelayMaxSeconds),
		MaxRetries:    c.Fetch.MaxRetries,
		BackoffFactor: c.Fetch.BackoffFactor,
		BackoffUnit:   time.Second,
		MaxRPS:        c.Fetch.MaxRPS,
		UserAgent:     c.Fetch.UserAgent,
		ProxyURL:      c.Fetch.ProxyURL,
	}
}

// CacheTTL is how long a content fingerprint is remembered.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Redis.TTLHours) * time.Hour
}

// AuthSettings converts the auth section into the token service settings.
func (c Config) AuthSettings() auth.Settings {
	return auth.Settings{
		Secret:       c.Auth.JWTSecret,
		Operator:     c.Auth.OperatorUser,
		PasswordHash: c.Auth.OperatorPasswordHash,
		TokenTTL:     c.TokenTTL(),
	}
}

// TokenTTL is the lifetime of issued operator tokens.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Auth.TokenTTLMinutes) * time.Minute
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
