// Package config loads runtime configuration from environment variables and
// an optional YAML file, with environment taking precedence.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Validation errors.
var (
	ErrMissingGeminiKey     = errors.New("config: GEMINI_API_KEY is required")
	ErrMissingTelegramToken = errors.New("config: TELEGRAM_BOT_TOKEN is required")
	ErrMissingPostgres      = errors.New("config: postgres host and database are required")
	ErrInvalidGuardrailMode = errors.New("config: guardrails mode must be advisory or mandatory")
	ErrInvalidThreshold     = errors.New("config: rag similarity threshold must be in (0, 1]")
)

// Guardrail enforcement modes.
const (
	GuardrailAdvisory  = "advisory"
	GuardrailMandatory = "mandatory"
)

// Config is the root configuration tree.
type Config struct {
	Language string `mapstructure:"language"`
	LogLevel string `mapstructure:"log_level"`
	LogJSON  bool   `mapstructure:"log_json"`

	Telegram   Telegram   `mapstructure:"telegram"`
	AI         AI         `mapstructure:"ai"`
	Postgres   Postgres   `mapstructure:"postgres"`
	RAG        RAG        `mapstructure:"rag"`
	Guardrails Guardrails `mapstructure:"guardrails"`
	MCP        MCP        `mapstructure:"mcp"`
}

// Telegram configures the chat front end.
type Telegram struct {
	Token          string        `mapstructure:"token"`
	PollTimeout    time.Duration `mapstructure:"poll_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AI configures the Gemini backend.
type AI struct {
	APIKey          string        `mapstructure:"api_key"`
	Model           string        `mapstructure:"model"`
	ClassifierModel string        `mapstructure:"classifier_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	EmbeddingDim    int32         `mapstructure:"embedding_dim"`
	Temperature     float32       `mapstructure:"temperature"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	RateLimitPerMin int           `mapstructure:"rate_limit_per_min"`
}

// Postgres configures the database connection.
type Postgres struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
}

// RAG configures retrieval over the knowledge base.
type RAG struct {
	SimilarityThreshold float64 `mapstructure:"similarity_threshold"`
	MaxChunks           int     `mapstructure:"max_chunks"`
	ChunkSize           int     `mapstructure:"chunk_size"`
	ChunkOverlap        int     `mapstructure:"chunk_overlap"`
}

// Guardrails configures input/output safety classification.
type Guardrails struct {
	Mode string `mapstructure:"mode"`
}

// MCP configures the tool protocol transport.
type MCP struct {
	// Command spawned as the tool provider. Empty means the running
	// binary re-executes itself with the "mcp" subcommand.
	Command string        `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from the environment and, when present,
// ~/.medicoaqui/config.yaml. Environment variables win.
func Load() (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("MEDICOAQUI")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	bindLegacyEnv(v)

	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".medicoaqui"))
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		if err := cfg.Postgres.fromURL(dbURL); err != nil {
			return nil, fmt.Errorf("parse DATABASE_URL: %w", err)
		}
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("language", "pt-BR")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	v.SetDefault("telegram.poll_timeout", 30*time.Second)
	v.SetDefault("telegram.request_timeout", 60*time.Second)

	v.SetDefault("ai.model", "gemini-2.0-flash")
	v.SetDefault("ai.classifier_model", "gemini-2.0-flash")
	v.SetDefault("ai.embedding_model", "text-embedding-004")
	v.SetDefault("ai.embedding_dim", 768)
	v.SetDefault("ai.temperature", 0.3)
	v.SetDefault("ai.request_timeout", 60*time.Second)
	v.SetDefault("ai.rate_limit_per_min", 30)

	v.SetDefault("postgres.host", "localhost")
	v.SetDefault("postgres.port", 5432)
	v.SetDefault("postgres.user", "postgres")
	v.SetDefault("postgres.database", "medicoaqui")
	v.SetDefault("postgres.ssl_mode", "disable")

	v.SetDefault("rag.similarity_threshold", 0.6)
	v.SetDefault("rag.max_chunks", 5)
	v.SetDefault("rag.chunk_size", 400)
	v.SetDefault("rag.chunk_overlap", 20)

	v.SetDefault("guardrails.mode", GuardrailAdvisory)

	v.SetDefault("mcp.timeout", 30*time.Second)
}

// bindLegacyEnv accepts the unprefixed variable names the deployment
// environment already uses.
func bindLegacyEnv(v *viper.Viper) {
	pairs := map[string]string{
		"telegram.token": "TELEGRAM_BOT_TOKEN",
		"ai.api_key":     "GEMINI_API_KEY",
	}
	for key, env := range pairs {
		if val := os.Getenv(env); val != "" {
			v.Set(key, val)
		}
	}
}

// Validate checks that the configuration can drive a full deployment.
// Commands that touch fewer subsystems validate narrower slices themselves.
func (c *Config) Validate() error {
	if c.AI.APIKey == "" {
		return ErrMissingGeminiKey
	}
	if c.Telegram.Token == "" {
		return ErrMissingTelegramToken
	}
	if err := c.Postgres.Validate(); err != nil {
		return err
	}
	if c.RAG.SimilarityThreshold <= 0 || c.RAG.SimilarityThreshold > 1 {
		return ErrInvalidThreshold
	}
	switch c.Guardrails.Mode {
	case GuardrailAdvisory, GuardrailMandatory:
	default:
		return ErrInvalidGuardrailMode
	}
	return nil
}

// Validate checks the postgres slice alone.
func (p *Postgres) Validate() error {
	if p.Host == "" || p.Database == "" {
		return ErrMissingPostgres
	}
	return nil
}

// URL returns a postgres:// connection URL for pgx and migrations.
func (p *Postgres) URL() string {
	u := url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", p.Host, p.Port),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	q := url.Values{}
	if p.SSLMode != "" {
		q.Set("sslmode", p.SSLMode)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func (p *Postgres) fromURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	p.Host = u.Hostname()
	p.Port = 5432
	if port := u.Port(); port != "" {
		if _, err := fmt.Sscanf(port, "%d", &p.Port); err != nil {
			return fmt.Errorf("invalid port %q", port)
		}
	}
	if u.User != nil {
		p.User = u.User.Username()
		if pw, ok := u.User.Password(); ok {
			p.Password = pw
		}
	}
	p.Database = strings.TrimPrefix(u.Path, "/")
	if mode := u.Query().Get("sslmode"); mode != "" {
		p.SSLMode = mode
	}
	return nil
}
