package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/stepline/stepline/internal/infrastructure/llm"
)

// Config is the full application configuration.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Approval ApprovalConfig `mapstructure:"approval"`
	Store    StoreConfig    `mapstructure:"store"`
	Server   ServerConfig   `mapstructure:"server"`
	Log      LogConfig      `mapstructure:"log"`
}

// EngineConfig bounds the execution loop. Load-time only; changing
// these requires a restart.
type EngineConfig struct {
	MaxIterations int    `mapstructure:"max_iterations"` // loop cap per mission
	HistoryTail   int    `mapstructure:"history_tail"`   // prior step results shown to the model
	Workspace     string `mapstructure:"workspace"`      // root the built-in tools may touch
}

// LLMConfig configures model routing. Aliases are hot-reloadable.
type LLMConfig struct {
	DefaultAlias string               `mapstructure:"default_alias"`
	Aliases      map[string]string    `mapstructure:"aliases"` // alias → "provider/model"
	Providers    []llm.ProviderConfig `mapstructure:"providers"`
	Retry        RetryConfig          `mapstructure:"retry"`
}

// RetryConfig mirrors llm.RetryPolicy in config form.
type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	RetryOn           []string      `mapstructure:"retry_on"`
}

// Policy converts the config form into the capability's retry policy.
func (r RetryConfig) Policy() llm.RetryPolicy {
	return llm.RetryPolicy{
		MaxAttempts:       r.MaxAttempts,
		InitialBackoff:    r.InitialBackoff,
		BackoffMultiplier: r.BackoffMultiplier,
		AttemptTimeout:    r.AttemptTimeout,
		RetryOn:           r.RetryOn,
	}
}

// ApprovalConfig controls the tool approval gate. Trusted tools are
// hot-reloadable.
type ApprovalConfig struct {
	Mode          string   `mapstructure:"mode"` // auto | ask_dangerous | ask_all
	TrustedTools  []string `mapstructure:"trusted_tools"`
	AutoDenyTools []string `mapstructure:"auto_deny_tools"` // always denied, no prompt
}

// StoreConfig selects persistence backends.
type StoreConfig struct {
	Driver  string        `mapstructure:"driver"`   // file | redis (session state)
	DataDir string        `mapstructure:"data_dir"` // plan/state files under file driver
	Redis   RedisConfig   `mapstructure:"redis"`
	Journal JournalConfig `mapstructure:"journal"`
}

// RedisConfig is used when store.driver is "redis".
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// JournalConfig selects the event journal database.
type JournalConfig struct {
	Driver string `mapstructure:"driver"` // sqlite | postgres
	DSN    string `mapstructure:"dsn"`
}

// ServerConfig is the HTTP/WS listener.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // local | production
}

// LogConfig controls log output.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads the layered configuration. Priority, low to high:
// defaults → ~/.stepline/config.yaml → ./stepline.yaml → STEPLINE_ env.
func Load() (*Config, error) {
	return LoadFrom(HomeDir(), ".")
}

// LoadFrom loads with explicit global and local directories; tests use
// temp dirs here.
func LoadFrom(globalDir, localDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	// Layer 1: global config
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(globalDir)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("read global config: %w", err)
		}
	}

	// Layer 2: project-local overrides
	localPath := filepath.Join(localDir, "stepline.yaml")
	if _, err := os.Stat(localPath); err == nil {
		v2 := viper.New()
		v2.SetConfigFile(localPath)
		if err := v2.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read local config: %w", err)
		}
		if err := v.MergeConfigMap(v2.AllSettings()); err != nil {
			return nil, fmt.Errorf("merge local config: %w", err)
		}
	}

	// Layer 3: models.yaml alias overlay
	if err := mergeModelsOverlay(v, globalDir, localDir); err != nil {
		return nil, err
	}

	// Layer 4: environment
	v.SetEnvPrefix("STEPLINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = filepath.Join(globalDir, "data")
	}
	if cfg.Engine.Workspace == "" {
		cfg.Engine.Workspace, _ = os.Getwd()
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.max_iterations", 50)
	v.SetDefault("engine.history_tail", 5)

	v.SetDefault("llm.default_alias", "main")
	v.SetDefault("llm.aliases", map[string]string{})
	v.SetDefault("llm.retry.max_attempts", 3)
	v.SetDefault("llm.retry.initial_backoff", "500ms")
	v.SetDefault("llm.retry.backoff_multiplier", 2.0)
	v.SetDefault("llm.retry.attempt_timeout", "120s")
	v.SetDefault("llm.retry.retry_on", []string{"transient"})

	v.SetDefault("approval.mode", "ask_dangerous")
	v.SetDefault("approval.trusted_tools", []string{})
	v.SetDefault("approval.auto_deny_tools", []string{})

	v.SetDefault("store.driver", "file")
	v.SetDefault("store.redis.addr", "localhost:6379")
	v.SetDefault("store.redis.db", 0)
	v.SetDefault("store.journal.driver", "sqlite")
	v.SetDefault("store.journal.dsn", "stepline.db")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 18790)
	v.SetDefault("server.mode", "local")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// modelsOverlay is the shape of an optional models.yaml that overrides
// the alias table without touching the main config.
type modelsOverlay struct {
	DefaultAlias string            `yaml:"default_alias"`
	Aliases      map[string]string `yaml:"aliases"`
}

// mergeModelsOverlay folds models.yaml into the llm group. The local
// file wins over the global one.
func mergeModelsOverlay(v *viper.Viper, globalDir, localDir string) error {
	for _, dir := range []string{globalDir, localDir} {
		path := filepath.Join(dir, "models.yaml")
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return fmt.Errorf("read %s: %w", path, err)
		}

		var overlay modelsOverlay
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return fmt.Errorf("parse %s: %w", path, err)
		}

		if overlay.DefaultAlias != "" {
			v.Set("llm.default_alias", overlay.DefaultAlias)
		}
		for alias, model := range overlay.Aliases {
			v.Set("llm.aliases."+alias, model)
		}
	}
	return nil
}
