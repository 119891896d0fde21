// Package config provides configuration for the orchestrator.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the orchestrator configuration.
type Config struct {
	// Server settings
	HTTPPort int `mapstructure:"http_port"`

	// Database
	DatabaseDSN string `mapstructure:"database_dsn"`

	// Sessions
	SessionDuration time.Duration `mapstructure:"session_duration"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`

	// Routing
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`

	// Workflows
	WorkflowGracePeriod time.Duration `mapstructure:"workflow_grace_period"`
	WorkflowTimeout     time.Duration `mapstructure:"workflow_timeout"`

	// LLM provider
	LLM LLMConfig `mapstructure:"llm"`

	// Logging
	LogLevel  string `mapstructure:"log_level"`
	LogPretty bool   `mapstructure:"log_pretty"`
}

// LLMConfig selects and configures the classifier provider.
type LLMConfig struct {
	Provider string        `mapstructure:"provider"` // openai, anthropic, mock
	Model    string        `mapstructure:"model"`
	APIKey   string        `mapstructure:"api_key"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Load loads configuration from defaults, an optional coachflow.yaml in the
// working directory, and COACHFLOW_* environment variables (highest
// precedence).
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("coachflow")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix("COACHFLOW")
	v.AutomaticEnv()
	v.BindEnv("llm.api_key", "COACHFLOW_LLM_API_KEY", "OPENAI_API_KEY", "ANTHROPIC_API_KEY")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return cfg, nil
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("http_port", 8080)
	v.SetDefault("database_dsn", "file:coachflow.db?cache=shared&mode=rwc")

	// Session defaults match the standard production preset: 30-minute
	// sliding window, swept every 5 minutes.
	v.SetDefault("session_duration", "30m")
	v.SetDefault("sweep_interval", "5m")

	v.SetDefault("confidence_threshold", 0.5)

	v.SetDefault("workflow_grace_period", "10m")
	v.SetDefault("workflow_timeout", "5m")

	v.SetDefault("llm.provider", "mock")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.timeout", "60s")

	v.SetDefault("log_level", "info")
	v.SetDefault("log_pretty", false)
}
