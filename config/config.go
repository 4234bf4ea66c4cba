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

// Config holds all configuration for the agent system
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Browser   BrowserConfig   `mapstructure:"browser"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Debug          bool          `mapstructure:"debug"`
	LogLevel       string        `mapstructure:"log_level"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address        string   `mapstructure:"address"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// LLMConfig contains model provider settings
type LLMConfig struct {
	APIKey  string           `mapstructure:"api_key"`
	BaseURL string           `mapstructure:"base_url"`
	Timeout time.Duration    `mapstructure:"timeout"`
	Routing LLMRoutingConfig `mapstructure:"routing"`
}

// LLMRoutingConfig defines which model to use for different tasks
type LLMRoutingConfig struct {
	Analysis  string `mapstructure:"analysis"`  // cheap query classification
	Planning  string `mapstructure:"planning"`  // plan generation
	Execution string `mapstructure:"execution"` // step execution
	Synthesis string `mapstructure:"synthesis"` // final response
	Computer  string `mapstructure:"computer"`  // browser-driving turns
	Fallback  string `mapstructure:"fallback"`
}

// Model returns the routed model for a phase, falling back when unset.
func (r LLMRoutingConfig) Model(phase string) string {
	var m string
	switch phase {
	case "analysis":
		m = r.Analysis
	case "planning":
		m = r.Planning
	case "execution":
		m = r.Execution
	case "synthesis":
		m = r.Synthesis
	case "computer":
		m = r.Computer
	}
	if m == "" {
		m = r.Fallback
	}
	return m
}

// StorageConfig contains storage and persistence settings
type StorageConfig struct {
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Host       string        `mapstructure:"host"`
	Port       string        `mapstructure:"port"`
	Password   string        `mapstructure:"password"`
	DB         int           `mapstructure:"db"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

func (r RedisConfig) Addr() string { return fmt.Sprintf("%s:%s", r.Host, r.Port) }

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// AgentConfig contains run-loop and turn-loop tuning
type AgentConfig struct {
	MaxStepRounds          int           `mapstructure:"max_step_rounds"`
	MaxClarificationRounds int           `mapstructure:"max_clarification_rounds"`
	ClarificationTimeout   time.Duration `mapstructure:"clarification_timeout"`
	MonitorInterval        int           `mapstructure:"monitor_interval"`
	MaxInterventions       int           `mapstructure:"max_interventions"`
	QueueTTL               time.Duration `mapstructure:"queue_ttl"`
}

// BrowserConfig contains browser automation settings
type BrowserConfig struct {
	Headless     bool     `mapstructure:"headless"`
	Width        int      `mapstructure:"width"`
	Height       int      `mapstructure:"height"`
	StartURL     string   `mapstructure:"start_url"`
	UserAgent    string   `mapstructure:"user_agent"`
	BlockedHosts []string `mapstructure:"blocked_hosts"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoadConfig loads config from file, layered under WEBPILOT_* env overrides.
// A missing config file is fine; defaults and environment apply.
func LoadConfig(path string) *Config {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("json")

	v.SetDefault("general.log_level", "info")
	v.SetDefault("general.default_timeout", "120s")
	v.SetDefault("server.address", ":8000")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.timeout", "120s")
	v.SetDefault("llm.routing.analysis", "gpt-4o-mini")
	v.SetDefault("llm.routing.planning", "gpt-4o")
	v.SetDefault("llm.routing.execution", "gpt-4o")
	v.SetDefault("llm.routing.synthesis", "gpt-4o")
	v.SetDefault("llm.routing.computer", "computer-use-preview")
	v.SetDefault("llm.routing.fallback", "gpt-4o-mini")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", "6379")
	v.SetDefault("storage.redis.session_ttl", "24h")
	v.SetDefault("agent.max_step_rounds", 10)
	v.SetDefault("agent.max_clarification_rounds", 3)
	v.SetDefault("agent.clarification_timeout", "300s")
	v.SetDefault("agent.monitor_interval", 2)
	v.SetDefault("agent.max_interventions", 5)
	v.SetDefault("agent.queue_ttl", "15m")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.width", 1280)
	v.SetDefault("browser.height", 800)
	v.SetDefault("browser.start_url", "https://www.bing.com")
	v.SetDefault("telemetry.enabled", true)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		v.AddConfigPath(exeDir)
		v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("WEBPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}
	if config.LLM.APIKey == "" {
		config.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	return &config
}
