// File: internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type RuntimeConfig struct {
	Dev bool
}

type ServerConfig struct {
	Port        int           `yaml:"port"`
	AuthSecret  string        `yaml:"auth_secret"`
	Heartbeat   time.Duration `yaml:"heartbeat"`   // server ping interval
	PongTimeout time.Duration `yaml:"pong_timeout"` // close when no client liveness for this long
	FlushEvery  time.Duration `yaml:"flush_every"`  // outbound fragment coalescing window
	FlushBytes  int           `yaml:"flush_bytes"`  // flush earlier once buffered bytes reach this
}

type AdminConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level    string `yaml:"level"`    // trace|debug|info|warn|error
	Format   string `yaml:"format"`   // json|console
	Sampling bool   `yaml:"sampling"` // enable sampling in prod
}

type RedisConfig struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"` // session retention window
}

type DatabaseConfig struct {
	URL string `yaml:"url"` // empty disables the conversation archive
}

type ProfileConfig struct {
	BaseURL string        `yaml:"base_url"`
	Timeout time.Duration `yaml:"timeout"`
}

type BackendConfig struct {
	Provider        string        `yaml:"provider"` // http | openai | gemini | noop
	BaseURL         string        `yaml:"base_url"`
	APIKey          string        `yaml:"api_key"`
	Model           string        `yaml:"model"`
	MaxTokens       int           `yaml:"max_tokens"`
	Timeout         time.Duration `yaml:"timeout"`      // overall generation deadline
	ReadTimeout     time.Duration `yaml:"read_timeout"` // per-read stall limit
	ConcurrentLimit int           `yaml:"concurrent_limit"`
}

type AssemblerConfig struct {
	Budget           int     `yaml:"budget"` // prompt budget in generation units
	MaxRelationships int     `yaml:"max_relationships"`
	MaxItems         int     `yaml:"max_items"` // knowledge/memory cap after ranking
	MinScore         float64 `yaml:"min_score"` // relevance cutoff
	MaxHistoryTurns  int     `yaml:"max_history_turns"`
	Estimator        string  `yaml:"estimator"` // chars | tiktoken
}

type SessionConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	Workers       int           `yaml:"workers"` // best-effort end-of-session jobs
}

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Admin     AdminConfig     `yaml:"admin"`
	Log       LogConfig       `yaml:"log"`
	Redis     RedisConfig     `yaml:"redis"`
	Database  DatabaseConfig  `yaml:"database"`
	Profile   ProfileConfig   `yaml:"profile"`
	Backend   BackendConfig   `yaml:"backend"`
	Assembler AssemblerConfig `yaml:"assembler"`
	Session   SessionConfig   `yaml:"session"`

	Runtime RuntimeConfig `yaml:"-"`
}

func LoadConfig(path string, dev bool) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// defaults
	if cfg.Server.Port <= 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Heartbeat <= 0 {
		cfg.Server.Heartbeat = 25 * time.Second
	}
	if cfg.Server.PongTimeout <= 0 {
		cfg.Server.PongTimeout = 60 * time.Second
	}
	if cfg.Server.FlushEvery <= 0 {
		cfg.Server.FlushEvery = 40 * time.Millisecond
	}
	if cfg.Server.FlushBytes <= 0 {
		cfg.Server.FlushBytes = 512
	}
	if cfg.Admin.Port <= 0 {
		cfg.Admin.Port = 9090
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	if cfg.Redis.TTL <= 0 {
		cfg.Redis.TTL = 24 * time.Hour
	}
	if cfg.Profile.Timeout <= 0 {
		cfg.Profile.Timeout = 10 * time.Second
	}
	if cfg.Backend.Provider == "" {
		if dev {
			cfg.Backend.Provider = "noop"
		} else {
			cfg.Backend.Provider = "http"
		}
	}
	if cfg.Backend.MaxTokens <= 0 {
		cfg.Backend.MaxTokens = 512
	}
	if cfg.Backend.Timeout <= 0 {
		cfg.Backend.Timeout = 60 * time.Second
	}
	if cfg.Backend.ReadTimeout <= 0 {
		cfg.Backend.ReadTimeout = 15 * time.Second
	}
	if cfg.Backend.ConcurrentLimit <= 0 {
		cfg.Backend.ConcurrentLimit = 16
	}
	if cfg.Assembler.Budget <= 0 {
		cfg.Assembler.Budget = 2048
	}
	if cfg.Assembler.MaxRelationships <= 0 {
		cfg.Assembler.MaxRelationships = 3
	}
	if cfg.Assembler.MaxItems <= 0 {
		cfg.Assembler.MaxItems = 8
	}
	if cfg.Assembler.MinScore <= 0 {
		cfg.Assembler.MinScore = 0.05
	}
	if cfg.Assembler.MaxHistoryTurns <= 0 {
		cfg.Assembler.MaxHistoryTurns = 20
	}
	if cfg.Assembler.Estimator == "" {
		cfg.Assembler.Estimator = "chars"
	}
	if cfg.Session.IdleTimeout <= 0 {
		cfg.Session.IdleTimeout = 15 * time.Minute
	}
	if cfg.Session.SweepInterval <= 0 {
		cfg.Session.SweepInterval = time.Minute
	}
	if cfg.Session.Workers <= 0 {
		cfg.Session.Workers = 4
	}

	// Minimal validation
	if cfg.Redis.URL == "" {
		return nil, errors.New("redis.url is required")
	}
	if cfg.Profile.BaseURL == "" {
		return nil, errors.New("profile.base_url is required")
	}
	if cfg.Backend.Provider == "http" && cfg.Backend.BaseURL == "" {
		return nil, errors.New("backend.base_url is required for the http provider")
	}

	cfg.Runtime.Dev = dev
	return &cfg, nil
}
