package config

import "time"

// Config is the resolved runtime configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Jobs       JobsConfig       `mapstructure:"jobs"`
	Results    ResultsConfig    `mapstructure:"results"`
	Ranking    RankingConfig    `mapstructure:"ranking"`
	MC         MCConfig         `mapstructure:"mc"`
	Validation ValidationConfig `mapstructure:"validation"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Job store backends.
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendRedis  = "redis"
)

// JobsConfig selects the progress store and tunes the executor.
type JobsConfig struct {
	// Backend is memory, file or redis. Empty selects redis when RedisURL is
	// set and file otherwise.
	Backend       string        `mapstructure:"backend"`
	Dir           string        `mapstructure:"dir"`
	RedisURL      string        `mapstructure:"redis_url"`
	RedisPrefix   string        `mapstructure:"redis_prefix"`
	ProgressEvery int           `mapstructure:"progress_every"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`

	// RateLimit caps units per second per job. Zero disables it.
	RateLimit float64 `mapstructure:"rate_limit"`
}

type ResultsConfig struct {
	// Path of the SQLite results database. Empty disables persistence.
	Path string `mapstructure:"path"`
}

type RankingConfig struct {
	Partial bool `mapstructure:"partial"`
}

type MCConfig struct {
	Iterations int   `mapstructure:"iterations"`
	Seed       int64 `mapstructure:"seed"`
}

type ValidationConfig struct {
	MaxInfluential int     `mapstructure:"max_influential"`
	Step           int     `mapstructure:"step"`
	Iterations     int     `mapstructure:"iterations"`
	Metric         string  `mapstructure:"metric"`
	Threshold      float64 `mapstructure:"threshold"`
}

// ResolvedBackend returns the effective job store backend.
func (j JobsConfig) ResolvedBackend() string {
	if j.Backend != "" {
		return j.Backend
	}
	if j.RedisURL != "" {
		return BackendRedis
	}
	return BackendFile
}
