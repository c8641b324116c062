// Package config provides configuration management for the leapexplore CLI.
package config

import (
	"time"

	"github.com/leapstack-labs/leapexplore/internal/tablestore"
)

// Default configuration values.
const (
	DefaultModelFile        = "model.yaml"
	DefaultOutput           = "table"
	DefaultLogFormat        = "text"
	DefaultLogLevel         = "info"
	DefaultRowLimit         = 1000
	DefaultQueryTimeout     = 5 * time.Minute
	DefaultTopValuesLimit   = 10
	DefaultTopValuesTimeout = 30 * time.Second
	DefaultRetryMax         = 3
	DefaultStoreTimeout     = 30 * time.Second
	DefaultPort             = 8765
	DefaultSessionIdle      = 30 * time.Minute
	DefaultMaxSessions      = 1000
)

// Output formats.
const (
	OutputTable    = "table"
	OutputJSON     = "json"
	OutputCSV      = "csv"
	OutputMarkdown = "md"
)

// Config holds all CLI configuration options.
type Config struct {
	Model     string `koanf:"model"`
	Database  string `koanf:"database"`
	Output    string `koanf:"output"`
	Verbose   bool   `koanf:"verbose"`
	LogFormat string `koanf:"log_format"`
	LogLevel  string `koanf:"log_level"`
	// RunLog is the SQLite run log path; empty disables run recording.
	RunLog string `koanf:"run_log"`

	Store     tablestore.Config `koanf:"store"`
	Executor  ExecutorConfig    `koanf:"executor"`
	TopValues TopValuesConfig   `koanf:"top_values"`
	Session   SessionConfig     `koanf:"session"`
	Server    ServerConfig      `koanf:"server"`

	// File is the config file that was loaded, if any.
	File string `koanf:"-"`
}

// ExecutorConfig configures query execution.
type ExecutorConfig struct {
	DefaultRowLimit int           `koanf:"default_row_limit"`
	QueryTimeout    time.Duration `koanf:"query_timeout"`
	// Strict rejects queries reading tables that no source declares.
	Strict bool `koanf:"strict"`
}

// TopValuesConfig configures field value summaries.
type TopValuesConfig struct {
	Limit   int           `koanf:"limit"`
	Timeout time.Duration `koanf:"timeout"`
}

// SessionConfig configures interactive sessions.
type SessionConfig struct {
	// Source is selected when a query names none.
	Source            string `koanf:"source"`
	AutoRunOnNavigate bool   `koanf:"auto_run_on_navigate"`
}

// ServerConfig holds configuration for the HTTP server.
type ServerConfig struct {
	Port          int    `koanf:"port"`
	SessionSecret string `koanf:"session_secret"`
	Watch         bool   `koanf:"watch"`
	// SessionIdleTimeout closes sessions unused for this long; negative keeps
	// them until shutdown.
	SessionIdleTimeout time.Duration `koanf:"session_idle_timeout"`
	// MaxSessions caps live sessions; negative disables the cap.
	MaxSessions int `koanf:"max_sessions"`
}
