// Package config provides server configuration loaded from environment variables and an
// optional YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/morezero/remote-server/pkg/commsutil"
	"github.com/morezero/remote-server/pkg/transport"
)

const logPrefix = "config:LoadConfig"

// Transports accepted by TRANSPORT.
const (
	TransportNATS      = "nats"
	TransportWebSocket = "ws"
	TransportStdio     = "stdio"
)

// Config holds remote-server configuration.
type Config struct {
	// ConfigFile names a YAML file of environment variable names to values. Variables already
	// set in the environment take precedence.
	ConfigFile string `envconfig:"REMOTE_CONFIG_FILE"`

	// Transport selects how peers connect: nats, ws or stdio.
	Transport string `envconfig:"TRANSPORT" default:"nats"`

	// COMMS: connect to standalone NATS at COMMSURL.
	COMMSURL  string `envconfig:"COMMS_URL" default:"nats://127.0.0.1:4222"`
	COMMSName string `envconfig:"SERVICE_NAME" default:"remote-server"`

	// How often idle NATS peers are checked for a live inbox (0 disables)
	NATSPeerCheck time.Duration `envconfig:"NATS_PEER_CHECK" default:"30s"`

	// Subject overrides (empty = derive from SERVICE_NAME)
	RemoteSubject string `envconfig:"REMOTE_SUBJECT"`
	EventSubject  string `envconfig:"REMOTE_EVENT_SUBJECT"`

	// WebSocket listen address
	WSAddr string `envconfig:"WS_ADDR" default:"127.0.0.1:8765"`

	// MaxFrameSize bounds stdio frames and WebSocket messages.
	MaxFrameSize int `envconfig:"MAX_FRAME_SIZE" default:"16777216"`

	// Worktrees
	WorktreeRecursive bool          `envconfig:"WORKTREE_RECURSIVE" default:"true"`
	WorktreeDebounce  time.Duration `envconfig:"WORKTREE_DEBOUNCE" default:"50ms"`

	// Database (empty disables the worktree catalog)
	DatabaseURL   string `envconfig:"DATABASE_URL"`
	RunMigrations bool   `envconfig:"RUN_MIGRATIONS" default:"false"`
	MigrationPath string `envconfig:"MIGRATION_PATH" default:"migrations"`

	// HTTP health endpoint (REMOTE_HTTP_ADDR preferred, e.g. "0.0.0.0:8080")
	HTTPAddr           string        `envconfig:"REMOTE_HTTP_ADDR"`
	HTTPPort           int           `envconfig:"HTTP_PORT" default:"8080"`
	HealthCheckTimeout time.Duration `envconfig:"HEALTH_CHECK_TIMEOUT" default:"5s"`

	// Logging
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from REMOTE_CONFIG_FILE, if set, and environment variables.
func LoadConfig() (*Config, error) {
	if path := os.Getenv("REMOTE_CONFIG_FILE"); path != "" {
		if err := applyFile(path); err != nil {
			return nil, err
		}
	}
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, fmt.Errorf("%s - failed to process environment: %w", logPrefix, err)
	}
	return &c, nil
}

// applyFile exports the variables of a YAML config file that are not already set.
// ${VAR} references in the file are expanded first.
func applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%s - cannot read config file %q: %w", logPrefix, path, err)
	}

	var values map[string]string
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), &values); err != nil {
		return fmt.Errorf("%s - invalid YAML in %s: %w", logPrefix, path, err)
	}
	for name, value := range values {
		if _, set := os.LookupEnv(name); set {
			continue
		}
		if err := os.Setenv(name, value); err != nil {
			return fmt.Errorf("%s - failed to set %s: %w", logPrefix, name, err)
		}
	}
	return nil
}

// Subject is the request subject of the NATS transport.
func (c *Config) Subject() string {
	if c.RemoteSubject != "" {
		return c.RemoteSubject
	}
	if c.COMMSName == commsutil.DefaultService {
		return commsutil.SubjectRemote
	}
	return commsutil.BuildServiceSubject(c.COMMSName, 1)
}

// ValidateForServe checks required config when running the remote server.
func (c *Config) ValidateForServe() error {
	switch c.Transport {
	case TransportNATS:
		if c.COMMSURL == "" {
			return fmt.Errorf("%s - COMMS_URL is required for the nats transport", logPrefix)
		}
	case TransportWebSocket:
		if c.WSAddr == "" {
			return fmt.Errorf("%s - WS_ADDR is required for the ws transport", logPrefix)
		}
	case TransportStdio:
	default:
		return fmt.Errorf("%s - unknown TRANSPORT %q (want nats, ws or stdio)", logPrefix, c.Transport)
	}
	if c.MaxFrameSize <= transport.LengthPrefixSize {
		return fmt.Errorf("%s - MAX_FRAME_SIZE must be larger than %d", logPrefix, transport.LengthPrefixSize)
	}
	if c.WorktreeDebounce < 0 {
		return fmt.Errorf("%s - WORKTREE_DEBOUNCE must not be negative", logPrefix)
	}
	if c.NATSPeerCheck < 0 {
		return fmt.Errorf("%s - NATS_PEER_CHECK must not be negative", logPrefix)
	}
	if c.HealthCheckTimeout <= 0 {
		return fmt.Errorf("%s - HEALTH_CHECK_TIMEOUT must be positive", logPrefix)
	}
	return nil
}

// ValidateForDB checks required config when running DB-dependent commands (migrate).
func (c *Config) ValidateForDB() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("%s - DATABASE_URL is required", logPrefix)
	}
	return nil
}
