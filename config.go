package scrivd

import (
	"fmt"
	"strings"
	"time"

	"pkt.systems/pslog"
	"pkt.systems/scrivd/internal/clock"
	"pkt.systems/scrivd/internal/nameserver"
	"pkt.systems/scrivd/internal/storageserver"
)

const (
	// DefaultListen is the name server's default TCP endpoint.
	DefaultListen = ":9440"
	// DefaultStateFile is where the name server persists file metadata.
	DefaultStateFile = "scrivd-state.txt"
	// DefaultMetricsListen is the Prometheus scrape endpoint. Empty
	// disables the metrics listener.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultHeartbeatInterval is how often a storage server reports in.
	DefaultHeartbeatInterval = 5 * time.Second
	// DefaultStorageRoot is where a storage server keeps its files.
	DefaultStorageRoot = "scrivd-data"
)

// Config is the process-wide configuration shared by the scrivd
// subcommands. One value is built at startup from flags, environment,
// and an optional config file, then handed to the server constructors.
type Config struct {
	// Name server.
	Listen      string `yaml:"listen" mapstructure:"listen"`
	StateFile   string `yaml:"state-file" mapstructure:"state-file"`
	ExecEnabled bool   `yaml:"exec-enabled" mapstructure:"exec-enabled"`

	// Storage server.
	ServerID          int32         `yaml:"server-id" mapstructure:"server-id"`
	NMAddr            string        `yaml:"nm-addr" mapstructure:"nm-addr"`
	ClientListen      string        `yaml:"client-listen" mapstructure:"client-listen"`
	ControlListen     string        `yaml:"control-listen" mapstructure:"control-listen"`
	StorageRoot       string        `yaml:"storage-root" mapstructure:"storage-root"`
	HeartbeatInterval time.Duration `yaml:"heartbeat-interval" mapstructure:"heartbeat-interval"`

	// Shell.
	Username string `yaml:"username" mapstructure:"username"`

	// Observability.
	MetricsListen string `yaml:"metrics-listen" mapstructure:"metrics-listen"`
	PprofListen   string `yaml:"pprof-listen" mapstructure:"pprof-listen"`

	Logger pslog.Logger `yaml:"-" mapstructure:"-"`
	Clock  clock.Clock  `yaml:"-" mapstructure:"-"`
}

// Normalize fills defaults in place.
func (c *Config) Normalize() {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.StateFile) == "" {
		c.StateFile = DefaultStateFile
	}
	if strings.TrimSpace(c.StorageRoot) == "" {
		c.StorageRoot = DefaultStorageRoot
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.Clock == nil {
		c.Clock = clock.Real{}
	}
	if c.Logger == nil {
		c.Logger = pslog.NoopLogger()
	}
}

// EnsureLogger returns the configured logger, never nil.
func (c *Config) EnsureLogger() pslog.Logger {
	if c.Logger == nil {
		return pslog.NoopLogger()
	}
	return c.Logger
}

// NameServerConfig projects the shared configuration onto the name
// server's own Config.
func (c *Config) NameServerConfig() nameserver.Config {
	return nameserver.Config{
		Listen:      c.Listen,
		StateFile:   c.StateFile,
		ExecEnabled: c.ExecEnabled,
		Logger:      c.Logger,
		Clock:       c.Clock,
	}
}

// StorageConfig projects the shared configuration onto one storage
// server's Config.
func (c *Config) StorageConfig() (storageserver.Config, error) {
	if strings.TrimSpace(c.NMAddr) == "" {
		return storageserver.Config{}, fmt.Errorf("config: nm-addr is required for a storage server")
	}
	if strings.TrimSpace(c.ClientListen) == "" || strings.TrimSpace(c.ControlListen) == "" {
		return storageserver.Config{}, fmt.Errorf("config: client-listen and control-listen are required for a storage server")
	}
	return storageserver.Config{
		ServerID:          c.ServerID,
		NMAddr:            c.NMAddr,
		ClientListen:      c.ClientListen,
		ControlListen:     c.ControlListen,
		StorageRoot:       c.StorageRoot,
		HeartbeatInterval: c.HeartbeatInterval,
		Logger:            c.Logger,
		Clock:             c.Clock,
	}, nil
}
