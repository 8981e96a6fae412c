package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/opd-ai/filewire/crypto"
	"github.com/opd-ai/filewire/fault"
	"github.com/opd-ai/filewire/telemetry"
)

// ErrInvalidConfiguration indicates configuration that cannot be used.
// Fatal at startup; nothing is retried.
var ErrInvalidConfiguration = errors.New("invalid configuration")

// Defaults.
const (
	DefaultChunkSize      = 64 * 1024
	DefaultWindow         = 32
	DefaultServerAddr     = "127.0.0.1:9730"
	DefaultAdminAddr      = "127.0.0.1:9731"
	DefaultStallTimeoutMs = 30000
)

// ClientConfig holds every client setting, read once at startup.
type ClientConfig struct {
	// ServerAddr is the receiver's host:port.
	ServerAddr string `yaml:"server_addr"`
	// Key is the pre-shared session key, hex encoded.
	Key string `yaml:"key"`
	// ChunkSize is the transfer chunk size in bytes.
	ChunkSize int `yaml:"chunk_size"`
	// Window bounds the number of chunks in flight through the
	// compress/encrypt stages at once.
	Window int `yaml:"window"`
	// InputDir is the directory whose files SendDir transfers.
	InputDir string `yaml:"input_dir"`
	// SDPath is the statistical-debugging CSV file. Empty disables SD
	// recording.
	SDPath string `yaml:"sd_path"`

	Telemetry telemetry.Config `yaml:"telemetry"`
	Fault     fault.Config     `yaml:"fault"`
}

// ServerConfig holds every server setting, read once at startup.
type ServerConfig struct {
	// ListenAddr is the TCP address the transfer listener binds.
	ListenAddr string `yaml:"listen_addr"`
	// AdminAddr is the HTTP address for /metrics, /sessions and
	// /healthz. Empty disables the admin server.
	AdminAddr string `yaml:"admin_addr"`
	// Key is the pre-shared session key, hex encoded.
	Key string `yaml:"key"`
	// OutputDir receives reassembled files.
	OutputDir string `yaml:"output_dir"`
	// Window bounds per-session out-of-order buffering.
	Window int `yaml:"window"`
	// StallTimeoutMs converts a stalled session into a terminal
	// failure after this many milliseconds without progress.
	StallTimeoutMs int `yaml:"stall_timeout_ms"`
	// LedgerPath is the bolt database recording completed sessions.
	// Empty disables the ledger.
	LedgerPath string `yaml:"ledger_path"`
	// SDPath is the statistical-debugging CSV file. Empty disables SD
	// recording.
	SDPath string `yaml:"sd_path"`

	Telemetry telemetry.Config `yaml:"telemetry"`
	Fault     fault.Config     `yaml:"fault"`
}

// LoadClient reads and validates a client configuration file.
func LoadClient(path string) (*ClientConfig, error) {
	cfg := &ClientConfig{
		ServerAddr: DefaultServerAddr,
		ChunkSize:  DefaultChunkSize,
		Window:     DefaultWindow,
		Telemetry:  telemetry.Config{Sampling: telemetry.AlwaysOn},
	}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadServer reads and validates a server configuration file.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := &ServerConfig{
		ListenAddr:     DefaultServerAddr,
		AdminAddr:      DefaultAdminAddr,
		Window:         DefaultWindow,
		StallTimeoutMs: DefaultStallTimeoutMs,
		Telemetry:      telemetry.Config{Sampling: telemetry.AlwaysOn},
	}
	if err := load(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string, out interface{}) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: reading %s: %v", ErrInvalidConfiguration, path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: parsing %s: %v", ErrInvalidConfiguration, path, err)
	}

	logrus.WithFields(logrus.Fields{
		"function": "load",
		"path":     path,
	}).Debug("Loaded configuration file")
	return nil
}

// Validate checks the client configuration.
func (c *ClientConfig) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidConfiguration, c.ChunkSize)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %d", ErrInvalidConfiguration, c.Window)
	}
	if c.ServerAddr == "" {
		return fmt.Errorf("%w: server_addr is required", ErrInvalidConfiguration)
	}
	if err := validateCommon(c.Key, c.Telemetry, c.Fault); err != nil {
		return err
	}
	return nil
}

// Validate checks the server configuration.
func (c *ServerConfig) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("%w: listen_addr is required", ErrInvalidConfiguration)
	}
	if c.OutputDir == "" {
		return fmt.Errorf("%w: output_dir is required", ErrInvalidConfiguration)
	}
	if c.Window <= 0 {
		return fmt.Errorf("%w: window must be positive, got %d", ErrInvalidConfiguration, c.Window)
	}
	if c.StallTimeoutMs < 0 {
		return fmt.Errorf("%w: stall_timeout_ms must not be negative", ErrInvalidConfiguration)
	}
	if err := validateCommon(c.Key, c.Telemetry, c.Fault); err != nil {
		return err
	}
	return nil
}

// ParseKey decodes the configured pre-shared key.
func (c *ClientConfig) ParseKey() (crypto.Key, error) {
	return crypto.ParseKey(c.Key)
}

// ParseKey decodes the configured pre-shared key.
func (c *ServerConfig) ParseKey() (crypto.Key, error) {
	return crypto.ParseKey(c.Key)
}

// StallTimeout returns the configured stall timeout as a duration.
func (c *ServerConfig) StallTimeout() time.Duration {
	return time.Duration(c.StallTimeoutMs) * time.Millisecond
}

func validateCommon(key string, tel telemetry.Config, flt fault.Config) error {
	if key == "" {
		return fmt.Errorf("%w: pre-shared key is required", ErrInvalidConfiguration)
	}
	if _, err := crypto.ParseKey(key); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if _, err := telemetry.ParsePolicy(tel.Sampling); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	if err := flt.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfiguration, err)
	}
	return nil
}
