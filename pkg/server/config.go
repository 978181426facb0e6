package server

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"

	"github.com/aeolun/messageu/pkg/protocol"
	"github.com/aeolun/messageu/pkg/spool"
	"github.com/aeolun/messageu/pkg/store"
)

// ErrPortFile is returned when the configured port file cannot be used.
var ErrPortFile = errors.New("port file unusable")

// TOMLConfig represents the structure of the server config file
type TOMLConfig struct {
	Server   ServerSection   `toml:"server"`
	Storage  StorageSection  `toml:"storage"`
	Transfer TransferSection `toml:"transfer"`
	Log      LogSection      `toml:"log"`
}

type ServerSection struct {
	TCPPort            int    `toml:"tcp_port"`
	HTTPPort           int    `toml:"http_port"`
	PortFile           string `toml:"port_file"`
	IdleTimeoutSeconds int    `toml:"idle_timeout_seconds"`
}

type StorageSection struct {
	Engine            string `toml:"engine"`
	Path              string `toml:"path"`
	Lock              string `toml:"lock"`
	ClientPageSize    int    `toml:"client_page_size"`
	MessagePageSize   int    `toml:"message_page_size"`
	MaxContentSize    uint64 `toml:"max_content_size"`
	MessageBatchBytes uint64 `toml:"message_batch_bytes"`
}

type TransferSection struct {
	ChunkSize            int    `toml:"chunk_size"`
	MaxPayloadSize       uint64 `toml:"max_payload_size"`
	SpoolDir             string `toml:"spool_dir"`
	SpoolMemoryThreshold int    `toml:"spool_memory_threshold"`
}

type LogSection struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
	File   string `toml:"file"`
}

// ServerConfig is the resolved configuration the server runs with.
type ServerConfig struct {
	TCPPort     int           `validate:"min=0,max=65535"`
	HTTPPort    int           `validate:"min=0,max=65535"`
	IdleTimeout time.Duration `validate:"min=0"`

	Engine            string `validate:"oneof=sqlite badger memory"`
	DBPath            string `validate:"required_unless=Engine memory"`
	Lock              string `validate:"oneof=fair native"`
	ClientPageSize    int    `validate:"min=1"`
	MessagePageSize   int    `validate:"min=1"`
	MaxContentSize    uint64 `validate:"min=1"`
	MessageBatchBytes uint64 `validate:"min=1"`

	ChunkSize            int    `validate:"min=1"`
	MaxPayloadSize       uint64 `validate:"min=1"`
	SpoolDir             string
	SpoolMemoryThreshold int `validate:"min=0"`

	LogLevel  string `validate:"oneof=debug info warn error"`
	LogFormat string `validate:"oneof=text json"`
	LogFile   string
}

// DefaultMaxContentSize bounds a stored message body. Engines read a body
// into memory to insert it, so the limit is also the per-request allocation.
const DefaultMaxContentSize = 64 << 20

// DefaultConfig returns default server configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		TCPPort:  1357,
		HTTPPort: 0,

		Engine:            "sqlite",
		DBPath:            "~/.messageu/messageu.db",
		Lock:              "fair",
		ClientPageSize:    store.DefaultPageSize,
		MessagePageSize:   16,
		MaxContentSize:    DefaultMaxContentSize,
		MessageBatchBytes: store.DefaultBatchBytes,

		ChunkSize:            protocol.DefaultChunkSize,
		MaxPayloadSize:       protocol.MaxPayloadSize,
		SpoolMemoryThreshold: spool.DefaultMemoryThreshold,

		LogLevel:  "info",
		LogFormat: "text",
	}
}

var validate = validator.New()

// Validate checks the configuration against its struct tags.
func (c *ServerConfig) Validate() error {
	err := validate.Struct(c)
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("config: %s failed on '%s' (value: %v)", e.Field(), e.Tag(), e.Value())
	}
	return err
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	d := DefaultConfig()
	return TOMLConfig{
		Server: ServerSection{
			TCPPort:  d.TCPPort,
			HTTPPort: d.HTTPPort,
		},
		Storage: StorageSection{
			Engine:            d.Engine,
			Path:              d.DBPath,
			Lock:              d.Lock,
			ClientPageSize:    d.ClientPageSize,
			MessagePageSize:   d.MessagePageSize,
			MaxContentSize:    d.MaxContentSize,
			MessageBatchBytes: d.MessageBatchBytes,
		},
		Transfer: TransferSection{
			ChunkSize:            d.ChunkSize,
			MaxPayloadSize:       d.MaxPayloadSize,
			SpoolMemoryThreshold: d.SpoolMemoryThreshold,
		},
		Log: LogSection{
			Level:  d.LogLevel,
			Format: d.LogFormat,
		},
	}
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, path[2:]), nil
}

// LoadConfig loads configuration from a TOML file, creates default if not found
func LoadConfig(path string) (TOMLConfig, error) {
	path, err := expandHome(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		// An unwritable location still leaves us with usable defaults.
		_ = writeDefaultConfig(path, config)
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, fmt.Errorf("failed to parse config file: %w", err)
	}
	return config, nil
}

func writeDefaultConfig(path string, config TOMLConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# MessageU Server Configuration
# This file was auto-generated with default values
# Edit as needed and restart the server for changes to take effect

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	if err := toml.NewEncoder(f).Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// ToServerConfig merges the file over DefaultConfig. When a port file is
// configured the TCP port comes from it, and a missing or unparsable file is
// an error.
func (c *TOMLConfig) ToServerConfig() (ServerConfig, error) {
	cfg := DefaultConfig()

	if c.Server.TCPPort != 0 {
		cfg.TCPPort = c.Server.TCPPort
	}
	if c.Server.HTTPPort != 0 {
		cfg.HTTPPort = c.Server.HTTPPort
	}
	if c.Server.PortFile != "" {
		port, err := ReadPortFile(c.Server.PortFile)
		if err != nil {
			return cfg, err
		}
		cfg.TCPPort = port
	}
	if c.Server.IdleTimeoutSeconds != 0 {
		cfg.IdleTimeout = time.Duration(c.Server.IdleTimeoutSeconds) * time.Second
	}

	if c.Storage.Engine != "" {
		cfg.Engine = c.Storage.Engine
	}
	if strings.TrimSpace(c.Storage.Path) != "" {
		cfg.DBPath = c.Storage.Path
	}
	if c.Storage.Lock != "" {
		cfg.Lock = c.Storage.Lock
	}
	if c.Storage.ClientPageSize != 0 {
		cfg.ClientPageSize = c.Storage.ClientPageSize
	}
	if c.Storage.MessagePageSize != 0 {
		cfg.MessagePageSize = c.Storage.MessagePageSize
	}
	if c.Storage.MaxContentSize != 0 {
		cfg.MaxContentSize = c.Storage.MaxContentSize
	}
	if c.Storage.MessageBatchBytes != 0 {
		cfg.MessageBatchBytes = c.Storage.MessageBatchBytes
	}

	if c.Transfer.ChunkSize != 0 {
		cfg.ChunkSize = c.Transfer.ChunkSize
	}
	if c.Transfer.MaxPayloadSize != 0 {
		cfg.MaxPayloadSize = c.Transfer.MaxPayloadSize
	}
	cfg.SpoolDir = c.Transfer.SpoolDir
	if c.Transfer.SpoolMemoryThreshold != 0 {
		cfg.SpoolMemoryThreshold = c.Transfer.SpoolMemoryThreshold
	}

	if c.Log.Level != "" {
		cfg.LogLevel = strings.ToLower(c.Log.Level)
	}
	if c.Log.Format != "" {
		cfg.LogFormat = c.Log.Format
	}
	cfg.LogFile = c.Log.File

	return cfg, nil
}

// ReadPortFile reads a TCP port from a file holding a single number.
func ReadPortFile(path string) (int, error) {
	path, err := expandHome(path)
	if err != nil {
		return 0, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrPortFile, err)
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 || port > 65535 {
		return 0, fmt.Errorf("%w: %s does not hold a port number", ErrPortFile, path)
	}
	return port, nil
}
