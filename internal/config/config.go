// Package config holds the TFTP server's configuration, its defaults, and
// the validation that must pass before the server is allowed to start.
package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	DefaultHost         = "0.0.0.0"
	DefaultPort         = 69
	DefaultMaxBlockSize = 512
	DefaultTimeout      = 1
	DefaultRetries      = 3
	DefaultFileDir      = "/tmp/tftp"
	DefaultLogLevel     = "info"
)

// Config is the full set of knobs the server accepts.
type Config struct {
	Host         string `yaml:"host"`
	Port         int    `yaml:"port"`
	MaxBlockSize int    `yaml:"max_block_size"`
	Timeout      int    `yaml:"timeout"`
	Retries      int    `yaml:"retries"`
	FileDirectory string `yaml:"file_directory"`
	SinglePort   bool   `yaml:"single_port"`
	LogLevel     string `yaml:"log_level"`
}

// Default returns a Config populated with the documented defaults.
func Default() Config {
	return Config{
		Host:          DefaultHost,
		Port:          DefaultPort,
		MaxBlockSize:  DefaultMaxBlockSize,
		Timeout:       DefaultTimeout,
		Retries:       DefaultRetries,
		FileDirectory: DefaultFileDir,
		SinglePort:    false,
		LogLevel:      DefaultLogLevel,
	}
}

// Load reads a YAML config file layered on top of the defaults. Callers
// that pass an empty path get the defaults; a non-empty path that cannot be
// read is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "reading config file %q", path)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(err, "parsing config file %q", path)
	}
	return cfg, nil
}

// Validate rejects any configuration the server cannot safely start with.
func (c Config) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return errors.New("port must be an integer between 0 and 65535")
	}
	if c.MaxBlockSize <= 0 {
		return errors.New("max_block_size must be a positive integer")
	}
	if c.Timeout <= 0 {
		return errors.New("timeout must be a positive integer")
	}
	if c.Retries < 0 {
		return errors.New("retries must be a non-negative integer")
	}
	if c.FileDirectory == "" {
		return errors.New("file_directory must be a non-empty string")
	}
	info, err := os.Stat(c.FileDirectory)
	if err != nil {
		return errors.Wrapf(err, "file_directory %q must exist", c.FileDirectory)
	}
	if !info.IsDir() {
		return errors.Errorf("file_directory %q is not a directory", c.FileDirectory)
	}
	dir, err := os.Open(c.FileDirectory)
	if err != nil {
		return errors.Wrapf(err, "file_directory %q must be readable", c.FileDirectory)
	}
	dir.Close()
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("log_level must be one of debug,info,warn,error, got %q", c.LogLevel)
	}
	return nil
}
