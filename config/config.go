package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/pattyshack/dwarfeval/logging"
)

const (
	EnvironmentVariable = "DWARFEVAL_CONFIG"

	DefaultMaxFrames    = 64
	MaxMaxFrames        = 4096
	DefaultInstructions = 8
	MaxInstructions     = 1024
)

type Log struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type Unwind struct {
	// Maximum number of frames produced by a backtrace.
	MaxFrames int `yaml:"max_frames"`
}

type Disassemble struct {
	// Number of instructions printed at each frame's pc.
	Instructions int `yaml:"instructions"`
}

type Config struct {
	Log         Log         `yaml:"log"`
	Unwind      Unwind      `yaml:"unwind"`
	Disassemble Disassemble `yaml:"disassemble"`
}

func Default() *Config {
	return &Config{
		Log: Log{
			Level:  "info",
			Pretty: true,
		},
		Unwind: Unwind{
			MaxFrames: DefaultMaxFrames,
		},
		Disassemble: Disassemble{
			Instructions: DefaultInstructions,
		},
	}
}

// DefaultPath returns $DWARFEVAL_CONFIG if set, otherwise
// ~/.config/dwarfeval/config.yaml.  An empty path means no config file.
func DefaultPath() string {
	if path := os.Getenv(EnvironmentVariable); path != "" {
		return path
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "dwarfeval", "config.yaml")
}

// Load reads the yaml config at path (DefaultPath when empty).  Fields
// missing from the file keep their default values, and a missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	config := Default()
	if path == "" {
		return config, nil
	}

	content, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return config, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	err = Parse(content, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	return config, nil
}

// Parse decodes yaml content on top of config and validates the result.
func Parse(content []byte, config *Config) error {
	err := yaml.Unmarshal(content, config)
	if err != nil {
		return err
	}

	return config.Validate()
}

func (config *Config) Validate() error {
	if config.Log.Level != "" {
		_, err := zerolog.ParseLevel(config.Log.Level)
		if err != nil {
			return fmt.Errorf("invalid log level %q", config.Log.Level)
		}
	}

	if config.Unwind.MaxFrames < 1 || config.Unwind.MaxFrames > MaxMaxFrames {
		return fmt.Errorf(
			"unwind.max_frames (%d) must be in [1, %d]",
			config.Unwind.MaxFrames,
			MaxMaxFrames)
	}

	if config.Disassemble.Instructions < 0 ||
		config.Disassemble.Instructions > MaxInstructions {
		return fmt.Errorf(
			"disassemble.instructions (%d) must be in [0, %d]",
			config.Disassemble.Instructions,
			MaxInstructions)
	}

	return nil
}

func (config *Config) Logging(output io.Writer) logging.Config {
	return logging.Config{
		Level:  config.Log.Level,
		Pretty: config.Log.Pretty,
		Output: output,
	}
}
