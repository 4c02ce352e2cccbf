package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
)

type ConfigSuite struct{}

func TestConfig(t *testing.T) {
	suite.RunTests(t, &ConfigSuite{})
}

func (ConfigSuite) TestMissingFile(t *testing.T) {
	config, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	expect.Nil(t, err)
	expect.Equal(t, *Default(), *config)
}

func (ConfigSuite) TestPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	err := os.WriteFile(
		path,
		[]byte("log:\n  level: debug\nunwind:\n  max_frames: 10\n"),
		0o644)
	expect.Nil(t, err)

	config, err := Load(path)
	expect.Nil(t, err)
	expect.Equal(t, "debug", config.Log.Level)
	expect.True(t, config.Log.Pretty)
	expect.Equal(t, 10, config.Unwind.MaxFrames)
	expect.Equal(t, DefaultInstructions, config.Disassemble.Instructions)
}

func (ConfigSuite) TestEnvironmentPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "env.yaml")
	err := os.WriteFile(path, []byte("disassemble:\n  instructions: 3\n"), 0o644)
	expect.Nil(t, err)

	t.Setenv(EnvironmentVariable, path)
	expect.Equal(t, path, DefaultPath())

	config, err := Load("")
	expect.Nil(t, err)
	expect.Equal(t, 3, config.Disassemble.Instructions)
}

func (ConfigSuite) TestInvalid(t *testing.T) {
	config := Default()
	err := Parse([]byte("unwind:\n  max_frames: 0\n"), config)
	expect.Error(t, err, "unwind.max_frames (0) must be in [1, 4096]")

	config = Default()
	err = Parse([]byte("disassemble:\n  instructions: 5000\n"), config)
	expect.Error(t, err, "disassemble.instructions (5000) must be in [0, 1024]")

	config = Default()
	err = Parse([]byte("log:\n  level: loud\n"), config)
	expect.Error(t, err, `invalid log level "loud"`)

	config = Default()
	err = Parse([]byte("log: [\n"), config)
	expect.NotNil(t, err)

	path := filepath.Join(t.TempDir(), "bad.yaml")
	err = os.WriteFile(path, []byte("unwind:\n  max_frames: -1\n"), 0o644)
	expect.Nil(t, err)

	_, err = Load(path)
	expect.Error(t, err, "failed to parse config")
}

func (ConfigSuite) TestLogging(t *testing.T) {
	config := Default()
	config.Log.Level = "warn"

	logConfig := config.Logging(os.Stderr)
	expect.Equal(t, "warn", logConfig.Level)
	expect.True(t, logConfig.Pretty)
}
