package logging

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pattyshack/gt/testing/expect"
	"github.com/pattyshack/gt/testing/suite"
	"github.com/rs/zerolog"
)

type LoggingSuite struct{}

func TestLogging(t *testing.T) {
	suite.RunTests(t, &LoggingSuite{})
}

func (LoggingSuite) TestParseLevel(t *testing.T) {
	expect.Equal(t, zerolog.TraceLevel, ParseLevel("trace"))
	expect.Equal(t, zerolog.DebugLevel, ParseLevel(" DEBUG "))
	expect.Equal(t, zerolog.WarnLevel, ParseLevel("warn"))
	expect.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	expect.Equal(t, zerolog.InfoLevel, ParseLevel("bogus"))
}

func (LoggingSuite) TestLevelFiltering(t *testing.T) {
	buffer := &bytes.Buffer{}
	logger := New(Config{Level: "info", Output: buffer})

	logger.Debug().Msg("debug message")
	logger.Info().Msg("info message")

	output := buffer.String()
	expect.False(t, strings.Contains(output, "debug message"))
	expect.True(t, strings.Contains(output, `"message":"info message"`))
}

func (LoggingSuite) TestComponent(t *testing.T) {
	buffer := &bytes.Buffer{}
	logger := NewWithComponent(Config{Level: "debug", Output: buffer}, "unwind")

	logger.Debug().Uint64("pc", 0x1000).Msg("frame")

	output := buffer.String()
	expect.True(t, strings.Contains(output, `"component":"unwind"`))
	expect.True(t, strings.Contains(output, `"pc":4096`))
}

func (LoggingSuite) TestPretty(t *testing.T) {
	buffer := &bytes.Buffer{}
	logger := New(Config{Level: "info", Pretty: true, Output: buffer})

	logger.Info().Msg("pretty message")

	output := buffer.String()
	expect.True(t, strings.Contains(output, "pretty message"))
	expect.False(t, strings.Contains(output, `"message"`))
}
