package main

import (
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, logLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, logLevel("warn"))
	assert.Equal(t, slog.LevelError, logLevel("error"))
	assert.Equal(t, slog.LevelInfo, logLevel(""))
	assert.Equal(t, slog.LevelInfo, logLevel("verbose"))
}

func TestRun0Flags(t *testing.T) {
	assert.Equal(t, 0, run0([]string{"--version"}))
	assert.Equal(t, 0, run0([]string{"--help"}))
	assert.Equal(t, 2, run0([]string{"--no-such-flag"}))
}
