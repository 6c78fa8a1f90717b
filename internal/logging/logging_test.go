package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/epics2web/pvstream/internal/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetGlobalLevel(t *testing.T) {
	prev := zerolog.GlobalLevel()
	t.Cleanup(func() { zerolog.SetGlobalLevel(prev) })
}

func TestSetup_JSON(t *testing.T) {
	resetGlobalLevel(t)
	var buf bytes.Buffer
	logger, closer, err := Setup(config.LogConfig{Level: "warn", Format: "json"}, &buf)
	require.NoError(t, err)
	defer closer.Close()

	logger.Info().Msg("hidden")
	logger.Warn().Str("pv", "IOC:A").Msg("shown")

	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	assert.Equal(t, "warn", line["level"])
	assert.Equal(t, "IOC:A", line["pv"])
	assert.Equal(t, "shown", line["message"])
}

func TestSetup_Console(t *testing.T) {
	resetGlobalLevel(t)
	var buf bytes.Buffer
	logger, _, err := Setup(config.LogConfig{}, &buf)
	require.NoError(t, err)

	logger.Debug().Msg("hidden")
	logger.Info().Msg("hello")
	assert.Contains(t, buf.String(), "hello")
	assert.NotContains(t, buf.String(), "hidden")
}

func TestSetup_File(t *testing.T) {
	resetGlobalLevel(t)
	path := filepath.Join(t.TempDir(), "pvmon.log")
	var buf bytes.Buffer
	logger, closer, err := Setup(config.LogConfig{Level: "debug", Format: "json", File: path}, &buf)
	require.NoError(t, err)

	logger.Debug().Msg("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
	assert.Zero(t, buf.Len())
}

func TestSetup_Invalid(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.LogConfig
	}{
		{"bad level", config.LogConfig{Level: "loud"}},
		{"bad format", config.LogConfig{Format: "xml"}},
		{"unwritable file", config.LogConfig{File: filepath.Join(t.TempDir(), "missing", "x.log")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := Setup(tt.cfg, &bytes.Buffer{})
			assert.Error(t, err)
		})
	}
}
