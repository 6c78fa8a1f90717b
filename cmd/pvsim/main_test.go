package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Flags(t *testing.T) {
	cmd, opts := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--port", "9000", "--update-interval", "250ms", "--mute-pongs", "--log-level", "warn"}))

	cfg, err := opts.load(cmd)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", cfg.Sim.Host)
	assert.Equal(t, 9000, cfg.Sim.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.Sim.UpdateInterval)
	assert.True(t, cfg.Sim.MutePongs)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_RejectsZeroInterval(t *testing.T) {
	cmd, opts := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--update-interval", "0s"}))
	_, err := opts.load(cmd)
	assert.Error(t, err)
}
