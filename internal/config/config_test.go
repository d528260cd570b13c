package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFillsDefaults(t *testing.T) {
	c := Config{UDPPort: 9944, ControlPort: 9943}
	require.NoError(t, c.Validate())
	assert.Equal(t, "0.0.0.0", c.UDPHost)
	assert.Equal(t, "127.0.0.1", c.ControlHost)
	assert.Equal(t, "info", c.LogLevel)
	assert.Equal(t, "text", c.LogFormat)
}

func TestValidateRejectsBadPort(t *testing.T) {
	c := Config{UDPPort: 0, ControlPort: 9943}
	assert.Error(t, c.Validate())
}

func TestValidateRejectsBadLogLevel(t *testing.T) {
	c := Config{UDPPort: 9944, ControlPort: 9943, LogLevel: "verbose"}
	assert.Error(t, c.Validate())
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, Default().UDPPort, cfg.UDPPort)
	assert.Equal(t, Default().ControlPort, cfg.ControlPort)
}
