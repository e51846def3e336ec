package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	cfg := defaultConfig()
	require.NoError(t, cfg.validate())
}

func TestValidateRejectsUnknownNetwork(t *testing.T) {
	cfg := defaultConfig()
	cfg.Civkitd.Network = "signet"
	require.Error(t, cfg.validate())
}

func TestValidateRejectsNonPositiveMaxClientConnections(t *testing.T) {
	cfg := defaultConfig()
	cfg.Connections.MaxClientConnections = 0
	require.Error(t, cfg.validate())
}
