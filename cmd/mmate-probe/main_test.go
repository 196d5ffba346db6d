package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_URLOverride(t *testing.T) {
	cfg, err := loadConfig("amqps://svc:pw@broker.internal:5671/prod")
	require.NoError(t, err)

	assert.Equal(t, "amqps", cfg.Broker.Scheme)
	assert.Equal(t, "broker.internal", cfg.Broker.Host)
	assert.Equal(t, 5671, cfg.Broker.Port)
	assert.Equal(t, "svc", cfg.Broker.Username)
	assert.Equal(t, "prod", cfg.Broker.VirtualHost)
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Broker.Host)
}

func TestLoadConfig_InvalidURL(t *testing.T) {
	_, err := loadConfig("http://nope")
	assert.Error(t, err)
}

func TestRootCommand(t *testing.T) {
	cmd := newRootCommand()

	var names []string
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"listeners", "health", "delete-queue", "serve"})

	cmd.SetArgs([]string{"listeners"})
	assert.Error(t, cmd.Execute())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "RPC_Gre...", truncate("RPC_Greeter_1234", 10))
}
