package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("STBRIDGE_TEST_TOKEN", "secret")

	tests := []struct {
		in   string
		want string
	}{
		{"token: ${STBRIDGE_TEST_TOKEN}", "token: secret"},
		{"token: ${STBRIDGE_TEST_MISSING:fallback}", "token: fallback"},
		{"token: ${STBRIDGE_TEST_MISSING}", "token: "},
		{"plain: value", "plain: value"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, expandEnvVars(tt.in))
	}
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := Parse([]byte("smartthings:\n  token: abc\n"))
	require.NoError(t, err)

	assert.Equal(t, "abc", cfg.SmartThings.Token)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 3000, cfg.Webhook.Port)
	assert.Equal(t, 20, cfg.Subscriptions.Limit)
	assert.Equal(t, 1, cfg.EventBus.Workers)
	assert.Equal(t, 5*time.Second, cfg.ShutdownTimeout.Duration())

	client := cfg.Samsung.Client()
	assert.Equal(t, 5*time.Second, client.ConnectTimeout)
	assert.Equal(t, 30*time.Second, client.PairingTimeout)
	assert.Equal(t, 8*time.Second, client.IdleTimeout)
	assert.Equal(t, 2*time.Second, client.ArtReadyGrace)
	assert.Equal(t, 3*time.Second, client.StatusTimeout)
	assert.Equal(t, 500*time.Millisecond, client.SettleDelay)
}

func TestLoad_File(t *testing.T) {
	t.Setenv("STBRIDGE_TV_ADDR", "192.168.1.40")
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
samsung:
  idle_timeout: 15s
  art_ready_grace: 3s
tvs:
  - name: living
    address: ${STBRIDGE_TV_ADDR}
    device_id: tv-1
subscriptions:
  limit: 10
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	tv, ok := cfg.TV("living")
	require.True(t, ok)
	assert.Equal(t, "192.168.1.40", tv.Address)
	assert.Equal(t, 15*time.Second, cfg.Samsung.Client().IdleTimeout)
	assert.Equal(t, 3*time.Second, cfg.Samsung.Client().ArtReadyGrace)
	assert.Equal(t, 10, cfg.Subscriptions.Limit)

	_, ok = cfg.TV("bedroom")
	assert.False(t, ok)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"limit above platform maximum", "subscriptions:\n  limit: 25\n"},
		{"relay without url", "relay:\n  enabled: true\n"},
		{"tv without address", "tvs:\n  - name: x\n"},
		{"duplicate tv", "tvs:\n  - {name: x, address: a}\n  - {name: x, address: b}\n"},
		{"bad duration", "samsung:\n  idle_timeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}
