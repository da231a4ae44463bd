// internal/config/config_test.go
package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const validConfig = `{
	"rpc_url": "https://api.mainnet-beta.solana.com",
	"websocket_url": "wss://api.mainnet-beta.solana.com",
	"master_secret": "secret"
}`

func TestLoadConfigAppliesDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, DefaultMonitorDelay, cfg.MonitorDelay)
	assert.Equal(t, DefaultRetentionHours, cfg.RetentionHours)
	assert.Equal(t, DefaultEntrySlippage, cfg.EntrySlippage)
	assert.Equal(t, DefaultExitSlippage, cfg.ExitSlippage)
	assert.Equal(t, DefaultQuoteURL, cfg.QuoteURL)
	assert.Equal(t, float64(DefaultRateLimitPerMin), cfg.RateLimitPerMin)
}

func TestLoadConfigRequiresMasterSecret(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{"rpc_url": "https://api.mainnet-beta.solana.com"}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "master_secret")
}

func TestLoadConfigValidatesURLs(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{
		"rpc_url": "ftp://not-rpc",
		"master_secret": "secret"
	}`))
	require.Error(t, err)

	_, err = LoadConfig(writeConfig(t, `{
		"rpc_url": "https://api.mainnet-beta.solana.com",
		"websocket_url": "https://not-ws",
		"master_secret": "secret"
	}`))
	require.Error(t, err)
}

func TestLoadConfigRejectsBadNumbers(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, `{
		"rpc_url": "https://api.mainnet-beta.solana.com",
		"master_secret": "secret",
		"workers": 0
	}`))
	require.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("ROKU_MASTER_SECRET", "env-secret")
	t.Setenv("ROKU_RPC_URL", "https://rpc.example.com")

	cfg, err := LoadConfig(writeConfig(t, validConfig))
	require.NoError(t, err)

	assert.Equal(t, "env-secret", cfg.MasterSecret)
	assert.Equal(t, "https://rpc.example.com", cfg.RPCURL)
}
