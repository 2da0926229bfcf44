package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)

	assert.Equal(t, DefaultHTTPAddr, cfg.Server.Addr)
	assert.Equal(t, DefaultPGDatabase, cfg.Postgres.Database)
	assert.Equal(t, DefaultLanguage, cfg.Telegram.DefaultLanguage)
	assert.True(t, cfg.Scanner.Enabled)
	assert.Equal(t, DefaultScanInterval, cfg.Scanner.Interval.Std())
	assert.Equal(t, DefaultScanBatchSize, cfg.Scanner.BatchSize)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[log]
level = "debug"
format = "json"

[server]
addr = ":9090"
api_token = "secret"

[postgres]
host = "db.internal"
password = "pw"

[telegram]
bot_token = "123:abc"
default_language = "ru"

[scanner]
enabled = false
interval = "90s"
max_rps = 5
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "secret", cfg.Server.APIToken)
	assert.Equal(t, "db.internal", cfg.Postgres.Host)
	assert.Equal(t, DefaultPGPort, cfg.Postgres.Port, "unset fields keep defaults")
	assert.Equal(t, "ru", cfg.Telegram.DefaultLanguage)
	assert.False(t, cfg.Scanner.Enabled)
	assert.Equal(t, 90*time.Second, cfg.Scanner.Interval.Std())
	assert.Equal(t, 5, cfg.Scanner.MaxRPS)
	assert.Equal(t, DefaultScanFirstDelay, cfg.Scanner.FirstDelay.Std())
}

func TestDurationRejectsGarbage(t *testing.T) {
	var d Duration
	assert.Error(t, d.UnmarshalText([]byte("ninety seconds")))
}
