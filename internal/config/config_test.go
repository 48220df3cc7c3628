package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, text string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(text), 0o600))
}

func TestLoad_DefaultsAndFile(t *testing.T) {
	dir := t.TempDir()

	cfg, used, err := Load(filepath.Join(dir, "missing.toml"), true)
	require.NoError(t, err)
	require.True(t, used)
	require.Equal(t, LedgerMemory, cfg.Ledger.Backend)

	_, _, err = Load(filepath.Join(dir, "missing.toml"), false)
	require.ErrorContains(t, err, "config file not found")

	path := filepath.Join(dir, "adresu.toml")
	writeFile(t, path, `
[log]
level = "debug"
consequence_levels = { basic_flooding = "warn" }

[homeserver]
url = "https://matrix.example.org"
user_id = "@warden:example.org"
access_token = "secret"

[engine]
management_room = "#moderators:example.org"
protected_rooms = ["!lobby:example.org"]
policy_lists = ["https://matrix.to/#/#community-bans:example.org"]

[executor]
base_delay = "2s"
max_delay = "1m"

[protections.basic_flooding]
enabled = true
settings = { max_per_minute = 20, action = "kick" }
`)
	cfg, used, err = Load(path, false)
	require.NoError(t, err)
	require.False(t, used)
	require.Equal(t, DebugLevel, cfg.Log.Level)
	require.Equal(t, WarnLevel, cfg.Log.ConsequenceLevels["basic_flooding"])
	require.Equal(t, 2*time.Second, cfg.Executor.BaseDelay)
	require.Equal(t, 10, cfg.Executor.MaxAttempts, "unset fields keep defaults")
	require.Equal(t, 6*time.Hour, cfg.Engine.ListResyncInterval)

	flood := cfg.Protections["basic_flooding"]
	require.True(t, flood.Enabled)
	require.Equal(t, int64(20), flood.Settings["max_per_minute"])
	require.Equal(t, "kick", flood.Settings["action"])
}

func TestLoad_Validation(t *testing.T) {
	testCases := []struct {
		name    string
		text    string
		wantErr string
	}{
		{"bad log level", "[log]\nlevel = \"loud\"\n", "invalid log level"},
		{"bad homeserver url", "[homeserver]\nurl = \"matrix.example.org\"\n", "homeserver.url"},
		{"bad user id", "[homeserver]\nuser_id = \"warden\"\n", "homeserver.user_id"},
		{"bad protected room", "[engine]\nprotected_rooms = [\"lobby\"]\n", "engine.protected_rooms[0]"},
		{"bad management member", "[engine]\nmanagement_members = [\"mod\"]\n", "engine.management_members[0]"},
		{"negative list resync", "[engine]\nlist_resync_interval = \"-1m\"\n", "engine.list_resync_interval"},
		{"max below base", "[executor]\nbase_delay = \"10s\"\nmax_delay = \"1s\"\n", "executor.max_delay"},
		{"positive mute level", "[executor]\nmuted_power_level = 10\n", "executor.muted_power_level"},
		{"unknown ledger", "[ledger]\nbackend = \"etcd\"\n", "ledger.backend"},
		{"redis without url", "[ledger]\nbackend = \"redis\"\n", "ledger.redis_url"},
		{"zero retention", "[membership]\nretention = \"0s\"\n", "membership.retention"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "adresu.toml")
			writeFile(t, path, tc.text)
			_, _, err := Load(path, false)
			require.ErrorContains(t, err, tc.wantErr)
		})
	}
}

func TestLogLevel_ToSlogLevel(t *testing.T) {
	require.Equal(t, "DEBUG", DebugLevel.ToSlogLevel().String())
	require.Equal(t, "ERROR", ErrorLevel.ToSlogLevel().String())
	require.Equal(t, "INFO", LogLevel("").ToSlogLevel().String())
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "adresu.toml")
	writeFile(t, path, "[engine]\ndry_run = false\n")

	reloaded := make(chan *Config, 4)
	failed := make(chan error, 4)
	w, err := NewWatcher(path, 100*time.Millisecond, func(c *Config) { reloaded <- c })
	require.NoError(t, err)
	w.OnError = func(err error) { failed <- err }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	writeFile(t, path, "[engine]\ndry_run = true\n")
	select {
	case cfg := <-reloaded:
		require.True(t, cfg.Engine.DryRun)
	case <-time.After(2 * time.Second):
		t.Fatal("config was not reloaded")
	}

	writeFile(t, path, "[ledger]\nbackend = \"etcd\"\n")
	select {
	case err := <-failed:
		require.ErrorContains(t, err, "ledger.backend")
	case <-time.After(2 * time.Second):
		t.Fatal("invalid config was not reported")
	}
	require.Empty(t, reloaded, "invalid configs are not applied")
}
