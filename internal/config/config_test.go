package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithoutConfigFile(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, BackendFile, cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(home, ".datavault", "data"), cfg.Storage.Root)
	assert.Equal(t, DefaultListen, cfg.Server.Listen)
	assert.Equal(t, 256, cfg.Server.Queue)
	assert.Equal(t, 120*time.Second, cfg.Broker.Keepalive)
	assert.Equal(t, "datavault", cfg.Notify.Channel)
	assert.Empty(t, cfg.Broker.Managers)
	assert.Empty(t, cfg.File)
}

func TestLoadReadsFileAndManagers(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Chdir(t.TempDir())

	path := filepath.Join(t.TempDir(), "dv.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[storage]
backend = "bolt"
root = "~/vault"

[broker]
keepalive = "30s"

[broker.managers.lab]
host = "lab.local"

[broker.managers.cryo]
host = "10.0.0.2"
port = 7777
`), 0o600))

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, BackendBolt, cfg.Storage.Backend)
	assert.Equal(t, filepath.Join(home, "vault"), cfg.Storage.Root)
	assert.Equal(t, 30*time.Second, cfg.Broker.Keepalive)
	assert.Equal(t, []Manager{
		{Name: "cryo", Host: "10.0.0.2", Port: 7777},
		{Name: "lab", Host: "lab.local", Port: DefaultManagerPort},
	}, cfg.Broker.Managers)
	assert.Equal(t, path, cfg.File)
}

func TestLoadEnvironmentOverridesFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())
	t.Setenv("DV_SERVER_LISTEN", "0.0.0.0:9000")
	t.Setenv("DV_STORAGE_BACKEND", "memory")

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.Server.Listen)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("DV_NOTIFY_CHANNEL=lab\n"), 0o600))
	t.Cleanup(func() { _ = os.Unsetenv("DV_NOTIFY_CHANNEL") })

	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	assert.Equal(t, "lab", cfg.Notify.Channel)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "backend", env: map[string]string{"DV_STORAGE_BACKEND": "s3"}},
		{name: "queue", env: map[string]string{"DV_SERVER_QUEUE": "0"}},
		{name: "keepalive", env: map[string]string{"DV_BROKER_KEEPALIVE": "-1s"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.env {
				t.Setenv(key, value)
			}
			_, err := Load(viper.New(), "")
			require.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Chdir(t.TempDir())

	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)
}
