package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func lookupFrom(values map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestApplyEnvOverrides(t *testing.T) {
	cfg := Default()
	err := ApplyEnv(&cfg, lookupFrom(map[string]string{
		EnvHost:        "10.0.0.5",
		EnvReceiveHost: "0.0.0.0",
		EnvReceivePort: "11101",
		EnvLogLevel:    "warn",
		EnvTimeout:     "2s",
	}))
	require.NoError(t, err)
	require.Equal(t, "10.0.0.5", cfg.Ableton.Host)
	require.Equal(t, "0.0.0.0", cfg.Ableton.ReceiveHost)
	require.Equal(t, 11101, cfg.Ableton.ReceivePort)
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, 2000, cfg.Requests.TimeoutMS)
}

func TestApplyEnvIgnoresBlankValues(t *testing.T) {
	cfg := Default()
	require.NoError(t, ApplyEnv(&cfg, lookupFrom(map[string]string{EnvHost: "  ", EnvPort: ""})))
	require.Equal(t, Default(), cfg)
}

func TestApplyEnvRejectsMalformedValues(t *testing.T) {
	tests := map[string]string{
		EnvPort:        "eleven",
		EnvReceivePort: "x",
		EnvTimeout:     "5",
		EnvListen:      "no-port",
	}
	for key, value := range tests {
		t.Run(key, func(t *testing.T) {
			cfg := Default()
			err := ApplyEnv(&cfg, lookupFrom(map[string]string{key: value}))
			require.Error(t, err)
			require.Contains(t, err.Error(), key)
		})
	}
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bridge.env")
	require.NoError(t, os.WriteFile(path, []byte("ABLETON_HOST=10.1.1.1\nABLETON_PORT=12345\n"), 0o600))

	t.Setenv(EnvHost, "")
	require.NoError(t, os.Unsetenv(EnvHost))
	t.Setenv(EnvPort, "999")

	require.NoError(t, LoadEnvFile(path, true))
	require.Equal(t, "10.1.1.1", os.Getenv(EnvHost))
	require.Equal(t, "999", os.Getenv(EnvPort), "existing variables win over the env file")
}

func TestLoadEnvFileMissing(t *testing.T) {
	missing := filepath.Join(t.TempDir(), "nope.env")
	require.NoError(t, LoadEnvFile(missing, false))

	err := LoadEnvFile(missing, true)
	require.Error(t, err)
	require.Contains(t, err.Error(), "nope.env")
}
