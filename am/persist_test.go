package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDefault_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "am.toml")
	require.NoError(t, WriteDefault(path))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, Defaults(), cfg)
}

func TestWrite_RotatesBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	cfg := Defaults()
	for i := 1; i <= 5; i++ {
		cfg.Retry.MaxRetries = i
		require.NoError(t, Write(path, cfg))
	}

	for n, want := range map[string]int{"": 5, ".back1": 4, ".back2": 3, ".back3": 2} {
		got, err := LoadFromFile(path + n)
		require.NoError(t, err, n)
		assert.Equal(t, want, got.Retry.MaxRetries, n)
	}
	_, err := os.Stat(path + ".back4")
	assert.True(t, os.IsNotExist(err))
}

func TestActiveConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	SetConfigFile(path)
	t.Cleanup(func() { SetConfigFile("") })

	assert.Empty(t, ActiveConfigFile())
	require.NoError(t, WriteDefault(path))
	assert.Equal(t, path, ActiveConfigFile())
}
