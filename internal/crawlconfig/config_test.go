package crawlconfig

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDefaultAppliesBounds(t *testing.T) {
	c := Default()
	require.Equal(t, 1, c.MinConcurrency)
	require.GreaterOrEqual(t, c.MaxConcurrency, c.MinConcurrency)
	require.Equal(t, 1000, c.SessionPoolOptions.MaxPoolSize)
	require.NotZero(t, c.RequestHandlerTimeout)
}

func TestApplyDefaultsClampsMaxBelowMin(t *testing.T) {
	c := &Config{MinConcurrency: 10, MaxConcurrency: 2}
	c.ApplyDefaults()
	require.Equal(t, 10, c.MaxConcurrency)
}

func TestComputeDerivedRejectsCookiesWithoutSessionPool(t *testing.T) {
	c := Default()
	c.UseSessionPool = false
	c.PersistCookiesPerSession = true
	err := c.ComputeDerived()
	require.Error(t, err)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, 1, c.MinConcurrency)
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crawl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_concurrency: 5\nmax_concurrency: 50\n"), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 5, c.MinConcurrency)
	require.Equal(t, 50, c.MaxConcurrency)
}

func TestApplyEnvOverridesLocalStorageDir(t *testing.T) {
	c := Default()
	env := map[string]string{"LOCAL_STORAGE_DIR": "/tmp/custom", "MEMORY_MBYTES": "2048"}
	c.ApplyEnv(func(k string) string { return env[k] })
	require.Equal(t, "/tmp/custom", c.LocalStorageDir)
	require.Equal(t, 2048, c.MemoryMBytes)
}
