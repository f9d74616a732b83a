package crawlconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestReloaderPicksUpFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "crawl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("min_concurrency: 1\n"), 0o644))

	r, err := NewReloader(path, nil)
	require.NoError(t, err)
	defer r.Close()
	require.Equal(t, 1, r.Current().MinConcurrency)

	changed := make(chan *Config, 1)
	r.OnChange(func(c *Config) { changed <- c })

	require.NoError(t, r.Watch())
	require.NoError(t, os.WriteFile(path, []byte("min_concurrency: 7\n"), 0o644))

	select {
	case c := <-changed:
		require.Equal(t, 7, c.MinConcurrency)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
	require.Equal(t, 7, r.Current().MinConcurrency)
}
