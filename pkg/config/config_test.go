package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNewLoaderWithoutFileUsesDefaults(t *testing.T) {
	l, err := NewLoader("", nil)
	require.NoError(t, err)
	require.Equal(t, Defaults().ListenAddr, l.Current().ListenAddr)
	require.Equal(t, 3, l.Current().AckMaxRetries)
}

func TestNewLoaderReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9999\"\nrate_limit_burst: 99\n"), 0o644))

	l, err := NewLoader(path, nil)
	require.NoError(t, err)
	require.Equal(t, ":9999", l.Current().ListenAddr)
	require.Equal(t, 99, l.Current().RateLimitBurst)
}

func TestNewLoaderWatchesAndReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "syncmesh.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rate_limit_burst: 10\n"), 0o644))

	changed := make(chan Options, 1)
	l, err := NewLoader(path, func(o Options) { changed <- o })
	require.NoError(t, err)
	require.Equal(t, 10, l.Current().RateLimitBurst)

	require.NoError(t, os.WriteFile(path, []byte("rate_limit_burst: 55\n"), 0o644))

	select {
	case o := <-changed:
		require.Equal(t, 55, o.RateLimitBurst)
	case <-time.After(2 * time.Second):
		t.Fatal("expected config reload callback to fire")
	}
}
