package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfigFile(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "gateway.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestWatcher_DeliversRefreshedBackends(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, sampleConfig)

	updates := make(chan []Backend, 1)
	w, err := NewWatcher(path, func(backends []Backend) {
		updates <- backends
	}, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Rewrite with an extra endpoint on the auth backend.
	updated := `
server:
  port: 8080
backends:
  - name: auth
    endpoints: ["auth-service:50052", "auth-service-2:50052"]
routes: []
`
	require.NoError(t, os.WriteFile(path, []byte(updated), 0o600))

	select {
	case backends := <-updates:
		require.Len(t, backends, 1)
		assert.Equal(t, []string{"auth-service:50052", "auth-service-2:50052"}, backends[0].Endpoints)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for backend refresh")
	}
}

func TestWatcher_RejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, sampleConfig)

	updates := make(chan []Backend, 1)
	w, err := NewWatcher(path, func(backends []Backend) {
		updates <- backends
	}, WithDebounceDelay(10*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer w.Stop()

	// Invalid: no backends. The callback must not fire.
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: 8080\nbackends: []\nroutes: []\n"), 0o600))

	select {
	case <-updates:
		t.Fatal("callback fired for invalid configuration")
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_StopAfterFailedStartReturns(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, sampleConfig)

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	// Remove the watched directory so Add fails inside Start.
	require.NoError(t, os.RemoveAll(dir))
	require.Error(t, w.Start(context.Background()))

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after a failed Start")
	}
}

func TestWatcher_StartIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, sampleConfig)

	w, err := NewWatcher(path, nil)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, w.Start(ctx))
	require.NoError(t, w.Start(ctx))
	w.Stop()
	w.Stop()
}
