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

func startWatch(t *testing.T, path string) (<-chan map[string]any, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	changes := make(chan map[string]any, 8)
	errs := make(chan error, 8)
	done := make(chan error, 1)
	go func() {
		done <- WatchAppConfig(ctx, path, 20*time.Millisecond,
			func(v map[string]any) { changes <- v },
			func(err error) { errs <- err })
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(time.Second):
			t.Error("watcher did not stop")
		}
	})
	// Give the watcher time to register the directory.
	time.Sleep(50 * time.Millisecond)
	return changes, errs
}

func TestWatchAppConfigReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.yaml")
	require.NoError(t, os.WriteFile(path, []byte("fps: 10\n"), 0o600))

	changes, _ := startWatch(t, path)

	require.NoError(t, os.WriteFile(path, []byte("fps: 15\nlabel: cat\n"), 0o600))
	select {
	case values := <-changes:
		assert.Equal(t, map[string]any{"fps": 15, "label": "cat"}, values)
	case <-time.After(2 * time.Second):
		t.Fatal("change not delivered")
	}
}

func TestWatchAppConfigIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.json")

	changes, _ := startWatch(t, path)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte(`{"a":1}`), 0o600))
	select {
	case values := <-changes:
		t.Fatalf("unexpected change %v", values)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestWatchAppConfigReportsParseErrors(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.json")

	changes, errs := startWatch(t, path)

	require.NoError(t, os.WriteFile(path, []byte(`{"fps":`), 0o600))
	select {
	case err := <-errs:
		assert.ErrorContains(t, err, "parse app config")
	case values := <-changes:
		t.Fatalf("unexpected change %v", values)
	case <-time.After(2 * time.Second):
		t.Fatal("error not reported")
	}
}

func TestWatchAppConfigRequiresPath(t *testing.T) {
	err := WatchAppConfig(context.Background(), "", 0, func(map[string]any) {}, nil)
	assert.ErrorContains(t, err, "path is required")
}
