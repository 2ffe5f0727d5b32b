package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce collapses the burst of events editors produce when
// saving a file.
const DefaultWatchDebounce = 100 * time.Millisecond

// WatchAppConfig calls onChange with the parsed content of path every time
// the file is written, created or renamed into place. The parent directory
// is watched so atomic replacements are seen. Parse failures go to onError
// and leave the previous configuration in effect. A removed file is ignored.
// WatchAppConfig blocks until ctx is done.
func WatchAppConfig(ctx context.Context, path string, debounce time.Duration, onChange func(map[string]any), onError func(error)) error {
	if path == "" {
		return errors.New("watch app config: path is required")
	}
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	if onError == nil {
		onError = func(error) {}
	}
	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch app config: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch app config: %w", err)
	}
	defer func() { _ = w.Close() }()
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch app config %s: %w", filepath.Dir(target), err)
	}

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			onError(err)
		case <-timer.C:
			values, err := readAppConfig(target)
			switch {
			case errors.Is(err, os.ErrNotExist):
			case err != nil:
				onError(err)
			default:
				onChange(values)
			}
		}
	}
}

func readAppConfig(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	values, err := ParseAppConfig(data, filepath.Ext(path))
	if err != nil {
		return nil, fmt.Errorf("parse app config %s: %w", path, err)
	}
	return values, nil
}
