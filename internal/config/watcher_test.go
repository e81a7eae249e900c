package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, yaml string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherInitialLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cantoria.yaml")
	writeConfig(t, path, validYAML)

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if w.Current().Server.Port != 8080 {
		t.Errorf("port = %d", w.Current().Server.Port)
	}
}

func TestWatcherDetectsChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cantoria.yaml")
	writeConfig(t, path, validYAML)

	var fired atomic.Bool
	w, err := NewWatcher(path, func(old, new *Config) {
		if old.Server.LogLevel == LogInfo && new.Server.LogLevel == LogDebug {
			fired.Store(true)
		}
	}, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	changed := strings.Replace(validYAML, "log_level: info", "log_level: debug", 1)
	writeConfig(t, path, changed)
	// Nudge mtime forward; coarse filesystem timestamps can hide the write.
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for !fired.Load() {
		if time.Now().After(deadline) {
			t.Fatal("onChange never fired")
		}
		time.Sleep(10 * time.Millisecond)
	}

	if w.Current().Server.LogLevel != LogDebug {
		t.Errorf("current log level = %q", w.Current().Server.LogLevel)
	}
}

func TestWatcherKeepsOldConfigOnInvalidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cantoria.yaml")
	writeConfig(t, path, validYAML)

	w, err := NewWatcher(path, nil, WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	defer w.Stop()

	writeConfig(t, path, "nonsense: [")
	future := time.Now().Add(time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	time.Sleep(100 * time.Millisecond)
	if w.Current().Server.Port != 8080 {
		t.Error("invalid file replaced the current config")
	}
}

func TestWatcherRejectsMissingFile(t *testing.T) {
	if _, err := NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Error("expected error for missing file")
	}
}
