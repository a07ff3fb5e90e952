package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/vocoach/vocoach/internal/config"
)

func writeConfig(t *testing.T, path, yaml string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestWatcherReload(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "vocoach.yaml")
	writeConfig(t, path, sampleYAML)

	var mu sync.Mutex
	var reloads int
	w, err := config.NewWatcher(path, func(old, new *config.Config) {
		mu.Lock()
		reloads++
		mu.Unlock()
	}, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	if w.Current().Server.ListenAddr != ":8080" {
		t.Fatalf("initial config = %+v", w.Current().Server)
	}

	// A change to the file must propagate to Current and fire onChange.
	updated := strings.Replace(sampleYAML, `":8080"`, `":9090"`, 1)
	writeConfig(t, path, updated)
	// Force a visible mtime change on coarse-grained filesystems.
	future := time.Now().Add(2 * time.Second)
	os.Chtimes(path, future, future)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if w.Current().Server.ListenAddr == ":9090" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if got := w.Current().Server.ListenAddr; got != ":9090" {
		t.Fatalf("listen_addr after reload = %q", got)
	}
	mu.Lock()
	if reloads == 0 {
		t.Error("onChange never fired")
	}
	mu.Unlock()
}

func TestWatcherKeepsOldConfigOnInvalidFile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "vocoach.yaml")
	writeConfig(t, path, sampleYAML)

	w, err := config.NewWatcher(path, nil, config.WithInterval(10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer w.Stop()

	writeConfig(t, path, "server: [broken")
	future := time.Now().Add(2 * time.Second)
	os.Chtimes(path, future, future)

	time.Sleep(100 * time.Millisecond)
	if got := w.Current().Server.ListenAddr; got != ":8080" {
		t.Errorf("config changed to %q after invalid write", got)
	}
}

func TestWatcherRejectsMissingFile(t *testing.T) {
	t.Parallel()
	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "absent.yaml"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}
