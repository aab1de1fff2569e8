package cache

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestWatcherReportsRecordReplacement(t *testing.T) {
	store, err := NewFileStore(filepath.Join(t.TempDir(), "login"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	changed := make(chan struct{}, 1)
	w, err := NewWatcher(store, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer func() {
		_ = w.Close()
	}()
	w.Start()

	if err = store.Write(context.Background(), []byte(`{"login":{},"expiry":1}`)); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the record replacement")
	}
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(filepath.Join(dir, "login"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}

	changed := make(chan struct{}, 1)
	w, err := NewWatcher(store, func() {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	defer func() {
		_ = w.Close()
	}()
	w.Start()

	other, err := NewFileStore(filepath.Join(dir, "other"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	if err = other.Write(context.Background(), []byte("x")); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case <-changed:
		t.Fatal("watcher reported a change for an unrelated file")
	case <-time.After(time.Second):
	}
}
