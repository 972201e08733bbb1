package changesource

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/codegraph/ingestsub/internal/types"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []*types.ChangeEvent
}

func (r *recordingSink) IngestChangeEvent(event *types.ChangeEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) snapshot() []*types.ChangeEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*types.ChangeEvent(nil), r.events...)
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestWatcherEmitsCreatedOnNewFile(t *testing.T) {
	dir := t.TempDir()
	sink := &recordingSink{}
	w, err := New(sink, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.AddRoot(dir))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	path := filepath.Join(dir, "module.go")
	require.NoError(t, os.WriteFile(path, []byte("package main"), 0644))

	waitFor(t, 2*time.Second, func() bool { return len(sink.snapshot()) > 0 })
	events := sink.snapshot()
	require.Equal(t, path, events[0].FilePath)
	require.Equal(t, types.EventCreated, events[0].EventType)
}

func TestWatcherEmitsModifiedOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "module.go")
	require.NoError(t, os.WriteFile(path, []byte("package main"), 0644))

	sink := &recordingSink{}
	w, err := New(sink, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.AddRoot(dir))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, os.WriteFile(path, []byte("package main\n\nfunc main() {}"), 0644))

	waitFor(t, 2*time.Second, func() bool {
		for _, e := range sink.snapshot() {
			if e.EventType == types.EventModified {
				return true
			}
		}
		return false
	})
}

func TestWatcherEmitsDeletedOnRemove(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "module.go")
	require.NoError(t, os.WriteFile(path, []byte("package main"), 0644))

	sink := &recordingSink{}
	w, err := New(sink, Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.AddRoot(dir))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, os.Remove(path))

	waitFor(t, 2*time.Second, func() bool {
		for _, e := range sink.snapshot() {
			if e.EventType == types.EventDeleted {
				return true
			}
		}
		return false
	})
}

func TestWatcherDebounceCoalescesRapidWrites(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "module.go")
	require.NoError(t, os.WriteFile(path, []byte("package main"), 0644))

	sink := &recordingSink{}
	w, err := New(sink, Options{DebounceDelay: 200 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.AddRoot(dir))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("package main // edit"), 0644))
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(500 * time.Millisecond)
	require.LessOrEqual(t, len(sink.snapshot()), 1, "rapid writes within the debounce window should coalesce to one event")
}

func TestWatcherIgnoresConfiguredDirectories(t *testing.T) {
	dir := t.TempDir()
	ignored := filepath.Join(dir, ".git")
	require.NoError(t, os.Mkdir(ignored, 0755))

	sink := &recordingSink{}
	w, err := New(sink, Options{IgnoreDirs: []string{".git"}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	require.NoError(t, w.AddRoot(dir))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = w.Run(ctx) }()

	require.NoError(t, os.WriteFile(filepath.Join(ignored, "HEAD"), []byte("ref: refs/heads/main"), 0644))
	time.Sleep(300 * time.Millisecond)
	require.Empty(t, sink.snapshot(), "writes inside an ignored directory should never surface as ChangeEvents")
}
