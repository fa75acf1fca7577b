package planwatch

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherFiresOnContentChange(t *testing.T) {
	dir := t.TempDir()
	plan := filepath.Join(dir, "plan.pdf")
	require.NoError(t, os.WriteFile(plan, []byte("rev1"), 0o644))

	var fired atomic.Int64
	w, err := New(plan, func(ctx context.Context, path string) error {
		fired.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(plan, []byte("rev2"), 0o644))

	require.Eventually(t, func() bool { return fired.Load() == 1 },
		5*time.Second, 50*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestWatcherIgnoresUnchangedChecksum(t *testing.T) {
	dir := t.TempDir()
	plan := filepath.Join(dir, "plan.pdf")
	require.NoError(t, os.WriteFile(plan, []byte("rev1"), 0o644))

	var fired atomic.Int64
	w, err := New(plan, func(ctx context.Context, path string) error {
		fired.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	// Rewrite with identical contents; the event arrives but the checksum
	// matches, so no callback.
	require.NoError(t, os.WriteFile(plan, []byte("rev1"), 0o644))

	time.Sleep(2 * DebounceInterval)
	assert.Equal(t, int64(0), fired.Load())
}

func TestWatcherIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	plan := filepath.Join(dir, "plan.pdf")
	require.NoError(t, os.WriteFile(plan, []byte("rev1"), 0o644))

	var fired atomic.Int64
	w, err := New(plan, func(ctx context.Context, path string) error {
		fired.Add(1)
		return nil
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	time.Sleep(2 * DebounceInterval)
	assert.Equal(t, int64(0), fired.Load())
}

func TestNewRequiresExistingFile(t *testing.T) {
	_, err := New(filepath.Join(t.TempDir(), "missing.pdf"), nil, nil)
	assert.Error(t, err)
}
