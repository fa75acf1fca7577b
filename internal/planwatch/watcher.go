// Package planwatch watches a plan file on disk and fires a callback when its
// contents change, driving automatic re-checks during plan revisions.
package planwatch

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DebounceInterval is the delay after an fsnotify event before checking the
// checksum, letting editor save sequences (write temp, rename) settle.
const DebounceInterval = 500 * time.Millisecond

// OnChange is invoked with the plan path after its checksum changes. A
// returned error is logged; watching continues.
type OnChange func(ctx context.Context, path string) error

// Watcher re-checks a single plan file. Events for sibling files in the same
// directory are ignored.
type Watcher struct {
	path     string
	lastHash [sha256.Size]byte
	onChange OnChange
	logger   *slog.Logger
}

func New(path string, onChange OnChange, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plan path %s: %w", path, err)
	}
	hash, err := hashFile(abs)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     abs,
		lastHash: hash,
		onChange: onChange,
		logger:   logger,
	}, nil
}

// Run blocks until ctx is canceled. The parent directory is watched, not the
// file itself: atomic saves replace the inode and would silently detach a
// file watch.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(w.path)
	name := filepath.Base(w.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}
	w.logger.Info("watching plan file",
		slog.String("path", w.path))

	var debounce *time.Timer
	fired := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(DebounceInterval, func() {
				select {
				case fired <- struct{}{}:
				default:
				}
			})
		case <-fired:
			w.checkAndNotify(ctx)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("fsnotify error", slog.String("error.message", err.Error()))
		}
	}
}

func (w *Watcher) checkAndNotify(ctx context.Context) {
	hash, err := hashFile(w.path)
	if err != nil {
		w.logger.Warn("failed to hash plan after change event",
			slog.String("path", w.path), slog.String("error.message", err.Error()))
		return
	}
	if hash == w.lastHash {
		w.logger.Debug("plan event but checksum unchanged, ignoring",
			slog.String("path", w.path))
		return
	}
	w.lastHash = hash
	w.logger.Info("plan changed, re-checking",
		slog.String("path", w.path))
	if err := w.onChange(ctx, w.path); err != nil {
		w.logger.Error("re-check failed",
			slog.String("path", w.path), slog.String("error.message", err.Error()))
	}
}

func hashFile(path string) ([sha256.Size]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return [sha256.Size]byte{}, fmt.Errorf("hash %s: %w", path, err)
	}

	var result [sha256.Size]byte
	copy(result[:], h.Sum(nil))
	return result, nil
}
