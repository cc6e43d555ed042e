// Package fs provides a debounced single-file watcher used by the host
// binary to re-apply configuration (log level) when its .env file changes.
package fs

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher observes one file for writes and invokes a debounced callback.
// Editors replace files on save, so the parent directory is watched and
// events are filtered by name.
type Watcher struct {
	watcher     *fsnotify.Watcher
	watchedFile string
	onChange    func(ctx context.Context)
	debounce    time.Duration
	stopCh      chan struct{}
	stoppedCh   chan struct{}
}

// WatcherOptions configures a Watcher.
type WatcherOptions struct {
	Debounce time.Duration
	OnChange func(ctx context.Context)
}

// NewWatcher builds a watcher for the given file path.
func NewWatcher(filePath string, opts WatcherOptions) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if opts.Debounce == 0 {
		opts.Debounce = 2 * time.Second
	}

	return &Watcher{
		watcher:     watcher,
		watchedFile: filepath.Clean(filePath),
		onChange:    opts.OnChange,
		debounce:    opts.Debounce,
		stopCh:      make(chan struct{}),
		stoppedCh:   make(chan struct{}),
	}, nil
}

// Start begins watching; the callback fires on the watch goroutine's
// debounce timer until Stop or ctx cancellation.
func (fw *Watcher) Start(ctx context.Context) error {
	if err := fw.watcher.Add(filepath.Dir(fw.watchedFile)); err != nil {
		return err
	}

	go fw.watchLoop(ctx)

	slog.InfoContext(ctx, "file watcher started", "path", fw.watchedFile)
	return nil
}

// Stop halts the watch loop and releases the underlying watcher.
func (fw *Watcher) Stop() error {
	close(fw.stopCh)
	<-fw.stoppedCh
	return fw.watcher.Close()
}

func (fw *Watcher) watchLoop(ctx context.Context) {
	defer close(fw.stoppedCh)

	debounceTimer := time.NewTimer(fw.debounce)
	if !debounceTimer.Stop() {
		<-debounceTimer.C
	}
	debouncePending := false

	for {
		select {
		case <-ctx.Done():
			return
		case <-fw.stopCh:
			return
		case event, ok := <-fw.watcher.Events:
			if !ok {
				return
			}
			if !fw.shouldHandleEvent(event) {
				continue
			}
			slog.DebugContext(ctx, "watched file changed", "path", event.Name, "operation", event.Op.String())
			if !debounceTimer.Stop() {
				select {
				case <-debounceTimer.C:
				default:
				}
			}
			debounceTimer.Reset(fw.debounce)
			debouncePending = true
		case <-debounceTimer.C:
			if !debouncePending {
				continue
			}
			debouncePending = false
			if fw.onChange != nil {
				go fw.onChange(ctx)
			}
		case err, ok := <-fw.watcher.Errors:
			if !ok {
				return
			}
			slog.ErrorContext(ctx, "file watcher error", "error", err)
		}
	}
}

func (fw *Watcher) shouldHandleEvent(event fsnotify.Event) bool {
	if filepath.Clean(event.Name) != fw.watchedFile {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename)
}
