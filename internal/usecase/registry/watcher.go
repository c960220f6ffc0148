package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"chorus/internal/domain"
)

// DefaultDebounce is how long the watcher waits for a burst of file events to settle.
const DefaultDebounce = 250 * time.Millisecond

// Reloader re-reads a backing store.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Watcher observes a registry directory and reloads the registry when another
// process adds, rewrites or removes a record file.
type Watcher struct {
	dir      string
	target   Reloader
	debounce time.Duration
	logger   *slog.Logger

	fsw      *fsnotify.Watcher
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopOnce sync.Once
}

// NewWatcher creates a watcher for dir. A non-positive debounce uses DefaultDebounce.
func NewWatcher(dir string, target Reloader, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, domain.WrapOp("NewWatcher", err)
	}
	if err := fsw.Add(dir); err != nil {
		fsw.Close()
		return nil, domain.WrapOp("NewWatcher", err)
	}
	return &Watcher{
		dir:      dir,
		target:   target,
		debounce: debounce,
		logger:   logger,
		fsw:      fsw,
	}, nil
}

// Start runs the event loop until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.loop(ctx)
	}()
	w.logger.Info("registry watcher started", "dir", w.dir)
}

// Stop ends the event loop and releases the fsnotify handle. Safe to call more than once.
func (w *Watcher) Stop() error {
	var err error
	w.stopOnce.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		w.wg.Wait()
		err = w.fsw.Close()
	})
	return err
}

func (w *Watcher) loop(ctx context.Context) {
	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !IsRecordFile(ev.Name) || ev.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("registry watcher error", "error", err)
		case <-fire:
			fire = nil
			if err := w.target.Reload(ctx); err != nil {
				w.logger.Warn("registry reload failed", "error", err)
			}
		}
	}
}
