package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long the watcher waits for a burst of file events
// to settle before signalling.
const DefaultDebounce = 250 * time.Millisecond

// Watcher signals when plugin sources in a directory change. It never loads
// anything; it only tells the scheduler that waking early is worthwhile.
type Watcher struct {
	discoverer *Discoverer
	watcher    *fsnotify.Watcher
	debounce   time.Duration
	changes    chan struct{}
	logger     zerolog.Logger

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher creates a watcher for the discoverer's directory. The directory
// must exist; call Discover first.
func NewWatcher(d *Discoverer, debounce time.Duration) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if err := fw.Add(d.Dir()); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", d.Dir(), err)
	}

	return &Watcher{
		discoverer: d,
		watcher:    fw,
		debounce:   debounce,
		changes:    make(chan struct{}, 1),
		logger:     d.logger.With().Str("component", "watcher").Logger(),
	}, nil
}

// Changes returns a channel that receives a value after matching files change.
// Signals are coalesced; at most one is pending at a time.
func (w *Watcher) Changes() <-chan struct{} {
	return w.changes
}

// Start processes file system events until ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) {
	go w.processEvents(ctx)

	w.logger.Info().
		Str("path", w.discoverer.Dir()).
		Dur("debounce", w.debounce).
		Msg("Started watching plugin directory")
}

// Close stops the underlying watcher.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if !w.discoverer.Matches(event.Name) {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Plugin source changed")

			w.schedule()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.notify)
}

func (w *Watcher) notify() {
	select {
	case w.changes <- struct{}{}:
	default:
	}
}
