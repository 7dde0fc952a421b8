package discovery

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	ModeNotify  = "fsnotify"
	ModePolling = "polling"
)

// Event reports a new endpoint, or with Removed set, that the file
// announcing Endpoint went away.
type Event struct {
	Endpoint Endpoint
	Removed  bool
}

type WatcherOptions struct {
	PollInterval time.Duration
	ForcePolling bool
	Logger       *zap.Logger
}

// Watcher follows the service-info file written by `flutter run
// --vmservice-out-file` and reports each distinct endpoint it announces.
type Watcher struct {
	path   string
	opts   WatcherOptions
	logger *zap.Logger

	mu      sync.Mutex
	current Endpoint
	have    bool
	mode    string

	events chan Event
	fsw    *fsnotify.Watcher
	poller *PollingWatcher
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewWatcher(path string, opts WatcherOptions) (*Watcher, error) {
	if path == "" {
		return nil, errors.New("service info path is empty")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 500 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Watcher{
		path:   abs,
		opts:   opts,
		logger: opts.Logger.Named("discovery"),
		events: make(chan Event, 8),
	}, nil
}

// Start reads the file once and then follows it until ctx ends or Stop.
func (w *Watcher) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	if ev, ok := w.reload(); ok {
		w.events <- ev
	}

	if !w.opts.ForcePolling {
		err := w.startNotify()
		if err == nil {
			w.setMode(ModeNotify)
			w.wg.Add(1)
			go w.notifyLoop(ctx)
			return nil
		}
		w.logger.Info("fsnotify unavailable, polling service info file",
			zap.String("path", w.path), zap.Error(err))
	}

	w.poller = NewPollingWatcher(w.opts.PollInterval)
	w.poller.Add(w.path)
	w.poller.Start()
	w.setMode(ModePolling)
	w.wg.Add(1)
	go w.pollLoop(ctx)
	return nil
}

func (w *Watcher) startNotify() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	// The file is replaced on every run, so its directory is watched.
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return fmt.Errorf("watch %s: %w", filepath.Dir(w.path), err)
	}
	w.fsw = fsw
	return nil
}

func (w *Watcher) notifyLoop(ctx context.Context) {
	defer w.wg.Done()
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			w.emit(ctx)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer w.wg.Done()
	defer w.poller.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.poller.Events():
			if !ok {
				return
			}
			w.emit(ctx)
		}
	}
}

func (w *Watcher) emit(ctx context.Context) {
	ev, ok := w.reload()
	if !ok {
		return
	}
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

// reload re-reads the file and reports whether the announced endpoint changed.
func (w *Watcher) reload() (Event, bool) {
	data, err := os.ReadFile(w.path)

	w.mu.Lock()
	defer w.mu.Unlock()

	if err != nil {
		if errors.Is(err, os.ErrNotExist) && w.have {
			w.have = false
			w.logger.Info("service info file removed", zap.String("path", w.path))
			return Event{Endpoint: w.current, Removed: true}, true
		}
		return Event{}, false
	}

	ep, err := ParseEndpoint(data)
	if err != nil {
		// Partially written files are picked up by the next write event.
		w.logger.Debug("ignoring service info contents", zap.String("path", w.path), zap.Error(err))
		return Event{}, false
	}
	if w.have && ep.URI == w.current.URI {
		return Event{}, false
	}

	ep.Source = w.path
	w.current = ep
	w.have = true
	w.logger.Info("vm service endpoint discovered", zap.String("uri", ep.URI), zap.Int("port", ep.Port))
	return Event{Endpoint: ep}, true
}

func (w *Watcher) setMode(mode string) {
	w.mu.Lock()
	w.mode = mode
	w.mu.Unlock()
}

// Events delivers endpoint changes. It is never closed.
func (w *Watcher) Events() <-chan Event {
	return w.events
}

// Current returns the endpoint the file announces now.
func (w *Watcher) Current() (Endpoint, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current, w.have
}

func (w *Watcher) Mode() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mode
}

func (w *Watcher) Path() string {
	return w.path
}

func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}
