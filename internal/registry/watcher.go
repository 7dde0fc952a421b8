package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Trigger labels passed to the coordinator.
const (
	TriggerInitial    = "initial"
	TriggerUnitAdded  = "unit-added"
	TriggerReregister = "reregister"
	TriggerManual     = "manual"
)

// DefaultSettleDelay gives a freshly connected app time to install its
// extensions before the initial pass.
const DefaultSettleDelay = 2 * time.Second

// Registrar runs registration passes. *Coordinator satisfies it.
type Registrar interface {
	PerformRegistration(ctx context.Context, trigger string) (PassResult, error)
}

type WatcherOptions struct {
	SettleDelay time.Duration
	Logger      *zap.Logger
}

// Watcher decides when to run a registration pass. Each connected session
// runs the first strategy that works, falling back to the next one when a
// strategy fails.
type Watcher struct {
	registrar   Registrar
	strategies  []Strategy
	settleDelay time.Duration
	logger      *zap.Logger

	mu         sync.Mutex
	seen       map[string]struct{}
	session    context.CancelFunc
	connection string
	active     string
	stopped    bool
	wg         sync.WaitGroup
}

func NewWatcher(registrar Registrar, strategies []Strategy, opts WatcherOptions) *Watcher {
	if opts.SettleDelay < 0 {
		opts.SettleDelay = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Watcher{
		registrar:   registrar,
		strategies:  strategies,
		settleDelay: opts.SettleDelay,
		logger:      opts.Logger.Named("watcher"),
		seen:        make(map[string]struct{}),
	}
}

// OnConnected starts a detection session for a newly established
// connection and schedules the initial pass after the settle delay. Any
// previous session is stopped first.
func (w *Watcher) OnConnected(ctx context.Context, connection string) {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	if w.session != nil {
		w.session()
	}
	sessionCtx, cancel := context.WithCancel(ctx)
	w.session = cancel
	w.connection = connection
	w.seen = make(map[string]struct{})
	w.wg.Add(3)
	w.mu.Unlock()

	observations := make(chan Observation, 16)
	w.logger.Info("watching connection", zap.String("connection", connection))
	go w.initial(sessionCtx)
	go w.detect(sessionCtx, observations)
	go w.observe(sessionCtx, observations)
}

// OnDisconnected stops the current session. The seen-set is dropped with it.
func (w *Watcher) OnDisconnected() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.session != nil {
		w.session()
		w.session = nil
	}
	w.connection = ""
	w.active = ""
	w.seen = make(map[string]struct{})
}

// Trigger runs a pass immediately with the given label.
func (w *Watcher) Trigger(ctx context.Context, label string) (PassResult, error) {
	return w.registrar.PerformRegistration(ctx, label)
}

// Stop ends the current session and waits for its goroutines.
func (w *Watcher) Stop() {
	w.mu.Lock()
	w.stopped = true
	if w.session != nil {
		w.session()
		w.session = nil
	}
	w.mu.Unlock()
	w.wg.Wait()
}

// Seen returns the unit IDs already processed in the current session.
func (w *Watcher) Seen() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	ids := make([]string, 0, len(w.seen))
	for id := range w.seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ActiveStrategy names the strategy driving the current session.
func (w *Watcher) ActiveStrategy() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.active
}

// Connection is the handle of the watched connection, empty when idle.
func (w *Watcher) Connection() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.connection
}

func (w *Watcher) initial(ctx context.Context) {
	defer w.wg.Done()

	if w.settleDelay > 0 {
		timer := time.NewTimer(w.settleDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
	}
	w.fire(ctx, TriggerInitial)
}

func (w *Watcher) observe(ctx context.Context, observations <-chan Observation) {
	defer w.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-observations:
			w.handle(ctx, obs)
		}
	}
}

func (w *Watcher) detect(ctx context.Context, observations chan<- Observation) {
	defer w.wg.Done()

	for _, strategy := range w.strategies {
		w.mu.Lock()
		w.active = strategy.Name()
		w.mu.Unlock()

		err := strategy.Run(ctx, observations)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			err = errors.New("strategy stopped")
		}
		w.logger.Warn("detection strategy failed, falling back",
			zap.String("strategy", strategy.Name()),
			zap.Error(err))
	}

	w.mu.Lock()
	w.active = ""
	w.mu.Unlock()
	w.logger.Warn("no detection strategy left; only initial and manual triggers remain")
}

func (w *Watcher) handle(ctx context.Context, obs Observation) {
	switch obs.Kind {
	case UnitAdded:
		w.mu.Lock()
		_, known := w.seen[obs.UnitID]
		if !known {
			w.seen[obs.UnitID] = struct{}{}
		}
		w.mu.Unlock()
		if known {
			return
		}
		w.logger.Debug("new unit exposes the bridge namespace", zap.String("unit", obs.UnitID))
		w.fireAsync(ctx, TriggerUnitAdded)
	case UnitRemoved:
		w.mu.Lock()
		delete(w.seen, obs.UnitID)
		w.mu.Unlock()
	case ReregisterRequested:
		w.fireAsync(ctx, TriggerReregister)
	}
}

// fireAsync runs a pass without blocking the observation loop.
func (w *Watcher) fireAsync(ctx context.Context, trigger string) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.fire(ctx, trigger)
	}()
}

func (w *Watcher) fire(ctx context.Context, trigger string) {
	if _, err := w.registrar.PerformRegistration(ctx, trigger); err != nil {
		if errors.Is(err, ErrRegistrationInFlight) || ctx.Err() != nil {
			return
		}
		w.logger.Debug("triggered pass failed", zap.String("trigger", trigger), zap.Error(err))
	}
}
