package registry

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	DefaultStaleAfter    = 5 * time.Minute
	DefaultSweepSchedule = "@every 1m"
)

var sweepParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ListNotifier is told when entries were removed outside a registration pass.
type ListNotifier interface {
	NotifyListChanged(reason string)
}

type SweeperOptions struct {
	Schedule   string
	StaleAfter time.Duration
	Metrics    *Metrics
	Logger     *zap.Logger
}

// Sweeper periodically unregisters apps that went quiet and whose owner
// connection no longer resolves.
type Sweeper struct {
	store      *Store
	remotes    RemoteProvider
	notifier   ListNotifier
	metrics    *Metrics
	logger     *zap.Logger
	schedule   string
	staleAfter time.Duration
	now        func() time.Time

	mu   sync.Mutex
	cron *cron.Cron
}

func NewSweeper(store *Store, remotes RemoteProvider, notifier ListNotifier, opts SweeperOptions) (*Sweeper, error) {
	schedule := strings.TrimSpace(opts.Schedule)
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if _, err := sweepParser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Sweeper{
		store:      store,
		remotes:    remotes,
		notifier:   notifier,
		metrics:    opts.Metrics,
		logger:     opts.Logger.Named("sweeper"),
		schedule:   schedule,
		staleAfter: opts.StaleAfter,
		now:        time.Now,
	}, nil
}

// Start schedules the sweep. Calling Start twice is a no-op.
func (s *Sweeper) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}
	c := cron.New(cron.WithParser(sweepParser))
	if _, err := c.AddFunc(s.schedule, func() { s.Sweep() }); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	c.Start()
	s.cron = c
	return nil
}

func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

// Sweep removes every stale app whose connection cannot be resolved and
// returns their IDs. Apps still reachable are kept however old they are.
func (s *Sweeper) Sweep() []string {
	cutoff := s.now().Add(-s.staleAfter)

	var removed []string
	for _, app := range s.store.StaleApps(cutoff) {
		if _, err := s.remotes.Resolve(app.Connection); err == nil {
			continue
		}
		tools, resources := s.store.UnregisterApp(app.AppID)
		removed = append(removed, app.AppID)
		s.logger.Info("swept stale app",
			zap.String("app_id", app.AppID),
			zap.String("connection", app.Connection),
			zap.Time("last_activity", app.LastActivity),
			zap.Int("tools", tools),
			zap.Int("resources", resources))
	}

	s.metrics.ObserveSweep(len(removed))
	if len(removed) > 0 && s.notifier != nil {
		s.notifier.NotifyListChanged("stale-sweep")
	}
	return removed
}
