package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

type ObservationKind int

const (
	UnitAdded ObservationKind = iota
	UnitRemoved
	ReregisterRequested
)

func (k ObservationKind) String() string {
	switch k {
	case UnitAdded:
		return "unit-added"
	case UnitRemoved:
		return "unit-removed"
	case ReregisterRequested:
		return "reregister"
	default:
		return fmt.Sprintf("observation(%d)", int(k))
	}
}

// Observation is a remote change noticed by a detection strategy.
type Observation struct {
	Kind   ObservationKind
	UnitID string
	Detail string
}

// Strategy detects remote changes and reports them on out until ctx is done
// or detection fails. Run returns nil only when ctx was cancelled.
type Strategy interface {
	Name() string
	Run(ctx context.Context, out chan<- Observation) error
}

// VM service stream and event names the stream strategy understands.
const (
	StreamIsolate   = "Isolate"
	StreamExtension = "Extension"
	StreamService   = "Service"

	KindIsolateExit           = "IsolateExit"
	KindServiceExtensionAdded = "ServiceExtensionAdded"
	KindExtension             = "Extension"
	KindServiceRegistered     = "ServiceRegistered"
)

var errStreamClosed = errors.New("event stream closed")

// StreamStrategy listens to the Isolate, Extension and Service streams.
type StreamStrategy struct {
	source EventSource
	logger *zap.Logger
}

func NewStreamStrategy(source EventSource, logger *zap.Logger) *StreamStrategy {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamStrategy{source: source, logger: logger.Named("stream")}
}

func (s *StreamStrategy) Name() string { return "stream" }

func (s *StreamStrategy) Run(ctx context.Context, out chan<- Observation) error {
	isolates, err := s.source.SubscribeStream(ctx, StreamIsolate)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", StreamIsolate, err)
	}
	extensions, err := s.source.SubscribeStream(ctx, StreamExtension)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", StreamExtension, err)
	}
	// Service events only matter for re-registration signals, so a VM
	// without that stream still gets push detection.
	services, err := s.source.SubscribeStream(ctx, StreamService)
	if err != nil {
		s.logger.Debug("service stream unavailable", zap.Error(err))
		services = nil
	}

	for {
		var (
			event RemoteEvent
			ok    bool
		)
		select {
		case <-ctx.Done():
			return nil
		case event, ok = <-isolates:
		case event, ok = <-extensions:
		case event, ok = <-services:
		}
		if !ok {
			if ctx.Err() != nil {
				return nil
			}
			return errStreamClosed
		}

		obs, relevant := classifyEvent(event)
		if !relevant {
			continue
		}
		select {
		case out <- obs:
		case <-ctx.Done():
			return nil
		}
	}
}

func classifyEvent(event RemoteEvent) (Observation, bool) {
	switch event.Kind {
	case KindServiceExtensionAdded:
		// Other extensions of the namespace can appear before the enumerate
		// one; a pass only works once enumerate exists.
		method, _ := event.Data["extensionRPC"].(string)
		if method == EnumerateMethod {
			return Observation{Kind: UnitAdded, UnitID: event.IsolateID, Detail: method}, true
		}
	case KindIsolateExit:
		return Observation{Kind: UnitRemoved, UnitID: event.IsolateID}, true
	case KindExtension:
		if kind, _ := event.Data["extensionKind"].(string); kind == ReregisterEventKind {
			return Observation{Kind: ReregisterRequested, UnitID: event.IsolateID, Detail: kind}, true
		}
	case KindServiceRegistered:
		method, _ := event.Data["method"].(string)
		service, _ := event.Data["service"].(string)
		if strings.HasPrefix(method, ExtensionNamespace) || strings.HasPrefix(service, ExtensionNamespace) {
			return Observation{Kind: ReregisterRequested, Detail: method}, true
		}
	}
	return Observation{}, false
}

// PollStrategy diffs the remote unit list on an interval.
type PollStrategy struct {
	lister   UnitLister
	interval time.Duration
	logger   *zap.Logger
}

// DefaultPollInterval is used when no interval is configured.
const DefaultPollInterval = 2 * time.Second

func NewPollStrategy(lister UnitLister, interval time.Duration, logger *zap.Logger) *PollStrategy {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PollStrategy{lister: lister, interval: interval, logger: logger.Named("poll")}
}

func (p *PollStrategy) Name() string { return "poll" }

func (p *PollStrategy) Run(ctx context.Context, out chan<- Observation) error {
	reported := make(map[string]struct{})
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.poll(ctx, reported, out); err != nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// poll returns an error only when ctx ended while sending.
func (p *PollStrategy) poll(ctx context.Context, reported map[string]struct{}, out chan<- Observation) error {
	units, err := p.lister.ListUnits(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Debug("list units failed", zap.Error(err))
		return nil
	}

	present := make(map[string]struct{}, len(units))
	var found []Observation
	for _, unit := range units {
		if !unit.CanEnumerate() {
			continue
		}
		present[unit.ID] = struct{}{}
		if _, ok := reported[unit.ID]; ok {
			continue
		}
		reported[unit.ID] = struct{}{}
		found = append(found, Observation{Kind: UnitAdded, UnitID: unit.ID})
	}
	for id := range reported {
		if _, ok := present[id]; !ok {
			delete(reported, id)
			found = append(found, Observation{Kind: UnitRemoved, UnitID: id})
		}
	}

	for _, obs := range found {
		select {
		case out <- obs:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
