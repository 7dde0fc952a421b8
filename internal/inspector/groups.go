package inspector

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrGroupDisposed is returned when a disposed object group is used.
var ErrGroupDisposed = errors.New("object group disposed")

// ErrNotPending is returned when promoting a group that is not the pending one.
var ErrNotPending = errors.New("object group is not pending")

// DisposeFunc releases the remote references held by a named group.
type DisposeFunc func(ctx context.Context, name string) error

// ObjectGroup names a set of remote object references that are released together.
type ObjectGroup struct {
	name string

	mu       sync.Mutex
	disposed bool
}

func (g *ObjectGroup) Name() string {
	return g.name
}

func (g *ObjectGroup) Disposed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.disposed
}

// Check returns ErrGroupDisposed once the group has been disposed.
func (g *ObjectGroup) Check() error {
	if g.Disposed() {
		return fmt.Errorf("%w: %s", ErrGroupDisposed, g.name)
	}
	return nil
}

func (g *ObjectGroup) markDisposed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disposed {
		return false
	}
	g.disposed = true
	return true
}

// GroupManager double-buffers object groups: the current group backs what
// was last shown, the pending one is being filled by an in-progress request.
// Promoting the pending group disposes the old current one.
type GroupManager struct {
	prefix  string
	dispose DisposeFunc

	mu      sync.Mutex
	counter int
	current *ObjectGroup
	pending *ObjectGroup
}

func NewGroupManager(prefix string, dispose DisposeFunc) *GroupManager {
	return &GroupManager{prefix: prefix, dispose: dispose}
}

// Next starts a pending group, cancelling any earlier pending one.
func (m *GroupManager) Next(ctx context.Context) *ObjectGroup {
	m.mu.Lock()
	m.counter++
	g := &ObjectGroup{name: fmt.Sprintf("%s_%d", m.prefix, m.counter)}
	stale := m.pending
	m.pending = g
	m.mu.Unlock()

	if stale != nil {
		_ = m.release(ctx, stale)
	}
	return g
}

// Promote makes g current. g must be the pending group.
func (m *GroupManager) Promote(ctx context.Context, g *ObjectGroup) error {
	if err := g.Check(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.pending != g {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotPending, g.name)
	}
	old := m.current
	m.current = g
	m.pending = nil
	m.mu.Unlock()

	if old != nil {
		return m.release(ctx, old)
	}
	return nil
}

// Cancel disposes g if it is still pending.
func (m *GroupManager) Cancel(ctx context.Context, g *ObjectGroup) error {
	m.mu.Lock()
	if m.pending == g {
		m.pending = nil
	}
	m.mu.Unlock()
	return m.release(ctx, g)
}

// Current returns the group backing the last promoted result.
func (m *GroupManager) Current() *ObjectGroup {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Dispose releases both groups.
func (m *GroupManager) Dispose(ctx context.Context) error {
	m.mu.Lock()
	current, pending := m.current, m.pending
	m.current, m.pending = nil, nil
	m.mu.Unlock()

	var errs []error
	for _, g := range []*ObjectGroup{pending, current} {
		if g != nil {
			if err := m.release(ctx, g); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Reset forgets both groups without remote calls. Used when the isolate
// holding them is gone.
func (m *GroupManager) Reset() {
	m.mu.Lock()
	current, pending := m.current, m.pending
	m.current, m.pending = nil, nil
	m.mu.Unlock()

	for _, g := range []*ObjectGroup{pending, current} {
		if g != nil {
			g.markDisposed()
		}
	}
}

func (m *GroupManager) release(ctx context.Context, g *ObjectGroup) error {
	if !g.markDisposed() {
		return nil
	}
	if m.dispose == nil {
		return nil
	}
	if err := m.dispose(ctx, g.name); err != nil {
		return fmt.Errorf("dispose %s: %w", g.name, err)
	}
	return nil
}
