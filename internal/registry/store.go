package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"go.uber.org/zap"

	"github.com/standardbeagle/flutter-mcp/pkg/events"
)

// AppInfo is the derived connection record of one application.
type AppInfo struct {
	AppID        string    `json:"app_id"`
	Connection   string    `json:"connection"`
	LastActivity time.Time `json:"last_activity"`
}

// Store keeps the dynamic tools and resources announced by remote
// applications. Every logical operation runs under one lock; events are
// published after the lock is released, in the order the mutations happened.
type Store struct {
	tools     map[string]ToolEntry
	resources map[string]ResourceEntry
	apps      map[string]*appConnection
	publisher Publisher
	logger    *zap.Logger
	now       func() time.Time
	mu        sync.RWMutex
}

func NewStore(publisher Publisher, logger *zap.Logger) *Store {
	if publisher == nil {
		publisher = nopPublisher{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		tools:     make(map[string]ToolEntry),
		resources: make(map[string]ResourceEntry),
		apps:      make(map[string]*appConnection),
		publisher: publisher,
		logger:    logger.Named("registry"),
		now:       time.Now,
	}
}

func (s *Store) publish(evs []events.Event) {
	for _, ev := range evs {
		s.publisher.Publish(ev)
	}
}

// RegisterTool inserts or replaces the entry for tool.Name. A descriptor
// without a name or with an unusable input schema is rejected.
func (s *Store) RegisterTool(tool Tool, appID, connection string, metadata map[string]string) error {
	resolved, err := checkTool(tool)
	if err != nil {
		return err
	}

	s.mu.Lock()
	now := s.now()
	entry := s.installToolLocked(tool, resolved, appID, connection, metadata, now)
	s.touchLocked(appID, connection, now)
	s.mu.Unlock()

	s.publisher.Publish(toolEvent(events.ToolRegistered, entry, now))
	return nil
}

// RegisterResource inserts or replaces the entry for resource.URI.
func (s *Store) RegisterResource(resource Resource, appID, connection string, metadata map[string]string) error {
	if err := checkResource(resource); err != nil {
		return err
	}

	s.mu.Lock()
	now := s.now()
	entry := s.installResourceLocked(resource, appID, connection, metadata, now)
	s.touchLocked(appID, connection, now)
	s.mu.Unlock()

	s.publisher.Publish(resourceEvent(events.ResourceRegistered, entry, now))
	return nil
}

func (s *Store) installToolLocked(tool Tool, resolved *jsonschema.Resolved, appID, connection string, metadata map[string]string, now time.Time) ToolEntry {
	entry := ToolEntry{
		Tool:            tool,
		OwnerAppID:      appID,
		OwnerConnection: connection,
		RegisteredAt:    now,
		Metadata:        copyMetadata(metadata),
		schema:          resolved,
	}
	s.tools[tool.Name] = entry
	return entry
}

func (s *Store) installResourceLocked(resource Resource, appID, connection string, metadata map[string]string, now time.Time) ResourceEntry {
	entry := ResourceEntry{
		Resource:        resource,
		OwnerAppID:      appID,
		OwnerConnection: connection,
		RegisteredAt:    now,
		Metadata:        copyMetadata(metadata),
	}
	s.resources[resource.URI] = entry
	return entry
}

func (s *Store) touchLocked(appID, connection string, now time.Time) {
	app, ok := s.apps[appID]
	if !ok {
		s.apps[appID] = &appConnection{connection: connection, lastActivity: now}
		return
	}
	app.connection = connection
	app.lastActivity = now
}

// UnregisterApp removes every entry owned by appID along with its connection
// record. One unregistered event is emitted per entry, then a single
// AppUnregistered summary when anything was removed.
func (s *Store) UnregisterApp(appID string) (toolsRemoved, resourcesRemoved int) {
	s.mu.Lock()
	evs, toolsRemoved, resourcesRemoved := s.removeAppLocked(appID, s.now())
	delete(s.apps, appID)
	s.mu.Unlock()

	s.publish(evs)
	if toolsRemoved+resourcesRemoved > 0 {
		s.logger.Debug("app unregistered",
			zap.String("app_id", appID),
			zap.Int("tools", toolsRemoved),
			zap.Int("resources", resourcesRemoved))
	}
	return toolsRemoved, resourcesRemoved
}

// ClearAppRegistrations is UnregisterApp under the name used before a re-registration.
func (s *Store) ClearAppRegistrations(appID string) (toolsRemoved, resourcesRemoved int) {
	return s.UnregisterApp(appID)
}

func (s *Store) removeAppLocked(appID string, now time.Time) ([]events.Event, int, int) {
	var evs []events.Event

	names := make([]string, 0)
	for name, entry := range s.tools {
		if entry.OwnerAppID == appID {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		entry := s.tools[name]
		delete(s.tools, name)
		evs = append(evs, toolEvent(events.ToolUnregistered, entry, now))
	}

	uris := make([]string, 0)
	for uri, entry := range s.resources {
		if entry.OwnerAppID == appID {
			uris = append(uris, uri)
		}
	}
	sort.Strings(uris)
	for _, uri := range uris {
		entry := s.resources[uri]
		delete(s.resources, uri)
		evs = append(evs, resourceEvent(events.ResourceUnregistered, entry, now))
	}

	if len(names)+len(uris) > 0 {
		evs = append(evs, appUnregisteredEvent(appID, len(names), len(uris), now))
	}
	return evs, len(names), len(uris)
}

// HandleConnectionChange records connection as the current handle of appID.
// A different previously known handle means the app reconnected: its old
// entries are removed first. Reports whether that reset happened.
func (s *Store) HandleConnectionChange(appID, connection string) bool {
	s.mu.Lock()
	now := s.now()
	var evs []events.Event
	reset := false
	if prior, ok := s.apps[appID]; ok && prior.connection != connection {
		evs, _, _ = s.removeAppLocked(appID, now)
		reset = true
	}
	s.apps[appID] = &appConnection{connection: connection, lastActivity: now}
	s.mu.Unlock()

	s.publish(evs)
	if reset {
		s.logger.Info("app connection changed", zap.String("app_id", appID), zap.String("connection", connection))
	}
	return reset
}

// ReplaceApp swaps the full entry set of appID in one step: prior entries
// are cleared and the new ones installed under a single lock, so readers see
// either the old set or the new one. Malformed descriptors are skipped and
// reported in the result.
func (s *Store) ReplaceApp(appID, connection string, tools []Tool, resources []Resource, metadata map[string]string) ReplaceResult {
	result, _ := s.ReplaceAppIf(appID, connection, tools, resources, metadata, nil)
	return result
}

// ReplaceAppIf is ReplaceApp with a precondition evaluated under the store
// lock. When check fails nothing is installed and its error is returned.
// check must not call back into the store.
func (s *Store) ReplaceAppIf(appID, connection string, tools []Tool, resources []Resource, metadata map[string]string, check func() error) (ReplaceResult, error) {
	var result ReplaceResult

	type pendingTool struct {
		tool     Tool
		resolved *jsonschema.Resolved
	}
	pendingTools := make([]pendingTool, 0, len(tools))
	toolIndex := make(map[string]int, len(tools))
	for _, tool := range tools {
		resolved, err := checkTool(tool)
		if err != nil {
			result.Rejected = append(result.Rejected, err)
			continue
		}
		p := pendingTool{tool: tool, resolved: resolved}
		if i, dup := toolIndex[tool.Name]; dup {
			pendingTools[i] = p
			continue
		}
		toolIndex[tool.Name] = len(pendingTools)
		pendingTools = append(pendingTools, p)
	}

	pendingResources := make([]Resource, 0, len(resources))
	resourceIndex := make(map[string]int, len(resources))
	for _, resource := range resources {
		if err := checkResource(resource); err != nil {
			result.Rejected = append(result.Rejected, err)
			continue
		}
		if i, dup := resourceIndex[resource.URI]; dup {
			pendingResources[i] = resource
			continue
		}
		resourceIndex[resource.URI] = len(pendingResources)
		pendingResources = append(pendingResources, resource)
	}

	s.mu.Lock()
	if check != nil {
		if err := check(); err != nil {
			s.mu.Unlock()
			return result, err
		}
	}
	now := s.now()
	evs, toolsRemoved, resourcesRemoved := s.removeAppLocked(appID, now)
	for _, p := range pendingTools {
		entry := s.installToolLocked(p.tool, p.resolved, appID, connection, metadata, now)
		evs = append(evs, toolEvent(events.ToolRegistered, entry, now))
	}
	for _, resource := range pendingResources {
		entry := s.installResourceLocked(resource, appID, connection, metadata, now)
		evs = append(evs, resourceEvent(events.ResourceRegistered, entry, now))
	}
	s.apps[appID] = &appConnection{connection: connection, lastActivity: now}
	s.mu.Unlock()

	s.publish(evs)

	result.ToolsRemoved = toolsRemoved
	result.ResourcesRemoved = resourcesRemoved
	result.ToolsInstalled = len(pendingTools)
	result.ResourcesInstalled = len(pendingResources)
	return result, nil
}

// UnregisterConnection drops every app whose current handle is connection.
// Returns the removed app IDs.
func (s *Store) UnregisterConnection(connection string) []string {
	s.mu.Lock()
	now := s.now()
	owners := make(map[string]struct{})
	for appID, app := range s.apps {
		if app.connection == connection {
			owners[appID] = struct{}{}
		}
	}
	for _, entry := range s.tools {
		if entry.OwnerConnection == connection {
			owners[entry.OwnerAppID] = struct{}{}
		}
	}
	for _, entry := range s.resources {
		if entry.OwnerConnection == connection {
			owners[entry.OwnerAppID] = struct{}{}
		}
	}

	appIDs := make([]string, 0, len(owners))
	for appID := range owners {
		appIDs = append(appIDs, appID)
	}
	sort.Strings(appIDs)

	var evs []events.Event
	for _, appID := range appIDs {
		appEvents, _, _ := s.removeAppLocked(appID, now)
		evs = append(evs, appEvents...)
		delete(s.apps, appID)
	}
	s.mu.Unlock()

	s.publish(evs)
	return appIDs
}

// Touch refreshes the last activity of a known app.
func (s *Store) Touch(appID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, ok := s.apps[appID]
	if !ok {
		return false
	}
	app.lastActivity = s.now()
	return true
}

// App returns the connection record of appID.
func (s *Store) App(appID string) (AppInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, ok := s.apps[appID]
	if !ok {
		return AppInfo{}, false
	}
	return AppInfo{AppID: appID, Connection: app.connection, LastActivity: app.lastActivity}, true
}

// StaleApps lists apps whose last activity is before cutoff, oldest first.
func (s *Store) StaleApps(cutoff time.Time) []AppInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var stale []AppInfo
	for appID, app := range s.apps {
		if app.lastActivity.Before(cutoff) {
			stale = append(stale, AppInfo{AppID: appID, Connection: app.connection, LastActivity: app.lastActivity})
		}
	}
	sort.Slice(stale, func(i, j int) bool {
		if stale[i].LastActivity.Equal(stale[j].LastActivity) {
			return stale[i].AppID < stale[j].AppID
		}
		return stale[i].LastActivity.Before(stale[j].LastActivity)
	})
	return stale
}

func (s *Store) GetTool(name string) (ToolEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.tools[name]
	return entry, ok
}

func (s *Store) GetResource(uri string) (ResourceEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.resources[uri]
	return entry, ok
}

func (s *Store) IsDynamicTool(name string) bool {
	_, ok := s.GetTool(name)
	return ok
}

func (s *Store) IsDynamicResource(uri string) bool {
	_, ok := s.GetResource(uri)
	return ok
}

// ListTools returns a snapshot ordered by tool name.
func (s *Store) ListTools() []ToolEntry {
	s.mu.RLock()
	out := make([]ToolEntry, 0, len(s.tools))
	for _, entry := range s.tools {
		out = append(out, entry)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Tool.Name < out[j].Tool.Name })
	return out
}

// ListResources returns a snapshot ordered by URI.
func (s *Store) ListResources() []ResourceEntry {
	s.mu.RLock()
	out := make([]ResourceEntry, 0, len(s.resources))
	for _, entry := range s.resources {
		out = append(out, entry)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Resource.URI < out[j].Resource.URI })
	return out
}

func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		Tools:     len(s.tools),
		Resources: len(s.resources),
		Apps:      len(s.apps),
		PerApp:    make(map[string]AppStats, len(s.apps)),
	}
	for appID, app := range s.apps {
		stats.PerApp[appID] = AppStats{Connection: app.connection, LastActivity: app.lastActivity}
	}
	for _, entry := range s.tools {
		app := stats.PerApp[entry.OwnerAppID]
		app.Tools++
		stats.PerApp[entry.OwnerAppID] = app
	}
	for _, entry := range s.resources {
		app := stats.PerApp[entry.OwnerAppID]
		app.Resources++
		stats.PerApp[entry.OwnerAppID] = app
	}
	return stats
}
