package registry

import (
	"time"

	"github.com/standardbeagle/flutter-mcp/pkg/events"
)

// Publisher receives registry events. *events.EventBus satisfies it.
type Publisher interface {
	Publish(event events.Event)
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

func toolEvent(eventType events.EventType, entry ToolEntry, at time.Time) events.Event {
	return events.Event{
		Type:      eventType,
		AppID:     entry.OwnerAppID,
		Timestamp: at,
		Data: map[string]interface{}{
			"name":       entry.Tool.Name,
			"connection": entry.OwnerConnection,
			"entry":      entry,
		},
	}
}

func resourceEvent(eventType events.EventType, entry ResourceEntry, at time.Time) events.Event {
	return events.Event{
		Type:      eventType,
		AppID:     entry.OwnerAppID,
		Timestamp: at,
		Data: map[string]interface{}{
			"uri":        entry.Resource.URI,
			"connection": entry.OwnerConnection,
			"entry":      entry,
		},
	}
}

func appUnregisteredEvent(appID string, tools, resources int, at time.Time) events.Event {
	return events.Event{
		Type:      events.AppUnregistered,
		AppID:     appID,
		Timestamp: at,
		Data: map[string]interface{}{
			"tools_removed":     tools,
			"resources_removed": resources,
		},
	}
}

func listChangedEvent(trigger string, at time.Time) events.Event {
	return events.Event{
		Type:      events.ListChanged,
		Timestamp: at,
		Data: map[string]interface{}{
			"trigger": trigger,
		},
	}
}

// ToolEntryFromEvent extracts the entry carried by a tool event.
func ToolEntryFromEvent(event events.Event) (ToolEntry, bool) {
	entry, ok := event.Data["entry"].(ToolEntry)
	return entry, ok
}

// ResourceEntryFromEvent extracts the entry carried by a resource event.
func ResourceEntryFromEvent(event events.Event) (ResourceEntry, bool) {
	entry, ok := event.Data["entry"].(ResourceEntry)
	return entry, ok
}

// RemovedCounts returns the summary carried by an AppUnregistered event.
func RemovedCounts(event events.Event) (tools, resources int, ok bool) {
	if event.Type != events.AppUnregistered {
		return 0, 0, false
	}
	tools, ok1 := event.Data["tools_removed"].(int)
	resources, ok2 := event.Data["resources_removed"].(int)
	return tools, resources, ok1 && ok2
}

// OnRegistryEvent subscribes handler to every registry event type.
func OnRegistryEvent(bus *events.EventBus, handler events.Handler) []events.HandlerID {
	return bus.SubscribeMany(events.RegistryEventTypes, handler)
}
