package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

// ExtensionNamespace is the service-extension prefix the debuggee uses for
// everything the bridge drives.
const ExtensionNamespace = "ext.mcp.toolkit."

// EnumerateMethod is the extension that returns the debuggee's dynamic tools
// and resources.
const EnumerateMethod = ExtensionNamespace + "registerDynamics"

// ReregisterEventKind is the Extension-stream event kind the debuggee posts
// when its tool set changed.
const ReregisterEventKind = "MCPToolkit.ToolRegistration"

var (
	ErrNoActiveConnection = errors.New("no active VM service connection")
	ErrStaleConnection    = errors.New("owner connection is no longer active")
)

// Remote is the part of a VM service connection the registry needs: call a
// named extension on the debuggee and get structured data back.
type Remote interface {
	CallExtension(ctx context.Context, method string, args map[string]interface{}) (json.RawMessage, error)
	// Connection identifies the endpoint, for example "127.0.0.1:8181".
	Connection() string
}

// RemoteEvent is one decoded event from a VM service stream.
type RemoteEvent struct {
	Stream    string
	Kind      string
	IsolateID string
	Data      map[string]interface{}
}

// EventSource subscribes to VM service event streams.
type EventSource interface {
	SubscribeStream(ctx context.Context, stream string) (<-chan RemoteEvent, error)
}

// Unit is a debuggable unit (an isolate) and the extension methods it exposes.
type Unit struct {
	ID           string
	Capabilities []string
}

// CanEnumerate reports whether the unit exposes the enumerate extension, the
// point from which a registration pass can succeed on it.
func (u Unit) CanEnumerate() bool {
	for _, c := range u.Capabilities {
		if c == EnumerateMethod {
			return true
		}
	}
	return false
}

// UnitLister lists the debuggable units of the remote process.
type UnitLister interface {
	ListUnits(ctx context.Context) ([]Unit, error)
}

// RemoteProvider hands out remotes: the currently connected one, or the one
// behind a specific owner connection.
type RemoteProvider interface {
	Active() (Remote, error)
	Resolve(connection string) (Remote, error)
}

// ExtensionMethod maps a tool or resource name to its service extension.
func ExtensionMethod(name string) string {
	if strings.HasPrefix(name, ExtensionNamespace) {
		return name
	}
	return ExtensionNamespace + name
}
