package registry

import (
	"encoding/json"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
)

// Tool describes a remotely invocable operation announced by the debuggee.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Resource describes a remotely readable content source announced by the debuggee.
type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ToolEntry is a dynamic tool together with the application that owns it.
type ToolEntry struct {
	Tool            Tool              `json:"tool"`
	OwnerAppID      string            `json:"owner_app_id"`
	OwnerConnection string            `json:"owner_connection"`
	RegisteredAt    time.Time         `json:"registered_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	schema *jsonschema.Resolved
}

// ResourceEntry is a dynamic resource together with the application that owns it.
type ResourceEntry struct {
	Resource        Resource          `json:"resource"`
	OwnerAppID      string            `json:"owner_app_id"`
	OwnerConnection string            `json:"owner_connection"`
	RegisteredAt    time.Time         `json:"registered_at"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

// AppStats is the per-application breakdown reported by Store.Stats.
type AppStats struct {
	Tools        int       `json:"tools"`
	Resources    int       `json:"resources"`
	Connection   string    `json:"connection"`
	LastActivity time.Time `json:"last_activity"`
}

// Stats summarizes the registry contents. Diagnostic only.
type Stats struct {
	Tools     int                 `json:"tools"`
	Resources int                 `json:"resources"`
	Apps      int                 `json:"apps"`
	PerApp    map[string]AppStats `json:"per_app"`
}

// ReplaceResult reports what ReplaceApp installed.
type ReplaceResult struct {
	ToolsRemoved       int
	ResourcesRemoved   int
	ToolsInstalled     int
	ResourcesInstalled int
	Rejected           []error
}

type appConnection struct {
	connection   string
	lastActivity time.Time
}

func copyMetadata(metadata map[string]string) map[string]string {
	if len(metadata) == 0 {
		return nil
	}
	out := make(map[string]string, len(metadata))
	for k, v := range metadata {
		out[k] = v
	}
	return out
}
