package vmservice

import "encoding/json"

type Version struct {
	Type  string `json:"type"`
	Major int    `json:"major"`
	Minor int    `json:"minor"`
}

type IsolateRef struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	Number          string `json:"number"`
	IsSystemIsolate bool   `json:"isSystemIsolate"`
}

type VM struct {
	Name           string       `json:"name"`
	Version        string       `json:"version"`
	PID            int          `json:"pid"`
	Isolates       []IsolateRef `json:"isolates"`
	SystemIsolates []IsolateRef `json:"systemIsolates"`
}

type Isolate struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	Number          string   `json:"number"`
	Runnable        bool     `json:"runnable"`
	IsSystemIsolate bool     `json:"isSystemIsolate"`
	ExtensionRPCs   []string `json:"extensionRPCs"`
}

// HasExtension reports whether the isolate registered method.
func (i Isolate) HasExtension(method string) bool {
	for _, rpc := range i.ExtensionRPCs {
		if rpc == method {
			return true
		}
	}
	return false
}

type request struct {
	JSONRPC string                 `json:"jsonrpc"`
	ID      string                 `json:"id"`
	Method  string                 `json:"method"`
	Params  map[string]interface{} `json:"params,omitempty"`
}

type envelope struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

type streamNotification struct {
	StreamID string          `json:"streamId"`
	Event    json.RawMessage `json:"event"`
}

type response struct {
	result json.RawMessage
	err    error
}
