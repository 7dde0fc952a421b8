package vmservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

// ErrClosed is returned for calls on a client whose connection has ended.
var ErrClosed = errors.New("vm service connection closed")

// JSON-RPC and VM service error codes the client reacts to.
const (
	CodeMethodNotFound          = -32601
	CodeInvalidParams           = -32602
	CodeStreamAlreadySubscribed = 103
	CodeStreamNotSubscribed     = 104
	CodeIsolateMustBeRunnable   = 105
)

// RPCError is an error object returned by the VM service.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	if len(e.Data) > 0 {
		var detail struct {
			Details string `json:"details"`
		}
		if json.Unmarshal(e.Data, &detail) == nil && detail.Details != "" {
			return fmt.Sprintf("vm service error %d: %s: %s", e.Code, e.Message, detail.Details)
		}
	}
	return fmt.Sprintf("vm service error %d: %s", e.Code, e.Message)
}

// IsRPCError reports whether err carries a VM service error with code.
func IsRPCError(err error, code int) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == code
}

// NetworkError classifies a transport failure and whether redialing makes sense.
type NetworkError struct {
	Type       ErrorType              `json:"type"`
	Underlying error                  `json:"-"`
	Temporary  bool                   `json:"temporary"`
	RetryAfter time.Duration          `json:"retry_after"`
	Context    map[string]interface{} `json:"context,omitempty"`
	Endpoint   string                 `json:"endpoint,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

type ErrorType int

const (
	ErrorTypeUnknown ErrorType = iota
	ErrorTypeConnRefused
	ErrorTypeTimeout
	ErrorTypeConnReset
	ErrorTypeHostUnreachable
	ErrorTypeHandshake
	ErrorTypeProtocol
	ErrorTypeClosed
	ErrorTypeContextCancelled
	ErrorTypeContextDeadline
)

func (et ErrorType) String() string {
	switch et {
	case ErrorTypeConnRefused:
		return "connection_refused"
	case ErrorTypeTimeout:
		return "timeout"
	case ErrorTypeConnReset:
		return "connection_reset"
	case ErrorTypeHostUnreachable:
		return "host_unreachable"
	case ErrorTypeHandshake:
		return "handshake"
	case ErrorTypeProtocol:
		return "protocol_error"
	case ErrorTypeClosed:
		return "closed"
	case ErrorTypeContextCancelled:
		return "context_cancelled"
	case ErrorTypeContextDeadline:
		return "context_deadline"
	default:
		return "unknown"
	}
}

func (ne *NetworkError) Error() string {
	if ne.Endpoint != "" {
		return fmt.Sprintf("network error [%s] on %s: %v", ne.Type, ne.Endpoint, ne.Underlying)
	}
	return fmt.Sprintf("network error [%s]: %v", ne.Type, ne.Underlying)
}

func (ne *NetworkError) Unwrap() error {
	return ne.Underlying
}

// ShouldRetry reports whether redialing the endpoint is worthwhile.
func (ne *NetworkError) ShouldRetry() bool {
	if !ne.Temporary {
		return false
	}
	switch ne.Type {
	case ErrorTypeProtocol, ErrorTypeContextCancelled:
		return false
	default:
		return true
	}
}

func (ne *NetworkError) WithEndpoint(endpoint string) *NetworkError {
	ne.Endpoint = endpoint
	return ne
}

func (ne *NetworkError) WithContext(key string, value interface{}) *NetworkError {
	if ne.Context == nil {
		ne.Context = make(map[string]interface{})
	}
	ne.Context[key] = value
	return ne
}

// ClassifyNetworkError wraps err in a NetworkError. RPC errors and nil are
// returned as nil: the transport worked.
func ClassifyNetworkError(err error) *NetworkError {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return nil
	}
	var existing *NetworkError
	if errors.As(err, &existing) {
		return existing
	}

	netErr := &NetworkError{
		Type:       ErrorTypeUnknown,
		Underlying: err,
		Timestamp:  time.Now(),
	}

	switch {
	case errors.Is(err, context.Canceled):
		netErr.Type = ErrorTypeContextCancelled
		return netErr
	case errors.Is(err, context.DeadlineExceeded):
		netErr.Type = ErrorTypeContextDeadline
		netErr.Temporary = true
		netErr.RetryAfter = time.Second
		return netErr
	case errors.Is(err, ErrClosed):
		netErr.Type = ErrorTypeClosed
		netErr.Temporary = true
		netErr.RetryAfter = time.Second
		return netErr
	}

	var nerr net.Error
	if errors.As(err, &nerr) && nerr.Timeout() {
		netErr.Type = ErrorTypeTimeout
		netErr.Temporary = true
		netErr.RetryAfter = 5 * time.Second
		return netErr
	}

	errStr := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errStr, "connection refused"):
		netErr.Type = ErrorTypeConnRefused
		netErr.Temporary = true
		netErr.RetryAfter = 2 * time.Second
	case strings.Contains(errStr, "connection reset") || strings.Contains(errStr, "broken pipe"):
		netErr.Type = ErrorTypeConnReset
		netErr.Temporary = true
		netErr.RetryAfter = time.Second
	case strings.Contains(errStr, "timeout") || strings.Contains(errStr, "timed out"):
		netErr.Type = ErrorTypeTimeout
		netErr.Temporary = true
		netErr.RetryAfter = 5 * time.Second
	case strings.Contains(errStr, "no such host") || strings.Contains(errStr, "host unreachable") ||
		strings.Contains(errStr, "no route to host"):
		netErr.Type = ErrorTypeHostUnreachable
		netErr.Temporary = true
		netErr.RetryAfter = 10 * time.Second
	case strings.Contains(errStr, "bad handshake"):
		netErr.Type = ErrorTypeHandshake
		netErr.Temporary = true
		netErr.RetryAfter = 5 * time.Second
	case strings.Contains(errStr, "invalid character") || strings.Contains(errStr, "unexpected end of json"):
		netErr.Type = ErrorTypeProtocol
	default:
		netErr.Temporary = true
		netErr.RetryAfter = 10 * time.Second
	}
	return netErr
}

// IsRetryableError reports whether err is a transport failure worth retrying.
func IsRetryableError(err error) bool {
	netErr := ClassifyNetworkError(err)
	return netErr != nil && netErr.ShouldRetry()
}
