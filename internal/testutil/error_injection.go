package testutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/standardbeagle/flutter-mcp/internal/vmservice"
)

// ErrorInjector provides systematic error injection capabilities for testing
type ErrorInjector struct {
	mu       sync.RWMutex
	failures map[string]*InjectionRule
}

// Failure types understood by ShouldFail.
const (
	FailureNetwork = "network"
	FailureTimeout = "timeout"
	FailureRPC     = "rpc"
	FailureIO      = "io"
)

// InjectionRule defines when and how to inject errors
type InjectionRule struct {
	FailCount    int32         // Number of times to fail (-1 for unlimited)
	FailureType  string        // Type of failure to inject
	ErrorMessage string        // Custom error message
	Delay        time.Duration // Delay before failure
}

func NewErrorInjector() *ErrorInjector {
	return &ErrorInjector{
		failures: make(map[string]*InjectionRule),
	}
}

// InjectFailure configures an error injection rule
func (ei *ErrorInjector) InjectFailure(operation string, rule *InjectionRule) {
	ei.mu.Lock()
	defer ei.mu.Unlock()
	ei.failures[operation] = rule
}

// ShouldFail checks if an operation should fail and returns appropriate error
func (ei *ErrorInjector) ShouldFail(operation string) error {
	if ei == nil {
		return nil
	}
	ei.mu.RLock()
	rule, exists := ei.failures[operation]
	ei.mu.RUnlock()

	if !exists {
		return nil
	}

	// Claim one failure; a concurrent caller may have used up the last one.
	for {
		remaining := atomic.LoadInt32(&rule.FailCount)
		if remaining == 0 {
			return nil
		}
		if remaining < 0 || atomic.CompareAndSwapInt32(&rule.FailCount, remaining, remaining-1) {
			break
		}
	}

	if rule.Delay > 0 {
		time.Sleep(rule.Delay)
	}

	switch rule.FailureType {
	case FailureNetwork:
		return vmservice.ClassifyNetworkError(fmt.Errorf("%s: %w", rule.ErrorMessage, io.ErrUnexpectedEOF))
	case FailureTimeout:
		return context.DeadlineExceeded
	case FailureRPC:
		return &vmservice.RPCError{Code: vmservice.CodeMethodNotFound, Message: rule.ErrorMessage}
	case FailureIO:
		return io.ErrUnexpectedEOF
	default:
		return errors.New(rule.ErrorMessage)
	}
}

// Reset clears all injection rules
func (ei *ErrorInjector) Reset() {
	ei.mu.Lock()
	defer ei.mu.Unlock()
	ei.failures = make(map[string]*InjectionRule)
}
