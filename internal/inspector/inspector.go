// Package inspector wraps the Flutter widget inspector service extensions
// and the framework error stream of the running app.
package inspector

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"go.uber.org/zap"
)

const (
	inspectorNamespace = "ext.flutter.inspector."

	MethodRootWidgetSummaryTree = inspectorNamespace + "getRootWidgetSummaryTree"
	MethodDetailsSubtree        = inspectorNamespace + "getDetailsSubtree"
	MethodDisposeGroup          = inspectorNamespace + "disposeGroup"

	DefaultSubtreeDepth = 2
)

// Caller invokes service extensions on the app's main isolate.
type Caller interface {
	CallExtension(ctx context.Context, method string, args map[string]interface{}) (json.RawMessage, error)
}

// Inspector fetches widget trees. Each fetch fills a fresh object group
// and only replaces the previous one once the fetch succeeded.
type Inspector struct {
	caller Caller
	groups *GroupManager
	logger *zap.Logger

	// one fetch at a time keeps the pending group unambiguous
	fetchMu sync.Mutex
}

func New(caller Caller, logger *zap.Logger) *Inspector {
	if logger == nil {
		logger = zap.NewNop()
	}
	i := &Inspector{caller: caller, logger: logger.Named("inspector")}
	i.groups = NewGroupManager("flutter_mcp", i.disposeGroup)
	return i
}

func (i *Inspector) disposeGroup(ctx context.Context, name string) error {
	_, err := i.caller.CallExtension(ctx, MethodDisposeGroup, map[string]interface{}{"objectGroup": name})
	return err
}

// WidgetTree returns the summary tree of the running app.
func (i *Inspector) WidgetTree(ctx context.Context) (json.RawMessage, error) {
	return i.fetch(ctx, MethodRootWidgetSummaryTree, nil)
}

// WidgetDetails returns the details subtree below the node with id.
func (i *Inspector) WidgetDetails(ctx context.Context, id string, depth int) (json.RawMessage, error) {
	if id == "" {
		return nil, fmt.Errorf("widget id is required")
	}
	if depth <= 0 {
		depth = DefaultSubtreeDepth
	}
	return i.fetch(ctx, MethodDetailsSubtree, map[string]interface{}{
		"arg":          id,
		"subtreeDepth": strconv.Itoa(depth),
	})
}

func (i *Inspector) fetch(ctx context.Context, method string, args map[string]interface{}) (json.RawMessage, error) {
	i.fetchMu.Lock()
	defer i.fetchMu.Unlock()

	group := i.groups.Next(ctx)
	params := map[string]interface{}{"objectGroup": group.Name()}
	for k, v := range args {
		params[k] = v
	}

	raw, err := i.caller.CallExtension(ctx, method, params)
	if err != nil {
		if cancelErr := i.groups.Cancel(ctx, group); cancelErr != nil {
			i.logger.Debug("cancel object group", zap.Error(cancelErr))
		}
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	if err := i.groups.Promote(ctx, group); err != nil {
		i.logger.Debug("promote object group", zap.String("group", group.Name()), zap.Error(err))
	}
	return unwrapResult(raw), nil
}

// unwrapResult strips the {"result": ...} envelope inspector extensions reply with.
func unwrapResult(raw json.RawMessage) json.RawMessage {
	var envelope struct {
		Result json.RawMessage `json:"result"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Result) > 0 {
		return envelope.Result
	}
	return raw
}

// Reset drops object groups that belonged to a vanished isolate.
func (i *Inspector) Reset() {
	i.groups.Reset()
}

// Dispose releases the inspector's object groups on the app.
func (i *Inspector) Dispose(ctx context.Context) error {
	return i.groups.Dispose(ctx)
}

// Groups exposes the object-group buffer.
func (i *Inspector) Groups() *GroupManager {
	return i.groups
}
