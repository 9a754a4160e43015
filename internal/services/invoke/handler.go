package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// InitContext is handed to every invocation alongside the decoded input.
type InitContext struct {
	RequestID    string    `json:"request_id"`
	FunctionName string    `json:"function_name"`
	InvokedAt    time.Time `json:"invoked_at"`
	Deadline     time.Time `json:"deadline"`
}

// Handler processes one input per call. A returned error is reported to the
// caller; it never stops the runtime. Handlers should return once ctx is
// done: the caller is answered at the deadline either way.
type Handler interface {
	Invoke(ctx context.Context, ic InitContext, input json.RawMessage) (any, error)
}

type HandlerFunc func(ctx context.Context, ic InitContext, input json.RawMessage) (any, error)

func (f HandlerFunc) Invoke(ctx context.Context, ic InitContext, input json.RawMessage) (any, error) {
	return f(ctx, ic, input)
}

// Echo returns its input unchanged.
var Echo Handler = HandlerFunc(func(_ context.Context, _ InitContext, input json.RawMessage) (any, error) {
	return input, nil
})

var (
	registryMu sync.RWMutex
	registry   = map[string]Handler{"echo": Echo}
)

// Register makes h available to configuration under name.
func Register(name string, h Handler) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = h
}

// Lookup returns the handler registered under name.
func Lookup(name string) (Handler, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	h, ok := registry[name]
	if !ok {
		names := make([]string, 0, len(registry))
		for n := range registry {
			names = append(names, n)
		}
		sort.Strings(names)
		return nil, fmt.Errorf("unknown handler %q (registered: %v)", name, names)
	}
	return h, nil
}
