// Package tool defines the boundary through which named tools are executed.
package tool

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ATHARVA262005/mcp-control-plane/pkg/models"
	"github.com/pkg/errors"
)

// ErrUnknownTool is returned when no tool is registered under the requested name.
var ErrUnknownTool = errors.New("unknown tool")

// Invoker executes a named tool with structured input.
type Invoker interface {
	Invoke(ctx context.Context, name string, input models.Value) (models.Value, error)
}

// Func is a single tool implementation.
type Func func(ctx context.Context, input models.Value) (models.Value, error)

// InvokerFunc adapts a function to Invoker.
type InvokerFunc func(ctx context.Context, name string, input models.Value) (models.Value, error)

func (f InvokerFunc) Invoke(ctx context.Context, name string, input models.Value) (models.Value, error) {
	return f(ctx, name, input)
}

// Registry is an in-process Invoker backed by registered functions.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Func)}
}

// Register adds or replaces a tool.
func (r *Registry) Register(name string, fn Func) error {
	if len(name) == 0 {
		return errors.New("empty tool name")
	}
	if fn == nil {
		return errors.Errorf("tool %s: nil function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[name] = fn
	return nil
}

// Names lists the registered tools, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) Invoke(ctx context.Context, name string, input models.Value) (models.Value, error) {
	r.mu.RLock()
	fn, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return models.Null(), errors.Wrapf(ErrUnknownTool, "tool %s", name)
	}
	return fn(ctx, input)
}

// WithTimeout bounds every invocation of next. A call that outlives timeout fails
// with context.DeadlineExceeded even if next ignores its context.
func WithTimeout(next Invoker, timeout time.Duration) Invoker {
	if timeout <= 0 {
		return next
	}
	return InvokerFunc(func(ctx context.Context, name string, input models.Value) (models.Value, error) {
		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		type result struct {
			out models.Value
			err error
		}
		resultCh := make(chan result, 1)
		go func() {
			out, err := next.Invoke(ctx, name, input)
			resultCh <- result{out, err}
		}()

		select {
		case res := <-resultCh:
			return res.out, res.err
		case <-ctx.Done():
			return models.Null(), errors.Wrapf(ctx.Err(), "tool %s timed out after %s", name, timeout)
		}
	})
}
