package wmr

import "sync"

// Handler receives every Reading a session decodes or synthesizes. It runs
// on the loop that produced the reading and must return promptly.
type Handler interface {
	HandleReading(r Reading)
}

// HandlerFunc adapts a plain function to Handler.
type HandlerFunc func(r Reading)

func (f HandlerFunc) HandleReading(r Reading) { f(r) }

type boundHandler[T any] struct {
	fn  func(Reading, T)
	arg T
}

func (b boundHandler[T]) HandleReading(r Reading) { b.fn(r, b.arg) }

// Registry is the ordered set of handlers. Handlers fire in registration
// order; there is no removal.
type Registry struct {
	mu       sync.RWMutex
	handlers []Handler
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Register appends h.
func (reg *Registry) Register(h Handler) {
	reg.mu.Lock()
	reg.handlers = append(reg.handlers, h)
	reg.mu.Unlock()
}

// RegisterFunc registers fn with a context value passed on every call.
func RegisterFunc[T any](reg *Registry, fn func(Reading, T), arg T) {
	reg.Register(boundHandler[T]{fn: fn, arg: arg})
}

// Dispatch calls every handler with r. The handler list is copied first so
// a handler may register further handlers without deadlocking.
func (reg *Registry) Dispatch(r Reading) {
	reg.mu.RLock()
	hs := make([]Handler, len(reg.handlers))
	copy(hs, reg.handlers)
	reg.mu.RUnlock()

	for _, h := range hs {
		h.HandleReading(r)
	}
}
