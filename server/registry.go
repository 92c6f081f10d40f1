package server

import "fmt"

// Registry is the in-process service-name -> handler map (§4.6 "Service
// registry"). Duplicate registration of the same name fails.
type Registry struct {
	handlers map[string]registeredHandler
}

func newRegistry() *Registry {
	return &Registry{handlers: make(map[string]registeredHandler)}
}

// RegisterUnary adds a unary handler for name.
func (r *Registry) RegisterUnary(name string, h UnaryHandler) error {
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("server: handler already registered for %q", name)
	}
	r.handlers[name] = registeredHandler{kind: kindUnary, unary: h}
	return nil
}

// RegisterStreaming adds a streaming handler for name.
func (r *Registry) RegisterStreaming(name string, h StreamingHandler) error {
	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("server: handler already registered for %q", name)
	}
	r.handlers[name] = registeredHandler{kind: kindStreaming, streaming: h}
	return nil
}

func (r *Registry) lookup(name string) (registeredHandler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}
