package llm

import (
	"fmt"
	"sort"
	"sync"
)

// ClientRegistry is a thread-safe registry for managing multiple completion
// clients. It supports registering, retrieving, and listing clients, as well
// as designating a default client for convenience.
type ClientRegistry struct {
	clients       map[string]Client
	defaultClient string
	mu            sync.RWMutex
}

// NewClientRegistry creates an empty ClientRegistry.
func NewClientRegistry() *ClientRegistry {
	return &ClientRegistry{
		clients: make(map[string]Client),
	}
}

// Register adds a client to the registry under the given name.
// If a client with the same name already exists, it is replaced.
func (r *ClientRegistry) Register(name string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[name] = c
}

// Get retrieves a client by name.
func (r *ClientRegistry) Get(name string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[name]
	return c, ok
}

// Default returns the default client.
// Returns an error if no default has been set or the default name is not registered.
func (r *ClientRegistry) Default() (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.defaultClient == "" {
		return nil, fmt.Errorf("no default client set")
	}
	c, ok := r.clients[r.defaultClient]
	if !ok {
		return nil, fmt.Errorf("default client %q not found in registry", r.defaultClient)
	}
	return c, nil
}

// SetDefault designates an existing registered client as the default.
// Returns an error if the name is not registered.
func (r *ClientRegistry) SetDefault(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[name]; !ok {
		return fmt.Errorf("client %q not registered", name)
	}
	r.defaultClient = name
	return nil
}

// List returns the sorted names of all registered clients.
func (r *ClientRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
