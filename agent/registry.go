package agent

import (
	"context"
	"sync"

	"github.com/azure-corelib/azbase/azerrors"
	"github.com/azure-corelib/azbase/credential"
)

// Registry holds a set of named agents. It is the single writer of each
// agent's lifecycle (via Register/Close) but supports many concurrent
// readers through Fetch, which is safe to call from any number of
// goroutines (e.g. concurrent HTTP pipeline requests).
type Registry struct {
	mu     sync.RWMutex
	agents map[string]*Agent
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// Register adds agent under its own Options.Name, replacing and closing any
// prior agent registered under that name.
func (r *Registry) Register(a *Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.agents[a.opts.Name]; ok && prev != a {
		prev.Close()
	}
	r.agents[a.opts.Name] = a
}

// Fetch returns the current token for name, acquiring one on a cache miss.
// If name is not registered, it returns TokenServerError{FetchFailed}.
func (r *Registry) Fetch(ctx context.Context, name string) (credential.Token, error) {
	r.mu.RLock()
	a, ok := r.agents[name]
	r.mu.RUnlock()
	if !ok {
		return credential.Token{}, &azerrors.TokenServerError{Type: azerrors.FetchFailed, Name: name, Reason: "no agent registered under this name"}
	}
	return a.Fetch(ctx)
}

// Get returns the agent registered under name, if any.
func (r *Registry) Get(name string) (*Agent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[name]
	return a, ok
}

// List returns a status snapshot for every registered agent, for
// introspection/diagnostics.
func (r *Registry) List() []AgentStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	statuses := make([]AgentStatus, 0, len(r.agents))
	for _, a := range r.agents {
		statuses = append(statuses, a.Describe())
	}
	return statuses
}

// Close closes every registered agent.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, a := range r.agents {
		a.Close()
	}
	r.agents = make(map[string]*Agent)
}
