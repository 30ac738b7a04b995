package loop

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// AgentFactory builds the agent for a session on first acquisition.
type AgentFactory func(ctx context.Context, sessionID string) (*Agent, error)

// Registry hands out at most one running turn per session. Construction is
// deduplicated so concurrent first requests for a session share one agent.
type Registry struct {
	factory AgentFactory
	group   singleflight.Group

	mu     sync.Mutex
	agents map[string]*registryEntry
	closed bool
}

type registryEntry struct {
	agent *Agent     // nil until built by Acquire; Lock-only sessions never build one
	turn  sync.Mutex // held for the duration of one turn
}

func NewRegistry(factory AgentFactory) *Registry {
	return &Registry{
		factory: factory,
		agents:  make(map[string]*registryEntry),
	}
}

// Acquire returns the session's agent with its turn lock held. The caller
// must call the returned release function when the turn is done.
func (r *Registry) Acquire(ctx context.Context, sessionID string) (*Agent, func(), error) {
	entry, err := r.entry(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}
	entry.turn.Lock()
	return entry.agent, entry.turn.Unlock, nil
}

func (r *Registry) entry(ctx context.Context, sessionID string) (*registryEntry, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry is shut down")
	}
	if e, ok := r.agents[sessionID]; ok && e.agent != nil {
		r.mu.Unlock()
		return e, nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(sessionID, func() (any, error) {
		agent, err := r.factory(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.closed {
			return nil, fmt.Errorf("registry is shut down")
		}
		// Reuse a Lock-created entry so its turn mutex stays authoritative.
		e, ok := r.agents[sessionID]
		if !ok {
			e = &registryEntry{}
			r.agents[sessionID] = e
		}
		e.agent = agent
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("build agent for session %s: %w", sessionID, err)
	}
	return v.(*registryEntry), nil
}

// Lock acquires the session's turn lock without building an in-process
// agent. CLI-mode turns hold it while the agent subprocess runs, so a
// session never has two live agent runs at once.
func (r *Registry) Lock(sessionID string) (func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry is shut down")
	}
	e, ok := r.agents[sessionID]
	if !ok {
		e = &registryEntry{}
		r.agents[sessionID] = e
	}
	r.mu.Unlock()
	e.turn.Lock()
	return e.turn.Unlock, nil
}

// Release drops a session's agent, typically after the session is deleted.
// A turn in flight keeps its agent; only the registry entry goes away.
func (r *Registry) Release(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.agents, sessionID)
}

// ReleaseAll drops every agent and refuses new acquisitions. Called on
// shutdown.
func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.agents = make(map[string]*registryEntry)
}

// Len reports the number of live agents.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}
