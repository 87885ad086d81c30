// Package registry tracks which session ids are in use and what kind of
// session owns each one. The PTY manager, the agent manager, and the remote
// bridge all consult the same registry so that an id can never be claimed
// twice across session kinds.
package registry

import (
	"errors"
	"sort"
	"sync"
)

// Kind identifies what type of session owns an id.
type Kind string

const (
	KindPty   Kind = "pty"
	KindAgent Kind = "agent"
)

// Errors shared by every component that resolves session ids.
var (
	ErrUnknownSession   = errors.New("unknown session")
	ErrDuplicateSession = errors.New("duplicate session id")
)

// Registry is the shared session id table. Ids are caller-chosen opaque
// strings; an id is reusable only after Release.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]Kind
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{sessions: make(map[string]Kind)}
}

// Claim reserves id for the given kind. Returns ErrDuplicateSession if the
// id is already in use by any session kind.
func (r *Registry) Claim(id string, kind Kind) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return ErrDuplicateSession
	}
	r.sessions[id] = kind
	return nil
}

// Release frees an id for reuse. Releasing an unknown id is a no-op.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Lookup returns the kind that owns id.
func (r *Registry) Lookup(id string) (Kind, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kind, ok := r.sessions[id]
	if !ok {
		return "", ErrUnknownSession
	}
	return kind, nil
}

// List returns all claimed ids of the given kind, sorted for stable output.
// An empty kind matches everything.
func (r *Registry) List(kind Kind) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sessions))
	for id, k := range r.sessions {
		if kind == "" || k == kind {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
