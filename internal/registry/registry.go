// Package registry tracks which connection currently represents each user.
package registry

import (
	"sort"
	"sync"
)

// Registry maps usernames to their single live connection id. It is created
// once per server process and shared by every connection handler.
type Registry struct {
	mu     sync.RWMutex
	byUser map[string]string
	byConn map[string]string
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		byUser: make(map[string]string),
		byConn: make(map[string]string),
	}
}

// Register maps username to connID, replacing any previous mapping. It
// returns the superseded connection id, if there was one.
func (r *Registry) Register(username, connID string) (previous string, superseded bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	previous, superseded = r.byUser[username]
	if superseded {
		delete(r.byConn, previous)
	}
	if owner, ok := r.byConn[connID]; ok && owner != username {
		// a connection re-joining under another name drops its old identity
		delete(r.byUser, owner)
	}
	r.byUser[username] = connID
	r.byConn[connID] = username
	return previous, superseded
}

// Unregister removes the mapping owned by connID. Unknown or superseded ids
// are ignored.
func (r *Registry) Unregister(connID string) (username string, removed bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	username, removed = r.byConn[connID]
	if !removed {
		return "", false
	}
	delete(r.byConn, connID)
	delete(r.byUser, username)
	return username, true
}

// Lookup returns the live connection id for username.
func (r *Registry) Lookup(username string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.byUser[username]
	return connID, ok
}

// UserOf returns the username bound to connID.
func (r *Registry) UserOf(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	username, ok := r.byConn[connID]
	return username, ok
}

// Usernames returns the registered usernames in sorted order.
func (r *Registry) Usernames() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.byUser))
	for name := range r.byUser {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len reports how many users are reachable.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser)
}
