package config

import (
	"sync"
	"sync/atomic"
)

// Store holds the live configuration as an atomically swapped snapshot.
// Readers (the poll loop, the transport) call Snapshot and always see a
// consistent config: either the pre- or post-update value, never a
// partially updated one. Writers go through Update, which copies, mutates
// and swaps.
type Store struct {
	mu  sync.Mutex // serializes writers
	ptr atomic.Pointer[Config]
}

// NewStore wraps cfg. The caller must not mutate cfg afterwards.
func NewStore(cfg *Config) *Store {
	s := &Store{}
	s.ptr.Store(cfg)
	return s
}

// Snapshot returns the current config. Callers must treat it as read-only.
func (s *Store) Snapshot() *Config {
	return s.ptr.Load()
}

// Update applies mutate to a deep copy of the current config and swaps the
// result in atomically.
func (s *Store) Update(mutate func(cfg *Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.Snapshot().clone()
	mutate(next)
	s.ptr.Store(next)
}

func (c *Config) clone() *Config {
	next := *c
	next.Monitor.Contacts = make([]ContactEntry, len(c.Monitor.Contacts))
	copy(next.Monitor.Contacts, c.Monitor.Contacts)
	return &next
}
