package monitor

import (
	"sync"
	"time"
)

// echoFilter remembers text payloads the relay recently sent to each
// contact, so the next poll does not re-emit the relay's own messages.
type echoFilter struct {
	mu      sync.Mutex
	entries map[string]time.Time
	ttl     time.Duration
}

func newEchoFilter(ttl time.Duration) *echoFilter {
	return &echoFilter{
		entries: make(map[string]time.Time),
		ttl:     ttl,
	}
}

func key(nickname, text string) string {
	return nickname + "\x00" + text
}

func (f *echoFilter) remember(nickname, text string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweep()
	f.entries[key(nickname, text)] = time.Now().Add(f.ttl)
}

func (f *echoFilter) match(nickname, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sweep()
	deadline, ok := f.entries[key(nickname, text)]
	if !ok {
		return false
	}
	return time.Now().Before(deadline)
}

// sweep drops expired entries; callers hold the lock.
func (f *echoFilter) sweep() {
	now := time.Now()
	for k, deadline := range f.entries {
		if now.After(deadline) {
			delete(f.entries, k)
		}
	}
}
