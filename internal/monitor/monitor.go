// Package monitor attaches to the running chat session and polls for new
// messages from the configured allow-list of contacts. It owns the
// per-contact cursors and the outbound send path used by the dispatcher.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"wxbridge/internal/bus"
	"wxbridge/internal/config"
	"wxbridge/internal/domain"
)

// Three consecutive failed cycles flip the degraded flag; polling keeps
// retrying regardless.
const degradedThreshold = 3

// CursorStore persists cursors across restarts. A nil store keeps cursors
// in memory only.
type CursorStore interface {
	Get(ctx context.Context, nickname string) (domain.Cursor, bool, error)
	Put(ctx context.Context, nickname string, cur domain.Cursor) error
	Delete(ctx context.Context, nickname string) error
}

// Monitor polls the chat surface on a fixed interval and emits RawMessages
// onto the outbound queue.
type Monitor struct {
	surface domain.ChatSurface
	cfg     *config.Store
	out     *bus.Queue[domain.RawMessage]
	store   CursorStore
	logger  *slog.Logger

	mu       sync.Mutex
	cursors  map[string]domain.Cursor
	failures int

	degraded atomic.Bool
	echo     *echoFilter

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Monitor. store may be nil.
func New(surface domain.ChatSurface, cfg *config.Store, out *bus.Queue[domain.RawMessage], store CursorStore, logger *slog.Logger) *Monitor {
	return &Monitor{
		surface: surface,
		cfg:     cfg,
		out:     out,
		store:   store,
		logger:  logger,
		cursors: make(map[string]domain.Cursor),
		echo:    newEchoFilter(10 * time.Second),
	}
}

// Start launches the poll loop. Calling Start on a running monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.running = true
	m.wg.Add(1)
	go m.loop(loopCtx)
	m.logger.Info("contact monitor started", "interval", m.cfg.Snapshot().PollIntervalString())
}

// Stop halts polling and waits for the in-flight cycle. Safe to call more
// than once.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	m.cancel()
	m.wg.Wait()
	m.running = false
	m.logger.Info("contact monitor stopped")
}

// Running reports whether the poll loop is active.
func (m *Monitor) Running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.running
}

// Degraded reports whether the chat surface has failed several cycles in a
// row.
func (m *Monitor) Degraded() bool {
	return m.degraded.Load()
}

func (m *Monitor) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		interval := time.Duration(m.cfg.Snapshot().Monitor.PollIntervalMS) * time.Millisecond
		timer := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		m.pollOnce(ctx)
	}
}

// pollOnce runs one poll cycle over the current contact list. Contacts are
// visited in a stable order; per-contact messages are chronological, but
// no ordering holds across contacts within a cycle.
func (m *Monitor) pollOnce(ctx context.Context) {
	snap := m.cfg.Snapshot()
	if !snap.Monitor.Enabled {
		return
	}

	contacts := snap.Contacts()
	sort.Slice(contacts, func(i, j int) bool { return contacts[i].Nickname < contacts[j].Nickname })

	m.pruneCursors(ctx, contacts)

	if err := m.surface.Ready(ctx); err != nil {
		m.recordCycle(fmt.Errorf("chat surface unreachable: %w", domain.ErrTransient))
		return
	}

	var cycleErr error
	for _, contact := range contacts {
		if ctx.Err() != nil {
			return
		}
		cur, seeded := m.cursorFor(ctx, contact)
		if seeded {
			// First observation: start at "now" so backlog is not replayed.
			m.setCursor(ctx, contact.Nickname, cur)
			continue
		}

		msgs, next, err := m.surface.Poll(ctx, contact, cur)
		if err != nil {
			m.logger.Warn("poll failed", "contact", contact.Nickname, "err", err)
			cycleErr = err
			continue
		}

		for _, msg := range msgs {
			if !m.accept(snap, msg) {
				continue
			}
			if !m.out.Put(msg) {
				m.logger.Warn("outbound queue rejected message", "contact", contact.Nickname)
			}
		}
		m.setCursor(ctx, contact.Nickname, next)
	}

	m.recordCycle(cycleErr)
}

// accept filters disabled payload kinds and messages the relay itself just
// sent (self-echo suppression, to avoid reply loops).
func (m *Monitor) accept(snap *config.Config, msg domain.RawMessage) bool {
	switch msg.Kind {
	case domain.KindImage:
		if !snap.Message.EnableImage {
			return false
		}
	case domain.KindFile:
		if !snap.Message.EnableFile {
			return false
		}
	case domain.KindText:
		if m.echo.match(msg.Contact.Nickname, msg.Text) {
			m.logger.Debug("suppressed self-echo", "contact", msg.Contact.Nickname)
			return false
		}
	}
	return true
}

func (m *Monitor) cursorFor(ctx context.Context, contact domain.Contact) (domain.Cursor, bool) {
	m.mu.Lock()
	cur, ok := m.cursors[contact.Nickname]
	m.mu.Unlock()
	if ok {
		return cur, false
	}

	if m.store != nil {
		stored, found, err := m.store.Get(ctx, contact.Nickname)
		if err != nil {
			m.logger.Warn("cursor load failed", "contact", contact.Nickname, "err", err)
		} else if found {
			m.mu.Lock()
			m.cursors[contact.Nickname] = stored
			m.mu.Unlock()
			return stored, false
		}
	}

	return domain.Cursor{LastSeen: time.Now()}, true
}

func (m *Monitor) setCursor(ctx context.Context, nickname string, cur domain.Cursor) {
	m.mu.Lock()
	m.cursors[nickname] = cur
	m.mu.Unlock()
	if m.store != nil {
		if err := m.store.Put(ctx, nickname, cur); err != nil {
			m.logger.Warn("cursor save failed", "contact", nickname, "err", err)
		}
	}
}

// pruneCursors drops cursor state for contacts no longer monitored.
func (m *Monitor) pruneCursors(ctx context.Context, contacts []domain.Contact) {
	live := make(map[string]bool, len(contacts))
	for _, c := range contacts {
		live[c.Nickname] = true
	}
	m.mu.Lock()
	var removed []string
	for nick := range m.cursors {
		if !live[nick] {
			delete(m.cursors, nick)
			removed = append(removed, nick)
		}
	}
	m.mu.Unlock()
	for _, nick := range removed {
		m.logger.Info("dropped cursor for removed contact", "contact", nick)
		if m.store != nil {
			if err := m.store.Delete(ctx, nick); err != nil {
				m.logger.Warn("cursor delete failed", "contact", nick, "err", err)
			}
		}
	}
}

func (m *Monitor) recordCycle(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		m.failures = 0
		m.degraded.Store(false)
		return
	}
	m.failures++
	if m.failures >= degradedThreshold {
		if !m.degraded.Swap(true) {
			m.logger.Error("chat surface degraded", "consecutive_failures", m.failures, "err", err)
		}
	}
}

// Send delivers segments to contact, one surface send per segment in
// order. Text payloads are remembered for self-echo suppression before the
// external effect happens.
func (m *Monitor) Send(ctx context.Context, contact domain.Contact, segs []domain.OutSegment) error {
	for _, seg := range segs {
		if seg.Kind == domain.KindText {
			m.echo.remember(contact.Nickname, seg.Text)
		}
	}
	if err := m.surface.Send(ctx, contact, segs); err != nil {
		return fmt.Errorf("send to %q: %w", contact.Nickname, err)
	}
	return nil
}

// Resolve maps an action target to a monitored contact: case-sensitive
// exact match on nickname or numeric id.
func (m *Monitor) Resolve(target string) (domain.Contact, bool) {
	for _, c := range m.cfg.Snapshot().Contacts() {
		if c.Nickname == target || (c.UserID != "" && c.UserID == target) {
			return c, true
		}
	}
	return domain.Contact{}, false
}
