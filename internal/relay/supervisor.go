// Package relay wires the monitor, normalizer, transport and dispatcher
// into one unit and owns their lifecycle. The host environment talks to
// the relay exclusively through the Supervisor.
package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wxbridge/internal/bus"
	"wxbridge/internal/config"
	"wxbridge/internal/dispatch"
	"wxbridge/internal/domain"
	"wxbridge/internal/monitor"
	"wxbridge/internal/onebot"
	"wxbridge/internal/transport"
)

const drainGrace = 5 * time.Second

// Status is the aggregate read-only view of the relay, rebuilt on demand
// from the live components.
type Status struct {
	Running         bool          `json:"running"`
	Connection      string        `json:"connection"`
	MonitorRunning  bool          `json:"monitorRunning"`
	Degraded        bool          `json:"degraded"`
	Contacts        int           `json:"contacts"`
	Uptime          time.Duration `json:"uptime"`
	LastError       string        `json:"lastError,omitempty"`
	PendingEvents   int           `json:"pendingEvents"`
	DroppedEvents   int64         `json:"droppedEvents"`
	RejectedActions int64         `json:"rejectedActions"`
}

// Supervisor owns start/stop of the relay pipeline and exposes status and
// runtime reconfiguration to the host.
type Supervisor struct {
	cfg     *config.Store
	conv    *onebot.Converter
	surface domain.ChatSurface
	store   monitor.CursorStore
	logger  *slog.Logger

	outbound *bus.Queue[domain.RawMessage]
	inbound  *bus.Queue[onebot.APIRequest]

	monitor    *monitor.Monitor
	transport  *transport.Client
	dispatcher *dispatch.Dispatcher

	mu        sync.Mutex
	running   bool
	stopped   bool // a previous run closed the queues
	startedAt time.Time
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	errMu   sync.Mutex
	lastErr error
}

// New assembles the relay from its collaborators. store may be nil when
// cursor persistence is disabled.
func New(cfg *config.Store, surface domain.ChatSurface, store monitor.CursorStore, logger *slog.Logger) *Supervisor {
	s := &Supervisor{
		cfg:     cfg,
		conv:    onebot.NewConverter(cfg.Snapshot().Transport.SelfID),
		surface: surface,
		store:   store,
		logger:  logger,
	}
	s.build()
	return s
}

// build wires the pipeline: fresh queues and workers, reusing the
// converter so event ids stay unique across restarts.
func (s *Supervisor) build() {
	snap := s.cfg.Snapshot()
	s.outbound = bus.New[domain.RawMessage]("outbound", snap.Transport.OutboundBuffer, s.logger)
	s.inbound = bus.New[onebot.APIRequest]("inbound", snap.Transport.OutboundBuffer, s.logger)
	s.monitor = monitor.New(s.surface, s.cfg, s.outbound, s.store, s.logger)
	s.transport = transport.New(transport.OptionsFromConfig(snap.Transport), s.conv, s.inbound, s.logger)
	media := dispatch.NewMediaCache(snap.Message.ImageCacheDir, snap.Message.FileCacheDir, s.logger)
	s.dispatcher = dispatch.New(s.conv, s.monitor, s.transport, s.inbound, media, drainGrace, s.logger)
}

// Start brings the relay up. Calling Start while running is a no-op.
// Missing required configuration is the only blocking condition.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	snap := s.cfg.Snapshot()
	if snap.Transport.Enabled && snap.Transport.WSURL == "" {
		return fmt.Errorf("transport enabled without an endpoint: %w", domain.ErrFatalConfig)
	}

	if s.stopped {
		s.build()
		s.stopped = false
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.normalize(s.outbound, s.transport)

	if snap.Monitor.Enabled {
		s.monitor.Start(s.ctx)
	}
	if snap.Transport.Enabled {
		if err := s.transport.Start(s.ctx); err != nil {
			s.cancel()
			return err
		}
	}
	s.dispatcher.Start(s.ctx)

	s.running = true
	s.startedAt = time.Now()
	s.logger.Info("relay started",
		"monitor", snap.Monitor.Enabled,
		"transport", snap.Transport.Enabled,
		"contacts", len(snap.Monitor.Contacts))
	return nil
}

// Stop halts polling, drains the queues up to a bounded grace period, and
// closes the connection. Safe to call multiple times.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	// No new work first: stop polling, then let the normalize loop drain
	// what is already queued.
	s.monitor.Stop()
	s.outbound.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainGrace):
		s.logger.Warn("outbound drain grace expired, discarding queued messages")
	}

	s.inbound.Close()
	s.dispatcher.Stop()
	s.transport.Stop()
	s.cancel()

	s.running = false
	s.stopped = true
	s.logger.Info("relay stopped")
}

// normalize is the Monitor → Transport stage: each observed message maps
// to exactly one protocol event. Unmappable messages are dropped with a
// warning, never silently. The queue and client are passed in so a loop
// outliving the drain grace never touches a rebuilt pipeline.
func (s *Supervisor) normalize(out *bus.Queue[domain.RawMessage], tr *transport.Client) {
	defer s.wg.Done()
	for msg := range out.C() {
		ev, err := s.conv.MessageEvent(msg)
		if err != nil {
			s.recordErr(err)
			s.logger.Warn("message dropped, cannot map to protocol event",
				"contact", msg.Contact.Nickname, "err", err)
			continue
		}
		tr.Send(ev)
	}
}

func (s *Supervisor) recordErr(err error) {
	s.errMu.Lock()
	s.lastErr = err
	s.errMu.Unlock()
}

// Status rebuilds the aggregate view from live component state. Component
// pointers are copied under the lock; a restart rebuilds the pipeline, so
// reading the fields directly would race with Start.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	running := s.running
	startedAt := s.startedAt
	mon, tr, disp := s.monitor, s.transport, s.dispatcher
	s.mu.Unlock()
	s.errMu.Lock()
	lastErr := s.lastErr
	s.errMu.Unlock()

	snap := s.cfg.Snapshot()
	st := Status{
		Running:         running,
		Connection:      tr.State().String(),
		MonitorRunning:  mon.Running(),
		Degraded:        mon.Degraded(),
		Contacts:        len(snap.Monitor.Contacts),
		PendingEvents:   tr.Pending(),
		DroppedEvents:   tr.Dropped(),
		RejectedActions: disp.Rejected(),
	}
	if running {
		st.Uptime = time.Since(startedAt)
	}
	for _, err := range []error{lastErr, disp.LastError(), tr.LastError()} {
		if err != nil {
			st.LastError = err.Error()
			break
		}
	}
	return st
}

// StartMonitor starts only the polling subsystem, for hosts that need
// finer control than Start/Stop of the whole relay.
func (s *Supervisor) StartMonitor() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.monitor.Start(s.ctx)
}

// StopMonitor stops only the polling subsystem.
func (s *Supervisor) StopMonitor() {
	s.mu.Lock()
	mon := s.monitor
	s.mu.Unlock()
	mon.Stop()
}

// StartTransport starts only the connection subsystem.
func (s *Supervisor) StartTransport() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return nil
	}
	return s.transport.Start(s.ctx)
}

// StopTransport stops only the connection subsystem.
func (s *Supervisor) StopTransport() {
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	tr.Stop()
}

// AddContact adds a contact to the monitored set. Membership takes effect
// on the next poll cycle.
func (s *Supervisor) AddContact(c domain.Contact) error {
	if err := c.Validate(); err != nil {
		return err
	}
	var dup bool
	s.cfg.Update(func(cfg *config.Config) {
		for _, e := range cfg.Monitor.Contacts {
			if e.Nickname == c.Nickname {
				dup = true
				return
			}
		}
		cfg.Monitor.Contacts = append(cfg.Monitor.Contacts, config.ContactEntry{
			Nickname: c.Nickname,
			UserID:   config.FlexString(c.UserID),
		})
	})
	if dup {
		return fmt.Errorf("contact %q already monitored: %w", c.Nickname, domain.ErrValidation)
	}
	s.logger.Info("contact added", "nickname", c.Nickname, "user_id", c.UserID)
	return nil
}

// RemoveContact removes a contact; its cursor state is dropped on the
// next poll cycle.
func (s *Supervisor) RemoveContact(nickname string) bool {
	removed := false
	s.cfg.Update(func(cfg *config.Config) {
		kept := cfg.Monitor.Contacts[:0]
		for _, e := range cfg.Monitor.Contacts {
			if e.Nickname == nickname {
				removed = true
				continue
			}
			kept = append(kept, e)
		}
		cfg.Monitor.Contacts = kept
	})
	if removed {
		s.logger.Info("contact removed", "nickname", nickname)
	}
	return removed
}

// SetContacts replaces the whole monitored set atomically.
func (s *Supervisor) SetContacts(contacts []domain.Contact) error {
	entries := make([]config.ContactEntry, 0, len(contacts))
	seen := make(map[string]bool, len(contacts))
	for _, c := range contacts {
		if err := c.Validate(); err != nil {
			return err
		}
		if seen[c.Nickname] {
			return fmt.Errorf("duplicate contact %q: %w", c.Nickname, domain.ErrValidation)
		}
		seen[c.Nickname] = true
		entries = append(entries, config.ContactEntry{Nickname: c.Nickname, UserID: config.FlexString(c.UserID)})
	}
	s.cfg.Update(func(cfg *config.Config) {
		cfg.Monitor.Contacts = entries
	})
	s.logger.Info("contact list replaced", "contacts", len(entries))
	return nil
}

// Reconfigure swaps the remote endpoint; the transport reconnects with the
// new settings.
func (s *Supervisor) Reconfigure(url, token string) {
	s.cfg.Update(func(cfg *config.Config) {
		cfg.Transport.WSURL = url
		cfg.Transport.AccessToken = token
	})
	s.mu.Lock()
	tr := s.transport
	s.mu.Unlock()
	tr.Reconfigure(url, token)
}
