package relay

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"wxbridge/internal/config"
	"wxbridge/internal/domain"
)

func testRelayLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// idleSurface is a chat surface that is reachable but has nothing to say.
type idleSurface struct {
	mu   sync.Mutex
	sent int
}

func (s *idleSurface) Ready(ctx context.Context) error { return nil }

func (s *idleSurface) Poll(ctx context.Context, contact domain.Contact, since domain.Cursor) ([]domain.RawMessage, domain.Cursor, error) {
	return nil, since, nil
}

func (s *idleSurface) Send(ctx context.Context, contact domain.Contact, segs []domain.OutSegment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent += len(segs)
	return nil
}

func testSupervisor(mutate func(cfg *config.Config)) *Supervisor {
	cfg := config.Defaults()
	if mutate != nil {
		mutate(cfg)
	}
	return New(config.NewStore(cfg), &idleSurface{}, nil, testRelayLogger())
}

func TestSupervisor_StartIdempotent(t *testing.T) {
	s := testSupervisor(nil)
	defer s.Stop()

	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(ctx); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}

	st := s.Status()
	if !st.Running {
		t.Error("status should report running")
	}
}

func TestSupervisor_FatalConfig(t *testing.T) {
	s := testSupervisor(func(cfg *config.Config) {
		cfg.Transport.Enabled = true
		cfg.Transport.WSURL = ""
	})

	err := s.Start(context.Background())
	if !errors.Is(err, domain.ErrFatalConfig) {
		t.Errorf("expected fatal config error, got %v", err)
	}
	if s.Status().Running {
		t.Error("failed start must not report running")
	}
}

func TestSupervisor_StopTwice(t *testing.T) {
	s := testSupervisor(nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	s.Stop()
	s.Stop()
	if s.Status().Running {
		t.Error("status should report stopped")
	}
}

func TestSupervisor_RestartAfterStop(t *testing.T) {
	s := testSupervisor(nil)
	ctx := context.Background()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("first start: %v", err)
	}
	s.Stop()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("restart: %v", err)
	}
	defer s.Stop()
	if !s.Status().Running {
		t.Error("restarted relay should report running")
	}
}

// Status must stay safe to call from another goroutine while the relay is
// being stopped and restarted; a restart rebuilds the pipeline components.
// Run with -race.
func TestSupervisor_StatusDuringRestart(t *testing.T) {
	s := testSupervisor(nil)
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				s.Status()
			}
		}
	}()

	for i := 0; i < 20; i++ {
		if err := s.Start(ctx); err != nil {
			t.Fatalf("start %d: %v", i, err)
		}
		s.Stop()
	}

	close(stop)
	wg.Wait()
	if s.Status().Running {
		t.Error("relay should report stopped after the final Stop")
	}
}

func TestSupervisor_NormalizeToTransport(t *testing.T) {
	s := testSupervisor(nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	s.outbound.Put(domain.RawMessage{
		Contact:   domain.Contact{Nickname: "Alice", UserID: "12345"},
		Kind:      domain.KindText,
		Text:      "hi",
		Timestamp: time.Now(),
	})

	// Transport is disconnected, so the event lands in its buffer.
	deadline := time.Now().Add(2 * time.Second)
	for s.transport.Pending() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.transport.Pending() != 1 {
		t.Errorf("expected 1 buffered event, got %d", s.transport.Pending())
	}
}

func TestSupervisor_UnmappableMessageDropped(t *testing.T) {
	s := testSupervisor(nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	s.outbound.Put(domain.RawMessage{
		Contact:   domain.Contact{Nickname: "NoID"},
		Kind:      domain.KindText,
		Text:      "hi",
		Timestamp: time.Now(),
	})

	deadline := time.Now().Add(2 * time.Second)
	for s.Status().LastError == "" && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if s.transport.Pending() != 0 {
		t.Errorf("unmappable message must not reach the transport, got %d", s.transport.Pending())
	}
	if s.Status().LastError == "" {
		t.Error("drop should be recorded as the last error")
	}
}

func TestSupervisor_ContactManagement(t *testing.T) {
	s := testSupervisor(nil)

	if err := s.AddContact(domain.Contact{Nickname: "Alice", UserID: "12345"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := s.AddContact(domain.Contact{Nickname: "Alice", UserID: "12345"}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("duplicate add should fail validation, got %v", err)
	}
	if err := s.AddContact(domain.Contact{Nickname: "Bad", UserID: "xyz"}); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("non-numeric id should fail validation, got %v", err)
	}

	if s.Status().Contacts != 1 {
		t.Errorf("expected 1 contact, got %d", s.Status().Contacts)
	}

	if !s.RemoveContact("Alice") {
		t.Error("remove should report success")
	}
	if s.RemoveContact("Alice") {
		t.Error("second remove should report absence")
	}

	err := s.SetContacts([]domain.Contact{
		{Nickname: "Bob", UserID: "678"},
		{Nickname: "Carol"},
	})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if s.Status().Contacts != 2 {
		t.Errorf("expected 2 contacts, got %d", s.Status().Contacts)
	}

	err = s.SetContacts([]domain.Contact{{Nickname: "Dup"}, {Nickname: "Dup"}})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("duplicate set should fail validation, got %v", err)
	}
}

func TestSupervisor_MonitorSubsystemToggle(t *testing.T) {
	s := testSupervisor(func(cfg *config.Config) {
		cfg.Monitor.Enabled = true
		cfg.Monitor.Contacts = []config.ContactEntry{{Nickname: "Alice", UserID: "12345"}}
	})
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer s.Stop()

	if !s.Status().MonitorRunning {
		t.Error("monitor should start with the relay when enabled")
	}
	s.StopMonitor()
	if s.Status().MonitorRunning {
		t.Error("monitor should stop on demand")
	}
	s.StartMonitor()
	if !s.Status().MonitorRunning {
		t.Error("monitor should restart on demand")
	}
}
