package dispatch

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wxbridge/internal/bus"
	"wxbridge/internal/domain"
	"wxbridge/internal/onebot"
)

func testDspLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeSender records sends and can stall to expose ordering.
type fakeSender struct {
	mu       sync.Mutex
	contacts map[string]domain.Contact
	sent     map[string][]string // nickname -> text payloads in order
	delay    time.Duration
	sendErr  error

	// Resolve for blockTarget parks on blockC. Set before traffic flows.
	blockTarget string
	blockC      chan struct{}

	inFlight    int32
	maxInFlight int32
}

func newFakeSender(contacts ...domain.Contact) *fakeSender {
	f := &fakeSender{
		contacts: make(map[string]domain.Contact),
		sent:     make(map[string][]string),
	}
	for _, c := range contacts {
		f.contacts[c.Nickname] = c
		if c.UserID != "" {
			f.contacts[c.UserID] = c
		}
	}
	return f
}

func (f *fakeSender) Resolve(target string) (domain.Contact, bool) {
	if f.blockTarget != "" && target == f.blockTarget {
		<-f.blockC
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[target]
	return c, ok
}

func (f *fakeSender) Send(ctx context.Context, contact domain.Contact, segs []domain.OutSegment) error {
	cur := atomic.AddInt32(&f.inFlight, 1)
	for {
		max := atomic.LoadInt32(&f.maxInFlight)
		if cur <= max || atomic.CompareAndSwapInt32(&f.maxInFlight, max, cur) {
			break
		}
	}
	defer atomic.AddInt32(&f.inFlight, -1)

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	for _, seg := range segs {
		f.sent[contact.Nickname] = append(f.sent[contact.Nickname], seg.Text)
	}
	return nil
}

// fakeResponder captures responses.
type fakeResponder struct {
	mu        sync.Mutex
	responses []onebot.APIResponse
}

func (f *fakeResponder) SendResponse(resp onebot.APIResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses = append(f.responses, resp)
	return nil
}

func (f *fakeResponder) Online() bool { return true }

func (f *fakeResponder) waitResponses(t *testing.T, n int) []onebot.APIResponse {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.responses) >= n {
			out := make([]onebot.APIResponse, len(f.responses))
			copy(out, f.responses)
			f.mu.Unlock()
			return out
		}
		f.mu.Unlock()
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d responses", n)
	return nil
}

func testDispatcher(t *testing.T, sender *fakeSender) (*Dispatcher, *bus.Queue[onebot.APIRequest], *fakeResponder) {
	t.Helper()
	inbound := bus.New[onebot.APIRequest]("inbound", 32, testDspLogger())
	responder := &fakeResponder{}
	media := NewMediaCache(t.TempDir(), t.TempDir(), testDspLogger())
	d := New(onebot.NewConverter("10001000"), sender, responder, inbound, media, time.Second, testDspLogger())
	d.Start(context.Background())
	t.Cleanup(func() {
		inbound.Close()
		d.Stop()
	})
	return d, inbound, responder
}

func sendReq(userID, text, echo string) onebot.APIRequest {
	msg, _ := json.Marshal([]onebot.Segment{onebot.Text(text)})
	return onebot.APIRequest{
		Action: onebot.ActionSendPrivateMsg,
		Params: onebot.APIParams{UserID: onebot.FlexID(userID), Message: msg},
		Echo:   json.RawMessage(`"` + echo + `"`),
	}
}

func TestDispatcher_SendSuccess(t *testing.T) {
	sender := newFakeSender(domain.Contact{Nickname: "Alice", UserID: "12345"})
	_, inbound, responder := testDispatcher(t, sender)

	inbound.Put(sendReq("12345", "hello", "e1"))

	resps := responder.waitResponses(t, 1)
	if resps[0].Status != "ok" || resps[0].Retcode != onebot.RetOK {
		t.Errorf("wrong response: %+v", resps[0])
	}
	if string(resps[0].Echo) != `"e1"` {
		t.Errorf("echo not correlated: %s", resps[0].Echo)
	}
	data, ok := resps[0].Data.(onebot.MessageIDData)
	if !ok || data.MessageID == 0 {
		t.Errorf("expected message_id payload, got %+v", resps[0].Data)
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent["Alice"]) != 1 || sender.sent["Alice"][0] != "hello" {
		t.Errorf("send not delivered: %+v", sender.sent)
	}
}

func TestDispatcher_PerContactFIFO(t *testing.T) {
	sender := newFakeSender(domain.Contact{Nickname: "Alice", UserID: "12345"})
	sender.delay = 5 * time.Millisecond
	_, inbound, responder := testDispatcher(t, sender)

	for _, text := range []string{"one", "two", "three", "four"} {
		inbound.Put(sendReq("12345", text, text))
	}
	responder.waitResponses(t, 4)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	got := sender.sent["Alice"]
	want := []string{"one", "two", "three", "four"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("FIFO broken for contact: %v", got)
		}
	}
}

func TestDispatcher_ContactsProceedConcurrently(t *testing.T) {
	sender := newFakeSender(
		domain.Contact{Nickname: "Alice", UserID: "12345"},
		domain.Contact{Nickname: "Bob", UserID: "678"},
	)
	sender.delay = 30 * time.Millisecond
	_, inbound, responder := testDispatcher(t, sender)

	for i := 0; i < 4; i++ {
		inbound.Put(sendReq("12345", "a", "a"))
		inbound.Put(sendReq("678", "b", "b"))
	}
	responder.waitResponses(t, 8)

	if atomic.LoadInt32(&sender.maxInFlight) < 2 {
		t.Error("sends for distinct contacts never overlapped")
	}

	// Per-contact order still holds under concurrency.
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent["Alice"]) != 4 || len(sender.sent["Bob"]) != 4 {
		t.Errorf("lost sends: %+v", sender.sent)
	}
}

func TestDispatcher_UnknownTarget(t *testing.T) {
	sender := newFakeSender()
	d, inbound, responder := testDispatcher(t, sender)

	inbound.Put(sendReq("99999", "hi", "e1"))

	resps := responder.waitResponses(t, 1)
	if resps[0].Retcode != onebot.RetNotFound {
		t.Errorf("expected 1404, got %d", resps[0].Retcode)
	}
	if d.Rejected() != 1 {
		t.Errorf("expected 1 rejected, got %d", d.Rejected())
	}
}

func TestDispatcher_MissingUserID(t *testing.T) {
	sender := newFakeSender(domain.Contact{Nickname: "Alice", UserID: "12345"})
	_, inbound, responder := testDispatcher(t, sender)

	msg, _ := json.Marshal([]onebot.Segment{onebot.Text("hi")})
	inbound.Put(onebot.APIRequest{
		Action: onebot.ActionSendPrivateMsg,
		Params: onebot.APIParams{Message: msg},
		Echo:   json.RawMessage(`"e1"`),
	})

	resps := responder.waitResponses(t, 1)
	if resps[0].Retcode != onebot.RetBadRequest {
		t.Errorf("expected 1400, got %d", resps[0].Retcode)
	}
}

func TestDispatcher_GroupMessageRejected(t *testing.T) {
	sender := newFakeSender(domain.Contact{Nickname: "Alice", UserID: "12345"})
	_, inbound, responder := testDispatcher(t, sender)

	msg, _ := json.Marshal([]onebot.Segment{onebot.Text("hi")})
	inbound.Put(onebot.APIRequest{
		Action: onebot.ActionSendMsg,
		Params: onebot.APIParams{MessageType: "group", GroupID: "42", Message: msg},
		Echo:   json.RawMessage(`"e1"`),
	})

	resps := responder.waitResponses(t, 1)
	if resps[0].Retcode != onebot.RetNotFound {
		t.Errorf("group sends should answer 1404, got %d", resps[0].Retcode)
	}
}

func TestDispatcher_SendFailureReported(t *testing.T) {
	sender := newFakeSender(domain.Contact{Nickname: "Alice", UserID: "12345"})
	sender.sendErr = context.DeadlineExceeded
	d, inbound, responder := testDispatcher(t, sender)

	inbound.Put(sendReq("12345", "hello", "e1"))

	resps := responder.waitResponses(t, 1)
	if resps[0].Retcode != onebot.RetFailed {
		t.Errorf("expected 1500, got %d", resps[0].Retcode)
	}
	if d.LastError() == nil {
		t.Error("send failure should be recorded")
	}
}

func TestDispatcher_GetLoginInfo(t *testing.T) {
	sender := newFakeSender()
	_, inbound, responder := testDispatcher(t, sender)

	inbound.Put(onebot.APIRequest{Action: onebot.ActionGetLoginInfo, Echo: json.RawMessage(`"e1"`)})

	resps := responder.waitResponses(t, 1)
	info, ok := resps[0].Data.(onebot.LoginInfoData)
	if !ok || info.UserID != "10001000" {
		t.Errorf("wrong login info: %+v", resps[0].Data)
	}
}

func TestDispatcher_GetStatus(t *testing.T) {
	sender := newFakeSender()
	_, inbound, responder := testDispatcher(t, sender)

	inbound.Put(onebot.APIRequest{Action: onebot.ActionGetStatus, Echo: json.RawMessage(`"e1"`)})

	resps := responder.waitResponses(t, 1)
	status, ok := resps[0].Data.(onebot.Status)
	if !ok || !status.Online || !status.Good {
		t.Errorf("wrong status payload: %+v", resps[0].Data)
	}
}

func TestDispatcher_UnsupportedAction(t *testing.T) {
	sender := newFakeSender()
	_, inbound, responder := testDispatcher(t, sender)

	inbound.Put(onebot.APIRequest{Action: "get_group_list", Echo: json.RawMessage(`"e1"`)})

	resps := responder.waitResponses(t, 1)
	if resps[0].Retcode != onebot.RetNotFound {
		t.Errorf("expected 1404, got %d", resps[0].Retcode)
	}
}

func TestDispatcher_MaterializeFailureNotRejection(t *testing.T) {
	sender := newFakeSender(domain.Contact{Nickname: "Alice", UserID: "12345"})
	d, inbound, responder := testDispatcher(t, sender)

	msg, _ := json.Marshal([]onebot.Segment{onebot.Image("base64://%%%not-base64%%%")})
	inbound.Put(onebot.APIRequest{
		Action: onebot.ActionSendPrivateMsg,
		Params: onebot.APIParams{UserID: "12345", Message: msg},
		Echo:   json.RawMessage(`"e1"`),
	})

	resps := responder.waitResponses(t, 1)
	if resps[0].Retcode != onebot.RetFailed {
		t.Errorf("losing every segment should answer 1500, got %d", resps[0].Retcode)
	}
	if d.Rejected() != 0 {
		t.Errorf("delivery failure must not count as a rejection, got %d", d.Rejected())
	}
	if d.LastError() == nil {
		t.Error("materialization failure should be recorded")
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent["Alice"]) != 0 {
		t.Errorf("nothing should be delivered: %+v", sender.sent)
	}
}

func TestDispatcher_StopReleasesWorkersWhenConsumeStalls(t *testing.T) {
	sender := newFakeSender(domain.Contact{Nickname: "Alice", UserID: "12345"})
	sender.blockTarget = "99999"
	sender.blockC = make(chan struct{})
	defer close(sender.blockC)

	inbound := bus.New[onebot.APIRequest]("inbound", 32, testDspLogger())
	responder := &fakeResponder{}
	media := NewMediaCache(t.TempDir(), t.TempDir(), testDspLogger())
	d := New(onebot.NewConverter("10001000"), sender, responder, inbound, media, 100*time.Millisecond, testDspLogger())
	d.Start(context.Background())

	// First send creates Alice's worker; the second wedges the consume
	// loop inside Resolve past the drain grace.
	inbound.Put(sendReq("12345", "hello", "e1"))
	responder.waitResponses(t, 1)
	inbound.Put(sendReq("99999", "x", "e2"))
	inbound.Close()

	d.Stop()

	// Worker channels must be closed even when the consume loop never
	// drained, or the worker goroutines block forever.
	if !waitTimeout(&d.workerWG, time.Second) {
		t.Fatal("worker goroutines still blocked after Stop")
	}
}

func TestDispatcher_StopDrainsQueuedSends(t *testing.T) {
	sender := newFakeSender(domain.Contact{Nickname: "Alice", UserID: "12345"})
	sender.delay = 10 * time.Millisecond
	inbound := bus.New[onebot.APIRequest]("inbound", 32, testDspLogger())
	responder := &fakeResponder{}
	media := NewMediaCache(t.TempDir(), t.TempDir(), testDspLogger())
	d := New(onebot.NewConverter("10001000"), sender, responder, inbound, media, 2*time.Second, testDspLogger())
	d.Start(context.Background())

	for i := 0; i < 5; i++ {
		inbound.Put(sendReq("12345", "x", "e"))
	}
	inbound.Close()
	d.Stop()
	d.Stop() // safe second call

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.sent["Alice"]) != 5 {
		t.Errorf("queued sends should drain on stop, delivered %d of 5", len(sender.sent["Alice"]))
	}
}
