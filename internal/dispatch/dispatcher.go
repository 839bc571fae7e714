// Package dispatch consumes inbound API requests from the transport,
// validates them, and drives the contact monitor's send path. Sends for
// one contact are strictly FIFO; distinct contacts proceed concurrently.
package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wxbridge/internal/bus"
	"wxbridge/internal/domain"
	"wxbridge/internal/onebot"
)

const workerQueueSize = 16

// Sender is the outbound-send capability of the contact monitor.
type Sender interface {
	Send(ctx context.Context, contact domain.Contact, segs []domain.OutSegment) error
	Resolve(target string) (domain.Contact, bool)
}

// Responder answers API requests on the transport connection.
type Responder interface {
	SendResponse(resp onebot.APIResponse) error
	Online() bool
}

type sendJob struct {
	req     onebot.APIRequest
	contact domain.Contact
	segs    []domain.OutSegment
	partial bool
}

// Dispatcher routes inbound actions. One worker goroutine per target
// contact keeps that contact's sends ordered.
type Dispatcher struct {
	conv      *onebot.Converter
	sender    Sender
	responder Responder
	inbound   *bus.Queue[onebot.APIRequest]
	media     *MediaCache
	logger    *slog.Logger
	grace     time.Duration

	mu       sync.Mutex
	workers  map[string]chan sendJob
	draining bool

	errMu   sync.Mutex
	lastErr error

	rejected atomic.Int64

	runMu     sync.Mutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	consumeWG sync.WaitGroup
	workerWG  sync.WaitGroup
}

// New creates a Dispatcher. grace bounds how long Stop waits for queued
// sends to drain.
func New(conv *onebot.Converter, sender Sender, responder Responder, inbound *bus.Queue[onebot.APIRequest], media *MediaCache, grace time.Duration, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		conv:      conv,
		sender:    sender,
		responder: responder,
		inbound:   inbound,
		media:     media,
		logger:    logger,
		grace:     grace,
		workers:   make(map[string]chan sendJob),
	}
}

// Start launches the consume loop. Idempotent.
func (d *Dispatcher) Start(ctx context.Context) {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if d.running {
		return
	}
	d.ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Lock()
	d.draining = false
	d.mu.Unlock()
	d.running = true
	d.consumeWG.Add(1)
	go d.consume()
}

// Stop drains the dispatcher: the caller closes the inbound queue first,
// Stop then waits for routing to finish, closes the per-contact workers
// and waits up to the grace period for queued sends; whatever remains is
// abandoned. Safe to call more than once.
func (d *Dispatcher) Stop() {
	d.runMu.Lock()
	defer d.runMu.Unlock()
	if !d.running {
		return
	}

	if !waitTimeout(&d.consumeWG, d.grace) {
		d.logger.Warn("dispatcher consume loop did not drain, abandoning")
	}

	// Close worker channels on the timeout path too, or their goroutines
	// block on an open channel forever. draining parks any straggling
	// enqueue from a consume loop that outlived the grace period.
	d.mu.Lock()
	d.draining = true
	for _, ch := range d.workers {
		close(ch)
	}
	d.workers = make(map[string]chan sendJob)
	d.mu.Unlock()

	if !waitTimeout(&d.workerWG, d.grace) {
		d.logger.Warn("dispatcher drain grace expired, abandoning queued sends")
	}

	d.cancel()
	d.running = false
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(d):
		return false
	}
}

// LastError returns the most recent dispatch or delivery failure.
func (d *Dispatcher) LastError() error {
	d.errMu.Lock()
	defer d.errMu.Unlock()
	return d.lastErr
}

// Rejected returns how many inbound actions failed validation.
func (d *Dispatcher) Rejected() int64 {
	return d.rejected.Load()
}

func (d *Dispatcher) recordErr(err error) {
	d.errMu.Lock()
	d.lastErr = err
	d.errMu.Unlock()
}

func (d *Dispatcher) consume() {
	defer d.consumeWG.Done()
	for req := range d.inbound.C() {
		d.route(req)
	}
}

func (d *Dispatcher) route(req onebot.APIRequest) {
	switch req.Action {
	case onebot.ActionSendMsg:
		if req.Params.MessageType == "group" || (req.Params.MessageType == "" && req.Params.GroupID != "") {
			d.respond(onebot.FailedResponse(req.Echo, onebot.RetNotFound, "group message not supported"))
			return
		}
		d.handleSend(req)
	case onebot.ActionSendPrivateMsg:
		d.handleSend(req)
	case onebot.ActionGetLoginInfo:
		d.respond(onebot.OKResponse(req.Echo, onebot.LoginInfoData{
			UserID:   onebot.FlexID(d.conv.SelfID()),
			Nickname: "wxbridge",
		}))
	case onebot.ActionGetStatus:
		d.respond(onebot.OKResponse(req.Echo, onebot.Status{
			Online: d.responder.Online(),
			Good:   true,
		}))
	default:
		d.logger.Warn("unsupported action", "action", req.Action)
		d.respond(onebot.FailedResponse(req.Echo, onebot.RetNotFound, "unsupported action"))
	}
}

func (d *Dispatcher) handleSend(req onebot.APIRequest) {
	target := req.Params.UserID.String()
	if target == "" {
		d.reject(req, onebot.RetBadRequest, "user_id is required")
		return
	}
	if _, ok := d.sender.Resolve(target); !ok {
		d.reject(req, onebot.RetNotFound, "user not found")
		return
	}

	contact, segs, partial, err := d.conv.SendArgs(req, d.sender)
	if err != nil {
		d.reject(req, onebot.RetBadRequest, err.Error())
		return
	}
	if partial {
		d.logger.Warn("unsupported segments dropped from action", "contact", contact.Nickname)
	}

	d.enqueue(sendJob{req: req, contact: contact, segs: segs, partial: partial})
}

// reject answers a failed validation and records it for status queries.
func (d *Dispatcher) reject(req onebot.APIRequest, retcode int, msg string) {
	d.rejected.Add(1)
	d.recordErr(domain.ErrValidation)
	d.logger.Warn("action rejected", "action", req.Action, "retcode", retcode, "reason", msg)
	d.respond(onebot.FailedResponse(req.Echo, retcode, msg))
}

// enqueue hands the job to the target contact's worker, creating it on
// first use.
func (d *Dispatcher) enqueue(job sendJob) {
	d.mu.Lock()
	if d.draining {
		d.mu.Unlock()
		d.respond(onebot.FailedResponse(job.req.Echo, onebot.RetFailed, "shutting down"))
		return
	}
	ch, ok := d.workers[job.contact.Nickname]
	if !ok {
		ch = make(chan sendJob, workerQueueSize)
		d.workers[job.contact.Nickname] = ch
		d.workerWG.Add(1)
		go d.worker(ch)
	}
	d.mu.Unlock()

	select {
	case ch <- job:
	default:
		d.logger.Warn("send queue full for contact", "contact", job.contact.Nickname)
		d.recordErr(domain.ErrOverload)
		d.respond(onebot.FailedResponse(job.req.Echo, onebot.RetFailed, "send queue full"))
	}
}

// worker delivers jobs for one contact in arrival order. A job's send
// completes, success or failure, before the next send is attempted.
func (d *Dispatcher) worker(ch <-chan sendJob) {
	defer d.workerWG.Done()
	for job := range ch {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job sendJob) {
	segs := make([]domain.OutSegment, 0, len(job.segs))
	partial := job.partial
	var matErr error
	for _, seg := range job.segs {
		resolved, err := d.media.Materialize(d.ctx, seg)
		if err != nil {
			d.logger.Warn("media segment dropped", "contact", job.contact.Nickname, "err", err)
			partial = true
			matErr = err
			continue
		}
		segs = append(segs, resolved)
	}
	if len(segs) == 0 {
		// The action already passed validation; losing every segment at
		// materialization is a delivery failure, not a rejection.
		d.recordErr(matErr)
		d.logger.Error("no deliverable segments", "contact", job.contact.Nickname, "err", matErr)
		d.respond(onebot.FailedResponse(job.req.Echo, onebot.RetFailed, "no deliverable segments"))
		return
	}

	if err := d.sender.Send(d.ctx, job.contact, segs); err != nil {
		// Failed sends are reported, not retried.
		d.recordErr(err)
		d.logger.Error("send failed", "contact", job.contact.Nickname, "err", err)
		d.respond(onebot.FailedResponse(job.req.Echo, onebot.RetFailed, "send failed"))
		return
	}

	resp := onebot.OKResponse(job.req.Echo, onebot.MessageIDData{MessageID: d.conv.NextID()})
	if partial {
		resp.Message = "unsupported segments dropped"
	}
	d.respond(resp)
}

func (d *Dispatcher) respond(resp onebot.APIResponse) {
	if err := d.responder.SendResponse(resp); err != nil {
		d.logger.Debug("response not delivered", "retcode", resp.Retcode, "err", err)
	}
}
