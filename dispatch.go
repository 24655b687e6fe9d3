package agentmesh

import (
	"context"
	"log/slog"
	"sync"

	"github.com/hatsunemiku3939/agentmesh/fault"
	"github.com/hatsunemiku3939/agentmesh/journal"
	"github.com/hatsunemiku3939/agentmesh/thread"
)

// delivery is one security-checked envelope queued for dispatch. All
// validation and route resolution happen before enqueue; the mailbox
// worker only journals, invokes, and processes the response.
type delivery struct {
	env     Envelope
	handler string
	// notify marks engine-synthesized reserved-tag envelopes. Their
	// responses are not acknowledged or error-notified, which keeps
	// notification chains finite.
	notify bool
}

// mailbox is one thread's FIFO dispatch queue.
type mailbox struct {
	mu     sync.Mutex
	ch     chan delivery
	closed bool
}

func (mb *mailbox) push(d delivery) error {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if mb.closed {
		return ErrPipelineClosed
	}
	select {
	case mb.ch <- d:
		return nil
	default:
		return ErrMailboxFull
	}
}

func (mb *mailbox) close() {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if !mb.closed {
		mb.closed = true
		close(mb.ch)
	}
}

// enqueue appends a delivery to the owning thread's mailbox, creating the
// mailbox and its worker on first use. Submission order is preserved.
func (p *Pipeline) enqueue(_ context.Context, d delivery) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPipelineClosed
	}
	mb, ok := p.mailboxes[d.env.ThreadID]
	if !ok {
		mb = &mailbox{ch: make(chan delivery, p.mailboxDepth)}
		p.mailboxes[d.env.ThreadID] = mb
		p.wg.Add(1)
		go p.run(mb)
	}
	p.mu.Unlock()
	return mb.push(d)
}

func (p *Pipeline) run(mb *mailbox) {
	defer p.wg.Done()
	for d := range mb.ch {
		p.process(d)
	}
}

// process executes stages 4–7 for one delivery. No kernel lock is held
// across the handler invocation: durable reads and writes bracket it.
func (p *Pipeline) process(d delivery) {
	if !p.threads.Active(d.env.ThreadID) {
		// Thread terminated while the delivery was queued; in-flight work
		// for it is discarded.
		p.log.Debug("delivery discarded, thread terminal",
			slog.String("thread", d.env.ThreadID), slog.String("tag", d.env.PayloadTag))
		return
	}

	handler, reg, ok := p.registry.ByName(d.handler)
	if !ok {
		p.log.Error("delivery to unregistered handler", slog.String("handler", d.handler))
		return
	}

	p.journalEntry(d.env, journal.Inbound, d.handler, d.env.PayloadTag, d.env.Payload, nil, "")

	hctx := HandlerContext{
		ThreadID:   d.env.ThreadID,
		Sender:     d.env.Sender,
		SelfName:   d.handler,
		Profile:    d.env.Profile,
		PayloadTag: d.env.PayloadTag,
		submit:     p.Submit,
		spawn: func(requestedProfile string) (string, error) {
			return p.threads.Spawn(d.env.ThreadID, requestedProfile)
		},
		complete: func(result []byte) error {
			return p.threads.Return(d.env.ThreadID, result)
		},
		fail: func(reason string) error {
			return p.threads.Fail(d.env.ThreadID, reason)
		},
	}

	// Stage 4: dispatch. The handler may block arbitrarily long; the
	// deadline comes from the thread's profile.
	ctx := context.Background()
	cancel := context.CancelFunc(func() {})
	if timeout, err := p.profiles.Timeout(d.env.Profile); err == nil && timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	resCh := make(chan Response, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				p.log.Error("handler panic",
					slog.String("handler", d.handler), slog.Any("panic", rec))
				resCh <- Response{Kind: ResponseError, ErrKind: "handler_panic", ErrMsg: "handler panicked"}
			}
		}()
		resCh <- handler.Handle(ctx, d.env.Payload, hctx)
	}()

	select {
	case res := <-resCh:
		p.classify(d, reg, res)
	case <-ctx.Done():
		// Stage 5 for a deadline expiry: synthesize a Timeout error and
		// mark the handler's eventual output rejectable.
		ferr := fault.New(fault.KindTimeout, "handler %q exceeded its deadline", d.handler)
		p.notifyError(d, ferr, d.handler)
		go func() {
			<-resCh
			p.journalEntry(d.env, journal.Outbound, d.handler, d.env.PayloadTag, nil, nil,
				"late output discarded after timeout")
		}()
	}
}

// classify is stage 5: response classification.
func (p *Pipeline) classify(d delivery, reg Registration, res Response) {
	switch res.Kind {
	case ResponseSilence:
		if d.notify {
			return
		}
		// Exactly one synthesized Ack unblocks any awaiter.
		p.deliverSynthesized(d, AckTag, mustJSON(AckPayload{For: d.handler, ThreadID: d.env.ThreadID}), d.env.Sender)
	case ResponseError:
		if d.notify {
			p.log.Warn("notification handler errored",
				slog.String("handler", d.handler), slog.String("kind", string(res.ErrKind)))
			return
		}
		p.deliverSynthesized(d, ErrorTag, mustJSON(ErrorPayload{
			Kind:    string(res.ErrKind),
			Message: res.ErrMsg,
			Handler: d.handler,
		}), d.env.Sender)
	case ResponseReply, ResponseSend, ResponseBroadcast:
		for _, out := range res.Outputs {
			target := out.Target
			if res.Kind == ResponseReply || target == "" {
				target = d.env.Sender
			}
			p.emit(d, reg, out, target)
		}
	default:
		p.log.Error("unknown response kind", slog.Int("kind", int(res.Kind)), slog.String("handler", d.handler))
	}
}

// emit runs stages 6 and 7 for one handler output: response schema
// validation against the producing handler's declaration, then re-entry
// as a fresh untrusted envelope.
func (p *Pipeline) emit(d delivery, producer Registration, out Output, target string) {
	if th, ok := p.threads.Get(d.env.ThreadID); !ok || th.State == thread.Failed {
		// Cancelled thread: in-flight responses are discarded, not
		// journaled as successes. A Completed thread still emits — its
		// Return result is this response.
		return
	}
	if len(out.Bytes) > p.maxPayload {
		ferr := fault.New(fault.KindPayloadTooLarge,
			"output of %q is %d bytes, cap %d", producer.Name, len(out.Bytes), p.maxPayload)
		p.rejectOutput(d, producer, out, ferr)
		return
	}

	// Stage 6: zero-trust re-entry enforcement. The bytes are validated
	// against what the producer declared for this output tag.
	ref, declared := p.registry.responseSchemaFor(producer, out.Tag)
	if !declared {
		ferr := fault.New(fault.KindResponseSchemaViolation,
			"handler %q produced undeclared output tag %q", producer.Name, out.Tag)
		p.rejectOutput(d, producer, out, ferr)
		return
	}
	if ref != "" {
		if err := p.schemas.Validate(ref, out.Bytes); err != nil {
			ferr := schemaFault(fault.KindResponseSchemaViolation, err)
			p.rejectOutput(d, producer, out, ferr)
			return
		}
	}

	p.journalEntry(d.env, journal.Outbound, producer.Name, out.Tag, out.Bytes, []string{target}, "")

	// Stage 7: re-entry. Sender becomes the producing handler; thread and
	// profile are inherited, never widened.
	env := Envelope{
		Namespace:  d.env.Namespace,
		PayloadTag: out.Tag,
		Payload:    out.Bytes,
		Sender:     producer.Name,
		ThreadID:   d.env.ThreadID,
		Profile:    d.env.Profile,
	}
	p.reenter(d, env, target)
}

// rejectOutput journals a failed output with the producing handler
// recorded and synthesizes an error to the original sender.
func (p *Pipeline) rejectOutput(d delivery, producer Registration, out Output, ferr *fault.Error) {
	p.journalEntry(d.env, journal.Outbound, producer.Name, out.Tag, out.Bytes, nil,
		string(ferr.Kind)+": "+ferr.Message)
	p.log.Warn("output rejected",
		slog.String("producer", producer.Name),
		slog.String("tag", out.Tag),
		slog.String("kind", string(ferr.Kind)))
	if !d.notify {
		p.notifyError(d, ferr, producer.Name)
	}
}

// reenter runs stages 1–3 for a validated output envelope and queues it.
// Addressed delivery to a registered handler still requires the profile
// to route the tag to exactly that handler; anything else is a structural
// denial reported to the producer. Unregistered targets are external and
// delivered on their subscription.
func (p *Pipeline) reenter(d delivery, env Envelope, target string) {
	if _, _, registered := p.registry.ByName(target); !registered {
		p.deliverExternal(env, target)
		return
	}
	if ferr := env.validate(); ferr != nil {
		p.notifyError(d, ferr, env.Sender)
		return
	}
	env2, ferr := p.validateRequest(env, false)
	if ferr != nil {
		p.journalViolation(env, env.Sender, ferr)
		p.notifyError(d, ferr, env.Sender)
		return
	}
	resolved, routed, err := p.profiles.Resolve(env2.Profile, env2.PayloadTag)
	if err != nil {
		if fe, ok := fault.AsError(err); ok {
			p.notifyError(d, fe, env.Sender)
		}
		return
	}
	if !routed || resolved != target {
		// The denial goes to the producer itself, naming the handler it
		// addressed so a pending call to that handler can be settled.
		ferr := p.denyRoute(env2)
		if !d.notify {
			p.deliverSynthesized(d, ErrorTag, mustJSON(ErrorPayload{
				Kind:    string(ferr.Kind),
				Message: ferr.Message,
				Path:    ferr.Path,
				Handler: target,
			}), env.Sender)
		}
		return
	}
	if err := p.enqueue(context.Background(), delivery{env: env2, handler: target}); err != nil {
		p.log.Error("re-entry enqueue failed", slog.Any("error", err), slog.String("thread", env2.ThreadID))
	}
}

// deliverSynthesized routes an engine-built reserved-tag envelope to a
// target: registered handlers get it on their thread mailbox, external
// senders on their subscription channel.
func (p *Pipeline) deliverSynthesized(d delivery, tag string, payload []byte, target string) {
	env := Envelope{
		Namespace:  d.env.Namespace,
		PayloadTag: tag,
		Payload:    payload,
		Sender:     d.handler,
		ThreadID:   d.env.ThreadID,
		Profile:    d.env.Profile,
	}
	p.journalEntry(env, journal.Outbound, d.handler, tag, payload, []string{target}, "")
	if _, _, registered := p.registry.ByName(target); registered {
		if err := p.enqueue(context.Background(), delivery{env: env, handler: target, notify: true}); err != nil {
			p.log.Error("notification enqueue failed", slog.Any("error", err))
		}
		return
	}
	p.deliverExternal(env, target)
}

// notifyError synthesizes an ErrorTag envelope to the delivery's original
// sender.
func (p *Pipeline) notifyError(d delivery, ferr *fault.Error, producingHandler string) {
	if d.notify {
		return
	}
	p.deliverSynthesized(d, ErrorTag, mustJSON(ErrorPayload{
		Kind:    string(ferr.Kind),
		Message: ferr.Message,
		Path:    ferr.Path,
		Handler: producingHandler,
	}), d.env.Sender)
}

// deliverExternal hands an envelope to an external subscriber.
func (p *Pipeline) deliverExternal(env Envelope, target string) {
	p.mu.Lock()
	ch, ok := p.subs[target]
	p.mu.Unlock()
	if !ok {
		p.log.Debug("no subscriber for external target",
			slog.String("target", target), slog.String("tag", env.PayloadTag))
		return
	}
	select {
	case ch <- env:
	default:
		p.log.Warn("subscriber channel full, envelope dropped",
			slog.String("target", target), slog.String("tag", env.PayloadTag))
	}
}

// journalEntry appends a journal record for a dispatch-path event.
// Failures are logged; the dispatch path does not unwind on journal
// errors once the envelope was accepted.
func (p *Pipeline) journalEntry(env Envelope, dir journal.Direction, handlerName, tag string, payload []byte, targets []string, annotation string) {
	retention, err := p.profiles.Retention(env.Profile)
	if err != nil {
		retention = journal.RetentionPolicy{Mode: journal.RetainForever}
	}
	_, err = p.jnl.Append(journal.Entry{
		ThreadID:    env.ThreadID,
		Direction:   dir,
		Handler:     handlerName,
		PayloadTag:  tag,
		PayloadHash: journal.Hash(payload),
		Retention:   retention,
		Targets:     targets,
		Annotation:  annotation,
	})
	if err != nil {
		p.log.Error("journal append failed", slog.Any("error", err))
	}
}
