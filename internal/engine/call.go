package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/pion/webrtc/v4"

	"call-platform/internal/billing"
	"call-platform/internal/media"
	"call-platform/internal/negotiation"
	"call-platform/internal/session"
	"call-platform/internal/signaling"
)

// Call is the per-session actor. Every inbound message, timer fire and API
// call runs as a closure on one event-loop goroutine, so the session state
// and its latches never need locking. Two Call instances (one per party)
// couple only through the signaling transport.
type Call struct {
	engine    *Engine
	sess      *session.CallSession
	transport Transport
	log       *slog.Logger
	clock     func() time.Time

	// Media side. Nil on the callee until Accept releases the gate.
	source   negotiation.MediaSource
	peer     Negotiator
	controls *media.Controls

	// Gate buffers for the callee before Accept.
	pendingOffer      *webrtc.SessionDescription
	pendingCandidates []webrtc.ICECandidateInit

	// Cancellable timer handles. Each callback re-checks the ended latch.
	establishTimer *timer
	reofferTimer   *timer
	graceTimer     *timer
	durationTimer  *timer
	billingTimer   *timer
	cycle          *billing.Cycle

	ops    chan func()
	events chan Event
	done   chan struct{}
}

func newCall(e *Engine, sess *session.CallSession, transport Transport) *Call {
	return &Call{
		engine:    e,
		sess:      sess,
		transport: transport,
		log:       e.log.With("session_key", sess.SessionKey, "role", sess.Role),
		clock:     e.clock,
		ops:       make(chan func(), 32),
		events:    make(chan Event, 32),
		done:      make(chan struct{}),
	}
}

// Events is the typed outbound stream. EventEnded is always the final
// element, after which the channel closes.
func (c *Call) Events() <-chan Event { return c.events }

func (c *Call) SessionKey() string { return c.sess.SessionKey }

// State snapshots the call state from the event loop.
func (c *Call) State() session.State {
	resp := make(chan session.State, 1)
	if !c.post(func() { resp <- c.sess.State }) {
		return session.StateEnded
	}
	select {
	case st := <-resp:
		return st
	case <-c.done:
		return session.StateEnded
	}
}

// Accept releases the incoming-call gate: acquires media, builds the peer
// connection and replays the buffered offer and candidates.
func (c *Call) Accept() {
	c.post(c.accept)
}

// Reject declines an incoming call without ever acquiring media.
func (c *Call) Reject() {
	c.post(func() {
		if c.sess.Ended.Fired() {
			return
		}
		err := c.transport.Send(signaling.Envelope{
			Type:       signaling.TypeCallRejected,
			SessionKey: c.sess.SessionKey,
			SenderID:   c.sess.SelfID,
			Reason:     "rejected",
		})
		if err != nil {
			c.log.Warn("sending rejection", "err", err)
		}
		c.end(session.EndReasonRejected, false)
	})
}

// Hangup ends the call from the local side.
func (c *Call) Hangup() {
	c.post(func() { c.end(session.EndReasonHangup, true) })
}

// ToggleAudio flips the microphone and reports the new state. Reports true
// (unmuted) when no media exists yet.
func (c *Call) ToggleAudio() bool {
	resp := make(chan bool, 1)
	ok := c.post(func() {
		if c.controls == nil {
			resp <- true
			return
		}
		resp <- c.controls.ToggleAudio()
	})
	if !ok {
		return true
	}
	select {
	case v := <-resp:
		return v
	case <-c.done:
		return true
	}
}

// ToggleVideo flips the camera and reports the new state.
func (c *Call) ToggleVideo() bool {
	resp := make(chan bool, 1)
	ok := c.post(func() {
		if c.controls == nil {
			resp <- false
			return
		}
		resp <- c.controls.ToggleVideo()
	})
	if !ok {
		return false
	}
	select {
	case v := <-resp:
		return v
	case <-c.done:
		return false
	}
}

// ToggleSpeaker flips the local audio route.
func (c *Call) ToggleSpeaker() bool {
	resp := make(chan bool, 1)
	ok := c.post(func() {
		if c.controls == nil {
			resp <- false
			return
		}
		resp <- c.controls.ToggleSpeaker()
	})
	if !ok {
		return false
	}
	select {
	case v := <-resp:
		return v
	case <-c.done:
		return false
	}
}

// SwitchCamera swaps to the other camera, if the source has one.
func (c *Call) SwitchCamera() error {
	resp := make(chan error, 1)
	ok := c.post(func() {
		if c.controls == nil {
			resp <- ErrNoMediaSource
			return
		}
		resp <- c.controls.SwitchCamera()
	})
	if !ok {
		return ErrNoMediaSource
	}
	select {
	case err := <-resp:
		return err
	case <-c.done:
		return ErrNoMediaSource
	}
}

// ---- event loop ----

func (c *Call) run() {
	inbound := c.transport.Inbound()
	fatal := c.transport.Fatal()
	for {
		select {
		case fn := <-c.ops:
			fn()
		case env, ok := <-inbound:
			if !ok {
				inbound = nil
				continue
			}
			c.handleEnvelope(env)
		case err, ok := <-fatal:
			if !ok {
				fatal = nil
				continue
			}
			c.emit(Event{Kind: EventWarning, State: c.sess.State, Err: err})
			c.end(session.EndReasonTransport, false)
		case <-c.done:
			// Ops accepted by post before done closed must still run: each is
			// ended-latch-guarded, and reply channels may be waited on.
			for {
				select {
				case fn := <-c.ops:
					fn()
				default:
					close(c.events)
					return
				}
			}
		}
	}
}

// post schedules fn on the event loop. Reports false once the call is done.
func (c *Call) post(fn func()) bool {
	select {
	case c.ops <- fn:
		return true
	case <-c.done:
		return false
	}
}

func (c *Call) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.log.Warn("dropping call event, subscriber too slow", "kind", ev.Kind)
	}
}

// emitFinal delivers the terminal event even to a lagging subscriber,
// evicting the oldest buffered event to make room. Runs on the loop, the
// only producer, so the retry terminates.
func (c *Call) emitFinal(ev Event) {
	for {
		select {
		case c.events <- ev:
			return
		default:
		}
		select {
		case <-c.events:
		default:
		}
	}
}

// ---- timers ----

type timer struct{ t *time.Timer }

// schedule arms a timer whose callback is posted back onto the event loop.
func (c *Call) schedule(d time.Duration, fn func()) *timer {
	return &timer{t: time.AfterFunc(d, func() { c.post(fn) })}
}

func stopTimer(t **timer) {
	if *t != nil {
		(*t).t.Stop()
		*t = nil
	}
}

func (c *Call) stopAllTimers() {
	stopTimer(&c.establishTimer)
	stopTimer(&c.reofferTimer)
	stopTimer(&c.graceTimer)
	stopTimer(&c.durationTimer)
	stopTimer(&c.billingTimer)
}

// ---- caller path ----

// startCaller runs on the loop right after PlaceCall returns the actor.
func (c *Call) startCaller() {
	if c.sess.Ended.Fired() {
		return
	}
	c.notifyBillingStart()
	c.sendOffer()
	c.establishTimer = c.schedule(c.engine.timings.EstablishTimeout, c.onEstablishTimeout)
	c.reofferTimer = c.schedule(c.engine.timings.ReofferInterval, c.onReofferTick)
}

// sendOffer creates the round's offer on first call and retransmits the
// stored description afterwards. The description is never regenerated.
func (c *Call) sendOffer() {
	if c.sess.OfferSent.TryAcquire() {
		offer, err := c.peer.CreateOffer()
		if err != nil {
			c.log.Error("creating offer", "err", err)
			c.emit(Event{Kind: EventWarning, State: c.sess.State, Err: err})
			return
		}
		c.sendDescription(signaling.TypeOffer, offer)
		return
	}
	if desc := c.peer.LocalDescription(); desc != nil {
		c.sendDescription(signaling.TypeOffer, *desc)
	}
}

func (c *Call) sendDescription(t signaling.Type, desc webrtc.SessionDescription) {
	err := c.transport.Send(signaling.Envelope{
		Type:        t,
		SessionKey:  c.sess.SessionKey,
		SenderID:    c.sess.SelfID,
		Description: &desc,
	})
	if err != nil {
		c.log.Warn("sending description", "type", t, "err", err)
	}
}

func (c *Call) onEstablishTimeout() {
	if c.sess.Ended.Fired() || c.sess.Answered.Fired() {
		return
	}
	c.log.Info("call unanswered, establishment timeout")
	err := c.transport.Send(signaling.Envelope{
		Type:       signaling.TypeCallTimeout,
		SessionKey: c.sess.SessionKey,
		SenderID:   c.sess.SelfID,
	})
	if err != nil {
		c.log.Warn("sending timeout notice", "err", err)
	}
	c.end(session.EndReasonTimeout, false)
}

func (c *Call) onReofferTick() {
	if c.sess.Ended.Fired() || c.sess.State == session.StateConnected {
		return
	}
	c.sendOffer()
	c.reofferTimer = c.schedule(c.engine.timings.ReofferInterval, c.onReofferTick)
}

// ---- callee path ----

func (c *Call) accept() {
	if c.sess.Ended.Fired() || !c.sess.Accepted.TryAcquire() {
		return
	}
	c.notifyBillingStart()

	source, err := c.engine.newSource(c.sess.MediaKind)
	if err != nil {
		c.log.Error("acquiring media on accept", "err", err)
		c.emit(Event{Kind: EventWarning, State: c.sess.State, Err: err})
		c.end(session.EndReasonMediaFailed, true)
		return
	}
	peer, err := c.engine.newPeer(source, c.peerCallbacks())
	if err != nil {
		source.Close()
		c.log.Error("building peer connection on accept", "err", err)
		c.emit(Event{Kind: EventWarning, State: c.sess.State, Err: err})
		c.end(session.EndReasonMediaFailed, true)
		return
	}
	c.attachMedia(source, peer)

	if c.pendingOffer != nil {
		offer := *c.pendingOffer
		c.pendingOffer = nil
		c.applyOffer(offer)
	} else {
		// Connected after the offer was relayed; ask for a resend.
		err := c.transport.Send(signaling.Envelope{
			Type:       signaling.TypeResendOfferRequest,
			SessionKey: c.sess.SessionKey,
			SenderID:   c.sess.SelfID,
		})
		if err != nil {
			c.log.Warn("requesting offer resend", "err", err)
		}
	}
	for _, cand := range c.pendingCandidates {
		if err := c.peer.AddRemoteCandidate(cand); err != nil {
			c.log.Warn("applying buffered candidate", "err", err)
		}
	}
	c.pendingCandidates = nil
}

func (c *Call) attachMedia(source negotiation.MediaSource, peer Negotiator) {
	c.source = source
	c.peer = peer
	c.controls = media.NewControls(source, peer, c.transport.Send,
		c.sess.SessionKey, c.sess.SelfID, c.sess.MediaKind == session.MediaVideo, c.log)
}

// peerCallbacks re-posts pion's asynchronous events onto the event loop.
func (c *Call) peerCallbacks() negotiation.Callbacks {
	return negotiation.Callbacks{
		OnLocalCandidate: func(cand webrtc.ICECandidateInit) {
			c.post(func() { c.sendCandidate(cand) })
		},
		OnRemoteTrack: func(*webrtc.TrackRemote) {
			c.post(c.connectTrigger)
		},
		OnConnectionState: func(state webrtc.PeerConnectionState) {
			c.post(func() { c.onConnectionState(state) })
		},
	}
}

func (c *Call) sendCandidate(cand webrtc.ICECandidateInit) {
	if c.sess.Ended.Fired() {
		return
	}
	err := c.transport.Send(signaling.Envelope{
		Type:       signaling.TypeICECandidate,
		SessionKey: c.sess.SessionKey,
		SenderID:   c.sess.SelfID,
		Candidate:  &cand,
	})
	if err != nil {
		c.log.Warn("sending local candidate", "err", err)
	}
}

// ---- inbound signaling ----

func (c *Call) handleEnvelope(env signaling.Envelope) {
	if c.sess.Ended.Fired() {
		return
	}
	if env.SenderID == c.sess.SelfID {
		return // relay echoed our own message
	}

	switch env.Type {
	case signaling.TypeOffer:
		c.onOffer(env)
	case signaling.TypeAnswer:
		c.onAnswer(env)
	case signaling.TypeICECandidate:
		c.onCandidate(env)
	case signaling.TypeCallAnswered:
		c.markAnswered()
	case signaling.TypeCallRejected:
		c.log.Info("call rejected by peer", "reason", env.Reason)
		c.end(session.EndReasonRejected, false)
	case signaling.TypeCallTimeout:
		c.end(session.EndReasonTimeout, false)
	case signaling.TypeCallEnded:
		c.end(session.EndReasonRemoteEnded, false)
	case signaling.TypeResendOfferRequest:
		c.sendOffer()
	case signaling.TypeMediaState:
		c.emit(Event{
			Kind:         EventRemoteMediaState,
			State:        c.sess.State,
			AudioEnabled: env.AudioEnabled,
			VideoEnabled: env.VideoEnabled,
		})
	default:
		c.log.Warn("unknown signaling message", "type", env.Type)
	}
}

func (c *Call) onOffer(env signaling.Envelope) {
	if env.Description == nil {
		c.log.Warn("offer without description")
		return
	}
	// Gate: a callee that has not accepted buffers the offer. Last one wins,
	// covering the caller's re-offer retransmits.
	if c.sess.Role == session.RoleCallee && !c.sess.Accepted.Fired() {
		c.pendingOffer = env.Description
		return
	}
	c.applyOffer(*env.Description)
}

// applyOffer runs the apply/answer sequence. Glare (a caller receiving an
// offer) lands here too: the negotiator resets its transport and retries, so
// the last inbound offer wins the round.
func (c *Call) applyOffer(offer webrtc.SessionDescription) {
	answer, err := c.peer.AcceptOffer(offer)
	if err != nil {
		c.log.Error("could not establish call from offer", "err", err)
		c.emit(Event{Kind: EventWarning, State: c.sess.State, Err: err})
		return
	}
	if c.sess.AnswerSent.TryAcquire() {
		c.sendDescription(signaling.TypeAnswer, answer)
		err := c.transport.Send(signaling.Envelope{
			Type:       signaling.TypeCallAnswered,
			SessionKey: c.sess.SessionKey,
			SenderID:   c.sess.SelfID,
		})
		if err != nil {
			c.log.Warn("sending answered notice", "err", err)
		}
	}
	c.markAnswered()
	// Optimistic connect: the handshake has logically completed even if the
	// transport's connected signal is late or missing.
	c.connectTrigger()
}

func (c *Call) onAnswer(env signaling.Envelope) {
	if env.Description == nil {
		c.log.Warn("answer without description")
		return
	}
	if !c.sess.OfferSent.Fired() {
		c.log.Warn("answer before any offer was sent, dropping")
		return
	}
	if err := c.peer.AcceptAnswer(*env.Description); err != nil {
		c.log.Error("applying remote answer", "err", err)
		c.emit(Event{Kind: EventWarning, State: c.sess.State, Err: err})
		return
	}
	// Only an applied answer ends the re-offer round; the bare answered
	// notice never does, because the answer itself may have been lost.
	stopTimer(&c.reofferTimer)
	c.markAnswered()
	// Post-answer optimism works on the caller side too: the handshake has
	// logically completed once the remote answer is in place.
	c.connectTrigger()
}

func (c *Call) onCandidate(env signaling.Envelope) {
	if env.Candidate == nil {
		return
	}
	if c.peer == nil {
		// Gate not released; hold with the buffered offer.
		c.pendingCandidates = append(c.pendingCandidates, *env.Candidate)
		return
	}
	if err := c.peer.AddRemoteCandidate(*env.Candidate); err != nil {
		c.log.Warn("applying remote candidate", "err", err)
	}
}

// markAnswered fires the answered side effects exactly once: the
// establishment timeout stops and the backend learns from the callee side.
// The re-offer loop keeps running; it stops only when the answer description
// is applied or the call connects, so a lost answer envelope is still
// recoverable through retransmission.
func (c *Call) markAnswered() {
	if !c.sess.Answered.TryAcquire() {
		return
	}
	stopTimer(&c.establishTimer)
	if c.sess.Role == session.RoleCallee {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := c.engine.bill.MarkAnswered(ctx, c.sess.SessionKey); err != nil {
				c.log.Warn("billing answer notification", "err", err)
			}
		}()
	}
	c.emit(Event{Kind: EventAnswered, State: c.sess.State})
}

// ---- connectivity ----

func (c *Call) onConnectionState(state webrtc.PeerConnectionState) {
	if c.sess.Ended.Fired() {
		return
	}
	switch state {
	case webrtc.PeerConnectionStateConnected:
		if c.sess.State == session.StateDisconnected {
			// Recovered inside the grace window: cancel the drop, nothing else.
			stopTimer(&c.graceTimer)
			if err := c.sess.Transition(session.StateConnected); err == nil {
				c.sess.ResumeDuration(c.clock())
				c.log.Info("transport recovered within grace window")
				c.emit(Event{Kind: EventStateChanged, State: c.sess.State})
			}
		}
		c.connectTrigger()
	case webrtc.PeerConnectionStateDisconnected:
		c.onTransportDown(session.StateDisconnected)
	case webrtc.PeerConnectionStateFailed:
		c.onTransportDown(session.StateFailed)
	}
}

func (c *Call) onTransportDown(to session.State) {
	// Transient disconnected/failed churn before the call ever connected is
	// normal setup noise; the establishment timeout covers a real failure.
	if c.sess.State != session.StateConnected {
		return
	}
	if err := c.sess.Transition(to); err != nil {
		return
	}
	c.sess.SuspendDuration(c.clock())
	c.log.Warn("transport lost on active call, starting grace window", "state", to)
	c.emit(Event{Kind: EventStateChanged, State: c.sess.State})
	if c.graceTimer == nil {
		c.graceTimer = c.schedule(c.engine.timings.GraceWindow, c.onGraceExpired)
	}
}

func (c *Call) onGraceExpired() {
	if c.sess.Ended.Fired() {
		return
	}
	if c.sess.State != session.StateDisconnected && c.sess.State != session.StateFailed {
		return
	}
	c.log.Info("grace window expired, call dropped")
	c.end(session.EndReasonDropped, true)
}

// connectTrigger is the single idempotent entry for the three connect
// signals: transport state, post-answer optimism and remote-track arrival.
func (c *Call) connectTrigger() {
	if c.sess.Ended.Fired() {
		return
	}
	if !c.sess.MarkConnected(c.clock()) {
		return
	}
	if err := c.sess.Transition(session.StateConnected); err != nil {
		c.log.Error("connect transition refused", "state", c.sess.State, "err", err)
		return
	}
	stopTimer(&c.establishTimer)
	stopTimer(&c.reofferTimer)
	c.durationTimer = c.schedule(c.engine.timings.DurationTick, c.onDurationTick)
	c.cycle = billing.NewCycle(*c.sess.ConnectedAt, c.engine.timings.BillingInterval, c.engine.timings.MaxBillingCycles)
	c.billingTimer = c.schedule(c.engine.timings.BillingInterval, c.onBillingTick)
	c.log.Info("call connected")
	c.emit(Event{Kind: EventConnected, State: c.sess.State})
}

func (c *Call) onDurationTick() {
	if c.sess.Ended.Fired() {
		return
	}
	c.emit(Event{
		Kind:            EventDurationTick,
		State:           c.sess.State,
		DurationSeconds: int(c.sess.Duration(c.clock()) / time.Second),
	})
	c.durationTimer = c.schedule(c.engine.timings.DurationTick, c.onDurationTick)
}

// ---- billing ----

// notifyBillingStart reports the session once; an "already active" reply
// triggers at most one re-notify so the peer's push path is not starved.
func (c *Call) notifyBillingStart() {
	if !c.sess.StartNotified.TryAcquire() {
		return
	}
	c.billingStart(false)
}

func (c *Call) billingStart(renotify bool) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		res, err := c.engine.bill.Start(ctx, string(c.sess.MediaKind), c.sess.SessionKey, c.sess.PeerID)
		if err != nil {
			c.log.Warn("billing start notification", "err", err)
			return
		}
		if res.AlreadyActive && !renotify {
			c.post(func() {
				if c.sess.Ended.Fired() || !c.sess.RenotifySent.TryAcquire() {
					return
				}
				c.billingStart(true)
			})
		}
	}()
}

func (c *Call) onBillingTick() {
	if c.sess.Ended.Fired() || c.sess.State == session.StateEnded {
		return
	}
	capReached := c.cycle.Advance(c.clock())
	elapsed := c.cycle.ElapsedSeconds()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.engine.bill.Deduct(ctx, c.sess.SessionKey, string(c.sess.MediaKind), elapsed); err != nil {
			c.log.Warn("billing deduction", "cycle", c.cycle.CyclesCompleted, "err", err)
		}
	}()
	if capReached {
		c.log.Warn("billing cycle cap reached, force-ending call", "cycles", c.cycle.CyclesCompleted)
		c.end(session.EndReasonBillingCap, true)
		return
	}
	c.billingTimer = c.schedule(c.engine.timings.BillingInterval, c.onBillingTick)
}

// ---- teardown ----

// end is the only way out. It is idempotent: the ended latch guards every
// side effect, so any combination of hangup, timeout, grace expiry and
// remote lifecycle messages produces exactly one teardown.
func (c *Call) end(reason session.EndReason, notifyPeer bool) {
	if !c.sess.Ended.TryAcquire() {
		return
	}
	c.stopAllTimers()

	now := c.clock()
	durSeconds := int(c.sess.Duration(now) / time.Second)
	wasConnected := c.sess.WasConnected()
	if err := c.sess.Transition(session.StateEnded); err != nil {
		c.log.Error("transition to ended", "err", err)
	}

	if notifyPeer {
		err := c.transport.Send(signaling.Envelope{
			Type:            signaling.TypeCallEnded,
			SessionKey:      c.sess.SessionKey,
			SenderID:        c.sess.SelfID,
			DurationSeconds: durSeconds,
			WasConnected:    wasConnected,
			MediaKind:       string(c.sess.MediaKind),
			Reason:          string(reason),
		})
		if err != nil {
			c.log.Warn("sending end notice", "err", err)
		}
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.engine.bill.End(ctx, c.sess.SessionKey, string(c.sess.MediaKind), durSeconds, wasConnected); err != nil {
			c.log.Warn("billing end report", "err", err)
		}
	}()

	if c.peer != nil {
		c.peer.Close()
	}
	if c.source != nil {
		c.source.Close()
	}
	c.transport.Close()
	c.engine.registry.Destroy(c.sess.SessionKey)

	c.log.Info("call ended", "reason", reason, "duration_s", durSeconds, "was_connected", wasConnected)
	c.emitFinal(Event{
		Kind:            EventEnded,
		State:           session.StateEnded,
		Reason:          reason,
		DurationSeconds: durSeconds,
		WasConnected:    wasConnected,
	})
	close(c.done)
}
