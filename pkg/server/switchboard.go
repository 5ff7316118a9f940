package server

import (
	"fmt"
	"sync"
	"time"

	"github.com/NicolasHaas/gocall/pkg/model"
	pb "github.com/NicolasHaas/gocall/pkg/protocol/pb"
)

// CommandError is a synchronous command rejection, delivered to the issuer
// as a pb.ErrorResponse.
type CommandError struct {
	Code    pb.ErrorCode
	Message string
}

func (e *CommandError) Error() string { return e.Message }

func cmdErr(code pb.ErrorCode, format string, args ...any) *CommandError {
	return &CommandError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Notification is one control message addressed to one session. The
// switchboard computes notifications under its lock; the control plane
// delivers them after the lock is released.
type Notification struct {
	SessionID uint32
	Msg       *pb.ControlMessage
}

// Effects is everything a state transition asks the control plane to do:
// deliver messages, persist call records, close connections.
type Effects struct {
	Notes   []Notification
	Records []model.CallRecord
	Close   []uint32 // sessions to terminate (replaced registrations)
}

func (e *Effects) notify(sessionID uint32, msg *pb.ControlMessage) {
	e.Notes = append(e.Notes, Notification{SessionID: sessionID, Msg: msg})
}

// Switchboard is the single authoritative mediator for all signaling state:
// the directory, the wait queues, and every live call attempt. One lock
// serializes every mutation so "release target -> serve next queued caller ->
// mark target busy" is one atomic step; nobody ever observes an available
// target with a non-empty queue.
type Switchboard struct {
	mu       sync.RWMutex
	dir      *Directory
	queues   *WaitQueues
	calls    map[uint32]*model.CallRequest // live attempts by call ID
	userCall map[string]uint32             // username -> live attempt they are party to
	handoffs map[uint32]*handoffState      // pending endpoint exchanges by call ID

	handoffWindow time.Duration
	nextCallID    uint32
	now           func() time.Time
	metrics       *Metrics

	// deliver handles effects produced outside a command (handoff timeouts).
	// Called without the lock held.
	deliver func(Effects)
}

// NewSwitchboard creates a switchboard with an empty directory.
func NewSwitchboard(metrics *Metrics, handoffWindow time.Duration) *Switchboard {
	if handoffWindow <= 0 {
		handoffWindow = DefaultHandoffWindow
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	return &Switchboard{
		dir:           NewDirectory(),
		queues:        NewWaitQueues(),
		calls:         make(map[uint32]*model.CallRequest),
		userCall:      make(map[string]uint32),
		handoffs:      make(map[uint32]*handoffState),
		handoffWindow: handoffWindow,
		now:           time.Now,
		metrics:       metrics,
		deliver:       func(Effects) {},
	}
}

// SetDeliver installs the sink for asynchronously produced effects.
func (s *Switchboard) SetDeliver(fn func(Effects)) {
	if fn != nil {
		s.deliver = fn
	}
}

// Register binds a username to a session. If the name is already bound to a
// live connection, the old connection is told DuplicateActiveSession and
// closed, and its pending state is resolved as a disconnect: the newer
// registration wins deterministically.
func (s *Switchboard) Register(sessionID uint32, username string, udpPort int, remoteIP string) (Effects, *CommandError) {
	var eff Effects
	if err := model.ValidateUsername(username); err != nil {
		return eff, cmdErr(pb.CodeBadRequest, "invalid username: must be 1-32 alphanumeric/underscore/hyphen characters")
	}
	if udpPort < 0 || udpPort > 65535 {
		return eff, cmdErr(pb.CodeBadRequest, "invalid udp port %d", udpPort)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if old := s.dir.Lookup(username); old != nil {
		eff.notify(old.SessionID, &pb.ControlMessage{ErrorResponse: &pb.ErrorResponse{
			Code:    pb.CodeDuplicateActiveSession,
			Message: "username registered from a newer connection",
		}})
		eff.Close = append(eff.Close, old.SessionID)
		s.dropBindingLocked(old, &eff)
		s.metrics.SessionsReplaced.Add(1)
	}

	s.dir.Register(username, sessionID, udpPort, remoteIP)
	eff.notify(sessionID, &pb.ControlMessage{RegisterResponse: &pb.RegisterResponse{Username: username}})
	s.metrics.Registrations.Add(1)
	return eff, nil
}

// Call routes a call attempt: ring an available target, queue on a busy one.
func (s *Switchboard) Call(sessionID uint32, target string) (Effects, *CommandError) {
	var eff Effects

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.dir.LookupSession(sessionID)
	if b == nil {
		return eff, cmdErr(pb.CodeNotRegistered, "register first")
	}
	caller := b.Username

	if target == caller {
		return eff, cmdErr(pb.CodeSelfCall, "cannot call yourself")
	}

	// One concurrent attempt per user, in either role. The only tolerated
	// repeat is re-dialing the same busy target, which re-acks the caller's
	// existing queue position.
	if id, ok := s.userCall[caller]; ok {
		c := s.calls[id]
		if c.State == model.StateQueued && c.Caller == caller && c.Target == target {
			pos, _ := s.queues.Enqueue(target, caller, id, s.now())
			eff.notify(sessionID, &pb.ControlMessage{CallResponse: &pb.CallResponse{State: "queued", Position: pos}})
			return eff, nil
		}
		return eff, cmdErr(pb.CodeCallerBusy, "you already have a pending call attempt")
	}

	tb := s.dir.Lookup(target)
	if tb == nil {
		return eff, cmdErr(pb.CodeNoSuchUser, "no such user: %s", target)
	}

	// A target with a pending attempt of their own (queued as caller, hence
	// still AVAILABLE) cannot be rung: one attempt per user, in either role.
	if _, ok := s.userCall[target]; ok && tb.Status != model.StatusBusy {
		return eff, cmdErr(pb.CodeCallerBusy, "%s has a pending call attempt", target)
	}

	c := s.newCallLocked(caller, target)
	s.metrics.CallsPlaced.Add(1)

	if tb.Status == model.StatusBusy {
		c.State = model.StateQueued
		c.QueuedAt = s.now()
		s.userCall[caller] = c.ID
		pos, _ := s.queues.Enqueue(target, caller, c.ID, c.QueuedAt)
		eff.notify(sessionID, &pb.ControlMessage{CallResponse: &pb.CallResponse{State: "queued", Position: pos}})
		s.metrics.CallsQueued.Add(1)
		return eff, nil
	}

	s.ringLocked(c, tb, &eff)
	eff.notify(sessionID, &pb.ControlMessage{CallResponse: &pb.CallResponse{State: "ringing"}})
	return eff, nil
}

// Accept transitions the callee's ringing call to ACCEPTED and starts the
// endpoint handoff.
func (s *Switchboard) Accept(sessionID uint32) (Effects, *CommandError) {
	var eff Effects

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.dir.LookupSession(sessionID)
	if b == nil {
		return eff, cmdErr(pb.CodeNotRegistered, "register first")
	}
	c := s.ringingCalleeLocked(b.Username)
	if c == nil {
		return eff, cmdErr(pb.CodeInvalidTransition, "no ringing call to accept")
	}

	c.State = model.StateAccepted
	eff.notify(sessionID, &pb.ControlMessage{AcceptResponse: &pb.AcceptResponse{}})
	s.beginHandoffLocked(c, &eff)
	s.metrics.CallsAccepted.Add(1)
	return eff, nil
}

// Reject resolves the callee's ringing call as REJECTED. The freed target's
// queue is served in the same step, before the caller's rejection notice is
// even queued for delivery, so the rejected caller and the next queued
// caller can never be observed out of order.
func (s *Switchboard) Reject(sessionID uint32) (Effects, *CommandError) {
	var eff Effects

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.dir.LookupSession(sessionID)
	if b == nil {
		return eff, cmdErr(pb.CodeNotRegistered, "register first")
	}
	c := s.ringingCalleeLocked(b.Username)
	if c == nil {
		return eff, cmdErr(pb.CodeInvalidTransition, "no ringing call to reject")
	}

	eff.notify(sessionID, &pb.ControlMessage{RejectResponse: &pb.RejectResponse{}})
	s.resolveLocked(c, model.StateRejected, b.Username, &eff)
	s.metrics.CallsRejected.Add(1)
	return eff, nil
}

// Hangup tears down the user's current attempt, whatever its state.
// Hanging up with no attempt is a no-op acknowledgment, so repeated hangups
// are idempotent and never produce a duplicate resolution.
func (s *Switchboard) Hangup(sessionID uint32) (Effects, *CommandError) {
	var eff Effects

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.dir.LookupSession(sessionID)
	if b == nil {
		return eff, cmdErr(pb.CodeNotRegistered, "register first")
	}

	eff.notify(sessionID, &pb.ControlMessage{HangupResponse: &pb.HangupResponse{}})

	id, ok := s.userCall[b.Username]
	if !ok {
		return eff, nil
	}
	c := s.calls[id]

	switch {
	case c.State == model.StateActive:
		s.resolveLocked(c, model.StateEnded, b.Username, &eff)
		s.metrics.CallsEnded.Add(1)

	case c.State == model.StateQueued:
		// Target never learned about this attempt; remove it silently.
		s.queues.Remove(c.Target, c.Caller)
		s.finishLocked(c, model.StateCancelled, &eff)
		s.queueShiftedLocked(c.Target, &eff)
		s.metrics.CallsCancelled.Add(1)

	case c.Caller == b.Username: // ringing or mid-handoff, caller gives up
		s.resolveLocked(c, model.StateCancelled, b.Username, &eff)
		s.metrics.CallsCancelled.Add(1)

	default: // ringing or mid-handoff, callee bows out: same as reject
		s.resolveLocked(c, model.StateRejected, b.Username, &eff)
		s.metrics.CallsRejected.Add(1)
	}
	return eff, nil
}

// OfferEndpoint records one party's reachable audio endpoint for a pending
// handoff; when both are in, the peers receive each other's endpoints and
// the call goes ACTIVE.
func (s *Switchboard) OfferEndpoint(sessionID uint32, address string, port int) (Effects, *CommandError) {
	var eff Effects

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.dir.LookupSession(sessionID)
	if b == nil {
		return eff, cmdErr(pb.CodeNotRegistered, "register first")
	}
	id, ok := s.userCall[b.Username]
	if !ok {
		return eff, cmdErr(pb.CodeInvalidTransition, "no call awaiting handoff")
	}
	c := s.calls[id]
	h := s.handoffs[id]
	if c.State != model.StateAccepted || h == nil {
		return eff, cmdErr(pb.CodeInvalidTransition, "no call awaiting handoff")
	}

	if err := h.offer(b, address, port); err != nil {
		return eff, err
	}
	s.completeHandoffLocked(c, h, &eff)
	return eff, nil
}

// Disconnect resolves everything a closed connection leaves behind: its live
// call attempt, the queue entries it placed, and the waiters queued for it.
// Stale disconnects (session replaced by a newer registration) are no-ops.
func (s *Switchboard) Disconnect(sessionID uint32) Effects {
	var eff Effects

	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.dir.LookupSession(sessionID)
	if b == nil {
		return eff
	}
	s.dropBindingLocked(b, &eff)
	return eff
}

// Who returns a consistent snapshot of the directory. Pure read; safe to
// answer mid-transition.
func (s *Switchboard) Who() []pb.UserStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.dir.Snapshot()
	users := make([]pb.UserStatus, len(snapshot))
	for i, u := range snapshot {
		users[i] = pb.UserStatus{Username: u.Username, Status: u.Status.String(), Peer: u.Peer}
	}
	return users
}

// ---- internals (every *Locked method requires s.mu held for writing) ----

func (s *Switchboard) newCallLocked(caller, target string) *model.CallRequest {
	s.nextCallID++
	c := &model.CallRequest{
		ID:        s.nextCallID,
		Caller:    caller,
		Target:    target,
		State:     model.StateRequested,
		CreatedAt: s.now(),
	}
	s.calls[c.ID] = c
	return c
}

// ringLocked moves an attempt to RINGING and marks both parties busy.
func (s *Switchboard) ringLocked(c *model.CallRequest, targetB *binding, eff *Effects) {
	c.State = model.StateRinging
	c.RingingAt = s.now()
	s.userCall[c.Caller] = c.ID
	s.userCall[c.Target] = c.ID
	s.dir.SetStatus(c.Caller, model.StatusBusy)
	s.dir.SetStatus(c.Target, model.StatusBusy)
	s.dir.SetPeer(c.Caller, c.Target)
	s.dir.SetPeer(c.Target, c.Caller)
	eff.notify(targetB.SessionID, &pb.ControlMessage{IncomingCallEvent: &pb.IncomingCallEvent{Caller: c.Caller}})
}

// ringingCalleeLocked returns the ringing call the user is callee of, or nil.
func (s *Switchboard) ringingCalleeLocked(username string) *model.CallRequest {
	id, ok := s.userCall[username]
	if !ok {
		return nil
	}
	c := s.calls[id]
	if c.State != model.StateRinging || c.Target != username {
		return nil
	}
	return c
}

// finishLocked moves an attempt to a terminal state, detaches it from both
// parties, cancels any pending handoff, and emits the call record.
func (s *Switchboard) finishLocked(c *model.CallRequest, state model.CallState, eff *Effects) {
	c.State = state
	c.EndedAt = s.now()
	delete(s.calls, c.ID)
	if s.userCall[c.Caller] == c.ID {
		delete(s.userCall, c.Caller)
	}
	if s.userCall[c.Target] == c.ID {
		delete(s.userCall, c.Target)
	}
	if h := s.handoffs[c.ID]; h != nil {
		h.stop()
		delete(s.handoffs, c.ID)
	}

	eff.Records = append(eff.Records, model.CallRecord{
		Caller:    c.Caller,
		Target:    c.Target,
		Outcome:   model.OutcomeFor(state),
		Queued:    !c.QueuedAt.IsZero(),
		QueueWait: c.QueueWait(),
		CreatedAt: c.CreatedAt,
		EndedAt:   c.EndedAt,
	})
}

// resolveLocked finishes a call that both parties knew about, initiated by
// one of them (or by a handoff timeout with byUser == ""). Ordering matters:
// a user's own resolution notice is emitted before their release, so a
// follow-up IncomingCall never precedes the resolution it follows; and the
// target's release still runs before the caller's notice, so a freed target's
// queue is served ahead of telling the caller they were turned away.
func (s *Switchboard) resolveLocked(c *model.CallRequest, state model.CallState, byUser string, eff *Effects) {
	s.finishLocked(c, state, eff)
	outcome := model.OutcomeFor(state)

	notifyResolved := func(username string) {
		if username == byUser {
			return // the initiator got a synchronous response instead
		}
		if b := s.dir.Lookup(username); b != nil {
			eff.notify(b.SessionID, &pb.ControlMessage{CallResolvedEvent: &pb.CallResolvedEvent{
				Outcome: string(outcome),
				Peer:    c.Other(username),
			}})
		}
	}

	notifyResolved(c.Target)
	s.releaseLocked(c.Target, eff)
	notifyResolved(c.Caller)
	s.releaseLocked(c.Caller, eff)
}

// queueShiftedLocked tells every remaining waiter on a target their new
// 1-based position after the queue changed shape.
func (s *Switchboard) queueShiftedLocked(target string, eff *Effects) {
	for i, entry := range s.queues.Entries(target) {
		cb := s.dir.Lookup(entry.Caller)
		if cb == nil {
			continue
		}
		eff.notify(cb.SessionID, &pb.ControlMessage{QueuedEvent: &pb.QueuedEvent{
			Target:   target,
			Position: i + 1,
		}})
	}
}

// releaseLocked returns a user to AVAILABLE and immediately serves the head
// of their wait queue, inside the same serialized step. No other goroutine
// can observe this user available while callers wait for them.
func (s *Switchboard) releaseLocked(username string, eff *Effects) {
	b := s.dir.Lookup(username)
	if b == nil {
		return // disconnected; waiters are handled by dropBindingLocked
	}
	s.dir.SetStatus(username, model.StatusAvailable)

	for {
		head, ok := s.queues.DequeueHead(username)
		if !ok {
			return
		}
		c := s.calls[head.CallID]
		if c == nil || c.State != model.StateQueued || c.Caller != head.Caller {
			continue // stale entry
		}
		cb := s.dir.Lookup(head.Caller)
		if cb == nil {
			// Queued caller vanished without cleanup; drop the attempt.
			s.finishLocked(c, model.StateCallerGone, eff)
			continue
		}

		s.ringLocked(c, b, eff)
		eff.notify(cb.SessionID, &pb.ControlMessage{AvailableEvent: &pb.AvailableEvent{Target: username}})
		s.metrics.QueueServed.Add(1)
		s.queueShiftedLocked(username, eff)
		return
	}
}

// dropBindingLocked processes a binding's departure: implicit hangup/cancel
// of its live attempt, silent removal of its queue entries, and TargetGone
// for everyone queued on it.
func (s *Switchboard) dropBindingLocked(b *binding, eff *Effects) {
	s.dir.Unregister(b.SessionID)
	username := b.Username

	if id, ok := s.userCall[username]; ok {
		c := s.calls[id]
		wasQueued := c.State == model.StateQueued
		state := model.StateTargetGone
		if c.Caller == username {
			state = model.StateCallerGone
		}
		peer := c.Other(username)

		if wasQueued {
			// The target never learned about the attempt; no notice.
			s.queues.Remove(c.Target, c.Caller)
			s.finishLocked(c, state, eff)
			s.queueShiftedLocked(c.Target, eff)
		} else {
			s.finishLocked(c, state, eff)
			// Notice before release: the peer must learn this call is over
			// before any IncomingCall their freed queue produces.
			if pb2 := s.dir.Lookup(peer); pb2 != nil {
				eff.notify(pb2.SessionID, &pb.ControlMessage{CallResolvedEvent: &pb.CallResolvedEvent{
					Outcome: string(model.OutcomeFor(state)),
					Peer:    username,
				}})
			}
			s.releaseLocked(peer, eff)
		}
		s.metrics.CallsDropped.Add(1)
	}

	// Everyone queued for the departed user loses their attempt.
	for _, entry := range s.queues.Drop(username) {
		c := s.calls[entry.CallID]
		if c == nil || c.State != model.StateQueued {
			continue
		}
		s.finishLocked(c, model.StateTargetGone, eff)
		if cb := s.dir.Lookup(entry.Caller); cb != nil {
			eff.notify(cb.SessionID, &pb.ControlMessage{CallResolvedEvent: &pb.CallResolvedEvent{
				Outcome: string(model.OutcomeTargetGone),
				Peer:    username,
			}})
		}
	}

	// Queue entries the departed user placed are removed without notice to
	// anyone but the waiters behind them.
	for _, target := range s.queues.RemoveCaller(username) {
		s.queueShiftedLocked(target, eff)
	}
}
