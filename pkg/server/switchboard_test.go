package server

import (
	"testing"
	"time"

	"github.com/NicolasHaas/gocall/pkg/model"
	pb "github.com/NicolasHaas/gocall/pkg/protocol/pb"
)

func newTestBoard(t *testing.T) *Switchboard {
	t.Helper()
	return NewSwitchboard(NewMetrics(), time.Second)
}

func mustRegister(t *testing.T, sb *Switchboard, sid uint32, name string) {
	t.Helper()
	eff, err := sb.Register(sid, name, 0, "127.0.0.1")
	if err != nil {
		t.Fatalf("Register(%s): %v", name, err)
	}
	found := false
	for _, n := range eff.Notes {
		if n.SessionID == sid && n.Msg.RegisterResponse != nil {
			found = true
		}
	}
	if !found {
		t.Fatalf("Register(%s): no register_response in effects", name)
	}
}

// notesFor extracts the messages addressed to one session, in order.
func notesFor(eff Effects, sid uint32) []*pb.ControlMessage {
	var msgs []*pb.ControlMessage
	for _, n := range eff.Notes {
		if n.SessionID == sid {
			msgs = append(msgs, n.Msg)
		}
	}
	return msgs
}

// connect drives a full call setup: sid1 calls user2 on sid2, sid2 accepts,
// both offer endpoints. Returns nothing; fails the test on any hiccup.
func connect(t *testing.T, sb *Switchboard, sid1 uint32, user2 string, sid2 uint32) {
	t.Helper()
	if _, err := sb.Call(sid1, user2); err != nil {
		t.Fatalf("Call(%s): %v", user2, err)
	}
	if _, err := sb.Accept(sid2); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := sb.OfferEndpoint(sid1, "10.0.0.1", 5000); err != nil {
		t.Fatalf("OfferEndpoint caller: %v", err)
	}
	if _, err := sb.OfferEndpoint(sid2, "10.0.0.2", 5001); err != nil {
		t.Fatalf("OfferEndpoint callee: %v", err)
	}
}

func statusOf(t *testing.T, sb *Switchboard, name string) string {
	t.Helper()
	for _, u := range sb.Who() {
		if u.Username == name {
			return u.Status
		}
	}
	t.Fatalf("statusOf: %s not in directory", name)
	return ""
}

func TestRegisterAndWho(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")

	users := sb.Who()
	if len(users) != 2 {
		t.Fatalf("Who: expected 2 users, got %d", len(users))
	}
	// Snapshot is sorted by username.
	if users[0].Username != "alice" || users[1].Username != "bob" {
		t.Fatalf("Who: unexpected order %q, %q", users[0].Username, users[1].Username)
	}
	for _, u := range users {
		if u.Status != "available" {
			t.Fatalf("Who: %s status = %q, want available", u.Username, u.Status)
		}
	}
}

func TestRegisterRejectsBadUsername(t *testing.T) {
	sb := newTestBoard(t)
	for _, name := range []string{"", "has space", "wayyyyyyyyyyyyyyyyyyyyyyyyytoolongname", "bad!chars"} {
		if _, err := sb.Register(1, name, 0, "127.0.0.1"); err == nil {
			t.Fatalf("Register(%q): expected error", name)
		} else if err.Code != pb.CodeBadRequest {
			t.Fatalf("Register(%q): code = %d, want %d", name, err.Code, pb.CodeBadRequest)
		}
	}
}

func TestRegisterDuplicateReplacesOldSession(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")

	eff, err := sb.Register(2, "alice", 0, "127.0.0.1")
	if err != nil {
		t.Fatalf("re-register: %v", err)
	}

	old := notesFor(eff, 1)
	if len(old) == 0 || old[0].ErrorResponse == nil || old[0].ErrorResponse.Code != pb.CodeDuplicateActiveSession {
		t.Fatalf("old session: expected duplicate_active_session error, got %+v", old)
	}
	if len(eff.Close) != 1 || eff.Close[0] != 1 {
		t.Fatalf("expected old session 1 closed, got %v", eff.Close)
	}

	// The name must now answer on the new session.
	if _, err := sb.Call(2, "alice"); err == nil || err.Code != pb.CodeSelfCall {
		t.Fatalf("new session should own the name: %v", err)
	}
}

func TestCallRingsAvailableTarget(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")

	eff, err := sb.Call(2, "alice")
	if err != nil {
		t.Fatalf("Call: %v", err)
	}

	bobNotes := notesFor(eff, 2)
	if len(bobNotes) != 1 || bobNotes[0].CallResponse == nil || bobNotes[0].CallResponse.State != "ringing" {
		t.Fatalf("caller ack: got %+v", bobNotes)
	}
	aliceNotes := notesFor(eff, 1)
	if len(aliceNotes) != 1 || aliceNotes[0].IncomingCallEvent == nil || aliceNotes[0].IncomingCallEvent.Caller != "bob" {
		t.Fatalf("callee push: got %+v", aliceNotes)
	}

	// Ringing marks both parties busy.
	if got := statusOf(t, sb, "alice"); got != "busy" {
		t.Fatalf("alice status = %q, want busy", got)
	}
	if got := statusOf(t, sb, "bob"); got != "busy" {
		t.Fatalf("bob status = %q, want busy", got)
	}
}

func TestCallQueuesOnBusyTarget(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	mustRegister(t, sb, 3, "carol")
	mustRegister(t, sb, 4, "dave")
	connect(t, sb, 2, "alice", 1)

	eff, err := sb.Call(3, "alice")
	if err != nil {
		t.Fatalf("Call carol: %v", err)
	}
	notes := notesFor(eff, 3)
	if len(notes) != 1 || notes[0].CallResponse == nil || notes[0].CallResponse.State != "queued" || notes[0].CallResponse.Position != 1 {
		t.Fatalf("carol ack: got %+v", notes)
	}

	eff, err = sb.Call(4, "alice")
	if err != nil {
		t.Fatalf("Call dave: %v", err)
	}
	notes = notesFor(eff, 4)
	if notes[0].CallResponse.Position != 2 {
		t.Fatalf("dave position = %d, want 2", notes[0].CallResponse.Position)
	}

	// Queued callers remain available to others.
	if got := statusOf(t, sb, "carol"); got != "available" {
		t.Fatalf("carol status = %q, want available", got)
	}
}

func TestCallRepeatSameTargetReacksPosition(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	mustRegister(t, sb, 3, "carol")
	connect(t, sb, 2, "alice", 1)

	if _, err := sb.Call(3, "alice"); err != nil {
		t.Fatalf("first call: %v", err)
	}
	eff, err := sb.Call(3, "alice")
	if err != nil {
		t.Fatalf("repeat call: %v", err)
	}
	notes := notesFor(eff, 3)
	if len(notes) != 1 || notes[0].CallResponse == nil || notes[0].CallResponse.Position != 1 {
		t.Fatalf("repeat ack: got %+v", notes)
	}
}

func TestCallErrors(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	mustRegister(t, sb, 3, "carol")

	if _, err := sb.Call(99, "alice"); err == nil || err.Code != pb.CodeNotRegistered {
		t.Fatalf("unregistered session: %v", err)
	}
	if _, err := sb.Call(1, "alice"); err == nil || err.Code != pb.CodeSelfCall {
		t.Fatalf("self call: %v", err)
	}
	if _, err := sb.Call(1, "nobody"); err == nil || err.Code != pb.CodeNoSuchUser {
		t.Fatalf("unknown target: %v", err)
	}

	// A caller with a live attempt cannot place a second one.
	if _, err := sb.Call(1, "bob"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := sb.Call(1, "carol"); err == nil || err.Code != pb.CodeCallerBusy {
		t.Fatalf("second attempt: %v", err)
	}
}

func TestCallToQueuedCallerIsBusy(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	mustRegister(t, sb, 3, "carol")
	mustRegister(t, sb, 4, "dave")
	connect(t, sb, 2, "alice", 1)

	// Carol queues on alice; she shows available but holds a pending attempt.
	if _, err := sb.Call(3, "alice"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := sb.Call(4, "carol"); err == nil || err.Code != pb.CodeCallerBusy {
		t.Fatalf("call to queued caller: %v", err)
	}
}

func TestAcceptHandoffActivatesCall(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")

	if _, err := sb.Call(2, "alice"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	eff, err := sb.Accept(1)
	if err != nil {
		t.Fatalf("Accept: %v", err)
	}
	// Both parties get a handoff request naming their peer.
	for sid, peer := range map[uint32]string{1: "bob", 2: "alice"} {
		notes := notesFor(eff, sid)
		var hr *pb.HandoffRequest
		for _, m := range notes {
			if m.HandoffRequest != nil {
				hr = m.HandoffRequest
			}
		}
		if hr == nil || hr.Peer != peer {
			t.Fatalf("session %d: handoff request = %+v, want peer %s", sid, hr, peer)
		}
	}

	// First offer alone completes nothing.
	eff, err = sb.OfferEndpoint(2, "10.0.0.2", 5002)
	if err != nil {
		t.Fatalf("OfferEndpoint bob: %v", err)
	}
	if len(eff.Notes) != 0 {
		t.Fatalf("one offer in: unexpected notes %+v", eff.Notes)
	}

	eff, err = sb.OfferEndpoint(1, "10.0.0.1", 5001)
	if err != nil {
		t.Fatalf("OfferEndpoint alice: %v", err)
	}

	aliceNotes := notesFor(eff, 1)
	if len(aliceNotes) != 2 || aliceNotes[0].EndpointEvent == nil || aliceNotes[1].CallResolvedEvent == nil {
		t.Fatalf("alice completion: got %+v", aliceNotes)
	}
	if ep := aliceNotes[0].EndpointEvent; ep.Peer != "bob" || ep.Address != "10.0.0.2" || ep.Port != 5002 {
		t.Fatalf("alice endpoint: got %+v", ep)
	}
	if aliceNotes[1].CallResolvedEvent.Outcome != "accepted" {
		t.Fatalf("alice outcome = %q, want accepted", aliceNotes[1].CallResolvedEvent.Outcome)
	}
	bobNotes := notesFor(eff, 2)
	if ep := bobNotes[0].EndpointEvent; ep.Peer != "alice" || ep.Address != "10.0.0.1" || ep.Port != 5001 {
		t.Fatalf("bob endpoint: got %+v", ep)
	}

	// Active call: both busy with peers recorded.
	for _, u := range sb.Who() {
		if u.Status != "busy" {
			t.Fatalf("%s status = %q, want busy", u.Username, u.Status)
		}
	}
}

func TestOfferEndpointFallbacks(t *testing.T) {
	sb := newTestBoard(t)
	if _, err := sb.Register(1, "alice", 7001, "192.168.1.5"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	mustRegister(t, sb, 2, "bob")

	if _, err := sb.Call(2, "alice"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := sb.Accept(1); err != nil {
		t.Fatalf("Accept: %v", err)
	}

	// Alice offers nothing explicit: observed IP and registered port apply.
	if _, err := sb.OfferEndpoint(1, "", 0); err != nil {
		t.Fatalf("OfferEndpoint alice: %v", err)
	}
	eff, err := sb.OfferEndpoint(2, "10.0.0.2", 6000)
	if err != nil {
		t.Fatalf("OfferEndpoint bob: %v", err)
	}

	bobNotes := notesFor(eff, 2)
	if len(bobNotes) == 0 || bobNotes[0].EndpointEvent == nil {
		t.Fatalf("bob completion: got %+v", bobNotes)
	}
	ep := bobNotes[0].EndpointEvent
	if ep.Address != "192.168.1.5" || ep.Port != 7001 {
		t.Fatalf("fallback endpoint = %s:%d, want 192.168.1.5:7001", ep.Address, ep.Port)
	}
}

func TestOfferEndpointWithoutFallbackFails(t *testing.T) {
	sb := newTestBoard(t)
	// No UDP port at registration and no observed IP to fall back on.
	if _, err := sb.Register(1, "alice", 0, ""); err != nil {
		t.Fatalf("Register: %v", err)
	}
	mustRegister(t, sb, 2, "bob")

	if _, err := sb.Call(2, "alice"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := sb.Accept(1); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	if _, err := sb.OfferEndpoint(1, "", 0); err == nil || err.Code != pb.CodeHandoffFailed {
		t.Fatalf("unusable offer: %v", err)
	}
}

func TestAcceptWithoutRingingCall(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")

	if _, err := sb.Accept(1); err == nil || err.Code != pb.CodeInvalidTransition {
		t.Fatalf("accept with nothing ringing: %v", err)
	}
	if _, err := sb.Reject(1); err == nil || err.Code != pb.CodeInvalidTransition {
		t.Fatalf("reject with nothing ringing: %v", err)
	}
}

func TestCallerCannotAcceptOwnCall(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")

	if _, err := sb.Call(2, "alice"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := sb.Accept(2); err == nil || err.Code != pb.CodeInvalidTransition {
		t.Fatalf("caller accepting own call: %v", err)
	}
}

func TestRejectNotifiesCallerAndServesQueueFirst(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	mustRegister(t, sb, 3, "carol")

	if _, err := sb.Call(2, "alice"); err != nil {
		t.Fatalf("Call bob: %v", err)
	}
	if _, err := sb.Call(3, "alice"); err != nil {
		t.Fatalf("Call carol: %v", err)
	}

	eff, err := sb.Reject(1)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}

	// Carol (queued) is served before bob hears about the rejection.
	carolIdx, bobIdx := -1, -1
	for i, n := range eff.Notes {
		if n.SessionID == 3 && n.Msg.AvailableEvent != nil {
			carolIdx = i
		}
		if n.SessionID == 2 && n.Msg.CallResolvedEvent != nil {
			bobIdx = i
		}
	}
	if carolIdx == -1 || bobIdx == -1 {
		t.Fatalf("missing notifications: %+v", eff.Notes)
	}
	if carolIdx > bobIdx {
		t.Fatalf("queue served at %d after caller notice at %d", carolIdx, bobIdx)
	}

	bobNotes := notesFor(eff, 2)
	var resolved *pb.CallResolvedEvent
	for _, m := range bobNotes {
		if m.CallResolvedEvent != nil {
			resolved = m.CallResolvedEvent
		}
	}
	if resolved == nil || resolved.Outcome != "rejected" || resolved.Peer != "alice" {
		t.Fatalf("bob resolution: got %+v", resolved)
	}

	// Carol's call is now ringing on alice: both busy again.
	if got := statusOf(t, sb, "alice"); got != "busy" {
		t.Fatalf("alice status = %q, want busy", got)
	}
	if got := statusOf(t, sb, "carol"); got != "busy" {
		t.Fatalf("carol status = %q, want busy", got)
	}
}

func TestHangupActiveCall(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	connect(t, sb, 2, "alice", 1)

	eff, err := sb.Hangup(1)
	if err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	aliceNotes := notesFor(eff, 1)
	if len(aliceNotes) == 0 || aliceNotes[0].HangupResponse == nil {
		t.Fatalf("alice ack: got %+v", aliceNotes)
	}
	bobNotes := notesFor(eff, 2)
	var resolved *pb.CallResolvedEvent
	for _, m := range bobNotes {
		if m.CallResolvedEvent != nil {
			resolved = m.CallResolvedEvent
		}
	}
	if resolved == nil || resolved.Outcome != "ended" || resolved.Peer != "alice" {
		t.Fatalf("bob resolution: got %+v", resolved)
	}

	if got := statusOf(t, sb, "alice"); got != "available" {
		t.Fatalf("alice status = %q, want available", got)
	}
	if got := statusOf(t, sb, "bob"); got != "available" {
		t.Fatalf("bob status = %q, want available", got)
	}

	if len(eff.Records) != 1 || eff.Records[0].Outcome != model.OutcomeEnded {
		t.Fatalf("records: got %+v", eff.Records)
	}
}

func TestHangupIsIdempotent(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	connect(t, sb, 2, "alice", 1)

	if _, err := sb.Hangup(1); err != nil {
		t.Fatalf("first hangup: %v", err)
	}
	eff, err := sb.Hangup(1)
	if err != nil {
		t.Fatalf("second hangup: %v", err)
	}
	// Ack only: no resolutions, no records, nothing for bob.
	if len(eff.Notes) != 1 || eff.Notes[0].Msg.HangupResponse == nil {
		t.Fatalf("second hangup notes: got %+v", eff.Notes)
	}
	if len(eff.Records) != 0 {
		t.Fatalf("second hangup records: got %+v", eff.Records)
	}
}

func TestCallerHangupWhileRingingCancels(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")

	if _, err := sb.Call(2, "alice"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	eff, err := sb.Hangup(2)
	if err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	aliceNotes := notesFor(eff, 1)
	var resolved *pb.CallResolvedEvent
	for _, m := range aliceNotes {
		if m.CallResolvedEvent != nil {
			resolved = m.CallResolvedEvent
		}
	}
	if resolved == nil || resolved.Outcome != "cancelled" {
		t.Fatalf("alice resolution: got %+v", resolved)
	}
}

func TestQueuedCallerHangupIsSilent(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	mustRegister(t, sb, 3, "carol")
	connect(t, sb, 2, "alice", 1)

	if _, err := sb.Call(3, "alice"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	eff, err := sb.Hangup(3)
	if err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	// Only carol hears anything; alice never knew about the attempt.
	for _, n := range eff.Notes {
		if n.SessionID != 3 {
			t.Fatalf("unexpected notification to session %d: %+v", n.SessionID, n.Msg)
		}
	}

	// Alice hanging up afterwards finds an empty queue.
	eff, err = sb.Hangup(1)
	if err != nil {
		t.Fatalf("alice hangup: %v", err)
	}
	for _, n := range eff.Notes {
		if n.Msg.IncomingCallEvent != nil {
			t.Fatalf("cancelled queue entry was served: %+v", n.Msg)
		}
	}
}

func TestQueueServedInFIFOOrder(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	mustRegister(t, sb, 3, "carol")
	mustRegister(t, sb, 4, "dave")
	connect(t, sb, 2, "alice", 1)

	if _, err := sb.Call(3, "alice"); err != nil {
		t.Fatalf("Call carol: %v", err)
	}
	if _, err := sb.Call(4, "alice"); err != nil {
		t.Fatalf("Call dave: %v", err)
	}

	// Ending the active call serves carol, not dave.
	eff, err := sb.Hangup(1)
	if err != nil {
		t.Fatalf("Hangup: %v", err)
	}
	carolServed := false
	for _, m := range notesFor(eff, 3) {
		if m.AvailableEvent != nil && m.AvailableEvent.Target == "alice" {
			carolServed = true
		}
	}
	if !carolServed {
		t.Fatalf("carol not served first: %+v", eff.Notes)
	}
	for _, m := range notesFor(eff, 4) {
		if m.AvailableEvent != nil {
			t.Fatalf("dave served out of order")
		}
		if m.QueuedEvent != nil && m.QueuedEvent.Position != 1 {
			t.Fatalf("dave position = %d, want 1", m.QueuedEvent.Position)
		}
	}

	// Alice rejects carol; dave's turn.
	eff, err = sb.Reject(1)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	daveServed := false
	for _, m := range notesFor(eff, 4) {
		if m.AvailableEvent != nil {
			daveServed = true
		}
	}
	if !daveServed {
		t.Fatalf("dave not served after carol: %+v", eff.Notes)
	}
}

func TestResolutionPrecedesNextIncomingCall(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	mustRegister(t, sb, 3, "carol")
	connect(t, sb, 2, "alice", 1)

	if _, err := sb.Call(3, "alice"); err != nil {
		t.Fatalf("Call carol: %v", err)
	}

	// Bob ends the call; alice is served carol in the same step. Alice must
	// hear that the bob call is over before her phone rings again.
	eff, err := sb.Hangup(2)
	if err != nil {
		t.Fatalf("Hangup: %v", err)
	}

	resolvedIdx, ringIdx := -1, -1
	for i, m := range notesFor(eff, 1) {
		if m.CallResolvedEvent != nil && resolvedIdx == -1 {
			if m.CallResolvedEvent.Outcome != "ended" || m.CallResolvedEvent.Peer != "bob" {
				t.Fatalf("alice resolution: got %+v", m.CallResolvedEvent)
			}
			resolvedIdx = i
		}
		if m.IncomingCallEvent != nil {
			if m.IncomingCallEvent.Caller != "carol" {
				t.Fatalf("alice incoming: got %+v", m.IncomingCallEvent)
			}
			ringIdx = i
		}
	}
	if resolvedIdx == -1 || ringIdx == -1 {
		t.Fatalf("missing notifications for alice: %+v", eff.Notes)
	}
	if ringIdx < resolvedIdx {
		t.Fatalf("incoming call at %d before resolution at %d", ringIdx, resolvedIdx)
	}
}

func TestDisconnectResolutionPrecedesNextIncomingCall(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	mustRegister(t, sb, 3, "carol")
	connect(t, sb, 2, "alice", 1)

	if _, err := sb.Call(3, "alice"); err != nil {
		t.Fatalf("Call carol: %v", err)
	}

	// Bob drops off the network mid-call; same ordering rule for alice.
	eff := sb.Disconnect(2)

	resolvedIdx, ringIdx := -1, -1
	for i, m := range notesFor(eff, 1) {
		if m.CallResolvedEvent != nil && resolvedIdx == -1 {
			if m.CallResolvedEvent.Outcome != "caller_gone" {
				t.Fatalf("alice resolution: got %+v", m.CallResolvedEvent)
			}
			resolvedIdx = i
		}
		if m.IncomingCallEvent != nil {
			ringIdx = i
		}
	}
	if resolvedIdx == -1 || ringIdx == -1 {
		t.Fatalf("missing notifications for alice: %+v", eff.Notes)
	}
	if ringIdx < resolvedIdx {
		t.Fatalf("incoming call at %d before resolution at %d", ringIdx, resolvedIdx)
	}
}

func TestDisconnectTargetFailsWaiters(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	mustRegister(t, sb, 3, "carol")
	connect(t, sb, 2, "alice", 1)

	if _, err := sb.Call(3, "alice"); err != nil {
		t.Fatalf("Call: %v", err)
	}

	eff := sb.Disconnect(1)

	// Bob loses the active call, carol the queued attempt.
	bobNotes := notesFor(eff, 2)
	var bobResolved *pb.CallResolvedEvent
	for _, m := range bobNotes {
		if m.CallResolvedEvent != nil {
			bobResolved = m.CallResolvedEvent
		}
	}
	if bobResolved == nil || bobResolved.Outcome != "target_gone" {
		t.Fatalf("bob resolution: got %+v", bobResolved)
	}
	carolNotes := notesFor(eff, 3)
	var carolResolved *pb.CallResolvedEvent
	for _, m := range carolNotes {
		if m.CallResolvedEvent != nil {
			carolResolved = m.CallResolvedEvent
		}
	}
	if carolResolved == nil || carolResolved.Outcome != "target_gone" || carolResolved.Peer != "alice" {
		t.Fatalf("carol resolution: got %+v", carolResolved)
	}

	// Alice is gone from the directory.
	for _, u := range sb.Who() {
		if u.Username == "alice" {
			t.Fatalf("alice still in directory after disconnect")
		}
	}

	if len(eff.Records) != 2 {
		t.Fatalf("records: got %d, want 2", len(eff.Records))
	}
}

func TestDisconnectCallerNotifiesPeer(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	connect(t, sb, 2, "alice", 1)

	eff := sb.Disconnect(2)

	aliceNotes := notesFor(eff, 1)
	var resolved *pb.CallResolvedEvent
	for _, m := range aliceNotes {
		if m.CallResolvedEvent != nil {
			resolved = m.CallResolvedEvent
		}
	}
	if resolved == nil || resolved.Outcome != "caller_gone" || resolved.Peer != "bob" {
		t.Fatalf("alice resolution: got %+v", resolved)
	}
	if got := statusOf(t, sb, "alice"); got != "available" {
		t.Fatalf("alice status = %q, want available", got)
	}
}

func TestDisconnectQueuedCallerIsSilent(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	mustRegister(t, sb, 3, "carol")
	connect(t, sb, 2, "alice", 1)

	if _, err := sb.Call(3, "alice"); err != nil {
		t.Fatalf("Call: %v", err)
	}

	eff := sb.Disconnect(3)
	for _, n := range eff.Notes {
		if n.Msg.CallResolvedEvent != nil || n.Msg.IncomingCallEvent != nil {
			t.Fatalf("queued caller disconnect leaked a notification: %+v", n.Msg)
		}
	}
	if len(eff.Records) != 1 || eff.Records[0].Outcome != model.OutcomeCallerGone {
		t.Fatalf("records: got %+v", eff.Records)
	}
}

func TestHandoffTimeoutFailsCall(t *testing.T) {
	sb := NewSwitchboard(NewMetrics(), 20*time.Millisecond)
	delivered := make(chan Effects, 1)
	sb.SetDeliver(func(eff Effects) { delivered <- eff })

	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")

	if _, err := sb.Call(2, "alice"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := sb.Accept(1); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	// Only one side answers the handoff.
	if _, err := sb.OfferEndpoint(2, "10.0.0.2", 6000); err != nil {
		t.Fatalf("OfferEndpoint: %v", err)
	}

	var eff Effects
	select {
	case eff = <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatalf("handoff timeout never fired")
	}

	for _, sid := range []uint32{1, 2} {
		var resolved *pb.CallResolvedEvent
		for _, m := range notesFor(eff, sid) {
			if m.CallResolvedEvent != nil {
				resolved = m.CallResolvedEvent
			}
		}
		if resolved == nil || resolved.Outcome != "handoff_failed" {
			t.Fatalf("session %d resolution: got %+v", sid, resolved)
		}
	}

	// Both parties are usable again.
	if got := statusOf(t, sb, "alice"); got != "available" {
		t.Fatalf("alice status = %q, want available", got)
	}
	if got := statusOf(t, sb, "bob"); got != "available" {
		t.Fatalf("bob status = %q, want available", got)
	}
}

func TestHandoffTimerCancelledByResolution(t *testing.T) {
	sb := NewSwitchboard(NewMetrics(), 20*time.Millisecond)
	delivered := make(chan Effects, 1)
	sb.SetDeliver(func(eff Effects) { delivered <- eff })

	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	connect(t, sb, 2, "alice", 1)

	select {
	case eff := <-delivered:
		t.Fatalf("timer fired after completed handoff: %+v", eff)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCallRecordCapturesQueueWait(t *testing.T) {
	sb := newTestBoard(t)
	mustRegister(t, sb, 1, "alice")
	mustRegister(t, sb, 2, "bob")
	mustRegister(t, sb, 3, "carol")
	connect(t, sb, 2, "alice", 1)

	if _, err := sb.Call(3, "alice"); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if _, err := sb.Hangup(1); err != nil { // serves carol
		t.Fatalf("Hangup: %v", err)
	}
	if _, err := sb.Reject(1); err != nil { // alice declines carol
		t.Fatalf("Reject: %v", err)
	}

	// Ask the switchboard metrics for consistency.
	m := sb.metrics
	if m.CallsQueued.Load() != 1 || m.QueueServed.Load() != 1 {
		t.Fatalf("queue metrics: queued=%d served=%d", m.CallsQueued.Load(), m.QueueServed.Load())
	}
}
