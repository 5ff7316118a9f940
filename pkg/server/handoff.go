package server

import (
	"time"

	"github.com/NicolasHaas/gocall/pkg/model"
	pb "github.com/NicolasHaas/gocall/pkg/protocol/pb"
)

// DefaultHandoffWindow bounds how long an accepted call may sit waiting for
// both endpoint offers before it is failed.
const DefaultHandoffWindow = 5 * time.Second

// handoffState tracks one accepted call's endpoint exchange. Guarded by the
// switchboard lock like everything else; the timer callback re-enters the
// switchboard through handoffTimeout.
type handoffState struct {
	callID uint32
	offers map[string]model.Endpoint // username -> offered endpoint
	timer  *time.Timer
}

func (h *handoffState) stop() {
	if h.timer != nil {
		h.timer.Stop()
	}
}

// offer validates and records one party's endpoint. An empty address falls
// back to the IP observed on the party's control connection; port 0 falls
// back to the UDP port advertised at registration. A party may re-offer
// before the exchange completes; the latest offer wins.
func (h *handoffState) offer(b *binding, address string, port int) *CommandError {
	if address == "" {
		address = b.RemoteIP
	}
	if port == 0 {
		port = b.UDPPort
	}
	ep := model.Endpoint{Address: address, Port: port}
	if !ep.Valid() {
		return cmdErr(pb.CodeHandoffFailed, "unusable endpoint %s: no address or port on record", ep)
	}
	h.offers[b.Username] = ep
	return nil
}

// beginHandoffLocked pushes HandoffRequest to both parties and arms the
// exchange window.
func (s *Switchboard) beginHandoffLocked(c *model.CallRequest, eff *Effects) {
	h := &handoffState{
		callID: c.ID,
		offers: make(map[string]model.Endpoint, 2),
	}
	s.handoffs[c.ID] = h

	id := c.ID
	h.timer = time.AfterFunc(s.handoffWindow, func() { s.handoffTimeout(id) })

	if cb := s.dir.Lookup(c.Caller); cb != nil {
		eff.notify(cb.SessionID, &pb.ControlMessage{HandoffRequest: &pb.HandoffRequest{Peer: c.Target}})
	}
	if tb := s.dir.Lookup(c.Target); tb != nil {
		eff.notify(tb.SessionID, &pb.ControlMessage{HandoffRequest: &pb.HandoffRequest{Peer: c.Caller}})
	}
}

// completeHandoffLocked checks whether both offers are in and, if so, swaps
// endpoints, resolves the call as accepted, and moves it to ACTIVE. From
// here on the parties talk audio directly; the server only sees control
// traffic for this call again at teardown.
func (s *Switchboard) completeHandoffLocked(c *model.CallRequest, h *handoffState, eff *Effects) {
	callerEP, callerIn := h.offers[c.Caller]
	targetEP, targetIn := h.offers[c.Target]
	if !callerIn || !targetIn {
		return
	}

	h.stop()
	delete(s.handoffs, c.ID)
	c.State = model.StateActive

	if cb := s.dir.Lookup(c.Caller); cb != nil {
		eff.notify(cb.SessionID, &pb.ControlMessage{EndpointEvent: &pb.EndpointEvent{
			Peer: c.Target, Address: targetEP.Address, Port: targetEP.Port,
		}})
		eff.notify(cb.SessionID, &pb.ControlMessage{CallResolvedEvent: &pb.CallResolvedEvent{
			Outcome: string(model.OutcomeAccepted), Peer: c.Target,
		}})
	}
	if tb := s.dir.Lookup(c.Target); tb != nil {
		eff.notify(tb.SessionID, &pb.ControlMessage{EndpointEvent: &pb.EndpointEvent{
			Peer: c.Caller, Address: callerEP.Address, Port: callerEP.Port,
		}})
		eff.notify(tb.SessionID, &pb.ControlMessage{CallResolvedEvent: &pb.CallResolvedEvent{
			Outcome: string(model.OutcomeAccepted), Peer: c.Caller,
		}})
	}
	s.metrics.CallsConnected.Add(1)
}

// handoffTimeout fires when the exchange window lapses before both offers
// arrive. It runs on the timer goroutine, takes the lock like a command,
// and hands the resulting effects to the installed deliver sink.
func (s *Switchboard) handoffTimeout(callID uint32) {
	var eff Effects

	s.mu.Lock()
	c := s.calls[callID]
	if c == nil || c.State != model.StateAccepted || s.handoffs[callID] == nil {
		s.mu.Unlock()
		return // resolved or torn down before the window lapsed
	}
	s.resolveLocked(c, model.StateHandoffFailed, "", &eff)
	s.metrics.HandoffFailures.Add(1)
	s.mu.Unlock()

	s.deliver(eff)
}
