package server

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/NicolasHaas/gocall/pkg/protocol"
	pb "github.com/NicolasHaas/gocall/pkg/protocol/pb"
)

// outboundQueueSize bounds the per-connection push queue. A client that
// stops reading long enough to fill it is disconnected rather than allowed
// to stall the dispatcher.
const outboundQueueSize = 64

// ControlHandler owns the TCP control plane: one read loop and one writer
// goroutine per connection. All responses and pushes for a connection flow
// through its outbound queue, so a slow peer never blocks a state
// transition and messages to one session are never interleaved.
type ControlHandler struct {
	server *Server
	mu     sync.RWMutex
	conns  map[uint32]*clientConn // sessionID -> connection
}

type clientConn struct {
	sessionID uint32
	conn      net.Conn
	out       chan *pb.ControlMessage
	closeOnce sync.Once
	closed    chan struct{}
}

func newControlHandler(srv *Server) *ControlHandler {
	return &ControlHandler{
		server: srv,
		conns:  make(map[uint32]*clientConn),
	}
}

// newSessionID generates a random non-zero session ID not currently in use.
func (ch *ControlHandler) newSessionID() uint32 {
	ch.mu.RLock()
	defer ch.mu.RUnlock()
	for {
		b := make([]byte, 4)
		if _, err := rand.Read(b); err != nil {
			panic("crypto/rand failure: " + err.Error())
		}
		id := binary.BigEndian.Uint32(b)
		if id != 0 {
			if _, exists := ch.conns[id]; !exists {
				return id
			}
		}
	}
}

func (ch *ControlHandler) setConn(cc *clientConn) {
	ch.mu.Lock()
	ch.conns[cc.sessionID] = cc
	ch.mu.Unlock()
}

func (ch *ControlHandler) removeConn(sessionID uint32) {
	ch.mu.Lock()
	delete(ch.conns, sessionID)
	ch.mu.Unlock()
}

// send queues a message for a session. A full queue means the client is not
// draining; the connection is torn down and the disconnect path cleans up.
func (ch *ControlHandler) send(sessionID uint32, msg *pb.ControlMessage) {
	ch.mu.RLock()
	cc := ch.conns[sessionID]
	ch.mu.RUnlock()
	if cc == nil {
		return // already gone; signaling state was resolved at disconnect
	}

	select {
	case cc.out <- msg:
	case <-cc.closed:
	default:
		ch.server.metrics.NotificationsDropped.Add(1)
		slog.Warn("outbound queue full, dropping client", "session", sessionID)
		cc.shutdown()
	}
}

// apply delivers a transition's effects: notifications in order, call
// records to the log, then connection closures.
func (ch *ControlHandler) apply(eff Effects) {
	for _, note := range eff.Notes {
		ch.send(note.SessionID, note.Msg)
	}
	for i := range eff.Records {
		if err := ch.server.callLog.Append(&eff.Records[i]); err != nil {
			slog.Error("call record append failed", "err", err)
		}
	}
	for _, sid := range eff.Close {
		ch.mu.RLock()
		cc := ch.conns[sid]
		ch.mu.RUnlock()
		if cc != nil {
			cc.shutdown()
		}
	}
}

func (cc *clientConn) shutdown() {
	cc.closeOnce.Do(func() {
		close(cc.closed)
		_ = cc.conn.Close()
	})
}

// writeLoop drains the outbound queue onto the wire. A write error kills
// the connection; the read loop notices and runs the disconnect path.
func (cc *clientConn) writeLoop() {
	for {
		select {
		case <-cc.closed:
			return
		case msg := <-cc.out:
			if err := protocol.WriteControlMessage(cc.conn, msg); err != nil {
				cc.shutdown()
				return
			}
		}
	}
}

// StartControl starts the TCP control listener.
func (s *Server) StartControl() error {
	ln, err := net.Listen("tcp", s.cfg.ControlAddr)
	if err != nil {
		return fmt.Errorf("server: listen control: %w", err)
	}
	s.controlConn = ln

	handler := newControlHandler(s)
	s.handler = handler
	s.board.SetDeliver(handler.apply)
	slog.Info("control plane listening", "addr", s.cfg.ControlAddr)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					slog.Error("accept error", "err", err)
					continue
				}
			}
			go s.handleControlConn(handler, conn)
		}
	}()

	return nil
}

// handleControlConn handles a single control connection lifecycle.
func (s *Server) handleControlConn(handler *ControlHandler, conn net.Conn) {
	remoteAddr := conn.RemoteAddr().String()
	s.metrics.TotalConnections.Add(1)
	s.metrics.ActiveConnections.Add(1)
	slog.Debug("new control connection", "remote", remoteAddr)

	cc := &clientConn{
		sessionID: handler.newSessionID(),
		conn:      conn,
		out:       make(chan *pb.ControlMessage, outboundQueueSize),
		closed:    make(chan struct{}),
	}
	defer cc.shutdown()

	// First message must be RegisterRequest
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	msg, err := protocol.ReadControlMessage(conn)
	if err != nil {
		slog.Debug("register read failed", "remote", remoteAddr, "err", err)
		s.metrics.ActiveConnections.Add(-1)
		return
	}
	_ = conn.SetReadDeadline(time.Time{}) // clear deadline

	if msg.RegisterRequest == nil {
		sendError(conn, pb.CodeBadRequest, "first message must be register_request")
		s.metrics.ActiveConnections.Add(-1)
		return
	}

	remoteIP := remoteAddr
	if host, _, err := net.SplitHostPort(remoteAddr); err == nil {
		remoteIP = host
	}

	handler.setConn(cc)
	go cc.writeLoop()

	eff, regErr := s.board.Register(cc.sessionID, msg.RegisterRequest.Username, msg.RegisterRequest.UDPPort, remoteIP)
	if regErr != nil {
		s.metrics.CommandErrors.Add(1)
		// Nothing is queued for this session yet; write the rejection
		// directly and drop the connection.
		sendError(conn, regErr.Code, regErr.Message)
		handler.removeConn(cc.sessionID)
		s.metrics.ActiveConnections.Add(-1)
		return
	}
	handler.apply(eff)

	username := msg.RegisterRequest.Username
	slog.Info("client registered", "user", username, "session", cc.sessionID, "remote", remoteAddr)

	defer func() {
		// Resolve whatever signaling state the connection leaves behind.
		handler.apply(s.board.Disconnect(cc.sessionID))
		handler.removeConn(cc.sessionID)
		s.metrics.ActiveConnections.Add(-1)
		s.metrics.TotalDisconnects.Add(1)
		slog.Info("client disconnected", "user", username, "session", cc.sessionID)
	}()

	// Message loop
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-cc.closed:
			return
		default:
		}

		msg, err := protocol.ReadControlMessage(conn)
		if err != nil {
			if isClosedErr(err) {
				return
			}
			slog.Error("read error", "user", username, "err", err)
			return
		}

		s.handleMessage(handler, cc, msg)
	}
}

// handleMessage dispatches one control message from a registered session.
// Every switchboard call returns its effects atomically computed; they are
// applied here, outside the switchboard lock.
func (s *Server) handleMessage(handler *ControlHandler, cc *clientConn, msg *pb.ControlMessage) {
	sid := cc.sessionID

	run := func(eff Effects, err *CommandError) {
		if err != nil {
			s.metrics.CommandErrors.Add(1)
			handler.send(sid, &pb.ControlMessage{ErrorResponse: &pb.ErrorResponse{Code: err.Code, Message: err.Message}})
			return
		}
		handler.apply(eff)
	}

	switch {
	case msg.CallRequest != nil:
		run(s.board.Call(sid, msg.CallRequest.Target))

	case msg.AcceptRequest != nil:
		run(s.board.Accept(sid))

	case msg.RejectRequest != nil:
		run(s.board.Reject(sid))

	case msg.HangupRequest != nil:
		run(s.board.Hangup(sid))

	case msg.EndpointOffer != nil:
		run(s.board.OfferEndpoint(sid, msg.EndpointOffer.Address, msg.EndpointOffer.Port))

	case msg.WhoRequest != nil:
		handler.send(sid, &pb.ControlMessage{WhoResponse: &pb.WhoResponse{Users: s.board.Who()}})

	case msg.RegisterRequest != nil:
		s.metrics.CommandErrors.Add(1)
		handler.send(sid, &pb.ControlMessage{ErrorResponse: &pb.ErrorResponse{
			Code: pb.CodeBadRequest, Message: "already registered on this connection",
		}})

	case msg.Ping != nil:
		handler.send(sid, &pb.ControlMessage{Pong: &pb.Pong{Timestamp: msg.Ping.Timestamp}})

	default:
		// Every command gets an explicit outcome, even ones we cannot parse.
		s.metrics.CommandErrors.Add(1)
		handler.send(sid, &pb.ControlMessage{ErrorResponse: &pb.ErrorResponse{
			Code: pb.CodeBadRequest, Message: "unrecognized message",
		}})
	}
}

func sendError(conn net.Conn, code pb.ErrorCode, message string) {
	_ = protocol.WriteControlMessage(conn, &pb.ControlMessage{
		ErrorResponse: &pb.ErrorResponse{Code: code, Message: message},
	})
}

// isClosedErr reports whether err is a clean end of connection. Read errors
// come wrapped by the protocol layer, so unwrap-aware matching is required.
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
