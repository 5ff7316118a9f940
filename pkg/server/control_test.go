package server

import (
	"fmt"
	"io"
	"net"
	"testing"

	pb "github.com/NicolasHaas/gocall/pkg/protocol/pb"
	"github.com/NicolasHaas/gocall/pkg/store"
)

func newTestHandler(t *testing.T) (*Server, *ControlHandler) {
	t.Helper()
	srv := New(DefaultConfig(), Dependencies{CallLog: store.NewMemory()})
	handler := newControlHandler(srv)
	srv.handler = handler
	srv.board.SetDeliver(handler.apply)
	return srv, handler
}

// registerTestConn wires a fake connection into the handler and registers it
// with the switchboard, bypassing the network handshake.
func registerTestConn(t *testing.T, srv *Server, handler *ControlHandler, sid uint32, username string) *clientConn {
	t.Helper()
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		_ = serverSide.Close()
		_ = clientSide.Close()
	})

	cc := &clientConn{
		sessionID: sid,
		conn:      serverSide,
		out:       make(chan *pb.ControlMessage, outboundQueueSize),
		closed:    make(chan struct{}),
	}
	handler.setConn(cc)

	eff, err := srv.board.Register(sid, username, 0, "127.0.0.1")
	if err != nil {
		t.Fatalf("Register(%s): %v", username, err)
	}
	handler.apply(eff)
	return cc
}

func TestHandleMessageUnrecognizedGetsError(t *testing.T) {
	srv, handler := newTestHandler(t)
	cc := registerTestConn(t, srv, handler, 1, "alice")
	for len(cc.out) > 0 { // drain the registration ack
		<-cc.out
	}

	srv.handleMessage(handler, cc, &pb.ControlMessage{})

	select {
	case msg := <-cc.out:
		if msg.ErrorResponse == nil || msg.ErrorResponse.Code != pb.CodeBadRequest {
			t.Fatalf("empty message: got %+v, want bad_request error", msg)
		}
	default:
		t.Fatalf("empty message: no outcome queued")
	}
}

func TestHandleMessageWhoAnswers(t *testing.T) {
	srv, handler := newTestHandler(t)
	cc := registerTestConn(t, srv, handler, 1, "alice")
	for len(cc.out) > 0 {
		<-cc.out
	}

	srv.handleMessage(handler, cc, &pb.ControlMessage{WhoRequest: &pb.WhoRequest{}})

	select {
	case msg := <-cc.out:
		if msg.WhoResponse == nil || len(msg.WhoResponse.Users) != 1 {
			t.Fatalf("who: got %+v", msg)
		}
	default:
		t.Fatalf("who: no response queued")
	}
}

func TestIsClosedErrSeesWrappedReadErrors(t *testing.T) {
	// The protocol layer wraps read errors, so bare comparisons never match.
	wrappedEOF := fmt.Errorf("protocol: read length: %w", io.EOF)
	wrappedClosed := fmt.Errorf("protocol: read length: %w", net.ErrClosed)

	if !isClosedErr(wrappedEOF) {
		t.Fatalf("wrapped EOF not recognized as clean close")
	}
	if !isClosedErr(wrappedClosed) {
		t.Fatalf("wrapped ErrClosed not recognized as clean close")
	}
	if isClosedErr(fmt.Errorf("protocol: unmarshal: bad json")) {
		t.Fatalf("ordinary error misread as clean close")
	}
	if isClosedErr(nil) {
		t.Fatalf("nil error misread as clean close")
	}
}
