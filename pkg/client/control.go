// Package client implements the GoCall client shim: the control plane
// connection, the signaling command surface, and the peer audio path.
package client

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/NicolasHaas/gocall/pkg/protocol"
	pb "github.com/NicolasHaas/gocall/pkg/protocol/pb"
)

// EventHandler is a callback for incoming control events.
type EventHandler func(msg *pb.ControlMessage)

// ControlClient manages the TCP control plane connection.
type ControlClient struct {
	conn    net.Conn
	mu      sync.Mutex
	handler EventHandler
	done    chan struct{}
}

// NewControlClient connects to the server's control plane.
func NewControlClient(addr string) (*ControlClient, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("client: connect control: %w", err)
	}
	return newControlClient(conn), nil
}

func newControlClient(conn net.Conn) *ControlClient {
	return &ControlClient{
		conn: conn,
		done: make(chan struct{}),
	}
}

// SetEventHandler sets the callback for incoming control messages.
func (c *ControlClient) SetEventHandler(handler EventHandler) {
	c.handler = handler
}

// Send sends a control message to the server.
func (c *ControlClient) Send(msg *pb.ControlMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return protocol.WriteControlMessage(c.conn, msg)
}

// Register sends the registration handshake and returns the server's
// response. Must be called before StartReceiving; the first frame on a
// connection belongs to the handshake.
func (c *ControlClient) Register(username string, udpPort int) (*pb.RegisterResponse, error) {
	if err := c.Send(&pb.ControlMessage{
		RegisterRequest: &pb.RegisterRequest{
			Username: username,
			UDPPort:  udpPort,
		},
	}); err != nil {
		return nil, fmt.Errorf("client: send register: %w", err)
	}

	msg, err := protocol.ReadControlMessage(c.conn)
	if err != nil {
		return nil, fmt.Errorf("client: read register response: %w", err)
	}

	if msg.ErrorResponse != nil {
		return nil, fmt.Errorf("register failed: %s", msg.ErrorResponse.Message)
	}
	if msg.RegisterResponse == nil {
		return nil, fmt.Errorf("client: unexpected response type")
	}
	return msg.RegisterResponse, nil
}

// StartReceiving starts a goroutine that reads incoming control messages
// and dispatches them to the event handler.
func (c *ControlClient) StartReceiving() {
	go func() {
		defer close(c.done)
		for {
			msg, err := protocol.ReadControlMessage(c.conn)
			if err != nil {
				if isClosedErr(err) {
					slog.Debug("control connection closed")
					return
				}
				slog.Error("control read error", "err", err)
				return
			}
			if c.handler != nil {
				c.handler(msg)
			}
		}
	}()
}

// Close closes the control connection.
func (c *ControlClient) Close() error {
	return c.conn.Close()
}

// Done returns a channel that's closed when the connection is lost.
func (c *ControlClient) Done() <-chan struct{} {
	return c.done
}

// isClosedErr reports whether err is a clean end of connection. Read errors
// come wrapped by the protocol layer, so unwrap-aware matching is required.
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
