package client

import (
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/NicolasHaas/gocall/pkg/protocol"
)

// PeerTransport is the direct UDP audio path between two shims. The socket
// is bound at startup so the local port can be advertised at registration;
// a peer is attached when a handoff completes and detached when the call
// resolves. The server never touches this path.
type PeerTransport struct {
	conn   *net.UDPConn
	mu     sync.Mutex
	peer   *net.UDPAddr // nil = no active call
	seqNum uint32

	// Incoming audio packets from the current peer are sent here.
	IncomingPackets chan *protocol.AudioPacket

	done chan struct{}
}

// NewPeerTransport binds the local UDP audio socket. Port 0 picks an
// ephemeral port; read the result back with Port().
func NewPeerTransport(port int) (*PeerTransport, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("client: bind audio socket: %w", err)
	}

	// Increase buffer sizes
	_ = conn.SetReadBuffer(512 * 1024)
	_ = conn.SetWriteBuffer(512 * 1024)

	return &PeerTransport{
		conn:            conn,
		IncomingPackets: make(chan *protocol.AudioPacket, 100),
		done:            make(chan struct{}),
	}, nil
}

// Port returns the local port the audio socket is bound to.
func (p *PeerTransport) Port() int {
	return p.conn.LocalAddr().(*net.UDPAddr).Port
}

// Connect attaches the peer endpoint received from the handoff. Subsequent
// SendAudio calls go there; packets from other sources are ignored.
func (p *PeerTransport) Connect(address string, port int) error {
	addr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(address, fmt.Sprintf("%d", port)))
	if err != nil {
		return fmt.Errorf("client: resolve peer endpoint: %w", err)
	}

	p.mu.Lock()
	p.peer = addr
	p.seqNum = 0
	p.mu.Unlock()

	slog.Debug("peer audio path attached", "peer", addr)
	return nil
}

// Disconnect detaches the current peer. The socket stays bound for the
// next call.
func (p *PeerTransport) Disconnect() {
	p.mu.Lock()
	p.peer = nil
	p.mu.Unlock()
}

// SendAudio sends an Opus frame to the current peer. A no-op outside an
// active call.
func (p *PeerTransport) SendAudio(opusData []byte, timestamp uint32) error {
	p.mu.Lock()
	peer := p.peer
	if peer == nil {
		p.mu.Unlock()
		return nil
	}
	p.seqNum++
	seqNum := p.seqNum
	p.mu.Unlock()

	pkt := &protocol.AudioPacket{
		SeqNum:    seqNum,
		Timestamp: timestamp,
		Payload:   opusData,
	}
	_, err := p.conn.WriteToUDP(pkt.Marshal(), peer)
	return err
}

// StartReceiving starts listening for incoming audio packets. Packets from
// anyone but the attached peer are dropped.
func (p *PeerTransport) StartReceiving() {
	go func() {
		defer close(p.done)
		buf := make([]byte, protocol.AudioHeaderSize+protocol.MaxAudioPayload)

		for {
			n, src, err := p.conn.ReadFromUDP(buf)
			if err != nil {
				select {
				case <-p.done:
					return
				default:
					slog.Debug("audio read error", "err", err)
					return
				}
			}

			p.mu.Lock()
			peer := p.peer
			p.mu.Unlock()
			if peer == nil || src.Port != peer.Port || !src.IP.Equal(peer.IP) {
				continue // not in a call, or not our peer
			}

			pkt, err := protocol.UnmarshalAudioPacket(buf[:n])
			if err != nil {
				continue
			}

			select {
			case p.IncomingPackets <- pkt:
			default:
				// Drop packet if channel is full (back-pressure)
			}
		}
	}()
}

// Close closes the audio socket.
func (p *PeerTransport) Close() error {
	return p.conn.Close()
}
