package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/NicolasHaas/gocall/pkg/audio"
	"github.com/NicolasHaas/gocall/pkg/protocol"
	pb "github.com/NicolasHaas/gocall/pkg/protocol/pb"
)

// Phase is the shim's view of its current call attempt.
type Phase int

const (
	PhaseIdle        Phase = iota
	PhaseDialing           // call sent, waiting for the server's verdict
	PhaseQueued            // parked in the target's wait queue
	PhaseRingingOut        // target is being rung
	PhaseRingingIn         // someone is ringing us
	PhaseNegotiating       // accepted, exchanging endpoints
	PhaseActive            // audio flowing peer to peer
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDialing:
		return "dialing"
	case PhaseQueued:
		return "queued"
	case PhaseRingingOut:
		return "ringing"
	case PhaseRingingIn:
		return "incoming"
	case PhaseNegotiating:
		return "negotiating"
	case PhaseActive:
		return "active"
	default:
		return "unknown"
	}
}

// Capturer reads PCM frames from an input device.
type Capturer interface {
	Start() error
	ReadFrame() ([]int16, error)
	Stop() error
	Close() error
}

// Player writes PCM frames to an output device.
type Player interface {
	Start() error
	WriteFrame(frame []int16) error
	Stop() error
}

// FrameEncoder encodes PCM to Opus.
type FrameEncoder interface {
	Encode(pcm []int16) ([]byte, error)
}

// FrameDecoder decodes Opus to PCM, with loss concealment.
type FrameDecoder interface {
	Decode(data []byte) ([]int16, error)
	DecodePLC() ([]int16, error)
}

// Options configures a Shim.
type Options struct {
	Server      string // control plane address
	Username    string
	UDPPort     int  // local audio port; 0 picks an ephemeral one
	EnableAudio bool // false = signaling only (useful headless or in tests)
}

// Shim is the client-side endpoint of the signaling protocol. It keeps the
// control connection, answers handoff requests on its own, and moves the
// audio path in and out of calls as resolutions arrive. One shim, one
// username, at most one call at a time.
type Shim struct {
	mu        sync.RWMutex
	opts      Options
	control   *ControlClient
	transport *PeerTransport
	phase     Phase
	peer      string // peer username for the current attempt

	capture  Capturer
	playback Player
	encoder  FrameEncoder
	decoder  FrameDecoder
	vad      *audio.VAD
	jitter   *JitterBuffer

	ctx    context.Context
	cancel context.CancelFunc

	// Callbacks for the frontend. All optional; invoked from the receive
	// goroutine, so keep them quick.
	OnIncomingCall func(caller string)
	OnQueued       func(target string, position int)
	OnAvailable    func(target string)
	OnResolved     func(outcome, peer string)
	OnActive       func(peer string)
	OnWho          func(users []pb.UserStatus)
	OnError        func(code pb.ErrorCode, message string)
	OnDisconnect   func(reason string)
}

// NewShim creates a shim; call Connect to go online.
func NewShim(opts Options) *Shim {
	ctx, cancel := context.WithCancel(context.Background())
	return &Shim{
		opts:   opts,
		phase:  PhaseIdle,
		vad:    audio.NewVAD(200, 15), // threshold=200, hold=300ms
		jitter: NewJitterBuffer(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Connect binds the audio socket, registers with the server, and starts the
// receive and audio pipelines.
func (s *Shim) Connect() error {
	transport, err := NewPeerTransport(s.opts.UDPPort)
	if err != nil {
		return err
	}

	ctrl, err := NewControlClient(s.opts.Server)
	if err != nil {
		_ = transport.Close()
		return err
	}

	resp, err := ctrl.Register(s.opts.Username, transport.Port())
	if err != nil {
		_ = ctrl.Close()
		_ = transport.Close()
		return err
	}

	s.mu.Lock()
	s.control = ctrl
	s.transport = transport
	s.mu.Unlock()

	slog.Info("registered", "user", resp.Username, "audio_port", transport.Port())

	ctrl.SetEventHandler(s.handleEvent)
	ctrl.StartReceiving()
	transport.StartReceiving()

	if s.opts.EnableAudio {
		// PortAudio init can be slow; do it off the connect path.
		go func() {
			if err := s.initAudio(); err != nil {
				slog.Error("audio init failed (continuing without audio)", "err", err)
				return
			}
			go s.captureLoop()
			go s.playbackLoop()
		}()
	}

	go func() {
		<-ctrl.Done()
		s.cancel()
		if s.OnDisconnect != nil {
			s.OnDisconnect("connection lost")
		}
	}()

	return nil
}

func (s *Shim) initAudio() error {
	capture, err := audio.NewCaptureDevice(protocol.SampleRate, protocol.FrameSize)
	if err != nil {
		return fmt.Errorf("capture device: %w", err)
	}
	if err := capture.Start(); err != nil {
		return fmt.Errorf("start capture: %w", err)
	}

	playback, err := audio.NewPlaybackDevice(protocol.SampleRate, protocol.FrameSize)
	if err != nil {
		_ = capture.Close()
		return fmt.Errorf("playback device: %w", err)
	}
	if err := playback.Start(); err != nil {
		_ = capture.Close()
		return fmt.Errorf("start playback: %w", err)
	}

	encoder, err := audio.NewEncoder()
	if err != nil {
		_ = capture.Close()
		_ = playback.Stop()
		return fmt.Errorf("encoder: %w", err)
	}
	decoder, err := audio.NewDecoder()
	if err != nil {
		_ = capture.Close()
		_ = playback.Stop()
		return fmt.Errorf("decoder: %w", err)
	}

	s.mu.Lock()
	s.capture = capture
	s.playback = playback
	s.encoder = encoder
	s.decoder = decoder
	s.mu.Unlock()
	return nil
}

// Phase returns the current call phase.
func (s *Shim) Phase() Phase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Peer returns the peer username of the current attempt, if any.
func (s *Shim) Peer() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

func (s *Shim) setPhase(phase Phase, peer string) {
	s.mu.Lock()
	s.phase = phase
	s.peer = peer
	s.mu.Unlock()
}

// Call asks the server to ring target.
func (s *Shim) Call(target string) error {
	s.setPhase(PhaseDialing, target)
	return s.control.Send(&pb.ControlMessage{CallRequest: &pb.CallRequest{Target: target}})
}

// Accept answers the currently ringing incoming call.
func (s *Shim) Accept() error {
	return s.control.Send(&pb.ControlMessage{AcceptRequest: &pb.AcceptRequest{}})
}

// Reject declines the currently ringing incoming call.
func (s *Shim) Reject() error {
	return s.control.Send(&pb.ControlMessage{RejectRequest: &pb.RejectRequest{}})
}

// Hangup ends or abandons the current attempt, whatever its phase.
func (s *Shim) Hangup() error {
	return s.control.Send(&pb.ControlMessage{HangupRequest: &pb.HangupRequest{}})
}

// Who asks for the directory snapshot; the answer arrives via OnWho.
func (s *Shim) Who() error {
	return s.control.Send(&pb.ControlMessage{WhoRequest: &pb.WhoRequest{}})
}

// Close tears everything down.
func (s *Shim) Close() error {
	s.cancel()
	s.mu.RLock()
	ctrl, transport := s.control, s.transport
	capture, playback := s.capture, s.playback
	s.mu.RUnlock()

	if capture != nil {
		_ = capture.Stop()
	}
	if playback != nil {
		_ = playback.Stop()
	}
	if transport != nil {
		_ = transport.Close()
	}
	if ctrl != nil {
		return ctrl.Close()
	}
	return nil
}

// handleEvent dispatches incoming server messages.
func (s *Shim) handleEvent(msg *pb.ControlMessage) {
	switch {
	case msg.CallResponse != nil:
		s.mu.Lock()
		target := s.peer
		if msg.CallResponse.State == "queued" {
			s.phase = PhaseQueued
		} else {
			s.phase = PhaseRingingOut
		}
		s.mu.Unlock()
		if msg.CallResponse.State == "queued" && s.OnQueued != nil {
			s.OnQueued(target, msg.CallResponse.Position)
		}

	case msg.IncomingCallEvent != nil:
		s.setPhase(PhaseRingingIn, msg.IncomingCallEvent.Caller)
		if s.OnIncomingCall != nil {
			s.OnIncomingCall(msg.IncomingCallEvent.Caller)
		}

	case msg.QueuedEvent != nil:
		if s.OnQueued != nil {
			s.OnQueued(msg.QueuedEvent.Target, msg.QueuedEvent.Position)
		}

	case msg.AvailableEvent != nil:
		s.setPhase(PhaseRingingOut, msg.AvailableEvent.Target)
		if s.OnAvailable != nil {
			s.OnAvailable(msg.AvailableEvent.Target)
		}

	case msg.HandoffRequest != nil:
		// Answer on our own: empty address means "use the address you see
		// this connection from", the port is our bound audio socket.
		s.setPhase(PhaseNegotiating, msg.HandoffRequest.Peer)
		offer := &pb.ControlMessage{EndpointOffer: &pb.EndpointOffer{Port: s.transport.Port()}}
		if err := s.control.Send(offer); err != nil {
			slog.Error("endpoint offer failed", "err", err)
		}

	case msg.EndpointEvent != nil:
		s.jitter.Reset()
		if err := s.transport.Connect(msg.EndpointEvent.Address, msg.EndpointEvent.Port); err != nil {
			slog.Error("peer connect failed", "err", err)
		}

	case msg.CallResolvedEvent != nil:
		s.handleResolved(msg.CallResolvedEvent)

	case msg.WhoResponse != nil:
		if s.OnWho != nil {
			s.OnWho(msg.WhoResponse.Users)
		}

	case msg.ErrorResponse != nil:
		// A failed command leaves the attempt where the server says it is;
		// dialing state is local and rolls back.
		s.mu.Lock()
		if s.phase == PhaseDialing {
			s.phase = PhaseIdle
			s.peer = ""
		}
		s.mu.Unlock()
		if s.OnError != nil {
			s.OnError(msg.ErrorResponse.Code, msg.ErrorResponse.Message)
		}

	case msg.HangupResponse != nil:
		// Our own hangup acknowledged: the attempt is gone.
		s.leaveCall()

	case msg.Ping != nil:
		_ = s.control.Send(&pb.ControlMessage{Pong: &pb.Pong{Timestamp: msg.Ping.Timestamp}})
	}
}

func (s *Shim) handleResolved(ev *pb.CallResolvedEvent) {
	if ev.Outcome == "accepted" {
		s.setPhase(PhaseActive, ev.Peer)
		if s.OnActive != nil {
			s.OnActive(ev.Peer)
		}
		if s.OnResolved != nil {
			s.OnResolved(ev.Outcome, ev.Peer)
		}
		return
	}

	s.leaveCall()
	if s.OnResolved != nil {
		s.OnResolved(ev.Outcome, ev.Peer)
	}
}

// leaveCall returns the shim to idle and detaches the audio path.
func (s *Shim) leaveCall() {
	s.setPhase(PhaseIdle, "")
	if s.transport != nil {
		s.transport.Disconnect()
	}
	s.jitter.Reset()
}

// captureLoop reads the mic, runs VAD, encodes, and sends to the peer.
func (s *Shim) captureLoop() {
	var timestamp uint32

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.mu.RLock()
		capture := s.capture
		encoder := s.encoder
		transport := s.transport
		active := s.phase == PhaseActive
		s.mu.RUnlock()

		if capture == nil || encoder == nil || transport == nil {
			return
		}

		pcm, err := capture.ReadFrame()
		if err != nil {
			slog.Debug("capture read error", "err", err)
			return
		}

		// Only send while in a call and while the speaker is audible
		if !active || !s.vad.Process(pcm) {
			timestamp += protocol.FrameSize
			continue
		}

		opusData, err := encoder.Encode(pcm)
		if err != nil {
			slog.Debug("encode error", "err", err)
			timestamp += protocol.FrameSize
			continue
		}

		if err := transport.SendAudio(opusData, timestamp); err != nil {
			slog.Debug("audio send error", "err", err)
		}

		timestamp += protocol.FrameSize
	}
}

// playbackLoop receives peer packets, reorders, decodes, and plays them.
func (s *Shim) playbackLoop() {
	for {
		s.mu.RLock()
		transport := s.transport
		playback := s.playback
		s.mu.RUnlock()

		if transport == nil || playback == nil {
			return
		}

		select {
		case <-s.ctx.Done():
			return
		case pkt := <-transport.IncomingPackets:
			s.processIncomingAudio(pkt, playback)
		}
	}
}

// processIncomingAudio runs one packet through the jitter buffer and plays
// whatever comes out, concealing losses.
func (s *Shim) processIncomingAudio(pkt *protocol.AudioPacket, playback Player) {
	s.mu.RLock()
	decoder := s.decoder
	s.mu.RUnlock()
	if decoder == nil {
		return
	}

	s.jitter.Push(pkt.SeqNum, pkt.Payload)

	for {
		data, _, ok := s.jitter.Pop()
		if !ok {
			break
		}

		var pcm []int16
		var err error
		if data == nil {
			// Packet lost — use PLC
			pcm, err = decoder.DecodePLC()
		} else {
			pcm, err = decoder.Decode(data)
		}
		if err != nil {
			slog.Debug("decode error", "err", err)
			continue
		}

		if err := playback.WriteFrame(pcm); err != nil {
			slog.Debug("playback error", "err", err)
		}
	}
}
