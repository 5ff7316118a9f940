// Package protocol defines the control message framing and the peer audio
// packet format.
package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	pb "github.com/NicolasHaas/gocall/pkg/protocol/pb"
)

const (
	// AudioHeaderSize is the byte size of the audio packet header.
	// [seqNum(4) | timestamp(4)] = 8 bytes
	AudioHeaderSize = 8

	// MaxAudioPayload is the maximum Opus payload size per packet.
	MaxAudioPayload = 1400

	// MaxControlMessage is the maximum control message size (64KB).
	MaxControlMessage = 65536

	// FrameDuration is the Opus frame duration in milliseconds.
	FrameDuration = 20

	// SampleRate is the audio sample rate in Hz.
	SampleRate = 48000

	// AudioChannels is the number of audio channels (mono).
	AudioChannels = 1

	// FrameSize is the number of samples per frame (SampleRate * FrameDuration / 1000).
	FrameSize = SampleRate * FrameDuration / 1000 // 960
)

// AudioPacket is one audio frame sent directly between peers over UDP.
// The path is one-to-one, so the header carries only ordering information.
type AudioPacket struct {
	SeqNum    uint32 // sequence number for reordering
	Timestamp uint32 // RTP-style timestamp
	Payload   []byte // Opus frame
}

// Marshal serializes the audio packet to bytes.
func (p *AudioPacket) Marshal() []byte {
	buf := make([]byte, AudioHeaderSize+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], p.SeqNum)
	binary.BigEndian.PutUint32(buf[4:8], p.Timestamp)
	copy(buf[AudioHeaderSize:], p.Payload)
	return buf
}

// UnmarshalAudioPacket parses an audio packet from raw bytes.
func UnmarshalAudioPacket(data []byte) (*AudioPacket, error) {
	if len(data) < AudioHeaderSize {
		return nil, errors.New("protocol: packet too short")
	}
	pkt := &AudioPacket{
		SeqNum:    binary.BigEndian.Uint32(data[0:4]),
		Timestamp: binary.BigEndian.Uint32(data[4:8]),
		Payload:   make([]byte, len(data)-AudioHeaderSize),
	}
	copy(pkt.Payload, data[AudioHeaderSize:])
	return pkt, nil
}

// WriteControlMessage writes a length-prefixed JSON control message to a writer.
// Format: [4-byte big-endian length][JSON payload]
func WriteControlMessage(w io.Writer, msg *pb.ControlMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("protocol: marshal: %w", err)
	}
	if len(data) > MaxControlMessage {
		return fmt.Errorf("protocol: message too large: %d bytes", len(data))
	}

	// Write length prefix
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(data))) //nolint:gosec // length already bounds-checked above
	if _, err := w.Write(lenBuf); err != nil {
		return fmt.Errorf("protocol: write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("protocol: write payload: %w", err)
	}
	return nil
}

// ReadControlMessage reads a length-prefixed JSON control message from a reader.
func ReadControlMessage(r io.Reader) (*pb.ControlMessage, error) {
	// Read length prefix
	lenBuf := make([]byte, 4)
	if _, err := io.ReadFull(r, lenBuf); err != nil {
		return nil, fmt.Errorf("protocol: read length: %w", err)
	}
	length := binary.BigEndian.Uint32(lenBuf)
	if length > MaxControlMessage {
		return nil, fmt.Errorf("protocol: message too large: %d bytes", length)
	}

	// Read payload
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("protocol: read payload: %w", err)
	}

	msg := &pb.ControlMessage{}
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("protocol: unmarshal: %w", err)
	}
	return msg, nil
}
