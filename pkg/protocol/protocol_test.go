package protocol

import (
	"bytes"
	"encoding/binary"
	"strings"
	"testing"

	pb "github.com/NicolasHaas/gocall/pkg/protocol/pb"
)

func TestControlMessageFraming(t *testing.T) {
	var buf bytes.Buffer

	out := &pb.ControlMessage{
		CallRequest: &pb.CallRequest{Target: "bob"},
	}
	if err := WriteControlMessage(&buf, out); err != nil {
		t.Fatalf("WriteControlMessage: %v", err)
	}

	// Frame must start with the big-endian payload length.
	raw := buf.Bytes()
	if len(raw) < 4 {
		t.Fatalf("frame too short: %d bytes", len(raw))
	}
	length := binary.BigEndian.Uint32(raw[:4])
	if int(length) != len(raw)-4 {
		t.Fatalf("length prefix mismatch: prefix=%d payload=%d", length, len(raw)-4)
	}

	in, err := ReadControlMessage(&buf)
	if err != nil {
		t.Fatalf("ReadControlMessage: %v", err)
	}
	if in.CallRequest == nil || in.CallRequest.Target != "bob" {
		t.Fatalf("round trip mismatch: %+v", in)
	}
}

func TestReadControlMessageRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, MaxControlMessage+1)
	buf.Write(lenBuf)

	if _, err := ReadControlMessage(&buf); err == nil {
		t.Fatalf("expected error for oversize frame")
	}
}

func TestReadControlMessageTruncated(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteControlMessage(&buf, &pb.ControlMessage{WhoRequest: &pb.WhoRequest{}}); err != nil {
		t.Fatalf("WriteControlMessage: %v", err)
	}
	truncated := bytes.NewReader(buf.Bytes()[:buf.Len()-2])

	if _, err := ReadControlMessage(truncated); err == nil {
		t.Fatalf("expected error for truncated frame")
	}
}

func TestWriteControlMessageRejectsOversize(t *testing.T) {
	msg := &pb.ControlMessage{
		ErrorResponse: &pb.ErrorResponse{Message: strings.Repeat("x", MaxControlMessage)},
	}
	if err := WriteControlMessage(&bytes.Buffer{}, msg); err == nil {
		t.Fatalf("expected error for oversize message")
	}
}

func TestAudioPacketRoundTrip(t *testing.T) {
	pkt := &AudioPacket{
		SeqNum:    42,
		Timestamp: 960 * 42,
		Payload:   []byte{0xde, 0xad, 0xbe, 0xef},
	}

	raw := pkt.Marshal()
	if len(raw) != AudioHeaderSize+4 {
		t.Fatalf("marshal size: want %d got %d", AudioHeaderSize+4, len(raw))
	}

	got, err := UnmarshalAudioPacket(raw)
	if err != nil {
		t.Fatalf("UnmarshalAudioPacket: %v", err)
	}
	if got.SeqNum != pkt.SeqNum || got.Timestamp != pkt.Timestamp || !bytes.Equal(got.Payload, pkt.Payload) {
		t.Fatalf("round trip mismatch: %+v vs %+v", got, pkt)
	}

	if _, err := UnmarshalAudioPacket(raw[:AudioHeaderSize-1]); err == nil {
		t.Fatalf("expected error for short packet")
	}
}
