package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameSize is the largest length a frame may declare (3-byte varint ceiling)
	MaxFrameSize = 2097151

	// ProtocolVersion is the protocol revision this server speaks (1.19.3)
	ProtocolVersion = 761

	// GameVersion is the release name reported in status responses
	GameVersion = "1.19.3"
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size")
	ErrInvalidFrameLength = errors.New("invalid frame length")
)

// Frame is one length-delimited packet on the wire.
// Format: [Length (varint)][Packet ID (varint)][Payload (N bytes)]
// Length counts the packet ID bytes plus the payload.
type Frame struct {
	ID      int32  // Packet ID within the current connection state
	Payload []byte // Packet body
}

// EncodeFrame writes a frame to the writer in a single Write call
func EncodeFrame(w io.Writer, f *Frame) error {
	length := VarIntSize(f.ID) + len(f.Payload)
	if length > MaxFrameSize {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 0, VarIntSize(int32(length))+length)
	buf = AppendVarInt(buf, int32(length))
	buf = AppendVarInt(buf, f.ID)
	buf = append(buf, f.Payload...)

	if _, err := w.Write(buf); err != nil {
		return err
	}

	// Flush if the writer supports it (e.g., *bufio.Writer)
	type flusher interface {
		Flush() error
	}
	if fl, ok := w.(flusher); ok {
		return fl.Flush()
	}

	return nil
}

// DecodeFrame reads one frame from the reader.
// A clean EOF before the length prefix is returned as io.EOF.
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	// Must at least hold a one-byte packet ID
	if length < 1 {
		return nil, ErrInvalidFrameLength
	}

	body := make([]byte, length)
	if err := readFull(r, body); err != nil {
		return nil, err
	}

	br := bytes.NewReader(body)
	id, err := ReadVarInt(br)
	if err != nil {
		return nil, fmt.Errorf("%w: packet id: %v", ErrInvalidFrameLength, err)
	}

	return &Frame{
		ID:      id,
		Payload: body[len(body)-br.Len():],
	}, nil
}

// MarshalPacket serializes a packet body into a frame
func MarshalPacket(p Packet) (*Frame, error) {
	buf := new(bytes.Buffer)
	if err := p.EncodeTo(buf); err != nil {
		return nil, fmt.Errorf("encode packet 0x%02X: %w", p.ID(), err)
	}
	return &Frame{ID: p.ID(), Payload: buf.Bytes()}, nil
}

// WritePacket encodes a packet and writes it as one frame
func WritePacket(w io.Writer, p Packet) error {
	f, err := MarshalPacket(p)
	if err != nil {
		return err
	}
	return EncodeFrame(w, f)
}

// EncodeMessage is a helper that encodes a packet into complete frame bytes
func EncodeMessage(p Packet) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := WritePacket(buf, p); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeMessage is a helper that decodes a frame from a byte slice
func DecodeMessage(data []byte) (*Frame, error) {
	return DecodeFrame(bytes.NewReader(data))
}
