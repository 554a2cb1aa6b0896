package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"unicode/utf8"

	"github.com/google/uuid"
)

const (
	// MaxVarIntLen is the maximum number of 7-bit groups in a varint
	MaxVarIntLen = 5
	// MaxVarLongLen is the maximum number of 7-bit groups in a varlong
	MaxVarLongLen = 10

	// Declared character limits used by the packets in this revision
	MaxIdentifierLen = 32767
	MaxChatLen       = 262144
	MaxUsernameLen   = 16
	MaxChatInputLen  = 256
)

var (
	ErrVarIntTooLong   = errors.New("varint too long")
	ErrVarLongTooLong  = errors.New("varlong too long")
	ErrStringTooLong   = errors.New("string exceeds maximum length")
	ErrNegativeLength  = errors.New("negative length prefix")
	ErrInvalidUTF8     = errors.New("string is not valid UTF-8")
	ErrPositionOverrun = errors.New("position component out of range")
)

// Position is a block position packed into a single 64-bit word on the wire.
// X and Z are 26-bit signed values, Y is a 12-bit signed value.
type Position struct {
	X int32
	Y int32
	Z int32
}

// Pack encodes the position as X<<38 | Z<<12 | Y.
func (p Position) Pack() int64 {
	return (int64(p.X)&0x3FFFFFF)<<38 | (int64(p.Z)&0x3FFFFFF)<<12 | int64(p.Y)&0xFFF
}

// UnpackPosition is the inverse of Position.Pack, sign-extending each component.
func UnpackPosition(v int64) Position {
	return Position{
		X: int32(v >> 38),
		Y: int32(v << 52 >> 52),
		Z: int32(v << 26 >> 38),
	}
}

// Valid reports whether every component fits its bit width.
func (p Position) Valid() bool {
	const xzMax, yMax = 1<<25 - 1, 1<<11 - 1
	return p.X >= -xzMax-1 && p.X <= xzMax &&
		p.Z >= -xzMax-1 && p.Z <= xzMax &&
		p.Y >= -yMax-1 && p.Y <= yMax
}

// readByte reads one byte, using io.ByteReader when available
func readByte(r io.Reader) (byte, error) {
	if br, ok := r.(io.ByteReader); ok {
		return br.ReadByte()
	}
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}
	return b[0], nil
}

// VarIntSize returns the number of bytes needed to encode v
func VarIntSize(v int32) int {
	u := uint32(v)
	n := 1
	for u >= 0x80 {
		u >>= 7
		n++
	}
	return n
}

// AppendVarInt appends the varint encoding of v to b
func AppendVarInt(b []byte, v int32) []byte {
	u := uint32(v)
	for u >= 0x80 {
		b = append(b, byte(u)|0x80)
		u >>= 7
	}
	return append(b, byte(u))
}

// AppendVarLong appends the varlong encoding of v to b
func AppendVarLong(b []byte, v int64) []byte {
	u := uint64(v)
	for u >= 0x80 {
		b = append(b, byte(u)|0x80)
		u >>= 7
	}
	return append(b, byte(u))
}

// WriteVarInt writes a 7-bit-group little-endian varint
func WriteVarInt(w io.Writer, v int32) error {
	var buf [MaxVarIntLen]byte
	_, err := w.Write(AppendVarInt(buf[:0], v))
	return err
}

// ReadVarInt reads a varint, failing after MaxVarIntLen groups
func ReadVarInt(r io.Reader) (int32, error) {
	var result uint32
	for i := 0; i < MaxVarIntLen; i++ {
		b, err := readByte(r)
		if err != nil {
			if i > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		result |= uint32(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return int32(result), nil
		}
	}
	return 0, ErrVarIntTooLong
}

// WriteVarLong writes a 7-bit-group little-endian varlong
func WriteVarLong(w io.Writer, v int64) error {
	var buf [MaxVarLongLen]byte
	_, err := w.Write(AppendVarLong(buf[:0], v))
	return err
}

// ReadVarLong reads a varlong, failing after MaxVarLongLen groups
func ReadVarLong(r io.Reader) (int64, error) {
	var result uint64
	for i := 0; i < MaxVarLongLen; i++ {
		b, err := readByte(r)
		if err != nil {
			if i > 0 && err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return 0, err
		}
		result |= uint64(b&0x7F) << (7 * i)
		if b&0x80 == 0 {
			return int64(result), nil
		}
	}
	return 0, ErrVarLongTooLong
}

// readFull reads exactly len(buf) bytes, reporting a short buffer as io.ErrUnexpectedEOF
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}

func WriteBool(w io.Writer, v bool) error {
	if v {
		return WriteUint8(w, 1)
	}
	return WriteUint8(w, 0)
}

func ReadBool(r io.Reader) (bool, error) {
	b, err := ReadUint8(r)
	return b != 0, err
}

func WriteUint8(w io.Writer, v uint8) error {
	_, err := w.Write([]byte{v})
	return err
}

func ReadUint8(r io.Reader) (uint8, error) {
	b, err := readByte(r)
	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	return b, err
}

func WriteInt8(w io.Writer, v int8) error {
	return WriteUint8(w, uint8(v))
}

func ReadInt8(r io.Reader) (int8, error) {
	b, err := ReadUint8(r)
	return int8(b), err
}

func WriteUint16(w io.Writer, v uint16) error {
	var buf [2]byte
	binary.BigEndian.PutUint16(buf[:], v)
	_, err := w.Write(buf[:])
	return err
}

func ReadUint16(r io.Reader) (uint16, error) {
	var buf [2]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

func WriteInt16(w io.Writer, v int16) error {
	return WriteUint16(w, uint16(v))
}

func ReadInt16(r io.Reader) (int16, error) {
	v, err := ReadUint16(r)
	return int16(v), err
}

func WriteInt32(w io.Writer, v int32) error {
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(v))
	_, err := w.Write(buf[:])
	return err
}

func ReadInt32(r io.Reader) (int32, error) {
	var buf [4]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(buf[:])), nil
}

func WriteInt64(w io.Writer, v int64) error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(v))
	_, err := w.Write(buf[:])
	return err
}

func ReadInt64(r io.Reader) (int64, error) {
	var buf [8]byte
	if err := readFull(r, buf[:]); err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(buf[:])), nil
}

func WriteFloat32(w io.Writer, v float32) error {
	return WriteInt32(w, int32(math.Float32bits(v)))
}

func ReadFloat32(r io.Reader) (float32, error) {
	v, err := ReadInt32(r)
	return math.Float32frombits(uint32(v)), err
}

func WriteFloat64(w io.Writer, v float64) error {
	return WriteInt64(w, int64(math.Float64bits(v)))
}

func ReadFloat64(r io.Reader) (float64, error) {
	v, err := ReadInt64(r)
	return math.Float64frombits(uint64(v)), err
}

// maxStringBytes is the byte budget for a string declared with maxChars characters
func maxStringBytes(maxChars int) int {
	return maxChars*4 + 3
}

// WriteString writes a varint byte count followed by UTF-8 bytes.
// Fails with ErrStringTooLong when the byte length exceeds 4*maxChars+3.
func WriteString(w io.Writer, s string, maxChars int) error {
	if len(s) > maxStringBytes(maxChars) {
		return fmt.Errorf("%w: %d bytes, limit %d chars", ErrStringTooLong, len(s), maxChars)
	}
	if err := WriteVarInt(w, int32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadString reads a length-prefixed UTF-8 string bounded by maxChars
func ReadString(r io.Reader, maxChars int) (string, error) {
	n, err := ReadVarInt(r)
	if err != nil {
		return "", err
	}
	if n < 0 {
		return "", ErrNegativeLength
	}
	if int(n) > maxStringBytes(maxChars) {
		return "", fmt.Errorf("%w: %d bytes, limit %d chars", ErrStringTooLong, n, maxChars)
	}
	buf := make([]byte, n)
	if err := readFull(r, buf); err != nil {
		return "", err
	}
	if !utf8.Valid(buf) {
		return "", ErrInvalidUTF8
	}
	return string(buf), nil
}

// WriteUUID writes the 16 raw bytes of a UUID (big-endian 128-bit)
func WriteUUID(w io.Writer, id uuid.UUID) error {
	_, err := w.Write(id[:])
	return err
}

func ReadUUID(r io.Reader) (uuid.UUID, error) {
	var id uuid.UUID
	if err := readFull(r, id[:]); err != nil {
		return uuid.Nil, err
	}
	return id, nil
}

func WritePosition(w io.Writer, p Position) error {
	if !p.Valid() {
		return fmt.Errorf("%w: %+v", ErrPositionOverrun, p)
	}
	return WriteInt64(w, p.Pack())
}

func ReadPosition(r io.Reader) (Position, error) {
	v, err := ReadInt64(r)
	if err != nil {
		return Position{}, err
	}
	return UnpackPosition(v), nil
}

// ReadBytes reads exactly n bytes
func ReadBytes(r io.Reader, n int) ([]byte, error) {
	if n < 0 {
		return nil, ErrNegativeLength
	}
	buf := make([]byte, n)
	if err := readFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteByteArray writes a varint length followed by the bytes
func WriteByteArray(w io.Writer, b []byte) error {
	if err := WriteVarInt(w, int32(len(b))); err != nil {
		return err
	}
	_, err := w.Write(b)
	return err
}

// ReadByteArray reads a varint-length-prefixed byte slice bounded by max
func ReadByteArray(r io.Reader, max int) ([]byte, error) {
	n, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if int(n) > max {
		return nil, fmt.Errorf("byte array of %d bytes exceeds limit %d", n, max)
	}
	return ReadBytes(r, int(n))
}

// ReadRemaining returns everything left in the reader
func ReadRemaining(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if data == nil {
		data = []byte{}
	}
	return data, nil
}

// WriteLongArray writes a varint count followed by big-endian longs (bit sets)
func WriteLongArray(w io.Writer, longs []int64) error {
	if err := WriteVarInt(w, int32(len(longs))); err != nil {
		return err
	}
	for _, v := range longs {
		if err := WriteInt64(w, v); err != nil {
			return err
		}
	}
	return nil
}

// ReadLongArray reads a varint-counted array of longs bounded by max entries
func ReadLongArray(r io.Reader, max int) ([]int64, error) {
	n, err := ReadVarInt(r)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, ErrNegativeLength
	}
	if int(n) > max {
		return nil, fmt.Errorf("long array of %d entries exceeds limit %d", n, max)
	}
	longs := make([]int64, n)
	for i := range longs {
		if longs[i], err = ReadInt64(r); err != nil {
			return nil, err
		}
	}
	return longs, nil
}
