package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the fixed 64-bit value every frame begins with. Anything else on
// the wire is out of protocol and silently dropped by the receiver.
const Magic uint64 = 0x53495332464B4544 // ASCII "SIS2FKED", arbitrary but fixed.

// ErrOutOfProtocol is returned when a datagram does not begin with Magic.
var ErrOutOfProtocol = errors.New("wire: out of protocol (bad magic)")

// ErrExpectedEOF is returned when trailing bytes remain after decoding the
// outermost payload.
var ErrExpectedEOF = errors.New("wire: expected end of frame, trailing bytes remain")

// ErrTruncated is returned when a field cannot be fully read.
var ErrTruncated = errors.New("wire: truncated field")

// Serializer accumulates a semicolon-delimited, backslash-escaped plaintext
// byte stream. Every field, scalar or not, is terminated by an unescaped
// ';'. Collections are length-prefixed; optionals are a 1-byte presence
// flag followed by the payload when present.
type Serializer struct {
	buf []byte
}

// NewSerializer returns an empty Serializer.
func NewSerializer() *Serializer { return &Serializer{} }

// Bytes returns the accumulated byte stream.
func (s *Serializer) Bytes() []byte { return s.buf }

// WriteUint64 renders v as decimal ASCII followed by ';'.
func (s *Serializer) WriteUint64(v uint64) *Serializer {
	s.buf = appendUint64(s.buf, v)
	s.buf = append(s.buf, ';')
	return s
}

// WriteInt64 renders v as decimal ASCII (with leading '-' if negative)
// followed by ';'.
func (s *Serializer) WriteInt64(v int64) *Serializer {
	if v < 0 {
		s.buf = append(s.buf, '-')
		s.buf = appendUint64(s.buf, uint64(-v))
	} else {
		s.buf = appendUint64(s.buf, uint64(v))
	}
	s.buf = append(s.buf, ';')
	return s
}

// WriteBool renders v as "1" or "0" followed by ';'.
func (s *Serializer) WriteBool(v bool) *Serializer {
	if v {
		return s.WriteUint64(1)
	}
	return s.WriteUint64(0)
}

// WriteString escapes ';' and '\' in v, then terminates with an unescaped
// ';'.
func (s *Serializer) WriteString(v string) *Serializer {
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == ';' || c == '\\' {
			s.buf = append(s.buf, '\\')
		}
		s.buf = append(s.buf, c)
	}
	s.buf = append(s.buf, ';')
	return s
}

// WriteLen writes a collection length prefix as a u32 decimal field.
func (s *Serializer) WriteLen(n int) *Serializer {
	return s.WriteUint64(uint64(uint32(n)))
}

// WriteOptionalPresent writes the 1-byte presence flag for an optional
// field. Callers follow with the payload fields only when present is true.
func (s *Serializer) WriteOptionalPresent(present bool) *Serializer {
	return s.WriteBool(present)
}

func appendUint64(buf []byte, v uint64) []byte {
	if v == 0 {
		return append(buf, '0')
	}
	var tmp [20]byte
	i := len(tmp)
	for v > 0 {
		i--
		tmp[i] = byte('0' + v%10)
		v /= 10
	}
	return append(buf, tmp[i:]...)
}

// Deserializer consumes a byte stream produced by Serializer.
type Deserializer struct {
	buf []byte
	pos int
}

// NewDeserializer wraps buf for strict, ordered field reads.
func NewDeserializer(buf []byte) *Deserializer { return &Deserializer{buf: buf} }

// nextField scans forward to the next unescaped ';', returning the
// unescaped field content and advancing past the delimiter.
func (d *Deserializer) nextField() ([]byte, error) {
	var out []byte
	for d.pos < len(d.buf) {
		c := d.buf[d.pos]
		if c == '\\' {
			d.pos++
			if d.pos >= len(d.buf) {
				return nil, ErrTruncated
			}
			out = append(out, d.buf[d.pos])
			d.pos++
			continue
		}
		if c == ';' {
			d.pos++
			return out, nil
		}
		out = append(out, c)
		d.pos++
	}
	return nil, ErrTruncated
}

// ReadUint64 reads and parses the next field as an unsigned decimal.
func (d *Deserializer) ReadUint64() (uint64, error) {
	field, err := d.nextField()
	if err != nil {
		return 0, err
	}
	if len(field) == 0 {
		return 0, fmt.Errorf("wire: empty uint64 field")
	}
	var v uint64
	for _, c := range field {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("wire: invalid uint64 field %q", field)
		}
		v = v*10 + uint64(c-'0')
	}
	return v, nil
}

// ReadInt64 reads and parses the next field as a signed decimal.
func (d *Deserializer) ReadInt64() (int64, error) {
	field, err := d.nextField()
	if err != nil {
		return 0, err
	}
	if len(field) == 0 {
		return 0, fmt.Errorf("wire: empty int64 field")
	}
	neg := field[0] == '-'
	digits := field
	if neg {
		digits = field[1:]
	}
	if len(digits) == 0 {
		return 0, fmt.Errorf("wire: invalid int64 field %q", field)
	}
	var v uint64
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("wire: invalid int64 field %q", field)
		}
		v = v*10 + uint64(c-'0')
	}
	if neg {
		return -int64(v), nil
	}
	return int64(v), nil
}

// ReadBool reads the next field as "0" or "1".
func (d *Deserializer) ReadBool() (bool, error) {
	v, err := d.ReadUint64()
	if err != nil {
		return false, err
	}
	if v > 1 {
		return false, fmt.Errorf("wire: invalid bool field %d", v)
	}
	return v == 1, nil
}

// ReadString reads and unescapes the next field.
func (d *Deserializer) ReadString() (string, error) {
	field, err := d.nextField()
	if err != nil {
		return "", err
	}
	return string(field), nil
}

// ReadLen reads a collection length prefix.
func (d *Deserializer) ReadLen() (int, error) {
	v, err := d.ReadUint64()
	if err != nil {
		return 0, err
	}
	return int(uint32(v)), nil
}

// ReadOptionalPresent reads the 1-byte presence flag for an optional field.
func (d *Deserializer) ReadOptionalPresent() (bool, error) {
	return d.ReadBool()
}

// ExpectEOF fails if unread bytes remain, matching the source's strict
// "trailing bytes after the outermost payload" rule.
func (d *Deserializer) ExpectEOF() error {
	if d.pos != len(d.buf) {
		return ErrExpectedEOF
	}
	return nil
}

// EncodeFrame prepends Magic (as 8 big-endian bytes) to the serialized
// payload, producing a full datagram ready to send.
func EncodeFrame(payload []byte) []byte {
	out := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(out[:8], Magic)
	copy(out[8:], payload)
	return out
}

// DecodeFrame strips and validates the magic prefix, returning the inner
// payload bytes.
func DecodeFrame(datagram []byte) ([]byte, error) {
	if len(datagram) < 8 {
		return nil, ErrOutOfProtocol
	}
	if binary.BigEndian.Uint64(datagram[:8]) != Magic {
		return nil, ErrOutOfProtocol
	}
	return datagram[8:], nil
}
