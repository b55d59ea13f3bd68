// Package wire implements encoding and decoding of the primitive SSH wire
// types defined by RFC 4251 §5: fixed-width integers, length-prefixed
// strings, booleans, mpints and name-lists. It is used by every other
// package in this module that touches the byte stream and has no
// dependencies of its own.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
)

// ErrMalformedField is returned when a buffer is too short to hold the
// field being decoded, or a name-list contains a byte outside US-ASCII
// (above 0x7f).
var ErrMalformedField = errors.New("malformed field")

// PutUint32 appends a big-endian uint32 to buf.
func PutUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

// Uint32 reads a big-endian uint32 from the front of buf, returning the
// value and the remaining bytes.
func Uint32(buf []byte) (uint32, []byte, error) {
	if len(buf) < 4 {
		return 0, nil, fmt.Errorf("read uint32: %w", ErrMalformedField)
	}
	return binary.BigEndian.Uint32(buf), buf[4:], nil
}

// PutUint64 appends a big-endian uint64 to buf.
func PutUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}

// Uint64 reads a big-endian uint64 from the front of buf.
func Uint64(buf []byte) (uint64, []byte, error) {
	if len(buf) < 8 {
		return 0, nil, fmt.Errorf("read uint64: %w", ErrMalformedField)
	}
	return binary.BigEndian.Uint64(buf), buf[8:], nil
}

// PutByte appends a single byte to buf.
func PutByte(buf []byte, v byte) []byte {
	return append(buf, v)
}

// Byte reads a single byte from the front of buf.
func Byte(buf []byte) (byte, []byte, error) {
	if len(buf) < 1 {
		return 0, nil, fmt.Errorf("read byte: %w", ErrMalformedField)
	}
	return buf[0], buf[1:], nil
}

// PutBool appends an SSH boolean (a single 0x00 or 0x01 byte) to buf.
func PutBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, 1)
	}
	return append(buf, 0)
}

// Bool reads an SSH boolean from the front of buf. Any non-zero byte is
// treated as true, matching RFC 4251's "byte" underlying encoding.
func Bool(buf []byte) (bool, []byte, error) {
	b, rest, err := Byte(buf)
	if err != nil {
		return false, nil, fmt.Errorf("read boolean: %w", err)
	}
	return b != 0, rest, nil
}

// PutString appends an SSH string (uint32 length prefix, raw bytes) to buf.
func PutString(buf []byte, s []byte) []byte {
	buf = PutUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

// PutStringValue is a convenience wrapper for PutString taking a Go string.
func PutStringValue(buf []byte, s string) []byte {
	return PutString(buf, []byte(s))
}

// String reads an SSH string from the front of buf, returning its raw bytes
// and the remaining buffer.
func String(buf []byte) ([]byte, []byte, error) {
	n, rest, err := Uint32(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("read string length: %w", err)
	}
	if uint64(len(rest)) < uint64(n) {
		return nil, nil, fmt.Errorf("read string body (want %d, have %d): %w", n, len(rest), ErrMalformedField)
	}
	return rest[:n], rest[n:], nil
}

// StringValue reads an SSH string and decodes it as a Go string.
func StringValue(buf []byte) (string, []byte, error) {
	s, rest, err := String(buf)
	if err != nil {
		return "", nil, err
	}
	return string(s), rest, nil
}

// PutNameList appends a comma-joined name-list to buf.
func PutNameList(buf []byte, names []string) []byte {
	return PutStringValue(buf, strings.Join(names, ","))
}

// NameList reads a comma-joined, US-ASCII name-list from the front of buf.
// An empty string decodes to an empty (non-nil) slice, matching RFC 4251.
func NameList(buf []byte) ([]string, []byte, error) {
	s, rest, err := String(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("read name-list: %w", err)
	}
	for _, b := range s {
		if b > 0x7f {
			return nil, nil, fmt.Errorf("name-list contains non-ASCII byte 0x%02x: %w", b, ErrMalformedField)
		}
	}
	if len(s) == 0 {
		return []string{}, rest, nil
	}
	return strings.Split(string(s), ","), rest, nil
}

// PutMpint appends an mpint (RFC 4251 §5) encoding of v to buf: a minimal
// two's-complement big-endian representation, prefixed with a 0x00 byte
// whenever the first encoded byte would otherwise have its high bit set, so
// that the value is read back unambiguously as non-negative. This module
// deals exclusively in non-negative mpints (DH/ECDH shared secrets and RSA
// key components); negative values are not supported.
func PutMpint(buf []byte, v *big.Int) []byte {
	if v.Sign() == 0 {
		return PutUint32(buf, 0)
	}
	if v.Sign() < 0 {
		panic("wire: PutMpint does not support negative integers")
	}
	b := v.Bytes()
	if b[0]&0x80 != 0 {
		out := make([]byte, 0, len(b)+1)
		out = append(out, 0x00)
		out = append(out, b...)
		b = out
	}
	return PutString(buf, b)
}

// Mpint reads an mpint from the front of buf.
func Mpint(buf []byte) (*big.Int, []byte, error) {
	b, rest, err := String(buf)
	if err != nil {
		return nil, nil, fmt.Errorf("read mpint: %w", err)
	}
	return new(big.Int).SetBytes(b), rest, nil
}
