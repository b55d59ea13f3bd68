package transport

import (
	"bufio"
	"crypto/hmac"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/cartpauj/pure-go-sftp/wire"
)

// clearBlockSize is RFC 4253 §6's minimum padding granularity before any
// cipher is active.
const clearBlockSize = 8

// maxPacketLength guards against a corrupt or hostile length field causing
// an unbounded allocation while parsing.
const maxPacketLength = 256 * 1024

// pipeline frames, pads, encrypts, MACs, and parses SSH binary packets
// (C3). It is read/written synchronously by the transport's own goroutine;
// there is no separate non-blocking accumulator because Go's blocking
// io.Reader plus a dedicated read-pump goroutine already tolerates
// arbitrary fragmentation without callback-based buffering.
type pipeline struct {
	r *bufio.Reader
	w io.Writer

	out *directionContext // nil in the clear phase
	in  *directionContext

	outSeq uint32
	inSeq  uint32
}

func newPipeline(r io.Reader, w io.Writer) *pipeline {
	return &pipeline{r: bufio.NewReaderSize(r, 64*1024), w: w}
}

// setOutbound/setInbound install the post-NEWKEYS cipher/MAC context for
// one direction.
// Sequence numbers are untouched across the NEWKEYS cutover.
func (p *pipeline) setOutbound(dc *directionContext) { p.out = dc }
func (p *pipeline) setInbound(dc *directionContext)  { p.in = dc }

// writePacket frames payload and writes it to the stream, consuming one
// out_seq value regardless of phase or mode.
func (p *pipeline) writePacket(payload []byte) error {
	defer func() { p.outSeq++ }()

	if p.out == nil {
		return p.writeClear(payload)
	}
	if p.out.gcm != nil {
		return p.writeGCM(payload)
	}
	if p.out.etm {
		return p.writeETM(payload)
	}
	return p.writeMACFirst(payload)
}

func (p *pipeline) writeClear(payload []byte) error {
	packet, err := buildPlainPacket(payload, clearBlockSize)
	if err != nil {
		return err
	}
	_, err = p.w.Write(packet)
	return err
}

// writeMACFirst implements the non-ETM CTR+HMAC mode: MAC the plaintext
// packet (including the length field) under out_seq, then encrypt the
// whole thing in place.
func (p *pipeline) writeMACFirst(payload []byte) error {
	packet, err := buildPlainPacket(payload, p.out.blockSize)
	if err != nil {
		return err
	}

	mac := p.out.hmac()
	writeSeq(mac, p.outSeq)
	mac.Write(packet)
	tag := mac.Sum(nil)

	ciphertext := make([]byte, len(packet))
	p.out.stream.XORKeyStream(ciphertext, packet)

	_, err = p.w.Write(append(ciphertext, tag...))
	return err
}

// writeETM implements encrypt-then-MAC: the length field stays plaintext,
// only padding_length||payload||padding is encrypted, and the MAC covers
// out_seq||ciphertext (length field included).
func (p *pipeline) writeETM(payload []byte) error {
	packet, err := buildPlainPacket(payload, p.out.blockSize)
	if err != nil {
		return err
	}

	lengthField := packet[:4]
	rest := packet[4:]
	encrypted := make([]byte, len(rest))
	p.out.stream.XORKeyStream(encrypted, rest)

	ciphertext := append(append([]byte(nil), lengthField...), encrypted...)

	mac := p.out.hmac()
	writeSeq(mac, p.outSeq)
	mac.Write(ciphertext)
	tag := mac.Sum(nil)

	_, err = p.w.Write(append(ciphertext, tag...))
	return err
}

// writeGCM implements AES-GCM framing: packet_length is AAD in the clear,
// padding_length||payload||padding is sealed with a 16-byte tag appended.
func (p *pipeline) writeGCM(payload []byte) error {
	padLen := choosePadding(len(payload), p.out.blockSize, 4)
	rest := make([]byte, 0, 1+len(payload)+padLen)
	rest = append(rest, byte(padLen))
	rest = append(rest, payload...)
	pad := make([]byte, padLen)
	if _, err := rand.Read(pad); err != nil {
		return fmt.Errorf("generate padding: %w", err)
	}
	rest = append(rest, pad...)

	var lengthField [4]byte
	binary.BigEndian.PutUint32(lengthField[:], uint32(len(rest)))

	nonce := p.out.gcmNonce()
	sealed := p.out.gcm.Seal(nil, nonce, rest, lengthField[:])

	_, err := p.w.Write(append(lengthField[:], sealed...))
	return err
}

// buildPlainPacket assembles packet_length||padding_length||payload||padding
// with RFC 4253 §6 minimal random padding, padding_length byte included in
// the block-size computation along with the 4-byte length field.
func buildPlainPacket(payload []byte, blockSize int) ([]byte, error) {
	padLen := choosePadding(len(payload), blockSize, 4)

	packetLen := 1 + len(payload) + padLen
	buf := make([]byte, 0, 4+packetLen)
	buf = wire.PutUint32(buf, uint32(packetLen))
	buf = wire.PutByte(buf, byte(padLen))
	buf = append(buf, payload...)

	pad := make([]byte, padLen)
	if _, err := rand.Read(pad); err != nil {
		return nil, fmt.Errorf("generate padding: %w", err)
	}
	buf = append(buf, pad...)
	return buf, nil
}

// choosePadding returns the minimal padding length >= minPad such that
// 4 (length field) + 1 (padding_length byte) + payloadLen + padLen is a
// multiple of blockSize (or clearBlockSize, whichever is larger).
func choosePadding(payloadLen, blockSize, minPad int) int {
	if blockSize < clearBlockSize {
		blockSize = clearBlockSize
	}
	base := 4 + 1 + payloadLen
	padLen := blockSize - (base % blockSize)
	if padLen < minPad {
		padLen += blockSize
	}
	return padLen
}

// readPacket reads and authenticates the next packet, returning its
// payload (padding stripped) and advancing in_seq by one.
func (p *pipeline) readPacket() ([]byte, error) {
	defer func() { p.inSeq++ }()

	if p.in == nil {
		return p.readClear()
	}
	if p.in.gcm != nil {
		return p.readGCM()
	}
	if p.in.etm {
		return p.readETM()
	}
	return p.readMACFirst()
}

func (p *pipeline) readClear() ([]byte, error) {
	var lengthField [4]byte
	if _, err := io.ReadFull(p.r, lengthField[:]); err != nil {
		return nil, fmt.Errorf("read packet length: %w", err)
	}
	packetLen := binary.BigEndian.Uint32(lengthField[:])
	if err := checkPacketLength(packetLen); err != nil {
		return nil, err
	}
	rest := make([]byte, packetLen)
	if _, err := io.ReadFull(p.r, rest); err != nil {
		return nil, fmt.Errorf("read packet body: %w", err)
	}
	return stripPadding(rest)
}

func (p *pipeline) readMACFirst() ([]byte, error) {
	blockSize := p.in.blockSize
	firstBlock := make([]byte, blockSize)
	if _, err := io.ReadFull(p.r, firstBlock); err != nil {
		return nil, fmt.Errorf("read first cipher block: %w", err)
	}

	plainFirst := make([]byte, blockSize)
	p.in.stream.XORKeyStream(plainFirst, firstBlock)

	packetLen := binary.BigEndian.Uint32(plainFirst[:4])
	if err := checkPacketLength(packetLen); err != nil {
		return nil, err
	}

	remaining := int(packetLen) - (blockSize - 4)
	if remaining < 0 {
		return nil, fmt.Errorf("packet shorter than one cipher block: %w", ErrMalformedPacket)
	}
	restCipher := make([]byte, remaining)
	if _, err := io.ReadFull(p.r, restCipher); err != nil {
		return nil, fmt.Errorf("read packet body: %w", err)
	}
	plainRest := make([]byte, remaining)
	p.in.stream.XORKeyStream(plainRest, restCipher)

	plaintext := append(plainFirst, plainRest...)

	tag := make([]byte, p.in.macLen)
	if _, err := io.ReadFull(p.r, tag); err != nil {
		return nil, fmt.Errorf("read mac: %w", err)
	}

	mac := p.in.hmac()
	writeSeq(mac, p.inSeq)
	mac.Write(plaintext)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, fmt.Errorf("mac mismatch: %w", ErrMACError)
	}

	return stripPadding(plaintext[4:])
}

func (p *pipeline) readETM() ([]byte, error) {
	var lengthField [4]byte
	if _, err := io.ReadFull(p.r, lengthField[:]); err != nil {
		return nil, fmt.Errorf("read packet length: %w", err)
	}
	packetLen := binary.BigEndian.Uint32(lengthField[:])
	if err := checkPacketLength(packetLen); err != nil {
		return nil, err
	}

	restCipher := make([]byte, packetLen)
	if _, err := io.ReadFull(p.r, restCipher); err != nil {
		return nil, fmt.Errorf("read packet body: %w", err)
	}

	tag := make([]byte, p.in.macLen)
	if _, err := io.ReadFull(p.r, tag); err != nil {
		return nil, fmt.Errorf("read mac: %w", err)
	}

	mac := p.in.hmac()
	writeSeq(mac, p.inSeq)
	mac.Write(lengthField[:])
	mac.Write(restCipher)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, fmt.Errorf("mac mismatch: %w", ErrMACError)
	}

	plainRest := make([]byte, len(restCipher))
	p.in.stream.XORKeyStream(plainRest, restCipher)
	return stripPadding(plainRest)
}

func (p *pipeline) readGCM() ([]byte, error) {
	var lengthField [4]byte
	if _, err := io.ReadFull(p.r, lengthField[:]); err != nil {
		return nil, fmt.Errorf("read packet length: %w", err)
	}
	packetLen := binary.BigEndian.Uint32(lengthField[:])
	if err := checkPacketLength(packetLen); err != nil {
		return nil, err
	}

	sealed := make([]byte, int(packetLen)+p.in.gcm.Overhead())
	if _, err := io.ReadFull(p.r, sealed); err != nil {
		return nil, fmt.Errorf("read sealed packet: %w", err)
	}

	nonce := p.in.gcmNonce()
	plain, err := p.in.gcm.Open(nil, nonce, sealed, lengthField[:])
	if err != nil {
		return nil, fmt.Errorf("gcm authentication failed: %w", ErrMACError)
	}
	return stripPadding(plain)
}

func checkPacketLength(n uint32) error {
	if n == 0 || n > maxPacketLength {
		return fmt.Errorf("packet length %d out of range: %w", n, ErrMalformedPacket)
	}
	return nil
}

// stripPadding interprets body as padding_length||payload||padding and
// returns just the payload.
func stripPadding(body []byte) ([]byte, error) {
	if len(body) < 1 {
		return nil, fmt.Errorf("packet body empty: %w", ErrMalformedPacket)
	}
	padLen := int(body[0])
	if padLen < 4 || 1+padLen > len(body) {
		return nil, fmt.Errorf("padding length %d invalid for body of %d bytes: %w", padLen, len(body), ErrBadPadding)
	}
	return body[1 : len(body)-padLen], nil
}

// readLine reads one identification/banner line up to and including '\n',
// per RFC 4253 §4.2, and returns it with any trailing \r\n or \n stripped.
// Used only before any packet framing is active.
func (p *pipeline) readLine() ([]byte, error) {
	line, err := p.r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimRight(line, "\r\n")
	return []byte(line), nil
}

// writeRaw writes line followed by \r\n directly to the stream, bypassing
// packet framing. Used only for the version identification string.
func (p *pipeline) writeRaw(line []byte) error {
	_, err := p.w.Write(append(append([]byte(nil), line...), '\r', '\n'))
	return err
}

func writeSeq(w io.Writer, seq uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], seq)
	w.Write(b[:])
}
