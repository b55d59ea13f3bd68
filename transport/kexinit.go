package transport

import (
	"crypto/rand"
	"fmt"

	"github.com/cartpauj/pure-go-sftp/wire"
)

// kexInitPayload mirrors the SSH_MSG_KEXINIT body, RFC 4253 §7.1, minus the
// leading message-number byte, which is not stored: marshal writes it and
// parseKexInit checks it, so the raw payload bytes used in the exchange
// hash include it.
type kexInitPayload struct {
	Cookie                   [16]byte
	KexAlgorithms            []string
	ServerHostKeyAlgorithms  []string
	EncryptionAlgorithmsC2S  []string
	EncryptionAlgorithmsS2C  []string
	MACAlgorithmsC2S         []string
	MACAlgorithmsS2C         []string
	CompressionAlgorithmsC2S []string
	CompressionAlgorithmsS2C []string
	LanguagesC2S             []string
	LanguagesS2C             []string
	FirstKexPacketFollows    bool
}

func newClientKexInit() *kexInitPayload {
	p := &kexInitPayload{
		KexAlgorithms:            DefaultKexAlgorithms,
		ServerHostKeyAlgorithms:  DefaultHostKeyAlgorithms,
		EncryptionAlgorithmsC2S:  DefaultCipherAlgorithms,
		EncryptionAlgorithmsS2C:  DefaultCipherAlgorithms,
		MACAlgorithmsC2S:         DefaultMACAlgorithms,
		MACAlgorithmsS2C:         DefaultMACAlgorithms,
		CompressionAlgorithmsC2S: DefaultCompressionAlgorithms,
		CompressionAlgorithmsS2C: DefaultCompressionAlgorithms,
	}
	_, _ = rand.Read(p.Cookie[:])
	return p
}

// marshal encodes the KEXINIT payload including its leading message number,
// matching what goes out on the wire and what must be hashed into H.
func (p *kexInitPayload) marshal() []byte {
	buf := wire.PutByte(nil, MsgKexInit)
	buf = append(buf, p.Cookie[:]...)
	buf = wire.PutNameList(buf, p.KexAlgorithms)
	buf = wire.PutNameList(buf, p.ServerHostKeyAlgorithms)
	buf = wire.PutNameList(buf, p.EncryptionAlgorithmsC2S)
	buf = wire.PutNameList(buf, p.EncryptionAlgorithmsS2C)
	buf = wire.PutNameList(buf, p.MACAlgorithmsC2S)
	buf = wire.PutNameList(buf, p.MACAlgorithmsS2C)
	buf = wire.PutNameList(buf, p.CompressionAlgorithmsC2S)
	buf = wire.PutNameList(buf, p.CompressionAlgorithmsS2C)
	buf = wire.PutNameList(buf, p.LanguagesC2S)
	buf = wire.PutNameList(buf, p.LanguagesS2C)
	buf = wire.PutBool(buf, p.FirstKexPacketFollows)
	buf = wire.PutUint32(buf, 0) // reserved
	return buf
}

func parseKexInit(payload []byte) (*kexInitPayload, error) {
	if len(payload) < 1 || payload[0] != MsgKexInit {
		return nil, fmt.Errorf("expected KEXINIT, got message %d: %w", firstByte(payload), ErrUnexpectedMessage)
	}
	buf := payload[1:]
	p := &kexInitPayload{}

	if len(buf) < 16 {
		return nil, fmt.Errorf("truncated kexinit cookie: %w", ErrMalformedPacket)
	}
	copy(p.Cookie[:], buf[:16])
	buf = buf[16:]

	fields := []*[]string{
		&p.KexAlgorithms, &p.ServerHostKeyAlgorithms,
		&p.EncryptionAlgorithmsC2S, &p.EncryptionAlgorithmsS2C,
		&p.MACAlgorithmsC2S, &p.MACAlgorithmsS2C,
		&p.CompressionAlgorithmsC2S, &p.CompressionAlgorithmsS2C,
		&p.LanguagesC2S, &p.LanguagesS2C,
	}
	var err error
	for _, f := range fields {
		*f, buf, err = wire.NameList(buf)
		if err != nil {
			return nil, fmt.Errorf("parse kexinit name-list: %w", err)
		}
	}
	p.FirstKexPacketFollows, buf, err = wire.Bool(buf)
	if err != nil {
		return nil, fmt.Errorf("parse kexinit first_kex_packet_follows: %w", err)
	}
	_, _, err = wire.Uint32(buf)
	if err != nil {
		return nil, fmt.Errorf("parse kexinit reserved field: %w", err)
	}
	return p, nil
}

func firstByte(b []byte) int {
	if len(b) == 0 {
		return -1
	}
	return int(b[0])
}
