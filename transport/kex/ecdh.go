package kex

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"hash"

	"github.com/cartpauj/pure-go-sftp/wire"
)

// Message numbers for the ECDH family, RFC 5656 §4.
const (
	msgKexECDHInit  = 30
	msgKexECDHReply = 31
)

var (
	curveP256 = elliptic.P256()
	curveP384 = elliptic.P384()
	curveP521 = elliptic.P521()
)

type ecdhExchanger struct {
	curve   elliptic.Curve
	newHash func() hash.Hash
	priv    *ecdsa.PrivateKey
	point   []byte // uncompressed client public point
}

func newECDH(curve elliptic.Curve, newHash func() hash.Hash) *ecdhExchanger {
	return &ecdhExchanger{curve: curve, newHash: newHash}
}

func (e *ecdhExchanger) HashNew() func() hash.Hash { return e.newHash }

func (e *ecdhExchanger) Init() []byte {
	priv, err := ecdsa.GenerateKey(e.curve, rand.Reader)
	if err != nil {
		panic(fmt.Sprintf("kex: generating ephemeral ecdh key: %v", err))
	}
	e.priv = priv
	e.point = elliptic.Marshal(e.curve, priv.PublicKey.X, priv.PublicKey.Y) //nolint:staticcheck // wire format is the uncompressed point encoding

	buf := wire.PutByte(nil, msgKexECDHInit)
	buf = wire.PutString(buf, e.point)
	return buf
}

func (e *ecdhExchanger) HandleReply(reply []byte, in HashInputs) (*Result, error) {
	if len(reply) < 1 || reply[0] != msgKexECDHReply {
		return nil, fmt.Errorf("expected KEXECDH_REPLY, got message %d", firstByteOf(reply))
	}
	body := reply[1:]

	hostKeyBlob, body, err := wire.String(body)
	if err != nil {
		return nil, fmt.Errorf("read host key blob: %w", err)
	}
	serverPoint, body, err := wire.String(body)
	if err != nil {
		return nil, fmt.Errorf("read server ecdh point: %w", err)
	}
	sigBlob, _, err := wire.String(body)
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}

	x, y := elliptic.Unmarshal(e.curve, serverPoint) //nolint:staticcheck // wire format is the uncompressed point encoding
	if x == nil {
		return nil, fmt.Errorf("invalid server ecdh point")
	}

	sx, _ := e.curve.ScalarMult(x, y, e.priv.D.Bytes())
	k := sx

	h := computeExchangeHash(e.newHash, in, hostKeyBlob, wire.PutString(nil, e.point), wire.PutString(nil, serverPoint), k)

	if err := verifyHostKeySignature(hostKeyBlob, sigBlob, h); err != nil {
		return nil, fmt.Errorf("verify host key signature: %w", err)
	}

	return &Result{H: h, K: k, HostKeyBlob: hostKeyBlob, Signature: sigBlob, newHash: e.newHash}, nil
}
