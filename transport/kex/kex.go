// Package kex implements the key-exchange algorithms (Diffie-Hellman
// groups 14/16 and ECDH over the NIST P-256/384/521 curves), the
// exchange-hash computation, and session-key derivation. It is driven by
// the transport FSM, which owns the byte stream and the raw KEXINIT
// payloads the hash is computed over.
package kex

import (
	"crypto/sha1" //nolint:gosec // diffie-hellman-group14-sha1 is a required legacy fallback, not used for anything but KEX
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"math/big"

	"github.com/cartpauj/pure-go-sftp/sshkey"
	"github.com/cartpauj/pure-go-sftp/wire"
)

// HashInputs are the transport-owned values the exchange hash H is
// computed over. Vc/Vs exclude the trailing CR/LF; Ic/Is are the raw
// KEXINIT payloads as sent/received, message-number byte included.
type HashInputs struct {
	Vc, Vs []byte
	Ic, Is []byte
}

// Result is what a completed key exchange hands back to the transport:
// the exchange hash H, the shared secret K, and the host key material
// needed to verify the server's signature.
type Result struct {
	H           []byte
	K           *big.Int
	HostKeyBlob []byte
	Signature   []byte
	newHash     func() hash.Hash
}

// DeriveKeys computes the six session-key-derivation outputs from this
// exchange's K and H, using the KEX algorithm's own hash.
func (r *Result) DeriveKeys(sessionID []byte, ivLen, keyLen, macLen int) Keys {
	return DeriveKeys(r.newHash, wire.PutMpint(nil, r.K), r.H, sessionID, ivLen, keyLen, macLen)
}

// Exchanger runs one side (always the client side) of a single named KEX
// algorithm.
type Exchanger interface {
	// Init returns the client's KEXDH_INIT/KEXECDH_INIT payload
	// (message number included).
	Init() []byte

	// HandleReply consumes the server's KEXDH_REPLY/KEXECDH_REPLY payload
	// (message number included) and the transport's hash inputs, verifies
	// the server's signature over H, and returns the completed exchange.
	HandleReply(reply []byte, in HashInputs) (*Result, error)

	// HashNew returns the constructor of the algorithm's digest, the one
	// used both for H and for session-key derivation.
	HashNew() func() hash.Hash
}

// New constructs an Exchanger for one of the supported KEX algorithm
// names.
func New(name string) (Exchanger, error) {
	switch name {
	case "diffie-hellman-group14-sha256":
		return newDH(dhGroup14, sha256.New), nil
	case "diffie-hellman-group14-sha1":
		return newDH(dhGroup14, sha1.New), nil
	case "diffie-hellman-group16-sha512":
		return newDH(dhGroup16, sha512.New), nil
	case "ecdh-sha2-nistp256":
		return newECDH(curveP256, sha256.New), nil
	case "ecdh-sha2-nistp384":
		return newECDH(curveP384, sha512.New384), nil
	case "ecdh-sha2-nistp521":
		return newECDH(curveP521, sha512.New), nil
	default:
		return nil, fmt.Errorf("unknown kex algorithm %q", name)
	}
}

// computeExchangeHash computes
// HASH(Vc||Vs||Ic||Is||Ks||e||f||K).
// eBytes and fBytes must already be wire-encoded the way the algorithm
// requires (string for ECDH points, mpint for DH integers).
func computeExchangeHash(newHash func() hash.Hash, in HashInputs, hostKeyBlob, eBytes, fBytes []byte, k *big.Int) []byte {
	h := newHash()
	writeHashString(h, in.Vc)
	writeHashString(h, in.Vs)
	writeHashString(h, in.Ic)
	writeHashString(h, in.Is)
	writeHashString(h, hostKeyBlob)
	h.Write(eBytes)
	h.Write(fBytes)
	h.Write(wire.PutMpint(nil, k))
	return h.Sum(nil)
}

func writeHashString(h hash.Hash, b []byte) {
	h.Write(wire.PutString(nil, b))
}

// verifyHostKeySignature checks the server's signature blob
// (string(algo) || string(raw_sig)) over H against its host-key blob.
func verifyHostKeySignature(hostKeyBlob, sigBlob, h []byte) error {
	algo, rest, err := wire.StringValue(sigBlob)
	if err != nil {
		return fmt.Errorf("read signature algorithm: %w", err)
	}
	sig, _, err := wire.String(rest)
	if err != nil {
		return fmt.Errorf("read raw signature: %w", err)
	}
	return sshkey.VerifySignature(hostKeyBlob, algo, h, sig)
}
