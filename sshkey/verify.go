package sshkey

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"

	"github.com/cartpauj/pure-go-sftp/wire"
)

// ErrSignatureInvalid is returned by VerifySignature when the signature
// does not match the blob and data under the named algorithm.
var ErrSignatureInvalid = fmt.Errorf("signature invalid")

// VerifySignature checks a raw SSH signature (as produced by
// PrivateKey.Sign) against an SSH public-key blob (as produced by
// PublicSSHBlob) — used to check a server's host-key signature during key
// exchange. algo selects the digest for RSA; it is ignored for
// ECDSA/Ed25519, whose digest is fixed by the curve/key kind.
func VerifySignature(blob []byte, algo string, data, sig []byte) error {
	keyType, rest, err := wire.StringValue(blob)
	if err != nil {
		return fmt.Errorf("read public key type: %w", err)
	}

	switch keyType {
	case "ssh-rsa":
		return verifyRSA(rest, algo, data, sig)
	case KeyTypeECDSA256, KeyTypeECDSA384, KeyTypeECDSA521:
		return verifyECDSA(keyType, rest, data, sig)
	case AlgoEd25519:
		return verifyEd25519(rest, data, sig)
	default:
		return fmt.Errorf("unsupported public key type %q: %w", keyType, ErrUnsupportedKeyFormat)
	}
}

func verifyRSA(blob []byte, algo string, data, sig []byte) error {
	e, rest, err := wire.Mpint(blob)
	if err != nil {
		return fmt.Errorf("read rsa exponent: %w", err)
	}
	n, _, err := wire.Mpint(rest)
	if err != nil {
		return fmt.Errorf("read rsa modulus: %w", err)
	}
	pub := &rsa.PublicKey{N: n, E: int(e.Int64())}

	var h crypto.Hash
	switch algo {
	case AlgoRSASHA512:
		h = crypto.SHA512
	case AlgoRSASHA256:
		h = crypto.SHA256
	case AlgoSSHRSA, "":
		h = crypto.SHA1
	default:
		return fmt.Errorf("unknown rsa signature algorithm %q: %w", algo, ErrAlgorithmKeyMismatch)
	}
	digest, err := hashData(h, data)
	if err != nil {
		return fmt.Errorf("hash data: %w", err)
	}
	if err := rsa.VerifyPKCS1v15(pub, h, digest, sig); err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return nil
}

func verifyECDSA(keyType string, blob []byte, data, sig []byte) error {
	ident, rest, err := wire.StringValue(blob)
	if err != nil {
		return fmt.Errorf("read ecdsa curve identifier: %w", err)
	}
	point, _, err := wire.String(rest)
	if err != nil {
		return fmt.Errorf("read ecdsa public point: %w", err)
	}

	curve, err := curveForIdent(ident)
	if err != nil {
		return err
	}
	x, y := elliptic.Unmarshal(curve, point) //nolint:staticcheck // wire format is the uncompressed point encoding
	if x == nil {
		return fmt.Errorf("invalid ecdsa public point: %w", ErrUnsupportedKeyFormat)
	}
	pub := &ecdsa.PublicKey{Curve: curve, X: x, Y: y}

	r, rest, err := wire.Mpint(sig)
	if err != nil {
		return fmt.Errorf("read ecdsa signature r: %w", err)
	}
	s, _, err := wire.Mpint(rest)
	if err != nil {
		return fmt.Errorf("read ecdsa signature s: %w", err)
	}

	digest := ecdsaDigest(curve, data)
	if !ecdsa.Verify(pub, digest, r, s) {
		return fmt.Errorf("%s: %w", keyType, ErrSignatureInvalid)
	}
	return nil
}

func verifyEd25519(blob []byte, data, sig []byte) error {
	pub, _, err := wire.String(blob)
	if err != nil {
		return fmt.Errorf("read ed25519 public key: %w", err)
	}
	if len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("malformed ed25519 public key: %w", ErrUnsupportedKeyFormat)
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), data, sig) {
		return fmt.Errorf("%w", ErrSignatureInvalid)
	}
	return nil
}

func curveForIdent(ident string) (elliptic.Curve, error) {
	switch ident {
	case "nistp256":
		return elliptic.P256(), nil
	case "nistp384":
		return elliptic.P384(), nil
	case "nistp521":
		return elliptic.P521(), nil
	default:
		return nil, fmt.Errorf("unknown curve identifier %q: %w", ident, ErrUnsupportedKeyFormat)
	}
}
