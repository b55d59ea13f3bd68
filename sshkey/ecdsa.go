package sshkey

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"fmt"

	"github.com/cartpauj/pure-go-sftp/wire"
)

// ecdsaKey implements PrivateKey over a NIST P-256/384/521 key. Only the
// curve-matched signature algorithm applies; there is no fallback list like
// RSA's SHA-1/SHA-2 family.
type ecdsaKey struct {
	priv  *ecdsa.PrivateKey
	algo  string
	ident string // the curve identifier embedded in the public key blob
}

func newECDSAKey(priv *ecdsa.PrivateKey) (*ecdsaKey, error) {
	switch priv.Curve {
	case elliptic.P256():
		return &ecdsaKey{priv: priv, algo: AlgoECDSA256, ident: "nistp256"}, nil
	case elliptic.P384():
		return &ecdsaKey{priv: priv, algo: AlgoECDSA384, ident: "nistp384"}, nil
	case elliptic.P521():
		return &ecdsaKey{priv: priv, algo: AlgoECDSA521, ident: "nistp521"}, nil
	default:
		return nil, fmt.Errorf("unsupported ecdsa curve %s: %w", priv.Curve.Params().Name, ErrUnsupportedKeyFormat)
	}
}

func (k *ecdsaKey) AlgorithmsFor() []string { return []string{k.algo} }

func (k *ecdsaKey) KeyType() string { return k.algo }

func (k *ecdsaKey) PublicSSHBlob() []byte {
	return ecdsaPublicSSHBlob(k.algo, k.ident, &k.priv.PublicKey)
}

func ecdsaPublicSSHBlob(algo, ident string, pub *ecdsa.PublicKey) []byte {
	point := elliptic.Marshal(pub.Curve, pub.X, pub.Y) //nolint:staticcheck // uncompressed point encoding is the wire format, not a deprecated convenience
	buf := wire.PutStringValue(nil, algo)
	buf = wire.PutStringValue(buf, ident)
	buf = wire.PutString(buf, point)
	return buf
}

func (k *ecdsaKey) Sign(algo string, data []byte) ([]byte, error) {
	if algo != k.algo {
		return nil, fmt.Errorf("ecdsa key %s does not support %q: %w", k.algo, algo, ErrAlgorithmKeyMismatch)
	}

	digest := ecdsaDigest(k.priv.Curve, data)
	r, s, err := ecdsa.Sign(rand.Reader, k.priv, digest)
	if err != nil {
		return nil, fmt.Errorf("ecdsa sign: %w", err)
	}

	buf := wire.PutMpint(nil, r)
	buf = wire.PutMpint(buf, s)
	return buf, nil
}

func ecdsaDigest(curve elliptic.Curve, data []byte) []byte {
	switch curve {
	case elliptic.P384():
		h := sha512.Sum384(data)
		return h[:]
	case elliptic.P521():
		h := sha512.Sum512(data)
		return h[:]
	default:
		h := sha256.Sum256(data)
		return h[:]
	}
}

func parseSEC1(block *pem.Block, passphrase []byte) (PrivateKey, error) {
	der, err := decryptLegacyPEM(block, passphrase)
	if err != nil {
		return nil, err
	}
	priv, err := x509.ParseECPrivateKey(der)
	if err != nil {
		if passphrase != nil {
			return nil, fmt.Errorf("parse sec1 after decrypt: %w", ErrBadPassphrase)
		}
		return nil, fmt.Errorf("parse ec private key: %w", err)
	}
	return newECDSAKey(priv)
}
