package sshkey

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	_ "crypto/sha1"   // register crypto.SHA1 for the legacy ssh-rsa signature variant
	_ "crypto/sha256" // register crypto.SHA256 for rsa.SignPKCS1v15
	_ "crypto/sha512" // register crypto.SHA512 for rsa.SignPKCS1v15
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"

	"github.com/cartpauj/pure-go-sftp/wire"
)

// rsaKey implements PrivateKey over an RSA key. The SSH public-key blob
// always carries the legacy "ssh-rsa" type tag; only the hash chosen in
// Sign changes, which is how a client interoperates with servers that
// disable SHA-1 signatures but keep accepting the same key material under
// rsa-sha2-256/512.
type rsaKey struct {
	priv *rsa.PrivateKey
}

func newRSAKey(priv *rsa.PrivateKey) *rsaKey {
	priv.Precompute()
	return &rsaKey{priv: priv}
}

// AlgorithmsFor implements PrivateKey. SHA-512 is always tried first,
// falling back to SHA-256 and then ssh-rsa (SHA-1) for servers that predate
// RFC 8332. The blob type tag is "ssh-rsa" in all three cases; only the
// signature algorithm name changes.
func (k *rsaKey) AlgorithmsFor() []string {
	return []string{AlgoRSASHA512, AlgoRSASHA256, AlgoSSHRSA}
}

func (k *rsaKey) KeyType() string { return KeyTypeSSHRSA }

func (k *rsaKey) PublicSSHBlob() []byte {
	return rsaPublicSSHBlob(&k.priv.PublicKey)
}

func rsaPublicSSHBlob(pub *rsa.PublicKey) []byte {
	buf := wire.PutStringValue(nil, AlgoSSHRSA)
	buf = wire.PutMpint(buf, big.NewInt(int64(pub.E)))
	buf = wire.PutMpint(buf, pub.N)
	return buf
}

func (k *rsaKey) Sign(algo string, data []byte) ([]byte, error) {
	var h crypto.Hash
	switch algo {
	case AlgoRSASHA512:
		h = crypto.SHA512
	case AlgoRSASHA256:
		h = crypto.SHA256
	case AlgoSSHRSA:
		h = crypto.SHA1 //nolint:staticcheck // legacy algorithm name, required for interop
	default:
		return nil, fmt.Errorf("rsa key does not support %q: %w", algo, ErrAlgorithmKeyMismatch)
	}

	digest, err := hashData(h, data)
	if err != nil {
		return nil, fmt.Errorf("hash data for %s: %w", algo, err)
	}
	sig, err := rsa.SignPKCS1v15(rand.Reader, k.priv, h, digest)
	if err != nil {
		return nil, fmt.Errorf("rsa sign with %s: %w", algo, err)
	}
	return sig, nil
}

func hashData(h crypto.Hash, data []byte) ([]byte, error) {
	hasher := h.New()
	if _, err := hasher.Write(data); err != nil {
		return nil, err
	}
	return hasher.Sum(nil), nil
}

func parsePKCS1(block *pem.Block, passphrase []byte) (PrivateKey, error) {
	der, err := decryptLegacyPEM(block, passphrase)
	if err != nil {
		return nil, err
	}
	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		if passphrase != nil {
			return nil, fmt.Errorf("parse pkcs1 after decrypt: %w", ErrBadPassphrase)
		}
		return nil, fmt.Errorf("parse pkcs1 private key: %w", err)
	}
	return newRSAKey(priv), nil
}
