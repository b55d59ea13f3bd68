// Package sshkey parses private keys in the PEM armors an SSH client is
// expected to accept — traditional PKCS#1 RSA, SEC1 EC, PKCS#8 (plain and
// PBES2-encrypted), and OpenSSH's own "openssh-key-v1" container — and
// exposes a uniform [PrivateKey] able to produce the SSH public-key blob and
// sign data with the algorithm the authentication layer has negotiated.
package sshkey

import (
	"bytes"
	"encoding/pem"
	"errors"
	"fmt"
)

// Error kinds returned by this package.
var (
	// ErrEncryptedKeyNeedsPassphrase is returned when an encrypted key armor
	// is parsed without a passphrase.
	ErrEncryptedKeyNeedsPassphrase = errors.New("encrypted key needs passphrase")

	// ErrBadPassphrase is returned when decryption of an encrypted key
	// produces an invalid inner structure.
	ErrBadPassphrase = errors.New("bad passphrase")

	// ErrUnsupportedKeyFormat is returned for a PEM armor or key type this
	// package does not recognize.
	ErrUnsupportedKeyFormat = errors.New("unsupported key format")

	// ErrAlgorithmKeyMismatch is returned when a requested signature
	// algorithm is not implemented by the key's kind or curve.
	ErrAlgorithmKeyMismatch = errors.New("signature algorithm does not match key")
)

// Signature algorithm names as they appear on the wire.
const (
	AlgoRSASHA512   = "rsa-sha2-512"
	AlgoRSASHA256   = "rsa-sha2-256"
	AlgoSSHRSA      = "ssh-rsa"
	AlgoECDSA256    = "ecdsa-sha2-nistp256"
	AlgoECDSA384    = "ecdsa-sha2-nistp384"
	AlgoECDSA521    = "ecdsa-sha2-nistp521"
	AlgoEd25519     = "ssh-ed25519"
	KeyTypeSSHRSA   = AlgoSSHRSA
	KeyTypeECDSA256 = AlgoECDSA256
	KeyTypeECDSA384 = AlgoECDSA384
	KeyTypeECDSA521 = AlgoECDSA521
	KeyTypeEd25519  = AlgoEd25519
)

// PrivateKey is implemented by every key kind this package can load.
type PrivateKey interface {
	// AlgorithmsFor returns the SSH signature algorithm names usable with
	// this key, in the client's preference order.
	AlgorithmsFor() []string

	// PublicSSHBlob returns the SSH-encoded public key blob. RSA keys
	// always carry the legacy "ssh-rsa" type tag here; only Sign's algo
	// parameter changes the signature's hash.
	PublicSSHBlob() []byte

	// Sign produces a raw signature over data using algo. Returns
	// ErrAlgorithmKeyMismatch if algo does not apply to this key.
	Sign(algo string, data []byte) ([]byte, error)

	// KeyType identifies the key kind/curve, used for logging and for
	// picking a host-key algorithm to match a server's key.
	KeyType() string
}

// Parse loads a private key from PEM bytes, as produced by ssh-keygen,
// OpenSSL, or any compatible tool. passphrase is used only if the armor is
// encrypted; pass nil for an unencrypted key.
func Parse(pemBytes []byte, passphrase []byte) (PrivateKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found: %w", ErrUnsupportedKeyFormat)
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return parsePKCS1(block, passphrase)
	case "EC PRIVATE KEY":
		return parseSEC1(block, passphrase)
	case "PRIVATE KEY":
		return parsePKCS8(block.Bytes)
	case "ENCRYPTED PRIVATE KEY":
		return parsePKCS8Encrypted(block.Bytes, passphrase)
	case "OPENSSH PRIVATE KEY":
		return parseOpenSSH(block.Bytes, passphrase)
	default:
		return nil, fmt.Errorf("%s: %w", block.Type, ErrUnsupportedKeyFormat)
	}
}

// trimCheckInts compares the two 4-byte check-ints OpenSSH prepends to the
// private section of its key format; they must be equal after decryption.
func trimCheckInts(buf []byte) ([]byte, error) {
	if len(buf) < 8 {
		return nil, fmt.Errorf("openssh private section too short: %w", ErrBadPassphrase)
	}
	if !bytes.Equal(buf[0:4], buf[4:8]) {
		return nil, ErrBadPassphrase
	}
	return buf[8:], nil
}
