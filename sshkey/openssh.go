package sshkey

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"fmt"
	"math/big"

	bcryptpbkdf "github.com/dchest/bcrypt_pbkdf"

	"github.com/cartpauj/pure-go-sftp/wire"
)

var opensshMagic = append([]byte("openssh-key-v1"), 0x00)

// parseOpenSSH decodes the "openssh-key-v1" container written by ssh-keygen
// since OpenSSH 6.5, optionally decrypting it with the bcrypt KDF (the only
// KDF this format defines besides "none"). See the OpenSSH PROTOCOL.key
// document for the on-wire layout.
func parseOpenSSH(data []byte, passphrase []byte) (PrivateKey, error) {
	if !bytes.HasPrefix(data, opensshMagic) {
		return nil, fmt.Errorf("missing openssh-key-v1 magic: %w", ErrUnsupportedKeyFormat)
	}
	buf := data[len(opensshMagic):]

	cipherName, buf, err := wire.StringValue(buf)
	if err != nil {
		return nil, fmt.Errorf("read cipher name: %w", err)
	}
	kdfName, buf, err := wire.StringValue(buf)
	if err != nil {
		return nil, fmt.Errorf("read kdf name: %w", err)
	}
	kdfOptions, buf, err := wire.String(buf)
	if err != nil {
		return nil, fmt.Errorf("read kdf options: %w", err)
	}
	numKeys, buf, err := wire.Uint32(buf)
	if err != nil {
		return nil, fmt.Errorf("read key count: %w", err)
	}
	if numKeys != 1 {
		return nil, fmt.Errorf("openssh key file contains %d keys, only single-key files are supported: %w", numKeys, ErrUnsupportedKeyFormat)
	}

	// Public key section; skipped over (we reconstruct the public blob from
	// the decrypted private section instead, which is always authoritative).
	_, buf, err = wire.String(buf)
	if err != nil {
		return nil, fmt.Errorf("read public key blob: %w", err)
	}

	encrypted, _, err := wire.String(buf)
	if err != nil {
		return nil, fmt.Errorf("read private key section: %w", err)
	}

	plain, err := decryptOpenSSHSection(encrypted, cipherName, kdfName, kdfOptions, passphrase)
	if err != nil {
		return nil, err
	}

	plain, err = trimCheckInts(plain)
	if err != nil {
		return nil, err
	}

	return parseOpenSSHPrivateKey(plain)
}

func decryptOpenSSHSection(encrypted []byte, cipherName, kdfName string, kdfOptions, passphrase []byte) ([]byte, error) {
	if cipherName == "none" {
		if kdfName != "none" {
			return nil, fmt.Errorf("kdf %q without cipher: %w", kdfName, ErrUnsupportedKeyFormat)
		}
		return encrypted, nil
	}

	if kdfName != "bcrypt" {
		return nil, fmt.Errorf("unsupported openssh kdf %q: %w", kdfName, ErrUnsupportedKeyFormat)
	}
	if len(passphrase) == 0 {
		return nil, ErrEncryptedKeyNeedsPassphrase
	}

	salt, rest, err := wire.String(kdfOptions)
	if err != nil {
		return nil, fmt.Errorf("read bcrypt salt: %w", err)
	}
	rounds, _, err := wire.Uint32(rest)
	if err != nil {
		return nil, fmt.Errorf("read bcrypt rounds: %w", err)
	}

	var keyLen, ivLen int
	switch cipherName {
	case "aes256-ctr", "aes256-cbc":
		keyLen, ivLen = 32, aes.BlockSize
	default:
		return nil, fmt.Errorf("unsupported openssh cipher %q: %w", cipherName, ErrUnsupportedKeyFormat)
	}

	derived, err := bcryptpbkdf.Key(passphrase, salt, int(rounds), keyLen+ivLen)
	if err != nil {
		return nil, fmt.Errorf("derive openssh key material: %w", err)
	}
	key, iv := derived[:keyLen], derived[keyLen:]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init openssh cipher: %w", err)
	}
	if len(encrypted) == 0 || len(encrypted)%block.BlockSize() != 0 {
		return nil, fmt.Errorf("encrypted openssh section not block aligned: %w", ErrBadPassphrase)
	}

	plain := make([]byte, len(encrypted))
	switch cipherName {
	case "aes256-ctr":
		cipher.NewCTR(block, iv).XORKeyStream(plain, encrypted)
	case "aes256-cbc":
		cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, encrypted)
	}
	return plain, nil
}

func parseOpenSSHPrivateKey(buf []byte) (PrivateKey, error) {
	keyType, buf, err := wire.StringValue(buf)
	if err != nil {
		return nil, fmt.Errorf("read private key type: %w", ErrBadPassphrase)
	}

	switch keyType {
	case AlgoSSHRSA:
		return parseOpenSSHRSA(buf)
	case AlgoEd25519:
		return parseOpenSSHEd25519(buf)
	case KeyTypeECDSA256, KeyTypeECDSA384, KeyTypeECDSA521:
		return parseOpenSSHECDSA(keyType, buf)
	default:
		return nil, fmt.Errorf("unsupported openssh key type %q: %w", keyType, ErrUnsupportedKeyFormat)
	}
}

func parseOpenSSHRSA(buf []byte) (PrivateKey, error) {
	n, buf, err := wire.Mpint(buf)
	if err != nil {
		return nil, badOpenSSHField("rsa n", err)
	}
	e, buf, err := wire.Mpint(buf)
	if err != nil {
		return nil, badOpenSSHField("rsa e", err)
	}
	d, buf, err := wire.Mpint(buf)
	if err != nil {
		return nil, badOpenSSHField("rsa d", err)
	}
	iqmp, buf, err := wire.Mpint(buf)
	if err != nil {
		return nil, badOpenSSHField("rsa iqmp", err)
	}
	p, buf, err := wire.Mpint(buf)
	if err != nil {
		return nil, badOpenSSHField("rsa p", err)
	}
	q, _, err := wire.Mpint(buf)
	if err != nil {
		return nil, badOpenSSHField("rsa q", err)
	}

	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	priv.Precompute()
	_ = iqmp // recomputed by Precompute; OpenSSH's iqmp matches but need not be reused directly
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("validate decrypted rsa key: %w", ErrBadPassphrase)
	}
	return newRSAKey(priv), nil
}

func parseOpenSSHEd25519(buf []byte) (PrivateKey, error) {
	pub, buf, err := wire.String(buf)
	if err != nil {
		return nil, badOpenSSHField("ed25519 public", err)
	}
	priv, _, err := wire.String(buf)
	if err != nil {
		return nil, badOpenSSHField("ed25519 private", err)
	}
	if len(pub) != ed25519.PublicKeySize || len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("malformed ed25519 key lengths: %w", ErrBadPassphrase)
	}
	if !bytes.Equal(pub, priv[32:]) {
		return nil, fmt.Errorf("ed25519 public/private key mismatch: %w", ErrBadPassphrase)
	}
	return newEd25519Key(ed25519.PrivateKey(priv)), nil
}

func parseOpenSSHECDSA(algo string, buf []byte) (PrivateKey, error) {
	_, buf, err := wire.StringValue(buf) // curve identifier, redundant with algo
	if err != nil {
		return nil, badOpenSSHField("ecdsa curve", err)
	}
	point, buf, err := wire.String(buf)
	if err != nil {
		return nil, badOpenSSHField("ecdsa public point", err)
	}
	d, _, err := wire.Mpint(buf)
	if err != nil {
		return nil, badOpenSSHField("ecdsa private scalar", err)
	}

	var curve elliptic.Curve
	switch algo {
	case KeyTypeECDSA256:
		curve = elliptic.P256()
	case KeyTypeECDSA384:
		curve = elliptic.P384()
	case KeyTypeECDSA521:
		curve = elliptic.P521()
	}

	x, y := elliptic.Unmarshal(curve, point) //nolint:staticcheck // wire format is the uncompressed point encoding
	if x == nil {
		return nil, fmt.Errorf("invalid ecdsa public point: %w", ErrBadPassphrase)
	}

	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}
	return newECDSAKey(priv)
}

func badOpenSSHField(name string, err error) error {
	return fmt.Errorf("read openssh %s: %w", name, ErrBadPassphrase)
}
