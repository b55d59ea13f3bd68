package sshkey

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/des" //nolint:gosec // DES-EDE3-CBC is a legitimate legacy PBES2 cipher that real tooling still emits
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha1" //nolint:gosec // HMAC-SHA1 is PBKDF2's RFC 8018 default PRF
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"hash"

	"golang.org/x/crypto/pbkdf2"
)

func parsePKCS8(der []byte) (PrivateKey, error) {
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse pkcs8 private key: %w", err)
	}
	return wrapStdlibKey(key)
}

func wrapStdlibKey(key any) (PrivateKey, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		return newRSAKey(k), nil
	case *ecdsa.PrivateKey:
		return newECDSAKey(k)
	case ed25519.PrivateKey:
		return newEd25519Key(k), nil
	case *ed25519.PrivateKey:
		return newEd25519Key(*k), nil
	default:
		return nil, fmt.Errorf("unhandled pkcs8 key type %T: %w", key, ErrUnsupportedKeyFormat)
	}
}

// PBES2/PBKDF2 object identifiers, RFC 8018.
var (
	oidPBES2      = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 13}
	oidPBKDF2     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 5, 12}
	oidHMACSHA1   = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 7}
	oidHMACSHA256 = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 9}
	oidAES128CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 2}
	oidAES192CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 22}
	oidAES256CBC  = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 1, 42}
	oidDESEDE3CBC = asn1.ObjectIdentifier{1, 2, 840, 113549, 3, 7}
)

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type encryptedPrivateKeyInfo struct {
	Algorithm     algorithmIdentifier
	EncryptedData []byte
}

type pbes2Params struct {
	KeyDerivationFunc algorithmIdentifier
	EncryptionScheme  algorithmIdentifier
}

type pbkdf2Params struct {
	Salt           []byte
	IterationCount int
	KeyLength      int                  `asn1:"optional"`
	PRF            algorithmIdentifier  `asn1:"optional"`
}

// parsePKCS8Encrypted decrypts an "ENCRYPTED PRIVATE KEY" PBES2 armor (RFC
// 8018, as emitted by `openssl pkcs8 -topk8`) and parses the resulting
// PKCS#8 DER. PBES2 is the only encryption scheme supported; the older
// PBE1/pkcs12 schemes are not.
func parsePKCS8Encrypted(der []byte, passphrase []byte) (PrivateKey, error) {
	if len(passphrase) == 0 {
		return nil, ErrEncryptedKeyNeedsPassphrase
	}

	var info encryptedPrivateKeyInfo
	if _, err := asn1.Unmarshal(der, &info); err != nil {
		return nil, fmt.Errorf("parse encrypted pkcs8 envelope: %w", err)
	}
	if !info.Algorithm.Algorithm.Equal(oidPBES2) {
		return nil, fmt.Errorf("unsupported pkcs8 encryption scheme %s: %w", info.Algorithm.Algorithm, ErrUnsupportedKeyFormat)
	}

	var params pbes2Params
	if _, err := asn1.Unmarshal(info.Algorithm.Parameters.FullBytes, &params); err != nil {
		return nil, fmt.Errorf("parse pbes2 parameters: %w", err)
	}
	if !params.KeyDerivationFunc.Algorithm.Equal(oidPBKDF2) {
		return nil, fmt.Errorf("unsupported pbes2 kdf %s: %w", params.KeyDerivationFunc.Algorithm, ErrUnsupportedKeyFormat)
	}

	var kdf pbkdf2Params
	if _, err := asn1.Unmarshal(params.KeyDerivationFunc.Parameters.FullBytes, &kdf); err != nil {
		return nil, fmt.Errorf("parse pbkdf2 parameters: %w", err)
	}

	hashFn := pbkdf2HashFunc(kdf.PRF.Algorithm)

	block, keyLen, ivLen, err := pbes2Cipher(params.EncryptionScheme.Algorithm)
	if err != nil {
		return nil, err
	}
	var iv []byte
	if _, err := asn1.Unmarshal(params.EncryptionScheme.Parameters.FullBytes, &iv); err != nil {
		return nil, fmt.Errorf("parse pbes2 iv: %w", err)
	}
	if len(iv) != ivLen {
		return nil, fmt.Errorf("pbes2 iv length %d, want %d: %w", len(iv), ivLen, ErrBadPassphrase)
	}

	key := pbkdf2.Key(passphrase, kdf.Salt, kdf.IterationCount, keyLen, hashFn)
	cb, err := block(key)
	if err != nil {
		return nil, fmt.Errorf("init pbes2 cipher: %w", err)
	}

	if len(info.EncryptedData) == 0 || len(info.EncryptedData)%cb.BlockSize() != 0 {
		return nil, fmt.Errorf("encrypted pkcs8 data not block aligned: %w", ErrBadPassphrase)
	}

	plain := make([]byte, len(info.EncryptedData))
	cipher.NewCBCDecrypter(cb, iv).CryptBlocks(plain, info.EncryptedData)
	plain, err = unpadPKCS7(plain, cb.BlockSize())
	if err != nil {
		return nil, fmt.Errorf("unpad pbes2 plaintext: %w", err)
	}

	key8, err := x509.ParsePKCS8PrivateKey(plain)
	if err != nil {
		return nil, fmt.Errorf("parse decrypted pkcs8: %w", ErrBadPassphrase)
	}
	return wrapStdlibKey(key8)
}

func pbkdf2HashFunc(oid asn1.ObjectIdentifier) func() hash.Hash {
	if oid.Equal(oidHMACSHA256) {
		return sha256.New
	}
	// RFC 8018 default PRF, and oidHMACSHA1's explicit value.
	return sha1.New
}

func pbes2Cipher(oid asn1.ObjectIdentifier) (newCipher func(key []byte) (cipher.Block, error), keyLen, ivLen int, err error) {
	switch {
	case oid.Equal(oidAES128CBC):
		return aes.NewCipher, 16, 16, nil
	case oid.Equal(oidAES192CBC):
		return aes.NewCipher, 24, 16, nil
	case oid.Equal(oidAES256CBC):
		return aes.NewCipher, 32, 16, nil
	case oid.Equal(oidDESEDE3CBC):
		return des.NewTripleDESCipher, 24, 8, nil
	default:
		return nil, 0, 0, fmt.Errorf("unsupported pbes2 cipher %s: %w", oid, ErrUnsupportedKeyFormat)
	}
}

func unpadPKCS7(buf []byte, blockSize int) ([]byte, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("empty buffer")
	}
	pad := int(buf[len(buf)-1])
	if pad == 0 || pad > blockSize || pad > len(buf) {
		return nil, fmt.Errorf("invalid pkcs7 padding")
	}
	for _, b := range buf[len(buf)-pad:] {
		if int(b) != pad {
			return nil, fmt.Errorf("invalid pkcs7 padding")
		}
	}
	return buf[:len(buf)-pad], nil
}
