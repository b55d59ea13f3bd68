package sshkey_test

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/x509"
	"encoding/pem"
	"testing"

	bcryptpbkdf "github.com/dchest/bcrypt_pbkdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartpauj/pure-go-sftp/sshkey"
	"github.com/cartpauj/pure-go-sftp/wire"
)

func pkcs8PEM(t *testing.T, key any) []byte {
	t.Helper()
	der, err := x509.MarshalPKCS8PrivateKey(key)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func TestRSAPKCS1RoundTrip(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der := x509.MarshalPKCS1PrivateKey(priv)
	armor := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der})

	key, err := sshkey.Parse(armor, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{sshkey.AlgoRSASHA512, sshkey.AlgoRSASHA256, sshkey.AlgoSSHRSA}, key.AlgorithmsFor())

	blob := key.PublicSSHBlob()
	name, rest, err := wire.StringValue(blob)
	require.NoError(t, err)
	assert.Equal(t, "ssh-rsa", name)
	_, rest, err = wire.Mpint(rest) // e
	require.NoError(t, err)
	_, rest, err = wire.Mpint(rest) // n
	require.NoError(t, err)
	assert.Empty(t, rest)

	data := []byte("the quick brown fox")
	for _, tc := range []struct {
		algo string
		hash crypto.Hash
	}{
		{sshkey.AlgoRSASHA256, crypto.SHA256},
		{sshkey.AlgoRSASHA512, crypto.SHA512},
	} {
		sig, err := key.Sign(tc.algo, data)
		require.NoError(t, err)

		var digest []byte
		if tc.hash == crypto.SHA256 {
			sum := sha256.Sum256(data)
			digest = sum[:]
		} else {
			sum := sha512.Sum512(data)
			digest = sum[:]
		}
		require.NoError(t, rsa.VerifyPKCS1v15(&priv.PublicKey, tc.hash, digest, sig))
	}
}

func TestRSA4096PrefersSHA512First(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 4096)
	require.NoError(t, err)
	armor := pkcs8PEM(t, priv)
	key, err := sshkey.Parse(armor, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{sshkey.AlgoRSASHA512, sshkey.AlgoRSASHA256, sshkey.AlgoSSHRSA}, key.AlgorithmsFor())
}

func TestRSAAlgorithmKeyMismatch(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	key, err := sshkey.Parse(pkcs8PEM(t, priv), nil)
	require.NoError(t, err)
	_, err = key.Sign(sshkey.AlgoEd25519, []byte("x"))
	require.ErrorIs(t, err, sshkey.ErrAlgorithmKeyMismatch)
}

func TestECDSAPKCS8RoundTrip(t *testing.T) {
	for _, tc := range []struct {
		curve elliptic.Curve
		algo  string
	}{
		{elliptic.P256(), sshkey.AlgoECDSA256},
		{elliptic.P384(), sshkey.AlgoECDSA384},
		{elliptic.P521(), sshkey.AlgoECDSA521},
	} {
		priv, err := ecdsa.GenerateKey(tc.curve, rand.Reader)
		require.NoError(t, err)
		key, err := sshkey.Parse(pkcs8PEM(t, priv), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{tc.algo}, key.AlgorithmsFor())

		payload := []byte("payload")
		sig, err := key.Sign(tc.algo, payload)
		require.NoError(t, err)
		r, rest, err := wire.Mpint(sig)
		require.NoError(t, err)
		s, rest, err := wire.Mpint(rest)
		require.NoError(t, err)
		assert.Empty(t, rest)

		digest := ecdsaDigestFor(tc.curve, payload)
		assert.True(t, ecdsa.Verify(&priv.PublicKey, digest, r, s))

		_, err = key.Sign(sshkey.AlgoEd25519, payload)
		require.ErrorIs(t, err, sshkey.ErrAlgorithmKeyMismatch)
	}
}

func ecdsaDigestFor(curve elliptic.Curve, data []byte) []byte {
	switch curve {
	case elliptic.P384():
		sum := sha512.Sum384(data)
		return sum[:]
	case elliptic.P521():
		sum := sha512.Sum512(data)
		return sum[:]
	default:
		sum := sha256.Sum256(data)
		return sum[:]
	}
}

func TestEd25519PKCS8RoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	key, err := sshkey.Parse(pkcs8PEM(t, priv), nil)
	require.NoError(t, err)
	assert.Equal(t, []string{sshkey.AlgoEd25519}, key.AlgorithmsFor())

	blob := key.PublicSSHBlob()
	name, rest, err := wire.StringValue(blob)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", name)
	pubBytes, rest, err := wire.String(rest)
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), pubBytes)
	assert.Empty(t, rest)

	sig, err := key.Sign(sshkey.AlgoEd25519, []byte("payload"))
	require.NoError(t, err)
	assert.True(t, ed25519.Verify(pub, []byte("payload"), sig))
}

// openSSHEd25519Fixture builds a minimal "openssh-key-v1" container with a
// single Ed25519 key, optionally bcrypt-encrypted, mirroring what
// ssh-keygen emits. Used to exercise the decoder end to end without an
// embedded binary fixture file.
func openSSHEd25519Fixture(t *testing.T, pub ed25519.PublicKey, priv ed25519.PrivateKey, passphrase []byte) []byte {
	t.Helper()

	pubBlob := wire.PutStringValue(nil, "ssh-ed25519")
	pubBlob = wire.PutString(pubBlob, pub)

	var inner []byte
	inner = wire.PutUint32(inner, 0x01020304)
	inner = wire.PutUint32(inner, 0x01020304)
	inner = wire.PutStringValue(inner, "ssh-ed25519")
	inner = wire.PutString(inner, pub)
	inner = wire.PutString(inner, priv)
	inner = wire.PutStringValue(inner, "test-comment")

	blockSize := 8
	cipherName, kdfName := "none", "none"
	var kdfOptions []byte
	var key, iv []byte

	if len(passphrase) > 0 {
		cipherName, kdfName = "aes256-ctr", "bcrypt"
		blockSize = 16
		salt := []byte("0123456789abcdef")
		rounds := 16
		kdfOptions = wire.PutString(nil, salt)
		kdfOptions = wire.PutUint32(kdfOptions, uint32(rounds))

		derived, err := bcryptpbkdf.Key(passphrase, salt, rounds, 32+16)
		require.NoError(t, err)
		key, iv = derived[:32], derived[32:]
	}

	for i := 0; len(inner)%blockSize != 0; i++ {
		inner = append(inner, byte(i+1))
	}

	if len(passphrase) > 0 {
		block, err := aes.NewCipher(key)
		require.NoError(t, err)
		ciphertext := make([]byte, len(inner))
		cipher.NewCTR(block, iv).XORKeyStream(ciphertext, inner)
		inner = ciphertext
	}

	var out []byte
	out = append(out, []byte("openssh-key-v1")...)
	out = append(out, 0x00)
	out = wire.PutStringValue(out, cipherName)
	out = wire.PutStringValue(out, kdfName)
	out = wire.PutString(out, kdfOptions)
	out = wire.PutUint32(out, 1)
	out = wire.PutString(out, pubBlob)
	out = wire.PutString(out, inner)
	return out
}

func TestOpenSSHUnencryptedRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	der := openSSHEd25519Fixture(t, pub, priv, nil)
	armor := pem.EncodeToMemory(&pem.Block{Type: "OPENSSH PRIVATE KEY", Bytes: der})

	key, err := sshkey.Parse(armor, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{sshkey.AlgoEd25519}, key.AlgorithmsFor())

	blob := key.PublicSSHBlob()
	name, rest, err := wire.StringValue(blob)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", name)
	pubBytes, _, err := wire.String(rest)
	require.NoError(t, err)
	assert.Equal(t, []byte(pub), pubBytes)
}

func TestOpenSSHEncryptedRoundTrip(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	der := openSSHEd25519Fixture(t, pub, priv, []byte("test123"))
	armor := pem.EncodeToMemory(&pem.Block{Type: "OPENSSH PRIVATE KEY", Bytes: der})

	_, err = sshkey.Parse(armor, nil)
	require.ErrorIs(t, err, sshkey.ErrEncryptedKeyNeedsPassphrase)

	_, err = sshkey.Parse(armor, []byte("wrong"))
	require.ErrorIs(t, err, sshkey.ErrBadPassphrase)

	key, err := sshkey.Parse(armor, []byte("test123"))
	require.NoError(t, err)
	blob := key.PublicSSHBlob()
	require.True(t, len(blob) > 11)
	name, rest, err := wire.StringValue(blob)
	require.NoError(t, err)
	assert.Equal(t, "ssh-ed25519", name)
	pubBytes, _, err := wire.String(rest)
	require.NoError(t, err)
	assert.Len(t, pubBytes, 32)
	assert.Equal(t, []byte(pub), pubBytes)
}
