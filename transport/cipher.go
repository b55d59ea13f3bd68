package transport

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
)

// macDescriptor describes one of the hmac-sha2-* (optionally -etm) MAC
// algorithms this transport supports.
type macDescriptor struct {
	size    int
	keySize int
	newHash func() hash.Hash
	etm     bool
}

var macTable = map[string]macDescriptor{
	"hmac-sha2-256":                 {size: 32, keySize: 32, newHash: sha256.New},
	"hmac-sha2-512":                  {size: 64, keySize: 64, newHash: sha512.New},
	"hmac-sha2-256-etm@openssh.com": {size: 32, keySize: 32, newHash: sha256.New, etm: true},
	"hmac-sha2-512-etm@openssh.com": {size: 64, keySize: 64, newHash: sha512.New, etm: true},
}

// cipherDescriptor describes one of the aes128/256-ctr or
// aes{128,256}-gcm@openssh.com ciphers this transport supports. GCM
// ciphers carry their own authentication tag and never pair with a
// separate MAC.
type cipherDescriptor struct {
	keySize   int
	ivSize    int
	blockSize int
	gcm       bool
}

var cipherTable = map[string]cipherDescriptor{
	"aes128-ctr":              {keySize: 16, ivSize: aes.BlockSize, blockSize: aes.BlockSize},
	"aes256-ctr":              {keySize: 32, ivSize: aes.BlockSize, blockSize: aes.BlockSize},
	"aes128-gcm@openssh.com": {keySize: 16, ivSize: 12, blockSize: aes.BlockSize, gcm: true},
	"aes256-gcm@openssh.com": {keySize: 32, ivSize: 12, blockSize: aes.BlockSize, gcm: true},
}

// directionContext holds the live cipher/MAC state for one traffic
// direction (client-to-server or server-to-client) after NEWKEYS. A nil
// *directionContext means the clear phase: block size 8, no MAC, RFC 4253
// §6's pre-KEX framing.
type directionContext struct {
	cipherName string
	macName    string
	blockSize  int

	// stream implements aes*-ctr: a single keystream whose counter runs
	// continuously across the whole direction's lifetime (RFC 4344 §4),
	// never reinitialized per packet. nil when gcm is in use.
	stream cipher.Stream

	iv  []byte      // GCM fixed IV with incrementing low 8 bytes; unused for CTR
	gcm cipher.AEAD // GCM mode, nil for CTR

	newMAC func() hash.Hash // nil for GCM
	macKey []byte
	macLen int
	etm    bool
}

func newDirectionContext(cipherName, macName string, key, iv, macKey []byte) (*directionContext, error) {
	cd, ok := cipherTable[cipherName]
	if !ok {
		return nil, fmt.Errorf("unknown cipher %q: %w", cipherName, ErrNoAlgorithmMatch)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher %q: %w", cipherName, err)
	}

	dc := &directionContext{cipherName: cipherName, macName: macName, blockSize: cd.blockSize}

	if cd.gcm {
		gcm, err := cipher.NewGCM(block)
		if err != nil {
			return nil, fmt.Errorf("init gcm %q: %w", cipherName, err)
		}
		dc.gcm = gcm
		dc.iv = append([]byte(nil), iv...)
		return dc, nil
	}

	dc.stream = cipher.NewCTR(block, iv)
	md, ok := macTable[macName]
	if !ok {
		return nil, fmt.Errorf("unknown mac %q: %w", macName, ErrNoAlgorithmMatch)
	}
	dc.newMAC = md.newHash
	dc.macKey = append([]byte(nil), macKey...)
	dc.macLen = md.size
	dc.etm = md.etm
	return dc, nil
}

func (dc *directionContext) hmac() hash.Hash {
	return hmac.New(dc.newMAC, dc.macKey)
}

// gcmNonce returns the current 12-byte GCM nonce (fixed IV with the low 8
// bytes as a per-packet counter) and advances the counter, per RFC 5647.
func (dc *directionContext) gcmNonce() []byte {
	nonce := append([]byte(nil), dc.iv...)
	for i := len(dc.iv) - 1; i >= len(dc.iv)-8 && i >= 0; i-- {
		dc.iv[i]++
		if dc.iv[i] != 0 {
			break
		}
	}
	return nonce
}
