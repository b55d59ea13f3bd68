package transport

import "time"

// HostKeyVerifier is invoked with the server's raw host-key blob once the
// key exchange signature has already checked out cryptographically; it is
// the last chance to refuse an unknown or changed host key. Returning a
// non-nil error fails the handshake with ErrHostKeyRejected.
type HostKeyVerifier func(hostKeyBlob []byte) error

// Config describes one transport connection's negotiation and timeout
// policy. Zero-value fields fall back to package defaults via
// creasty/defaults tags.
type Config struct {
	ClientVersion string `yaml:"clientVersion" default:"SSH-2.0-pure-go-sftp"`

	KexAlgorithms         []string `yaml:"kexAlgorithms,omitempty"`
	HostKeyAlgorithms     []string `yaml:"hostKeyAlgorithms,omitempty"`
	CipherAlgorithms      []string `yaml:"cipherAlgorithms,omitempty"`
	MACAlgorithms         []string `yaml:"macAlgorithms,omitempty"`
	CompressionAlgorithms []string `yaml:"compressionAlgorithms,omitempty"`

	ConnectTimeout   time.Duration `yaml:"connectTimeout" default:"30s"`
	OperationTimeout time.Duration `yaml:"operationTimeout" default:"30s"`

	// IdleTimeout tears the transport down if no traffic of either
	// direction crosses it for this long. Zero disables the check.
	IdleTimeout time.Duration `yaml:"idleTimeout,omitempty"`

	// RekeyAfterBytes/RekeyAfterPackets trigger a client-initiated rekey
	// once either threshold on the current keys is crossed, RFC 4253 §9.
	RekeyAfterBytes   uint64 `yaml:"rekeyAfterBytes" default:"1073741824"`
	RekeyAfterPackets uint64 `yaml:"rekeyAfterPackets" default:"2147483647"`

	// HostKeyVerifier, if set, is consulted after signature verification
	// succeeds. A nil verifier accepts any host key that signs correctly,
	// which is almost never what an embedder wants outside of tests.
	HostKeyVerifier HostKeyVerifier `yaml:"-"`
}

// algorithms returns the client's proposal lists, falling back to the
// package defaults for any category the embedder left unset.
func (c *Config) algorithms() *kexInitPayload {
	p := newClientKexInit()
	if len(c.KexAlgorithms) > 0 {
		p.KexAlgorithms = c.KexAlgorithms
	}
	if len(c.HostKeyAlgorithms) > 0 {
		p.ServerHostKeyAlgorithms = c.HostKeyAlgorithms
	}
	if len(c.CipherAlgorithms) > 0 {
		p.EncryptionAlgorithmsC2S = c.CipherAlgorithms
		p.EncryptionAlgorithmsS2C = c.CipherAlgorithms
	}
	if len(c.MACAlgorithms) > 0 {
		p.MACAlgorithmsC2S = c.MACAlgorithms
		p.MACAlgorithmsS2C = c.MACAlgorithms
	}
	if len(c.CompressionAlgorithms) > 0 {
		p.CompressionAlgorithmsC2S = c.CompressionAlgorithms
		p.CompressionAlgorithmsS2C = c.CompressionAlgorithms
	}
	return p
}
