package transport

// Client-proposed algorithm preference lists. The order matters:
// selectAlgorithm always prefers the client's earliest entry that the
// server also lists.
var (
	DefaultKexAlgorithms = []string{
		"ecdh-sha2-nistp256",
		"ecdh-sha2-nistp384",
		"ecdh-sha2-nistp521",
		"diffie-hellman-group14-sha256",
		"diffie-hellman-group16-sha512",
		"diffie-hellman-group14-sha1",
	}

	DefaultHostKeyAlgorithms = []string{
		"rsa-sha2-512",
		"rsa-sha2-256",
		"ecdsa-sha2-nistp256",
		"ecdsa-sha2-nistp384",
		"ecdsa-sha2-nistp521",
		"ssh-ed25519",
		"ssh-rsa",
	}

	DefaultCipherAlgorithms = []string{
		"aes128-ctr",
		"aes256-ctr",
		"aes128-gcm@openssh.com",
		"aes256-gcm@openssh.com",
	}

	DefaultMACAlgorithms = []string{
		"hmac-sha2-256-etm@openssh.com",
		"hmac-sha2-512-etm@openssh.com",
		"hmac-sha2-256",
		"hmac-sha2-512",
	}

	// DefaultCompressionAlgorithms is fixed to "none": this client never
	// offers compression.
	DefaultCompressionAlgorithms = []string{"none"}
)

// algorithmSet is the negotiated outcome of one KEXINIT exchange: one
// algorithm per category, with cipher/MAC negotiated independently per
// direction as RFC 4253 allows (this module always runs them in lockstep,
// matching every real-world server, but keeps the two names distinct).
type algorithmSet struct {
	kex           string
	hostKey       string
	cipherC2S     string
	cipherS2C     string
	macC2S        string
	macS2C        string
	compressC2S   string
	compressS2C   string
}

// selectAlgorithm implements RFC 4253's negotiation rule: the first entry
// of client that also appears in server wins.
func selectAlgorithm(client, server []string) (string, bool) {
	serverSet := make(map[string]bool, len(server))
	for _, s := range server {
		serverSet[s] = true
	}
	for _, c := range client {
		if serverSet[c] {
			return c, true
		}
	}
	return "", false
}

func negotiate(client, server *kexInitPayload) (algorithmSet, error) {
	var set algorithmSet
	var ok bool

	if set.kex, ok = selectAlgorithm(client.KexAlgorithms, server.KexAlgorithms); !ok {
		return set, errNoMatch("kex")
	}
	if set.hostKey, ok = selectAlgorithm(client.ServerHostKeyAlgorithms, server.ServerHostKeyAlgorithms); !ok {
		return set, errNoMatch("host key")
	}
	if set.cipherC2S, ok = selectAlgorithm(client.EncryptionAlgorithmsC2S, server.EncryptionAlgorithmsC2S); !ok {
		return set, errNoMatch("cipher client-to-server")
	}
	if set.cipherS2C, ok = selectAlgorithm(client.EncryptionAlgorithmsS2C, server.EncryptionAlgorithmsS2C); !ok {
		return set, errNoMatch("cipher server-to-client")
	}
	if set.macC2S, ok = selectAlgorithm(client.MACAlgorithmsC2S, server.MACAlgorithmsC2S); !ok {
		return set, errNoMatch("mac client-to-server")
	}
	if set.macS2C, ok = selectAlgorithm(client.MACAlgorithmsS2C, server.MACAlgorithmsS2C); !ok {
		return set, errNoMatch("mac server-to-client")
	}
	if set.compressC2S, ok = selectAlgorithm(client.CompressionAlgorithmsC2S, server.CompressionAlgorithmsC2S); !ok {
		return set, errNoMatch("compression client-to-server")
	}
	if set.compressS2C, ok = selectAlgorithm(client.CompressionAlgorithmsS2C, server.CompressionAlgorithmsS2C); !ok {
		return set, errNoMatch("compression server-to-client")
	}
	return set, nil
}

func errNoMatch(category string) error {
	return &noAlgorithmMatchError{category: category}
}

type noAlgorithmMatchError struct{ category string }

func (e *noAlgorithmMatchError) Error() string {
	return "no common " + e.category + " algorithm"
}

func (e *noAlgorithmMatchError) Unwrap() error { return ErrNoAlgorithmMatch }
