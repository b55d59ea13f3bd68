package sshkey

import (
	"crypto/ed25519"
	"fmt"

	"github.com/cartpauj/pure-go-sftp/wire"
)

// ed25519Key implements PrivateKey over an Ed25519 key.
type ed25519Key struct {
	priv ed25519.PrivateKey
}

func newEd25519Key(priv ed25519.PrivateKey) *ed25519Key {
	return &ed25519Key{priv: priv}
}

func (k *ed25519Key) AlgorithmsFor() []string { return []string{AlgoEd25519} }

func (k *ed25519Key) KeyType() string { return AlgoEd25519 }

func (k *ed25519Key) PublicSSHBlob() []byte {
	pub, _ := k.priv.Public().(ed25519.PublicKey)
	return ed25519PublicSSHBlob(pub)
}

func ed25519PublicSSHBlob(pub ed25519.PublicKey) []byte {
	buf := wire.PutStringValue(nil, AlgoEd25519)
	buf = wire.PutString(buf, pub)
	return buf
}

func (k *ed25519Key) Sign(algo string, data []byte) ([]byte, error) {
	if algo != AlgoEd25519 {
		return nil, fmt.Errorf("ed25519 key does not support %q: %w", algo, ErrAlgorithmKeyMismatch)
	}
	return ed25519.Sign(k.priv, data), nil
}
