package kex

import (
	"hash"
)

// Keys holds the six session-key-derivation outputs.
type Keys struct {
	IVClientToServer  []byte
	IVServerToClient  []byte
	KeyClientToServer []byte
	KeyServerToClient []byte
	MACClientToServer []byte
	MACServerToClient []byte
}

// DeriveKeys computes the six key-derivation letters A-F:
// K1 = HASH(K || H || letter || session_id), extended by
// K_{n+1} = HASH(K || H || K1 || ... || K_n) until long enough, then
// truncated to the requested length.
func DeriveKeys(newHash func() hash.Hash, k []byte, h, sessionID []byte, ivLen, keyLen, macLen int) Keys {
	return Keys{
		IVClientToServer:  deriveOne(newHash, k, h, sessionID, 'A', ivLen),
		IVServerToClient:  deriveOne(newHash, k, h, sessionID, 'B', ivLen),
		KeyClientToServer: deriveOne(newHash, k, h, sessionID, 'C', keyLen),
		KeyServerToClient: deriveOne(newHash, k, h, sessionID, 'D', keyLen),
		MACClientToServer: deriveOne(newHash, k, h, sessionID, 'E', macLen),
		MACServerToClient: deriveOne(newHash, k, h, sessionID, 'F', macLen),
	}
}

func deriveOne(newHash func() hash.Hash, k, h, sessionID []byte, letter byte, length int) []byte {
	out := hashRound(newHash, k, h, []byte{letter}, sessionID)
	for len(out) < length {
		out = append(out, hashRound(newHash, k, h, out)...)
	}
	return out[:length]
}

func hashRound(newHash func() hash.Hash, k, h []byte, extra ...[]byte) []byte {
	w := newHash()
	w.Write(k)
	w.Write(h)
	for _, e := range extra {
		w.Write(e)
	}
	return w.Sum(nil)
}
