package kex

import (
	"crypto/rand"
	"fmt"
	"hash"
	"math/big"

	"github.com/cartpauj/pure-go-sftp/wire"
)

// Message numbers for the DH family, RFC 4253 §8. Kept local to this
// package (rather than imported from transport) since transport in turn
// constructs Exchangers — importing it here would cycle.
const (
	msgKexDHInit  = 30
	msgKexDHReply = 31
)

// dhGroup is a fixed MODP group: generator g and safe prime p, RFC 3526.
type dhGroup struct {
	g, p *big.Int
}

// dhGroup14 is the 2048-bit MODP group (RFC 3526 §3).
var dhGroup14 = &dhGroup{
	g: big.NewInt(2),
	p: mustHexBig("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E0" +
		"88A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A43" +
		"1B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C4" +
		"2E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B" +
		"1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AACAA68FFFFFFFFFFFFFFFF"),
}

// dhGroup16 is the 4096-bit MODP group (RFC 3526 §5).
var dhGroup16 = &dhGroup{
	g: big.NewInt(2),
	p: mustHexBig("FFFFFFFFFFFFFFFFC90FDAA22168C234C4C6628B80DC1CD129024E0" +
		"88A67CC74020BBEA63B139B22514A08798E3404DDEF9519B3CD3A43" +
		"1B302B0A6DF25F14374FE1356D6D51C245E485B576625E7EC6F44C4" +
		"2E9A637ED6B0BFF5CB6F406B7EDEE386BFB5A899FA5AE9F24117C4B" +
		"1FE649286651ECE45B3DC2007CB8A163BF0598DA48361C55D39A69163FA8FD24CF5F83655D23DCA3AD961C62F356208552BB9ED529077096966D670C354E4ABC9804F1746C08CA18217C32905E462E36CE3BE39E772C180E86039B2783A2EC07A28FB5C55DF06F4C52C9DE2BCBF6955817183995497CEA956AE515D2261898FA051015728E5A8AAAC42DAD33170D04507A33A85521ABDF1CBA64ECFB850458DBEF0A8AEA71575D060C7DB3970F85A6E1E4C7ABF5AE8CDB0933D71E8C94E04A25619DCEE3D2261AD2EE6BF12FFA06D98A0864D87602733EC86A64521F2B18177B200CBBE117577A615D6C770988C0BAD946E208E24FA074E5AB3143DB5BFCE0FD108E4B82D120A92108011A723C12A787E6D788719A10BDBA5B2699C327186AF4E23C1A946834B6150BDA2583E9CA2AD44CE8DBBBC2DB04DE8EF92E8EFC141FBECAA6287C59474E6BC05D99B2964FA090C3A2233BA186515BE7ED1F612970CEE2D7AFB81BDD762170481CD0069127D5B05AA993B4EA988D8FDDC186FFB7DC90A6C08F4DF435C934063199FFFFFFFFFFFFFFFF"),
}

func mustHexBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("kex: invalid hard-coded dh prime")
	}
	return v
}

type dhExchanger struct {
	group   *dhGroup
	newHash func() hash.Hash
	x       *big.Int // client private exponent
	e       *big.Int // client public value
}

func newDH(group *dhGroup, newHash func() hash.Hash) *dhExchanger {
	return &dhExchanger{group: group, newHash: newHash}
}

func (d *dhExchanger) HashNew() func() hash.Hash { return d.newHash }

func (d *dhExchanger) Init() []byte {
	pMinus2 := new(big.Int).Sub(d.group.p, big.NewInt(2))
	for {
		x, err := rand.Int(rand.Reader, pMinus2)
		if err != nil {
			panic(fmt.Sprintf("kex: reading randomness: %v", err))
		}
		x.Add(x, big.NewInt(2)) // sample in [2, p-2]
		if x.Cmp(pMinus2) <= 0 {
			d.x = x
			break
		}
	}
	d.e = new(big.Int).Exp(d.group.g, d.x, d.group.p)

	buf := wire.PutByte(nil, msgKexDHInit)
	buf = wire.PutMpint(buf, d.e)
	return buf
}

func (d *dhExchanger) HandleReply(reply []byte, in HashInputs) (*Result, error) {
	if len(reply) < 1 || reply[0] != msgKexDHReply {
		return nil, fmt.Errorf("expected KEXDH_REPLY, got message %d", firstByteOf(reply))
	}
	body := reply[1:]

	hostKeyBlob, body, err := wire.String(body)
	if err != nil {
		return nil, fmt.Errorf("read host key blob: %w", err)
	}
	f, body, err := wire.Mpint(body)
	if err != nil {
		return nil, fmt.Errorf("read f: %w", err)
	}
	sigBlob, _, err := wire.String(body)
	if err != nil {
		return nil, fmt.Errorf("read signature: %w", err)
	}

	if f.Sign() <= 0 || f.Cmp(d.group.p) >= 0 {
		return nil, fmt.Errorf("server dh public value out of range")
	}
	k := new(big.Int).Exp(f, d.x, d.group.p)

	h := computeExchangeHash(d.newHash, in, hostKeyBlob,
		wire.PutMpint(nil, d.e), wire.PutMpint(nil, f), k)

	if err := verifyHostKeySignature(hostKeyBlob, sigBlob, h); err != nil {
		return nil, fmt.Errorf("verify host key signature: %w", err)
	}

	return &Result{H: h, K: k, HostKeyBlob: hostKeyBlob, Signature: sigBlob, newHash: d.newHash}, nil
}

func firstByteOf(b []byte) int {
	if len(b) == 0 {
		return -1
	}
	return int(b[0])
}
