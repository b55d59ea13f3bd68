package kex

import (
	"crypto/ed25519"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartpauj/pure-go-sftp/wire"
)

// This file is a white-box test (package kex, not kex_test) because
// simulating the server side of a handshake needs the exchanger's private
// scalar/point to compute a shared secret that actually matches the
// client's, so a signed fixture can be built without a live peer.

type fakeHostKey struct {
	pub  ed25519.PublicKey
	priv ed25519.PrivateKey
}

func newFakeHostKey(t *testing.T) fakeHostKey {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	return fakeHostKey{pub: pub, priv: priv}
}

func (k fakeHostKey) blob() []byte {
	buf := wire.PutStringValue(nil, "ssh-ed25519")
	return wire.PutString(buf, k.pub)
}

func (k fakeHostKey) sign(h []byte) []byte {
	sig := ed25519.Sign(k.priv, h)
	buf := wire.PutStringValue(nil, "ssh-ed25519")
	return wire.PutString(buf, sig)
}

var testHashInputs = HashInputs{
	Vc: []byte("SSH-2.0-pure-go-sftp_1.0"),
	Vs: []byte("SSH-2.0-OpenSSH_9.0"),
	Ic: []byte{0x14, 0x01, 0x02, 0x03},
	Is: []byte{0x14, 0x04, 0x05, 0x06},
}

func TestDHRoundTrip(t *testing.T) {
	for _, algo := range []string{
		"diffie-hellman-group14-sha256",
		"diffie-hellman-group16-sha512",
		"diffie-hellman-group14-sha1",
	} {
		t.Run(algo, func(t *testing.T) {
			client, err := New(algo)
			require.NoError(t, err)
			cd := client.(*dhExchanger)
			cd.Init()

			serverEx, err := New(algo)
			require.NoError(t, err)
			sd := serverEx.(*dhExchanger)
			sd.Init()

			serverK := new(big.Int).Exp(cd.e, sd.x, sd.group.p)

			host := newFakeHostKey(t)
			h := computeExchangeHash(cd.newHash, testHashInputs, host.blob(),
				wire.PutMpint(nil, cd.e), wire.PutMpint(nil, sd.e), serverK)

			reply := []byte{msgKexDHReply}
			reply = wire.PutString(reply, host.blob())
			reply = wire.PutMpint(reply, sd.e)
			reply = wire.PutString(reply, host.sign(h))

			result, err := client.HandleReply(reply, testHashInputs)
			require.NoError(t, err)
			assert.Equal(t, h, result.H)
			assert.Equal(t, serverK, result.K)

			keys := result.DeriveKeys(result.H, 16, 32, 32)
			assert.Len(t, keys.KeyClientToServer, 32)
			assert.NotEqual(t, keys.KeyClientToServer, keys.KeyServerToClient)
			assert.NotEqual(t, keys.MACClientToServer, keys.MACServerToClient)
		})
	}
}

func TestDHRejectsWrongSignature(t *testing.T) {
	algo := "diffie-hellman-group14-sha256"
	client, err := New(algo)
	require.NoError(t, err)
	cd := client.(*dhExchanger)
	cd.Init()

	serverEx, err := New(algo)
	require.NoError(t, err)
	sd := serverEx.(*dhExchanger)
	sd.Init()

	host := newFakeHostKey(t)
	wrongHost := newFakeHostKey(t)

	serverK := new(big.Int).Exp(cd.e, sd.x, sd.group.p)
	h := computeExchangeHash(cd.newHash, testHashInputs, host.blob(),
		wire.PutMpint(nil, cd.e), wire.PutMpint(nil, sd.e), serverK)

	reply := []byte{msgKexDHReply}
	reply = wire.PutString(reply, host.blob())
	reply = wire.PutMpint(reply, sd.e)
	reply = wire.PutString(reply, wrongHost.sign(h)) // signed by the wrong key

	_, err = client.HandleReply(reply, testHashInputs)
	require.Error(t, err)
}

func TestECDHRoundTrip(t *testing.T) {
	for _, algo := range []string{
		"ecdh-sha2-nistp256",
		"ecdh-sha2-nistp384",
		"ecdh-sha2-nistp521",
	} {
		t.Run(algo, func(t *testing.T) {
			client, err := New(algo)
			require.NoError(t, err)
			cd := client.(*ecdhExchanger)
			clientInit := cd.Init()
			_ = clientInit

			serverEx, err := New(algo)
			require.NoError(t, err)
			sd := serverEx.(*ecdhExchanger)
			sd.Init()

			sx, _ := sd.curve.ScalarMult(cd.priv.PublicKey.X, cd.priv.PublicKey.Y, sd.priv.D.Bytes())
			serverK := sx

			host := newFakeHostKey(t)
			h := computeExchangeHash(cd.newHash, testHashInputs, host.blob(), wire.PutString(nil, cd.point), wire.PutString(nil, sd.point), serverK)

			reply := []byte{msgKexECDHReply}
			reply = wire.PutString(reply, host.blob())
			reply = wire.PutString(reply, sd.point)
			reply = wire.PutString(reply, host.sign(h))

			result, err := client.HandleReply(reply, testHashInputs)
			require.NoError(t, err)
			assert.Equal(t, h, result.H)
			assert.Equal(t, 0, serverK.Cmp(result.K))
		})
	}
}

func TestUnknownAlgorithm(t *testing.T) {
	_, err := New("kex-does-not-exist")
	require.Error(t, err)
}
