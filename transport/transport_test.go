package transport

import (
	"context"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartpauj/pure-go-sftp/transport/kex"
	"github.com/cartpauj/pure-go-sftp/wire"
)

// This file is a white-box test (package transport, not transport_test)
// because playing the server side of a handshake needs the same
// pipeline/directionContext machinery the Transport itself uses: there is
// no server-side Exchanger exported anywhere in this module (it is a
// client-only library), so the fake peer below drives the raw ECDH math
// and reuses the real cipherTable/macTable/pipeline plumbing rather than
// reimplementing it.

// fakeServer plays the server half of one connection: version exchange,
// ECDH key exchange over NIST P-256 with an ed25519 host key, NEWKEYS
// cutover, and SERVICE_ACCEPT. doKex can be called a second time to drive
// a rekey, either client- or server-initiated.
type fakeServer struct {
	t *testing.T

	pipe     *pipeline
	hostPub  ed25519.PublicKey
	hostPriv ed25519.PrivateKey
	hostBlob []byte

	clientVersion []byte
	serverVersion []byte
	sessionID     []byte
}

func newFakeServer(t *testing.T, conn net.Conn) *fakeServer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	blob := wire.PutStringValue(nil, "ssh-ed25519")
	blob = wire.PutString(blob, pub)
	return &fakeServer{t: t, pipe: newPipeline(conn, conn), hostPub: pub, hostPriv: priv, hostBlob: blob}
}

func (f *fakeServer) exchangeVersions() {
	t := f.t
	t.Helper()
	f.serverVersion = []byte("SSH-2.0-fakeserver_1.0")
	require.NoError(t, f.pipe.writeRaw(f.serverVersion))
	line, err := f.pipe.readLine()
	require.NoError(t, err)
	f.clientVersion = line
}

func (f *fakeServer) serviceAccept() {
	t := f.t
	t.Helper()
	req, err := f.pipe.readPacket()
	require.NoError(t, err)
	require.Equal(t, byte(MsgServiceRequest), req[0])
	require.NoError(t, f.pipe.writePacket(wire.PutByte(nil, MsgServiceAccept)))
}

// doKex runs one ECDH key exchange to completion. isFirst mirrors
// Transport.completeKex: only the very first exchange fixes sessionID.
// serverFirst mirrors whether the server's KEXINIT is sent before or in
// response to the client's, matching the two call sites in rekey.go
// (runKex vs handleServerInitiatedRekey).
func (f *fakeServer) doKex(isFirst, serverFirst bool) {
	t := f.t
	t.Helper()

	serverInit := newClientKexInit() // same default proposal shape as the client
	serverPayload := serverInit.marshal()

	var clientPayload []byte
	if serverFirst {
		require.NoError(t, f.pipe.writePacket(serverPayload))
		cp, err := f.pipe.readPacket()
		require.NoError(t, err)
		require.Equal(t, byte(MsgKexInit), cp[0])
		clientPayload = cp
	} else {
		cp, err := f.pipe.readPacket()
		require.NoError(t, err)
		require.Equal(t, byte(MsgKexInit), cp[0])
		clientPayload = cp
		require.NoError(t, f.pipe.writePacket(serverPayload))
	}

	clientInit, err := parseKexInit(clientPayload)
	require.NoError(t, err)
	algos, err := negotiate(clientInit, serverInit)
	require.NoError(t, err)
	require.Equal(t, "ecdh-sha2-nistp256", algos.kex)

	initPayload, err := f.pipe.readPacket()
	require.NoError(t, err)
	require.Equal(t, byte(30), initPayload[0]) // msgKexECDHInit
	clientPoint, _, err := wire.String(initPayload[1:])
	require.NoError(t, err)

	curve := elliptic.P256()
	serverPriv, err := ecdsa.GenerateKey(curve, rand.Reader)
	require.NoError(t, err)
	serverPoint := elliptic.Marshal(curve, serverPriv.PublicKey.X, serverPriv.PublicKey.Y) //nolint:staticcheck

	cx, cy := elliptic.Unmarshal(curve, clientPoint) //nolint:staticcheck
	require.NotNil(t, cx)
	k, _ := curve.ScalarMult(cx, cy, serverPriv.D.Bytes())

	h := serverExchangeHash(f.clientVersion, f.serverVersion, clientPayload, serverPayload, f.hostBlob, clientPoint, serverPoint, k)

	sig := ed25519.Sign(f.hostPriv, h)
	sigBlob := wire.PutStringValue(nil, "ssh-ed25519")
	sigBlob = wire.PutString(sigBlob, sig)

	reply := wire.PutByte(nil, 31) // msgKexECDHReply
	reply = wire.PutString(reply, f.hostBlob)
	reply = wire.PutString(reply, serverPoint)
	reply = wire.PutString(reply, sigBlob)
	require.NoError(t, f.pipe.writePacket(reply))

	if isFirst {
		f.sessionID = h
	}

	cd := cipherTable[algos.cipherC2S]
	ivLen, keyLen := cd.ivSize, cd.keySize
	macLen := 0
	if !cd.gcm {
		macLen = macTable[algos.macC2S].keySize
	}
	keys := kex.DeriveKeys(sha256.New, wire.PutMpint(nil, k), h, f.sessionID, ivLen, keyLen, macLen)

	inDC, err := newDirectionContext(algos.cipherC2S, algos.macC2S, keys.KeyClientToServer, keys.IVClientToServer, keys.MACClientToServer)
	require.NoError(t, err)
	outDC, err := newDirectionContext(algos.cipherS2C, algos.macS2C, keys.KeyServerToClient, keys.IVServerToClient, keys.MACServerToClient)
	require.NoError(t, err)

	require.NoError(t, f.pipe.writePacket(wire.PutByte(nil, MsgNewKeys)))
	f.pipe.setOutbound(outDC)

	nk, err := f.pipe.readPacket()
	require.NoError(t, err)
	require.Equal(t, byte(MsgNewKeys), nk[0])
	f.pipe.setInbound(inDC)
}

// serverExchangeHash replicates kex.computeExchangeHash's ECDH inputs
// (HASH(Vc||Vs||Ic||Is||Khost||Qc||Qs||K), RFC 5656 §4) independently of
// the kex package, since the hash used to sign the reply must match what
// the client recomputes on its side to verify the signature. Qc/Qs are
// SSH strings (length-prefixed), matching computeExchangeHash's callers.
func serverExchangeHash(vc, vs, ic, is, hostKeyBlob, qc, qs []byte, k *big.Int) []byte {
	h := sha256.New()
	h.Write(wire.PutString(nil, vc))
	h.Write(wire.PutString(nil, vs))
	h.Write(wire.PutString(nil, ic))
	h.Write(wire.PutString(nil, is))
	h.Write(wire.PutString(nil, hostKeyBlob))
	h.Write(wire.PutString(nil, qc))
	h.Write(wire.PutString(nil, qs))
	h.Write(wire.PutMpint(nil, k))
	return h.Sum(nil)
}

// TestHandshakeReachesReadyState exercises scenario 1: a clean handshake
// (banner, KEXINIT, ECDH, NEWKEYS, SERVICE_ACCEPT) brings the transport to
// a usable state with a session_id sized for the negotiated KEX hash.
func TestHandshakeReachesReadyState(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })

	srv := newFakeServer(t, serverConn)
	serverDone := make(chan struct{})
	go func() {
		defer close(serverDone)
		srv.exchangeVersions()
		srv.doKex(true, false)
		srv.serviceAccept()
	}()

	client := New(clientConn, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, client.Handshake(ctx))
	<-serverDone

	assert.Len(t, client.SessionID(), sha256.Size)
	assert.Equal(t, []byte("SSH-2.0-pure-go-sftp"), client.ClientVersion())
	assert.Equal(t, srv.serverVersion, client.ServerVersion())
	assert.Equal(t, srv.sessionID, client.SessionID())
}

// TestServerInitiatedRekeyPreservesSessionAndSequence exercises scenario 6:
// a server-sent KEXINIT mid-session completes a second key exchange without
// resetting sequence numbers or session_id, and a channel/global-request
// message already in flight afterward is still delivered to the dispatcher.
func TestServerInitiatedRekeyPreservesSessionAndSequence(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })

	srv := newFakeServer(t, serverConn)
	client := New(clientConn, Config{RekeyAfterBytes: 1 << 40, RekeyAfterPackets: 1 << 40})

	handshakeDone := make(chan struct{})
	go func() {
		defer close(handshakeDone)
		srv.exchangeVersions()
		srv.doKex(true, false)
		srv.serviceAccept()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.Handshake(ctx))
	<-handshakeDone

	firstSessionID := append([]byte(nil), client.SessionID()...)
	seqBeforeRekey := client.pipe.outSeq

	received := make(chan byte, 1)
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- client.Serve(ctx, func(msgType byte, payload []byte) error {
			received <- msgType
			return nil
		})
	}()

	rekeyDone := make(chan struct{})
	go func() {
		defer close(rekeyDone)
		srv.doKex(false, true)

		payload := wire.PutByte(nil, MsgGlobalRequest)
		payload = wire.PutStringValue(payload, "keepalive@pure-go-sftp")
		payload = wire.PutBool(payload, false)
		require.NoError(t, srv.pipe.writePacket(payload))
	}()

	select {
	case msgType := <-received:
		assert.Equal(t, byte(MsgGlobalRequest), msgType)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for post-rekey message to be dispatched")
	}
	<-rekeyDone

	assert.Equal(t, firstSessionID, client.SessionID())
	assert.Greater(t, client.pipe.outSeq, seqBeforeRekey)

	cancel()
	_ = client.Close()
	<-serveErrCh
}
