package auth_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartpauj/pure-go-sftp/sshkey"
	"github.com/cartpauj/pure-go-sftp/transport"
	"github.com/cartpauj/pure-go-sftp/transport/auth"
	"github.com/cartpauj/pure-go-sftp/wire"
)

// peer drives the server side of the auth exchange directly against a
// Transport's packet pipeline, the same technique the channel package's
// tests use: the pipeline is usable unencrypted before NEWKEYS, and the
// auth phase never triggers KEX, so ReadPacket/WritePacket alone are
// enough to speak RFC 4252 by hand.
type peer struct {
	t *transport.Transport
}

func newPeer(conn net.Conn) *peer {
	return &peer{t: transport.New(conn, transport.Config{})}
}

// readUserAuthRequest decodes the common USERAUTH_REQUEST prefix and
// returns the method-specific remainder.
func (p *peer) readUserAuthRequest(t *testing.T) (method string, rest []byte) {
	t.Helper()
	payload, err := p.t.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, byte(transport.MsgUserAuthRequest), payload[0])
	body := payload[1:]
	_, body, err = wire.StringValue(body) // username
	require.NoError(t, err)
	_, body, err = wire.StringValue(body) // service name
	require.NoError(t, err)
	method, body, err = wire.StringValue(body)
	require.NoError(t, err)
	return method, body
}

func (p *peer) writeFailure(t *testing.T, methods []string) {
	t.Helper()
	payload := wire.PutByte(nil, transport.MsgUserAuthFailure)
	payload = wire.PutNameList(payload, methods)
	payload = wire.PutBool(payload, false)
	require.NoError(t, p.t.WritePacket(payload))
}

func (p *peer) writeSuccess(t *testing.T) {
	t.Helper()
	require.NoError(t, p.t.WritePacket(wire.PutByte(nil, transport.MsgUserAuthSuccess)))
}

func (p *peer) writePKOK(t *testing.T, algo string, blob []byte) {
	t.Helper()
	payload := wire.PutByte(nil, transport.MsgUserAuthPKOK)
	payload = wire.PutStringValue(payload, algo)
	payload = wire.PutString(payload, blob)
	require.NoError(t, p.t.WritePacket(payload))
}

func generateRSAKey(t *testing.T, bits int) sshkey.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	require.NoError(t, err)
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	armor := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	key, err := sshkey.Parse(armor, nil)
	require.NoError(t, err)
	return key
}

// TestPublicKeyRSASHA2Fallback exercises spec.md scenario 2: a server that
// rejects the rsa-sha2-512 publickey probe but accepts rsa-sha2-256. The client must probe rsa-sha2-512 then rsa-sha2-256 (in
// that order, regardless of modulus size), succeed on the second probe,
// and sign the final request with rsa-sha2-256 while the public-key blob
// keeps its "ssh-rsa" type tag.
func TestPublicKeyRSASHA2Fallback(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })

	key := generateRSAKey(t, 2048)
	blob := key.PublicSSHBlob()

	// Handshake is not run: the packet pipeline is usable unencrypted
	// before NEWKEYS, which is all the (unauthenticated) auth phase needs.
	// SessionID() is nil without a real KEX, which is fine here since the
	// fake server below checks protocol shape, not signature validity.
	clientT := transport.New(clientConn, transport.Config{})

	srv := newPeer(serverConn)

	serverErrCh := make(chan error, 1)
	go func() {
		serverErrCh <- driveServer(t, srv, blob)
	}()

	e := auth.New(clientT)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := e.Run(ctx, auth.Credentials{Username: "alice", PrivateKey: key})
	require.NoError(t, err)
	require.NoError(t, <-serverErrCh)
}

// driveServer plays the server side for TestPublicKeyRSASHA2Fallback: reject
// "none", reject the rsa-sha2-512 probe, accept rsa-sha2-256, then verify
// and accept the signed request.
func driveServer(t *testing.T, srv *peer, blob []byte) error {
	method, _ := srv.readUserAuthRequest(t)
	require.Equal(t, "none", method)
	srv.writeFailure(t, []string{"publickey", "password"})

	method, body := srv.readUserAuthRequest(t)
	require.Equal(t, "publickey", method)
	hasSig, body, err := wire.Bool(body)
	require.NoError(t, err)
	require.False(t, hasSig)
	algo, body, err := wire.StringValue(body)
	require.NoError(t, err)
	require.Equal(t, sshkey.AlgoRSASHA512, algo)
	_, _, err = wire.String(body)
	require.NoError(t, err)
	srv.writeFailure(t, []string{"publickey"})

	method, body = srv.readUserAuthRequest(t)
	require.Equal(t, "publickey", method)
	hasSig, body, err = wire.Bool(body)
	require.NoError(t, err)
	require.False(t, hasSig)
	algo, body, err = wire.StringValue(body)
	require.NoError(t, err)
	require.Equal(t, sshkey.AlgoRSASHA256, algo)
	probedBlob, _, err := wire.String(body)
	require.NoError(t, err)
	require.Equal(t, blob, probedBlob)
	srv.writePKOK(t, algo, probedBlob)

	method, body = srv.readUserAuthRequest(t)
	require.Equal(t, "publickey", method)
	hasSig, body, err = wire.Bool(body)
	require.NoError(t, err)
	require.True(t, hasSig)
	signedAlgo, body, err := wire.StringValue(body)
	require.NoError(t, err)
	require.Equal(t, sshkey.AlgoRSASHA256, signedAlgo)
	signedBlob, body, err := wire.String(body)
	require.NoError(t, err)
	require.Equal(t, blob, signedBlob)
	blobName, _, err := wire.StringValue(signedBlob)
	require.NoError(t, err)
	assert.Equal(t, "ssh-rsa", blobName)
	_, _, err = wire.String(body) // signature blob, not re-verified here
	require.NoError(t, err)

	srv.writeSuccess(t)
	return nil
}
