package channel_test

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartpauj/pure-go-sftp/transport"
	"github.com/cartpauj/pure-go-sftp/transport/channel"
	"github.com/cartpauj/pure-go-sftp/wire"
)

// peer is a raw Transport used to play the server side of a channel
// exchange by hand, without running a real KEX/auth handshake — the
// packet pipeline works unencrypted until NEWKEYS, so WritePacket/
// ReadPacket alone are enough to speak RFC 4254 channel messages.
type peer struct {
	t *transport.Transport
}

func newPeer(conn net.Conn) *peer {
	return &peer{t: transport.New(conn, transport.Config{})}
}

func (p *peer) readChannelOpen(t *testing.T) (localID, window, maxPkt uint32) {
	t.Helper()
	payload, err := p.t.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, byte(transport.MsgChannelOpen), payload[0])
	body := payload[1:]
	_, body, err = wire.StringValue(body) // channel type, "session"
	require.NoError(t, err)
	localID, body, err = wire.Uint32(body)
	require.NoError(t, err)
	window, body, err = wire.Uint32(body)
	require.NoError(t, err)
	maxPkt, _, err = wire.Uint32(body)
	require.NoError(t, err)
	return localID, window, maxPkt
}

func (p *peer) confirmOpen(t *testing.T, localID, remoteID, window, maxPkt uint32) {
	t.Helper()
	payload := wire.PutByte(nil, transport.MsgChannelOpenConfirm)
	payload = wire.PutUint32(payload, localID)
	payload = wire.PutUint32(payload, remoteID)
	payload = wire.PutUint32(payload, window)
	payload = wire.PutUint32(payload, maxPkt)
	require.NoError(t, p.t.WritePacket(payload))
}

func (p *peer) windowAdjust(t *testing.T, channelID, n uint32) {
	t.Helper()
	payload := wire.PutByte(nil, transport.MsgChannelWindowAdjst)
	payload = wire.PutUint32(payload, channelID)
	payload = wire.PutUint32(payload, n)
	require.NoError(t, p.t.WritePacket(payload))
}

// readChannelData reads one CHANNEL_DATA message and returns its payload.
func (p *peer) readChannelData(t *testing.T) []byte {
	t.Helper()
	payload, err := p.t.ReadPacket()
	require.NoError(t, err)
	require.Equal(t, byte(transport.MsgChannelData), payload[0])
	body := payload[1:]
	_, body, err = wire.Uint32(body) // recipient channel id
	require.NoError(t, err)
	data, _, err := wire.String(body)
	require.NoError(t, err)
	return data
}

// TestWindowStarvationRecovery exercises spec.md scenario 5: with an
// initial remote window of 64 KiB, writing 200 KiB in 32 KiB chunks blocks
// after the first two chunks until a WINDOW_ADJUST arrives, and with
// further 64 KiB adjusts the full 200 KiB eventually arrives in order.
func TestWindowStarvationRecovery(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	t.Cleanup(func() { _ = clientConn.Close(); _ = serverConn.Close() })

	clientT := transport.New(clientConn, transport.Config{})
	srv := newPeer(serverConn)

	mgr := channel.NewManager(clientT, channel.Config{InitialWindowSize: 1 << 20, MaxPacketSize: 32 * 1024})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	serveErrCh := make(chan error, 1)
	go func() { serveErrCh <- clientT.Serve(ctx, mgr.Dispatch) }()

	const initialRemoteWindow = 64 * 1024
	const chunkSize = 32 * 1024
	const totalSize = 200 * 1024

	openDone := make(chan struct{})
	var localID uint32
	go func() {
		defer close(openDone)
		localID, _, _ = srv.readChannelOpen(t)
		srv.confirmOpen(t, localID, 99, initialRemoteWindow, chunkSize)
	}()

	ch, err := mgr.OpenSession(ctx)
	require.NoError(t, err)
	<-openDone

	data := make([]byte, totalSize)
	for i := range data {
		data[i] = byte(i / chunkSize)
	}

	writeDone := make(chan error, 1)
	go func() {
		_, err := ch.Write(data)
		writeDone <- err
	}()

	// The first two 32 KiB chunks exactly exhaust the 64 KiB window; read
	// them before granting any more credit.
	var received bytes.Buffer
	received.Write(srv.readChannelData(t))
	received.Write(srv.readChannelData(t))
	assert.Equal(t, initialRemoteWindow, received.Len())

	// A third chunk must not have been sent yet: the write goroutine is
	// blocked on window credit. Grant 64 KiB each time the granted credit
	// has been used up, and the rest should follow.
	select {
	case err := <-writeDone:
		t.Fatalf("Write returned before window credit was granted: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	srv.windowAdjust(t, localID, initialRemoteWindow)
	granted := 2 * initialRemoteWindow

	for received.Len() < totalSize {
		if received.Len() == granted {
			srv.windowAdjust(t, localID, initialRemoteWindow)
			granted += initialRemoteWindow
		}
		received.Write(srv.readChannelData(t))
	}

	require.NoError(t, <-writeDone)
	assert.Equal(t, totalSize, received.Len())
	assert.True(t, bytes.Equal(data, received.Bytes()), "bytes must arrive in order")

	cancel()
	<-serveErrCh
}
