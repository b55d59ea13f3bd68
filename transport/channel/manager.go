// Package channel implements RFC 4254 session channels multiplexed over
// one Transport, including window-based flow control and the
// "subsystem" request used to hand a channel off to SFTP.
package channel

import (
	"context"
	"fmt"
	"sync"

	"github.com/cartpauj/pure-go-sftp/log"
	"github.com/cartpauj/pure-go-sftp/transport"
	"github.com/cartpauj/pure-go-sftp/wire"
)

type openResult struct {
	remoteID uint32
	window   uint32
	maxPkt   uint32
	err      error
}

// Manager owns the local-channel-ID space for one Transport and routes
// every channel and global-request message the transport's Serve loop
// sees. Its Dispatch method is meant to be passed directly as the
// dispatch callback to Transport.Serve.
type Manager struct {
	log.LoggerInjectable

	t   *transport.Transport
	cfg Config

	mu       sync.Mutex
	nextID   uint32
	channels map[uint32]*Channel
	pending  map[uint32]chan openResult
}

// NewManager builds a Manager bound to t. t.Handshake and authentication
// must already be complete.
func NewManager(t *transport.Transport, cfg Config) *Manager {
	return &Manager{
		t:        t,
		cfg:      cfg.withDefaults(),
		channels: make(map[uint32]*Channel),
		pending:  make(map[uint32]chan openResult),
	}
}

// OpenSession opens a new "session" channel and blocks until the peer
// confirms or refuses it, or ctx is done.
func (m *Manager) OpenSession(ctx context.Context) (*Channel, error) {
	m.mu.Lock()
	localID := m.nextID
	m.nextID++
	ch := newChannel(m, localID, m.cfg.InitialWindowSize)
	result := make(chan openResult, 1)
	m.pending[localID] = result
	m.mu.Unlock()

	payload := wire.PutByte(nil, transport.MsgChannelOpen)
	payload = wire.PutStringValue(payload, "session")
	payload = wire.PutUint32(payload, localID)
	payload = wire.PutUint32(payload, m.cfg.InitialWindowSize)
	payload = wire.PutUint32(payload, m.cfg.MaxPacketSize)
	if err := m.t.WritePacket(payload); err != nil {
		m.dropPending(localID)
		return nil, fmt.Errorf("send channel open: %w", err)
	}

	select {
	case res := <-result:
		if res.err != nil {
			return nil, res.err
		}
		ch.remoteID = res.remoteID
		ch.remoteWindow = res.window
		ch.remoteMaxPacket = res.maxPkt
		m.mu.Lock()
		m.channels[localID] = ch
		m.mu.Unlock()
		return ch, nil
	case <-ctx.Done():
		m.dropPending(localID)
		return nil, ctx.Err()
	}
}

func (m *Manager) dropPending(localID uint32) {
	m.mu.Lock()
	delete(m.pending, localID)
	m.mu.Unlock()
}

func (m *Manager) channelFor(localID uint32) *Channel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.channels[localID]
}

// Dispatch handles one non-transport, non-KEX message from Transport.Serve.
// It never returns an error for channel/protocol-level problems local to a
// single channel (those are delivered to that channel's Read/Write/Request
// callers instead) so that one misbehaving channel cannot tear down the
// whole connection.
func (m *Manager) Dispatch(msgType byte, payload []byte) error {
	body := payload[1:]
	switch msgType {
	case transport.MsgChannelOpenConfirm:
		return m.handleOpenConfirm(body)
	case transport.MsgChannelOpenFailure:
		return m.handleOpenFailure(body)
	case transport.MsgChannelWindowAdjst:
		return m.withChannel(body, func(c *Channel, rest []byte) error {
			n, _, err := wire.Uint32(rest)
			if err != nil {
				return err
			}
			c.addRemoteWindow(n)
			return nil
		})
	case transport.MsgChannelData:
		return m.withChannel(body, func(c *Channel, rest []byte) error {
			data, _, err := wire.String(rest)
			if err != nil {
				return err
			}
			c.pushData(data)
			return nil
		})
	case transport.MsgChannelExtData:
		return m.withChannel(body, func(c *Channel, rest []byte) error {
			_, rest, err := wire.Uint32(rest)
			if err != nil {
				return err
			}
			data, _, err := wire.String(rest)
			if err != nil {
				return err
			}
			c.pushExtData(data)
			return nil
		})
	case transport.MsgChannelEOF:
		return m.withChannel(body, func(c *Channel, _ []byte) error {
			c.handleEOF()
			return nil
		})
	case transport.MsgChannelClose:
		return m.handleClose(body)
	case transport.MsgChannelSuccess:
		return m.withChannel(body, func(c *Channel, _ []byte) error {
			c.deliverRequestReply(true)
			return nil
		})
	case transport.MsgChannelFailure:
		return m.withChannel(body, func(c *Channel, _ []byte) error {
			c.deliverRequestReply(false)
			return nil
		})
	case transport.MsgChannelRequest:
		return m.handlePeerChannelRequest(body)
	case transport.MsgGlobalRequest:
		return m.handleGlobalRequest(body)
	case transport.MsgRequestSuccess, transport.MsgRequestFailure:
		return nil // no outstanding global requests of our own to correlate
	default:
		m.Log().Debug("unhandled message in channel dispatch", log.KeyMessage, msgType)
		return nil
	}
}

func (m *Manager) handleOpenConfirm(body []byte) error {
	localID, body, err := wire.Uint32(body)
	if err != nil {
		return fmt.Errorf("read channel open confirm: %w", err)
	}
	remoteID, body, err := wire.Uint32(body)
	if err != nil {
		return fmt.Errorf("read channel open confirm: %w", err)
	}
	window, body, err := wire.Uint32(body)
	if err != nil {
		return fmt.Errorf("read channel open confirm: %w", err)
	}
	maxPkt, _, err := wire.Uint32(body)
	if err != nil {
		return fmt.Errorf("read channel open confirm: %w", err)
	}

	m.mu.Lock()
	ch, ok := m.pending[localID]
	delete(m.pending, localID)
	m.mu.Unlock()
	if !ok {
		return nil // stray confirm for an id we no longer track
	}
	ch <- openResult{remoteID: remoteID, window: window, maxPkt: maxPkt}
	return nil
}

func (m *Manager) handleOpenFailure(body []byte) error {
	localID, body, err := wire.Uint32(body)
	if err != nil {
		return fmt.Errorf("read channel open failure: %w", err)
	}
	reason, body, err := wire.Uint32(body)
	if err != nil {
		return fmt.Errorf("read channel open failure: %w", err)
	}
	desc, _, _ := wire.StringValue(body)

	m.mu.Lock()
	ch, ok := m.pending[localID]
	delete(m.pending, localID)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	ch <- openResult{err: &OpenFailureError{Reason: reason, Description: desc}}
	return nil
}

func (m *Manager) handleClose(body []byte) error {
	localID, _, err := wire.Uint32(body)
	if err != nil {
		return fmt.Errorf("read channel close: %w", err)
	}
	m.mu.Lock()
	ch, ok := m.channels[localID]
	delete(m.channels, localID)
	m.mu.Unlock()
	if ok {
		ch.handleClose(ErrChannelClosed)
	}
	return nil
}

// handlePeerChannelRequest answers any request the peer sends on a channel
// we own (e.g. "exit-status"); we have nothing useful to act on, so we just
// satisfy want_reply with CHANNEL_FAILURE per RFC 4254 §4.
func (m *Manager) handlePeerChannelRequest(body []byte) error {
	localID, body, err := wire.Uint32(body)
	if err != nil {
		return fmt.Errorf("read channel request: %w", err)
	}
	_, body, err = wire.StringValue(body)
	if err != nil {
		return fmt.Errorf("read channel request: %w", err)
	}
	wantReply, _, err := wire.Bool(body)
	if err != nil {
		return fmt.Errorf("read channel request: %w", err)
	}
	if !wantReply {
		return nil
	}
	ch := m.channelFor(localID)
	if ch == nil {
		return nil
	}
	reply := wire.PutByte(nil, transport.MsgChannelFailure)
	reply = wire.PutUint32(reply, ch.remoteID)
	return m.t.WritePacket(reply)
}

// handleGlobalRequest answers connection-wide requests from the peer
// (keepalives and the like) that we don't implement, per RFC 4254 §4.
func (m *Manager) handleGlobalRequest(body []byte) error {
	_, body, err := wire.StringValue(body)
	if err != nil {
		return fmt.Errorf("read global request: %w", err)
	}
	wantReply, _, err := wire.Bool(body)
	if err != nil {
		return fmt.Errorf("read global request: %w", err)
	}
	if !wantReply {
		return nil
	}
	return m.t.WritePacket(wire.PutByte(nil, transport.MsgRequestFailure))
}

func (m *Manager) withChannel(body []byte, fn func(c *Channel, rest []byte) error) error {
	localID, rest, err := wire.Uint32(body)
	if err != nil {
		return fmt.Errorf("read channel message: %w", err)
	}
	ch := m.channelFor(localID)
	if ch == nil {
		return nil // stray message for a channel we already reaped
	}
	return fn(ch, rest)
}
