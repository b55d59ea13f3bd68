package channel

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/cartpauj/pure-go-sftp/log"
	"github.com/cartpauj/pure-go-sftp/transport"
	"github.com/cartpauj/pure-go-sftp/wire"
)

// Channel is one RFC 4254 session channel multiplexed over a single
// Transport. It implements io.ReadWriteCloser: Write segments outbound data
// by the peer's maximum packet size and blocks when the peer's advertised
// window is exhausted; Read blocks until data, EOF, or a close arrives from
// the dispatch loop and issues WINDOW_ADJUST once enough has been consumed.
type Channel struct {
	log.LoggerInjectable

	mgr      *Manager
	localID  uint32
	remoteID uint32

	remoteMaxPacket uint32

	mu           sync.Mutex
	cond         *sync.Cond
	remoteWindow uint32

	localWindowMax uint32
	localWindow    uint32
	pendingAdjust  uint32

	readBuf  bytes.Buffer
	extBuf   bytes.Buffer
	readEOF  bool
	closed   bool
	closeErr error

	requestMu   sync.Mutex
	requestReply chan bool
}

func newChannel(mgr *Manager, localID uint32, windowSize uint32) *Channel {
	c := &Channel{
		mgr:            mgr,
		localID:        localID,
		localWindowMax: windowSize,
		localWindow:    windowSize,
	}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// LocalID returns the channel number this side assigned.
func (c *Channel) LocalID() uint32 { return c.localID }

// RemoteID returns the channel number the peer assigned, valid once the
// open has been confirmed.
func (c *Channel) RemoteID() uint32 { return c.remoteID }

// Write implements io.Writer. It blocks until enough remote window is
// available, splitting p across multiple CHANNEL_DATA messages if it
// exceeds the peer's maximum packet size or the currently available
// window.
func (c *Channel) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n, err := c.writeChunk(p)
		total += n
		if err != nil {
			return total, err
		}
		p = p[n:]
	}
	return total, nil
}

func (c *Channel) writeChunk(p []byte) (int, error) {
	c.mu.Lock()
	for c.remoteWindow == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.closed {
		c.mu.Unlock()
		return 0, c.closeErrorLocked()
	}
	n := len(p)
	if uint32(n) > c.remoteWindow {
		n = int(c.remoteWindow)
	}
	if uint32(n) > c.remoteMaxPacket {
		n = int(c.remoteMaxPacket)
	}
	c.remoteWindow -= uint32(n)
	c.mu.Unlock()

	payload := wire.PutByte(nil, transport.MsgChannelData)
	payload = wire.PutUint32(payload, c.remoteID)
	payload = wire.PutString(payload, p[:n])
	if err := c.mgr.t.WritePacket(payload); err != nil {
		return 0, fmt.Errorf("write channel data: %w", err)
	}
	return n, nil
}

// Read implements io.Reader, draining data pushed in by the dispatch loop.
func (c *Channel) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.readBuf.Len() == 0 && !c.readEOF && !c.closed {
		c.cond.Wait()
	}
	if c.readBuf.Len() > 0 {
		n, _ := c.readBuf.Read(p)
		c.pendingAdjust += uint32(n)
		if c.pendingAdjust >= c.localWindowMax/windowAdjustThreshold {
			c.sendWindowAdjustLocked()
		}
		return n, nil
	}
	if c.closed {
		return 0, c.closeErrorLocked()
	}
	return 0, io.EOF
}

// sendWindowAdjustLocked grants back c.pendingAdjust bytes of receive
// window. Called with c.mu held; the write itself happens without it since
// Transport.WritePacket may block on the rekey gate.
func (c *Channel) sendWindowAdjustLocked() {
	add := c.pendingAdjust
	c.pendingAdjust = 0
	c.localWindow += add
	go func() {
		payload := wire.PutByte(nil, transport.MsgChannelWindowAdjst)
		payload = wire.PutUint32(payload, c.remoteID)
		payload = wire.PutUint32(payload, add)
		if err := c.mgr.t.WritePacket(payload); err != nil {
			c.Log().Debug("send window adjust failed", log.KeyChannel, c.localID, log.KeyError, err)
		}
	}()
}

// ExtendedData returns and clears whatever stderr-type data (RFC 4254 §5.2)
// has arrived on this channel so far.
func (c *Channel) ExtendedData() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.extBuf.Bytes()
	out := make([]byte, len(data))
	copy(out, data)
	c.extBuf.Reset()
	return out
}

// Request sends a CHANNEL_REQUEST and, if wantReply, blocks for the
// CHANNEL_SUCCESS/FAILURE reply. Requests on one channel are serialized:
// RFC 4254 correlates replies to requests purely by arrival order.
func (c *Channel) Request(reqType string, wantReply bool, data []byte) error {
	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	var reply chan bool
	if wantReply {
		reply = make(chan bool, 1)
		c.mu.Lock()
		c.requestReply = reply
		c.mu.Unlock()
	}

	payload := wire.PutByte(nil, transport.MsgChannelRequest)
	payload = wire.PutUint32(payload, c.remoteID)
	payload = wire.PutStringValue(payload, reqType)
	payload = wire.PutBool(payload, wantReply)
	payload = append(payload, data...)
	if err := c.mgr.t.WritePacket(payload); err != nil {
		return fmt.Errorf("send channel request %q: %w", reqType, err)
	}
	if !wantReply {
		return nil
	}

	ok := <-reply
	if !ok {
		return fmt.Errorf("%s request: %w", reqType, ErrRequestFailed)
	}
	return nil
}

// RequestSubsystem asks the peer to start the named subsystem (e.g.
// "sftp") on this channel, per RFC 4254 §6.5.
func (c *Channel) RequestSubsystem(name string) error {
	return c.Request("subsystem", true, wire.PutStringValue(nil, name))
}

// SendEOF signals that no more data will be written, per RFC 4254 §5.3.
func (c *Channel) SendEOF() error {
	payload := wire.PutByte(nil, transport.MsgChannelEOF)
	payload = wire.PutUint32(payload, c.remoteID)
	if err := c.mgr.t.WritePacket(payload); err != nil {
		return fmt.Errorf("send channel eof: %w", err)
	}
	return nil
}

// Close implements io.Closer: it sends EOF then CLOSE and unblocks any
// goroutine waiting in Read or Write. It does not wait for the peer's own
// CLOSE; the manager's dispatch loop reaps the channel from its table when
// that arrives.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeErr = ErrChannelClosed
	c.mu.Unlock()
	c.cond.Broadcast()

	_ = c.SendEOF()
	payload := wire.PutByte(nil, transport.MsgChannelClose)
	payload = wire.PutUint32(payload, c.remoteID)
	return c.mgr.t.WritePacket(payload)
}

func (c *Channel) closeErrorLocked() error {
	if c.closeErr != nil {
		return c.closeErr
	}
	return ErrChannelClosed
}

// --- dispatch-side hooks, called by Manager with no lock held ---

func (c *Channel) pushData(data []byte) {
	c.mu.Lock()
	c.readBuf.Write(data)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Channel) pushExtData(data []byte) {
	c.mu.Lock()
	c.extBuf.Write(data)
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Channel) addRemoteWindow(n uint32) {
	c.mu.Lock()
	c.remoteWindow += n
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Channel) handleEOF() {
	c.mu.Lock()
	c.readEOF = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

func (c *Channel) handleClose(err error) {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		c.closeErr = err
	}
	c.mu.Unlock()
	c.cond.Broadcast()

	select {
	case c.requestReply <- false:
	default:
	}
}

func (c *Channel) deliverRequestReply(ok bool) {
	c.mu.Lock()
	reply := c.requestReply
	c.mu.Unlock()
	if reply == nil {
		return
	}
	select {
	case reply <- ok:
	default:
	}
}
