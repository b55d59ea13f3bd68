package sftp

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/cartpauj/pure-go-sftp/log"
	"github.com/cartpauj/pure-go-sftp/wire"
)

// NameEntry is one entry of an SSH_FXP_NAME reply (READDIR, or the single
// entry REALPATH returns).
type NameEntry struct {
	Filename string
	Longname string
	Attrs    Attrs
}

type reply struct {
	msgType byte
	body    []byte
}

// Client drives one SFTP v3 session over an already-open byte stream (in
// practice a channel.Channel with the "sftp" subsystem already requested).
// Requests are pipelined: Client never blocks a second caller's request on
// a first caller's reply, and replies are routed to their caller strictly
// by request_id, in whatever order the peer sends them.
type Client struct {
	log.LoggerInjectable

	rw io.ReadWriteCloser
	br *bufio.Reader

	writeMu sync.Mutex

	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]chan reply
	closed  bool
	closeErr error

	version    uint32
	extensions map[string]string
}

// NewClient performs the SSH_FXP_INIT/VERSION exchange over rw and, on
// success, starts the background reply-dispatch loop.
func NewClient(rw io.ReadWriteCloser) (*Client, error) {
	c := &Client{
		rw:      rw,
		br:      bufio.NewReader(rw),
		pending: make(map[uint32]chan reply),
	}

	initBody := wire.PutUint32(nil, ProtocolVersion)
	if err := c.writeFrame(fxpInit, initBody); err != nil {
		return nil, fmt.Errorf("send sftp init: %w", err)
	}

	msgType, body, err := c.readFrame()
	if err != nil {
		return nil, fmt.Errorf("read sftp version: %w", err)
	}
	if msgType != fxpVersion {
		return nil, fmt.Errorf("expected SSH_FXP_VERSION, got message %d: %w", msgType, ErrUnexpectedReply)
	}
	version, rest, err := wire.Uint32(body)
	if err != nil {
		return nil, fmt.Errorf("read sftp version number: %w", err)
	}
	if version == 0 {
		return nil, fmt.Errorf("server offered version %d: %w", version, ErrVersionMismatch)
	}
	// §4.8: the negotiated version is the minimum of what either side
	// offered. This client always inits with ProtocolVersion, so a server
	// answering lower is accepted at its version rather than rejected.
	if version > ProtocolVersion {
		version = ProtocolVersion
	}
	c.version = version
	c.extensions = parseExtensionPairs(rest)

	go c.readLoop()
	return c, nil
}

// Version returns the negotiated protocol version (the minimum of
// ProtocolVersion and what the server offered in SSH_FXP_VERSION).
func (c *Client) Version() uint32 { return c.version }

// Extensions returns the server's SSH_FXP_VERSION extension map
// (name -> data), exposed read-only since this engine implements no SFTP
// v4+ extension itself.
func (c *Client) Extensions() map[string]string {
	out := make(map[string]string, len(c.extensions))
	for k, v := range c.extensions {
		out[k] = v
	}
	return out
}

func parseExtensionPairs(body []byte) map[string]string {
	exts := make(map[string]string)
	for len(body) > 0 {
		name, rest, err := wire.StringValue(body)
		if err != nil {
			break
		}
		data, rest, err := wire.StringValue(rest)
		if err != nil {
			break
		}
		exts[name] = data
		body = rest
	}
	return exts
}

// writeFrame sends one length-prefixed SFTP v3 message with no request_id
// field (only INIT uses this shape; every other request goes through
// writeRequest).
func (c *Client) writeFrame(msgType byte, body []byte) error {
	frame := wire.PutUint32(nil, uint32(1+len(body)))
	frame = wire.PutByte(frame, msgType)
	frame = append(frame, body...)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.rw.Write(frame)
	return err
}

func (c *Client) writeRequest(msgType byte, id uint32, body []byte) error {
	frame := wire.PutUint32(nil, uint32(1+4+len(body)))
	frame = wire.PutByte(frame, msgType)
	frame = wire.PutUint32(frame, id)
	frame = append(frame, body...)
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.rw.Write(frame)
	return err
}

// readFrame reads one length-prefixed SFTP message, reassembling it across
// however many channel reads the underlying stream needed.
func (c *Client) readFrame() (byte, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c.br, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length, _, _ := wire.Uint32(lenBuf[:])
	if length < 1 {
		return 0, nil, fmt.Errorf("sftp frame length %d: %w", length, ErrUnexpectedReply)
	}
	rest := make([]byte, length)
	if _, err := io.ReadFull(c.br, rest); err != nil {
		return 0, nil, err
	}
	return rest[0], rest[1:], nil
}

// readLoop is the sole reader of rw; it runs for the life of the Client,
// decoding frames and routing each to the pending request matching its
// request_id until the stream errors out, at which point every
// outstanding request fails with ErrConnectionLost.
func (c *Client) readLoop() {
	for {
		msgType, body, err := c.readFrame()
		if err != nil {
			c.teardown(fmt.Errorf("%w: %v", ErrConnectionLost, err))
			return
		}
		if len(body) < 4 {
			c.teardown(fmt.Errorf("sftp reply too short for request_id: %w", ErrConnectionLost))
			return
		}
		id, _, _ := wire.Uint32(body)
		rest := body[4:]

		c.mu.Lock()
		ch, ok := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if !ok {
			c.Log().Debug("sftp reply for unknown request id", log.KeyRequestID, id, log.KeyMessage, msgType)
			continue
		}
		ch <- reply{msgType: msgType, body: rest}
	}
}

func (c *Client) teardown(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = err
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- reply{}
	}
}

// Close tears down the underlying stream. Any request still in flight
// completes with ErrConnectionLost.
func (c *Client) Close() error {
	err := c.rw.Close()
	c.teardown(fmt.Errorf("%w: client closed", ErrConnectionLost))
	return err
}

// do allocates a request id, sends msgType/body, and waits for the
// matching reply or for ctx to end. On cancellation or timeout the
// request-table entry is removed so a late reply is silently dropped.
func (c *Client) do(ctx context.Context, msgType byte, body []byte) (reply, error) {
	c.mu.Lock()
	if c.closed {
		err := c.closeErr
		c.mu.Unlock()
		return reply{}, err
	}
	id := c.nextID
	c.nextID++
	ch := make(chan reply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.writeRequest(msgType, id, body); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return reply{}, fmt.Errorf("send sftp request: %w", err)
	}

	select {
	case r := <-ch:
		if r.msgType == 0 && r.body == nil {
			return reply{}, c.closeErr
		}
		return r, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return reply{}, ErrTimeout
		}
		return reply{}, ErrCancelled
	}
}

// decodeStatus reads an SSH_FXP_STATUS body and turns it into a Go error,
// nil for code OK.
func decodeStatus(body []byte) error {
	code, body, err := wire.Uint32(body)
	if err != nil {
		return fmt.Errorf("read sftp status code: %w", err)
	}
	msg, _, err := wire.StringValue(body)
	if err != nil {
		msg = ""
	}
	return statusError(code, msg)
}

// expectStatus runs req and maps any non-OK SSH_FXP_STATUS reply to an
// error; used by every request whose only acceptable replies are STATUS.
func (c *Client) expectStatus(ctx context.Context, msgType byte, body []byte) error {
	r, err := c.do(ctx, msgType, body)
	if err != nil {
		return err
	}
	if r.msgType != fxpStatus {
		return fmt.Errorf("expected SSH_FXP_STATUS, got message %d: %w", r.msgType, ErrUnexpectedReply)
	}
	return decodeStatus(r.body)
}

// --- SFTP v3 operations ---

// Open sends SSH_FXP_OPEN and returns the server's handle.
func (c *Client) Open(ctx context.Context, path string, flags uint32, attrs Attrs) ([]byte, error) {
	body := wire.PutStringValue(nil, path)
	body = wire.PutUint32(body, flags)
	body = putAttrs(body, attrs)

	r, err := c.do(ctx, fxpOpen, body)
	if err != nil {
		return nil, err
	}
	switch r.msgType {
	case fxpHandle:
		handle, _, err := wire.String(r.body)
		if err != nil {
			return nil, fmt.Errorf("read open handle: %w", err)
		}
		return handle, nil
	case fxpStatus:
		return nil, decodeStatus(r.body)
	default:
		return nil, fmt.Errorf("unexpected reply to open, message %d: %w", r.msgType, ErrUnexpectedReply)
	}
}

// Opendir sends SSH_FXP_OPENDIR and returns the server's handle.
func (c *Client) Opendir(ctx context.Context, path string) ([]byte, error) {
	r, err := c.do(ctx, fxpOpendir, wire.PutStringValue(nil, path))
	if err != nil {
		return nil, err
	}
	switch r.msgType {
	case fxpHandle:
		handle, _, err := wire.String(r.body)
		if err != nil {
			return nil, fmt.Errorf("read opendir handle: %w", err)
		}
		return handle, nil
	case fxpStatus:
		return nil, decodeStatus(r.body)
	default:
		return nil, fmt.Errorf("unexpected reply to opendir, message %d: %w", r.msgType, ErrUnexpectedReply)
	}
}

// CloseHandle sends SSH_FXP_CLOSE for a handle from Open or Opendir.
func (c *Client) CloseHandle(ctx context.Context, handle []byte) error {
	return c.expectStatus(ctx, fxpClose, wire.PutString(nil, handle))
}

// Read sends SSH_FXP_READ. A STATUS(EOF) reply is reported as io.EOF,
// matching the convention of the standard io.Reader interface.
func (c *Client) Read(ctx context.Context, handle []byte, offset uint64, length uint32) ([]byte, error) {
	body := wire.PutString(nil, handle)
	body = wire.PutUint64(body, offset)
	body = wire.PutUint32(body, length)

	r, err := c.do(ctx, fxpRead, body)
	if err != nil {
		return nil, err
	}
	switch r.msgType {
	case fxpData:
		data, _, err := wire.String(r.body)
		if err != nil {
			return nil, fmt.Errorf("read data reply: %w", err)
		}
		return data, nil
	case fxpStatus:
		if err := decodeStatus(r.body); err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Code == StatusEOF {
				return nil, io.EOF
			}
			return nil, err
		}
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("unexpected reply to read, message %d: %w", r.msgType, ErrUnexpectedReply)
	}
}

// Write sends SSH_FXP_WRITE.
func (c *Client) Write(ctx context.Context, handle []byte, offset uint64, data []byte) error {
	body := wire.PutString(nil, handle)
	body = wire.PutUint64(body, offset)
	body = wire.PutString(body, data)
	return c.expectStatus(ctx, fxpWrite, body)
}

func (c *Client) statByPath(ctx context.Context, msgType byte, path string) (Attrs, error) {
	r, err := c.do(ctx, msgType, wire.PutStringValue(nil, path))
	if err != nil {
		return Attrs{}, err
	}
	switch r.msgType {
	case fxpAttrs:
		a, _, err := parseAttrs(r.body)
		if err != nil {
			return Attrs{}, fmt.Errorf("read attrs reply: %w", err)
		}
		return a, nil
	case fxpStatus:
		return Attrs{}, decodeStatus(r.body)
	default:
		return Attrs{}, fmt.Errorf("unexpected reply to stat, message %d: %w", r.msgType, ErrUnexpectedReply)
	}
}

// Stat sends SSH_FXP_STAT (symlinks followed).
func (c *Client) Stat(ctx context.Context, path string) (Attrs, error) {
	return c.statByPath(ctx, fxpStat, path)
}

// Lstat sends SSH_FXP_LSTAT (symlinks not followed).
func (c *Client) Lstat(ctx context.Context, path string) (Attrs, error) {
	return c.statByPath(ctx, fxpLstat, path)
}

// Fstat sends SSH_FXP_FSTAT against an open file handle.
func (c *Client) Fstat(ctx context.Context, handle []byte) (Attrs, error) {
	r, err := c.do(ctx, fxpFstat, wire.PutString(nil, handle))
	if err != nil {
		return Attrs{}, err
	}
	switch r.msgType {
	case fxpAttrs:
		a, _, err := parseAttrs(r.body)
		if err != nil {
			return Attrs{}, fmt.Errorf("read fstat attrs reply: %w", err)
		}
		return a, nil
	case fxpStatus:
		return Attrs{}, decodeStatus(r.body)
	default:
		return Attrs{}, fmt.Errorf("unexpected reply to fstat, message %d: %w", r.msgType, ErrUnexpectedReply)
	}
}

// Setstat sends SSH_FXP_SETSTAT.
func (c *Client) Setstat(ctx context.Context, path string, attrs Attrs) error {
	body := wire.PutStringValue(nil, path)
	body = putAttrs(body, attrs)
	return c.expectStatus(ctx, fxpSetstat, body)
}

// Fsetstat sends SSH_FXP_FSETSTAT against an open file handle.
func (c *Client) Fsetstat(ctx context.Context, handle []byte, attrs Attrs) error {
	body := wire.PutString(nil, handle)
	body = putAttrs(body, attrs)
	return c.expectStatus(ctx, fxpFsetstat, body)
}

// Readdir sends one SSH_FXP_READDIR request, returning the next batch of
// directory entries. Callers loop until io.EOF, matching the protocol's
// "keep reading until STATUS(EOF)" convention.
func (c *Client) Readdir(ctx context.Context, handle []byte) ([]NameEntry, error) {
	r, err := c.do(ctx, fxpReaddir, wire.PutString(nil, handle))
	if err != nil {
		return nil, err
	}
	switch r.msgType {
	case fxpName:
		return parseNameEntries(r.body)
	case fxpStatus:
		if err := decodeStatus(r.body); err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.Code == StatusEOF {
				return nil, io.EOF
			}
			return nil, err
		}
		return nil, io.EOF
	default:
		return nil, fmt.Errorf("unexpected reply to readdir, message %d: %w", r.msgType, ErrUnexpectedReply)
	}
}

func parseNameEntries(body []byte) ([]NameEntry, error) {
	count, body, err := wire.Uint32(body)
	if err != nil {
		return nil, fmt.Errorf("read name count: %w", err)
	}
	entries := make([]NameEntry, 0, count)
	for i := uint32(0); i < count; i++ {
		var e NameEntry
		e.Filename, body, err = wire.StringValue(body)
		if err != nil {
			return nil, fmt.Errorf("read name entry filename: %w", err)
		}
		e.Longname, body, err = wire.StringValue(body)
		if err != nil {
			return nil, fmt.Errorf("read name entry longname: %w", err)
		}
		e.Attrs, body, err = parseAttrs(body)
		if err != nil {
			return nil, fmt.Errorf("read name entry attrs: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// Remove sends SSH_FXP_REMOVE.
func (c *Client) Remove(ctx context.Context, path string) error {
	return c.expectStatus(ctx, fxpRemove, wire.PutStringValue(nil, path))
}

// Mkdir sends SSH_FXP_MKDIR.
func (c *Client) Mkdir(ctx context.Context, path string, attrs Attrs) error {
	body := wire.PutStringValue(nil, path)
	body = putAttrs(body, attrs)
	return c.expectStatus(ctx, fxpMkdir, body)
}

// Rmdir sends SSH_FXP_RMDIR.
func (c *Client) Rmdir(ctx context.Context, path string) error {
	return c.expectStatus(ctx, fxpRmdir, wire.PutStringValue(nil, path))
}

// Rename sends SSH_FXP_RENAME.
func (c *Client) Rename(ctx context.Context, oldpath, newpath string) error {
	body := wire.PutStringValue(nil, oldpath)
	body = wire.PutStringValue(body, newpath)
	return c.expectStatus(ctx, fxpRename, body)
}

// Realpath sends SSH_FXP_REALPATH, canonicalizing path without requiring
// it to exist on most servers.
func (c *Client) Realpath(ctx context.Context, path string) (string, error) {
	r, err := c.do(ctx, fxpRealpath, wire.PutStringValue(nil, path))
	if err != nil {
		return "", err
	}
	switch r.msgType {
	case fxpName:
		entries, err := parseNameEntries(r.body)
		if err != nil {
			return "", err
		}
		if len(entries) != 1 {
			return "", fmt.Errorf("realpath returned %d entries, want 1: %w", len(entries), ErrUnexpectedReply)
		}
		return entries[0].Filename, nil
	case fxpStatus:
		return "", decodeStatus(r.body)
	default:
		return "", fmt.Errorf("unexpected reply to realpath, message %d: %w", r.msgType, ErrUnexpectedReply)
	}
}
