package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creasty/defaults"
	"golang.org/x/sync/errgroup"

	"github.com/cartpauj/pure-go-sftp/log"
	"github.com/cartpauj/pure-go-sftp/wire"
)

// Transport drives the SSH transport-layer finite state machine on top of
// the packet pipeline: version exchange, KEXINIT negotiation, NEWKEYS
// cutover, service request, rekey, and disconnect. It is the single owner
// of the underlying byte stream and the per-direction sequence numbers;
// everything above it (auth, channels, SFTP) is driven by payloads it
// hands across ReadPacket/WritePacket or, once READY, the Serve dispatch
// loop.
type Transport struct {
	log.LoggerInjectable

	cfg  Config
	conn io.ReadWriteCloser
	pipe *pipeline

	clientVersion []byte
	serverVersion []byte

	clientKexInitPayload []byte
	serverKexInitPayload []byte
	sessionID             []byte
	algos                 algorithmSet

	bytesSinceRekey   uint64
	packetsSinceRekey uint64

	// writeMu serializes WritePacket against concurrent callers (channel
	// data, SFTP requests); rekeyGate additionally blocks ordinary writers
	// for the duration of a rekey, since RFC 4253 forbids non-KEX traffic
	// while a key exchange is in flight.
	writeMu  sync.Mutex
	rekeyGate sync.RWMutex

	closeOnce sync.Once
	closeErr  error

	// lastActivity is updated on every successful ReadPacket/WritePacket
	// and consulted by Serve's idle watchdog when cfg.IdleTimeout is set.
	lastActivity atomic.Int64
}

// New wraps conn in a Transport. conn is not used until Handshake is called.
func New(conn io.ReadWriteCloser, cfg Config, opts ...Option) *Transport {
	_ = defaults.Set(&cfg) // zero-valued fields take their `default` tags
	o := NewOptions(opts...)
	t := &Transport{cfg: cfg, conn: conn, pipe: newPipeline(conn, conn)}
	t.SetLogger(o.Log())
	t.lastActivity.Store(time.Now().UnixNano())
	return t
}

// SessionID returns the immutable session identifier (the first exchange
// hash H), valid only after Handshake completes.
func (t *Transport) SessionID() []byte { return t.sessionID }

// ClientVersion returns the client's identification string, CR/LF excluded.
func (t *Transport) ClientVersion() []byte { return t.clientVersion }

// ServerVersion returns the server's identification string, CR/LF excluded.
func (t *Transport) ServerVersion() []byte { return t.serverVersion }

// Handshake runs BANNER, KEXINIT, KEX, NEWKEYS and SERVICE, leaving the
// transport ready for the auth engine to drive USERAUTH_REQUEST/RESPONSE
// directly over ReadPacket/WritePacket.
func (t *Transport) Handshake(ctx context.Context) error {
	if err := t.exchangeVersions(); err != nil {
		return t.fatal(err)
	}
	if err := t.runKex(ctx, true); err != nil {
		return t.fatal(err)
	}
	if err := t.requestService(); err != nil {
		return t.fatal(err)
	}
	return nil
}

// requestService sends SERVICE_REQUEST("ssh-userauth") and awaits
// SERVICE_ACCEPT.
func (t *Transport) requestService() error {
	req := wire.PutByte(nil, MsgServiceRequest)
	req = wire.PutStringValue(req, "ssh-userauth")
	if err := t.WritePacket(req); err != nil {
		return fmt.Errorf("send service request: %w", err)
	}

	payload, err := t.ReadPacket()
	if err != nil {
		return fmt.Errorf("read service accept: %w", err)
	}
	if len(payload) < 1 || payload[0] != MsgServiceAccept {
		return fmt.Errorf("expected SERVICE_ACCEPT, got message %d: %w", firstByte(payload), ErrUnexpectedMessage)
	}
	return nil
}

// WritePacket frames and sends one SSH packet and counts it toward the
// configured byte/packet rekey thresholds (RFC 4253 §9); the rekey itself
// is started by Serve once a threshold has been crossed. Safe for
// concurrent callers.
func (t *Transport) WritePacket(payload []byte) error {
	t.rekeyGate.RLock()
	defer t.rekeyGate.RUnlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if err := t.pipe.writePacket(payload); err != nil {
		return t.fatal(err)
	}
	t.bytesSinceRekey += uint64(len(payload))
	t.packetsSinceRekey++
	t.lastActivity.Store(time.Now().UnixNano())
	return nil
}

// ReadPacket reads and authenticates the next packet. It is not safe for
// concurrent callers; during Handshake and authentication exactly one
// goroutine reads, and once READY is reached, Serve is the sole reader.
func (t *Transport) ReadPacket() ([]byte, error) {
	payload, err := t.pipe.readPacket()
	if err != nil {
		return nil, t.fatal(err)
	}
	t.lastActivity.Store(time.Now().UnixNano())
	if len(payload) >= 1 && payload[0] == MsgDisconnect {
		de := parseDisconnect(payload)
		_ = t.fatal(de)
		return nil, de
	}
	return payload, nil
}

// ReadPacketSkippingChatter is ReadPacket but loops past
// IGNORE/DEBUG/UNIMPLEMENTED messages, which may legally arrive between any
// two protocol messages (RFC 4253 §11.2-11.4).
func (t *Transport) ReadPacketSkippingChatter() ([]byte, error) {
	for {
		payload, err := t.ReadPacket()
		if err != nil {
			return nil, err
		}
		if len(payload) < 1 {
			return nil, fmt.Errorf("empty packet: %w", ErrMalformedPacket)
		}
		switch payload[0] {
		case MsgIgnore, MsgDebug, MsgUnimplemented:
			continue
		default:
			return payload, nil
		}
	}
}

func (t *Transport) needsRekey() bool {
	return t.bytesSinceRekey >= t.cfg.RekeyAfterBytes || t.packetsSinceRekey >= t.cfg.RekeyAfterPackets
}

// Serve runs the post-auth READY-phase read loop: it reads packets one at a
// time, transparently services server-initiated rekeys and
// IGNORE/DEBUG/UNIMPLEMENTED chatter, and hands everything else (channel
// and global-request messages) to dispatch. It returns when the connection
// is closed, a DISCONNECT is received or sent, or ctx is cancelled. When
// cfg.IdleTimeout is set, a watchdog goroutine races the read loop via
// errgroup and forces the connection closed if no traffic crosses it in
// that window.
func (t *Transport) Serve(ctx context.Context, dispatch func(msgType byte, payload []byte) error) error {
	if t.cfg.IdleTimeout <= 0 {
		return t.serveLoop(ctx, dispatch)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.serveLoop(gctx, dispatch) })
	g.Go(func() error { return t.watchIdle(gctx) })
	return g.Wait()
}

// watchIdle polls lastActivity and force-closes the transport once
// cfg.IdleTimeout has elapsed without a successful read or write, since the
// blocking read in serveLoop cannot otherwise notice a silently dead peer.
func (t *Transport) watchIdle(ctx context.Context) error {
	interval := t.cfg.IdleTimeout / 4
	if interval <= 0 {
		interval = t.cfg.IdleTimeout
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			last := time.Unix(0, t.lastActivity.Load())
			if time.Since(last) >= t.cfg.IdleTimeout {
				_ = t.Close()
				return fmt.Errorf("%w: no traffic for %s", ErrTimeout, t.cfg.IdleTimeout)
			}
		}
	}
}

func (t *Transport) serveLoop(ctx context.Context, dispatch func(msgType byte, payload []byte) error) error {
	for {
		if ctx.Err() != nil {
			return t.fatal(ctx.Err())
		}
		payload, err := t.ReadPacket()
		if err != nil {
			return err
		}
		if len(payload) < 1 {
			return t.fatal(fmt.Errorf("empty packet: %w", ErrMalformedPacket))
		}

		switch payload[0] {
		case MsgIgnore, MsgDebug, MsgUnimplemented:
			continue
		case MsgKexInit:
			if err := t.handleServerInitiatedRekey(ctx, payload); err != nil {
				return t.fatal(err)
			}
		default:
			if err := dispatch(payload[0], payload); err != nil {
				return err
			}
		}

		if t.needsRekey() {
			if err := t.Rekey(ctx); err != nil {
				return t.fatal(err)
			}
		}
	}
}

// Disconnect sends SSH_MSG_DISCONNECT with the given reason/description and
// tears the transport down. This is how any fatal error is surfaced to the
// peer before the stream is closed.
func (t *Transport) Disconnect(reason uint32, description string) error {
	payload := wire.PutByte(nil, MsgDisconnect)
	payload = wire.PutUint32(payload, reason)
	payload = wire.PutStringValue(payload, description)
	payload = wire.PutStringValue(payload, "")
	_ = t.WritePacket(payload) // best-effort: we are tearing down regardless
	return t.Close()
}

// Close tears down the underlying connection. Idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// fatal records err as the reason the transport is going away and, for
// errors originating in the packet pipeline/KEX/FSM, disconnects with a
// reason code matching the error kind.
func (t *Transport) fatal(err error) error {
	if err == nil {
		return nil
	}
	reason, ok := disconnectReasonFor(err)
	if ok {
		t.Log().Error("transport fatal error", log.KeyError, err)
		payload := wire.PutByte(nil, MsgDisconnect)
		payload = wire.PutUint32(payload, reason)
		payload = wire.PutStringValue(payload, err.Error())
		payload = wire.PutStringValue(payload, "")
		t.writeMu.Lock()
		_ = t.pipe.writePacket(payload)
		t.writeMu.Unlock()
	}
	_ = t.Close()
	return err
}

func disconnectReasonFor(err error) (uint32, bool) {
	switch {
	case errors.Is(err, ErrMACError):
		return DisconnectMACError, true
	case errors.Is(err, ErrBadPadding), errors.Is(err, ErrMalformedPacket):
		return DisconnectProtocolError, true
	case errors.Is(err, ErrUnexpectedMessage):
		return DisconnectProtocolError, true
	case errors.Is(err, ErrUnsupportedVersion):
		return DisconnectProtocolVersionNotSupp, true
	case errors.Is(err, ErrNoAlgorithmMatch), errors.Is(err, ErrKexFailed):
		return DisconnectKeyExchangeFailed, true
	case errors.Is(err, ErrHostKeyRejected), errors.Is(err, ErrHostKeyVerificationFailed):
		return DisconnectHostKeyNotVerifiable, true
	default:
		var de *DisconnectError
		if errors.As(err, &de) {
			return 0, false // already a disconnect we received, don't re-send one
		}
		return 0, false
	}
}

func parseDisconnect(payload []byte) *DisconnectError {
	body := payload[1:]
	reason, body, err := wire.Uint32(body)
	if err != nil {
		return &DisconnectError{Reason: DisconnectProtocolError, Description: "malformed disconnect message"}
	}
	desc, _, err := wire.StringValue(body)
	if err != nil {
		desc = ""
	}
	return &DisconnectError{Reason: reason, Description: desc}
}
