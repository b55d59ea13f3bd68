// Package auth implements the client-side SSH authentication state
// machine. It runs "none" (to learn the server's method list), then
// "publickey" if a private key is configured, falling back to "password".
package auth

import (
	"context"
	"fmt"

	"github.com/cartpauj/pure-go-sftp/log"
	"github.com/cartpauj/pure-go-sftp/sshkey"
	"github.com/cartpauj/pure-go-sftp/transport"
	"github.com/cartpauj/pure-go-sftp/wire"
)

const serviceName = "ssh-connection"

// Credentials selects how Run authenticates one username. If PrivateKey is
// set, publickey is tried first (falling back to Password on rejection);
// otherwise password is used directly.
type Credentials struct {
	Username   string
	Password   string
	PrivateKey sshkey.PrivateKey
}

// Engine drives USERAUTH_REQUEST/RESPONSE directly over a Transport that
// has already completed Handshake. It is used synchronously, before the
// channel layer's Serve loop starts.
type Engine struct {
	log.LoggerInjectable
	t *transport.Transport
}

// New builds an Engine bound to an already-handshaken Transport.
func New(t *transport.Transport) *Engine {
	return &Engine{t: t}
}

// Run authenticates creds.Username against the transport's peer. On
// success USERAUTH_SUCCESS has been received and the transport is ready
// for channel requests.
func (e *Engine) Run(_ context.Context, creds Credentials) error {
	allowed, done, err := e.probeNone(creds.Username)
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	if creds.PrivateKey != nil && methodAllowed(allowed, "publickey") {
		err := e.publickey(creds.Username, creds.PrivateKey)
		if err == nil {
			return nil
		}
		if creds.Password == "" {
			return err
		}
		e.Log().Debug("publickey authentication failed, falling back to password", log.KeyError, err)
	}

	return e.password(creds.Username, creds.Password)
}

// methodAllowed reports whether name is in allowed, or allows it when
// allowed is empty (some servers omit methods from the "none" rejection
// entirely).
func methodAllowed(allowed []string, name string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == name {
			return true
		}
	}
	return false
}

// probeNone sends the "none" method, which the server always rejects
// unless it permits anonymous access; the USERAUTH_FAILURE method list it
// returns tells the client which methods are worth trying. The bool result
// is true when the server accepted "none" outright.
func (e *Engine) probeNone(username string) ([]string, bool, error) {
	req := requestHeader(username, "none")
	if err := e.t.WritePacket(req); err != nil {
		return nil, false, fmt.Errorf("send none auth request: %w", err)
	}

	payload, err := e.readAuthReply()
	if err != nil {
		return nil, false, err
	}
	if len(payload) >= 1 && payload[0] == transport.MsgUserAuthSuccess {
		return nil, true, nil // server allows anonymous login
	}
	methods, _, err := parseFailure(payload)
	if err != nil {
		return nil, false, err
	}
	return methods, false, nil
}

// password implements the password method: one request, no retry on
// failure.
func (e *Engine) password(username, password string) error {
	req := requestHeader(username, "password")
	req = wire.PutBool(req, false)
	req = wire.PutStringValue(req, password)

	if err := e.t.WritePacket(req); err != nil {
		return fmt.Errorf("send password auth request: %w", err)
	}

	payload, err := e.readAuthReply()
	if err != nil {
		return err
	}
	if len(payload) >= 1 && payload[0] == transport.MsgUserAuthSuccess {
		return nil
	}
	methods, _, ferr := parseFailure(payload)
	if ferr != nil {
		return ferr
	}
	return &FailureError{Methods: methods}
}

// publickey implements the two-phase publickey flow: probe each of the
// key's candidate algorithms with has_signature=false until the server
// confirms one with PK_OK, then sign and send the real request.
func (e *Engine) publickey(username string, key sshkey.PrivateKey) error {
	blob := key.PublicSSHBlob()

	var lastErr error
	for _, algo := range key.AlgorithmsFor() {
		ok, err := e.probePublicKey(username, algo, blob)
		if err != nil {
			return err
		}
		if !ok {
			lastErr = &FailureError{}
			continue
		}
		return e.sendSignedPublicKey(username, algo, blob, key)
	}
	if lastErr == nil {
		lastErr = &FailureError{}
	}
	return lastErr
}

func (e *Engine) probePublicKey(username, algo string, blob []byte) (bool, error) {
	req := requestHeader(username, "publickey")
	req = wire.PutBool(req, false)
	req = wire.PutStringValue(req, algo)
	req = wire.PutString(req, blob)

	if err := e.t.WritePacket(req); err != nil {
		return false, fmt.Errorf("send publickey probe: %w", err)
	}

	payload, err := e.readAuthReply()
	if err != nil {
		return false, err
	}
	if len(payload) >= 1 && payload[0] == transport.MsgUserAuthPKOK {
		return true, nil
	}
	if len(payload) >= 1 && payload[0] == transport.MsgUserAuthFailure {
		return false, nil
	}
	return false, fmt.Errorf("unexpected reply to publickey probe, message %d: %w", firstByte(payload), transport.ErrUnexpectedMessage)
}

// sendSignedPublicKey builds the publickey signature payload —
// string(session_id) || byte(USERAUTH_REQUEST) || string(username) ||
// string("ssh-connection") || string("publickey") || boolean(true) ||
// string(algo) || string(pubkey_blob) — signs it, and sends the real
// request with has_signature=true.
func (e *Engine) sendSignedPublicKey(username, algo string, blob []byte, key sshkey.PrivateKey) error {
	signData := wire.PutString(nil, e.t.SessionID())
	signData = wire.PutByte(signData, transport.MsgUserAuthRequest)
	signData = wire.PutStringValue(signData, username)
	signData = wire.PutStringValue(signData, serviceName)
	signData = wire.PutStringValue(signData, "publickey")
	signData = wire.PutBool(signData, true)
	signData = wire.PutStringValue(signData, algo)
	signData = wire.PutString(signData, blob)

	rawSig, err := key.Sign(algo, signData)
	if err != nil {
		return fmt.Errorf("sign publickey auth request: %w", err)
	}
	sigBlob := wire.PutStringValue(nil, algo)
	sigBlob = wire.PutString(sigBlob, rawSig)

	req := requestHeader(username, "publickey")
	req = wire.PutBool(req, true)
	req = wire.PutStringValue(req, algo)
	req = wire.PutString(req, blob)
	req = wire.PutString(req, sigBlob)

	if err := e.t.WritePacket(req); err != nil {
		return fmt.Errorf("send signed publickey request: %w", err)
	}

	payload, err := e.readAuthReply()
	if err != nil {
		return err
	}
	if len(payload) >= 1 && payload[0] == transport.MsgUserAuthSuccess {
		return nil
	}
	methods, _, ferr := parseFailure(payload)
	if ferr != nil {
		return ferr
	}
	return &FailureError{Methods: methods}
}

// requestHeader builds the common USERAUTH_REQUEST prefix shared by every
// method: byte(50) || string(username) || string("ssh-connection") ||
// string(method).
func requestHeader(username, method string) []byte {
	buf := wire.PutByte(nil, transport.MsgUserAuthRequest)
	buf = wire.PutStringValue(buf, username)
	buf = wire.PutStringValue(buf, serviceName)
	buf = wire.PutStringValue(buf, method)
	return buf
}

// parseFailure decodes a USERAUTH_FAILURE payload into its method list and
// partial-success flag.
func parseFailure(payload []byte) ([]string, bool, error) {
	if len(payload) < 1 || payload[0] != transport.MsgUserAuthFailure {
		return nil, false, fmt.Errorf("expected USERAUTH_FAILURE, got message %d: %w", firstByte(payload), transport.ErrUnexpectedMessage)
	}
	methods, rest, err := wire.NameList(payload[1:])
	if err != nil {
		return nil, false, fmt.Errorf("read auth failure methods: %w", err)
	}
	partial, _, err := wire.Bool(rest)
	if err != nil {
		return nil, false, fmt.Errorf("read auth failure partial_success: %w", err)
	}
	return methods, partial, nil
}

// readAuthReply reads the next auth-phase message, transparently skipping
// USERAUTH_BANNER (which may arrive at any point during authentication and
// carries no signal the client needs to act on).
func (e *Engine) readAuthReply() ([]byte, error) {
	for {
		payload, err := e.t.ReadPacketSkippingChatter()
		if err != nil {
			return nil, err
		}
		if len(payload) >= 1 && payload[0] == transport.MsgUserAuthBanner {
			continue
		}
		return payload, nil
	}
}

func firstByte(b []byte) int {
	if len(b) == 0 {
		return -1
	}
	return int(b[0])
}
