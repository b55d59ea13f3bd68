package sftpclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/kevinburke/ssh_config"
	homedir "github.com/mitchellh/go-homedir"

	"github.com/cartpauj/pure-go-sftp/log"
	sshconfig "github.com/cartpauj/pure-go-sftp/pkg/ssh/config"
	"github.com/cartpauj/pure-go-sftp/pkg/ssh/hostkey"
	"github.com/cartpauj/pure-go-sftp/sftp"
	"github.com/cartpauj/pure-go-sftp/sshkey"
	"github.com/cartpauj/pure-go-sftp/transport"
	"github.com/cartpauj/pure-go-sftp/transport/auth"
	"github.com/cartpauj/pure-go-sftp/transport/channel"
)

// Client is a ready-to-use SFTP session: the SSH handshake, authentication,
// session-channel open and "sftp" subsystem start have already run. Every
// [sftp.Client] operation (Open, Read, Write, Stat, Readdir, ...) is
// available directly on the embedded field.
type Client struct {
	log.LoggerInjectable

	*sftp.Client

	transport *transport.Transport
	channels  *channel.Manager
	ch        *channel.Channel

	serveErrCh <-chan error
}

// Dial opens a TCP connection to cfg's host:port, runs the SSH handshake
// and authentication, opens a session channel, starts the "sftp"
// subsystem and returns a Client ready for file operations. The returned
// Client owns the TCP connection; Close tears down the whole stack.
func Dial(ctx context.Context, cfg Config, opts ...Option) (*Client, error) {
	o := NewOptions(opts...)
	logger := o.Log()

	cfg, err := resolveSSHConfig(cfg, logger)
	if err != nil {
		return nil, err
	}

	if err := defaults.Set(&cfg); err != nil {
		return nil, fmt.Errorf("apply config defaults: %w", err)
	}

	dialer := net.Dialer{Timeout: cfg.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", cfg.address())
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.address(), err)
	}

	client, err := newClientOverConn(ctx, conn, cfg, logger)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return client, nil
}

// newClientOverConn runs the handshake/auth/channel/sftp bring-up over an
// already-connected stream. Split from Dial so tests can supply an
// in-memory duplex (net.Pipe) instead of a real TCP socket.
func newClientOverConn(ctx context.Context, conn net.Conn, cfg Config, logger log.Logger) (*Client, error) {
	tcfg := transport.Config{
		KexAlgorithms:         cfg.KexAlgorithms,
		HostKeyAlgorithms:     cfg.HostKeyAlgorithms,
		CipherAlgorithms:      cfg.CipherAlgorithms,
		MACAlgorithms:         cfg.MACAlgorithms,
		CompressionAlgorithms: cfg.CompressionAlgorithms,
		ConnectTimeout:        cfg.ConnectTimeout,
		OperationTimeout:      cfg.OperationTimeout,
		RekeyAfterBytes:       cfg.RekeyAfterBytes,
		RekeyAfterPackets:     cfg.RekeyAfterPackets,
		HostKeyVerifier:       transport.HostKeyVerifier(cfg.HostKeyVerifier),
	}

	t := transport.New(conn, tcfg, transport.WithLogger(logger))
	hctx, cancel := contextWithOptionalTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()
	if err := t.Handshake(hctx); err != nil {
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	creds, err := credentialsFor(cfg)
	if err != nil {
		return nil, err
	}
	if err := auth.New(t).Run(hctx, creds); err != nil {
		_ = t.Close()
		return nil, fmt.Errorf("authenticate: %w", err)
	}

	mgr := channel.NewManager(t, channel.Config{
		InitialWindowSize: cfg.InitialWindow,
		MaxPacketSize:     cfg.MaxPacket,
	})
	mgr.SetLogger(logger)

	serveCtx, cancelServe := context.WithCancel(context.Background())
	serveErrCh := make(chan error, 1)
	go func() {
		serveErrCh <- t.Serve(serveCtx, mgr.Dispatch)
	}()

	ch, err := mgr.OpenSession(ctx)
	if err != nil {
		cancelServe()
		_ = t.Close()
		return nil, fmt.Errorf("open session channel: %w", err)
	}
	if err := ch.RequestSubsystem("sftp"); err != nil {
		cancelServe()
		_ = t.Close()
		return nil, fmt.Errorf("start sftp subsystem: %w", err)
	}

	sc, err := sftp.NewClient(ch)
	if err != nil {
		cancelServe()
		_ = t.Close()
		return nil, fmt.Errorf("sftp init: %w", err)
	}
	sc.SetLogger(logger)

	c := &Client{
		Client:     sc,
		transport:  t,
		channels:   mgr,
		ch:         ch,
		serveErrCh: serveErrCh,
	}
	c.SetLogger(logger)
	return c, nil
}

// Close shuts down the SFTP session, closes the session channel and the
// underlying transport. Any request still in flight completes with
// sftp.ErrConnectionLost or transport.ErrConnectionLost.
func (c *Client) Close() error {
	sftpErr := c.Client.Close()
	chErr := c.ch.Close()
	tErr := c.transport.Close()
	<-c.serveErrCh
	return firstNonNil(sftpErr, chErr, tErr)
}

func firstNonNil(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func contextWithOptionalTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// credentialsFor builds the auth.Credentials for cfg, loading and
// decrypting the configured private key if one is set.
func credentialsFor(cfg Config) (auth.Credentials, error) {
	creds := auth.Credentials{Username: cfg.Username, Password: cfg.Password}

	pemBytes := cfg.PrivateKeyPEM
	if len(pemBytes) == 0 && cfg.PrivateKeyPath != "" {
		path, err := homedir.Expand(cfg.PrivateKeyPath)
		if err != nil {
			return creds, fmt.Errorf("expand private key path %s: %w", cfg.PrivateKeyPath, err)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return creds, fmt.Errorf("read private key %s: %w", path, err)
		}
		pemBytes = data
	}
	if len(pemBytes) == 0 {
		return creds, nil
	}

	passphrase := []byte(cfg.Passphrase)
	key, err := sshkey.Parse(pemBytes, passphrase)
	if errors.Is(err, sshkey.ErrEncryptedKeyNeedsPassphrase) && cfg.PassphraseCallback != nil {
		phrase, cbErr := cfg.PassphraseCallback()
		if cbErr != nil {
			return creds, fmt.Errorf("passphrase callback: %w", cbErr)
		}
		key, err = sshkey.Parse(pemBytes, []byte(phrase))
	}
	if err != nil {
		return creds, fmt.Errorf("parse private key: %w", err)
	}
	creds.PrivateKey = key
	return creds, nil
}

// resolveSSHConfig fills any Host/Port/Username/PrivateKeyPath field cfg
// left zero from ~/.ssh/config, when SSHConfigAlias is set. Explicit
// fields on cfg always win over the file. If cfg.HostKeyVerifier is still
// unset afterwards, it is also built from the alias's UserKnownHostsFile/
// StrictHostKeyChecking keywords via pkg/ssh/hostkey, the way an
// interactive ssh client would derive its host-key policy from the same
// config file.
func resolveSSHConfig(cfg Config, logger log.Logger) (Config, error) {
	if cfg.SSHConfigAlias == "" {
		return cfg, nil
	}
	opts := sshconfig.GetOptions(cfg.SSHConfigAlias)
	if opts == nil {
		return cfg, nil
	}
	if cfg.Host == "" {
		cfg.Host = opts.HostName
	}
	if cfg.Port == 0 {
		cfg.Port = opts.Port
	}
	if cfg.Username == "" {
		cfg.Username = opts.User
	}
	if cfg.PrivateKeyPath == "" && len(opts.IdentityFile) > 0 {
		cfg.PrivateKeyPath = opts.IdentityFile[0]
	}
	if cfg.HostKeyVerifier == nil {
		verifier, err := hostKeyVerifierFromSSHConfig(cfg, opts, logger)
		if err != nil {
			return cfg, err
		}
		cfg.HostKeyVerifier = verifier
	}
	return cfg, nil
}

// hostKeyVerifierFromSSHConfig builds a known_hosts-backed HostKeyVerifier
// from opts, falling back to hostkey.DefaultKnownHostsPath when the alias
// doesn't set UserKnownHostsFile. permissive mirrors an explicit
// "StrictHostKeyChecking no" the same way OpenSSH itself treats it.
func hostKeyVerifierFromSSHConfig(cfg Config, opts *sshconfig.Options, logger log.Logger) (func([]byte) error, error) {
	known := opts.UserKnownHostsFile
	if known == "" {
		known = hostkey.DefaultKnownHostsPath
	}
	known, err := homedir.Expand(known)
	if err != nil {
		return nil, fmt.Errorf("expand known_hosts path %s: %w", known, err)
	}
	permissive := strings.EqualFold(ssh_config.Get(cfg.SSHConfigAlias, "StrictHostKeyChecking"), "no")

	verifier, err := hostkey.KnownHostsFileCallback(known, cfg.address(), permissive, opts.HashKnownHosts, logger)
	if err != nil {
		return nil, fmt.Errorf("build host key verifier from ssh config: %w", err)
	}
	return verifier, nil
}
