// Package hostkey builds transport.HostKeyVerifier callbacks: static
// trusted-key comparison, or a known_hosts file consulted and updated the
// way an interactive ssh client would.
package hostkey

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path"
	"strings"
	"sync"

	golangssh "golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/cartpauj/pure-go-sftp/log"
	"github.com/cartpauj/pure-go-sftp/transport"
)

var (
	// ErrHostKeyMismatch is returned when the host key does not match the
	// trusted key or a known_hosts entry.
	ErrHostKeyMismatch = errors.New("host key mismatch")

	// ErrCheckHostKey is returned when the callback itself could not be built.
	ErrCheckHostKey = errors.New("check hostkey")

	// DefaultKnownHostsPath is the default path to the known_hosts file;
	// callers should tilde-expand it before use.
	DefaultKnownHostsPath = "~/.ssh/known_hosts"

	mu sync.Mutex
)

// InsecureIgnoreHostKeyVerifier accepts any host key. Exists for tests and
// throwaway connections; never use it against an untrusted network.
var InsecureIgnoreHostKeyVerifier transport.HostKeyVerifier = func([]byte) error { return nil }

// StaticKeyVerifier returns a HostKeyVerifier that accepts only the given
// authorized-keys-format trusted key (e.g. "ssh-ed25519 AAAA...").
func StaticKeyVerifier(trustedKey string) transport.HostKeyVerifier {
	return func(blob []byte) error {
		key, err := golangssh.ParsePublicKey(blob)
		if err != nil {
			return fmt.Errorf("%w: parse host key: %v", ErrCheckHostKey, err)
		}
		if keyString(key) != strings.TrimSpace(trustedKey) {
			return ErrHostKeyMismatch
		}
		return nil
	}
}

// KnownHostsPathFromEnv returns the path to a known_hosts file from the
// SSH_KNOWN_HOSTS environment variable.
var KnownHostsPathFromEnv = func() (string, bool) {
	return os.LookupEnv("SSH_KNOWN_HOSTS")
}

// KnownHostsFileCallback returns a HostKeyVerifier backed by a known_hosts
// file, scoped to host (as dialed, e.g. "example.com:22"). permissive
// downgrades a mismatch to a logged warning instead of a rejection (the
// moral equivalent of StrictHostKeyChecking=no); hash controls whether
// newly learned entries are hashed. Unknown hosts are appended to the file
// rather than rejected, matching how an interactive client's first
// connection behaves.
func KnownHostsFileCallback(path, host string, permissive, hash bool, logger log.Logger) (transport.HostKeyVerifier, error) {
	if path == os.DevNull {
		return InsecureIgnoreHostKeyVerifier, nil
	}
	if logger == nil {
		logger = log.Null
	}

	mu.Lock()
	defer mu.Unlock()

	if err := ensureFile(path); err != nil {
		return nil, err
	}

	hkc, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("%w: knownhosts callback: %v", ErrCheckHostKey, err)
	}

	return wrapCallback(hkc, path, host, permissive, hash, logger), nil
}

// wrapCallback adapts a golang.org/x/crypto/ssh/knownhosts callback (which
// wants a hostname, address and parsed ssh.PublicKey) to the raw-blob shape
// this module's transport expects, and extends it to append unknown hosts
// to the file as new entries instead of failing on them.
func wrapCallback(hkc golangssh.HostKeyCallback, path, host string, permissive, hash bool, logger log.Logger) transport.HostKeyVerifier {
	addr := hostAddr(host)
	return func(blob []byte) error {
		key, err := golangssh.ParsePublicKey(blob)
		if err != nil {
			return fmt.Errorf("%w: parse host key: %v", ErrCheckHostKey, err)
		}

		mu.Lock()
		defer mu.Unlock()

		verifyErr := hkc(host, addr, key)
		if verifyErr == nil {
			return nil
		}

		var keyErr *knownhosts.KeyError
		if !errors.As(verifyErr, &keyErr) || len(keyErr.Want) > 0 {
			if permissive {
				logger.Warn("ignoring ssh host key mismatch: permissive mode", log.KeyError, verifyErr)
				return nil
			}
			return fmt.Errorf("%w: %v", ErrHostKeyMismatch, verifyErr)
		}

		dbFile, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open known_hosts file %s for writing: %w", path, err)
		}

		entry := knownhosts.Normalize(host)
		if hash {
			entry = knownhosts.HashHostname(entry)
		}
		row := strings.TrimSpace(knownhosts.Line([]string{entry}, key)) + "\n"

		if _, err := dbFile.WriteString(row); err != nil {
			_ = dbFile.Close()
			return fmt.Errorf("write known_hosts file %s: %w", path, err)
		}
		return dbFile.Close()
	}
}

// hostAddr satisfies net.Addr for a dialed host string, since knownhosts
// callbacks accept either the hostname or the resolved address as a match
// key and this module doesn't separately track the latter.
type hostAddr string

func (hostAddr) Network() string  { return "tcp" }
func (a hostAddr) String() string { return string(a) }

func fileExists(p string) bool {
	stat, err := os.Stat(p)
	return err == nil && stat.Mode().IsRegular()
}

func ensureDir(p string) error {
	stat, err := os.Stat(p)
	if err == nil && !stat.Mode().IsDir() {
		return fmt.Errorf("%w: path %s is not a directory", ErrCheckHostKey, p)
	}
	if err := os.MkdirAll(p, 0o700); err != nil {
		return fmt.Errorf("create directory %s: %w", p, err)
	}
	return nil
}

func ensureFile(filePath string) error {
	if fileExists(filePath) {
		return nil
	}
	if err := ensureDir(path.Dir(filePath)); err != nil {
		return err
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("create known_hosts file: %w", err)
	}
	return f.Close()
}

// keyString renders a key as "type base64blob", the authorized_keys format
// used for StaticKeyVerifier comparisons.
func keyString(k golangssh.PublicKey) string {
	return k.Type() + " " + base64.StdEncoding.EncodeToString(k.Marshal())
}
