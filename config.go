package sftpclient

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

// PassphraseCallback is consulted when a configured private key is
// encrypted and Config.Passphrase is empty, so callers aren't required to
// pre-supply a passphrase up front.
type PassphraseCallback func() (string, error)

// Config describes one SFTP connection end to end: network target,
// credentials, and the wire-level policy knobs of the transport, channel
// and SFTP layers beneath it. Zero values fall back to sensible client
// defaults via creasty/defaults.
type Config struct {
	Host string `yaml:"host" validate:"required"`
	Port int    `yaml:"port" default:"22" validate:"gt=0,lte=65535"`

	Username string `yaml:"username" validate:"required"`
	Password string `yaml:"password,omitempty"`

	// PrivateKeyPath and PrivateKeyPEM are mutually exclusive ways to
	// supply a publickey-auth credential; PrivateKeyPEM wins if both are
	// set. PrivateKeyPath is tilde-expanded via mitchellh/go-homedir.
	PrivateKeyPath string `yaml:"privateKeyPath,omitempty"`
	PrivateKeyPEM  []byte `yaml:"-"`

	// Passphrase decrypts an encrypted private key. If empty and the key
	// turns out to be encrypted, PassphraseCallback is consulted once.
	Passphrase         string             `yaml:"-"`
	PassphraseCallback PassphraseCallback `yaml:"-"`

	// SSHConfigAlias, if set, is resolved against ~/.ssh/config (and the
	// system-wide ssh_config) via github.com/kevinburke/ssh_config before
	// dialing; any Hostname/Port/User/IdentityFile it finds fills in fields
	// this Config left zero. SSHConfigPath is stored but not consulted:
	// resolution always reads those default file locations.
	SSHConfigAlias string `yaml:"sshConfigAlias,omitempty"`
	SSHConfigPath  string `yaml:"sshConfigPath,omitempty"`

	KexAlgorithms         []string `yaml:"kexAlgorithms,omitempty"`
	CipherAlgorithms      []string `yaml:"cipherAlgorithms,omitempty"`
	MACAlgorithms         []string `yaml:"macAlgorithms,omitempty"`
	HostKeyAlgorithms     []string `yaml:"hostKeyAlgorithms,omitempty"`
	CompressionAlgorithms []string `yaml:"compressionAlgorithms,omitempty"`

	ConnectTimeout   time.Duration `yaml:"connectTimeout" default:"30s"`
	OperationTimeout time.Duration `yaml:"operationTimeout" default:"30s"`

	// HostKeyVerifier is consulted with the server's raw host-key blob
	// once the KEX signature has already checked out cryptographically.
	// See the hostkey subpackage for ready-made known_hosts-backed and
	// static-key verifiers.
	HostKeyVerifier func([]byte) error `yaml:"-"`

	RekeyAfterBytes   uint64 `yaml:"rekeyAfterBytes" default:"1073741824"`
	RekeyAfterPackets uint64 `yaml:"rekeyAfterPackets" default:"2147483647"`

	InitialWindow uint32 `yaml:"initialWindow" default:"2097152"`
	MaxPacket     uint32 `yaml:"maxPacket" default:"32768"`
}

func (c *Config) address() string {
	port := c.Port
	if port == 0 {
		port = 22
	}
	return net.JoinHostPort(c.Host, strconv.Itoa(port))
}

// LoadConfigYAML reads a Config from a YAML document at path, in the same
// field layout the yaml tags above describe. PrivateKeyPEM and
// PassphraseCallback are never read from YAML; set them on the returned
// Config in code if needed.
func LoadConfigYAML(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return &cfg, nil
}

// PassphraseFromTerminal is a PassphraseCallback that prompts on the
// controlling terminal with echo disabled, for callers that want
// interactive passphrase entry instead of pre-supplying one.
func PassphraseFromTerminal(prompt string) PassphraseCallback {
	return func() (string, error) {
		fmt.Fprint(os.Stderr, prompt)
		defer fmt.Fprintln(os.Stderr)
		b, err := term.ReadPassword(int(os.Stdin.Fd()))
		if err != nil {
			return "", fmt.Errorf("read passphrase from terminal: %w", err)
		}
		return string(b), nil
	}
}
