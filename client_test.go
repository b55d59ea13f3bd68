package sftpclient

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartpauj/pure-go-sftp/log"
)

func TestResolveSSHConfigNoopWithoutAlias(t *testing.T) {
	cfg := Config{Host: "example.com", Port: 2222, Username: "alice"}
	out, err := resolveSSHConfig(cfg, log.Null)
	require.NoError(t, err)
	assert.Equal(t, cfg, out)
}

var errSentinelHostKeyVerifier = errors.New("sentinel host key verifier invoked")

func TestResolveSSHConfigPreservesExplicitFields(t *testing.T) {
	sentinel := func([]byte) error { return errSentinelHostKeyVerifier }
	cfg := Config{
		Host:            "explicit-host.example",
		Port:            2222,
		Username:        "explicit-user",
		PrivateKeyPath:  "/explicit/key",
		SSHConfigAlias:  "definitely-not-a-configured-alias-xyz123",
		HostKeyVerifier: sentinel,
	}

	out, err := resolveSSHConfig(cfg, log.Null)
	require.NoError(t, err)

	assert.Equal(t, "explicit-host.example", out.Host)
	assert.Equal(t, 2222, out.Port)
	assert.Equal(t, "explicit-user", out.Username)
	assert.Equal(t, "/explicit/key", out.PrivateKeyPath)

	require.NotNil(t, out.HostKeyVerifier)
	assert.ErrorIs(t, out.HostKeyVerifier(nil), errSentinelHostKeyVerifier)
}

func TestAddressJoinsHostAndPort(t *testing.T) {
	cfg := Config{Host: "sftp.example.com", Port: 2222}
	assert.Equal(t, "sftp.example.com:2222", cfg.address())
}

func TestAddressDefaultsPortTo22(t *testing.T) {
	cfg := Config{Host: "sftp.example.com"}
	assert.Equal(t, "sftp.example.com:22", cfg.address())
}
