package hostkey_test

import (
	"crypto/ed25519"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	golangssh "golang.org/x/crypto/ssh"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cartpauj/pure-go-sftp/pkg/ssh/hostkey"
)

func genHostKeyBlob(t *testing.T) (golangssh.PublicKey, []byte) {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshPub, err := golangssh.NewPublicKey(pub)
	require.NoError(t, err)
	return sshPub, sshPub.Marshal()
}

func TestStaticKeyVerifierAcceptsExactMatch(t *testing.T) {
	pub, blob := genHostKeyBlob(t)
	line := string(trimNL(golangssh.MarshalAuthorizedKey(pub)))
	verifier := hostkey.StaticKeyVerifier(line)
	assert.NoError(t, verifier(blob))
}

func TestStaticKeyVerifierRejectsMismatch(t *testing.T) {
	_, blobA := genHostKeyBlob(t)
	pubB, _ := genHostKeyBlob(t)
	line := string(trimNL(golangssh.MarshalAuthorizedKey(pubB)))
	verifier := hostkey.StaticKeyVerifier(line)
	err := verifier(blobA)
	assert.ErrorIs(t, err, hostkey.ErrHostKeyMismatch)
}

func TestInsecureIgnoreHostKeyVerifierAcceptsAnything(t *testing.T) {
	_, blob := genHostKeyBlob(t)
	assert.NoError(t, hostkey.InsecureIgnoreHostKeyVerifier(blob))
}

func TestKnownHostsFileCallbackLearnsThenEnforces(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")

	_, blob := genHostKeyBlob(t)

	verifier, err := hostkey.KnownHostsFileCallback(path, "example.com:22", false, false, nil)
	require.NoError(t, err)

	// First sight of the host: unknown-host entries are learned, not rejected.
	require.NoError(t, verifier(blob))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "example.com")

	// Re-checking the now-known key succeeds.
	verifier2, err := hostkey.KnownHostsFileCallback(path, "example.com:22", false, false, nil)
	require.NoError(t, err)
	assert.NoError(t, verifier2(blob))

	// A different key for the same host is a hard mismatch.
	_, otherBlob := genHostKeyBlob(t)
	assert.ErrorIs(t, verifier2(otherBlob), hostkey.ErrHostKeyMismatch)
}

func TestKnownHostsFileCallbackPermissiveIgnoresMismatch(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "known_hosts")

	_, blob := genHostKeyBlob(t)
	verifier, err := hostkey.KnownHostsFileCallback(path, "example.com:22", false, false, nil)
	require.NoError(t, err)
	require.NoError(t, verifier(blob))

	permissive, err := hostkey.KnownHostsFileCallback(path, "example.com:22", true, false, nil)
	require.NoError(t, err)

	_, otherBlob := genHostKeyBlob(t)
	assert.NoError(t, permissive(otherBlob))
}

func TestKnownHostsFileCallbackDevNullIsInsecureIgnore(t *testing.T) {
	verifier, err := hostkey.KnownHostsFileCallback(os.DevNull, "example.com:22", false, false, nil)
	require.NoError(t, err)
	_, blob := genHostKeyBlob(t)
	assert.NoError(t, verifier(blob))
}

func trimNL(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}
