package transport

import (
	"bytes"
	"fmt"
)

// maxBannerLines bounds how many pre-identification lines a server may send
// before the client gives up, per RFC 4253 §4.2's "SHOULD be bounded".
const maxBannerLines = 256

// exchangeVersions sends the client identification line and reads the
// server's, discarding any server banner text that precedes it. Only
// SSH-2.0 is accepted.
func (t *Transport) exchangeVersions() error {
	if err := t.pipe.writeRaw([]byte(t.cfg.ClientVersion)); err != nil {
		return fmt.Errorf("write client version: %w", err)
	}
	t.clientVersion = []byte(t.cfg.ClientVersion)

	for i := 0; i < maxBannerLines; i++ {
		line, err := t.pipe.readLine()
		if err != nil {
			return fmt.Errorf("read server version: %w", err)
		}
		if !bytes.HasPrefix(line, []byte("SSH-")) {
			continue // server banner text, RFC 4253 §4.2
		}
		if !bytes.HasPrefix(line, []byte("SSH-2.0-")) {
			return fmt.Errorf("server proposed %q: %w", string(line), ErrUnsupportedVersion)
		}
		t.serverVersion = line
		t.Log().Debug("ssh version exchange", "client", t.cfg.ClientVersion, "server", string(line))
		return nil
	}
	return fmt.Errorf("no SSH identification line within %d lines: %w", maxBannerLines, ErrUnsupportedVersion)
}
