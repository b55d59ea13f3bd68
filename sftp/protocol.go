// Package sftp implements the SFTP v3 client engine. It
// frames requests and replies over anything shaped like an
// io.ReadWriteCloser (in practice, a channel.Channel with "sftp"
// subsystem already requested), correlates replies to requests by
// request_id, and exposes a Client with the standard SFTP v3 operation
// set plus the realpath/fsetstat/fstat/extension-map additions.
package sftp

// SFTP v3 message numbers, draft-ietf-secsh-filexfer-02 §3.
const (
	fxpInit     = 1
	fxpVersion  = 2
	fxpOpen     = 3
	fxpClose    = 4
	fxpRead     = 5
	fxpWrite    = 6
	fxpLstat    = 7
	fxpFstat    = 8
	fxpSetstat  = 9
	fxpFsetstat = 10
	fxpOpendir  = 11
	fxpReaddir  = 12
	fxpRemove   = 13
	fxpMkdir    = 14
	fxpRmdir    = 15
	fxpRealpath = 16
	fxpStat     = 17
	fxpRename   = 18
	fxpReadlink = 19
	fxpSymlink  = 20

	fxpStatus = 101
	fxpHandle = 102
	fxpData   = 103
	fxpName   = 104
	fxpAttrs  = 105

	fxpExtended      = 200
	fxpExtendedReply = 201
)

// SFTP v3 status codes, §7.
const (
	StatusOK                = 0
	StatusEOF               = 1
	StatusNoSuchFile        = 2
	StatusPermissionDenied  = 3
	StatusFailure           = 4
	StatusBadMessage        = 5
	StatusNoConnection      = 6
	StatusConnectionLost    = 7
	StatusOpUnsupported     = 8
)

// SSH_FXF_* open flags, §6.3.
const (
	FlagRead   = 0x00000001
	FlagWrite  = 0x00000002
	FlagAppend = 0x00000004
	FlagCreat  = 0x00000008
	FlagTrunc  = 0x00000010
	FlagExcl   = 0x00000020
)

// ProtocolVersion is the only version this engine speaks.
const ProtocolVersion = 3
