package sftp

import (
	"github.com/cartpauj/pure-go-sftp/wire"
)

// SFTP v3 ATTRS flag word.
const (
	AttrSize        = 0x00000001
	AttrUIDGID      = 0x00000002
	AttrPermissions = 0x00000004
	AttrACModTime   = 0x00000008
	AttrExtended    = 0x80000000
)

// Attrs is the SFTP v3 file-attributes structure. Only the fields whose
// flag bit is set in Flags carry meaningful data; the others are zero.
type Attrs struct {
	Flags uint32

	Size uint64

	UID uint32
	GID uint32

	Permissions uint32

	ATime uint32
	MTime uint32

	Extended map[string]string
}

func putAttrs(buf []byte, a Attrs) []byte {
	buf = wire.PutUint32(buf, a.Flags)
	if a.Flags&AttrSize != 0 {
		buf = wire.PutUint64(buf, a.Size)
	}
	if a.Flags&AttrUIDGID != 0 {
		buf = wire.PutUint32(buf, a.UID)
		buf = wire.PutUint32(buf, a.GID)
	}
	if a.Flags&AttrPermissions != 0 {
		buf = wire.PutUint32(buf, a.Permissions)
	}
	if a.Flags&AttrACModTime != 0 {
		buf = wire.PutUint32(buf, a.ATime)
		buf = wire.PutUint32(buf, a.MTime)
	}
	if a.Flags&AttrExtended != 0 {
		buf = wire.PutUint32(buf, uint32(len(a.Extended)))
		for k, v := range a.Extended {
			buf = wire.PutStringValue(buf, k)
			buf = wire.PutStringValue(buf, v)
		}
	}
	return buf
}

func parseAttrs(body []byte) (Attrs, []byte, error) {
	var a Attrs
	flags, body, err := wire.Uint32(body)
	if err != nil {
		return a, nil, err
	}
	a.Flags = flags

	if flags&AttrSize != 0 {
		a.Size, body, err = wire.Uint64(body)
		if err != nil {
			return a, nil, err
		}
	}
	if flags&AttrUIDGID != 0 {
		a.UID, body, err = wire.Uint32(body)
		if err != nil {
			return a, nil, err
		}
		a.GID, body, err = wire.Uint32(body)
		if err != nil {
			return a, nil, err
		}
	}
	if flags&AttrPermissions != 0 {
		a.Permissions, body, err = wire.Uint32(body)
		if err != nil {
			return a, nil, err
		}
	}
	if flags&AttrACModTime != 0 {
		a.ATime, body, err = wire.Uint32(body)
		if err != nil {
			return a, nil, err
		}
		a.MTime, body, err = wire.Uint32(body)
		if err != nil {
			return a, nil, err
		}
	}
	if flags&AttrExtended != 0 {
		var count uint32
		count, body, err = wire.Uint32(body)
		if err != nil {
			return a, nil, err
		}
		a.Extended = make(map[string]string, count)
		for i := uint32(0); i < count; i++ {
			var k, v string
			k, body, err = wire.StringValue(body)
			if err != nil {
				return a, nil, err
			}
			v, body, err = wire.StringValue(body)
			if err != nil {
				return a, nil, err
			}
			a.Extended[k] = v
		}
	}
	return a, body, nil
}
