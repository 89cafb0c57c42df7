package common

import (
	"github.com/Allen1211/msgp/msgp"
)

// Replicated command kinds. The kind byte prefixes the msgp-encoded body in
// every log entry payload, so followers can decode without trial and error.
const (
	CmdTypeEmpty uint8 = iota
	CmdTypeRawPut
	CmdTypeRawDelete
	CmdTypePrewrite
	CmdTypeCommit
	CmdTypeRollback
	CmdTypeResolveLock
	CmdTypeSplit
	CmdTypePrepareMerge
	CmdTypeCommitMerge
	CmdTypeRollbackMerge
	CmdTypeConfChange
	CmdTypeCompactLog
)

//go:generate msgp

type CmdWrap struct {
	Type uint8
	Body []byte
}

func (z *CmdWrap) EncodeMsg(en *msgp.Writer) (err error) {
	if err = en.WriteArrayHeader(2); err != nil {
		return
	}
	if err = en.WriteUint8(z.Type); err != nil {
		return
	}
	return en.WriteBytes(z.Body)
}

func (z *CmdWrap) DecodeMsg(dc *msgp.Reader) (err error) {
	if _, err = dc.ReadArrayHeader(); err != nil {
		return
	}
	if z.Type, err = dc.ReadUint8(); err != nil {
		return
	}
	z.Body, err = dc.ReadBytes(nil)
	return
}
