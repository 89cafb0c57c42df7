package common

import "errors"

//go:generate msgp

type Err string

const (
	OK                 Err = "OK"
	ErrNoKey           Err = "ErrNoKey"
	ErrNotLeader       Err = "ErrNotLeader"
	ErrStaleEpoch      Err = "ErrStaleEpoch"
	ErrShardNotFound   Err = "ErrShardNotFound"
	ErrKeyIsLocked     Err = "ErrKeyIsLocked"
	ErrWriteConflict   Err = "ErrWriteConflict"
	ErrProposalDropped Err = "ErrProposalDropped"
	ErrServerBusy      Err = "ErrServerBusy"
	ErrStorageIO       Err = "ErrStorageIO"
	ErrSnapshotCorrupt Err = "ErrSnapshotCorrupt"
	ErrNodeClosed      Err = "ErrNodeClosed"
	ErrFailed          Err = "ErrFailed"
)

// AsError bridges into code paths that return a plain error.
func (e Err) AsError() error {
	if e == OK {
		return nil
	}
	return errors.New(string(e))
}

// Retryable reports whether the caller should refresh its routing
// cache and retry, as opposed to surfacing the failure.
func (e Err) Retryable() bool {
	switch e {
	case ErrNotLeader, ErrStaleEpoch, ErrShardNotFound, ErrProposalDropped, ErrServerBusy:
		return true
	}
	return false
}
