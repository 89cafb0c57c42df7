package storage

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// Key layout. Two disjoint namespaces share one engine:
//
//	0x01 ...            local keys, never replicated and never snapshotted
//	'z'  ...            data keys, owned by exactly one shard via its range
//
// Local keys:
//
//	0x01 0x02 <shard:8> 0x01 <index:8>   raft log entry
//	0x01 0x02 <shard:8> 0x02             raft hard state
//	0x01 0x02 <shard:8> 0x03             apply state
//	0x01 0x03 <shard:8> 0x01             shard descriptor + local peer state
//
// Data keys wrap the memcomparable-encoded user key:
//
//	'z' 'D' <enc(key)> <startTS:8>       committed value version
//	'z' 'W' <enc(key)> <^commitTS:8>     write record, newest first
//	'z' 'L' <enc(key)>                   lock
//	'z' 'R' <enc(key)>                   raw (untimestamped) value
var (
	LocalPrefix = []byte{0x01}

	localRaftPrefix  byte = 0x02
	localShardPrefix byte = 0x03

	raftLogSuffix    byte = 0x01
	hardStateSuffix  byte = 0x02
	applyStateSuffix byte = 0x03

	shardMetaSuffix  byte = 0x01
	mergeStateSuffix byte = 0x02

	DataPrefix byte = 'z'

	DefaultCF byte = 'D'
	WriteCF   byte = 'W'
	LockCF    byte = 'L'
	RawCF     byte = 'R'
)

var ErrMalformedKey = errors.New("malformed key")

func appendUint64(b []byte, v uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	return append(b, tmp[:]...)
}

func raftPrefix(shardID uint64) []byte {
	b := make([]byte, 0, 11)
	b = append(b, LocalPrefix...)
	b = append(b, localRaftPrefix)
	return appendUint64(b, shardID)
}

func RaftLogKey(shardID, index uint64) []byte {
	b := append(raftPrefix(shardID), raftLogSuffix)
	return appendUint64(b, index)
}

// RaftLogPrefix covers every log entry of the shard.
func RaftLogPrefix(shardID uint64) []byte {
	return append(raftPrefix(shardID), raftLogSuffix)
}

func RaftLogIndex(key []byte) (uint64, error) {
	prefixLen := len(LocalPrefix) + 1 + 8 + 1
	if len(key) != prefixLen+8 {
		return 0, ErrMalformedKey
	}
	return binary.BigEndian.Uint64(key[prefixLen:]), nil
}

func HardStateKey(shardID uint64) []byte {
	return append(raftPrefix(shardID), hardStateSuffix)
}

func ApplyStateKey(shardID uint64) []byte {
	return append(raftPrefix(shardID), applyStateSuffix)
}

func ShardMetaKey(shardID uint64) []byte {
	b := make([]byte, 0, 12)
	b = append(b, LocalPrefix...)
	b = append(b, localShardPrefix)
	b = appendUint64(b, shardID)
	return append(b, shardMetaSuffix)
}

// MergeStateKey holds the fence record of a shard with a merge in flight.
func MergeStateKey(shardID uint64) []byte {
	b := make([]byte, 0, 12)
	b = append(b, LocalPrefix...)
	b = append(b, localShardPrefix)
	b = appendUint64(b, shardID)
	return append(b, mergeStateSuffix)
}

// ShardMetaMinKey/ShardMetaMaxKey bound the descriptor namespace, for the
// startup scan that discovers hosted shards.
func ShardMetaMinKey() []byte {
	return append(append([]byte{}, LocalPrefix...), localShardPrefix)
}

func ShardMetaMaxKey() []byte {
	return append(append([]byte{}, LocalPrefix...), localShardPrefix+1)
}

func ShardMetaID(key []byte) (uint64, error) {
	prefixLen := len(LocalPrefix) + 1
	if len(key) != prefixLen+9 || key[len(key)-1] != shardMetaSuffix {
		return 0, ErrMalformedKey
	}
	return binary.BigEndian.Uint64(key[prefixLen : prefixLen+8]), nil
}

const (
	encGroupSize = 8
	encMarker    = byte(0xFF)
	encPad       = byte(0x00)
)

var padding = make([]byte, encGroupSize)

// EncodeBytes converts a user key into a form whose byte order matches the
// original key order even when a timestamp suffix is appended. Keys are cut
// into 8-byte groups, each padded and followed by a marker recording how
// many bytes were real.
func EncodeBytes(key []byte) []byte {
	out := make([]byte, 0, (len(key)/encGroupSize+1)*(encGroupSize+1))
	for i := 0; i <= len(key); i += encGroupSize {
		remain := len(key) - i
		var pad int
		if remain >= encGroupSize {
			out = append(out, key[i:i+encGroupSize]...)
		} else {
			pad = encGroupSize - remain
			out = append(out, key[i:]...)
			out = append(out, padding[:pad]...)
		}
		out = append(out, encMarker-byte(pad))
	}
	return out
}

// DecodeBytes undoes EncodeBytes, returning the user key and what follows it.
func DecodeBytes(b []byte) (key, rest []byte, err error) {
	out := make([]byte, 0, len(b))
	for {
		if len(b) < encGroupSize+1 {
			return nil, nil, ErrMalformedKey
		}
		group := b[:encGroupSize]
		marker := b[encGroupSize]
		b = b[encGroupSize+1:]

		pad := int(encMarker - marker)
		if pad < 0 || pad > encGroupSize {
			return nil, nil, ErrMalformedKey
		}
		realLen := encGroupSize - pad
		out = append(out, group[:realLen]...)
		if pad > 0 {
			for _, p := range group[realLen:] {
				if p != encPad {
					return nil, nil, ErrMalformedKey
				}
			}
			return out, b, nil
		}
	}
}

func dataKey(cf byte, encodedKey []byte) []byte {
	b := make([]byte, 0, 2+len(encodedKey))
	b = append(b, DataPrefix, cf)
	return append(b, encodedKey...)
}

// DefaultKey locates the value written by the transaction that started at
// startTS.
func DefaultKey(key []byte, startTS uint64) []byte {
	return appendUint64(dataKey(DefaultCF, EncodeBytes(key)), startTS)
}

// WriteKey locates the write record committed at commitTS. The timestamp is
// stored inverted so that a forward scan sees the newest commit first.
func WriteKey(key []byte, commitTS uint64) []byte {
	return appendUint64(dataKey(WriteCF, EncodeBytes(key)), ^commitTS)
}

func LockKey(key []byte) []byte {
	return dataKey(LockCF, EncodeBytes(key))
}

func RawKey(key []byte) []byte {
	return dataKey(RawCF, EncodeBytes(key))
}

// CFPrefix is the smallest key of cf for user key (all versions).
func CFPrefix(cf byte, key []byte) []byte {
	return dataKey(cf, EncodeBytes(key))
}

// CFRange bounds cf to the user-key range [start, end); an empty end runs to
// the end of the column family.
func CFRange(cf byte, start, end []byte) ([]byte, []byte) {
	low := dataKey(cf, EncodeBytes(start))
	var high []byte
	if len(end) == 0 {
		high = []byte{DataPrefix, cf + 1}
	} else {
		high = dataKey(cf, EncodeBytes(end))
	}
	return low, high
}

// DecodeDataKey splits a versioned data key into the user key and its
// trailing timestamp.
func DecodeDataKey(dk []byte) (key []byte, ts uint64, err error) {
	if len(dk) < 2 || dk[0] != DataPrefix {
		return nil, 0, ErrMalformedKey
	}
	key, rest, err := DecodeBytes(dk[2:])
	if err != nil {
		return nil, 0, err
	}
	if len(rest) != 8 {
		return nil, 0, ErrMalformedKey
	}
	ts = binary.BigEndian.Uint64(rest)
	if dk[1] == WriteCF {
		ts = ^ts
	}
	return key, ts, nil
}

// DecodeUnversionedKey extracts the user key from a lock or raw key.
func DecodeUnversionedKey(dk []byte) ([]byte, error) {
	if len(dk) < 2 || dk[0] != DataPrefix {
		return nil, ErrMalformedKey
	}
	key, rest, err := DecodeBytes(dk[2:])
	if err != nil {
		return nil, err
	}
	if len(rest) != 0 {
		return nil, ErrMalformedKey
	}
	return key, nil
}

// DataRange bounds every data key owned by the shard range [start, end),
// across all column families. Used when clearing an absorbed or destroyed
// shard's data.
func DataRange(cf byte, start, end []byte) Range {
	low, high := CFRange(cf, start, end)
	return Range{Start: low, End: high}
}

// ValidSplitKey reports whether key can serve as a split point of meta's
// range: strictly inside, never equal to either boundary.
func ValidSplitKey(start, end, key []byte) bool {
	if bytes.Compare(key, start) <= 0 {
		return false
	}
	return len(end) == 0 || bytes.Compare(key, end) < 0
}
