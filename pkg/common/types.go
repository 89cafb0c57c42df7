package common

import (
	"bytes"
	"fmt"
)

//go:generate msgp

// Epoch stamps a shard's membership and range. ConfVer increases on any
// peer-set change, Ver on any boundary change (split/merge). A message or
// request carrying an older epoch than the receiver's is stale and rejected.
type Epoch struct {
	ConfVer uint64
	Ver     uint64
}

func (e Epoch) OlderThan(other Epoch) bool {
	return e.ConfVer < other.ConfVer || e.Ver < other.Ver
}

func (e Epoch) String() string {
	return fmt.Sprintf("{conf=%d ver=%d}", e.ConfVer, e.Ver)
}

type PeerRole int

const (
	RoleVoter PeerRole = iota
	RoleLearner
	// Joint-consensus transition roles: an IncomingVoter counts only in the
	// new quorum, an OutgoingVoter only in the old one. Plain voters count
	// in both.
	RoleIncomingVoter
	RoleOutgoingVoter
)

func (r PeerRole) String() string {
	switch r {
	case RoleVoter:
		return "Voter"
	case RoleLearner:
		return "Learner"
	case RoleIncomingVoter:
		return "IncomingVoter"
	case RoleOutgoingVoter:
		return "OutgoingVoter"
	}
	return ""
}

// PeerMeta identifies one replica of a shard on one node.
type PeerMeta struct {
	ID     uint64
	NodeID uint64
	Role   PeerRole
}

func (p PeerMeta) String() string {
	return fmt.Sprintf("peer(%d,node=%d,%s)", p.ID, p.NodeID, p.Role)
}

// ShardMeta describes one shard: a half-open key range [StartKey, EndKey)
// replicated by Peers. An empty EndKey means +inf; an empty StartKey -inf.
// Shard ranges partition the keyspace cluster-wide.
type ShardMeta struct {
	ID       uint64
	StartKey []byte
	EndKey   []byte
	Epoch    Epoch
	Peers    []PeerMeta
}

func (m *ShardMeta) Contains(key []byte) bool {
	if bytes.Compare(key, m.StartKey) < 0 {
		return false
	}
	return len(m.EndKey) == 0 || bytes.Compare(key, m.EndKey) < 0
}

// ContainsRange reports whether [start, end) lies entirely inside the shard.
func (m *ShardMeta) ContainsRange(start, end []byte) bool {
	if !m.Contains(start) {
		return false
	}
	if len(end) == 0 {
		return len(m.EndKey) == 0
	}
	return len(m.EndKey) == 0 || bytes.Compare(end, m.EndKey) <= 0
}

// AdjacentTo reports whether other immediately follows this shard.
func (m *ShardMeta) AdjacentTo(other *ShardMeta) bool {
	return len(m.EndKey) != 0 && bytes.Equal(m.EndKey, other.StartKey)
}

func (m *ShardMeta) GetPeer(id uint64) (PeerMeta, bool) {
	for _, p := range m.Peers {
		if p.ID == id {
			return p, true
		}
	}
	return PeerMeta{}, false
}

func (m *ShardMeta) PeerOnNode(nodeID uint64) (PeerMeta, bool) {
	for _, p := range m.Peers {
		if p.NodeID == nodeID {
			return p, true
		}
	}
	return PeerMeta{}, false
}

func (m *ShardMeta) Clone() *ShardMeta {
	c := &ShardMeta{
		ID:       m.ID,
		StartKey: append([]byte(nil), m.StartKey...),
		EndKey:   append([]byte(nil), m.EndKey...),
		Epoch:    m.Epoch,
		Peers:    append([]PeerMeta(nil), m.Peers...),
	}
	return c
}

func (m *ShardMeta) String() string {
	return fmt.Sprintf("shard(%d,[%q,%q),%s,peers=%v)", m.ID, m.StartKey, m.EndKey, m.Epoch, m.Peers)
}

type KVPair struct {
	Key   []byte
	Value []byte
}

type LockKind int

const (
	LockPut LockKind = iota
	LockDelete
	LockOnly
)

// LockInfo is surfaced to a reader or writer that ran into a foreign lock,
// with everything needed to call ResolveLock against the primary.
type LockInfo struct {
	Key     []byte
	Primary []byte
	StartTS uint64
	Kind    LockKind
}

type MutationOp int

const (
	MutPut MutationOp = iota
	MutDelete
	MutLock
)

// Mutation is one key's provisional write inside a Prewrite.
type Mutation struct {
	Op    MutationOp
	Key   []byte
	Value []byte
}

type NodeInfo struct {
	ID   uint64
	Addr string
}
