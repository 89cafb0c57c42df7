package common

//
// Client request API of the shard replicas. Every request is addressed to a
// shard and the epoch the caller believes that shard has; replies to
// misrouted requests carry enough to refresh the caller's cache (leader
// hints, the receiver's current descriptor).
//

//go:generate msgp

// BaseArgs addresses a request to one shard at one epoch.
type BaseArgs struct {
	ShardID uint64
	Epoch   Epoch
}

func (a *BaseArgs) SetRoute(shardID uint64, epoch Epoch) {
	a.ShardID = shardID
	a.Epoch = epoch
}

// BaseReply reports the outcome. On ErrNotLeader, Leader is the last known
// leader (zero if unknown). On ErrStaleEpoch, Current is the receiver's
// descriptor for the range.
type BaseReply struct {
	Err     Err
	NodeID  uint64
	Leader  PeerMeta
	Current ShardMeta
}

func (r *BaseReply) SetErr(e Err) { r.Err = e }

// Base lets routing code reach the shared reply fields behind any concrete
// reply type.
func (r *BaseReply) Base() *BaseReply { return r }

type GetArgs struct {
	BaseArgs
	Key     []byte
	Version uint64
}

type GetReply struct {
	BaseReply
	Value    []byte
	NotFound bool
	Lock     LockInfo
}

type ScanArgs struct {
	BaseArgs
	Start   []byte
	End     []byte
	Limit   int
	Version uint64
}

type ScanReply struct {
	BaseReply
	Pairs []KVPair
	Lock  LockInfo
}

type PrewriteArgs struct {
	BaseArgs
	Mutations    []Mutation
	Primary      []byte
	StartVersion uint64
}

type PrewriteReply struct {
	BaseReply
	Lock LockInfo
}

type CommitArgs struct {
	BaseArgs
	Keys          [][]byte
	StartVersion  uint64
	CommitVersion uint64
}

type CommitReply struct {
	BaseReply
}

type RollbackArgs struct {
	BaseArgs
	Keys         [][]byte
	StartVersion uint64
}

type RollbackReply struct {
	BaseReply
}

// ResolveLockArgs rolls every lock of transaction StartVersion on the
// addressed shard forward (CommitVersion > 0) or back (CommitVersion == 0).
type ResolveLockArgs struct {
	BaseArgs
	StartVersion  uint64
	CommitVersion uint64
}

type ResolveLockReply struct {
	BaseReply
}

type RawGetArgs struct {
	BaseArgs
	Key []byte
}

type RawGetReply struct {
	BaseReply
	Value    []byte
	NotFound bool
}

type RawPutArgs struct {
	BaseArgs
	Key   []byte
	Value []byte
}

type RawDeleteArgs struct {
	BaseArgs
	Key []byte
}

type RawReply struct {
	BaseReply
}

// WhichShardArgs asks a node which of its hosted shards covers a key.
// Clients use it to (re)build their routing cache; a node only knows its own
// shards, so the caller probes until some node answers.
type WhichShardArgs struct {
	Key []byte
}

type WhichShardReply struct {
	Err    Err
	NodeID uint64
	Shard  ShardMeta
	Leader PeerMeta
}
