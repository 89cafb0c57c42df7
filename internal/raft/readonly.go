package raft

// ReadState is one granted linearizable read: once the state machine has
// applied up to Index, serving the read identified by RequestCtx is safe.
type ReadState struct {
	Index      uint64
	RequestCtx []byte
}

type readIndexStatus struct {
	req   Message
	index uint64
	acks  map[uint64]bool
}

// readOnly tracks pending ReadIndex requests. The leader pins each request to
// its current commit index and confirms leadership with one heartbeat round
// carrying the request's context before releasing it.
type readOnly struct {
	pendingReadIndex map[string]*readIndexStatus
	readIndexQueue   []string
}

func newReadOnly() *readOnly {
	return &readOnly{pendingReadIndex: map[string]*readIndexStatus{}}
}

func (ro *readOnly) addRequest(index uint64, m Message) {
	s := string(m.Entries[0].Data)
	if _, ok := ro.pendingReadIndex[s]; ok {
		return
	}
	ro.pendingReadIndex[s] = &readIndexStatus{req: m, index: index, acks: map[uint64]bool{}}
	ro.readIndexQueue = append(ro.readIndexQueue, s)
}

func (ro *readOnly) recvAck(id uint64, context []byte) map[uint64]bool {
	rs, ok := ro.pendingReadIndex[string(context)]
	if !ok {
		return nil
	}
	rs.acks[id] = true
	return rs.acks
}

// advance releases every request queued up to and including the one whose
// context the quorum just confirmed.
func (ro *readOnly) advance(context []byte) []*readIndexStatus {
	ctx := string(context)
	var (
		i     int
		found bool
	)
	var rss []*readIndexStatus
	for _, okctx := range ro.readIndexQueue {
		i++
		rs, ok := ro.pendingReadIndex[okctx]
		if !ok {
			panic("cannot find corresponding read state from pending map")
		}
		rss = append(rss, rs)
		if okctx == ctx {
			found = true
			break
		}
	}
	if !found {
		return nil
	}
	ro.readIndexQueue = ro.readIndexQueue[i:]
	for _, rs := range rss {
		delete(ro.pendingReadIndex, string(rs.req.Entries[0].Data))
	}
	return rss
}

// lastPendingRequestCtx piggybacks the newest pending context on periodic
// heartbeats so a lost confirmation round heals itself.
func (ro *readOnly) lastPendingRequestCtx() []byte {
	if len(ro.readIndexQueue) == 0 {
		return nil
	}
	return []byte(ro.readIndexQueue[len(ro.readIndexQueue)-1])
}
