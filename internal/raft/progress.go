package raft

import (
	"fmt"
	"sort"
)

type ProgressState int

const (
	// StateProbe sends one message at a time until the follower's log
	// position is known; StateReplicate streams optimistically; StateSnapshot
	// pauses the log until the in-flight snapshot is applied.
	StateProbe ProgressState = iota
	StateReplicate
	StateSnapshot
)

func (s ProgressState) String() string {
	switch s {
	case StateProbe:
		return "Probe"
	case StateReplicate:
		return "Replicate"
	case StateSnapshot:
		return "Snapshot"
	}
	return fmt.Sprintf("ProgressState(%d)", int(s))
}

// Progress is the leader's view of one follower.
type Progress struct {
	Match, Next uint64
	State       ProgressState

	// PendingSnapshot is the index of the snapshot being installed; the
	// follower is unreachable for log entries until it reports past it.
	PendingSnapshot uint64

	// RecentActive is set on any message from the follower and cleared each
	// check-quorum interval.
	RecentActive bool

	// MsgAppPaused stops redundant probes until the last one is answered.
	MsgAppPaused bool

	IsLearner bool
}

func (pr *Progress) String() string {
	return fmt.Sprintf("%s match=%d next=%d", pr.State, pr.Match, pr.Next)
}

func (pr *Progress) ResetState(state ProgressState) {
	pr.State = state
	pr.MsgAppPaused = false
	pr.PendingSnapshot = 0
}

func (pr *Progress) BecomeProbe() {
	// A follower leaving snapshot state resumes from the snapshot index.
	if pr.State == StateSnapshot {
		pending := pr.PendingSnapshot
		pr.ResetState(StateProbe)
		pr.Next = max(pr.Match+1, pending+1)
	} else {
		pr.ResetState(StateProbe)
		pr.Next = pr.Match + 1
	}
}

func (pr *Progress) BecomeReplicate() {
	pr.ResetState(StateReplicate)
	pr.Next = pr.Match + 1
}

func (pr *Progress) BecomeSnapshot(snapIndex uint64) {
	pr.ResetState(StateSnapshot)
	pr.PendingSnapshot = snapIndex
}

// MaybeUpdate acknowledges everything up to n; reports whether the ack
// advanced Match.
func (pr *Progress) MaybeUpdate(n uint64) bool {
	updated := false
	if pr.Match < n {
		pr.Match = n
		pr.MsgAppPaused = false
		updated = true
	}
	if pr.Next < n+1 {
		pr.Next = n + 1
	}
	return updated
}

// MaybeDecrTo processes a rejection of the append that carried rejected as
// its last index. matchHint is the follower's hint of where its log ends.
func (pr *Progress) MaybeDecrTo(rejected, matchHint uint64) bool {
	if pr.State == StateReplicate {
		// Rejection below Match is stale.
		if rejected <= pr.Match {
			return false
		}
		pr.Next = pr.Match + 1
		return true
	}
	// Stale rejection of an append we no longer expect an answer for.
	if pr.Next-1 != rejected {
		return false
	}
	pr.Next = max(min(rejected, matchHint+1), 1)
	pr.MsgAppPaused = false
	return true
}

// IsPaused reports whether the leader should hold off sending entries.
func (pr *Progress) IsPaused() bool {
	switch pr.State {
	case StateProbe:
		return pr.MsgAppPaused
	case StateSnapshot:
		return true
	default:
		return false
	}
}

// tracker bundles the active configuration with per-peer progress and the
// votes of the ongoing election.
type tracker struct {
	Voters   JointConfig
	Learners map[uint64]struct{}
	Progress map[uint64]*Progress
	Votes    map[uint64]bool
}

func makeTracker() tracker {
	return tracker{
		Voters:   JointConfig{MajorityConfig{}, MajorityConfig{}},
		Learners: map[uint64]struct{}{},
		Progress: map[uint64]*Progress{},
		Votes:    map[uint64]bool{},
	}
}

func (t *tracker) ConfState() ConfState {
	cs := ConfState{}
	for id := range t.Voters[0] {
		cs.Voters = append(cs.Voters, id)
	}
	for id := range t.Voters[1] {
		cs.VotersOutgoing = append(cs.VotersOutgoing, id)
	}
	for id := range t.Learners {
		cs.Learners = append(cs.Learners, id)
	}
	sort.Slice(cs.Voters, func(i, j int) bool { return cs.Voters[i] < cs.Voters[j] })
	sort.Slice(cs.VotersOutgoing, func(i, j int) bool { return cs.VotersOutgoing[i] < cs.VotersOutgoing[j] })
	sort.Slice(cs.Learners, func(i, j int) bool { return cs.Learners[i] < cs.Learners[j] })
	return cs
}

func (t *tracker) SetConfState(cs ConfState, lastIndex uint64) {
	t.Voters = JointConfig{MajorityConfig{}, MajorityConfig{}}
	t.Learners = map[uint64]struct{}{}
	old := t.Progress
	t.Progress = map[uint64]*Progress{}

	restore := func(id uint64, learner bool) {
		pr, ok := old[id]
		if !ok {
			pr = &Progress{Next: lastIndex + 1, State: StateProbe}
		}
		pr.IsLearner = learner
		t.Progress[id] = pr
	}
	for _, id := range cs.Voters {
		t.Voters[0][id] = struct{}{}
		restore(id, false)
	}
	for _, id := range cs.VotersOutgoing {
		t.Voters[1][id] = struct{}{}
		restore(id, false)
	}
	for _, id := range cs.Learners {
		t.Learners[id] = struct{}{}
		restore(id, true)
	}
}

func (t *tracker) Committed() uint64 {
	return t.Voters.CommittedIndex(func(id uint64) (uint64, bool) {
		pr, ok := t.Progress[id]
		if !ok {
			return 0, false
		}
		return pr.Match, true
	})
}

func (t *tracker) ResetVotes() {
	t.Votes = map[uint64]bool{}
}

func (t *tracker) RecordVote(id uint64, granted bool) {
	if _, ok := t.Votes[id]; !ok {
		t.Votes[id] = granted
	}
}

func (t *tracker) TallyVotes() VoteResult {
	return t.Voters.VoteResult(t.Votes)
}

// VoterIDs and LearnerIDs walk in sorted order so message emission is
// deterministic under test.
func (t *tracker) VoterIDs() []uint64 {
	return t.Voters.IDs()
}

func (t *tracker) PeerIDs() []uint64 {
	ids := t.Voters.IDs()
	for id := range t.Learners {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// QuorumActive reports whether a majority answered within the last
// check-quorum interval, counting the leader itself.
func (t *tracker) QuorumActive() bool {
	votes := map[uint64]bool{}
	for id, pr := range t.Progress {
		if pr.IsLearner {
			continue
		}
		votes[id] = pr.RecentActive
	}
	return t.Voters.VoteResult(votes) == VoteWon
}

func max(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
