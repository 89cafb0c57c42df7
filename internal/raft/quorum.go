package raft

import (
	"sort"
)

type MajorityConfig map[uint64]struct{}

// CommittedIndex returns the highest index acknowledged by a majority of the
// config. An empty config commits everything (it poses no constraint).
func (c MajorityConfig) CommittedIndex(matched func(id uint64) (uint64, bool)) uint64 {
	n := len(c)
	if n == 0 {
		return ^uint64(0)
	}
	idx := make([]uint64, 0, n)
	for id := range c {
		if m, ok := matched(id); ok {
			idx = append(idx, m)
		} else {
			idx = append(idx, 0)
		}
	}
	sort.Slice(idx, func(i, j int) bool { return idx[i] < idx[j] })
	// The (n/2)-th smallest ack is held by a majority.
	return idx[(n-1)/2]
}

type VoteResult int

const (
	VotePending VoteResult = iota
	VoteLost
	VoteWon
)

func (c MajorityConfig) VoteResult(votes map[uint64]bool) VoteResult {
	if len(c) == 0 {
		return VoteWon
	}
	var granted, rejected int
	for id := range c {
		v, voted := votes[id]
		if !voted {
			continue
		}
		if v {
			granted++
		} else {
			rejected++
		}
	}
	q := len(c)/2 + 1
	if granted >= q {
		return VoteWon
	}
	if rejected > len(c)-q {
		return VoteLost
	}
	return VotePending
}

// JointConfig holds the incoming config at [0] and, during a joint
// transition, the outgoing config at [1]. Outside a transition [1] is empty
// and the joint rules degenerate to plain majority.
type JointConfig [2]MajorityConfig

func (c JointConfig) CommittedIndex(matched func(id uint64) (uint64, bool)) uint64 {
	i0 := c[0].CommittedIndex(matched)
	i1 := c[1].CommittedIndex(matched)
	if i0 < i1 {
		return i0
	}
	return i1
}

func (c JointConfig) VoteResult(votes map[uint64]bool) VoteResult {
	r0 := c[0].VoteResult(votes)
	r1 := c[1].VoteResult(votes)
	if r0 == r1 {
		return r0
	}
	if r0 == VoteLost || r1 == VoteLost {
		return VoteLost
	}
	return VotePending
}

func (c JointConfig) IsJoint() bool {
	return len(c[1]) > 0
}

// IDs is the union of both configs, sorted.
func (c JointConfig) IDs() []uint64 {
	set := map[uint64]struct{}{}
	for _, cfg := range c {
		for id := range cfg {
			set[id] = struct{}{}
		}
	}
	ids := make([]uint64, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (c JointConfig) Contains(id uint64) bool {
	_, in0 := c[0][id]
	_, in1 := c[1][id]
	return in0 || in1
}
