package raft

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func matchedFn(m map[uint64]uint64) func(uint64) (uint64, bool) {
	return func(id uint64) (uint64, bool) {
		v, ok := m[id]
		return v, ok
	}
}

func TestMajorityCommittedIndex(t *testing.T) {
	c := MajorityConfig{1: {}, 2: {}, 3: {}}
	assert.Equal(t, uint64(2), c.CommittedIndex(matchedFn(map[uint64]uint64{1: 1, 2: 2, 3: 3})))
	assert.Equal(t, uint64(0), c.CommittedIndex(matchedFn(map[uint64]uint64{1: 5})))
	assert.Equal(t, uint64(5), c.CommittedIndex(matchedFn(map[uint64]uint64{1: 5, 2: 5, 3: 0})))

	even := MajorityConfig{1: {}, 2: {}, 3: {}, 4: {}}
	// Four voters need three acks.
	assert.Equal(t, uint64(3), even.CommittedIndex(matchedFn(map[uint64]uint64{1: 9, 2: 7, 3: 3, 4: 1})))
}

func TestJointCommittedIndexIsMin(t *testing.T) {
	j := JointConfig{
		MajorityConfig{1: {}, 2: {}, 3: {}},
		MajorityConfig{3: {}, 4: {}, 5: {}},
	}
	matched := matchedFn(map[uint64]uint64{1: 10, 2: 10, 3: 10, 4: 1, 5: 1})
	// The old config has not acked past 1, so nothing above 1 commits.
	assert.Equal(t, uint64(1), j.CommittedIndex(matched))
}

func TestMajorityVoteResult(t *testing.T) {
	c := MajorityConfig{1: {}, 2: {}, 3: {}}
	assert.Equal(t, VotePending, c.VoteResult(map[uint64]bool{1: true}))
	assert.Equal(t, VoteWon, c.VoteResult(map[uint64]bool{1: true, 2: true}))
	assert.Equal(t, VoteLost, c.VoteResult(map[uint64]bool{2: false, 3: false}))
}

func TestJointVoteNeedsBothMajorities(t *testing.T) {
	j := JointConfig{
		MajorityConfig{1: {}, 2: {}, 3: {}},
		MajorityConfig{4: {}, 5: {}, 6: {}},
	}
	votes := map[uint64]bool{1: true, 2: true, 3: true}
	assert.Equal(t, VotePending, j.VoteResult(votes))
	votes[4], votes[5] = false, false
	assert.Equal(t, VoteLost, j.VoteResult(votes))
	votes[4], votes[5] = true, true
	assert.Equal(t, VoteWon, j.VoteResult(votes))
}

func TestJointIDsAndContains(t *testing.T) {
	j := JointConfig{
		MajorityConfig{1: {}, 3: {}},
		MajorityConfig{2: {}, 3: {}},
	}
	assert.Equal(t, []uint64{1, 2, 3}, j.IDs())
	assert.True(t, j.Contains(2))
	assert.False(t, j.Contains(9))
}
