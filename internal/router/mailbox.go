package router

import (
	"sync"

	"github.com/stormgbs/tikv/internal/raft"
	"github.com/stormgbs/tikv/internal/replica"
)

type msgKind int

const (
	msgTick msgKind = iota
	msgRaft
	msgPropose
	msgConfChange
	msgConfApplied
	msgRead
	msgTransferLeader
	msgCampaign
	msgSnapStatus
	msgUnreachable
)

// peerMsg is one unit of raft-side work for a shard: a tick, an inbound
// message, a proposal, or a control event from the apply pipeline.
type peerMsg struct {
	kind msgKind

	m       raft.Message
	cmdType uint8
	body    []byte
	pr      *replica.Proposal
	cc      raft.ConfChange
	readC   chan replica.ReadGrant

	to       uint64
	rejected bool
}

// mailbox is a shard's bounded inbox. A shard is scheduled on at most one
// raft worker at a time; push reports when the caller must schedule it.
type mailbox struct {
	mu        sync.Mutex
	queue     []peerMsg
	cap       int
	scheduled bool
}

func newMailbox(cap int) *mailbox {
	return &mailbox{cap: cap}
}

// push enqueues m. ok is false when the mailbox is full (backpressure,
// unless force is set for control events that must not be dropped);
// schedule is true when the shard was idle and needs a worker.
func (mb *mailbox) push(m peerMsg, force bool) (ok, schedule bool) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if !force && len(mb.queue) >= mb.cap {
		return false, false
	}
	mb.queue = append(mb.queue, m)
	if !mb.scheduled {
		mb.scheduled = true
		return true, true
	}
	return true, false
}

func (mb *mailbox) drain() []peerMsg {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	q := mb.queue
	mb.queue = nil
	return q
}

// unschedule clears the scheduled flag; true means new work arrived between
// the drain and now, and the worker must run another round.
func (mb *mailbox) unschedule() bool {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	if len(mb.queue) > 0 {
		return true
	}
	mb.scheduled = false
	return false
}
