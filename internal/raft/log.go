package raft

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// raftLog stitches the stable Storage together with the unstable tail that
// has not been persisted yet. Index arithmetic is the whole job: offset is
// the index of the first unstable entry.
type raftLog struct {
	storage Storage

	unstable         []Entry
	offset           uint64
	unstableSnapshot *SnapshotMeta

	committed uint64
	applied   uint64

	logger *logrus.Logger
}

func newRaftLog(storage Storage, logger *logrus.Logger) *raftLog {
	last, err := storage.LastIndex()
	if err != nil {
		panic(err)
	}
	first, err := storage.FirstIndex()
	if err != nil {
		panic(err)
	}
	return &raftLog{
		storage:   storage,
		offset:    last + 1,
		committed: first - 1,
		applied:   first - 1,
		logger:    logger,
	}
}

func (l *raftLog) String() string {
	return fmt.Sprintf("committed=%d applied=%d unstable=[%d, %d)",
		l.committed, l.applied, l.offset, l.offset+uint64(len(l.unstable)))
}

func (l *raftLog) lastIndex() uint64 {
	if n := len(l.unstable); n > 0 {
		return l.offset + uint64(n) - 1
	}
	if l.unstableSnapshot != nil {
		return l.unstableSnapshot.Index
	}
	i, err := l.storage.LastIndex()
	if err != nil {
		panic(err)
	}
	return i
}

func (l *raftLog) firstIndex() uint64 {
	if l.unstableSnapshot != nil {
		return l.unstableSnapshot.Index + 1
	}
	i, err := l.storage.FirstIndex()
	if err != nil {
		panic(err)
	}
	return i
}

func (l *raftLog) term(i uint64) (uint64, error) {
	dummy := l.firstIndex() - 1
	if i < dummy || i > l.lastIndex() {
		return 0, ErrUnavailable
	}
	if i >= l.offset && len(l.unstable) > 0 {
		return l.unstable[i-l.offset].Term, nil
	}
	if snap := l.unstableSnapshot; snap != nil && snap.Index == i {
		return snap.Term, nil
	}
	t, err := l.storage.Term(i)
	if err == nil {
		return t, nil
	}
	if err == ErrCompacted || err == ErrUnavailable {
		return 0, err
	}
	panic(err)
}

func (l *raftLog) lastTerm() uint64 {
	t, err := l.term(l.lastIndex())
	if err != nil {
		panic(fmt.Sprintf("unexpected error getting last term (%v)", err))
	}
	return t
}

func (l *raftLog) matchTerm(i, term uint64) bool {
	t, err := l.term(i)
	if err != nil {
		return false
	}
	return t == term
}

// isUpToDate is the voter-side election safety check.
func (l *raftLog) isUpToDate(lasti, term uint64) bool {
	return term > l.lastTerm() || (term == l.lastTerm() && lasti >= l.lastIndex())
}

// append adds entries from the leader path; the caller guarantees they
// extend the log.
func (l *raftLog) append(ents ...Entry) uint64 {
	if len(ents) == 0 {
		return l.lastIndex()
	}
	if after := ents[0].Index - 1; after < l.committed {
		panic(fmt.Sprintf("append after(%d) is out of range [committed(%d)]", after, l.committed))
	}
	l.truncateAndAppend(ents)
	return l.lastIndex()
}

func (l *raftLog) truncateAndAppend(ents []Entry) {
	after := ents[0].Index
	switch {
	case after == l.offset+uint64(len(l.unstable)):
		l.unstable = append(l.unstable, ents...)
	case after <= l.offset:
		// Everything unstable is superseded.
		l.offset = after
		l.unstable = append([]Entry(nil), ents...)
	default:
		l.unstable = append([]Entry(nil), l.unstable[:after-l.offset]...)
		l.unstable = append(l.unstable, ents...)
	}
}

// maybeAppend is the follower-side append: verifies the (index, logTerm)
// anchor, drops duplicates, truncates conflicts, and advances commit.
func (l *raftLog) maybeAppend(index, logTerm, committed uint64, ents []Entry) (uint64, bool) {
	if !l.matchTerm(index, logTerm) {
		return 0, false
	}
	lastnewi := index + uint64(len(ents))
	ci := l.findConflict(ents)
	switch {
	case ci == 0:
	case ci <= l.committed:
		panic(fmt.Sprintf("entry %d conflict with committed entry [committed(%d)]", ci, l.committed))
	default:
		l.truncateAndAppend(ents[ci-index-1:])
	}
	l.commitTo(min(committed, lastnewi))
	return lastnewi, true
}

func (l *raftLog) findConflict(ents []Entry) uint64 {
	for i := range ents {
		if !l.matchTerm(ents[i].Index, ents[i].Term) {
			if ents[i].Index <= l.lastIndex() {
				l.logger.Debugf("found conflict at index %d [existing term: %d, conflicting term: %d]",
					ents[i].Index, l.zeroTermOnErr(l.term(ents[i].Index)), ents[i].Term)
			}
			return ents[i].Index
		}
	}
	return 0
}

// findConflictHint computes what a follower reports on rejection: the first
// index it holds for the term of the entry at or before index, so the leader
// can skip the whole term in one round trip.
func (l *raftLog) findConflictHint(index uint64) (hintIndex, hintTerm uint64) {
	if li := l.lastIndex(); index > li {
		return li, 0
	}
	term, err := l.term(index)
	if err != nil {
		return l.firstIndex() - 1, 0
	}
	hintIndex = index
	for hintIndex > l.firstIndex() {
		t, err := l.term(hintIndex - 1)
		if err != nil || t != term {
			break
		}
		hintIndex--
	}
	return hintIndex, term
}

func (l *raftLog) commitTo(tocommit uint64) {
	if l.committed < tocommit {
		if l.lastIndex() < tocommit {
			panic(fmt.Sprintf("tocommit(%d) is out of range [lastIndex(%d)]", tocommit, l.lastIndex()))
		}
		l.committed = tocommit
	}
}

func (l *raftLog) appliedTo(i uint64) {
	if i == 0 {
		return
	}
	if l.committed < i || i < l.applied {
		panic(fmt.Sprintf("applied(%d) is out of range [prevApplied(%d), committed(%d)]", i, l.applied, l.committed))
	}
	l.applied = i
}

func (l *raftLog) stableTo(i uint64) {
	if i >= l.offset && i < l.offset+uint64(len(l.unstable)) {
		l.unstable = append([]Entry(nil), l.unstable[i+1-l.offset:]...)
		l.offset = i + 1
	} else if i == l.offset+uint64(len(l.unstable))-1 {
		l.unstable = nil
		l.offset = i + 1
	}
}

func (l *raftLog) stableSnapTo(i uint64) {
	if l.unstableSnapshot != nil && l.unstableSnapshot.Index == i {
		l.unstableSnapshot = nil
	}
}

func (l *raftLog) unstableEntries() []Entry {
	return l.unstable
}

func (l *raftLog) hasNextCommittedEnts() bool {
	return l.committed > l.applied
}

func (l *raftLog) nextCommittedEnts() []Entry {
	if !l.hasNextCommittedEnts() {
		return nil
	}
	ents, err := l.slice(l.applied+1, l.committed+1)
	if err != nil {
		panic(fmt.Sprintf("unexpected error getting committed entries (%v)", err))
	}
	return ents
}

// entries returns [i, lastIndex] capped at maxSize bytes of entry data,
// always including at least one entry.
func (l *raftLog) entries(i, maxSize uint64) ([]Entry, error) {
	if i > l.lastIndex() {
		return nil, nil
	}
	ents, err := l.slice(i, l.lastIndex()+1)
	if err != nil {
		return nil, err
	}
	return limitSize(ents, maxSize), nil
}

func limitSize(ents []Entry, maxSize uint64) []Entry {
	if len(ents) == 0 || maxSize == 0 {
		return ents
	}
	size := uint64(len(ents[0].Data))
	for i := 1; i < len(ents); i++ {
		size += uint64(len(ents[i].Data))
		if size > maxSize {
			return ents[:i]
		}
	}
	return ents
}

// slice returns [lo, hi), merging stable and unstable parts.
func (l *raftLog) slice(lo, hi uint64) ([]Entry, error) {
	if lo >= hi {
		return nil, nil
	}
	if lo < l.firstIndex() {
		return nil, ErrCompacted
	}
	if hi > l.lastIndex()+1 {
		return nil, ErrUnavailable
	}
	var ents []Entry
	if lo < l.offset {
		stable, err := l.storage.Entries(lo, min(hi, l.offset))
		if err != nil {
			return nil, err
		}
		ents = stable
	}
	if hi > l.offset && len(l.unstable) > 0 {
		ulo := max(lo, l.offset)
		ents = append(ents, l.unstable[ulo-l.offset:hi-l.offset]...)
	}
	return ents, nil
}

func (l *raftLog) restore(snap SnapshotMeta) {
	l.logger.Infof("log [%s] starts to restore snapshot [index: %d, term: %d]", l, snap.Index, snap.Term)
	l.committed = snap.Index
	l.applied = snap.Index
	l.offset = snap.Index + 1
	l.unstable = nil
	l.unstableSnapshot = &snap
}

func (l *raftLog) zeroTermOnErr(t uint64, err error) uint64 {
	if err != nil {
		return 0
	}
	return t
}
