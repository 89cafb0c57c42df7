package replica

import (
	"github.com/stormgbs/tikv/internal/mvcc"
	"github.com/stormgbs/tikv/internal/raft"
	"github.com/stormgbs/tikv/internal/storage"
	"github.com/stormgbs/tikv/pkg/common"
	"github.com/stormgbs/tikv/pkg/common/utils"
)

// Apply executes committed entries in order. Every entry's effects land in
// one batch together with the advanced apply state, so a crash between
// entries never replays a half-applied command. Storage failures here are
// fatal: the state machine must not diverge from the log.
//
// Waiting proposers and read waiters are notified before returning; the
// caller routes the side effects (splits, merges, conf changes) back to the
// raft worker.
func (p *Peer) Apply(ents []raft.Entry) []*ExecResult {
	if len(ents) == 0 {
		return nil
	}
	applied := p.ps.ApplyState().AppliedIndex
	results := make([]*ExecResult, 0, len(ents))
	for i := range ents {
		if ents[i].Index <= applied {
			continue
		}
		results = append(results, p.applyEntry(&ents[i]))
		applied = ents[i].Index
	}
	if len(results) > 0 {
		p.NotifyApplied(applied, results)
	}
	return results
}

func (p *Peer) applyEntry(ent *raft.Entry) *ExecResult {
	meta := p.ps.ShardMeta()
	batch := p.engine.Batch()
	res := &ExecResult{Index: ent.Index, Term: ent.Term, Err: common.OK}

	var (
		newMeta    *common.ShardMeta
		newMerge   *MergeState
		clearMerge bool
		compact    *CompactLogCmd
	)

	if ent.Type == raft.EntryConfChange {
		var cc raft.ConfChange
		utils.MsgpDecode(ent.Data, &cc)
		var ctx ConfChangeContext
		if len(cc.Context) > 0 {
			utils.MsgpDecode(cc.Context, &ctx)
		}
		// A membership change proposed under a since-replaced descriptor is
		// skipped; every replica decides this the same way, so the raft
		// config stays consistent without it. Leave-joint entries carry no
		// context and always apply.
		if len(cc.Context) == 0 || p.checkEpoch(res, meta, ctx.Epoch) {
			newMeta, res.Destroyed = applyConfChangeToMeta(meta, &cc, p.Meta.ID)
			res.ConfChange = &cc
		}
	} else if len(ent.Data) > 0 {
		cmd := utils.DecodeCmdWrap(ent.Data)
		switch cmd.Type {
		case common.CmdTypeEmpty:

		case common.CmdTypeRawPut:
			var args common.RawPutArgs
			utils.MsgpDecode(cmd.Body, &args)
			if !p.checkEpoch(res, meta, args.Epoch) {
				break
			}
			batch.Put(storage.RawKey(args.Key), args.Value)

		case common.CmdTypeRawDelete:
			var args common.RawDeleteArgs
			utils.MsgpDecode(cmd.Body, &args)
			if !p.checkEpoch(res, meta, args.Epoch) {
				break
			}
			batch.Delete(storage.RawKey(args.Key))

		case common.CmdTypePrewrite:
			var args common.PrewriteArgs
			utils.MsgpDecode(cmd.Body, &args)
			if !p.checkEpoch(res, meta, args.Epoch) {
				break
			}
			txn := mvcc.NewTxn(p.engine, batch, args.StartVersion)
			for _, mut := range args.Mutations {
				if ke := mvcc.Prewrite(txn, mut, args.Primary); ke != nil {
					res.Err = ke.Err()
					res.Lock = ke.Locked
					break
				}
			}

		case common.CmdTypeCommit:
			var args common.CommitArgs
			utils.MsgpDecode(cmd.Body, &args)
			if !p.checkEpoch(res, meta, args.Epoch) {
				break
			}
			txn := mvcc.NewTxn(p.engine, batch, args.StartVersion)
			for _, key := range args.Keys {
				if ke := mvcc.Commit(txn, key, args.CommitVersion); ke != nil {
					res.Err = ke.Err()
					res.Lock = ke.Locked
					break
				}
			}

		case common.CmdTypeRollback:
			var args common.RollbackArgs
			utils.MsgpDecode(cmd.Body, &args)
			if !p.checkEpoch(res, meta, args.Epoch) {
				break
			}
			txn := mvcc.NewTxn(p.engine, batch, args.StartVersion)
			for _, key := range args.Keys {
				if ke := mvcc.Rollback(txn, key); ke != nil {
					res.Err = ke.Err()
					res.Lock = ke.Locked
					break
				}
			}

		case common.CmdTypeResolveLock:
			var args common.ResolveLockArgs
			utils.MsgpDecode(cmd.Body, &args)
			if !p.checkEpoch(res, meta, args.Epoch) {
				break
			}
			txn := mvcc.NewTxn(p.engine, batch, args.StartVersion)
			if ke := mvcc.ResolveLock(txn, meta.StartKey, meta.EndKey, args.CommitVersion); ke != nil {
				res.Err = ke.Err()
				res.Lock = ke.Locked
			}

		case common.CmdTypeSplit:
			var cmd2 SplitCmd
			utils.MsgpDecode(cmd.Body, &cmd2)
			if !p.checkEpoch(res, meta, cmd2.Epoch) {
				break
			}
			if !storage.ValidSplitKey(meta.StartKey, meta.EndKey, cmd2.SplitKey) ||
				len(cmd2.NewPeerIDs) != len(meta.Peers) {
				res.Err = common.ErrFailed
				break
			}
			right := &common.ShardMeta{
				ID:       cmd2.NewShardID,
				StartKey: append([]byte(nil), cmd2.SplitKey...),
				EndKey:   append([]byte(nil), meta.EndKey...),
				Epoch:    common.Epoch{ConfVer: meta.Epoch.ConfVer, Ver: meta.Epoch.Ver + 1},
			}
			for i, pm := range meta.Peers {
				right.Peers = append(right.Peers, common.PeerMeta{
					ID:     cmd2.NewPeerIDs[i],
					NodeID: pm.NodeID,
					Role:   pm.Role,
				})
			}
			newMeta = meta.Clone()
			newMeta.EndKey = append([]byte(nil), cmd2.SplitKey...)
			newMeta.Epoch.Ver++
			// The new shard is bootstrapped in the same batch, so both halves
			// exist or neither does.
			batch.Put(storage.ShardMetaKey(right.ID), utils.MsgpEncode(right))
			local := RaftLocalState{LastIndex: InitLogIndex, LastTerm: InitLogTerm}
			batch.Put(storage.HardStateKey(right.ID), utils.MsgpEncode(&local))
			initApply := ApplyState{
				AppliedIndex:   InitLogIndex,
				AppliedTerm:    InitLogTerm,
				TruncatedIndex: InitLogIndex,
				TruncatedTerm:  InitLogTerm,
			}
			batch.Put(storage.ApplyStateKey(right.ID), utils.MsgpEncode(&initApply))
			res.SplitNew = right

		case common.CmdTypePrepareMerge:
			var cmd2 PrepareMergeCmd
			utils.MsgpDecode(cmd.Body, &cmd2)
			if !p.checkEpoch(res, meta, cmd2.Epoch) {
				break
			}
			newMeta = meta.Clone()
			newMeta.Epoch.Ver++
			newMerge = &MergeState{TargetID: cmd2.TargetID, Commit: ent.Index}
			batch.Put(storage.MergeStateKey(meta.ID), utils.MsgpEncode(newMerge))

		case common.CmdTypeCommitMerge:
			var cmd2 CommitMergeCmd
			utils.MsgpDecode(cmd.Body, &cmd2)
			if !p.checkEpoch(res, meta, cmd2.Epoch) {
				break
			}
			src := &cmd2.Source
			if !src.AdjacentTo(meta) && !meta.AdjacentTo(src) {
				res.Err = common.ErrFailed
				break
			}
			newMeta = meta.Clone()
			if src.AdjacentTo(newMeta) {
				newMeta.StartKey = append([]byte(nil), src.StartKey...)
			} else {
				newMeta.EndKey = append([]byte(nil), src.EndKey...)
			}
			newMeta.Epoch.Ver = maxU64(newMeta.Epoch.Ver, src.Epoch.Ver) + 1
			res.MergedFrom = src.ID

		case common.CmdTypeRollbackMerge:
			var cmd2 RollbackMergeCmd
			utils.MsgpDecode(cmd.Body, &cmd2)
			newMeta = meta.Clone()
			newMeta.Epoch.Ver++
			clearMerge = true
			batch.Delete(storage.MergeStateKey(meta.ID))

		case common.CmdTypeCompactLog:
			compact = &CompactLogCmd{}
			utils.MsgpDecode(cmd.Body, compact)

		default:
			p.logger.Panicf("shard %d: unknown command type %d at index %d", p.ShardID, cmd.Type, ent.Index)
		}
	}

	st := p.ps.ApplyState()
	st.AppliedIndex = ent.Index
	st.AppliedTerm = ent.Term
	batch.Put(storage.ApplyStateKey(p.ShardID), utils.MsgpEncode(&st))
	if newMeta != nil {
		batch.Put(storage.ShardMetaKey(p.ShardID), utils.MsgpEncode(newMeta))
	}
	if err := batch.Execute(); err != nil {
		p.logger.Panicf("shard %d: apply batch at index %d: %v", p.ShardID, ent.Index, err)
	}

	p.ps.SetApplyState(st)
	if newMeta != nil {
		p.ps.SetShardMeta(newMeta)
		res.Shard = *newMeta
	} else {
		res.Shard = *meta
	}
	if newMerge != nil {
		p.ps.SetMergeState(newMerge)
	}
	if clearMerge {
		p.ps.SetMergeState(nil)
	}
	if compact != nil {
		if err := p.ps.CompactTo(compact.Index, compact.Term); err != nil {
			p.logger.Errorf("shard %d: compact to %d: %v", p.ShardID, compact.Index, err)
			p.ReportStorageError()
		}
	}
	return res
}

// checkEpoch rejects a command proposed against a descriptor that has since
// split, merged or changed membership. The reply carries the current
// descriptor so the proposer can refresh its cache.
func (p *Peer) checkEpoch(res *ExecResult, meta *common.ShardMeta, epoch common.Epoch) bool {
	if epoch.OlderThan(meta.Epoch) {
		res.Err = common.ErrStaleEpoch
		res.Shard = *meta
		return false
	}
	return true
}

// applyConfChangeToMeta rewrites the descriptor's peer set for one conf
// change entry. A single delta applies directly; multiple deltas enter a
// joint configuration and an empty delta list leaves it. Reports whether
// this peer itself was removed.
func applyConfChangeToMeta(meta *common.ShardMeta, cc *raft.ConfChange, selfID uint64) (*common.ShardMeta, bool) {
	out := meta.Clone()
	out.Epoch.ConfVer++

	if cc.LeaveJoint() {
		kept := out.Peers[:0]
		removed := false
		for _, pm := range out.Peers {
			switch pm.Role {
			case common.RoleOutgoingVoter:
				if pm.ID == selfID {
					removed = true
				}
				continue
			case common.RoleIncomingVoter:
				pm.Role = common.RoleVoter
			}
			kept = append(kept, pm)
		}
		out.Peers = kept
		return out, removed
	}

	var ctx ConfChangeContext
	if len(cc.Context) > 0 {
		utils.MsgpDecode(cc.Context, &ctx)
	}
	joint := len(cc.Changes) > 1
	removed := false
	for _, ch := range cc.Changes {
		switch ch.Type {
		case raft.ConfAddNode:
			pm := common.PeerMeta{ID: ch.NodeID, NodeID: ctx.Peer.NodeID, Role: common.RoleVoter}
			if joint {
				pm.Role = common.RoleIncomingVoter
			}
			out.Peers = upsertPeer(out.Peers, pm)
		case raft.ConfAddLearner:
			pm := common.PeerMeta{ID: ch.NodeID, NodeID: ctx.Peer.NodeID, Role: common.RoleLearner}
			out.Peers = upsertPeer(out.Peers, pm)
		case raft.ConfRemoveNode:
			if joint {
				for i := range out.Peers {
					if out.Peers[i].ID == ch.NodeID {
						out.Peers[i].Role = common.RoleOutgoingVoter
					}
				}
			} else {
				kept := out.Peers[:0]
				for _, pm := range out.Peers {
					if pm.ID == ch.NodeID {
						if pm.ID == selfID {
							removed = true
						}
						continue
					}
					kept = append(kept, pm)
				}
				out.Peers = kept
			}
		}
	}
	return out, removed
}

func upsertPeer(peers []common.PeerMeta, pm common.PeerMeta) []common.PeerMeta {
	for i := range peers {
		if peers[i].ID == pm.ID {
			peers[i] = pm
			return peers
		}
	}
	return append(peers, pm)
}

func maxU64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
