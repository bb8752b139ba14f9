// SPDX-License-Identifier: Apache-2.0
package core

// consensus.go – the view-numbered BFT core: leader derivation, proposal
// construction, voting, quorum certificate assembly and the commit rule,
// plus the view-change path for a stalled or faulty leader: round-robin
// leader selection over the validator set with timer-driven view change,
// wired onto this package's TxQueue, Scratch/Applier and BLS QuorumTracker.
//
// BuildBlock is the single deterministic path from (transactions, timestamp)
// to a candidate block; the leader runs it to propose and every validator
// re-runs it bit-for-bit to decide its vote.

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ConsensusConfig mirrors the `consensus.*` configuration keys.
type ConsensusConfig struct {
	BlockTime               time.Duration
	CommitTime              time.Duration // view-change timeout if no commit lands in this window
	MaxTransactionsPerBlock int
	FuelPerTransaction      uint64
}

// LeaderOfView derives the deterministic leader for view v out of the
// current validator set: peers[v mod N] under the sorted public-key
// ordering the world state maintains.
func LeaderOfView(validators []PublicKey, view uint64) PublicKey {
	if len(validators) == 0 {
		return nil
	}
	return validators[view%uint64(len(validators))]
}

// Quorum returns 2f+1 for n = 3f+1 validators (the largest f such that
// n >= 3f+1); for n < 4 it falls back to requiring all validators, so a
// bootstrap network of fewer than four nodes still reaches consensus
// without being able to tolerate any fault.
func Quorum(n int) int {
	if n < 4 {
		return n
	}
	f := (n - 1) / 3
	return 2*f + 1
}

// round holds the mutable per-(height,view) state while it is in flight.
type round struct {
	height    uint64
	view      uint64
	proposal  *Block
	commitQC  *QuorumTracker
	viewChgQC *QuorumTracker
	timer     *time.Timer
}

// Engine drives one node's participation in consensus: it is the single
// writer of height/view, the queue it drains proposals from, and the block
// store + applier it commits into.
type Engine struct {
	mu sync.Mutex

	cfg      ConsensusConfig
	self     PublicKey
	signPriv interface{} // *bls.SecretKey
	state    *State
	queue    *TxQueue
	store    *BlockStore
	applier  *Applier
	status   *Status
	log      *logrus.Entry

	current *round

	// Broadcast is the narrow send surface the engine uses to gossip
	// proposals/votes; the OnX methods are this node's inbound path, called
	// by core/network.go when a message arrives. Keeping the two directions
	// as separate interfaces (rather than one network object the engine owns
	// and calls back into) keeps ownership between the two acyclic.
	Broadcast BroadcastFunc
}

// BroadcastFunc sends msg to every known peer; implemented by core/network.go.
type BroadcastFunc func(msg ConsensusMessage)

// ConsensusMessageKind enumerates the gossiped artifact types.
type ConsensusMessageKind uint8

const (
	MsgProposal ConsensusMessageKind = iota
	MsgVote
	MsgViewChange
	// MsgCommitted carries a fully certified block: the leader's final
	// broadcast after quorum, and the reply format for block-sync requests.
	MsgCommitted
)

// ConsensusMessage is the envelope gossiped over the network layer.
type ConsensusMessage struct {
	Kind     ConsensusMessageKind
	Proposal *Block
	Vote     *Vote
}

// NewEngine wires an engine around the given state/queue/store/applier. self
// and signPriv identify this node's validator identity for signing votes.
func NewEngine(cfg ConsensusConfig, self PublicKey, signPriv interface{}, state *State, queue *TxQueue, store *BlockStore, applier *Applier, status *Status, log *logrus.Entry) *Engine {
	return &Engine{cfg: cfg, self: self, signPriv: signPriv, state: state, queue: queue, store: store, applier: applier, status: status, log: log}
}

// Height reports the chain height this engine has committed.
func (e *Engine) Height() uint64 { return e.store.Height() }

// startRound opens bookkeeping for (height, view), arming the view-change
// timer that fires if no commit lands within block_time + commit_time.
func (e *Engine) startRound(height, view uint64, onTimeout func()) *round {
	validators := e.state.Snapshot().Validators()
	r := &round{
		height:    height,
		view:      view,
		commitQC:  NewQuorumTracker(validators, Quorum(len(validators))),
		viewChgQC: NewQuorumTracker(validators, Quorum(len(validators))),
	}
	if onTimeout != nil {
		r.timer = time.AfterFunc(e.cfg.BlockTime+e.cfg.CommitTime, onTimeout)
	}
	return r
}

// BeginRound opens bookkeeping for the next (height, view) this node
// participates in, wiring its view-change timeout to onTimeout (typically a
// broadcast of this node's view-change vote).
func (e *Engine) BeginRound(height, view uint64, onTimeout func()) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && e.current.timer != nil {
		e.current.timer.Stop()
	}
	e.current = e.startRound(height, view, onTimeout)
}

// RoundInFlight reports whether a round is currently collecting votes, so
// the driver does not restart a round whose queued transactions are still
// awaiting quorum.
func (e *Engine) RoundInFlight() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// AbandonRound drops the current round's bookkeeping without committing,
// used when a view change supersedes it. The round's transactions remain in
// the queue and return with the next proposal.
func (e *Engine) AbandonRound() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && e.current.timer != nil {
		e.current.timer.Stop()
	}
	e.current = nil
}

// BuildBlock deterministically derives the candidate block for (height,
// view) from an ordered transaction list and a timestamp: it executes the
// body against a scratch (recording rejections in drain order — rejected
// transactions stay in the body so every node converges on the same record
// of failed effects), runs matching triggers, and computes the header's
// merkle root and state root.
func (e *Engine) BuildBlock(height, view uint64, prevHeader *BlockHeader, txs []Transaction, tsMilli uint64) (*Block, error) {
	prevHash := Hash{}
	if prevHeader != nil {
		h, err := prevHeader.HeaderHash()
		if err != nil {
			return nil, err
		}
		prevHash = h
	}

	sc := e.state.BeginScratch(int64(tsMilli))
	rand := NewDeterministicRand(prevHash, fmt.Sprintf("block:%d:%d", height, view))

	events, rejections, err := e.applier.executeBody(sc, txs, height, rand)
	if err != nil {
		return nil, err
	}
	e.applier.runTriggers(sc, height, int64(tsMilli), rand, events)
	sc.height = height

	txRoot, err := ComputeTransactionsMerkleRoot(txs)
	if err != nil {
		return nil, err
	}
	stateRoot, err := e.applier.stateRoot(sc)
	if err != nil {
		return nil, err
	}

	header := BlockHeader{
		Height:                 height,
		PrevHash:               prevHash,
		TimestampUnixMilli:     tsMilli,
		TransactionsMerkleRoot: txRoot,
		StateRoot:              stateRoot,
		View:                   view,
	}
	return &Block{Header: header, Transactions: txs, Rejections: rejections}, nil
}

// ProposeBlock runs the leader's proposal algorithm for (height, view):
// drain the queue and build the candidate block at the current wall clock,
// clamped so the header timestamp never regresses below the predecessor's.
func (e *Engine) ProposeBlock(height, view uint64, prevHeader *BlockHeader) (*Block, error) {
	now := time.Now()
	ts := uint64(now.UnixMilli())
	if prevHeader != nil && ts < prevHeader.TimestampUnixMilli {
		ts = prevHeader.TimestampUnixMilli
	}

	drained := e.queue.PopForBlock(e.cfg.MaxTransactionsPerBlock, now)
	txs := make([]Transaction, len(drained))
	for i, tx := range drained {
		txs[i] = *tx
	}
	return e.BuildBlock(height, view, prevHeader, txs, ts)
}

// OnProposal is the non-leader validator's handling of a received proposal:
// verify linkage, re-run the exact same deterministic build the leader ran,
// and either return a commit vote (if every recomputed field matches
// bit-for-bit) or an error — in which case the caller withholds its vote and
// lets the view-change timer fire.
func (e *Engine) OnProposal(block *Block) (*Vote, error) {
	if block.Header.Height < e.store.Height() {
		return nil, ErrStaleHeight
	}
	var prevHeader *BlockHeader
	if block.Header.Height != 0 {
		prev, err := e.store.GetByHeight(block.Header.Height - 1)
		if err != nil {
			return nil, fmt.Errorf("core: no local block at height %d to validate against: %w", block.Header.Height-1, err)
		}
		prevHeader = &prev.Header
		if err := ValidateLinkage(prevHeader, &block.Header); err != nil {
			return nil, err
		}
	}

	recomputed, err := e.BuildBlock(block.Header.Height, block.Header.View, prevHeader, block.Transactions, block.Header.TimestampUnixMilli)
	if err != nil {
		return nil, err
	}
	wantHash, err := recomputed.Header.HeaderHash()
	if err != nil {
		return nil, err
	}
	gotHash, err := block.Hash()
	if err != nil {
		return nil, err
	}
	if wantHash != gotHash {
		return nil, ErrProposalMismatch
	}
	if err := compareRejections(recomputed.Rejections, block.Rejections); err != nil {
		return nil, err
	}

	sig, err := Sign(AlgoBLS, e.signPriv, gotHash[:])
	if err != nil {
		return nil, err
	}
	return &Vote{Kind: VoteCommit, Height: block.Header.Height, View: block.Header.View, HeaderHash: gotHash, Voter: e.self, Signature: sig}, nil
}

// SetProposal records the block the current round is voting on, so an
// arriving quorum can be attached to it.
func (e *Engine) SetProposal(block *Block) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current != nil && e.current.height == block.Header.Height && e.current.view == block.Header.View {
		e.current.proposal = block
	}
}

// OnVote records vote in the current round's quorum tracker; once 2f+1
// validators have signed the same header hash, the round's proposal is
// committed and returned so the caller can broadcast the certified block.
func (e *Engine) OnVote(vote *Vote) (*Block, error) {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r == nil || r.height != vote.Height || r.view != vote.View || r.proposal == nil {
		return nil, nil // stale or unknown round: ignore rather than error
	}

	qc, reached, err := r.commitQC.Add(vote.HeaderHash, vote.Voter, vote.Signature)
	if err != nil {
		return nil, err
	}
	if !reached {
		return nil, nil
	}

	qc.View = r.view
	block := r.proposal
	block.Certificate = qc
	if err := e.CommitBlock(block); err != nil {
		return nil, err
	}
	return block, nil
}

// CommitBlock is the canonical commit rule and the only rule by which the
// world state advances past genesis: a block with valid header linkage and a
// verifying 2f+1 quorum certificate is persisted and applied
// unconditionally. Storage or application failure here is fatal to the node.
func (e *Engine) CommitBlock(block *Block) error {
	headerHash, err := block.Hash()
	if err != nil {
		return err
	}
	validators := e.state.Snapshot().Validators()
	if err := VerifyQuorumCertificate(&block.Certificate, validators, headerHash, Quorum(len(validators))); err != nil {
		return err
	}
	if block.Header.Height > 0 {
		prev, err := e.store.GetByHeight(block.Header.Height - 1)
		if err != nil {
			return fmt.Errorf("core: no local block at height %d to link against: %w", block.Header.Height-1, err)
		}
		if err := ValidateLinkage(&prev.Header, &block.Header); err != nil {
			return err
		}
	}

	if err := e.store.Append(block); err != nil {
		return err
	}
	if err := e.applier.Apply(block); err != nil {
		return err
	}

	hashes := make([]Hash, 0, len(block.Transactions))
	for i := range block.Transactions {
		if h, err := block.Transactions[i].Hash(); err == nil {
			hashes = append(hashes, h)
		}
	}
	e.queue.RemoveCommitted(hashes, time.Now())

	if e.status != nil {
		e.status.BlockCommitted(uint64(len(block.Transactions)-len(block.Rejections)), uint64(len(block.Rejections)))
	}

	e.mu.Lock()
	if e.current != nil && e.current.height == block.Header.Height {
		if e.current.timer != nil {
			e.current.timer.Stop()
		}
		e.current = nil
	}
	e.mu.Unlock()

	if e.log != nil {
		e.log.WithFields(logrus.Fields{"height": block.Header.Height, "view": block.Header.View, "txs": len(block.Transactions)}).Info("block committed")
	}
	return nil
}

// ViewChangeVote builds this node's signed vote to abandon (height, view)
// for view+1.
func (e *Engine) ViewChangeVote(height, view uint64) (*Vote, error) {
	subject := viewChangeSubject(height, view)
	sig, err := Sign(AlgoBLS, e.signPriv, subject[:])
	if err != nil {
		return nil, err
	}
	return &Vote{Kind: VoteViewChange, Height: height, View: view, HeaderHash: subject, Voter: e.self, Signature: sig}, nil
}

// OnViewChangeVote tallies a view-change vote for (height, view); once 2f+1
// validators agree, the caller advances to view+1 and the new view's leader
// re-proposes. The chain makes no progress during view change; the queue is
// not drained.
func (e *Engine) OnViewChangeVote(vote *Vote) (bool, error) {
	e.mu.Lock()
	r := e.current
	e.mu.Unlock()
	if r == nil || r.height != vote.Height || r.view != vote.View {
		return false, nil
	}
	_, reached, err := r.viewChgQC.Add(viewChangeSubject(vote.Height, vote.View), vote.Voter, vote.Signature)
	if err != nil {
		return false, err
	}
	if reached && e.status != nil {
		e.status.ViewChanged()
	}
	return reached, nil
}

func viewChangeSubject(height, view uint64) Hash {
	return HashBytes([]byte(fmt.Sprintf("viewchange:%d:%d", height, view)))
}
