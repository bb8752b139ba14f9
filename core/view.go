// SPDX-License-Identifier: Apache-2.0
package core

// view.go – the per-node consensus driver: advances the leader's proposal
// machine (Idle -> Proposing -> AwaitingVotes -> Committing) and the
// validator's listening loop from network messages and timers, falls back to
// view change when a round stalls, and catches a lagging node up through
// block-sync before it participates again.

import (
	"context"
	"sync"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/sirupsen/logrus"
)

// Driver owns one node's view number and turns Engine + Network into a
// running consensus participant.
type Driver struct {
	engine *Engine
	net    *Network
	snaps  *SnapshotWriter
	log    *logrus.Entry

	mu   sync.Mutex
	view uint64

	stop chan struct{}
	wg   sync.WaitGroup
}

// NewDriver wires a driver; net and snaps may be nil (single-node or test
// operation).
func NewDriver(engine *Engine, net *Network, snaps *SnapshotWriter, log *logrus.Entry) *Driver {
	return &Driver{engine: engine, net: net, snaps: snaps, log: log, stop: make(chan struct{})}
}

// View reports the current view number.
func (d *Driver) View() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.view
}

// Run subscribes to the network and drives rounds until ctx is cancelled or
// Stop is called. In-flight block application is never cancelled: the
// current round finishes committing (or halts the node) before Run returns.
func (d *Driver) Run(ctx context.Context) {
	if d.net != nil {
		d.net.OnMessage(d.handle)
		d.net.OnSyncRequest(d.handleSyncRequest)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ticker := time.NewTicker(d.engine.cfg.BlockTime)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-d.stop:
				return
			case <-ticker.C:
				d.tick()
			}
		}
	}()
}

// Stop ends the run loop and waits for it to drain.
func (d *Driver) Stop() {
	close(d.stop)
	d.wg.Wait()
}

// tick fires once per block time: the leader of the current view proposes if
// it has anything to propose, and every node takes the periodic snapshot at
// a configured boundary.
func (d *Driver) tick() {
	height := d.engine.Height()
	snap := d.engine.state.Snapshot()
	validators := snap.Validators()
	if len(validators) == 0 {
		return
	}

	if d.snaps != nil && d.snaps.ShouldSnapshot(height) {
		if err := d.snaps.Write(snap); err != nil && d.log != nil {
			d.log.WithError(err).Warn("snapshot write failed")
		}
	}

	d.mu.Lock()
	view := d.view
	d.mu.Unlock()

	leader := LeaderOfView(validators, view)
	if !leader.Equal(d.engine.self) {
		return
	}
	if d.engine.RoundInFlight() {
		return // previous proposal still collecting votes
	}
	if d.engine.queue.Len() == 0 {
		return
	}

	prev, err := d.engine.store.GetByHeight(height - 1)
	if err != nil {
		return
	}
	block, err := d.engine.ProposeBlock(height, view, &prev.Header)
	if err != nil {
		if d.log != nil {
			d.log.WithError(err).Error("proposal construction failed")
		}
		return
	}

	d.engine.BeginRound(height, view, func() { d.requestViewChange(height, view) })
	d.engine.SetProposal(block)
	d.broadcast(ConsensusMessage{Kind: MsgProposal, Proposal: block})

	// The leader's own vote counts toward quorum like any other.
	vote, err := d.engine.OnProposal(block)
	if err != nil {
		if d.log != nil {
			d.log.WithError(err).Error("leader failed to vote on own proposal")
		}
		return
	}
	d.broadcast(ConsensusMessage{Kind: MsgVote, Vote: vote})
	d.recordVote(vote)
}

// handle is the inbound dispatch for every consensus message off the wire.
func (d *Driver) handle(msg ConsensusMessage, from peer.ID) {
	switch msg.Kind {
	case MsgProposal:
		d.onProposal(msg.Proposal)
	case MsgVote:
		if msg.Vote != nil && msg.Vote.Kind == VoteCommit {
			d.recordVote(msg.Vote)
		}
	case MsgViewChange:
		if msg.Vote != nil {
			d.onViewChangeVote(msg.Vote)
		}
	case MsgCommitted:
		d.onCommitted(msg.Proposal)
	}
}

func (d *Driver) onProposal(block *Block) {
	if block == nil {
		return
	}
	height := d.engine.Height()
	if block.Header.Height > height {
		// We lag: ask peers for the missing prefix before voting on
		// anything. The proposal is dropped, not queued; the leader's final
		// certified broadcast will cover this height.
		d.requestSync(height)
		return
	}
	if block.Header.Height < height {
		return // height already committed locally, late arrival
	}

	d.mu.Lock()
	view := d.view
	d.mu.Unlock()
	if block.Header.View != view {
		return
	}
	leader := LeaderOfView(d.engine.state.Snapshot().Validators(), view)
	if leader == nil {
		return
	}

	d.engine.BeginRound(block.Header.Height, view, func() { d.requestViewChange(block.Header.Height, view) })
	d.engine.SetProposal(block)

	vote, err := d.engine.OnProposal(block)
	if err != nil {
		if d.log != nil {
			d.log.WithError(err).Warn("withholding vote on proposal")
		}
		return
	}
	d.broadcast(ConsensusMessage{Kind: MsgVote, Vote: vote})
	d.recordVote(vote)
}

// recordVote feeds a commit vote into the engine; if it completes a quorum
// the engine commits the block and the certified result is rebroadcast so
// nodes that missed votes still converge.
func (d *Driver) recordVote(vote *Vote) {
	committed, err := d.engine.OnVote(vote)
	if err != nil {
		if d.log != nil {
			d.log.WithError(err).Error("commit failed")
		}
		return
	}
	if committed != nil {
		d.broadcast(ConsensusMessage{Kind: MsgCommitted, Proposal: committed})
	}
}

// onCommitted handles a fully certified block: the leader's final broadcast,
// or a block-sync reply. The certificate alone authorizes the commit.
func (d *Driver) onCommitted(block *Block) {
	if block == nil {
		return
	}
	height := d.engine.Height()
	switch {
	case block.Header.Height < height:
		return // duplicate of an already committed height
	case block.Header.Height > height:
		d.requestSync(height)
		return
	}
	if err := d.engine.CommitBlock(block); err != nil {
		if d.log != nil {
			d.log.WithError(err).WithField("height", block.Header.Height).Warn("rejected certified block")
		}
	}
}

// requestViewChange fires when the round timer elapses without a commit:
// broadcast (and self-record) this node's vote for view+1.
func (d *Driver) requestViewChange(height, view uint64) {
	vote, err := d.engine.ViewChangeVote(height, view)
	if err != nil {
		return
	}
	if d.log != nil {
		d.log.WithFields(logrus.Fields{"height": height, "view": view}).Warn("round timed out, requesting view change")
	}
	d.broadcast(ConsensusMessage{Kind: MsgViewChange, Vote: vote})
	d.onViewChangeVote(vote)
}

func (d *Driver) onViewChangeVote(vote *Vote) {
	reached, err := d.engine.OnViewChangeVote(vote)
	if err != nil || !reached {
		return
	}
	d.mu.Lock()
	if vote.View == d.view {
		d.view = vote.View + 1
	}
	view := d.view
	d.mu.Unlock()
	// The abandoned round's transactions are still queued; the new view's
	// leader re-proposes them on its next tick.
	d.engine.AbandonRound()
	if d.log != nil {
		d.log.WithField("view", view).Info("advanced to new view")
	}
}

func (d *Driver) requestSync(from uint64) {
	if d.net == nil {
		return
	}
	if err := d.net.RequestSync(from); err != nil && d.log != nil {
		d.log.WithError(err).Warn("block-sync request failed")
	}
}

// handleSyncRequest answers a lagging peer with every certified block from
// its requested height onward.
func (d *Driver) handleSyncRequest(req SyncRequest, from peer.ID) {
	err := d.engine.store.Iterate(req.From, func(b *Block) (bool, error) {
		d.broadcast(ConsensusMessage{Kind: MsgCommitted, Proposal: b})
		return true, nil
	})
	if err != nil && d.log != nil {
		d.log.WithError(err).Warn("block-sync reply failed")
	}
}

func (d *Driver) broadcast(msg ConsensusMessage) {
	if d.net != nil {
		d.net.Broadcast(msg)
	} else if d.engine.Broadcast != nil {
		d.engine.Broadcast(msg)
	}
}
