// SPDX-License-Identifier: Apache-2.0
package core

// status.go – the node's running counters behind the gateway's get-status
// contract: peers, blocks, transactions accepted/rejected, view changes,
// uptime and queue depth. Consensus bumps the block, transaction and
// view-change counters, and the node entrypoint refreshes the peer count from
// the network; nothing in this module calls TxRejected, so refusals at the
// queue boundary are not counted. Report assembles one consistent snapshot.

import (
	"sync/atomic"
	"time"
)

// Status aggregates a node's liveness counters. All fields are updated with
// atomics so any subsystem can bump them without coordination.
type Status struct {
	startedAt time.Time

	peers       atomic.Int64
	blocks      atomic.Uint64
	txAccepted  atomic.Uint64
	txRejected  atomic.Uint64
	viewChanges atomic.Uint64
}

// NewStatus starts the uptime clock.
func NewStatus() *Status {
	return &Status{startedAt: time.Now()}
}

// BlockCommitted records one committed block with its accepted and rejected
// transaction counts.
func (s *Status) BlockCommitted(accepted, rejected uint64) {
	s.blocks.Add(1)
	s.txAccepted.Add(accepted)
	s.txRejected.Add(rejected)
}

// TxRejected records a transaction refused at the queue boundary, before it
// ever reached a block.
func (s *Status) TxRejected() { s.txRejected.Add(1) }

// ViewChanged records one completed view change.
func (s *Status) ViewChanged() { s.viewChanges.Add(1) }

// PeerConnected / PeerDisconnected track the live peer count; SetPeers
// overwrites it for callers that poll the transport instead.
func (s *Status) PeerConnected()    { s.peers.Add(1) }
func (s *Status) PeerDisconnected() { s.peers.Add(-1) }
func (s *Status) SetPeers(n int64)  { s.peers.Store(n) }

// StatusReport is the get-status response shape.
type StatusReport struct {
	Peers         int64  `json:"peers"`
	Blocks        uint64 `json:"blocks"`
	TxAccepted    uint64 `json:"txs_accepted"`
	TxRejected    uint64 `json:"txs_rejected"`
	ViewChanges   uint64 `json:"view_changes"`
	UptimeSeconds uint64 `json:"uptime"`
	QueueSize     int    `json:"queue_size"`
}

// Report assembles the current counters; queueSize comes from the queue
// because depth is its own live property, not an accumulated counter.
func (s *Status) Report(queueSize int) StatusReport {
	return StatusReport{
		Peers:         s.peers.Load(),
		Blocks:        s.blocks.Load(),
		TxAccepted:    s.txAccepted.Load(),
		TxRejected:    s.txRejected.Load(),
		ViewChanges:   s.viewChanges.Load(),
		UptimeSeconds: uint64(time.Since(s.startedAt).Seconds()),
		QueueSize:     queueSize,
	}
}
