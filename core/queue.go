// SPDX-License-Identifier: Apache-2.0
package core

// queue.go – the bounded, per-sender-fair transaction queue: a
// mutex-guarded lookup map plus an insertion-order slice, with admission
// checks at push time and TTL-based discard at drain time. A drained
// transaction stays queued until a committed block carries it (or it is
// explicitly rejected or expires), so a proposal abandoned by view change
// returns its transactions to candidacy instead of losing them.

import (
	"sync"
	"time"
)

// RejectionReason enumerates why push/pop discarded a transaction, used both
// for the synchronous push() return and for observe_rejection's recorded
// reason.
type RejectionReason string

const (
	RejectBadSignature    RejectionReason = "bad_signature"
	RejectChainID         RejectionReason = "chain_id_mismatch"
	RejectFuture          RejectionReason = "creation_time_in_future"
	RejectExpired         RejectionReason = "ttl_expired"
	RejectSenderCapacity  RejectionReason = "sender_at_capacity"
	RejectQueueCapacity   RejectionReason = "queue_at_capacity"
	RejectDuplicate       RejectionReason = "duplicate_hash"
	RejectAlreadyCommitted RejectionReason = "already_committed"
	RejectExecutorDenied  RejectionReason = "executor_denied"
	RejectInstructionFailed RejectionReason = "instruction_failed"
)

// QueueConfig mirrors the `queue.*` configuration keys.
type QueueConfig struct {
	Max             int
	MaxPerUser      int
	TxTTL           time.Duration
	FutureThreshold time.Duration
}

type queuedTx struct {
	tx       *Transaction
	hash     Hash
	sender   string
	insertedAt time.Time
}

// TxQueue is the single-writer-from-gateway, single-reader-from-consensus
// pending-transaction buffer. FIFO within a sender; total order across
// senders is unspecified.
type TxQueue struct {
	mu   sync.Mutex
	cfg  QueueConfig
	order []*queuedTx
	byHash map[Hash]*queuedTx
	perSender map[string]int
	// committed is a recent-hashes index of committed transaction hashes,
	// consulted by push so a transaction cannot re-enter the queue after
	// having already been included in a committed block. Each entry carries
	// its commit time; entries older than the dedup window (the configured
	// TxTTL plus the future threshold, past which any resubmission is
	// rejected as expired anyway) are evicted on later commits.
	committed map[Hash]time.Time
	// rejections counts transactions dropped through ObserveRejection, by
	// reason, for status reporting.
	rejections map[RejectionReason]uint64
}

// NewTxQueue builds an empty queue with the given admission configuration.
func NewTxQueue(cfg QueueConfig) *TxQueue {
	return &TxQueue{
		cfg:        cfg,
		byHash:     make(map[Hash]*queuedTx),
		perSender:  make(map[string]int),
		committed:  make(map[Hash]time.Time),
		rejections: make(map[RejectionReason]uint64),
	}
}

// VerifierFunc checks a transaction's signatures against the account it
// claims to be from; the queue calls this but owns no world-state reference
// itself.
type VerifierFunc func(tx *Transaction) error

// Push attempts to admit tx, returning a RejectionReason if it is refused.
// An empty reason string with a nil error means the transaction was queued.
func (q *TxQueue) Push(tx *Transaction, now time.Time, chainID string, verify VerifierFunc) (RejectionReason, error) {
	hash, err := tx.Hash()
	if err != nil {
		return RejectBadSignature, err
	}
	if tx.ChainID != chainID {
		return RejectChainID, ErrChainIDMismatch
	}
	if tx.TooFarInFuture(now, q.cfg.FutureThreshold) {
		return RejectFuture, ErrTransactionFuture
	}
	if q.expired(tx, now) {
		return RejectExpired, ErrTransactionStale
	}
	if verify != nil {
		if err := verify(tx); err != nil {
			return RejectBadSignature, err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.committed[hash]; ok {
		return RejectAlreadyCommitted, ErrAlreadyCommitted
	}
	if _, ok := q.byHash[hash]; ok {
		return RejectDuplicate, ErrDuplicateTx
	}
	sender := tx.Sender.String()
	if q.cfg.MaxPerUser > 0 && q.perSender[sender] >= q.cfg.MaxPerUser {
		return RejectSenderCapacity, ErrSenderQueueFull
	}
	if q.cfg.Max > 0 && len(q.order) >= q.cfg.Max {
		return RejectQueueCapacity, ErrQueueFull
	}

	qt := &queuedTx{tx: tx, hash: hash, sender: sender, insertedAt: now}
	q.order = append(q.order, qt)
	q.byHash[hash] = qt
	q.perSender[sender]++
	return "", nil
}

// expired reports whether tx has outlived its own TTL or the configured
// cap, which bounds how long any transaction may claim to live regardless
// of the ttl it carries.
func (q *TxQueue) expired(tx *Transaction, now time.Time) bool {
	if tx.Expired(now) {
		return true
	}
	return q.cfg.TxTTL > 0 && now.Sub(tx.CreatedAt()) > q.cfg.TxTTL
}

// PopForBlock returns up to limit transactions in insertion order,
// discarding any whose TTL has expired relative to now. Selected
// transactions stay queued: they leave only through RemoveCommitted (the
// proposal built from them committed), ObserveRejection, or a later expiry
// sweep — so a proposal that never reaches quorum does not lose them.
func (q *TxQueue) PopForBlock(limit int, now time.Time) []*Transaction {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*Transaction, 0, limit)
	kept := make([]*queuedTx, 0, len(q.order))
	for _, qt := range q.order {
		if q.expired(qt.tx, now) {
			q.deleteLocked(qt)
			continue
		}
		kept = append(kept, qt)
		if len(out) < limit {
			out = append(out, qt.tx)
		}
	}
	q.order = kept
	return out
}

// deleteLocked removes qt from all indices; caller holds q.mu.
func (q *TxQueue) deleteLocked(qt *queuedTx) {
	delete(q.byHash, qt.hash)
	q.perSender[qt.sender]--
	if q.perSender[qt.sender] <= 0 {
		delete(q.perSender, qt.sender)
	}
}

// dedupWindow is how long a committed hash must stay indexed: past the
// configured TxTTL plus the admission future threshold, any resubmission is
// rejected as expired before the index is consulted. A zero TxTTL disables
// eviction (transactions may then carry arbitrary TTLs).
func (q *TxQueue) dedupWindow() time.Duration {
	if q.cfg.TxTTL <= 0 {
		return 0
	}
	return q.cfg.TxTTL + q.cfg.FutureThreshold
}

// RemoveCommitted drops hashes that just committed and records them so a
// resubmission is rejected as already-committed, then evicts index entries
// old enough that expiry alone rejects a replay.
func (q *TxQueue) RemoveCommitted(hashes []Hash, now time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, h := range hashes {
		if qt, ok := q.byHash[h]; ok {
			q.deleteLocked(qt)
			q.removeFromOrderLocked(h)
		}
		q.committed[h] = now
	}
	if window := q.dedupWindow(); window > 0 {
		for h, at := range q.committed {
			if now.Sub(at) > window {
				delete(q.committed, h)
			}
		}
	}
}

func (q *TxQueue) removeFromOrderLocked(h Hash) {
	for i, qt := range q.order {
		if qt.hash == h {
			q.order = append(q.order[:i], q.order[i+1:]...)
			return
		}
	}
}

// ObserveRejection removes hash from the queue (if still present) and
// records reason in the per-reason rejection counters, so the sender's slot
// frees up immediately rather than waiting for TTL.
func (q *TxQueue) ObserveRejection(h Hash, reason RejectionReason) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if qt, ok := q.byHash[h]; ok {
		q.deleteLocked(qt)
		q.removeFromOrderLocked(h)
	}
	q.rejections[reason]++
}

// RejectionCounts returns a copy of the per-reason counters ObserveRejection
// has accumulated, for status reporting.
func (q *TxQueue) RejectionCounts() map[RejectionReason]uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[RejectionReason]uint64, len(q.rejections))
	for k, v := range q.rejections {
		out[k] = v
	}
	return out
}

// Len reports the current queue depth (status.go's queue-size field).
func (q *TxQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// SetQueueConfig replaces the queue's admission limits under its lock.
// Nothing in this module calls it: a committed SetParameter instruction does
// not change a running queue's limits.
func (q *TxQueue) SetQueueConfig(cfg QueueConfig) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cfg = cfg
}
