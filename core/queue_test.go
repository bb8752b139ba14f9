// SPDX-License-Identifier: Apache-2.0
package core

import (
	"errors"
	"testing"
	"time"
)

//-------------------------------------------------------------
// Helpers
//-------------------------------------------------------------

func queueTx(t *testing.T, sender AccountID, createdAt time.Time, nonce string) *Transaction {
	t.Helper()
	ins, err := NewSetKeyValue(sender, "nonce", []byte(nonce))
	if err != nil {
		t.Fatalf("build instruction: %v", err)
	}
	return &Transaction{
		ChainID:            "0",
		Sender:             sender,
		CreatedAtUnixMilli: uint64(createdAt.UnixMilli()),
		TTLSeconds:         300,
		Instructions:       []Instruction{ins},
	}
}

func testQueue(cfg QueueConfig) *TxQueue {
	if cfg.TxTTL == 0 {
		cfg.TxTTL = 5 * time.Minute
	}
	if cfg.FutureThreshold == 0 {
		cfg.FutureThreshold = time.Minute
	}
	return NewTxQueue(cfg)
}

var (
	alice = AccountID{Name: "alice", Domain: "wonderland"}
	bob   = AccountID{Name: "bob", Domain: "wonderland"}
)

//-------------------------------------------------------------
// Admission
//-------------------------------------------------------------

func TestQueuePushAdmission(t *testing.T) {
	now := time.Now()
	q := testQueue(QueueConfig{Max: 10, MaxPerUser: 5})

	tests := []struct {
		name    string
		tx      *Transaction
		chainID string
		want    RejectionReason
		wantErr error
	}{
		{"Accepted", queueTx(t, alice, now, "a"), "0", "", nil},
		{"ChainMismatch", queueTx(t, alice, now, "b"), "1", RejectChainID, ErrChainIDMismatch},
		{"Future", queueTx(t, alice, now.Add(10*time.Minute), "c"), "0", RejectFuture, ErrTransactionFuture},
		{"Expired", queueTx(t, alice, now.Add(-time.Hour), "d"), "0", RejectExpired, ErrTransactionStale},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			reason, err := q.Push(tc.tx, now, tc.chainID, nil)
			if reason != tc.want {
				t.Fatalf("reason=%q want %q", reason, tc.want)
			}
			if tc.wantErr != nil && !errors.Is(err, tc.wantErr) {
				t.Fatalf("err=%v want %v", err, tc.wantErr)
			}
		})
	}

	// The chain-id mismatch must never have entered the queue.
	if q.Len() != 1 {
		t.Fatalf("queue depth %d, want 1", q.Len())
	}
}

func TestQueueRejectsBadSignature(t *testing.T) {
	now := time.Now()
	q := testQueue(QueueConfig{Max: 10, MaxPerUser: 5})
	deny := func(tx *Transaction) error { return ErrBadSignature }

	reason, err := q.Push(queueTx(t, alice, now, "a"), now, "0", deny)
	if reason != RejectBadSignature || !errors.Is(err, ErrBadSignature) {
		t.Fatalf("got (%q, %v), want bad signature rejection", reason, err)
	}
	if q.Len() != 0 {
		t.Fatalf("rejected tx must not be queued")
	}
}

func TestQueueDuplicateAndCommitted(t *testing.T) {
	now := time.Now()
	q := testQueue(QueueConfig{Max: 10, MaxPerUser: 5})
	tx := queueTx(t, alice, now, "a")

	if reason, _ := q.Push(tx, now, "0", nil); reason != "" {
		t.Fatalf("first push rejected: %q", reason)
	}
	if reason, _ := q.Push(tx, now, "0", nil); reason != RejectDuplicate {
		t.Fatalf("duplicate push: reason=%q", reason)
	}

	h, err := tx.Hash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	q.RemoveCommitted([]Hash{h}, now)
	if q.Len() != 0 {
		t.Fatalf("committed tx must leave the queue")
	}
	if reason, _ := q.Push(tx, now, "0", nil); reason != RejectAlreadyCommitted {
		t.Fatalf("resubmission after commit: reason=%q", reason)
	}
}

func TestQueueCapacity(t *testing.T) {
	now := time.Now()
	q := testQueue(QueueConfig{Max: 3, MaxPerUser: 2})

	if r, _ := q.Push(queueTx(t, alice, now, "1"), now, "0", nil); r != "" {
		t.Fatalf("push 1: %q", r)
	}
	if r, _ := q.Push(queueTx(t, alice, now, "2"), now, "0", nil); r != "" {
		t.Fatalf("push 2: %q", r)
	}
	if r, _ := q.Push(queueTx(t, alice, now, "3"), now, "0", nil); r != RejectSenderCapacity {
		t.Fatalf("per-sender cap: reason=%q", r)
	}
	if r, _ := q.Push(queueTx(t, bob, now, "4"), now, "0", nil); r != "" {
		t.Fatalf("bob push: %q", r)
	}
	if r, _ := q.Push(queueTx(t, bob, now, "5"), now, "0", nil); r != RejectQueueCapacity {
		t.Fatalf("total cap: reason=%q", r)
	}
}

//-------------------------------------------------------------
// Draining
//-------------------------------------------------------------

func TestQueuePopForBlockOrderAndTTL(t *testing.T) {
	now := time.Now()
	q := testQueue(QueueConfig{Max: 10, MaxPerUser: 10})

	fresh1 := queueTx(t, alice, now, "1")
	stale := queueTx(t, alice, now.Add(-time.Minute), "2")
	stale.TTLSeconds = 1
	fresh2 := queueTx(t, alice, now, "3")

	for _, tx := range []*Transaction{fresh1, stale, fresh2} {
		if r, _ := q.Push(tx, tx.CreatedAt(), "0", nil); r != "" {
			t.Fatalf("push: %q", r)
		}
	}

	got := q.PopForBlock(10, now)
	if len(got) != 2 {
		t.Fatalf("drained %d, want 2 (stale skipped)", len(got))
	}
	h1, _ := got[0].Hash()
	w1, _ := fresh1.Hash()
	if h1 != w1 {
		t.Fatalf("insertion order violated")
	}
	// The stale tx is gone; the drained ones stay queued until they commit.
	if q.Len() != 2 {
		t.Fatalf("queue depth %d, want 2 (drained txs remain until commit)", q.Len())
	}
}

func TestQueuePopForBlockLimitKeepsRemainder(t *testing.T) {
	now := time.Now()
	q := testQueue(QueueConfig{Max: 10, MaxPerUser: 10})
	for i := 0; i < 5; i++ {
		tx := queueTx(t, alice, now, string(rune('a'+i)))
		if r, _ := q.Push(tx, now, "0", nil); r != "" {
			t.Fatalf("push %d: %q", i, r)
		}
	}
	got := q.PopForBlock(2, now)
	if len(got) != 2 || q.Len() != 5 {
		t.Fatalf("drained %d depth %d, want 2/5", len(got), q.Len())
	}
}

//-------------------------------------------------------------
// Fairness: senders within their caps each make progress
//-------------------------------------------------------------

func TestQueueFairnessUnderSaturation(t *testing.T) {
	now := time.Now()
	q := testQueue(QueueConfig{Max: 6, MaxPerUser: 3})

	for i := 0; i < 3; i++ {
		if r, _ := q.Push(queueTx(t, alice, now, string(rune('a'+i))), now, "0", nil); r != "" {
			t.Fatalf("alice push: %q", r)
		}
		if r, _ := q.Push(queueTx(t, bob, now, string(rune('a'+i))), now, "0", nil); r != "" {
			t.Fatalf("bob push: %q", r)
		}
	}

	seen := map[string]bool{}
	for _, tx := range q.PopForBlock(2, now) {
		seen[tx.Sender.String()] = true
	}
	if !seen[alice.String()] || !seen[bob.String()] {
		t.Fatalf("both senders must appear in the first drain, got %v", seen)
	}
}

func TestQueueObserveRejectionFreesSlot(t *testing.T) {
	now := time.Now()
	q := testQueue(QueueConfig{Max: 10, MaxPerUser: 1})
	tx := queueTx(t, alice, now, "a")
	if r, _ := q.Push(tx, now, "0", nil); r != "" {
		t.Fatalf("push: %q", r)
	}
	h, _ := tx.Hash()
	q.ObserveRejection(h, RejectExecutorDenied)
	if q.Len() != 0 {
		t.Fatalf("rejected tx must leave the queue")
	}
	if r, _ := q.Push(queueTx(t, alice, now, "b"), now, "0", nil); r != "" {
		t.Fatalf("sender slot not freed: %q", r)
	}
}

//-------------------------------------------------------------
// Drained transactions survive an abandoned proposal
//-------------------------------------------------------------

func TestQueueDrainedTxReturnsToCandidacy(t *testing.T) {
	now := time.Now()
	q := testQueue(QueueConfig{Max: 10, MaxPerUser: 10})

	tx1 := queueTx(t, alice, now, "1")
	tx2 := queueTx(t, alice, now, "2")
	for _, tx := range []*Transaction{tx1, tx2} {
		if r, _ := q.Push(tx, now, "0", nil); r != "" {
			t.Fatalf("push: %q", r)
		}
	}

	first := q.PopForBlock(10, now)
	if len(first) != 2 {
		t.Fatalf("first drain: %d", len(first))
	}

	// The proposal built from the first drain never commits (view change);
	// a second drain must offer the same transactions again.
	second := q.PopForBlock(10, now)
	if len(second) != 2 {
		t.Fatalf("abandoned proposal's txs must return to candidacy, got %d", len(second))
	}

	// Committing one removes exactly it; the other stays a candidate.
	h1, _ := tx1.Hash()
	q.RemoveCommitted([]Hash{h1}, now)
	third := q.PopForBlock(10, now)
	if len(third) != 1 {
		t.Fatalf("post-commit drain: %d, want 1", len(third))
	}
	h3, _ := third[0].Hash()
	h2, _ := tx2.Hash()
	if h3 != h2 {
		t.Fatalf("wrong tx survived the commit")
	}
}

//-------------------------------------------------------------
// Committed-hash index eviction
//-------------------------------------------------------------

func TestQueueCommittedIndexEviction(t *testing.T) {
	now := time.Now()
	q := testQueue(QueueConfig{Max: 10, MaxPerUser: 10, TxTTL: time.Minute, FutureThreshold: time.Minute})

	tx := queueTx(t, alice, now, "a")
	if r, _ := q.Push(tx, now, "0", nil); r != "" {
		t.Fatalf("push: %q", r)
	}
	h, _ := tx.Hash()
	q.RemoveCommitted([]Hash{h}, now)

	// Inside the dedup window a resubmission is caught by the index.
	if r, _ := q.Push(tx, now, "0", nil); r != RejectAlreadyCommitted {
		t.Fatalf("within window: reason=%q", r)
	}
	if len(q.committed) != 1 {
		t.Fatalf("index size %d, want 1", len(q.committed))
	}

	// A later commit past the window evicts the stale entry; by then any
	// replay of the old tx is already rejected as expired.
	later := now.Add(3 * time.Minute)
	q.RemoveCommitted(nil, later)
	if len(q.committed) != 0 {
		t.Fatalf("stale index entries must be evicted, size %d", len(q.committed))
	}
	if r, _ := q.Push(tx, later, "0", nil); r != RejectExpired {
		t.Fatalf("replay past the window: reason=%q", r)
	}
}

//-------------------------------------------------------------
// Rejection accounting
//-------------------------------------------------------------

func TestQueueObserveRejectionCountsReason(t *testing.T) {
	now := time.Now()
	q := testQueue(QueueConfig{Max: 10, MaxPerUser: 10})

	tx := queueTx(t, alice, now, "a")
	if r, _ := q.Push(tx, now, "0", nil); r != "" {
		t.Fatalf("push: %q", r)
	}
	h, _ := tx.Hash()
	q.ObserveRejection(h, RejectExecutorDenied)
	q.ObserveRejection(HashBytes([]byte("never queued")), RejectInstructionFailed)

	counts := q.RejectionCounts()
	if counts[RejectExecutorDenied] != 1 || counts[RejectInstructionFailed] != 1 {
		t.Fatalf("rejection counts %v", counts)
	}
}
