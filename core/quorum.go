// SPDX-License-Identifier: Apache-2.0
package core

// quorum.go – vote collection for one (height, view): bitmap/threshold
// accounting over the validator set with first-signature-wins double-vote
// handling (a validator's second, conflicting vote is ignored; no slashing),
// aggregated into one BLS signature (crypto.go) instead of per-validator
// ed25519 sigs.

import (
	"fmt"
	"sync"
)

// VoteKind distinguishes a commit vote over a proposed header from a
// view-change vote, which are tallied independently.
type VoteKind uint8

const (
	VoteCommit VoteKind = iota
	VoteViewChange
)

// Vote is one validator's signed assent to either a proposed block header or
// a view change.
type Vote struct {
	Kind      VoteKind
	Height    uint64
	View      uint64
	HeaderHash Hash // meaningful for VoteCommit
	Voter     PublicKey
	Signature []byte
}

// QuorumTracker accumulates votes for a single (height, view, kind) round and
// reports once 2f+1 of the known validator set have signed the same subject.
type QuorumTracker struct {
	mu         sync.Mutex
	validators []PublicKey // deterministic order, defines the signer bitmap
	threshold  int         // 2f+1

	// seen maps a voter's index to the subject hash they signed first;
	// a later vote for a different subject from the same voter is dropped.
	seen map[int]Hash
	sigs map[int][]byte

	// bySubject groups voter indices by which hash they signed, so we can
	// tell as soon as any one subject crosses threshold.
	bySubject map[Hash][]int
}

// NewQuorumTracker builds a tracker over validators (in deterministic
// public-key order) requiring threshold distinct signers to reach quorum.
func NewQuorumTracker(validators []PublicKey, threshold int) *QuorumTracker {
	return &QuorumTracker{
		validators: validators,
		threshold:  threshold,
		seen:       make(map[int]Hash),
		sigs:       make(map[int][]byte),
		bySubject:  make(map[Hash][]int),
	}
}

func (q *QuorumTracker) indexOf(pub PublicKey) (int, bool) {
	for i, v := range q.validators {
		if v.Equal(pub) {
			return i, true
		}
	}
	return 0, false
}

// Add records one vote. It returns the signatures and signer bitmap for
// subject if this vote just brought it to quorum, else ok is false. A
// second vote from a voter who already voted for a different subject in
// this round is ignored (first-signature-wins, see file doc comment).
func (q *QuorumTracker) Add(subject Hash, voter PublicKey, sig []byte) (cert QuorumCertificate, reached bool, err error) {
	idx, ok := q.indexOf(voter)
	if !ok {
		return QuorumCertificate{}, false, fmt.Errorf("core: vote from unknown validator %s", voter.String())
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if prior, voted := q.seen[idx]; voted {
		if prior != subject {
			return QuorumCertificate{}, false, nil // conflicting second vote: ignored, no error surfaced
		}
		return QuorumCertificate{}, false, nil // duplicate vote for the same subject: no-op
	}
	q.seen[idx] = subject
	q.sigs[idx] = sig
	q.bySubject[subject] = append(q.bySubject[subject], idx)

	signers := q.bySubject[subject]
	if len(signers) != q.threshold {
		return QuorumCertificate{}, false, nil
	}

	bitmap := make([]byte, 0, (len(q.validators)+7)/8)
	sigs := make([][]byte, 0, len(signers))
	for _, i := range signers {
		bitmap = setBit(bitmap, i)
		sigs = append(sigs, q.sigs[i])
	}
	agg, err := AggregateBLSSigs(sigs)
	if err != nil {
		return QuorumCertificate{}, false, err
	}
	return QuorumCertificate{SignerBitmap: bitmap, AggregateSignature: agg}, true, nil
}

// Count reports how many distinct validators have voted so far this round,
// regardless of subject (used for view-change timeout diagnostics).
func (q *QuorumTracker) Count() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.seen)
}

// VerifyQuorumCertificate checks that qc carries at least threshold
// signatures from validators (in their deterministic order) over headerHash.
func VerifyQuorumCertificate(qc *QuorumCertificate, validators []PublicKey, headerHash Hash, threshold int) error {
	if qc.NumSigners() < threshold {
		return ErrQuorumNotReached
	}
	var signers []PublicKey
	for i, v := range validators {
		if bitSet(qc.SignerBitmap, i) {
			signers = append(signers, v)
		}
	}
	ok, err := VerifyAggregated(qc.AggregateSignature, signers, headerHash[:])
	if err != nil {
		return err
	}
	if !ok {
		return ErrQuorumNotReached
	}
	return nil
}
