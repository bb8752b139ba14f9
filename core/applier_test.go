// SPDX-License-Identifier: Apache-2.0
package core

import (
	"testing"
)

func TestApplyDivergenceIsFatal(t *testing.T) {
	_, sk := GenerateBLS()
	pub := PublicKey(sk.GetPublicKey().Serialize())
	n := startNode(t, t.TempDir(), sk, testGenesis(t, []PublicKey{pub}))

	ins, _ := NewRegisterDomain("looking-glass")
	pushTx(t, n, ins)
	prev, _ := n.store.GetByHeight(0)
	block, err := n.engine.ProposeBlock(1, 0, &prev.Header)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	block.Header.StateRoot = HashBytes([]byte("forged"))
	if err := n.applier.Apply(block); err != ErrStateDivergence {
		t.Fatalf("want ErrStateDivergence, got %v", err)
	}
	// The divergent block must not have touched committed state.
	if _, ok := n.state.Snapshot().Domain("looking-glass"); ok {
		t.Fatalf("diverged apply must not commit")
	}
}

func TestApplyRejectionRecordMismatch(t *testing.T) {
	_, sk := GenerateBLS()
	pub := PublicKey(sk.GetPublicKey().Serialize())
	n := startNode(t, t.TempDir(), sk, testGenesis(t, []PublicKey{pub}))

	ins, _ := NewRegisterDomain("looking-glass")
	pushTx(t, n, ins)
	prev, _ := n.store.GetByHeight(0)
	block, err := n.engine.ProposeBlock(1, 0, &prev.Header)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}

	// A forged rejection for a transaction this node executes cleanly must
	// be caught before the state advances.
	txHash, _ := block.Transactions[0].Hash()
	block.Rejections = append(block.Rejections, RejectionRecord{TxHash: txHash, Reason: "forged"})
	if err := n.applier.Apply(block); err != ErrProposalMismatch {
		t.Fatalf("want ErrProposalMismatch, got %v", err)
	}
}

func TestApplyEmitsEventsInOrder(t *testing.T) {
	_, sk := GenerateBLS()
	pub := PublicKey(sk.GetPublicKey().Serialize())
	n := startNode(t, t.TempDir(), sk, testGenesis(t, []PublicKey{pub}))

	_, ch := n.bus.Subscribe(16)

	ins, _ := NewRegisterDomain("looking-glass")
	tx := pushTx(t, n, ins)
	commitOne(t, []*testNode{n})

	txHash, _ := tx.Hash()
	var got []Event
	for len(got) < 3 {
		got = append(got, <-ch)
	}
	if got[0].Kind != EventDataCreated || got[0].Domain != "looking-glass" {
		t.Fatalf("first event must be the instruction's data event, got %+v", got[0])
	}
	if got[1].Kind != EventTransactionCommitted || got[1].TxHash != txHash {
		t.Fatalf("second event must be the transaction outcome, got %+v", got[1])
	}
	if got[2].Kind != EventBlockCommitted || got[2].Height != 1 {
		t.Fatalf("final event must be the block commit, got %+v", got[2])
	}
}

func TestApplyIsDeterministicAcrossRuns(t *testing.T) {
	_, sk := GenerateBLS()
	pub := PublicKey(sk.GetPublicKey().Serialize())
	dir := t.TempDir()
	instrs := testGenesis(t, []PublicKey{pub})

	a := startNode(t, dir, sk, instrs)
	ins, _ := NewRegisterDomain("looking-glass")
	pushTx(t, a, ins)
	mint, _ := NewMintAsset(AssetID{Definition: rose, Owner: alice}, 200)
	pushTx(t, a, mint)
	commitOne(t, []*testNode{a})

	// A second node replaying the same block sequence lands on the same
	// state root at the tip.
	b := startNode(t, a.dir, sk, nil)
	scA := a.state.BeginScratch(0)
	scB := b.state.BeginScratch(0)
	rootA, err := a.applier.stateRoot(scA)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	rootB, err := b.applier.stateRoot(scB)
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if rootA != rootB {
		t.Fatalf("replayed state diverged from live state")
	}
}

func TestPartialBlockFailureRollsBackOneTransaction(t *testing.T) {
	_, sk := GenerateBLS()
	pub := PublicKey(sk.GetPublicKey().Serialize())
	n := startNode(t, t.TempDir(), sk, testGenesis(t, []PublicKey{pub}))

	good, _ := NewRegisterDomain("looking-glass")
	pushTx(t, n, good)
	// Burning more than alice holds fails mid-transaction; the mint in the
	// same transaction must roll back with it.
	mint, _ := NewMintAsset(AssetID{Definition: rose, Owner: alice}, 100)
	burn, _ := NewBurnAsset(AssetID{Definition: rose, Owner: alice}, 500)
	kv, _ := NewSetKeyValue(alice, "note", []byte("kept"))
	badTx := pushTx(t, n, mint, burn)
	pushTx(t, n, kv)

	block := commitOne(t, []*testNode{n})

	badHash, _ := badTx.Hash()
	if _, ok := block.RejectionFor(badHash); !ok {
		t.Fatalf("failing transaction must be recorded as rejected")
	}
	snap := n.state.Snapshot()
	if _, ok := snap.Domain("looking-glass"); !ok {
		t.Fatalf("earlier transaction in the block must survive")
	}
	if _, ok := snap.Asset(AssetID{Definition: rose, Owner: alice}); ok {
		t.Fatalf("rolled-back mint must leave no balance")
	}
	acct, _ := snap.Account(alice)
	if acct.Metadata["note"] != "kept" {
		t.Fatalf("later transaction in the block must still apply")
	}
}
