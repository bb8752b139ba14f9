// SPDX-License-Identifier: Apache-2.0
package core

import "testing"

func TestHeaderHashCoversEveryField(t *testing.T) {
	base := BlockHeader{
		Height: 1, PrevHash: HashBytes([]byte("prev")),
		TimestampUnixMilli: 1000, TransactionsMerkleRoot: HashBytes([]byte("txs")),
		StateRoot: HashBytes([]byte("state")), View: 0,
	}
	baseHash, err := base.HeaderHash()
	if err != nil {
		t.Fatalf("hash: %v", err)
	}

	mutations := []func(h *BlockHeader){
		func(h *BlockHeader) { h.Height++ },
		func(h *BlockHeader) { h.PrevHash = HashBytes([]byte("other")) },
		func(h *BlockHeader) { h.TimestampUnixMilli++ },
		func(h *BlockHeader) { h.TransactionsMerkleRoot = HashBytes([]byte("other")) },
		func(h *BlockHeader) { h.StateRoot = HashBytes([]byte("other")) },
		func(h *BlockHeader) { h.View++ },
	}
	for i, mutate := range mutations {
		h := base
		mutate(&h)
		got, err := h.HeaderHash()
		if err != nil {
			t.Fatalf("hash %d: %v", i, err)
		}
		if got == baseHash {
			t.Fatalf("mutation %d did not change the header hash", i)
		}
	}
}

func TestValidateLinkage(t *testing.T) {
	prev := BlockHeader{Height: 4, TimestampUnixMilli: 2000}
	prevHash, _ := prev.HeaderHash()

	good := BlockHeader{Height: 5, PrevHash: prevHash, TimestampUnixMilli: 2000}
	if err := ValidateLinkage(&prev, &good); err != nil {
		t.Fatalf("valid linkage rejected: %v", err)
	}

	tests := []struct {
		name string
		next BlockHeader
	}{
		{"WrongPrevHash", BlockHeader{Height: 5, PrevHash: HashBytes([]byte("x")), TimestampUnixMilli: 2000}},
		{"TimestampRegression", BlockHeader{Height: 5, PrevHash: prevHash, TimestampUnixMilli: 1999}},
		{"HeightGap", BlockHeader{Height: 6, PrevHash: prevHash, TimestampUnixMilli: 2000}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateLinkage(&prev, &tc.next); err == nil {
				t.Fatalf("invalid linkage accepted")
			}
		})
	}
}

func TestQuorumCertificateBitmap(t *testing.T) {
	var bitmap []byte
	for _, idx := range []int{0, 3, 9} {
		bitmap = setBit(bitmap, idx)
	}
	qc := QuorumCertificate{SignerBitmap: bitmap}
	if got := qc.NumSigners(); got != 3 {
		t.Fatalf("NumSigners=%d want 3", got)
	}
	for _, idx := range []int{0, 3, 9} {
		if !bitSet(bitmap, idx) {
			t.Fatalf("bit %d must be set", idx)
		}
	}
	for _, idx := range []int{1, 8, 100} {
		if bitSet(bitmap, idx) {
			t.Fatalf("bit %d must be clear", idx)
		}
	}
}

func TestComputeTransactionsMerkleRoot(t *testing.T) {
	ins, _ := NewRegisterDomain("wonderland")
	tx1 := Transaction{ChainID: "0", Sender: alice, Instructions: []Instruction{ins}}
	ins2, _ := NewRegisterDomain("looking-glass")
	tx2 := Transaction{ChainID: "0", Sender: alice, Instructions: []Instruction{ins2}}

	r1, err := ComputeTransactionsMerkleRoot([]Transaction{tx1, tx2})
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	r2, err := ComputeTransactionsMerkleRoot([]Transaction{tx2, tx1})
	if err != nil {
		t.Fatalf("root: %v", err)
	}
	if r1 == r2 {
		t.Fatalf("transaction order must change the root")
	}
	empty, err := ComputeTransactionsMerkleRoot(nil)
	if err != nil || !empty.IsZero() {
		t.Fatalf("empty body must yield the zero root")
	}
}
