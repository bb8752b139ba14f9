// SPDX-License-Identifier: Apache-2.0
package core

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func sampleTransaction(t *testing.T) *Transaction {
	t.Helper()
	ins, err := NewRegisterDomain("wonderland")
	if err != nil {
		t.Fatalf("instruction: %v", err)
	}
	return &Transaction{
		ChainID:            "0",
		Sender:             AccountID{Name: "alice", Domain: "wonderland"},
		CreatedAtUnixMilli: 1700000000000,
		TTLSeconds:         300,
		Instructions:       []Instruction{ins},
		Signatures:         []Signature{{Signatory: []byte{1, 2}, Sig: []byte{3, 4}}},
	}
}

func TestTransactionRoundTrip(t *testing.T) {
	tx := sampleTransaction(t)
	enc, err := EncodeTransaction(tx)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeTransaction(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	re, err := EncodeTransaction(dec)
	if err != nil {
		t.Fatalf("re-encode: %v", err)
	}
	if !bytes.Equal(enc, re) {
		t.Fatalf("round trip must be byte-stable")
	}
	h1, _ := tx.Hash()
	h2, _ := dec.Hash()
	if h1 != h2 {
		t.Fatalf("content hash changed across round trip")
	}
}

func TestEncodeDeterministic(t *testing.T) {
	tx := sampleTransaction(t)
	a, _ := EncodeTransaction(tx)
	b, _ := EncodeTransaction(tx)
	if !bytes.Equal(a, b) {
		t.Fatalf("encode must be deterministic")
	}
}

func TestBlockRoundTrip(t *testing.T) {
	tx := sampleTransaction(t)
	txHash, _ := tx.Hash()
	block := &Block{
		Header: BlockHeader{
			Height: 7, PrevHash: HashBytes([]byte("prev")),
			TimestampUnixMilli: 1700000001000, TransactionsMerkleRoot: HashBytes([]byte("root")),
			StateRoot: HashBytes([]byte("state")), View: 2,
		},
		Transactions: []Transaction{*tx},
		Rejections:   []RejectionRecord{{TxHash: txHash, Reason: "denied"}},
		Certificate:  QuorumCertificate{View: 2, SignerBitmap: []byte{0b111}, AggregateSignature: []byte{9, 9}},
	}
	enc, err := EncodeBlock(block)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeBlock(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	h1, _ := block.Hash()
	h2, _ := dec.Hash()
	if h1 != h2 {
		t.Fatalf("block identity changed across round trip")
	}
	if reason, ok := dec.RejectionFor(txHash); !ok || reason != "denied" {
		t.Fatalf("rejection record lost: %q %v", reason, ok)
	}
}

func TestEventRoundTrip(t *testing.T) {
	ev := &Event{
		Kind: EventDataCreated, Height: 3, TxHash: HashBytes([]byte("tx")),
		Domain: "wonderland", Key: "alice@wonderland",
		Timestamp: time.UnixMilli(1700000000000), Payload: []byte("p"),
	}
	enc, err := EncodeEvent(ev)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeEvent(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.Kind != ev.Kind || dec.Domain != ev.Domain || dec.Key != ev.Key || !dec.Timestamp.Equal(ev.Timestamp) {
		t.Fatalf("event mismatch: %+v", dec)
	}
}

func TestQueryRoundTrip(t *testing.T) {
	req := &QueryRequest{
		Kind:      FindAccounts,
		Predicate: &Predicate{Field: "domain", Op: "eq", Value: "wonderland"},
		FetchSize: 10,
	}
	enc, err := EncodeQuery(req)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	dec, err := DecodeQuery(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if dec.Kind != req.Kind || dec.FetchSize != req.FetchSize || *dec.Predicate != *req.Predicate {
		t.Fatalf("query mismatch: %+v", dec)
	}

	bare := &QueryRequest{Kind: FindDomains, FetchSize: 1}
	enc, _ = EncodeQuery(bare)
	dec, err = DecodeQuery(enc)
	if err != nil {
		t.Fatalf("decode bare: %v", err)
	}
	if dec.Predicate != nil {
		t.Fatalf("absent predicate must stay absent")
	}
}

func TestCursorTokenRoundTrip(t *testing.T) {
	sender := AccountID{Name: "alice", Domain: "wonderland"}
	enc, err := EncodeCursor("cursor-id-1", sender)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	id, got, err := DecodeCursor(enc)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id != "cursor-id-1" || got != sender {
		t.Fatalf("cursor mismatch: %q %v", id, got)
	}
}

func TestDecodeMalformed(t *testing.T) {
	if _, err := DecodeTransaction([]byte{0xff, 0x00, 0x01}); !errors.Is(err, ErrMalformedWire) {
		t.Fatalf("want ErrMalformedWire, got %v", err)
	}
}

func TestDecodeWrongVersion(t *testing.T) {
	tx := sampleTransaction(t)
	enc, _ := EncodeTransaction(tx)
	if _, err := DecodeBlock(enc); err == nil {
		// A transaction envelope decoded as a block must fail either on the
		// version check or on payload shape.
		t.Fatalf("cross-type decode must fail")
	}
}
