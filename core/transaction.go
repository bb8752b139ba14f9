// SPDX-License-Identifier: Apache-2.0
package core

// transaction.go – the Transaction entity and its content
// hash / signature verification, independent of queue admission policy
// (core/queue.go) and instruction execution (core/applier.go).

import (
	"time"

	"github.com/ethereum/go-ethereum/rlp"
)

// Signature pairs a signatory public key with its signature over the
// transaction's signing hash, supporting multisignature accounts.
type Signature struct {
	Signatory []byte
	Sig       []byte
}

// Transaction is a client-submitted unit of work: either a list of closed-set
// instructions or, when IsWASM is set, an opaque bytecode payload understood
// only by the executor.
type Transaction struct {
	ChainID      string
	Sender       AccountID
	CreatedAtUnixMilli uint64
	TTLSeconds   uint64
	Instructions []Instruction
	IsWASM       bool
	WASMPayload  []byte
	Signatures   []Signature
}

// signingPayload is the subset of the transaction that signatures commit to:
// everything except the signatures themselves.
type signingPayload struct {
	ChainID            string
	Sender             AccountID
	CreatedAtUnixMilli uint64
	TTLSeconds         uint64
	Instructions       []Instruction
	IsWASM             bool
	WASMPayload        []byte
}

func (tx *Transaction) signingBytes() ([]byte, error) {
	return rlp.EncodeToBytes(&signingPayload{
		ChainID: tx.ChainID, Sender: tx.Sender, CreatedAtUnixMilli: tx.CreatedAtUnixMilli,
		TTLSeconds: tx.TTLSeconds, Instructions: tx.Instructions, IsWASM: tx.IsWASM, WASMPayload: tx.WASMPayload,
	})
}

// SigningHash returns the hash that signatures are computed over.
func (tx *Transaction) SigningHash() (Hash, error) {
	b, err := tx.signingBytes()
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(b), nil
}

// Hash is the transaction's content hash,
// computed over the signing payload plus signatures so that re-signing
// changes identity but signature order does not (signatures are sorted by
// signatory before hashing).
func (tx *Transaction) Hash() (Hash, error) {
	sorted := make([]Signature, len(tx.Signatures))
	copy(sorted, tx.Signatures)
	sortSignatures(sorted)
	full, err := rlp.EncodeToBytes(struct {
		Payload    []byte
		Signatures []Signature
	}{mustSigningBytes(tx), sorted})
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(full), nil
}

func mustSigningBytes(tx *Transaction) []byte {
	b, _ := tx.signingBytes()
	return b
}

func sortSignatures(sigs []Signature) {
	for i := 1; i < len(sigs); i++ {
		for j := i; j > 0 && string(sigs[j].Signatory) < string(sigs[j-1].Signatory); j-- {
			sigs[j], sigs[j-1] = sigs[j-1], sigs[j]
		}
	}
}

// Sign appends a signature from priv (ed25519.PrivateKey) over the signing
// hash, identified by the corresponding signatory public key.
func (tx *Transaction) Sign(signatory PublicKey, priv interface{}) error {
	h, err := tx.SigningHash()
	if err != nil {
		return err
	}
	sig, err := Sign(AlgoEd25519, priv, h[:])
	if err != nil {
		return err
	}
	tx.Signatures = append(tx.Signatures, Signature{Signatory: signatory, Sig: sig})
	return nil
}

// VerifySignatures counts the distinct account signatories whose attached
// signature verifies and checks that count against account's
// SignatureThreshold. Signatures from keys that are not signatories of the
// account, and signatures that do not verify, are skipped, not rejected.
func (tx *Transaction) VerifySignatures(account *Account) error {
	h, err := tx.SigningHash()
	if err != nil {
		return err
	}
	valid := map[string]bool{}
	for _, s := range tx.Signatures {
		if !account.HasSignatory(PublicKey(s.Signatory)) {
			continue
		}
		ok, err := Verify(AlgoEd25519, PublicKey(s.Signatory).toEd25519(), h[:], s.Sig)
		if err == nil && ok {
			valid[string(s.Signatory)] = true
		}
	}
	if len(valid) < account.SignatureThreshold {
		return ErrInsufficientSignatures
	}
	return nil
}

func (k PublicKey) toEd25519() interface{} { return []byte(k) }

// CreatedAt returns the transaction's creation time as a time.Time.
func (tx *Transaction) CreatedAt() time.Time {
	return time.UnixMilli(int64(tx.CreatedAtUnixMilli))
}

// Expired reports whether, relative to now, the transaction has outlived its
// TTL.
func (tx *Transaction) Expired(now time.Time) bool {
	return now.Sub(tx.CreatedAt()) > time.Duration(tx.TTLSeconds)*time.Second
}

// TooFarInFuture reports whether the transaction's creation time exceeds
// now+futureThreshold.
func (tx *Transaction) TooFarInFuture(now time.Time, futureThreshold time.Duration) bool {
	return tx.CreatedAt().After(now.Add(futureThreshold))
}

// SignatureVerifier builds the queue's admission-time verifier over state:
// the sender account must exist and the transaction must meet its signature
// threshold. Taking the snapshot per call keeps the queue free of any
// world-state reference of its own.
func SignatureVerifier(state *State) VerifierFunc {
	return func(tx *Transaction) error {
		acct, ok := state.Snapshot().Account(tx.Sender)
		if !ok {
			return ErrEntityNotFound
		}
		return tx.VerifySignatures(&acct)
	}
}
