// SPDX-License-Identifier: Apache-2.0
// Package core – cryptographic primitives for the replication core.
//
// Exposes:
//   - Sign / Verify       – Ed25519 (accounts/clients) + BLS12-381 (validators).
//   - AggregateBLSSigs     – quorum signature aggregation.
//   - ComputeMerkleRoot    – transaction merkle root over a block body.
//   - SealSnapshot/Open    – XChaCha20-Poly1305 authenticated encryption for
//     world-state snapshots at rest.
//
// Signature schemes are consumed through this narrow surface; the core never
// reaches into ed25519/bls internals outside this file.
package core

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"

	bls "github.com/herumi/bls-eth-go-binary/bls"
	"golang.org/x/crypto/chacha20poly1305"
)

func init() {
	if err := bls.Init(bls.BLS12_381); err != nil {
		panic(fmt.Errorf("bls init: %w", err))
	}
	bls.SetETHmode(bls.EthModeDraft07)
}

// KeyAlgo selects which signature scheme a key/signature pair uses.
// Validators sign consensus artifacts (proposals, votes, view-changes) with
// AlgoBLS so that 2f+1 signatures aggregate into one; account/client
// signatures on transactions use AlgoEd25519.
type KeyAlgo uint8

const (
	AlgoEd25519 KeyAlgo = iota
	AlgoBLS
)

// Sign signs msg with priv under algo.
//   - AlgoEd25519: priv must be ed25519.PrivateKey.
//   - AlgoBLS:     priv must be *bls.SecretKey.
func Sign(algo KeyAlgo, priv interface{}, msg []byte) ([]byte, error) {
	switch algo {
	case AlgoEd25519:
		pk, ok := priv.(ed25519.PrivateKey)
		if !ok {
			return nil, errors.New("crypto: invalid ed25519 private key type")
		}
		return ed25519.Sign(pk, msg), nil
	case AlgoBLS:
		sk, ok := priv.(*bls.SecretKey)
		if !ok {
			return nil, errors.New("crypto: invalid bls secret key type")
		}
		return sk.SignByte(msg).Serialize(), nil
	default:
		return nil, fmt.Errorf("crypto: unknown algo %d", algo)
	}
}

// Verify checks sig over msg under pub (algo-dependent concrete type or raw
// compressed bytes for BLS).
func Verify(algo KeyAlgo, pub interface{}, msg, sig []byte) (bool, error) {
	switch algo {
	case AlgoEd25519:
		pk, ok := pub.(ed25519.PublicKey)
		if !ok {
			if raw, ok2 := pub.([]byte); ok2 {
				pk = ed25519.PublicKey(raw)
			} else {
				return false, errors.New("crypto: invalid ed25519 pubkey type")
			}
		}
		return ed25519.Verify(pk, msg, sig), nil
	case AlgoBLS:
		var pk bls.PublicKey
		switch v := pub.(type) {
		case *bls.PublicKey:
			pk = *v
		case []byte:
			if err := pk.Deserialize(v); err != nil {
				return false, err
			}
		default:
			return false, errors.New("crypto: invalid bls pubkey type")
		}
		var s bls.Sign
		if err := s.Deserialize(sig); err != nil {
			return false, err
		}
		return s.VerifyByte(&pk, msg), nil
	default:
		return false, fmt.Errorf("crypto: unknown algo %d", algo)
	}
}

// GenerateEd25519 creates a fresh account/client keypair.
func GenerateEd25519() (ed25519.PublicKey, ed25519.PrivateKey, error) {
	return ed25519.GenerateKey(rand.Reader)
}

// GenerateBLS creates a fresh validator keypair.
func GenerateBLS() (*bls.PublicKey, *bls.SecretKey) {
	var sk bls.SecretKey
	sk.SetByCSPRNG()
	return sk.GetPublicKey(), &sk
}

//---------------------------------------------------------------------
// Quorum signature aggregation
//---------------------------------------------------------------------

// AggregateBLSSigs merges compressed validator signatures over the same
// message (a block header hash, or a view-change vote) into one aggregate
// signature, letting a committed block carry a single signature plus a
// bitmap of which validators signed instead of 2f+1 discrete signatures.
func AggregateBLSSigs(sigs [][]byte) ([]byte, error) {
	if len(sigs) == 0 {
		return nil, errors.New("crypto: no signatures to aggregate")
	}
	var agg bls.Sign
	for i, raw := range sigs {
		var s bls.Sign
		if err := s.Deserialize(raw); err != nil {
			return nil, fmt.Errorf("crypto: signature %d: %w", i, err)
		}
		if i == 0 {
			agg = s
		} else {
			agg.Add(&s)
		}
	}
	return agg.Serialize(), nil
}

// VerifyAggregated checks an aggregate signature produced by AggregateBLSSigs
// against the aggregate of the signing validators' public keys (all having
// signed the identical message, which holds for header/vote signing).
func VerifyAggregated(aggSig []byte, pubs []PublicKey, msg []byte) (bool, error) {
	if len(pubs) == 0 {
		return false, errors.New("crypto: no public keys")
	}
	var aggPk bls.PublicKey
	for i, raw := range pubs {
		var pk bls.PublicKey
		if err := pk.Deserialize(raw); err != nil {
			return false, fmt.Errorf("crypto: pubkey %d: %w", i, err)
		}
		if i == 0 {
			aggPk = pk
		} else {
			aggPk.Add(&pk)
		}
	}
	var s bls.Sign
	if err := s.Deserialize(aggSig); err != nil {
		return false, err
	}
	return s.VerifyByte(&aggPk, msg), nil
}

//---------------------------------------------------------------------
// Hashing
//---------------------------------------------------------------------

// HashBytes computes the canonical content hash used for transactions and
// block headers.
func HashBytes(b []byte) Hash {
	return sha256.Sum256(b)
}

// ComputeMerkleRoot builds a binary Merkle tree over ordered leaves (each
// already a canonical encoding) and returns the root, duplicating the final
// leaf on odd levels. Used for the block header's transactions-merkle-root.
func ComputeMerkleRoot(leaves [][]byte) Hash {
	if len(leaves) == 0 {
		return Hash{}
	}
	level := make([]Hash, len(leaves))
	for i, l := range leaves {
		level[i] = sha256.Sum256(l)
	}
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]Hash, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			buf := make([]byte, 0, 64)
			buf = append(buf, level[i][:]...)
			buf = append(buf, level[i+1][:]...)
			next[i/2] = sha256.Sum256(buf)
		}
		level = next
	}
	return level[0]
}

//---------------------------------------------------------------------
// Snapshot-at-rest encryption (optional)
//---------------------------------------------------------------------

// SealSnapshot encrypts plaintext with key (32 bytes) using
// XChaCha20-Poly1305, returning nonce||ciphertext.
func SealSnapshot(key, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: snapshot cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// OpenSnapshot reverses SealSnapshot.
func OpenSnapshot(key, sealed []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("crypto: snapshot cipher: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return nil, errors.New("crypto: sealed snapshot too short")
	}
	nonce, ct := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, nil)
}

// DeterministicRand derives a reproducible pseudo-random stream seeded from a
// block hash, satisfying the executor host's determinism contract: the
// same block hash always yields the same sequence on every node.
type DeterministicRand struct {
	state [32]byte
}

// NewDeterministicRand seeds a stream from a block hash and an arbitrary
// domain-separation string so distinct host call sites never collide.
func NewDeterministicRand(seed Hash, domain string) *DeterministicRand {
	h := sha256.New()
	h.Write(seed[:])
	h.Write([]byte(domain))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return &DeterministicRand{state: out}
}

// Next returns the next 32 bytes of the stream and advances it.
func (d *DeterministicRand) Next() [32]byte {
	out := d.state
	d.state = sha256.Sum256(d.state[:])
	return out
}

// Uint64 returns the next pseudo-random uint64 from the stream.
func (d *DeterministicRand) Uint64() uint64 {
	b := d.Next()
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
