// SPDX-License-Identifier: Apache-2.0
package core

// block.go – Block / BlockHeader and their canonical hash.
// A block's identity hash is over its header only; the header commits to
// the body via the transactions-merkle-root, so identity changes iff
// content changes.

import (
	"github.com/ethereum/go-ethereum/rlp"
)

// RejectionRecord names the rejected transaction and why, so every node
// converges on the same state including failed effects.
type RejectionRecord struct {
	TxHash Hash
	Reason string
}

// BlockHeader is the consensus-agreed summary of a block; its hash is the
// block's identity.
type BlockHeader struct {
	Height              uint64
	PrevHash            Hash
	TimestampUnixMilli   uint64
	TransactionsMerkleRoot Hash
	StateRoot            Hash
	View                 uint64
}

// HeaderHash computes the block's identity hash over the header alone.
func (h *BlockHeader) HeaderHash() (Hash, error) {
	b, err := rlp.EncodeToBytes(h)
	if err != nil {
		return Hash{}, err
	}
	return HashBytes(b), nil
}

// QuorumCertificate is the aggregated validator signature over a header
// hash plus the bitmap of which validators (in the view's deterministic
// ordering) signed, replacing 2f+1 discrete ed25519 signatures with one BLS
// aggregate.
type QuorumCertificate struct {
	View             uint64
	SignerBitmap     []byte // one bit per validator index in the view's ordering
	AggregateSignature []byte
}

// NumSigners returns how many bits are set in the bitmap.
func (qc *QuorumCertificate) NumSigners() int {
	n := 0
	for _, b := range qc.SignerBitmap {
		for b != 0 {
			n += int(b & 1)
			b >>= 1
		}
	}
	return n
}

func setBit(bitmap []byte, idx int) []byte {
	byteIdx := idx / 8
	for len(bitmap) <= byteIdx {
		bitmap = append(bitmap, 0)
	}
	bitmap[byteIdx] |= 1 << uint(idx%8)
	return bitmap
}

func bitSet(bitmap []byte, idx int) bool {
	byteIdx := idx / 8
	if byteIdx >= len(bitmap) {
		return false
	}
	return bitmap[byteIdx]&(1<<uint(idx%8)) != 0
}

// Block is a committed unit of the chain: header, ordered transactions, the
// rejection reasons for any transactions included-but-rejected, and the
// quorum certificate. Genesis (height 0) carries a certificate signed by its
// designated producer(s) instead of a full validator quorum.
type Block struct {
	Header       BlockHeader
	Transactions []Transaction
	Rejections   []RejectionRecord
	Certificate  QuorumCertificate
}

// Hash returns the block's identity hash (header-only).
func (b *Block) Hash() (Hash, error) { return b.Header.HeaderHash() }

// RejectionFor returns the rejection reason for txHash if the block recorded
// one, and whether it was found.
func (b *Block) RejectionFor(txHash Hash) (string, bool) {
	for _, r := range b.Rejections {
		if r.TxHash == txHash {
			return r.Reason, true
		}
	}
	return "", false
}

// ComputeTransactionsMerkleRoot hashes each transaction's own content hash as
// a leaf, in block order.
func ComputeTransactionsMerkleRoot(txs []Transaction) (Hash, error) {
	leaves := make([][]byte, len(txs))
	for i := range txs {
		h, err := txs[i].Hash()
		if err != nil {
			return Hash{}, err
		}
		leaves[i] = h[:]
	}
	if len(leaves) == 0 {
		return Hash{}, nil
	}
	return ComputeMerkleRoot(leaves), nil
}

// ValidateLinkage checks that next correctly references prev by hash and
// that its timestamp is monotonic-nondecreasing.
func ValidateLinkage(prev, next *BlockHeader) error {
	prevHash, err := prev.HeaderHash()
	if err != nil {
		return err
	}
	if next.PrevHash != prevHash {
		return ErrProposalMismatch
	}
	if next.TimestampUnixMilli < prev.TimestampUnixMilli {
		return ErrProposalMismatch
	}
	if next.Height != prev.Height+1 {
		return ErrProposalMismatch
	}
	return nil
}
