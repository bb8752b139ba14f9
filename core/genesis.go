// SPDX-License-Identifier: Apache-2.0
package core

// genesis.go – assembles the height-0 block from the instruction sequence
// internal/genesis builds out of a YAML genesis document. Kept in core
// (rather than internal/genesis) because it needs the same unexported
// Scratch/Applier machinery every other block commits through — genesis
// takes no special-cased execution path. Block 0 carries its instructions
// as one transaction authored by the genesis root account, so a restarted
// node replays it from the block store exactly like any later block.

import "fmt"

// GenesisDomain names the bootstrap root authority. Block 0's instructions
// run under genesis@genesis, before any permission could have been granted;
// the default executor treats this authority as root.
const GenesisDomain = "genesis"

// GenesisAuthority is the account id block 0's transaction is authored by.
var GenesisAuthority = AccountID{Name: "genesis", Domain: GenesisDomain}

// BuildGenesisBlock wraps instrs into the genesis transaction, executes it
// against a fresh scratch over state, and returns the resulting block 0 plus
// the scratch (not yet committed). tsMilli is the network's agreed genesis
// timestamp from the genesis document.
func BuildGenesisBlock(state *State, applier *Applier, instrs []Instruction, tsMilli uint64) (*Block, *Scratch, error) {
	tx := Transaction{Sender: GenesisAuthority, CreatedAtUnixMilli: tsMilli, Instructions: instrs}
	txs := []Transaction{tx}

	sc := state.BeginScratch(int64(tsMilli))
	rand := NewDeterministicRand(Hash{}, "block:0:0")
	events, rejections, err := applier.executeBody(sc, txs, 0, rand)
	if err != nil {
		return nil, nil, fmt.Errorf("core: execute genesis: %w", err)
	}
	if len(rejections) > 0 {
		return nil, nil, fmt.Errorf("core: genesis transaction rejected: %s", rejections[0].Reason)
	}
	applier.runTriggers(sc, 0, int64(tsMilli), rand, events)
	sc.height = 0

	txRoot, err := ComputeTransactionsMerkleRoot(txs)
	if err != nil {
		return nil, nil, err
	}
	root, err := applier.stateRoot(sc)
	if err != nil {
		return nil, nil, fmt.Errorf("core: compute genesis state root: %w", err)
	}

	header := BlockHeader{
		Height:                 0,
		PrevHash:               Hash{},
		TimestampUnixMilli:     tsMilli,
		TransactionsMerkleRoot: txRoot,
		StateRoot:              root,
		View:                   0,
	}
	return &Block{Header: header, Transactions: txs}, sc, nil
}

// ApplyGenesis builds block 0, optionally signs it with the designated
// producer's key, and commits it to state in one step, returning the block
// so the caller can append it to the block store.
func ApplyGenesis(state *State, applier *Applier, instrs []Instruction, tsMilli uint64, producerPriv interface{}) (*Block, error) {
	block, sc, err := BuildGenesisBlock(state, applier, instrs, tsMilli)
	if err != nil {
		return nil, err
	}
	if producerPriv != nil {
		h, err := block.Hash()
		if err != nil {
			return nil, err
		}
		sig, err := Sign(AlgoBLS, producerPriv, h[:])
		if err != nil {
			return nil, fmt.Errorf("core: sign genesis: %w", err)
		}
		block.Certificate = QuorumCertificate{SignerBitmap: setBit(nil, 0), AggregateSignature: sig}
	}
	state.Commit(sc)
	return block, nil
}
