// SPDX-License-Identifier: Apache-2.0
package core

// applier.go – apply(block): the five-step algorithm that turns a committed
// block into a new world state, with per-transaction checkpoint/rollback
// over a Scratch and closed-set/custom instruction dispatch through an
// ExecutorHost. The same body-execution path is reused by the leader's
// proposal algorithm (consensus.go) so proposer and validators compute
// bit-identical headers.

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Applier owns the single writer path from a committed block to updated
// world state, log output, and the event bus it publishes committed events to.
type Applier struct {
	state     *State
	executor  ExecutorHost
	bus       *EventBus
	fuelPerTx uint64
	log       *logrus.Entry
}

// NewApplier wires a world state, the currently installed executor, and the
// event bus it publishes to.
func NewApplier(state *State, executor ExecutorHost, bus *EventBus, fuelPerTx uint64, log *logrus.Entry) *Applier {
	return &Applier{state: state, executor: executor, bus: bus, fuelPerTx: fuelPerTx, log: log}
}

// SetExecutor swaps the installed executor, called once migrate() has run
// against the scratch that installed it.
func (a *Applier) SetExecutor(e ExecutorHost) { a.executor = e }

// Executor returns the currently installed executor.
func (a *Applier) Executor() ExecutorHost { return a.executor }

// Apply runs the block through the five-step algorithm:
//  1. open a scratch over the current committed state
//  2. execute the block body: every transaction in order, checkpointing and
//     rolling back (and recording a rejection) on any failure
//  3. fire every trigger whose filter matches an event raised this block
//  4. recompute the state root and compare against the block header
//  5. commit the scratch (or halt on divergence)
//
// Apply never blocks on I/O; block storage persists block+receipts
// independently, before or after this call per the caller's durability
// policy.
func (a *Applier) Apply(block *Block) error {
	sc := a.state.BeginScratch(int64(block.Header.TimestampUnixMilli))
	rand := NewDeterministicRand(block.Header.PrevHash, fmt.Sprintf("block:%d:%d", block.Header.Height, block.Header.View))

	events, rejections, err := a.executeBody(sc, block.Transactions, block.Header.Height, rand)
	if err != nil {
		return err
	}
	if err := compareRejections(rejections, block.Rejections); err != nil {
		if a.log != nil {
			a.log.WithField("height", block.Header.Height).Error("rejection records disagree with block")
		}
		return err
	}

	a.runTriggers(sc, block.Header.Height, int64(block.Header.TimestampUnixMilli), rand, events)

	sc.height = block.Header.Height

	root, err := a.stateRoot(sc)
	if err != nil {
		return fmt.Errorf("core: compute state root: %w", err)
	}
	if root != block.Header.StateRoot {
		if a.log != nil {
			a.log.WithFields(logrus.Fields{"height": block.Header.Height, "want": block.Header.StateRoot.String(), "got": root.String()}).Error("state root divergence, halting")
		}
		return ErrStateDivergence
	}

	upgraded := sc.executorHash != a.executor.Hash()

	a.state.Commit(sc)

	if upgraded && len(sc.executorModule) > 0 {
		next, err := LoadWasmExecutor(sc.executorModule)
		if err != nil {
			// The installing transaction already ran migrate against this
			// module; failing to compile it again means the host lost its
			// runtime, not that the block is bad.
			return fmt.Errorf("core: reload upgraded executor: %w", err)
		}
		a.executor = next
	}

	if a.bus != nil {
		for _, ev := range events {
			a.bus.Publish(ev)
		}
		a.bus.Publish(Event{Kind: EventBlockCommitted, Height: block.Header.Height, Timestamp: block.timestamp()})
	}
	return nil
}

// executeBody runs txs in block order against sc: checkpoint, validate via
// the executor, execute every instruction, roll back the one transaction on
// failure. Returns the events raised and the rejection records produced, in
// order. Shared by Apply and the leader's proposal algorithm so that every
// node derives identical state and identical rejection records.
func (a *Applier) executeBody(sc *Scratch, txs []Transaction, height uint64, rand *DeterministicRand) ([]Event, []RejectionRecord, error) {
	var events []Event
	var rejections []RejectionRecord
	ts := unixMilliToTime(sc.timestamp)

	for i := range txs {
		tx := &txs[i]
		txHash, err := tx.Hash()
		if err != nil {
			return nil, nil, fmt.Errorf("core: hash transaction %d: %w", i, err)
		}
		cp := sc.Checkpoint()

		ctx := &ExecutorContext{Scratch: sc, Authority: tx.Sender, Fuel: NewFuelBudget(a.fuelPerTx), Rand: rand}
		reason, ok := a.applyOneTransaction(ctx, tx)
		if !ok {
			sc.Rollback(cp)
			rejections = append(rejections, RejectionRecord{TxHash: txHash, Reason: reason})
			events = append(events, Event{Kind: EventTransactionRejected, Height: height, TxHash: txHash, Timestamp: ts})
			if a.log != nil {
				a.log.WithFields(logrus.Fields{"tx": txHash.String(), "reason": reason}).Warn("transaction rejected during apply")
			}
			continue
		}
		events = append(events, instructionEvents(tx, height, ts)...)
		events = append(events, Event{Kind: EventTransactionCommitted, Height: height, TxHash: txHash, Timestamp: ts})
	}
	return events, rejections, nil
}

// instructionEvents synthesizes the per-instruction data events a committed
// transaction raises, in instruction order.
func instructionEvents(tx *Transaction, height uint64, ts time.Time) []Event {
	var out []Event
	for _, ins := range tx.Instructions {
		switch ins.Kind {
		case InstructionRegisterDomain:
			var a RegisterDomainArgs
			if decodeInstructionPayload(ins, &a) == nil {
				out = append(out, Event{Kind: EventDataCreated, Height: height, Domain: a.Name, Timestamp: ts})
			}
		case InstructionUnregisterDomain:
			var a UnregisterDomainArgs
			if decodeInstructionPayload(ins, &a) == nil {
				out = append(out, Event{Kind: EventDataDeleted, Height: height, Domain: a.Name, Timestamp: ts})
			}
		case InstructionRegisterAccount:
			var a RegisterAccountArgs
			if decodeInstructionPayload(ins, &a) == nil {
				out = append(out, Event{Kind: EventDataCreated, Height: height, Domain: a.ID.Domain, Key: a.ID.String(), Timestamp: ts})
			}
		case InstructionUnregisterAccount:
			var a UnregisterAccountArgs
			if decodeInstructionPayload(ins, &a) == nil {
				out = append(out, Event{Kind: EventDataDeleted, Height: height, Domain: a.ID.Domain, Key: a.ID.String(), Timestamp: ts})
			}
		}
	}
	return out
}

// applyOneTransaction validates tx against the executor, then executes every
// instruction it carries, returning (rejectionReason, false) on the first
// failure so the caller rolls back exactly that transaction's effects.
func (a *Applier) applyOneTransaction(ctx *ExecutorContext, tx *Transaction) (string, bool) {
	verdict, err := a.executor.ValidateTransaction(ctx, tx)
	if err != nil {
		return fmt.Sprintf("executor error: %v", err), false
	}
	if verdict.Denied {
		return verdict.Reason, false
	}

	if tx.IsWASM {
		if err := a.executor.ExecuteInstruction(ctx, NewCustomInstruction(tx.WASMPayload)); err != nil {
			return err.Error(), false
		}
		return "", true
	}

	for _, instr := range tx.Instructions {
		if err := a.executor.ExecuteInstruction(ctx, instr); err != nil {
			return err.Error(), false
		}
		if instr.Kind == InstructionUpgradeExecutor {
			// migrate runs exactly once, inside the installing transaction,
			// so a failed migration rejects the whole upgrade and the
			// previous executor stays active.
			if err := a.migrateUpgraded(ctx); err != nil {
				return fmt.Sprintf("executor migration failed: %v", err), false
			}
		}
	}
	return "", true
}

func (a *Applier) migrateUpgraded(ctx *ExecutorContext) error {
	next, err := LoadWasmExecutor(ctx.Scratch.executorModule)
	if err != nil {
		return err
	}
	return next.Migrate(ctx)
}

// compareRejections checks that the rejections this node produced while
// re-executing a block exactly match the proposer's recorded rejections, so
// every node's record of failed-but-included transactions converges.
func compareRejections(got, want []RejectionRecord) error {
	if len(got) != len(want) {
		return ErrProposalMismatch
	}
	for i := range got {
		if got[i] != want[i] {
			return ErrProposalMismatch
		}
	}
	return nil
}

// runTriggers fires every stored trigger whose filter matches an event raised
// this block, one trigger at a time to completion, in deterministic
// (sorted-id) order.
func (a *Applier) runTriggers(sc *Scratch, height uint64, tsMilli int64, rand *DeterministicRand, events []Event) {
	all := append(append([]Event(nil), events...), Event{Kind: EventBlockCommitted, Height: height, Timestamp: unixMilliToTime(tsMilli)})

	triggers := make(map[string]Trigger, len(sc.triggers))
	for id, t := range sc.triggers {
		triggers[string(id)] = t
	}

	for _, idStr := range SortedKeys(triggers) {
		t := triggers[idStr]
		if t.Exhausted() {
			continue
		}
		for _, ev := range all {
			if !t.Filter.Matches(ev) {
				continue
			}
			ctx := &ExecutorContext{Scratch: sc, Authority: t.Authority, Fuel: NewFuelBudget(a.fuelPerTx), Rand: rand}
			if err := a.executor.ExecuteTrigger(ctx, &t, ev); err != nil && a.log != nil {
				a.log.WithFields(logrus.Fields{"trigger": idStr, "err": err}).Warn("trigger execution failed")
			}
		}
	}
}

// stateRoot hashes the scratch's collections in deterministic key order,
// giving every validator an identical root for the same logical state
// regardless of map iteration order.
func (a *Applier) stateRoot(sc *Scratch) (Hash, error) {
	leaves := make([][]byte, 0, len(sc.domains)+len(sc.accounts)+len(sc.assetDefs)+len(sc.assets)+len(sc.roles)+len(sc.triggers)+len(sc.parameters)+1)

	for _, k := range SortedKeys(sc.domains) {
		leaves = append(leaves, encodeForRoot("domain", k, sc.domains[k]))
	}
	for _, k := range SortedKeys(sc.accounts) {
		leaves = append(leaves, encodeForRoot("account", k, sc.accounts[k]))
	}
	for _, k := range SortedKeys(sc.assetDefs) {
		leaves = append(leaves, encodeForRoot("assetdef", k, sc.assetDefs[k]))
	}
	for _, k := range SortedKeys(sc.assets) {
		leaves = append(leaves, encodeForRoot("asset", k, sc.assets[k]))
	}
	roles := make(map[string]Role, len(sc.roles))
	for k, v := range sc.roles {
		roles[string(k)] = v
	}
	for _, k := range SortedKeys(roles) {
		leaves = append(leaves, encodeForRoot("role", k, roles[k]))
	}
	triggers := make(map[string]Trigger, len(sc.triggers))
	for k, v := range sc.triggers {
		triggers[string(k)] = v
	}
	for _, k := range SortedKeys(triggers) {
		leaves = append(leaves, encodeForRoot("trigger", k, triggers[k]))
	}
	params := make(map[string]ParameterValue, len(sc.parameters))
	for k, v := range sc.parameters {
		params[string(k)] = v
	}
	for _, k := range SortedKeys(params) {
		leaves = append(leaves, encodeForRoot("param", k, params[k]))
	}
	leaves = append(leaves, sc.executorHash[:])

	return ComputeMerkleRoot(leaves), nil
}

func encodeForRoot(kind, key string, v interface{}) []byte {
	return []byte(fmt.Sprintf("%s:%s:%#v", kind, key, v))
}

func (b *Block) timestamp() time.Time { return unixMilliToTime(int64(b.Header.TimestampUnixMilli)) }
