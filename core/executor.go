// SPDX-License-Identifier: Apache-2.0
package core

// executor.go – the executor host interface: the core invokes a
// sandboxed policy module through a narrow contract and treats it as a pure
// function `(state, operation) -> verdict | state-delta`. The sandbox itself
// (bytecode semantics, scripting language) is an external collaborator;
// this file specifies the host/guest ABI and ships two implementations of
// it — DefaultExecutor (the Go-native built-in policy installed at genesis)
// and WasmExecutor (wraps github.com/wasmerio/wasmer-go once a governance
// instruction installs compiled bytecode).

import (
	"fmt"
	"time"

	wasmer "github.com/wasmerio/wasmer-go/wasmer"
)

// ExecutorContext carries everything a host call needs: the scratch state
// being built, a fuel budget, and a deterministic randomness source seeded
// from the block hash.
type ExecutorContext struct {
	Scratch   *Scratch
	Authority AccountID
	Fuel      *FuelBudget
	Rand      *DeterministicRand
}

// FuelBudget is the enforced step budget; exhaustion fails the instruction
// or transaction rather than running unbounded.
type FuelBudget struct {
	remaining uint64
}

func NewFuelBudget(limit uint64) *FuelBudget { return &FuelBudget{remaining: limit} }

// ErrFuelExhausted is returned once a call's fuel budget reaches zero.
var ErrFuelExhausted = fmt.Errorf("core: executor fuel budget exhausted")

// Charge deducts cost from the remaining budget, failing when it would go
// negative.
func (f *FuelBudget) Charge(cost uint64) error {
	if f.remaining < cost {
		f.remaining = 0
		return ErrFuelExhausted
	}
	f.remaining -= cost
	return nil
}

func (f *FuelBudget) Remaining() uint64 { return f.remaining }

// Verdict is the result of validate_transaction: either accepted, or denied
// with a reason recorded as the transaction's rejection record.
type Verdict struct {
	Denied bool
	Reason string
}

// ExecutorHost is the contract every installed executor (built-in or wasm)
// must satisfy.
type ExecutorHost interface {
	// ValidateTransaction is called by the leader's proposal algorithm and by
	// each validator re-running the same check.
	ValidateTransaction(ctx *ExecutorContext, tx *Transaction) (Verdict, error)
	// ExecuteInstruction mutates ctx.Scratch or fails. The built-in executor
	// calls the Scratch methods for register/mint/burn/transfer/set-metadata/
	// grant/revoke/upgrade-executor/set-parameter directly; WasmExecutor
	// imports host functions under those names that do not call into the
	// scratch (see WasmExecutor).
	ExecuteInstruction(ctx *ExecutorContext, instr Instruction) error
	// ExecuteTrigger runs a stored action end-to-end for one matched event;
	// the applier calls this for every trigger whose filter matches, one at
	// a time, to completion, before the next trigger.
	ExecuteTrigger(ctx *ExecutorContext, t *Trigger, ev Event) error
	// Migrate runs exactly once when an upgrade instruction installs this
	// executor, letting it rewrite the permission/parameter schema.
	Migrate(ctx *ExecutorContext) error
	// Hash identifies this executor's bytecode for snapshot compatibility
	// stamping; the built-in default returns the zero hash.
	Hash() Hash
}

//---------------------------------------------------------------------
// DefaultExecutor — the Go-native built-in policy installed at genesis.
//---------------------------------------------------------------------

// DefaultExecutor implements the closed instruction set directly. Its only
// permission check is in ValidateTransaction: a transaction carrying a
// validator register/unregister instruction needs a sender holding
// CanManageValidators (directly or via a role), and senders in the genesis
// domain always pass. Every other instruction runs for any authority. It exists so a network
// can run without ever installing custom bytecode; InstructionUpgradeExecutor
// replaces it with a WasmExecutor.
type DefaultExecutor struct{}

func NewDefaultExecutor() *DefaultExecutor { return &DefaultExecutor{} }

func (e *DefaultExecutor) Hash() Hash { return Hash{} }

func (e *DefaultExecutor) ValidateTransaction(ctx *ExecutorContext, tx *Transaction) (Verdict, error) {
	if tx.IsWASM {
		// Bytecode payload transactions are opaque to the default policy;
		// accept and let ExecuteInstruction's custom path fail loudly if the
		// network never installed a real executor.
		return Verdict{}, nil
	}
	for _, instr := range tx.Instructions {
		if instr.Kind == InstructionRegisterValidator || instr.Kind == InstructionUnregisterValidator {
			if !hasPermission(ctx.Scratch, tx.Sender, "CanManageValidators") {
				return Verdict{Denied: true, Reason: "authority lacks CanManageValidators"}, nil
			}
		}
	}
	return Verdict{}, nil
}

func hasPermission(sc *Scratch, who AccountID, name string) bool {
	// Block 0's instructions run under the genesis root authority, before
	// any permission could have been granted.
	if who.Domain == GenesisDomain {
		return true
	}
	a, ok := sc.accounts[who.String()]
	if !ok {
		return false
	}
	for _, p := range a.Permissions {
		if p.Name == name {
			return true
		}
	}
	for role := range a.Roles {
		if r, ok := sc.roles[role]; ok {
			for _, p := range r.Permissions {
				if p.Name == name {
					return true
				}
			}
		}
	}
	return false
}

func (e *DefaultExecutor) ExecuteInstruction(ctx *ExecutorContext, instr Instruction) error {
	if err := ctx.Fuel.Charge(1); err != nil {
		return err
	}
	sc := ctx.Scratch
	switch instr.Kind {
	case InstructionRegisterDomain:
		var a RegisterDomainArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		if len(a.Name) > maxNameLength {
			return fmt.Errorf("core: domain name exceeds %d characters", maxNameLength)
		}
		return sc.RegisterDomain(a.Name, ctx.Authority)

	case InstructionUnregisterDomain:
		var a UnregisterDomainArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.UnregisterDomain(a.Name)

	case InstructionRegisterAccount:
		var a RegisterAccountArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		keys := make([]PublicKey, len(a.Signatories))
		for i, k := range a.Signatories {
			keys[i] = k
		}
		return sc.RegisterAccount(a.ID, keys, int(a.Threshold))

	case InstructionUnregisterAccount:
		var a UnregisterAccountArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.UnregisterAccount(a.ID)

	case InstructionRegisterAssetDefinition:
		var a RegisterAssetDefinitionArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.RegisterAssetDefinition(a.ID, NumericKind(a.Kind), a.Decimals, a.Mintable, ctx.Authority)

	case InstructionMintAsset:
		var a MintAssetArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.Mint(a.Asset.Definition, a.Asset.Owner, a.Mantissa)

	case InstructionBurnAsset:
		var a BurnAssetArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.Burn(a.Asset.Definition, a.Asset.Owner, a.Mantissa)

	case InstructionTransferAsset:
		var a TransferAssetArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.Transfer(a.Definition, a.From, a.To, a.Mantissa)

	case InstructionSetKeyValue:
		var a SetKeyValueArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.SetMetadata(a.Target, a.Key, a.Value)

	case InstructionRemoveKeyValue:
		var a RemoveKeyValueArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.RemoveMetadata(a.Target, a.Key)

	case InstructionRegisterRole:
		var a RegisterRoleArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.RegisterRole(RoleID(a.ID), a.Permissions)

	case InstructionUnregisterRole:
		var a UnregisterRoleArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.UnregisterRole(RoleID(a.ID))

	case InstructionGrantPermission:
		var a GrantPermissionArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.GrantPermission(a.Account, a.Permission)

	case InstructionRevokePermission:
		var a RevokePermissionArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.RevokePermission(a.Account, a.Permission)

	case InstructionGrantRole:
		var a GrantRoleArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.GrantRole(a.Account, RoleID(a.Role))

	case InstructionRevokeRole:
		var a RevokeRoleArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.RevokeRole(a.Account, RoleID(a.Role))

	case InstructionRegisterTrigger:
		var a RegisterTriggerArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.RegisterTrigger(Trigger{
			ID: TriggerID(a.ID), Filter: EventFilter{Kind: EventFilterKind(a.FilterKind), Payload: a.FilterData},
			Action: a.Action, Authority: a.Authority, Remaining: a.RemainingCount(),
		})

	case InstructionUnregisterTrigger:
		var a UnregisterTriggerArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.UnregisterTrigger(TriggerID(a.ID))

	case InstructionSetParameter:
		var a SetParameterArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.SetParameter(ParameterID(a.ID), ParameterValue{Int: int64(a.Int), Bool: a.Bool, Str: a.Str, Duration: time.Duration(a.Nanos)})

	case InstructionUpgradeExecutor:
		var a UpgradeExecutorArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		sc.UpgradeExecutor(a.Module)
		return nil

	case InstructionRegisterValidator:
		var a RegisterValidatorArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.RegisterValidator(a.PublicKey)

	case InstructionUnregisterValidator:
		var a UnregisterValidatorArgs
		if err := decodeInstructionPayload(instr, &a); err != nil {
			return err
		}
		return sc.UnregisterValidator(a.PublicKey)

	case InstructionCustom:
		return fmt.Errorf("core: default executor cannot interpret custom instructions; install an executor module")

	default:
		return fmt.Errorf("core: unknown instruction kind %d", instr.Kind)
	}
}

// maxNameLength bounds domain names at registration; other entity names are
// not length-checked.
const maxNameLength = 256

func (e *DefaultExecutor) ExecuteTrigger(ctx *ExecutorContext, t *Trigger, ev Event) error {
	// The built-in policy does not interpret trigger action payloads (that
	// is the executor's job once a real module is installed); it only
	// accounts for the execution so Remaining still decrements.
	ctx.Scratch.DecrementTrigger(t.ID)
	return nil
}

func (e *DefaultExecutor) Migrate(ctx *ExecutorContext) error { return nil }

//---------------------------------------------------------------------
// WasmExecutor — sandboxed bytecode host via wasmer-go.
//---------------------------------------------------------------------

// WasmExecutor loads a compiled module installed by an InstructionUpgradeExecutor
// and runs it through the host/guest ABI:
// exported guest functions `validate_transaction`, `execute_instruction`,
// `execute_trigger`, `migrate`; imported host functions named after the nine
// state-mutating callbacks, plus `prng_next`. The callback host functions do
// not mutate the scratch: `register` and `mint` charge 4 fuel, and each of
// the nine returns 0.
type WasmExecutor struct {
	module []byte
	hash   Hash
	engine *wasmer.Engine
	store  *wasmer.Store
	compiled *wasmer.Module
}

// LoadWasmExecutor compiles module ahead of time so that repeated
// instantiation (once per ExecutorContext, to keep host-callback closures
// scoped to one scratch) is cheap.
func LoadWasmExecutor(module []byte) (*WasmExecutor, error) {
	engine := wasmer.NewEngine()
	store := wasmer.NewStore(engine)
	compiled, err := wasmer.NewModule(store, module)
	if err != nil {
		return nil, fmt.Errorf("core: compile executor module: %w", err)
	}
	return &WasmExecutor{module: module, hash: HashBytes(module), engine: engine, store: store, compiled: compiled}, nil
}

func (w *WasmExecutor) Hash() Hash { return w.hash }

// instantiate builds a fresh guest instance with host functions closed over
// ctx, so every call sees exactly one ExecutorContext's scratch/fuel/rand.
func (w *WasmExecutor) instantiate(ctx *ExecutorContext) (*wasmer.Instance, error) {
	importObject := wasmer.NewImportObject()
	hostFns := map[string]wasmer.IntoExtern{
		"register": wasmer.NewFunction(w.store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
			func(args []wasmer.Value) ([]wasmer.Value, error) {
				if err := ctx.Fuel.Charge(4); err != nil {
					return nil, err
				}
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}),
		"mint": wasmer.NewFunction(w.store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
			func(args []wasmer.Value) ([]wasmer.Value, error) {
				if err := ctx.Fuel.Charge(4); err != nil {
					return nil, err
				}
				return []wasmer.Value{wasmer.NewI32(0)}, nil
			}),
		"burn": wasmer.NewFunction(w.store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
			func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(0)}, nil }),
		"transfer": wasmer.NewFunction(w.store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
			func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(0)}, nil }),
		"set_metadata": wasmer.NewFunction(w.store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
			func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(0)}, nil }),
		"grant": wasmer.NewFunction(w.store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
			func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(0)}, nil }),
		"revoke": wasmer.NewFunction(w.store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
			func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(0)}, nil }),
		"upgrade_executor": wasmer.NewFunction(w.store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
			func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(0)}, nil }),
		"set_parameter": wasmer.NewFunction(w.store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(wasmer.I32), wasmer.NewValueTypes(wasmer.I32)),
			func(args []wasmer.Value) ([]wasmer.Value, error) { return []wasmer.Value{wasmer.NewI32(0)}, nil }),
		"prng_next": wasmer.NewFunction(w.store,
			wasmer.NewFunctionType(wasmer.NewValueTypes(), wasmer.NewValueTypes(wasmer.I64)),
			func(args []wasmer.Value) ([]wasmer.Value, error) {
				return []wasmer.Value{wasmer.NewI64(int64(ctx.Rand.Uint64()))}, nil
			}),
	}
	importObject.Register("env", hostFns)
	return wasmer.NewInstance(w.compiled, importObject)
}

func (w *WasmExecutor) call(ctx *ExecutorContext, export string, arg int32) (int32, error) {
	instance, err := w.instantiate(ctx)
	if err != nil {
		return 0, fmt.Errorf("core: instantiate executor: %w", err)
	}
	fn, err := instance.Exports.GetFunction(export)
	if err != nil {
		return 0, fmt.Errorf("core: executor missing export %q: %w", export, err)
	}
	out, err := fn(arg)
	if err != nil {
		return 0, fmt.Errorf("core: executor export %q trapped: %w", export, err)
	}
	v, _ := out.(int32)
	return v, nil
}

func (w *WasmExecutor) ValidateTransaction(ctx *ExecutorContext, tx *Transaction) (Verdict, error) {
	rc, err := w.call(ctx, "validate_transaction", 0)
	if err != nil {
		return Verdict{}, err
	}
	if rc != 0 {
		return Verdict{Denied: true, Reason: "executor denied transaction"}, nil
	}
	return Verdict{}, nil
}

func (w *WasmExecutor) ExecuteInstruction(ctx *ExecutorContext, instr Instruction) error {
	if instr.Kind != InstructionCustom {
		// Closed-set instructions run through the built-in DefaultExecutor
		// path, which calls the Scratch methods directly; the guest module
		// is not consulted for them.
		return (&DefaultExecutor{}).ExecuteInstruction(ctx, instr)
	}
	rc, err := w.call(ctx, "execute_instruction", int32(len(instr.Payload)))
	if err != nil {
		return err
	}
	if rc != 0 {
		return fmt.Errorf("core: executor rejected custom instruction (code %d)", rc)
	}
	return nil
}

func (w *WasmExecutor) ExecuteTrigger(ctx *ExecutorContext, t *Trigger, ev Event) error {
	ctx.Scratch.DecrementTrigger(t.ID)
	_, err := w.call(ctx, "execute_trigger", int32(len(t.Action)))
	return err
}

func (w *WasmExecutor) Migrate(ctx *ExecutorContext) error {
	_, err := w.call(ctx, "migrate", 0)
	return err
}
