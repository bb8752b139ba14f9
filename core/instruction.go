// SPDX-License-Identifier: Apache-2.0
package core

// instruction.go – the closed set of ledger-mutating instructions plus the
// single Custom escape hatch interpreted only by the executor. RLP has no
// native sum-type support, so each Instruction carries a Kind tag and an
// RLP-encoded Payload specific to that kind; decodeInstructionPayload
// unpacks it into the concrete struct the applier and executor operate on.

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

type InstructionKind uint8

const (
	InstructionRegisterDomain InstructionKind = iota
	InstructionUnregisterDomain
	InstructionRegisterAccount
	InstructionUnregisterAccount
	InstructionRegisterAssetDefinition
	InstructionMintAsset
	InstructionBurnAsset
	InstructionTransferAsset
	InstructionSetKeyValue
	InstructionRemoveKeyValue
	InstructionRegisterRole
	InstructionUnregisterRole
	InstructionGrantPermission
	InstructionRevokePermission
	InstructionGrantRole
	InstructionRevokeRole
	InstructionRegisterTrigger
	InstructionUnregisterTrigger
	InstructionSetParameter
	InstructionUpgradeExecutor
	InstructionRegisterValidator
	InstructionUnregisterValidator
	// InstructionCustom is the sole open-world escape: its Payload is opaque
	// to the core and interpreted only by the executor.
	InstructionCustom InstructionKind = 255
)

// Instruction is one operation inside a transaction body.
type Instruction struct {
	Kind    InstructionKind
	Payload []byte
}

func encodeInstruction(kind InstructionKind, v interface{}) (Instruction, error) {
	p, err := rlp.EncodeToBytes(v)
	if err != nil {
		return Instruction{}, fmt.Errorf("core: encode instruction %d: %w", kind, err)
	}
	return Instruction{Kind: kind, Payload: p}, nil
}

// decodeInstructionPayload decodes ins.Payload into v, which must match the
// struct registered for ins.Kind.
func decodeInstructionPayload(ins Instruction, v interface{}) error {
	if err := rlp.DecodeBytes(ins.Payload, v); err != nil {
		return fmt.Errorf("%w: instruction kind %d: %v", ErrMalformedWire, ins.Kind, err)
	}
	return nil
}

//---------------------------------------------------------------------
// Per-kind payload structs and constructors
//---------------------------------------------------------------------

type RegisterDomainArgs struct {
	Name string
}

func NewRegisterDomain(name string) (Instruction, error) {
	return encodeInstruction(InstructionRegisterDomain, &RegisterDomainArgs{Name: name})
}

type UnregisterDomainArgs struct{ Name string }

func NewUnregisterDomain(name string) (Instruction, error) {
	return encodeInstruction(InstructionUnregisterDomain, &UnregisterDomainArgs{Name: name})
}

type RegisterAccountArgs struct {
	ID          AccountID
	Signatories [][]byte
	Threshold   uint32
}

func NewRegisterAccount(id AccountID, signatories []PublicKey, threshold int) (Instruction, error) {
	raw := make([][]byte, len(signatories))
	for i, k := range signatories {
		raw[i] = k
	}
	return encodeInstruction(InstructionRegisterAccount, &RegisterAccountArgs{ID: id, Signatories: raw, Threshold: uint32(threshold)})
}

type UnregisterAccountArgs struct{ ID AccountID }

func NewUnregisterAccount(id AccountID) (Instruction, error) {
	return encodeInstruction(InstructionUnregisterAccount, &UnregisterAccountArgs{ID: id})
}

type RegisterAssetDefinitionArgs struct {
	ID       AssetDefinitionID
	Kind     uint8
	Decimals uint8
	Mintable bool
}

func NewRegisterAssetDefinition(id AssetDefinitionID, kind NumericKind, decimals uint8, mintable bool) (Instruction, error) {
	return encodeInstruction(InstructionRegisterAssetDefinition, &RegisterAssetDefinitionArgs{
		ID: id, Kind: uint8(kind), Decimals: decimals, Mintable: mintable,
	})
}

type MintAssetArgs struct {
	Asset    AssetID
	Mantissa uint64
}

func NewMintAsset(asset AssetID, amount uint64) (Instruction, error) {
	return encodeInstruction(InstructionMintAsset, &MintAssetArgs{Asset: asset, Mantissa: amount})
}

type BurnAssetArgs struct {
	Asset    AssetID
	Mantissa uint64
}

func NewBurnAsset(asset AssetID, amount uint64) (Instruction, error) {
	return encodeInstruction(InstructionBurnAsset, &BurnAssetArgs{Asset: asset, Mantissa: amount})
}

type TransferAssetArgs struct {
	Definition AssetDefinitionID
	From       AccountID
	To         AccountID
	Mantissa   uint64
}

func NewTransferAsset(def AssetDefinitionID, from, to AccountID, amount uint64) (Instruction, error) {
	return encodeInstruction(InstructionTransferAsset, &TransferAssetArgs{Definition: def, From: from, To: to, Mantissa: amount})
}

type SetKeyValueArgs struct {
	Target AccountID // metadata target; domains use Target.Domain with empty Name
	Key    string
	Value  []byte
}

func NewSetKeyValue(target AccountID, key string, value []byte) (Instruction, error) {
	return encodeInstruction(InstructionSetKeyValue, &SetKeyValueArgs{Target: target, Key: key, Value: value})
}

type RemoveKeyValueArgs struct {
	Target AccountID
	Key    string
}

func NewRemoveKeyValue(target AccountID, key string) (Instruction, error) {
	return encodeInstruction(InstructionRemoveKeyValue, &RemoveKeyValueArgs{Target: target, Key: key})
}

type RegisterRoleArgs struct {
	ID          string
	Permissions []Permission
}

func NewRegisterRole(id string, perms []Permission) (Instruction, error) {
	return encodeInstruction(InstructionRegisterRole, &RegisterRoleArgs{ID: id, Permissions: perms})
}

type UnregisterRoleArgs struct{ ID string }

func NewUnregisterRole(id string) (Instruction, error) {
	return encodeInstruction(InstructionUnregisterRole, &UnregisterRoleArgs{ID: id})
}

type GrantPermissionArgs struct {
	Account    AccountID
	Permission Permission
}

func NewGrantPermission(account AccountID, p Permission) (Instruction, error) {
	return encodeInstruction(InstructionGrantPermission, &GrantPermissionArgs{Account: account, Permission: p})
}

type RevokePermissionArgs struct {
	Account    AccountID
	Permission Permission
}

func NewRevokePermission(account AccountID, p Permission) (Instruction, error) {
	return encodeInstruction(InstructionRevokePermission, &RevokePermissionArgs{Account: account, Permission: p})
}

type GrantRoleArgs struct {
	Account AccountID
	Role    string
}

func NewGrantRole(account AccountID, role string) (Instruction, error) {
	return encodeInstruction(InstructionGrantRole, &GrantRoleArgs{Account: account, Role: role})
}

type RevokeRoleArgs struct {
	Account AccountID
	Role    string
}

func NewRevokeRole(account AccountID, role string) (Instruction, error) {
	return encodeInstruction(InstructionRevokeRole, &RevokeRoleArgs{Account: account, Role: role})
}

// RegisterTriggerArgs carries the trigger's repeat budget as an unsigned
// count plus an Unlimited flag (RLP has no signed integers; Trigger.Remaining
// uses -1 for unlimited in memory).
type RegisterTriggerArgs struct {
	ID        string
	FilterKind uint8
	FilterData []byte
	Action    []byte
	Authority AccountID
	Repeats   uint64
	Unlimited bool
}

func NewRegisterTrigger(t Trigger) (Instruction, error) {
	args := &RegisterTriggerArgs{
		ID: string(t.ID), FilterKind: uint8(t.Filter.Kind), FilterData: t.Filter.Payload,
		Action: t.Action, Authority: t.Authority,
	}
	if t.Remaining < 0 {
		args.Unlimited = true
	} else {
		args.Repeats = uint64(t.Remaining)
	}
	return encodeInstruction(InstructionRegisterTrigger, args)
}

// RemainingCount converts the wire repeat budget back to Trigger.Remaining form.
func (a *RegisterTriggerArgs) RemainingCount() int64 {
	if a.Unlimited {
		return -1
	}
	return int64(a.Repeats)
}

type UnregisterTriggerArgs struct{ ID string }

func NewUnregisterTrigger(id string) (Instruction, error) {
	return encodeInstruction(InstructionUnregisterTrigger, &UnregisterTriggerArgs{ID: id})
}

// SetParameterArgs widens ParameterValue onto unsigned wire fields; every
// governed parameter is a non-negative count or duration.
type SetParameterArgs struct {
	ID    string
	Int   uint64
	Bool  bool
	Str   string
	Nanos uint64
}

func NewSetParameter(id ParameterID, v ParameterValue) (Instruction, error) {
	return encodeInstruction(InstructionSetParameter, &SetParameterArgs{
		ID: string(id), Int: uint64(v.Int), Bool: v.Bool, Str: v.Str, Nanos: uint64(v.Duration),
	})
}

type UpgradeExecutorArgs struct {
	Module []byte // new executor wasm bytecode
}

func NewUpgradeExecutor(module []byte) (Instruction, error) {
	return encodeInstruction(InstructionUpgradeExecutor, &UpgradeExecutorArgs{Module: module})
}

type RegisterValidatorArgs struct {
	PublicKey []byte
}

func NewRegisterValidator(pub PublicKey) (Instruction, error) {
	return encodeInstruction(InstructionRegisterValidator, &RegisterValidatorArgs{PublicKey: pub})
}

type UnregisterValidatorArgs struct {
	PublicKey []byte
}

func NewUnregisterValidator(pub PublicKey) (Instruction, error) {
	return encodeInstruction(InstructionUnregisterValidator, &UnregisterValidatorArgs{PublicKey: pub})
}

// NewCustomInstruction builds the single open-world escape handed verbatim
// to the executor.
func NewCustomInstruction(payload []byte) Instruction {
	return Instruction{Kind: InstructionCustom, Payload: payload}
}
