// SPDX-License-Identifier: Apache-2.0
package core

// scratch.go – the mutable working copy of world state used while applying a
// block. Scratch holds plain values (not pointers) in its maps so that
// Checkpoint/Rollback can decouple a transaction's in-progress edits from the
// rest of the block with a map copy (accounts and domain metadata, whose
// nested maps and slices are edited in place, are cloned), giving per-transaction
// rollback ("instruction-level failure rolls back only that transaction's
// effects within the scratch") without touching a shared mutable graph.

import (
	"fmt"
	"time"
)

// unixMilliToTime converts a block header's millisecond timestamp to a
// time.Time, matching the same conversion transaction.go uses for tx
// creation times.
func unixMilliToTime(ms int64) time.Time { return time.UnixMilli(ms) }

// Scratch is opened once per apply(block) call and discarded (committed or
// dropped) at the end of it; it is never shared across blocks.
type Scratch struct {
	domains    map[string]Domain
	accounts   map[string]Account
	assetDefs  map[string]AssetDefinition
	assets     map[string]Asset
	roles      map[RoleID]Role
	triggers   map[TriggerID]Trigger
	parameters map[ParameterID]ParameterValue
	validators []PublicKey

	executorModule []byte
	executorHash   Hash

	height    uint64
	timestamp int64 // unix millis of the block being applied; the only clock the executor may read
}

// BeginScratch opens a scratch transaction over s for block application.
func (s *State) BeginScratch(blockTimestampUnixMilli int64) *Scratch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sc := &Scratch{
		domains:      make(map[string]Domain, len(s.domains)),
		accounts:     make(map[string]Account, len(s.accounts)),
		assetDefs:    make(map[string]AssetDefinition, len(s.assetDefs)),
		assets:       make(map[string]Asset, len(s.assets)),
		roles:        make(map[RoleID]Role, len(s.roles)),
		triggers:     make(map[TriggerID]Trigger, len(s.triggers)),
		parameters:   make(map[ParameterID]ParameterValue, len(s.parameters)),
		validators:   append([]PublicKey(nil), s.validators...),
		executorModule: s.executorModule,
		executorHash: s.executorHash,
		height:       s.height,
		timestamp:    blockTimestampUnixMilli,
	}
	for k, v := range s.domains {
		d := *v
		d.Metadata = cloneStringMap(v.Metadata)
		sc.domains[k] = d
	}
	for k, v := range s.accounts {
		sc.accounts[k] = cloneAccount(*v)
	}
	for k, v := range s.assetDefs {
		sc.assetDefs[k] = *v
	}
	for k, v := range s.assets {
		sc.assets[k] = cloneAsset(*v)
	}
	for k, v := range s.roles {
		sc.roles[k] = *v
	}
	for k, v := range s.triggers {
		sc.triggers[k] = *v
	}
	for k, v := range s.parameters {
		sc.parameters[k] = v
	}
	return sc
}

// checkpoint is a copy of every scratch collection, taken before executing
// one transaction's instructions; accounts and domain metadata are cloned.
type checkpoint struct {
	domains    map[string]Domain
	accounts   map[string]Account
	assetDefs  map[string]AssetDefinition
	assets     map[string]Asset
	roles      map[RoleID]Role
	triggers   map[TriggerID]Trigger
	parameters map[ParameterID]ParameterValue
	validators []PublicKey
	executorModule []byte
	executorHash   Hash
}

// Checkpoint snapshots the scratch so a failed transaction's effects can be
// discarded with Rollback while leaving earlier transactions' effects intact.
func (sc *Scratch) Checkpoint() checkpoint {
	cp := checkpoint{
		domains:      make(map[string]Domain, len(sc.domains)),
		accounts:     make(map[string]Account, len(sc.accounts)),
		assetDefs:    make(map[string]AssetDefinition, len(sc.assetDefs)),
		assets:       make(map[string]Asset, len(sc.assets)),
		roles:        make(map[RoleID]Role, len(sc.roles)),
		triggers:     make(map[TriggerID]Trigger, len(sc.triggers)),
		parameters:   make(map[ParameterID]ParameterValue, len(sc.parameters)),
		validators:   append([]PublicKey(nil), sc.validators...),
		executorModule: sc.executorModule,
		executorHash: sc.executorHash,
	}
	for k, v := range sc.domains {
		v.Metadata = cloneStringMap(v.Metadata)
		cp.domains[k] = v
	}
	for k, v := range sc.accounts {
		cp.accounts[k] = cloneAccount(v)
	}
	for k, v := range sc.assetDefs {
		cp.assetDefs[k] = v
	}
	for k, v := range sc.assets {
		cp.assets[k] = v
	}
	for k, v := range sc.roles {
		cp.roles[k] = v
	}
	for k, v := range sc.triggers {
		cp.triggers[k] = v
	}
	for k, v := range sc.parameters {
		cp.parameters[k] = v
	}
	return cp
}

// Rollback restores sc to cp, discarding every edit made since Checkpoint.
func (sc *Scratch) Rollback(cp checkpoint) {
	sc.domains = cp.domains
	sc.accounts = cp.accounts
	sc.assetDefs = cp.assetDefs
	sc.assets = cp.assets
	sc.roles = cp.roles
	sc.triggers = cp.triggers
	sc.parameters = cp.parameters
	sc.validators = cp.validators
	sc.executorModule = cp.executorModule
	sc.executorHash = cp.executorHash
}

// Commit atomically replaces s's live collections with sc's, under s's
// single writer lock. Called once, after the whole block's state root has
// been verified to match the header.
func (s *State) Commit(sc *Scratch) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.domains = make(map[string]*Domain, len(sc.domains))
	for k, v := range sc.domains {
		v := v
		s.domains[k] = &v
	}
	s.accounts = make(map[string]*Account, len(sc.accounts))
	for k, v := range sc.accounts {
		v := v
		s.accounts[k] = &v
	}
	s.assetDefs = make(map[string]*AssetDefinition, len(sc.assetDefs))
	for k, v := range sc.assetDefs {
		v := v
		s.assetDefs[k] = &v
	}
	s.assets = make(map[string]*Asset, len(sc.assets))
	for k, v := range sc.assets {
		if v.IsEmpty() {
			continue // asset lifecycle: pruned when value reaches zero / store empties
		}
		v := v
		s.assets[k] = &v
	}
	s.roles = make(map[RoleID]*Role, len(sc.roles))
	for k, v := range sc.roles {
		v := v
		s.roles[k] = &v
	}
	s.triggers = make(map[TriggerID]*Trigger, len(sc.triggers))
	for k, v := range sc.triggers {
		if v.Exhausted() {
			continue
		}
		v := v
		s.triggers[k] = &v
	}
	s.parameters = make(map[ParameterID]ParameterValue, len(sc.parameters))
	for k, v := range sc.parameters {
		s.parameters[k] = v
	}
	s.validators = append([]PublicKey(nil), sc.validators...)
	s.executorModule = sc.executorModule
	s.executorHash = sc.executorHash
	s.height = sc.height
	s.blockTimestamp = unixMilliToTime(sc.timestamp)
}

//---------------------------------------------------------------------
// Host-callback mutations.
// Each returns an error rather than panicking so the executor's
// execute_instruction can surface a structured failure for the applier to
// record as a transaction rejection.
//---------------------------------------------------------------------

func (sc *Scratch) RegisterDomain(name string, owner AccountID) error {
	if _, ok := sc.domains[name]; ok {
		return ErrEntityExists
	}
	sc.domains[name] = Domain{Name: name, Metadata: map[string]string{}, Owner: owner}
	return nil
}

func (sc *Scratch) UnregisterDomain(name string) error {
	if _, ok := sc.domains[name]; !ok {
		return ErrEntityNotFound
	}
	delete(sc.domains, name)
	return nil
}

func (sc *Scratch) RegisterAccount(id AccountID, signatories []PublicKey, threshold int) error {
	if _, ok := sc.domains[id.Domain]; !ok {
		return fmt.Errorf("%w: domain %q", ErrEntityNotFound, id.Domain)
	}
	key := id.String()
	if _, ok := sc.accounts[key]; ok {
		return ErrEntityExists
	}
	if threshold <= 0 {
		threshold = 1
	}
	sc.accounts[key] = Account{
		ID: id, Signatories: signatories, SignatureThreshold: threshold,
		Metadata: map[string]string{}, Roles: map[RoleID]struct{}{},
	}
	return nil
}

func (sc *Scratch) UnregisterAccount(id AccountID) error {
	key := id.String()
	if _, ok := sc.accounts[key]; !ok {
		return ErrEntityNotFound
	}
	delete(sc.accounts, key)
	return nil
}

func (sc *Scratch) RegisterAssetDefinition(id AssetDefinitionID, kind NumericKind, decimals uint8, mintable bool, owner AccountID) error {
	key := id.String()
	if _, ok := sc.assetDefs[key]; ok {
		return ErrEntityExists
	}
	sc.assetDefs[key] = AssetDefinition{ID: id, Kind: kind, Decimals: decimals, Mintable: mintable, Owner: owner}
	return nil
}

// Mint increases owner's balance of def, auto-creating the Asset if
// absent. Fails if def is not mintable or on overflow.
func (sc *Scratch) Mint(def AssetDefinitionID, owner AccountID, amount uint64) error {
	defKey := def.String()
	d, ok := sc.assetDefs[defKey]
	if !ok {
		return fmt.Errorf("%w: asset definition %s", ErrEntityNotFound, defKey)
	}
	if !d.Mintable {
		return fmt.Errorf("core: asset %s is not mintable", defKey)
	}
	id := AssetID{Definition: def, Owner: owner}
	key := id.String()
	cur, ok := sc.assets[key]
	if !ok {
		cur = Asset{ID: id, Value: ZeroDecimal(d.Decimals)}
	}
	next, err := cur.Value.Add(NewDecimal(amount, d.Decimals))
	if err != nil {
		return err
	}
	cur.Value = next
	sc.assets[key] = cur
	return nil
}

// Burn decreases owner's balance of def, failing rather than going
// negative.
func (sc *Scratch) Burn(def AssetDefinitionID, owner AccountID, amount uint64) error {
	id := AssetID{Definition: def, Owner: owner}
	key := id.String()
	cur, ok := sc.assets[key]
	if !ok {
		return fmt.Errorf("%w: asset %s", ErrEntityNotFound, key)
	}
	next, err := cur.Value.Sub(NewDecimal(amount, cur.Value.Scale))
	if err != nil {
		return err
	}
	cur.Value = next
	sc.assets[key] = cur
	return nil
}

// Transfer moves amount of def from one account's balance to another's,
// atomically: either both balances update or neither does.
func (sc *Scratch) Transfer(def AssetDefinitionID, from, to AccountID, amount uint64) error {
	fromID := AssetID{Definition: def, Owner: from}
	fromKey := fromID.String()
	fromAsset, ok := sc.assets[fromKey]
	if !ok {
		return fmt.Errorf("%w: asset %s", ErrEntityNotFound, fromKey)
	}
	newFrom, err := fromAsset.Value.Sub(NewDecimal(amount, fromAsset.Value.Scale))
	if err != nil {
		return err
	}
	toID := AssetID{Definition: def, Owner: to}
	toKey := toID.String()
	toAsset, ok := sc.assets[toKey]
	if !ok {
		toAsset = Asset{ID: toID, Value: ZeroDecimal(fromAsset.Value.Scale)}
	}
	newTo, err := toAsset.Value.Add(NewDecimal(amount, toAsset.Value.Scale))
	if err != nil {
		return err
	}
	fromAsset.Value = newFrom
	toAsset.Value = newTo
	sc.assets[fromKey] = fromAsset
	sc.assets[toKey] = toAsset
	return nil
}

func (sc *Scratch) SetMetadata(target AccountID, key string, value []byte) error {
	if target.Name == "" {
		d, ok := sc.domains[target.Domain]
		if !ok {
			return fmt.Errorf("%w: domain %q", ErrEntityNotFound, target.Domain)
		}
		if d.Metadata == nil {
			d.Metadata = map[string]string{}
		}
		d.Metadata[key] = string(value)
		sc.domains[target.Domain] = d
		return nil
	}
	akey := target.String()
	a, ok := sc.accounts[akey]
	if !ok {
		return fmt.Errorf("%w: account %s", ErrEntityNotFound, akey)
	}
	if a.Metadata == nil {
		a.Metadata = map[string]string{}
	}
	a.Metadata[key] = string(value)
	sc.accounts[akey] = a
	return nil
}

func (sc *Scratch) RemoveMetadata(target AccountID, key string) error {
	if target.Name == "" {
		d, ok := sc.domains[target.Domain]
		if !ok {
			return ErrEntityNotFound
		}
		delete(d.Metadata, key)
		sc.domains[target.Domain] = d
		return nil
	}
	akey := target.String()
	a, ok := sc.accounts[akey]
	if !ok {
		return ErrEntityNotFound
	}
	delete(a.Metadata, key)
	sc.accounts[akey] = a
	return nil
}

func (sc *Scratch) RegisterRole(id RoleID, perms []Permission) error {
	if _, ok := sc.roles[id]; ok {
		return ErrEntityExists
	}
	sc.roles[id] = Role{ID: id, Permissions: perms}
	return nil
}

func (sc *Scratch) UnregisterRole(id RoleID) error {
	if _, ok := sc.roles[id]; !ok {
		return ErrEntityNotFound
	}
	delete(sc.roles, id)
	return nil
}

func (sc *Scratch) GrantPermission(account AccountID, p Permission) error {
	key := account.String()
	a, ok := sc.accounts[key]
	if !ok {
		return ErrEntityNotFound
	}
	a.Permissions = append(a.Permissions, p)
	sc.accounts[key] = a
	return nil
}

func (sc *Scratch) RevokePermission(account AccountID, p Permission) error {
	key := account.String()
	a, ok := sc.accounts[key]
	if !ok {
		return ErrEntityNotFound
	}
	kept := a.Permissions[:0]
	for _, existing := range a.Permissions {
		if existing.Name != p.Name {
			kept = append(kept, existing)
		}
	}
	a.Permissions = kept
	sc.accounts[key] = a
	return nil
}

func (sc *Scratch) GrantRole(account AccountID, role RoleID) error {
	key := account.String()
	a, ok := sc.accounts[key]
	if !ok {
		return ErrEntityNotFound
	}
	if _, ok := sc.roles[role]; !ok {
		return fmt.Errorf("%w: role %s", ErrEntityNotFound, role)
	}
	if a.Roles == nil {
		a.Roles = map[RoleID]struct{}{}
	}
	a.Roles[role] = struct{}{}
	sc.accounts[key] = a
	return nil
}

func (sc *Scratch) RevokeRole(account AccountID, role RoleID) error {
	key := account.String()
	a, ok := sc.accounts[key]
	if !ok {
		return ErrEntityNotFound
	}
	delete(a.Roles, role)
	sc.accounts[key] = a
	return nil
}

func (sc *Scratch) RegisterTrigger(t Trigger) error {
	if _, ok := sc.triggers[t.ID]; ok {
		return ErrEntityExists
	}
	sc.triggers[t.ID] = t
	return nil
}

func (sc *Scratch) UnregisterTrigger(id TriggerID) error {
	if _, ok := sc.triggers[id]; !ok {
		return ErrEntityNotFound
	}
	delete(sc.triggers, id)
	return nil
}

// DecrementTrigger records one execution of t; the applier prunes it from
// the committed state on Commit once Remaining reaches zero.
func (sc *Scratch) DecrementTrigger(id TriggerID) {
	t, ok := sc.triggers[id]
	if !ok || t.Remaining < 0 {
		return
	}
	if t.Remaining > 0 {
		t.Remaining--
	}
	sc.triggers[id] = t
}

func (sc *Scratch) SetParameter(id ParameterID, v ParameterValue) error {
	sc.parameters[id] = v
	return nil
}

// UpgradeExecutor installs new executor bytecode; migrate(ctx) is invoked by
// the caller (applier) immediately afterward, exactly once.
func (sc *Scratch) UpgradeExecutor(module []byte) {
	sc.executorModule = module
	sc.executorHash = HashBytes(module)
}

func (sc *Scratch) RegisterValidator(pub PublicKey) error {
	for _, v := range sc.validators {
		if v.Equal(pub) {
			return ErrEntityExists
		}
	}
	sc.validators = append(sc.validators, pub)
	sortValidators(sc.validators)
	return nil
}

func (sc *Scratch) UnregisterValidator(pub PublicKey) error {
	for i, v := range sc.validators {
		if v.Equal(pub) {
			sc.validators = append(sc.validators[:i], sc.validators[i+1:]...)
			return nil
		}
	}
	return ErrEntityNotFound
}

// sortValidators imposes the deterministic public-key ordering used to
// derive the leader of a view.
func sortValidators(v []PublicKey) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && string(v[j]) < string(v[j-1]); j-- {
			v[j], v[j-1] = v[j-1], v[j]
		}
	}
}
