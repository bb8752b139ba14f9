// SPDX-License-Identifier: Apache-2.0
package core

// worldstate.go – the in-memory replicated state machine: a single-writer
// structure exposing read-only snapshots over domains, accounts, asset
// definitions, assets, roles, triggers and parameters. Deterministic
// iteration (SortedKeys, types.go) and fixed-precision Decimal arithmetic
// (decimal.go) keep every node's view bit-identical.

import (
	"sync"
	"time"
)

// State is the live world state. Exactly one writer task (the Applier)
// mutates it, inside apply(block); every other caller works from a
// Snapshot.
type State struct {
	mu sync.RWMutex

	domains    map[string]*Domain
	accounts   map[string]*Account
	assetDefs  map[string]*AssetDefinition
	assets     map[string]*Asset
	roles      map[RoleID]*Role
	triggers   map[TriggerID]*Trigger
	parameters map[ParameterID]ParameterValue

	// validators is the ordering used for leader-of-view derivation;
	// index i is peers[i] under the deterministic public-key ordering.
	validators []PublicKey

	// executorModule is the currently installed executor bytecode, nil for
	// the built-in default policy. executorHash stamps snapshots so
	// they can be invalidated across executor upgrades.
	executorModule []byte
	executorHash   Hash

	height         uint64
	blockTimestamp time.Time // last applied block's timestamp; never wall-clock
}

// NewState builds an empty world state.
func NewState() *State {
	return &State{
		domains:    make(map[string]*Domain),
		accounts:   make(map[string]*Account),
		assetDefs:  make(map[string]*AssetDefinition),
		assets:     make(map[string]*Asset),
		roles:      make(map[RoleID]*Role),
		triggers:   make(map[TriggerID]*Trigger),
		parameters: make(map[ParameterID]ParameterValue),
	}
}

// RestoreFrom replaces s's contents with other's, used when seeding a node
// from a deserialized snapshot before replaying the remaining blocks.
func (s *State) RestoreFrom(other *State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	s.domains = other.domains
	s.accounts = other.accounts
	s.assetDefs = other.assetDefs
	s.assets = other.assets
	s.roles = other.roles
	s.triggers = other.triggers
	s.parameters = other.parameters
	s.validators = other.validators
	s.executorModule = other.executorModule
	s.executorHash = other.executorHash
	s.height = other.height
	s.blockTimestamp = other.blockTimestamp
}

// Height reports the height of the last block applied to this state.
func (s *State) Height() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.height
}

// ExecutorHash reports the content hash of the installed executor (zero for
// the built-in default policy).
func (s *State) ExecutorHash() Hash {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.executorHash
}

// Snapshot is an immutable, point-in-time read view. Readers (query service,
// consensus validation) never block the writer because they operate on a
// cloned copy of the collections rather than the live maps.
type Snapshot struct {
	id         uint64
	domains    map[string]Domain
	accounts   map[string]Account
	assetDefs  map[string]AssetDefinition
	assets     map[string]Asset
	roles      map[RoleID]Role
	triggers   map[TriggerID]Trigger
	parameters map[ParameterID]ParameterValue
	validators []PublicKey
	height     uint64
	timestamp  time.Time
	executorHash Hash
}

var snapshotIDs idCounter

// Snapshot takes a read snapshot of the current state.
func (s *State) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := &Snapshot{
		id:         snapshotIDs.next_(),
		domains:    make(map[string]Domain, len(s.domains)),
		accounts:   make(map[string]Account, len(s.accounts)),
		assetDefs:  make(map[string]AssetDefinition, len(s.assetDefs)),
		assets:     make(map[string]Asset, len(s.assets)),
		roles:      make(map[RoleID]Role, len(s.roles)),
		triggers:   make(map[TriggerID]Trigger, len(s.triggers)),
		parameters: make(map[ParameterID]ParameterValue, len(s.parameters)),
		validators: append([]PublicKey(nil), s.validators...),
		height:     s.height,
		timestamp:  s.blockTimestamp,
		executorHash: s.executorHash,
	}
	for k, v := range s.domains {
		snap.domains[k] = *v
	}
	for k, v := range s.accounts {
		snap.accounts[k] = cloneAccount(*v)
	}
	for k, v := range s.assetDefs {
		snap.assetDefs[k] = *v
	}
	for k, v := range s.assets {
		snap.assets[k] = cloneAsset(*v)
	}
	for k, v := range s.roles {
		snap.roles[k] = *v
	}
	for k, v := range s.triggers {
		snap.triggers[k] = *v
	}
	for k, v := range s.parameters {
		snap.parameters[k] = v
	}
	return snap
}

func cloneAccount(a Account) Account {
	out := a
	out.Signatories = append([]PublicKey(nil), a.Signatories...)
	out.Permissions = append([]Permission(nil), a.Permissions...)
	out.Roles = make(map[RoleID]struct{}, len(a.Roles))
	for k := range a.Roles {
		out.Roles[k] = struct{}{}
	}
	out.Metadata = cloneStringMap(a.Metadata)
	return out
}

func cloneAsset(a Asset) Asset {
	out := a
	if a.Store != nil {
		out.Store = make(map[string][]byte, len(a.Store))
		for k, v := range a.Store {
			out.Store[k] = append([]byte(nil), v...)
		}
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ID returns the snapshot's opaque identifier, used by the cursor table to
// bind a cursor to the exact snapshot that produced it.
func (s *Snapshot) ID() uint64 { return s.id }

func (s *Snapshot) Height() uint64        { return s.height }
func (s *Snapshot) Timestamp() time.Time  { return s.timestamp }
func (s *Snapshot) ExecutorHash() Hash    { return s.executorHash }

// Domain / Account / AssetDefinition / Asset / Role / Trigger / Parameter
// lookups, always returning a copy so callers cannot mutate the snapshot.

func (s *Snapshot) Domain(name string) (Domain, bool) {
	d, ok := s.domains[name]
	return d, ok
}

func (s *Snapshot) Account(id AccountID) (Account, bool) {
	a, ok := s.accounts[id.String()]
	return a, ok
}

func (s *Snapshot) AssetDefinition(id AssetDefinitionID) (AssetDefinition, bool) {
	a, ok := s.assetDefs[id.String()]
	return a, ok
}

func (s *Snapshot) Asset(id AssetID) (Asset, bool) {
	a, ok := s.assets[id.String()]
	return a, ok
}

func (s *Snapshot) Role(id RoleID) (Role, bool) {
	r, ok := s.roles[id]
	return r, ok
}

func (s *Snapshot) Parameter(id ParameterID) (ParameterValue, bool) {
	v, ok := s.parameters[id]
	return v, ok
}

func (s *Snapshot) Validators() []PublicKey { return append([]PublicKey(nil), s.validators...) }

// ListDomains / ListAccounts / ListAssets return entities in a stable,
// key-sorted order, satisfying the executor-visible determinism requirement
// and giving the query service a reproducible iteration order.

func (s *Snapshot) ListDomains() []Domain {
	out := make([]Domain, 0, len(s.domains))
	for _, k := range SortedKeys(s.domains) {
		out = append(out, s.domains[k])
	}
	return out
}

func (s *Snapshot) ListAccounts() []Account {
	out := make([]Account, 0, len(s.accounts))
	for _, k := range SortedKeys(s.accounts) {
		out = append(out, s.accounts[k])
	}
	return out
}

func (s *Snapshot) ListAssets() []Asset {
	out := make([]Asset, 0, len(s.assets))
	for _, k := range SortedKeys(s.assets) {
		out = append(out, s.assets[k])
	}
	return out
}

func (s *Snapshot) ListAssetDefinitions() []AssetDefinition {
	out := make([]AssetDefinition, 0, len(s.assetDefs))
	for _, k := range SortedKeys(s.assetDefs) {
		out = append(out, s.assetDefs[k])
	}
	return out
}

func (s *Snapshot) ListRoles() []Role {
	keys := make([]string, 0, len(s.roles))
	byKey := make(map[string]Role, len(s.roles))
	for k, v := range s.roles {
		byKey[string(k)] = v
		keys = append(keys, string(k))
	}
	out := make([]Role, 0, len(s.roles))
	for _, k := range SortedKeys(byKey) {
		out = append(out, byKey[k])
	}
	return out
}

func (s *Snapshot) ListTriggers() []Trigger {
	keys := make(map[string]Trigger, len(s.triggers))
	for k, v := range s.triggers {
		keys[string(k)] = v
	}
	out := make([]Trigger, 0, len(s.triggers))
	for _, k := range SortedKeys(keys) {
		out = append(out, keys[k])
	}
	return out
}
