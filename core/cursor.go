// SPDX-License-Identifier: Apache-2.0
package core

// cursor.go – the query service and its live cursors: a snapshot-bound,
// paged cursor table keyed by github.com/google/uuid identifiers, with
// per-sender scoping and idle eviction.

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// FindKind selects which entity collection a query iterates.
type FindKind uint8

const (
	FindAccounts FindKind = iota
	FindAssets
	FindDomains
	FindAssetDefinitions
	FindRoles
)

// Predicate filters rows within the selected collection; Field/Op/Value are
// interpreted by the matching function below, keeping the predicate
// language closed rather than embedding an expression evaluator.
type Predicate struct {
	Field string
	Op    string // "eq", "contains", "gt", "lt"
	Value string
}

// Row is one item a query yields, tagged by kind so a heterogeneous
// projection is never needed.
type Row struct {
	Account *Account
	Asset   *Asset
	Domain  *Domain
	AssetDef *AssetDefinition
	Role    *Role
}

// QueryRequest describes one find-kind/predicate/fetch-size request.
type QueryRequest struct {
	Kind      FindKind
	Predicate *Predicate
	FetchSize int
}

// CursorConfig mirrors the `torii.*` query-service limits.
type CursorConfig struct {
	IdleTimeout    time.Duration
	MaxFetchSize   int
	MaxCursors     int
	MaxPerSender   int
}

type liveCursor struct {
	id       string
	sender   AccountID
	snapshot *Snapshot
	rows     []Row
	offset   int
	lastUsed time.Time
}

// CursorTable holds every open cursor across all senders, bounding total
// memory with a cap on cursor count and evicting the oldest idle cursor to
// admit a new one rather than rejecting outright once caps are reached.
type CursorTable struct {
	mu      sync.Mutex
	cfg     CursorConfig
	cursors map[string]*liveCursor
	perSender map[string]int
}

func NewCursorTable(cfg CursorConfig) *CursorTable {
	return &CursorTable{cfg: cfg, cursors: make(map[string]*liveCursor), perSender: make(map[string]int)}
}

// QueryPage is the result of Find or Next: the page of rows plus a cursor id
// to fetch more, empty once exhausted.
type QueryPage struct {
	Rows     []Row
	CursorID string
	Done     bool
}

// Find runs req against snap, opening a cursor if more rows remain after the
// first page.
func (t *CursorTable) Find(sender AccountID, snap *Snapshot, req QueryRequest) (QueryPage, error) {
	fetchSize := req.FetchSize
	if fetchSize <= 0 || fetchSize > t.cfg.MaxFetchSize {
		if fetchSize > t.cfg.MaxFetchSize {
			return QueryPage{}, ErrFetchSizeTooLarge
		}
		fetchSize = t.cfg.MaxFetchSize
	}

	rows, err := collect(snap, req.Kind, req.Predicate)
	if err != nil {
		return QueryPage{}, err
	}
	return t.page(sender, snap, rows, 0, fetchSize)
}

// Next advances an existing cursor by the table's MaxFetchSize; the fetch
// size passed to the Find that opened the cursor is not kept.
func (t *CursorTable) Next(sender AccountID, cursorID string) (QueryPage, error) {
	t.mu.Lock()
	c, ok := t.cursors[cursorID]
	t.mu.Unlock()
	if !ok {
		return QueryPage{}, ErrUnknownCursor
	}
	if c.sender != sender {
		return QueryPage{}, ErrWrongSender
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	c.lastUsed = time.Now()
	return t.drain(c), nil
}

func (t *CursorTable) page(sender AccountID, snap *Snapshot, rows []Row, offset, fetchSize int) (QueryPage, error) {
	end := offset + fetchSize
	if end >= len(rows) {
		return QueryPage{Rows: rows[offset:], Done: true}, nil
	}

	id, err := t.admit(sender, snap, rows, end)
	if err != nil {
		return QueryPage{}, err
	}
	return QueryPage{Rows: rows[offset:end], CursorID: id, Done: false}, nil
}

func (t *CursorTable) admit(sender AccountID, snap *Snapshot, rows []Row, offset int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := sender.String()
	if t.cfg.MaxPerSender > 0 && t.perSender[key] >= t.cfg.MaxPerSender {
		if !t.evictOldestForSenderLocked(key) {
			return "", ErrCursorTableFull
		}
	}
	if t.cfg.MaxCursors > 0 && len(t.cursors) >= t.cfg.MaxCursors {
		if !t.evictOldestAnyLocked() {
			return "", ErrCursorTableFull
		}
	}

	id := uuid.NewString()
	t.cursors[id] = &liveCursor{id: id, sender: sender, snapshot: snap, rows: rows, offset: offset, lastUsed: time.Now()}
	t.perSender[key]++
	return id, nil
}

func (t *CursorTable) drain(c *liveCursor) QueryPage {
	fetchSize := t.cfg.MaxFetchSize
	end := c.offset + fetchSize
	if end >= len(c.rows) {
		out := c.rows[c.offset:]
		t.removeLocked(c.id)
		return QueryPage{Rows: out, Done: true}
	}
	out := c.rows[c.offset:end]
	c.offset = end
	return QueryPage{Rows: out, CursorID: c.id, Done: false}
}

func (t *CursorTable) removeLocked(id string) {
	c, ok := t.cursors[id]
	if !ok {
		return
	}
	delete(t.cursors, id)
	key := c.sender.String()
	t.perSender[key]--
	if t.perSender[key] <= 0 {
		delete(t.perSender, key)
	}
}

func (t *CursorTable) evictOldestForSenderLocked(senderKey string) bool {
	var oldest *liveCursor
	for _, c := range t.cursors {
		if c.sender.String() != senderKey {
			continue
		}
		if oldest == nil || c.lastUsed.Before(oldest.lastUsed) {
			oldest = c
		}
	}
	if oldest == nil {
		return false
	}
	t.removeLocked(oldest.id)
	return true
}

func (t *CursorTable) evictOldestAnyLocked() bool {
	var oldest *liveCursor
	for _, c := range t.cursors {
		if oldest == nil || c.lastUsed.Before(oldest.lastUsed) {
			oldest = c
		}
	}
	if oldest == nil {
		return false
	}
	t.removeLocked(oldest.id)
	return true
}

// EvictIdle drops every cursor whose last use precedes now minus the
// configured idle timeout, called periodically by the owning service.
func (t *CursorTable) EvictIdle(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, c := range t.cursors {
		if now.Sub(c.lastUsed) > t.cfg.IdleTimeout {
			t.removeLocked(id)
			n++
		}
	}
	return n
}

// InvalidateStale evicts every cursor whose snapshot was taken under a
// different executor than the one currently installed: an executor upgrade
// may rewrite the permission schema the original query was authorized
// under.
func (t *CursorTable) InvalidateStale(current Hash) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for id, c := range t.cursors {
		if c.snapshot.ExecutorHash() != current {
			t.removeLocked(id)
			n++
		}
	}
	return n
}

// collect materializes every row in snap matching kind/predicate, in the
// snapshot's deterministic iteration order.
func collect(snap *Snapshot, kind FindKind, pred *Predicate) ([]Row, error) {
	switch kind {
	case FindAccounts:
		var out []Row
		for _, a := range snap.ListAccounts() {
			a := a
			if matchesAccount(a, pred) {
				out = append(out, Row{Account: &a})
			}
		}
		return out, nil
	case FindAssets:
		var out []Row
		for _, a := range snap.ListAssets() {
			a := a
			if matchesAsset(a, pred) {
				out = append(out, Row{Asset: &a})
			}
		}
		return out, nil
	case FindDomains:
		var out []Row
		for _, d := range snap.ListDomains() {
			d := d
			if matchesDomain(d, pred) {
				out = append(out, Row{Domain: &d})
			}
		}
		return out, nil
	case FindAssetDefinitions:
		var out []Row
		for _, d := range snap.ListAssetDefinitions() {
			d := d
			out = append(out, Row{AssetDef: &d})
		}
		return out, nil
	case FindRoles:
		var out []Row
		for _, r := range snap.ListRoles() {
			r := r
			out = append(out, Row{Role: &r})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("core: unknown find-kind %d", kind)
	}
}

func matchesAccount(a Account, pred *Predicate) bool {
	if pred == nil {
		return true
	}
	switch pred.Field {
	case "domain":
		return matchOp(pred.Op, a.ID.Domain, pred.Value)
	case "name":
		return matchOp(pred.Op, a.ID.Name, pred.Value)
	default:
		return true
	}
}

func matchesAsset(a Asset, pred *Predicate) bool {
	if pred == nil {
		return true
	}
	switch pred.Field {
	case "owner":
		return matchOp(pred.Op, a.ID.Owner.String(), pred.Value)
	case "definition":
		return matchOp(pred.Op, a.ID.Definition.String(), pred.Value)
	default:
		return true
	}
}

func matchesDomain(d Domain, pred *Predicate) bool {
	if pred == nil {
		return true
	}
	if pred.Field == "name" {
		return matchOp(pred.Op, d.Name, pred.Value)
	}
	return true
}

func matchOp(op, field, value string) bool {
	switch op {
	case "eq", "":
		return field == value
	case "contains":
		return len(value) == 0 || containsSubstring(field, value)
	default:
		return field == value
	}
}

func containsSubstring(s, sub string) bool {
	if len(sub) == 0 {
		return true
	}
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return true
		}
	}
	return false
}
