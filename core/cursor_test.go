// SPDX-License-Identifier: Apache-2.0
package core

import (
	"testing"
	"time"
)

func populatedSnapshot(t *testing.T, accounts int) *Snapshot {
	t.Helper()
	state := NewState()
	sc := state.BeginScratch(1000)
	if err := sc.RegisterDomain("wonderland", alice); err != nil {
		t.Fatalf("domain: %v", err)
	}
	names := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot", "golf", "hotel", "india", "juliet"}
	for i := 0; i < accounts; i++ {
		id := AccountID{Name: names[i%len(names)], Domain: "wonderland"}
		if i >= len(names) {
			id.Name = id.Name + "2"
		}
		if err := sc.RegisterAccount(id, nil, 1); err != nil {
			t.Fatalf("account %d: %v", i, err)
		}
	}
	state.Commit(sc)
	return state.Snapshot()
}

func cursorTable(cfg CursorConfig) *CursorTable {
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = time.Minute
	}
	if cfg.MaxFetchSize == 0 {
		cfg.MaxFetchSize = 3
	}
	return NewCursorTable(cfg)
}

func TestCursorPagination(t *testing.T) {
	snap := populatedSnapshot(t, 7)
	table := cursorTable(CursorConfig{MaxFetchSize: 3, MaxCursors: 10, MaxPerSender: 5})

	page1, err := table.Find(alice, snap, QueryRequest{Kind: FindAccounts, FetchSize: 3})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(page1.Rows) != 3 || page1.Done || page1.CursorID == "" {
		t.Fatalf("page1: rows=%d done=%v cursor=%q", len(page1.Rows), page1.Done, page1.CursorID)
	}

	page2, err := table.Next(alice, page1.CursorID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(page2.Rows) != 3 || page2.Done {
		t.Fatalf("page2: rows=%d done=%v", len(page2.Rows), page2.Done)
	}

	page3, err := table.Next(alice, page2.CursorID)
	if err != nil {
		t.Fatalf("next: %v", err)
	}
	if len(page3.Rows) != 1 || !page3.Done {
		t.Fatalf("page3: rows=%d done=%v", len(page3.Rows), page3.Done)
	}

	// The exhausted cursor is gone.
	if _, err := table.Next(alice, page2.CursorID); err != ErrUnknownCursor {
		t.Fatalf("drained cursor must be unknown, got %v", err)
	}

	// No duplicates, no gaps across pages.
	seen := map[string]bool{}
	for _, page := range []QueryPage{page1, page2, page3} {
		for _, row := range page.Rows {
			key := row.Account.ID.String()
			if seen[key] {
				t.Fatalf("row %s repeated across pages", key)
			}
			seen[key] = true
		}
	}
	if len(seen) != 7 {
		t.Fatalf("iterated %d rows, want 7", len(seen))
	}
}

func TestCursorPredicate(t *testing.T) {
	snap := populatedSnapshot(t, 5)
	table := cursorTable(CursorConfig{MaxFetchSize: 10, MaxCursors: 10, MaxPerSender: 5})

	page, err := table.Find(alice, snap, QueryRequest{
		Kind:      FindAccounts,
		Predicate: &Predicate{Field: "name", Op: "eq", Value: "bravo"},
		FetchSize: 10,
	})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(page.Rows) != 1 || page.Rows[0].Account.ID.Name != "bravo" {
		t.Fatalf("predicate filtering failed: %+v", page.Rows)
	}
	if !page.Done {
		t.Fatalf("a fully served query must not leave a cursor")
	}
}

func TestCursorFetchSizeCap(t *testing.T) {
	snap := populatedSnapshot(t, 3)
	table := cursorTable(CursorConfig{MaxFetchSize: 3, MaxCursors: 10, MaxPerSender: 5})

	if _, err := table.Find(alice, snap, QueryRequest{Kind: FindAccounts, FetchSize: 100}); err != ErrFetchSizeTooLarge {
		t.Fatalf("fetch-size cap: %v", err)
	}
}

func TestCursorSenderScoping(t *testing.T) {
	snap := populatedSnapshot(t, 7)
	table := cursorTable(CursorConfig{MaxFetchSize: 3, MaxCursors: 10, MaxPerSender: 5})

	page, err := table.Find(alice, snap, QueryRequest{Kind: FindAccounts, FetchSize: 3})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if _, err := table.Next(bob, page.CursorID); err != ErrWrongSender {
		t.Fatalf("cursor issued to alice must not serve bob: %v", err)
	}
	// The rightful owner is unaffected.
	if _, err := table.Next(alice, page.CursorID); err != nil {
		t.Fatalf("owner continue: %v", err)
	}
}

func TestCursorUnknownID(t *testing.T) {
	table := cursorTable(CursorConfig{MaxFetchSize: 3, MaxCursors: 10, MaxPerSender: 5})
	if _, err := table.Next(alice, "no-such-cursor"); err != ErrUnknownCursor {
		t.Fatalf("want ErrUnknownCursor, got %v", err)
	}
}

func TestCursorIdleEviction(t *testing.T) {
	snap := populatedSnapshot(t, 7)
	table := cursorTable(CursorConfig{IdleTimeout: time.Minute, MaxFetchSize: 3, MaxCursors: 10, MaxPerSender: 5})

	page, err := table.Find(alice, snap, QueryRequest{Kind: FindAccounts, FetchSize: 3})
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	if n := table.EvictIdle(time.Now()); n != 0 {
		t.Fatalf("fresh cursor evicted")
	}
	if n := table.EvictIdle(time.Now().Add(2 * time.Minute)); n != 1 {
		t.Fatalf("idle cursor must be evicted, got %d", n)
	}
	if _, err := table.Next(alice, page.CursorID); err != ErrUnknownCursor {
		t.Fatalf("evicted cursor must be unknown, got %v", err)
	}
}

func TestCursorCapsEvictOldest(t *testing.T) {
	snap := populatedSnapshot(t, 9)
	table := cursorTable(CursorConfig{MaxFetchSize: 3, MaxCursors: 2, MaxPerSender: 2})

	p1, err := table.Find(alice, snap, QueryRequest{Kind: FindAccounts, FetchSize: 3})
	if err != nil {
		t.Fatalf("find 1: %v", err)
	}
	p2, err := table.Find(alice, snap, QueryRequest{Kind: FindAccounts, FetchSize: 3})
	if err != nil {
		t.Fatalf("find 2: %v", err)
	}
	// Keep p2 fresher than p1.
	if _, err := table.Next(alice, p2.CursorID); err != nil {
		t.Fatalf("touch p2: %v", err)
	}

	// A third cursor for the same sender exceeds the per-sender cap; the
	// oldest-idle cursor (p1) makes room.
	if _, err := table.Find(alice, snap, QueryRequest{Kind: FindAccounts, FetchSize: 3}); err != nil {
		t.Fatalf("find 3: %v", err)
	}
	if _, err := table.Next(alice, p1.CursorID); err != ErrUnknownCursor {
		t.Fatalf("oldest cursor must have been evicted, got %v", err)
	}
}

func TestCursorSnapshotConsistency(t *testing.T) {
	state := NewState()
	sc := state.BeginScratch(1000)
	sc.RegisterDomain("wonderland", alice)
	sc.RegisterAccount(alice, nil, 1)
	state.Commit(sc)

	snap := state.Snapshot()
	table := cursorTable(CursorConfig{MaxFetchSize: 1, MaxCursors: 10, MaxPerSender: 5})
	page, err := table.Find(alice, snap, QueryRequest{Kind: FindAccounts, FetchSize: 1})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !page.Done {
		t.Fatalf("single row must finish in one page")
	}

	// New accounts committed after the snapshot stay invisible to a query
	// running against it.
	sc2 := state.BeginScratch(2000)
	sc2.RegisterAccount(bob, nil, 1)
	state.Commit(sc2)

	again, err := table.Find(alice, snap, QueryRequest{Kind: FindAccounts, FetchSize: 10})
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if len(again.Rows) != 1 {
		t.Fatalf("snapshot-bound query must not see later commits, rows=%d", len(again.Rows))
	}
}

func TestCursorInvalidatedOnExecutorUpgrade(t *testing.T) {
	snap := populatedSnapshot(t, 7)
	table := cursorTable(CursorConfig{MaxFetchSize: 3, MaxCursors: 10, MaxPerSender: 5})

	page, err := table.Find(alice, snap, QueryRequest{Kind: FindAccounts, FetchSize: 3})
	if err != nil {
		t.Fatalf("find: %v", err)
	}

	// Same executor: nothing evicted.
	if n := table.InvalidateStale(snap.ExecutorHash()); n != 0 {
		t.Fatalf("matching executor must keep cursors, evicted %d", n)
	}
	// Upgraded executor: every open cursor dies.
	if n := table.InvalidateStale(HashBytes([]byte("new executor"))); n != 1 {
		t.Fatalf("upgrade must evict cursors, evicted %d", n)
	}
	if _, err := table.Next(alice, page.CursorID); err != ErrUnknownCursor {
		t.Fatalf("invalidated cursor must be unknown, got %v", err)
	}
}
