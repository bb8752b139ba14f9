// SPDX-License-Identifier: Apache-2.0
package core

import (
	"os"
	"testing"

	"irohad/internal/testutil"
)

func storeBlocks(t *testing.T, bs *BlockStore, count int) []*Block {
	t.Helper()
	var prev *BlockHeader
	var out []*Block
	for h := 0; h < count; h++ {
		header := BlockHeader{Height: uint64(h), TimestampUnixMilli: uint64(1000 + h)}
		if prev != nil {
			ph, _ := prev.HeaderHash()
			header.PrevHash = ph
		}
		header.StateRoot = HashBytes([]byte{byte(h)})
		b := &Block{Header: header}
		if err := bs.Append(b); err != nil {
			t.Fatalf("append %d: %v", h, err)
		}
		prev = &b.Header
		out = append(out, b)
	}
	return out
}

func TestBlockStoreAppendGet(t *testing.T) {
	sb, err := testutil.NewSandbox()
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	defer sb.Cleanup()

	bs, err := OpenBlockStore(sb.Path("kura"), StartupFast, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer bs.Close()

	blocks := storeBlocks(t, bs, 5)
	if bs.Height() != 5 {
		t.Fatalf("height=%d want 5", bs.Height())
	}

	got, err := bs.GetByHeight(3)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	wantHash, _ := blocks[3].Hash()
	gotHash, _ := got.Hash()
	if gotHash != wantHash {
		t.Fatalf("height 3 hash mismatch")
	}

	byHash, err := bs.GetByHash(wantHash)
	if err != nil || byHash.Header.Height != 3 {
		t.Fatalf("get by hash: %v", err)
	}

	if _, err := bs.GetByHeight(9); err != ErrHeightNotFound {
		t.Fatalf("missing height: %v", err)
	}
	if _, err := bs.GetByHash(HashBytes([]byte("nope"))); err != ErrHashNotFound {
		t.Fatalf("missing hash: %v", err)
	}
}

func TestBlockStoreRejectsHeightGap(t *testing.T) {
	bs, err := OpenBlockStore(t.TempDir(), StartupFast, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer bs.Close()

	storeBlocks(t, bs, 2)
	if err := bs.Append(&Block{Header: BlockHeader{Height: 5}}); err == nil {
		t.Fatalf("appending past the tip must fail")
	}
}

func TestBlockStoreReopen(t *testing.T) {
	dir := t.TempDir()

	bs, err := OpenBlockStore(dir, StartupFast, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	blocks := storeBlocks(t, bs, 4)
	bs.Close()

	for _, mode := range []StartupMode{StartupFast, StartupStrict} {
		re, err := OpenBlockStore(dir, mode, nil)
		if err != nil {
			t.Fatalf("reopen mode=%d: %v", mode, err)
		}
		if re.Height() != 4 {
			t.Fatalf("mode=%d height=%d want 4", mode, re.Height())
		}
		got, err := re.GetByHeight(2)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		wantHash, _ := blocks[2].Hash()
		gotHash, _ := got.Hash()
		if gotHash != wantHash {
			t.Fatalf("mode=%d reopened payload mismatch", mode)
		}
		re.Close()
	}
}

func TestBlockStoreRebuildsMissingIndex(t *testing.T) {
	dir := t.TempDir()
	bs, err := OpenBlockStore(dir, StartupFast, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	storeBlocks(t, bs, 3)
	bs.Close()

	if err := os.Remove(dir + "/index"); err != nil {
		t.Fatalf("remove index: %v", err)
	}
	re, err := OpenBlockStore(dir, StartupFast, nil)
	if err != nil {
		t.Fatalf("reopen without index: %v", err)
	}
	defer re.Close()
	if re.Height() != 3 {
		t.Fatalf("rebuilt height=%d want 3", re.Height())
	}
}

func TestBlockStoreTruncatesTornWrite(t *testing.T) {
	dir := t.TempDir()
	bs, err := OpenBlockStore(dir, StartupFast, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	storeBlocks(t, bs, 3)
	bs.Close()

	// Chop bytes off the tail of the only segment, then force a strict
	// replay by removing the index.
	seg := dir + "/0000000000.seg"
	info, err := os.Stat(seg)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if err := os.Truncate(seg, info.Size()-5); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	if err := os.Remove(dir + "/index"); err != nil {
		t.Fatalf("remove index: %v", err)
	}

	re, err := OpenBlockStore(dir, StartupStrict, nil)
	if err != nil {
		t.Fatalf("reopen torn: %v", err)
	}
	defer re.Close()
	if re.Height() != 2 {
		t.Fatalf("torn tail must truncate to last whole block, height=%d", re.Height())
	}
}

func TestBlockStoreIterate(t *testing.T) {
	bs, err := OpenBlockStore(t.TempDir(), StartupFast, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer bs.Close()
	storeBlocks(t, bs, 5)

	var heights []uint64
	err = bs.Iterate(2, func(b *Block) (bool, error) {
		heights = append(heights, b.Header.Height)
		return true, nil
	})
	if err != nil {
		t.Fatalf("iterate: %v", err)
	}
	if len(heights) != 3 || heights[0] != 2 || heights[2] != 4 {
		t.Fatalf("iterated %v, want [2 3 4]", heights)
	}
}
