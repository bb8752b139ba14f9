// SPDX-License-Identifier: Apache-2.0
package core

// blockstore.go – the append-only block log: fixed-size segment files of
// length-prefixed canonical-encoded blocks, an append-only height index,
// and gzip compression of sealed segments.

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"
)

// segmentMaxBytes bounds a single segment file before rollover to the next
// one; kept well below typical filesystem limits.
const segmentMaxBytes = 64 << 20

// blockRecordMagic marks the start of each length-prefixed record so a torn
// write at the tail of a segment is unambiguously detectable.
var blockRecordMagic = [4]byte{'i', 'r', 'o', 'h'}

// indexEntry maps a height to its physical location: which segment file and
// the byte offset of its record header within it.
type indexEntry struct {
	Height  uint64
	Segment uint32
	Offset  uint64
	Hash    Hash
}

// StartupMode controls how much of the log BlockStore re-validates when
// opening.
type StartupMode int

const (
	// StartupFast trusts the index file and only checks that the last
	// record it names is readable.
	StartupFast StartupMode = iota
	// StartupStrict replays every record in every segment, recomputing
	// hashes and rebuilding the index from scratch, discarding a trailing
	// torn write rather than failing to open.
	StartupStrict
)

// BlockStore is the durable, append-only log of committed blocks. One
// writer (the consensus commit path) appends; any number of readers look up
// by height or hash concurrently.
type BlockStore struct {
	mu  sync.RWMutex
	dir string
	log *logrus.Entry

	segments    []*segmentFile
	byHeight    []indexEntry // index i corresponds to height i
	byHash      map[Hash]uint64
	indexFile   *os.File
}

type segmentFile struct {
	id   uint32
	file *os.File
	size uint64
}

// OpenBlockStore opens (creating if absent) the block log rooted at dir,
// replaying existing segments according to mode.
func OpenBlockStore(dir string, mode StartupMode, log *logrus.Entry) (*BlockStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("core: create block store dir: %w", err)
	}
	bs := &BlockStore{dir: dir, log: log, byHash: make(map[Hash]uint64)}
	if err := bs.loadSegments(); err != nil {
		return nil, err
	}
	switch mode {
	case StartupStrict:
		if err := bs.rebuildIndexStrict(); err != nil {
			return nil, err
		}
	default:
		err := bs.loadIndexFast()
		if err == nil && len(bs.byHeight) == 0 && bs.currentSegment().size > 0 {
			// Segments hold data but the index file is missing: rebuild it.
			err = fmt.Errorf("index absent for non-empty segments")
		}
		if err != nil {
			if bs.log != nil {
				bs.log.WithError(err).Warn("fast index load failed, falling back to strict replay")
			}
			if err := bs.rebuildIndexStrict(); err != nil {
				return nil, err
			}
		}
	}
	if err := bs.openIndexForAppend(); err != nil {
		return nil, err
	}
	return bs, nil
}

func (bs *BlockStore) segmentPath(id uint32) string {
	return filepath.Join(bs.dir, fmt.Sprintf("%010d.seg", id))
}

func (bs *BlockStore) indexPath() string { return filepath.Join(bs.dir, "index") }

func (bs *BlockStore) loadSegments() error {
	entries, err := os.ReadDir(bs.dir)
	if err != nil {
		return fmt.Errorf("core: list block store dir: %w", err)
	}
	var ids []uint32
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".seg" {
			continue
		}
		var id uint32
		if _, err := fmt.Sscanf(e.Name(), "%010d.seg", &id); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if len(ids) == 0 {
		ids = []uint32{0}
	}
	for _, id := range ids {
		f, err := os.OpenFile(bs.segmentPath(id), os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("%w: open segment %d: %v", ErrBlockStoreCorrupt, id, err)
		}
		stat, err := f.Stat()
		if err != nil {
			return err
		}
		bs.segments = append(bs.segments, &segmentFile{id: id, file: f, size: uint64(stat.Size())})
	}
	return nil
}

func (bs *BlockStore) currentSegment() *segmentFile { return bs.segments[len(bs.segments)-1] }

// loadIndexFast reads the append-only index file verbatim, trusting it.
func (bs *BlockStore) loadIndexFast() error {
	f, err := os.Open(bs.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	r := bufio.NewReader(f)
	for {
		var e indexEntry
		if err := readIndexEntry(r, &e); err == io.EOF {
			break
		} else if err != nil {
			return fmt.Errorf("%w: %v", ErrBlockStoreCorrupt, err)
		}
		bs.appendIndexEntryMem(e)
	}
	if len(bs.byHeight) > 0 {
		last := bs.byHeight[len(bs.byHeight)-1]
		if _, _, err := bs.readRecordAt(last.Segment, last.Offset); err != nil {
			return fmt.Errorf("%w: last indexed record unreadable: %v", ErrBlockStoreCorrupt, err)
		}
	}
	return nil
}

func (bs *BlockStore) appendIndexEntryMem(e indexEntry) {
	bs.byHeight = append(bs.byHeight, e)
	bs.byHash[e.Hash] = e.Height
}

// rebuildIndexStrict replays every segment's records from byte zero,
// recomputing the index and truncating a trailing torn write rather than
// failing to open.
func (bs *BlockStore) rebuildIndexStrict() error {
	bs.byHeight = nil
	bs.byHash = make(map[Hash]uint64)
	expectHeight := uint64(0)
	var prevHash Hash

	for _, seg := range bs.segments {
		offset := uint64(0)
		for offset < seg.size {
			payload, next, err := readRecordFromFile(seg.file, offset)
			if err != nil {
				if bs.log != nil {
					bs.log.WithFields(logrus.Fields{"segment": seg.id, "offset": offset}).Warn("truncating torn write at end of segment")
				}
				if err := seg.file.Truncate(int64(offset)); err != nil {
					return fmt.Errorf("%w: truncate torn segment: %v", ErrBlockStoreCorrupt, err)
				}
				seg.size = offset
				break
			}
			block, err := DecodeBlock(payload)
			if err != nil {
				return fmt.Errorf("%w: decode block at height %d: %v", ErrBlockStoreCorrupt, expectHeight, err)
			}
			if block.Header.Height != expectHeight {
				return fmt.Errorf("%w: height gap, want %d got %d", ErrBlockStoreCorrupt, expectHeight, block.Header.Height)
			}
			if expectHeight > 0 && block.Header.PrevHash != prevHash {
				return fmt.Errorf("%w: broken linkage at height %d", ErrBlockStoreCorrupt, expectHeight)
			}
			h, err := block.Hash()
			if err != nil {
				return err
			}
			bs.appendIndexEntryMem(indexEntry{Height: expectHeight, Segment: seg.id, Offset: offset, Hash: h})
			prevHash = h
			expectHeight++
			offset = next
		}
	}
	return bs.rewriteIndexFile()
}

func (bs *BlockStore) rewriteIndexFile() error {
	tmp := bs.indexPath() + ".rebuild"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	for _, e := range bs.byHeight {
		if err := writeIndexEntry(w, e); err != nil {
			f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, bs.indexPath())
}

func (bs *BlockStore) openIndexForAppend() error {
	f, err := os.OpenFile(bs.indexPath(), os.O_RDWR|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	bs.indexFile = f
	return nil
}

//---------------------------------------------------------------------
// Record format: magic(4) | length(4, BE) | payload |
// crc-like length trailer(4, BE) so a truncated tail is detectable.
//---------------------------------------------------------------------

func writeRecord(w io.Writer, payload []byte) error {
	var hdr [8]byte
	copy(hdr[:4], blockRecordMagic[:])
	binary.BigEndian.PutUint32(hdr[4:], uint32(len(payload)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if _, err := w.Write(payload); err != nil {
		return err
	}
	var trailer [4]byte
	binary.BigEndian.PutUint32(trailer[:], uint32(len(payload)))
	_, err := w.Write(trailer[:])
	return err
}

// readRecordFromFile reads one record starting at offset, returning its
// payload and the offset of the next record.
func readRecordFromFile(f *os.File, offset uint64) ([]byte, uint64, error) {
	hdr := make([]byte, 8)
	if _, err := f.ReadAt(hdr, int64(offset)); err != nil {
		return nil, 0, err
	}
	if string(hdr[:4]) != string(blockRecordMagic[:]) {
		return nil, 0, fmt.Errorf("bad record magic at offset %d", offset)
	}
	length := binary.BigEndian.Uint32(hdr[4:])
	payload := make([]byte, length)
	if _, err := f.ReadAt(payload, int64(offset)+8); err != nil {
		return nil, 0, err
	}
	trailer := make([]byte, 4)
	if _, err := f.ReadAt(trailer, int64(offset)+8+int64(length)); err != nil {
		return nil, 0, err
	}
	if binary.BigEndian.Uint32(trailer) != length {
		return nil, 0, fmt.Errorf("length trailer mismatch at offset %d", offset)
	}
	return payload, offset + 8 + uint64(length) + 4, nil
}

func (bs *BlockStore) readRecordAt(segID uint32, offset uint64) ([]byte, uint64, error) {
	for _, seg := range bs.segments {
		if seg.id == segID {
			return readRecordFromFile(seg.file, offset)
		}
	}
	return nil, 0, fmt.Errorf("%w: unknown segment %d", ErrBlockStoreCorrupt, segID)
}

func writeIndexEntry(w io.Writer, e indexEntry) error {
	var buf [4 + 8 + 4 + 8 + 32]byte
	binary.BigEndian.PutUint32(buf[0:4], 1) // record tag, reserved for future index versions
	binary.BigEndian.PutUint64(buf[4:12], e.Height)
	binary.BigEndian.PutUint32(buf[12:16], e.Segment)
	binary.BigEndian.PutUint64(buf[16:24], e.Offset)
	copy(buf[24:], e.Hash[:])
	_, err := w.Write(buf[:])
	return err
}

func readIndexEntry(r io.Reader, e *indexEntry) error {
	var buf [4 + 8 + 4 + 8 + 32]byte
	if _, err := io.ReadFull(r, buf[:]); err != nil {
		return err
	}
	e.Height = binary.BigEndian.Uint64(buf[4:12])
	e.Segment = binary.BigEndian.Uint32(buf[12:16])
	e.Offset = binary.BigEndian.Uint64(buf[16:24])
	copy(e.Hash[:], buf[24:])
	return nil
}

//---------------------------------------------------------------------
// Public API
//---------------------------------------------------------------------

// Append persists block as the next record, rolling over to a fresh segment
// if the current one would exceed segmentMaxBytes. Returns an error rather
// than panicking on any I/O fault so the caller can decide how to react.
func (bs *BlockStore) Append(block *Block) error {
	bs.mu.Lock()
	defer bs.mu.Unlock()

	nextHeight := uint64(len(bs.byHeight))
	if block.Header.Height != nextHeight {
		return fmt.Errorf("%w: append height %d, expected %d", ErrBlockStoreCorrupt, block.Header.Height, nextHeight)
	}
	payload, err := EncodeBlock(block)
	if err != nil {
		return err
	}
	seg := bs.currentSegment()
	if seg.size+uint64(8+len(payload)+4) > segmentMaxBytes {
		if err := bs.rolloverSegment(seg); err != nil {
			return err
		}
		seg = bs.currentSegment()
	}
	offset := seg.size
	if err := writeRecord(seg.file, payload); err != nil {
		return fmt.Errorf("%w: append record: %v", ErrBlockStoreCorrupt, err)
	}
	if err := seg.file.Sync(); err != nil {
		return fmt.Errorf("%w: fsync segment: %v", ErrBlockStoreCorrupt, err)
	}
	seg.size += uint64(8 + len(payload) + 4)

	h, err := block.Hash()
	if err != nil {
		return err
	}
	entry := indexEntry{Height: block.Header.Height, Segment: seg.id, Offset: offset, Hash: h}
	if err := writeIndexEntry(bs.indexFile, entry); err != nil {
		return fmt.Errorf("%w: append index entry: %v", ErrBlockStoreCorrupt, err)
	}
	if err := bs.indexFile.Sync(); err != nil {
		return fmt.Errorf("%w: fsync index: %v", ErrBlockStoreCorrupt, err)
	}
	bs.appendIndexEntryMem(entry)
	return nil
}

// rolloverSegment compresses the filled segment with gzip for archival
// and opens a fresh one.
func (bs *BlockStore) rolloverSegment(seg *segmentFile) error {
	if err := bs.gzipSegment(seg); err != nil && bs.log != nil {
		bs.log.WithError(err).Warn("failed to compress sealed segment, continuing uncompressed")
	}
	nextID := seg.id + 1
	f, err := os.OpenFile(bs.segmentPath(nextID), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create segment %d: %v", ErrBlockStoreCorrupt, nextID, err)
	}
	bs.segments = append(bs.segments, &segmentFile{id: nextID, file: f})
	return nil
}

func (bs *BlockStore) gzipSegment(seg *segmentFile) error {
	src, err := os.Open(bs.segmentPath(seg.id))
	if err != nil {
		return err
	}
	defer src.Close()
	dst, err := os.Create(bs.segmentPath(seg.id) + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()
	gz := gzip.NewWriter(dst)
	if _, err := io.Copy(gz, src); err != nil {
		return err
	}
	return gz.Close()
}

// Height returns the number of blocks stored (i.e. the next height to append).
func (bs *BlockStore) Height() uint64 {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	return uint64(len(bs.byHeight))
}

// GetByHeight returns the block at height, or ErrHeightNotFound.
func (bs *BlockStore) GetByHeight(height uint64) (*Block, error) {
	bs.mu.RLock()
	defer bs.mu.RUnlock()
	if height >= uint64(len(bs.byHeight)) {
		return nil, ErrHeightNotFound
	}
	e := bs.byHeight[height]
	payload, _, err := bs.readRecordAt(e.Segment, e.Offset)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBlockStoreCorrupt, err)
	}
	return DecodeBlock(payload)
}

// GetByHash returns the block with the given identity hash, or ErrHashNotFound.
func (bs *BlockStore) GetByHash(h Hash) (*Block, error) {
	bs.mu.RLock()
	height, ok := bs.byHash[h]
	bs.mu.RUnlock()
	if !ok {
		return nil, ErrHashNotFound
	}
	return bs.GetByHeight(height)
}

// Iterate calls fn for every block from `from` (inclusive) to the current
// tip, stopping early if fn returns false or an error.
func (bs *BlockStore) Iterate(from uint64, fn func(*Block) (bool, error)) error {
	height := bs.Height()
	for h := from; h < height; h++ {
		b, err := bs.GetByHeight(h)
		if err != nil {
			return err
		}
		cont, err := fn(b)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

// Close flushes and closes every open file handle.
func (bs *BlockStore) Close() error {
	bs.mu.Lock()
	defer bs.mu.Unlock()
	var firstErr error
	for _, seg := range bs.segments {
		if err := seg.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if bs.indexFile != nil {
		if err := bs.indexFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
