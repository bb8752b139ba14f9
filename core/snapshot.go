// SPDX-License-Identifier: Apache-2.0
package core

// snapshot.go – periodic world-state snapshots: a single gzip-compressed,
// optionally XChaCha20-Poly1305-sealed file per snapshot height, stamped
// with the executor hash that produced it so a later executor upgrade
// invalidates old snapshots rather than silently misinterpreting their
// parameter/permission schema.

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
)

// snapshotDoc is the JSON-serializable view of a Snapshot. RLP cannot encode
// Go maps, so snapshots use JSON (gzip-compressed, optionally sealed) rather
// than the canonical RLP wire encoding used for transactions and blocks.
type snapshotDoc struct {
	Height       uint64
	TimestampUnixMilli int64
	ExecutorHash Hash
	Domains      map[string]Domain
	Accounts     map[string]Account
	AssetDefs    map[string]AssetDefinition
	Assets       map[string]Asset
	Roles        map[RoleID]Role
	Triggers     map[TriggerID]Trigger
	Parameters   map[ParameterID]ParameterValue
	Validators   []PublicKey
}

// SnapshotConfig mirrors the `snapshot.*` keys.
type SnapshotConfig struct {
	Dir         string
	CreateEvery uint64 // take a snapshot every N committed blocks, 0 disables
	Enabled     bool
	EncryptionKey []byte // 32 bytes; nil means snapshots are written unsealed
}

// SnapshotWriter periodically persists a State's committed snapshots to disk.
type SnapshotWriter struct {
	cfg SnapshotConfig
	log *logrus.Entry
}

func NewSnapshotWriter(cfg SnapshotConfig, log *logrus.Entry) *SnapshotWriter {
	return &SnapshotWriter{cfg: cfg, log: log}
}

// ShouldSnapshot reports whether height is a configured snapshot boundary.
func (w *SnapshotWriter) ShouldSnapshot(height uint64) bool {
	return w.cfg.Enabled && w.cfg.CreateEvery > 0 && height%w.cfg.CreateEvery == 0
}

// Write serializes snap to <dir>/<height>.snap(.sealed), gzip-compressed and,
// if EncryptionKey is set, sealed with XChaCha20-Poly1305 (crypto.go).
func (w *SnapshotWriter) Write(snap *Snapshot) error {
	if err := os.MkdirAll(w.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("core: create snapshot dir: %w", err)
	}
	doc := snapshotToDoc(snap)
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("core: marshal snapshot: %w", err)
	}

	var gzBuf bytes.Buffer
	gz := gzip.NewWriter(&gzBuf)
	if _, err := gz.Write(raw); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return err
	}

	out := gzBuf.Bytes()
	name := fmt.Sprintf("%020d.snap", snap.Height())
	if len(w.cfg.EncryptionKey) > 0 {
		sealed, err := SealSnapshot(w.cfg.EncryptionKey, out)
		if err != nil {
			return fmt.Errorf("core: seal snapshot: %w", err)
		}
		out = sealed
		name += ".sealed"
	}

	path := filepath.Join(w.cfg.Dir, name)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, out, 0o644); err != nil {
		return fmt.Errorf("core: write snapshot: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("core: finalize snapshot: %w", err)
	}
	if w.log != nil {
		w.log.WithField("height", snap.Height()).Info("wrote world-state snapshot")
	}
	return nil
}

// LoadSnapshot reads and decodes a snapshot file written by Write, verifying
// its executor-hash stamp against currentExecutorHash and refusing to load a
// snapshot produced under a different executor.
func LoadSnapshot(path string, encryptionKey []byte, currentExecutorHash Hash) (*State, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("core: read snapshot: %w", err)
	}
	if len(encryptionKey) > 0 {
		raw, err = OpenSnapshot(encryptionKey, raw)
		if err != nil {
			return nil, fmt.Errorf("core: open sealed snapshot: %w", err)
		}
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("core: gunzip snapshot: %w", err)
	}
	defer gz.Close()
	jsonBytes, err := io.ReadAll(gz)
	if err != nil {
		return nil, err
	}
	var doc snapshotDoc
	if err := json.Unmarshal(jsonBytes, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedWire, err)
	}
	if doc.ExecutorHash != currentExecutorHash {
		return nil, ErrSnapshotMismatch
	}
	return docToState(doc), nil
}

func snapshotToDoc(s *Snapshot) snapshotDoc {
	roles := make(map[RoleID]Role, len(s.roles))
	for k, v := range s.roles {
		roles[k] = v
	}
	return snapshotDoc{
		Height:             s.Height(),
		TimestampUnixMilli: s.Timestamp().UnixMilli(),
		ExecutorHash:       s.ExecutorHash(),
		Domains:            s.domains,
		Accounts:           s.accounts,
		AssetDefs:          s.assetDefs,
		Assets:             s.assets,
		Roles:              roles,
		Triggers:           s.triggers,
		Parameters:         s.parameters,
		Validators:         s.Validators(),
	}
}

func docToState(doc snapshotDoc) *State {
	st := NewState()
	for k, v := range doc.Domains {
		v := v
		st.domains[k] = &v
	}
	for k, v := range doc.Accounts {
		v := v
		st.accounts[k] = &v
	}
	for k, v := range doc.AssetDefs {
		v := v
		st.assetDefs[k] = &v
	}
	for k, v := range doc.Assets {
		v := v
		st.assets[k] = &v
	}
	for k, v := range doc.Roles {
		v := v
		st.roles[k] = &v
	}
	for k, v := range doc.Triggers {
		v := v
		st.triggers[k] = &v
	}
	for k, v := range doc.Parameters {
		st.parameters[k] = v
	}
	st.validators = append([]PublicKey(nil), doc.Validators...)
	st.height = doc.Height
	st.blockTimestamp = time.UnixMilli(doc.TimestampUnixMilli)
	st.executorHash = doc.ExecutorHash
	return st
}

// LatestSnapshotPath scans dir for snapshot files and returns the
// highest-height one with its height, or ("", 0, nil) if none exist.
func LatestSnapshotPath(dir string) (string, uint64, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", 0, nil
	}
	if err != nil {
		return "", 0, err
	}
	best := ""
	var bestHeight uint64
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		var h uint64
		if _, err := fmt.Sscanf(name, "%020d.snap", &h); err != nil {
			continue
		}
		if best == "" || h > bestHeight {
			best = filepath.Join(dir, name)
			bestHeight = h
		}
	}
	return best, bestHeight, nil
}
