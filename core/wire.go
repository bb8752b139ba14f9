// SPDX-License-Identifier: Apache-2.0
package core

// wire.go – the canonical compact binary encoding shared by everything
// persisted or sent over the wire, built on github.com/ethereum/go-ethereum/rlp.
// Every transaction, block, event, query and cursor encoding is wrapped with
// a leading version tag so old data can be recognized and migrated, rather
// than RLP-encoding bare structs. World-state snapshots are not: snapshot.go
// writes them as gzip-compressed JSON.

import (
	"fmt"

	"github.com/ethereum/go-ethereum/rlp"
)

// WireVersion is the version tag prefixing every encoded envelope. Bumped
// whenever a wire type's shape changes incompatibly.
type WireVersion uint16

const (
	VersionTransactionV1 WireVersion = 1
	VersionBlockV1       WireVersion = 1
	VersionQueryV1       WireVersion = 1
	VersionEventV1       WireVersion = 1
	VersionCursorV1      WireVersion = 1
	VersionSnapshotV1    WireVersion = 1
)

// envelope is the common RLP shape: a version tag followed by the
// version-specific payload, itself RLP-encoded.
type envelope struct {
	Version WireVersion
	Payload []byte
}

// EncodeEnvelope RLP-encodes v and wraps it with version, producing the
// canonical on-wire/on-disk representation.
func EncodeEnvelope(version WireVersion, v interface{}) ([]byte, error) {
	payload, err := rlp.EncodeToBytes(v)
	if err != nil {
		return nil, fmt.Errorf("core: encode payload: %w", err)
	}
	out, err := rlp.EncodeToBytes(&envelope{Version: version, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("core: encode envelope: %w", err)
	}
	return out, nil
}

// DecodeEnvelope unwraps data's version tag and RLP-decodes the payload into
// v, erroring if the version does not match wantVersion. Callers needing to
// migrate older versions should decode the envelope manually and branch on
// Version before this helper existed; for v1-only types this is sufficient.
func DecodeEnvelope(data []byte, wantVersion WireVersion, v interface{}) error {
	var env envelope
	if err := rlp.DecodeBytes(data, &env); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedWire, err)
	}
	if env.Version != wantVersion {
		return fmt.Errorf("core: unsupported wire version %d (want %d)", env.Version, wantVersion)
	}
	if err := rlp.DecodeBytes(env.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedWire, err)
	}
	return nil
}

// EncodeTransaction is the canonical transaction encoding.
func EncodeTransaction(tx *Transaction) ([]byte, error) {
	return EncodeEnvelope(VersionTransactionV1, tx)
}

// DecodeTransaction reverses EncodeTransaction.
func DecodeTransaction(data []byte) (*Transaction, error) {
	var tx Transaction
	if err := DecodeEnvelope(data, VersionTransactionV1, &tx); err != nil {
		return nil, err
	}
	return &tx, nil
}

// EncodeBlock is the canonical block encoding used by the block store and
// block-sync wire messages.
func EncodeBlock(b *Block) ([]byte, error) {
	return EncodeEnvelope(VersionBlockV1, b)
}

// DecodeBlock reverses EncodeBlock.
func DecodeBlock(data []byte) (*Block, error) {
	var b Block
	if err := DecodeEnvelope(data, VersionBlockV1, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// wireEvent flattens Event's time.Time into unix milliseconds; RLP has no
// native time representation.
type wireEvent struct {
	Kind               uint8
	Height             uint64
	TxHash             Hash
	Domain             string
	Key                string
	TimestampUnixMilli uint64
	Payload            []byte
}

// EncodeEvent is the canonical event encoding streamed to gateway
// subscribers.
func EncodeEvent(ev *Event) ([]byte, error) {
	return EncodeEnvelope(VersionEventV1, &wireEvent{
		Kind: uint8(ev.Kind), Height: ev.Height, TxHash: ev.TxHash,
		Domain: ev.Domain, Key: ev.Key,
		TimestampUnixMilli: uint64(ev.Timestamp.UnixMilli()), Payload: ev.Payload,
	})
}

// DecodeEvent reverses EncodeEvent.
func DecodeEvent(data []byte) (*Event, error) {
	var w wireEvent
	if err := DecodeEnvelope(data, VersionEventV1, &w); err != nil {
		return nil, err
	}
	return &Event{
		Kind: EventKind(w.Kind), Height: w.Height, TxHash: w.TxHash,
		Domain: w.Domain, Key: w.Key,
		Timestamp: unixMilliToTime(int64(w.TimestampUnixMilli)), Payload: w.Payload,
	}, nil
}

// wireQuery flattens QueryRequest's optional predicate pointer and signed
// fetch size onto RLP-friendly fields.
type wireQuery struct {
	Kind         uint8
	HasPredicate bool
	Field        string
	Op           string
	Value        string
	FetchSize    uint32
}

// EncodeQuery is the canonical query encoding the gateway submits.
func EncodeQuery(req *QueryRequest) ([]byte, error) {
	w := wireQuery{Kind: uint8(req.Kind), FetchSize: uint32(req.FetchSize)}
	if req.Predicate != nil {
		w.HasPredicate = true
		w.Field, w.Op, w.Value = req.Predicate.Field, req.Predicate.Op, req.Predicate.Value
	}
	return EncodeEnvelope(VersionQueryV1, &w)
}

// DecodeQuery reverses EncodeQuery.
func DecodeQuery(data []byte) (*QueryRequest, error) {
	var w wireQuery
	if err := DecodeEnvelope(data, VersionQueryV1, &w); err != nil {
		return nil, err
	}
	req := &QueryRequest{Kind: FindKind(w.Kind), FetchSize: int(w.FetchSize)}
	if w.HasPredicate {
		req.Predicate = &Predicate{Field: w.Field, Op: w.Op, Value: w.Value}
	}
	return req, nil
}

// wireCursor is the continue-query token the gateway hands back: the opaque
// table key plus the sender it is scoped to.
type wireCursor struct {
	ID     string
	Sender AccountID
}

// EncodeCursor is the canonical cursor-token encoding.
func EncodeCursor(id string, sender AccountID) ([]byte, error) {
	return EncodeEnvelope(VersionCursorV1, &wireCursor{ID: id, Sender: sender})
}

// DecodeCursor reverses EncodeCursor.
func DecodeCursor(data []byte) (string, AccountID, error) {
	var w wireCursor
	if err := DecodeEnvelope(data, VersionCursorV1, &w); err != nil {
		return "", AccountID{}, err
	}
	return w.ID, w.Sender, nil
}
