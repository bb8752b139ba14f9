// SPDX-License-Identifier: Apache-2.0
package core

// errors.go – sentinel errors: input errors, validation failures,
// transient faults, consensus aborts, divergence, storage faults and
// resource exhaustion. Sentinels raised by a single file live beside the
// code that raises them; this file collects the ones shared across more
// than one package file.

import "errors"

// Input errors: malformed encoding, bad signature, unknown chain id,
// expired transaction, oversized request. Reported synchronously; never
// affect state.
var (
	ErrBadSignature     = errors.New("core: signature verification failed")
	ErrChainIDMismatch  = errors.New("core: chain id mismatch")
	ErrTransactionStale = errors.New("core: transaction expired (ttl exceeded)")
	ErrTransactionFuture = errors.New("core: transaction creation time too far in the future")
	ErrMalformedWire    = errors.New("core: malformed wire encoding")
	ErrOversized        = errors.New("core: request exceeds configured size limit")
)

// Resource exhaustion: queue full, cursor table full, fetch-size too
// big. Rejected at the boundary with a specific reason.
var (
	ErrQueueFull         = errors.New("core: queue at capacity")
	ErrSenderQueueFull   = errors.New("core: per-sender queue cap reached")
	ErrDuplicateTx       = errors.New("core: transaction already queued")
	ErrAlreadyCommitted  = errors.New("core: transaction hash already committed")
	ErrCursorTableFull   = errors.New("core: cursor table at capacity")
	ErrFetchSizeTooLarge = errors.New("core: fetch size exceeds maximum")
)

// Query / cursor errors.
var (
	ErrUnknownCursor = errors.New("core: unknown or expired cursor")
	ErrWrongSender   = errors.New("core: cursor not owned by this sender")
)

// Validation failures: executor denies, numeric overflow, referenced
// entity missing.
var (
	ErrExecutorDenied  = errors.New("core: executor denied operation")
	ErrEntityNotFound  = errors.New("core: referenced entity not found")
	ErrEntityExists    = errors.New("core: entity already exists")
	ErrPermissionDenied = errors.New("core: authority lacks required permission")
	ErrInsufficientSignatures = errors.New("core: account signature threshold not met")
)

// Consensus aborts: proposal mismatch, quorum not reached, view
// timeout. Handled locally by view change; never surfaced to clients.
var (
	ErrProposalMismatch = errors.New("core: recomputed header does not match proposal")
	ErrQuorumNotReached = errors.New("core: insufficient validator signatures")
	ErrViewTimeout      = errors.New("core: view timed out without commit")
	ErrStaleHeight      = errors.New("core: proposal height behind local chain")
	ErrNotLeader        = errors.New("core: sender is not the leader of this view")
)

// Divergence: fatal. The node halts rather than diverge.
var ErrStateDivergence = errors.New("core: computed state root disagrees with committed block")

// Storage faults: fatal at commit time; surfaced as query failure on read.
var (
	ErrBlockStoreCorrupt = errors.New("core: block store failed integrity check")
	ErrHeightNotFound    = errors.New("core: no block at requested height")
	ErrHashNotFound      = errors.New("core: no block with requested hash")
	ErrSnapshotMismatch  = errors.New("core: snapshot executor stamp does not match loaded executor")
)
