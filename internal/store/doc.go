// Package store provides durable conversation ownership storage using SQLite.
//
// # Architecture
//
// The engine depends only on the OwnershipStore interface:
//
//   - GetOwnership: read the current row for a conversation key
//   - InsertOwnershipIfAbsent: lazily create a row, failing with ErrDuplicateOwnership on a race
//   - WriteOwnershipIfVersion: compare-and-swap on the row version
//   - ListTransitions: the append-only audit trail of accepted writes
//
// SQLiteStore is the production implementation; MockStore is an in-memory
// implementation with the same conditional-write semantics.
//
// # Data Models
//
//   - Ownership: one row per conversation key, owned by the agent or exactly one operator
//   - Owner: tagged variant, AgentOwner() or OperatorOwner(id)
//   - TransitionRecord: who owned the conversation before and after each accepted write
//
// # SQLite Configuration
//
// The store uses SQLite with WAL mode and a single connection, so conditional
// UPDATEs are serialized by the database:
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Database file locations:
//
//   - Production: /var/lib/handover-gateway/handover.db
//   - Development: ~/.local/share/handover/handover.db
//   - Testing: :memory: (in-memory database)
//
// # Error Handling
//
//   - ErrNotFound: no row for the conversation key
//   - ErrDuplicateOwnership: insert lost a race with another insert
//   - ErrVersionMismatch: conditional write saw a newer version
//   - ErrInvalidOwnership: the row breaks the one-owner rule
//
// All methods accept context.Context for cancellation support.
package store
