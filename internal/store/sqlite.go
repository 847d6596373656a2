// ABOUTME: SQLite implementation of the OwnershipStore interface using modernc.org/sqlite
// ABOUTME: Provides conditional ownership writes and the transition log with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const timeLayout = time.RFC3339Nano

// SQLiteStore implements the OwnershipStore interface using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: every conditional write is serialized by SQLite itself,
	// and :memory: databases are per-connection.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS conversation_ownership (
			conversation_key      TEXT PRIMARY KEY,
			owner_kind            TEXT NOT NULL,
			operator_id           TEXT,
			agent_started_at      TEXT,
			operator_claimed_at   TEXT,
			last_agent_message_at TEXT,
			last_human_message_at TEXT,
			version               INTEGER NOT NULL,
			updated_at            TEXT NOT NULL,

			CHECK (owner_kind IN ('agent', 'operator')),
			CHECK ((owner_kind = 'agent' AND operator_id IS NULL AND agent_started_at IS NOT NULL AND operator_claimed_at IS NULL)
				OR (owner_kind = 'operator' AND operator_id IS NOT NULL AND operator_claimed_at IS NOT NULL AND agent_started_at IS NULL))
		);

		CREATE INDEX IF NOT EXISTS idx_ownership_operator ON conversation_ownership(operator_id);

		CREATE TABLE IF NOT EXISTS ownership_transitions (
			transition_id    TEXT PRIMARY KEY,
			conversation_key TEXT NOT NULL,
			event            TEXT NOT NULL,
			from_owner       TEXT NOT NULL,
			to_owner         TEXT NOT NULL,
			version          INTEGER NOT NULL,
			ts               TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_transitions_conversation ON ownership_transitions(conversation_key, version);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed")
}

// GetOwnership retrieves the ownership row for a conversation key.
// Returns ErrNotFound if the row doesn't exist.
func (s *SQLiteStore) GetOwnership(ctx context.Context, conversationKey string) (*Ownership, error) {
	query := `
		SELECT conversation_key, owner_kind, operator_id, agent_started_at, operator_claimed_at,
		       last_agent_message_at, last_human_message_at, version, updated_at
		FROM conversation_ownership
		WHERE conversation_key = ?
	`

	var (
		o                                         Ownership
		kind                                      string
		operatorID, agentStarted, operatorClaimed sql.NullString
		lastAgent, lastHuman                      sql.NullString
		updatedAtStr                              string
	)
	err := s.db.QueryRowContext(ctx, query, conversationKey).Scan(
		&o.ConversationKey,
		&kind,
		&operatorID,
		&agentStarted,
		&operatorClaimed,
		&lastAgent,
		&lastHuman,
		&o.Version,
		&updatedAtStr,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying ownership: %w", err)
	}

	o.Owner = Owner{Kind: OwnerKind(kind), OperatorID: operatorID.String}
	if o.AgentStartedAt, err = parseNullTime(agentStarted); err != nil {
		return nil, fmt.Errorf("parsing agent_started_at: %w", err)
	}
	if o.OperatorClaimedAt, err = parseNullTime(operatorClaimed); err != nil {
		return nil, fmt.Errorf("parsing operator_claimed_at: %w", err)
	}
	if o.LastAgentMessageAt, err = parseNullTime(lastAgent); err != nil {
		return nil, fmt.Errorf("parsing last_agent_message_at: %w", err)
	}
	if o.LastHumanMessageAt, err = parseNullTime(lastHuman); err != nil {
		return nil, fmt.Errorf("parsing last_human_message_at: %w", err)
	}
	if o.UpdatedAt, err = time.Parse(timeLayout, updatedAtStr); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}

	return &o, nil
}

// InsertOwnershipIfAbsent creates the row for a new conversation.
// Returns ErrDuplicateOwnership if another writer created it first.
func (s *SQLiteStore) InsertOwnershipIfAbsent(ctx context.Context, o *Ownership) error {
	if err := o.Validate(); err != nil {
		return err
	}

	query := `
		INSERT INTO conversation_ownership (
			conversation_key, owner_kind, operator_id, agent_started_at, operator_claimed_at,
			last_agent_message_at, last_human_message_at, version, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		o.ConversationKey,
		string(o.Owner.Kind),
		nullString(o.Owner.OperatorID),
		formatNullTime(o.AgentStartedAt),
		formatNullTime(o.OperatorClaimedAt),
		formatNullTime(o.LastAgentMessageAt),
		formatNullTime(o.LastHumanMessageAt),
		o.Version,
		o.UpdatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateOwnership
		}
		return fmt.Errorf("inserting ownership: %w", err)
	}

	s.logger.Debug("created ownership", "conversation_key", o.ConversationKey, "owner", o.Owner.String())
	return nil
}

// WriteOwnershipIfVersion replaces the row when the stored version still equals
// expectedVersion. The transition record, if any, commits in the same transaction.
func (s *SQLiteStore) WriteOwnershipIfVersion(ctx context.Context, o *Ownership, expectedVersion int64, record *TransitionRecord) error {
	if err := o.Validate(); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	query := `
		UPDATE conversation_ownership
		SET owner_kind = ?, operator_id = ?, agent_started_at = ?, operator_claimed_at = ?,
		    last_agent_message_at = ?, last_human_message_at = ?, version = ?, updated_at = ?
		WHERE conversation_key = ? AND version = ?
	`
	res, err := tx.ExecContext(ctx, query,
		string(o.Owner.Kind),
		nullString(o.Owner.OperatorID),
		formatNullTime(o.AgentStartedAt),
		formatNullTime(o.OperatorClaimedAt),
		formatNullTime(o.LastAgentMessageAt),
		formatNullTime(o.LastHumanMessageAt),
		o.Version,
		o.UpdatedAt.UTC().Format(timeLayout),
		o.ConversationKey,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("updating ownership: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("checking rows affected: %w", err)
	}
	if n == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM conversation_ownership WHERE conversation_key = ?`, o.ConversationKey).Scan(&exists)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("checking ownership: %w", err)
		}
		return ErrVersionMismatch
	}

	if record != nil {
		if record.ID == "" {
			record.ID = uuid.New().String()
		}
		if record.At.IsZero() {
			record.At = time.Now().UTC()
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO ownership_transitions (transition_id, conversation_key, event, from_owner, to_owner, version, ts)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`,
			record.ID,
			record.ConversationKey,
			record.Event,
			record.From.String(),
			record.To.String(),
			record.Version,
			record.At.UTC().Format(timeLayout),
		)
		if err != nil {
			return fmt.Errorf("inserting transition: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing ownership write: %w", err)
	}

	s.logger.Debug("wrote ownership",
		"conversation_key", o.ConversationKey,
		"owner", o.Owner.String(),
		"version", o.Version)
	return nil
}

// ListTransitions returns transition records for a conversation, newest first.
func (s *SQLiteStore) ListTransitions(ctx context.Context, conversationKey string, limit int) ([]*TransitionRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT transition_id, conversation_key, event, from_owner, to_owner, version, ts
		FROM ownership_transitions
		WHERE conversation_key = ?
		ORDER BY version DESC
		LIMIT ?
	`, conversationKey, limit)
	if err != nil {
		return nil, fmt.Errorf("querying transitions: %w", err)
	}
	defer rows.Close()

	var records []*TransitionRecord
	for rows.Next() {
		var (
			r        TransitionRecord
			from, to string
			tsStr    string
		)
		if err := rows.Scan(&r.ID, &r.ConversationKey, &r.Event, &from, &to, &r.Version, &tsStr); err != nil {
			return nil, fmt.Errorf("scanning transition: %w", err)
		}
		r.From = ParseOwner(from)
		r.To = ParseOwner(to)
		if r.At, err = time.Parse(timeLayout, tsStr); err != nil {
			return nil, fmt.Errorf("parsing transition ts: %w", err)
		}
		records = append(records, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating transitions: %w", err)
	}
	return records, nil
}

// ParseOwner is the inverse of Owner.String.
func ParseOwner(s string) Owner {
	if id, ok := strings.CutPrefix(s, "operator:"); ok {
		return OperatorOwner(id)
	}
	return Owner{Kind: OwnerKind(s)}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatNullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
