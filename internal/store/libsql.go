package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/tabula/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. the patch journal).
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Sessions ---

func (s *LibSQLStore) CreateSession(ctx context.Context, rec *SessionRecord) error {
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return fmt.Errorf("marshal session payload: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, name, payload, version, dirty, created_at, last_modified)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, nullStr(rec.Name), payload, rec.Version, boolInt(rec.Dirty),
		timeOrNow(rec.CreatedAt), timeOrNow(rec.LastModified),
	)
	return err
}

func (s *LibSQLStore) GetSession(ctx context.Context, id string) (*SessionRecord, error) {
	rec := &SessionRecord{}
	var name sql.NullString
	var payloadJSON string
	var dirty int
	var savedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, name, payload, version, dirty, created_at, last_modified, saved_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&rec.ID, &name, &payloadJSON, &rec.Version, &dirty, &rec.CreatedAt, &rec.LastModified, &savedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("session", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Name = name.String
	rec.Dirty = dirty != 0
	if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
		return nil, fmt.Errorf("unmarshal session payload: %w", err)
	}
	if savedAt.Valid {
		rec.SavedAt = &savedAt.Time
	}
	return rec, nil
}

// SaveSession persists the committed payload snapshot and clears the dirty flag.
func (s *LibSQLStore) SaveSession(ctx context.Context, id string, payload map[string]any, version uint64) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return fmt.Errorf("marshal session payload: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET payload = ?, version = ?, dirty = 0,
		 last_modified = CURRENT_TIMESTAMP, saved_at = CURRENT_TIMESTAMP WHERE id = ?`,
		raw, version, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session", id)
}

func (s *LibSQLStore) MarkDirty(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET dirty = 1, last_modified = CURRENT_TIMESTAMP WHERE id = ?`, id,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session", id)
}

func (s *LibSQLStore) ListSessions(ctx context.Context, filter SessionFilter) ([]*SessionRecord, error) {
	var where []string
	var args []any

	if filter.Dirty != nil {
		where = append(where, "dirty = ?")
		args = append(args, boolInt(*filter.Dirty))
	}

	query := `SELECT id, name, payload, version, dirty, created_at, last_modified, saved_at FROM sessions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*SessionRecord
	for rows.Next() {
		rec := &SessionRecord{}
		var name sql.NullString
		var payloadJSON string
		var dirty int
		var savedAt sql.NullTime
		if err := rows.Scan(&rec.ID, &name, &payloadJSON, &rec.Version, &dirty,
			&rec.CreatedAt, &rec.LastModified, &savedAt); err != nil {
			return nil, err
		}
		rec.Name = name.String
		rec.Dirty = dirty != 0
		if err := json.Unmarshal([]byte(payloadJSON), &rec.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal session payload: %w", err)
		}
		if savedAt.Valid {
			rec.SavedAt = &savedAt.Time
		}
		sessions = append(sessions, rec)
	}
	return sessions, rows.Err()
}

func (s *LibSQLStore) DeleteSession(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "session", id)
}

// --- Patch journal ---

// AppendPatch appends a journal entry with a monotonically increasing
// per-session sequence. Runs in a transaction so concurrent writers cannot
// interleave the sequence read and the insert.
func (s *LibSQLStore) AppendPatch(ctx context.Context, entry *JournalEntry) error {
	patchJSON, err := json.Marshal(entry.Patch)
	if err != nil {
		return fmt.Errorf("marshal patch: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM patch_journal WHERE session_id = ?`, entry.SessionID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	entry.Sequence = seq

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO patch_journal (session_id, sequence, from_version, to_version, request_id, action_type, requester_id, patch, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SessionID, seq, entry.FromVersion, entry.ToVersion,
		nullStr(entry.RequestID), nullStr(entry.ActionType), nullStr(entry.RequesterID),
		string(patchJSON), entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert journal entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit journal entry: %w", err)
	}
	return nil
}

// GetPatches returns journal entries for a session with sequence > since,
// ordered by sequence ASC.
func (s *LibSQLStore) GetPatches(ctx context.Context, sessionID string, since int64) ([]*JournalEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, session_id, sequence, from_version, to_version, request_id, action_type, requester_id, patch, timestamp
		 FROM patch_journal WHERE session_id = ? AND sequence > ? ORDER BY sequence ASC`,
		sessionID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*JournalEntry
	for rows.Next() {
		e := &JournalEntry{}
		var requestID, actionType, requesterID sql.NullString
		var patchJSON string
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Sequence, &e.FromVersion, &e.ToVersion,
			&requestID, &actionType, &requesterID, &patchJSON, &e.Timestamp); err != nil {
			return nil, err
		}
		e.RequestID = requestID.String
		e.ActionType = actionType.String
		e.RequesterID = requesterID.String
		if err := json.Unmarshal([]byte(patchJSON), &e.Patch); err != nil {
			return nil, fmt.Errorf("unmarshal patch: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, rec *ApprovalRecord) error {
	status := rec.Status
	if status == "" {
		status = ApprovalStatusPending
	}
	snapshot := string(rec.Snapshot)
	if snapshot == "" {
		snapshot = "{}"
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (request_id, session_id, requester_id, action_type, message, source_version, request, snapshot, status, created_at, expires_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID, rec.SessionID, rec.RequesterID, rec.ActionType, nullStr(rec.Message),
		rec.SourceVersion, string(rec.Request), snapshot, status, timeOrNow(rec.CreatedAt), nullTime(rec.ExpiresAt),
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, requestID string) (*ApprovalRecord, error) {
	rec := &ApprovalRecord{}
	var message, resolvedBy sql.NullString
	var requestJSON, snapshotJSON string
	var expiresAt, resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT request_id, session_id, requester_id, action_type, message, source_version, request, snapshot, status, created_at, expires_at, resolved_by, resolved_at
		 FROM approvals WHERE request_id = ?`, requestID,
	).Scan(&rec.RequestID, &rec.SessionID, &rec.RequesterID, &rec.ActionType, &message,
		&rec.SourceVersion, &requestJSON, &snapshotJSON, &rec.Status, &rec.CreatedAt, &expiresAt, &resolvedBy, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", requestID)
	}
	if err != nil {
		return nil, err
	}
	rec.Message = message.String
	rec.Request = json.RawMessage(requestJSON)
	rec.Snapshot = json.RawMessage(snapshotJSON)
	rec.ResolvedBy = resolvedBy.String
	if expiresAt.Valid {
		rec.ExpiresAt = &expiresAt.Time
	}
	if resolvedAt.Valid {
		rec.ResolvedAt = &resolvedAt.Time
	}
	return rec, nil
}

// ResolveApproval transitions a pending approval to a terminal status.
// Returns NOT_FOUND if the approval does not exist or was already resolved.
func (s *LibSQLStore) ResolveApproval(ctx context.Context, requestID, status, resolvedBy string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_by = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE request_id = ? AND status = 'pending'`,
		status, nullStr(resolvedBy), requestID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "approval", requestID)
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*ApprovalRecord, error) {
	var where []string
	var args []any

	if filter.SessionID != "" {
		where = append(where, "session_id = ?")
		args = append(args, filter.SessionID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}
	if filter.ExpiresBefore != nil {
		where = append(where, "expires_at IS NOT NULL AND expires_at <= ?")
		args = append(args, *filter.ExpiresBefore)
	}

	query := `SELECT request_id, session_id, requester_id, action_type, message, source_version, request, snapshot, status, created_at, expires_at, resolved_by, resolved_at FROM approvals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*ApprovalRecord
	for rows.Next() {
		rec := &ApprovalRecord{}
		var message, resolvedBy sql.NullString
		var requestJSON, snapshotJSON string
		var expiresAt, resolvedAt sql.NullTime
		if err := rows.Scan(&rec.RequestID, &rec.SessionID, &rec.RequesterID, &rec.ActionType, &message,
			&rec.SourceVersion, &requestJSON, &snapshotJSON, &rec.Status, &rec.CreatedAt, &expiresAt, &resolvedBy, &resolvedAt); err != nil {
			return nil, err
		}
		rec.Message = message.String
		rec.Request = json.RawMessage(requestJSON)
		rec.Snapshot = json.RawMessage(snapshotJSON)
		rec.ResolvedBy = resolvedBy.String
		if expiresAt.Valid {
			rec.ExpiresAt = &expiresAt.Time
		}
		if resolvedAt.Valid {
			rec.ResolvedAt = &resolvedAt.Time
		}
		approvals = append(approvals, rec)
	}
	return approvals, rows.Err()
}

// --- Extensions ---

func (s *LibSQLStore) PutExtension(ctx context.Context, rec *ExtensionRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extensions (origin_id, name, version, manifest, enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(origin_id) DO UPDATE SET
		   name=excluded.name, version=excluded.version, manifest=excluded.manifest,
		   enabled=excluded.enabled, updated_at=CURRENT_TIMESTAMP`,
		rec.OriginID, rec.Name, rec.Version, string(rec.Manifest), boolInt(rec.Enabled),
		timeOrNow(rec.CreatedAt), timeOrNow(rec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExtension(ctx context.Context, originID string) (*ExtensionRecord, error) {
	rec := &ExtensionRecord{}
	var manifestJSON string
	var enabled int
	err := s.db.QueryRowContext(ctx,
		`SELECT origin_id, name, version, manifest, enabled, created_at, updated_at
		 FROM extensions WHERE origin_id = ?`, originID,
	).Scan(&rec.OriginID, &rec.Name, &rec.Version, &manifestJSON, &enabled, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("extension", originID)
	}
	if err != nil {
		return nil, err
	}
	rec.Manifest = json.RawMessage(manifestJSON)
	rec.Enabled = enabled != 0
	return rec, nil
}

func (s *LibSQLStore) ListExtensions(ctx context.Context) ([]*ExtensionRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT origin_id, name, version, manifest, enabled, created_at, updated_at
		 FROM extensions ORDER BY origin_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exts []*ExtensionRecord
	for rows.Next() {
		rec := &ExtensionRecord{}
		var manifestJSON string
		var enabled int
		if err := rows.Scan(&rec.OriginID, &rec.Name, &rec.Version, &manifestJSON, &enabled,
			&rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Manifest = json.RawMessage(manifestJSON)
		rec.Enabled = enabled != 0
		exts = append(exts, rec)
	}
	return exts, rows.Err()
}

func (s *LibSQLStore) DeleteExtension(ctx context.Context, originID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM extensions WHERE origin_id = ?`, originID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "extension", originID)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.TabulaError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalPayload(payload map[string]any) (string, error) {
	if payload == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
