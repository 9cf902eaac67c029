package storage

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/dreamware/ftserver/internal/cluster"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - checkpoints, message_log, output_commits
const currentSchemaVersion = 1

// SQLiteStore persists checkpoints and message logs in a SQLite database so
// they survive a restart of the checkpoint server process.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at the given path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - FULL synchronous mode, a log entry is on disk before the call returns
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) PutCheckpoint(ctx context.Context, cp cluster.Checkpoint, info cluster.CheckpointInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO checkpoints (entity_id, incarnation, seq, state, created_at, info)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(cp.EntityID), int64(cp.Incarnation), int64(cp.Seq), cp.State, toNanos(cp.Timestamp), string(data))
	if err != nil {
		return fmt.Errorf("put checkpoint: %w", mapConstraint(err))
	}
	return nil
}

// PutCheckpointWithLog inserts the checkpoint and replaces the log of its
// incarnation in one transaction.
func (s *SQLiteStore) PutCheckpointWithLog(ctx context.Context, cp cluster.Checkpoint, info cluster.CheckpointInfo, entries []cluster.MessageLogEntry) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("put checkpoint with log: %w", err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("put checkpoint with log: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO checkpoints (entity_id, incarnation, seq, state, created_at, info)
		VALUES (?, ?, ?, ?, ?, ?)
	`, string(cp.EntityID), int64(cp.Incarnation), int64(cp.Seq), cp.State, toNanos(cp.Timestamp), string(data)); err != nil {
		return fmt.Errorf("put checkpoint with log: %w", mapConstraint(err))
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM message_log WHERE entity_id = ? AND incarnation = ?
	`, string(cp.EntityID), int64(cp.Incarnation)); err != nil {
		return fmt.Errorf("put checkpoint with log: delete: %w", err)
	}

	rebased := make([]cluster.MessageLogEntry, len(entries))
	for i, e := range entries {
		e.EntityID, e.Incarnation = cp.EntityID, cp.Incarnation
		rebased[i] = e
	}
	if err := insertLog(ctx, tx, rebased); err != nil {
		return fmt.Errorf("put checkpoint with log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put checkpoint with log: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCheckpoint(ctx context.Context, id cluster.EntityID, inc cluster.Incarnation, seq uint64) (cluster.Checkpoint, error) {
	var (
		state   []byte
		created int64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT state, created_at FROM checkpoints
		WHERE entity_id = ? AND incarnation = ? AND seq = ?
	`, string(id), int64(inc), int64(seq)).Scan(&state, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return cluster.Checkpoint{}, ErrKeyNotFound
	}
	if err != nil {
		return cluster.Checkpoint{}, fmt.Errorf("get checkpoint: %w", err)
	}
	return cluster.Checkpoint{
		EntityID:    id,
		Incarnation: inc,
		Seq:         seq,
		State:       state,
		Timestamp:   fromNanos(created),
	}, nil
}

func (s *SQLiteStore) PutInfo(ctx context.Context, id cluster.EntityID, inc cluster.Incarnation, seq uint64, info cluster.CheckpointInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("put info: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE checkpoints SET info = ?
		WHERE entity_id = ? AND incarnation = ? AND seq = ?
	`, string(data), string(id), int64(inc), int64(seq))
	if err != nil {
		return fmt.Errorf("put info: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("put info: rows affected: %w", err)
	}
	if n == 0 {
		return ErrKeyNotFound
	}
	return nil
}

func (s *SQLiteStore) GetInfo(ctx context.Context, id cluster.EntityID, inc cluster.Incarnation, seq uint64) (cluster.CheckpointInfo, error) {
	var data sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT info FROM checkpoints
		WHERE entity_id = ? AND incarnation = ? AND seq = ?
	`, string(id), int64(inc), int64(seq)).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) || (err == nil && !data.Valid) {
		return cluster.CheckpointInfo{}, ErrKeyNotFound
	}
	if err != nil {
		return cluster.CheckpointInfo{}, fmt.Errorf("get info: %w", err)
	}
	var info cluster.CheckpointInfo
	if err := json.Unmarshal([]byte(data.String), &info); err != nil {
		return cluster.CheckpointInfo{}, fmt.Errorf("get info: decode: %w", err)
	}
	return info, nil
}

// AppendLog inserts all entries in one transaction.
func (s *SQLiteStore) AppendLog(ctx context.Context, entries ...cluster.MessageLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append log: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	if err := insertLog(ctx, tx, entries); err != nil {
		return fmt.Errorf("append log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append log: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReplaceLog(ctx context.Context, id cluster.EntityID, inc cluster.Incarnation, entries []cluster.MessageLogEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace log: begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM message_log WHERE entity_id = ? AND incarnation = ?
	`, string(id), int64(inc)); err != nil {
		return fmt.Errorf("replace log: delete: %w", err)
	}

	rebased := make([]cluster.MessageLogEntry, len(entries))
	for i, e := range entries {
		e.EntityID, e.Incarnation = id, inc
		rebased[i] = e
	}
	if err := insertLog(ctx, tx, rebased); err != nil {
		return fmt.Errorf("replace log: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace log: commit: %w", err)
	}
	return nil
}

func insertLog(ctx context.Context, tx *sql.Tx, entries []cluster.MessageLogEntry) error {
	for _, e := range entries {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO message_log
			(entity_id, incarnation, seq, checkpoint_seq, kind, message_id, sender, payload, logged_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			string(e.EntityID),
			int64(e.Incarnation),
			int64(e.Seq),
			int64(e.CheckpointSeq),
			string(e.Kind),
			e.MessageID,
			string(e.Sender),
			e.Payload,
			toNanos(e.LoggedAt),
		)
		if err != nil {
			return mapConstraint(err)
		}
	}
	return nil
}

func (s *SQLiteStore) ReadLog(ctx context.Context, id cluster.EntityID, inc cluster.Incarnation, fromCheckpoint uint64) ([]cluster.MessageLogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, checkpoint_seq, kind, message_id, sender, payload, logged_at
		FROM message_log
		WHERE entity_id = ? AND incarnation = ? AND checkpoint_seq >= ?
		ORDER BY seq ASC
	`, string(id), int64(inc), int64(fromCheckpoint))
	if err != nil {
		return nil, fmt.Errorf("query log: %w", err)
	}
	defer rows.Close()

	entries := []cluster.MessageLogEntry{}
	for rows.Next() {
		var (
			seq, cpSeq, logged int64
			kind, sender       string
			e                  cluster.MessageLogEntry
		)
		if err := rows.Scan(&seq, &cpSeq, &kind, &e.MessageID, &sender, &e.Payload, &logged); err != nil {
			return nil, fmt.Errorf("scan log: %w", err)
		}
		e.EntityID = id
		e.Incarnation = inc
		e.Seq = uint64(seq)
		e.CheckpointSeq = uint64(cpSeq)
		e.Kind = cluster.LogKind(kind)
		e.Sender = cluster.EntityID(sender)
		e.LoggedAt = fromNanos(logged)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return entries, nil
}

func (s *SQLiteStore) PutOutputCommit(ctx context.Context, oc OutputCommit) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO output_commits
		(entity_id, incarnation, message_id, checkpoint_seq, log_seq, committed_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`,
		string(oc.EntityID),
		int64(oc.Incarnation),
		oc.MessageID,
		int64(oc.CheckpointSeq),
		int64(oc.LogSeq),
		toNanos(oc.CommittedAt),
	)
	if err != nil {
		return fmt.Errorf("put output commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) OutputCommits(ctx context.Context, id cluster.EntityID) ([]OutputCommit, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT incarnation, message_id, checkpoint_seq, log_seq, committed_at
		FROM output_commits
		WHERE entity_id = ?
		ORDER BY incarnation ASC, log_seq ASC
	`, string(id))
	if err != nil {
		return nil, fmt.Errorf("query output commits: %w", err)
	}
	defer rows.Close()

	out := []OutputCommit{}
	for rows.Next() {
		var (
			inc, cpSeq, logSeq, committed int64
			oc                            = OutputCommit{EntityID: id}
		)
		if err := rows.Scan(&inc, &oc.MessageID, &cpSeq, &logSeq, &committed); err != nil {
			return nil, fmt.Errorf("scan output commit: %w", err)
		}
		oc.Incarnation = cluster.Incarnation(inc)
		oc.CheckpointSeq = uint64(cpSeq)
		oc.LogSeq = uint64(logSeq)
		oc.CommittedAt = fromNanos(committed)
		out = append(out, oc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate output commits: %w", err)
	}
	return out, nil
}

// Prune deletes superseded records of one entity in a single transaction.
func (s *SQLiteStore) Prune(ctx context.Context, id cluster.EntityID, inc cluster.Incarnation, keep uint64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("prune: begin tx: %w", err)
	}
	defer tx.Rollback()

	statements := []string{
		`DELETE FROM checkpoints WHERE entity_id = ? AND (incarnation < ? OR (incarnation = ? AND seq < ?))`,
		`DELETE FROM message_log WHERE entity_id = ? AND (incarnation < ? OR (incarnation = ? AND checkpoint_seq < ?))`,
		`DELETE FROM output_commits WHERE entity_id = ? AND (incarnation < ? OR (incarnation = ? AND checkpoint_seq < ?))`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt, string(id), int64(inc), int64(inc), int64(keep)); err != nil {
			return fmt.Errorf("prune: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("prune: commit: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Cursors(ctx context.Context) ([]Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH latest AS (
			SELECT entity_id, MAX(incarnation) AS incarnation FROM (
				SELECT entity_id, incarnation FROM checkpoints
				UNION ALL
				SELECT entity_id, incarnation FROM message_log
			) GROUP BY entity_id
		)
		SELECT l.entity_id, l.incarnation,
			COALESCE((SELECT MAX(seq) FROM checkpoints c
				WHERE c.entity_id = l.entity_id AND c.incarnation = l.incarnation), 0),
			COALESCE((SELECT MAX(seq) FROM message_log m
				WHERE m.entity_id = l.entity_id AND m.incarnation = l.incarnation), 0)
		FROM latest l
		ORDER BY l.entity_id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query cursors: %w", err)
	}
	defer rows.Close()

	out := []Cursor{}
	for rows.Next() {
		var (
			id                   string
			inc, lastCP, lastLog int64
		)
		if err := rows.Scan(&id, &inc, &lastCP, &lastLog); err != nil {
			return nil, fmt.Errorf("scan cursor: %w", err)
		}
		out = append(out, Cursor{
			EntityID:       cluster.EntityID(id),
			Incarnation:    cluster.Incarnation(inc),
			LastCheckpoint: uint64(lastCP),
			LastLog:        uint64(lastLog),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate cursors: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) Reset(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("reset: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"checkpoints", "message_log", "output_commits"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("reset: commit: %w", err)
	}
	return nil
}

// Stats returns storage statistics. Query errors yield zero counts.
func (s *SQLiteStore) Stats() StoreStats {
	var st StoreStats
	var cpBytes, logBytes int64
	_ = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(state)), 0) FROM checkpoints`).Scan(&st.Checkpoints, &cpBytes)
	_ = s.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(LENGTH(payload)), 0) FROM message_log`).Scan(&st.LogEntries, &logBytes)
	_ = s.db.QueryRow(`SELECT COUNT(*) FROM output_commits`).Scan(&st.OutputCommits)
	st.Bytes = int(cpBytes + logBytes)
	return st
}

// mapConstraint turns a primary key violation into ErrDuplicate.
func mapConstraint(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.Code == sqlite3.ErrConstraint {
		return ErrDuplicate
	}
	return err
}

func toNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromNanos(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
