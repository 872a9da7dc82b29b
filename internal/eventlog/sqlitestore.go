package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const schema = `
PRAGMA journal_mode=WAL;
PRAGMA foreign_keys=ON;

CREATE TABLE IF NOT EXISTS events (
	event_id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	stream_key TEXT NOT NULL,
	seq INTEGER NOT NULL,
	event_type TEXT NOT NULL,
	payload TEXT NOT NULL,
	payload_schema_version INTEGER NOT NULL,
	occurred_at DATETIME NOT NULL,
	ingested_at DATETIME NOT NULL,
	trace_id TEXT,
	causation_id TEXT,
	command_id TEXT,
	workflow_id TEXT,
	actor_type TEXT,
	actor_id TEXT,
	idempotency_key TEXT NOT NULL,
	prev_hash TEXT,
	hash TEXT,
	UNIQUE(tenant_id, stream_key, seq),
	UNIQUE(idempotency_key)
);

CREATE INDEX IF NOT EXISTS idx_events_tenant_occurred ON events(tenant_id, occurred_at);
CREATE INDEX IF NOT EXISTS idx_events_tenant_type ON events(tenant_id, event_type);
CREATE INDEX IF NOT EXISTS idx_events_command ON events(command_id);
CREATE INDEX IF NOT EXISTS idx_events_workflow ON events(workflow_id);

CREATE TABLE IF NOT EXISTS stream_cursors (
	tenant_id TEXT NOT NULL,
	stream_key TEXT NOT NULL,
	last_seq INTEGER NOT NULL,
	PRIMARY KEY (tenant_id, stream_key)
);
`

// sqliteStore is the durable Store backing production deployments: a
// single-writer SQLite database, grounded on the teacher's pkg/db (raw SQL,
// SetMaxOpenConns(1), WAL journal mode) but re-keyed around the append-only
// event log rather than row-overwriting tables.
type sqliteStore struct {
	db *sql.DB
	// chainHash enables the optional per-stream hash chaining described in
	// §6 (prev_hash/hash); set by NewSQLiteStore's chainHash argument (the
	// daemon's EVENT_LOG_CHAIN setting, which defaults to on). It adds a
	// read-before-write on every append.
	chainHash bool
}

// NewSQLiteStore opens (creating if needed) the event log database at path
// and applies the schema.
func NewSQLiteStore(path string, chainHash bool) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply event log schema: %w", err)
	}

	return &sqliteStore{db: db, chainHash: chainHash}, nil
}

func (s *sqliteStore) Append(ctx context.Context, streamKey string, expectedSeq int64, ev NewEvent) (EventEnvelope, error) {
	return s.appendTx(ctx, streamKey, expectedSeq, ev, nil)
}

func (s *sqliteStore) AppendInTx(ctx context.Context, streamKey string, expectedSeq int64, ev NewEvent, fn func(ctx context.Context, envelope EventEnvelope) error) (EventEnvelope, error) {
	return s.appendTx(ctx, streamKey, expectedSeq, ev, fn)
}

func (s *sqliteStore) appendTx(ctx context.Context, streamKey string, expectedSeq int64, ev NewEvent, fn func(ctx context.Context, envelope EventEnvelope) error) (EventEnvelope, error) {
	idemKey, err := computeIdempotencyKey(ev.TenantID, streamKey, ev.CommandID, ev.Payload)
	if err != nil {
		return EventEnvelope{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EventEnvelope{}, fmt.Errorf("%w: begin tx: %v", ErrDatabase, err)
	}
	defer tx.Rollback()

	if existing, err := findByIdemKey(ctx, tx, idemKey); err != nil {
		return EventEnvelope{}, err
	} else if existing != nil {
		return *existing, &IdempotentDuplicate{ExistingEventID: existing.EventID}
	}

	var current int64
	var streamExists bool
	row := tx.QueryRowContext(ctx, `SELECT last_seq FROM stream_cursors WHERE tenant_id = ? AND stream_key = ?`, ev.TenantID.String(), streamKey)
	switch err := row.Scan(&current); {
	case errors.Is(err, sql.ErrNoRows):
		current = 0
	case err != nil:
		return EventEnvelope{}, fmt.Errorf("%w: read cursor: %v", ErrDatabase, err)
	default:
		streamExists = true
	}

	if !streamExists && expectedSeq != 0 {
		return EventEnvelope{}, fmt.Errorf("%w: stream %q", ErrStreamNotFound, streamKey)
	}
	if current != expectedSeq {
		return EventEnvelope{}, &ConcurrentModification{Expected: expectedSeq, Actual: current}
	}

	var prevHash *string
	if s.chainHash {
		prevHash, err = lastHash(ctx, tx, ev.TenantID, streamKey)
		if err != nil {
			return EventEnvelope{}, err
		}
	}

	env := EventEnvelope{
		EventID:              uuid.New(),
		TenantID:             ev.TenantID,
		StreamKey:            streamKey,
		Seq:                  expectedSeq + 1,
		EventType:            ev.EventType,
		Payload:              ev.Payload,
		PayloadSchemaVersion: ev.PayloadSchemaVersion,
		OccurredAt:           ev.OccurredAt,
		IngestedAt:           time.Now().UTC(),
		TraceID:              ev.TraceID,
		CausationID:          ev.CausationID,
		CommandID:            ev.CommandID,
		WorkflowID:           ev.WorkflowID,
		ActorType:            ev.ActorType,
		ActorID:              ev.ActorID,
		IdempotencyKey:       idemKey,
		PrevHash:             prevHash,
	}
	if s.chainHash {
		h := computeChainHash(prevHash, env)
		env.Hash = &h
	}

	if err := insertEvent(ctx, tx, env); err != nil {
		return EventEnvelope{}, err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stream_cursors (tenant_id, stream_key, last_seq)
		VALUES (?, ?, ?)
		ON CONFLICT(tenant_id, stream_key) DO UPDATE SET last_seq = excluded.last_seq
	`, ev.TenantID.String(), streamKey, env.Seq); err != nil {
		return EventEnvelope{}, fmt.Errorf("%w: update cursor: %v", ErrDatabase, err)
	}

	if fn != nil {
		if err := fn(ctx, env); err != nil {
			return EventEnvelope{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return EventEnvelope{}, fmt.Errorf("%w: commit: %v", ErrDatabase, err)
	}
	return env, nil
}

func insertEvent(ctx context.Context, tx *sql.Tx, env EventEnvelope) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (
			event_id, tenant_id, stream_key, seq, event_type, payload,
			payload_schema_version, occurred_at, ingested_at,
			trace_id, causation_id, command_id, workflow_id,
			actor_type, actor_id, idempotency_key, prev_hash, hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		env.EventID.String(), env.TenantID.String(), env.StreamKey, env.Seq, env.EventType, string(env.Payload),
		env.PayloadSchemaVersion, env.OccurredAt, env.IngestedAt,
		nullableUUID(env.TraceID), nullableUUID(env.CausationID), nullableUUID(env.CommandID), nullableUUID(env.WorkflowID),
		nullableActorType(env.ActorType), nullableString(env.ActorID), env.IdempotencyKey, nullableString(env.PrevHash), nullableString(env.Hash),
	)
	if err != nil {
		return fmt.Errorf("%w: insert event: %v", ErrDatabase, err)
	}
	return nil
}

func findByIdemKey(ctx context.Context, tx *sql.Tx, idemKey string) (*EventEnvelope, error) {
	row := tx.QueryRowContext(ctx, selectColumns+` WHERE idempotency_key = ?`, idemKey)
	env, err := scanEnvelope(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lookup idempotency key: %v", ErrDatabase, err)
	}
	return &env, nil
}

func lastHash(ctx context.Context, tx *sql.Tx, tenantID uuid.UUID, streamKey string) (*string, error) {
	var h sql.NullString
	row := tx.QueryRowContext(ctx, `
		SELECT hash FROM events
		WHERE tenant_id = ? AND stream_key = ?
		ORDER BY seq DESC LIMIT 1
	`, tenantID.String(), streamKey)
	switch err := row.Scan(&h); {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("%w: read prev hash: %v", ErrDatabase, err)
	}
	if !h.Valid {
		return nil, nil
	}
	return &h.String, nil
}

const selectColumns = `
	SELECT event_id, tenant_id, stream_key, seq, event_type, payload,
		payload_schema_version, occurred_at, ingested_at,
		trace_id, causation_id, command_id, workflow_id,
		actor_type, actor_id, idempotency_key, prev_hash, hash
	FROM events
`

type scannable interface {
	Scan(dest ...any) error
}

func scanEnvelope(row scannable) (EventEnvelope, error) {
	var (
		env                                          EventEnvelope
		eventID, tenantID                            string
		payload                                       string
		traceID, causationID, commandID, workflowID  sql.NullString
		actorType, actorID, prevHash, hash           sql.NullString
	)
	err := row.Scan(
		&eventID, &tenantID, &env.StreamKey, &env.Seq, &env.EventType, &payload,
		&env.PayloadSchemaVersion, &env.OccurredAt, &env.IngestedAt,
		&traceID, &causationID, &commandID, &workflowID,
		&actorType, &actorID, &env.IdempotencyKey, &prevHash, &hash,
	)
	if err != nil {
		return EventEnvelope{}, err
	}

	env.EventID = uuid.MustParse(eventID)
	env.TenantID = uuid.MustParse(tenantID)
	env.Payload = json.RawMessage(payload)
	env.TraceID = parseUUIDPtr(traceID)
	env.CausationID = parseUUIDPtr(causationID)
	env.CommandID = parseUUIDPtr(commandID)
	env.WorkflowID = parseUUIDPtr(workflowID)
	if actorType.Valid {
		at := ActorType(actorType.String)
		env.ActorType = &at
	}
	if actorID.Valid {
		env.ActorID = &actorID.String
	}
	if prevHash.Valid {
		env.PrevHash = &prevHash.String
	}
	if hash.Valid {
		env.Hash = &hash.String
	}
	return env, nil
}

func (s *sqliteStore) Query(ctx context.Context, q Query) ([]EventEnvelope, error) {
	if q.TenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: query requires tenant_id", ErrInvalidEvent)
	}

	query := selectColumns + ` WHERE tenant_id = ?`
	args := []any{q.TenantID.String()}

	if q.StreamKey != "" {
		query += ` AND stream_key = ?`
		args = append(args, q.StreamKey)
	}
	if q.EventType != "" {
		query += ` AND event_type = ?`
		args = append(args, q.EventType)
	}
	if q.FromTime != nil {
		query += ` AND occurred_at >= ?`
		args = append(args, *q.FromTime)
	}
	if q.ToTime != nil {
		query += ` AND occurred_at <= ?`
		args = append(args, *q.ToTime)
	}
	if q.FromSeq != nil {
		query += ` AND seq >= ?`
		args = append(args, *q.FromSeq)
	}
	if q.ToSeq != nil {
		query += ` AND seq <= ?`
		args = append(args, *q.ToSeq)
	}
	if q.TraceID != nil {
		query += ` AND trace_id = ?`
		args = append(args, q.TraceID.String())
	}
	if q.CommandID != nil {
		query += ` AND command_id = ?`
		args = append(args, q.CommandID.String())
	}
	if q.WorkflowID != nil {
		query += ` AND workflow_id = ?`
		args = append(args, q.WorkflowID.String())
	}

	if q.Descending {
		query += ` ORDER BY occurred_at DESC, seq DESC`
	} else {
		query += ` ORDER BY occurred_at ASC, seq ASC`
	}
	if q.Limit > 0 {
		query += fmt.Sprintf(` LIMIT %d`, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: query events: %v", ErrDatabase, err)
	}
	defer rows.Close()

	var out []EventEnvelope
	for rows.Next() {
		env, err := scanEnvelope(rows)
		if err != nil {
			return nil, fmt.Errorf("%w: scan event: %v", ErrDatabase, err)
		}
		out = append(out, env)
	}
	return out, rows.Err()
}

func (s *sqliteStore) LastSeq(ctx context.Context, tenantID uuid.UUID, streamKey string) (int64, error) {
	var seq int64
	row := s.db.QueryRowContext(ctx, `SELECT last_seq FROM stream_cursors WHERE tenant_id = ? AND stream_key = ?`, tenantID.String(), streamKey)
	switch err := row.Scan(&seq); {
	case errors.Is(err, sql.ErrNoRows):
		return 0, nil
	case err != nil:
		return 0, fmt.Errorf("%w: read cursor: %v", ErrDatabase, err)
	}
	return seq, nil
}

func (s *sqliteStore) Streams(ctx context.Context, tenantID uuid.UUID) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT stream_key FROM stream_cursors WHERE tenant_id = ? ORDER BY stream_key
	`, tenantID.String())
	if err != nil {
		return nil, fmt.Errorf("%w: list streams: %v", ErrDatabase, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("%w: scan stream key: %v", ErrDatabase, err)
		}
		out = append(out, key)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func nullableUUID(id *uuid.UUID) any {
	if id == nil {
		return nil
	}
	return id.String()
}

func nullableActorType(at *ActorType) any {
	if at == nil {
		return nil
	}
	return string(*at)
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func parseUUIDPtr(s sql.NullString) *uuid.UUID {
	if !s.Valid {
		return nil
	}
	id := uuid.MustParse(s.String)
	return &id
}
