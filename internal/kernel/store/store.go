// Package store implements the Kernel Store: the single point of durable
// truth for events, actions, leases, memory records and links, the egress
// ledger, and config snapshots. It exposes synchronous primitives backed by
// SQLite in WAL mode, plus async wrappers that offload to a blocking pool.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/agentrt/agentd/internal/kernel/model"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ErrNotFound is returned when a lookup finds no matching row. It is
// distinct from a transport-level IO failure.
var ErrNotFound = errors.New("store: not found")

// Config captures SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns the recommended operational configuration.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 8,
	}
}

// Store is the durable kernel store. All methods are synchronous; callers
// running on an async executor should offload through Async (see async.go).
type Store struct {
	db *sql.DB
}

// Open initializes the SQLite database at path with mandatory pragmas (WAL,
// busy_timeout, normal sync) and runs schema migrations.
func Open(path string, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open failed: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
		db.SetMaxIdleConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping failed: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: migrate failed: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time INTEGER NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		policy TEXT,
		ce TEXT,
		corr_id TEXT,
		actor TEXT,
		proj TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_kind ON events(kind);
	CREATE INDEX IF NOT EXISTS idx_events_corr_id ON events(corr_id);

	CREATE TABLE IF NOT EXISTS actions (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		input TEXT NOT NULL,
		policy_ctx TEXT,
		idem_key TEXT UNIQUE,
		state TEXT NOT NULL CHECK(state IN ('queued','running','completed','failed','denied')),
		output TEXT,
		error TEXT,
		created TEXT NOT NULL,
		updated TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_actions_state_created ON actions(state, created);
	CREATE INDEX IF NOT EXISTS idx_actions_kind ON actions(kind);

	CREATE TABLE IF NOT EXISTS leases (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		capability TEXT NOT NULL,
		scope TEXT,
		ttl_until INTEGER NOT NULL,
		budget REAL,
		policy_ctx TEXT,
		created TEXT NOT NULL,
		updated TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_leases_lookup ON leases(subject, capability, ttl_until);

	CREATE TABLE IF NOT EXISTS memory_records (
		id TEXT PRIMARY KEY,
		lane TEXT NOT NULL,
		kind TEXT,
		key TEXT,
		value TEXT NOT NULL,
		tags TEXT,
		hash TEXT NOT NULL,
		embed TEXT,
		score REAL,
		prob REAL,
		created TEXT NOT NULL,
		updated TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memory_lane ON memory_records(lane);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_memory_hash ON memory_records(hash);

	CREATE VIRTUAL TABLE IF NOT EXISTS memory_fts USING fts5(
		id UNINDEXED, lane UNINDEXED, key, value, tags
	);

	CREATE TABLE IF NOT EXISTS memory_links (
		src_id TEXT NOT NULL,
		dst_id TEXT NOT NULL,
		rel TEXT NOT NULL,
		weight REAL,
		PRIMARY KEY (src_id, dst_id, rel)
	);
	CREATE INDEX IF NOT EXISTS idx_memory_links_src ON memory_links(src_id);

	CREATE TABLE IF NOT EXISTS egress_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		time INTEGER NOT NULL,
		decision TEXT NOT NULL,
		reason TEXT,
		dest_host TEXT,
		dest_port INTEGER,
		protocol TEXT,
		bytes_in INTEGER,
		bytes_out INTEGER,
		corr_id TEXT,
		proj TEXT,
		posture TEXT
	);

	CREATE TABLE IF NOT EXISTS config_snapshots (
		id TEXT PRIMARY KEY,
		config TEXT NOT NULL,
		created TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// AppendEvent persists env, extracting corr_id/actor/proj from its payload
// when present, and returns the assigned monotonically increasing id.
func (s *Store) AppendEvent(ctx context.Context, env model.Envelope) (int64, error) {
	corrID, actor, proj := extractEventMeta(env.Payload)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (time, kind, payload, policy, ce, corr_id, actor, proj) VALUES (?,?,?,?,?,?,?,?)`,
		env.Time, env.Kind, string(env.Payload), nullableRaw(env.Policy), nullableRaw(env.CE), corrID, actor, proj,
	)
	if err != nil {
		return 0, fmt.Errorf("store: append_event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("store: append_event id: %w", err)
	}
	return id, nil
}

func extractEventMeta(payload json.RawMessage) (corrID, actor, proj string) {
	if len(payload) == 0 {
		return "", "", ""
	}
	var meta struct {
		CorrID string `json:"corr_id"`
		Actor  string `json:"actor"`
		Proj   string `json:"proj"`
	}
	if err := json.Unmarshal(payload, &meta); err != nil {
		return "", "", ""
	}
	return meta.CorrID, meta.Actor, meta.Proj
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// RecentEvents returns events in ascending id order. If afterID > 0, only
// events with id > afterID are returned; otherwise the most recent limit
// events are returned, oldest first.
func (s *Store) RecentEvents(ctx context.Context, limit int, afterID int64) ([]model.EventRow, error) {
	var rows *sql.Rows
	var err error
	if afterID > 0 {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id,time,kind,payload,policy,ce,corr_id,actor,proj FROM events WHERE id > ? ORDER BY id ASC LIMIT ?`,
			afterID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT id,time,kind,payload,policy,ce,corr_id,actor,proj FROM events ORDER BY id DESC LIMIT ?`,
			limit)
	}
	if err != nil {
		return nil, fmt.Errorf("store: recent_events: %w", err)
	}
	defer rows.Close()

	out := make([]model.EventRow, 0, limit)
	for rows.Next() {
		var row model.EventRow
		var payload, policy, ce, corrID, actor, proj sql.NullString
		if err := rows.Scan(&row.ID, &row.Time, &row.Kind, &payload, &policy, &ce, &corrID, &actor, &proj); err != nil {
			return nil, fmt.Errorf("store: recent_events scan: %w", err)
		}
		row.Payload = json.RawMessage(payload.String)
		if policy.Valid {
			row.Policy = json.RawMessage(policy.String)
		}
		if ce.Valid {
			row.CE = json.RawMessage(ce.String)
		}
		row.CorrID = corrID.String
		row.Actor = actor.String
		row.Proj = proj.String
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if afterID <= 0 {
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return out, nil
}

// InsertAction inserts a new action row in the given state. Idempotency is
// enforced by the caller via FindActionByIdemKey before calling this.
func (s *Store) InsertAction(ctx context.Context, a model.Action) error {
	now := nowRFC3339()
	a.Created, a.Updated = now, now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO actions (id,kind,input,policy_ctx,idem_key,state,output,error,created,updated) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.Kind, string(a.Input), nullableRaw(a.PolicyCtx), nullString(a.IdemKey), string(a.State),
		nullableRaw(a.Output), nullString(a.Error), a.Created, a.Updated,
	)
	if err != nil {
		return fmt.Errorf("store: insert_action: %w", err)
	}
	return nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// FindActionByIdemKey returns the action previously submitted under key, if
// any.
func (s *Store) FindActionByIdemKey(ctx context.Context, key string) (*model.Action, error) {
	return s.scanOneAction(ctx,
		`SELECT id,kind,input,policy_ctx,idem_key,state,output,error,created,updated FROM actions WHERE idem_key = ?`,
		key)
}

// GetAction returns an action by id.
func (s *Store) GetAction(ctx context.Context, id string) (*model.Action, error) {
	return s.scanOneAction(ctx,
		`SELECT id,kind,input,policy_ctx,idem_key,state,output,error,created,updated FROM actions WHERE id = ?`,
		id)
}

func (s *Store) scanOneAction(ctx context.Context, query string, arg any) (*model.Action, error) {
	row := s.db.QueryRowContext(ctx, query, arg)
	var a model.Action
	var input, policyCtx, idemKey, output, errStr sql.NullString
	err := row.Scan(&a.ID, &a.Kind, &input, &policyCtx, &idemKey, &a.State, &output, &errStr, &a.Created, &a.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan action: %w", err)
	}
	a.Input = json.RawMessage(input.String)
	if policyCtx.Valid {
		a.PolicyCtx = json.RawMessage(policyCtx.String)
	}
	a.IdemKey = idemKey.String
	if output.Valid {
		a.Output = json.RawMessage(output.String)
	}
	a.Error = errStr.String
	return &a, nil
}

// ListActions returns the most recent limit actions, newest first, optionally
// filtered by a kind prefix and/or exact state. Either filter may be empty to
// mean "no constraint".
func (s *Store) ListActions(ctx context.Context, kindPrefix string, state model.ActionState, limit int) ([]model.Action, error) {
	query := `SELECT id,kind,input,policy_ctx,idem_key,state,output,error,created,updated FROM actions WHERE 1=1`
	var args []any
	if kindPrefix != "" {
		query += ` AND kind LIKE ? ESCAPE '\'`
		args = append(args, escapeLikePrefix(kindPrefix)+"%")
	}
	if state != "" {
		query += ` AND state = ?`
		args = append(args, string(state))
	}
	query += ` ORDER BY created DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list_actions: %w", err)
	}
	defer rows.Close()

	out := make([]model.Action, 0, limit)
	for rows.Next() {
		var a model.Action
		var input, policyCtx, idemKey, output, errStr sql.NullString
		if err := rows.Scan(&a.ID, &a.Kind, &input, &policyCtx, &idemKey, &a.State, &output, &errStr, &a.Created, &a.Updated); err != nil {
			return nil, fmt.Errorf("store: list_actions scan: %w", err)
		}
		a.Input = json.RawMessage(input.String)
		if policyCtx.Valid {
			a.PolicyCtx = json.RawMessage(policyCtx.String)
		}
		a.IdemKey = idemKey.String
		if output.Valid {
			a.Output = json.RawMessage(output.String)
		}
		a.Error = errStr.String
		out = append(out, a)
	}
	return out, rows.Err()
}

// escapeLikePrefix escapes SQL LIKE metacharacters in a literal prefix so it
// can be safely combined with a trailing wildcard.
func escapeLikePrefix(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// DequeueOneQueued atomically claims the oldest queued action, transitioning
// it to running, and returns it. Returns ErrNotFound if none are queued.
func (s *Store) DequeueOneQueued(ctx context.Context) (*model.Action, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: dequeue begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	row := tx.QueryRowContext(ctx,
		`SELECT id FROM actions WHERE state = 'queued' ORDER BY created ASC LIMIT 1`)
	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: dequeue scan: %w", err)
	}

	now := nowRFC3339()
	if _, err := tx.ExecContext(ctx,
		`UPDATE actions SET state = 'running', updated = ? WHERE id = ? AND state = 'queued'`,
		now, id); err != nil {
		return nil, fmt.Errorf("store: dequeue claim: %w", err)
	}

	a, err := s.scanOneActionTx(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: dequeue commit: %w", err)
	}
	return a, nil
}

func (s *Store) scanOneActionTx(ctx context.Context, tx *sql.Tx, id string) (*model.Action, error) {
	row := tx.QueryRowContext(ctx,
		`SELECT id,kind,input,policy_ctx,idem_key,state,output,error,created,updated FROM actions WHERE id = ?`, id)
	var a model.Action
	var input, policyCtx, idemKey, output, errStr sql.NullString
	if err := row.Scan(&a.ID, &a.Kind, &input, &policyCtx, &idemKey, &a.State, &output, &errStr, &a.Created, &a.Updated); err != nil {
		return nil, fmt.Errorf("store: scan action tx: %w", err)
	}
	a.Input = json.RawMessage(input.String)
	if policyCtx.Valid {
		a.PolicyCtx = json.RawMessage(policyCtx.String)
	}
	a.IdemKey = idemKey.String
	if output.Valid {
		a.Output = json.RawMessage(output.String)
	}
	a.Error = errStr.String
	return &a, nil
}

// UpdateActionResult applies a partial update to an action: non-nil output
// or error fields are set, state is changed, and updated is refreshed.
// Arguments that are nil preserve the prior stored value.
func (s *Store) UpdateActionResult(ctx context.Context, id string, output json.RawMessage, errMsg *string, state model.ActionState) error {
	now := nowRFC3339()
	if output != nil && errMsg != nil {
		_, err := s.db.ExecContext(ctx,
			`UPDATE actions SET output = ?, error = ?, state = ?, updated = ? WHERE id = ?`,
			string(output), *errMsg, string(state), now, id)
		return wrapUpdateErr(err)
	}
	if output != nil {
		_, err := s.db.ExecContext(ctx,
			`UPDATE actions SET output = ?, state = ?, updated = ? WHERE id = ?`,
			string(output), string(state), now, id)
		return wrapUpdateErr(err)
	}
	if errMsg != nil {
		_, err := s.db.ExecContext(ctx,
			`UPDATE actions SET error = ?, state = ?, updated = ? WHERE id = ?`,
			*errMsg, string(state), now, id)
		return wrapUpdateErr(err)
	}
	_, err := s.db.ExecContext(ctx, `UPDATE actions SET state = ?, updated = ? WHERE id = ?`, string(state), now, id)
	return wrapUpdateErr(err)
}

func wrapUpdateErr(err error) error {
	if err != nil {
		return fmt.Errorf("store: update_action_result: %w", err)
	}
	return nil
}

// InsertLease persists a new lease, assigning an id if l.ID is empty.
func (s *Store) InsertLease(ctx context.Context, l model.Lease) (model.Lease, error) {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	now := nowRFC3339()
	l.Created, l.Updated = now, now

	var budget any
	if l.Budget != nil {
		budget = *l.Budget
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (id,subject,capability,scope,ttl_until,budget,policy_ctx,created,updated) VALUES (?,?,?,?,?,?,?,?,?)`,
		l.ID, l.Subject, l.Capability, nullString(l.Scope), l.TTLUntilMs, budget, nullableRaw(l.PolicyCtx), l.Created, l.Updated,
	)
	if err != nil {
		return model.Lease{}, fmt.Errorf("store: insert_lease: %w", err)
	}
	return l, nil
}

// FindValidLease returns the newest still-valid lease for (subject,
// capability) as of nowMs, or ErrNotFound.
func (s *Store) FindValidLease(ctx context.Context, subject, capability string, nowMs int64) (*model.Lease, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id,subject,capability,scope,ttl_until,budget,policy_ctx,created,updated FROM leases
		 WHERE subject = ? AND capability = ? AND ttl_until > ?
		 ORDER BY ttl_until DESC LIMIT 1`,
		subject, capability, nowMs,
	)
	var l model.Lease
	var scope, policyCtx sql.NullString
	var budget sql.NullFloat64
	err := row.Scan(&l.ID, &l.Subject, &l.Capability, &scope, &l.TTLUntilMs, &budget, &policyCtx, &l.Created, &l.Updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: find_valid_lease: %w", err)
	}
	l.Scope = scope.String
	if budget.Valid {
		v := budget.Float64
		l.Budget = &v
	}
	if policyCtx.Valid {
		l.PolicyCtx = json.RawMessage(policyCtx.String)
	}
	return &l, nil
}

// AppendEgress records an egress decision.
func (s *Store) AppendEgress(ctx context.Context, e model.EgressEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO egress_log (time,decision,reason,dest_host,dest_port,protocol,bytes_in,bytes_out,corr_id,proj,posture)
		 VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		e.Time, string(e.Decision), nullString(e.Reason), nullString(e.DestHost), nullZeroInt(e.DestPort),
		nullString(e.Protocol), e.BytesIn, e.BytesOut, nullString(e.CorrID), nullString(e.Proj), nullString(e.Posture),
	)
	if err != nil {
		return fmt.Errorf("store: append_egress: %w", err)
	}
	return nil
}

func nullZeroInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

// ListEgress returns the most recent limit egress entries, newest first.
func (s *Store) ListEgress(ctx context.Context, limit int) ([]model.EgressEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT time,decision,reason,dest_host,dest_port,protocol,bytes_in,bytes_out,corr_id,proj,posture
		 FROM egress_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("store: list_egress: %w", err)
	}
	defer rows.Close()

	var out []model.EgressEntry
	for rows.Next() {
		var e model.EgressEntry
		var reason, destHost, protocol, corrID, proj, posture sql.NullString
		var destPort sql.NullInt64
		if err := rows.Scan(&e.Time, &e.Decision, &reason, &destHost, &destPort, &protocol, &e.BytesIn, &e.BytesOut, &corrID, &proj, &posture); err != nil {
			return nil, fmt.Errorf("store: list_egress scan: %w", err)
		}
		e.Reason = reason.String
		e.DestHost = destHost.String
		e.DestPort = int(destPort.Int64)
		e.Protocol = protocol.String
		e.CorrID = corrID.String
		e.Proj = proj.String
		e.Posture = posture.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// InsertConfigSnapshot persists an immutable config snapshot and returns its
// generated id.
func (s *Store) InsertConfigSnapshot(ctx context.Context, cfg json.RawMessage) (string, error) {
	id := uuid.NewString()
	now := nowRFC3339()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config_snapshots (id,config,created) VALUES (?,?,?)`, id, string(cfg), now)
	if err != nil {
		return "", fmt.Errorf("store: insert_config_snapshot: %w", err)
	}
	return id, nil
}

// GetConfigSnapshot returns a previously stored config snapshot by id.
func (s *Store) GetConfigSnapshot(ctx context.Context, id string) (*model.ConfigSnapshot, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id,config,created FROM config_snapshots WHERE id = ?`, id)
	var snap model.ConfigSnapshot
	var cfg string
	if err := row.Scan(&snap.ID, &cfg, &snap.Created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get_config_snapshot: %w", err)
	}
	snap.Config = json.RawMessage(cfg)
	return &snap, nil
}
