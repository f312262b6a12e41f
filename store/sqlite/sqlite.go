// Package sqlite implements the Dockhand durable store using SQLite.
// Every session/container lifecycle transition lands here so that a restart
// can reconnect surviving sessions without losing state.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dockhand-dev/dockhand/model"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store manages all persisted Dockhand state.
type Store struct {
	db *sql.DB
}

// Options tunes the store connection.
type Options struct {
	// PoolSize limits concurrent connections (default 4).
	PoolSize int
}

// New opens (or creates) a SQLite database at the given path and ensures the
// schema exists. Schema creation is idempotent.
func New(dbPath string, opts Options) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if opts.PoolSize <= 0 {
		opts.PoolSize = 4
	}
	db.SetMaxOpenConns(opts.PoolSize)

	// WAL mode for better concurrent read/write performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			channel_id        TEXT NOT NULL,
			thread_id         TEXT NOT NULL,
			project           TEXT NOT NULL,
			project_path      TEXT NOT NULL DEFAULT '',
			container_name    TEXT NOT NULL DEFAULT '',
			session_type      TEXT NOT NULL DEFAULT 'standard',
			parent_session_id TEXT NOT NULL DEFAULT '',
			worktree_path     TEXT NOT NULL DEFAULT '',
			plan_mode         INTEGER NOT NULL DEFAULT 0,
			pending_title     INTEGER NOT NULL DEFAULT 0,
			agent_session_id  TEXT NOT NULL DEFAULT '',
			message_count     INTEGER NOT NULL DEFAULT 0,
			compaction_count  INTEGER NOT NULL DEFAULT 0,
			created_at        DATETIME NOT NULL,
			last_activity_at  DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_thread
			ON sessions(channel_id, thread_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_parent
			ON sessions(parent_session_id);

		CREATE TABLE IF NOT EXISTS containers (
			id                       INTEGER PRIMARY KEY AUTOINCREMENT,
			repo                     TEXT NOT NULL,
			branch                   TEXT NOT NULL DEFAULT '',
			name                     TEXT NOT NULL,
			state                    TEXT NOT NULL DEFAULT 'running',
			session_count            INTEGER NOT NULL DEFAULT 0,
			grpc_port                INTEGER NOT NULL,
			config_hash              TEXT NOT NULL DEFAULT '',
			last_activity_at         DATETIME NOT NULL,
			last_session_stopped_at  DATETIME
		);

		CREATE TABLE IF NOT EXISTS project_channels (
			project      TEXT PRIMARY KEY,
			channel_id   TEXT NOT NULL,
			channel_name TEXT NOT NULL,
			created_at   DATETIME NOT NULL
		);

		CREATE TABLE IF NOT EXISTS pending_requests (
			request_id TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			thread_id  TEXT NOT NULL,
			session_id TEXT NOT NULL,
			domain     TEXT NOT NULL,
			post_id    TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL
		);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_pending_domain_session
			ON pending_requests(domain, session_id);
		CREATE INDEX IF NOT EXISTS idx_pending_session
			ON pending_requests(session_id);

		CREATE TABLE IF NOT EXISTS audit_log (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id  TEXT NOT NULL,
			domain      TEXT NOT NULL,
			action      TEXT NOT NULL,
			approved_by TEXT NOT NULL,
			created_at  DATETIME NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_created
			ON audit_log(created_at DESC);
	`)
	return err
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// HealthCheck verifies the database answers a trivial query.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// --- Sessions ---

const sessionColumns = `id, channel_id, thread_id, project, project_path,
	container_name, session_type, parent_session_id, worktree_path,
	plan_mode, pending_title, agent_session_id, message_count,
	compaction_count, created_at, last_activity_at`

// CreateSession inserts a new session row.
func (s *Store) CreateSession(ctx context.Context, sess *model.Session) error {
	if sess.Type == "" {
		sess.Type = model.TypeStandard
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.ChannelID, sess.ThreadID, sess.Project, sess.ProjectPath,
		sess.ContainerName, sess.Type, sess.ParentSessionID, sess.WorktreePath,
		sess.PlanMode, sess.PendingTitle, sess.AgentSessionID, sess.MessageCount,
		sess.CompactionCount, sess.CreatedAt, sess.LastActivityAt,
	)
	return err
}

// GetSession retrieves a session by its full ID.
func (s *Store) GetSession(ctx context.Context, id string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// GetSessionByThread retrieves the session anchored at (channel, thread).
func (s *Store) GetSessionByThread(ctx context.Context, channelID, threadID string) (*model.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE channel_id = ? AND thread_id = ?`, channelID, threadID)
	return scanSession(row)
}

var idPrefixRe = regexp.MustCompile(`^[0-9a-fA-F-]+$`)

// GetSessionByIDPrefix resolves a short user-supplied prefix to a session.
// The prefix must be hex+dash to keep it out of LIKE metacharacter territory;
// an ambiguous prefix is an error.
func (s *Store) GetSessionByIDPrefix(ctx context.Context, prefix string) (*model.Session, error) {
	if prefix == "" || !idPrefixRe.MatchString(prefix) {
		return nil, fmt.Errorf("invalid session id prefix %q", prefix)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id LIKE ? LIMIT 2`,
		prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var matches []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		matches = append(matches, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	switch len(matches) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("session id prefix %q is ambiguous", prefix)
	}
}

// GetNonWorkerSessionsByChannel lists sessions in a channel excluding
// orchestrator-spawned workers, used for bare-message routing.
func (s *Store) GetNonWorkerSessionsByChannel(ctx context.Context, channelID string) ([]*model.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE channel_id = ? AND session_type != ?
		 ORDER BY created_at ASC`, channelID, model.TypeWorker)
}

// GetAllSessions returns every session row, newest first.
func (s *Store) GetAllSessions(ctx context.Context) ([]*model.Session, error) {
	return s.querySessions(ctx,
		`SELECT `+sessionColumns+` FROM sessions ORDER BY created_at DESC`)
}

// UpdateSession persists mutable session fields.
func (s *Store) UpdateSession(ctx context.Context, sess *model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET
			project_path = ?, container_name = ?, worktree_path = ?,
			plan_mode = ?, pending_title = ?, agent_session_id = ?,
			message_count = ?, compaction_count = ?, last_activity_at = ?
		 WHERE id = ?`,
		sess.ProjectPath, sess.ContainerName, sess.WorktreePath,
		sess.PlanMode, sess.PendingTitle, sess.AgentSessionID,
		sess.MessageCount, sess.CompactionCount, sess.LastActivityAt,
		sess.ID,
	)
	return err
}

// DeleteSession removes a session and, in the same transaction, every
// pending approval attached to it.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM pending_requests WHERE session_id = ?`, id); err != nil {
		return fmt.Errorf("deleting pending requests: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("deleting session: %w", err)
	}
	return tx.Commit()
}

// TouchSession bumps the session's activity clock and message count,
// returning the new count.
func (s *Store) TouchSession(ctx context.Context, id string) (int, error) {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET message_count = message_count + 1,
			last_activity_at = ? WHERE id = ?`,
		time.Now().UTC(), id)
	if err != nil {
		return 0, err
	}
	var count int
	err = s.db.QueryRowContext(ctx,
		`SELECT message_count FROM sessions WHERE id = ?`, id).Scan(&count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	return count, err
}

// RecordCompaction increments the session's compaction counter.
func (s *Store) RecordCompaction(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET compaction_count = compaction_count + 1 WHERE id = ?`, id)
	return err
}

func (s *Store) querySessions(ctx context.Context, query string, args ...any) ([]*model.Session, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []*model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// --- Project channels ---

// GetProjectChannel looks up the channel mapped to org/repo.
func (s *Store) GetProjectChannel(ctx context.Context, project string) (*model.ProjectChannel, error) {
	pc := &model.ProjectChannel{}
	err := s.db.QueryRowContext(ctx,
		`SELECT project, channel_id, channel_name, created_at
		 FROM project_channels WHERE project = ?`, project).
		Scan(&pc.Project, &pc.ChannelID, &pc.ChannelName, &pc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return pc, nil
}

// CreateProjectChannel inserts the mapping if absent. An existing row wins.
func (s *Store) CreateProjectChannel(ctx context.Context, pc *model.ProjectChannel) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO project_channels (project, channel_id, channel_name, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(project) DO NOTHING`,
		pc.Project, pc.ChannelID, pc.ChannelName, pc.CreatedAt)
	return err
}

// --- Containers ---

const containerColumns = `id, repo, branch, name, state, session_count,
	grpc_port, config_hash, last_activity_at, last_session_stopped_at`

// CreateContainer inserts a container row and returns its ID.
func (s *Store) CreateContainer(ctx context.Context, c *model.ContainerEntry) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO containers (repo, branch, name, state, session_count,
			grpc_port, config_hash, last_activity_at, last_session_stopped_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Repo, c.Branch, c.Name, c.State, c.SessionCount,
		c.GRPCPort, c.ConfigHash, c.LastActivityAt, c.LastSessionStoppedAt)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	c.ID = id
	return id, nil
}

// GetRunningContainers returns all rows in the Running state.
func (s *Store) GetRunningContainers(ctx context.Context) ([]*model.ContainerEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+containerColumns+` FROM containers WHERE state = ?`,
		model.StateRunning)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.ContainerEntry
	for rows.Next() {
		e, err := scanContainer(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// UpdateContainerState records a state transition.
func (s *Store) UpdateContainerState(ctx context.Context, id int64, state model.ContainerState) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE containers SET state = ? WHERE id = ?`, state, id)
	return err
}

// UpdateContainerSessionCount mirrors the registry's refcount and clocks.
func (s *Store) UpdateContainerSessionCount(ctx context.Context, id int64, count int, lastActivity time.Time, lastStopped *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE containers SET session_count = ?, last_activity_at = ?,
			last_session_stopped_at = ? WHERE id = ?`,
		count, lastActivity, lastStopped, id)
	return err
}

// --- Pending approvals ---

// CreatePendingRequest persists a new approval request.
func (s *Store) CreatePendingRequest(ctx context.Context, p *model.PendingApproval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pending_requests (request_id, channel_id, thread_id,
			session_id, domain, post_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		p.RequestID, p.ChannelID, p.ThreadID, p.SessionID, p.Domain,
		p.PostID, p.CreatedAt)
	return err
}

// GetPendingRequest looks up a request by its ID.
func (s *Store) GetPendingRequest(ctx context.Context, requestID string) (*model.PendingApproval, error) {
	return s.scanPending(s.db.QueryRowContext(ctx,
		`SELECT request_id, channel_id, thread_id, session_id, domain, post_id, created_at
		 FROM pending_requests WHERE request_id = ?`, requestID))
}

// GetPendingRequestByDomainAndSession is the dedup probe: one open request
// per (domain, session).
func (s *Store) GetPendingRequestByDomainAndSession(ctx context.Context, domain, sessionID string) (*model.PendingApproval, error) {
	return s.scanPending(s.db.QueryRowContext(ctx,
		`SELECT request_id, channel_id, thread_id, session_id, domain, post_id, created_at
		 FROM pending_requests WHERE domain = ? AND session_id = ?`, domain, sessionID))
}

// DeletePendingRequest removes a resolved request.
func (s *Store) DeletePendingRequest(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_requests WHERE request_id = ?`, requestID)
	return err
}

// CleanupStaleRequests evicts requests older than maxAge hours and returns
// how many were removed.
func (s *Store) CleanupStaleRequests(ctx context.Context, maxAgeHours int) (int64, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(maxAgeHours) * time.Hour)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM pending_requests WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountPendingRequests returns the number of open requests for a session.
func (s *Store) CountPendingRequests(ctx context.Context, sessionID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM pending_requests WHERE session_id = ?`, sessionID).Scan(&n)
	return n, err
}

// --- Audit log ---

// LogApproval appends an approval decision to the audit log.
func (s *Store) LogApproval(ctx context.Context, e *model.AuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_log (request_id, domain, action, approved_by, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		e.RequestID, e.Domain, e.Action, e.ApprovedBy, e.CreatedAt)
	return err
}

// RecentAuditEntries returns the most recent approval decisions.
func (s *Store) RecentAuditEntries(ctx context.Context, limit int) ([]*model.AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, request_id, domain, action, approved_by, created_at
		 FROM audit_log ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*model.AuditEntry
	for rows.Next() {
		e := &model.AuditEntry{}
		if err := rows.Scan(&e.ID, &e.RequestID, &e.Domain, &e.Action,
			&e.ApprovedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

func scanSession(row scannable) (*model.Session, error) {
	sess := &model.Session{}
	var typ string
	err := row.Scan(
		&sess.ID, &sess.ChannelID, &sess.ThreadID, &sess.Project,
		&sess.ProjectPath, &sess.ContainerName, &typ, &sess.ParentSessionID,
		&sess.WorktreePath, &sess.PlanMode, &sess.PendingTitle,
		&sess.AgentSessionID, &sess.MessageCount, &sess.CompactionCount,
		&sess.CreatedAt, &sess.LastActivityAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	sess.Type = model.SessionType(typ)
	return sess, nil
}

func scanContainer(row scannable) (*model.ContainerEntry, error) {
	e := &model.ContainerEntry{}
	var state string
	var stopped sql.NullTime
	err := row.Scan(&e.ID, &e.Repo, &e.Branch, &e.Name, &state,
		&e.SessionCount, &e.GRPCPort, &e.ConfigHash, &e.LastActivityAt, &stopped)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	e.State = model.ParseContainerState(state)
	if stopped.Valid {
		t := stopped.Time
		e.LastSessionStoppedAt = &t
	}
	return e, nil
}

func (s *Store) scanPending(row scannable) (*model.PendingApproval, error) {
	p := &model.PendingApproval{}
	err := row.Scan(&p.RequestID, &p.ChannelID, &p.ThreadID, &p.SessionID,
		&p.Domain, &p.PostID, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}
