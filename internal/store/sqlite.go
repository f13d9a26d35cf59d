package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	ferrors "git.home.luguber.info/inful/forgeci/internal/foundation/errors"
	"git.home.luguber.info/inful/forgeci/internal/model"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
	mu sync.Mutex
}

// NewSQLiteStore opens (or creates) the database. Use ":memory:" for an
// in-memory database, or a file path for persistent storage.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, ferrors.WrapError(err, ferrors.CategoryStore, "open sqlite database").Build()
	}
	// A single connection keeps transactions serialized and avoids
	// SQLITE_BUSY between this process's own goroutines.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, ferrors.WrapError(err, ferrors.CategoryStore, "initialize schema").Build()
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS changes (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		author TEXT NOT NULL,
		branch TEXT NOT NULL,
		revision TEXT NOT NULL,
		repository TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		codebase TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		files TEXT,
		comments TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS sourcestamps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		identity TEXT NOT NULL UNIQUE,
		branch TEXT NOT NULL,
		revision TEXT NOT NULL,
		repository TEXT NOT NULL,
		codebase TEXT NOT NULL DEFAULT '',
		patch TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS buildsets (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reason TEXT NOT NULL,
		scheduler TEXT NOT NULL DEFAULT '',
		submitted_at INTEGER NOT NULL,
		complete INTEGER NOT NULL DEFAULT 0,
		results INTEGER
	);
	CREATE TABLE IF NOT EXISTS buildset_sourcestamps (
		buildset_id INTEGER NOT NULL,
		sourcestamp_id INTEGER NOT NULL,
		PRIMARY KEY (buildset_id, sourcestamp_id)
	);
	CREATE TABLE IF NOT EXISTS builders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name TEXT NOT NULL UNIQUE,
		worker_names TEXT,
		tags TEXT
	);
	CREATE TABLE IF NOT EXISTS buildrequests (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		buildset_id INTEGER NOT NULL,
		builder_name TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		submitted_at INTEGER NOT NULL,
		claimed_by TEXT,
		claimed_at INTEGER,
		complete INTEGER NOT NULL DEFAULT 0,
		results INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_buildrequests_pending
		ON buildrequests(builder_name, complete, claimed_by);
	CREATE TABLE IF NOT EXISTS builds (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		buildrequest_id INTEGER NOT NULL,
		builder_id INTEGER NOT NULL DEFAULT 0,
		builder_name TEXT NOT NULL,
		worker_name TEXT NOT NULL,
		number INTEGER NOT NULL,
		started_at INTEGER NOT NULL,
		complete_at INTEGER,
		results INTEGER
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_builds_builder_number
		ON builds(builder_name, number);
	CREATE TABLE IF NOT EXISTS steps (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		build_id INTEGER NOT NULL,
		number INTEGER NOT NULL,
		name TEXT NOT NULL,
		started_at INTEGER,
		complete_at INTEGER,
		results INTEGER,
		state_strings TEXT,
		urls TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_steps_build ON steps(build_id, number);
	CREATE TABLE IF NOT EXISTS logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		step_id INTEGER NOT NULL,
		name TEXT NOT NULL,
		slug TEXT NOT NULL,
		type TEXT NOT NULL DEFAULT 't',
		num_lines INTEGER NOT NULL DEFAULT 0,
		complete INTEGER NOT NULL DEFAULT 0
	);
	CREATE TABLE IF NOT EXISTS log_chunks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		log_id INTEGER NOT NULL,
		first_line INTEGER NOT NULL,
		last_line INTEGER NOT NULL,
		content TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_log_chunks_log ON log_chunks(log_id, first_line);
	`
	_, err := s.db.Exec(schema)
	return err
}

// storeErr wraps a database error with classification. SQLite contention is
// transient; everything else is permanent for the caller.
func storeErr(err error, msg string) error {
	if err == nil {
		return nil
	}
	b := ferrors.WrapError(err, ferrors.CategoryStore, msg)
	text := err.Error()
	if strings.Contains(text, "locked") || strings.Contains(text, "busy") {
		b = b.Retryable()
	}
	return b.Build()
}

func marshalList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	data, err := json.Marshal(items)
	if err != nil {
		return "[]"
	}
	return string(data)
}

func unmarshalList(data sql.NullString) []string {
	if !data.Valid || data.String == "" {
		return nil
	}
	var items []string
	if err := json.Unmarshal([]byte(data.String), &items); err != nil {
		return nil
	}
	if len(items) == 0 {
		return nil
	}
	return items
}

func nullableResults(r sql.NullInt64) model.Results {
	if !r.Valid {
		return model.Skipped
	}
	return model.Results(r.Int64)
}

func millisToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}

func nullableTime(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64)
	return &t
}

// AddChange implements Store.
func (s *SQLiteStore) AddChange(ctx context.Context, c *model.Change) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	when := c.When
	if when.IsZero() {
		when = time.Now()
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO changes (author, branch, revision, repository, project, codebase, created_at, files, comments)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Author, c.Branch, c.Revision, c.Repository, c.Project, c.Codebase,
		when.UnixMilli(), marshalList(c.Files), c.Comments)
	if err != nil {
		return 0, storeErr(err, "insert change")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storeErr(err, "change id")
	}
	c.ID = id
	return id, nil
}

// Change implements Store.
func (s *SQLiteStore) Change(ctx context.Context, id int64) (*model.Change, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, author, branch, revision, repository, project, codebase, created_at, files, comments
		 FROM changes WHERE id = ?`, id)

	var c model.Change
	var createdAt int64
	var files sql.NullString
	err := row.Scan(&c.ID, &c.Author, &c.Branch, &c.Revision, &c.Repository,
		&c.Project, &c.Codebase, &createdAt, &files, &c.Comments)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err, "scan change")
	}
	c.When = millisToTime(createdAt)
	c.Files = unmarshalList(files)
	return &c, nil
}

// UpsertBuilder implements Store.
func (s *SQLiteStore) UpsertBuilder(ctx context.Context, b model.Builder) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO builders (name, worker_names, tags) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET worker_names = excluded.worker_names, tags = excluded.tags`,
		b.Name, marshalList(b.WorkerNames), marshalList(b.Tags))
	if err != nil {
		return 0, storeErr(err, "upsert builder")
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM builders WHERE name = ?`, b.Name).Scan(&id); err != nil {
		return 0, storeErr(err, "builder id")
	}
	return id, nil
}

// Builder implements Store.
func (s *SQLiteStore) Builder(ctx context.Context, name string) (*model.Builder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, worker_names, tags FROM builders WHERE name = ?`, name)

	var b model.Builder
	var workers, tags sql.NullString
	err := row.Scan(&b.ID, &b.Name, &workers, &tags)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err, "scan builder")
	}
	b.WorkerNames = unmarshalList(workers)
	b.Tags = unmarshalList(tags)
	return &b, nil
}

// CreateBuildSet implements Store. The build set, its source stamps and all
// child build requests are created in one transaction.
func (s *SQLiteStore) CreateBuildSet(ctx context.Context, reason, scheduler string, stamps []model.SourceStamp, builderNames []string, priority int) (int64, []int64, error) {
	if len(builderNames) == 0 {
		return 0, nil, ferrors.ValidationError("buildset needs at least one builder").Build()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, storeErr(err, "begin buildset transaction")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()

	stampIDs := make([]int64, 0, len(stamps))
	for _, stamp := range stamps {
		id, err := findOrCreateStamp(ctx, tx, stamp)
		if err != nil {
			return 0, nil, err
		}
		stampIDs = append(stampIDs, id)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO buildsets (reason, scheduler, submitted_at) VALUES (?, ?, ?)`,
		reason, scheduler, now)
	if err != nil {
		return 0, nil, storeErr(err, "insert buildset")
	}
	buildSetID, err := res.LastInsertId()
	if err != nil {
		return 0, nil, storeErr(err, "buildset id")
	}

	for _, stampID := range stampIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO buildset_sourcestamps (buildset_id, sourcestamp_id) VALUES (?, ?)`,
			buildSetID, stampID); err != nil {
			return 0, nil, storeErr(err, "link sourcestamp")
		}
	}

	requestIDs := make([]int64, 0, len(builderNames))
	for _, builderName := range builderNames {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO buildrequests (buildset_id, builder_name, priority, submitted_at) VALUES (?, ?, ?, ?)`,
			buildSetID, builderName, priority, now)
		if err != nil {
			return 0, nil, storeErr(err, "insert buildrequest")
		}
		id, err := res.LastInsertId()
		if err != nil {
			return 0, nil, storeErr(err, "buildrequest id")
		}
		requestIDs = append(requestIDs, id)
	}

	if err := tx.Commit(); err != nil {
		return 0, nil, storeErr(err, "commit buildset")
	}
	return buildSetID, requestIDs, nil
}

func findOrCreateStamp(ctx context.Context, tx *sql.Tx, stamp model.SourceStamp) (int64, error) {
	identity := stamp.Identity()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO sourcestamps (identity, branch, revision, repository, codebase, patch)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		identity, stamp.Branch, stamp.Revision, stamp.Repository, stamp.Codebase, stamp.Patch); err != nil {
		return 0, storeErr(err, "insert sourcestamp")
	}
	var id int64
	if err := tx.QueryRowContext(ctx,
		`SELECT id FROM sourcestamps WHERE identity = ?`, identity).Scan(&id); err != nil {
		return 0, storeErr(err, "sourcestamp id")
	}
	return id, nil
}

// BuildSet implements Store.
func (s *SQLiteStore) BuildSet(ctx context.Context, id int64) (*model.BuildSet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, reason, scheduler, submitted_at, complete, results FROM buildsets WHERE id = ?`, id)

	var bs model.BuildSet
	var submitted int64
	var complete int
	var results sql.NullInt64
	err := row.Scan(&bs.ID, &bs.Reason, &bs.Scheduler, &submitted, &complete, &results)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err, "scan buildset")
	}
	bs.SubmittedAt = millisToTime(submitted)
	bs.Complete = complete != 0
	bs.Results = nullableResults(results)

	rows, err := s.db.QueryContext(ctx,
		`SELECT sourcestamp_id FROM buildset_sourcestamps WHERE buildset_id = ? ORDER BY sourcestamp_id`, id)
	if err != nil {
		return nil, storeErr(err, "query buildset stamps")
	}
	defer rows.Close()
	for rows.Next() {
		var stampID int64
		if err := rows.Scan(&stampID); err != nil {
			return nil, storeErr(err, "scan stamp id")
		}
		bs.SourceStampIDs = append(bs.SourceStampIDs, stampID)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err, "iterate stamp ids")
	}
	return &bs, nil
}

// SourceStampsForBuildSet implements Store.
func (s *SQLiteStore) SourceStampsForBuildSet(ctx context.Context, id int64) ([]model.SourceStamp, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT ss.id, ss.branch, ss.revision, ss.repository, ss.codebase, ss.patch
		 FROM sourcestamps ss
		 JOIN buildset_sourcestamps link ON link.sourcestamp_id = ss.id
		 WHERE link.buildset_id = ? ORDER BY ss.id`, id)
	if err != nil {
		return nil, storeErr(err, "query buildset sourcestamps")
	}
	defer rows.Close()

	var stamps []model.SourceStamp
	for rows.Next() {
		var st model.SourceStamp
		if err := rows.Scan(&st.ID, &st.Branch, &st.Revision, &st.Repository, &st.Codebase, &st.Patch); err != nil {
			return nil, storeErr(err, "scan sourcestamp")
		}
		stamps = append(stamps, st)
	}
	return stamps, rows.Err()
}

// ClaimBuildRequests implements Store. Each claim is a conditional update
// inside one transaction: the row transitions only if it is still unclaimed,
// so exactly one racing claimant wins per id.
func (s *SQLiteStore) ClaimBuildRequests(ctx context.Context, ids []int64, claimant string) ([]int64, error) {
	if claimant == "" {
		return nil, ferrors.ValidationError("claimant token is required").Build()
	}
	if len(ids) == 0 {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr(err, "begin claim transaction")
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UnixMilli()
	var claimed []int64
	for _, id := range ids {
		res, err := tx.ExecContext(ctx,
			`UPDATE buildrequests SET claimed_by = ?, claimed_at = ?
			 WHERE id = ? AND complete = 0 AND claimed_by IS NULL`,
			claimant, now, id)
		if err != nil {
			return nil, storeErr(err, "claim buildrequest")
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, storeErr(err, "claim rows affected")
		}
		if n == 1 {
			claimed = append(claimed, id)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr(err, "commit claims")
	}
	return claimed, nil
}

// UnclaimBuildRequests implements Store.
func (s *SQLiteStore) UnclaimBuildRequests(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE buildrequests SET claimed_by = NULL, claimed_at = NULL
			 WHERE id = ? AND complete = 0`, id); err != nil {
			return storeErr(err, "unclaim buildrequest")
		}
	}
	return nil
}

// UnclaimExpiredClaims implements Store.
func (s *SQLiteStore) UnclaimExpiredClaims(ctx context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`UPDATE buildrequests SET claimed_by = NULL, claimed_at = NULL
		 WHERE complete = 0 AND claimed_by IS NOT NULL AND claimed_at < ?`, cutoff)
	if err != nil {
		return 0, storeErr(err, "unclaim expired claims")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, storeErr(err, "expired claim rows affected")
	}
	return int(n), nil
}

// CompleteBuildRequest implements Store.
func (s *SQLiteStore) CompleteBuildRequest(ctx context.Context, id int64, results model.Results) (*BuildSetCompletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr(err, "begin completion transaction")
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`UPDATE buildrequests SET complete = 1, results = ? WHERE id = ? AND complete = 0`,
		int(results), id)
	if err != nil {
		return nil, storeErr(err, "complete buildrequest")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, storeErr(err, "completion rows affected")
	}
	if n == 0 {
		return nil, ferrors.InternalError("buildrequest already complete or missing").
			WithContext("request_id", id).Build()
	}

	var buildSetID int64
	if err := tx.QueryRowContext(ctx,
		`SELECT buildset_id FROM buildrequests WHERE id = ?`, id).Scan(&buildSetID); err != nil {
		return nil, storeErr(err, "buildset of request")
	}

	var remaining int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM buildrequests WHERE buildset_id = ? AND complete = 0`,
		buildSetID).Scan(&remaining); err != nil {
		return nil, storeErr(err, "count pending siblings")
	}

	var completion *BuildSetCompletion
	if remaining == 0 {
		// Results are ordered best to worst, so MAX is worst-of-children.
		var worst int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(results), 0) FROM buildrequests WHERE buildset_id = ?`,
			buildSetID).Scan(&worst); err != nil {
			return nil, storeErr(err, "worst of children")
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE buildsets SET complete = 1, results = ? WHERE id = ? AND complete = 0`,
			worst, buildSetID)
		if err != nil {
			return nil, storeErr(err, "complete buildset")
		}
		// complete flips exactly once; a concurrent completion loses here.
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			completion = &BuildSetCompletion{
				BuildSetID: buildSetID,
				Results:    model.Results(worst),
			}
			if err := tx.QueryRowContext(ctx,
				`SELECT scheduler, reason FROM buildsets WHERE id = ?`, buildSetID).
				Scan(&completion.Scheduler, &completion.Reason); err != nil {
				return nil, storeErr(err, "buildset scheduler")
			}
			rows, err := tx.QueryContext(ctx,
				`SELECT sourcestamp_id FROM buildset_sourcestamps WHERE buildset_id = ? ORDER BY sourcestamp_id`,
				buildSetID)
			if err != nil {
				return nil, storeErr(err, "buildset stamps")
			}
			for rows.Next() {
				var stampID int64
				if err := rows.Scan(&stampID); err != nil {
					rows.Close()
					return nil, storeErr(err, "scan stamp id")
				}
				completion.SourceStampIDs = append(completion.SourceStampIDs, stampID)
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, storeErr(err, "iterate stamp ids")
			}
			rows.Close()
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr(err, "commit completion")
	}
	return completion, nil
}

// BuildRequest implements Store.
func (s *SQLiteStore) BuildRequest(ctx context.Context, id int64) (*model.BuildRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, buildset_id, builder_name, priority, submitted_at, claimed_by, claimed_at, complete, results
		 FROM buildrequests WHERE id = ?`, id)
	req, err := scanBuildRequest(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return req, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBuildRequest(row rowScanner) (*model.BuildRequest, error) {
	var req model.BuildRequest
	var submitted int64
	var claimedBy sql.NullString
	var claimedAt, results sql.NullInt64
	var complete int
	err := row.Scan(&req.ID, &req.BuildSetID, &req.BuilderName, &req.Priority,
		&submitted, &claimedBy, &claimedAt, &complete, &results)
	if err != nil {
		if stderrors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, storeErr(err, "scan buildrequest")
	}
	req.SubmittedAt = millisToTime(submitted)
	if claimedBy.Valid {
		req.ClaimedBy = claimedBy.String
	}
	req.ClaimedAt = nullableTime(claimedAt)
	req.Complete = complete != 0
	req.Results = nullableResults(results)
	return &req, nil
}

// UnclaimedBuildRequests implements Store.
func (s *SQLiteStore) UnclaimedBuildRequests(ctx context.Context, builderName string) ([]model.BuildRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, buildset_id, builder_name, priority, submitted_at, claimed_by, claimed_at, complete, results
		 FROM buildrequests
		 WHERE builder_name = ? AND complete = 0 AND claimed_by IS NULL
		 ORDER BY priority DESC, submitted_at ASC, id ASC`, builderName)
	if err != nil {
		return nil, storeErr(err, "query unclaimed buildrequests")
	}
	defer rows.Close()

	var reqs []model.BuildRequest
	for rows.Next() {
		req, err := scanBuildRequest(rows)
		if err != nil {
			return nil, err
		}
		reqs = append(reqs, *req)
	}
	return reqs, rows.Err()
}

// BuildersWithUnclaimedRequests implements Store.
func (s *SQLiteStore) BuildersWithUnclaimedRequests(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT builder_name FROM buildrequests
		 WHERE complete = 0 AND claimed_by IS NULL ORDER BY builder_name`)
	if err != nil {
		return nil, storeErr(err, "query pending builders")
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, storeErr(err, "scan builder name")
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// CreateBuild implements Store. The per-builder build number is allocated in
// the same transaction as the insert, so numbers stay monotonic even with
// multiple masters sharing the database.
func (s *SQLiteStore) CreateBuild(ctx context.Context, requestID int64, builderName, workerName string) (*model.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storeErr(err, "begin build transaction")
	}
	defer func() { _ = tx.Rollback() }()

	var number int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(number), 0) + 1 FROM builds WHERE builder_name = ?`,
		builderName).Scan(&number); err != nil {
		return nil, storeErr(err, "allocate build number")
	}

	var builderID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM builders WHERE name = ?`, builderName).Scan(&builderID)
	if err != nil && !stderrors.Is(err, sql.ErrNoRows) {
		return nil, storeErr(err, "builder id for build")
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO builds (buildrequest_id, builder_id, builder_name, worker_name, number, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		requestID, builderID, builderName, workerName, number, now.UnixMilli())
	if err != nil {
		return nil, storeErr(err, "insert build")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, storeErr(err, "build id")
	}

	if err := tx.Commit(); err != nil {
		return nil, storeErr(err, "commit build")
	}

	return &model.Build{
		ID:             id,
		BuildRequestID: requestID,
		BuilderID:      builderID,
		BuilderName:    builderName,
		WorkerName:     workerName,
		Number:         number,
		StartedAt:      now,
	}, nil
}

// CompleteBuild implements Store.
func (s *SQLiteStore) CompleteBuild(ctx context.Context, id int64, results model.Results) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE builds SET complete_at = ?, results = ? WHERE id = ? AND complete_at IS NULL`,
		time.Now().UnixMilli(), int(results), id)
	if err != nil {
		return storeErr(err, "complete build")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err, "complete build rows affected")
	}
	if n == 0 {
		return ferrors.InternalError("build already complete or missing").
			WithContext("build_id", id).Build()
	}
	return nil
}

// Build implements Store.
func (s *SQLiteStore) Build(ctx context.Context, id int64) (*model.Build, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, buildrequest_id, builder_id, builder_name, worker_name, number, started_at, complete_at, results
		 FROM builds WHERE id = ?`, id)

	var b model.Build
	var started int64
	var completeAt, results sql.NullInt64
	err := row.Scan(&b.ID, &b.BuildRequestID, &b.BuilderID, &b.BuilderName,
		&b.WorkerName, &b.Number, &started, &completeAt, &results)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err, "scan build")
	}
	b.StartedAt = millisToTime(started)
	b.CompleteAt = nullableTime(completeAt)
	b.Results = nullableResults(results)
	return &b, nil
}

// CreateStep implements Store.
func (s *SQLiteStore) CreateStep(ctx context.Context, buildID int64, number int, name string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO steps (build_id, number, name) VALUES (?, ?, ?)`,
		buildID, number, name)
	if err != nil {
		return 0, storeErr(err, "insert step")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storeErr(err, "step id")
	}
	return id, nil
}

// StartStep implements Store.
func (s *SQLiteStore) StartStep(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE steps SET started_at = ? WHERE id = ? AND started_at IS NULL`,
		time.Now().UnixMilli(), id)
	return storeErr(err, "start step")
}

// CompleteStep implements Store.
func (s *SQLiteStore) CompleteStep(ctx context.Context, id int64, results model.Results, stateStrings []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE steps SET complete_at = ?, results = ?, state_strings = ? WHERE id = ? AND complete_at IS NULL`,
		time.Now().UnixMilli(), int(results), marshalList(stateStrings), id)
	if err != nil {
		return storeErr(err, "complete step")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr(err, "complete step rows affected")
	}
	if n == 0 {
		return ferrors.InternalError("step already complete or missing").
			WithContext("step_id", id).Build()
	}
	return nil
}

// Steps implements Store.
func (s *SQLiteStore) Steps(ctx context.Context, buildID int64) ([]model.Step, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, build_id, number, name, started_at, complete_at, results, state_strings, urls
		 FROM steps WHERE build_id = ? ORDER BY number`, buildID)
	if err != nil {
		return nil, storeErr(err, "query steps")
	}
	defer rows.Close()

	var steps []model.Step
	for rows.Next() {
		var st model.Step
		var startedAt, completeAt, results sql.NullInt64
		var stateStrings, urls sql.NullString
		if err := rows.Scan(&st.ID, &st.BuildID, &st.Number, &st.Name,
			&startedAt, &completeAt, &results, &stateStrings, &urls); err != nil {
			return nil, storeErr(err, "scan step")
		}
		st.StartedAt = nullableTime(startedAt)
		st.CompleteAt = nullableTime(completeAt)
		st.Results = nullableResults(results)
		st.StateStrings = unmarshalList(stateStrings)
		st.URLs = unmarshalList(urls)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// CreateLog implements Store.
func (s *SQLiteStore) CreateLog(ctx context.Context, stepID int64, name, slug, logType string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO logs (step_id, name, slug, type) VALUES (?, ?, ?, ?)`,
		stepID, name, slug, logType)
	if err != nil {
		return 0, storeErr(err, "insert log")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, storeErr(err, "log id")
	}
	return id, nil
}

// AppendLogChunk implements Store.
func (s *SQLiteStore) AppendLogChunk(ctx context.Context, logID int64, content string, firstLine, lastLine int) error {
	if lastLine < firstLine {
		return ferrors.ValidationError("chunk line range is inverted").
			WithContext("log_id", logID).Build()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storeErr(err, "begin log append")
	}
	defer func() { _ = tx.Rollback() }()

	var complete int
	err = tx.QueryRowContext(ctx, `SELECT complete FROM logs WHERE id = ?`, logID).Scan(&complete)
	if stderrors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return storeErr(err, "log state")
	}
	if complete != 0 {
		return ferrors.ValidationError("append to finished log").
			WithContext("log_id", logID).Build()
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO log_chunks (log_id, first_line, last_line, content) VALUES (?, ?, ?, ?)`,
		logID, firstLine, lastLine, content); err != nil {
		return storeErr(err, "insert log chunk")
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE logs SET num_lines = ? WHERE id = ?`, lastLine+1, logID); err != nil {
		return storeErr(err, "update log line count")
	}

	return storeErr(tx.Commit(), "commit log append")
}

// FinishLog implements Store.
func (s *SQLiteStore) FinishLog(ctx context.Context, logID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`UPDATE logs SET complete = 1 WHERE id = ?`, logID)
	return storeErr(err, "finish log")
}

// Log implements Store.
func (s *SQLiteStore) Log(ctx context.Context, id int64) (*model.Log, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row := s.db.QueryRowContext(ctx,
		`SELECT id, step_id, name, slug, type, num_lines, complete FROM logs WHERE id = ?`, id)

	var l model.Log
	var complete int
	err := row.Scan(&l.ID, &l.StepID, &l.Name, &l.Slug, &l.Type, &l.NumLines, &complete)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storeErr(err, "scan log")
	}
	l.Complete = complete != 0
	return &l, nil
}

// LogChunks implements Store.
func (s *SQLiteStore) LogChunks(ctx context.Context, logID int64) ([]model.LogChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx,
		`SELECT log_id, first_line, last_line, content FROM log_chunks
		 WHERE log_id = ? ORDER BY first_line`, logID)
	if err != nil {
		return nil, storeErr(err, "query log chunks")
	}
	defer rows.Close()

	var chunks []model.LogChunk
	for rows.Next() {
		var c model.LogChunk
		if err := rows.Scan(&c.LogID, &c.FirstLine, &c.LastLine, &c.Content); err != nil {
			return nil, storeErr(err, "scan log chunk")
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}
