package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sells-group/price-scraper/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS vendors (
	id                   TEXT PRIMARY KEY,
	slug                 TEXT NOT NULL UNIQUE,
	name                 TEXT NOT NULL,
	pricing_url          TEXT NOT NULL,
	config               TEXT NOT NULL DEFAULT '{}',
	frequency            TEXT NOT NULL DEFAULT 'weekly',
	priority             INTEGER NOT NULL DEFAULT 10,
	failure_threshold    INTEGER NOT NULL DEFAULT 5,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	method_states        TEXT NOT NULL DEFAULT '{}',
	last_scraped_at      DATETIME,
	last_success_at      DATETIME,
	last_failure_at      DATETIME,
	last_error           TEXT NOT NULL DEFAULT '',
	last_success_method  TEXT NOT NULL DEFAULT '',
	active               INTEGER NOT NULL DEFAULT 1,
	created_at           DATETIME NOT NULL,
	updated_at           DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS scrape_jobs (
	id              TEXT PRIMARY KEY,
	vendor_id       TEXT NOT NULL REFERENCES vendors(id),
	priority        INTEGER NOT NULL DEFAULT 10,
	allowed_methods TEXT,
	max_cost        REAL NOT NULL DEFAULT 0,
	scheduled_for   DATETIME NOT NULL,
	created_at      DATETIME NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'queued',
	source          TEXT NOT NULL DEFAULT 'scheduled',
	reason          TEXT NOT NULL DEFAULT '',
	warning         TEXT NOT NULL DEFAULT '',
	result          TEXT,
	total_cost      REAL NOT NULL DEFAULT 0,
	started_at      DATETIME,
	completed_at    DATETIME
);

CREATE INDEX IF NOT EXISTS idx_scrape_jobs_status ON scrape_jobs(status);
CREATE INDEX IF NOT EXISTS idx_scrape_jobs_vendor ON scrape_jobs(vendor_id);

CREATE TABLE IF NOT EXISTS scrape_results (
	id           TEXT PRIMARY KEY,
	vendor_id    TEXT NOT NULL,
	job_id       TEXT NOT NULL DEFAULT '',
	method       TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   DATETIME NOT NULL,
	completed_at DATETIME NOT NULL,
	duration_ms  INTEGER NOT NULL DEFAULT 0,
	actual_cost  REAL NOT NULL DEFAULT 0,
	data         TEXT,
	error        TEXT
);

CREATE INDEX IF NOT EXISTS idx_scrape_results_vendor ON scrape_results(vendor_id);

CREATE TABLE IF NOT EXISTS price_tiers (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	vendor_id      TEXT NOT NULL,
	job_id         TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL,
	price          REAL,
	currency       TEXT NOT NULL DEFAULT '',
	price_model    TEXT NOT NULL DEFAULT '',
	billing_period TEXT NOT NULL DEFAULT '',
	confidence     REAL NOT NULL DEFAULT 0,
	scraped_at     DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_price_tiers_vendor ON price_tiers(vendor_id);

CREATE TABLE IF NOT EXISTS budget_config (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	limits     TEXT NOT NULL,
	usage      TEXT NOT NULL,
	last_reset TEXT NOT NULL,
	version    INTEGER NOT NULL DEFAULT 0,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS budget_allocations (
	id           TEXT PRIMARY KEY,
	method       TEXT NOT NULL,
	vendor_id    TEXT NOT NULL,
	job_id       TEXT NOT NULL DEFAULT '',
	cost         REAL NOT NULL,
	allocated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS cron_logs (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	endpoint      TEXT NOT NULL,
	status        TEXT NOT NULL,
	details       TEXT,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    DATETIME NOT NULL
);
`

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return eris.Wrap(err, "sqlite: ping")
	}
	return nil
}

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Vendors ---

func (s *SQLiteStore) ListVendors(ctx context.Context, filter VendorFilter) ([]model.Vendor, error) {
	query := `SELECT ` + vendorColumns + ` FROM vendors`
	if filter.ActiveOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY priority DESC, id LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, listLimit(filter.Limit))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list vendors")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.Vendor
	for rows.Next() {
		v, err := scanSQLiteVendor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list vendors iterate")
}

func (s *SQLiteStore) GetVendor(ctx context.Context, id string) (*model.Vendor, error) {
	v, err := scanSQLiteVendor(s.db.QueryRowContext(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrVendorNotFound, "sqlite: get vendor %s", id)
	}
	return v, err
}

// UpsertVendors imports vendor configuration. Running status and the active
// flag of existing vendors are left untouched.
func (s *SQLiteStore) UpsertVendors(ctx context.Context, vendors []model.Vendor) (int64, error) {
	if len(vendors) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert vendors: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	var n int64
	for _, v := range vendors {
		cfg, err := encodeVendorConfig(v)
		if err != nil {
			return 0, err
		}
		slug := v.Slug
		if slug == "" {
			slug = v.ID
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO vendors (id, slug, name, pricing_url, config, frequency, priority, failure_threshold, active, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (id) DO UPDATE SET slug = excluded.slug, name = excluded.name,
			 pricing_url = excluded.pricing_url, config = excluded.config, frequency = excluded.frequency,
			 priority = excluded.priority, failure_threshold = excluded.failure_threshold, updated_at = excluded.updated_at`,
			v.ID, slug, v.Name, v.PricingURL, string(cfg), string(v.Frequency), int(v.Priority), v.Threshold(), v.Active, now, now,
		)
		if err != nil {
			return 0, eris.Wrapf(err, "sqlite: upsert vendor %s", v.ID)
		}
		affected, _ := res.RowsAffected()
		n += affected
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: upsert vendors: commit tx")
	}
	return n, nil
}

func (s *SQLiteStore) UpdateVendorStatus(ctx context.Context, v model.Vendor) error {
	states, err := encodeMethodStates(v.MethodStates)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE vendors SET consecutive_failures = ?, method_states = ?, last_scraped_at = ?,
		 last_success_at = ?, last_failure_at = ?, last_error = ?, last_success_method = ?,
		 active = ?, updated_at = ? WHERE id = ?`,
		v.ConsecutiveFailures, string(states), nullTime(v.LastScrapedAt), nullTime(v.LastSuccessAt),
		nullTime(v.LastFailureAt), v.LastError, string(v.LastSuccessMethod), v.Active, time.Now().UTC(), v.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update vendor status %s", v.ID)
	}
	return checkRowsAffected(res, ErrVendorNotFound, v.ID)
}

func (s *SQLiteStore) SetVendorActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE vendors SET active = ?, updated_at = ? WHERE id = ?`
	if active {
		query = `UPDATE vendors SET active = ?, consecutive_failures = 0, method_states = '{}', updated_at = ? WHERE id = ?`
	}
	res, err := s.db.ExecContext(ctx, query, active, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set vendor active %s", id)
	}
	return checkRowsAffected(res, ErrVendorNotFound, id)
}

type scannable interface {
	Scan(dest ...any) error
}

func scanSQLiteVendor(row scannable) (*model.Vendor, error) {
	var v model.Vendor
	var cfg, states []byte
	var freq, lastMethod string
	var priority int
	var scraped, success, failure sql.NullTime
	err := row.Scan(&v.ID, &v.Slug, &v.Name, &v.PricingURL, &cfg, &freq, &priority, &v.FailureThreshold,
		&v.ConsecutiveFailures, &states, &scraped, &success, &failure,
		&v.LastError, &lastMethod, &v.Active, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan vendor")
	}
	v.Frequency = model.Frequency(freq)
	v.Priority = model.Priority(priority)
	v.LastSuccessMethod = model.Method(lastMethod)
	v.LastScrapedAt = timePtr(scraped)
	v.LastSuccessAt = timePtr(success)
	v.LastFailureAt = timePtr(failure)
	if err := decodeVendorConfig(cfg, &v); err != nil {
		return nil, err
	}
	if v.MethodStates, err = decodeMethodStates(states); err != nil {
		return nil, err
	}
	return &v, nil
}

// --- Jobs ---

func (s *SQLiteStore) CreateJob(ctx context.Context, job model.ScrapeJob) error {
	allowed, err := json.Marshal(job.AllowedMethods)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal allowed methods")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scrape_jobs (id, vendor_id, priority, allowed_methods, max_cost, scheduled_for, created_at,
		 attempts, max_attempts, status, source, reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.VendorID, int(job.Priority), string(allowed), job.MaxCost, job.ScheduledFor.UTC(), job.CreatedAt.UTC(),
		job.Attempts, job.MaxAttempts, string(job.Status), job.Source, job.Reason,
	)
	return eris.Wrapf(err, "sqlite: insert job %s", job.ID)
}

func (s *SQLiteStore) UpdateJob(ctx context.Context, job model.ScrapeJob) error {
	result, err := marshalNullable(job.Result)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal job result")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE scrape_jobs SET attempts = ?, status = ?, source = ?, reason = ?, warning = ?,
		 result = ?, total_cost = ?, started_at = ?, completed_at = ?, scheduled_for = ?, priority = ?
		 WHERE id = ?`,
		job.Attempts, string(job.Status), job.Source, job.Reason, job.Warning,
		nullBytes(result), job.TotalCost, nullTime(job.StartedAt), nullTime(job.CompletedAt),
		job.ScheduledFor.UTC(), int(job.Priority), job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update job %s", job.ID)
	}
	return checkRowsAffected(res, ErrJobNotFound, job.ID)
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*model.ScrapeJob, error) {
	j, err := scanSQLiteJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrJobNotFound, "sqlite: get job %s", id)
	}
	return j, err
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.ScrapeJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs WHERE 1=1`
	var args []any

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.VendorID != "" {
		query += ` AND vendor_id = ?`
		args = append(args, filter.VendorID)
	}
	if !filter.Since.IsZero() {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC())
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, listLimit(filter.Limit))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.ScrapeJob
	for rows.Next() {
		j, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func scanSQLiteJob(row scannable) (*model.ScrapeJob, error) {
	var j model.ScrapeJob
	var allowed, result []byte
	var priority int
	var status string
	var started, completed sql.NullTime
	err := row.Scan(&j.ID, &j.VendorID, &priority, &allowed, &j.MaxCost, &j.ScheduledFor, &j.CreatedAt,
		&j.Attempts, &j.MaxAttempts, &status, &j.Source, &j.Reason, &j.Warning, &result, &j.TotalCost,
		&started, &completed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "sqlite: scan job")
	}
	j.Priority = model.Priority(priority)
	j.Status = model.JobStatus(status)
	j.StartedAt = timePtr(started)
	j.CompletedAt = timePtr(completed)
	if len(allowed) > 0 {
		if err := json.Unmarshal(allowed, &j.AllowedMethods); err != nil {
			return nil, eris.Wrapf(err, "sqlite: unmarshal allowed methods for job %s", j.ID)
		}
	}
	if j.Result, err = unmarshalNullable[model.ScrapeResult](result); err != nil {
		return nil, eris.Wrapf(err, "sqlite: unmarshal result for job %s", j.ID)
	}
	return &j, nil
}

// --- Results ---

func (s *SQLiteStore) InsertResult(ctx context.Context, r model.ScrapeResult) error {
	data, err := marshalNullable(r.Data)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result data")
	}
	serr, err := marshalNullable(r.Error)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal result error")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scrape_results
		 (id, vendor_id, job_id, method, status, started_at, completed_at, duration_ms, actual_cost, data, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		newID(), r.VendorID, r.JobID, string(r.Method), string(r.Status), r.StartedAt.UTC(), r.CompletedAt.UTC(),
		r.DurationMs, r.ActualCost, nullBytes(data), nullBytes(serr),
	)
	return eris.Wrapf(err, "sqlite: insert result for %s", r.VendorID)
}

func (s *SQLiteStore) InsertPriceTiers(ctx context.Context, vendorID, jobID string, scrapedAt time.Time, tiers []model.PricingTier) (int64, error) {
	rows := tierRows(vendorID, jobID, scrapedAt.UTC(), tiers)
	if len(rows) == 0 {
		return 0, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert tiers: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO price_tiers (vendor_id, job_id, name, price, currency, price_model, billing_period, confidence, scraped_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, eris.Wrap(err, "sqlite: insert tiers: prepare")
	}
	defer stmt.Close() //nolint:errcheck

	for _, r := range rows {
		if _, err := stmt.ExecContext(ctx, r...); err != nil {
			return 0, eris.Wrapf(err, "sqlite: insert tier for %s", vendorID)
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, eris.Wrap(err, "sqlite: insert tiers: commit tx")
	}
	return int64(len(rows)), nil
}

// --- Budget ---

func (s *SQLiteStore) LoadBudget(ctx context.Context) (*model.BudgetState, error) {
	var c budgetColumns
	var version int64
	var updatedAt time.Time
	err := s.db.QueryRowContext(ctx,
		`SELECT limits, usage, last_reset, version, updated_at FROM budget_config WHERE id = 1`,
	).Scan(&c.Limits, &c.Usage, &c.LastReset, &version, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "sqlite: load budget")
	}
	return decodeBudget(c, version, updatedAt)
}

// SaveBudget writes state unless the stored row already has a newer or
// equal version. A stale write is not an error.
func (s *SQLiteStore) SaveBudget(ctx context.Context, state model.BudgetState) error {
	c, err := encodeBudget(state)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_config (id, limits, usage, last_reset, version, updated_at)
		 VALUES (1, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET limits = excluded.limits, usage = excluded.usage,
		 last_reset = excluded.last_reset, version = excluded.version, updated_at = excluded.updated_at
		 WHERE budget_config.version < excluded.version`,
		string(c.Limits), string(c.Usage), string(c.LastReset), state.Version, state.UpdatedAt.UTC(),
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: save budget")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		zap.L().Debug("sqlite: stale budget write ignored", zap.Int64("version", state.Version))
	}
	return nil
}

func (s *SQLiteStore) RecordAllocation(ctx context.Context, a model.Allocation) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO budget_allocations (id, method, vendor_id, job_id, cost, allocated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, string(a.Method), a.VendorID, a.JobID, a.Cost, a.AllocatedAt.UTC(),
	)
	return eris.Wrapf(err, "sqlite: record allocation %s", a.ID)
}

// --- Cron logs ---

func (s *SQLiteStore) InsertCronLog(ctx context.Context, l model.CronLog) error {
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO cron_logs (endpoint, status, details, error_message, created_at) VALUES (?, ?, ?, ?, ?)`,
		l.Endpoint, l.Status, nullBytes(l.Details), l.ErrorMessage, l.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert cron log")
}

func (s *SQLiteStore) ListCronLogs(ctx context.Context, limit int) ([]model.CronLog, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, endpoint, status, details, error_message, created_at FROM cron_logs
		 ORDER BY id DESC LIMIT ?`,
		listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list cron logs")
	}
	defer rows.Close() //nolint:errcheck

	var out []model.CronLog
	for rows.Next() {
		var l model.CronLog
		var details []byte
		if err := rows.Scan(&l.ID, &l.Endpoint, &l.Status, &details, &l.ErrorMessage, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan cron log")
		}
		if len(details) > 0 {
			l.Details = details
		}
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list cron logs iterate")
}

func checkRowsAffected(res sql.Result, notFound error, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(notFound, "sqlite: %s", id)
	}
	return nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

// nullBytes stores JSON as TEXT, or NULL when empty.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
