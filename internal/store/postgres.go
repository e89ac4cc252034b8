package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/price-scraper/internal/db"
	"github.com/sells-group/price-scraper/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool db.Pool
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32
	MinConns int32
}

// preparedStatements are prepared on each new connection for the hot paths
// of a batch run.
var preparedStatements = map[string]string{
	"get_vendor":        `SELECT ` + vendorColumns + ` FROM vendors WHERE id = $1`,
	"insert_result":     insertResultSQL,
	"save_budget":       saveBudgetSQL,
	"record_allocation": recordAllocationSQL,
	"update_job":        updateJobSQL,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS vendors (
	id                   TEXT PRIMARY KEY,
	slug                 TEXT NOT NULL UNIQUE,
	name                 TEXT NOT NULL,
	pricing_url          TEXT NOT NULL,
	config               JSONB NOT NULL DEFAULT '{}',
	frequency            TEXT NOT NULL DEFAULT 'weekly',
	priority             INTEGER NOT NULL DEFAULT 10,
	failure_threshold    INTEGER NOT NULL DEFAULT 5,
	consecutive_failures INTEGER NOT NULL DEFAULT 0,
	method_states        JSONB NOT NULL DEFAULT '{}',
	last_scraped_at      TIMESTAMPTZ,
	last_success_at      TIMESTAMPTZ,
	last_failure_at      TIMESTAMPTZ,
	last_error           TEXT NOT NULL DEFAULT '',
	last_success_method  TEXT NOT NULL DEFAULT '',
	active               BOOLEAN NOT NULL DEFAULT true,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_vendors_active ON vendors(active);

CREATE TABLE IF NOT EXISTS scrape_jobs (
	id              TEXT PRIMARY KEY,
	vendor_id       TEXT NOT NULL REFERENCES vendors(id),
	priority        INTEGER NOT NULL DEFAULT 10,
	allowed_methods JSONB,
	max_cost        DOUBLE PRECISION NOT NULL DEFAULT 0,
	scheduled_for   TIMESTAMPTZ NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	attempts        INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL DEFAULT 'queued',
	source          TEXT NOT NULL DEFAULT 'scheduled',
	reason          TEXT NOT NULL DEFAULT '',
	warning         TEXT NOT NULL DEFAULT '',
	result          JSONB,
	total_cost      DOUBLE PRECISION NOT NULL DEFAULT 0,
	started_at      TIMESTAMPTZ,
	completed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_scrape_jobs_status ON scrape_jobs(status);
CREATE INDEX IF NOT EXISTS idx_scrape_jobs_vendor ON scrape_jobs(vendor_id, created_at DESC);

CREATE TABLE IF NOT EXISTS scrape_results (
	id           TEXT PRIMARY KEY,
	vendor_id    TEXT NOT NULL,
	job_id       TEXT NOT NULL DEFAULT '',
	method       TEXT NOT NULL,
	status       TEXT NOT NULL,
	started_at   TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ NOT NULL,
	duration_ms  BIGINT NOT NULL DEFAULT 0,
	actual_cost  DOUBLE PRECISION NOT NULL DEFAULT 0,
	data         JSONB,
	error        JSONB
);

CREATE INDEX IF NOT EXISTS idx_scrape_results_vendor ON scrape_results(vendor_id, completed_at DESC);
CREATE INDEX IF NOT EXISTS idx_scrape_results_completed ON scrape_results(completed_at);

CREATE TABLE IF NOT EXISTS price_tiers (
	id             BIGSERIAL PRIMARY KEY,
	vendor_id      TEXT NOT NULL,
	job_id         TEXT NOT NULL DEFAULT '',
	name           TEXT NOT NULL,
	price          DOUBLE PRECISION,
	currency       TEXT NOT NULL DEFAULT '',
	price_model    TEXT NOT NULL DEFAULT '',
	billing_period TEXT NOT NULL DEFAULT '',
	confidence     DOUBLE PRECISION NOT NULL DEFAULT 0,
	scraped_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_price_tiers_vendor ON price_tiers(vendor_id, scraped_at DESC);

CREATE TABLE IF NOT EXISTS budget_config (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	limits     JSONB NOT NULL,
	usage      JSONB NOT NULL,
	last_reset JSONB NOT NULL,
	version    BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS budget_allocations (
	id           TEXT PRIMARY KEY,
	method       TEXT NOT NULL,
	vendor_id    TEXT NOT NULL,
	job_id       TEXT NOT NULL DEFAULT '',
	cost         DOUBLE PRECISION NOT NULL,
	allocated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_budget_allocations_at ON budget_allocations(allocated_at);

CREATE TABLE IF NOT EXISTS cron_logs (
	id            BIGSERIAL PRIMARY KEY,
	endpoint      TEXT NOT NULL,
	status        TEXT NOT NULL,
	details       JSONB,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_cron_logs_created ON cron_logs(created_at DESC);
`

const vendorColumns = `id, slug, name, pricing_url, config, frequency, priority, failure_threshold,
	consecutive_failures, method_states, last_scraped_at, last_success_at, last_failure_at,
	last_error, last_success_method, active, created_at, updated_at`

const jobColumns = `id, vendor_id, priority, allowed_methods, max_cost, scheduled_for, created_at,
	attempts, max_attempts, status, source, reason, warning, result, total_cost, started_at, completed_at`

const updateJobSQL = `UPDATE scrape_jobs SET attempts = $1, status = $2, source = $3, reason = $4, warning = $5,
	result = $6, total_cost = $7, started_at = $8, completed_at = $9, scheduled_for = $10, priority = $11
	WHERE id = $12`

const insertResultSQL = `INSERT INTO scrape_results
	(id, vendor_id, job_id, method, status, started_at, completed_at, duration_ms, actual_cost, data, error)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`

const saveBudgetSQL = `INSERT INTO budget_config (id, limits, usage, last_reset, version, updated_at)
	VALUES (1, $1, $2, $3, $4, $5)
	ON CONFLICT (id) DO UPDATE SET limits = EXCLUDED.limits, usage = EXCLUDED.usage,
	last_reset = EXCLUDED.last_reset, version = EXCLUDED.version, updated_at = EXCLUDED.updated_at
	WHERE budget_config.version < EXCLUDED.version`

const recordAllocationSQL = `INSERT INTO budget_allocations (id, method, vendor_id, job_id, cost, allocated_at)
	VALUES ($1, $2, $3, $4, $5, $6)`

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return eris.Wrap(err, "postgres: ping")
	}
	return nil
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Vendors ---

func (s *PostgresStore) ListVendors(ctx context.Context, filter VendorFilter) ([]model.Vendor, error) {
	query := `SELECT ` + vendorColumns + ` FROM vendors`
	if filter.ActiveOnly {
		query += ` WHERE active`
	}
	query += ` ORDER BY priority DESC, id LIMIT $1`

	rows, err := s.pool.Query(ctx, query, listLimit(filter.Limit))
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list vendors")
	}
	defer rows.Close()

	var out []model.Vendor
	for rows.Next() {
		v, err := scanPgVendor(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *v)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list vendors iterate")
}

func (s *PostgresStore) GetVendor(ctx context.Context, id string) (*model.Vendor, error) {
	v, err := scanPgVendor(s.pool.QueryRow(ctx, `SELECT `+vendorColumns+` FROM vendors WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrVendorNotFound, "postgres: get vendor %s", id)
	}
	return v, err
}

// UpsertVendors imports vendor configuration. Running status and the active
// flag of existing vendors are left untouched.
func (s *PostgresStore) UpsertVendors(ctx context.Context, vendors []model.Vendor) (int64, error) {
	now := time.Now().UTC()
	rows := make([][]any, 0, len(vendors))
	for _, v := range vendors {
		cfg, err := encodeVendorConfig(v)
		if err != nil {
			return 0, err
		}
		slug := v.Slug
		if slug == "" {
			slug = v.ID
		}
		rows = append(rows, []any{
			v.ID, slug, v.Name, v.PricingURL, cfg, string(v.Frequency), int(v.Priority), v.Threshold(), v.Active, now, now,
		})
	}
	n, err := db.Upsert{
		Table:    "vendors",
		Columns:  []string{"id", "slug", "name", "pricing_url", "config", "frequency", "priority", "failure_threshold", "active", "created_at", "updated_at"},
		Key:      []string{"id"},
		Preserve: []string{"active", "created_at"},
	}.Run(ctx, s.pool, rows)
	return n, eris.Wrap(err, "postgres: upsert vendors")
}

func (s *PostgresStore) UpdateVendorStatus(ctx context.Context, v model.Vendor) error {
	states, err := encodeMethodStates(v.MethodStates)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE vendors SET consecutive_failures = $1, method_states = $2, last_scraped_at = $3,
		 last_success_at = $4, last_failure_at = $5, last_error = $6, last_success_method = $7,
		 active = $8, updated_at = $9 WHERE id = $10`,
		v.ConsecutiveFailures, states, v.LastScrapedAt, v.LastSuccessAt, v.LastFailureAt,
		v.LastError, string(v.LastSuccessMethod), v.Active, time.Now().UTC(), v.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update vendor status %s", v.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrVendorNotFound, "postgres: update vendor status %s", v.ID)
	}
	return nil
}

func (s *PostgresStore) SetVendorActive(ctx context.Context, id string, active bool) error {
	query := `UPDATE vendors SET active = $1, updated_at = $2 WHERE id = $3`
	if active {
		query = `UPDATE vendors SET active = $1, consecutive_failures = 0, method_states = '{}', updated_at = $2 WHERE id = $3`
	}
	tag, err := s.pool.Exec(ctx, query, active, time.Now().UTC(), id)
	if err != nil {
		return eris.Wrapf(err, "postgres: set vendor active %s", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrVendorNotFound, "postgres: set vendor active %s", id)
	}
	return nil
}

func scanPgVendor(row pgx.Row) (*model.Vendor, error) {
	var v model.Vendor
	var cfg, states []byte
	var freq, lastMethod string
	var priority int
	err := row.Scan(&v.ID, &v.Slug, &v.Name, &v.PricingURL, &cfg, &freq, &priority, &v.FailureThreshold,
		&v.ConsecutiveFailures, &states, &v.LastScrapedAt, &v.LastSuccessAt, &v.LastFailureAt,
		&v.LastError, &lastMethod, &v.Active, &v.CreatedAt, &v.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan vendor")
	}
	v.Frequency = model.Frequency(freq)
	v.Priority = model.Priority(priority)
	v.LastSuccessMethod = model.Method(lastMethod)
	if err := decodeVendorConfig(cfg, &v); err != nil {
		return nil, err
	}
	if v.MethodStates, err = decodeMethodStates(states); err != nil {
		return nil, err
	}
	return &v, nil
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job model.ScrapeJob) error {
	allowed, err := json.Marshal(job.AllowedMethods)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal allowed methods")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO scrape_jobs (id, vendor_id, priority, allowed_methods, max_cost, scheduled_for, created_at,
		 attempts, max_attempts, status, source, reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		job.ID, job.VendorID, int(job.Priority), allowed, job.MaxCost, job.ScheduledFor, job.CreatedAt,
		job.Attempts, job.MaxAttempts, string(job.Status), job.Source, job.Reason,
	)
	return eris.Wrapf(err, "postgres: insert job %s", job.ID)
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job model.ScrapeJob) error {
	result, err := marshalNullable(job.Result)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal job result")
	}
	tag, err := s.pool.Exec(ctx, updateJobSQL,
		job.Attempts, string(job.Status), job.Source, job.Reason, job.Warning,
		result, job.TotalCost, job.StartedAt, job.CompletedAt, job.ScheduledFor, int(job.Priority), job.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update job %s", job.ID)
	}
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(ErrJobNotFound, "postgres: update job %s", job.ID)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id string) (*model.ScrapeJob, error) {
	j, err := scanPgJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scrape_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrJobNotFound, "postgres: get job %s", id)
	}
	return j, err
}

func (s *PostgresStore) ListJobs(ctx context.Context, filter model.JobFilter) ([]model.ScrapeJob, error) {
	query := `SELECT ` + jobColumns + ` FROM scrape_jobs WHERE true`
	args := []any{}
	argIdx := 1

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	if filter.VendorID != "" {
		query += fmt.Sprintf(` AND vendor_id = $%d`, argIdx)
		args = append(args, filter.VendorID)
		argIdx++
	}
	if !filter.Since.IsZero() {
		query += fmt.Sprintf(` AND created_at >= $%d`, argIdx)
		args = append(args, filter.Since)
		argIdx++
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d`, argIdx)
	args = append(args, listLimit(filter.Limit))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var out []model.ScrapeJob
	for rows.Next() {
		j, err := scanPgJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *j)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func scanPgJob(row pgx.Row) (*model.ScrapeJob, error) {
	var j model.ScrapeJob
	var allowed, result []byte
	var priority int
	var status string
	err := row.Scan(&j.ID, &j.VendorID, &priority, &allowed, &j.MaxCost, &j.ScheduledFor, &j.CreatedAt,
		&j.Attempts, &j.MaxAttempts, &status, &j.Source, &j.Reason, &j.Warning, &result, &j.TotalCost,
		&j.StartedAt, &j.CompletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, eris.Wrap(err, "postgres: scan job")
	}
	j.Priority = model.Priority(priority)
	j.Status = model.JobStatus(status)
	if len(allowed) > 0 {
		if err := json.Unmarshal(allowed, &j.AllowedMethods); err != nil {
			return nil, eris.Wrapf(err, "postgres: unmarshal allowed methods for job %s", j.ID)
		}
	}
	if j.Result, err = unmarshalNullable[model.ScrapeResult](result); err != nil {
		return nil, eris.Wrapf(err, "postgres: unmarshal result for job %s", j.ID)
	}
	return &j, nil
}

// --- Results ---

func (s *PostgresStore) InsertResult(ctx context.Context, r model.ScrapeResult) error {
	data, err := marshalNullable(r.Data)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result data")
	}
	serr, err := marshalNullable(r.Error)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal result error")
	}
	_, err = s.pool.Exec(ctx, insertResultSQL,
		newID(), r.VendorID, r.JobID, string(r.Method), string(r.Status), r.StartedAt, r.CompletedAt,
		r.DurationMs, r.ActualCost, data, serr,
	)
	return eris.Wrapf(err, "postgres: insert result for %s", r.VendorID)
}

func (s *PostgresStore) InsertPriceTiers(ctx context.Context, vendorID, jobID string, scrapedAt time.Time, tiers []model.PricingTier) (int64, error) {
	return db.Copy(ctx, s.pool, "price_tiers", tierColumns, tierRows(vendorID, jobID, scrapedAt, tiers))
}

// --- Budget ---

func (s *PostgresStore) LoadBudget(ctx context.Context) (*model.BudgetState, error) {
	var c budgetColumns
	var version int64
	var updatedAt time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT limits, usage, last_reset, version, updated_at FROM budget_config WHERE id = 1`,
	).Scan(&c.Limits, &c.Usage, &c.LastReset, &version, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, eris.Wrap(err, "postgres: load budget")
	}
	return decodeBudget(c, version, updatedAt)
}

// SaveBudget writes state unless the stored row already has a newer or
// equal version. A stale write is not an error.
func (s *PostgresStore) SaveBudget(ctx context.Context, state model.BudgetState) error {
	c, err := encodeBudget(state)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, saveBudgetSQL, c.Limits, c.Usage, c.LastReset, state.Version, state.UpdatedAt)
	if err != nil {
		return eris.Wrap(err, "postgres: save budget")
	}
	if tag.RowsAffected() == 0 {
		zap.L().Debug("postgres: stale budget write ignored", zap.Int64("version", state.Version))
	}
	return nil
}

func (s *PostgresStore) RecordAllocation(ctx context.Context, a model.Allocation) error {
	_, err := s.pool.Exec(ctx, recordAllocationSQL,
		a.ID, string(a.Method), a.VendorID, a.JobID, a.Cost, a.AllocatedAt,
	)
	return eris.Wrapf(err, "postgres: record allocation %s", a.ID)
}

// --- Cron logs ---

func (s *PostgresStore) InsertCronLog(ctx context.Context, l model.CronLog) error {
	var details []byte
	if len(l.Details) > 0 {
		details = l.Details
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO cron_logs (endpoint, status, details, error_message, created_at) VALUES ($1, $2, $3, $4, $5)`,
		l.Endpoint, l.Status, details, l.ErrorMessage, l.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert cron log")
}

func (s *PostgresStore) ListCronLogs(ctx context.Context, limit int) ([]model.CronLog, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, endpoint, status, details, error_message, created_at FROM cron_logs
		 ORDER BY created_at DESC LIMIT $1`,
		listLimit(limit),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list cron logs")
	}
	defer rows.Close()

	var out []model.CronLog
	for rows.Next() {
		var l model.CronLog
		var details []byte
		if err := rows.Scan(&l.ID, &l.Endpoint, &l.Status, &details, &l.ErrorMessage, &l.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan cron log")
		}
		l.Details = details
		out = append(out, l)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list cron logs iterate")
}
