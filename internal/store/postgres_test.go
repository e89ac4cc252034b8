package store

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/price-scraper/internal/model"
)

// newMockPostgresStore creates a PostgresStore backed by pgxmock for unit testing.
func newMockPostgresStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool(pgxmock.QueryMatcherOption(pgxmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { mock.Close() })

	return &PostgresStore{pool: mock}, mock
}

func TestPostgresStore_GetVendor_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`(?s)SELECT id, slug, name, pricing_url, config, .* FROM vendors WHERE id = \$1`).
		WithArgs("ghost").
		WillReturnError(pgx.ErrNoRows)

	_, err := s.GetVendor(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrVendorNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_GetVendor(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{
		"id", "slug", "name", "pricing_url", "config", "frequency", "priority", "failure_threshold",
		"consecutive_failures", "method_states", "last_scraped_at", "last_success_at", "last_failure_at",
		"last_error", "last_success_method", "active", "created_at", "updated_at",
	}).AddRow(
		"acme", "acme", "Acme", "https://acme.com/pricing",
		[]byte(`{"preferred_methods":["firecrawl"],"hints":{"tier_selector":".plan"}}`),
		"daily", 100, 5, 1, []byte(`{"playwright":{"consecutive_failures":1}}`),
		&t0, nil, &t0, "timeout", "", true, t0, t0,
	)
	mock.ExpectQuery(`FROM vendors WHERE id = \$1`).WithArgs("acme").WillReturnRows(rows)

	v, err := s.GetVendor(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, model.FrequencyDaily, v.Frequency)
	assert.Equal(t, model.PriorityHigh, v.Priority)
	assert.Equal(t, []model.Method{model.MethodFirecrawl}, v.PreferredMethods)
	assert.Equal(t, ".plan", v.Hints.TierSelector)
	assert.Equal(t, 1, v.State(model.MethodPlaywright).ConsecutiveFailures)
	assert.Nil(t, v.LastSuccessAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateVendorStatus_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE vendors SET consecutive_failures`).
		WithArgs(0, pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			"", "", false, pgxmock.AnyArg(), "ghost").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateVendorStatus(context.Background(), model.Vendor{ID: "ghost"})
	assert.ErrorIs(t, err, ErrVendorNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpsertVendors(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectBegin()
	mock.ExpectExec(`CREATE TEMP TABLE`).WillReturnResult(pgxmock.NewResult("CREATE TABLE", 0))
	mock.ExpectCopyFrom(pgx.Identifier{"_stage_vendors"}, []string{
		"id", "slug", "name", "pricing_url", "config", "frequency", "priority", "failure_threshold", "active", "created_at", "updated_at",
	}).WillReturnResult(1)
	mock.ExpectExec(`INSERT INTO "vendors"`).WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	n, err := s.UpsertVendors(context.Background(), []model.Vendor{testVendor("acme")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestPostgresStore_CreateJob(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO scrape_jobs`).
		WithArgs("job-1", "acme", 10, pgxmock.AnyArg(), 0.0, t0, t0, 0, 3, "queued", "scheduled", "").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.CreateJob(context.Background(), model.ScrapeJob{
		ID: "job-1", VendorID: "acme", Priority: model.PriorityNormal, ScheduledFor: t0, CreatedAt: t0,
		MaxAttempts: 3, Status: model.JobQueued, Source: model.SourceScheduled,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_UpdateJob_NotFound(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`UPDATE scrape_jobs SET`).
		WithArgs(0, "", "", "", "", pgxmock.AnyArg(), 0.0, pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), 0, "nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateJob(context.Background(), model.ScrapeJob{ID: "nope"})
	assert.ErrorIs(t, err, ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertPriceTiers(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectCopyFrom(pgx.Identifier{"price_tiers"}, tierColumns).WillReturnResult(2)

	price := 10.0
	n, err := s.InsertPriceTiers(context.Background(), "acme", "job-1", t0, []model.PricingTier{
		{Name: "Starter", Price: &price}, {Name: "Enterprise"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadBudget_Empty(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`SELECT limits, usage, last_reset, version, updated_at FROM budget_config`).
		WillReturnError(pgx.ErrNoRows)

	state, err := s.LoadBudget(context.Background())
	require.NoError(t, err)
	assert.Nil(t, state)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_LoadBudget(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	rows := pgxmock.NewRows([]string{"limits", "usage", "last_reset", "version", "updated_at"}).
		AddRow([]byte(`{"daily":3}`), []byte(`{"daily":1.5}`), []byte(`{"daily":"2026-03-11T00:00:00Z"}`), int64(9), t0)
	mock.ExpectQuery(`FROM budget_config`).WillReturnRows(rows)

	state, err := s.LoadBudget(context.Background())
	require.NoError(t, err)
	require.NotNil(t, state)
	assert.Equal(t, int64(9), state.Version)
	assert.InDelta(t, 1.5, state.Usage["daily"], 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveBudget_VersionGuard(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`ON CONFLICT \(id\) DO UPDATE .* WHERE budget_config.version < EXCLUDED.version`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), int64(3), t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 0))

	err := s.SaveBudget(context.Background(), model.BudgetState{Version: 3, UpdatedAt: t0})
	require.NoError(t, err, "stale write is not an error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_SaveBudget_Error(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO budget_config`).
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), int64(1), pgxmock.AnyArg()).
		WillReturnError(errors.New("connection reset"))

	err := s.SaveBudget(context.Background(), model.BudgetState{Version: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "save budget")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RecordAllocation(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO budget_allocations`).
		WithArgs("a1", "vision", "acme", "job-1", 0.02, t0).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.RecordAllocation(context.Background(), model.Allocation{
		ID: "a1", Method: model.MethodVision, VendorID: "acme", JobID: "job-1", Cost: 0.02, AllocatedAt: t0,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_InsertCronLog(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectExec(`INSERT INTO cron_logs`).
		WithArgs("/cron/scrape", "error", pgxmock.AnyArg(), "store down", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err := s.InsertCronLog(context.Background(), model.CronLog{
		Endpoint: "/cron/scrape", Status: model.CronError, ErrorMessage: "store down",
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ListJobsFilter(t *testing.T) {
	s, mock := newMockPostgresStore(t)

	mock.ExpectQuery(`FROM scrape_jobs WHERE true AND status = \$1 AND vendor_id = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("failed", "acme", 20).
		WillReturnRows(pgxmock.NewRows([]string{
			"id", "vendor_id", "priority", "allowed_methods", "max_cost", "scheduled_for", "created_at",
			"attempts", "max_attempts", "status", "source", "reason", "warning", "result", "total_cost",
			"started_at", "completed_at",
		}).AddRow("job-1", "acme", 10, []byte(`null`), 0.0, t0, t0, 3, 3, "failed", "scheduled", "", "", nil, 0.0, nil, nil))

	jobs, err := s.ListJobs(context.Background(), model.JobFilter{Status: model.JobFailed, VendorID: "acme", Limit: 20})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, model.JobFailed, jobs[0].Status)
	assert.Nil(t, jobs[0].AllowedMethods)
	assert.Nil(t, jobs[0].Result)
	assert.NoError(t, mock.ExpectationsWereMet())
}

