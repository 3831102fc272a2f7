package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"RiskEngine/internal/config"
	"RiskEngine/internal/domain"
	"RiskEngine/internal/ports"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	stateConfiguration = "configuration"
	stateResult        = "result"

	flagSuppressRisk = "suppress_risk_calculation"

	pqDiskFull = pq.ErrorCode("53100")
)

// SQLRepository persists packages, engine state, check-ins and policy flags
// in SQLite or Postgres.
type SQLRepository struct {
	db     *sql.DB
	driver string
	sb     sq.StatementBuilderType
}

var (
	_ ports.PackageStore       = (*SQLRepository)(nil)
	_ ports.ConfigurationStore = (*SQLRepository)(nil)
	_ ports.CheckinStore       = (*SQLRepository)(nil)
	_ ports.PolicyOracle       = (*SQLRepository)(nil)
)

// Open connects to the configured database and creates the schema.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*SQLRepository, error) {
	db, err := sql.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		// SQLite allows one writer at a time.
		db.SetMaxOpenConns(1)
	}

	repo := NewSQLRepository(db, cfg.Driver)
	if err := repo.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return repo, nil
}

// NewSQLRepository wires a sql.DB implementation.
func NewSQLRepository(db *sql.DB, driver string) *SQLRepository {
	var format sq.PlaceholderFormat = sq.Question
	if driver == DriverPostgres {
		format = sq.Dollar
	}
	return &SQLRepository{
		db:     db,
		driver: driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(format),
	}
}

// Close releases the connection pool.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// Migrate creates missing tables.
func (r *SQLRepository) Migrate(ctx context.Context) error {
	blob := "BLOB"
	if r.driver == DriverPostgres {
		blob = "BYTEA"
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS packages (
			kind       TEXT    NOT NULL,
			day        TEXT    NOT NULL,
			hour       INTEGER NOT NULL,
			payload    ` + blob + ` NOT NULL,
			fetched_at BIGINT  NOT NULL,
			PRIMARY KEY (kind, day, hour)
		)`,
		`CREATE TABLE IF NOT EXISTS engine_state (
			name       TEXT   PRIMARY KEY,
			body       TEXT   NOT NULL,
			updated_at BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS checkins (
			id               TEXT   PRIMARY KEY,
			location_id_hash TEXT   NOT NULL,
			start_at         BIGINT NOT NULL,
			end_at           BIGINT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS policy_flags (
			name       TEXT    PRIMARY KEY,
			enabled    INTEGER NOT NULL,
			updated_at BIGINT  NOT NULL
		)`,
	}
	for _, stmt := range statements {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// StoredIDs returns the identifiers of every stored package of kind.
func (r *SQLRepository) StoredIDs(ctx context.Context, kind domain.PackageKind) (map[domain.PackageID]bool, error) {
	query, args, err := r.sb.Select("day", "hour").
		From("packages").
		Where(sq.Eq{"kind": string(kind)}).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stored ids: %w", err)
	}
	defer rows.Close()

	result := make(map[domain.PackageID]bool)
	for rows.Next() {
		var id domain.PackageID
		if err := rows.Scan(&id.Day, &id.Hour); err != nil {
			return nil, fmt.Errorf("scan id: %w", err)
		}
		result[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return result, nil
}

// SavePackage upserts pkg. A day package replaces the hour packages of its day.
func (r *SQLRepository) SavePackage(ctx context.Context, pkg domain.Package) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError("begin save", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := r.sb.Insert("packages").
		Columns("kind", "day", "hour", "payload", "fetched_at").
		Values(string(pkg.Kind), string(pkg.ID.Day), pkg.ID.Hour, pkg.Payload, pkg.FetchedAt.UnixMilli()).
		Suffix("ON CONFLICT (kind, day, hour) DO UPDATE SET payload = excluded.payload, fetched_at = excluded.fetched_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return storageError("upsert package", err)
	}

	if !pkg.ID.IsHour() {
		query, args, err = r.sb.Delete("packages").
			Where(sq.Eq{"kind": string(pkg.Kind), "day": string(pkg.ID.Day)}).
			Where(sq.NotEq{"hour": domain.DayPackage}).
			ToSql()
		if err != nil {
			return fmt.Errorf("build delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return storageError("delete superseded hours", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageError("commit package", err)
	}
	return nil
}

// Packages returns stored packages of kind in chronological order.
func (r *SQLRepository) Packages(ctx context.Context, kind domain.PackageKind) ([]domain.Package, error) {
	query, args, err := r.sb.Select("day", "hour", "payload", "fetched_at").
		From("packages").
		Where(sq.Eq{"kind": string(kind)}).
		OrderBy("day", "hour").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query packages: %w", err)
	}
	defer rows.Close()

	var result []domain.Package
	for rows.Next() {
		pkg := domain.Package{Kind: kind}
		var fetched int64
		if err := rows.Scan(&pkg.ID.Day, &pkg.ID.Hour, &pkg.Payload, &fetched); err != nil {
			return nil, fmt.Errorf("scan package: %w", err)
		}
		pkg.FetchedAt = time.UnixMilli(fetched).UTC()
		result = append(result, pkg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return result, nil
}

// PrunePackages deletes packages of kind whose day is before the cutoff.
func (r *SQLRepository) PrunePackages(ctx context.Context, kind domain.PackageKind, before domain.Date) (int, error) {
	query, args, err := r.sb.Delete("packages").
		Where(sq.Eq{"kind": string(kind)}).
		Where(sq.Lt{"day": string(before)}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build delete: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("prune packages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

// LastFetched reports when a package of kind was last stored.
func (r *SQLRepository) LastFetched(ctx context.Context, kind domain.PackageKind) (time.Time, bool, error) {
	query, args, err := r.sb.Select("MAX(fetched_at)").
		From("packages").
		Where(sq.Eq{"kind": string(kind)}).
		ToSql()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("build query: %w", err)
	}

	var fetched sql.NullInt64
	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&fetched); err != nil {
		return time.Time{}, false, fmt.Errorf("query last fetched: %w", err)
	}
	if !fetched.Valid {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(fetched.Int64).UTC(), true, nil
}

// LoadConfiguration returns the persisted configuration, if any.
func (r *SQLRepository) LoadConfiguration(ctx context.Context) (domain.RiskProvidingConfiguration, bool, error) {
	var cfg domain.RiskProvidingConfiguration
	found, err := r.loadState(ctx, stateConfiguration, &cfg)
	return cfg, found, err
}

// SaveConfiguration persists cfg.
func (r *SQLRepository) SaveConfiguration(ctx context.Context, cfg domain.RiskProvidingConfiguration) error {
	return r.saveState(ctx, stateConfiguration, cfg)
}

// LoadResult returns the persisted result or nil.
func (r *SQLRepository) LoadResult(ctx context.Context) (*domain.CachedRiskResult, error) {
	var result domain.CachedRiskResult
	found, err := r.loadState(ctx, stateResult, &result)
	if err != nil || !found {
		return nil, err
	}
	return &result, nil
}

// SaveResult persists result.
func (r *SQLRepository) SaveResult(ctx context.Context, result domain.CachedRiskResult) error {
	return r.saveState(ctx, stateResult, result)
}

// ClearResult forgets the persisted result.
func (r *SQLRepository) ClearResult(ctx context.Context) error {
	query, args, err := r.sb.Delete("engine_state").Where(sq.Eq{"name": stateResult}).ToSql()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("clear result: %w", err)
	}
	return nil
}

func (r *SQLRepository) loadState(ctx context.Context, name string, v any) (bool, error) {
	query, args, err := r.sb.Select("body").From("engine_state").Where(sq.Eq{"name": name}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	var body string
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query %s: %w", name, err)
	}
	if err := json.Unmarshal([]byte(body), v); err != nil {
		return false, fmt.Errorf("decode %s: %w", name, err)
	}
	return true, nil
}

func (r *SQLRepository) saveState(ctx context.Context, name string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	query, args, err := r.sb.Insert("engine_state").
		Columns("name", "body", "updated_at").
		Values(name, string(body), time.Now().UnixMilli()).
		Suffix("ON CONFLICT (name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert %s: %w", name, err)
	}
	return nil
}

// SaveCheckin upserts a check-in.
func (r *SQLRepository) SaveCheckin(ctx context.Context, checkin domain.Checkin) error {
	query, args, err := r.sb.Insert("checkins").
		Columns("id", "location_id_hash", "start_at", "end_at").
		Values(checkin.ID, checkin.LocationIDHash, checkin.Start.UnixMilli(), checkin.End.UnixMilli()).
		Suffix("ON CONFLICT (id) DO UPDATE SET location_id_hash = excluded.location_id_hash, start_at = excluded.start_at, end_at = excluded.end_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert checkin: %w", err)
	}
	return nil
}

// Checkins returns check-ins that ended at or after since, oldest first.
func (r *SQLRepository) Checkins(ctx context.Context, since time.Time) ([]domain.Checkin, error) {
	query, args, err := r.sb.Select("id", "location_id_hash", "start_at", "end_at").
		From("checkins").
		Where(sq.GtOrEq{"end_at": since.UnixMilli()}).
		OrderBy("start_at").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query checkins: %w", err)
	}
	defer rows.Close()

	var result []domain.Checkin
	for rows.Next() {
		var c domain.Checkin
		var start, end int64
		if err := rows.Scan(&c.ID, &c.LocationIDHash, &start, &end); err != nil {
			return nil, fmt.Errorf("scan checkin: %w", err)
		}
		c.Start = time.UnixMilli(start).UTC()
		c.End = time.UnixMilli(end).UTC()
		result = append(result, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return result, nil
}

// SuppressRiskCalculation reads the policy flag; an unset flag means false.
func (r *SQLRepository) SuppressRiskCalculation(ctx context.Context) (bool, error) {
	query, args, err := r.sb.Select("enabled").From("policy_flags").Where(sq.Eq{"name": flagSuppressRisk}).ToSql()
	if err != nil {
		return false, fmt.Errorf("build query: %w", err)
	}

	var enabled int
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query policy: %w", err)
	}
	return enabled != 0, nil
}

// SetSuppression sets or clears the policy flag.
func (r *SQLRepository) SetSuppression(ctx context.Context, suppress bool) error {
	enabled := 0
	if suppress {
		enabled = 1
	}
	query, args, err := r.sb.Insert("policy_flags").
		Columns("name", "enabled", "updated_at").
		Values(flagSuppressRisk, enabled, time.Now().UnixMilli()).
		Suffix("ON CONFLICT (name) DO UPDATE SET enabled = excluded.enabled, updated_at = excluded.updated_at").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert policy: %w", err)
	}
	return nil
}

func storageError(op string, err error) error {
	if isDiskFull(err) {
		return domain.NewDownloadError(domain.DownloadErrorDiskFull, fmt.Errorf("%s: %w", op, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isDiskFull(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqDiskFull
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_FULL
	}
	return false
}
