package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "subwatch/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) UpsertUser(ctx context.Context, u User) error {
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(tg_id, username, created_at) VALUES(?,?,?)
		 ON CONFLICT(tg_id) DO UPDATE SET username=excluded.username`,
		u.TgID, nullStr(u.Username), u.CreatedAt.Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) CreateSubscription(ctx context.Context, sub Subscription) error {
	sub.Normalize()
	if err := sub.Validate(); err != nil {
		return err
	}
	now := time.Now().UTC()
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now
	}
	sub.UpdatedAt = now
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO subscriptions(id, owner_id, service, amount, currency, period_days, next_due, description, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		sub.ID, sub.OwnerID, sub.Service, sub.Amount, sub.Currency, sub.PeriodDays,
		sub.NextDue.UnixMilli(), nullStr(sub.Description),
		sub.CreatedAt.Format(time.RFC3339Nano), sub.UpdatedAt.Format(time.RFC3339Nano),
	)
	return err
}

const subColumns = `id, owner_id, service, amount, currency, period_days, next_due, description, created_at, updated_at`

func scanSubscription(row interface{ Scan(...any) error }) (Subscription, error) {
	var (
		sub        Subscription
		nextDueMS  int64
		desc       sql.NullString
		createdRaw string
		updatedRaw string
	)
	err := row.Scan(&sub.ID, &sub.OwnerID, &sub.Service, &sub.Amount, &sub.Currency,
		&sub.PeriodDays, &nextDueMS, &desc, &createdRaw, &updatedRaw)
	if err != nil {
		return Subscription{}, err
	}
	sub.NextDue = time.UnixMilli(nextDueMS).UTC()
	sub.Description = desc.String
	if t, err := time.Parse(time.RFC3339Nano, createdRaw); err == nil {
		sub.CreatedAt = t
	}
	if t, err := time.Parse(time.RFC3339Nano, updatedRaw); err == nil {
		sub.UpdatedAt = t
	}
	return sub, nil
}

func (s *sqliteStore) GetSubscription(ctx context.Context, id string) (Subscription, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE id = ?`, id)
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

// ListActiveSubscriptions streams all subscriptions. Individual malformed rows
// are logged and skipped so one bad record cannot abort a bootstrap load.
func (s *sqliteStore) ListActiveSubscriptions(ctx context.Context) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+subColumns+` FROM subscriptions ORDER BY next_due ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			s.log.Warn("skipping malformed subscription row", logx.Err(err))
			continue
		}
		if err := sub.Validate(); err != nil {
			s.log.Warn("skipping malformed subscription row", logx.String("id", sub.ID), logx.Err(err))
			continue
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) ListSubscriptionsByOwner(ctx context.Context, ownerID int64) ([]Subscription, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE owner_id = ? ORDER BY next_due ASC`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			s.log.Warn("skipping malformed subscription row", logx.Int64("owner", ownerID), logx.Err(err))
			continue
		}
		out = append(out, sub)
	}
	return out, rows.Err()
}

func (s *sqliteStore) FindSubscriptionByService(ctx context.Context, ownerID int64, service string) (Subscription, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+subColumns+` FROM subscriptions WHERE owner_id = ? AND service = ? COLLATE NOCASE
		 ORDER BY next_due ASC LIMIT 1`,
		ownerID, strings.TrimSpace(service))
	sub, err := scanSubscription(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Subscription{}, ErrNotFound
	}
	if err != nil {
		return Subscription{}, err
	}
	return sub, nil
}

func (s *sqliteStore) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM subscriptions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CompareAndSetNextDue is the single concurrency-control point for rollover:
// the UPDATE only applies when the stored next_due still equals expected.
func (s *sqliteStore) CompareAndSetNextDue(ctx context.Context, id string, expected, next time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subscriptions SET next_due = ?, updated_at = ? WHERE id = ? AND next_due = ?`,
		next.UnixMilli(), time.Now().UTC().Format(time.RFC3339Nano), id, expected.UnixMilli(),
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	// Distinguish "gone" from "changed underneath us".
	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM subscriptions WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return ErrStaleWrite
}

func (s *sqliteStore) MonthlyTotal(ctx context.Context, ownerID int64) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT currency, SUM(amount * 30.0 / period_days) FROM subscriptions
		 WHERE owner_id = ? GROUP BY currency`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]float64{}
	for rows.Next() {
		var cur string
		var total float64
		if err := rows.Scan(&cur, &total); err != nil {
			return nil, err
		}
		out[cur] = total
	}
	return out, rows.Err()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
