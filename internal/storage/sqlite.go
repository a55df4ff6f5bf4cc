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

	"bidwatch/internal/tender"
	logx "bidwatch/pkg/logx"
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
	if dir := filepath.Dir(path); dir != "." && dir != "" {
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

// UpsertTender inserts a new row or refreshes an existing one by natural key.
//
// Update rules: a field only changes when the incoming value is non-empty, so
// a partial re-scrape can never erase previously captured data. last_seen is
// always refreshed; first_seen never changes.
func (s *sqliteStore) UpsertTender(ctx context.Context, rec *tender.Record) (UpsertResult, error) {
	if s == nil || s.db == nil {
		return UpsertResult{}, ErrDisabled
	}
	if rec == nil || rec.Source == "" || rec.ExternalID == "" {
		return UpsertResult{}, errors.New("tender natural key is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return UpsertResult{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var rowID int64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM tenders WHERE source = ? AND external_id = ?`,
		rec.Source, rec.ExternalID,
	).Scan(&rowID)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tenders(source, external_id, title, organization, category, location,
			                     description, url, contact_email, closing_date, first_seen, last_seen)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`,
			rec.Source, rec.ExternalID, rec.Title,
			nullStr(rec.Organization), nullStr(rec.Category), nullStr(rec.Location),
			nullStr(rec.Description), nullStr(rec.URL), nullStr(rec.ContactEmail),
			nullTime(rec.ClosingDate),
			rec.FirstSeen.UTC().Format(time.RFC3339Nano),
			rec.LastSeen.UTC().Format(time.RFC3339Nano),
		)
		if err != nil {
			return UpsertResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return UpsertResult{}, err
		}
		return UpsertResult{Inserted: true}, nil

	case err != nil:
		return UpsertResult{}, err
	}

	// COALESCE keeps the stored value whenever the incoming one is null;
	// empty strings were already mapped to null above.
	_, err = tx.ExecContext(ctx,
		`UPDATE tenders SET
		    title         = CASE WHEN ? <> '' THEN ? ELSE title END,
		    organization  = COALESCE(?, organization),
		    category      = COALESCE(?, category),
		    location      = COALESCE(?, location),
		    description   = COALESCE(?, description),
		    url           = COALESCE(?, url),
		    contact_email = COALESCE(?, contact_email),
		    closing_date  = COALESCE(?, closing_date),
		    last_seen     = ?
		 WHERE id = ?`,
		rec.Title, rec.Title,
		nullStr(rec.Organization), nullStr(rec.Category), nullStr(rec.Location),
		nullStr(rec.Description), nullStr(rec.URL), nullStr(rec.ContactEmail),
		nullTime(rec.ClosingDate),
		rec.LastSeen.UTC().Format(time.RFC3339Nano),
		rowID,
	)
	if err != nil {
		return UpsertResult{}, err
	}
	if err := tx.Commit(); err != nil {
		return UpsertResult{}, err
	}
	return UpsertResult{Inserted: false}, nil
}

func (s *sqliteStore) ListTenders(ctx context.Context, f Filter) ([]tender.Record, int, error) {
	if s == nil || s.db == nil {
		return nil, 0, ErrDisabled
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	where := ""
	args := []any{}
	if f.Source != "" {
		where = " WHERE source = ?"
		args = append(args, f.Source)
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tenders`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT source, external_id, title, organization, category, location,
		        description, url, contact_email, closing_date, first_seen, last_seen
		   FROM tenders`+where+`
		  ORDER BY last_seen DESC, id DESC
		  LIMIT ? OFFSET ?`,
		append(args, f.Limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	out := make([]tender.Record, 0, f.Limit)
	for rows.Next() {
		var rec tender.Record
		var org, cat, loc, desc, url, email, closing sql.NullString
		var firstSeen, lastSeen string
		if err := rows.Scan(&rec.Source, &rec.ExternalID, &rec.Title,
			&org, &cat, &loc, &desc, &url, &email, &closing,
			&firstSeen, &lastSeen); err != nil {
			return nil, 0, err
		}
		rec.Organization = org.String
		rec.Category = cat.String
		rec.Location = loc.String
		rec.Description = desc.String
		rec.URL = url.String
		rec.ContactEmail = email.String
		if closing.Valid {
			if t, err := time.Parse(time.RFC3339Nano, closing.String); err == nil {
				rec.ClosingDate = &t
			}
		}
		if t, err := time.Parse(time.RFC3339Nano, firstSeen); err == nil {
			rec.FirstSeen = t
		}
		if t, err := time.Parse(time.RFC3339Nano, lastSeen); err == nil {
			rec.LastSeen = t
		}
		out = append(out, rec)
	}
	return out, total, rows.Err()
}

func (s *sqliteStore) CountTenders(ctx context.Context, source string, since time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, ErrDisabled
	}
	q := `SELECT COUNT(*) FROM tenders WHERE source = ?`
	args := []any{source}
	if !since.IsZero() {
		q += ` AND last_seen >= ?`
		args = append(args, since.UTC().Format(time.RFC3339Nano))
	}
	var n int
	err := s.db.QueryRowContext(ctx, q, args...).Scan(&n)
	return n, err
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}
