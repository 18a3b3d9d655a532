package consultation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS transcript (
	session_id TEXT PRIMARY KEY,
	text TEXT NOT NULL,
	source TEXT NOT NULL DEFAULT 'manual',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS consultation (
	session_id TEXT PRIMARY KEY,
	patient_age TEXT,
	patient_gender TEXT,
	symptoms TEXT NOT NULL DEFAULT '[]',
	medications TEXT NOT NULL DEFAULT '[]',
	procedures TEXT NOT NULL DEFAULT '[]',
	instructions TEXT NOT NULL DEFAULT '[]',
	diagnosis TEXT NOT NULL DEFAULT '[]',
	other TEXT NOT NULL DEFAULT '[]',
	extracted_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	reviewed_at TEXT,
	reviewed_by TEXT
);
`

// RepoSQLite is a single-file Repository for local use and tests.
type RepoSQLite struct {
	db *sql.DB
	qb goqu.DialectWrapper
}

// OpenSQLite opens (creating if needed) the database at path with WAL
// journaling and the consultation schema applied.
func OpenSQLite(ctx context.Context, path string) (*RepoSQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One connection keeps pragmas in effect and serialises writers.
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sqliteSchema} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init sqlite %s: %w", path, err)
		}
	}
	return &RepoSQLite{db: db, qb: goqu.Dialect("sqlite3")}, nil
}

func (r *RepoSQLite) Close() error {
	return r.db.Close()
}

// Ping reports whether the database is reachable.
func (r *RepoSQLite) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *RepoSQLite) GetBySession(ctx context.Context, sessionID string) (*Consultation, error) {
	query, args, err := r.qb.From("consultation").Prepared(true).Select(
		"session_id", "patient_age", "patient_gender",
		"symptoms", "medications", "procedures", "instructions", "diagnosis", "other",
		"extracted_at", "updated_at", "reviewed_at", "reviewed_by",
	).Where(goqu.Ex{"session_id": sessionID}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var (
		c                      Consultation
		rec                    StructuredRecord
		age, gender            sql.NullString
		reviewedAt, revBy      sql.NullString
		extractedAt, updatedAt string
		categories             [6]string
	)
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&c.SessionID, &age, &gender,
		&categories[0], &categories[1], &categories[2], &categories[3], &categories[4], &categories[5],
		&extractedAt, &updatedAt, &reviewedAt, &revBy,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get consultation %s: %w", sessionID, err)
	}

	rec.PatientInfo.Age = nullString(age)
	rec.PatientInfo.Gender = nullString(gender)
	for i, target := range rec.categoryTargets() {
		if err := json.Unmarshal([]byte(categories[i]), target); err != nil {
			return nil, fmt.Errorf("decode %s: %w", categoryColumns[i], err)
		}
	}
	rec = rec.normalized()
	c.Record = &rec
	c.ReviewedBy = nullString(revBy)

	if c.ExtractedAt, err = parseTime(extractedAt); err != nil {
		return nil, err
	}
	if c.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	if reviewedAt.Valid {
		t, err := parseTime(reviewedAt.String)
		if err != nil {
			return nil, err
		}
		c.ReviewedAt = &t
	}
	return &c, nil
}

func (r *RepoSQLite) Save(ctx context.Context, c *Consultation) error {
	rec := c.Record
	if rec == nil {
		rec = NewStructuredRecord()
	}
	cats, err := encodeCategories(rec)
	if err != nil {
		return err
	}

	row := goqu.Record{
		"session_id":     c.SessionID,
		"patient_age":    toNullString(rec.PatientInfo.Age),
		"patient_gender": toNullString(rec.PatientInfo.Gender),
		"extracted_at":   formatTime(c.ExtractedAt),
		"updated_at":     formatTime(c.UpdatedAt),
		"reviewed_at":    sql.NullString{},
		"reviewed_by":    toNullString(c.ReviewedBy),
	}
	for i, col := range categoryColumns {
		row[col] = string(cats[i])
	}
	if c.ReviewedAt != nil {
		row["reviewed_at"] = formatTime(*c.ReviewedAt)
	}

	del, delArgs, err := r.qb.Delete("consultation").Prepared(true).Where(goqu.Ex{"session_id": c.SessionID}).ToSQL()
	if err != nil {
		return fmt.Errorf("build delete: %w", err)
	}
	ins, insArgs, err := r.qb.Insert("consultation").Prepared(true).Rows(row).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, del, delArgs...); err != nil {
			return fmt.Errorf("save consultation %s: %w", c.SessionID, err)
		}
		if _, err := tx.ExecContext(ctx, ins, insArgs...); err != nil {
			return fmt.Errorf("save consultation %s: %w", c.SessionID, err)
		}
		return nil
	})
}

func (r *RepoSQLite) MarkReviewed(ctx context.Context, sessionID, reviewer string, at time.Time) error {
	query, args, err := r.qb.Update("consultation").Prepared(true).Set(goqu.Record{
		"reviewed_at": formatTime(at),
		"reviewed_by": reviewer,
		"updated_at":  formatTime(at),
	}).Where(goqu.Ex{"session_id": sessionID}).ToSQL()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark reviewed %s: %w", sessionID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RepoSQLite) GetTranscript(ctx context.Context, sessionID string) (*Transcript, error) {
	query, args, err := r.qb.From("transcript").Prepared(true).
		Select("session_id", "text", "source", "created_at", "updated_at").
		Where(goqu.Ex{"session_id": sessionID}).ToSQL()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}

	var (
		t                    Transcript
		createdAt, updatedAt string
	)
	err = r.db.QueryRowContext(ctx, query, args...).Scan(&t.SessionID, &t.Text, &t.Source, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTranscriptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript %s: %w", sessionID, err)
	}
	if t.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if t.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *RepoSQLite) SaveTranscript(ctx context.Context, t *Transcript) error {
	upd, updArgs, err := r.qb.Update("transcript").Prepared(true).Set(goqu.Record{
		"text":       t.Text,
		"source":     t.Source,
		"updated_at": formatTime(t.UpdatedAt),
	}).Where(goqu.Ex{"session_id": t.SessionID}).ToSQL()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}
	ins, insArgs, err := r.qb.Insert("transcript").Prepared(true).Rows(goqu.Record{
		"session_id": t.SessionID,
		"text":       t.Text,
		"source":     t.Source,
		"created_at": formatTime(t.CreatedAt),
		"updated_at": formatTime(t.UpdatedAt),
	}).ToSQL()
	if err != nil {
		return fmt.Errorf("build insert: %w", err)
	}
	sel, selArgs, err := r.qb.From("transcript").Prepared(true).Select("created_at").
		Where(goqu.Ex{"session_id": t.SessionID}).ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}

	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, upd, updArgs...)
		if err != nil {
			return fmt.Errorf("save transcript %s: %w", t.SessionID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			if _, err := tx.ExecContext(ctx, ins, insArgs...); err != nil {
				return fmt.Errorf("save transcript %s: %w", t.SessionID, err)
			}
			return nil
		}
		var createdAt string
		if err := tx.QueryRowContext(ctx, sel, selArgs...).Scan(&createdAt); err != nil {
			return fmt.Errorf("save transcript %s: %w", t.SessionID, err)
		}
		t.CreatedAt, err = parseTime(createdAt)
		return err
	})
}

func (r *RepoSQLite) ListSessions(ctx context.Context, limit, offset int) ([]string, int, error) {
	ids := r.qb.From("transcript").Select("session_id").
		Union(r.qb.From("consultation").Select("session_id"))

	countQ, countArgs, err := r.qb.From(ids.As("s")).Prepared(true).Select(goqu.COUNT(goqu.Star())).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build count: %w", err)
	}
	var total int
	if err := r.db.QueryRowContext(ctx, countQ, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}

	listQ, listArgs, err := r.qb.From(ids.As("s")).Prepared(true).Select("session_id").
		Order(goqu.I("session_id").Asc()).
		Limit(uint(limit)).Offset(uint(offset)).ToSQL()
	if err != nil {
		return nil, 0, fmt.Errorf("build list: %w", err)
	}
	rows, err := r.db.QueryContext(ctx, listQ, listArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, 0, err
		}
		out = append(out, id)
	}
	return out, total, rows.Err()
}

func (r *RepoSQLite) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
