package consultation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/telemed/telemed/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type RepoPG struct {
	pool *pgxpool.Pool
}

func NewRepoPG(pool *pgxpool.Pool) *RepoPG {
	return &RepoPG{pool: pool}
}

// conn returns the transaction carried by ctx, if any, so callers can group
// repository calls with db.InTx.
func (r *RepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const consultationCols = `session_id, patient_age, patient_gender,
	symptoms, medications, procedures, instructions, diagnosis, other,
	extracted_at, updated_at, reviewed_at, reviewed_by`

func scanConsultation(row pgx.Row) (*Consultation, error) {
	var (
		c          Consultation
		rec        StructuredRecord
		categories [6][]byte
	)
	err := row.Scan(
		&c.SessionID, &rec.PatientInfo.Age, &rec.PatientInfo.Gender,
		&categories[0], &categories[1], &categories[2], &categories[3], &categories[4], &categories[5],
		&c.ExtractedAt, &c.UpdatedAt, &c.ReviewedAt, &c.ReviewedBy,
	)
	if err != nil {
		return nil, err
	}
	targets := rec.categoryTargets()
	for i, raw := range categories {
		if len(raw) == 0 {
			continue
		}
		if err := json.Unmarshal(raw, targets[i]); err != nil {
			return nil, fmt.Errorf("decode %s: %w", categoryColumns[i], err)
		}
	}
	rec = rec.normalized()
	c.Record = &rec
	return &c, nil
}

// categoryColumns matches the order of categoryTargets.
var categoryColumns = [6]string{"symptoms", "medications", "procedures", "instructions", "diagnosis", "other"}

func (r *StructuredRecord) categoryTargets() [6]*[]string {
	return [6]*[]string{&r.Symptoms, &r.Medications, &r.Procedures, &r.Instructions, &r.Diagnosis, &r.Other}
}

func encodeCategories(rec *StructuredRecord) ([6][]byte, error) {
	var out [6][]byte
	if rec == nil {
		rec = NewStructuredRecord()
	}
	n := rec.normalized()
	for i, list := range n.categoryTargets() {
		data, err := json.Marshal(*list)
		if err != nil {
			return out, fmt.Errorf("encode %s: %w", categoryColumns[i], err)
		}
		out[i] = data
	}
	return out, nil
}

func (r *RepoPG) GetBySession(ctx context.Context, sessionID string) (*Consultation, error) {
	q := fmt.Sprintf("SELECT %s FROM consultation WHERE session_id = $1", consultationCols)
	c, err := scanConsultation(r.conn(ctx).QueryRow(ctx, q, sessionID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get consultation %s: %w", sessionID, err)
	}
	return c, nil
}

func (r *RepoPG) Save(ctx context.Context, c *Consultation) error {
	rec := c.Record
	if rec == nil {
		rec = NewStructuredRecord()
	}
	cats, err := encodeCategories(rec)
	if err != nil {
		return err
	}
	const q = `INSERT INTO consultation (session_id, patient_age, patient_gender,
	symptoms, medications, procedures, instructions, diagnosis, other,
	extracted_at, updated_at, reviewed_at, reviewed_by)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (session_id) DO UPDATE SET
	patient_age = EXCLUDED.patient_age,
	patient_gender = EXCLUDED.patient_gender,
	symptoms = EXCLUDED.symptoms,
	medications = EXCLUDED.medications,
	procedures = EXCLUDED.procedures,
	instructions = EXCLUDED.instructions,
	diagnosis = EXCLUDED.diagnosis,
	other = EXCLUDED.other,
	extracted_at = EXCLUDED.extracted_at,
	updated_at = EXCLUDED.updated_at,
	reviewed_at = EXCLUDED.reviewed_at,
	reviewed_by = EXCLUDED.reviewed_by`

	_, err = r.conn(ctx).Exec(ctx, q,
		c.SessionID, rec.PatientInfo.Age, rec.PatientInfo.Gender,
		cats[0], cats[1], cats[2], cats[3], cats[4], cats[5],
		c.ExtractedAt, c.UpdatedAt, c.ReviewedAt, c.ReviewedBy,
	)
	if err != nil {
		return fmt.Errorf("save consultation %s: %w", c.SessionID, err)
	}
	return nil
}

func (r *RepoPG) MarkReviewed(ctx context.Context, sessionID, reviewer string, at time.Time) error {
	tag, err := r.conn(ctx).Exec(ctx,
		`UPDATE consultation SET reviewed_at = $2, reviewed_by = $3, updated_at = $2 WHERE session_id = $1`,
		sessionID, at, reviewer,
	)
	if err != nil {
		return fmt.Errorf("mark reviewed %s: %w", sessionID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *RepoPG) GetTranscript(ctx context.Context, sessionID string) (*Transcript, error) {
	var t Transcript
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT session_id, text, source, created_at, updated_at FROM transcript WHERE session_id = $1`,
		sessionID,
	).Scan(&t.SessionID, &t.Text, &t.Source, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrTranscriptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transcript %s: %w", sessionID, err)
	}
	return &t, nil
}

func (r *RepoPG) SaveTranscript(ctx context.Context, t *Transcript) error {
	const q = `INSERT INTO transcript (session_id, text, source, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (session_id) DO UPDATE SET
	text = EXCLUDED.text,
	source = EXCLUDED.source,
	updated_at = EXCLUDED.updated_at
RETURNING created_at`
	err := r.conn(ctx).QueryRow(ctx, q, t.SessionID, t.Text, t.Source, t.CreatedAt, t.UpdatedAt).Scan(&t.CreatedAt)
	if err != nil {
		return fmt.Errorf("save transcript %s: %w", t.SessionID, err)
	}
	return nil
}

const sessionIDsQuery = `SELECT session_id FROM transcript UNION SELECT session_id FROM consultation`

// ListSessions counts and pages in one repeatable-read snapshot so the total
// matches the page.
func (r *RepoPG) ListSessions(ctx context.Context, limit, offset int) ([]string, int, error) {
	var (
		ids   []string
		total int
	)
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := db.InTx(ctx, r.pool, opts, func(ctx context.Context) error {
		if err := r.conn(ctx).QueryRow(ctx, "SELECT COUNT(*) FROM ("+sessionIDsQuery+") s").Scan(&total); err != nil {
			return fmt.Errorf("count sessions: %w", err)
		}

		rows, err := r.conn(ctx).Query(ctx,
			"SELECT session_id FROM ("+sessionIDsQuery+") s ORDER BY session_id LIMIT $1 OFFSET $2",
			limit, offset,
		)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		defer rows.Close()

		ids = []string{}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, err
	}
	return ids, total, nil
}
