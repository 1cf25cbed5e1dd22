package authflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tapipay/tapicore/internal/fusion"
	"github.com/tapipay/tapicore/internal/pagination"
)

// PostgresStore persists authorization records in PostgreSQL. The schema
// comes from migrations/.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed authorization store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Record(ctx context.Context, rec *Record) error {
	var face, behavioral, combined sql.NullFloat64
	var action, receipt sql.NullString
	if d := rec.Decision; d != nil {
		if !d.FaceSkipped {
			face = sql.NullFloat64{Float64: d.FaceConfidence, Valid: true}
		}
		behavioral = sql.NullFloat64{Float64: d.BehavioralConfidence, Valid: true}
		combined = sql.NullFloat64{Float64: d.CombinedConfidence, Valid: true}
		action = sql.NullString{String: string(d.Action), Valid: true}
	}
	if rec.ReceiptID != "" {
		receipt = sql.NullString{String: rec.ReceiptID, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO authorization_records (
			id, account_id, amount, payee_ref, offline, final_state, reason,
			face_confidence, behavioral_score, combined_confidence, action,
			pin_attempts, captures, receipt_id, started_at, finished_at
		) VALUES ($1, $2, $3::NUMERIC(20,6), $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (id) DO NOTHING
	`,
		rec.ID, rec.AccountID, rec.Amount, rec.PayeeRef, rec.Offline,
		string(rec.FinalState), rec.Reason,
		face, behavioral, combined, action,
		rec.PINAttempts, rec.Captures, receipt, rec.StartedAt, rec.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record authorization: %w", err)
	}
	return nil
}

const selectRecord = `
	SELECT id, account_id, amount, payee_ref, offline, final_state, reason,
	       face_confidence, behavioral_score, combined_confidence, action,
	       pin_attempts, captures, receipt_id, started_at, finished_at
	FROM authorization_records`

func (s *PostgresStore) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, selectRecord+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func (s *PostgresStore) ListByAccount(ctx context.Context, accountID string, before *pagination.Cursor, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 50
	}
	var (
		rows *sql.Rows
		err  error
	)
	if before == nil {
		rows, err = s.db.QueryContext(ctx, selectRecord+`
			WHERE account_id = $1
			ORDER BY finished_at DESC, id DESC
			LIMIT $2
		`, accountID, limit)
	} else {
		rows, err = s.db.QueryContext(ctx, selectRecord+`
			WHERE account_id = $1 AND (finished_at, id) < ($2, $3)
			ORDER BY finished_at DESC, id DESC
			LIMIT $4
		`, accountID, before.At, before.ID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list authorizations: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*Record, error) {
	var (
		rec                        Record
		state                      string
		face, behavioral, combined sql.NullFloat64
		action, receipt            sql.NullString
	)
	err := row.Scan(
		&rec.ID, &rec.AccountID, &rec.Amount, &rec.PayeeRef, &rec.Offline, &state, &rec.Reason,
		&face, &behavioral, &combined, &action,
		&rec.PINAttempts, &rec.Captures, &receipt, &rec.StartedAt, &rec.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.FinalState = State(state)
	rec.ReceiptID = receipt.String
	if action.Valid {
		rec.Decision = &fusion.Decision{
			FaceConfidence:       face.Float64,
			FaceSkipped:          !face.Valid,
			BehavioralConfidence: behavioral.Float64,
			CombinedConfidence:   combined.Float64,
			Action:               fusion.Action(action.String),
		}
	}
	return &rec, nil
}
