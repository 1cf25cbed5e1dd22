package accounts

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/tapipay/tapicore/internal/money"
)

// PostgresStore implements Store with PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed account store. The schema
// comes from migrations/.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) Open(ctx context.Context, id, initialBalance string) error {
	bal, ok := money.Parse(initialBalance)
	if !ok {
		return ErrInvalidAmount
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO accounts (id, balance, total_in)
		VALUES ($1, $2::NUMERIC(20,6), $2::NUMERIC(20,6))
		ON CONFLICT (id) DO NOTHING
	`, id, money.Format(bal))
	return err
}

func (p *PostgresStore) GetBalance(ctx context.Context, id string) (*Account, error) {
	a := &Account{ID: id}
	err := p.db.QueryRowContext(ctx, `
		SELECT balance, total_in, total_out, updated_at
		FROM accounts WHERE id = $1
	`, id).Scan(&a.Balance, &a.TotalIn, &a.TotalOut, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAccountNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// Debit removes funds with row-level locking. The CHECK constraint on
// balance >= 0 rejects overdrafts.
func (p *PostgresStore) Debit(ctx context.Context, id, amount, reference, description string) error {
	return p.apply(ctx, id, "debit", amount, reference, description)
}

func (p *PostgresStore) Credit(ctx context.Context, id, amount, reference, description string) error {
	return p.apply(ctx, id, "credit", amount, reference, description)
}

func (p *PostgresStore) apply(ctx context.Context, id, typ, amount, reference, description string) error {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	formatted := money.Format(amt)

	tx, err := p.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var update string
	if typ == "debit" {
		update = `
			UPDATE accounts SET
				balance    = balance - $2::NUMERIC(20,6),
				total_out  = total_out + $2::NUMERIC(20,6),
				updated_at = NOW()
			WHERE id = $1`
	} else {
		update = `
			UPDATE accounts SET
				balance    = balance + $2::NUMERIC(20,6),
				total_in   = total_in + $2::NUMERIC(20,6),
				updated_at = NOW()
			WHERE id = $1`
	}

	result, err := tx.ExecContext(ctx, update, id, formatted)
	if err != nil {
		if isCheckViolation(err) {
			return ErrInsufficientBalance
		}
		return fmt.Errorf("failed to update balance: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return ErrAccountNotFound
	}

	result, err = tx.ExecContext(ctx, `
		INSERT INTO account_entries (id, account_id, type, amount, reference, description, created_at)
		VALUES ($1, $2, $3, $4::NUMERIC(20,6), $5, $6, NOW())
		ON CONFLICT DO NOTHING
	`, uuid.NewString(), id, typ, formatted, reference, description)
	if err != nil {
		return fmt.Errorf("failed to record entry: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return ErrDuplicateReference
	}

	return tx.Commit()
}

func (p *PostgresStore) History(ctx context.Context, id string, limit int) ([]*Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, account_id, type, amount, reference, COALESCE(description, ''), created_at
		FROM account_entries
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, id, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e := &Entry{}
		if err := rows.Scan(&e.ID, &e.AccountID, &e.Type, &e.Amount, &e.Reference, &e.Description, &e.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

func isCheckViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23514"
}
