package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/akylbek/payment-system/payment-reconciler/internal/interfaces"
	"github.com/akylbek/payment-system/payment-reconciler/internal/models"
)

var (
	ErrNotFound        = errors.New("payment record not found")
	ErrVersionConflict = errors.New("payment record version conflict")
	ErrDuplicate       = errors.New("payment record already exists")
)

const uniqueViolation = "23505"

const recordColumns = `id, user_id, amount, extra_charges, currency, method, status,
	gateway_order_id, gateway_session_id, gateway_payment_id, bank_reference,
	gateway_response, failure_reason, note, wallet_amount, wallet_debited_at,
	version, created_at, updated_at, last_checked_at`

const idleSince = "GREATEST(updated_at, last_checked_at)"

// PaymentRepository stores payment records in Postgres. Updates are guarded by
// the version column; there are no multi-record transactions.
type PaymentRepository struct {
	db *sql.DB
}

var _ interfaces.PaymentRepository = (*PaymentRepository)(nil)

func NewPaymentRepository(db *sql.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func (r *PaymentRepository) InitDB(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS payment_records (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			amount DECIMAL(15,2) NOT NULL CHECK (amount >= 0),
			extra_charges DECIMAL(15,2) NOT NULL DEFAULT 0 CHECK (extra_charges >= 0),
			currency VARCHAR(3) NOT NULL,
			method VARCHAR(32) NOT NULL,
			status VARCHAR(16) NOT NULL,
			gateway_order_id VARCHAR(255) NOT NULL UNIQUE,
			gateway_session_id TEXT,
			gateway_payment_id VARCHAR(255),
			bank_reference VARCHAR(255),
			gateway_response JSONB,
			failure_reason TEXT,
			note TEXT,
			wallet_amount DECIMAL(15,2) NOT NULL DEFAULT 0,
			wallet_debited_at TIMESTAMPTZ,
			version BIGINT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			last_checked_at TIMESTAMPTZ
		)`,
		`ALTER TABLE payment_records ADD COLUMN IF NOT EXISTS last_checked_at TIMESTAMPTZ`,
		`CREATE INDEX IF NOT EXISTS idx_payment_records_status_updated ON payment_records(status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_payment_records_user_id ON payment_records(user_id)`,
	}

	for _, query := range queries {
		if _, err := r.db.ExecContext(ctx, query); err != nil {
			return err
		}
	}

	return nil
}

func (r *PaymentRepository) Create(ctx context.Context, rec *models.PaymentRecord) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO payment_records (`+recordColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
	`, rec.ID, rec.UserID, rec.Amount, rec.ExtraCharges, rec.Currency, string(rec.Method), string(rec.Status),
		rec.GatewayOrderID, nullString(rec.GatewaySessionID), nullString(rec.GatewayPaymentID),
		nullString(rec.BankReference), nullJSON(rec.GatewayResponse), nullString(rec.FailureReason),
		nullString(rec.Note), rec.WalletAmount, nullTime(rec.WalletDebitedAt),
		rec.Version, rec.CreatedAt, rec.UpdatedAt, nullTime(rec.LastCheckedAt))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicate, rec.GatewayOrderID)
	}
	return err
}

func (r *PaymentRepository) Get(ctx context.Context, id string) (*models.PaymentRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM payment_records WHERE id = $1`, id)
	return scanOne(row)
}

func (r *PaymentRepository) GetByOrderID(ctx context.Context, gatewayOrderID string) (*models.PaymentRecord, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM payment_records WHERE gateway_order_id = $1`, gatewayOrderID)
	return scanOne(row)
}

func (r *PaymentRepository) CompareAndSet(ctx context.Context, id string, expectedVersion int64, next *models.PaymentRecord) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE payment_records
		SET status = $1, gateway_session_id = $2, gateway_payment_id = $3, bank_reference = $4,
			gateway_response = $5, failure_reason = $6, note = $7, wallet_debited_at = $8,
			version = $9, updated_at = $10
		WHERE id = $11 AND version = $12
	`, string(next.Status), nullString(next.GatewaySessionID), nullString(next.GatewayPaymentID),
		nullString(next.BankReference), nullJSON(next.GatewayResponse), nullString(next.FailureReason),
		nullString(next.Note), nullTime(next.WalletDebitedAt), next.Version, next.UpdatedAt,
		id, expectedVersion)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows > 0 {
		return nil
	}

	var exists bool
	if err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM payment_records WHERE id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrNotFound
	}
	return ErrVersionConflict
}

func (r *PaymentRepository) MarkChecked(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE payment_records SET last_checked_at = $1 WHERE id = $2`, at, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PaymentRepository) Query(ctx context.Context, f interfaces.RecordFilter) ([]models.PaymentRecord, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.UserID != "" {
		where = append(where, "user_id = "+arg(f.UserID))
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		where = append(where, "status = ANY("+arg(pq.Array(statuses))+")")
	}
	if f.Method != "" {
		where = append(where, "method = "+arg(string(f.Method)))
	}
	if len(f.Methods) > 0 {
		methods := make([]string, len(f.Methods))
		for i, m := range f.Methods {
			methods[i] = string(m)
		}
		where = append(where, "method = ANY("+arg(pq.Array(methods))+")")
	}
	if !f.UpdatedBefore.IsZero() {
		where = append(where, "updated_at < "+arg(f.UpdatedBefore))
	}
	if !f.IdleBefore.IsZero() {
		where = append(where, idleSince+" < "+arg(f.IdleBefore))
	}
	if f.WalletPending {
		where = append(where, "wallet_amount > 0 AND wallet_debited_at IS NULL")
	}

	query := `SELECT ` + recordColumns + ` FROM payment_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if f.IdleBefore.IsZero() {
		query += " ORDER BY updated_at ASC"
	} else {
		query += " ORDER BY " + idleSince + " ASC"
	}
	if f.Limit > 0 {
		query += " LIMIT " + arg(f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []models.PaymentRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanOne(row *sql.Row) (*models.PaymentRecord, error) {
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

func scanRecord(s scanner) (*models.PaymentRecord, error) {
	var (
		rec                                          models.PaymentRecord
		method, status                               string
		sessionID, paymentID, bankRef, failure, note sql.NullString
		response                                     []byte
		walletDebitedAt, lastCheckedAt               sql.NullTime
	)
	err := s.Scan(&rec.ID, &rec.UserID, &rec.Amount, &rec.ExtraCharges, &rec.Currency, &method, &status,
		&rec.GatewayOrderID, &sessionID, &paymentID, &bankRef,
		&response, &failure, &note, &rec.WalletAmount, &walletDebitedAt,
		&rec.Version, &rec.CreatedAt, &rec.UpdatedAt, &lastCheckedAt)
	if err != nil {
		return nil, err
	}

	rec.Method = models.PaymentMethod(method)
	rec.Status = models.PaymentStatus(status)
	rec.GatewaySessionID = sessionID.String
	rec.GatewayPaymentID = paymentID.String
	rec.BankReference = bankRef.String
	rec.FailureReason = failure.String
	rec.Note = note.String
	if len(response) > 0 {
		rec.GatewayResponse = response
	}
	if walletDebitedAt.Valid {
		t := walletDebitedAt.Time
		rec.WalletDebitedAt = &t
	}
	if lastCheckedAt.Valid {
		t := lastCheckedAt.Time
		rec.LastCheckedAt = &t
	}
	return &rec, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullJSON passes JSONB as text; lib/pq would otherwise encode []byte as bytea.
func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
