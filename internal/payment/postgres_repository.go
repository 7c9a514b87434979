package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rentshield/rentshield/internal/tracing"
)

// activeObligationIndex is the partial unique index enforcing one active
// payment per (policy_id, type). See migrations/000002_create_payments.up.sql.
const activeObligationIndex = "payments_active_obligation_idx"

// pqUniqueViolation is the SQLSTATE for unique_violation.
const pqUniqueViolation = "23505"

const paymentColumns = `
	id, policy_id, type, status, amount, subtotal, iva, currency, paid_by, is_manual,
	reference, checkout_session_id, checkout_url, checkout_url_expiry, external_charge_id,
	receipt_key, receipt_file_name, verification_notes, cancellation_reason,
	created_at, updated_at, paid_at, cancelled_at`

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewPostgresRepository creates a new PostgresRepository.
func NewPostgresRepository(db *sql.DB, logger *slog.Logger) *PostgresRepository {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a payment. Uniqueness of active obligations is enforced by the
// partial unique index, so two concurrent inserts cannot both succeed.
func (r *PostgresRepository) Create(ctx context.Context, p *Payment) (err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationInsert)
	defer func() { endSpan(err) }()

	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = p.CreatedAt
	}

	query := `INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`

	_, err = r.db.ExecContext(ctx, query,
		p.ID, p.PolicyID, string(p.Type), string(p.Status), p.Amount, p.Subtotal, p.IVA, p.Currency,
		string(p.PaidBy), p.IsManual,
		nullString(p.Reference), nullString(p.CheckoutSessionID), nullString(p.CheckoutURL),
		nullTime(p.CheckoutURLExpiry), nullString(p.ExternalChargeID),
		nullString(p.ReceiptKey), nullString(p.ReceiptFileName),
		nullString(p.VerificationNotes), nullString(p.CancellationReason),
		p.CreatedAt, p.UpdatedAt, nullTime(p.PaidAt), nullTime(p.CancelledAt),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation && pqErr.Constraint == activeObligationIndex {
			dup := &DuplicateObligationError{PolicyID: p.PolicyID, Type: p.Type}
			if existing, findErr := r.findActive(ctx, p.PolicyID, p.Type); findErr == nil {
				dup.ExistingID = existing
			}
			return dup
		}
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (r *PostgresRepository) findActive(ctx context.Context, policyID string, t Type) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx,
		`SELECT id FROM payments WHERE policy_id = $1 AND type = $2 AND status = ANY($3) LIMIT 1`,
		policyID, string(t), pq.Array(statusStrings(ActiveStatuses)),
	).Scan(&id)
	return id, err
}

// GetByID retrieves a payment by ID.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE id = $1`, id)
}

// GetByCheckoutSessionID retrieves a payment by its gateway checkout session.
func (r *PostgresRepository) GetByCheckoutSessionID(ctx context.Context, sessionID string) (*Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE checkout_session_id = $1`, sessionID)
}

// GetByExternalChargeID retrieves a payment by its gateway charge identifier.
func (r *PostgresRepository) GetByExternalChargeID(ctx context.Context, chargeID string) (*Payment, error) {
	return r.getOne(ctx, `SELECT `+paymentColumns+` FROM payments WHERE external_charge_id = $1 ORDER BY created_at DESC LIMIT 1`, chargeID)
}

func (r *PostgresRepository) getOne(ctx context.Context, query string, arg any) (p *Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	p, err = scanPayment(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	return p, nil
}

// ListByPolicy returns every payment of a policy, oldest first.
func (r *PostgresRepository) ListByPolicy(ctx context.Context, policyID string) (payments []*Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationQuery)
	defer func() { endSpan(err) }()

	rows, err := r.db.QueryContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE policy_id = $1 ORDER BY created_at ASC, id ASC`,
		policyID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		p, scanErr := scanPayment(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", scanErr)
		}
		payments = append(payments, p)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate payments: %w", err)
	}
	return payments, nil
}

// Mutate locks the row with SELECT ... FOR UPDATE, applies fn and writes the
// result back in the same transaction.
func (r *PostgresRepository) Mutate(ctx context.Context, id string, fn func(p *Payment) error) (result *Payment, err error) {
	ctx, endSpan := tracing.StartDBSpan(ctx, "payments", tracing.DBOperationUpdate)
	defer func() { endSpan(err) }()

	tx, err := r.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	// No-op after a successful commit.
	defer func() {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			r.logger.WarnContext(ctx, "failed to rollback transaction", "payment_id", id, "error", rbErr)
		}
	}()

	p, err := scanPayment(tx.QueryRowContext(ctx,
		`SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPaymentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lock payment: %w", err)
	}

	if err = fn(p); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE payments SET
			status = $2, checkout_session_id = $3, checkout_url = $4, checkout_url_expiry = $5,
			external_charge_id = $6, receipt_key = $7, receipt_file_name = $8,
			verification_notes = $9, cancellation_reason = $10,
			updated_at = $11, paid_at = $12, cancelled_at = $13
		WHERE id = $1`,
		p.ID, string(p.Status), nullString(p.CheckoutSessionID), nullString(p.CheckoutURL),
		nullTime(p.CheckoutURLExpiry), nullString(p.ExternalChargeID),
		nullString(p.ReceiptKey), nullString(p.ReceiptFileName),
		nullString(p.VerificationNotes), nullString(p.CancellationReason),
		p.UpdatedAt, nullTime(p.PaidAt), nullTime(p.CancelledAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to update payment: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit payment update: %w", err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPayment(row rowScanner) (*Payment, error) {
	var (
		p                                                  Payment
		typ, status, paidBy                                string
		reference, sessionID, url, chargeID                sql.NullString
		receiptKey, receiptName, notes, cancellationReason sql.NullString
		urlExpiry, paidAt, cancelledAt                     sql.NullTime
	)
	err := row.Scan(
		&p.ID, &p.PolicyID, &typ, &status, &p.Amount, &p.Subtotal, &p.IVA, &p.Currency, &paidBy, &p.IsManual,
		&reference, &sessionID, &url, &urlExpiry, &chargeID,
		&receiptKey, &receiptName, &notes, &cancellationReason,
		&p.CreatedAt, &p.UpdatedAt, &paidAt, &cancelledAt,
	)
	if err != nil {
		return nil, err
	}

	p.Type = Type(typ)
	p.Status = Status(status)
	p.PaidBy = PayerType(paidBy)
	p.Reference = fromNullString(reference)
	p.CheckoutSessionID = fromNullString(sessionID)
	p.CheckoutURL = fromNullString(url)
	p.CheckoutURLExpiry = fromNullTime(urlExpiry)
	p.ExternalChargeID = fromNullString(chargeID)
	p.ReceiptKey = fromNullString(receiptKey)
	p.ReceiptFileName = fromNullString(receiptName)
	p.VerificationNotes = fromNullString(notes)
	p.CancellationReason = fromNullString(cancellationReason)
	p.PaidAt = fromNullTime(paidAt)
	p.CancelledAt = fromNullTime(cancelledAt)
	return &p, nil
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	return &s.String
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func fromNullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func statusStrings(statuses []Status) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}
