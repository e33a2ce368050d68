/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository`
 * interface. It contains all the SQL needed for the ledger journal, the
 * payment/mandate/refund state machines, webhook audit records, and the
 * settlement/reconciliation tables.
 *
 * State transitions are written as single UPDATE statements guarded by the
 * expected current status, so concurrent writers race safely: whoever loses
 * the race sees zero rows affected and reports the transition as not applied.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/superplatform/payments-service/internal/domain"
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// FindProviderByCode retrieves an active provider configuration by its code.
func (r *PostgresRepository) FindProviderByCode(ctx context.Context, code string) (*domain.ProviderConfig, error) {
	var p domain.ProviderConfig
	query := `
		SELECT id, name, code, base_url, api_key, secret_key, webhook_secret,
		       supports_intent, supports_collect, supports_qr, supports_mandates,
		       is_active, is_production, created_at, updated_at
		FROM upi_providers
		WHERE code = $1 AND is_active = TRUE
	`
	err := r.db.QueryRow(ctx, query, code).Scan(
		&p.ID, &p.Name, &p.Code, &p.BaseURL, &p.APIKey, &p.SecretKey, &p.WebhookSecret,
		&p.SupportsIntent, &p.SupportsCollect, &p.SupportsQR, &p.SupportsMandates,
		&p.Active, &p.Production, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreateAccount inserts a new ledger account.
func (r *PostgresRepository) CreateAccount(ctx context.Context, account *domain.Account) error {
	query := `
		INSERT INTO ledger_accounts (id, account_number, name, type, org_id, user_id,
		                             current_balance, minimum_balance, maximum_balance,
		                             is_active, is_blocked, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW(), NOW())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		account.ID, account.AccountNumber, account.Name, account.Kind,
		account.OrganizationID, account.UserID, account.CachedBalance,
		account.MinBalance, account.MaxBalance, account.Active, account.Blocked,
	).Scan(&account.CreatedAt, &account.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateRef
	}
	return err
}

const accountColumns = `id, account_number, name, type, org_id, user_id, current_balance,
       minimum_balance, maximum_balance, is_active, is_blocked, created_at, updated_at`

func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	err := row.Scan(
		&a.ID, &a.AccountNumber, &a.Name, &a.Kind, &a.OrganizationID, &a.UserID,
		&a.CachedBalance, &a.MinBalance, &a.MaxBalance, &a.Active, &a.Blocked,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	return &a, nil
}

// FindAccountByID retrieves a ledger account by its ID.
func (r *PostgresRepository) FindAccountByID(ctx context.Context, accountID uuid.UUID) (*domain.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM ledger_accounts WHERE id = $1`
	return scanAccount(r.db.QueryRow(ctx, query, accountID))
}

// FindAccountByOwner retrieves an account of the given kind belonging to an
// organization or a user. Exactly one of orgID/userID is expected to be set.
func (r *PostgresRepository) FindAccountByOwner(ctx context.Context, kind string, orgID, userID *uuid.UUID) (*domain.Account, error) {
	query := `
		SELECT ` + accountColumns + `
		FROM ledger_accounts
		WHERE type = $1
		  AND ($2::uuid IS NULL OR org_id = $2)
		  AND ($3::uuid IS NULL OR user_id = $3)
		ORDER BY created_at
		LIMIT 1
	`
	return scanAccount(r.db.QueryRow(ctx, query, kind, orgID, userID))
}

// UpdateCachedBalance refreshes the derived-balance read hint for an account.
func (r *PostgresRepository) UpdateCachedBalance(ctx context.Context, accountID uuid.UUID, balance int64) error {
	result, err := r.db.Exec(ctx,
		`UPDATE ledger_accounts SET current_balance = $1, updated_at = NOW() WHERE id = $2`,
		balance, accountID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// InsertPosting appends one balanced double-entry record to the journal.
func (r *PostgresRepository) InsertPosting(ctx context.Context, posting *domain.Posting) error {
	query := `
		INSERT INTO ledger_entries (id, debit_account, credit_account, amount, entry_type,
		                            description, reference_type, reference_id, is_settled, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, NOW())
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		posting.ID, posting.DebitAccountID, posting.CreditAccountID, posting.Amount,
		posting.EntryKind, posting.Description, posting.ReferenceKind, posting.ReferenceID,
	).Scan(&posting.CreatedAt)
}

const postingColumns = `id, debit_account, credit_account, amount, entry_type, description,
       reference_type, reference_id, is_settled, settled_at, created_at`

func scanPosting(row pgx.Row) (*domain.Posting, error) {
	var p domain.Posting
	err := row.Scan(
		&p.ID, &p.DebitAccountID, &p.CreditAccountID, &p.Amount, &p.EntryKind,
		&p.Description, &p.ReferenceKind, &p.ReferenceID, &p.Settled, &p.SettledAt,
		&p.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrPostingNotFound
		}
		return nil, err
	}
	return &p, nil
}

// FindPostingByID retrieves a single posting.
func (r *PostgresRepository) FindPostingByID(ctx context.Context, postingID uuid.UUID) (*domain.Posting, error) {
	query := `SELECT ` + postingColumns + ` FROM ledger_entries WHERE id = $1`
	return scanPosting(r.db.QueryRow(ctx, query, postingID))
}

// FindPostingByReference retrieves the posting created for a financial event.
func (r *PostgresRepository) FindPostingByReference(ctx context.Context, referenceKind string, referenceID uuid.UUID) (*domain.Posting, error) {
	query := `
		SELECT ` + postingColumns + `
		FROM ledger_entries
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY created_at
		LIMIT 1
	`
	return scanPosting(r.db.QueryRow(ctx, query, referenceKind, referenceID))
}

// SumPostingLegs aggregates the debit-leg and credit-leg totals for an account.
func (r *PostgresRepository) SumPostingLegs(ctx context.Context, accountID uuid.UUID) (int64, int64, error) {
	var debits, credits int64
	query := `
		SELECT COALESCE(SUM(amount) FILTER (WHERE debit_account = $1), 0),
		       COALESCE(SUM(amount) FILTER (WHERE credit_account = $1), 0)
		FROM ledger_entries
		WHERE debit_account = $1 OR credit_account = $1
	`
	err := r.db.QueryRow(ctx, query, accountID).Scan(&debits, &credits)
	return debits, credits, err
}

// MarkAccountPostingsSettled flags all of an account's unsettled postings as
// settled and returns their IDs so a settlement can link to them.
func (r *PostgresRepository) MarkAccountPostingsSettled(ctx context.Context, accountID uuid.UUID, settledAt time.Time) ([]uuid.UUID, error) {
	query := `
		UPDATE ledger_entries
		SET is_settled = TRUE, settled_at = $2
		WHERE (debit_account = $1 OR credit_account = $1) AND is_settled = FALSE
		RETURNING id
	`
	rows, err := r.db.Query(ctx, query, accountID, settledAt)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ReopenSettlementPostings detaches a failed settlement's swept postings and
// puts them back into the settleable pool.
func (r *PostgresRepository) ReopenSettlementPostings(ctx context.Context, settlementID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		WITH links AS (
			DELETE FROM settlement_ledger_entries
			WHERE settlement_id = $1
			RETURNING ledger_entry_id
		)
		UPDATE ledger_entries
		SET is_settled = FALSE, settled_at = NULL
		WHERE id IN (SELECT ledger_entry_id FROM links)
	`, settlementID)
	return err
}

// CreateTransaction inserts a new transaction record in its initial status.
func (r *PostgresRepository) CreateTransaction(ctx context.Context, txn *domain.Transaction) error {
	query := `
		INSERT INTO upi_transactions (id, txn_ref, provider_txn_id, upi_txn_id, amount, currency,
		                              payer_vpa, payee_vpa, user_id, org_id, transaction_type,
		                              payment_method, description, provider_code, status,
		                              failure_reason, webhook_received, reconciled,
		                              initiated_at, expires_at, completed_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        FALSE, FALSE, NOW(), $17, NULL, NOW())
		RETURNING initiated_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		txn.ID, txn.Ref, txn.ProviderRef, txn.NetworkRef, txn.Amount, txn.Currency,
		txn.PayerVPA, txn.PayeeVPA, txn.UserID, txn.OrganizationID, txn.Kind,
		txn.Method, txn.Description, txn.ProviderCode, txn.Status, txn.FailureReason,
		txn.ExpiresAt,
	).Scan(&txn.InitiatedAt, &txn.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateRef
	}
	return err
}

const txnColumns = `id, txn_ref, provider_txn_id, upi_txn_id, amount, currency, payer_vpa, payee_vpa,
       user_id, org_id, transaction_type, payment_method, COALESCE(description, ''), provider_code,
       status, failure_reason, webhook_received, reconciled, initiated_at, expires_at, completed_at, updated_at`

func scanTransaction(row pgx.Row) (*domain.Transaction, error) {
	var t domain.Transaction
	err := row.Scan(
		&t.ID, &t.Ref, &t.ProviderRef, &t.NetworkRef, &t.Amount, &t.Currency,
		&t.PayerVPA, &t.PayeeVPA, &t.UserID, &t.OrganizationID, &t.Kind, &t.Method,
		&t.Description, &t.ProviderCode, &t.Status, &t.FailureReason,
		&t.WebhookReceived, &t.Reconciled, &t.InitiatedAt, &t.ExpiresAt,
		&t.CompletedAt, &t.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrTransactionNotFound
		}
		return nil, err
	}
	return &t, nil
}

// FindTransactionByID retrieves a transaction by its internal ID.
func (r *PostgresRepository) FindTransactionByID(ctx context.Context, txnID uuid.UUID) (*domain.Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM upi_transactions WHERE id = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, txnID))
}

// FindTransactionByRef retrieves a transaction by its client-visible reference.
func (r *PostgresRepository) FindTransactionByRef(ctx context.Context, ref string) (*domain.Transaction, error) {
	query := `SELECT ` + txnColumns + ` FROM upi_transactions WHERE txn_ref = $1`
	return scanTransaction(r.db.QueryRow(ctx, query, ref))
}

// MarkTransactionPending moves an initiated transaction to pending after the
// provider accepts it. Returns false when the transaction was not in initiated.
func (r *PostgresRepository) MarkTransactionPending(ctx context.Context, txnID uuid.UUID, providerRef *string) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE upi_transactions
		SET status = 'pending', provider_txn_id = COALESCE($2, provider_txn_id), updated_at = NOW()
		WHERE id = $1 AND status = 'initiated'
	`, txnID, providerRef)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkTransactionProcessing moves a pending transaction to processing.
func (r *PostgresRepository) MarkTransactionProcessing(ctx context.Context, txnID uuid.UUID) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE upi_transactions
		SET status = 'processing', updated_at = NOW()
		WHERE id = $1 AND status IN ('initiated', 'pending')
	`, txnID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkTransactionSuccess finalizes a transaction. Only pending/processing
// transactions transition; replays against a terminal status return false.
func (r *PostgresRepository) MarkTransactionSuccess(ctx context.Context, txnID uuid.UUID, networkRef *string, completedAt time.Time) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE upi_transactions
		SET status = 'success', upi_txn_id = COALESCE($2, upi_txn_id), completed_at = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'processing')
	`, txnID, networkRef, completedAt)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkTransactionFailed records a terminal failure with its reason.
func (r *PostgresRepository) MarkTransactionFailed(ctx context.Context, txnID uuid.UUID, failureReason string) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE upi_transactions
		SET status = 'failed', failure_reason = $2, updated_at = NOW()
		WHERE id = $1 AND status IN ('initiated', 'pending', 'processing')
	`, txnID, failureReason)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkTransactionCancelled cancels a transaction the payer abandoned. Only
// initiated and pending transactions can be cancelled.
func (r *PostgresRepository) MarkTransactionCancelled(ctx context.Context, txnID uuid.UUID) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE upi_transactions
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1 AND status IN ('initiated', 'pending')
	`, txnID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// SetTransactionWebhookReceived flags that at least one webhook arrived for
// the transaction.
func (r *PostgresRepository) SetTransactionWebhookReceived(ctx context.Context, txnID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE upi_transactions SET webhook_received = TRUE, updated_at = NOW() WHERE id = $1`,
		txnID,
	)
	return err
}

// MarkTransactionReconciled flags a transaction as matched by reconciliation.
func (r *PostgresRepository) MarkTransactionReconciled(ctx context.Context, txnID uuid.UUID) error {
	result, err := r.db.Exec(ctx,
		`UPDATE upi_transactions SET reconciled = TRUE, updated_at = NOW() WHERE id = $1`,
		txnID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrTransactionNotFound
	}
	return nil
}

// FindStalePendingTransactions returns non-terminal transactions whose webhook
// is overdue, so the poll sweep can re-query the provider.
func (r *PostgresRepository) FindStalePendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + txnColumns + `
		FROM upi_transactions
		WHERE status IN ('pending', 'processing') AND initiated_at < $1
		ORDER BY initiated_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []domain.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, *t)
	}
	return txns, rows.Err()
}

// ExpireOverdueTransactions bulk-expires non-terminal transactions past their
// deadline. Expiry is fatal for the transaction; no posting is ever made.
func (r *PostgresRepository) ExpireOverdueTransactions(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE upi_transactions
		SET status = 'expired', failure_reason = 'transaction expired', updated_at = NOW()
		WHERE status IN ('pending', 'processing') AND expires_at < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// CreateRefund inserts a new refund record in its initial status.
func (r *PostgresRepository) CreateRefund(ctx context.Context, refund *domain.Refund) error {
	query := `
		INSERT INTO upi_refunds (id, refund_ref, provider_refund_id, original_transaction_id,
		                         refund_amount, reason, status, failure_reason, initiated_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NULL)
		RETURNING initiated_at
	`
	err := r.db.QueryRow(ctx, query,
		refund.ID, refund.Ref, refund.ProviderRefundID, refund.OriginalTransactionID,
		refund.Amount, refund.Reason, refund.Status, refund.FailureReason,
	).Scan(&refund.InitiatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateRef
	}
	return err
}

// FindRefundByRef retrieves a refund by its reference.
func (r *PostgresRepository) FindRefundByRef(ctx context.Context, ref string) (*domain.Refund, error) {
	var rf domain.Refund
	query := `
		SELECT id, refund_ref, provider_refund_id, original_transaction_id, refund_amount,
		       reason, status, failure_reason, initiated_at, processed_at
		FROM upi_refunds
		WHERE refund_ref = $1
	`
	err := r.db.QueryRow(ctx, query, ref).Scan(
		&rf.ID, &rf.Ref, &rf.ProviderRefundID, &rf.OriginalTransactionID, &rf.Amount,
		&rf.Reason, &rf.Status, &rf.FailureReason, &rf.InitiatedAt, &rf.ProcessedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrRefundNotFound
		}
		return nil, err
	}
	return &rf, nil
}

// SumSuccessfulRefunds totals the success-status refund amounts against a
// transaction. The refund bound check runs on this sum.
func (r *PostgresRepository) SumSuccessfulRefunds(ctx context.Context, txnID uuid.UUID) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(refund_amount), 0)
		FROM upi_refunds
		WHERE original_transaction_id = $1 AND status = 'success'
	`, txnID).Scan(&total)
	return total, err
}

// MarkRefundProcessing moves an initiated refund to processing once the
// provider accepts it.
func (r *PostgresRepository) MarkRefundProcessing(ctx context.Context, refundID uuid.UUID, providerRefundID *string) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE upi_refunds
		SET status = 'processing', provider_refund_id = COALESCE($2, provider_refund_id)
		WHERE id = $1 AND status = 'initiated'
	`, refundID, providerRefundID)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkRefundSuccess finalizes a refund. Replays against a terminal refund
// return false.
func (r *PostgresRepository) MarkRefundSuccess(ctx context.Context, refundID uuid.UUID, processedAt time.Time) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE upi_refunds
		SET status = 'success', processed_at = $2
		WHERE id = $1 AND status IN ('initiated', 'processing')
	`, refundID, processedAt)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// MarkRefundFailed records a terminal refund failure.
func (r *PostgresRepository) MarkRefundFailed(ctx context.Context, refundID uuid.UUID, failureReason string) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE upi_refunds
		SET status = 'failed', failure_reason = $2
		WHERE id = $1 AND status IN ('initiated', 'processing')
	`, refundID, failureReason)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// CreateMandate inserts a new mandate.
func (r *PostgresRepository) CreateMandate(ctx context.Context, mandate *domain.Mandate) error {
	query := `
		INSERT INTO upi_mandates (id, mandate_ref, provider_mandate_id, payer_vpa, payee_vpa,
		                          user_id, org_id, purpose, description, max_amount, frequency,
		                          start_date, end_date, auto_charge_threshold, auto_charge_amount,
		                          linked_account_id, status, provider_code, created_at,
		                          last_charged_at, next_charge_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18,
		        NOW(), NULL, $19, NOW())
		RETURNING created_at, updated_at
	`
	err := r.db.QueryRow(ctx, query,
		mandate.ID, mandate.Ref, mandate.ProviderMandateID, mandate.PayerVPA, mandate.PayeeVPA,
		mandate.UserID, mandate.OrganizationID, mandate.Purpose, mandate.Description,
		mandate.MaxAmount, mandate.Frequency, mandate.StartDate, mandate.EndDate,
		mandate.AutoChargeThreshold, mandate.AutoChargeAmount, mandate.LinkedAccountID,
		mandate.Status, mandate.ProviderCode, mandate.NextChargeAt,
	).Scan(&mandate.CreatedAt, &mandate.UpdatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateRef
	}
	return err
}

const mandateColumns = `id, mandate_ref, provider_mandate_id, payer_vpa, payee_vpa, user_id, org_id,
       purpose, description, max_amount, frequency, start_date, end_date, auto_charge_threshold,
       auto_charge_amount, linked_account_id, status, provider_code, created_at, last_charged_at,
       next_charge_at, updated_at`

func scanMandate(row pgx.Row) (*domain.Mandate, error) {
	var m domain.Mandate
	err := row.Scan(
		&m.ID, &m.Ref, &m.ProviderMandateID, &m.PayerVPA, &m.PayeeVPA, &m.UserID,
		&m.OrganizationID, &m.Purpose, &m.Description, &m.MaxAmount, &m.Frequency,
		&m.StartDate, &m.EndDate, &m.AutoChargeThreshold, &m.AutoChargeAmount,
		&m.LinkedAccountID, &m.Status, &m.ProviderCode, &m.CreatedAt,
		&m.LastChargedAt, &m.NextChargeAt, &m.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrMandateNotFound
		}
		return nil, err
	}
	return &m, nil
}

// FindMandateByRef retrieves a mandate by its reference.
func (r *PostgresRepository) FindMandateByRef(ctx context.Context, ref string) (*domain.Mandate, error) {
	query := `SELECT ` + mandateColumns + ` FROM upi_mandates WHERE mandate_ref = $1`
	return scanMandate(r.db.QueryRow(ctx, query, ref))
}

// FindMandateByID retrieves a mandate by its internal ID.
func (r *PostgresRepository) FindMandateByID(ctx context.Context, mandateID uuid.UUID) (*domain.Mandate, error) {
	query := `SELECT ` + mandateColumns + ` FROM upi_mandates WHERE id = $1`
	return scanMandate(r.db.QueryRow(ctx, query, mandateID))
}

// SetMandateProviderID stores the provider's mandate identifier.
func (r *PostgresRepository) SetMandateProviderID(ctx context.Context, mandateID uuid.UUID, providerMandateID string) error {
	result, err := r.db.Exec(ctx,
		`UPDATE upi_mandates SET provider_mandate_id = $2, updated_at = NOW() WHERE id = $1`,
		mandateID, providerMandateID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrMandateNotFound
	}
	return nil
}

// TransitionMandateStatus applies a compare-and-set status transition. It
// returns false when the mandate was in none of the expected source states.
func (r *PostgresRepository) TransitionMandateStatus(ctx context.Context, mandateID uuid.UUID, to string, from ...string) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE upi_mandates
		SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = ANY($3)
	`, mandateID, to, from)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// AdvanceMandateSchedule moves the mandate to its next scheduled charge time
// (nil for as_required mandates). A nil lastChargedAt leaves the previous
// charge timestamp in place, for cycles whose dispatch failed.
func (r *PostgresRepository) AdvanceMandateSchedule(ctx context.Context, mandateID uuid.UUID, lastChargedAt *time.Time, nextChargeAt *time.Time) error {
	result, err := r.db.Exec(ctx, `
		UPDATE upi_mandates
		SET last_charged_at = COALESCE($2, last_charged_at), next_charge_at = $3, updated_at = NOW()
		WHERE id = $1
	`, mandateID, lastChargedAt, nextChargeAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrMandateNotFound
	}
	return nil
}

// FindMandatesDueForCharge returns active mandates whose scheduled charge time
// has arrived.
func (r *PostgresRepository) FindMandatesDueForCharge(ctx context.Context, now time.Time, limit int) ([]domain.Mandate, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + mandateColumns + `
		FROM upi_mandates
		WHERE status = 'active' AND next_charge_at IS NOT NULL AND next_charge_at <= $1
		ORDER BY next_charge_at
		LIMIT $2
	`
	return r.queryMandates(ctx, query, now, limit)
}

// FindThresholdMandates returns active mandates configured for balance-driven
// auto top-up.
func (r *PostgresRepository) FindThresholdMandates(ctx context.Context, limit int) ([]domain.Mandate, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + mandateColumns + `
		FROM upi_mandates
		WHERE status = 'active'
		  AND auto_charge_threshold IS NOT NULL
		  AND auto_charge_amount IS NOT NULL
		  AND linked_account_id IS NOT NULL
		ORDER BY created_at
		LIMIT $1
	`
	return r.queryMandates(ctx, query, limit)
}

func (r *PostgresRepository) queryMandates(ctx context.Context, query string, args ...any) ([]domain.Mandate, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mandates []domain.Mandate
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, err
		}
		mandates = append(mandates, *m)
	}
	return mandates, rows.Err()
}

// ExpireOverdueMandates marks active mandates past their end date as expired.
func (r *PostgresRepository) ExpireOverdueMandates(ctx context.Context, now time.Time) (int64, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE upi_mandates
		SET status = 'expired', updated_at = NOW()
		WHERE status IN ('active', 'paused') AND end_date IS NOT NULL AND end_date < $1
	`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

// CreateMandateExecution inserts one charge attempt record.
func (r *PostgresRepository) CreateMandateExecution(ctx context.Context, execution *domain.MandateExecution) error {
	query := `
		INSERT INTO upi_mandate_executions (id, mandate_id, transaction_id, execution_date,
		                                    amount, trigger_type, retry_count, next_retry_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query,
		execution.ID, execution.MandateID, execution.TransactionID, execution.ExecutionDate,
		execution.Amount, execution.Trigger, execution.RetryCount, execution.NextRetryAt,
	).Scan(&execution.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateRef
	}
	return err
}

// UpdateExecutionRetry records a failed attempt's retry bookkeeping.
func (r *PostgresRepository) UpdateExecutionRetry(ctx context.Context, executionID uuid.UUID, retryCount int, nextRetryAt *time.Time) error {
	result, err := r.db.Exec(ctx, `
		UPDATE upi_mandate_executions
		SET retry_count = $2, next_retry_at = $3
		WHERE id = $1
	`, executionID, retryCount, nextRetryAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrExecutionNotFound
	}
	return nil
}

// RecordExecutionFailure bumps the retry count of the execution behind a
// failed charge transaction. Executions whose retry slot was never armed have
// exhausted the retry chain and stay untouched.
func (r *PostgresRepository) RecordExecutionFailure(ctx context.Context, txnID uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE upi_mandate_executions
		SET retry_count = retry_count + 1
		WHERE transaction_id = $1 AND next_retry_at IS NOT NULL
	`, txnID)
	return err
}

// FindExecutionsDueForRetry returns failed executions whose backoff delay has
// elapsed and whose retry budget is not exhausted. retry_count counts the
// failures recorded so far, so the last permitted retry carries the cap value.
func (r *PostgresRepository) FindExecutionsDueForRetry(ctx context.Context, now time.Time, maxRetries int, limit int) ([]domain.MandateExecution, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT e.id, e.mandate_id, e.transaction_id, e.execution_date, e.amount,
		       e.trigger_type, e.retry_count, e.next_retry_at, e.created_at
		FROM upi_mandate_executions e
		JOIN upi_transactions t ON t.id = e.transaction_id
		WHERE t.status = 'failed'
		  AND e.retry_count <= $2
		  AND e.next_retry_at IS NOT NULL
		  AND e.next_retry_at <= $1
		ORDER BY e.next_retry_at
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, now, maxRetries, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var executions []domain.MandateExecution
	for rows.Next() {
		var e domain.MandateExecution
		err := rows.Scan(
			&e.ID, &e.MandateID, &e.TransactionID, &e.ExecutionDate, &e.Amount,
			&e.Trigger, &e.RetryCount, &e.NextRetryAt, &e.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		executions = append(executions, e)
	}
	return executions, rows.Err()
}

// CreateWebhookEvent persists the audit record for an authenticated delivery.
func (r *PostgresRepository) CreateWebhookEvent(ctx context.Context, event *domain.WebhookEvent) error {
	query := `
		INSERT INTO upi_webhook_events (id, provider_code, event_type, payload, payload_hash,
		                                signature, transaction_id, is_processed, processing_error,
		                                received_at, processed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, NULL, NOW(), NULL)
		RETURNING received_at
	`
	err := r.db.QueryRow(ctx, query,
		event.ID, event.ProviderCode, event.EventType, event.Payload, event.PayloadHash,
		event.Signature, event.TransactionID,
	).Scan(&event.ReceivedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateRef
	}
	return err
}

const webhookColumns = `id, provider_code, event_type, payload, payload_hash, signature,
       transaction_id, is_processed, processing_error, received_at, processed_at`

func scanWebhookEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var e domain.WebhookEvent
	err := row.Scan(
		&e.ID, &e.ProviderCode, &e.EventType, &e.Payload, &e.PayloadHash, &e.Signature,
		&e.TransactionID, &e.Processed, &e.ProcessingError, &e.ReceivedAt, &e.ProcessedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrWebhookEventNotFound
		}
		return nil, err
	}
	return &e, nil
}

// FindWebhookEventByHash looks up a prior delivery of the same payload so
// retried deliveries can be detected before dispatch.
func (r *PostgresRepository) FindWebhookEventByHash(ctx context.Context, providerCode, payloadHash string) (*domain.WebhookEvent, error) {
	query := `
		SELECT ` + webhookColumns + `
		FROM upi_webhook_events
		WHERE provider_code = $1 AND payload_hash = $2
		ORDER BY received_at
		LIMIT 1
	`
	return scanWebhookEvent(r.db.QueryRow(ctx, query, providerCode, payloadHash))
}

// LinkWebhookEventTransaction associates an event with the transaction it
// resolved to.
func (r *PostgresRepository) LinkWebhookEventTransaction(ctx context.Context, eventID, txnID uuid.UUID) error {
	_, err := r.db.Exec(ctx,
		`UPDATE upi_webhook_events SET transaction_id = $2 WHERE id = $1`,
		eventID, txnID,
	)
	return err
}

// MarkWebhookEventProcessed finalizes a successfully dispatched event.
func (r *PostgresRepository) MarkWebhookEventProcessed(ctx context.Context, eventID uuid.UUID, processedAt time.Time) error {
	result, err := r.db.Exec(ctx, `
		UPDATE upi_webhook_events
		SET is_processed = TRUE, processing_error = NULL, processed_at = $2
		WHERE id = $1
	`, eventID, processedAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrWebhookEventNotFound
	}
	return nil
}

// MarkWebhookEventFailed records a dispatch error and leaves the event
// unprocessed for redrive.
func (r *PostgresRepository) MarkWebhookEventFailed(ctx context.Context, eventID uuid.UUID, processingError string) error {
	result, err := r.db.Exec(ctx, `
		UPDATE upi_webhook_events
		SET processing_error = $2
		WHERE id = $1
	`, eventID, processingError)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrWebhookEventNotFound
	}
	return nil
}

// FindUnprocessedWebhookEvents returns events that failed dispatch and are old
// enough to redrive.
func (r *PostgresRepository) FindUnprocessedWebhookEvents(ctx context.Context, olderThan time.Time, limit int) ([]domain.WebhookEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + webhookColumns + `
		FROM upi_webhook_events
		WHERE is_processed = FALSE AND received_at < $1
		ORDER BY received_at
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []domain.WebhookEvent
	for rows.Next() {
		e, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// CreateSettlement inserts a new settlement record.
func (r *PostgresRepository) CreateSettlement(ctx context.Context, settlement *domain.Settlement) error {
	query := `
		INSERT INTO settlements (id, settlement_ref, settlement_type, org_id, from_account,
		                         to_account, gross_amount, commission_amount, platform_fee,
		                         tax_amount, net_amount, payout_method, payout_vpa,
		                         provider_payout_id, status, failure_reason, created_at,
		                         scheduled_at, processed_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16,
		        NOW(), $17, NULL, NULL)
		RETURNING created_at
	`
	err := r.db.QueryRow(ctx, query,
		settlement.ID, settlement.Ref, settlement.Type, settlement.OrganizationID,
		settlement.FromAccountID, settlement.ToAccountID, settlement.GrossAmount,
		settlement.CommissionAmount, settlement.PlatformFee, settlement.TaxAmount,
		settlement.NetAmount, settlement.PayoutMethod, settlement.PayoutVPA,
		settlement.ProviderPayoutID, settlement.Status, settlement.FailureReason,
		settlement.ScheduledAt,
	).Scan(&settlement.CreatedAt)
	if isUniqueViolation(err) {
		return ErrDuplicateRef
	}
	return err
}

// FindSettlementByRef retrieves a settlement by its reference.
func (r *PostgresRepository) FindSettlementByRef(ctx context.Context, ref string) (*domain.Settlement, error) {
	var s domain.Settlement
	query := `
		SELECT id, settlement_ref, settlement_type, org_id, from_account, to_account,
		       gross_amount, commission_amount, platform_fee, tax_amount, net_amount,
		       payout_method, COALESCE(payout_vpa, ''), provider_payout_id, status,
		       failure_reason, created_at, scheduled_at, processed_at, completed_at
		FROM settlements
		WHERE settlement_ref = $1
	`
	err := r.db.QueryRow(ctx, query, ref).Scan(
		&s.ID, &s.Ref, &s.Type, &s.OrganizationID, &s.FromAccountID, &s.ToAccountID,
		&s.GrossAmount, &s.CommissionAmount, &s.PlatformFee, &s.TaxAmount, &s.NetAmount,
		&s.PayoutMethod, &s.PayoutVPA, &s.ProviderPayoutID, &s.Status, &s.FailureReason,
		&s.CreatedAt, &s.ScheduledAt, &s.ProcessedAt, &s.CompletedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrSettlementNotFound
		}
		return nil, err
	}
	return &s, nil
}

// TransitionSettlementStatus applies a compare-and-set settlement status
// transition, stamping processed/completed timestamps as appropriate.
func (r *PostgresRepository) TransitionSettlementStatus(ctx context.Context, settlementID uuid.UUID, to string, from ...string) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE settlements
		SET status = $2,
		    processed_at = CASE WHEN $2 = 'processing' THEN NOW() ELSE processed_at END,
		    completed_at = CASE WHEN $2 = 'completed' THEN NOW() ELSE completed_at END
		WHERE id = $1 AND status = ANY($3)
	`, settlementID, to, from)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// SetSettlementProviderPayoutID stores the provider's payout identifier.
func (r *PostgresRepository) SetSettlementProviderPayoutID(ctx context.Context, settlementID uuid.UUID, providerPayoutID string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE settlements SET provider_payout_id = $2 WHERE id = $1`,
		settlementID, providerPayoutID,
	)
	return err
}

// SetSettlementFailureReason records why a payout failed.
func (r *PostgresRepository) SetSettlementFailureReason(ctx context.Context, settlementID uuid.UUID, reason string) error {
	_, err := r.db.Exec(ctx,
		`UPDATE settlements SET failure_reason = $2 WHERE id = $1`,
		settlementID, reason,
	)
	return err
}

// AttachSettlementPostings links the ledger postings swept by a settlement.
func (r *PostgresRepository) AttachSettlementPostings(ctx context.Context, settlementID uuid.UUID, postingIDs []uuid.UUID) error {
	if len(postingIDs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, postingID := range postingIDs {
		batch.Queue(
			`INSERT INTO settlement_ledger_entries (settlement_id, ledger_entry_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			settlementID, postingID,
		)
	}
	return r.db.SendBatch(ctx, batch).Close()
}

// FindDueSettlementSchedules returns schedules whose sweep time has arrived
// and which are not suspended.
func (r *PostgresRepository) FindDueSettlementSchedules(ctx context.Context, now time.Time, limit int) ([]domain.SettlementSchedule, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, org_id, account_id, frequency, minimum_amount, commission_percent,
		       platform_fee_percent, tax_percent, payout_method, COALESCE(payout_vpa, ''),
		       auto_settlement, hold_settlements, last_settlement_at, next_settlement_at,
		       created_at, updated_at
		FROM settlement_schedules
		WHERE auto_settlement = TRUE
		  AND hold_settlements = FALSE
		  AND (next_settlement_at IS NULL OR next_settlement_at <= $1)
		ORDER BY next_settlement_at NULLS FIRST
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.SettlementSchedule
	for rows.Next() {
		var s domain.SettlementSchedule
		err := rows.Scan(
			&s.ID, &s.OrganizationID, &s.AccountID, &s.Frequency, &s.MinimumAmount,
			&s.CommissionPercent, &s.PlatformFeePercent, &s.TaxPercent, &s.PayoutMethod,
			&s.PayoutVPA, &s.AutoSettlement, &s.HoldSettlements, &s.LastSettlementAt,
			&s.NextSettlementAt, &s.CreatedAt, &s.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

// ClaimSettlementSchedule advances a due schedule to its next cycle as a
// compare-and-set. Concurrent sweeps race on the due check; the loser observes
// false and skips the cycle.
func (r *PostgresRepository) ClaimSettlementSchedule(ctx context.Context, scheduleID uuid.UUID, due, next time.Time) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE settlement_schedules
		SET next_settlement_at = $3, updated_at = NOW()
		WHERE id = $1 AND (next_settlement_at IS NULL OR next_settlement_at <= $2)
	`, scheduleID, due, next)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// UpdateScheduleAfterSettlement advances a schedule past a completed sweep.
func (r *PostgresRepository) UpdateScheduleAfterSettlement(ctx context.Context, scheduleID uuid.UUID, lastAt time.Time, nextAt *time.Time) error {
	result, err := r.db.Exec(ctx, `
		UPDATE settlement_schedules
		SET last_settlement_at = $2, next_settlement_at = $3, updated_at = NOW()
		WHERE id = $1
	`, scheduleID, lastAt, nextAt)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrScheduleNotFound
	}
	return nil
}

// CreateSettlementHold inserts an active hold.
func (r *PostgresRepository) CreateSettlementHold(ctx context.Context, hold *domain.SettlementHold) error {
	query := `
		INSERT INTO settlement_holds (id, account_id, hold_type, hold_amount, reason,
		                              is_active, created_at, released_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW(), NULL)
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		hold.ID, hold.AccountID, hold.HoldType, hold.Amount, hold.Reason,
	).Scan(&hold.CreatedAt)
}

// ReleaseSettlementHold deactivates a hold. Returns false when the hold was
// already released.
func (r *PostgresRepository) ReleaseSettlementHold(ctx context.Context, holdID uuid.UUID, releasedAt time.Time) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE settlement_holds
		SET is_active = FALSE, released_at = $2
		WHERE id = $1 AND is_active = TRUE
	`, holdID, releasedAt)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// SumActiveHolds totals the active hold amounts suspending an account's
// settleable balance.
func (r *PostgresRepository) SumActiveHolds(ctx context.Context, accountID uuid.UUID) (int64, error) {
	var total int64
	err := r.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(hold_amount), 0)
		FROM settlement_holds
		WHERE account_id = $1 AND is_active = TRUE
	`, accountID).Scan(&total)
	return total, err
}

// CreateReconciliationRecord inserts one statement-matching record.
func (r *PostgresRepository) CreateReconciliationRecord(ctx context.Context, record *domain.ReconciliationRecord) error {
	query := `
		INSERT INTO reconciliation_records (id, internal_ref, external_ref, internal_amount,
		                                    external_amount, variance_amount, status,
		                                    transaction_id, transaction_date, created_at, reconciled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), $10)
		RETURNING created_at
	`
	return r.db.QueryRow(ctx, query,
		record.ID, record.InternalRef, record.ExternalRef, record.InternalAmount,
		record.ExternalAmount, record.VarianceAmount, record.Status, record.TransactionID,
		record.TransactionDate, record.ReconciledAt,
	).Scan(&record.CreatedAt)
}

// ResolveReconciliationRecord moves an unmatched/dispute record to resolved.
func (r *PostgresRepository) ResolveReconciliationRecord(ctx context.Context, recordID uuid.UUID, reconciledAt time.Time) (bool, error) {
	result, err := r.db.Exec(ctx, `
		UPDATE reconciliation_records
		SET status = 'resolved', reconciled_at = $2
		WHERE id = $1 AND status IN ('unmatched', 'dispute')
	`, recordID, reconciledAt)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

// FindReconciliationByInternalRef retrieves the latest record for an internal
// reference.
func (r *PostgresRepository) FindReconciliationByInternalRef(ctx context.Context, internalRef string) (*domain.ReconciliationRecord, error) {
	var rec domain.ReconciliationRecord
	query := `
		SELECT id, internal_ref, external_ref, internal_amount, external_amount,
		       variance_amount, status, transaction_id, transaction_date, created_at, reconciled_at
		FROM reconciliation_records
		WHERE internal_ref = $1
		ORDER BY created_at DESC
		LIMIT 1
	`
	err := r.db.QueryRow(ctx, query, internalRef).Scan(
		&rec.ID, &rec.InternalRef, &rec.ExternalRef, &rec.InternalAmount,
		&rec.ExternalAmount, &rec.VarianceAmount, &rec.Status, &rec.TransactionID,
		&rec.TransactionDate, &rec.CreatedAt, &rec.ReconciledAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, ErrReconciliationNotFound
		}
		return nil, err
	}
	return &rec, nil
}
