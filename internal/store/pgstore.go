package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iurnickita/voucherd/internal/model"
	"github.com/iurnickita/voucherd/internal/store/config"
)

// Журнал баланса. Каждая операция - новая строка, баланс считается суммой
// проведенных (committed) записей. Проведенные записи не редактируются.
// Ваучеры: одна строка на код, меняется только статус и связанные с ним поля.
var schema = []string{
	"CREATE TABLE IF NOT EXISTS ledger_entry (" +
		" id BIGINT PRIMARY KEY," +
		" account VARCHAR (64) NOT NULL," +
		" kind VARCHAR (16) NOT NULL," +
		" amount BIGINT NOT NULL," +
		" status VARCHAR (16) NOT NULL," +
		" reference VARCHAR (64) NOT NULL," +
		" created_at TIMESTAMPTZ NOT NULL," +
		" finalized_at TIMESTAMPTZ" +
		" )",
	"CREATE INDEX IF NOT EXISTS ledger_entry_account_status ON ledger_entry (account, status)",
	"CREATE INDEX IF NOT EXISTS ledger_entry_reference ON ledger_entry (reference)",
	"CREATE TABLE IF NOT EXISTS voucher (" +
		" code VARCHAR (32) PRIMARY KEY," +
		" profile VARCHAR (64) NOT NULL," +
		" price_customer BIGINT NOT NULL," +
		" price_reseller BIGINT NOT NULL," +
		" duration_seconds BIGINT NOT NULL," +
		" status VARCHAR (16) NOT NULL," +
		" origin VARCHAR (16) NOT NULL," +
		" generated_by VARCHAR (64) NOT NULL," +
		" reference VARCHAR (64) NOT NULL," +
		" credential_ref VARCHAR (64) NOT NULL DEFAULT ''," +
		" created_at TIMESTAMPTZ NOT NULL," +
		" activated_at TIMESTAMPTZ," +
		" expires_at TIMESTAMPTZ," +
		" closed_at TIMESTAMPTZ," +
		" deprovisioned_at TIMESTAMPTZ" +
		" )",
	"CREATE INDEX IF NOT EXISTS voucher_status_expires ON voucher (status, expires_at)",
	"CREATE INDEX IF NOT EXISTS voucher_reference ON voucher (reference)",
}

type pgStore struct {
	database *sql.DB
}

func NewPgStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	for _, ddl := range schema {
		if _, err = db.Exec(ddl); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &pgStore{database: db}, nil
}

const ledgerColumns = "id, account, kind, amount, status, reference, created_at, finalized_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (model.LedgerEntry, error) {
	var entry model.LedgerEntry
	var finalizedAt sql.NullTime
	err := row.Scan(&entry.ID,
		&entry.Account,
		&entry.Kind,
		&entry.Amount,
		&entry.Status,
		&entry.Reference,
		&entry.CreatedAt,
		&finalizedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.LedgerEntry{}, ErrNotFound
		}
		return model.LedgerEntry{}, err
	}
	entry.FinalizedAt = finalizedAt.Time
	return entry, nil
}

func (store *pgStore) LedgerInsert(ctx context.Context, entry model.LedgerEntry) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO ledger_entry ("+ledgerColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		entry.ID,
		entry.Account,
		entry.Kind,
		entry.Amount,
		entry.Status,
		entry.Reference,
		entry.CreatedAt,
		nullTime(entry.FinalizedAt))
	return uniqueViolation(err)
}

func (store *pgStore) LedgerGet(ctx context.Context, id int64) (model.LedgerEntry, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+ledgerColumns+" FROM ledger_entry WHERE id = $1", id)
	return scanEntry(row)
}

func (store *pgStore) LedgerCommit(ctx context.Context, id int64, at time.Time) (model.LedgerEntry, error) {
	return store.finalize(ctx, id, model.EntryStatusCommitted, at)
}

func (store *pgStore) LedgerFail(ctx context.Context, id int64, at time.Time) (model.LedgerEntry, error) {
	return store.finalize(ctx, id, model.EntryStatusFailed, at)
}

// lockAccount - блокировка журнала пользователя до конца транзакции
func lockAccount(ctx context.Context, tx *sql.Tx, account string) error {
	_, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock(hashtext($1))", account)
	return err
}

func committedSum(ctx context.Context, tx *sql.Tx, account string) (int64, error) {
	var sum int64
	err := tx.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM ledger_entry"+
			" WHERE account = $1 AND status = $2",
		account, model.EntryStatusCommitted).Scan(&sum)
	return sum, err
}

func (store *pgStore) finalize(ctx context.Context, id int64, status model.EntryStatus, at time.Time) (model.LedgerEntry, error) {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	defer tx.Rollback()

	var account string
	err = tx.QueryRowContext(ctx, "SELECT account FROM ledger_entry WHERE id = $1", id).Scan(&account)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.LedgerEntry{}, ErrNotFound
		}
		return model.LedgerEntry{}, err
	}

	//Блокировка баланса пользователя
	if err = lockAccount(ctx, tx, account); err != nil {
		return model.LedgerEntry{}, err
	}

	entry, err := scanEntry(tx.QueryRowContext(ctx,
		"SELECT "+ledgerColumns+" FROM ledger_entry WHERE id = $1 FOR UPDATE", id))
	if err != nil {
		return model.LedgerEntry{}, err
	}
	if entry.Status != model.EntryStatusPending {
		return entry, ErrAlreadyFinalized
	}

	//Проверка достаточно средств
	if status == model.EntryStatusCommitted && entry.Amount < 0 {
		sum, err := committedSum(ctx, tx, account)
		if err != nil {
			return model.LedgerEntry{}, err
		}
		if sum+entry.Amount < 0 {
			return entry, ErrInsufficientBalance
		}
	}

	_, err = tx.ExecContext(ctx,
		"UPDATE ledger_entry SET status = $1, finalized_at = $2 WHERE id = $3",
		status, at, id)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	if err = tx.Commit(); err != nil {
		return model.LedgerEntry{}, err
	}

	entry.Status = status
	entry.FinalizedAt = at
	return entry, nil
}

func (store *pgStore) LedgerBalance(ctx context.Context, account string) (int64, error) {
	var sum int64
	err := store.database.QueryRowContext(ctx,
		"SELECT COALESCE(SUM(amount), 0) FROM ledger_entry"+
			" WHERE account = $1 AND status = $2",
		account, model.EntryStatusCommitted).Scan(&sum)
	return sum, err
}

func (store *pgStore) LedgerHistory(ctx context.Context, account string, limit int) ([]model.LedgerEntry, error) {
	query := "SELECT " + ledgerColumns + " FROM ledger_entry" +
		" WHERE account = $1 ORDER BY id DESC"
	args := []any{account}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	rows, err := store.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []model.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		history = append(history, entry)
	}
	return history, rows.Err()
}

func (store *pgStore) LedgerAdjust(ctx context.Context, entry model.LedgerEntry, target int64) (model.LedgerEntry, error) {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	defer tx.Rollback()

	if err = lockAccount(ctx, tx, entry.Account); err != nil {
		return model.LedgerEntry{}, err
	}
	sum, err := committedSum(ctx, tx, entry.Account)
	if err != nil {
		return model.LedgerEntry{}, err
	}
	if sum == target {
		return model.LedgerEntry{}, ErrNoChange
	}

	entry.Amount = target - sum
	entry.Status = model.EntryStatusCommitted
	entry.FinalizedAt = entry.CreatedAt
	_, err = tx.ExecContext(ctx,
		"INSERT INTO ledger_entry ("+ledgerColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		entry.ID,
		entry.Account,
		entry.Kind,
		entry.Amount,
		entry.Status,
		entry.Reference,
		entry.CreatedAt,
		entry.FinalizedAt)
	if err = uniqueViolation(err); err != nil {
		return model.LedgerEntry{}, err
	}
	if err = tx.Commit(); err != nil {
		return model.LedgerEntry{}, err
	}
	return entry, nil
}

// LedgerUnsettled: списание не урегулировано, если по ссылке нет проведенного возврата,
// нет активированного ваучера покупки и сумма цен ваучеров партии не равна списанию.
func (store *pgStore) LedgerUnsettled(ctx context.Context, filter UnsettledFilter) ([]model.LedgerEntry, error) {
	query := "SELECT e.id, e.account, e.kind, e.amount, e.status, e.reference, e.created_at, e.finalized_at" +
		" FROM ledger_entry e" +
		" WHERE e.kind = $1 AND e.status = $2" +
		" AND NOT EXISTS (SELECT 1 FROM ledger_entry r WHERE r.reference = e.reference AND r.kind = $3 AND r.status = $2)" +
		" AND NOT EXISTS (SELECT 1 FROM voucher v WHERE v.reference = e.reference" +
		" AND v.origin = $4 AND v.activated_at IS NOT NULL)" +
		" AND (SELECT COALESCE(SUM(v.price_reseller), 0) FROM voucher v" +
		" WHERE v.reference = e.reference AND v.origin = $5) <> -e.amount"
	args := []any{
		model.EntryKindPurchase,
		model.EntryStatusCommitted,
		model.EntryKindRefund,
		model.VoucherOriginPurchase,
		model.VoucherOriginStock,
	}
	if !filter.CreatedBefore.IsZero() {
		args = append(args, filter.CreatedBefore)
		query += fmt.Sprintf(" AND e.created_at < $%d", len(args))
	}
	if filter.Reference != "" {
		args = append(args, filter.Reference)
		query += fmt.Sprintf(" AND e.reference = $%d", len(args))
	}
	query += " ORDER BY e.created_at, e.id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := store.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.LedgerEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

const voucherColumns = "code, profile, price_customer, price_reseller, duration_seconds, status, origin," +
	" generated_by, reference, credential_ref, created_at, activated_at, expires_at, closed_at, deprovisioned_at"

func scanVoucher(row rowScanner) (model.Voucher, error) {
	var v model.Voucher
	var seconds int64
	var activatedAt, expiresAt, closedAt, deprovisionedAt sql.NullTime
	err := row.Scan(&v.Code,
		&v.Profile,
		&v.PriceCustomer,
		&v.PriceReseller,
		&seconds,
		&v.Status,
		&v.Origin,
		&v.GeneratedBy,
		&v.Reference,
		&v.CredentialRef,
		&v.CreatedAt,
		&activatedAt,
		&expiresAt,
		&closedAt,
		&deprovisionedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Voucher{}, ErrNotFound
		}
		return model.Voucher{}, err
	}
	v.Duration = time.Duration(seconds) * time.Second
	v.ActivatedAt = activatedAt.Time
	v.ExpiresAt = expiresAt.Time
	v.ClosedAt = closedAt.Time
	v.DeprovisionedAt = deprovisionedAt.Time
	return v, nil
}

func (store *pgStore) VoucherInsert(ctx context.Context, v model.Voucher) error {
	_, err := store.database.ExecContext(ctx,
		"INSERT INTO voucher ("+voucherColumns+")"+
			" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)",
		v.Code,
		v.Profile,
		v.PriceCustomer,
		v.PriceReseller,
		int64(v.Duration/time.Second),
		v.Status,
		v.Origin,
		v.GeneratedBy,
		v.Reference,
		v.CredentialRef,
		v.CreatedAt,
		nullTime(v.ActivatedAt),
		nullTime(v.ExpiresAt),
		nullTime(v.ClosedAt),
		nullTime(v.DeprovisionedAt))
	return uniqueViolation(err)
}

func (store *pgStore) VoucherGet(ctx context.Context, code string) (model.Voucher, error) {
	row := store.database.QueryRowContext(ctx,
		"SELECT "+voucherColumns+" FROM voucher WHERE code = $1", code)
	return scanVoucher(row)
}

func (store *pgStore) VoucherTransition(ctx context.Context, t VoucherTransition) (model.Voucher, error) {
	from := make([]string, 0, len(t.From))
	for _, s := range t.From {
		from = append(from, string(s))
	}

	var row *sql.Row
	switch t.To {
	case model.VoucherStatusActive:
		row = store.database.QueryRowContext(ctx,
			"UPDATE voucher"+
				" SET status = $1, activated_at = $2, expires_at = $3, credential_ref = $4"+
				" WHERE code = $5 AND status = ANY($6)"+
				" RETURNING "+voucherColumns,
			t.To, t.At, t.ExpiresAt, t.CredentialRef, t.Code, from)
	default:
		row = store.database.QueryRowContext(ctx,
			"UPDATE voucher"+
				" SET status = $1, closed_at = $2"+
				" WHERE code = $3 AND status = ANY($4)"+
				" RETURNING "+voucherColumns,
			t.To, t.At, t.Code, from)
	}

	v, err := scanVoucher(row)
	if errors.Is(err, ErrNotFound) {
		// Либо кода нет, либо статус уже другой
		current, err := store.VoucherGet(ctx, t.Code)
		if err != nil {
			return model.Voucher{}, err
		}
		return current, ErrStaleTransition
	}
	return v, err
}

func (store *pgStore) VoucherSetDeprovisioned(ctx context.Context, code string, at time.Time) error {
	res, err := store.database.ExecContext(ctx,
		"UPDATE voucher SET deprovisioned_at = COALESCE(deprovisioned_at, $1) WHERE code = $2",
		at, code)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (store *pgStore) VoucherList(ctx context.Context, filter VoucherFilter) ([]model.Voucher, error) {
	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		where = append(where, "status = ANY("+arg(statuses)+")")
	}
	if filter.GeneratedBy != "" {
		where = append(where, "generated_by = "+arg(filter.GeneratedBy))
	}
	if filter.Reference != "" {
		where = append(where, "reference = "+arg(filter.Reference))
	}
	if filter.CodeAfter != "" {
		where = append(where, "code > "+arg(filter.CodeAfter))
	}
	if !filter.ExpiresBefore.IsZero() {
		where = append(where, "expires_at < "+arg(filter.ExpiresBefore))
	}
	if !filter.CreatedBefore.IsZero() {
		where = append(where, "created_at < "+arg(filter.CreatedBefore))
	}
	if filter.Provisioned {
		where = append(where, "credential_ref <> '' AND deprovisioned_at IS NULL")
	}

	query := "SELECT " + voucherColumns + " FROM voucher"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if filter.ByCode {
		query += " ORDER BY code"
	} else {
		query += " ORDER BY created_at, code"
	}
	if filter.Limit > 0 {
		query += " LIMIT " + arg(filter.Limit)
	}

	rows, err := store.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var vouchers []model.Voucher
	for rows.Next() {
		v, err := scanVoucher(rows)
		if err != nil {
			return nil, err
		}
		vouchers = append(vouchers, v)
	}
	return vouchers, rows.Err()
}

func (store *pgStore) Close() error {
	return store.database.Close()
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

// uniqueViolation - код 23505: запись с таким ключом уже есть
func uniqueViolation(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrAlreadyExists
	}
	return err
}
