package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/iurnickita/voucherd/internal/ledger/config"
	"github.com/iurnickita/voucherd/internal/model"
	"github.com/iurnickita/voucherd/internal/store"
)

// Ledger - журнал операций с балансом. Баланс пользователя равен сумме проведенных записей
// и меняется только через них.
type Ledger interface {
	RecordPending(ctx context.Context, account string, kind model.EntryKind, amount int64, reference string) (int64, error)
	Commit(ctx context.Context, id int64) (model.LedgerEntry, error)
	Fail(ctx context.Context, id int64) (model.LedgerEntry, error)
	BalanceOf(ctx context.Context, account string) (int64, error)
	History(ctx context.Context, account string, limit int) ([]model.LedgerEntry, error)
	Adjust(ctx context.Context, account string, target int64, reference string) (model.LedgerEntry, error)
	Unsettled(ctx context.Context, filter store.UnsettledFilter) ([]model.LedgerEntry, error)
}

var (
	ErrInvalidAmount = errors.New("invalid amount")
	ErrInvalidKind   = errors.New("invalid entry kind")
)

type ledger struct {
	store store.Store
	node  *snowflake.Node
	now   func() time.Time
}

func NewLedger(cfg config.Config, store store.Store) (Ledger, error) {
	node, err := snowflake.NewNode(cfg.NodeID)
	if err != nil {
		return nil, err
	}
	return &ledger{store: store, node: node, now: time.Now}, nil
}

// CheckAmount - знак суммы должен соответствовать виду записи
func CheckAmount(kind model.EntryKind, amount int64) error {
	switch kind {
	case model.EntryKindTopUp, model.EntryKindCommission, model.EntryKindRefund:
		if amount <= 0 {
			return ErrInvalidAmount
		}
	case model.EntryKindPurchase:
		if amount >= 0 {
			return ErrInvalidAmount
		}
	case model.EntryKindAdjustment:
		if amount == 0 {
			return ErrInvalidAmount
		}
	default:
		return ErrInvalidKind
	}
	return nil
}

func (ledger *ledger) RecordPending(ctx context.Context, account string, kind model.EntryKind, amount int64, reference string) (int64, error) {
	if err := CheckAmount(kind, amount); err != nil {
		return 0, err
	}

	entry := model.LedgerEntry{
		ID:        ledger.node.Generate().Int64(),
		Account:   account,
		Kind:      kind,
		Amount:    amount,
		Status:    model.EntryStatusPending,
		Reference: reference,
		CreatedAt: ledger.now(),
	}
	if err := ledger.store.LedgerInsert(ctx, entry); err != nil {
		return 0, err
	}
	return entry.ID, nil
}

func (ledger *ledger) Commit(ctx context.Context, id int64) (model.LedgerEntry, error) {
	return ledger.store.LedgerCommit(ctx, id, ledger.now())
}

func (ledger *ledger) Fail(ctx context.Context, id int64) (model.LedgerEntry, error) {
	return ledger.store.LedgerFail(ctx, id, ledger.now())
}

func (ledger *ledger) BalanceOf(ctx context.Context, account string) (int64, error) {
	return ledger.store.LedgerBalance(ctx, account)
}

func (ledger *ledger) History(ctx context.Context, account string, limit int) ([]model.LedgerEntry, error) {
	return ledger.store.LedgerHistory(ctx, account, limit)
}

// Adjust - установка баланса в target одной проведенной записью вида adjustment.
// Если баланс уже равен target, возвращается store.ErrNoChange.
func (ledger *ledger) Adjust(ctx context.Context, account string, target int64, reference string) (model.LedgerEntry, error) {
	if target < 0 {
		return model.LedgerEntry{}, ErrInvalidAmount
	}
	entry := model.LedgerEntry{
		ID:        ledger.node.Generate().Int64(),
		Account:   account,
		Kind:      model.EntryKindAdjustment,
		Reference: reference,
		CreatedAt: ledger.now(),
	}
	return ledger.store.LedgerAdjust(ctx, entry, target)
}

// Unsettled - проведенные списания за покупку без результата и без возврата.
// Остаются после остановки процесса посреди покупки.
func (ledger *ledger) Unsettled(ctx context.Context, filter store.UnsettledFilter) ([]model.LedgerEntry, error) {
	return ledger.store.LedgerUnsettled(ctx, filter)
}
