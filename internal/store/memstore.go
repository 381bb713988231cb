package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iurnickita/voucherd/internal/model"
)

// memStore - хранилище в памяти для тестов и локального запуска.
// Журнал каждого пользователя блокируется отдельно, общего замка на операции нет.
type memStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
	entries  map[int64]*memAccount

	vouchers sync.Map // code -> *memVoucher
}

type memAccount struct {
	mu        sync.Mutex
	committed int64
	entries   []*model.LedgerEntry
	byID      map[int64]*model.LedgerEntry
}

type memVoucher struct {
	mu sync.Mutex
	v  model.Voucher
}

func NewMemStore() Store {
	return &memStore{
		accounts: make(map[string]*memAccount),
		entries:  make(map[int64]*memAccount),
	}
}

func (store *memStore) account(name string) *memAccount {
	store.mu.RLock()
	acc, ok := store.accounts[name]
	store.mu.RUnlock()
	if ok {
		return acc
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if acc, ok = store.accounts[name]; !ok {
		acc = &memAccount{byID: make(map[int64]*model.LedgerEntry)}
		store.accounts[name] = acc
	}
	return acc
}

func (store *memStore) accountOf(id int64) (*memAccount, bool) {
	store.mu.RLock()
	defer store.mu.RUnlock()
	acc, ok := store.entries[id]
	return acc, ok
}

func (store *memStore) LedgerInsert(ctx context.Context, entry model.LedgerEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	acc := store.account(entry.Account)

	// порядок блокировок: сначала пользователь, затем индекс
	acc.mu.Lock()
	defer acc.mu.Unlock()

	store.mu.Lock()
	if _, ok := store.entries[entry.ID]; ok {
		store.mu.Unlock()
		return ErrAlreadyExists
	}
	store.entries[entry.ID] = acc
	store.mu.Unlock()

	e := entry
	acc.entries = append(acc.entries, &e)
	acc.byID[e.ID] = &e
	if e.Status == model.EntryStatusCommitted {
		acc.committed += e.Amount
	}
	return nil
}

func (store *memStore) LedgerGet(ctx context.Context, id int64) (model.LedgerEntry, error) {
	acc, ok := store.accountOf(id)
	if !ok {
		return model.LedgerEntry{}, ErrNotFound
	}
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return *acc.byID[id], nil
}

func (store *memStore) LedgerCommit(ctx context.Context, id int64, at time.Time) (model.LedgerEntry, error) {
	return store.finalize(ctx, id, model.EntryStatusCommitted, at)
}

func (store *memStore) LedgerFail(ctx context.Context, id int64, at time.Time) (model.LedgerEntry, error) {
	return store.finalize(ctx, id, model.EntryStatusFailed, at)
}

func (store *memStore) finalize(ctx context.Context, id int64, status model.EntryStatus, at time.Time) (model.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return model.LedgerEntry{}, err
	}
	acc, ok := store.accountOf(id)
	if !ok {
		return model.LedgerEntry{}, ErrNotFound
	}

	//Блокировка баланса пользователя
	acc.mu.Lock()
	defer acc.mu.Unlock()

	e := acc.byID[id]
	if e.Status != model.EntryStatusPending {
		return *e, ErrAlreadyFinalized
	}
	if status == model.EntryStatusCommitted {
		if e.Amount < 0 && acc.committed+e.Amount < 0 {
			return *e, ErrInsufficientBalance
		}
		acc.committed += e.Amount
	}
	e.Status = status
	e.FinalizedAt = at
	return *e, nil
}

func (store *memStore) LedgerBalance(ctx context.Context, account string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	acc := store.account(account)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.committed, nil
}

func (store *memStore) LedgerHistory(ctx context.Context, account string, limit int) ([]model.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	acc := store.account(account)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	var history []model.LedgerEntry
	for i := len(acc.entries) - 1; i >= 0; i-- {
		history = append(history, *acc.entries[i])
		if limit > 0 && len(history) == limit {
			break
		}
	}
	return history, nil
}

func (store *memStore) LedgerAdjust(ctx context.Context, entry model.LedgerEntry, target int64) (model.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return model.LedgerEntry{}, err
	}
	acc := store.account(entry.Account)

	acc.mu.Lock()
	defer acc.mu.Unlock()

	if acc.committed == target {
		return model.LedgerEntry{}, ErrNoChange
	}
	store.mu.Lock()
	if _, ok := store.entries[entry.ID]; ok {
		store.mu.Unlock()
		return model.LedgerEntry{}, ErrAlreadyExists
	}
	store.entries[entry.ID] = acc
	store.mu.Unlock()

	e := entry
	e.Amount = target - acc.committed
	e.Status = model.EntryStatusCommitted
	e.FinalizedAt = e.CreatedAt
	acc.entries = append(acc.entries, &e)
	acc.byID[e.ID] = &e
	acc.committed = target
	return e, nil
}

func (store *memStore) LedgerUnsettled(ctx context.Context, filter UnsettledFilter) ([]model.LedgerEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// итоги по ваучерам каждой операции
	type outcome struct {
		activated bool
		stock     int64
	}
	outcomes := make(map[string]outcome)
	store.vouchers.Range(func(_, value any) bool {
		cell := value.(*memVoucher)
		cell.mu.Lock()
		v := cell.v
		cell.mu.Unlock()
		o := outcomes[v.Reference]
		switch v.Origin {
		case model.VoucherOriginPurchase:
			o.activated = o.activated || !v.ActivatedAt.IsZero()
		case model.VoucherOriginStock:
			o.stock += v.PriceReseller
		}
		outcomes[v.Reference] = o
		return true
	})

	// замок пользователя берется после индекса, поэтому сначала копия списка
	store.mu.RLock()
	accounts := make([]*memAccount, 0, len(store.accounts))
	for _, acc := range store.accounts {
		accounts = append(accounts, acc)
	}
	store.mu.RUnlock()

	refunded := make(map[string]bool)
	var debits []model.LedgerEntry
	for _, acc := range accounts {
		acc.mu.Lock()
		for _, e := range acc.entries {
			switch {
			case e.Kind == model.EntryKindRefund && e.Status == model.EntryStatusCommitted:
				refunded[e.Reference] = true
			case e.Kind == model.EntryKindPurchase && e.Status == model.EntryStatusCommitted:
				if filter.Reference != "" && e.Reference != filter.Reference {
					continue
				}
				if !filter.CreatedBefore.IsZero() && !e.CreatedAt.Before(filter.CreatedBefore) {
					continue
				}
				debits = append(debits, *e)
			}
		}
		acc.mu.Unlock()
	}

	var unsettled []model.LedgerEntry
	for _, e := range debits {
		o := outcomes[e.Reference]
		if refunded[e.Reference] || o.activated || o.stock == -e.Amount {
			continue
		}
		unsettled = append(unsettled, e)
	}
	sort.Slice(unsettled, func(i, j int) bool {
		if unsettled[i].CreatedAt.Equal(unsettled[j].CreatedAt) {
			return unsettled[i].ID < unsettled[j].ID
		}
		return unsettled[i].CreatedAt.Before(unsettled[j].CreatedAt)
	})
	if filter.Limit > 0 && len(unsettled) > filter.Limit {
		unsettled = unsettled[:filter.Limit]
	}
	return unsettled, nil
}

func (store *memStore) VoucherInsert(ctx context.Context, voucher model.Voucher) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, loaded := store.vouchers.LoadOrStore(voucher.Code, &memVoucher{v: voucher}); loaded {
		return ErrAlreadyExists
	}
	return nil
}

func (store *memStore) voucher(code string) (*memVoucher, bool) {
	cell, ok := store.vouchers.Load(code)
	if !ok {
		return nil, false
	}
	return cell.(*memVoucher), true
}

func (store *memStore) VoucherGet(ctx context.Context, code string) (model.Voucher, error) {
	if err := ctx.Err(); err != nil {
		return model.Voucher{}, err
	}
	cell, ok := store.voucher(code)
	if !ok {
		return model.Voucher{}, ErrNotFound
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	return cell.v, nil
}

func (store *memStore) VoucherTransition(ctx context.Context, t VoucherTransition) (model.Voucher, error) {
	if err := ctx.Err(); err != nil {
		return model.Voucher{}, err
	}
	cell, ok := store.voucher(t.Code)
	if !ok {
		return model.Voucher{}, ErrNotFound
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()

	v := cell.v
	if !t.apply(&v) {
		return cell.v, ErrStaleTransition
	}
	cell.v = v
	return v, nil
}

func (store *memStore) VoucherSetDeprovisioned(ctx context.Context, code string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	cell, ok := store.voucher(code)
	if !ok {
		return ErrNotFound
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	if cell.v.DeprovisionedAt.IsZero() {
		cell.v.DeprovisionedAt = at
	}
	return nil
}

func (store *memStore) VoucherList(ctx context.Context, filter VoucherFilter) ([]model.Voucher, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var vouchers []model.Voucher
	store.vouchers.Range(func(_, value any) bool {
		cell := value.(*memVoucher)
		cell.mu.Lock()
		v := cell.v
		cell.mu.Unlock()
		if filter.match(v) {
			vouchers = append(vouchers, v)
		}
		return true
	})
	sort.Slice(vouchers, func(i, j int) bool {
		if filter.ByCode || vouchers[i].CreatedAt.Equal(vouchers[j].CreatedAt) {
			return vouchers[i].Code < vouchers[j].Code
		}
		return vouchers[i].CreatedAt.Before(vouchers[j].CreatedAt)
	})
	if filter.Limit > 0 && len(vouchers) > filter.Limit {
		vouchers = vouchers[:filter.Limit]
	}
	return vouchers, nil
}

func (store *memStore) Close() error {
	return nil
}
