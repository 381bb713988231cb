package store

import (
	"context"
	"errors"
	"time"

	"github.com/iurnickita/voucherd/internal/model"
	"github.com/iurnickita/voucherd/internal/store/config"
)

type Store interface {
	LedgerInsert(ctx context.Context, entry model.LedgerEntry) error
	LedgerGet(ctx context.Context, id int64) (model.LedgerEntry, error)
	LedgerCommit(ctx context.Context, id int64, at time.Time) (model.LedgerEntry, error)
	LedgerFail(ctx context.Context, id int64, at time.Time) (model.LedgerEntry, error)
	LedgerBalance(ctx context.Context, account string) (int64, error)
	LedgerHistory(ctx context.Context, account string, limit int) ([]model.LedgerEntry, error)
	LedgerAdjust(ctx context.Context, entry model.LedgerEntry, target int64) (model.LedgerEntry, error)
	LedgerUnsettled(ctx context.Context, filter UnsettledFilter) ([]model.LedgerEntry, error)
	VoucherInsert(ctx context.Context, voucher model.Voucher) error
	VoucherGet(ctx context.Context, code string) (model.Voucher, error)
	VoucherTransition(ctx context.Context, t VoucherTransition) (model.Voucher, error)
	VoucherSetDeprovisioned(ctx context.Context, code string, at time.Time) error
	VoucherList(ctx context.Context, filter VoucherFilter) ([]model.Voucher, error)
	Close() error
}

var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrAlreadyFinalized    = errors.New("entry already finalized")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrStaleTransition     = errors.New("voucher status changed concurrently")
	ErrNoChange            = errors.New("balance already at target")
)

// VoucherTransition - смена статуса по принципу compare-and-set:
// применяется, только если текущий статус входит в From.
type VoucherTransition struct {
	Code string
	From []model.VoucherStatus
	To   model.VoucherStatus
	At   time.Time
	// Только для перехода в active
	ExpiresAt     time.Time
	CredentialRef string
}

type VoucherFilter struct {
	Statuses      []model.VoucherStatus
	GeneratedBy   string
	Reference     string
	ExpiresBefore time.Time
	CreatedBefore time.Time
	// Ваучеры с живыми учетными данными на роутере
	Provisioned bool
	// ByCode - порядок по коду вместо created_at, CodeAfter - продолжение обхода после кода
	ByCode    bool
	CodeAfter string
	Limit     int
}

// UnsettledFilter - проведенные списания за покупку, по которым нет ни возврата,
// ни результата: ваучер покупки не активировался, партия выпущена не целиком.
type UnsettledFilter struct {
	CreatedBefore time.Time
	Reference     string
	Limit         int
}

func NewStore(cfg config.Config) (Store, error) {
	if cfg.DBDsn == "" {
		return NewMemStore(), nil
	}
	return NewPgStore(cfg)
}

// apply - общая логика перехода для обеих реализаций
func (t VoucherTransition) apply(v *model.Voucher) bool {
	allowed := false
	for _, from := range t.From {
		if v.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return false
	}
	v.Status = t.To
	switch t.To {
	case model.VoucherStatusActive:
		v.ActivatedAt = t.At
		v.ExpiresAt = t.ExpiresAt
		v.CredentialRef = t.CredentialRef
	case model.VoucherStatusUsed, model.VoucherStatusExpired:
		v.ClosedAt = t.At
	}
	return true
}

func (f VoucherFilter) match(v model.Voucher) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if v.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.GeneratedBy != "" && v.GeneratedBy != f.GeneratedBy {
		return false
	}
	if f.Reference != "" && v.Reference != f.Reference {
		return false
	}
	if f.CodeAfter != "" && v.Code <= f.CodeAfter {
		return false
	}
	if !f.ExpiresBefore.IsZero() && (v.ExpiresAt.IsZero() || !v.ExpiresAt.Before(f.ExpiresBefore)) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !v.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	if f.Provisioned && (v.CredentialRef == "" || !v.DeprovisionedAt.IsZero()) {
		return false
	}
	return true
}
