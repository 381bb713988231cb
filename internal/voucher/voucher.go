package voucher

import (
	"context"
	"crypto/rand"
	"errors"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/theplant/luhn"

	"github.com/iurnickita/voucherd/internal/model"
	"github.com/iurnickita/voucherd/internal/store"
	"github.com/iurnickita/voucherd/internal/voucher/config"
)

type Vouchers interface {
	Issue(ctx context.Context, req IssueRequest) (model.Voucher, error)
	Get(ctx context.Context, code string) (model.Voucher, error)
	Activate(ctx context.Context, code string, credentialRef string) (model.Voucher, error)
	MarkUsed(ctx context.Context, code string) (model.Voucher, error)
	Expire(ctx context.Context, code string) (model.Voucher, error)
	MarkDeprovisioned(ctx context.Context, code string) error
	Due(ctx context.Context, limit int) ([]model.Voucher, error)
	Lingering(ctx context.Context, limit int) ([]model.Voucher, error)
	Provisioned(ctx context.Context, after string, limit int) ([]model.Voucher, error)
	List(ctx context.Context, filter store.VoucherFilter) ([]model.Voucher, error)
}

var (
	ErrVoucherNotFound = errors.New("voucher not found")
	ErrVoucherTerminal = errors.New("voucher is in terminal state")
	ErrAlreadyActive   = errors.New("voucher already active")
	ErrCodeSpace       = errors.New("could not generate unique voucher code")
)

type IssueRequest struct {
	Profile     model.Profile
	Origin      model.VoucherOrigin
	GeneratedBy string
	Reference   string
}

const (
	// 9 случайных цифр + контрольная цифра Луна
	codeBody     = 1_000_000_000
	codeBodyMin  = 100_000_000
	issueRetries = 5
)

type vouchers struct {
	cfg   config.Config
	store store.Store
	now   func() time.Time
}

func NewVouchers(cfg config.Config, store store.Store) Vouchers {
	return &vouchers{cfg: cfg, store: store, now: time.Now}
}

// NewCode - 10-значный код, последняя цифра контрольная
func NewCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeBody-codeBodyMin))
	if err != nil {
		return "", err
	}
	body := int(n.Int64()) + codeBodyMin
	return strconv.Itoa(body*10 + luhn.CalculateLuhn(body)), nil
}

// ValidCode - проверка формата и контрольной цифры, без обращения к хранилищу
func ValidCode(code string) bool {
	if len(code) != 10 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	n, err := strconv.Atoi(code)
	if err != nil {
		return false
	}
	return luhn.Valid(n)
}

func (vs *vouchers) Issue(ctx context.Context, req IssueRequest) (model.Voucher, error) {
	v := model.Voucher{
		Profile:       req.Profile.Name,
		PriceCustomer: req.Profile.PriceCustomer,
		PriceReseller: req.Profile.PriceReseller,
		Duration:      req.Profile.Duration,
		Status:        model.VoucherStatusPending,
		Origin:        req.Origin,
		GeneratedBy:   req.GeneratedBy,
		Reference:     req.Reference,
		CreatedAt:     vs.now(),
	}

	// при совпадении кода пробуем еще раз
	for i := 0; i < issueRetries; i++ {
		code, err := NewCode()
		if err != nil {
			return model.Voucher{}, err
		}
		v.Code = code
		err = vs.store.VoucherInsert(ctx, v)
		if err == nil {
			return v, nil
		}
		if !errors.Is(err, store.ErrAlreadyExists) {
			return model.Voucher{}, err
		}
	}
	return model.Voucher{}, ErrCodeSpace
}

// Get возвращает ваучер с учетом истечения срока: активный ваучер с прошедшим expires_at
// отдается как expired, даже если проход по истекшим еще не сохранил это состояние.
func (vs *vouchers) Get(ctx context.Context, code string) (model.Voucher, error) {
	if !ValidCode(code) {
		return model.Voucher{}, ErrVoucherNotFound
	}
	v, err := vs.store.VoucherGet(ctx, code)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.Voucher{}, ErrVoucherNotFound
		}
		return model.Voucher{}, err
	}
	if v.Expired(vs.now()) {
		v.Status = model.VoucherStatusExpired
		v.ClosedAt = v.ExpiresAt
	}
	return v, nil
}

func (vs *vouchers) transition(ctx context.Context, t store.VoucherTransition) (model.Voucher, error) {
	v, err := vs.store.VoucherTransition(ctx, t)
	switch {
	case err == nil:
		return v, nil
	case errors.Is(err, store.ErrNotFound):
		return model.Voucher{}, ErrVoucherNotFound
	case errors.Is(err, store.ErrStaleTransition):
		if v.Status == model.VoucherStatusActive && t.To == model.VoucherStatusActive {
			return v, ErrAlreadyActive
		}
		return v, ErrVoucherTerminal
	default:
		return model.Voucher{}, err
	}
}

// Activate: pending -> active, срок действия отсчитывается от момента активации
func (vs *vouchers) Activate(ctx context.Context, code string, credentialRef string) (model.Voucher, error) {
	current, err := vs.Get(ctx, code)
	if err != nil {
		return model.Voucher{}, err
	}
	if current.Status.Terminal() {
		return current, ErrVoucherTerminal
	}

	now := vs.now()
	return vs.transition(ctx, store.VoucherTransition{
		Code:          code,
		From:          []model.VoucherStatus{model.VoucherStatusPending},
		To:            model.VoucherStatusActive,
		At:            now,
		ExpiresAt:     now.Add(current.Duration),
		CredentialRef: credentialRef,
	})
}

// MarkUsed: active -> used
func (vs *vouchers) MarkUsed(ctx context.Context, code string) (model.Voucher, error) {
	current, err := vs.Get(ctx, code)
	if err != nil {
		return model.Voucher{}, err
	}
	if current.Status != model.VoucherStatusActive {
		if current.Status == model.VoucherStatusExpired {
			// сохраняем истечение, обнаруженное при чтении
			if _, err = vs.Expire(ctx, code); err != nil && !errors.Is(err, ErrVoucherTerminal) {
				return current, err
			}
		}
		return current, ErrVoucherTerminal
	}

	return vs.transition(ctx, store.VoucherTransition{
		Code: code,
		From: []model.VoucherStatus{model.VoucherStatusActive},
		To:   model.VoucherStatusUsed,
		At:   vs.now(),
	})
}

// Expire: pending|active -> expired
func (vs *vouchers) Expire(ctx context.Context, code string) (model.Voucher, error) {
	return vs.transition(ctx, store.VoucherTransition{
		Code: code,
		From: []model.VoucherStatus{model.VoucherStatusPending, model.VoucherStatusActive},
		To:   model.VoucherStatusExpired,
		At:   vs.now(),
	})
}

func (vs *vouchers) MarkDeprovisioned(ctx context.Context, code string) error {
	err := vs.store.VoucherSetDeprovisioned(ctx, code, vs.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrVoucherNotFound
	}
	return err
}

// Due - ваучеры, которые пора перевести в expired: активные с прошедшим сроком
// и невыданные старше PendingTTL.
func (vs *vouchers) Due(ctx context.Context, limit int) ([]model.Voucher, error) {
	now := vs.now()
	due, err := vs.store.VoucherList(ctx, store.VoucherFilter{
		Statuses:      []model.VoucherStatus{model.VoucherStatusActive},
		ExpiresBefore: now,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	if vs.cfg.PendingTTL <= 0 {
		return due, nil
	}
	stale, err := vs.store.VoucherList(ctx, store.VoucherFilter{
		Statuses:      []model.VoucherStatus{model.VoucherStatusPending},
		CreatedBefore: now.Add(-vs.cfg.PendingTTL),
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	return append(due, stale...), nil
}

// Lingering - завершенные ваучеры, учетные данные которых еще не удалены с роутера
func (vs *vouchers) Lingering(ctx context.Context, limit int) ([]model.Voucher, error) {
	return vs.store.VoucherList(ctx, store.VoucherFilter{
		Statuses:    []model.VoucherStatus{model.VoucherStatusUsed, model.VoucherStatusExpired},
		Provisioned: true,
		Limit:       limit,
	})
}

// Provisioned - ваучеры с учетными данными на роутере по порядку кодов, начиная после after
func (vs *vouchers) Provisioned(ctx context.Context, after string, limit int) ([]model.Voucher, error) {
	return vs.store.VoucherList(ctx, store.VoucherFilter{
		Provisioned: true,
		ByCode:      true,
		CodeAfter:   after,
		Limit:       limit,
	})
}

// List применяет фильтр по статусу к ваучерам с учетом истечения срока:
// активный ваучер с прошедшим expires_at попадает в expired, а не в active.
func (vs *vouchers) List(ctx context.Context, filter store.VoucherFilter) ([]model.Voucher, error) {
	now := vs.now()
	list, err := vs.store.VoucherList(ctx, filter)
	if err != nil {
		return nil, err
	}

	if hasStatus(filter.Statuses, model.VoucherStatusExpired) && !hasStatus(filter.Statuses, model.VoucherStatusActive) {
		// истекшие, но еще сохраненные как active
		lapsed := filter
		lapsed.Statuses = []model.VoucherStatus{model.VoucherStatusActive}
		lapsed.ExpiresBefore = now
		extra, err := vs.store.VoucherList(ctx, lapsed)
		if err != nil {
			return nil, err
		}
		list = append(list, extra...)
		sort.Slice(list, func(i, j int) bool {
			if list[i].CreatedAt.Equal(list[j].CreatedAt) {
				return list[i].Code < list[j].Code
			}
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		})
		if filter.Limit > 0 && len(list) > filter.Limit {
			list = list[:filter.Limit]
		}
	}

	filtered := list[:0]
	for _, v := range list {
		if v.Expired(now) {
			v.Status = model.VoucherStatusExpired
			v.ClosedAt = v.ExpiresAt
		}
		if len(filter.Statuses) == 0 || hasStatus(filter.Statuses, v.Status) {
			filtered = append(filtered, v)
		}
	}
	return filtered, nil
}

func hasStatus(statuses []model.VoucherStatus, status model.VoucherStatus) bool {
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
