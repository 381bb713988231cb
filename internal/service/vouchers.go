package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/voucherd/internal/model"
	"github.com/iurnickita/voucherd/internal/notifier"
	"github.com/iurnickita/voucherd/internal/pricing"
	"github.com/iurnickita/voucherd/internal/service/routerclient"
	"github.com/iurnickita/voucherd/internal/store"
	"github.com/iurnickita/voucherd/internal/voucher"
)

func voucherKey(code string) string {
	return "voucher:" + code
}

// purchaseKey удерживается от списания до результата покупки или возврата
func purchaseKey(reference string) string {
	return "purchase:" + reference
}

// Purchase - покупка ваучера с баланса.
// После списания операция завершается либо активным ваучером, либо возвратом средств.
func (s *service) Purchase(ctx context.Context, actor model.Actor, profileName string) (model.Voucher, error) {
	if err := checkActor(actor); err != nil {
		return model.Voucher{}, err
	}
	profile, err := s.pricing.Profile(profileName)
	if err != nil {
		return model.Voucher{}, mapError(err)
	}
	price := pricing.PriceOf(profile, actor.Role)
	reference := newReference()

	unlock, err := s.locker.Lock(ctx, purchaseKey(reference))
	if err != nil {
		return model.Voucher{}, mapError(err)
	}
	defer unlock()

	if err = s.debit(ctx, actor.AccountID, price, reference); err != nil {
		return model.Voucher{}, err
	}

	// списание проведено: отмена вызывающим больше не учитывается
	ctx = context.WithoutCancel(ctx)

	v, err := s.vouchers.Issue(ctx, voucher.IssueRequest{
		Profile:     profile,
		Origin:      model.VoucherOriginPurchase,
		GeneratedBy: actor.AccountID,
		Reference:   reference,
	})
	if err != nil {
		if cerr := s.compensate(ctx, actor.AccountID, price, reference, "", err); cerr != nil {
			return model.Voucher{}, cerr
		}
		return model.Voucher{}, mapError(err)
	}

	active, err := s.activateLocked(ctx, v, profile)
	if err != nil {
		if cerr := s.compensate(ctx, actor.AccountID, price, reference, v.Code, err); cerr != nil {
			return model.Voucher{}, cerr
		}
		if errors.Is(err, ErrProvisioningUnreachable) || errors.Is(err, ErrProvisioningRejected) {
			return model.Voucher{}, fmt.Errorf("%w: %w", ErrProvisioningFailed, err)
		}
		return model.Voucher{}, err
	}

	s.zaplog.Info("voucher purchased",
		zap.String("account", actor.AccountID),
		zap.String("voucher", active.Code),
		zap.String("profile", active.Profile),
		zap.String("reference", reference),
		zap.Int64("price", price))
	s.notify(ctx, notifier.Event{
		Kind:      notifier.EventPurchaseCompleted,
		Account:   actor.AccountID,
		Voucher:   active.Code,
		Reference: reference,
		Amount:    -price,
	})

	if actor.Role == model.RoleCustomer && actor.Referrer != "" && actor.Referrer != actor.AccountID {
		s.creditCommission(ctx, actor.Referrer, profile.PriceCustomer-profile.PriceReseller, reference, active.Code)
	}
	return active, nil
}

// activateLocked - выдача учетных данных и перевод в active под блокировкой ваучера
func (s *service) activateLocked(ctx context.Context, v model.Voucher, profile model.Profile) (model.Voucher, error) {
	unlock, err := s.locker.Lock(ctx, voucherKey(v.Code))
	if err != nil {
		return model.Voucher{}, mapError(err)
	}
	defer unlock()
	return s.activate(ctx, v, profile)
}

// activate вызывается под блокировкой ваучера
func (s *service) activate(ctx context.Context, v model.Voucher, profile model.Profile) (model.Voucher, error) {
	res, err := s.provision(ctx, v.Code, profile)
	if err != nil {
		return model.Voucher{}, err
	}

	active, err := s.vouchers.Activate(ctx, v.Code, res.CredentialRef)
	switch {
	case err == nil:
		return active, nil
	case errors.Is(err, voucher.ErrAlreadyActive):
		return active, nil
	default:
		// ваучер не активирован: учетные данные на роутере не нужны
		if derr := s.deprovision(ctx, res.CredentialRef); derr != nil {
			s.zaplog.Error("orphan hotspot credential",
				zap.String("voucher", v.Code),
				zap.String("credential", res.CredentialRef),
				zap.Error(derr))
		}
		return model.Voucher{}, mapError(err)
	}
}

// provision - повтор с экспоненциальной задержкой для ErrUnreachable, ErrRejected не повторяется
func (s *service) provision(ctx context.Context, code string, profile model.Profile) (routerclient.ProvisionResult, error) {
	var lastErr error
	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return routerclient.ProvisionResult{}, fmt.Errorf("%w: %v", ErrProvisioningUnreachable, ctx.Err())
			case <-time.After(s.cfg.RetryBase * time.Duration(1<<(attempt-1))):
			}
		}

		pctx, cancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
		res, err := s.router.Provision(pctx, code, profile)
		cancel()
		if err == nil {
			return res, nil
		}
		if errors.Is(err, routerclient.ErrRejected) {
			s.zaplog.Error("provisioning rejected",
				zap.String("voucher", code),
				zap.Error(err))
			return routerclient.ProvisionResult{}, fmt.Errorf("%w: %v", ErrProvisioningRejected, err)
		}
		lastErr = err
		s.zaplog.Warn("provisioning failed",
			zap.String("voucher", code),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return routerclient.ProvisionResult{}, fmt.Errorf("%w: %v", ErrProvisioningUnreachable, lastErr)
}

func (s *service) deprovision(ctx context.Context, credentialRef string) error {
	dctx, cancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
	defer cancel()
	return s.router.Deprovision(dctx, credentialRef)
}

// profileOf - тариф для роутера по данным ваучера: длительность и цены из ваучера,
// изменения каталога на выпущенные ваучеры не влияют.
func (s *service) profileOf(v model.Voucher) model.Profile {
	p := model.Profile{
		Name:          v.Profile,
		PriceCustomer: v.PriceCustomer,
		PriceReseller: v.PriceReseller,
		Duration:      v.Duration,
		RouterProfile: pricing.DefaultRouterProfile,
	}
	if current, err := s.pricing.Profile(v.Profile); err == nil {
		p.RouterProfile = current.RouterProfile
	}
	return p
}

// redeemable - проверка перед активацией: (ваучер уже активен, ошибка)
func redeemable(v model.Voucher) (bool, error) {
	switch {
	case v.Status.Terminal():
		return false, ErrVoucherTerminal
	case v.Status == model.VoucherStatusActive:
		return true, nil
	case v.Origin == model.VoucherOriginPurchase:
		// ваучер покупки остается pending только после возврата средств
		return false, ErrVoucherUnpaid
	}
	return false, nil
}

// Redeem - ввод кода на странице входа хотспота. Повторный ввод активного кода не ошибка.
func (s *service) Redeem(ctx context.Context, code string) (model.Voucher, error) {
	v, err := s.vouchers.Get(ctx, code)
	if err != nil {
		return model.Voucher{}, mapError(err)
	}
	if active, err := redeemable(v); active || err != nil {
		return v, err
	}

	unlock, err := s.locker.Lock(ctx, voucherKey(code))
	if err != nil {
		return model.Voucher{}, mapError(err)
	}
	defer unlock()

	// под блокировкой состояние могло измениться
	v, err = s.vouchers.Get(ctx, code)
	if err != nil {
		return model.Voucher{}, mapError(err)
	}
	if active, err := redeemable(v); active || err != nil {
		return v, err
	}

	// учетные данные могут быть созданы на роутере: доводим до конца
	ctx = context.WithoutCancel(ctx)
	active, err := s.activate(ctx, v, s.profileOf(v))
	if err != nil {
		return model.Voucher{}, err
	}
	s.zaplog.Info("voucher redeemed",
		zap.String("voucher", active.Code),
		zap.String("profile", active.Profile),
		zap.Time("expires_at", active.ExpiresAt))
	return active, nil
}

// Consume - ваучер израсходован: active -> used, учетные данные удаляются с роутера
func (s *service) Consume(ctx context.Context, actor model.Actor, code string) (model.Voucher, error) {
	if err := checkActor(actor, model.RoleAdmin); err != nil {
		return model.Voucher{}, err
	}
	unlock, err := s.locker.Lock(ctx, voucherKey(code))
	if err != nil {
		return model.Voucher{}, mapError(err)
	}
	defer unlock()

	used, err := s.vouchers.MarkUsed(ctx, code)
	if err != nil {
		return model.Voucher{}, mapError(err)
	}

	ctx = context.WithoutCancel(ctx)
	if err = s.deprovision(ctx, used.CredentialRef); err != nil {
		// удалит следующий проход
		s.zaplog.Warn("deprovision deferred to sweep",
			zap.String("voucher", code),
			zap.String("credential", used.CredentialRef),
			zap.Error(err))
		return used, nil
	}
	if err = s.vouchers.MarkDeprovisioned(ctx, code); err != nil {
		s.zaplog.Warn("deprovision mark failed", zap.String("voucher", code), zap.Error(err))
		return used, nil
	}
	used.DeprovisionedAt = s.now()
	return used, nil
}

// GenerateStock - выпуск партии ваучеров на продажу. Реселлер оплачивает партию
// по цене реселлера одним списанием, администратор выпускает бесплатно.
// Партия выпускается целиком или не выпускается.
func (s *service) GenerateStock(ctx context.Context, actor model.Actor, profileName string, count int) ([]model.Voucher, error) {
	if err := checkActor(actor, model.RoleReseller, model.RoleAdmin); err != nil {
		return nil, err
	}
	if count < 1 || count > s.cfg.MaxStockBatch {
		return nil, ErrInvalidCount
	}
	profile, err := s.pricing.Profile(profileName)
	if err != nil {
		return nil, mapError(err)
	}
	reference := newReference()

	unlock, err := s.locker.Lock(ctx, purchaseKey(reference))
	if err != nil {
		return nil, mapError(err)
	}
	defer unlock()

	var total int64
	if actor.Role == model.RoleReseller {
		total = profile.PriceReseller * int64(count)
		if err = s.debit(ctx, actor.AccountID, total, reference); err != nil {
			return nil, err
		}
		ctx = context.WithoutCancel(ctx)
	}

	issued := make([]model.Voucher, 0, count)
	for i := 0; i < count; i++ {
		v, err := s.vouchers.Issue(ctx, voucher.IssueRequest{
			Profile:     profile,
			Origin:      model.VoucherOriginStock,
			GeneratedBy: actor.AccountID,
			Reference:   reference,
		})
		if err != nil {
			s.revokeStock(ctx, issued)
			if total > 0 {
				if cerr := s.compensate(ctx, actor.AccountID, total, reference, "", err); cerr != nil {
					return nil, cerr
				}
			}
			return nil, mapError(err)
		}
		issued = append(issued, v)
	}

	s.zaplog.Info("voucher stock generated",
		zap.String("account", actor.AccountID),
		zap.String("profile", profile.Name),
		zap.Int("count", count),
		zap.String("reference", reference),
		zap.Int64("paid", total))
	return issued, nil
}

// revokeStock - недовыпущенная партия снимается с продажи
func (s *service) revokeStock(ctx context.Context, issued []model.Voucher) {
	for _, v := range issued {
		if _, err := s.vouchers.Expire(ctx, v.Code); err != nil {
			s.zaplog.Error("stock voucher not revoked", zap.String("voucher", v.Code), zap.Error(err))
		}
	}
}

// Voucher - чужие ваучеры видит только администратор
func (s *service) Voucher(ctx context.Context, actor model.Actor, code string) (model.Voucher, error) {
	if err := checkActor(actor); err != nil {
		return model.Voucher{}, err
	}
	v, err := s.vouchers.Get(ctx, code)
	if err != nil {
		return model.Voucher{}, mapError(err)
	}
	if actor.Role != model.RoleAdmin && v.GeneratedBy != actor.AccountID {
		return model.Voucher{}, ErrVoucherNotFound
	}
	return v, nil
}

func (s *service) Vouchers(ctx context.Context, actor model.Actor, statuses []model.VoucherStatus, limit int) ([]model.Voucher, error) {
	if err := checkActor(actor); err != nil {
		return nil, err
	}
	filter := store.VoucherFilter{Statuses: statuses, Limit: limit}
	if actor.Role != model.RoleAdmin {
		filter.GeneratedBy = actor.AccountID
	}
	list, err := s.vouchers.List(ctx, filter)
	if err != nil {
		return nil, mapError(err)
	}
	return list, nil
}
