package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/iurnickita/voucherd/internal/model"
	"github.com/iurnickita/voucherd/internal/notifier"
	"github.com/iurnickita/voucherd/internal/service/routerclient"
	"github.com/iurnickita/voucherd/internal/store"
	"github.com/iurnickita/voucherd/internal/voucher"
)

const sweepKey = "sweep"

type SweepResult struct {
	Expired       int
	Deprovisioned int
	Recovered     int
	Failed        int
}

type ReconcileResult struct {
	Checked   int
	Corrected int
	Drift     int
}

// Sweep - сохраняет истечение ваучеров и удаляет с роутера учетные данные завершенных.
// Удаление отмечается в ваучере, поэтому для каждого ваучера выполняется один раз;
// при ошибке роутера повторяется на следующем проходе. В конце прохода возвращаются
// средства по покупкам, прерванным после списания.
func (s *service) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult

	due, err := s.vouchers.Due(ctx, s.cfg.SweepBatch)
	if err != nil {
		return res, mapError(err)
	}
	for _, v := range due {
		// ваучер в работе (выдача учетных данных) - на следующем проходе
		unlock, ok, err := s.locker.TryLock(ctx, voucherKey(v.Code))
		if err != nil {
			return res, mapError(err)
		}
		if !ok {
			continue
		}
		_, err = s.vouchers.Expire(ctx, v.Code)
		unlock()
		switch {
		case err == nil:
			res.Expired++
			s.notify(ctx, notifier.Event{
				Kind:      notifier.EventVoucherExpired,
				Account:   v.GeneratedBy,
				Voucher:   v.Code,
				Reference: v.Reference,
			})
		case errors.Is(err, voucher.ErrVoucherTerminal):
			// завершен параллельно
		default:
			res.Failed++
			s.zaplog.Warn("voucher expiry failed", zap.String("voucher", v.Code), zap.Error(err))
		}
	}

	lingering, err := s.vouchers.Lingering(ctx, s.cfg.SweepBatch)
	if err != nil {
		return res, mapError(err)
	}
	for _, v := range lingering {
		if err = s.deprovision(ctx, v.CredentialRef); err != nil {
			res.Failed++
			s.zaplog.Warn("deprovision failed",
				zap.String("voucher", v.Code),
				zap.String("credential", v.CredentialRef),
				zap.Error(err))
			continue
		}
		if err = s.vouchers.MarkDeprovisioned(ctx, v.Code); err != nil {
			res.Failed++
			s.zaplog.Warn("deprovision mark failed", zap.String("voucher", v.Code), zap.Error(err))
			continue
		}
		res.Deprovisioned++
	}

	recovered, failed, err := s.recoverPurchases(ctx)
	res.Recovered += recovered
	res.Failed += failed
	if err != nil {
		return res, err
	}

	if res.Expired > 0 || res.Deprovisioned > 0 || res.Recovered > 0 || res.Failed > 0 {
		s.zaplog.Info("sweep done",
			zap.Int("expired", res.Expired),
			zap.Int("deprovisioned", res.Deprovisioned),
			zap.Int("recovered", res.Recovered),
			zap.Int("failed", res.Failed))
	}
	return res, nil
}

var errPurchaseInterrupted = errors.New("purchase interrupted before settlement")

// recoverPurchases - возврат списаний, брошенных остановкой процесса посреди покупки
// или выпуска партии. Покупка в работе держит блокировку purchase:<reference>
// и пропускается; после блокировки состояние проверяется заново.
func (s *service) recoverPurchases(ctx context.Context) (recovered, failed int, err error) {
	entries, err := s.ledger.Unsettled(ctx, store.UnsettledFilter{
		CreatedBefore: s.now().Add(-s.cfg.RecoveryDelay),
		Limit:         s.cfg.SweepBatch,
	})
	if err != nil {
		return 0, 0, mapError(err)
	}
	for _, e := range entries {
		unlock, ok, err := s.locker.TryLock(ctx, purchaseKey(e.Reference))
		if err != nil {
			return recovered, failed, mapError(err)
		}
		if !ok {
			continue
		}
		done, err := s.recoverPurchase(ctx, e)
		unlock()
		switch {
		case err != nil:
			failed++
			s.zaplog.Error("purchase recovery failed",
				zap.String("account", e.Account),
				zap.String("reference", e.Reference),
				zap.Error(err))
		case done:
			recovered++
		}
	}
	return recovered, failed, nil
}

// recoverPurchase вызывается под блокировкой покупки
func (s *service) recoverPurchase(ctx context.Context, e model.LedgerEntry) (bool, error) {
	still, err := s.ledger.Unsettled(ctx, store.UnsettledFilter{Reference: e.Reference})
	if err != nil {
		return false, mapError(err)
	}
	if len(still) == 0 {
		// покупка завершилась, пока ждали блокировку
		return false, nil
	}

	// невыданные ваучеры операции снимаются с продажи
	pending, err := s.vouchers.List(ctx, store.VoucherFilter{
		Reference: e.Reference,
		Statuses:  []model.VoucherStatus{model.VoucherStatusPending},
	})
	if err != nil {
		return false, mapError(err)
	}
	code := ""
	if len(pending) > 0 {
		code = pending[0].Code
	}
	s.revokeStock(ctx, pending)

	s.zaplog.Warn("refunding interrupted purchase",
		zap.String("account", e.Account),
		zap.String("reference", e.Reference),
		zap.Int64("entry", e.ID),
		zap.Int("vouchers", len(pending)))
	if err = s.compensate(ctx, e.Account, -e.Amount, e.Reference, code, errPurchaseInterrupted); err != nil {
		return false, err
	}
	return true, nil
}

// Reconcile сверяет ваучеры с учетными данными с состоянием роутера.
// Источник истины для учета - хранилище ваучеров: роутер только получает
// корректирующее удаление, расхождение в обратную сторону лишь сообщается.
func (s *service) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult

	// за проход проверяется страница из SweepBatch ваучеров, следующий проход продолжает
	// с места остановки, после последней страницы обход начинается сначала
	s.reconcileMu.Lock()
	defer s.reconcileMu.Unlock()

	list, err := s.vouchers.Provisioned(ctx, s.reconcileAfter, s.cfg.SweepBatch)
	if err != nil {
		return res, mapError(err)
	}
	if len(list) < s.cfg.SweepBatch {
		s.reconcileAfter = ""
	} else {
		s.reconcileAfter = list[len(list)-1].Code
	}
	now := s.now()
	for _, v := range list {
		qctx, cancel := context.WithTimeout(ctx, s.cfg.ProvisionTimeout)
		remote, err := s.router.QueryStatus(qctx, v.CredentialRef)
		cancel()
		if err != nil {
			s.zaplog.Warn("remote status unavailable",
				zap.String("voucher", v.Code),
				zap.String("credential", v.CredentialRef),
				zap.Error(err))
			continue
		}
		res.Checked++

		terminal := v.Status.Terminal() || v.Expired(now)
		switch {
		case terminal && remote == routerclient.RemoteStatusActive:
			if err = s.deprovision(ctx, v.CredentialRef); err != nil {
				s.zaplog.Warn("corrective deprovision failed", zap.String("voucher", v.Code), zap.Error(err))
				continue
			}
			if err = s.vouchers.MarkDeprovisioned(ctx, v.Code); err != nil {
				s.zaplog.Warn("deprovision mark failed", zap.String("voucher", v.Code), zap.Error(err))
				continue
			}
			res.Corrected++
			s.zaplog.Info("stale credential removed",
				zap.String("voucher", v.Code),
				zap.String("credential", v.CredentialRef))
		case terminal && remote == routerclient.RemoteStatusUnknown:
			// на роутере уже нет
			if err = s.vouchers.MarkDeprovisioned(ctx, v.Code); err != nil {
				s.zaplog.Warn("deprovision mark failed", zap.String("voucher", v.Code), zap.Error(err))
			}
		case !terminal && v.Status == model.VoucherStatusActive && remote != routerclient.RemoteStatusActive:
			res.Drift++
			s.zaplog.Warn("voucher drift",
				zap.String("voucher", v.Code),
				zap.String("local", string(v.Status)),
				zap.String("remote", string(remote)))
			s.notify(ctx, notifier.Event{
				Kind:      notifier.EventReconcileDrift,
				Account:   v.GeneratedBy,
				Voucher:   v.Code,
				Reference: v.Reference,
				Error:     "remote credential " + string(remote),
			})
		}
	}
	return res, nil
}

// RunSweeper - периодический проход до отмены ctx.
// Блокировка sweep: одновременно проход выполняет один экземпляр сервиса.
func (s *service) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for tick := 1; ; tick++ {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		unlock, ok, err := s.locker.TryLock(ctx, sweepKey)
		if err != nil {
			s.zaplog.Warn("sweep lock unavailable", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if _, err = s.Sweep(ctx); err != nil {
			s.zaplog.Error("sweep failed", zap.Error(err))
		}
		if tick%s.cfg.ReconcileEvery == 0 {
			if _, err = s.Reconcile(ctx); err != nil {
				s.zaplog.Error("reconcile failed", zap.Error(err))
			}
		}
		unlock()
	}
}
