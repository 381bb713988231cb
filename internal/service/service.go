package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/voucherd/internal/ledger"
	"github.com/iurnickita/voucherd/internal/locker"
	"github.com/iurnickita/voucherd/internal/model"
	"github.com/iurnickita/voucherd/internal/notifier"
	"github.com/iurnickita/voucherd/internal/pricing"
	"github.com/iurnickita/voucherd/internal/service/config"
	"github.com/iurnickita/voucherd/internal/service/routerclient"
	"github.com/iurnickita/voucherd/internal/store"
	"github.com/iurnickita/voucherd/internal/voucher"
)

type Service interface {
	TopUp(ctx context.Context, actor model.Actor, account string, amount int64) (int64, error)
	Purchase(ctx context.Context, actor model.Actor, profile string) (model.Voucher, error)
	Commission(ctx context.Context, actor model.Actor, account string, amount int64, reference string) (int64, error)
	Redeem(ctx context.Context, code string) (model.Voucher, error)
	Consume(ctx context.Context, actor model.Actor, code string) (model.Voucher, error)
	GenerateStock(ctx context.Context, actor model.Actor, profile string, count int) ([]model.Voucher, error)
	AdminAdjustBalance(ctx context.Context, actor model.Actor, account string, target int64) (int64, error)

	Balance(ctx context.Context, actor model.Actor, account string) (int64, error)
	History(ctx context.Context, actor model.Actor, account string, limit int) ([]model.LedgerEntry, error)
	Voucher(ctx context.Context, actor model.Actor, code string) (model.Voucher, error)
	Vouchers(ctx context.Context, actor model.Actor, statuses []model.VoucherStatus, limit int) ([]model.Voucher, error)
	Profiles() []model.Profile

	Sweep(ctx context.Context) (SweepResult, error)
	Reconcile(ctx context.Context) (ReconcileResult, error)
	RunSweeper(ctx context.Context) error
}

var (
	ErrInvalidAmount           = errors.New("invalid amount")
	ErrInvalidCount            = errors.New("invalid voucher count")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrUnknownProfile          = errors.New("unknown profile")
	ErrVoucherNotFound         = errors.New("voucher not found")
	ErrVoucherTerminal         = errors.New("voucher is in terminal state")
	ErrVoucherUnpaid           = errors.New("voucher purchase was refunded")
	ErrProvisioningUnreachable = errors.New("provisioning unreachable")
	ErrProvisioningRejected    = errors.New("provisioning rejected")
	ErrProvisioningFailed      = errors.New("provisioning failed")
	ErrStoreUnavailable        = errors.New("store unavailable")
	ErrForbidden               = errors.New("forbidden")
)

const (
	defaultRetryBase        = 500 * time.Millisecond
	defaultRetryAttempts    = 3
	defaultProvisionTimeout = 10 * time.Second
	defaultSweepInterval    = time.Minute
	defaultReconcileEvery   = 10
	defaultSweepBatch       = 100
	defaultMaxStockBatch    = 500
)

// запас к времени выдачи, после которого списание считается брошенным
const recoveryMargin = time.Minute

// Deps - компоненты, которыми управляет сервис
type Deps struct {
	Ledger   ledger.Ledger
	Vouchers voucher.Vouchers
	Pricing  pricing.Resolver
	Router   routerclient.Provisioner
	Locker   locker.Locker
	Notifier notifier.Notifier
}

type service struct {
	cfg      config.Config
	ledger   ledger.Ledger
	vouchers voucher.Vouchers
	pricing  pricing.Resolver
	router   routerclient.Provisioner
	locker   locker.Locker
	notifier notifier.Notifier
	zaplog   *zap.Logger
	now      func() time.Time

	// продолжение сверки с роутером со следующего прохода
	reconcileMu    sync.Mutex
	reconcileAfter string
}

func NewService(cfg config.Config, deps Deps, zaplog *zap.Logger) Service {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = defaultRetryBase
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.ProvisionTimeout <= 0 {
		cfg.ProvisionTimeout = defaultProvisionTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.ReconcileEvery <= 0 {
		cfg.ReconcileEvery = defaultReconcileEvery
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = defaultSweepBatch
	}
	if cfg.MaxStockBatch <= 0 {
		cfg.MaxStockBatch = defaultMaxStockBatch
	}
	if cfg.RecoveryDelay <= 0 {
		cfg.RecoveryDelay = cfg.ProvisionBudget() + cfg.ProvisionTimeout + recoveryMargin
	}

	return &service{
		cfg:      cfg,
		ledger:   deps.Ledger,
		vouchers: deps.Vouchers,
		pricing:  deps.Pricing,
		router:   deps.Router,
		locker:   deps.Locker,
		notifier: deps.Notifier,
		zaplog:   zaplog,
		now:      time.Now,
	}
}

// mapError переводит ошибки нижних слоев в ошибки сервиса
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ledger.ErrInvalidAmount):
		return ErrInvalidAmount
	case errors.Is(err, store.ErrInsufficientBalance):
		return ErrInsufficientBalance
	case errors.Is(err, pricing.ErrUnknownProfile):
		return ErrUnknownProfile
	case errors.Is(err, voucher.ErrVoucherNotFound):
		return ErrVoucherNotFound
	case errors.Is(err, voucher.ErrVoucherTerminal):
		return ErrVoucherTerminal
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
}

func checkActor(actor model.Actor, roles ...model.Role) error {
	if actor.AccountID == "" || !actor.Role.Valid() {
		return ErrForbidden
	}
	if len(roles) == 0 {
		return nil
	}
	for _, role := range roles {
		if actor.Role == role {
			return nil
		}
	}
	return ErrForbidden
}

// ownerOf - чей баланс смотрим: свой или, для администратора, любой
func ownerOf(actor model.Actor, account string) (string, error) {
	if err := checkActor(actor); err != nil {
		return "", err
	}
	if account == "" || account == actor.AccountID {
		return actor.AccountID, nil
	}
	if actor.Role != model.RoleAdmin {
		return "", ErrForbidden
	}
	return account, nil
}

func newReference() string {
	return uuid.NewString()
}

func (s *service) notify(ctx context.Context, event notifier.Event) {
	event.At = s.now()
	s.notifier.Notify(ctx, event)
}

// escalate - сбой хранилища посреди операции, нужен оператор
func (s *service) escalate(ctx context.Context, event notifier.Event, err error) {
	event.Kind = notifier.EventEscalation
	event.Error = err.Error()
	s.zaplog.Error("operation requires operator intervention",
		zap.String("account", event.Account),
		zap.String("voucher", event.Voucher),
		zap.String("reference", event.Reference),
		zap.Int64("amount", event.Amount),
		zap.Error(err))
	s.notify(ctx, event)
}

// credit - запись с положительной суммой, проводится сразу
func (s *service) credit(ctx context.Context, account string, kind model.EntryKind, amount int64, reference string) (int64, error) {
	id, err := s.ledger.RecordPending(ctx, account, kind, amount, reference)
	if err != nil {
		return 0, mapError(err)
	}
	if _, err = s.ledger.Commit(ctx, id); err != nil {
		s.failEntry(ctx, id, account, amount, reference)
		return 0, mapError(err)
	}
	balance, err := s.ledger.BalanceOf(ctx, account)
	if err != nil {
		return 0, mapError(err)
	}
	return balance, nil
}

// debit - списание. При нехватке средств запись переводится в failed, побочных эффектов нет.
func (s *service) debit(ctx context.Context, account string, amount int64, reference string) error {
	id, err := s.ledger.RecordPending(ctx, account, model.EntryKindPurchase, -amount, reference)
	if err != nil {
		return mapError(err)
	}
	if _, err = s.ledger.Commit(ctx, id); err != nil {
		s.failEntry(ctx, id, account, -amount, reference)
		return mapError(err)
	}
	return nil
}

func (s *service) failEntry(ctx context.Context, id int64, account string, amount int64, reference string) {
	if _, err := s.ledger.Fail(context.WithoutCancel(ctx), id); err != nil {
		// непроведенная запись в баланс не входит, но висит в pending
		s.escalate(ctx, notifier.Event{Account: account, Reference: reference, Amount: amount}, err)
	}
}

// compensate - возврат списанной суммы, если операция не завершилась
func (s *service) compensate(ctx context.Context, account string, amount int64, reference, code string, cause error) error {
	s.zaplog.Warn("compensating purchase",
		zap.String("account", account),
		zap.String("voucher", code),
		zap.String("reference", reference),
		zap.Int64("amount", amount),
		zap.NamedError("cause", cause))

	event := notifier.Event{Account: account, Voucher: code, Reference: reference, Amount: amount}
	id, err := s.ledger.RecordPending(ctx, account, model.EntryKindRefund, amount, reference)
	if err == nil {
		_, err = s.ledger.Commit(ctx, id)
	}
	if err != nil {
		s.escalate(ctx, event, fmt.Errorf("refund failed: %w (cause: %v)", err, cause))
		return fmt.Errorf("%w: refund failed: %v", ErrStoreUnavailable, err)
	}

	event.Kind = notifier.EventPurchaseCompensated
	event.Error = cause.Error()
	s.notify(ctx, event)
	return nil
}

func (s *service) TopUp(ctx context.Context, actor model.Actor, account string, amount int64) (int64, error) {
	if err := checkActor(actor, model.RoleAdmin); err != nil {
		return 0, err
	}
	if account == "" {
		return 0, ErrForbidden
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	return s.credit(ctx, account, model.EntryKindTopUp, amount, newReference())
}

// Commission - начисление комиссии отдельной записью журнала
func (s *service) Commission(ctx context.Context, actor model.Actor, account string, amount int64, reference string) (int64, error) {
	if err := checkActor(actor, model.RoleAdmin); err != nil {
		return 0, err
	}
	if account == "" {
		return 0, ErrForbidden
	}
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}
	if reference == "" {
		reference = newReference()
	}
	balance, err := s.credit(ctx, account, model.EntryKindCommission, amount, reference)
	if err != nil {
		return 0, err
	}
	s.notify(ctx, notifier.Event{Kind: notifier.EventCommissionCredited, Account: account, Reference: reference, Amount: amount})
	return balance, nil
}

// creditCommission - разница цен покупателя и реселлера пригласившему реселлеру.
// Покупку не отменяет: при сбое только эскалация.
func (s *service) creditCommission(ctx context.Context, referrer string, amount int64, reference, code string) {
	if referrer == "" || amount <= 0 {
		return
	}
	event := notifier.Event{Account: referrer, Voucher: code, Reference: reference, Amount: amount}
	if _, err := s.credit(ctx, referrer, model.EntryKindCommission, amount, reference); err != nil {
		s.escalate(ctx, event, fmt.Errorf("commission not credited: %w", err))
		return
	}
	event.Kind = notifier.EventCommissionCredited
	s.notify(ctx, event)
}

// AdminAdjustBalance устанавливает баланс в target корректирующей записью
func (s *service) AdminAdjustBalance(ctx context.Context, actor model.Actor, account string, target int64) (int64, error) {
	if err := checkActor(actor, model.RoleAdmin); err != nil {
		return 0, err
	}
	if account == "" {
		return 0, ErrForbidden
	}
	if target < 0 {
		return 0, ErrInvalidAmount
	}
	entry, err := s.ledger.Adjust(ctx, account, target, newReference())
	if err != nil && !errors.Is(err, store.ErrNoChange) {
		return 0, mapError(err)
	}
	if err == nil {
		s.zaplog.Info("balance adjusted",
			zap.String("account", account),
			zap.String("admin", actor.AccountID),
			zap.Int64("delta", entry.Amount),
			zap.Int64("balance", target))
	}
	return target, nil
}

func (s *service) Balance(ctx context.Context, actor model.Actor, account string) (int64, error) {
	account, err := ownerOf(actor, account)
	if err != nil {
		return 0, err
	}
	balance, err := s.ledger.BalanceOf(ctx, account)
	return balance, mapError(err)
}

func (s *service) History(ctx context.Context, actor model.Actor, account string, limit int) ([]model.LedgerEntry, error) {
	account, err := ownerOf(actor, account)
	if err != nil {
		return nil, err
	}
	history, err := s.ledger.History(ctx, account, limit)
	return history, mapError(err)
}

func (s *service) Profiles() []model.Profile {
	return s.pricing.Profiles()
}
