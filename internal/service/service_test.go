package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/iurnickita/voucherd/internal/ledger"
	ledgerConfig "github.com/iurnickita/voucherd/internal/ledger/config"
	"github.com/iurnickita/voucherd/internal/locker"
	"github.com/iurnickita/voucherd/internal/model"
	"github.com/iurnickita/voucherd/internal/notifier"
	"github.com/iurnickita/voucherd/internal/pricing"
	"github.com/iurnickita/voucherd/internal/service/config"
	"github.com/iurnickita/voucherd/internal/service/routerclient"
	"github.com/iurnickita/voucherd/internal/store"
	"github.com/iurnickita/voucherd/internal/voucher"
	voucherConfig "github.com/iurnickita/voucherd/internal/voucher/config"
)

// fakeRouter - роутер в памяти, идемпотентный по коду ваучера
type fakeRouter struct {
	mu               sync.Mutex
	byCode           map[string]string
	byRef            map[string]string
	remote           map[string]routerclient.RemoteStatus
	provisionErrs    []error
	deprovisionErrs  []error
	nextID           int
	provisionCalls   int
	deprovisionCalls int

	// block задерживает Provision до закрытия канала, entered - сигнал о входе
	block   chan struct{}
	entered chan struct{}
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{
		byCode: make(map[string]string),
		byRef:  make(map[string]string),
		remote: make(map[string]routerclient.RemoteStatus),
	}
}

func (f *fakeRouter) Provision(ctx context.Context, code string, _ model.Profile) (routerclient.ProvisionResult, error) {
	if f.block != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
		select {
		case <-f.block:
		case <-ctx.Done():
			return routerclient.ProvisionResult{}, fmt.Errorf("%w: %v", routerclient.ErrUnreachable, ctx.Err())
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provisionCalls++
	if len(f.provisionErrs) > 0 {
		err := f.provisionErrs[0]
		f.provisionErrs = f.provisionErrs[1:]
		if err != nil {
			return routerclient.ProvisionResult{}, err
		}
	}
	if ref, ok := f.byCode[code]; ok {
		return routerclient.ProvisionResult{CredentialRef: ref}, nil
	}
	f.nextID++
	ref := fmt.Sprintf("*%d", f.nextID)
	f.byCode[code] = ref
	f.byRef[ref] = code
	return routerclient.ProvisionResult{CredentialRef: ref}, nil
}

func (f *fakeRouter) Deprovision(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deprovisionCalls++
	if len(f.deprovisionErrs) > 0 {
		err := f.deprovisionErrs[0]
		f.deprovisionErrs = f.deprovisionErrs[1:]
		if err != nil {
			return err
		}
	}
	if code, ok := f.byRef[ref]; ok {
		delete(f.byCode, code)
		delete(f.byRef, ref)
	}
	return nil
}

func (f *fakeRouter) QueryStatus(_ context.Context, ref string) (routerclient.RemoteStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.remote[ref]; ok {
		return status, nil
	}
	if _, ok := f.byRef[ref]; ok {
		return routerclient.RemoteStatusActive, nil
	}
	return routerclient.RemoteStatusUnknown, nil
}

func (f *fakeRouter) calls() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.provisionCalls, f.deprovisionCalls
}

type recorder struct {
	mu     sync.Mutex
	events []notifier.Event
}

func (r *recorder) Notify(_ context.Context, event notifier.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

func (r *recorder) Close() error {
	return nil
}

func (r *recorder) count(kind notifier.EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

var (
	admin     = model.Actor{AccountID: "admin", Role: model.RoleAdmin}
	reseller  = model.Actor{AccountID: "reseller1", Role: model.RoleReseller}
	reseller2 = model.Actor{AccountID: "reseller2", Role: model.RoleReseller}
	customer  = model.Actor{AccountID: "customer1", Role: model.RoleCustomer, Referrer: "reseller1"}
)

var testProfiles = []model.Profile{
	{Name: "1 Jam", PriceCustomer: 5000, PriceReseller: 4000, Duration: time.Hour},
	{Name: "3 Jam", PriceCustomer: 10000, PriceReseller: 8000, Duration: 3 * time.Hour},
	{Name: "flash", PriceCustomer: 1000, PriceReseller: 800, Duration: 20 * time.Millisecond},
}

type testEnv struct {
	svc    *service
	router *fakeRouter
	events *recorder
	ledger ledger.Ledger
}

func newTestEnv(t *testing.T) testEnv {
	st := store.NewMemStore()
	l, err := ledger.NewLedger(ledgerConfig.Config{NodeID: 1}, st)
	require.NoError(t, err)
	resolver, err := pricing.FromProfiles(testProfiles)
	require.NoError(t, err)

	router := newFakeRouter()
	events := &recorder{}
	svc := NewService(config.Config{
		RetryBase:        time.Millisecond,
		RetryAttempts:    3,
		ProvisionTimeout: time.Second,
		MaxStockBatch:    10,
	}, Deps{
		Ledger:   l,
		Vouchers: voucher.NewVouchers(voucherConfig.Config{}, st),
		Pricing:  resolver,
		Router:   router,
		Locker:   locker.NewMemLocker(),
		Notifier: events,
	}, zap.NewNop()).(*service)

	return testEnv{svc: svc, router: router, events: events, ledger: l}
}

func (e testEnv) topUp(t *testing.T, account string, amount int64) {
	_, err := e.svc.TopUp(context.Background(), admin, account, amount)
	require.NoError(t, err)
}

// debit - проведенное списание без дальнейших шагов покупки
func (e testEnv) debit(t *testing.T, account string, amount int64, reference string) {
	ctx := context.Background()
	id, err := e.ledger.RecordPending(ctx, account, model.EntryKindPurchase, -amount, reference)
	require.NoError(t, err)
	_, err = e.ledger.Commit(ctx, id)
	require.NoError(t, err)
}

func (e testEnv) balance(t *testing.T, account string) int64 {
	balance, err := e.ledger.BalanceOf(context.Background(), account)
	require.NoError(t, err)
	return balance
}

func TestPurchase(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 10000)

	v, err := env.svc.Purchase(ctx, reseller, "3 Jam")
	require.NoError(t, err)
	require.Equal(t, model.VoucherStatusActive, v.Status)
	require.True(t, v.ActivatedAt.Add(3*time.Hour).Equal(v.ExpiresAt))
	require.NotEmpty(t, v.CredentialRef)
	require.Equal(t, model.VoucherOriginPurchase, v.Origin)

	require.Equal(t, int64(2000), env.balance(t, reseller.AccountID))
	require.Equal(t, 1, env.events.count(notifier.EventPurchaseCompleted))

	got, err := env.svc.Voucher(ctx, reseller, v.Code)
	require.NoError(t, err)
	require.Equal(t, model.VoucherStatusActive, got.Status)
}

func TestPurchaseUnreachableCompensates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 10000)
	env.router.provisionErrs = []error{routerclient.ErrUnreachable, routerclient.ErrUnreachable, routerclient.ErrUnreachable}

	_, err := env.svc.Purchase(ctx, reseller, "3 Jam")
	require.ErrorIs(t, err, ErrProvisioningFailed)
	require.ErrorIs(t, err, ErrProvisioningUnreachable)

	provisions, _ := env.router.calls()
	require.Equal(t, 3, provisions)
	require.Equal(t, int64(10000), env.balance(t, reseller.AccountID))

	history, err := env.svc.History(ctx, reseller, "", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, model.EntryKindRefund, history[0].Kind)
	require.Equal(t, model.EntryStatusCommitted, history[0].Status)
	require.Equal(t, int64(8000), history[0].Amount)
	require.Equal(t, model.EntryKindPurchase, history[1].Kind)
	require.Equal(t, history[0].Reference, history[1].Reference)

	list, err := env.svc.Vouchers(ctx, reseller, nil, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	require.Equal(t, model.VoucherStatusPending, list[0].Status)

	// оплата возвращена - активировать нельзя
	_, err = env.svc.Redeem(ctx, list[0].Code)
	require.ErrorIs(t, err, ErrVoucherUnpaid)
	require.Equal(t, 1, env.events.count(notifier.EventPurchaseCompensated))
}

func TestPurchaseRecoversWithinRetryBudget(t *testing.T) {
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 10000)
	env.router.provisionErrs = []error{routerclient.ErrUnreachable, routerclient.ErrUnreachable}

	v, err := env.svc.Purchase(context.Background(), reseller, "3 Jam")
	require.NoError(t, err)
	require.Equal(t, model.VoucherStatusActive, v.Status)
	provisions, _ := env.router.calls()
	require.Equal(t, 3, provisions)
	require.Equal(t, int64(2000), env.balance(t, reseller.AccountID))
}

func TestPurchaseRejectedNotRetried(t *testing.T) {
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 10000)
	env.router.provisionErrs = []error{routerclient.ErrRejected}

	_, err := env.svc.Purchase(context.Background(), reseller, "3 Jam")
	require.ErrorIs(t, err, ErrProvisioningFailed)
	require.ErrorIs(t, err, ErrProvisioningRejected)

	provisions, _ := env.router.calls()
	require.Equal(t, 1, provisions)
	require.Equal(t, int64(10000), env.balance(t, reseller.AccountID))
}

func TestPurchaseValidation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.svc.Purchase(ctx, reseller, "3 Jam")
	require.ErrorIs(t, err, ErrInsufficientBalance)

	_, err = env.svc.Purchase(ctx, reseller, "7 Jam")
	require.ErrorIs(t, err, ErrUnknownProfile)

	_, err = env.svc.Purchase(ctx, model.Actor{AccountID: "x", Role: "root"}, "3 Jam")
	require.ErrorIs(t, err, ErrForbidden)

	// побочных эффектов нет
	provisions, _ := env.router.calls()
	require.Zero(t, provisions)
	list, err := env.svc.Vouchers(ctx, reseller, nil, 0)
	require.NoError(t, err)
	require.Empty(t, list)

	history, err := env.svc.History(ctx, reseller, "", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, model.EntryStatusFailed, history[0].Status)
}

func TestConcurrentPurchases(t *testing.T) {
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 8000)

	var (
		wg           sync.WaitGroup
		mu           sync.Mutex
		succeeded    int
		insufficient int
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.Purchase(context.Background(), reseller, "3 Jam")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case assert.ErrorIs(t, err, ErrInsufficientBalance):
				insufficient++
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 1, succeeded)
	require.Equal(t, 9, insufficient)
	require.Zero(t, env.balance(t, reseller.AccountID))
}

func TestBalanceNeverNegative(t *testing.T) {
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 20000)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			env.svc.Purchase(context.Background(), reseller, "1 Jam")
		}()
		go func() {
			defer wg.Done()
			env.svc.TopUp(context.Background(), admin, reseller.AccountID, 1000)
		}()
	}
	wg.Wait()

	balance := env.balance(t, reseller.AccountID)
	require.GreaterOrEqual(t, balance, int64(0))

	history, err := env.svc.History(context.Background(), admin, reseller.AccountID, 0)
	require.NoError(t, err)
	var sum int64
	for _, e := range history {
		if e.Status == model.EntryStatusCommitted {
			sum += e.Amount
		}
	}
	require.Equal(t, sum, balance)
}

func TestLazyExpiryAndSweep(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 1000)

	v, err := env.svc.Purchase(ctx, reseller, "flash")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)

	// проход еще не выполнялся
	got, err := env.svc.Voucher(ctx, reseller, v.Code)
	require.NoError(t, err)
	require.Equal(t, model.VoucherStatusExpired, got.Status)

	res, err := env.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Expired: 1, Deprovisioned: 1}, res)
	_, deprovisions := env.router.calls()
	require.Equal(t, 1, deprovisions)

	res, err = env.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, res)
	_, deprovisions = env.router.calls()
	require.Equal(t, 1, deprovisions)
	require.Equal(t, 1, env.events.count(notifier.EventVoucherExpired))
}

func TestSweepRetriesDeprovision(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 1000)

	_, err := env.svc.Purchase(ctx, reseller, "flash")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)

	env.router.deprovisionErrs = []error{routerclient.ErrUnreachable}
	res, err := env.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Expired: 1, Failed: 1}, res)

	res, err = env.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{Deprovisioned: 1}, res)
}

func TestCommission(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.topUp(t, customer.AccountID, 10000)

	v, err := env.svc.Purchase(ctx, customer, "3 Jam")
	require.NoError(t, err)
	require.Equal(t, int64(10000), v.PriceCustomer)

	require.Zero(t, env.balance(t, customer.AccountID))
	require.Equal(t, int64(2000), env.balance(t, reseller.AccountID))

	history, err := env.svc.History(ctx, reseller, "", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	require.Equal(t, model.EntryKindCommission, history[0].Kind)
	require.Equal(t, v.Reference, history[0].Reference)
	require.Equal(t, 1, env.events.count(notifier.EventCommissionCredited))

	// комиссия не начисляется без покупки
	env.router.provisionErrs = []error{routerclient.ErrRejected}
	env.topUp(t, customer.AccountID, 10000)
	_, err = env.svc.Purchase(ctx, customer, "3 Jam")
	require.ErrorIs(t, err, ErrProvisioningFailed)
	require.Equal(t, int64(2000), env.balance(t, reseller.AccountID))
}

func TestManualCommission(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.svc.Commission(ctx, reseller, reseller.AccountID, 100, "")
	require.ErrorIs(t, err, ErrForbidden)
	_, err = env.svc.Commission(ctx, admin, reseller.AccountID, 0, "")
	require.ErrorIs(t, err, ErrInvalidAmount)

	balance, err := env.svc.Commission(ctx, admin, reseller.AccountID, 1500, "campaign")
	require.NoError(t, err)
	require.Equal(t, int64(1500), balance)
}

func TestRedeemStock(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 10000)

	stock, err := env.svc.GenerateStock(ctx, reseller, "1 Jam", 2)
	require.NoError(t, err)
	require.Len(t, stock, 2)
	require.Equal(t, int64(2000), env.balance(t, reseller.AccountID))
	for _, v := range stock {
		require.Equal(t, model.VoucherStatusPending, v.Status)
		require.Equal(t, model.VoucherOriginStock, v.Origin)
	}

	// одновременный ввод одного кода
	code := stock[0].Code
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := env.svc.Redeem(ctx, code)
			if assert.NoError(t, err) {
				assert.Equal(t, model.VoucherStatusActive, v.Status)
			}
		}()
	}
	wg.Wait()

	provisions, _ := env.router.calls()
	require.Equal(t, 1, provisions)

	v, err := env.svc.Voucher(ctx, reseller, code)
	require.NoError(t, err)
	require.True(t, v.ActivatedAt.Add(time.Hour).Equal(v.ExpiresAt))

	_, err = env.svc.Redeem(ctx, "0000000000")
	require.ErrorIs(t, err, ErrVoucherNotFound)
}

func TestRedeemUnreachable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	stock, err := env.svc.GenerateStock(ctx, admin, "1 Jam", 1)
	require.NoError(t, err)

	env.router.provisionErrs = []error{routerclient.ErrUnreachable, routerclient.ErrUnreachable, routerclient.ErrUnreachable}
	_, err = env.svc.Redeem(ctx, stock[0].Code)
	require.ErrorIs(t, err, ErrProvisioningUnreachable)

	v, err := env.svc.Voucher(ctx, admin, stock[0].Code)
	require.NoError(t, err)
	require.Equal(t, model.VoucherStatusPending, v.Status)

	// роутер снова доступен
	v, err = env.svc.Redeem(ctx, stock[0].Code)
	require.NoError(t, err)
	require.Equal(t, model.VoucherStatusActive, v.Status)
}

func TestGenerateStockRules(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.svc.GenerateStock(ctx, customer, "1 Jam", 1)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = env.svc.GenerateStock(ctx, reseller, "1 Jam", 0)
	require.ErrorIs(t, err, ErrInvalidCount)
	_, err = env.svc.GenerateStock(ctx, reseller, "1 Jam", 11)
	require.ErrorIs(t, err, ErrInvalidCount)
	_, err = env.svc.GenerateStock(ctx, reseller, "7 Jam", 1)
	require.ErrorIs(t, err, ErrUnknownProfile)
	_, err = env.svc.GenerateStock(ctx, reseller, "1 Jam", 1)
	require.ErrorIs(t, err, ErrInsufficientBalance)

	// администратор выпускает без оплаты
	stock, err := env.svc.GenerateStock(ctx, admin, "3 Jam", 3)
	require.NoError(t, err)
	require.Len(t, stock, 3)
	require.Zero(t, env.balance(t, admin.AccountID))
}

func TestAdminAdjustBalance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 1000)

	_, err := env.svc.AdminAdjustBalance(ctx, reseller, reseller.AccountID, 5000)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = env.svc.AdminAdjustBalance(ctx, admin, reseller.AccountID, -1)
	require.ErrorIs(t, err, ErrInvalidAmount)

	balance, err := env.svc.AdminAdjustBalance(ctx, admin, reseller.AccountID, 5000)
	require.NoError(t, err)
	require.Equal(t, int64(5000), balance)
	require.Equal(t, int64(5000), env.balance(t, reseller.AccountID))

	// без изменений
	balance, err = env.svc.AdminAdjustBalance(ctx, admin, reseller.AccountID, 5000)
	require.NoError(t, err)
	require.Equal(t, int64(5000), balance)

	balance, err = env.svc.AdminAdjustBalance(ctx, admin, reseller.AccountID, 0)
	require.NoError(t, err)
	require.Zero(t, balance)

	history, err := env.svc.History(ctx, admin, reseller.AccountID, 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, model.EntryKindAdjustment, history[0].Kind)
	require.Equal(t, int64(-5000), history[0].Amount)
}

func TestTopUpRules(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	_, err := env.svc.TopUp(ctx, reseller, reseller.AccountID, 1000)
	require.ErrorIs(t, err, ErrForbidden)
	_, err = env.svc.TopUp(ctx, admin, reseller.AccountID, 0)
	require.ErrorIs(t, err, ErrInvalidAmount)

	balance, err := env.svc.TopUp(ctx, admin, reseller.AccountID, 1000)
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)

	_, err = env.svc.Balance(ctx, reseller2, reseller.AccountID)
	require.ErrorIs(t, err, ErrForbidden)
	balance, err = env.svc.Balance(ctx, reseller, "")
	require.NoError(t, err)
	require.Equal(t, int64(1000), balance)
}

func TestConsume(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 10000)

	v, err := env.svc.Purchase(ctx, reseller, "3 Jam")
	require.NoError(t, err)

	_, err = env.svc.Consume(ctx, reseller, v.Code)
	require.ErrorIs(t, err, ErrForbidden)

	used, err := env.svc.Consume(ctx, admin, v.Code)
	require.NoError(t, err)
	require.Equal(t, model.VoucherStatusUsed, used.Status)
	require.False(t, used.DeprovisionedAt.IsZero())

	_, err = env.svc.Consume(ctx, admin, v.Code)
	require.ErrorIs(t, err, ErrVoucherTerminal)
	_, err = env.svc.Redeem(ctx, v.Code)
	require.ErrorIs(t, err, ErrVoucherTerminal)

	res, err := env.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, SweepResult{}, res)
}

func TestReconcile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 20000)

	drifted, err := env.svc.Purchase(ctx, reseller, "3 Jam")
	require.NoError(t, err)
	stale, err := env.svc.Purchase(ctx, reseller, "3 Jam")
	require.NoError(t, err)

	// роутер потерял учетные данные активного ваучера
	env.router.remote[drifted.CredentialRef] = routerclient.RemoteStatusUnknown
	// удаление при Consume не прошло
	env.router.deprovisionErrs = []error{routerclient.ErrUnreachable}
	_, err = env.svc.Consume(ctx, admin, stale.Code)
	require.NoError(t, err)

	res, err := env.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileResult{Checked: 2, Corrected: 1, Drift: 1}, res)
	require.Equal(t, 1, env.events.count(notifier.EventReconcileDrift))

	// источник истины - хранилище ваучеров
	v, err := env.svc.Voucher(ctx, reseller, drifted.Code)
	require.NoError(t, err)
	require.Equal(t, model.VoucherStatusActive, v.Status)

	res, err = env.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileResult{Checked: 1, Drift: 1}, res)
}

func TestVoucherVisibility(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 10000)

	stock, err := env.svc.GenerateStock(ctx, reseller, "1 Jam", 1)
	require.NoError(t, err)

	_, err = env.svc.Voucher(ctx, reseller2, stock[0].Code)
	require.ErrorIs(t, err, ErrVoucherNotFound)
	_, err = env.svc.Voucher(ctx, admin, stock[0].Code)
	require.NoError(t, err)

	list, err := env.svc.Vouchers(ctx, reseller2, nil, 0)
	require.NoError(t, err)
	require.Empty(t, list)
	list, err = env.svc.Vouchers(ctx, admin, []model.VoucherStatus{model.VoucherStatusPending}, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	list, err = env.svc.Vouchers(ctx, admin, []model.VoucherStatus{model.VoucherStatusActive}, 0)
	require.NoError(t, err)
	require.Empty(t, list)
}

func TestRunSweeper(t *testing.T) {
	env := newTestEnv(t)
	env.svc.cfg.SweepInterval = 5 * time.Millisecond
	env.topUp(t, reseller.AccountID, 1000)

	_, err := env.svc.Purchase(context.Background(), reseller, "flash")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- env.svc.RunSweeper(ctx) }()

	require.Eventually(t, func() bool {
		_, deprovisions := env.router.calls()
		return deprovisions == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

var errLedgerDown = errors.New("ledger connection reset")

// refundFailLedger - журнал, в котором не записываются возвраты
type refundFailLedger struct {
	ledger.Ledger
	mu   sync.Mutex
	fail bool
}

func (l *refundFailLedger) setFail(fail bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.fail = fail
}

func (l *refundFailLedger) RecordPending(ctx context.Context, account string, kind model.EntryKind, amount int64, reference string) (int64, error) {
	l.mu.Lock()
	fail := l.fail
	l.mu.Unlock()
	if fail && kind == model.EntryKindRefund {
		return 0, errLedgerDown
	}
	return l.Ledger.RecordPending(ctx, account, kind, amount, reference)
}

func TestRefundFailureEscalates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 10000)

	failing := &refundFailLedger{Ledger: env.ledger, fail: true}
	env.svc.ledger = failing
	env.router.provisionErrs = []error{routerclient.ErrRejected}

	_, err := env.svc.Purchase(ctx, reseller, "3 Jam")
	require.ErrorIs(t, err, ErrStoreUnavailable)
	require.Equal(t, 1, env.events.count(notifier.EventEscalation))
	require.Zero(t, env.events.count(notifier.EventPurchaseCompensated))
	// списание осталось, возврат не записан
	require.Equal(t, int64(2000), env.balance(t, reseller.AccountID))

	// журнал снова доступен: проход возвращает средства
	failing.setFail(false)
	env.svc.cfg.RecoveryDelay = time.Millisecond
	time.Sleep(5 * time.Millisecond)

	res, err := env.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Recovered)
	require.Zero(t, res.Failed)
	require.Equal(t, int64(10000), env.balance(t, reseller.AccountID))
	require.Equal(t, 1, env.events.count(notifier.EventPurchaseCompensated))

	pending, err := env.svc.Vouchers(ctx, reseller, []model.VoucherStatus{model.VoucherStatusPending}, 0)
	require.NoError(t, err)
	require.Empty(t, pending)
}

type purchaseResult struct {
	v   model.Voucher
	err error
}

func TestPurchaseSurvivesCallerCancel(t *testing.T) {
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 20000)

	purchase := func(fail error) purchaseResult {
		env.router.block = make(chan struct{})
		env.router.entered = make(chan struct{}, 1)
		if fail != nil {
			env.router.provisionErrs = []error{fail}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		done := make(chan purchaseResult, 1)
		go func() {
			v, err := env.svc.Purchase(ctx, reseller, "3 Jam")
			done <- purchaseResult{v: v, err: err}
		}()

		select {
		case <-env.router.entered:
		case <-time.After(2 * time.Second):
			t.Fatal("provisioning not started")
		}
		// вызывающий ушел после списания
		cancel()
		close(env.router.block)
		return <-done
	}

	res := purchase(nil)
	require.NoError(t, res.err)
	require.Equal(t, model.VoucherStatusActive, res.v.Status)
	require.Equal(t, int64(12000), env.balance(t, reseller.AccountID))

	res = purchase(routerclient.ErrRejected)
	require.ErrorIs(t, res.err, ErrProvisioningFailed)
	require.Equal(t, int64(12000), env.balance(t, reseller.AccountID))
	require.Equal(t, 1, env.events.count(notifier.EventPurchaseCompensated))
}

func TestSweepRecoversInterruptedPurchase(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 40000)

	// завершенная покупка
	_, err := env.svc.Purchase(ctx, reseller, "3 Jam")
	require.NoError(t, err)
	// покупка с возвратом
	env.router.provisionErrs = []error{routerclient.ErrRejected}
	_, err = env.svc.Purchase(ctx, reseller, "3 Jam")
	require.ErrorIs(t, err, ErrProvisioningFailed)
	// выпущенная партия
	_, err = env.svc.GenerateStock(ctx, reseller, "1 Jam", 2)
	require.NoError(t, err)
	require.Equal(t, int64(24000), env.balance(t, reseller.AccountID))

	// процесс остановился после списания
	env.debit(t, reseller.AccountID, 8000, "purchase-interrupted")
	// партия из двух ваучеров выпущена наполовину
	env.debit(t, reseller.AccountID, 8000, "batch-partial")
	partial, err := env.svc.vouchers.Issue(ctx, voucher.IssueRequest{
		Profile:     testProfiles[0],
		Origin:      model.VoucherOriginStock,
		GeneratedBy: reseller.AccountID,
		Reference:   "batch-partial",
	})
	require.NoError(t, err)
	// покупка еще идет в другом экземпляре
	env.debit(t, reseller.AccountID, 8000, "purchase-inflight")
	unlock, err := env.svc.locker.Lock(ctx, purchaseKey("purchase-inflight"))
	require.NoError(t, err)
	require.Zero(t, env.balance(t, reseller.AccountID))

	env.svc.cfg.RecoveryDelay = time.Millisecond
	time.Sleep(5 * time.Millisecond)

	res, err := env.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Recovered)
	require.Zero(t, res.Failed)
	require.Equal(t, int64(16000), env.balance(t, reseller.AccountID))

	v, err := env.svc.Voucher(ctx, reseller, partial.Code)
	require.NoError(t, err)
	require.Equal(t, model.VoucherStatusExpired, v.Status)

	// возврат выполняется один раз
	res, err = env.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Zero(t, res.Recovered)
	require.Equal(t, int64(16000), env.balance(t, reseller.AccountID))

	unlock()
	res, err = env.svc.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, res.Recovered)
	require.Equal(t, int64(24000), env.balance(t, reseller.AccountID))
	require.Equal(t, 4, env.events.count(notifier.EventPurchaseCompensated))
}

func TestReconcilePagesThroughAllCredentials(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.svc.cfg.SweepBatch = 2
	env.topUp(t, reseller.AccountID, 30000)

	var bought []model.Voucher
	for i := 0; i < 3; i++ {
		v, err := env.svc.Purchase(ctx, reseller, "3 Jam")
		require.NoError(t, err)
		bought = append(bought, v)
	}
	sort.Slice(bought, func(i, j int) bool { return bought[i].Code < bought[j].Code })
	// роутер потерял учетные данные ваучера из последней страницы
	env.router.remote[bought[2].CredentialRef] = routerclient.RemoteStatusUnknown

	res, err := env.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileResult{Checked: 2}, res)

	res, err = env.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileResult{Checked: 1, Drift: 1}, res)
	require.Equal(t, 1, env.events.count(notifier.EventReconcileDrift))

	// после последней страницы обход начинается сначала
	res, err = env.svc.Reconcile(ctx)
	require.NoError(t, err)
	require.Equal(t, ReconcileResult{Checked: 2}, res)
}

func TestVouchersListExpiredBeforeSweep(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.topUp(t, reseller.AccountID, 1000)

	v, err := env.svc.Purchase(ctx, reseller, "flash")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)

	expired, err := env.svc.Vouchers(ctx, reseller, []model.VoucherStatus{model.VoucherStatusExpired}, 0)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, v.Code, expired[0].Code)
	require.Equal(t, model.VoucherStatusExpired, expired[0].Status)

	active, err := env.svc.Vouchers(ctx, reseller, []model.VoucherStatus{model.VoucherStatusActive}, 0)
	require.NoError(t, err)
	require.Empty(t, active)
}
