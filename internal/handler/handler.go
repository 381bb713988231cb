package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/iurnickita/voucherd/internal/auth"
	"github.com/iurnickita/voucherd/internal/gzip"
	"github.com/iurnickita/voucherd/internal/handler/config"
	"github.com/iurnickita/voucherd/internal/logger"
	"github.com/iurnickita/voucherd/internal/model"
	"github.com/iurnickita/voucherd/internal/pricing"
	"github.com/iurnickita/voucherd/internal/service"
)

const shutdownTimeout = 10 * time.Second

// Serve - HTTP API до отмены ctx
func Serve(ctx context.Context, cfg config.Config, auth auth.Auth, service service.Service, zaplog *zap.Logger) error {
	h := newHandler(auth, service, cfg.AmountScale, zaplog)
	router := h.newRouter()

	srv := &http.Server{
		Addr:    cfg.ServerAddr,
		Handler: router,
	}

	errc := make(chan error, 1)
	go func() {
		zaplog.Info("http server started", zap.String("addr", cfg.ServerAddr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

type handler struct {
	auth    auth.Auth
	service service.Service
	scale   int32
	zaplog  *zap.Logger
}

func newHandler(auth auth.Auth, service service.Service, scale int32, zaplog *zap.Logger) *handler {
	return &handler{
		auth:    auth,
		service: service,
		scale:   scale,
		zaplog:  zaplog,
	}
}

func (h *handler) route(f http.HandlerFunc) http.HandlerFunc {
	return gzip.GzipMiddleware(logger.RequestLogMdlw(h.auth.Middleware(f), h.zaplog))
}

func (h *handler) newRouter() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/profiles", h.route(h.GetProfiles))
	mux.HandleFunc("GET /api/balance", h.route(h.GetBalance))
	mux.HandleFunc("GET /api/balance/history", h.route(h.GetHistory))
	mux.HandleFunc("POST /api/vouchers/purchase", h.route(h.PostPurchase))
	mux.HandleFunc("POST /api/vouchers/redeem", h.route(h.PostRedeem))
	mux.HandleFunc("POST /api/vouchers/stock", h.route(h.PostStock))
	mux.HandleFunc("GET /api/vouchers", h.route(h.GetVouchers))
	mux.HandleFunc("GET /api/vouchers/{code}", h.route(h.GetVoucher))
	mux.HandleFunc("POST /api/admin/accounts/{account}/topup", h.route(h.PostTopUp))
	mux.HandleFunc("POST /api/admin/accounts/{account}/commission", h.route(h.PostCommission))
	mux.HandleFunc("PUT /api/admin/accounts/{account}/balance", h.route(h.PutBalance))
	mux.HandleFunc("POST /api/admin/vouchers/{code}/consume", h.route(h.PostConsume))

	return mux
}

// writeError - ошибки сервиса в коды ответа
func (h *handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidAmount),
		errors.Is(err, service.ErrInvalidCount):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, service.ErrForbidden):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, service.ErrInsufficientBalance):
		http.Error(w, err.Error(), http.StatusPaymentRequired)
	case errors.Is(err, service.ErrVoucherNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, service.ErrVoucherTerminal),
		errors.Is(err, service.ErrVoucherUnpaid):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, service.ErrUnknownProfile):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	case errors.Is(err, service.ErrProvisioningFailed),
		errors.Is(err, service.ErrProvisioningRejected),
		errors.Is(err, service.ErrProvisioningUnreachable):
		http.Error(w, err.Error(), http.StatusBadGateway)
	case errors.Is(err, service.ErrStoreUnavailable):
		h.zaplog.Error("store unavailable", zap.Error(err))
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		h.zaplog.Error("request failed", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (h *handler) writeJSON(w http.ResponseWriter, code int, v any) {
	responseJSON, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(responseJSON)
}

func readJSON(r *http.Request, v any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func actorOf(r *http.Request) model.Actor {
	actor, _ := auth.ActorFrom(r.Context())
	return actor
}

// Суммы в API - десятичные строки в основной единице валюты

func (h *handler) amountOutput(amount int64) decimal.Decimal {
	return decimal.New(amount, -h.scale)
}

var (
	maxAmount = decimal.NewFromInt(math.MaxInt64)
	minAmount = decimal.NewFromInt(math.MinInt64)
)

// amountInput - сумма в минимальных единицах. Дробные и не помещающиеся в int64 суммы отклоняются.
func (h *handler) amountInput(amount decimal.Decimal) (int64, error) {
	minor := amount.Shift(h.scale)
	if !minor.IsInteger() || minor.GreaterThan(maxAmount) || minor.LessThan(minAmount) {
		return 0, service.ErrInvalidAmount
	}
	return minor.IntPart(), nil
}

type ProfileJSONResponse struct {
	Name          string          `json:"name"`
	Price         decimal.Decimal `json:"price"`
	PriceCustomer decimal.Decimal `json:"price_customer"`
	PriceReseller decimal.Decimal `json:"price_reseller"`
	Duration      string          `json:"duration"`
}

func (h *handler) GetProfiles(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)

	var profilesJSON []ProfileJSONResponse
	for _, p := range h.service.Profiles() {
		profilesJSON = append(profilesJSON, ProfileJSONResponse{
			Name:          p.Name,
			Price:         h.amountOutput(pricing.PriceOf(p, actor.Role)),
			PriceCustomer: h.amountOutput(p.PriceCustomer),
			PriceReseller: h.amountOutput(p.PriceReseller),
			Duration:      p.Duration.String(),
		})
	}
	h.writeJSON(w, http.StatusOK, profilesJSON)
}

type BalanceJSONResponse struct {
	Account string          `json:"account"`
	Balance decimal.Decimal `json:"balance"`
}

func (h *handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)
	account := r.URL.Query().Get("account")

	balance, err := h.service.Balance(r.Context(), actor, account)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if account == "" {
		account = actor.AccountID
	}
	h.writeJSON(w, http.StatusOK, BalanceJSONResponse{Account: account, Balance: h.amountOutput(balance)})
}

type EntryJSONResponse struct {
	ID          string          `json:"id"`
	Kind        string          `json:"kind"`
	Amount      decimal.Decimal `json:"amount"`
	Status      string          `json:"status"`
	Reference   string          `json:"reference"`
	CreatedAt   time.Time       `json:"created_at"`
	FinalizedAt *time.Time      `json:"finalized_at,omitempty"`
}

func limitOf(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit < 0 {
		return 0
	}
	return limit
}

func (h *handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	actor := actorOf(r)

	history, err := h.service.History(r.Context(), actor, r.URL.Query().Get("account"), limitOf(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(history) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var historyJSON []EntryJSONResponse
	for _, e := range history {
		entry := EntryJSONResponse{
			ID:        strconv.FormatInt(e.ID, 10),
			Kind:      string(e.Kind),
			Amount:    h.amountOutput(e.Amount),
			Status:    string(e.Status),
			Reference: e.Reference,
			CreatedAt: e.CreatedAt,
		}
		if !e.FinalizedAt.IsZero() {
			finalized := e.FinalizedAt
			entry.FinalizedAt = &finalized
		}
		historyJSON = append(historyJSON, entry)
	}
	h.writeJSON(w, http.StatusOK, historyJSON)
}

type VoucherJSONResponse struct {
	Code          string          `json:"code"`
	Profile       string          `json:"profile"`
	Status        string          `json:"status"`
	Origin        string          `json:"origin"`
	PriceCustomer decimal.Decimal `json:"price_customer"`
	PriceReseller decimal.Decimal `json:"price_reseller"`
	Duration      string          `json:"duration"`
	GeneratedBy   string          `json:"generated_by"`
	CreatedAt     time.Time       `json:"created_at"`
	ActivatedAt   *time.Time      `json:"activated_at,omitempty"`
	ExpiresAt     *time.Time      `json:"expires_at,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (h *handler) voucherJSON(v model.Voucher) VoucherJSONResponse {
	return VoucherJSONResponse{
		Code:          v.Code,
		Profile:       v.Profile,
		Status:        string(v.Status),
		Origin:        string(v.Origin),
		PriceCustomer: h.amountOutput(v.PriceCustomer),
		PriceReseller: h.amountOutput(v.PriceReseller),
		Duration:      v.Duration.String(),
		GeneratedBy:   v.GeneratedBy,
		CreatedAt:     v.CreatedAt,
		ActivatedAt:   optionalTime(v.ActivatedAt),
		ExpiresAt:     optionalTime(v.ExpiresAt),
	}
}

type PostPurchaseJSONRequest struct {
	Profile string `json:"profile"`
}

func (h *handler) PostPurchase(w http.ResponseWriter, r *http.Request) {
	var purchaseJSON PostPurchaseJSONRequest
	if err := readJSON(r, &purchaseJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	v, err := h.service.Purchase(r.Context(), actorOf(r), purchaseJSON.Profile)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.voucherJSON(v))
}

type PostRedeemJSONRequest struct {
	Code string `json:"code"`
}

func (h *handler) PostRedeem(w http.ResponseWriter, r *http.Request) {
	var redeemJSON PostRedeemJSONRequest
	if err := readJSON(r, &redeemJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	v, err := h.service.Redeem(r.Context(), strings.TrimSpace(redeemJSON.Code))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.voucherJSON(v))
}

type PostStockJSONRequest struct {
	Profile string `json:"profile"`
	Count   int    `json:"count"`
}

func (h *handler) PostStock(w http.ResponseWriter, r *http.Request) {
	var stockJSON PostStockJSONRequest
	if err := readJSON(r, &stockJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	stock, err := h.service.GenerateStock(r.Context(), actorOf(r), stockJSON.Profile, stockJSON.Count)
	if err != nil {
		h.writeError(w, err)
		return
	}
	vouchersJSON := make([]VoucherJSONResponse, 0, len(stock))
	for _, v := range stock {
		vouchersJSON = append(vouchersJSON, h.voucherJSON(v))
	}
	h.writeJSON(w, http.StatusCreated, vouchersJSON)
}

func (h *handler) GetVouchers(w http.ResponseWriter, r *http.Request) {
	var statuses []model.VoucherStatus
	if status := r.URL.Query().Get("status"); status != "" {
		for _, s := range strings.Split(status, ",") {
			statuses = append(statuses, model.VoucherStatus(strings.TrimSpace(s)))
		}
	}

	list, err := h.service.Vouchers(r.Context(), actorOf(r), statuses, limitOf(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(list) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	vouchersJSON := make([]VoucherJSONResponse, 0, len(list))
	for _, v := range list {
		vouchersJSON = append(vouchersJSON, h.voucherJSON(v))
	}
	h.writeJSON(w, http.StatusOK, vouchersJSON)
}

func (h *handler) GetVoucher(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.Voucher(r.Context(), actorOf(r), r.PathValue("code"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.voucherJSON(v))
}

type AmountJSONRequest struct {
	Amount    decimal.Decimal `json:"amount"`
	Reference string          `json:"reference,omitempty"`
}

func (h *handler) PostTopUp(w http.ResponseWriter, r *http.Request) {
	var amountJSON AmountJSONRequest
	if err := readJSON(r, &amountJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := h.amountInput(amountJSON.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}

	account := r.PathValue("account")
	balance, err := h.service.TopUp(r.Context(), actorOf(r), account, amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceJSONResponse{Account: account, Balance: h.amountOutput(balance)})
}

func (h *handler) PostCommission(w http.ResponseWriter, r *http.Request) {
	var amountJSON AmountJSONRequest
	if err := readJSON(r, &amountJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := h.amountInput(amountJSON.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}

	account := r.PathValue("account")
	balance, err := h.service.Commission(r.Context(), actorOf(r), account, amount, amountJSON.Reference)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceJSONResponse{Account: account, Balance: h.amountOutput(balance)})
}

type PutBalanceJSONRequest struct {
	Balance decimal.Decimal `json:"balance"`
}

func (h *handler) PutBalance(w http.ResponseWriter, r *http.Request) {
	var balanceJSON PutBalanceJSONRequest
	if err := readJSON(r, &balanceJSON); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	target, err := h.amountInput(balanceJSON.Balance)
	if err != nil {
		h.writeError(w, err)
		return
	}

	account := r.PathValue("account")
	balance, err := h.service.AdminAdjustBalance(r.Context(), actorOf(r), account, target)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, BalanceJSONResponse{Account: account, Balance: h.amountOutput(balance)})
}

func (h *handler) PostConsume(w http.ResponseWriter, r *http.Request) {
	v, err := h.service.Consume(r.Context(), actorOf(r), r.PathValue("code"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.voucherJSON(v))
}
