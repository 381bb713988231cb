package model

import "time"

// Роли

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReseller Role = "reseller"
	RoleCustomer Role = "customer"
)

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleReseller, RoleCustomer:
		return true
	}
	return false
}

// Actor - участник операции. Учетные записи ведет внешний сервис,
// сюда приходит только идентификатор, роль и (для покупателя) реселлер, который его привел.
type Actor struct {
	AccountID string
	Role      Role
	Referrer  string
}

// Журнал баланса

type EntryKind string

const (
	EntryKindTopUp      EntryKind = "topup"
	EntryKindPurchase   EntryKind = "purchase"
	EntryKindCommission EntryKind = "commission"
	EntryKindRefund     EntryKind = "refund"
	EntryKindAdjustment EntryKind = "adjustment"
)

type EntryStatus string

const (
	EntryStatusPending   EntryStatus = "pending"
	EntryStatusCommitted EntryStatus = "committed"
	EntryStatusFailed    EntryStatus = "failed"
)

// LedgerEntry - запись журнала. Amount со знаком, в минимальных единицах валюты.
type LedgerEntry struct {
	ID          int64
	Account     string
	Kind        EntryKind
	Amount      int64
	Status      EntryStatus
	Reference   string
	CreatedAt   time.Time
	FinalizedAt time.Time
}

// Ваучеры

type VoucherStatus string

const (
	VoucherStatusPending VoucherStatus = "pending"
	VoucherStatusActive  VoucherStatus = "active"
	VoucherStatusUsed    VoucherStatus = "used"
	VoucherStatusExpired VoucherStatus = "expired"
)

func (s VoucherStatus) Terminal() bool {
	return s == VoucherStatusUsed || s == VoucherStatusExpired
}

type VoucherOrigin string

const (
	VoucherOriginStock    VoucherOrigin = "stock"
	VoucherOriginPurchase VoucherOrigin = "purchase"
)

type Voucher struct {
	Code            string
	Profile         string
	PriceCustomer   int64
	PriceReseller   int64
	Duration        time.Duration
	Status          VoucherStatus
	Origin          VoucherOrigin
	GeneratedBy     string
	Reference       string
	CredentialRef   string
	CreatedAt       time.Time
	ActivatedAt     time.Time
	ExpiresAt       time.Time
	ClosedAt        time.Time
	DeprovisionedAt time.Time
}

// Expired - истек ли срок активного ваучера на момент now.
func (v Voucher) Expired(now time.Time) bool {
	return v.Status == VoucherStatusActive && !v.ExpiresAt.IsZero() && now.After(v.ExpiresAt)
}

// Profile - тариф. Цены копируются в ваучер при выпуске.
type Profile struct {
	Name          string        `yaml:"name"`
	PriceCustomer int64         `yaml:"price_customer"`
	PriceReseller int64         `yaml:"price_reseller"`
	Duration      time.Duration `yaml:"duration"`
	RouterProfile string        `yaml:"router_profile"`
}
