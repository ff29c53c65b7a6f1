// Package model defines the core domain types shared across the ledger core.
// Monetary values are shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Role is a user's position in the commission tree.
type Role string

const (
	RoleAgent     Role = "AGENT"
	RoleModerator Role = "MODERATOR"
	RoleAdmin     Role = "ADMIN"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleAgent, RoleModerator, RoleAdmin:
		return true
	}
	return false
}

// Limited reports whether the role is bound by a weekly limit.
func (r Role) Limited() bool {
	return r == RoleAgent || r == RoleModerator
}

// BetStatus is the settlement state of a bet.
type BetStatus string

const (
	BetPending   BetStatus = "PENDING"
	BetWon       BetStatus = "WON"
	BetLost      BetStatus = "LOST"
	BetPartial   BetStatus = "PARTIAL"
	BetCancelled BetStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed.
func (s BetStatus) Terminal() bool {
	return s != BetPending
}

// User is a node in the upline tree.
// TenantID is empty for ADMIN and for a MODERATOR, which is its own tenant root.
type User struct {
	ID             string          `json:"id" db:"id"`
	Username       string          `json:"username" db:"username"`
	Role           Role            `json:"role" db:"role"`
	UplineID       string          `json:"upline_id,omitempty" db:"upline_id"`
	TenantID       string          `json:"tenant_id,omitempty" db:"tenant_id"`
	WeeklyLimit    decimal.Decimal `json:"weekly_limit" db:"weekly_limit"` // 0 → unlimited
	WeeklyUsed     decimal.Decimal `json:"weekly_used" db:"weekly_used"`
	CommissionRate decimal.Decimal `json:"commission_rate" db:"commission_rate"` // percent, 0-100
	Active         bool            `json:"active" db:"active"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// EffectiveTenant returns the tenant the user belongs to for isolation
// purposes. A MODERATOR owns the tenant named by its own id.
func (u *User) EffectiveTenant() string {
	if u.TenantID != "" {
		return u.TenantID
	}
	if u.Role == RoleModerator {
		return u.ID
	}
	return ""
}

// Remaining returns the unused weekly allowance. Unlimited users report zero.
func (u *User) Remaining() decimal.Decimal {
	if u.WeeklyLimit.IsZero() {
		return decimal.Zero
	}
	r := u.WeeklyLimit.Sub(u.WeeklyUsed)
	if r.IsNegative() {
		return decimal.Zero
	}
	return r
}

// Selection is one number picked on a bet, played on every provider of the bet.
type Selection struct {
	Number  string          `json:"number"`
	BetType string          `json:"bet_type"` // "STRAIGHT", "BOX", ...
	Amount  decimal.Decimal `json:"amount"`
}

// Bet is a wager placed by an agent against one draw date on one or more providers.
// Created on placement, mutated only by settlement or cancellation, never deleted.
type Bet struct {
	ID          string          `json:"id" db:"id"`
	OwnerID     string          `json:"owner_id" db:"owner_id"`
	TenantID    string          `json:"tenant_id,omitempty" db:"tenant_id"`
	Providers   []string        `json:"providers" db:"providers"`
	DrawDate    string          `json:"draw_date" db:"draw_date"` // YYYYMMDD
	Selections  []Selection     `json:"selections" db:"selections"`
	TotalAmount decimal.Decimal `json:"total_amount" db:"total_amount"`
	Status      BetStatus       `json:"status" db:"status"`
	Payout      decimal.Decimal `json:"payout" db:"payout"`
	ProfitLoss  decimal.Decimal `json:"profit_loss" db:"profit_loss"`
	ResultRef   string          `json:"result_ref,omitempty" db:"result_ref"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	SettledAt   *time.Time      `json:"settled_at,omitempty" db:"settled_at"`
	CancelledAt *time.Time      `json:"cancelled_at,omitempty" db:"cancelled_at"`
}

// DrawResult is the published outcome of one provider's draw.
// Winning numbers are ordered by prize tier (first, second, third).
type DrawResult struct {
	ID            string    `json:"id" db:"id"`
	ProviderRef   string    `json:"provider_ref" db:"provider_ref"`
	DrawKey       string    `json:"draw_key" db:"draw_key"`
	Winning       []string  `json:"winning" db:"winning"`
	Supplementary []string  `json:"supplementary" db:"supplementary"`
	CreatedAt     time.Time `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time `json:"updated_at" db:"updated_at"`
}

// Commission is an immutable share of a bet's profit or loss credited to an
// upline. Once created, these are never modified or deleted.
type Commission struct {
	ID            string          `json:"id" db:"id"`
	RecipientID   string          `json:"recipient_id" db:"recipient_id"`
	BetID         string          `json:"bet_id" db:"bet_id"`
	SourceOwnerID string          `json:"source_owner_id" db:"source_owner_id"`
	TenantID      string          `json:"tenant_id,omitempty" db:"tenant_id"`
	Level         int             `json:"level" db:"level"` // 1 = direct upline
	Rate          decimal.Decimal `json:"rate" db:"rate"`   // snapshot at calculation time
	BaseAmount    decimal.Decimal `json:"base_amount" db:"base_amount"`
	Amount        decimal.Decimal `json:"amount" db:"amount"` // signed
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
}

// ResetRun records the outcome of one weekly reset, successful or not.
type ResetRun struct {
	ID           string    `json:"id" db:"id"`
	StartedAt    time.Time `json:"started_at" db:"started_at"`
	FinishedAt   time.Time `json:"finished_at" db:"finished_at"`
	Attempts     int       `json:"attempts" db:"attempts"`
	RowsAffected int64     `json:"rows_affected" db:"rows_affected"`
	Succeeded    bool      `json:"succeeded" db:"succeeded"`
	Error        string    `json:"error,omitempty" db:"error"`
}

// LedgerState is the weekly allowance snapshot of one user.
type LedgerState struct {
	UserID      string          `json:"user_id"`
	WeeklyLimit decimal.Decimal `json:"weekly_limit"`
	WeeklyUsed  decimal.Decimal `json:"weekly_used"`
	Remaining   decimal.Decimal `json:"remaining"`
	Unlimited   bool            `json:"unlimited"`
}

// Caller is the authenticated identity on whose behalf an operation runs.
// It is always passed explicitly; there is no ambient request user.
type Caller struct {
	ID       string `json:"id"`
	Role     Role   `json:"role"`
	TenantID string `json:"tenant_id,omitempty"`
}

// BetFilter narrows bet listings. Empty fields match everything.
type BetFilter struct {
	TenantID string
	OwnerID  string
	Status   BetStatus
	DrawDate string
	Provider string
	Limit    int
}

// CommissionFilter narrows commission listings. Empty fields match everything.
type CommissionFilter struct {
	TenantID    string
	RecipientID string
	BetID       string
	Limit       int
}

// UserFilter narrows user listings. Empty fields match everything.
type UserFilter struct {
	TenantID string
	UplineID string
	Role     Role
}
