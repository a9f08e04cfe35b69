// Package model defines the core domain types shared across the commitment engine.
// CU balances are whole integers; reputation (RS) uses shopspring/decimal so
// fractional deltas like 20 * 0.1 stay exact.
package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// PredictionStatus is the lifecycle state of a forecast.
type PredictionStatus string

const (
	StatusDraft           PredictionStatus = "DRAFT"
	StatusActive          PredictionStatus = "ACTIVE"
	StatusPending         PredictionStatus = "PENDING"
	StatusResolvedCorrect PredictionStatus = "RESOLVED_CORRECT"
	StatusResolvedWrong   PredictionStatus = "RESOLVED_WRONG"
	StatusVoid            PredictionStatus = "VOID"
	StatusUnresolvable    PredictionStatus = "UNRESOLVABLE"
)

// Terminal reports whether the status is a one-shot resolved state.
func (s PredictionStatus) Terminal() bool {
	switch s {
	case StatusResolvedCorrect, StatusResolvedWrong, StatusVoid, StatusUnresolvable:
		return true
	}
	return false
}

// Resolvable reports whether a forecast in this status may be resolved.
func (s PredictionStatus) Resolvable() bool {
	return s == StatusActive || s == StatusPending
}

// OutcomeType discriminates how commitments pick a side.
type OutcomeType string

const (
	OutcomeBinary         OutcomeType = "BINARY"
	OutcomeMultipleChoice OutcomeType = "MULTIPLE_CHOICE"
)

// TxType classifies a CuTransaction.
type TxType string

const (
	TxCommitmentLock   TxType = "COMMITMENT_LOCK"
	TxRefund           TxType = "REFUND"
	TxCommitmentUnlock TxType = "COMMITMENT_UNLOCK"
	TxBonus            TxType = "BONUS"
	TxVoidBurnRefund   TxType = "VOID_BURN_REFUND"
	TxAdminAdjustment  TxType = "ADMIN_ADJUSTMENT"
)

// User holds a participant's balances.
// CUAvailable + CULocked only changes through grants, payouts and burns,
// never through locking or unlocking alone.
type User struct {
	ID          string          `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	CUAvailable int64           `json:"cu_available" db:"cu_available"`
	CULocked    int64           `json:"cu_locked" db:"cu_locked"`
	RS          decimal.Decimal `json:"rs" db:"rs"`
	IsBot       bool            `json:"is_bot" db:"is_bot"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// PredictionOption is one answer of a MULTIPLE_CHOICE forecast.
// IsCorrect stays nil until resolution.
type PredictionOption struct {
	ID           string `json:"id" db:"id"`
	PredictionID string `json:"prediction_id" db:"prediction_id"`
	Text         string `json:"text" db:"text"`
	DisplayOrder int    `json:"display_order" db:"display_order"`
	IsCorrect    *bool  `json:"is_correct,omitempty" db:"is_correct"`
}

// Prediction is a forecast users commit CU to.
type Prediction struct {
	ID               string             `json:"id" db:"id"`
	AuthorID         string             `json:"author_id" db:"author_id"`
	ClaimText        string             `json:"claim_text" db:"claim_text"`
	OutcomeType      OutcomeType        `json:"outcome_type" db:"outcome_type"`
	Status           PredictionStatus   `json:"status" db:"status"`
	Options          []PredictionOption `json:"options,omitempty"`
	LockedAt         *time.Time         `json:"locked_at,omitempty" db:"locked_at"`
	ResolveBy        time.Time          `json:"resolve_by" db:"resolve_by"`
	WinnersPoolBonus int64              `json:"winners_pool_bonus" db:"winners_pool_bonus"`

	ResolvedAt        *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedByID      string     `json:"resolved_by_id,omitempty" db:"resolved_by_id"`
	ResolutionOutcome string     `json:"resolution_outcome,omitempty" db:"resolution_outcome"`
	ResolutionNote    string     `json:"resolution_note,omitempty" db:"resolution_note"`
	EvidenceLinks     []string   `json:"evidence_links,omitempty" db:"evidence_links"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Locked reports whether the pool has become penalty-bearing. The first
// commitment moves a forecast from open to locked; it never moves back.
func (p *Prediction) Locked() bool {
	return p.LockedAt != nil
}

// HasOption reports whether optionID belongs to this forecast.
func (p *Prediction) HasOption(optionID string) bool {
	for _, o := range p.Options {
		if o.ID == optionID {
			return true
		}
	}
	return false
}

// Commitment is a user's single open stake on a forecast.
// CUReturned and RSChange are nil until the forecast is settled.
type Commitment struct {
	ID           string           `json:"id" db:"id"`
	UserID       string           `json:"user_id" db:"user_id"`
	PredictionID string           `json:"prediction_id" db:"prediction_id"`
	Side         Side             `json:"side"`
	CUCommitted  int64            `json:"cu_committed" db:"cu_committed"`
	RSSnapshot   decimal.Decimal  `json:"rs_snapshot" db:"rs_snapshot"`
	CUReturned   *int64           `json:"cu_returned,omitempty" db:"cu_returned"`
	RSChange     *decimal.Decimal `json:"rs_change,omitempty" db:"rs_change"`
	CreatedAt    time.Time        `json:"created_at" db:"created_at"`
}

// Settled reports whether resolution has written this commitment's payout.
func (c *Commitment) Settled() bool {
	return c.CUReturned != nil
}

// Withdrawal is an immutable record of CU burned by a penalty-bearing exit
// or side switch. Read back on VOID outcomes to refund the burn.
type Withdrawal struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	PredictionID string    `json:"prediction_id" db:"prediction_id"`
	CommitmentID string    `json:"commitment_id" db:"commitment_id"`
	CUBurned     int64     `json:"cu_burned" db:"cu_burned"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// CuTransaction is an append-only ledger entry. Once created it is never
// modified or deleted; it explains every change to CUAvailable.
type CuTransaction struct {
	ID           string    `json:"id" db:"id"`
	UserID       string    `json:"user_id" db:"user_id"`
	Type         TxType    `json:"type" db:"type"`
	Amount       int64     `json:"amount" db:"amount"` // signed: -lock, +refund/payout
	ReferenceID  string    `json:"reference_id,omitempty" db:"reference_id"`
	Note         string    `json:"note,omitempty" db:"note"`
	BalanceAfter int64     `json:"balance_after" db:"balance_after"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
}

// Entry builds the ledger row for a change already applied to u's
// CUAvailable, so BalanceAfter is u's current balance.
func (u *User) Entry(typ TxType, amount int64, referenceID, note string, at time.Time) *CuTransaction {
	return &CuTransaction{
		ID:           uuid.NewString(),
		UserID:       u.ID,
		Type:         typ,
		Amount:       amount,
		ReferenceID:  referenceID,
		Note:         note,
		BalanceAfter: u.CUAvailable,
		CreatedAt:    at,
	}
}

// ClampRS floors the reputation score at zero.
func (u *User) ClampRS() {
	if u.RS.IsNegative() {
		u.RS = decimal.Zero
	}
}

// Truncate shortens s to at most n runes for ledger notes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
