package invite

import (
	"context"
	"errors"
	"time"

	"github.com/tkivisto/gatehouse/internal/applicant"
)

// Quota tracks how many invites a member may issue and how many of its codes
// have been consumed. used <= quota always holds; quota only ever increases.
type Quota struct {
	MemberID applicant.ID
	Quota    int
	Used     int
}

// Code is a redeemable invite token bound to its issuing member.
type Code struct {
	Code        string
	IssuerID    applicant.ID
	RedeemedBy  *applicant.ID
	ExpiresAt   *time.Time
	MaxUses     int
	Redemptions int
	CreatedAt   time.Time
}

// Expired reports whether the code is past its optional expiry at now.
func (c Code) Expired(now time.Time) bool {
	return c.ExpiresAt != nil && !c.ExpiresAt.After(now)
}

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrQuotaExhausted = errors.New("invite quota exhausted")
	ErrCodeNotFound   = errors.New("invite code not found")
	ErrCodeExpired    = errors.New("invite code expired")
	ErrMaxUsesReached = errors.New("invite code max uses reached")
)

type Repository interface {
	// SeedQuota inserts a member's initial quota. Seeding an already seeded
	// member is a no-op so admission retries stay idempotent.
	SeedQuota(ctx context.Context, q Quota) error
	GetQuota(ctx context.Context, memberID applicant.ID) (Quota, error)
	// CreateCode reserves one quota slot on the issuer and persists the code
	// as a single unit. Returns ErrQuotaExhausted when used >= quota.
	CreateCode(ctx context.Context, code Code) error
	GetCode(ctx context.Context, code string) (Code, error)
	// RedeemCode increments the code's redemption count, guarded so
	// concurrent redemptions can never exceed MaxUses, and records the
	// redeemer. Returns the code as of this redemption.
	RedeemCode(ctx context.Context, code string, redeemer applicant.ID, now time.Time) (Code, error)
	// ReleaseRedemption hands one consumed use back and clears the redeemer.
	// Compensates a redemption whose follow-up work failed. Guarded so the
	// count never goes negative; returns ErrCodeNotFound when the code holds
	// no redemption by this redeemer.
	ReleaseRedemption(ctx context.Context, code string, redeemer applicant.ID) error
	// GrantBonus raises a member's quota. Amounts are always positive.
	GrantBonus(ctx context.Context, memberID applicant.ID, amount int) error
}
