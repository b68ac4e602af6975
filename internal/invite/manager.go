package invite

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tkivisto/gatehouse/internal/applicant"
)

const (
	// InitialQuota is seeded for every newly admitted member.
	InitialQuota = 3

	defaultCodeTTL = 14 * 24 * time.Hour
	defaultMaxUses = 1
)

// Manager issues and redeems invite codes against member quotas.
type Manager struct {
	repo    Repository
	codeGen func() string
	now     func() time.Time
	codeTTL time.Duration
}

func NewManager(repo Repository) *Manager {
	return &Manager{
		repo:    repo,
		codeGen: func() string { return uuid.NewString() },
		now:     time.Now,
		codeTTL: defaultCodeTTL,
	}
}

// IssueCode mints a new single-use code for the member, consuming one quota
// slot. Fails with ErrQuotaExhausted when the member has no slots left.
func (m *Manager) IssueCode(ctx context.Context, memberID applicant.ID) (Code, error) {
	if m.repo == nil {
		return Code{}, errors.New("repository is required")
	}
	if memberID == "" {
		return Code{}, ErrInvalidInput
	}

	now := m.now().UTC()
	expires := now.Add(m.codeTTL)
	code := Code{
		Code:      m.codeGen(),
		IssuerID:  memberID,
		ExpiresAt: &expires,
		MaxUses:   defaultMaxUses,
		CreatedAt: now,
	}
	if err := m.repo.CreateCode(ctx, code); err != nil {
		return Code{}, err
	}
	return code, nil
}

// Redeem consumes one use of the code on behalf of the redeeming applicant.
func (m *Manager) Redeem(ctx context.Context, code string, redeemer applicant.ID) (Code, error) {
	if m.repo == nil {
		return Code{}, errors.New("repository is required")
	}
	code = strings.TrimSpace(code)
	if code == "" || redeemer == "" {
		return Code{}, ErrInvalidInput
	}
	return m.repo.RedeemCode(ctx, code, redeemer, m.now().UTC())
}

// Unredeem returns one consumed use of the code. Called when the admission
// decision that follows a redemption fails, so the code is usable again
// instead of being burned with no outcome.
func (m *Manager) Unredeem(ctx context.Context, code string, redeemer applicant.ID) error {
	if m.repo == nil {
		return errors.New("repository is required")
	}
	code = strings.TrimSpace(code)
	if code == "" || redeemer == "" {
		return ErrInvalidInput
	}
	return m.repo.ReleaseRedemption(ctx, code, redeemer)
}

// Resolve looks up a code without consuming it, applying expiry rules.
// Referral attribution uses this to map a code to its issuing member.
func (m *Manager) Resolve(ctx context.Context, code string) (Code, error) {
	if m.repo == nil {
		return Code{}, errors.New("repository is required")
	}
	code = strings.TrimSpace(code)
	if code == "" {
		return Code{}, ErrInvalidInput
	}
	found, err := m.repo.GetCode(ctx, code)
	if err != nil {
		return Code{}, err
	}
	if found.Expired(m.now().UTC()) {
		return Code{}, ErrCodeExpired
	}
	return found, nil
}

// GrantBonus raises a member's quota by amount. Invoked by the referral
// ledger's reward rule; quotas never decrease.
func (m *Manager) GrantBonus(ctx context.Context, memberID applicant.ID, amount int) error {
	if m.repo == nil {
		return errors.New("repository is required")
	}
	if memberID == "" || amount <= 0 {
		return ErrInvalidInput
	}
	return m.repo.GrantBonus(ctx, memberID, amount)
}

// QuotaFor reports a member's current quota state.
func (m *Manager) QuotaFor(ctx context.Context, memberID applicant.ID) (Quota, error) {
	if m.repo == nil {
		return Quota{}, errors.New("repository is required")
	}
	if memberID == "" {
		return Quota{}, ErrInvalidInput
	}
	return m.repo.GetQuota(ctx, memberID)
}
