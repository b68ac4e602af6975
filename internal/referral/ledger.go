package referral

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tkivisto/gatehouse/internal/applicant"
	"github.com/tkivisto/gatehouse/internal/invite"
	"github.com/tkivisto/gatehouse/internal/securelog"
)

// bonusEvery grants one bonus invite each time a referrer's successful edge
// count crosses a multiple of this value.
const bonusEvery = 3

// CodeResolver maps a referral code to the invite that issued it.
type CodeResolver interface {
	Resolve(ctx context.Context, code string) (invite.Code, error)
}

// QuotaGranter raises a member's invite quota when a reward threshold is
// crossed.
type QuotaGranter interface {
	GrantBonus(ctx context.Context, memberID applicant.ID, amount int) error
}

// Ledger records referrer -> referred attribution edges and applies the
// reward rule for successful referrals.
type Ledger struct {
	repo    Repository
	codes   CodeResolver
	bonuses QuotaGranter
	idGen   func() string
	now     func() time.Time
}

func NewLedger(repo Repository, codes CodeResolver, bonuses QuotaGranter) *Ledger {
	return &Ledger{
		repo:    repo,
		codes:   codes,
		bonuses: bonuses,
		idGen:   func() string { return uuid.NewString() },
		now:     time.Now,
	}
}

// Attribute resolves the referral code and records one edge for the referred
// applicant. First attribution wins: a referred identity that already has an
// edge gets ErrAlreadyAttributed, never a silent overwrite, so reward
// accounting stays consistent.
func (l *Ledger) Attribute(ctx context.Context, code string, referred applicant.ID, kind Attribution) (Edge, error) {
	if l.repo == nil || l.codes == nil {
		return Edge{}, errors.New("repository and code resolver are required")
	}
	code = strings.TrimSpace(code)
	if code == "" || referred == "" {
		return Edge{}, ErrInvalidInput
	}

	resolved, err := l.codes.Resolve(ctx, code)
	if err != nil {
		switch {
		case errors.Is(err, invite.ErrCodeNotFound), errors.Is(err, invite.ErrInvalidInput):
			return Edge{}, ErrInvalidCode
		case errors.Is(err, invite.ErrCodeExpired):
			return Edge{}, ErrExpired
		default:
			return Edge{}, err
		}
	}
	if resolved.IssuerID == referred {
		return Edge{}, ErrSelfReferral
	}

	edge := Edge{
		ID:          l.idGen(),
		ReferrerID:  resolved.IssuerID,
		ReferredID:  referred,
		Attribution: kind,
		CreatedAt:   l.now().UTC(),
	}
	count, err := l.repo.CreateEdge(ctx, edge)
	if err != nil {
		return Edge{}, err
	}

	// The count comes from the inserting statement, so each multiple-of-N
	// threshold is crossed by exactly one attribution; a later recount can
	// never re-grant. A failed grant is logged rather than unwinding the
	// edge, since the edge itself is already durable.
	if l.bonuses != nil && count%bonusEvery == 0 {
		if err := l.bonuses.GrantBonus(ctx, resolved.IssuerID, 1); err != nil {
			securelog.Error("referral.grant_bonus", err)
		}
	}
	return edge, nil
}

// CountFor reports a referrer's successful attribution count.
func (l *Ledger) CountFor(ctx context.Context, referrerID applicant.ID) (int, error) {
	if l.repo == nil {
		return 0, errors.New("repository is required")
	}
	if referrerID == "" {
		return 0, ErrInvalidInput
	}
	return l.repo.CountForReferrer(ctx, referrerID)
}
