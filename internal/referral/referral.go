package referral

import (
	"context"
	"errors"
	"time"

	"github.com/tkivisto/gatehouse/internal/applicant"
)

// Attribution records how a referral edge was established.
type Attribution string

const (
	// AttributionSignup marks an edge created from a referral code supplied
	// with a signup submission.
	AttributionSignup Attribution = "signup"
	// AttributionCode marks an edge created by redeeming an invite code.
	AttributionCode Attribution = "code"
)

// Edge is one directed referrer -> referred attribution.
type Edge struct {
	ID          string
	ReferrerID  applicant.ID
	ReferredID  applicant.ID
	Attribution Attribution
	CreatedAt   time.Time
}

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidCode       = errors.New("referral code is not valid")
	ErrExpired           = errors.New("referral code expired")
	ErrSelfReferral      = errors.New("self-referral is not allowed")
	ErrAlreadyAttributed = errors.New("referred identity already attributed")
)

type Repository interface {
	// CreateEdge persists the edge and returns the referrer's total edge
	// count including this one, from the same statement that inserts it so
	// reward thresholds are crossed exactly once. Returns
	// ErrAlreadyAttributed when the referred identity already has an edge.
	CreateEdge(ctx context.Context, edge Edge) (int, error)
	CountForReferrer(ctx context.Context, referrerID applicant.ID) (int, error)
}
