package applicant

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

type ID string

type ApplicationID string

// Status is the lifecycle state of a waitlist application.
type Status string

const (
	StatusPending    Status = "pending"
	StatusApproved   Status = "approved"
	StatusWaitlisted Status = "waitlisted"
	StatusRejected   Status = "rejected"
)

// CanTransitionTo reports whether moving to next is a legal transition.
// Transitions are monotonic: pending fans out once, waitlisted may still be
// approved (capacity waves, admin action), decided states are terminal.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusApproved || next == StatusWaitlisted || next == StatusRejected
	case StatusWaitlisted:
		return next == StatusApproved || next == StatusRejected
	default:
		return false
	}
}

// Decided reports whether the status is terminal with respect to admission.
func (s Status) Decided() bool {
	return s == StatusApproved || s == StatusRejected
}

// Applicant is one identity that submitted an application. Applicants are
// never deleted; voiding marks them inactive and releases their member slot.
type Applicant struct {
	ID          ID
	Email       string
	DisplayName string
	CreatedAt   time.Time
	VoidedAt    *time.Time
}

// Application holds one applicant's submitted answers and admission state.
type Application struct {
	ID           ApplicationID
	ApplicantID  ID
	Answers      map[string]string
	Score        int
	ScoreVersion int
	Status       Status
	SubmittedAt  time.Time
	DecidedAt    *time.Time
	RejectReason string
}

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrIllegalTransition = errors.New("illegal status transition")
)

// ValidationError enumerates the submission fields that failed validation.
type ValidationError struct {
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid submission fields: %s", strings.Join(e.Fields, ", "))
}

type Repository interface {
	// Create persists the applicant and its pending application as one unit.
	// Returns ErrDuplicateEmail when the normalized email is already bound.
	Create(ctx context.Context, a Applicant, app Application) error
	GetApplicant(ctx context.Context, id ID) (Applicant, error)
	GetApplicantByEmail(ctx context.Context, email string) (Applicant, error)
	GetApplication(ctx context.Context, id ApplicationID) (Application, error)
	GetApplicationByApplicant(ctx context.Context, id ID) (Application, error)
	// UpdateStatus moves an application to a new status, enforcing the
	// monotonic transition rules. Returns ErrIllegalTransition otherwise.
	UpdateStatus(ctx context.Context, id ApplicationID, to Status, decidedAt time.Time, reason string) error
	// Void soft-voids an applicant without deleting any records.
	Void(ctx context.Context, id ID, at time.Time) error
}
