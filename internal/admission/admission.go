package admission

import (
	"context"
	"errors"
	"time"

	"github.com/tkivisto/gatehouse/internal/applicant"
)

// Config is the capacity configuration. It is read fresh for every decision
// so admin changes take effect on the next decision, never a cached one.
type Config struct {
	Cap             int
	PublicAdmission bool
}

// Context tags a decision with its origin. Admin-forced approvals ride the
// same path as ordinary decisions so the atomicity invariants hold uniformly.
type Context struct {
	Forced bool
	Actor  string
}

// Decision is the outcome of a capacity decision. Position is only
// meaningful when Admitted is false.
type Decision struct {
	Admitted bool
	Position int
}

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrCapExhausted is returned by Admit when the counter has reached the
	// cap. The gate turns it into a waitlist outcome.
	ErrCapExhausted = errors.New("capacity exhausted")
	// ErrConflict signals a storage-level serialization conflict; the gate
	// retries a bounded number of times.
	ErrConflict = errors.New("concurrent decision conflict")
	// ErrRetryExhausted is internal: callers see a waitlist outcome instead.
	ErrRetryExhausted = errors.New("capacity decision retries exhausted")
	// ErrAlreadyReleased indicates the member holds no slot to release.
	ErrAlreadyReleased = errors.New("member slot already released")
)

// AdmitParams carries everything the storage layer needs to perform the
// admit unit atomically.
type AdmitParams struct {
	// Cap bounds the admitted counter. Ignored when Bypass is set.
	Cap int
	// Bypass skips the cap check (public admission). Slot creation stays
	// exactly-once.
	Bypass bool
	// InitialQuota is seeded for the new member inside the same unit.
	InitialQuota int
	DecidedAt    time.Time
}

// AdmitResult reports the application state after an admit attempt.
type AdmitResult struct {
	ApplicantID applicant.ID
	Status      applicant.Status
	// AlreadyDecided is set when the call changed nothing: the application
	// already held the resulting status.
	AlreadyDecided bool
}

type Repository interface {
	// Config returns the current capacity configuration.
	Config(ctx context.Context) (Config, error)
	SetConfig(ctx context.Context, cfg Config) error
	// SetCap and SetPublicAdmission each write only their own column, so
	// concurrent changes to the other setting are never overwritten.
	SetCap(ctx context.Context, limit int) error
	SetPublicAdmission(ctx context.Context, on bool) error
	// Admit performs the indivisible admit unit: check-and-increment of the
	// admitted counter against cap, application transition to approved,
	// member slot creation, and initial quota seeding. Any failure leaves
	// no partial state. Returns ErrCapExhausted when the counter is full
	// and ErrConflict on a serialization conflict.
	Admit(ctx context.Context, id applicant.ApplicationID, p AdmitParams) (AdmitResult, error)
	// Waitlist transitions a pending application to waitlisted. Calling it
	// on an already waitlisted application is a no-op.
	Waitlist(ctx context.Context, id applicant.ApplicationID, at time.Time) (AdmitResult, error)
	// ReleaseSlot removes a member's slot and decrements the admitted
	// counter as one unit, freeing capacity for the next wave.
	ReleaseSlot(ctx context.Context, memberID applicant.ID) error
	AdmittedCount(ctx context.Context) (int, error)
}
