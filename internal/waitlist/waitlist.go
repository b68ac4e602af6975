// Package waitlist provides the ranked, read-only view of queued
// applications. Ordering is a deterministic total order: score descending,
// submission time ascending, application ID as the final tiebreak, so
// positions are stable between queries absent new submissions or decisions.
package waitlist

import (
	"context"
	"errors"
	"time"

	"github.com/tkivisto/gatehouse/internal/applicant"
)

var (
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotQueued indicates the application is decided or unknown.
	ErrNotQueued = errors.New("application is not queued")
)

// Entry is one ranked row of the queue.
type Entry struct {
	ApplicationID applicant.ApplicationID
	ApplicantID   applicant.ID
	Score         int
	SubmittedAt   time.Time
}

type Repository interface {
	// ListQueued returns pending and waitlisted applications in rank order.
	ListQueued(ctx context.Context, limit, offset int) ([]Entry, error)
	// ListWaitlisted returns only waitlisted applications in rank order,
	// used by capacity waves.
	ListWaitlisted(ctx context.Context, limit int) ([]Entry, error)
	// QueuedPosition returns the 1-based rank of a queued application.
	QueuedPosition(ctx context.Context, id applicant.ApplicationID) (int, error)
}

// Ranker never mutates state; it only orders what the repository reports.
type Ranker struct {
	repo Repository
}

func NewRanker(repo Repository) *Ranker {
	return &Ranker{repo: repo}
}

// Rank returns one page of the queue. Callers may walk the queue by
// advancing offset; the order is restartable because it is total.
func (r *Ranker) Rank(ctx context.Context, limit, offset int) ([]Entry, error) {
	if r.repo == nil {
		return nil, errors.New("repository is required")
	}
	if limit <= 0 || offset < 0 {
		return nil, ErrInvalidInput
	}
	return r.repo.ListQueued(ctx, limit, offset)
}

// NextWave returns up to n waitlisted applications in rank order for batch
// promotion.
func (r *Ranker) NextWave(ctx context.Context, n int) ([]Entry, error) {
	if r.repo == nil {
		return nil, errors.New("repository is required")
	}
	if n <= 0 {
		return nil, ErrInvalidInput
	}
	return r.repo.ListWaitlisted(ctx, n)
}

// PositionOf returns the 1-based queue position of an application.
func (r *Ranker) PositionOf(ctx context.Context, id applicant.ApplicationID) (int, error) {
	if r.repo == nil {
		return 0, errors.New("repository is required")
	}
	if id == "" {
		return 0, ErrInvalidInput
	}
	return r.repo.QueuedPosition(ctx, id)
}

// EstimatedWait converts a queue position into a coarse wait estimate given
// the recent weekly admission rate. Zero rate means no estimate.
func EstimatedWait(position, weeklyAdmissions int) time.Duration {
	if position <= 0 || weeklyAdmissions <= 0 {
		return 0
	}
	weeks := (position + weeklyAdmissions - 1) / weeklyAdmissions
	return time.Duration(weeks) * 7 * 24 * time.Hour
}
