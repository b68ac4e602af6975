package admission

import (
	"context"
	"errors"
	"time"

	"github.com/tkivisto/gatehouse/internal/applicant"
	"github.com/tkivisto/gatehouse/internal/invite"
	"github.com/tkivisto/gatehouse/internal/notify"
	"github.com/tkivisto/gatehouse/internal/securelog"
	"github.com/tkivisto/gatehouse/internal/waitlist"
)

// maxDecideRetries bounds the retry loop on serialization conflicts. Hitting
// the bound is reported to callers as an ordinary waitlist outcome.
const maxDecideRetries = 5

// Gate is the single decision point for capacity-gated admission. All
// admissions, including admin-forced ones and capacity waves, go through
// Decide so the cap invariant is enforced in exactly one place.
type Gate struct {
	repo     Repository
	ranker   *waitlist.Ranker
	notifier notify.Notifier
	now      func() time.Time
}

func NewGate(repo Repository, ranker *waitlist.Ranker, notifier notify.Notifier) *Gate {
	return &Gate{
		repo:     repo,
		ranker:   ranker,
		notifier: notifier,
		now:      time.Now,
	}
}

// Decide runs the capacity decision for one application. It is idempotent:
// re-invocation on an approved or rejected application returns the recorded
// outcome without consuming another slot. A waitlisted application is
// re-evaluated against current capacity, which is how waves promote.
func (g *Gate) Decide(ctx context.Context, id applicant.ApplicationID, dctx Context) (Decision, error) {
	if g.repo == nil {
		return Decision{}, errors.New("repository is required")
	}
	if id == "" {
		return Decision{}, ErrInvalidInput
	}

	for attempt := 0; attempt < maxDecideRetries; attempt++ {
		cfg, err := g.repo.Config(ctx)
		if err != nil {
			return Decision{}, err
		}

		// Forced decisions skip queue ordering, not the cap: an admin
		// approval consumes a slot like any other and waitlists when the
		// cap is full. Only public admission bypasses the cap check.
		res, err := g.repo.Admit(ctx, id, AdmitParams{
			Cap:          cfg.Cap,
			Bypass:       cfg.PublicAdmission,
			InitialQuota: invite.InitialQuota,
			DecidedAt:    g.now().UTC(),
		})
		switch {
		case err == nil:
			return g.afterAdmit(ctx, id, res, dctx)
		case errors.Is(err, ErrCapExhausted):
			return g.toWaitlist(ctx, id)
		case errors.Is(err, ErrConflict):
			continue
		default:
			return Decision{}, err
		}
	}

	// Contention kept us from a definitive admit. The caller gets the same
	// terminal answer as a full cap; the condition is logged for operators.
	securelog.Error("admission.decide", ErrRetryExhausted)
	return g.toWaitlist(ctx, id)
}

func (g *Gate) afterAdmit(ctx context.Context, id applicant.ApplicationID, res AdmitResult, dctx Context) (Decision, error) {
	switch res.Status {
	case applicant.StatusApproved:
		if !res.AlreadyDecided {
			g.sendNotify(ctx, res.ApplicantID, notify.EventAdmitted)
			securelog.Event("admission.admitted", string(id))
			if dctx.Forced {
				securelog.Event("admission.forced_by", dctx.Actor)
			}
		}
		return Decision{Admitted: true}, nil
	case applicant.StatusRejected:
		return Decision{}, nil
	case applicant.StatusWaitlisted:
		return g.position(ctx, id)
	default:
		return Decision{}, ErrInvalidInput
	}
}

func (g *Gate) toWaitlist(ctx context.Context, id applicant.ApplicationID) (Decision, error) {
	res, err := g.repo.Waitlist(ctx, id, g.now().UTC())
	if err != nil {
		return Decision{}, err
	}
	// A concurrent decision may have admitted the application between our
	// cap check and here; report what actually happened.
	if res.Status == applicant.StatusApproved {
		return Decision{Admitted: true}, nil
	}
	if !res.AlreadyDecided {
		g.sendNotify(ctx, res.ApplicantID, notify.EventWaitlisted)
		securelog.Event("admission.waitlisted", string(id))
	}
	return g.position(ctx, id)
}

func (g *Gate) position(ctx context.Context, id applicant.ApplicationID) (Decision, error) {
	if g.ranker == nil {
		return Decision{}, nil
	}
	pos, err := g.ranker.PositionOf(ctx, id)
	if err != nil {
		if errors.Is(err, waitlist.ErrNotQueued) {
			return Decision{}, nil
		}
		return Decision{}, err
	}
	return Decision{Position: pos}, nil
}

func (g *Gate) sendNotify(ctx context.Context, id applicant.ID, event notify.Event) {
	if g.notifier == nil || id == "" {
		return
	}
	g.notifier.Notify(ctx, id, event)
}

// WaveReport summarizes one batch promotion run.
type WaveReport struct {
	Processed int
	Admitted  int
}

// RunWave promotes up to n waitlisted applications in rank order, one
// decision at a time so each admit keeps its atomicity. The run stops early
// once capacity is exhausted again and is safe to interrupt and resume:
// every Decide call is individually idempotent.
func (g *Gate) RunWave(ctx context.Context, n int) (WaveReport, error) {
	if g.ranker == nil {
		return WaveReport{}, errors.New("ranker is required")
	}
	if n <= 0 {
		return WaveReport{}, ErrInvalidInput
	}

	entries, err := g.ranker.NextWave(ctx, n)
	if err != nil {
		return WaveReport{}, err
	}

	var report WaveReport
	for _, entry := range entries {
		decision, err := g.Decide(ctx, entry.ApplicationID, Context{})
		if err != nil {
			return report, err
		}
		report.Processed++
		if !decision.Admitted {
			break
		}
		report.Admitted++
	}
	securelog.Event("admission.wave", "")
	return report, nil
}

// Release frees the slot held by a voided member. The next wave can then
// promote from the waitlist.
func (g *Gate) Release(ctx context.Context, memberID applicant.ID) error {
	if g.repo == nil {
		return errors.New("repository is required")
	}
	if memberID == "" {
		return ErrInvalidInput
	}
	if err := g.repo.ReleaseSlot(ctx, memberID); err != nil {
		return err
	}
	securelog.Event("admission.released", string(memberID))
	return nil
}
