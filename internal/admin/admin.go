// Package admin carries the operator actions: forced decisions, rejections,
// capacity changes, waves and member voiding. Every action is written to the
// audit trail with the acting operator before the result is returned.
package admin

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/tkivisto/gatehouse/internal/admission"
	"github.com/tkivisto/gatehouse/internal/applicant"
	"github.com/tkivisto/gatehouse/internal/notify"
	"github.com/tkivisto/gatehouse/internal/securelog"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrReasonRequired = errors.New("reject reason is required")
)

// Entry is one audited admin action. It carries identifiers only, never
// applicant personal data.
type Entry struct {
	Action        string
	Actor         string
	ApplicationID applicant.ApplicationID
	At            time.Time
}

// Auditor receives audit entries. The events hub implements it to stream
// actions to connected admin dashboards.
type Auditor interface {
	Audit(ctx context.Context, e Entry)
}

type Service struct {
	gate     *admission.Gate
	apps     applicant.Repository
	caps     admission.Repository
	notifier notify.Notifier
	auditor  Auditor
	now      func() time.Time
}

func NewService(gate *admission.Gate, apps applicant.Repository, caps admission.Repository, notifier notify.Notifier, auditor Auditor) *Service {
	return &Service{
		gate:     gate,
		apps:     apps,
		caps:     caps,
		notifier: notifier,
		auditor:  auditor,
		now:      time.Now,
	}
}

// Approve forces a decision for one application ahead of queue order. The
// capacity cap still applies: at a full cap the application lands on the
// waitlist and the operator sees that in the returned decision.
func (s *Service) Approve(ctx context.Context, actor string, id applicant.ApplicationID) (admission.Decision, error) {
	if strings.TrimSpace(actor) == "" || id == "" {
		return admission.Decision{}, ErrInvalidInput
	}
	decision, err := s.gate.Decide(ctx, id, admission.Context{Forced: true, Actor: actor})
	if err != nil {
		return admission.Decision{}, err
	}
	s.record(ctx, "approve", actor, id)
	return decision, nil
}

// Reject moves a pending or waitlisted application to rejected. The reason
// is stored with the application and is mandatory.
func (s *Service) Reject(ctx context.Context, actor string, id applicant.ApplicationID, reason string) error {
	if strings.TrimSpace(actor) == "" || id == "" {
		return ErrInvalidInput
	}
	if strings.TrimSpace(reason) == "" {
		return ErrReasonRequired
	}

	app, err := s.apps.GetApplication(ctx, id)
	if err != nil {
		return err
	}
	if err := s.apps.UpdateStatus(ctx, id, applicant.StatusRejected, s.now().UTC(), reason); err != nil {
		return err
	}
	if s.notifier != nil {
		s.notifier.Notify(ctx, app.ApplicantID, notify.EventRejected)
	}
	s.record(ctx, "reject", actor, id)
	return nil
}

// SetCap changes the capacity limit. Lowering the cap never revokes an
// existing admission; it only stops further ones.
func (s *Service) SetCap(ctx context.Context, actor string, cap int) error {
	if strings.TrimSpace(actor) == "" {
		return ErrInvalidInput
	}
	if cap < 0 {
		return ErrInvalidInput
	}

	// One-column write: a concurrent public-admission toggle is never
	// clobbered by a cap change.
	if err := s.caps.SetCap(ctx, cap); err != nil {
		return err
	}
	s.record(ctx, "set_cap", actor, "")
	return nil
}

// SetPublicAdmission toggles open admission. While enabled, decisions admit
// without consulting the cap.
func (s *Service) SetPublicAdmission(ctx context.Context, actor string, on bool) error {
	if strings.TrimSpace(actor) == "" {
		return ErrInvalidInput
	}

	if err := s.caps.SetPublicAdmission(ctx, on); err != nil {
		return err
	}
	s.record(ctx, "set_public_admission", actor, "")
	return nil
}

// RunWave promotes up to n waitlisted applications in rank order.
func (s *Service) RunWave(ctx context.Context, actor string, n int) (admission.WaveReport, error) {
	if strings.TrimSpace(actor) == "" {
		return admission.WaveReport{}, ErrInvalidInput
	}
	report, err := s.gate.RunWave(ctx, n)
	if err != nil {
		return report, err
	}
	s.record(ctx, "run_wave", actor, "")
	return report, nil
}

// VoidMember soft-voids an applicant and releases any member slot they held,
// making room for the next wave. Voiding a never-admitted applicant only
// marks the record; there is no slot to free.
func (s *Service) VoidMember(ctx context.Context, actor string, id applicant.ID) error {
	if strings.TrimSpace(actor) == "" || id == "" {
		return ErrInvalidInput
	}

	if err := s.apps.Void(ctx, id, s.now().UTC()); err != nil {
		return err
	}
	if err := s.gate.Release(ctx, id); err != nil && !errors.Is(err, admission.ErrAlreadyReleased) {
		return err
	}
	s.record(ctx, "void_member", actor, "")
	return nil
}

func (s *Service) record(ctx context.Context, action, actor string, id applicant.ApplicationID) {
	securelog.Event("admin."+action, actor)
	if s.auditor != nil {
		s.auditor.Audit(ctx, Entry{
			Action:        action,
			Actor:         actor,
			ApplicationID: id,
			At:            s.now().UTC(),
		})
	}
}
