package applicant

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tkivisto/gatehouse/internal/scoring"
)

// requiredAnswerKeys must be present in every submission. Scoring tolerates
// missing keys; intake does not.
var requiredAnswerKeys = []string{
	"role",
	"usage_frequency",
	"spending_bracket",
	"sharing_intent",
}

// Submission is the raw public signup payload.
type Submission struct {
	Email         string
	DisplayName   string
	Answers       map[string]string
	TermsAccepted bool
}

// Intake validates and normalizes submissions into pending applications.
// It never makes a capacity decision; that belongs to the admission gate so
// intake stays idempotent and retry-safe regardless of capacity state.
type Intake struct {
	repo   Repository
	policy scoring.Policy
	idGen  func() string
	now    func() time.Time
}

func NewIntake(repo Repository) *Intake {
	return &Intake{
		repo:   repo,
		policy: scoring.Current(),
		idGen:  func() string { return uuid.NewString() },
		now:    time.Now,
	}
}

func (s *Intake) Submit(ctx context.Context, sub Submission) (Application, error) {
	if s.repo == nil {
		return Application{}, errors.New("repository is required")
	}

	email := NormalizeEmail(sub.Email)
	name := strings.TrimSpace(sub.DisplayName)

	var invalid []string
	if email == "" {
		invalid = append(invalid, "email")
	} else if addr, err := mail.ParseAddress(email); err != nil || addr.Address != email {
		// The address must be a bare mailbox. Display-name forms like
		// "Ada <ada@example.com>" parse fine but would let the same
		// mailbox register twice under different spellings.
		invalid = append(invalid, "email")
	}
	if name == "" {
		invalid = append(invalid, "display_name")
	}
	for _, key := range requiredAnswerKeys {
		if strings.TrimSpace(sub.Answers[key]) == "" {
			invalid = append(invalid, "answers."+key)
		}
	}
	if !sub.TermsAccepted {
		invalid = append(invalid, "terms_accepted")
	}
	if len(invalid) > 0 {
		return Application{}, &ValidationError{Fields: invalid}
	}

	answers := make(map[string]string, len(sub.Answers))
	for key, value := range sub.Answers {
		answers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}

	now := s.now().UTC()
	a := Applicant{
		ID:          ID(s.idGen()),
		Email:       email,
		DisplayName: name,
		CreatedAt:   now,
	}
	app := Application{
		ID:           ApplicationID(s.idGen()),
		ApplicantID:  a.ID,
		Answers:      answers,
		Score:        s.policy.Score(answers),
		ScoreVersion: s.policy.Version(),
		Status:       StatusPending,
		SubmittedAt:  now,
	}

	if err := s.repo.Create(ctx, a, app); err != nil {
		return Application{}, err
	}
	return app, nil
}

// StatusOf returns the application for a status lookup.
func (s *Intake) StatusOf(ctx context.Context, id ApplicationID) (Application, error) {
	if s.repo == nil {
		return Application{}, errors.New("repository is required")
	}
	if strings.TrimSpace(string(id)) == "" {
		return Application{}, ErrInvalidInput
	}
	return s.repo.GetApplication(ctx, id)
}

// ApplicationOf returns the application submitted by an applicant.
func (s *Intake) ApplicationOf(ctx context.Context, id ID) (Application, error) {
	if s.repo == nil {
		return Application{}, errors.New("repository is required")
	}
	if id == "" {
		return Application{}, ErrInvalidInput
	}
	return s.repo.GetApplicationByApplicant(ctx, id)
}

// Void soft-voids an applicant. Voided members have their slot released by
// the admission gate; applications and referral history stay on record.
func (s *Intake) Void(ctx context.Context, id ID) error {
	if s.repo == nil {
		return errors.New("repository is required")
	}
	if id == "" {
		return ErrInvalidInput
	}
	return s.repo.Void(ctx, id, s.now().UTC())
}

// NormalizeEmail lowercases and trims an email address so uniqueness checks
// are case-insensitive.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
