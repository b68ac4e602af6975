package storage

import (
	"context"
	"errors"

	"github.com/tkivisto/gatehouse/internal/admission"
	"github.com/tkivisto/gatehouse/internal/applicant"
	"github.com/tkivisto/gatehouse/internal/invite"
	"github.com/tkivisto/gatehouse/internal/referral"
	"github.com/tkivisto/gatehouse/internal/waitlist"
)

var ErrNotFound = errors.New("not found")

type Store interface {
	Close(ctx context.Context) error
	Migrate(ctx context.Context) error
	// SeedAdmissionConfig writes the initial capacity configuration once.
	// It is a no-op when a configuration row already exists, so operator
	// changes survive restarts.
	SeedAdmissionConfig(ctx context.Context, cfg admission.Config) error
	Applicants() applicant.Repository
	Queue() waitlist.Repository
	Admissions() admission.Repository
	Referrals() referral.Repository
	Invites() invite.Repository
}

type NopStore struct{}

func NewNopStore() *NopStore {
	return &NopStore{}
}

func (s *NopStore) Close(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *NopStore) Migrate(ctx context.Context) error {
	_ = ctx
	return nil
}

func (s *NopStore) SeedAdmissionConfig(ctx context.Context, cfg admission.Config) error {
	_ = ctx
	_ = cfg
	return nil
}

func (s *NopStore) Applicants() applicant.Repository {
	return nil
}

func (s *NopStore) Queue() waitlist.Repository {
	return nil
}

func (s *NopStore) Admissions() admission.Repository {
	return nil
}

func (s *NopStore) Referrals() referral.Repository {
	return nil
}

func (s *NopStore) Invites() invite.Repository {
	return nil
}
