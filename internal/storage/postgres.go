package storage

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/tkivisto/gatehouse/internal/admission"
	"github.com/tkivisto/gatehouse/internal/applicant"
	"github.com/tkivisto/gatehouse/internal/invite"
	"github.com/tkivisto/gatehouse/internal/referral"
	"github.com/tkivisto/gatehouse/internal/securestore"
	"github.com/tkivisto/gatehouse/internal/waitlist"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

type PostgresStore struct {
	db    *sql.DB
	vault *securestore.Vault
}

func NewPostgresStore(ctx context.Context, dbURL string, vault *securestore.Vault) (*PostgresStore, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("db url is required")
	}
	if vault == nil {
		return nil, fmt.Errorf("vault is required")
	}

	db, err := sql.Open("pgx", dbURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	return &PostgresStore{db: db, vault: vault}, nil
}

func (s *PostgresStore) Close(ctx context.Context) error {
	_ = ctx
	return s.db.Close()
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	migrator := NewMigrator(s.db, migrationsFS)
	return migrator.Up(ctx)
}

func (s *PostgresStore) SeedAdmissionConfig(ctx context.Context, cfg admission.Config) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO capacity_state (id, cap, public_admission, admitted, updated_at)
		VALUES (TRUE, $1, $2, 0, $3)
		ON CONFLICT (id) DO NOTHING`, cfg.Cap, cfg.PublicAdmission, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("seed capacity state: %w", err)
	}
	return nil
}

func (s *PostgresStore) Applicants() applicant.Repository {
	return &applicantRepo{db: s.db, vault: s.vault}
}

func (s *PostgresStore) Queue() waitlist.Repository {
	return &queueRepo{db: s.db}
}

func (s *PostgresStore) Admissions() admission.Repository {
	return &admissionRepo{db: s.db}
}

func (s *PostgresStore) Referrals() referral.Repository {
	return &referralRepo{db: s.db}
}

func (s *PostgresStore) Invites() invite.Repository {
	return &inviteRepo{db: s.db}
}
