package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/tkivisto/gatehouse/internal/admission"
	"github.com/tkivisto/gatehouse/internal/applicant"
	"github.com/tkivisto/gatehouse/internal/invite"
	"github.com/tkivisto/gatehouse/internal/referral"
	"github.com/tkivisto/gatehouse/internal/securestore"
	"github.com/tkivisto/gatehouse/internal/waitlist"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

func isRetryable(err error) bool {
	code := pgCode(err)
	return code == pgSerializationFailure || code == pgDeadlockDetected
}

type applicantRepo struct {
	db    *sql.DB
	vault *securestore.Vault
}

func (r *applicantRepo) Create(ctx context.Context, a applicant.Applicant, app applicant.Application) error {
	if a.ID == "" || a.Email == "" || a.CreatedAt.IsZero() {
		return fmt.Errorf("applicant id, email, and created_at are required")
	}
	if app.ID == "" || app.ApplicantID != a.ID || app.SubmittedAt.IsZero() {
		return fmt.Errorf("application id, applicant_id, and submitted_at are required")
	}
	if r.vault == nil {
		return fmt.Errorf("vault is required")
	}

	emailEnc, err := r.vault.Seal(a.Email)
	if err != nil {
		return fmt.Errorf("seal email: %w", err)
	}
	nameEnc, err := r.vault.Seal(a.DisplayName)
	if err != nil {
		return fmt.Errorf("seal display name: %w", err)
	}
	answers, err := json.Marshal(app.Answers)
	if err != nil {
		return fmt.Errorf("encode answers: %w", err)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create applicant: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `INSERT INTO applicants (id, email_enc, email_hash, display_name_enc, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, emailEnc, r.vault.EmailDigest(a.Email), nameEnc, a.CreatedAt)
	if err != nil {
		if pgCode(err) == pgUniqueViolation {
			return applicant.ErrDuplicateEmail
		}
		return fmt.Errorf("insert applicant: %w", err)
	}

	_, err = tx.ExecContext(ctx, `INSERT INTO applications
		(id, applicant_id, answers, score, score_version, status, submitted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		app.ID, app.ApplicantID, answers, app.Score, app.ScoreVersion, app.Status, app.SubmittedAt)
	if err != nil {
		return fmt.Errorf("insert application: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create applicant: %w", err)
	}
	return nil
}

func (r *applicantRepo) GetApplicant(ctx context.Context, id applicant.ID) (applicant.Applicant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, email_enc, display_name_enc, created_at, voided_at
		FROM applicants WHERE id = $1`, id)
	return r.scanApplicant(row)
}

func (r *applicantRepo) GetApplicantByEmail(ctx context.Context, email string) (applicant.Applicant, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, email_enc, display_name_enc, created_at, voided_at
		FROM applicants WHERE email_hash = $1`, r.vault.EmailDigest(email))
	return r.scanApplicant(row)
}

func (r *applicantRepo) scanApplicant(row *sql.Row) (applicant.Applicant, error) {
	var a applicant.Applicant
	var emailEnc, nameEnc string
	var voidedAt sql.NullTime
	if err := row.Scan(&a.ID, &emailEnc, &nameEnc, &a.CreatedAt, &voidedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return applicant.Applicant{}, ErrNotFound
		}
		return applicant.Applicant{}, fmt.Errorf("select applicant: %w", err)
	}

	email, err := r.vault.Open(emailEnc)
	if err != nil {
		return applicant.Applicant{}, fmt.Errorf("open email: %w", err)
	}
	a.Email = email
	name, err := r.vault.Open(nameEnc)
	if err != nil {
		return applicant.Applicant{}, fmt.Errorf("open display name: %w", err)
	}
	a.DisplayName = name
	if voidedAt.Valid {
		t := voidedAt.Time
		a.VoidedAt = &t
	}
	return a, nil
}

func (r *applicantRepo) GetApplication(ctx context.Context, id applicant.ApplicationID) (applicant.Application, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, applicant_id, answers, score, score_version, status, submitted_at, decided_at, reject_reason
		FROM applications WHERE id = $1`, id)
	return scanApplication(row)
}

func (r *applicantRepo) GetApplicationByApplicant(ctx context.Context, id applicant.ID) (applicant.Application, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, applicant_id, answers, score, score_version, status, submitted_at, decided_at, reject_reason
		FROM applications WHERE applicant_id = $1`, id)
	return scanApplication(row)
}

func scanApplication(row *sql.Row) (applicant.Application, error) {
	var app applicant.Application
	var answers []byte
	var decidedAt sql.NullTime
	if err := row.Scan(&app.ID, &app.ApplicantID, &answers, &app.Score, &app.ScoreVersion,
		&app.Status, &app.SubmittedAt, &decidedAt, &app.RejectReason); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return applicant.Application{}, ErrNotFound
		}
		return applicant.Application{}, fmt.Errorf("select application: %w", err)
	}
	if len(answers) > 0 {
		if err := json.Unmarshal(answers, &app.Answers); err != nil {
			return applicant.Application{}, fmt.Errorf("decode answers: %w", err)
		}
	}
	if decidedAt.Valid {
		t := decidedAt.Time
		app.DecidedAt = &t
	}
	return app, nil
}

func (r *applicantRepo) UpdateStatus(ctx context.Context, id applicant.ApplicationID, to applicant.Status, decidedAt time.Time, reason string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update status: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current applicant.Status
	row := tx.QueryRowContext(ctx, `SELECT status FROM applications WHERE id = $1 FOR UPDATE`, id)
	if err := row.Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("select application status: %w", err)
	}
	if !current.CanTransitionTo(to) {
		return applicant.ErrIllegalTransition
	}

	_, err = tx.ExecContext(ctx, `UPDATE applications SET status = $2, decided_at = $3, reject_reason = $4 WHERE id = $1`,
		id, to, decidedAt, reason)
	if err != nil {
		return fmt.Errorf("update application status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit update status: %w", err)
	}
	return nil
}

func (r *applicantRepo) Void(ctx context.Context, id applicant.ID, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `UPDATE applicants SET voided_at = $2 WHERE id = $1 AND voided_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("void applicant: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		// Either unknown or already voided; voiding twice is a no-op.
		row := r.db.QueryRowContext(ctx, `SELECT 1 FROM applicants WHERE id = $1`, id)
		var one int
		if err := row.Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select applicant: %w", err)
		}
	}
	return nil
}

const queueOrder = `ORDER BY score DESC, submitted_at ASC, id ASC`

type queueRepo struct {
	db *sql.DB
}

func (r *queueRepo) ListQueued(ctx context.Context, limit, offset int) ([]waitlist.Entry, error) {
	if limit <= 0 || offset < 0 {
		return nil, fmt.Errorf("limit must be positive and offset non-negative")
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id, applicant_id, score, submitted_at
		FROM applications WHERE status IN ('pending', 'waitlisted') `+queueOrder+` LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list queued: %w", err)
	}
	return scanEntries(rows)
}

func (r *queueRepo) ListWaitlisted(ctx context.Context, limit int) ([]waitlist.Entry, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive")
	}

	rows, err := r.db.QueryContext(ctx, `SELECT id, applicant_id, score, submitted_at
		FROM applications WHERE status = 'waitlisted' `+queueOrder+` LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list waitlisted: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]waitlist.Entry, error) {
	defer rows.Close()

	var entries []waitlist.Entry
	for rows.Next() {
		var e waitlist.Entry
		if err := rows.Scan(&e.ApplicationID, &e.ApplicantID, &e.Score, &e.SubmittedAt); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return entries, nil
}

func (r *queueRepo) QueuedPosition(ctx context.Context, id applicant.ApplicationID) (int, error) {
	row := r.db.QueryRowContext(ctx, `SELECT pos FROM (
			SELECT id, ROW_NUMBER() OVER (`+queueOrder+`) AS pos
			FROM applications WHERE status IN ('pending', 'waitlisted')
		) ranked WHERE id = $1`, id)
	var pos int
	if err := row.Scan(&pos); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, waitlist.ErrNotQueued
		}
		return 0, fmt.Errorf("select queue position: %w", err)
	}
	return pos, nil
}

type admissionRepo struct {
	db *sql.DB
}

func (r *admissionRepo) Config(ctx context.Context) (admission.Config, error) {
	row := r.db.QueryRowContext(ctx, `SELECT cap, public_admission FROM capacity_state WHERE id`)
	var cfg admission.Config
	if err := row.Scan(&cfg.Cap, &cfg.PublicAdmission); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return admission.Config{}, ErrNotFound
		}
		return admission.Config{}, fmt.Errorf("select capacity state: %w", err)
	}
	return cfg, nil
}

func (r *admissionRepo) SetConfig(ctx context.Context, cfg admission.Config) error {
	res, err := r.db.ExecContext(ctx, `UPDATE capacity_state SET cap = $1, public_admission = $2, updated_at = $3 WHERE id`,
		cfg.Cap, cfg.PublicAdmission, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update capacity state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *admissionRepo) SetCap(ctx context.Context, limit int) error {
	return r.setColumn(ctx, `UPDATE capacity_state SET cap = $1, updated_at = $2 WHERE id`, limit)
}

func (r *admissionRepo) SetPublicAdmission(ctx context.Context, on bool) error {
	return r.setColumn(ctx, `UPDATE capacity_state SET public_admission = $1, updated_at = $2 WHERE id`, on)
}

func (r *admissionRepo) setColumn(ctx context.Context, query string, value any) error {
	res, err := r.db.ExecContext(ctx, query, value, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update capacity state: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// Admit runs the whole admit unit in one transaction: the application row is
// locked first, then a guarded increment claims a capacity slot. The guard
// makes over-admission impossible no matter how many decisions race.
func (r *admissionRepo) Admit(ctx context.Context, id applicant.ApplicationID, p admission.AdmitParams) (admission.AdmitResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return admission.AdmitResult{}, fmt.Errorf("begin admit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var applicantID applicant.ID
	var status applicant.Status
	row := tx.QueryRowContext(ctx, `SELECT applicant_id, status FROM applications WHERE id = $1 FOR UPDATE`, id)
	if err := row.Scan(&applicantID, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return admission.AdmitResult{}, ErrNotFound
		}
		if isRetryable(err) {
			return admission.AdmitResult{}, admission.ErrConflict
		}
		return admission.AdmitResult{}, fmt.Errorf("select application: %w", err)
	}
	if status.Decided() {
		return admission.AdmitResult{ApplicantID: applicantID, Status: status, AlreadyDecided: true}, nil
	}

	if !p.Bypass {
		res, err := tx.ExecContext(ctx, `UPDATE capacity_state SET admitted = admitted + 1, updated_at = $2
			WHERE id AND admitted < $1`, p.Cap, p.DecidedAt)
		if err != nil {
			if isRetryable(err) {
				return admission.AdmitResult{}, admission.ErrConflict
			}
			return admission.AdmitResult{}, fmt.Errorf("claim capacity slot: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return admission.AdmitResult{}, fmt.Errorf("rows affected: %w", err)
		}
		if rows == 0 {
			return admission.AdmitResult{}, admission.ErrCapExhausted
		}
	} else {
		if _, err := tx.ExecContext(ctx, `UPDATE capacity_state SET admitted = admitted + 1, updated_at = $1 WHERE id`, p.DecidedAt); err != nil {
			return admission.AdmitResult{}, fmt.Errorf("claim capacity slot: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE applications SET status = 'approved', decided_at = $2 WHERE id = $1`, id, p.DecidedAt); err != nil {
		return admission.AdmitResult{}, fmt.Errorf("approve application: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO member_slots (applicant_id, application_id, admitted_at) VALUES ($1, $2, $3)`,
		applicantID, id, p.DecidedAt); err != nil {
		return admission.AdmitResult{}, fmt.Errorf("insert member slot: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO invite_quotas (member_id, quota, used) VALUES ($1, $2, 0)
		ON CONFLICT (member_id) DO NOTHING`, applicantID, p.InitialQuota); err != nil {
		return admission.AdmitResult{}, fmt.Errorf("seed invite quota: %w", err)
	}

	if err := tx.Commit(); err != nil {
		if isRetryable(err) {
			return admission.AdmitResult{}, admission.ErrConflict
		}
		return admission.AdmitResult{}, fmt.Errorf("commit admit: %w", err)
	}
	return admission.AdmitResult{ApplicantID: applicantID, Status: applicant.StatusApproved}, nil
}

func (r *admissionRepo) Waitlist(ctx context.Context, id applicant.ApplicationID, at time.Time) (admission.AdmitResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return admission.AdmitResult{}, fmt.Errorf("begin waitlist: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var applicantID applicant.ID
	var status applicant.Status
	row := tx.QueryRowContext(ctx, `SELECT applicant_id, status FROM applications WHERE id = $1 FOR UPDATE`, id)
	if err := row.Scan(&applicantID, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return admission.AdmitResult{}, ErrNotFound
		}
		return admission.AdmitResult{}, fmt.Errorf("select application: %w", err)
	}
	if status != applicant.StatusPending {
		return admission.AdmitResult{ApplicantID: applicantID, Status: status, AlreadyDecided: true}, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE applications SET status = 'waitlisted', decided_at = $2 WHERE id = $1`, id, at); err != nil {
		return admission.AdmitResult{}, fmt.Errorf("waitlist application: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return admission.AdmitResult{}, fmt.Errorf("commit waitlist: %w", err)
	}
	return admission.AdmitResult{ApplicantID: applicantID, Status: applicant.StatusWaitlisted}, nil
}

func (r *admissionRepo) ReleaseSlot(ctx context.Context, memberID applicant.ID) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin release slot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var applicationID applicant.ApplicationID
	row := tx.QueryRowContext(ctx, `DELETE FROM member_slots WHERE applicant_id = $1 RETURNING application_id`, memberID)
	if err := row.Scan(&applicationID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return admission.ErrAlreadyReleased
		}
		return fmt.Errorf("delete member slot: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE capacity_state SET admitted = GREATEST(admitted - 1, 0), updated_at = $1 WHERE id`, time.Now().UTC()); err != nil {
		return fmt.Errorf("release capacity slot: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit release slot: %w", err)
	}
	return nil
}

func (r *admissionRepo) AdmittedCount(ctx context.Context) (int, error) {
	row := r.db.QueryRowContext(ctx, `SELECT admitted FROM capacity_state WHERE id`)
	var admitted int
	if err := row.Scan(&admitted); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("select admitted count: %w", err)
	}
	return admitted, nil
}

type referralRepo struct {
	db *sql.DB
}

// CreateEdge serializes per referrer by locking the referrer's applicant row,
// so the post-insert count crosses each reward threshold exactly once even
// under concurrent attributions.
func (r *referralRepo) CreateEdge(ctx context.Context, edge referral.Edge) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin create edge: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	row := tx.QueryRowContext(ctx, `SELECT 1 FROM applicants WHERE id = $1 FOR UPDATE`, edge.ReferrerID)
	if err := row.Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("lock referrer: %w", err)
	}

	res, err := tx.ExecContext(ctx, `INSERT INTO referral_edges (id, referrer_id, referred_id, attribution, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (referred_id) DO NOTHING`,
		edge.ID, edge.ReferrerID, edge.ReferredID, edge.Attribution, edge.CreatedAt)
	if err != nil {
		return 0, fmt.Errorf("insert referral edge: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return 0, referral.ErrAlreadyAttributed
	}

	var count int
	row = tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM referral_edges WHERE referrer_id = $1`, edge.ReferrerID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count referrer edges: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit create edge: %w", err)
	}
	return count, nil
}

func (r *referralRepo) CountForReferrer(ctx context.Context, referrerID applicant.ID) (int, error) {
	row := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM referral_edges WHERE referrer_id = $1`, referrerID)
	var count int
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count referrer edges: %w", err)
	}
	return count, nil
}

type inviteRepo struct {
	db *sql.DB
}

func (r *inviteRepo) SeedQuota(ctx context.Context, q invite.Quota) error {
	if q.MemberID == "" || q.Quota < 0 {
		return fmt.Errorf("member id and a non-negative quota are required")
	}
	_, err := r.db.ExecContext(ctx, `INSERT INTO invite_quotas (member_id, quota, used) VALUES ($1, $2, $3)
		ON CONFLICT (member_id) DO NOTHING`, q.MemberID, q.Quota, q.Used)
	if err != nil {
		return fmt.Errorf("seed invite quota: %w", err)
	}
	return nil
}

func (r *inviteRepo) GetQuota(ctx context.Context, memberID applicant.ID) (invite.Quota, error) {
	row := r.db.QueryRowContext(ctx, `SELECT member_id, quota, used FROM invite_quotas WHERE member_id = $1`, memberID)
	var q invite.Quota
	if err := row.Scan(&q.MemberID, &q.Quota, &q.Used); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return invite.Quota{}, ErrNotFound
		}
		return invite.Quota{}, fmt.Errorf("select invite quota: %w", err)
	}
	return q, nil
}

// CreateCode reserves one quota slot with a guarded increment before the
// code row is written; both happen in one transaction.
func (r *inviteRepo) CreateCode(ctx context.Context, code invite.Code) error {
	if code.Code == "" || code.IssuerID == "" || code.MaxUses <= 0 || code.CreatedAt.IsZero() {
		return fmt.Errorf("code, issuer_id, max_uses, and created_at are required")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create code: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `UPDATE invite_quotas SET used = used + 1
		WHERE member_id = $1 AND used < quota`, code.IssuerID)
	if err != nil {
		return fmt.Errorf("reserve quota slot: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		row := tx.QueryRowContext(ctx, `SELECT 1 FROM invite_quotas WHERE member_id = $1`, code.IssuerID)
		var one int
		if err := row.Scan(&one); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("select invite quota: %w", err)
		}
		return invite.ErrQuotaExhausted
	}

	var expiresAt any
	if code.ExpiresAt != nil {
		expiresAt = *code.ExpiresAt
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO invite_codes (code, issuer_id, expires_at, max_uses, redemptions, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		code.Code, code.IssuerID, expiresAt, code.MaxUses, code.Redemptions, code.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert invite code: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create code: %w", err)
	}
	return nil
}

func (r *inviteRepo) GetCode(ctx context.Context, code string) (invite.Code, error) {
	row := r.db.QueryRowContext(ctx, `SELECT code, issuer_id, redeemed_by, expires_at, max_uses, redemptions, created_at
		FROM invite_codes WHERE code = $1`, code)
	return scanCode(row, invite.ErrCodeNotFound)
}

// RedeemCode claims one redemption with a guarded update. When the guard
// claims nothing, a follow-up select tells not-found, expired, and
// fully-redeemed apart.
func (r *inviteRepo) RedeemCode(ctx context.Context, code string, redeemer applicant.ID, now time.Time) (invite.Code, error) {
	if code == "" || redeemer == "" {
		return invite.Code{}, fmt.Errorf("code and redeemer are required")
	}

	row := r.db.QueryRowContext(ctx, `UPDATE invite_codes
		SET redemptions = redemptions + 1, redeemed_by = $2
		WHERE code = $1 AND redemptions < max_uses AND (expires_at IS NULL OR expires_at > $3)
		RETURNING code, issuer_id, redeemed_by, expires_at, max_uses, redemptions, created_at`,
		code, redeemer, now)
	redeemed, err := scanCode(row, sql.ErrNoRows)
	if err == nil {
		return redeemed, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return invite.Code{}, err
	}

	existing, err := r.GetCode(ctx, code)
	if err != nil {
		return invite.Code{}, err
	}
	if existing.Expired(now) {
		return invite.Code{}, invite.ErrCodeExpired
	}
	return invite.Code{}, invite.ErrMaxUsesReached
}

// ReleaseRedemption is the inverse of the redeem guard: it only hands a use
// back when this redeemer holds one, so the counter cannot go negative and a
// release cannot free someone else's redemption.
func (r *inviteRepo) ReleaseRedemption(ctx context.Context, code string, redeemer applicant.ID) error {
	if code == "" || redeemer == "" {
		return fmt.Errorf("code and redeemer are required")
	}
	res, err := r.db.ExecContext(ctx, `UPDATE invite_codes
		SET redemptions = redemptions - 1, redeemed_by = NULL
		WHERE code = $1 AND redeemed_by = $2 AND redemptions > 0`, code, redeemer)
	if err != nil {
		return fmt.Errorf("release redemption: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return invite.ErrCodeNotFound
	}
	return nil
}

func scanCode(row *sql.Row, notFound error) (invite.Code, error) {
	var c invite.Code
	var redeemedBy sql.NullString
	var expiresAt sql.NullTime
	if err := row.Scan(&c.Code, &c.IssuerID, &redeemedBy, &expiresAt, &c.MaxUses, &c.Redemptions, &c.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return invite.Code{}, notFound
		}
		return invite.Code{}, fmt.Errorf("select invite code: %w", err)
	}
	if redeemedBy.Valid {
		id := applicant.ID(redeemedBy.String)
		c.RedeemedBy = &id
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		c.ExpiresAt = &t
	}
	return c, nil
}

func (r *inviteRepo) GrantBonus(ctx context.Context, memberID applicant.ID, amount int) error {
	if memberID == "" || amount <= 0 {
		return fmt.Errorf("member id and a positive amount are required")
	}
	res, err := r.db.ExecContext(ctx, `UPDATE invite_quotas SET quota = quota + $2 WHERE member_id = $1`, memberID, amount)
	if err != nil {
		return fmt.Errorf("grant bonus quota: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}
