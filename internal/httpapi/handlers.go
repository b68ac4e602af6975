package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tkivisto/gatehouse/internal/admin"
	"github.com/tkivisto/gatehouse/internal/admission"
	"github.com/tkivisto/gatehouse/internal/applicant"
	"github.com/tkivisto/gatehouse/internal/invite"
	"github.com/tkivisto/gatehouse/internal/referral"
	"github.com/tkivisto/gatehouse/internal/securelog"
	"github.com/tkivisto/gatehouse/internal/storage"
	"github.com/tkivisto/gatehouse/internal/waitlist"
)

const (
	maxBodyBytes = 1 << 20
	timeLayout   = time.RFC3339Nano

	defaultWaitlistPageSize = 50
	maxWaitlistPageSize     = 500
)

type Handler struct {
	intake     *applicant.Intake
	gate       *admission.Gate
	ranker     *waitlist.Ranker
	invites    *invite.Manager
	referrals  *referral.Ledger
	admin      *admin.Service
	adminToken string

	// weeklyAdmissions is the recent admission rate used to turn a queue
	// position into a wait estimate. Zero disables estimates.
	weeklyAdmissions int
}

func NewHandler(intake *applicant.Intake, gate *admission.Gate, ranker *waitlist.Ranker, invites *invite.Manager, referrals *referral.Ledger, adminSvc *admin.Service, adminToken string, weeklyAdmissions int) *Handler {
	return &Handler{
		intake:           intake,
		gate:             gate,
		ranker:           ranker,
		invites:          invites,
		referrals:        referrals,
		admin:            adminSvc,
		adminToken:       adminToken,
		weeklyAdmissions: weeklyAdmissions,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/applications", h.handleApplications)
	mux.HandleFunc("/applications/status", h.handleApplicationStatus)
	mux.HandleFunc("/invites", h.handleInvites)
	mux.HandleFunc("/invites/redeem", h.handleInviteRedeem)
	mux.HandleFunc("/admin/approve", h.handleAdminApprove)
	mux.HandleFunc("/admin/reject", h.handleAdminReject)
	mux.HandleFunc("/admin/capacity", h.handleAdminCapacity)
	mux.HandleFunc("/admin/waves", h.handleAdminWaves)
	mux.HandleFunc("/admin/waitlist", h.handleAdminWaitlist)
	mux.HandleFunc("/admin/void", h.handleAdminVoid)
}

type submitApplicationRequest struct {
	Email         string            `json:"email"`
	DisplayName   string            `json:"display_name"`
	Answers       map[string]string `json:"answers"`
	TermsAccepted bool              `json:"terms_accepted"`
	ReferralCode  string            `json:"referral_code"`
}

type applicationStatusResponse struct {
	ApplicationID      string `json:"application_id"`
	ApplicantID        string `json:"applicant_id"`
	Status             string `json:"status"`
	Score              int    `json:"score"`
	SubmittedAt        string `json:"submitted_at"`
	Position           int    `json:"position,omitempty"`
	EstimatedWaitHours int    `json:"estimated_wait_hours,omitempty"`
	RejectReason       string `json:"reject_reason,omitempty"`
}

type submitApplicationResponse struct {
	Application applicationStatusResponse `json:"application"`
	Admitted    bool                      `json:"admitted"`
}

func (h *Handler) handleApplications(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if h.intake == nil || h.gate == nil {
		writeError(w, http.StatusInternalServerError, errors.New("intake service not configured"))
		return
	}

	var req submitApplicationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	app, err := h.intake.Submit(r.Context(), applicant.Submission{
		Email:         req.Email,
		DisplayName:   req.DisplayName,
		Answers:       req.Answers,
		TermsAccepted: req.TermsAccepted,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	// Signup attribution is best effort: a bad referral code never blocks
	// the application it arrived with.
	if code := strings.TrimSpace(req.ReferralCode); code != "" && h.referrals != nil {
		if _, err := h.referrals.Attribute(r.Context(), code, app.ApplicantID, referral.AttributionSignup); err != nil {
			securelog.Error("httpapi.signup_attribution", err)
		}
	}

	decision, err := h.gate.Decide(r.Context(), app.ID, admission.Context{})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	current, err := h.intake.StatusOf(r.Context(), app.ID)
	if err != nil {
		current = app
	}

	resp := submitApplicationResponse{
		Application: h.applicationResponse(current, decision.Position),
		Admitted:    decision.Admitted,
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (h *Handler) handleApplicationStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if h.intake == nil {
		writeError(w, http.StatusInternalServerError, errors.New("intake service not configured"))
		return
	}

	id := applicant.ApplicationID(strings.TrimSpace(r.URL.Query().Get("id")))
	app, err := h.intake.StatusOf(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	position := 0
	if h.ranker != nil && !app.Status.Decided() {
		if p, err := h.ranker.PositionOf(r.Context(), app.ID); err == nil {
			position = p
		} else if !errors.Is(err, waitlist.ErrNotQueued) {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}

	writeJSON(w, http.StatusOK, h.applicationResponse(app, position))
}

func (h *Handler) applicationResponse(app applicant.Application, position int) applicationStatusResponse {
	resp := applicationStatusResponse{
		ApplicationID: string(app.ID),
		ApplicantID:   string(app.ApplicantID),
		Status:        string(app.Status),
		Score:         app.Score,
		SubmittedAt:   app.SubmittedAt.UTC().Format(timeLayout),
		RejectReason:  app.RejectReason,
	}
	if !app.Status.Decided() && position > 0 {
		resp.Position = position
		if wait := waitlist.EstimatedWait(position, h.weeklyAdmissions); wait > 0 {
			resp.EstimatedWaitHours = int(wait / time.Hour)
		}
	}
	return resp
}

type issueInviteRequest struct {
	MemberID applicant.ID `json:"member_id"`
}

type inviteCodeResponse struct {
	Code        string `json:"code"`
	IssuerID    string `json:"issuer_id"`
	ExpiresAt   string `json:"expires_at,omitempty"`
	MaxUses     int    `json:"max_uses"`
	Redemptions int    `json:"redemptions"`
}

type issueInviteResponse struct {
	Invite     inviteCodeResponse `json:"invite"`
	QuotaTotal int                `json:"quota_total"`
	QuotaUsed  int                `json:"quota_used"`
}

func (h *Handler) handleInvites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if h.invites == nil {
		writeError(w, http.StatusInternalServerError, errors.New("invite service not configured"))
		return
	}

	var req issueInviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	code, err := h.invites.IssueCode(r.Context(), req.MemberID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := issueInviteResponse{Invite: inviteResponse(code)}
	if quota, err := h.invites.QuotaFor(r.Context(), req.MemberID); err == nil {
		resp.QuotaTotal = quota.Quota
		resp.QuotaUsed = quota.Used
	}
	writeJSON(w, http.StatusCreated, resp)
}

func inviteResponse(code invite.Code) inviteCodeResponse {
	resp := inviteCodeResponse{
		Code:        code.Code,
		IssuerID:    string(code.IssuerID),
		MaxUses:     code.MaxUses,
		Redemptions: code.Redemptions,
	}
	if code.ExpiresAt != nil {
		resp.ExpiresAt = code.ExpiresAt.UTC().Format(timeLayout)
	}
	return resp
}

type redeemInviteRequest struct {
	Code        string       `json:"code"`
	ApplicantID applicant.ID `json:"applicant_id"`
}

type redeemInviteResponse struct {
	Invite      inviteCodeResponse         `json:"invite"`
	Application *applicationStatusResponse `json:"application,omitempty"`
	Admitted    bool                       `json:"admitted"`
}

func (h *Handler) handleInviteRedeem(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if h.invites == nil {
		writeError(w, http.StatusInternalServerError, errors.New("invite service not configured"))
		return
	}

	var req redeemInviteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	code, err := h.invites.Redeem(r.Context(), req.Code, req.ApplicantID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := redeemInviteResponse{Invite: inviteResponse(code)}

	// A consumed code always comes with an admission outcome. When deciding
	// the redeemer's open application fails, the redemption is handed back
	// so the code is not burned for nothing.
	if h.intake != nil && h.gate != nil {
		app, err := h.intake.ApplicationOf(r.Context(), req.ApplicantID)
		switch {
		case err == nil && !app.Status.Decided():
			decision, err := h.gate.Decide(r.Context(), app.ID, admission.Context{})
			if err != nil {
				h.releaseRedemption(r.Context(), code.Code, req.ApplicantID)
				writeDomainError(w, err)
				return
			}
			resp.Admitted = decision.Admitted
			if current, err := h.intake.StatusOf(r.Context(), app.ID); err == nil {
				status := h.applicationResponse(current, decision.Position)
				resp.Application = &status
			}
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			h.releaseRedemption(r.Context(), code.Code, req.ApplicantID)
			writeDomainError(w, err)
			return
		}
	}

	if h.referrals != nil {
		if _, err := h.referrals.Attribute(r.Context(), code.Code, req.ApplicantID, referral.AttributionCode); err != nil {
			securelog.Error("httpapi.redeem_attribution", err)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// releaseRedemption undoes a redemption whose follow-up decision failed. A
// failing release only loses the compensation, never the error reported to
// the caller, so it is logged and swallowed.
func (h *Handler) releaseRedemption(ctx context.Context, code string, redeemer applicant.ID) {
	if err := h.invites.Unredeem(ctx, code, redeemer); err != nil {
		securelog.Error("httpapi.redeem_release", err)
	}
}

type adminDecisionRequest struct {
	ApplicationID applicant.ApplicationID `json:"application_id"`
	Actor         string                  `json:"actor"`
	Reason        string                  `json:"reason"`
}

type adminApproveResponse struct {
	Admitted bool `json:"admitted"`
	Position int  `json:"position,omitempty"`
}

func (h *Handler) handleAdminApprove(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authenticateAdmin(r) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
		return
	}
	if h.admin == nil {
		writeError(w, http.StatusInternalServerError, errors.New("admin service not configured"))
		return
	}

	var req adminDecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	decision, err := h.admin.Approve(r.Context(), req.Actor, req.ApplicationID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adminApproveResponse{Admitted: decision.Admitted, Position: decision.Position})
}

func (h *Handler) handleAdminReject(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authenticateAdmin(r) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
		return
	}
	if h.admin == nil {
		writeError(w, http.StatusInternalServerError, errors.New("admin service not configured"))
		return
	}

	var req adminDecisionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.admin.Reject(r.Context(), req.Actor, req.ApplicationID, req.Reason); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type adminCapacityRequest struct {
	Actor           string `json:"actor"`
	Cap             *int   `json:"cap"`
	PublicAdmission *bool  `json:"public_admission"`
}

func (h *Handler) handleAdminCapacity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authenticateAdmin(r) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
		return
	}
	if h.admin == nil {
		writeError(w, http.StatusInternalServerError, errors.New("admin service not configured"))
		return
	}

	var req adminCapacityRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Cap == nil && req.PublicAdmission == nil {
		writeError(w, http.StatusBadRequest, errors.New("cap or public_admission is required"))
		return
	}

	if req.Cap != nil {
		if err := h.admin.SetCap(r.Context(), req.Actor, *req.Cap); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	if req.PublicAdmission != nil {
		if err := h.admin.SetPublicAdmission(r.Context(), req.Actor, *req.PublicAdmission); err != nil {
			writeDomainError(w, err)
			return
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

type adminWaveRequest struct {
	Actor string `json:"actor"`
	Count int    `json:"count"`
}

type adminWaveResponse struct {
	Processed int `json:"processed"`
	Admitted  int `json:"admitted"`
}

func (h *Handler) handleAdminWaves(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authenticateAdmin(r) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
		return
	}
	if h.admin == nil {
		writeError(w, http.StatusInternalServerError, errors.New("admin service not configured"))
		return
	}

	var req adminWaveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	report, err := h.admin.RunWave(r.Context(), req.Actor, req.Count)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, adminWaveResponse{Processed: report.Processed, Admitted: report.Admitted})
}

type waitlistEntryResponse struct {
	ApplicationID      string `json:"application_id"`
	ApplicantID        string `json:"applicant_id"`
	Score              int    `json:"score"`
	SubmittedAt        string `json:"submitted_at"`
	Position           int    `json:"position"`
	EstimatedWaitHours int    `json:"estimated_wait_hours,omitempty"`
}

type adminWaitlistResponse struct {
	Entries []waitlistEntryResponse `json:"entries"`
}

func (h *Handler) handleAdminWaitlist(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authenticateAdmin(r) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
		return
	}
	if h.ranker == nil {
		writeError(w, http.StatusInternalServerError, errors.New("waitlist ranker not configured"))
		return
	}

	limit := defaultWaitlistPageSize
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > maxWaitlistPageSize {
			writeError(w, http.StatusBadRequest, errors.New("invalid limit"))
			return
		}
		limit = parsed
	}
	offset := 0
	if raw := strings.TrimSpace(r.URL.Query().Get("offset")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, errors.New("invalid offset"))
			return
		}
		offset = parsed
	}

	entries, err := h.ranker.Rank(r.Context(), limit, offset)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	resp := adminWaitlistResponse{Entries: make([]waitlistEntryResponse, 0, len(entries))}
	for i, entry := range entries {
		position := offset + i + 1
		row := waitlistEntryResponse{
			ApplicationID: string(entry.ApplicationID),
			ApplicantID:   string(entry.ApplicantID),
			Score:         entry.Score,
			SubmittedAt:   entry.SubmittedAt.UTC().Format(timeLayout),
			Position:      position,
		}
		if wait := waitlist.EstimatedWait(position, h.weeklyAdmissions); wait > 0 {
			row.EstimatedWaitHours = int(wait / time.Hour)
		}
		resp.Entries = append(resp.Entries, row)
	}
	writeJSON(w, http.StatusOK, resp)
}

type adminVoidRequest struct {
	Actor       string       `json:"actor"`
	ApplicantID applicant.ID `json:"applicant_id"`
}

func (h *Handler) handleAdminVoid(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if !h.authenticateAdmin(r) {
		writeError(w, http.StatusUnauthorized, errors.New("invalid admin token"))
		return
	}
	if h.admin == nil {
		writeError(w, http.StatusInternalServerError, errors.New("admin service not configured"))
		return
	}

	var req adminVoidRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := h.admin.VoidMember(r.Context(), req.Actor, req.ApplicantID); err != nil {
		writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) authenticateAdmin(r *http.Request) bool {
	if strings.TrimSpace(h.adminToken) == "" {
		return false
	}
	return strings.TrimSpace(r.Header.Get("X-Admin-Token")) == h.adminToken
}

func writeDomainError(w http.ResponseWriter, err error) {
	var validation *applicant.ValidationError
	switch {
	case errors.As(err, &validation),
		errors.Is(err, applicant.ErrInvalidInput),
		errors.Is(err, admission.ErrInvalidInput),
		errors.Is(err, waitlist.ErrInvalidInput),
		errors.Is(err, invite.ErrInvalidInput),
		errors.Is(err, referral.ErrInvalidInput),
		errors.Is(err, admin.ErrInvalidInput),
		errors.Is(err, admin.ErrReasonRequired):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, applicant.ErrDuplicateEmail),
		errors.Is(err, applicant.ErrIllegalTransition),
		errors.Is(err, invite.ErrQuotaExhausted):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, invite.ErrCodeExpired),
		errors.Is(err, invite.ErrMaxUsesReached):
		writeError(w, http.StatusGone, err)
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, invite.ErrCodeNotFound),
		errors.Is(err, waitlist.ErrNotQueued):
		writeError(w, http.StatusNotFound, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("multiple json objects are not allowed")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	securelog.Error("httpapi", err)
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
