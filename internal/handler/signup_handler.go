package handler

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/shepherd/internal/model"
	"github.com/hitoshi/shepherd/internal/signup"
	"github.com/hitoshi/shepherd/internal/validation"
)

// SignupServiceInterface は申込ハンドラーが必要とするサービスインターフェース。
// signup.Ledger が実装する。
type SignupServiceInterface interface {
	// CreateSignup は定員判定を行い申込を作成する。
	CreateSignup(ctx context.Context, req signup.CreateRequest) (*model.Signup, error)
	// Transition は申込の状態を遷移させる。
	Transition(ctx context.Context, req signup.TransitionRequest) (*signup.TransitionResult, error)
	// GetSignup は募集に属する申込を取得する。
	GetSignup(ctx context.Context, opportunityID, signupID, actor string) (*model.Signup, error)
	// ListSignups は募集の申込を作成順に返す。
	ListSignups(ctx context.Context, opportunityID string, filter model.SignupFilter, actor string) ([]*model.Signup, error)
}

// SignupHandler は申込のHTTPハンドラー。
type SignupHandler struct {
	service   SignupServiceInterface
	validator *validation.Validator
}

// NewSignupHandler はSignupHandlerを生成する。
func NewSignupHandler(service SignupServiceInterface, validator *validation.Validator) *SignupHandler {
	return &SignupHandler{
		service:   service,
		validator: validator,
	}
}

// createSignupRequest は申込作成リクエストのボディ。
// volunteer_id を省略した場合は操作者本人の申込になる。
type createSignupRequest struct {
	VolunteerID     string   `json:"volunteer_id" validate:"omitempty,max=64"`
	ScheduledDate   string   `json:"scheduled_date" validate:"omitempty,civildate"`
	Message         string   `json:"message" validate:"max=2000"`
	SpecialRequests string   `json:"special_requests" validate:"max=2000"`
	EstimatedHours  *float64 `json:"estimated_hours" validate:"omitempty,gt=0,lte=24"`
}

// updateSignupRequest は申込の状態変更リクエストのボディ。
type updateSignupRequest struct {
	Status      string   `json:"status" validate:"required"`
	Reason      string   `json:"reason" validate:"max=1000"`
	ActualHours *float64 `json:"actual_hours" validate:"omitempty,gt=0,lte=24"`
	Feedback    string   `json:"feedback" validate:"max=2000"`
	Rating      *int     `json:"rating" validate:"omitempty,min=1,max=5"`
}

// signupResponse は申込情報のAPIレスポンス。
type signupResponse struct {
	ID              string     `json:"id"`
	OpportunityID   string     `json:"opportunity_id"`
	VolunteerID     string     `json:"volunteer_id"`
	Status          string     `json:"status"`
	ScheduledDate   *string    `json:"scheduled_date,omitempty"`
	Message         string     `json:"message"`
	SpecialRequests string     `json:"special_requests"`
	EstimatedHours  *float64   `json:"estimated_hours,omitempty"`
	ConfirmedAt     *time.Time `json:"confirmed_at,omitempty"`
	ConfirmedBy     string     `json:"confirmed_by,omitempty"`
	DeclinedAt      *time.Time `json:"declined_at,omitempty"`
	DeclinedReason  string     `json:"declined_reason,omitempty"`
	DeclinedBy      string     `json:"declined_by,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	ActualHours     *float64   `json:"actual_hours,omitempty"`
	Feedback        string     `json:"feedback,omitempty"`
	Rating          *int       `json:"rating,omitempty"`
	PromotedAt      *time.Time `json:"promoted_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// transitionResponse は状態変更のAPIレスポンス。
// promoted は辞退によって繰り上げられた申込（なければnull）。
type transitionResponse struct {
	Signup   signupResponse  `json:"signup"`
	Promoted *signupResponse `json:"promoted"`
}

// CreateSignup は奉仕募集への申込を作成する。
// POST /api/opportunities/{id}/signup
func (h *SignupHandler) CreateSignup(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req createSignupRequest
	if apiErr := decodeJSONBody(r, &req); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	if err := h.validator.Validate(req); err != nil {
		handleServiceError(w, err)
		return
	}

	// civildate で検証済み
	date, _ := model.ParseScheduledDate(req.ScheduledDate)

	volunteerID := strings.TrimSpace(req.VolunteerID)
	if volunteerID == "" {
		volunteerID = actorID
	}

	created, err := h.service.CreateSignup(r.Context(), signup.CreateRequest{
		OpportunityID:   chi.URLParam(r, "id"),
		VolunteerID:     volunteerID,
		Actor:           actorID,
		ScheduledDate:   date,
		Message:         req.Message,
		SpecialRequests: req.SpecialRequests,
		EstimatedHours:  req.EstimatedHours,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, toSignupResponse(created))
}

// UpdateSignupStatus は申込の状態を変更する。
// PUT /api/opportunities/{id}/signups/{signupId}
func (h *SignupHandler) UpdateSignupStatus(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	var req updateSignupRequest
	if apiErr := decodeJSONBody(r, &req); apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	if err := h.validator.Validate(req); err != nil {
		handleServiceError(w, err)
		return
	}
	status, err := model.ParseSignupStatus(req.Status)
	if err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError("申込の状態が不正です。",
			map[string]string{"status": "次のいずれかを指定してください: PENDING WAITLISTED CONFIRMED DECLINED COMPLETED"}))
		return
	}

	result, err := h.service.Transition(r.Context(), signup.TransitionRequest{
		OpportunityID: chi.URLParam(r, "id"),
		SignupID:      chi.URLParam(r, "signupId"),
		Status:        status,
		Actor:         actorID,
		Reason:        req.Reason,
		ActualHours:   req.ActualHours,
		Feedback:      req.Feedback,
		Rating:        req.Rating,
	})
	if err != nil {
		handleServiceError(w, err)
		return
	}

	resp := transitionResponse{Signup: toSignupResponse(result.Signup)}
	if result.Promoted != nil {
		p := toSignupResponse(result.Promoted)
		resp.Promoted = &p
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetSignup は申込の詳細を返す。
// GET /api/opportunities/{id}/signups/{signupId}
func (h *SignupHandler) GetSignup(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	s, err := h.service.GetSignup(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "signupId"), actorID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, toSignupResponse(s))
}

// ListSignups は募集の申込一覧を作成順に返す。
// GET /api/opportunities/{id}/signups
func (h *SignupHandler) ListSignups(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	var filter model.SignupFilter
	if v := r.URL.Query().Get("status"); v != "" {
		st, err := model.ParseSignupStatus(v)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(
				"申込状態の指定が不正です。",
				map[string]string{"status": "次のいずれかを指定してください: PENDING WAITLISTED CONFIRMED DECLINED COMPLETED"}))
			return
		}
		filter.Status = st
	}
	date, apiErr := scheduledDateQuery(r)
	if apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}
	filter.ScheduledDate = date

	signups, err := h.service.ListSignups(r.Context(), chi.URLParam(r, "id"), filter, actorID)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	items := make([]signupResponse, len(signups))
	for i, s := range signups {
		items[i] = toSignupResponse(s)
	}
	writeJSON(w, http.StatusOK, map[string]any{"signups": items})
}
