package handler

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/shepherd/internal/match"
	"github.com/hitoshi/shepherd/internal/model"
)

// OpportunityServiceInterface は募集ハンドラーが必要とするサービスインターフェース。
type OpportunityServiceInterface interface {
	// ListOpportunities はフィルタ条件に一致する募集を1ページ分返す。
	ListOpportunities(ctx context.Context, filter model.OpportunityFilter, page model.Page) (*opportunityPageResponse, error)
	// GetOpportunityDetail は募集と充足状況を返す。
	GetOpportunityDetail(ctx context.Context, id string, scheduledDate *time.Time) (*opportunityDetailResponse, error)
	// ComputeAvailability は募集（開催日ごと）の充足状況を返す。
	ComputeAvailability(ctx context.Context, id string, scheduledDate *time.Time) (*availabilityResponse, error)
}

// MatchServiceInterface はマッチング検索のサービスインターフェース。
type MatchServiceInterface interface {
	// Search はボランティアに合う募集を返す。
	Search(ctx context.Context, q match.Query) ([]matchResponse, error)
}

// OpportunityHandler は奉仕募集の参照・検索のHTTPハンドラー。
type OpportunityHandler struct {
	service OpportunityServiceInterface
	matcher MatchServiceInterface
}

// NewOpportunityHandler はOpportunityHandlerを生成する。
func NewOpportunityHandler(service OpportunityServiceInterface, matcher MatchServiceInterface) *OpportunityHandler {
	return &OpportunityHandler{
		service: service,
		matcher: matcher,
	}
}

// opportunityResponse は募集情報のAPIレスポンス。
type opportunityResponse struct {
	ID             string     `json:"id"`
	Title          string     `json:"title"`
	Description    string     `json:"description"`
	Ministry       string     `json:"ministry"`
	StartAt        time.Time  `json:"start_at"`
	EndAt          *time.Time `json:"end_at,omitempty"`
	MaxVolunteers  *int       `json:"max_volunteers"`
	Status         string     `json:"status"`
	Urgency        string     `json:"urgency"`
	RequiredSkills []string   `json:"required_skills"`
	RecurrenceRule string     `json:"recurrence_rule,omitempty"`
}

// availabilityResponse は充足状況のAPIレスポンス。
type availabilityResponse struct {
	OpportunityID  string  `json:"opportunity_id"`
	ScheduledDate  *string `json:"scheduled_date,omitempty"`
	ConfirmedCount int     `json:"confirmed_count"`
	HeldCount      int     `json:"held_count"`
	WaitlistCount  int     `json:"waitlist_count"`
	MaxVolunteers  *int    `json:"max_volunteers"`
	Remaining      *int    `json:"remaining"`
	IsFull         bool    `json:"is_full"`
}

// opportunityDetailResponse は募集詳細のAPIレスポンス。
type opportunityDetailResponse struct {
	Opportunity  opportunityResponse   `json:"opportunity"`
	Availability *availabilityResponse `json:"availability,omitempty"`
	NextDate     *string               `json:"next_date,omitempty"`
}

// opportunityPageResponse は募集一覧のAPIレスポンス。
type opportunityPageResponse struct {
	Items      []opportunityResponse `json:"items"`
	Total      int                   `json:"total"`
	Page       int                   `json:"page"`
	PageSize   int                   `json:"page_size"`
	TotalPages int                   `json:"total_pages"`
}

// matchResponse はマッチング検索結果の1件。
type matchResponse struct {
	Opportunity   opportunityResponse   `json:"opportunity"`
	Availability  *availabilityResponse `json:"availability,omitempty"`
	MatchedSkills []string              `json:"matched_skills"`
	NextDate      *string               `json:"next_date,omitempty"`
}

// ListOpportunities は募集一覧を返す。
// GET /api/opportunities
func (h *OpportunityHandler) ListOpportunities(w http.ResponseWriter, r *http.Request) {
	filter, page, apiErr := parseOpportunityQuery(r)
	if apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	result, err := h.service.ListOpportunities(r.Context(), filter, page)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, result)
}

// GetOpportunity は募集詳細と充足状況を返す。
// GET /api/opportunities/{id}
func (h *OpportunityHandler) GetOpportunity(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	date, apiErr := scheduledDateQuery(r)
	if apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	detail, err := h.service.GetOpportunityDetail(r.Context(), id, date)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, detail)
}

// GetAvailability は募集の充足状況を返す。
// GET /api/opportunities/{id}/availability
func (h *OpportunityHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	date, apiErr := scheduledDateQuery(r)
	if apiErr != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, apiErr)
		return
	}

	avail, err := h.service.ComputeAvailability(r.Context(), id, date)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, avail)
}

// SearchMatches はボランティアのスキルと希望ミニストリーに合う募集を返す。
// volunteer_id を省略した場合は操作者自身を対象にする。
// GET /api/opportunities/search
func (h *OpportunityHandler) SearchMatches(w http.ResponseWriter, r *http.Request) {
	actorID, ok := requireActor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	query := match.Query{
		VolunteerID: strings.TrimSpace(q.Get("volunteer_id")),
		Ministry:    strings.TrimSpace(q.Get("ministry")),
	}
	if query.VolunteerID == "" {
		query.VolunteerID = actorID
	}
	if v := q.Get("urgent"); v != "" {
		urgent, err := strconv.ParseBool(v)
		if err != nil {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewValidationError(
				"urgent の値が不正です。", map[string]string{"urgent": "true または false を指定してください"}))
			return
		}
		query.UrgentOnly = urgent
	}

	matches, err := h.matcher.Search(r.Context(), query)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"matches": matches})
}

// parseOpportunityQuery はクエリパラメータから絞り込み条件とページを組み立てる。
func parseOpportunityQuery(r *http.Request) (model.OpportunityFilter, model.Page, *model.APIError) {
	q := r.URL.Query()
	fields := map[string]string{}

	filter := model.OpportunityFilter{
		Ministry: strings.TrimSpace(q.Get("ministry")),
		Search:   strings.TrimSpace(q.Get("search")),
	}
	if v := q.Get("urgency"); v != "" {
		u, err := model.ParseUrgency(v)
		if err != nil {
			fields["urgency"] = "次のいずれかを指定してください: NORMAL HIGH URGENT"
		}
		filter.Urgency = u
	}
	if v := q.Get("status"); v != "" {
		st, err := model.ParseOpportunityStatus(v)
		if err != nil {
			fields["status"] = "次のいずれかを指定してください: OPEN FILLED CLOSED"
		}
		filter.Status = st
	}
	if v := q.Get("upcoming"); v != "" {
		upcoming, err := strconv.ParseBool(v)
		if err != nil {
			fields["upcoming"] = "true または false を指定してください"
		}
		filter.UpcomingOnly = upcoming
	}
	if v := q.Get("skills"); v != "" {
		for _, s := range strings.Split(v, ",") {
			if s = strings.TrimSpace(s); s != "" {
				filter.RequiredSkills = append(filter.RequiredSkills, s)
			}
		}
	}

	var page model.Page
	if v := q.Get("page"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			fields["page"] = "1以上の整数を指定してください"
		}
		page.Number = n
	}
	if v := q.Get("page_size"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > model.MaxPageSize {
			fields["page_size"] = "1から" + strconv.Itoa(model.MaxPageSize) + "の整数を指定してください"
		}
		page.Size = n
	}

	if len(fields) > 0 {
		return filter, page, model.NewValidationError("検索条件に誤りがあります。", fields)
	}
	return filter, page, nil
}

// scheduledDateQuery は scheduled_date クエリパラメータを解析する。未指定の場合はnilを返す。
func scheduledDateQuery(r *http.Request) (*time.Time, *model.APIError) {
	date, err := model.ParseScheduledDate(r.URL.Query().Get("scheduled_date"))
	if err != nil {
		return nil, model.NewValidationError("開催日の形式が不正です。",
			map[string]string{"scheduled_date": "YYYY-MM-DD形式の日付を入力してください"})
	}
	return date, nil
}
