package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/shepherd/internal/catalog"
	"github.com/hitoshi/shepherd/internal/match"
	"github.com/hitoshi/shepherd/internal/model"
	"github.com/hitoshi/shepherd/internal/schedule"
)

// OpportunityServiceAdapter は catalog.Service を OpportunityServiceInterface に適合させるアダプタ。
type OpportunityServiceAdapter struct {
	svc *catalog.Service
	now func() time.Time
}

// NewOpportunityServiceAdapter はOpportunityServiceAdapterを生成する。
func NewOpportunityServiceAdapter(svc *catalog.Service) *OpportunityServiceAdapter {
	return &OpportunityServiceAdapter{svc: svc, now: time.Now}
}

// ListOpportunities は募集一覧をhandlerレスポンス型で返す。
func (a *OpportunityServiceAdapter) ListOpportunities(ctx context.Context, filter model.OpportunityFilter, page model.Page) (*opportunityPageResponse, error) {
	result, err := a.svc.ListOpportunities(ctx, filter, page)
	if err != nil {
		return nil, err
	}

	items := make([]opportunityResponse, len(result.Items))
	for i, o := range result.Items {
		items[i] = toOpportunityResponse(o)
	}
	return &opportunityPageResponse{
		Items:      items,
		Total:      result.Total,
		Page:       result.Page,
		PageSize:   result.PageSize,
		TotalPages: result.TotalPages,
	}, nil
}

// GetOpportunityDetail は募集と充足状況をhandlerレスポンス型で返す。
// 繰り返し募集で開催日の指定がない場合は次回開催日の充足状況を返し、
// 以降の開催がなければ充足状況を省略する。
func (a *OpportunityServiceAdapter) GetOpportunityDetail(ctx context.Context, id string, scheduledDate *time.Time) (*opportunityDetailResponse, error) {
	o, err := a.svc.GetOpportunity(ctx, id)
	if err != nil {
		return nil, err
	}

	resp := &opportunityDetailResponse{Opportunity: toOpportunityResponse(o)}

	date := scheduledDate
	if o.IsRecurring() && date == nil {
		next, err := schedule.NextOccurrence(o.RecurrenceRule, o.StartAt, a.now())
		if err != nil {
			return nil, fmt.Errorf("募集 %s の次回開催日の計算に失敗しました: %w", o.ID, err)
		}
		if next == nil {
			return resp, nil
		}
		date = next
		resp.NextDate = formatDate(next)
	}

	avail, err := a.svc.AvailabilityFor(ctx, o, date)
	if err != nil {
		return nil, err
	}
	ar := toAvailabilityResponse(avail)
	resp.Availability = &ar
	return resp, nil
}

// ComputeAvailability は充足状況をhandlerレスポンス型で返す。
func (a *OpportunityServiceAdapter) ComputeAvailability(ctx context.Context, id string, scheduledDate *time.Time) (*availabilityResponse, error) {
	avail, err := a.svc.ComputeAvailability(ctx, id, scheduledDate)
	if err != nil {
		return nil, err
	}
	resp := toAvailabilityResponse(avail)
	return &resp, nil
}

// MatchServiceAdapter は match.Service を MatchServiceInterface に適合させるアダプタ。
type MatchServiceAdapter struct {
	svc *match.Service
}

// NewMatchServiceAdapter はMatchServiceAdapterを生成する。
func NewMatchServiceAdapter(svc *match.Service) *MatchServiceAdapter {
	return &MatchServiceAdapter{svc: svc}
}

// Search はマッチング結果をhandlerレスポンス型で返す。
func (a *MatchServiceAdapter) Search(ctx context.Context, q match.Query) ([]matchResponse, error) {
	matches, err := a.svc.Search(ctx, q)
	if err != nil {
		return nil, err
	}

	results := make([]matchResponse, len(matches))
	for i, m := range matches {
		results[i] = toMatchResponse(m)
	}
	return results, nil
}

// toOpportunityResponse はドメインのOpportunityをhandlerのレスポンス型に変換する。
func toOpportunityResponse(o *model.Opportunity) opportunityResponse {
	skills := o.RequiredSkills
	if skills == nil {
		skills = []string{}
	}
	return opportunityResponse{
		ID:             o.ID,
		Title:          o.Title,
		Description:    o.Description,
		Ministry:       o.Ministry,
		StartAt:        o.StartAt,
		EndAt:          o.EndAt,
		MaxVolunteers:  o.MaxVolunteers,
		Status:         string(o.Status),
		Urgency:        string(o.Urgency),
		RequiredSkills: skills,
		RecurrenceRule: o.RecurrenceRule,
	}
}

// toAvailabilityResponse はドメインのAvailabilityをhandlerのレスポンス型に変換する。
func toAvailabilityResponse(a *model.Availability) availabilityResponse {
	return availabilityResponse{
		OpportunityID:  a.OpportunityID,
		ScheduledDate:  formatDate(a.ScheduledDate),
		ConfirmedCount: a.ConfirmedCount,
		HeldCount:      a.HeldCount,
		WaitlistCount:  a.WaitlistCount,
		MaxVolunteers:  a.MaxVolunteers,
		Remaining:      a.Remaining,
		IsFull:         a.IsFull,
	}
}

// toMatchResponse はマッチング結果をhandlerのレスポンス型に変換する。
func toMatchResponse(m *match.Match) matchResponse {
	resp := matchResponse{
		Opportunity:   toOpportunityResponse(m.Opportunity),
		MatchedSkills: m.MatchedSkills,
		NextDate:      formatDate(m.NextDate),
	}
	if resp.MatchedSkills == nil {
		resp.MatchedSkills = []string{}
	}
	if m.Availability != nil {
		a := toAvailabilityResponse(m.Availability)
		resp.Availability = &a
	}
	return resp
}

// toSignupResponse はドメインのSignupをhandlerのレスポンス型に変換する。
func toSignupResponse(s *model.Signup) signupResponse {
	return signupResponse{
		ID:              s.ID,
		OpportunityID:   s.OpportunityID,
		VolunteerID:     s.VolunteerID,
		Status:          string(s.Status),
		ScheduledDate:   formatDate(s.ScheduledDate),
		Message:         s.Message,
		SpecialRequests: s.SpecialRequests,
		EstimatedHours:  s.EstimatedHours,
		ConfirmedAt:     s.ConfirmedAt,
		ConfirmedBy:     s.ConfirmedBy,
		DeclinedAt:      s.DeclinedAt,
		DeclinedReason:  s.DeclinedReason,
		DeclinedBy:      s.DeclinedBy,
		CompletedAt:     s.CompletedAt,
		ActualHours:     s.ActualHours,
		Feedback:        s.Feedback,
		Rating:          s.Rating,
		PromotedAt:      s.PromotedAt,
		CreatedAt:       s.CreatedAt,
		UpdatedAt:       s.UpdatedAt,
	}
}

// formatDate は開催日を "YYYY-MM-DD" 形式に変換する。nilはnilのまま返す。
func formatDate(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := t.UTC().Format(model.ScheduledDateLayout)
	return &s
}
