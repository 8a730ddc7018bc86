// Package catalog は奉仕募集の参照・一覧・充足状況のドメインロジックを提供する。
package catalog

import (
	"context"
	"fmt"
	"time"

	"github.com/hitoshi/shepherd/internal/model"
	"github.com/hitoshi/shepherd/internal/repository"
	"github.com/hitoshi/shepherd/internal/schedule"
)

// DefaultPageSize は設定がない場合の1ページあたりの件数。
const DefaultPageSize = 20

// OpportunityPage は募集一覧の1ページ分の結果。
type OpportunityPage struct {
	Items      []*model.Opportunity
	Total      int
	Page       int
	PageSize   int
	TotalPages int
}

// Service は奉仕募集カタログのサービス層。
type Service struct {
	oppRepo         repository.OpportunityRepository
	signupRepo      repository.SignupRepository
	defaultPageSize int
	now             func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
// defaultPageSizeが0以下の場合は DefaultPageSize を使う。
func NewService(oppRepo repository.OpportunityRepository, signupRepo repository.SignupRepository, defaultPageSize int) *Service {
	if defaultPageSize <= 0 {
		defaultPageSize = DefaultPageSize
	}
	return &Service{
		oppRepo:         oppRepo,
		signupRepo:      signupRepo,
		defaultPageSize: defaultPageSize,
		now:             time.Now,
	}
}

// GetOpportunity は有効な募集を取得する。
// 存在しない、または論理削除済みの場合は OPPORTUNITY_NOT_FOUND を返す。
func (s *Service) GetOpportunity(ctx context.Context, id string) (*model.Opportunity, error) {
	o, err := s.oppRepo.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("募集の取得に失敗しました: %w", err)
	}
	if o == nil || !o.IsActive {
		return nil, model.NewOpportunityNotFoundError(id)
	}
	return o, nil
}

// ListOpportunities はフィルタ条件に一致する有効な募集を開始日時の昇順で返す。
func (s *Service) ListOpportunities(ctx context.Context, filter model.OpportunityFilter, page model.Page) (*OpportunityPage, error) {
	page = page.Normalize(s.defaultPageSize)

	items, total, err := s.oppRepo.List(ctx, filter, page, s.now())
	if err != nil {
		return nil, fmt.Errorf("募集一覧の取得に失敗しました: %w", err)
	}
	if items == nil {
		items = []*model.Opportunity{}
	}

	totalPages := (total + page.Size - 1) / page.Size
	return &OpportunityPage{
		Items:      items,
		Total:      total,
		Page:       page.Number,
		PageSize:   page.Size,
		TotalPages: totalPages,
	}, nil
}

// ComputeAvailability は募集（繰り返し募集では指定した開催日）の充足状況を返す。
// 件数は読み取りのたびに数え直し、申込受付時の定員判定と同じ集計を使う。
func (s *Service) ComputeAvailability(ctx context.Context, opportunityID string, scheduledDate *time.Time) (*model.Availability, error) {
	o, err := s.GetOpportunity(ctx, opportunityID)
	if err != nil {
		return nil, err
	}
	return s.AvailabilityFor(ctx, o, scheduledDate)
}

// AvailabilityFor は取得済みの募集に対して充足状況を計算する。
func (s *Service) AvailabilityFor(ctx context.Context, o *model.Opportunity, scheduledDate *time.Time) (*model.Availability, error) {
	scheduledDate = model.NormalizeScheduledDate(scheduledDate)
	if err := schedule.CheckScheduledDate(o, scheduledDate); err != nil {
		return nil, err
	}

	counts, err := s.signupRepo.CountByStatus(ctx, o.ID, scheduledDate)
	if err != nil {
		return nil, fmt.Errorf("充足状況の集計に失敗しました: %w", err)
	}
	return model.NewAvailability(o, scheduledDate, counts), nil
}
