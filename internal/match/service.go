// Package match はボランティアのスキルと希望ミニストリーに合う奉仕募集を検索する。
package match

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hitoshi/shepherd/internal/model"
	"github.com/hitoshi/shepherd/internal/repository"
	"github.com/hitoshi/shepherd/internal/schedule"
)

// Query は検索条件を表す。
type Query struct {
	VolunteerID string
	Ministry    string // 部分一致でさらに絞り込む（任意）
	UrgentOnly  bool   // HIGH と URGENT のみ
}

// Match は検索結果の1件。
// 繰り返し募集のAvailabilityは次回開催日のもの。
type Match struct {
	Opportunity   *model.Opportunity
	Availability  *model.Availability
	MatchedSkills []string
	NextDate      *time.Time // 繰り返し募集の次回開催日
}

// AvailabilityCalculator は充足状況の計算を行う。catalog.Service が実装する。
type AvailabilityCalculator interface {
	AvailabilityFor(ctx context.Context, o *model.Opportunity, scheduledDate *time.Time) (*model.Availability, error)
}

// Service はマッチング検索のサービス層。
type Service struct {
	oppRepo      repository.OpportunityRepository
	volunteers   repository.VolunteerRepository
	availability AvailabilityCalculator
	now          func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(oppRepo repository.OpportunityRepository, volunteers repository.VolunteerRepository, availability AvailabilityCalculator) *Service {
	return &Service{
		oppRepo:      oppRepo,
		volunteers:   volunteers,
		availability: availability,
		now:          time.Now,
	}
}

// Search は受付中・開催前・空きありの募集のうち、必要スキルがボランティアのスキルと重なるもの、
// またはミニストリーが希望ミニストリーに含まれるものを返す。
// 緊急度の高い順、開始日時の早い順に並べる。
func (s *Service) Search(ctx context.Context, q Query) ([]*Match, error) {
	profile, err := s.volunteers.FindProfile(ctx, q.VolunteerID)
	if err != nil {
		return nil, fmt.Errorf("ボランティア情報の取得に失敗しました: %w", err)
	}
	if profile == nil {
		return nil, model.NewVolunteerNotFoundError(q.VolunteerID)
	}

	candidates, err := s.openOpportunities(ctx, q.Ministry)
	if err != nil {
		return nil, err
	}

	now := s.now()
	preferred := make(map[string]struct{}, len(profile.PreferredMinistries))
	for _, m := range profile.PreferredMinistries {
		preferred[strings.ToLower(strings.TrimSpace(m))] = struct{}{}
	}

	matches := []*Match{}
	for _, o := range candidates {
		if q.UrgentOnly && o.Urgency.Rank() == 0 {
			continue
		}
		skills := model.IntersectSkills(o.RequiredSkills, profile.Skills)
		_, ministryMatch := preferred[strings.ToLower(strings.TrimSpace(o.Ministry))]
		if len(skills) == 0 && !ministryMatch {
			continue
		}

		var date *time.Time
		if o.IsRecurring() {
			date, err = schedule.NextOccurrence(o.RecurrenceRule, o.StartAt, now)
			if err != nil {
				return nil, fmt.Errorf("募集 %s の次回開催日の計算に失敗しました: %w", o.ID, err)
			}
			if date == nil {
				continue
			}
		} else if o.StartAt.Before(now) {
			continue
		}

		avail, err := s.availability.AvailabilityFor(ctx, o, date)
		if err != nil {
			return nil, err
		}
		if avail.IsFull {
			continue
		}
		matches = append(matches, &Match{
			Opportunity:   o,
			Availability:  avail,
			MatchedSkills: skills,
			NextDate:      date,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		a, b := matches[i].Opportunity, matches[j].Opportunity
		if a.Urgency.Rank() != b.Urgency.Rank() {
			return a.Urgency.Rank() > b.Urgency.Rank()
		}
		return a.StartAt.Before(b.StartAt)
	})
	return matches, nil
}

// openOpportunities は受付中の有効な募集を全ページ分取得する。
// 繰り返し募集は初回の開始日時が過ぎていても対象になるため、開始日時ではここで絞り込まない。
func (s *Service) openOpportunities(ctx context.Context, ministry string) ([]*model.Opportunity, error) {
	filter := model.OpportunityFilter{
		Ministry: ministry,
		Status:   model.OpportunityStatusOpen,
	}
	var all []*model.Opportunity
	for page := 1; ; page++ {
		opps, total, err := s.oppRepo.List(ctx, filter, model.Page{Number: page, Size: model.MaxPageSize}, s.now())
		if err != nil {
			return nil, fmt.Errorf("募集一覧の取得に失敗しました: %w", err)
		}
		all = append(all, opps...)
		if len(opps) == 0 || len(all) >= total {
			return all, nil
		}
	}
}
