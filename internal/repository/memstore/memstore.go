// Package memstore はリポジトリインターフェースのインメモリ実装を提供する。
// PostgreSQLを使わないテストとローカル動作確認に使う。
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/hitoshi/shepherd/internal/model"
	"github.com/hitoshi/shepherd/internal/repository"
)

// Store は全リポジトリインターフェースを1つのインメモリ状態で実装する。
// トランザクションは同時に1つだけ実行され、作業コピーへの変更はコミット時にまとめて反映される。
type Store struct {
	mu            sync.RWMutex
	opportunities map[string]*model.Opportunity
	signups       map[string]*model.Signup
	volunteers    map[string]*model.VolunteerProfile
	managers      map[string]map[string]struct{} // memberID -> 募集ID または "ministry:<名前>"
	admins        map[string]struct{}
	seq           int64

	txSem *semaphore.Weighted

	// UpdateHook はトランザクション内の UpdateSignup の直前に呼ばれる。
	// エラーを返すとそのトランザクションはロールバックされる。
	UpdateHook func(s *model.Signup) error
}

// New は空のStoreを生成する。
func New() *Store {
	return &Store{
		opportunities: make(map[string]*model.Opportunity),
		signups:       make(map[string]*model.Signup),
		volunteers:    make(map[string]*model.VolunteerProfile),
		managers:      make(map[string]map[string]struct{}),
		admins:        make(map[string]struct{}),
		txSem:         semaphore.NewWeighted(1),
	}
}

// PutOpportunity は募集を登録（上書き）する。
func (s *Store) PutOpportunity(o *model.Opportunity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opportunities[o.ID] = cloneOpportunity(o)
}

// PutVolunteer はボランティアプロフィールを登録（上書き）する。
func (s *Store) PutVolunteer(p *model.VolunteerProfile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	cp.Skills = append([]string(nil), p.Skills...)
	cp.PreferredMinistries = append([]string(nil), p.PreferredMinistries...)
	s.volunteers[p.ID] = &cp
}

// GrantManager はメンバーに募集の管理権限を付与する。
func (s *Store) GrantManager(memberID, opportunityID string) {
	s.grant(memberID, opportunityID)
}

// GrantMinistryManager はメンバーにミニストリー単位の管理権限を付与する。
func (s *Store) GrantMinistryManager(memberID, ministry string) {
	s.grant(memberID, "ministry:"+strings.ToLower(ministry))
}

func (s *Store) grant(memberID, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.managers[memberID] == nil {
		s.managers[memberID] = make(map[string]struct{})
	}
	s.managers[memberID][key] = struct{}{}
}

// SetAdmin はメンバーを管理者にする。
func (s *Store) SetAdmin(memberID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.admins[memberID] = struct{}{}
}

// --- OpportunityRepository ---

// FindByID は募集を取得する。見つからない場合はnilを返す。
func (s *Store) FindByID(ctx context.Context, id string) (*model.Opportunity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.opportunities[id]
	if !ok {
		return nil, nil
	}
	return cloneOpportunity(o), nil
}

// List は有効な募集を開始日時の昇順で1ページ分返す。
func (s *Store) List(ctx context.Context, filter model.OpportunityFilter, page model.Page, now time.Time) ([]*model.Opportunity, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []*model.Opportunity
	for _, o := range s.opportunities {
		if filter.Matches(o, now) {
			matched = append(matched, o)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].StartAt.Equal(matched[j].StartAt) {
			return matched[i].StartAt.Before(matched[j].StartAt)
		}
		return matched[i].ID < matched[j].ID
	})

	total := len(matched)
	start := page.Offset()
	if start > total {
		start = total
	}
	end := start + page.Size
	if end > total {
		end = total
	}
	out := make([]*model.Opportunity, 0, end-start)
	for _, o := range matched[start:end] {
		out = append(out, cloneOpportunity(o))
	}
	return out, total, nil
}

// --- SignupRepository ---

// Signups は SignupRepository として振る舞うビューを返す。
// Store自身のFindByIDは募集の取得に使われるため、申込の読み取りはこちらを使う。
func (s *Store) Signups() repository.SignupRepository { return signupView{s} }

type signupView struct{ s *Store }

func (v signupView) FindByID(ctx context.Context, id string) (*model.Signup, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	sg, ok := v.s.signups[id]
	if !ok {
		return nil, nil
	}
	return cloneSignup(sg), nil
}

func (v signupView) ListByOpportunity(ctx context.Context, opportunityID string, filter model.SignupFilter) ([]*model.Signup, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	var out []*model.Signup
	for _, sg := range v.s.signups {
		if sg.OpportunityID != opportunityID {
			continue
		}
		if filter.Status != "" && sg.Status != filter.Status {
			continue
		}
		if !filter.AnyDate && !model.SameScheduledDate(sg.ScheduledDate, filter.ScheduledDate) {
			continue
		}
		out = append(out, cloneSignup(sg))
	}
	sortByCreation(out)
	return out, nil
}

func (v signupView) CountByStatus(ctx context.Context, opportunityID string, scheduledDate *time.Time) (model.SignupCounts, error) {
	v.s.mu.RLock()
	defer v.s.mu.RUnlock()
	return countByStatus(v.s.signups, opportunityID, scheduledDate), nil
}

// ListExpiredWaitlisted は終了した募集に残っているキャンセル待ちを返す。
func (s *Store) ListExpiredWaitlisted(ctx context.Context, now time.Time, limit int) ([]*model.Signup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	today := model.NormalizeScheduledDate(&now)
	var out []*model.Signup
	for _, sg := range s.signups {
		if sg.Status != model.SignupStatusWaitlisted {
			continue
		}
		o, ok := s.opportunities[sg.OpportunityID]
		if !ok {
			continue
		}
		var expired bool
		if sg.ScheduledDate == nil {
			expired = o.EndsAt().Before(now)
		} else {
			expired = sg.ScheduledDate.Before(*today)
		}
		if expired {
			out = append(out, cloneSignup(sg))
		}
	}
	sortByCreation(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// --- VolunteerRepository / ManagerRepository ---

// FindProfile はボランティアプロフィールを取得する。見つからない場合はnilを返す。
func (s *Store) FindProfile(ctx context.Context, memberID string) (*model.VolunteerProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.volunteers[memberID]
	if !ok {
		return nil, nil
	}
	cp := *p
	cp.Skills = append([]string(nil), p.Skills...)
	cp.PreferredMinistries = append([]string(nil), p.PreferredMinistries...)
	return &cp, nil
}

// CanManage はメンバーが募集を管理できるかどうかを返す。
func (s *Store) CanManage(ctx context.Context, opportunityID, memberID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.admins[memberID]; ok {
		return true, nil
	}
	grants := s.managers[memberID]
	if _, ok := grants[opportunityID]; ok {
		return true, nil
	}
	if o, ok := s.opportunities[opportunityID]; ok {
		if _, ok := grants["ministry:"+strings.ToLower(o.Ministry)]; ok {
			return true, nil
		}
	}
	return false, nil
}

// --- SignupStore ---

// WithinTx は作業コピーの上でfnを実行し、成功した場合のみ変更を反映する。
// 他のトランザクションの完了待ちがctxの期限を超えた場合は repository.ErrLockTimeout を返す。
func (s *Store) WithinTx(ctx context.Context, fn func(tx repository.SignupTx) error) error {
	if err := s.txSem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %v", repository.ErrLockTimeout, err)
	}
	defer s.txSem.Release(1)

	s.mu.RLock()
	tx := &memTx{
		store:   s,
		signups: make(map[string]*model.Signup, len(s.signups)),
		seq:     s.seq,
	}
	for id, sg := range s.signups {
		tx.signups[id] = cloneSignup(sg)
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	s.signups = tx.signups
	s.seq = tx.seq
	s.mu.Unlock()
	return nil
}

type memTx struct {
	store   *Store
	signups map[string]*model.Signup
	seq     int64
}

func (t *memTx) LockOpportunity(ctx context.Context, id string) (*model.Opportunity, error) {
	return t.store.FindByID(ctx, id)
}

func (t *memTx) FindSignupForUpdate(ctx context.Context, id string) (*model.Signup, error) {
	sg, ok := t.signups[id]
	if !ok {
		return nil, nil
	}
	return cloneSignup(sg), nil
}

func (t *memTx) FindActiveSignup(ctx context.Context, opportunityID, volunteerID string, scheduledDate *time.Time) (*model.Signup, error) {
	for _, sg := range t.signups {
		if sg.OpportunityID == opportunityID && sg.VolunteerID == volunteerID &&
			sg.Status.IsActive() && model.SameScheduledDate(sg.ScheduledDate, scheduledDate) {
			return cloneSignup(sg), nil
		}
	}
	return nil, nil
}

func (t *memTx) CountByStatus(ctx context.Context, opportunityID string, scheduledDate *time.Time) (model.SignupCounts, error) {
	return countByStatus(t.signups, opportunityID, scheduledDate), nil
}

func (t *memTx) NextWaitlisted(ctx context.Context, opportunityID string, scheduledDate *time.Time) (*model.Signup, error) {
	var queue []*model.Signup
	for _, sg := range t.signups {
		if sg.OpportunityID == opportunityID && sg.Status == model.SignupStatusWaitlisted &&
			model.SameScheduledDate(sg.ScheduledDate, scheduledDate) {
			queue = append(queue, sg)
		}
	}
	if len(queue) == 0 {
		return nil, nil
	}
	sortByCreation(queue)
	return cloneSignup(queue[0]), nil
}

func (t *memTx) CreateSignup(ctx context.Context, sg *model.Signup) error {
	if _, exists := t.signups[sg.ID]; exists {
		return fmt.Errorf("申込IDが重複しています: %s", sg.ID)
	}
	if sg.Status.IsActive() {
		if dup, _ := t.FindActiveSignup(ctx, sg.OpportunityID, sg.VolunteerID, sg.ScheduledDate); dup != nil {
			return repository.ErrDuplicateActiveSignup
		}
	}
	t.seq++
	sg.Seq = t.seq
	t.signups[sg.ID] = cloneSignup(sg)
	return nil
}

func (t *memTx) UpdateSignup(ctx context.Context, sg *model.Signup) error {
	if t.store.UpdateHook != nil {
		if err := t.store.UpdateHook(sg); err != nil {
			return err
		}
	}
	if _, ok := t.signups[sg.ID]; !ok {
		return fmt.Errorf("更新対象の申込が見つかりません: %s", sg.ID)
	}
	t.signups[sg.ID] = cloneSignup(sg)
	return nil
}

func countByStatus(signups map[string]*model.Signup, opportunityID string, scheduledDate *time.Time) model.SignupCounts {
	counts := model.SignupCounts{}
	for _, sg := range signups {
		if sg.OpportunityID == opportunityID && model.SameScheduledDate(sg.ScheduledDate, scheduledDate) {
			counts[sg.Status]++
		}
	}
	return counts
}

func sortByCreation(signups []*model.Signup) {
	sort.Slice(signups, func(i, j int) bool {
		if !signups[i].CreatedAt.Equal(signups[j].CreatedAt) {
			return signups[i].CreatedAt.Before(signups[j].CreatedAt)
		}
		return signups[i].Seq < signups[j].Seq
	})
}

func cloneOpportunity(o *model.Opportunity) *model.Opportunity {
	cp := *o
	cp.RequiredSkills = append([]string(nil), o.RequiredSkills...)
	if o.EndAt != nil {
		t := *o.EndAt
		cp.EndAt = &t
	}
	if o.MaxVolunteers != nil {
		n := *o.MaxVolunteers
		cp.MaxVolunteers = &n
	}
	return &cp
}

func cloneSignup(s *model.Signup) *model.Signup {
	cp := *s
	cp.ScheduledDate = cloneTime(s.ScheduledDate)
	cp.ConfirmedAt = cloneTime(s.ConfirmedAt)
	cp.DeclinedAt = cloneTime(s.DeclinedAt)
	cp.CompletedAt = cloneTime(s.CompletedAt)
	cp.PromotedAt = cloneTime(s.PromotedAt)
	cp.EstimatedHours = cloneFloat(s.EstimatedHours)
	cp.ActualHours = cloneFloat(s.ActualHours)
	if s.Rating != nil {
		r := *s.Rating
		cp.Rating = &r
	}
	return &cp
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// compile-time interface check
var (
	_ repository.OpportunityRepository    = (*Store)(nil)
	_ repository.SignupStore              = (*Store)(nil)
	_ repository.VolunteerRepository      = (*Store)(nil)
	_ repository.ManagerRepository        = (*Store)(nil)
	_ repository.WaitlistExpiryRepository = (*Store)(nil)
	_ repository.SignupRepository         = signupView{}
	_ repository.SignupTx                 = (*memTx)(nil)
)
