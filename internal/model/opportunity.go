// Package model はドメインモデルを定義する。
package model

import (
	"fmt"
	"strings"
	"time"
)

// Opportunity は奉仕募集（人数と日時の枠を持つボランティア機会）を表す。
// 作成・更新・論理削除は外部のコーディネーター向け機能が行い、
// このサービスからは読み取り専用として扱う。
type Opportunity struct {
	ID             string
	Title          string
	Description    string
	Ministry       string
	StartAt        time.Time
	EndAt          *time.Time
	MaxVolunteers  *int // nilの場合は人数無制限
	Status         OpportunityStatus
	Urgency        Urgency
	IsActive       bool
	RequiredSkills []string
	RecurrenceRule string // RRULE形式。空文字の場合は単発の募集
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IsRecurring は繰り返し開催の募集かどうかを返す。
func (o *Opportunity) IsRecurring() bool {
	return o.RecurrenceRule != ""
}

// EndsAt は募集の終了時刻を返す。終了時刻が未設定の場合は開始時刻を返す。
func (o *Opportunity) EndsAt() time.Time {
	if o.EndAt != nil {
		return *o.EndAt
	}
	return o.StartAt
}

// OpportunityStatus は奉仕募集の受付状態を表す。
type OpportunityStatus string

const (
	// OpportunityStatusOpen は申込受付中。
	OpportunityStatusOpen OpportunityStatus = "OPEN"
	// OpportunityStatusFilled は定員到達として外部で手動設定された状態。
	OpportunityStatusFilled OpportunityStatus = "FILLED"
	// OpportunityStatusClosed は受付終了。
	OpportunityStatusClosed OpportunityStatus = "CLOSED"
)

// ParseOpportunityStatus は文字列を OpportunityStatus に変換する。
// 未知の値はエラーにする。
func ParseOpportunityStatus(s string) (OpportunityStatus, error) {
	switch st := OpportunityStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case OpportunityStatusOpen, OpportunityStatusFilled, OpportunityStatusClosed:
		return st, nil
	default:
		return "", fmt.Errorf("unknown opportunity status: %q", s)
	}
}

// Urgency は奉仕募集の緊急度を表す。
type Urgency string

const (
	// UrgencyNormal は通常。
	UrgencyNormal Urgency = "NORMAL"
	// UrgencyHigh は高。
	UrgencyHigh Urgency = "HIGH"
	// UrgencyUrgent は緊急。
	UrgencyUrgent Urgency = "URGENT"
)

// ParseUrgency は文字列を Urgency に変換する。未知の値はエラーにする。
func ParseUrgency(s string) (Urgency, error) {
	switch u := Urgency(strings.ToUpper(strings.TrimSpace(s))); u {
	case UrgencyNormal, UrgencyHigh, UrgencyUrgent:
		return u, nil
	default:
		return "", fmt.Errorf("unknown urgency: %q", s)
	}
}

// Rank は並び替え用の緊急度の順位を返す。大きいほど緊急。
func (u Urgency) Rank() int {
	switch u {
	case UrgencyUrgent:
		return 2
	case UrgencyHigh:
		return 1
	default:
		return 0
	}
}

// OpportunityFilter は募集一覧の絞り込み条件を表す。
// ゼロ値のフィールドは条件として扱わない。
type OpportunityFilter struct {
	Ministry       string // 部分一致（大文字小文字を区別しない）
	Urgency        Urgency
	Status         OpportunityStatus
	UpcomingOnly   bool     // StartAt >= now
	RequiredSkills []string // 必要スキルとの積集合が空でないもの
	Search         string   // タイトル・説明の部分一致
}

// Matches は募集がフィルタ条件を満たすかどうかを返す。
// PostgreSQLリポジトリのWHERE句はこの述語と同じ意味になるように組み立てる。
func (f OpportunityFilter) Matches(o *Opportunity, now time.Time) bool {
	if !o.IsActive {
		return false
	}
	if f.Ministry != "" && !containsFold(o.Ministry, f.Ministry) {
		return false
	}
	if f.Urgency != "" && o.Urgency != f.Urgency {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if f.UpcomingOnly && o.StartAt.Before(now) {
		return false
	}
	if len(f.RequiredSkills) > 0 && len(IntersectSkills(o.RequiredSkills, f.RequiredSkills)) == 0 {
		return false
	}
	if f.Search != "" && !containsFold(o.Title, f.Search) && !containsFold(o.Description, f.Search) {
		return false
	}
	return true
}

// IntersectSkills は2つのスキル集合の共通部分を a の順序で返す。
// 比較は大文字小文字を区別しない。
func IntersectSkills(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[strings.ToLower(strings.TrimSpace(s))] = struct{}{}
	}
	var out []string
	for _, s := range a {
		if _, ok := set[strings.ToLower(strings.TrimSpace(s))]; ok {
			out = append(out, s)
		}
	}
	return out
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}

// Page はページネーション条件を表す。Numberは1始まり。
type Page struct {
	Number int
	Size   int
}

// MaxPageSize は1ページあたりの最大件数。
const MaxPageSize = 100

// Normalize は不正なページ番号・件数を補正したPageを返す。
func (p Page) Normalize(defaultSize int) Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = defaultSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

// Offset はSQLのOFFSETに相当する値を返す。
func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

// Availability は募集（または繰り返し募集の特定日）の充足状況を表す。
// 申込の件数を読み取り時に毎回数えて求め、非正規化したカウンタは持たない。
type Availability struct {
	OpportunityID  string
	ScheduledDate  *time.Time
	ConfirmedCount int // CONFIRMED + COMPLETED
	HeldCount      int // PENDING + CONFIRMED + COMPLETED（定員を占有する件数）
	WaitlistCount  int
	MaxVolunteers  *int
	Remaining      *int // 無制限の場合はnil
	IsFull         bool
}

// SignupCounts は状態ごとの申込件数を表す。
type SignupCounts map[SignupStatus]int

// NewAvailability は件数から充足状況を計算する。
// 申込受付時の定員判定と同じ規則（HeldCount >= MaxVolunteers で満員）を使う。
func NewAvailability(o *Opportunity, scheduledDate *time.Time, counts SignupCounts) *Availability {
	a := &Availability{
		OpportunityID:  o.ID,
		ScheduledDate:  scheduledDate,
		ConfirmedCount: counts[SignupStatusConfirmed] + counts[SignupStatusCompleted],
		WaitlistCount:  counts[SignupStatusWaitlisted],
		MaxVolunteers:  o.MaxVolunteers,
	}
	for st, n := range counts {
		if st.HoldsCapacity() {
			a.HeldCount += n
		}
	}
	if o.MaxVolunteers != nil {
		remaining := *o.MaxVolunteers - a.HeldCount
		if remaining < 0 {
			remaining = 0
		}
		a.Remaining = &remaining
	}
	a.IsFull = !HasRoom(o.MaxVolunteers, a.HeldCount)
	return a
}

// HasRoom は定員に空きがあるかどうかを返す。
// 無制限の募集は常に空きがある。
func HasRoom(maxVolunteers *int, held int) bool {
	return maxVolunteers == nil || held < *maxVolunteers
}
