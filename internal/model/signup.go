package model

import (
	"fmt"
	"strings"
	"time"
)

// Signup はボランティアの奉仕募集への申込を表す。
// 状態の変更はステータスワークフローを通してのみ行い、物理削除はしない。
type Signup struct {
	ID              string
	OpportunityID   string
	VolunteerID     string
	Status          SignupStatus
	ScheduledDate   *time.Time // 繰り返し募集の開催日（UTC 0時）。単発募集ではnil
	Message         string
	SpecialRequests string
	EstimatedHours  *float64

	ConfirmedAt *time.Time
	ConfirmedBy string

	DeclinedAt     *time.Time
	DeclinedReason string
	DeclinedBy     string

	CompletedAt *time.Time
	ActualHours *float64
	Feedback    string
	Rating      *int

	PromotedAt *time.Time // キャンセル待ちから繰り上げられた日時

	Seq       int64 // 作成順のタイブレーク用の連番
	CreatedAt time.Time
	UpdatedAt time.Time
}

// SignupStatus は申込の状態を表す。
type SignupStatus string

const (
	// SignupStatusPending はコーディネーターの確認待ち。定員を占有する。
	SignupStatusPending SignupStatus = "PENDING"
	// SignupStatusWaitlisted は定員超過によるキャンセル待ち。
	SignupStatusWaitlisted SignupStatus = "WAITLISTED"
	// SignupStatusConfirmed は確定。定員を占有する。
	SignupStatusConfirmed SignupStatus = "CONFIRMED"
	// SignupStatusDeclined は辞退・却下。終端状態。
	SignupStatusDeclined SignupStatus = "DECLINED"
	// SignupStatusCompleted は奉仕完了。終端状態で、定員を占有し続ける。
	SignupStatusCompleted SignupStatus = "COMPLETED"
)

// AllSignupStatuses は全ての申込状態を返す。
func AllSignupStatuses() []SignupStatus {
	return []SignupStatus{
		SignupStatusPending,
		SignupStatusWaitlisted,
		SignupStatusConfirmed,
		SignupStatusDeclined,
		SignupStatusCompleted,
	}
}

// ParseSignupStatus は文字列を SignupStatus に変換する。
// 未知の状態文字列はそのまま通さずエラーにする。
func ParseSignupStatus(s string) (SignupStatus, error) {
	switch st := SignupStatus(strings.ToUpper(strings.TrimSpace(s))); st {
	case SignupStatusPending, SignupStatusWaitlisted, SignupStatusConfirmed,
		SignupStatusDeclined, SignupStatusCompleted:
		return st, nil
	default:
		return "", fmt.Errorf("unknown signup status: %q", s)
	}
}

// IsActive は重複申込の判定対象となる状態（PENDING, WAITLISTED, CONFIRMED）かどうかを返す。
func (s SignupStatus) IsActive() bool {
	return s == SignupStatusPending || s == SignupStatusWaitlisted || s == SignupStatusConfirmed
}

// HoldsCapacity は定員に数える状態（PENDING, CONFIRMED, COMPLETED）かどうかを返す。
func (s SignupStatus) HoldsCapacity() bool {
	return s == SignupStatusPending || s == SignupStatusConfirmed || s == SignupStatusCompleted
}

// IsTerminal は終端状態（DECLINED, COMPLETED）かどうかを返す。
func (s SignupStatus) IsTerminal() bool {
	return s == SignupStatusDeclined || s == SignupStatusCompleted
}

// SameScheduledDate は2つの開催日が同じ枠を指すかどうかを返す。
// 両方nil（単発募集）の場合も同じ枠とみなす。
func SameScheduledDate(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// NormalizeScheduledDate は開催日をUTCの0時に切り詰める。
func NormalizeScheduledDate(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	d := time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
	return &d
}

// ScheduledDateLayout は開催日の文字列表現。
const ScheduledDateLayout = "2006-01-02"

// ParseScheduledDate は "YYYY-MM-DD" 形式の開催日を解析する。空文字の場合はnilを返す。
func ParseScheduledDate(s string) (*time.Time, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	t, err := time.ParseInLocation(ScheduledDateLayout, strings.TrimSpace(s), time.UTC)
	if err != nil {
		return nil, fmt.Errorf("invalid scheduled date %q: %w", s, err)
	}
	return &t, nil
}

// SignupFilter は申込一覧の絞り込み条件を表す。
type SignupFilter struct {
	Status        SignupStatus // 空文字の場合は全状態
	ScheduledDate *time.Time
	AnyDate       bool // trueの場合はScheduledDateを無視して全日程を対象にする
}
