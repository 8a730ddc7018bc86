// Package schedule は募集の開催日指定を検証する。
// 繰り返し募集の開催日はRRULEで判定する。
package schedule

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"

	"github.com/hitoshi/shepherd/internal/model"
)

// Validate はRRULE文字列の構文を検証する。
func Validate(rule string) error {
	if _, err := rrule.StrToRRule(rule); err != nil {
		return fmt.Errorf("invalid rrule: %w", err)
	}
	return nil
}

// IsOccurrence は date（開催日, UTC 0時）が startAt を起点とするRRULEの開催日に含まれるかを返す。
// 日付の比較は startAt のタイムゾーンでの暦日で行う。
func IsOccurrence(rule string, startAt, date time.Time) (bool, error) {
	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return false, fmt.Errorf("invalid rrule: %w", err)
	}
	r.DTStart(startAt)

	loc := startAt.Location()
	want := date.UTC().Format("2006-01-02")
	day := time.Date(date.Year(), date.Month(), date.Day(), 0, 0, 0, 0, loc)

	// タイムゾーン差を吸収するため前後1日を含めて探す
	for _, occ := range r.Between(day.AddDate(0, 0, -1), day.AddDate(0, 0, 2), true) {
		if occ.In(loc).Format("2006-01-02") == want {
			return true, nil
		}
	}
	return false, nil
}

// NextOccurrence は after 以降で最初の開催日（UTC 0時）を返す。以降の開催がない場合はnilを返す。
func NextOccurrence(rule string, startAt, after time.Time) (*time.Time, error) {
	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return nil, fmt.Errorf("invalid rrule: %w", err)
	}
	r.DTStart(startAt)

	occ := r.After(after, true)
	if occ.IsZero() {
		return nil, nil
	}
	local := occ.In(startAt.Location())
	d := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, time.UTC)
	return &d, nil
}

// CheckScheduledDate は募集に対する開催日指定が妥当かを検証する。
// 単発募集では開催日を指定できず、繰り返し募集では開催日が必須でRRULEの開催日でなければならない。
func CheckScheduledDate(o *model.Opportunity, date *time.Time) error {
	if !o.IsRecurring() {
		if date != nil {
			return model.NewValidationError("この募集は単発のため開催日を指定できません。",
				map[string]string{"scheduled_date": "単発の募集では指定できません"})
		}
		return nil
	}

	if date == nil {
		return model.NewValidationError("繰り返し募集では開催日の指定が必要です。",
			map[string]string{"scheduled_date": "必須項目です"})
	}
	ok, err := IsOccurrence(o.RecurrenceRule, o.StartAt, *date)
	if err != nil {
		return fmt.Errorf("募集 %s の繰り返しルールの解析に失敗しました: %w", o.ID, err)
	}
	if !ok {
		return model.NewValidationError("指定された日は開催日ではありません。",
			map[string]string{"scheduled_date": "開催日ではありません"})
	}
	return nil
}
