package signup

import (
	"time"

	"github.com/hitoshi/shepherd/internal/model"
)

// allowedTransitions は申込の状態遷移表。
// DECLINED と COMPLETED は終端状態で、遷移先を持たない。
var allowedTransitions = map[model.SignupStatus][]model.SignupStatus{
	model.SignupStatusPending:    {model.SignupStatusConfirmed, model.SignupStatusDeclined},
	model.SignupStatusWaitlisted: {model.SignupStatusPending, model.SignupStatusDeclined},
	model.SignupStatusConfirmed:  {model.SignupStatusCompleted, model.SignupStatusDeclined},
}

// CanTransition は from から to への遷移が状態遷移表で許可されているかを返す。
func CanTransition(from, to model.SignupStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ValidateTransition は遷移が許可されていなければ INVALID_TRANSITION を返す。
func ValidateTransition(from, to model.SignupStatus) error {
	if !CanTransition(from, to) {
		return model.NewInvalidTransitionError(from, to)
	}
	return nil
}

// validateCompletion は完了時の入力（実績時間・評価）を検証する。
func validateCompletion(actualHours *float64, rating *int) error {
	fields := map[string]string{}
	if actualHours == nil {
		fields["actual_hours"] = "必須項目です"
	} else if *actualHours <= 0 {
		fields["actual_hours"] = "0より大きい値を入力してください"
	}
	if rating != nil && (*rating < 1 || *rating > 5) {
		fields["rating"] = "1から5の値を入力してください"
	}
	if len(fields) > 0 {
		return model.NewValidationError("完了報告の内容に誤りがあります。", fields)
	}
	return nil
}

// stamp は遷移先の状態と、その状態に対応する日時・実行者を申込に設定する。
// 遷移の妥当性は呼び出し側で検証済みであること。
func stamp(s *model.Signup, req TransitionRequest, now time.Time) {
	s.Status = req.Status
	s.UpdatedAt = now

	switch req.Status {
	case model.SignupStatusConfirmed:
		s.ConfirmedAt = &now
		s.ConfirmedBy = req.Actor
	case model.SignupStatusDeclined:
		s.DeclinedAt = &now
		s.DeclinedReason = req.Reason
		s.DeclinedBy = req.Actor
	case model.SignupStatusCompleted:
		s.CompletedAt = &now
		s.ActualHours = req.ActualHours
		s.Feedback = req.Feedback
		s.Rating = req.Rating
	case model.SignupStatusPending:
		s.PromotedAt = &now
	}
}

// promote はキャンセル待ちの申込をPENDINGに繰り上げる。
func promote(s *model.Signup, now time.Time) {
	s.Status = model.SignupStatusPending
	s.PromotedAt = &now
	s.UpdatedAt = now
}
