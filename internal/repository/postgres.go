package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/shepherd/internal/model"
)

// PostgreSQLのエラーコード
const (
	pqUniqueViolation  = "23505"
	pqLockNotAvailable = "55P03"
)

// queryer は *sql.DB と *sql.Tx の共通部分。
// 集計クエリをトランザクション内外で共有するために使う。
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// rowScanner は *sql.Row と *sql.Rows の共通部分。
type rowScanner interface {
	Scan(dest ...interface{}) error
}

const opportunityColumns = `id, title, description, ministry, start_at, end_at, max_volunteers,
	status, urgency, is_active, required_skills, recurrence_rule, created_at, updated_at`

func scanOpportunity(row rowScanner) (*model.Opportunity, error) {
	o := &model.Opportunity{}
	var (
		endAt  sql.NullTime
		maxVol sql.NullInt64
		skills []string
	)
	err := row.Scan(
		&o.ID, &o.Title, &o.Description, &o.Ministry, &o.StartAt, &endAt, &maxVol,
		&o.Status, &o.Urgency, &o.IsActive, pq.Array(&skills), &o.RecurrenceRule, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if endAt.Valid {
		t := endAt.Time
		o.EndAt = &t
	}
	if maxVol.Valid {
		n := int(maxVol.Int64)
		o.MaxVolunteers = &n
	}
	o.RequiredSkills = skills
	return o, nil
}

const signupColumns = `id, seq, opportunity_id, volunteer_id, status, scheduled_date, message, special_requests,
	estimated_hours, confirmed_at, confirmed_by, declined_at, declined_reason, declined_by,
	completed_at, actual_hours, feedback, rating, promoted_at, created_at, updated_at`

func scanSignup(row rowScanner) (*model.Signup, error) {
	s := &model.Signup{}
	var (
		scheduledDate  sql.NullTime
		estimatedHours sql.NullFloat64
		confirmedAt    sql.NullTime
		declinedAt     sql.NullTime
		completedAt    sql.NullTime
		actualHours    sql.NullFloat64
		rating         sql.NullInt64
		promotedAt     sql.NullTime
	)
	err := row.Scan(
		&s.ID, &s.Seq, &s.OpportunityID, &s.VolunteerID, &s.Status, &scheduledDate, &s.Message, &s.SpecialRequests,
		&estimatedHours, &confirmedAt, &s.ConfirmedBy, &declinedAt, &s.DeclinedReason, &s.DeclinedBy,
		&completedAt, &actualHours, &s.Feedback, &rating, &promotedAt, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if scheduledDate.Valid {
		s.ScheduledDate = model.NormalizeScheduledDate(&scheduledDate.Time)
	}
	s.EstimatedHours = nullFloatPtr(estimatedHours)
	s.ConfirmedAt = nullTimePtr(confirmedAt)
	s.DeclinedAt = nullTimePtr(declinedAt)
	s.CompletedAt = nullTimePtr(completedAt)
	s.ActualHours = nullFloatPtr(actualHours)
	s.PromotedAt = nullTimePtr(promotedAt)
	if rating.Valid {
		r := int(rating.Int64)
		s.Rating = &r
	}
	return s, nil
}

func nullTimePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func nullFloatPtr(f sql.NullFloat64) *float64 {
	if !f.Valid {
		return nil
	}
	v := f.Float64
	return &v
}

// prefixed はカラム一覧の各カラムにテーブル別名を付ける。
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, c := range parts {
		parts[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(parts, ", ")
}

// dateArg は開催日をDATE型のパラメータに変換する。nilはNULLになる。
func dateArg(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(model.ScheduledDateLayout)
}

// escapeLike はLIKE/ILIKEのワイルドカード文字をエスケープする。
func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// countByStatus は募集（開催日ごと）の状態別の申込件数を集計する。
// 申込受付時の定員判定（トランザクション内）と充足状況の表示（トランザクション外）で共有する。
func countByStatus(ctx context.Context, q queryer, opportunityID string, scheduledDate *time.Time) (model.SignupCounts, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT status, COUNT(*)
		 FROM signups
		 WHERE opportunity_id = $1 AND scheduled_date IS NOT DISTINCT FROM $2::date
		 GROUP BY status`,
		opportunityID, dateArg(scheduledDate),
	)
	if err != nil {
		return nil, fmt.Errorf("申込件数の集計に失敗しました: %w", err)
	}
	defer rows.Close()

	counts := model.SignupCounts{}
	for rows.Next() {
		var (
			status model.SignupStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("申込件数の読み取りに失敗しました: %w", err)
		}
		counts[status] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("申込件数の走査に失敗しました: %w", err)
	}
	return counts, nil
}

// translatePgError はPostgreSQL固有のエラーをリポジトリのセンチネルエラーに変換する。
// 元のエラーはラップして保持する。
func translatePgError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch string(pqErr.Code) {
	case pqLockNotAvailable:
		return fmt.Errorf("%w: %v", ErrLockTimeout, err)
	case pqUniqueViolation:
		return fmt.Errorf("%w: %v", ErrDuplicateActiveSignup, err)
	default:
		return err
	}
}
