package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/shepherd/internal/model"
)

// PostgresSignupRepo はPostgreSQLを使用した申込リポジトリ。
// 読み取りはSignupRepository、書き込みはSignupStoreのトランザクションで行う。
type PostgresSignupRepo struct {
	db          *sql.DB
	lockTimeout time.Duration
}

// NewPostgresSignupRepo はPostgresSignupRepoを生成する。
// lockTimeoutはトランザクション内の行ロック待ちの上限（SET LOCAL lock_timeout）。0以下の場合は設定しない。
func NewPostgresSignupRepo(db *sql.DB, lockTimeout time.Duration) *PostgresSignupRepo {
	return &PostgresSignupRepo{db: db, lockTimeout: lockTimeout}
}

// FindByID は指定IDの申込を取得する。見つからない場合はnilを返す。
func (r *PostgresSignupRepo) FindByID(ctx context.Context, id string) (*model.Signup, error) {
	s, err := scanSignup(r.db.QueryRowContext(ctx,
		`SELECT `+signupColumns+` FROM signups WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("申込の取得に失敗しました: %w", err)
	}
	return s, nil
}

// ListByOpportunity は募集の申込を作成順で返す。
func (r *PostgresSignupRepo) ListByOpportunity(ctx context.Context, opportunityID string, filter model.SignupFilter) ([]*model.Signup, error) {
	query := `SELECT ` + signupColumns + ` FROM signups WHERE opportunity_id = $1`
	args := []interface{}{opportunityID}
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	if !filter.AnyDate {
		args = append(args, dateArg(filter.ScheduledDate))
		query += fmt.Sprintf(" AND scheduled_date IS NOT DISTINCT FROM $%d::date", len(args))
	}
	query += " ORDER BY created_at ASC, seq ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("申込一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var signups []*model.Signup
	for rows.Next() {
		s, err := scanSignup(rows)
		if err != nil {
			return nil, fmt.Errorf("申込行の読み取りに失敗しました: %w", err)
		}
		signups = append(signups, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("申込一覧の走査に失敗しました: %w", err)
	}
	return signups, nil
}

// CountByStatus は状態別の申込件数を返す。
func (r *PostgresSignupRepo) CountByStatus(ctx context.Context, opportunityID string, scheduledDate *time.Time) (model.SignupCounts, error) {
	return countByStatus(ctx, r.db, opportunityID, scheduledDate)
}

// ListExpiredWaitlisted は終了した募集に残っているキャンセル待ちを返す。
// 繰り返し募集は開催日がnowのUTC日付より前のものを対象にする。
func (r *PostgresSignupRepo) ListExpiredWaitlisted(ctx context.Context, now time.Time, limit int) ([]*model.Signup, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+prefixed("s", signupColumns)+`
		 FROM signups s
		 JOIN opportunities o ON o.id = s.opportunity_id
		 WHERE s.status = 'WAITLISTED'
		   AND (
		     (s.scheduled_date IS NULL AND COALESCE(o.end_at, o.start_at) < $1)
		     OR (s.scheduled_date IS NOT NULL AND s.scheduled_date < $2::date)
		   )
		 ORDER BY s.created_at ASC, s.seq ASC
		 LIMIT $3`,
		now, dateArg(model.NormalizeScheduledDate(&now)), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("期限切れキャンセル待ちの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var signups []*model.Signup
	for rows.Next() {
		s, err := scanSignup(rows)
		if err != nil {
			return nil, fmt.Errorf("申込行の読み取りに失敗しました: %w", err)
		}
		signups = append(signups, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("期限切れキャンセル待ちの走査に失敗しました: %w", err)
	}
	return signups, nil
}

// WithinTx はトランザクション内でfnを実行する。
// fnがエラーを返した場合はロールバックし、PostgreSQLのロック待ちタイムアウトと
// 一意制約違反はそれぞれ ErrLockTimeout と ErrDuplicateActiveSignup に変換する。
func (r *PostgresSignupRepo) WithinTx(ctx context.Context, fn func(tx SignupTx) error) error {
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("トランザクションの開始に失敗しました: %w", err)
	}
	defer sqlTx.Rollback()

	if r.lockTimeout > 0 {
		// SET LOCAL はパラメータを受け付けないため数値を直接埋め込む
		if _, err := sqlTx.ExecContext(ctx,
			fmt.Sprintf("SET LOCAL lock_timeout = %d", r.lockTimeout.Milliseconds()),
		); err != nil {
			return fmt.Errorf("ロック待ち時間の設定に失敗しました: %w", err)
		}
	}

	if err := fn(&postgresSignupTx{tx: sqlTx}); err != nil {
		return translatePgError(err)
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("トランザクションのコミットに失敗しました: %w", translatePgError(err))
	}
	return nil
}

// postgresSignupTx は *sql.Tx 上の SignupTx 実装。
type postgresSignupTx struct {
	tx *sql.Tx
}

func (t *postgresSignupTx) LockOpportunity(ctx context.Context, id string) (*model.Opportunity, error) {
	o, err := scanOpportunity(t.tx.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1 FOR UPDATE`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("募集のロックに失敗しました: %w", translatePgError(err))
	}
	return o, nil
}

func (t *postgresSignupTx) FindSignupForUpdate(ctx context.Context, id string) (*model.Signup, error) {
	s, err := scanSignup(t.tx.QueryRowContext(ctx,
		`SELECT `+signupColumns+` FROM signups WHERE id = $1 FOR UPDATE`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("申込のロックに失敗しました: %w", translatePgError(err))
	}
	return s, nil
}

func (t *postgresSignupTx) FindActiveSignup(ctx context.Context, opportunityID, volunteerID string, scheduledDate *time.Time) (*model.Signup, error) {
	s, err := scanSignup(t.tx.QueryRowContext(ctx,
		`SELECT `+signupColumns+`
		 FROM signups
		 WHERE opportunity_id = $1 AND volunteer_id = $2
		   AND scheduled_date IS NOT DISTINCT FROM $3::date
		   AND status IN ('PENDING', 'WAITLISTED', 'CONFIRMED')
		 LIMIT 1`,
		opportunityID, volunteerID, dateArg(scheduledDate),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("有効な申込の検索に失敗しました: %w", err)
	}
	return s, nil
}

func (t *postgresSignupTx) CountByStatus(ctx context.Context, opportunityID string, scheduledDate *time.Time) (model.SignupCounts, error) {
	return countByStatus(ctx, t.tx, opportunityID, scheduledDate)
}

func (t *postgresSignupTx) NextWaitlisted(ctx context.Context, opportunityID string, scheduledDate *time.Time) (*model.Signup, error) {
	s, err := scanSignup(t.tx.QueryRowContext(ctx,
		`SELECT `+signupColumns+`
		 FROM signups
		 WHERE opportunity_id = $1
		   AND scheduled_date IS NOT DISTINCT FROM $2::date
		   AND status = 'WAITLISTED'
		 ORDER BY created_at ASC, seq ASC
		 LIMIT 1
		 FOR UPDATE`,
		opportunityID, dateArg(scheduledDate),
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("キャンセル待ちの先頭の取得に失敗しました: %w", translatePgError(err))
	}
	return s, nil
}

func (t *postgresSignupTx) CreateSignup(ctx context.Context, s *model.Signup) error {
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO signups (id, opportunity_id, volunteer_id, status, scheduled_date, message,
		                      special_requests, estimated_hours, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5::date, $6, $7, $8, $9, $10)
		 RETURNING seq`,
		s.ID, s.OpportunityID, s.VolunteerID, string(s.Status), dateArg(s.ScheduledDate), s.Message,
		s.SpecialRequests, s.EstimatedHours, s.CreatedAt, s.UpdatedAt,
	).Scan(&s.Seq)
	if err != nil {
		return fmt.Errorf("申込の作成に失敗しました: %w", translatePgError(err))
	}
	return nil
}

func (t *postgresSignupTx) UpdateSignup(ctx context.Context, s *model.Signup) error {
	var rating interface{}
	if s.Rating != nil {
		rating = *s.Rating
	}
	res, err := t.tx.ExecContext(ctx,
		`UPDATE signups
		 SET status = $2, confirmed_at = $3, confirmed_by = $4,
		     declined_at = $5, declined_reason = $6, declined_by = $7,
		     completed_at = $8, actual_hours = $9, feedback = $10, rating = $11,
		     promoted_at = $12, updated_at = $13
		 WHERE id = $1`,
		s.ID, string(s.Status), s.ConfirmedAt, s.ConfirmedBy,
		s.DeclinedAt, s.DeclinedReason, s.DeclinedBy,
		s.CompletedAt, s.ActualHours, s.Feedback, rating,
		s.PromotedAt, s.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("申込の更新に失敗しました: %w", translatePgError(err))
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("申込の更新件数の取得に失敗しました: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("更新対象の申込が見つかりません: %s", s.ID)
	}
	return nil
}

// compile-time interface check
var (
	_ SignupRepository         = (*PostgresSignupRepo)(nil)
	_ SignupStore              = (*PostgresSignupRepo)(nil)
	_ WaitlistExpiryRepository = (*PostgresSignupRepo)(nil)
	_ SignupTx                 = (*postgresSignupTx)(nil)
)
