package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/shepherd/internal/model"
)

// PostgresOpportunityRepo はPostgreSQLを使用した奉仕募集リポジトリ。
type PostgresOpportunityRepo struct {
	db *sql.DB
}

// NewPostgresOpportunityRepo はPostgresOpportunityRepoを生成する。
func NewPostgresOpportunityRepo(db *sql.DB) *PostgresOpportunityRepo {
	return &PostgresOpportunityRepo{db: db}
}

// FindByID は指定IDの募集を取得する。見つからない場合はnilを返す。
func (r *PostgresOpportunityRepo) FindByID(ctx context.Context, id string) (*model.Opportunity, error) {
	o, err := scanOpportunity(r.db.QueryRowContext(ctx,
		`SELECT `+opportunityColumns+` FROM opportunities WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("募集の取得に失敗しました: %w", err)
	}
	return o, nil
}

// List は有効な募集をフィルタ条件で絞り込み、開始日時の昇順で1ページ分返す。
// WHERE句は model.OpportunityFilter.Matches と同じ意味になるように組み立てる。
func (r *PostgresOpportunityRepo) List(ctx context.Context, filter model.OpportunityFilter, page model.Page, now time.Time) ([]*model.Opportunity, int, error) {
	where, args := buildOpportunityWhere(filter, now)

	var total int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM opportunities WHERE `+where,
		args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("募集件数の取得に失敗しました: %w", err)
	}

	args = append(args, page.Size, page.Offset())
	rows, err := r.db.QueryContext(ctx,
		fmt.Sprintf(`SELECT %s FROM opportunities WHERE %s ORDER BY start_at ASC, id ASC LIMIT $%d OFFSET $%d`,
			opportunityColumns, where, len(args)-1, len(args)),
		args...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("募集一覧の取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var opps []*model.Opportunity
	for rows.Next() {
		o, err := scanOpportunity(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("募集行の読み取りに失敗しました: %w", err)
		}
		opps = append(opps, o)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("募集一覧の走査に失敗しました: %w", err)
	}
	return opps, total, nil
}

// buildOpportunityWhere はフィルタ条件からWHERE句とパラメータを組み立てる。
func buildOpportunityWhere(filter model.OpportunityFilter, now time.Time) (string, []interface{}) {
	conds := []string{"is_active = true"}
	var args []interface{}
	next := func(v interface{}) int {
		args = append(args, v)
		return len(args)
	}

	if filter.Ministry != "" {
		conds = append(conds, fmt.Sprintf("ministry ILIKE $%d", next("%"+escapeLike(filter.Ministry)+"%")))
	}
	if filter.Urgency != "" {
		conds = append(conds, fmt.Sprintf("urgency = $%d", next(string(filter.Urgency))))
	}
	if filter.Status != "" {
		conds = append(conds, fmt.Sprintf("status = $%d", next(string(filter.Status))))
	}
	if filter.UpcomingOnly {
		conds = append(conds, fmt.Sprintf("start_at >= $%d", next(now)))
	}
	if len(filter.RequiredSkills) > 0 {
		lowered := make([]string, len(filter.RequiredSkills))
		for i, s := range filter.RequiredSkills {
			lowered[i] = strings.ToLower(strings.TrimSpace(s))
		}
		conds = append(conds, fmt.Sprintf(
			"EXISTS (SELECT 1 FROM unnest(required_skills) AS rs(skill) WHERE lower(btrim(rs.skill)) = ANY($%d))",
			next(pq.Array(lowered))))
	}
	if filter.Search != "" {
		n := next("%" + escapeLike(filter.Search) + "%")
		conds = append(conds, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", n, n))
	}

	return strings.Join(conds, " AND "), args
}

// compile-time interface check
var _ OpportunityRepository = (*PostgresOpportunityRepo)(nil)
