package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/shepherd/internal/model"
)

// PostgresVolunteerRepo はPostgreSQLを使用したボランティアプロフィールリポジトリ。
type PostgresVolunteerRepo struct {
	db *sql.DB
}

// NewPostgresVolunteerRepo はPostgresVolunteerRepoを生成する。
func NewPostgresVolunteerRepo(db *sql.DB) *PostgresVolunteerRepo {
	return &PostgresVolunteerRepo{db: db}
}

// FindProfile は指定メンバーのプロフィールを取得する。見つからない場合はnilを返す。
func (r *PostgresVolunteerRepo) FindProfile(ctx context.Context, memberID string) (*model.VolunteerProfile, error) {
	p := &model.VolunteerProfile{}
	var skills, ministries []string
	err := r.db.QueryRowContext(ctx,
		`SELECT member_id, skills, preferred_ministries FROM volunteer_profiles WHERE member_id = $1`,
		memberID,
	).Scan(&p.ID, pq.Array(&skills), pq.Array(&ministries))

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ボランティアプロフィールの取得に失敗しました: %w", err)
	}

	p.Skills = skills
	p.PreferredMinistries = ministries
	return p, nil
}

// compile-time interface check
var _ VolunteerRepository = (*PostgresVolunteerRepo)(nil)
