package repository

import (
	"context"
	"database/sql"
	"fmt"
)

// PostgresManagerRepo はPostgreSQLを使用した管理権限リポジトリ。
type PostgresManagerRepo struct {
	db *sql.DB
}

// NewPostgresManagerRepo はPostgresManagerRepoを生成する。
func NewPostgresManagerRepo(db *sql.DB) *PostgresManagerRepo {
	return &PostgresManagerRepo{db: db}
}

// CanManage はメンバーが募集を管理できるかどうかを返す。
// 管理者ロール、または募集IDかミニストリー単位のコーディネーター登録があれば true。
func (r *PostgresManagerRepo) CanManage(ctx context.Context, opportunityID, memberID string) (bool, error) {
	var ok bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (
		     SELECT 1 FROM members WHERE id = $2 AND role = 'ADMIN'
		 ) OR EXISTS (
		     SELECT 1
		     FROM opportunity_managers m
		     JOIN opportunities o ON o.id = $1
		     WHERE m.member_id = $2
		       AND (m.opportunity_id = o.id OR (m.ministry IS NOT NULL AND lower(m.ministry) = lower(o.ministry)))
		 )`,
		opportunityID, memberID,
	).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("管理権限の確認に失敗しました: %w", err)
	}
	return ok, nil
}

// compile-time interface check
var _ ManagerRepository = (*PostgresManagerRepo)(nil)
