// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/hitoshi/shepherd/internal/model"
)

var (
	// ErrLockTimeout は募集行のロック取得が制限時間内に完了しなかったことを示す。
	ErrLockTimeout = errors.New("repository: lock wait timed out")

	// ErrDuplicateActiveSignup は同じ（ボランティア, 募集, 開催日）に有効な申込が既に存在し、
	// 一意インデックスに違反したことを示す。
	ErrDuplicateActiveSignup = errors.New("repository: active signup already exists")
)

// OpportunityRepository は奉仕募集データの読み取りインターフェース。
type OpportunityRepository interface {
	// FindByID は指定IDの募集を取得する。見つからない場合はnilを返す。
	// 論理削除済みの募集も返すため、呼び出し側でIsActiveを確認すること。
	FindByID(ctx context.Context, id string) (*model.Opportunity, error)

	// List は有効な募集をフィルタ条件で絞り込み、開始日時の昇順で1ページ分返す。
	// 2番目の戻り値は条件に一致する総件数。
	List(ctx context.Context, filter model.OpportunityFilter, page model.Page, now time.Time) ([]*model.Opportunity, int, error)
}

// SignupRepository は申込データの読み取りインターフェース。
// 書き込みは必ずSignupStoreのトランザクションを通して行う。
type SignupRepository interface {
	// FindByID は指定IDの申込を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Signup, error)

	// ListByOpportunity は募集の申込を作成順（created_at, seq）で返す。
	ListByOpportunity(ctx context.Context, opportunityID string, filter model.SignupFilter) ([]*model.Signup, error)

	// CountByStatus は募集（繰り返し募集の場合は開催日ごと）の状態別件数を返す。
	// 申込受付時の定員判定と同じ集計を使う。
	CountByStatus(ctx context.Context, opportunityID string, scheduledDate *time.Time) (model.SignupCounts, error)
}

// WaitlistExpiryRepository は期限切れキャンセル待ちの検索インターフェース。
type WaitlistExpiryRepository interface {
	// ListExpiredWaitlisted は終了した募集（繰り返し募集は過ぎた開催日）に残っている
	// キャンセル待ちを作成順に最大limit件返す。
	ListExpiredWaitlisted(ctx context.Context, now time.Time, limit int) ([]*model.Signup, error)
}

// SignupStore は申込の作成・状態遷移を1つのトランザクションとして実行する。
type SignupStore interface {
	// WithinTx はトランザクション内でfnを実行する。
	// fnがエラーを返した場合、またはctxがキャンセルされた場合は全ての変更をロールバックする。
	WithinTx(ctx context.Context, fn func(tx SignupTx) error) error
}

// SignupTx はトランザクション内で使える申込操作。
type SignupTx interface {
	// LockOpportunity は募集行を排他ロックして取得する。見つからない場合はnilを返す。
	// 同じ募集に対する申込作成・状態遷移はこのロックで直列化される。
	LockOpportunity(ctx context.Context, id string) (*model.Opportunity, error)

	// FindSignupForUpdate は申込を排他ロックして取得する。見つからない場合はnilを返す。
	FindSignupForUpdate(ctx context.Context, id string) (*model.Signup, error)

	// FindActiveSignup は（募集, ボランティア, 開催日）に対する有効な申込を返す。
	// 見つからない場合はnilを返す。
	FindActiveSignup(ctx context.Context, opportunityID, volunteerID string, scheduledDate *time.Time) (*model.Signup, error)

	// CountByStatus はSignupRepository.CountByStatusと同じ集計をトランザクション内で行う。
	CountByStatus(ctx context.Context, opportunityID string, scheduledDate *time.Time) (model.SignupCounts, error)

	// NextWaitlisted は開催日ごとのキャンセル待ちの先頭（作成順が最も古いもの）を返す。
	// キャンセル待ちがない場合はnilを返す。
	NextWaitlisted(ctx context.Context, opportunityID string, scheduledDate *time.Time) (*model.Signup, error)

	// CreateSignup は申込を作成し、採番した連番をSeqに設定する。
	CreateSignup(ctx context.Context, signup *model.Signup) error

	// UpdateSignup は申込の状態と関連フィールドを更新する。
	UpdateSignup(ctx context.Context, signup *model.Signup) error
}

// VolunteerRepository はボランティアのスキル・希望ミニストリーの読み取りインターフェース。
type VolunteerRepository interface {
	// FindProfile は指定メンバーのプロフィールを取得する。見つからない場合はnilを返す。
	FindProfile(ctx context.Context, memberID string) (*model.VolunteerProfile, error)
}

// ManagerRepository は募集の管理権限の判定インターフェース。
type ManagerRepository interface {
	// CanManage はメンバーが募集を管理（確定・完了・却下）できるかどうかを返す。
	// 管理者、または募集もしくはそのミニストリーの担当コーディネーターであれば true。
	CanManage(ctx context.Context, opportunityID, memberID string) (bool, error)
}

// TxBeginner はトランザクション開始用のインターフェース。
type TxBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}
