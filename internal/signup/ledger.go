// Package signup は奉仕募集への申込の受付・状態遷移・キャンセル待ちの繰り上げを提供する。
//
// 同じ募集に対する申込作成と状態遷移は、プロセス内の募集単位ロックと
// データベースの募集行ロックの両方で直列化される。
package signup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/shepherd/internal/lock"
	"github.com/hitoshi/shepherd/internal/metrics"
	"github.com/hitoshi/shepherd/internal/model"
	"github.com/hitoshi/shepherd/internal/repository"
	"github.com/hitoshi/shepherd/internal/schedule"
	"github.com/hitoshi/shepherd/internal/security"
)

// SystemActor はワーカーなどシステムが行った操作の実行者ID。
const SystemActor = "system"

// LedgerConfig は申込台帳の設定パラメータ。
type LedgerConfig struct {
	// LockTimeout は募集ロックの取得待ちの上限（デフォルト: 5秒）。
	// 超過した場合は BUSY を返す。
	LockTimeout time.Duration
}

// DefaultLedgerConfig はデフォルトの設定を返す。
func DefaultLedgerConfig() LedgerConfig {
	return LedgerConfig{LockTimeout: 5 * time.Second}
}

// CreateRequest は申込作成の入力。
type CreateRequest struct {
	OpportunityID   string
	VolunteerID     string
	Actor           string // 操作したメンバー。VolunteerIDと異なる場合は管理権限が必要
	ScheduledDate   *time.Time
	Message         string
	SpecialRequests string
	EstimatedHours  *float64
}

// TransitionRequest は状態遷移の入力。
type TransitionRequest struct {
	OpportunityID string
	SignupID      string
	Status        model.SignupStatus
	Actor         string
	Reason        string   // DECLINED のとき
	ActualHours   *float64 // COMPLETED のとき必須
	Feedback      string   // COMPLETED のとき
	Rating        *int     // COMPLETED のとき（1〜5）
}

// TransitionResult は状態遷移の結果。
// Promoted は辞退によってキャンセル待ちから繰り上げられた申込（なければnil）。
type TransitionResult struct {
	Signup   *model.Signup
	Promoted *model.Signup
}

// Ledger は申込台帳のサービス層。
type Ledger struct {
	oppRepo    repository.OpportunityRepository
	signupRepo repository.SignupRepository
	store      repository.SignupStore
	managers   repository.ManagerRepository
	sanitizer  security.TextSanitizer
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
	config     LedgerConfig
	locks      *lock.Keyed
	now        func() time.Time
	newID      func() string
}

// NewLedger はLedgerの新しいインスタンスを生成する。
func NewLedger(
	oppRepo repository.OpportunityRepository,
	signupRepo repository.SignupRepository,
	store repository.SignupStore,
	managers repository.ManagerRepository,
	sanitizer security.TextSanitizer,
	collector metrics.MetricsCollector,
	logger *slog.Logger,
	config LedgerConfig,
) *Ledger {
	return &Ledger{
		oppRepo:    oppRepo,
		signupRepo: signupRepo,
		store:      store,
		managers:   managers,
		sanitizer:  sanitizer,
		metrics:    collector,
		logger:     logger,
		config:     config,
		locks:      lock.NewKeyed(),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// CreateSignup は申込を作成する。
// 定員に空きがあれば PENDING、満員なら WAITLISTED で作成する。定員は PENDING・CONFIRMED・COMPLETED の合計で判定する。
func (l *Ledger) CreateSignup(ctx context.Context, req CreateRequest) (*model.Signup, error) {
	if req.EstimatedHours != nil && *req.EstimatedHours <= 0 {
		return nil, model.NewValidationError("見込み時間が不正です。",
			map[string]string{"estimated_hours": "0より大きい値を入力してください"})
	}
	scheduledDate := model.NormalizeScheduledDate(req.ScheduledDate)
	message := l.sanitizer.Sanitize(req.Message)
	specialRequests := l.sanitizer.Sanitize(req.SpecialRequests)

	var created *model.Signup
	err := l.withOpportunityLock(ctx, req.OpportunityID, func(tx repository.SignupTx) error {
		o, err := tx.LockOpportunity(ctx, req.OpportunityID)
		if err != nil {
			return err
		}
		if o == nil || !o.IsActive {
			return model.NewOpportunityNotFoundError(req.OpportunityID)
		}
		if o.Status != model.OpportunityStatusOpen {
			return model.NewNotOpenError(o.Status)
		}
		if err := schedule.CheckScheduledDate(o, scheduledDate); err != nil {
			return err
		}
		if req.Actor != "" && req.Actor != req.VolunteerID {
			if err := l.requireManager(ctx, o.ID, req.Actor); err != nil {
				return err
			}
		}

		dup, err := tx.FindActiveSignup(ctx, o.ID, req.VolunteerID, scheduledDate)
		if err != nil {
			return err
		}
		if dup != nil {
			return model.NewDuplicateSignupError()
		}

		held, err := heldCount(ctx, tx, o.ID, scheduledDate)
		if err != nil {
			return err
		}
		status := model.SignupStatusWaitlisted
		if model.HasRoom(o.MaxVolunteers, held) {
			status = model.SignupStatusPending
		}

		now := l.now()
		s := &model.Signup{
			ID:              l.newID(),
			OpportunityID:   o.ID,
			VolunteerID:     req.VolunteerID,
			Status:          status,
			ScheduledDate:   scheduledDate,
			Message:         message,
			SpecialRequests: specialRequests,
			EstimatedHours:  req.EstimatedHours,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.CreateSignup(ctx, s); err != nil {
			return err
		}
		created = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.metrics.RecordSignupCreated(string(created.Status))
	l.logger.Info("申込を受け付けました",
		slog.String("opportunity_id", created.OpportunityID),
		slog.String("signup_id", created.ID),
		slog.String("volunteer_id", created.VolunteerID),
		slog.String("status", string(created.Status)),
	)
	return created, nil
}

// Transition は申込の状態を変更する。
// 定員を占有していた申込が辞退され空きができた場合、同じ開催日のキャンセル待ちの先頭を
// 同じトランザクション内で PENDING に繰り上げる。
func (l *Ledger) Transition(ctx context.Context, req TransitionRequest) (*TransitionResult, error) {
	return l.transition(ctx, req, transitionOptions{authorize: true})
}

// ExpireWaitlisted は募集期間が終了したキャンセル待ちを辞退扱いにする。
// 申込が既にキャンセル待ちでなくなっている場合は何もせずnilを返す。
func (l *Ledger) ExpireWaitlisted(ctx context.Context, opportunityID, signupID, reason string) (*model.Signup, error) {
	res, err := l.transition(ctx, TransitionRequest{
		OpportunityID: opportunityID,
		SignupID:      signupID,
		Status:        model.SignupStatusDeclined,
		Actor:         SystemActor,
		Reason:        reason,
	}, transitionOptions{expect: model.SignupStatusWaitlisted, allowInactive: true})
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, nil
	}
	return res.Signup, nil
}

type transitionOptions struct {
	authorize     bool
	expect        model.SignupStatus // 空でなければ現在の状態が一致する場合のみ遷移する
	allowInactive bool
}

func (l *Ledger) transition(ctx context.Context, req TransitionRequest, opts transitionOptions) (*TransitionResult, error) {
	st, err := model.ParseSignupStatus(string(req.Status))
	if err != nil {
		return nil, model.NewValidationError("申込の状態が不正です。",
			map[string]string{"status": "PENDING, WAITLISTED, CONFIRMED, DECLINED, COMPLETED のいずれかを指定してください"})
	}
	req.Status = st
	req.Reason = l.sanitizer.Sanitize(req.Reason)
	req.Feedback = l.sanitizer.Sanitize(req.Feedback)

	var (
		result *TransitionResult
		from   model.SignupStatus
	)
	err = l.withOpportunityLock(ctx, req.OpportunityID, func(tx repository.SignupTx) error {
		o, err := tx.LockOpportunity(ctx, req.OpportunityID)
		if err != nil {
			return err
		}
		if o == nil || (!o.IsActive && !opts.allowInactive) {
			return model.NewOpportunityNotFoundError(req.OpportunityID)
		}

		s, err := tx.FindSignupForUpdate(ctx, req.SignupID)
		if err != nil {
			return err
		}
		if s == nil || s.OpportunityID != o.ID {
			return model.NewSignupNotFoundError(req.SignupID)
		}
		if opts.expect != "" && s.Status != opts.expect {
			return nil
		}

		if opts.authorize {
			if err := l.authorizeTransition(ctx, o.ID, s, req); err != nil {
				return err
			}
		}
		if err := ValidateTransition(s.Status, req.Status); err != nil {
			return err
		}
		// 実績の検証は遷移が許される場合だけ行う
		if req.Status == model.SignupStatusCompleted {
			if err := validateCompletion(req.ActualHours, req.Rating); err != nil {
				return err
			}
		}

		if req.Status == model.SignupStatusPending {
			if err := checkManualPromotion(ctx, tx, o, s); err != nil {
				return err
			}
		}

		from = s.Status
		now := l.now()
		stamp(s, req, now)
		if err := tx.UpdateSignup(ctx, s); err != nil {
			return err
		}
		result = &TransitionResult{Signup: s}

		if req.Status != model.SignupStatusDeclined || !from.HoldsCapacity() {
			return nil
		}

		promoted, err := promoteNext(ctx, tx, o, s.ScheduledDate, now)
		if err != nil {
			return err
		}
		result.Promoted = promoted
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	l.metrics.RecordTransition(string(from), string(result.Signup.Status))
	l.logger.Info("申込の状態を変更しました",
		slog.String("opportunity_id", req.OpportunityID),
		slog.String("signup_id", result.Signup.ID),
		slog.String("from", string(from)),
		slog.String("to", string(result.Signup.Status)),
		slog.String("actor_id", req.Actor),
	)
	if result.Promoted != nil {
		l.metrics.RecordPromotion()
		l.logger.Info("キャンセル待ちを繰り上げました",
			slog.String("opportunity_id", req.OpportunityID),
			slog.String("declined_signup_id", result.Signup.ID),
			slog.String("promoted_signup_id", result.Promoted.ID),
			slog.String("volunteer_id", result.Promoted.VolunteerID),
		)
	}
	return result, nil
}

// authorizeTransition は実行者が遷移を行えるかを検証する。
// 辞退は本人も行えるが、それ以外は募集の管理権限が必要。
func (l *Ledger) authorizeTransition(ctx context.Context, opportunityID string, s *model.Signup, req TransitionRequest) error {
	if req.Actor == "" {
		return model.NewUnauthorizedError()
	}
	if req.Status == model.SignupStatusDeclined && req.Actor == s.VolunteerID {
		return nil
	}
	return l.requireManager(ctx, opportunityID, req.Actor)
}

func (l *Ledger) requireManager(ctx context.Context, opportunityID, actor string) error {
	ok, err := l.managers.CanManage(ctx, opportunityID, actor)
	if err != nil {
		return fmt.Errorf("管理権限の確認に失敗しました: %w", err)
	}
	if !ok {
		return model.NewForbiddenError()
	}
	return nil
}

// checkManualPromotion は手動繰り上げ（WAITLISTED → PENDING）の条件を検証する。
// 定員に空きがあり、かつキャンセル待ちの先頭である場合のみ許可する。
func checkManualPromotion(ctx context.Context, tx repository.SignupTx, o *model.Opportunity, s *model.Signup) error {
	held, err := heldCount(ctx, tx, o.ID, s.ScheduledDate)
	if err != nil {
		return err
	}
	if !model.HasRoom(o.MaxVolunteers, held) {
		return model.NewInvalidTransitionError(s.Status, model.SignupStatusPending)
	}
	head, err := tx.NextWaitlisted(ctx, o.ID, s.ScheduledDate)
	if err != nil {
		return err
	}
	if head == nil || head.ID != s.ID {
		return model.NewInvalidTransitionError(s.Status, model.SignupStatusPending)
	}
	return nil
}

// promoteNext は空きがあればキャンセル待ちの先頭を1件だけ PENDING に繰り上げる。
func promoteNext(ctx context.Context, tx repository.SignupTx, o *model.Opportunity, scheduledDate *time.Time, now time.Time) (*model.Signup, error) {
	held, err := heldCount(ctx, tx, o.ID, scheduledDate)
	if err != nil {
		return nil, err
	}
	if !model.HasRoom(o.MaxVolunteers, held) {
		return nil, nil
	}
	next, err := tx.NextWaitlisted(ctx, o.ID, scheduledDate)
	if err != nil {
		return nil, err
	}
	if next == nil {
		return nil, nil
	}
	promote(next, now)
	if err := tx.UpdateSignup(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

func heldCount(ctx context.Context, tx repository.SignupTx, opportunityID string, scheduledDate *time.Time) (int, error) {
	counts, err := tx.CountByStatus(ctx, opportunityID, scheduledDate)
	if err != nil {
		return 0, err
	}
	return model.NewAvailability(&model.Opportunity{ID: opportunityID}, scheduledDate, counts).HeldCount, nil
}

// withOpportunityLock は募集単位のロックを取得し、トランザクション内でfnを実行する。
// ロック待ちのタイムアウトは BUSY に、一意制約違反は DUPLICATE_SIGNUP に変換する。
func (l *Ledger) withOpportunityLock(ctx context.Context, opportunityID string, fn func(tx repository.SignupTx) error) error {
	start := time.Now()
	release, err := l.locks.Acquire(ctx, opportunityID, l.config.LockTimeout)
	l.metrics.RecordLockWait(time.Since(start))
	if err != nil {
		if errors.Is(err, lock.ErrTimeout) {
			return l.busy(opportunityID, err)
		}
		return err
	}
	defer release()

	err = l.store.WithinTx(ctx, fn)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, repository.ErrLockTimeout):
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return l.busy(opportunityID, err)
	case errors.Is(err, repository.ErrDuplicateActiveSignup):
		return model.NewDuplicateSignupError()
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("申込の処理に失敗しました: %w", err)
}

func (l *Ledger) busy(opportunityID string, cause error) error {
	l.metrics.RecordBusy()
	l.logger.Warn("募集ロックの取得がタイムアウトしました",
		slog.String("opportunity_id", opportunityID),
		slog.Duration("lock_timeout", l.config.LockTimeout),
		slog.String("error", cause.Error()),
	)
	return model.NewBusyError(opportunityID)
}

// GetSignup は募集に属する申込を取得する。
// 本人または募集の管理者のみ参照できる。
func (l *Ledger) GetSignup(ctx context.Context, opportunityID, signupID, actor string) (*model.Signup, error) {
	if _, err := l.activeOpportunity(ctx, opportunityID); err != nil {
		return nil, err
	}
	s, err := l.signupRepo.FindByID(ctx, signupID)
	if err != nil {
		return nil, fmt.Errorf("申込の取得に失敗しました: %w", err)
	}
	if s == nil || s.OpportunityID != opportunityID {
		return nil, model.NewSignupNotFoundError(signupID)
	}
	if s.VolunteerID != actor {
		if err := l.requireManager(ctx, opportunityID, actor); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ListSignups は募集の申込を作成順に返す。募集の管理権限が必要。
// 繰り返し募集で開催日を指定しない場合は全開催日の申込を返す。
func (l *Ledger) ListSignups(ctx context.Context, opportunityID string, filter model.SignupFilter, actor string) ([]*model.Signup, error) {
	o, err := l.activeOpportunity(ctx, opportunityID)
	if err != nil {
		return nil, err
	}
	if err := l.requireManager(ctx, opportunityID, actor); err != nil {
		return nil, err
	}

	filter.ScheduledDate = model.NormalizeScheduledDate(filter.ScheduledDate)
	if o.IsRecurring() && filter.ScheduledDate == nil {
		filter.AnyDate = true
	}
	signups, err := l.signupRepo.ListByOpportunity(ctx, opportunityID, filter)
	if err != nil {
		return nil, fmt.Errorf("申込一覧の取得に失敗しました: %w", err)
	}
	if signups == nil {
		signups = []*model.Signup{}
	}
	return signups, nil
}

func (l *Ledger) activeOpportunity(ctx context.Context, opportunityID string) (*model.Opportunity, error) {
	o, err := l.oppRepo.FindByID(ctx, opportunityID)
	if err != nil {
		return nil, fmt.Errorf("募集の取得に失敗しました: %w", err)
	}
	if o == nil || !o.IsActive {
		return nil, model.NewOpportunityNotFoundError(opportunityID)
	}
	return o, nil
}
