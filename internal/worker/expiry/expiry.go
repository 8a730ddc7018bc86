// Package expiry は募集期間が終了したキャンセル待ちの自動辞退ジョブを提供する。
// 終了した募集（繰り返し募集では過ぎた開催日）に残っているキャンセル待ちを
// 日次バッチで DECLINED にする。キャンセル待ちの辞退は繰り上げを伴わない。
package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/shepherd/internal/metrics"
	"github.com/hitoshi/shepherd/internal/model"
	"github.com/hitoshi/shepherd/internal/repository"
)

// Reason は自動辞退した申込に記録する理由。
const Reason = "募集期間終了"

// DefaultBatchSize は1回の検索で取得するキャンセル待ちの件数。
const DefaultBatchSize = 200

// Expirer はキャンセル待ちを辞退扱いにする。signup.Ledger が実装する。
type Expirer interface {
	// ExpireWaitlisted は申込がまだキャンセル待ちの場合のみ DECLINED にする。
	// 既にキャンセル待ちでない場合はnilを返す。
	ExpireWaitlisted(ctx context.Context, opportunityID, signupID, reason string) (*model.Signup, error)
}

// Job は期限切れキャンセル待ちの自動辞退ジョブ。
// 対象の検索と辞退はどちらも冪等で、何度実行しても結果は変わらない。
type Job struct {
	repo      repository.WaitlistExpiryRepository
	expirer   Expirer
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
	BatchSize int
	backoff   time.Duration
	now       func() time.Time
}

// NewJob は新しいJobを生成する。
func NewJob(repo repository.WaitlistExpiryRepository, expirer Expirer, collector metrics.MetricsCollector, logger *slog.Logger) *Job {
	return &Job{
		repo:      repo,
		expirer:   expirer,
		metrics:   collector,
		logger:    logger,
		BatchSize: DefaultBatchSize,
		backoff:   initialBackoff,
		now:       time.Now,
	}
}

// Run は期限切れのキャンセル待ちを全て辞退扱いにし、辞退にした件数を返す。
// BUSYはバックオフしてリトライする。個々の申込の失敗はログに記録して処理を続け、
// 最後にまとめてエラーとして返す。
func (j *Job) Run(ctx context.Context) (int, error) {
	start := time.Now()
	now := j.now()
	size := j.BatchSize
	if size <= 0 {
		size = DefaultBatchSize
	}

	var expired, failed int
	for {
		if err := ctx.Err(); err != nil {
			return expired, err
		}

		batch, err := j.repo.ListExpiredWaitlisted(ctx, now, size)
		if err != nil {
			j.logger.Error("期限切れキャンセル待ちの検索に失敗しました",
				slog.String("error", err.Error()),
			)
			return expired, fmt.Errorf("期限切れキャンセル待ちの検索に失敗: %w", err)
		}

		progressed := 0
		for _, s := range batch {
			declined, err := j.expireWithRetry(ctx, s)
			if err != nil {
				failed++
				j.logger.Warn("キャンセル待ちの自動辞退に失敗しました",
					slog.String("opportunity_id", s.OpportunityID),
					slog.String("signup_id", s.ID),
					slog.String("error", err.Error()),
				)
				continue
			}
			if declined != nil {
				expired++
				progressed++
			}
		}

		// 失敗した申込は次の検索でも返るため、進展がなければ打ち切る
		if len(batch) < size || progressed == 0 {
			break
		}
	}

	if expired > 0 {
		j.metrics.RecordWaitlistExpired(expired)
	}

	j.logger.Info("キャンセル待ち自動辞退ジョブが完了しました",
		slog.Int("expired_count", expired),
		slog.Int("failed_count", failed),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)

	if failed > 0 {
		return expired, fmt.Errorf("%d件のキャンセル待ちの自動辞退に失敗しました", failed)
	}
	return expired, nil
}

// Start は起動直後に1回、その後intervalごとにRunを実行する。
// ctxがキャンセルされるまでブロックする。
func (j *Job) Start(ctx context.Context, interval time.Duration) {
	j.runOnce(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.runOnce(ctx)
		}
	}
}

func (j *Job) runOnce(ctx context.Context) {
	if _, err := j.Run(ctx); err != nil && ctx.Err() == nil {
		j.logger.Error("expiry job failed", slog.String("error", err.Error()))
	}
}
