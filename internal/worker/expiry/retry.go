package expiry

import (
	"context"
	"errors"
	"time"

	"github.com/hitoshi/shepherd/internal/model"
)

const (
	// initialBackoff はBUSY時の初回リトライ待ち時間。
	initialBackoff = 200 * time.Millisecond
	// maxBackoff はリトライ待ち時間の上限。
	maxBackoff = 2 * time.Second
	// maxAttempts は1件あたりの最大試行回数。
	maxAttempts = 3
)

// isRetryable はリトライしてよいエラー（BUSY）かどうかを返す。
func isRetryable(err error) bool {
	var apiErr *model.APIError
	return errors.As(err, &apiErr) && apiErr.Retryable()
}

// calculateBackoff は失敗回数に基づく指数バックオフの待ち時間を返す。
// 初回はbase、2倍ずつ増加し、maxBackoffで頭打ちになる。
func calculateBackoff(base time.Duration, failures int) time.Duration {
	delay := base
	for i := 0; i < failures; i++ {
		delay *= 2
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// expireWithRetry はBUSYの場合に限り、指数バックオフで最大maxAttempts回まで試行する。
func (j *Job) expireWithRetry(ctx context.Context, s *model.Signup) (*model.Signup, error) {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(calculateBackoff(j.backoff, attempt-1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}

		declined, err := j.expirer.ExpireWaitlisted(ctx, s.OpportunityID, s.ID, Reason)
		if err == nil {
			return declined, nil
		}
		if !isRetryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}
