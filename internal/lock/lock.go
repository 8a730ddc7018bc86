// Package lock は募集IDごとの排他ロックを提供する。
// 同一プロセス内で同じ募集への申込作成・状態遷移を直列化し、
// データベースの行ロックに到達する前に待ち時間を制限する。
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrTimeout はロック待ちが制限時間を超えたことを示す。
var ErrTimeout = errors.New("lock: wait timed out")

// Keyed はキーごとに1つのセマフォを持つロック。
// 使用中でなくなったキーのセマフォは解放される。
type Keyed struct {
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	sem  *semaphore.Weighted
	refs int
}

// NewKeyed はKeyedを生成する。
func NewKeyed() *Keyed {
	return &Keyed{slots: make(map[string]*slot)}
}

// Acquire はkeyのロックを取得し、解放関数を返す。
// timeout以内に取得できない場合は ErrTimeout、ctxがキャンセルされた場合はctxのエラーを返す。
// timeoutが0以下の場合はctxの期限まで待つ。
func (k *Keyed) Acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	s := k.ref(key)

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := s.sem.Acquire(waitCtx, 1); err != nil {
		k.unref(key)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrTimeout
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			s.sem.Release(1)
			k.unref(key)
		})
	}, nil
}

// Len は現在保持・待機されているキーの数を返す。
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.slots)
}

func (k *Keyed) ref(key string) *slot {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		s = &slot{sem: semaphore.NewWeighted(1)}
		k.slots[key] = s
	}
	s.refs++
	return s
}

func (k *Keyed) unref(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.slots[key]
	if !ok {
		return
	}
	s.refs--
	if s.refs <= 0 {
		delete(k.slots, key)
	}
}
