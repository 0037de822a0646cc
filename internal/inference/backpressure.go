package inference

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

const (
	// DefaultCapacity は非同期呼び出しの同時実行数の既定値です。
	DefaultCapacity = 5
	// MaxCapacity は設定できる同時実行数の上限です。
	MaxCapacity = 20
)

// Backpressure は非同期推論の同時実行数を制限する計数セマフォです。
// 許可は呼び出し前に取得し、対応する完了/失敗通知を処理したときにだけ返却します。
// プロセスごとに1つ作成し、推論ステージと通知ステージに同じ値を渡します。
type Backpressure struct {
	sem      *semaphore.Weighted
	capacity int64
	inFlight atomic.Int64
}

// NewBackpressure は容量 capacity の Backpressure を作成します。
func NewBackpressure(capacity int) (*Backpressure, error) {
	if capacity < 1 || capacity > MaxCapacity {
		return nil, fmt.Errorf("backpressure capacity must be between 1 and %d: %d", MaxCapacity, capacity)
	}
	return &Backpressure{
		sem:      semaphore.NewWeighted(int64(capacity)),
		capacity: int64(capacity),
	}, nil
}

// Acquire は許可が得られるまでブロックします。
func (b *Backpressure) Acquire(ctx context.Context) error {
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	b.inFlight.Add(1)
	return nil
}

// TryAcquire はブロックせずに許可の取得を試みます。
func (b *Backpressure) TryAcquire() bool {
	if !b.sem.TryAcquire(1) {
		return false
	}
	b.inFlight.Add(1)
	return true
}

// Release は許可を1つ返却します。保持中の許可が無い場合は何もせず false を返します。
// 別プロセスで発行された呼び出しの通知を受けた場合がこれに当たります。
func (b *Backpressure) Release() bool {
	for {
		cur := b.inFlight.Load()
		if cur <= 0 {
			return false
		}
		if b.inFlight.CompareAndSwap(cur, cur-1) {
			b.sem.Release(1)
			return true
		}
	}
}

// Capacity は容量を返します。
func (b *Backpressure) Capacity() int { return int(b.capacity) }

// InFlight は保持中の許可数を返します。
func (b *Backpressure) InFlight() int { return int(b.inFlight.Load()) }

// Available は取得可能な許可数を返します。
func (b *Backpressure) Available() int { return int(b.capacity - b.inFlight.Load()) }
