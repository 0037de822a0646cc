// Package jobs はジョブ状態、セグメント完了記録、冪等ロック、推論呼び出し記録の永続化を提供します。
package jobs

import (
	"context"
	"time"
)

// FieldReassemblyStartedAt は再結合の実行者を選ぶための条件付き更新フィールドです。
const FieldReassemblyStartedAt = "reassembly_started_at"

// JobStore はジョブレコードの永続化を抽象化します。
type JobStore interface {
	// Get はジョブを取得します。存在しない場合は (nil, nil) を返します。
	// consistent が true の場合は強整合な読み取りを行います。
	Get(ctx context.Context, jobID string, consistent bool) (*Job, error)
	// Create は存在しない場合に限りジョブを作成します。
	Create(ctx context.Context, job *Job) error
	// Put はジョブを丸ごと保存します。
	Put(ctx context.Context, job *Job) error
	// Update は現在の状態を確認した上で部分更新し、更新後のジョブを返します。
	Update(ctx context.Context, jobID string, u Update) (*Job, error)
	// ListCompleted は完了済みジョブを新しい順に返します。cursor が空なら先頭からです。
	ListCompleted(ctx context.Context, limit int, cursor string) ([]*Job, string, error)
	// ListInProgress は自動処理中のジョブを返します。
	ListInProgress(ctx context.Context) ([]*Job, error)
}

// CompletionStore はセグメント完了記録を保持します。
type CompletionStore interface {
	// Put は (job, index) 単位で冪等に上書き保存し、変更ストリームへ通知します。
	Put(ctx context.Context, c SegmentCompletion) error
	// QueryByJob はジョブの完了記録を segment_index 昇順で返します。
	QueryByJob(ctx context.Context, jobID string) ([]SegmentCompletion, error)
	DeleteByJob(ctx context.Context, jobID string) error
}

// Lock は1勝者を選ぶための条件付き書き込みを提供します。
type Lock interface {
	// TryCreate はレコードが存在しない場合に限り作成し、作成できたかを返します。
	TryCreate(ctx context.Context, jobID string) (bool, error)
	// TrySetIfAbsent は field が未設定（または staleAfter より古い）場合に限り現在時刻を設定します。
	// staleAfter が 0 以下なら既存値は常に有効とみなします。
	TrySetIfAbsent(ctx context.Context, jobID, field string, staleAfter time.Duration) (bool, error)
	// Renew は field の現在値が held と一致する場合に限り現在時刻へ更新し、新しい値を返します。
	// 一致しない（他の実行者に引き継がれた、または消去された）場合は false です。
	Renew(ctx context.Context, jobID, field string, held time.Time) (time.Time, bool, error)
	// ClearField は field を消去し、次の TrySetIfAbsent が成功できるようにします。
	ClearField(ctx context.Context, jobID, field string) error
	// Get はレコードを返します。存在しない場合は (nil, nil) です。
	Get(ctx context.Context, jobID string) (*LockRecord, error)
	Delete(ctx context.Context, jobID string) error
}

// InvocationStore は非同期推論の呼び出し記録を保持します。
type InvocationStore interface {
	Put(ctx context.Context, inv Invocation) error
	// Get は記録を返します。存在しない場合は (nil, nil) です。
	Get(ctx context.Context, outputLocation string) (*Invocation, error)
	// Delete は記録を削除し、この呼び出しで削除したかどうかを返します。
	Delete(ctx context.Context, outputLocation string) (bool, error)
}

func validLockField(field string) bool {
	return field == FieldReassemblyStartedAt
}
