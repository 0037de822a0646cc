package pipeline

import (
	"context"
	"time"

	"github.com/yourusername/stereo-forge/internal/inference"
	"github.com/yourusername/stereo-forge/internal/jobs"
	"github.com/yourusername/stereo-forge/internal/logger"
)

// 受理済みの呼び出しを記録するときの試行回数と間隔。
const (
	recordAttempts = 3
	recordBackoff  = 50 * time.Millisecond
)

// recordInvocation は受理済みの呼び出しを記録します。
// 失敗しても許可を持ったまま数回やり直します。
func recordInvocation(ctx context.Context, store jobs.InvocationStore, inv jobs.Invocation, log *logger.Logger) error {
	var err error
	for attempt := 1; attempt <= recordAttempts; attempt++ {
		if err = store.Put(ctx, inv); err == nil {
			return nil
		}
		log.Warn("record invocation failed", "attempt", attempt, "error", err)
		if attempt == recordAttempts {
			break
		}
		select {
		case <-time.After(recordBackoff * time.Duration(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// aliasOf はセグメントの出力先で引けるように inv を写したものを返します。
// バックエンドが出力先をそのまま返した場合は別名は不要です。
func aliasOf(inv jobs.Invocation) (jobs.Invocation, bool) {
	if inv.OutputURI == "" || inv.OutputURI == inv.OutputLocation {
		return jobs.Invocation{}, false
	}
	alias := inv
	alias.OutputLocation = inv.OutputURI
	return alias, true
}

// settleInvocation は呼び出し記録を削除し、この呼び出しで削除できた場合に許可を返却します。
// セグメント側の別名も消しますが、その失敗は結果に影響しません。
func settleInvocation(ctx context.Context, store jobs.InvocationStore, permits *inference.Backpressure, inv jobs.Invocation, log *logger.Logger) error {
	deleted, err := store.Delete(ctx, inv.OutputLocation)
	if err != nil {
		return err
	}
	if deleted && permits != nil && permits.Release() {
		log.Debug("permit released", "available", permits.Available())
	}
	if alias, ok := aliasOf(inv); ok {
		if _, err := store.Delete(ctx, alias.OutputLocation); err != nil {
			log.Warn("delete invocation alias failed", "error", err)
		}
	}
	return nil
}
