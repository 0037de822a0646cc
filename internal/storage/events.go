package storage

import (
	"context"
	"fmt"
	"net/url"

	"github.com/yourusername/stereo-forge/internal/keys"
)

// objectCreatedEvents は購読するバケット通知の種類です。
var objectCreatedEvents = []string{"s3:ObjectCreated:*"}

// Listen はバケットのオブジェクト作成通知を購読し、1件ごとに fn を呼びます。
// ctx がキャンセルされるまで戻りません。fn のエラーは通知の取得を止めずに onError へ渡します。
func (m *Minio) Listen(ctx context.Context, bucket string, fn func(context.Context, keys.ArtifactEvent) error, onError func(error)) error {
	for info := range m.client.ListenBucketNotification(ctx, bucket, "", "", objectCreatedEvents) {
		if info.Err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("listen %s: %w", bucket, info.Err)
		}
		for _, rec := range info.Records {
			key, err := url.QueryUnescape(rec.S3.Object.Key)
			if err != nil {
				key = rec.S3.Object.Key
			}
			ev := keys.ArtifactEvent{Bucket: rec.S3.Bucket.Name, Key: key}
			if err := fn(ctx, ev); err != nil && onError != nil {
				onError(fmt.Errorf("handle %s/%s: %w", ev.Bucket, ev.Key, err))
			}
		}
	}
	return nil
}
