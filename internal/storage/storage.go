// Package storage はオブジェクトストレージへのアクセスを抽象化します。
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
)

// ErrNotFound はオブジェクトが存在しないことを示します。
var ErrNotFound = errors.New("object not found")

// ObjectStore はバケットとキーでオブジェクトを扱うストレージです。
type ObjectStore interface {
	PresignUpload(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	PresignDownload(ctx context.Context, bucket, key string, ttl time.Duration) (string, error)
	Upload(ctx context.Context, bucket, key string, data []byte) error
	UploadFile(ctx context.Context, bucket, key, path string) error
	// Download は存在しない場合 ErrNotFound を返します。
	Download(ctx context.Context, bucket, key string) ([]byte, error)
	DownloadFile(ctx context.Context, bucket, key, path string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
	// Delete は存在しないオブジェクトに対してもエラーを返しません。
	Delete(ctx context.Context, bucket, key string) error
	List(ctx context.Context, bucket, prefix string) ([]string, error)
	// URI はバックエンドの URI 形式（s3://, gs://, mem://）でオブジェクトの場所を返します。
	URI(bucket, key string) string
}

// ParseURI は scheme://bucket/key 形式の URI をバケットとキーに分解します。
func ParseURI(uri string) (bucket, key string, err error) {
	i := strings.Index(uri, "://")
	if i <= 0 {
		return "", "", fmt.Errorf("invalid object uri: %q", uri)
	}
	rest := uri[i+3:]
	j := strings.Index(rest, "/")
	if j <= 0 || j == len(rest)-1 {
		return "", "", fmt.Errorf("invalid object uri: %q", uri)
	}
	return rest[:j], rest[j+1:], nil
}

// DeletePrefix は prefix 配下のオブジェクトをすべて削除し、削除件数を返します。
// 個々の削除失敗は集約して返し、残りの削除は続行します。
func DeletePrefix(ctx context.Context, s ObjectStore, bucket, prefix string) (int, error) {
	keys, err := s.List(ctx, bucket, prefix)
	if err != nil {
		return 0, fmt.Errorf("list %s/%s: %w", bucket, prefix, err)
	}
	var errs []error
	deleted := 0
	for _, key := range keys {
		if err := s.Delete(ctx, bucket, key); err != nil {
			errs = append(errs, fmt.Errorf("delete %s/%s: %w", bucket, key, err))
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

func detectContentType(data []byte) string {
	return mimetype.Detect(data).String()
}

func detectFileContentType(path string) string {
	mt, err := mimetype.DetectFile(path)
	if err != nil {
		return "application/octet-stream"
	}
	return mt.String()
}
