// Package archive keeps generated export payloads in an S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"custodian/internal/platform/config"
	id "custodian/pkg/domain"
)

const contentType = "application/json"

// objectStore is the part of *minio.Client the archive uses.
type objectStore interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, reader io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
	RemoveObject(ctx context.Context, bucket, key string, opts minio.RemoveObjectOptions) error
}

// Archive stores export payloads under exports/<user>/<request>.json.
type Archive struct {
	store  objectStore
	bucket string
	logger *slog.Logger
}

type Option func(*Archive)

func WithLogger(logger *slog.Logger) Option {
	return func(a *Archive) { a.logger = logger }
}

// New connects to the configured endpoint.
func New(cfg config.ArchiveConfig, opts ...Option) (*Archive, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("archive endpoint is required")
	}
	if cfg.Bucket == "" {
		return nil, errors.New("archive bucket is required")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return newArchive(mc, cfg.Bucket, opts...), nil
}

func newArchive(store objectStore, bucket string, opts ...Option) *Archive {
	a := &Archive{store: store, bucket: bucket, logger: slog.Default()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// EnsureBucket creates the bucket if it does not exist.
func (a *Archive) EnsureBucket(ctx context.Context) error {
	exists, err := a.store.BucketExists(ctx, a.bucket)
	if err != nil {
		return fmt.Errorf("check bucket %s: %w", a.bucket, err)
	}
	if exists {
		return nil
	}
	if err := a.store.MakeBucket(ctx, a.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket %s: %w", a.bucket, err)
	}
	return nil
}

func (a *Archive) Put(ctx context.Context, key string, payload []byte) error {
	_, err := a.store.PutObject(ctx, a.bucket, key, bytes.NewReader(payload), int64(len(payload)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// PurgeUser removes every archived export of the user and returns how many
// objects were deleted. Purging a user with no exports succeeds.
func (a *Archive) PurgeUser(ctx context.Context, userID id.UserID) (int, error) {
	prefix := UserPrefix(userID)
	removed := 0
	for obj := range a.store.ListObjects(ctx, a.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return removed, fmt.Errorf("list %s: %w", prefix, obj.Err)
		}
		if err := a.store.RemoveObject(ctx, a.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return removed, fmt.Errorf("remove %s: %w", obj.Key, err)
		}
		removed++
	}
	if removed > 0 {
		a.logger.InfoContext(ctx, "purged archived exports",
			"user_id", userID.String(),
			"objects", removed,
		)
	}
	return removed, nil
}

// UserPrefix is the key prefix under which a user's exports live.
func UserPrefix(userID id.UserID) string {
	return "exports/" + userID.String() + "/"
}
