package s3

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog/log"
)

// ObjectStore is the part of *minio.Client the mirror uses.
type ObjectStore interface {
	FPutObject(ctx context.Context, bucket, object, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	FGetObject(ctx context.Context, bucket, object, filePath string, opts minio.GetObjectOptions) error
	ListObjects(ctx context.Context, bucket string, opts minio.ListObjectsOptions) <-chan minio.ObjectInfo
}

// Client copies directory trees to and from a key prefix of a bucket.
// Remote paths given to Push and Pull are relative to that prefix.
type Client struct {
	store  ObjectStore
	bucket string
	prefix string
}

// NewClient wraps an object store.
func NewClient(store ObjectStore, bucket, prefix string) *Client {
	return &Client{store: store, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Dial creates a minio client for cfg and checks the bucket.
func Dial(ctx context.Context, cfg *Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	opts := &minio.Options{
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	}
	if cfg.AccessKey != "" {
		opts.Creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
	} else {
		opts.Creds = credentials.NewEnvAWS()
	}

	mc, err := minio.New(cfg.Endpoint, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create s3 client: %w", err)
	}

	exists, err := mc.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("failed to check bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if !cfg.CreateBucket {
			return nil, fmt.Errorf("bucket %s does not exist", cfg.Bucket)
		}
		if err := mc.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("failed to create bucket %s: %w", cfg.Bucket, err)
		}
		log.Info().Str("bucket", cfg.Bucket).Msg("bucket created")
	}

	return NewClient(mc, cfg.Bucket, cfg.Prefix), nil
}

func (c *Client) key(p string) string {
	return strings.TrimPrefix(path.Join(c.prefix, p), "/")
}

// Push uploads every regular file below localDir under remotePath.
func (c *Client) Push(ctx context.Context, localDir, remotePath string) error {
	base := c.key(remotePath)
	log.Debug().
		Str("local", localDir).
		Str("bucket", c.bucket).
		Str("prefix", base).
		Msg("uploading directory")

	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		object := path.Join(base, filepath.ToSlash(rel))
		info, err := c.store.FPutObject(ctx, c.bucket, object, p, minio.PutObjectOptions{})
		if err != nil {
			return fmt.Errorf("failed to upload %s: %w", object, err)
		}
		log.Debug().Str("object", object).Int64("bytes", info.Size).Msg("object uploaded")
		return nil
	})
}

// Pull downloads every object under remotePath into localDir. A prefix with
// no objects yields an error wrapping fs.ErrNotExist.
func (c *Client) Pull(ctx context.Context, remotePath, localDir string) error {
	base := c.key(remotePath)
	listPrefix := base
	if listPrefix != "" {
		listPrefix += "/"
	}

	n := 0
	for obj := range c.store.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{Prefix: listPrefix, Recursive: true}) {
		if obj.Err != nil {
			return fmt.Errorf("failed to list %s: %w", listPrefix, obj.Err)
		}
		if strings.HasSuffix(obj.Key, "/") {
			continue
		}
		rel := strings.TrimPrefix(obj.Key, listPrefix)
		target := filepath.Join(localDir, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create local directory: %w", err)
		}
		if err := c.store.FGetObject(ctx, c.bucket, obj.Key, target, minio.GetObjectOptions{}); err != nil {
			return fmt.Errorf("failed to download %s: %w", obj.Key, err)
		}
		n++
	}

	if n == 0 {
		return fmt.Errorf("%w: s3://%s/%s", fs.ErrNotExist, c.bucket, base)
	}
	log.Debug().Str("prefix", base).Int("objects", n).Msg("directory downloaded")
	return nil
}

// Close releases nothing; minio clients hold no session.
func (c *Client) Close() error { return nil }
