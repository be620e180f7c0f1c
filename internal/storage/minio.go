package storage

import (
	"context"
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/playlog/apiserver/config"
)

// minioBucket is an S3-compatible bucket reached through MinIO.
type minioBucket struct {
	client *minio.Client
	name   string
}

func newMinioBucket(cfg config.MinioConfig) (*minioBucket, error) {
	if err := required(map[string]string{
		"MINIO_ENDPOINT":   cfg.Endpoint,
		"MINIO_ACCESS_KEY": cfg.AccessKey,
		"MINIO_SECRET_KEY": cfg.SecretKey,
		"MINIO_BUCKET":     cfg.Bucket,
	}); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return &minioBucket{client: client, name: cfg.Bucket}, nil
}

func (b *minioBucket) EnsureBucket(ctx context.Context) error {
	exists, err := b.client.BucketExists(ctx, b.name)
	switch {
	case err != nil:
		return err
	case exists:
		return nil
	}
	return b.client.MakeBucket(ctx, b.name, minio.MakeBucketOptions{})
}

func (b *minioBucket) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	opts := minio.PutObjectOptions{ContentType: contentType}
	if _, err := b.client.PutObject(ctx, b.name, key, r, size, opts); err != nil {
		return fmt.Errorf("minio put %s: %w", key, err)
	}
	return nil
}

func (b *minioBucket) Bucket() string { return b.name }

// required lists every empty setting in sorted order.
func required(settings map[string]string) error {
	var missing []string
	for name, value := range settings {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) == 0 {
		return nil
	}
	slices.Sort(missing)
	return fmt.Errorf("%s is required", strings.Join(missing, ", "))
}
