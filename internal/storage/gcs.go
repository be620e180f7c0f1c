package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/playlog/apiserver/config"
	"google.golang.org/api/option"
)

// gcsBucket is a Google Cloud Storage bucket. projectID is only used when
// the bucket has to be created.
type gcsBucket struct {
	handle    *storage.BucketHandle
	name      string
	projectID string
}

func newGCSBucket(ctx context.Context, cfg config.GCSConfig) (*gcsBucket, error) {
	if err := required(map[string]string{"GCS_BUCKET": cfg.Bucket}); err != nil {
		return nil, err
	}

	var opts []option.ClientOption
	if file := strings.TrimSpace(cfg.CredentialsFile); file != "" {
		opts = append(opts, option.WithCredentialsFile(file))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &gcsBucket{handle: client.Bucket(cfg.Bucket), name: cfg.Bucket, projectID: cfg.ProjectID}, nil
}

func (b *gcsBucket) EnsureBucket(ctx context.Context) error {
	_, err := b.handle.Attrs(ctx)
	switch {
	case err == nil:
		return nil
	case !errors.Is(err, storage.ErrBucketNotExist):
		return err
	case strings.TrimSpace(b.projectID) == "":
		return errors.New("GCS_PROJECT_ID is required to create the bucket")
	}
	return b.handle.Create(ctx, b.projectID, nil)
}

func (b *gcsBucket) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) error {
	w := b.handle.Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return fmt.Errorf("gcs put %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("gcs put %s: %w", key, err)
	}
	return nil
}

func (b *gcsBucket) Bucket() string { return b.name }
