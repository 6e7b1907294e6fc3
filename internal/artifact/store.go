// Package artifact snapshots generated file sets to an object store so a
// deployment can be audited after the repository changes.
package artifact

import (
	"bytes"
	"context"
	"fmt"
	"mime"
	"path"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/mgrif/pageforge/internal/task"
)

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type Store struct {
	client *minio.Client // required
	bucket string        // required
}

func NewStore(cfg Config) (*Store, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("artifact.Store: %w", err)
	}
	return &Store{client: client, bucket: cfg.Bucket}, nil
}

// EnsureBucket creates the artifacts bucket when it does not exist yet.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("artifact.Store: %w", err)
	}
	if exists {
		return nil
	}
	if err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("artifact.Store: %w", err)
	}
	return nil
}

// Archive uploads every file under tasks/<id>/.
func (s *Store) Archive(ctx context.Context, id uuid.UUID, files task.FileSet) error {
	prefix := path.Join("tasks", id.String())
	for name, content := range files {
		key := path.Join(prefix, name)
		contentType := mime.TypeByExtension(path.Ext(name))
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		_, err := s.client.PutObject(
			ctx,
			s.bucket,
			key,
			bytes.NewReader(content),
			int64(len(content)),
			minio.PutObjectOptions{ContentType: contentType},
		)
		if err != nil {
			return fmt.Errorf("artifact.Store: %w", err)
		}
	}
	return nil
}
