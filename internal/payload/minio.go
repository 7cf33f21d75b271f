package payload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pagewatch/api/internal/util"
)

// MinIO stores payloads as objects in a bucket. Locators look like
// s3://bucket/kind/id.
type MinIO struct {
	client *minio.Client
	bucket string
}

func NewMinIO(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinIO, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket %s: %w", bucket, err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket %s: %w", bucket, err)
		}
	}

	return &MinIO{client: client, bucket: bucket}, nil
}

func (m *MinIO) Schemes() []string {
	return []string{"s3"}
}

func (m *MinIO) Read(ctx context.Context, locator string) ([]byte, error) {
	bucket, key, err := splitObjectLocator(locator)
	if err != nil {
		return nil, err
	}
	object, err := m.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get object %s: %v: %w", locator, err, ErrUnavailable)
	}
	defer object.Close()

	body, err := io.ReadAll(object)
	if err != nil {
		return nil, fmt.Errorf("read object %s: %v: %w", locator, err, ErrUnavailable)
	}
	return body, nil
}

func (m *MinIO) Write(ctx context.Context, kind string, body []byte) (string, error) {
	key := kind + "/" + util.NewID("")
	_, err := m.client.PutObject(ctx, m.bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return "", fmt.Errorf("put object %s: %w", key, err)
	}
	return "s3://" + m.bucket + "/" + key, nil
}

func splitObjectLocator(locator string) (bucket, key string, err error) {
	rest := strings.TrimPrefix(locator, "s3://")
	bucket, key, found := strings.Cut(rest, "/")
	if !found || bucket == "" || key == "" {
		return "", "", fmt.Errorf("malformed object locator %q: %w", locator, ErrUnavailable)
	}
	return bucket, key, nil
}
