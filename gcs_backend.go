package quipodb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSBackend implements Backend using Google Cloud Storage
type GCSBackend struct {
	client *storage.Client
	bucket string
}

// GCSConfig contains GCS-specific configuration
type GCSConfig struct {
	Bucket          string
	CredentialsFile string // Path to service account JSON file (optional, uses ADC if empty)
}

// NewGCSBackend creates a new GCS backend
func NewGCSBackend(ctx context.Context, cfg GCSConfig) (*GCSBackend, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	return NewGCSBackendWithClient(client, cfg.Bucket), nil
}

// NewGCSBackendWithClient wraps an existing client, e.g. one pointed at an
// emulator. Close closes the client.
func NewGCSBackendWithClient(client *storage.Client, bucket string) *GCSBackend {
	return &GCSBackend{client: client, bucket: bucket}
}

// mapGCSError translates GCS errors into package sentinels.
func mapGCSError(err error, key string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized, http.StatusForbidden:
			return WithContext(ErrUnauthorized, map[string]interface{}{"key": key, "error": apiErr.Message})
		case http.StatusServiceUnavailable, http.StatusTooManyRequests:
			return WithContext(ErrBackendUnavailable, map[string]interface{}{"key": key, "error": apiErr.Message})
		}
	}
	return err
}

func (b *GCSBackend) Get(ctx context.Context, key string) ([]byte, error) {
	reader, err := b.client.Bucket(b.bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, mapGCSError(err, key)
	}
	defer reader.Close()

	return io.ReadAll(reader)
}

func (b *GCSBackend) Put(ctx context.Context, key string, data []byte) error {
	writer := b.client.Bucket(b.bucket).Object(key).NewWriter(ctx)
	writer.ContentType = "application/json"

	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return mapGCSError(err, key)
	}
	return mapGCSError(writer.Close(), key)
}

func (b *GCSBackend) Delete(ctx context.Context, key string) error {
	err := b.client.Bucket(b.bucket).Object(key).Delete(ctx)
	if err = mapGCSError(err, key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	return nil
}

// List returns keys in lexical order, as GCS lists them.
func (b *GCSBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, mapGCSError(err, prefix)
		}
		keys = append(keys, attrs.Name)
	}
	return keys, nil
}

func (b *GCSBackend) Ping(ctx context.Context) error {
	if _, err := b.client.Bucket(b.bucket).Attrs(ctx); err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"bucket": b.bucket,
			"error":  err.Error(),
		})
	}
	return nil
}

func (b *GCSBackend) Close() error {
	return b.client.Close()
}
