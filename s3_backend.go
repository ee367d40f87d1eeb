package quipodb

import (
	"bytes"
	"context"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Backend implements Backend using AWS S3 (or S3-compatible storage)
type S3Backend struct {
	client *s3.Client
	bucket string
}

// NewS3Backend creates a new S3 backend
func NewS3Backend(client *s3.Client, bucket string) *S3Backend {
	return &S3Backend{
		client: client,
		bucket: bucket,
	}
}

func mapS3Error(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "NoSuchKey"), strings.Contains(msg, "NotFound"):
		return ErrNotFound
	case strings.Contains(msg, "AccessDenied"):
		return ErrUnauthorized
	}
	return err
}

// Get retrieves data for the given key from S3
func (b *S3Backend) Get(ctx context.Context, key string) ([]byte, error) {
	result, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, mapS3Error(err)
	}
	defer func() { _ = result.Body.Close() }() //nolint:errcheck // Deferred close

	return io.ReadAll(result.Body)
}

// Put stores data for the given key to S3
func (b *S3Backend) Put(ctx context.Context, key string, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(b.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return mapS3Error(err)
	}
	return nil
}

// Delete removes the object at the given key. S3 treats a missing key as
// success.
func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if err = mapS3Error(err); IsNotFound(err) {
			return nil
		}
		return err
	}
	return nil
}

// List returns all keys with the given prefix, following pagination.
func (b *S3Backend) List(ctx context.Context, prefix string) ([]string, error) {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(b.bucket),
		Prefix: aws.String(prefix),
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(b.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, mapS3Error(err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Ping checks if the S3 backend is accessible and operational
func (b *S3Backend) Ping(ctx context.Context) error {
	_, err := b.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(b.bucket),
	})
	if err != nil {
		return WithContext(ErrBackendUnavailable, map[string]interface{}{
			"bucket": b.bucket,
			"error":  err.Error(),
		})
	}
	return nil
}

func (b *S3Backend) Close() error {
	return nil
}
