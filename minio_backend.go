package quipodb

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// MinIOConfig contains MinIO-specific configuration
type MinIOConfig struct {
	Endpoint        string // e.g., "localhost:9000" or "minio.example.com"
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool // Whether to use HTTPS (default: false for localhost)
	Bucket          string
}

// NewMinIOBackend creates an S3Backend configured for a MinIO server.
func NewMinIOBackend(cfg MinIOConfig) (*S3Backend, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
			"reason": "MinIO backend requires endpoint and bucket",
		})
	}

	scheme := "http"
	if cfg.UseSSL {
		scheme = "https"
	}
	endpoint := fmt.Sprintf("%s://%s", scheme, cfg.Endpoint)

	client := s3.New(s3.Options{
		BaseEndpoint: aws.String(endpoint),
		Region:       "us-east-1", // MinIO doesn't enforce regions, but SDK requires it
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		UsePathStyle: true, // http://host/bucket/key
	})

	return NewS3Backend(client, cfg.Bucket), nil
}
