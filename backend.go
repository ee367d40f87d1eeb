package quipodb

import (
	"context"
	"encoding/base64"
	"encoding/hex"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Backend is a flat object store used by ObjectProvider. Keys are
// slash-separated paths; List returns them in lexical order.
type Backend interface {
	// Get returns ErrNotFound for a missing key.
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, data []byte) error
	// Delete removes a key. A missing key is not an error.
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

// BackendConfig selects and configures a Backend.
type BackendConfig struct {
	Type     string `yaml:"type"`     // "filesystem", "s3", "minio" or "gcs"
	Bucket   string `yaml:"bucket"`   // bucket name, or base directory for filesystem
	Region   string `yaml:"region"`   // s3
	Endpoint string `yaml:"endpoint"` // s3-compatible endpoint, minio host:port
	UseSSL   bool   `yaml:"use_ssl"`  // minio

	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	CredentialsFile string `yaml:"credentials_file"` // gcs service account JSON

	// EncryptionKey enables AES-256-GCM encryption at rest. It holds 32
	// bytes encoded as hex or base64.
	EncryptionKey string `yaml:"encryption_key"`
}

// Validate checks if the BackendConfig is valid
func (c BackendConfig) Validate() error {
	if c.Bucket == "" {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "bucket",
			"reason": "bucket/base path is required",
		})
	}

	switch c.Type {
	case "s3":
		if c.Region == "" && c.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "region/endpoint",
				"reason": "S3 backend requires either region or endpoint",
			})
		}
	case "minio":
		if c.Endpoint == "" {
			return WithContext(ErrInvalidConfig, map[string]interface{}{
				"field":  "endpoint",
				"reason": "MinIO backend requires an endpoint",
			})
		}
	case "filesystem", "gcs":
	default:
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "type",
			"value":  c.Type,
			"reason": "unknown backend type",
		})
	}

	if c.EncryptionKey != "" {
		if _, err := decodeEncryptionKey(c.EncryptionKey); err != nil {
			return err
		}
	}
	return nil
}

// OpenBackend builds the backend described by cfg, wrapped in encryption
// when a key is configured.
func OpenBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		backend Backend
		err     error
	)
	switch cfg.Type {
	case "filesystem":
		backend = NewFilesystemBackend(cfg.Bucket)
	case "s3":
		backend, err = newS3BackendFromConfig(ctx, cfg)
	case "minio":
		backend, err = NewMinIOBackend(MinIOConfig{
			Endpoint:        cfg.Endpoint,
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			UseSSL:          cfg.UseSSL,
			Bucket:          cfg.Bucket,
		})
	case "gcs":
		backend, err = NewGCSBackend(ctx, GCSConfig{
			Bucket:          cfg.Bucket,
			CredentialsFile: cfg.CredentialsFile,
		})
	}
	if err != nil {
		return nil, err
	}

	if cfg.EncryptionKey == "" {
		return backend, nil
	}
	key, err := decodeEncryptionKey(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}
	return NewEncryptionBackend(backend, key)
}

func newS3BackendFromConfig(ctx context.Context, cfg BackendConfig) (Backend, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = &cfg.Endpoint
			o.UsePathStyle = true
		}
	})
	return NewS3Backend(client, cfg.Bucket), nil
}

func decodeEncryptionKey(s string) ([]byte, error) {
	if key, err := hex.DecodeString(s); err == nil && len(key) == 32 {
		return key, nil
	}
	if key, err := base64.StdEncoding.DecodeString(s); err == nil && len(key) == 32 {
		return key, nil
	}
	return nil, WithContext(ErrInvalidConfig, map[string]interface{}{
		"field":  "encryption_key",
		"reason": "must be 32 bytes encoded as hex or base64",
	})
}
