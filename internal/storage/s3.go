package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config holds the configuration for the S3 archive mirror.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string // Optional: for custom S3-compatible endpoints
	AccessKeyID     string // Optional: AWS access key ID
	SecretAccessKey string // Optional: AWS secret access key
}

// S3Archive mirrors completed cache entries to an S3 bucket. The local
// filesystem remains the source of truth; the mirror is best-effort and a
// failed upload never fails the render.
type S3Archive struct {
	client *s3.Client
	bucket string
	logger *slog.Logger
}

// NewS3Archive creates an S3Archive from the given configuration.
func NewS3Archive(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Archive, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var configOpts []func(*config.LoadOptions) error
	configOpts = append(configOpts, config.WithRegion(cfg.Region))

	// Use static credentials if provided
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		configOpts = append(configOpts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, configOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	var clientOpts []func(*s3.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}

	return &S3Archive{
		client: s3.NewFromConfig(awsCfg, clientOpts...),
		bucket: cfg.Bucket,
		logger: logger,
	}, nil
}

// ArchiveRenderDir uploads the video, thumbnail, and meta document of a
// cache entry under renders/<cache_key>/ in the bucket.
func (a *S3Archive) ArchiveRenderDir(ctx context.Context, cacheKey, renderDir string) error {
	for _, name := range []string{VideoFileName, ThumbFileName, MetaFileName} {
		if err := a.uploadFile(ctx, "renders/"+cacheKey+"/"+name, filepath.Join(renderDir, name)); err != nil {
			return err
		}
	}
	return nil
}

func (a *S3Archive) uploadFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path) // #nosec G304 - path is inside a render directory
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("upload %s to S3: %w", key, err)
	}

	a.logger.Debug("archived render artifact",
		slog.String("bucket", a.bucket),
		slog.String("key", key),
	)
	return nil
}
