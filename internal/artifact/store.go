// Package artifact mirrors published test-case documents to an S3-compatible
// object store.
package artifact

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Config holds the settings needed to connect to an S3-compatible store.
type Config struct {
	Endpoint  string // custom endpoint URL (e.g. http://localhost:9000); empty for AWS
	Region    string
	Bucket    string
	Prefix    string // key prefix, e.g. "testcases"
	AccessKey string // empty to use the default credential chain
	SecretKey string
}

// Store writes documents into a single bucket.
type Store struct {
	s3     *s3.Client
	bucket string
	prefix string
	logger *slog.Logger
}

// New creates a Store from the given Config.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("artifact store: bucket is required")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	var opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		opts = append(opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
			// Most S3-compatible stores reject the default flexible checksums.
			o.RequestChecksumCalculation = aws.RequestChecksumCalculationWhenRequired
		})
	}

	return &Store{
		s3:     s3.NewFromConfig(awsCfg, opts...),
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
		logger: logger,
	}, nil
}

// Key returns the object key a document named filename is stored under.
func (s *Store) Key(filename string) string {
	if s.prefix == "" {
		return filename
	}
	return path.Join(s.prefix, filename)
}

// PutDocument uploads a markdown document.
func (s *Store) PutDocument(ctx context.Context, filename, content string) error {
	key := s.Key(filename)
	_, err := s.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket:             &s.bucket,
		Key:                &key,
		Body:               strings.NewReader(content),
		ContentType:        aws.String("text/markdown; charset=utf-8"),
		ContentDisposition: aws.String(attachmentDisposition(filename)),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.logger.Debug("artifact uploaded", "bucket", s.bucket, "key", key, "bytes", len(content))
	return nil
}

// DeleteDocument removes a document. Deleting a missing key is not an error.
func (s *Store) DeleteDocument(ctx context.Context, filename string) error {
	key := s.Key(filename)
	_, err := s.s3.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	s.logger.Debug("artifact deleted", "bucket", s.bucket, "key", key)
	return nil
}

func attachmentDisposition(filename string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": filename}); v != "" {
		return v
	}
	return "attachment"
}
