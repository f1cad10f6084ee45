package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
)

// S3Config describes the bucket attachments are written to. Endpoint targets S3 compatible
// stores such as MinIO; PublicURL overrides the URL handed back to clients.
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	PublicURL string
	Prefix    string
}

type objectUploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3 stores attachments in an S3 bucket through the multipart upload manager.
type S3 struct {
	uploader objectUploader
	cfg      S3Config
	logger   zerolog.Logger
	now      func() time.Time
}

// NewS3 loads AWS credentials from the default chain and builds an S3 backed store.
func NewS3(ctx context.Context, cfg S3Config, logger zerolog.Logger) (*S3, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket must be provided")
	}
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}

	awsConfig, err := awscfg.LoadDefaultConfig(ctx, awscfg.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsConfig, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return newS3(manager.NewUploader(client), cfg, logger), nil
}

func newS3(uploader objectUploader, cfg S3Config, logger zerolog.Logger) *S3 {
	return &S3{
		uploader: uploader,
		cfg:      cfg,
		logger:   logger.With().Str("component", "s3_store").Logger(),
		now:      time.Now,
	}
}

// Upload streams the attachment into the bucket and returns the URL clients should fetch.
func (s *S3) Upload(ctx context.Context, name string, reader io.Reader) (string, error) {
	stem, ext := objectName(name, s.now())
	key := joinKey(s.cfg.Prefix, stem+ext)

	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   reader,
	}
	if contentType := mime.TypeByExtension(ext); contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.uploader.Upload(ctx, input); err != nil {
		return "", fmt.Errorf("failed to upload object: %w", err)
	}

	s.logger.Info().Str("bucket", s.cfg.Bucket).Str("key", key).Msg("attachment uploaded to s3")
	return s.objectURL(key), nil
}

func (s *S3) objectURL(key string) string {
	escaped := (&url.URL{Path: key}).EscapedPath()
	switch {
	case s.cfg.PublicURL != "":
		return strings.TrimRight(s.cfg.PublicURL, "/") + "/" + escaped
	case s.cfg.Endpoint != "":
		return strings.TrimRight(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket + "/" + escaped
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", s.cfg.Bucket, s.cfg.Region, escaped)
	}
}
