package r2

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"github.com/trunov/mediaopt/internal/apperr"
	conf "github.com/trunov/mediaopt/internal/config"
)

type S3 struct {
	Bucket         string
	MaxRetries     int
	RetryBaseDelay time.Duration

	S3Client *s3.Client
	Uploader *manager.Uploader

	logger *zap.Logger
}

func NewStorage(ctx context.Context, cfg *conf.R2Config, logger *zap.Logger) (*S3, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx,
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID, cfg.SecretKey, "",
		)),
		config.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.r2.cloudflarestorage.com", cfg.AccountID)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	logger.Info("object storage client initialized",
		zap.String("bucket", cfg.BucketName),
		zap.String("endpoint", endpoint),
	)

	return &S3{
		Bucket:         cfg.BucketName,
		MaxRetries:     cfg.MaxRetries,
		RetryBaseDelay: 300 * time.Millisecond,
		S3Client:       client,
		Uploader:       manager.NewUploader(client),
		logger:         logger.With(zap.String("component", "r2")),
	}, nil
}

// Exists reports whether key is present in the bucket.
func (s *S3) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.S3Client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, apperr.Wrap(apperr.CodeStorage, "head "+key, err)
}

// DownloadFile streams key into a new temp file under dir. The returned cleanup
// removes the file and is safe to call on every path.
func (s *S3) DownloadFile(ctx context.Context, key, dir string) (string, func(), error) {
	out, err := s.S3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return "", func() {}, apperr.New(apperr.CodeSourceNotFound, "download", fmt.Errorf("object %q", key))
		}
		return "", func() {}, apperr.Wrap(apperr.CodeStorage, "download "+key, err)
	}
	defer out.Body.Close()

	f, err := os.CreateTemp(dir, "src-*")
	if err != nil {
		return "", func() {}, fmt.Errorf("create temp file: %w", err)
	}
	cleanup := func() {
		if rmErr := os.Remove(f.Name()); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			s.logger.Warn("temp file cleanup failed", zap.String("path", f.Name()), zap.Error(rmErr))
		}
	}

	if _, err := io.Copy(f, out.Body); err != nil {
		f.Close()
		cleanup()
		return "", func() {}, apperr.Wrap(apperr.CodeStorage, "read body "+key, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, fmt.Errorf("close temp file: %w", err)
	}

	return f.Name(), cleanup, nil
}

// Upload puts payload under key, retrying transient failures with jittered backoff.
func (s *S3) Upload(ctx context.Context, key, contentType, cacheControl string, payload []byte) error {
	var err error
	for attempt := 1; ; attempt++ {
		_, err = s.Uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:       aws.String(s.Bucket),
			Key:          aws.String(key),
			Body:         bytes.NewReader(payload),
			ContentType:  aws.String(contentType),
			CacheControl: aws.String(cacheControl),
		})
		if err == nil {
			return nil
		}
		if attempt > s.MaxRetries {
			break
		}

		backoff := s.backoffDelay(attempt)
		s.logger.Warn("upload failed, retrying",
			zap.String("key", key),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)

		timer := time.NewTimer(backoff)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return apperr.Wrap(apperr.CodeStorage, "upload "+key, ctx.Err())
		}
	}
	return apperr.Wrap(apperr.CodeStorage, "upload "+key, err)
}

func (s *S3) backoffDelay(attempt int) time.Duration {
	delay := s.RetryBaseDelay << (attempt - 1)
	jitter := time.Duration(rand.Int63n(int64(delay)/5 + 1))
	return delay - delay/10 + jitter
}

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	// HEAD responses carry no body, so some providers only surface the status code.
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
