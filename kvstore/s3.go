package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/bitrise-io/go-utils/retry"
	"github.com/bitrise-io/go-utils/v2/log"
)

const numS3Retries = 3

// S3Params configures an S3Store.
type S3Params struct {
	Bucket          string
	Prefix          string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store keeps values as objects in an S3 bucket, one object per key.
type S3Store struct {
	client    *s3.Client
	uploader  *manager.Uploader
	bucket    string
	prefix    string
	logger    log.Logger
	retryWait time.Duration
}

// NewS3Store loads AWS credentials and returns a store backed by params.Bucket.
func NewS3Store(ctx context.Context, params S3Params, logger log.Logger) (*S3Store, error) {
	if params.Bucket == "" {
		return nil, fmt.Errorf("bucket must not be empty")
	}

	cfg, err := loadAWSConfig(ctx, params, logger)
	if err != nil {
		return nil, err
	}

	return NewS3StoreFromClient(s3.NewFromConfig(cfg), params.Bucket, params.Prefix, logger), nil
}

// NewS3StoreFromClient wraps an existing S3 client.
func NewS3StoreFromClient(client *s3.Client, bucket, prefix string, logger log.Logger) *S3Store {
	return &S3Store{
		client:    client,
		uploader:  manager.NewUploader(client),
		bucket:    bucket,
		prefix:    strings.Trim(prefix, "/"),
		logger:    logger,
		retryWait: 2 * time.Second,
	}
}

func (s *S3Store) objectKey(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *S3Store) Put(ctx context.Context, key string, value []byte) error { //nolint:revive
	if err := ValidateKey(key); err != nil {
		return err
	}

	return retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.uploader.Upload(ctx, &s3.PutObjectInput{
			Bucket:        aws.String(s.bucket),
			Key:           aws.String(s.objectKey(key)),
			Body:          bytes.NewReader(value),
			ContentLength: aws.Int64(int64(len(value))),
			ContentType:   aws.String("application/json"),
		})
		if err != nil {
			s.logger.Debugf("put %s (attempt %d): %s", key, attempt+1, err)
			return fmt.Errorf("put object: %w", err), ctx.Err() != nil
		}
		return nil, true
	})
}

func (s *S3Store) Get(ctx context.Context, key string) ([]byte, error) { //nolint:revive
	if err := ValidateKey(key); err != nil {
		return nil, err
	}

	var value []byte
	err := retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		})
		if err != nil {
			if isS3NotFound(err) {
				return ErrNotFound, true
			}
			return fmt.Errorf("get object: %w", err), ctx.Err() != nil
		}
		defer out.Body.Close() //nolint:errcheck

		value, err = io.ReadAll(out.Body)
		if err != nil {
			return fmt.Errorf("read object content: %w", err), false
		}
		return nil, true
	})
	if err != nil {
		return nil, err
	}

	return value, nil
}

func (s *S3Store) Delete(ctx context.Context, key string) error { //nolint:revive
	if err := ValidateKey(key); err != nil {
		return err
	}

	return retry.Times(numS3Retries).Wait(s.retryWait).TryWithAbort(func(attempt uint) (error, bool) {
		_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(s.objectKey(key)),
		})
		if err != nil {
			if isS3NotFound(err) {
				return nil, true
			}
			return fmt.Errorf("delete object: %w", err), ctx.Err() != nil
		}
		return nil, true
	})
}

func (s *S3Store) List(ctx context.Context, prefix string) ([]string, error) { //nolint:revive
	objectPrefix := s.objectKey(prefix)
	if prefix == "" && s.prefix != "" {
		objectPrefix = s.prefix + "/"
	}

	var keys []string
	paginator := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(objectPrefix),
	})
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("list objects: %w", err)
		}
		for _, object := range page.Contents {
			key := path.Base(aws.ToString(object.Key))
			if ValidateKey(key) == nil {
				keys = append(keys, key)
			}
		}
	}

	sort.Strings(keys)
	return keys, nil
}

func isS3NotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return true
	}
	var apiError smithy.APIError
	if errors.As(err, &apiError) {
		switch apiError.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}

// loadAWSConfig resolves the AWS configuration for params. Static keys win over the
// default credential chain when both halves are set.
func loadAWSConfig(ctx context.Context, params S3Params, logger log.Logger) (aws.Config, error) {
	if params.Region == "" {
		return aws.Config{}, fmt.Errorf("region must not be empty")
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(params.Region)}
	switch {
	case params.AccessKeyID != "" && params.SecretAccessKey != "":
		logger.Debugf("Using static AWS credentials for snapshot bucket %s", params.Bucket)
		provider := credentials.NewStaticCredentialsProvider(params.AccessKeyID, params.SecretAccessKey, "")
		opts = append(opts, config.WithCredentialsProvider(provider))
	case params.AccessKeyID != "" || params.SecretAccessKey != "":
		return aws.Config{}, fmt.Errorf("access key id and secret access key must be set together")
	default:
		logger.Debugf("Using the default AWS credential chain for snapshot bucket %s", params.Bucket)
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return cfg, nil
}
