package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/ethpandaops/gatekeeper/pkg/config"
	"github.com/sirupsen/logrus"
)

const recordSuffix = ".json"

// Compile-time interface check.
var _ Storage = (*s3Storage)(nil)

type s3Storage struct {
	log    logrus.FieldLogger
	cfg    *config.S3Config
	client *s3.Client
	bucket string
	prefix string
}

func newS3Storage(log logrus.FieldLogger, cfg *config.S3Config) *s3Storage {
	prefix := strings.Trim(cfg.Prefix, "/")
	if prefix != "" {
		prefix += "/"
	}

	return &s3Storage{
		log:    log.WithField("component", "storage"),
		cfg:    cfg,
		bucket: cfg.Bucket,
		prefix: prefix,
	}
}

// Start creates the S3 client and checks the bucket is reachable.
func (s *s3Storage) Start(ctx context.Context) error {
	s.client = newS3Client(s.cfg)

	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{
		Bucket: aws.String(s.bucket),
	}); err != nil {
		return fmt.Errorf("checking bucket %q: %w", s.bucket, err)
	}

	s.log.WithField("bucket", s.bucket).
		WithField("prefix", s.prefix).
		Info("Storage connected")

	return nil
}

func (s *s3Storage) Stop() error {
	return nil
}

// objectKey maps a normalized storage key to its object key.
func (s *s3Storage) objectKey(key string) string {
	return s.prefix + key + recordSuffix
}

// storageKey is the inverse of objectKey.
func (s *s3Storage) storageKey(objectKey string) string {
	return strings.TrimSuffix(strings.TrimPrefix(objectKey, s.prefix), recordSuffix)
}

func (s *s3Storage) Get(ctx context.Context, key string) ([]byte, error) {
	key, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return nil, fmt.Errorf("getting object %q: %w", key, err)
	}

	defer func() { _ = out.Body.Close() }()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading object %q: %w", key, err)
	}

	return data, nil
}

func (s *s3Storage) Put(ctx context.Context, key string, value []byte) error {
	key, err := NormalizeKey(key)
	if err != nil {
		return err
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.objectKey(key)),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/json"),
	}); err != nil {
		return fmt.Errorf("putting object %q: %w", key, err)
	}

	return nil
}

// Update writes the object only while the version seen by HeadObject is
// still current. A delete racing the write surfaces as ErrNotFound.
func (s *s3Storage) Update(ctx context.Context, key string, value []byte) error {
	key, err := NormalizeKey(key)
	if err != nil {
		return err
	}

	objectKey := s.objectKey(key)

	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	})
	if err != nil {
		if isS3NotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return fmt.Errorf("checking object %q: %w", key, err)
	}

	if _, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(objectKey),
		Body:        bytes.NewReader(value),
		ContentType: aws.String("application/json"),
		IfMatch:     head.ETag,
	}); err != nil {
		if isS3NotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		if isS3PreconditionFailed(err) {
			return fmt.Errorf("updating object %q: modified concurrently: %w", key, err)
		}

		return fmt.Errorf("updating object %q: %w", key, err)
	}

	return nil
}

// Delete removes the object. S3 deletes are idempotent, so existence is
// checked first to honour the ErrNotFound contract.
func (s *s3Storage) Delete(ctx context.Context, key string) error {
	key, err := NormalizeKey(key)
	if err != nil {
		return err
	}

	objectKey := s.objectKey(key)

	if _, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	}); err != nil {
		if isS3NotFound(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}

		return fmt.Errorf("checking object %q: %w", key, err)
	}

	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(objectKey),
	}); err != nil {
		return fmt.Errorf("deleting object %q: %w", key, err)
	}

	return nil
}

// ListFind walks the full listing under prefix. Keys are re-sorted after
// the record suffix is stripped, since "a.json" and "a-b.json" sort
// differently from "a" and "a-b".
func (s *s3Storage) ListFind(
	ctx context.Context, prefix string, opts ListOptions,
) ([]string, error) {
	prefix, err := normalizePrefix(prefix)
	if err != nil {
		return nil, err
	}

	paginator := s3.NewListObjectsV2Paginator(
		s.client, &s3.ListObjectsV2Input{
			Bucket: aws.String(s.bucket),
			Prefix: aws.String(s.prefix + prefix),
		},
	)

	keys := make([]string, 0, 16)

	for paginator.HasMorePages() {
		out, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("listing objects under %q: %w", prefix, err)
		}

		for _, obj := range out.Contents {
			if obj.Key == nil || !strings.HasSuffix(*obj.Key, recordSuffix) {
				continue
			}

			keys = append(keys, s.storageKey(*obj.Key))
		}
	}

	sort.Strings(keys)

	return page(keys, opts), nil
}

func isS3NotFound(err error) bool {
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}

	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}

	return strings.Contains(err.Error(), "NoSuchKey") ||
		strings.Contains(err.Error(), "NotFound")
}

func isS3PreconditionFailed(err error) bool {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode() == "PreconditionFailed"
	}

	return false
}

func newS3Client(cfg *config.S3Config) *s3.Client {
	opts := []func(*s3.Options){
		func(o *s3.Options) {
			if cfg.Region != "" {
				o.Region = cfg.Region
			} else {
				o.Region = "us-east-1"
			}

			if cfg.EndpointURL != "" {
				o.BaseEndpoint = aws.String(cfg.EndpointURL)
			}

			if cfg.ForcePathStyle {
				o.UsePathStyle = true
			}

			if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
				o.Credentials = credentials.NewStaticCredentialsProvider(
					cfg.AccessKeyID, cfg.SecretAccessKey, "",
				)
			}
		},
	}

	return s3.New(s3.Options{}, opts...)
}
