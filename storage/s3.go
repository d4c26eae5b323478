package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/ruteri/device-relay-backend/interfaces"
)

// S3API is the part of *s3.S3 the backend calls.
type S3API interface {
	GetObjectWithContext(ctx aws.Context, input *s3.GetObjectInput, opts ...request.Option) (*s3.GetObjectOutput, error)
	PutObjectWithContext(ctx aws.Context, input *s3.PutObjectInput, opts ...request.Option) (*s3.PutObjectOutput, error)
	HeadBucketWithContext(ctx aws.Context, input *s3.HeadBucketInput, opts ...request.Option) (*s3.HeadBucketOutput, error)
}

// S3Options describes an S3 (or S3-compatible) key storage location.
type S3Options struct {
	Bucket string
	Prefix string

	// Region defaults to us-east-1.
	Region string
	// Endpoint selects an S3-compatible service and switches to path-style addressing.
	Endpoint string

	// AccessKey and SecretKey, when both set, replace the default credential chain.
	AccessKey string
	SecretKey string

	// SSE is the server-side encryption mode: "AES256" (default) or "aws:kms".
	SSE string
	// KMSKeyID selects the KMS key when SSE is "aws:kms".
	KMSKeyID string
}

func (o *S3Options) normalize() error {
	if o.Bucket == "" {
		return fmt.Errorf("%w: s3 bucket is required", interfaces.ErrInvalidLocationURI)
	}
	o.Prefix = strings.Trim(o.Prefix, "/")
	if o.Region == "" {
		o.Region = "us-east-1"
	}
	switch o.SSE {
	case "":
		o.SSE = s3.ServerSideEncryptionAes256
	case s3.ServerSideEncryptionAes256, s3.ServerSideEncryptionAwsKms:
	default:
		return fmt.Errorf("%w: unsupported s3 sse mode %q", interfaces.ErrInvalidLocationURI, o.SSE)
	}
	if o.KMSKeyID != "" && o.SSE != s3.ServerSideEncryptionAwsKms {
		return fmt.Errorf("%w: kms-key-id requires sse=aws:kms", interfaces.ErrInvalidLocationURI)
	}
	return nil
}

// uri renders the location without credentials.
func (o S3Options) uri() string {
	q := url.Values{"region": {o.Region}}
	if o.Endpoint != "" {
		q.Set("endpoint", o.Endpoint)
	}
	if o.SSE != s3.ServerSideEncryptionAes256 {
		q.Set("sse", o.SSE)
	}
	return fmt.Sprintf("s3://%s/%s?%s", o.Bucket, o.Prefix, q.Encode())
}

// S3Backend stores each object as a private, server-side encrypted S3 object
// under the configured prefix.
type S3Backend struct {
	client S3API
	opts   S3Options
	log    *slog.Logger
}

func NewS3Backend(opts S3Options, log *slog.Logger) (*S3Backend, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}

	cfg := aws.NewConfig().WithRegion(opts.Region)
	if opts.Endpoint != "" {
		cfg = cfg.WithEndpoint(opts.Endpoint).WithS3ForcePathStyle(true)
	}
	if opts.AccessKey != "" && opts.SecretKey != "" {
		cfg = cfg.WithCredentials(credentials.NewStaticCredentials(opts.AccessKey, opts.SecretKey, ""))
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("aws session: %w", err)
	}
	return &S3Backend{client: s3.New(sess), opts: opts, log: log}, nil
}

// NewS3BackendWithClient uses client instead of building one from opts.
func NewS3BackendWithClient(client S3API, opts S3Options, log *slog.Logger) (*S3Backend, error) {
	if err := opts.normalize(); err != nil {
		return nil, err
	}
	return &S3Backend{client: client, opts: opts, log: log}, nil
}

func (b *S3Backend) key(name string) string {
	if b.opts.Prefix == "" {
		return name
	}
	return path.Join(b.opts.Prefix, name)
}

func isS3NotFound(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	return aerr.Code() == s3.ErrCodeNoSuchKey || aerr.Code() == "NotFound"
}

func (b *S3Backend) Fetch(ctx context.Context, name string) ([]byte, error) {
	key := b.key(name)
	out, err := b.client.GetObjectWithContext(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.opts.Bucket),
		Key:    aws.String(key),
	})
	if isS3NotFound(err) {
		return nil, interfaces.ErrContentNotFound
	}
	if err != nil {
		b.log.Error("s3 get failed", "bucket", b.opts.Bucket, "key", key, "err", err)
		return nil, fmt.Errorf("%w: s3 get %s: %v", interfaces.ErrBackendUnavailable, key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading s3 object %s: %v", interfaces.ErrBackendUnavailable, key, err)
	}
	b.log.Debug("s3 object fetched", "bucket", b.opts.Bucket, "key", key, slog.Int("size", len(data)))
	return data, nil
}

func (b *S3Backend) Store(ctx context.Context, name string, data []byte) error {
	input := &s3.PutObjectInput{
		Bucket:               aws.String(b.opts.Bucket),
		Key:                  aws.String(b.key(name)),
		Body:                 bytes.NewReader(data),
		ContentType:          aws.String("application/octet-stream"),
		ACL:                  aws.String(s3.ObjectCannedACLPrivate),
		ServerSideEncryption: aws.String(b.opts.SSE),
	}
	if b.opts.KMSKeyID != "" {
		input.SSEKMSKeyId = aws.String(b.opts.KMSKeyID)
	}

	if _, err := b.client.PutObjectWithContext(ctx, input); err != nil {
		return fmt.Errorf("%w: s3 put %s: %v", interfaces.ErrBackendUnavailable, *input.Key, err)
	}
	b.log.Debug("s3 object stored", "bucket", b.opts.Bucket, "key", *input.Key)
	return nil
}

// Available heads the bucket.
func (b *S3Backend) Available(ctx context.Context) bool {
	_, err := b.client.HeadBucketWithContext(ctx, &s3.HeadBucketInput{Bucket: aws.String(b.opts.Bucket)})
	if err != nil {
		b.log.Warn("s3 bucket unreachable", "bucket", b.opts.Bucket, "err", err)
		return false
	}
	return true
}

func (b *S3Backend) Name() string        { return "s3-" + b.opts.Bucket }
func (b *S3Backend) LocationURI() string { return b.opts.uri() }
