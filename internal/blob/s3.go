package blob

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

const s3Scheme = "s3://"

// S3API is the subset of the S3 client used by S3Store
type S3API interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Presigner is the subset of the S3 presign client used by S3Store
type Presigner interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// S3Config selects the bucket and, for S3-compatible services, the endpoint
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// S3Store keeps blobs in an S3 bucket with metadata on the object itself
type S3Store struct {
	client    S3API
	presigner Presigner
	bucket    string
	now       func() time.Time
}

// NewS3Store builds a store from the default AWS credential chain, or from
// static keys when both are configured
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket must be configured")
	}

	opts := []func(*awsconfig.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	return NewS3StoreWithClient(client, s3.NewPresignClient(client), cfg.Bucket), nil
}

// NewS3StoreWithClient wires an existing client, mainly for tests
func NewS3StoreWithClient(client S3API, presigner Presigner, bucket string) *S3Store {
	return &S3Store{client: client, presigner: presigner, bucket: bucket, now: time.Now}
}

func (s *S3Store) key(uri string) (string, error) {
	prefix := s3Scheme + s.bucket + "/"
	if !strings.HasPrefix(uri, prefix) {
		return "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	key := strings.TrimPrefix(uri, prefix)
	if key == "" || strings.Contains(key, "/") {
		return "", fmt.Errorf("%w: %q", ErrInvalidURI, uri)
	}
	return key, nil
}

// Upload stores data under a content-addressed key with metadata headers
func (s *S3Store) Upload(ctx context.Context, data []byte, fileName, contentType string) (string, error) {
	now := s.now().UTC()
	key := Name(now, data, fileName)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(data))),
		Metadata: map[string]string{
			"original-filename": url.QueryEscape(fileName),
			"uploaded-at":       now.Format(time.RFC3339),
			"file-size":         strconv.Itoa(len(data)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload blob: %w", err)
	}
	return s3Scheme + s.bucket + "/" + key, nil
}

// Download reads the whole object and checks it against its content hash
func (s *S3Store) Download(ctx context.Context, uri string) ([]byte, error) {
	rc, err := s.OpenStream(ctx, uri)
	if err != nil {
		return nil, err
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("failed to read blob: %w", err)
	}
	key, _ := s.key(uri)
	if !Verify(key, data) {
		return nil, fmt.Errorf("%w: %s", ErrTampered, key)
	}
	return data, nil
}

// OpenStream returns the object body for streaming
func (s *S3Store) OpenStream(ctx context.Context, uri string) (io.ReadCloser, error) {
	key, err := s.key(uri)
	if err != nil {
		return nil, err
	}
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return nil, fmt.Errorf("failed to get blob: %w", err)
	}
	return out.Body, nil
}

// Delete removes the object. It reports whether the object existed.
func (s *S3Store) Delete(ctx context.Context, uri string) (bool, error) {
	ok, err := s.Exists(ctx, uri)
	if err != nil || !ok {
		return false, err
	}
	key, _ := s.key(uri)
	if _, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}); err != nil {
		return false, fmt.Errorf("failed to delete blob: %w", err)
	}
	return true, nil
}

// Exists reports whether the object is present
func (s *S3Store) Exists(ctx context.Context, uri string) (bool, error) {
	key, err := s.key(uri)
	if err != nil {
		return false, err
	}
	_, err = s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nf *types.NotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat blob: %w", err)
	}
	return true, nil
}

// TimedDownloadURL returns a presigned GET URL valid for ttl
func (s *S3Store) TimedDownloadURL(ctx context.Context, uri string, ttl time.Duration) (string, error) {
	key, err := s.key(uri)
	if err != nil {
		return "", err
	}
	req, err := s.presigner.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign blob url: %w", err)
	}
	return req.URL, nil
}
