package objectstore

import (
	"bytes"
	"context"
	"io"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

const defaultContentType = "application/octet-stream"

// S3Client implements ObjectStore against MinIO or any S3-compatible
// endpoint.
type S3Client struct {
	client *minio.Client
	region string
}

// NewS3Client connects to cfg.EndpointURL with static credentials. No
// request is made until the first operation.
func NewS3Client(cfg *Config) (*S3Client, error) {
	f := failure("connect", "", "")
	if cfg == nil || cfg.EndpointURL == "" {
		return nil, f.wrap(CodeEndpointUnreachable, false, errors.New("endpoint URL is required"))
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, f.wrap(CodeAuthInvalid, false, errors.New("credentials are required"))
	}

	u, err := url.Parse(cfg.EndpointURL)
	if err != nil || u.Host == "" {
		return nil, f.wrap(CodeEndpointUnreachable, false, errors.Newf("invalid endpoint URL %q", cfg.EndpointURL))
	}

	client, err := minio.New(u.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure: cfg.UseSSL || u.Scheme == "https",
		Region: cfg.Region,
	})
	if err != nil {
		return nil, f.wrap(CodeEndpointUnreachable, true, errors.Wrap(err, "failed to create minio client"))
	}
	return &S3Client{client: client, region: cfg.Region}, nil
}

func (s *S3Client) Ping(ctx context.Context) error {
	if _, err := s.client.ListBuckets(ctx); err != nil {
		return classify(failure("connect", "", ""), err)
	}
	return nil
}

func (s *S3Client) EnsureBucket(ctx context.Context, bucket string) error {
	f := failure("bucket", bucket, "")
	if bucket == "" {
		return f.missing()
	}
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return classify(f, err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
		// Another writer may have created it between the two calls.
		if code := minio.ToErrorResponse(err).Code; code == "BucketAlreadyOwnedByYou" || code == "BucketAlreadyExists" {
			return nil
		}
		return classify(f, err)
	}
	return nil
}

func (s *S3Client) BucketExists(ctx context.Context, bucket string) (bool, error) {
	if bucket == "" {
		return false, nil
	}
	exists, err := s.client.BucketExists(ctx, bucket)
	if err != nil {
		return false, classify(failure("bucket", bucket, ""), err)
	}
	return exists, nil
}

// PutObject uploads data in a single request, which S3 applies atomically.
func (s *S3Client) PutObject(ctx context.Context, bucket, key string, data []byte, opts PutOptions) error {
	f := failure("put", bucket, key)
	if bucket == "" || key == "" {
		return f.missing()
	}

	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if putOpts.ContentType == "" {
		putOpts.ContentType = defaultContentType
	}
	if opts.PublicRead {
		// minio-go sends x-amz-* metadata keys as request headers.
		putOpts.UserMetadata = map[string]string{"x-amz-acl": "public-read"}
	}

	if _, err := s.client.PutObject(ctx, bucket, key, bytes.NewReader(data), int64(len(data)), putOpts); err != nil {
		return classify(f, err)
	}
	return nil
}

func (s *S3Client) GetObject(ctx context.Context, bucket, key string) ([]byte, error) {
	f := failure("get", bucket, key)
	if bucket == "" || key == "" {
		return nil, f.missing()
	}

	obj, err := s.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, classify(f, err)
	}
	defer obj.Close()

	// GetObject is lazy; a missing key surfaces on the first read.
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, classify(f, err)
	}
	return data, nil
}

func (s *S3Client) ListPrefix(ctx context.Context, bucket, prefix string) ([]string, error) {
	f := failure("list", bucket, prefix)
	if bucket == "" {
		return nil, f.missing()
	}

	var keys []string
	for obj := range s.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, classify(f, obj.Err)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

func (s *S3Client) DeleteObject(ctx context.Context, bucket, key string) error {
	f := failure("delete", bucket, key)
	if bucket == "" || key == "" {
		return f.missing()
	}
	if err := s.client.RemoveObject(ctx, bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return classify(f, err)
	}
	return nil
}

type errorClass struct {
	code      string
	retryable bool
}

var s3Codes = map[string]errorClass{
	"NoSuchBucket":          {CodeBucketNotFound, false},
	"NoSuchKey":             {CodeObjectNotFound, false},
	"AccessDenied":          {CodePermissionDenied, false},
	"InvalidAccessKeyId":    {CodeAuthInvalid, false},
	"SignatureDoesNotMatch": {CodeAuthInvalid, false},
	"SlowDown":              {CodeTimeout, true},
	"RequestTimeout":        {CodeTimeout, true},
	"InternalError":         {CodeEndpointUnreachable, true},
}

// transportHints classify errors that never reached S3, by message.
var transportHints = []struct {
	substr string
	class  errorClass
}{
	{"timeout", errorClass{CodeTimeout, true}},
	{"deadline", errorClass{CodeTimeout, true}},
	{"connection refused", errorClass{CodeEndpointUnreachable, true}},
	{"connection reset", errorClass{CodeEndpointUnreachable, true}},
	{"no such host", errorClass{CodeEndpointUnreachable, true}},
}

// classify maps a minio-go error onto the coded Error for operation f.
func classify(f opError, err error) *Error {
	if c, ok := s3Codes[minio.ToErrorResponse(err).Code]; ok {
		return f.wrap(c.code, c.retryable, err)
	}
	msg := strings.ToLower(err.Error())
	for _, h := range transportHints {
		if strings.Contains(msg, h.substr) {
			return f.wrap(h.class.code, h.class.retryable, err)
		}
	}
	if f.op == "get" || f.op == "list" {
		return f.wrap(CodeReadFailed, true, err)
	}
	return f.wrap(CodeWriteFailed, true, err)
}
