package objectstore

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// Error codes shared by every ObjectStore implementation.
const (
	CodeEndpointUnreachable = "E_ENDPOINT_UNREACHABLE"
	CodeAuthInvalid         = "E_AUTH_INVALID"
	CodeBucketNotFound      = "E_BUCKET_NOT_FOUND"
	CodeObjectNotFound      = "E_OBJECT_NOT_FOUND"
	CodePermissionDenied    = "E_PERMISSION_DENIED"
	CodeTimeout             = "E_TIMEOUT"
	CodeWriteFailed         = "E_WRITE_FAILED"
	CodeReadFailed          = "E_READ_FAILED"
)

// ErrObjectNotFound is matched by errors.Is for any missing-object failure.
var ErrObjectNotFound = errors.New("object not found")

// Error is a storage failure tagged with the operation and object it hit.
type Error struct {
	Op        string // put, get, list, delete, bucket, connect
	Bucket    string
	Key       string
	Code      string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString(e.Op)
	if e.Bucket != "" {
		b.WriteByte(' ')
		b.WriteString(e.Bucket)
		if e.Key != "" {
			b.WriteByte('/')
			b.WriteString(e.Key)
		}
	}
	b.WriteString(": ")
	b.WriteString(e.Code)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, ErrObjectNotFound) see through coded errors.
func (e *Error) Is(target error) bool {
	return target == ErrObjectNotFound && e != nil && e.Code == CodeObjectNotFound
}

// IsNotFound reports whether err means the bucket or object does not exist.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code == CodeObjectNotFound || coded.Code == CodeBucketNotFound
	}
	return errors.Is(err, ErrObjectNotFound)
}

// IsRetryable reports whether a storage failure is worth retrying.
func IsRetryable(err error) bool {
	var coded *Error
	return errors.As(err, &coded) && coded.Retryable
}

// opError builds coded errors for one operation on one object.
type opError struct {
	op, bucket, key string
}

func failure(op, bucket, key string) opError {
	return opError{op: op, bucket: bucket, key: key}
}

func (o opError) wrap(code string, retryable bool, err error) *Error {
	return &Error{Op: o.op, Bucket: o.bucket, Key: o.key, Code: code, Retryable: retryable, Err: err}
}

// missing reports an empty bucket or key argument.
func (o opError) missing() *Error {
	if o.bucket == "" {
		return o.wrap(CodeBucketNotFound, false, errors.New("bucket is required"))
	}
	return o.wrap(CodeObjectNotFound, false, errors.New("object key is required"))
}
