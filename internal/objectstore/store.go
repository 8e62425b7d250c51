// Package objectstore reads elevation samples out of remote raster tiles
// using ranged requests, against S3 buckets or plain HTTPS hosting.
package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/MeKo-Tech/terrapoint/internal/types"
)

// Storage fetches byte ranges of remote objects addressed by storage key.
type Storage interface {
	ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error)
}

// S3Store reads from an S3 bucket. Full https URLs in the catalog are
// delegated to a plain ranged GET so mixed catalogs work with a single
// store.
type S3Store struct {
	client *s3.Client
	bucket string
	http   *HTTPStore
}

// NewS3Store builds an S3-backed store over the given bucket. Public
// buckets use anonymous credentials; signed access uses the ambient AWS
// credential chain.
func NewS3Store(ctx context.Context, bucket, region string, public bool) (*S3Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
	}
	if public {
		opts = append(opts, awsconfig.WithCredentialsProvider(aws.AnonymousCredentials{}))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return &S3Store{
		client: s3.NewFromConfig(cfg),
		bucket: bucket,
		http:   NewHTTPStore(nil),
	}, nil
}

// resolve maps a storage key to the bucket and object key to fetch.
// With a configured bucket the key is the object key as-is; without one
// the key's first path segment names the bucket.
func (s *S3Store) resolve(key string) (bucket, objKey string, err error) {
	if s.bucket != "" {
		return s.bucket, key, nil
	}
	bucket, objKey, ok := strings.Cut(key, "/")
	if !ok {
		return "", "", fmt.Errorf("%w: malformed storage key %q", types.ErrDecode, key)
	}
	return bucket, objKey, nil
}

// ReadRange fetches [offset, offset+length) of the object.
func (s *S3Store) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	if strings.HasPrefix(key, "http://") || strings.HasPrefix(key, "https://") {
		return s.http.ReadRange(ctx, key, offset, length)
	}

	bucket, objKey, err := s.resolve(key)
	if err != nil {
		return nil, err
	}

	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(objKey),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		var noBucket *s3types.NoSuchBucket
		if errors.As(err, &noKey) || errors.As(err, &noBucket) {
			return nil, fmt.Errorf("%w: s3://%s", types.ErrNotFound, key)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.ErrTimeout
		}
		return nil, fmt.Errorf("s3 range read s3://%s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("s3 range body s3://%s: %w", key, err)
	}
	return data, nil
}

// HTTPStore reads ranges from objects addressed by URL.
type HTTPStore struct {
	client *http.Client
}

// NewHTTPStore creates an HTTP-backed store. A nil client gets a default
// with sane timeouts; per-request deadlines still come from the context.
func NewHTTPStore(client *http.Client) *HTTPStore {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPStore{client: client}
}

// ReadRange issues a ranged GET.
func (h *HTTPStore) ReadRange(ctx context.Context, key string, offset, length int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create range request: %w", err)
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))

	resp, err := h.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, types.ErrTimeout
		}
		return nil, fmt.Errorf("range read %s: %w", key, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusOK:
	case http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, key)
	case http.StatusRequestedRangeNotSatisfiable:
		return nil, fmt.Errorf("%w: range %d+%d unsatisfiable for %s", types.ErrDecode, offset, length, key)
	default:
		return nil, fmt.Errorf("range read %s: unexpected status %d", key, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, length))
	if err != nil {
		return nil, fmt.Errorf("range body %s: %w", key, err)
	}
	// A 200 means the server ignored the Range header; slice out the
	// window we asked for.
	if resp.StatusCode == http.StatusOK && offset > 0 {
		return nil, fmt.Errorf("%w: server ignored range request for %s", types.ErrDecode, key)
	}
	return data, nil
}
