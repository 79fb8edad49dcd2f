package sebackend

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Client is the subset of *s3.Client the backend calls, so tests can
// supply a fake without standing up a real bucket.
type S3Client interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
}

// S3Backend stores objects in a single bucket, keyed directly by the
// "storage_path/storage_filename" string.
type S3Backend struct {
	client S3Client
	bucket string
}

// NewS3Backend wraps an S3 client for a single bucket.
func NewS3Backend(client S3Client, bucket string) *S3Backend {
	return &S3Backend{client: client, bucket: bucket}
}

// Put uploads body as a single object. The AWS SDK requires a
// ReadSeeker for PutObject when the content length can't be inferred, so
// callers that only hold an io.Reader (the upload handler's streaming
// body) must buffer to a temp file first; see pkg/upload.
func (b *S3Backend) Put(ctx context.Context, key string, body io.Reader) (int64, error) {
	counting := &countingReader{r: body}
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Body:   counting,
	})
	if err != nil {
		return 0, fmt.Errorf("sebackend: s3 PutObject %s: %w", key, err)
	}
	return counting.n, nil
}

func (b *S3Backend) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("sebackend: s3 GetObject %s: %w", key, err)
	}
	return out.Body, nil
}

func (b *S3Backend) GetRange(ctx context.Context, key string, offset, length int64) (io.ReadCloser, error) {
	var rangeHeader *string
	if offset > 0 || length >= 0 {
		if length < 0 {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-", offset))
		} else {
			rangeHeader = aws.String(fmt.Sprintf("bytes=%d-%d", offset, offset+length-1))
		}
	}
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
		Range:  rangeHeader,
	})
	if err != nil {
		return nil, fmt.Errorf("sebackend: s3 GetObject (range) %s: %w", key, err)
	}
	return out.Body, nil
}

func (b *S3Backend) Delete(ctx context.Context, key string) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	var nsk *types.NoSuchKey
	if err != nil && !errors.As(err, &nsk) {
		return fmt.Errorf("sebackend: s3 DeleteObject %s: %w", key, err)
	}
	return nil
}

func (b *S3Backend) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	out, err := b.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("sebackend: s3 HeadObject %s: %w", key, err)
	}
	size := int64(0)
	if out.ContentLength != nil {
		size = *out.ContentLength
	}
	return ObjectInfo{Size: size}, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
