// Package testsupport provides in-memory doubles of the AWS services the
// worker talks to, for use in package tests across the module.
package testsupport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// PutRecord captures one PutObject call.
type PutRecord struct {
	Bucket      string
	Key         string
	ContentType string
	Tagging     string
	Body        []byte
}

// FakeS3 is an in-memory object store satisfying s3util.ObjectAPI and
// s3util.PresignAPI.
type FakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte

	// HeadErr, when set, is returned by every HeadObject call.
	HeadErr error
	// PutErr, when set, is returned by every PutObject call.
	PutErr error

	HeadCalls int
	Puts      []PutRecord
}

// NewFakeS3 creates an empty FakeS3.
func NewFakeS3() *FakeS3 {
	return &FakeS3{objects: make(map[string][]byte)}
}

func objectID(bucket, key string) string {
	return bucket + "/" + key
}

// Seed stores an object directly.
func (f *FakeS3) Seed(bucket, key string, body []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[objectID(bucket, key)] = body
}

// Object returns a stored object.
func (f *FakeS3) Object(bucket, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	body, ok := f.objects[objectID(bucket, key)]
	return body, ok
}

// PutCount returns the number of PutObject calls.
func (f *FakeS3) PutCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Puts)
}

// HeadObject reports whether the object exists, answering NotFound like S3.
func (f *FakeS3) HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.HeadCalls++

	if f.HeadErr != nil {
		return nil, f.HeadErr
	}
	body, ok := f.objects[objectID(deref(params.Bucket), deref(params.Key))]
	if !ok {
		return nil, &s3types.NotFound{}
	}
	size := int64(len(body))
	return &s3.HeadObjectOutput{ContentLength: &size}, nil
}

// PutObject reads the body fully and stores it.
func (f *FakeS3) PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	var body []byte
	if params.Body != nil {
		data, err := io.ReadAll(params.Body)
		if err != nil {
			return nil, fmt.Errorf("read body: %w", err)
		}
		body = data
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.Puts = append(f.Puts, PutRecord{
		Bucket:      deref(params.Bucket),
		Key:         deref(params.Key),
		ContentType: deref(params.ContentType),
		Tagging:     deref(params.Tagging),
		Body:        body,
	})
	if f.PutErr != nil {
		return nil, f.PutErr
	}
	f.objects[objectID(deref(params.Bucket), deref(params.Key))] = body
	return &s3.PutObjectOutput{}, nil
}

// PresignGetObject returns a deterministic fake URL.
func (f *FakeS3) PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error) {
	opts := s3.PresignOptions{}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &v4.PresignedHTTPRequest{
		URL:    fmt.Sprintf("https://presigned.example/%s/%s?X-Amz-Expires=%d", deref(params.Bucket), deref(params.Key), int(opts.Expires.Seconds())),
		Method: http.MethodGet,
	}, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
