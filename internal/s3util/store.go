// Package s3util wraps the S3 operations the transcode pipeline needs:
// metadata-only existence checks, streamed artifact uploads, source URL
// construction (public base URL or presigned GET) and cost-allocation tags.
//
// The Store takes narrow client interfaces so the pipeline can be tested
// with in-memory fakes; *s3.Client and *s3.PresignClient satisfy them.
package s3util

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/rs/zerolog/log"

	"github.com/MozScout/scout-xcode/internal/artifact"
)

// ObjectAPI is the subset of *s3.Client used by Store.
type ObjectAPI interface {
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// PresignAPI is the subset of *s3.PresignClient used by Store.
type PresignAPI interface {
	PresignGetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// DefaultPresignExpiry is how long a presigned source URL stays valid.
const DefaultPresignExpiry = time.Hour

// Store reads and writes transcode artifacts in a single bucket.
type Store struct {
	client        ObjectAPI
	bucket        string
	baseURL       string
	presigner     PresignAPI
	presignExpiry time.Duration
	tagging       bool

	// remove deletes local files after upload; swapped in tests.
	remove func(name string) error
}

// Option configures a Store.
type Option func(*Store)

// WithBaseURL sets the public base URL used to build source references.
func WithBaseURL(u string) Option {
	return func(s *Store) { s.baseURL = u }
}

// WithPresigner makes SourceURL return presigned GET URLs valid for expiry.
// A non-positive expiry selects DefaultPresignExpiry.
func WithPresigner(p PresignAPI, expiry time.Duration) Option {
	return func(s *Store) {
		s.presigner = p
		if expiry > 0 {
			s.presignExpiry = expiry
		}
	}
}

// WithoutTagging disables the project tag on uploads (e.g. for S3-compatible
// stores that reject object tagging).
func WithoutTagging() Option {
	return func(s *Store) { s.tagging = false }
}

// NewStore creates a Store for bucket.
func NewStore(client ObjectAPI, bucket string, opts ...Option) *Store {
	s := &Store{
		client:        client,
		bucket:        bucket,
		presignExpiry: DefaultPresignExpiry,
		tagging:       true,
		remove:        os.Remove,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Bucket returns the bucket name.
func (s *Store) Bucket() string { return s.bucket }

// ObjectExists issues a HeadObject for key. A missing object is (false, nil);
// any other failure is returned.
func (s *Store) ObjectExists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, fmt.Errorf("S3 HeadObject %s: %w", key, err)
}

// ArtifactExists reports whether key is already stored. Check failures other
// than not-found are logged at debug level and reported as absent, so an
// ambiguous check leads to a re-transcode rather than a stall.
func (s *Store) ArtifactExists(ctx context.Context, key string) bool {
	exists, err := s.ObjectExists(ctx, key)
	if err != nil {
		log.Debug().Err(err).Str("bucket", s.bucket).Str("key", key).Msg("Existence check failed, treating artifact as absent")
		return false
	}
	return exists
}

// SourceURL returns the URL the transcoding engine reads key from.
func (s *Store) SourceURL(ctx context.Context, key string) (string, error) {
	if s.presigner != nil {
		return GeneratePresignedURL(ctx, s.presigner, s.bucket, key, s.presignExpiry)
	}
	return artifact.SourceURL(s.baseURL, s.bucket, key)
}

// isNotFound reports whether err is S3's answer for a missing object.
// HeadObject has no body, so the SDK surfaces a bare 404 as NotFound.
func isNotFound(err error) bool {
	var nf *s3types.NotFound
	if errors.As(err, &nf) {
		return true
	}
	var nsk *s3types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NotFound", "NoSuchKey":
			return true
		}
	}
	return false
}
