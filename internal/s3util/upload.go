package s3util

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/MozScout/scout-xcode/internal/jobutil"
)

// contentTypes maps artifact extensions to the Content-Type stored with them.
var contentTypes = map[string]string{
	".opus": "audio/ogg",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
	".wav":  "audio/wav",
	".webm": "audio/webm",
}

// ContentType returns the Content-Type for an artifact file name.
func ContentType(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// UploadArtifact streams the file at localPath to the bucket under its base
// name and returns the key.
//
// A failed upload returns an UploadError and leaves the local file in place.
// After a successful upload the local file is removed exactly once; a removal
// failure is logged and does not change the result.
func (s *Store) UploadArtifact(ctx context.Context, localPath string) (string, error) {
	key := filepath.Base(localPath)

	log.Debug().
		Str("bucket", s.bucket).
		Str("key", key).
		Str("local_path", localPath).
		Msg("Uploading artifact to S3")

	f, err := os.Open(localPath)
	if err != nil {
		return "", jobutil.Wrap(jobutil.KindUpload, "open artifact", err)
	}

	var size int64
	if info, statErr := f.Stat(); statErr == nil {
		size = info.Size()
	}

	contentType := ContentType(key)
	input := &s3.PutObjectInput{
		Bucket:        &s.bucket,
		Key:           &key,
		Body:          f,
		ContentType:   &contentType,
		ContentLength: &size,
	}
	if s.tagging {
		input.Tagging = ProjectTagging()
	}

	uploadStart := time.Now()
	_, err = s.client.PutObject(ctx, input)
	f.Close()
	if err != nil {
		return "", jobutil.Wrap(jobutil.KindUpload, fmt.Sprintf("PutObject %s", key), err)
	}

	log.Info().
		Str("bucket", s.bucket).
		Str("key", key).
		Int64("size_bytes", size).
		Dur("elapsed", time.Since(uploadStart)).
		Msg("Artifact uploaded to S3")

	if err := s.remove(localPath); err != nil {
		log.Warn().Err(err).Str("path", localPath).Msg("Failed to remove local artifact after upload")
	} else {
		log.Debug().Str("path", localPath).Msg("Local artifact removed")
	}

	return key, nil
}

// GeneratePresignedURL creates a pre-signed GET URL for an S3 object.
func GeneratePresignedURL(ctx context.Context, presignClient PresignAPI, bucket, key string, expiry time.Duration) (string, error) {
	result, err := presignClient.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: &bucket, Key: &key,
	}, func(opts *s3.PresignOptions) {
		opts.Expires = expiry
	})
	if err != nil {
		return "", fmt.Errorf("presign GetObject: %w", err)
	}
	return result.URL, nil
}
