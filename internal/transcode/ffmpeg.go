// Package transcode runs ffmpeg to convert a source audio artifact, read
// from a URL, into a local Opus file.
package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/MozScout/scout-xcode/internal/jobutil"
	"github.com/MozScout/scout-xcode/internal/metrics"
)

const (
	// DefaultBinary is resolved through PATH.
	DefaultBinary = "ffmpeg"

	// DefaultBitrate is the target Opus bitrate in bits per second. Opus is
	// transparent for spoken word well below this.
	DefaultBitrate = 24000

	// DefaultTimeout bounds a single ffmpeg run.
	DefaultTimeout = 10 * time.Minute

	// outputTailBytes is how much of ffmpeg's combined output is kept in a
	// TranscodeError.
	outputTailBytes = 2048
)

var (
	commandContext = exec.CommandContext
	lookPath       = exec.LookPath
)

// FFmpeg converts audio with the ffmpeg binary.
type FFmpeg struct {
	binary  string
	bitrate int
	timeout time.Duration
}

// Option configures FFmpeg.
type Option func(*FFmpeg)

// WithBinary overrides the ffmpeg executable (name or path).
func WithBinary(binary string) Option {
	return func(f *FFmpeg) {
		if strings.TrimSpace(binary) != "" {
			f.binary = binary
		}
	}
}

// WithBitrate sets the target bitrate in bits per second.
func WithBitrate(bps int) Option {
	return func(f *FFmpeg) {
		if bps > 0 {
			f.bitrate = bps
		}
	}
}

// WithTimeout bounds each run. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(f *FFmpeg) { f.timeout = d }
}

// New creates an FFmpeg transcoder.
func New(opts ...Option) *FFmpeg {
	f := &FFmpeg{
		binary:  DefaultBinary,
		bitrate: DefaultBitrate,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// CheckAvailable reports whether the configured binary can be resolved.
func (f *FFmpeg) CheckAvailable() error {
	path, err := lookPath(f.binary)
	if err != nil {
		return fmt.Errorf("%s not found: transcoding will fail until it is installed (apt install ffmpeg): %w", f.binary, err)
	}
	log.Debug().Str("path", path).Msg("ffmpeg found")
	return nil
}

// IsAvailable is a boolean form of CheckAvailable.
func (f *FFmpeg) IsAvailable() bool {
	return f.CheckAvailable() == nil
}

// Transcode reads sourceURL and writes outputPath. It returns outputPath on
// success. Any failure (binary missing, non-zero exit, timeout, no output
// file) is a TranscodeError and any partial output is removed.
func (f *FFmpeg) Transcode(ctx context.Context, sourceURL, outputPath string) (string, error) {
	binary, err := lookPath(f.binary)
	if err != nil {
		return "", jobutil.Wrap(jobutil.KindTranscode, "resolve ffmpeg", err)
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return "", jobutil.Wrap(jobutil.KindTranscode, "create output directory", err)
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	args := buildFFmpegArgs(sourceURL, outputPath, f.bitrate)
	log.Debug().Strs("args", args).Msg("Running ffmpeg")

	start := time.Now()
	cmd := commandContext(ctx, binary, args...) //nolint:gosec
	output, runErr := cmd.CombinedOutput()
	elapsed := time.Since(start)

	if runErr != nil {
		removePartial(outputPath)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			runErr = fmt.Errorf("timed out after %s: %w", f.timeout, runErr)
		}
		log.Warn().
			Err(runErr).
			Str("source", sourceURL).
			Str("ffmpeg_output", tail(output)).
			Dur("duration", elapsed).
			Msg("ffmpeg transcode failed")
		metrics.New(metrics.Namespace).
			Duration("TranscodeMs", elapsed).
			Count("TranscodeErrors").
			Flush()
		return "", jobutil.Wrap(jobutil.KindTranscode, "ffmpeg", fmt.Errorf("%w\nOutput: %s", runErr, tail(output)))
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return "", jobutil.Wrap(jobutil.KindTranscode, "ffmpeg produced no output", err)
	}

	metrics.New(metrics.Namespace).
		Duration("TranscodeMs", elapsed).
		Metric("ArtifactSizeBytes", float64(info.Size()), metrics.UnitBytes).
		Count("Transcodes").
		Flush()

	log.Info().
		Str("source", sourceURL).
		Str("output_path", outputPath).
		Int64("output_size_bytes", info.Size()).
		Dur("transcode_time", elapsed).
		Msg("Transcode complete")

	return outputPath, nil
}

// buildFFmpegArgs constructs the argument list for an audio-only Opus
// transcode of the first audio stream.
func buildFFmpegArgs(source, output string, bitrate int) []string {
	return []string{
		"-hide_banner",
		"-nostdin",
		"-y",
		"-i", source,
		"-vn",
		"-map", "0:a:0",
		"-c:a", "libopus",
		"-b:a", strconv.Itoa(bitrate),
		"-vbr", "on",
		"-compression_level", "10",
		output,
	}
}

func removePartial(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Warn().Err(err).Str("path", path).Msg("Failed to remove partial transcode output")
	}
}

func tail(output []byte) string {
	s := strings.TrimSpace(string(output))
	if len(s) > outputTailBytes {
		s = "..." + s[len(s)-outputTailBytes:]
	}
	return s
}
