package transcode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MozScout/scout-xcode/internal/jobutil"
)

// setHelperCommand replaces ffmpeg with this test binary running
// TestHelperProcess in the given mode, and records the arguments.
func setHelperCommand(t *testing.T, mode string) *[]string {
	t.Helper()
	var captured []string

	originalCommand, originalLook := commandContext, lookPath
	commandContext = func(ctx context.Context, name string, args ...string) *exec.Cmd {
		captured = append([]string(nil), args...)
		cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(),
			"GO_WANT_HELPER_PROCESS=1",
			"XCODE_HELPER_MODE="+mode,
			"XCODE_HELPER_OUTPUT="+args[len(args)-1],
		)
		return cmd
	}
	lookPath = func(file string) (string, error) { return "/usr/bin/" + file, nil }
	t.Cleanup(func() {
		commandContext = originalCommand
		lookPath = originalLook
	})
	return &captured
}

func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	output := os.Getenv("XCODE_HELPER_OUTPUT")
	switch os.Getenv("XCODE_HELPER_MODE") {
	case "success":
		if err := os.WriteFile(output, []byte("OggS-fake-opus"), 0o644); err != nil {
			os.Exit(3)
		}
		os.Exit(0)
	case "failure":
		_ = os.WriteFile(output, []byte("partial"), 0o644)
		fmt.Fprintln(os.Stderr, "https://example/episode1.mp3: Server returned 404 Not Found")
		os.Exit(1)
	case "nooutput":
		os.Exit(0)
	case "hang":
		time.Sleep(30 * time.Second)
		os.Exit(0)
	default:
		os.Exit(0)
	}
}

func TestBuildFFmpegArgs(t *testing.T) {
	args := buildFFmpegArgs("https://s3.amazonaws.com/b/episode1.mp3", "/work/x/episode1.opus", 24000)

	assertContains(t, args, "-i", "https://s3.amazonaws.com/b/episode1.mp3")
	assertContains(t, args, "-c:a", "libopus")
	assertContains(t, args, "-b:a", "24000")
	assertContains(t, args, "-vbr", "on")
	assertContains(t, args, "-map", "0:a:0")
	assertContains(t, args, "-compression_level", "10")

	if args[len(args)-1] != "/work/x/episode1.opus" {
		t.Errorf("last arg = %q, want output path", args[len(args)-1])
	}
	for _, flag := range []string{"-y", "-vn", "-nostdin"} {
		if findArg(args, flag) < 0 {
			t.Errorf("args missing %s: %v", flag, args)
		}
	}
}

func TestTranscodeSuccess(t *testing.T) {
	captured := setHelperCommand(t, "success")
	out := filepath.Join(t.TempDir(), "req-1", "episode1.opus")

	got, err := New(WithBitrate(32000)).Transcode(context.Background(), "https://s3.amazonaws.com/b/episode1.mp3", out)
	if err != nil {
		t.Fatalf("Transcode: %v", err)
	}
	if got != out {
		t.Errorf("Transcode = %q, want %q", got, out)
	}
	if _, err := os.Stat(out); err != nil {
		t.Errorf("output not written: %v", err)
	}
	assertContains(t, *captured, "-b:a", "32000")
	assertContains(t, *captured, "-i", "https://s3.amazonaws.com/b/episode1.mp3")
}

func TestTranscodeFailureIsTranscodeErrorAndRemovesPartial(t *testing.T) {
	setHelperCommand(t, "failure")
	out := filepath.Join(t.TempDir(), "episode1.opus")

	got, err := New().Transcode(context.Background(), "https://example/episode1.mp3", out)
	if err == nil {
		t.Fatal("Transcode succeeded, want error")
	}
	if got != "" {
		t.Errorf("Transcode path = %q, want empty on failure", got)
	}
	if !jobutil.IsKind(err, jobutil.KindTranscode) {
		t.Errorf("err = %v, want TranscodeError", err)
	}
	if !strings.Contains(err.Error(), "404 Not Found") {
		t.Errorf("err = %v, want ffmpeg output tail", err)
	}
	if _, statErr := os.Stat(out); !os.IsNotExist(statErr) {
		t.Errorf("partial output still present: %v", statErr)
	}
}

func TestTranscodeMissingOutput(t *testing.T) {
	setHelperCommand(t, "nooutput")
	out := filepath.Join(t.TempDir(), "episode1.opus")

	_, err := New().Transcode(context.Background(), "https://example/episode1.mp3", out)
	if !jobutil.IsKind(err, jobutil.KindTranscode) {
		t.Fatalf("err = %v, want TranscodeError", err)
	}
}

func TestTranscodeTimeout(t *testing.T) {
	setHelperCommand(t, "hang")
	out := filepath.Join(t.TempDir(), "episode1.opus")

	start := time.Now()
	_, err := New(WithTimeout(200*time.Millisecond)).Transcode(context.Background(), "https://example/episode1.mp3", out)
	if !jobutil.IsKind(err, jobutil.KindTranscode) {
		t.Fatalf("err = %v, want TranscodeError", err)
	}
	if !strings.Contains(err.Error(), "timed out") {
		t.Errorf("err = %v, want timeout detail", err)
	}
	if time.Since(start) > 10*time.Second {
		t.Errorf("Transcode took %s, timeout not enforced", time.Since(start))
	}
}

func TestTranscodeBinaryMissing(t *testing.T) {
	original := lookPath
	lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	t.Cleanup(func() { lookPath = original })

	f := New(WithBinary("/nonexistent/ffmpeg"))
	_, err := f.Transcode(context.Background(), "https://example/a.mp3", filepath.Join(t.TempDir(), "a.opus"))
	if !jobutil.IsKind(err, jobutil.KindTranscode) {
		t.Fatalf("err = %v, want TranscodeError", err)
	}
	if !errors.Is(err, exec.ErrNotFound) {
		t.Errorf("err = %v, want wrapped exec.ErrNotFound", err)
	}
	if f.IsAvailable() {
		t.Error("IsAvailable = true with missing binary")
	}
}

func TestCheckAvailable(t *testing.T) {
	// Passes whether or not ffmpeg is installed on the host.
	if err := New().CheckAvailable(); err != nil {
		t.Logf("ffmpeg not available (expected in some environments): %v", err)
	}
}

func TestTail(t *testing.T) {
	long := strings.Repeat("x", outputTailBytes+100) + "END"
	got := tail([]byte(long))
	if !strings.HasPrefix(got, "...") || !strings.HasSuffix(got, "END") {
		t.Errorf("tail kept the wrong end: %q...", got[:10])
	}
	if len(got) != outputTailBytes+3 {
		t.Errorf("len(tail) = %d, want %d", len(got), outputTailBytes+3)
	}
	if tail([]byte("  short \n")) != "short" {
		t.Error("tail did not trim short output")
	}
}

func assertContains(t *testing.T, args []string, key, value string) {
	t.Helper()
	for i, arg := range args {
		if arg == key && i+1 < len(args) && args[i+1] == value {
			return
		}
	}
	t.Errorf("Expected args to contain %s %s, got: %v", key, value, args)
}

func findArg(args []string, target string) int {
	for i, arg := range args {
		if arg == target {
			return i
		}
	}
	return -1
}
