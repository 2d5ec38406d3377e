package cli

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/MozScout/scout-xcode/internal/jobutil"
	"github.com/MozScout/scout-xcode/internal/store"
)

func TestFormatDurationShort(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0:00"},
		{45 * time.Second, "0:45"},
		{2*time.Minute + 5*time.Second, "2:05"},
		{time.Hour + 2*time.Minute + 3*time.Second, "1:02:03"},
	}
	for _, tc := range tests {
		if got := FormatDurationShort(tc.d); got != tc.want {
			t.Errorf("FormatDurationShort(%s) = %q, want %q", tc.d, got, tc.want)
		}
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"configuration", jobutil.New(jobutil.KindConfiguration, "SQS_QUEUE_URL is required"), ExitConfiguration},
		{"wrapped configuration", fmt.Errorf("startup: %w", jobutil.New(jobutil.KindConfiguration, "x")), ExitConfiguration},
		{"queue", jobutil.New(jobutil.KindQueueOperation, "x"), ExitFailure},
		{"plain", errors.New("boom"), ExitFailure},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("%s: ExitCode = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestWriteJobTable(t *testing.T) {
	var buf bytes.Buffer
	err := WriteJobTable(&buf, []store.JobRecord{
		{MessageID: "m-1", Status: store.StatusFailed, Error: "TranscodeError: ffmpeg", ReceiveCount: 1, DurationMs: 1500, UpdatedAt: 1714564800},
		{MessageID: "m-1", Status: store.StatusTranscoded, ReceiveCount: 2, DurationMs: 65000, UpdatedAt: 1714564900},
	})
	if err != nil {
		t.Fatalf("WriteJobTable: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want header + 2:\n%s", len(lines), buf.String())
	}
	if !strings.HasPrefix(lines[0], "UPDATED") {
		t.Errorf("header = %q", lines[0])
	}
	if !strings.Contains(lines[1], "2024-05-01T12:00:00Z") || !strings.Contains(lines[1], "TranscodeError: ffmpeg") {
		t.Errorf("row 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "transcoded") || !strings.Contains(lines[2], "1:05") {
		t.Errorf("row 2 = %q", lines[2])
	}
}
