package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MozScout/scout-xcode/internal/artifact"
	"github.com/MozScout/scout-xcode/internal/config"
	"github.com/MozScout/scout-xcode/internal/jobutil"
	"github.com/MozScout/scout-xcode/internal/notify"
	"github.com/MozScout/scout-xcode/internal/queue"
	"github.com/MozScout/scout-xcode/internal/s3util"
	"github.com/MozScout/scout-xcode/internal/store"
	"github.com/MozScout/scout-xcode/internal/testsupport"
)

const testBucket = "scout-audio"

type transcodeCall struct {
	Source string
	Output string
}

type fakeTranscoder struct {
	mu      sync.Mutex
	calls   []transcodeCall
	err     error
	partial bool
	panics  bool
}

func (f *fakeTranscoder) Transcode(ctx context.Context, sourceURL, outputPath string) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, transcodeCall{Source: sourceURL, Output: outputPath})
	f.mu.Unlock()

	if f.panics {
		panic("engine exploded")
	}
	if f.err != nil {
		if f.partial {
			_ = os.WriteFile(outputPath, []byte("partial"), 0o644)
		}
		return "", f.err
	}
	if err := os.WriteFile(outputPath, []byte("OggS"), 0o644); err != nil {
		return "", err
	}
	return outputPath, nil
}

func (f *fakeTranscoder) Calls() []transcodeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]transcodeCall(nil), f.calls...)
}

type routed struct {
	Msg   queue.Message
	Cause error
}

type fakeRouter struct {
	mu      sync.Mutex
	records []routed
}

func (f *fakeRouter) Route(ctx context.Context, msg queue.Message, cause error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, routed{Msg: msg, Cause: cause})
}

func (f *fakeRouter) Records() []routed {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]routed(nil), f.records...)
}

type fakeAcker struct {
	mu      sync.Mutex
	deleted []string
	err     error
}

func (f *fakeAcker) Delete(ctx context.Context, msg queue.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return jobutil.Wrap(jobutil.KindQueueOperation, "DeleteMessage", f.err)
	}
	f.deleted = append(f.deleted, msg.ID)
	return nil
}

func (f *fakeAcker) Deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

type fakeLedger struct {
	records []store.JobRecord
	err     error
}

func (f *fakeLedger) RecordJob(ctx context.Context, rec store.JobRecord) error {
	f.records = append(f.records, rec)
	return f.err
}

type fakePublisher struct {
	events []notify.ArtifactPublished
	err    error
}

func (f *fakePublisher) ArtifactPublished(ctx context.Context, event notify.ArtifactPublished) error {
	f.events = append(f.events, event)
	return f.err
}

type harness struct {
	s3         *testsupport.FakeS3
	transcoder *fakeTranscoder
	router     *fakeRouter
	acker      *fakeAcker
	workRoot   string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return &harness{
		s3:         testsupport.NewFakeS3(),
		transcoder: &fakeTranscoder{},
		router:     &fakeRouter{},
		acker:      &fakeAcker{},
		workRoot:   t.TempDir(),
	}
}

func (h *harness) orchestrator(opts ...Option) *Orchestrator {
	st := s3util.NewStore(h.s3, testBucket, s3util.WithBaseURL("https://s3.amazonaws.com"))
	base := []Option{WithAcknowledger(h.acker), WithWorkDir(h.workRoot)}
	return New(st, h.transcoder, h.router, artifact.NewNamer(".mp3", ".opus"), append(base, opts...)...)
}

func (h *harness) assertWorkRootEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.workRoot)
	if err != nil {
		t.Fatalf("read work root: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("work root holds %d entries after processing, want 0", len(entries))
	}
}

func message(id, body string) queue.Message {
	return queue.Message{ID: id, ReceiptHandle: id + "-rh", Body: body, ReceiveCount: 1}
}

func TestProcessTranscodesAndUploads(t *testing.T) {
	h := newHarness(t)
	res := h.orchestrator().Process(context.Background(), message("m-1", `{"filename":"episode1.mp3"}`))

	if res.State != StateUploaded || res.Err != nil {
		t.Fatalf("Result = %+v, want uploaded", res)
	}
	if res.OutputKey != "episode1.opus" {
		t.Errorf("OutputKey = %q", res.OutputKey)
	}

	calls := h.transcoder.Calls()
	if len(calls) != 1 {
		t.Fatalf("transcoder called %d times, want 1", len(calls))
	}
	if calls[0].Source != "https://s3.amazonaws.com/scout-audio/episode1.mp3" {
		t.Errorf("source = %q", calls[0].Source)
	}
	if filepath.Base(calls[0].Output) != "episode1.opus" {
		t.Errorf("output = %q, want base episode1.opus", calls[0].Output)
	}

	body, ok := h.s3.Object(testBucket, "episode1.opus")
	if !ok || string(body) != "OggS" {
		t.Errorf("stored artifact = %q, %v", body, ok)
	}
	if h.s3.Puts[0].ContentType != "audio/ogg" {
		t.Errorf("ContentType = %q", h.s3.Puts[0].ContentType)
	}

	if !res.Deleted || len(h.acker.Deleted()) != 1 {
		t.Errorf("Deleted = %v, deletes = %v, want one delete", res.Deleted, h.acker.Deleted())
	}
	if len(h.router.Records()) != 0 {
		t.Errorf("router got %d records on success", len(h.router.Records()))
	}
	if _, err := os.Stat(calls[0].Output); !os.IsNotExist(err) {
		t.Errorf("local artifact still present: %v", err)
	}
	h.assertWorkRootEmpty(t)
}

func TestProcessSkipsExistingArtifact(t *testing.T) {
	h := newHarness(t)
	h.s3.Seed(testBucket, "episode1.opus", []byte("already"))

	res := h.orchestrator().Process(context.Background(), message("m-1", `{"filename":"episode1.mp3"}`))

	if res.State != StateDuplicate {
		t.Fatalf("State = %s, want duplicate", res.State)
	}
	if n := len(h.transcoder.Calls()); n != 0 {
		t.Errorf("transcoder called %d times for a duplicate", n)
	}
	if n := h.s3.PutCount(); n != 0 {
		t.Errorf("PutObject called %d times for a duplicate", n)
	}
	if !res.Deleted {
		t.Error("duplicate not deleted")
	}
}

func TestProcessDedupKeyMatchesUploadKey(t *testing.T) {
	h := newHarness(t)
	o := h.orchestrator()

	first := o.Process(context.Background(), message("m-1", `{"filename":"podcasts/2024/mp3-mix.mp3"}`))
	if first.State != StateUploaded || first.OutputKey != "mp3-mix.opus" {
		t.Fatalf("first = %+v", first)
	}
	second := o.Process(context.Background(), message("m-2", `{"filename":"podcasts/2024/mp3-mix.mp3"}`))
	if second.State != StateDuplicate {
		t.Fatalf("redelivery State = %s, want duplicate", second.State)
	}
	if h.s3.PutCount() != 1 {
		t.Errorf("PutObject called %d times, want 1", h.s3.PutCount())
	}
}

func TestProcessInvalidMessage(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		policy      config.FailurePolicy
		wantDeleted bool
	}{
		{name: "missing filename, retry in place", body: `{}`, policy: config.RetryInPlace},
		{name: "missing filename, delete", body: `{}`, policy: config.DeleteOnFailure, wantDeleted: true},
		{name: "wrong extension", body: `{"filename":"episode1.wav"}`, policy: config.RetryInPlace},
		{name: "garbage body", body: `not json`, policy: config.DeleteOnFailure, wantDeleted: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			msg := message("m-1", tt.body)
			res := h.orchestrator(WithFailurePolicy(tt.policy)).Process(context.Background(), msg)

			if res.State != StateInvalid {
				t.Fatalf("State = %s, want invalid", res.State)
			}
			if !jobutil.IsKind(res.Err, jobutil.KindMessageFormat) {
				t.Errorf("Err = %v, want MessageFormatError", res.Err)
			}
			records := h.router.Records()
			if len(records) != 1 {
				t.Fatalf("router got %d records, want 1", len(records))
			}
			if records[0].Msg != msg || records[0].Cause == nil {
				t.Errorf("record = %+v", records[0])
			}
			if res.Deleted != tt.wantDeleted || (len(h.acker.Deleted()) == 1) != tt.wantDeleted {
				t.Errorf("Deleted = %v, deletes = %v, want %v", res.Deleted, h.acker.Deleted(), tt.wantDeleted)
			}
			if n := len(h.transcoder.Calls()); n != 0 {
				t.Errorf("transcoder called %d times for invalid message", n)
			}
			if h.s3.HeadCalls != 0 {
				t.Errorf("existence checked %d times for invalid message", h.s3.HeadCalls)
			}
		})
	}
}

func TestProcessTranscodeFailure(t *testing.T) {
	for _, policy := range []config.FailurePolicy{config.RetryInPlace, config.DeleteOnFailure} {
		t.Run(string(policy), func(t *testing.T) {
			h := newHarness(t)
			h.transcoder.err = errors.New("exit status 1")
			h.transcoder.partial = true

			res := h.orchestrator(WithFailurePolicy(policy)).Process(context.Background(), message("m-1", `{"filename":"episode1.mp3"}`))

			if res.State != StateTranscodeFailed {
				t.Fatalf("State = %s, want transcode-failed", res.State)
			}
			if !jobutil.IsKind(res.Err, jobutil.KindTranscode) {
				t.Errorf("Err = %v, want TranscodeError", res.Err)
			}
			if h.s3.PutCount() != 0 {
				t.Error("partial output was uploaded")
			}
			records := h.router.Records()
			if len(records) != 1 || records[0].Cause == nil || records[0].Cause.Error() == "" {
				t.Fatalf("router records = %+v, want one non-empty failure", records)
			}
			wantDeleted := policy == config.DeleteOnFailure
			if res.Deleted != wantDeleted {
				t.Errorf("Deleted = %v, want %v", res.Deleted, wantDeleted)
			}
			h.assertWorkRootEmpty(t)
		})
	}
}

func TestProcessUploadFailure(t *testing.T) {
	h := newHarness(t)
	h.s3.PutErr = errors.New("AccessDenied")

	res := h.orchestrator().Process(context.Background(), message("m-1", `{"filename":"episode1.mp3"}`))

	if res.State != StateUploadFailed {
		t.Fatalf("State = %s, want upload-failed", res.State)
	}
	if !jobutil.IsKind(res.Err, jobutil.KindUpload) {
		t.Errorf("Err = %v, want UploadError", res.Err)
	}
	if res.Deleted {
		t.Error("message deleted under retry-in-place")
	}
	if len(h.router.Records()) != 1 {
		t.Errorf("router got %d records, want 1", len(h.router.Records()))
	}
	h.assertWorkRootEmpty(t)
}

func TestProcessRecoversPanic(t *testing.T) {
	h := newHarness(t)
	h.transcoder.panics = true

	res := h.orchestrator(WithFailurePolicy(config.DeleteOnFailure)).Process(context.Background(), message("m-1", `{"filename":"episode1.mp3"}`))

	if res.State != StateFailed || res.Err == nil {
		t.Fatalf("Result = %+v, want failed with error", res)
	}
	if res.OutputKey != "episode1.opus" || res.Filename != "episode1.mp3" {
		t.Errorf("Result lost request context: %+v", res)
	}
	if len(h.router.Records()) != 1 {
		t.Errorf("router got %d records, want 1", len(h.router.Records()))
	}
	if !res.Deleted {
		t.Error("panicked message not deleted under delete policy")
	}
}

func TestProcessDeleteFailureIsNotRouted(t *testing.T) {
	h := newHarness(t)
	h.acker.err = errors.New("ReceiptHandleIsInvalid")

	res := h.orchestrator().Process(context.Background(), message("m-1", `{"filename":"episode1.mp3"}`))

	if res.State != StateUploaded || res.Err != nil {
		t.Fatalf("Result = %+v, want uploaded", res)
	}
	if res.Deleted {
		t.Error("Deleted = true after failed delete")
	}
	if len(h.router.Records()) != 0 {
		t.Error("delete failure was routed as a job failure")
	}
}

func TestProcessWithoutAcknowledgerNeverDeletes(t *testing.T) {
	h := newHarness(t)
	st := s3util.NewStore(h.s3, testBucket, s3util.WithBaseURL("https://s3.amazonaws.com"))
	o := New(st, h.transcoder, h.router, artifact.NewNamer(".mp3", ".opus"), WithWorkDir(h.workRoot), WithFailurePolicy(config.DeleteOnFailure))

	ok := o.Process(context.Background(), message("m-1", `{"filename":"episode1.mp3"}`))
	bad := o.Process(context.Background(), message("m-2", `{}`))
	if ok.Deleted || bad.Deleted {
		t.Errorf("Deleted set without acknowledger: %+v %+v", ok, bad)
	}
	if ok.State.Failed() || !bad.State.Failed() {
		t.Errorf("Failed() = %v/%v", ok.State.Failed(), bad.State.Failed())
	}
}

func TestProcessUsesUniqueWorkDirPerRequest(t *testing.T) {
	h := newHarness(t)
	h.transcoder.err = errors.New("keep nothing")
	o := h.orchestrator()

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Process(context.Background(), message("m-dup", `{"filename":"episode1.mp3"}`))
		}()
	}
	wg.Wait()

	seen := make(map[string]bool)
	for _, c := range h.transcoder.Calls() {
		if filepath.Base(c.Output) != "episode1.opus" {
			t.Errorf("output base = %q", filepath.Base(c.Output))
		}
		if seen[c.Output] {
			t.Errorf("output path %q reused across concurrent deliveries", c.Output)
		}
		seen[c.Output] = true
	}
	if len(seen) != 4 {
		t.Errorf("saw %d distinct output paths, want 4", len(seen))
	}
}

func TestProcessRecordsLedgerAndPublishes(t *testing.T) {
	h := newHarness(t)
	ledger := &fakeLedger{}
	events := &fakePublisher{err: errors.New("bus unavailable")}
	o := h.orchestrator(WithLedger(ledger), WithPublisher(events))

	ok := o.Process(context.Background(), message("m-1", `{"filename":"episode1.mp3"}`))
	if ok.State != StateUploaded {
		t.Fatalf("State = %s; a publish failure must not fail the job", ok.State)
	}
	h.transcoder.err = errors.New("boom")
	o.Process(context.Background(), message("m-2", `{"filename":"episode2.mp3"}`))

	if len(events.events) != 1 {
		t.Fatalf("published %d events, want 1", len(events.events))
	}
	want := notify.ArtifactPublished{Bucket: testBucket, Key: "episode1.opus", Filename: "episode1.mp3", MessageID: "m-1"}
	if events.events[0] != want {
		t.Errorf("event = %+v, want %+v", events.events[0], want)
	}

	if len(ledger.records) != 2 {
		t.Fatalf("ledger got %d records, want 2", len(ledger.records))
	}
	if r := ledger.records[0]; r.Status != store.StatusTranscoded || r.OutputKey != "episode1.opus" || r.Error != "" || r.ReceiveCount != 1 {
		t.Errorf("ledger[0] = %+v", r)
	}
	if r := ledger.records[1]; r.Status != store.StatusFailed || r.Error == "" || r.Filename != "episode2.mp3" {
		t.Errorf("ledger[1] = %+v", r)
	}
}

func TestProcessAgainstQueue(t *testing.T) {
	h := newHarness(t)
	sqs := testsupport.NewFakeSQS()
	url, _ := sqs.CreateQueue("xcode")
	sqs.Enqueue(url, `{"filename":"episode1.mp3"}`)
	q := queue.New(sqs, url)

	msg, err := q.Receive(context.Background())
	if err != nil || msg == nil {
		t.Fatalf("Receive = %v, %v", msg, err)
	}
	res := h.orchestrator(WithAcknowledger(q)).Process(context.Background(), *msg)

	if res.State != StateUploaded || !res.Deleted {
		t.Fatalf("Result = %+v", res)
	}
	if n := len(sqs.Messages(url)); n != 0 {
		t.Errorf("queue holds %d messages after success, want 0", n)
	}
}
