package capture

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/smithy-go"
	"github.com/google/uuid"

	"github.com/voteguard/backend/internal/models"
	"github.com/voteguard/backend/pkg/queue"
)

type fakeObjectStore struct {
	mu    sync.Mutex
	calls map[string]int
	// fail maps a key substring to the error returned for the first n attempts
	// (n < 0 means always).
	fail     map[string]error
	failN    map[string]int
	uploaded []string
	// delay maps a key substring to an artificial latency.
	delay map[string]time.Duration
}

func newFakeObjectStore() *fakeObjectStore {
	return &fakeObjectStore{
		calls: make(map[string]int),
		fail:  make(map[string]error),
		failN: make(map[string]int),
		delay: make(map[string]time.Duration),
	}
}

func (s *fakeObjectStore) Upload(ctx context.Context, key, contentType string, body io.Reader, contentLength int64) (string, error) {
	s.mu.Lock()
	s.calls[key]++
	attempt := s.calls[key]
	var sleep time.Duration
	for sub, d := range s.delay {
		if strings.Contains(key, sub) {
			sleep = d
		}
	}
	var err error
	for sub, e := range s.fail {
		if strings.Contains(key, sub) {
			n := s.failN[sub]
			if n < 0 || attempt <= n {
				err = e
			}
		}
	}
	s.mu.Unlock()

	if sleep > 0 {
		time.Sleep(sleep)
	}
	if err != nil {
		return "", err
	}
	if _, rerr := io.ReadAll(body); rerr != nil {
		return "", rerr
	}
	s.mu.Lock()
	s.uploaded = append(s.uploaded, key)
	s.mu.Unlock()
	return "https://bucket/" + key, nil
}

func (s *fakeObjectStore) attempts(keySub string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := 0
	for key, n := range s.calls {
		if strings.Contains(key, keySub) {
			total += n
		}
	}
	return total
}

type fakeSegmentStore struct {
	mu   sync.Mutex
	segs []models.Segment
}

func (s *fakeSegmentStore) UpsertSegment(ctx context.Context, recordingID uuid.UUID, seg models.Segment) error {
	s.mu.Lock()
	s.segs = append(s.segs, seg)
	s.mu.Unlock()
	return nil
}

func (s *fakeSegmentStore) committed() []models.Segment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.Segment, len(s.segs))
	copy(out, s.segs)
	return out
}

type fakeReuploadQueue struct {
	mu       sync.Mutex
	payloads []queue.SegmentReuploadPayload
}

func (q *fakeReuploadQueue) EnqueueSegmentReupload(ctx context.Context, payload queue.SegmentReuploadPayload) error {
	q.mu.Lock()
	q.payloads = append(q.payloads, payload)
	q.mu.Unlock()
	return nil
}

func (q *fakeReuploadQueue) enqueued() []queue.SegmentReuploadPayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]queue.SegmentReuploadPayload, len(q.payloads))
	copy(out, q.payloads)
	return out
}

func testSegment(payload string) FinishedSegment {
	return FinishedSegment{
		Video:    [][]byte{[]byte(payload)},
		Duration: 30 * time.Second,
	}
}

func TestUploaderCommitsInSequenceOrder(t *testing.T) {
	store := newFakeObjectStore()
	// Segment 0's upload finishes last.
	store.delay["00000.webm"] = 40 * time.Millisecond
	sessions := &fakeSegmentStore{}
	u := NewUploader(UploaderConfig{Backoff: time.Millisecond, SpoolDir: t.TempDir()}, store, sessions, nil, nil)

	alertID, recordingID := uuid.New(), uuid.New()
	u.Enqueue(testSegment("a"), alertID, recordingID, 0)
	u.Enqueue(testSegment("b"), alertID, recordingID, 1)
	u.Enqueue(testSegment("c"), alertID, recordingID, 2)
	u.Wait()

	got := sessions.committed()
	if len(got) != 3 {
		t.Fatalf("committed %d segments, want 3", len(got))
	}
	for i, seg := range got {
		if seg.SequenceIndex != i {
			t.Fatalf("commit order = %v, want sequence order 0,1,2", indices(got))
		}
		if seg.Missing {
			t.Fatalf("segment %d marked missing", i)
		}
		if seg.VideoLocator == "" {
			t.Fatalf("segment %d has no video locator", i)
		}
	}
}

func TestUploaderPermanentFailureLeavesGap(t *testing.T) {
	store := newFakeObjectStore()
	store.fail["00001.webm"] = &UploadError{Err: io.ErrUnexpectedEOF, Permanent: true}
	store.failN["00001.webm"] = -1
	sessions := &fakeSegmentStore{}
	requeue := &fakeReuploadQueue{}
	u := NewUploader(UploaderConfig{Backoff: time.Millisecond, SpoolDir: t.TempDir()}, store, sessions, requeue, nil)

	alertID, recordingID := uuid.New(), uuid.New()
	u.Enqueue(testSegment("a"), alertID, recordingID, 0)
	u.Enqueue(testSegment("b"), alertID, recordingID, 1)
	u.Enqueue(testSegment("c"), alertID, recordingID, 2)
	u.Wait()

	got := sessions.committed()
	if len(got) != 3 {
		t.Fatalf("committed %d segments, want 3", len(got))
	}
	if !got[1].Missing || got[1].VideoLocator != "" {
		t.Fatalf("segment 1 = %+v, want missing with no locator", got[1])
	}
	if got[0].Missing || got[2].Missing {
		t.Fatalf("segments 0 and 2 must survive the gap: %+v", got)
	}
	if store.attempts("00001.webm") != 1 {
		t.Fatalf("permanent failure attempts = %d, want 1 (no retry)", store.attempts("00001.webm"))
	}
	if len(requeue.enqueued()) != 0 {
		t.Fatalf("permanent failures must not be requeued")
	}
}

func TestUploaderRetriesTransientFailures(t *testing.T) {
	store := newFakeObjectStore()
	store.fail["00000.webm"] = &UploadError{Err: io.ErrUnexpectedEOF}
	store.failN["00000.webm"] = 2 // fail twice, succeed on the third attempt
	sessions := &fakeSegmentStore{}
	u := NewUploader(UploaderConfig{MaxAttempts: 3, Backoff: time.Millisecond, SpoolDir: t.TempDir()}, store, sessions, nil, nil)

	alertID, recordingID := uuid.New(), uuid.New()
	u.Enqueue(testSegment("a"), alertID, recordingID, 0)
	u.Wait()

	if store.attempts("00000.webm") != 3 {
		t.Fatalf("attempts = %d, want 3", store.attempts("00000.webm"))
	}
	got := sessions.committed()
	if len(got) != 1 || got[0].Missing {
		t.Fatalf("committed = %+v, want one uploaded segment", got)
	}
}

func TestUploaderSpoolsAfterRetryExhaustion(t *testing.T) {
	store := newFakeObjectStore()
	store.fail["00000.webm"] = &UploadError{Err: io.ErrUnexpectedEOF}
	store.failN["00000.webm"] = -1
	sessions := &fakeSegmentStore{}
	requeue := &fakeReuploadQueue{}
	spoolDir := t.TempDir()
	u := NewUploader(UploaderConfig{MaxAttempts: 2, Backoff: time.Millisecond, SpoolDir: spoolDir}, store, sessions, requeue, nil)

	alertID, recordingID := uuid.New(), uuid.New()
	u.Enqueue(testSegment("evidence-bytes"), alertID, recordingID, 0)
	u.Wait()

	jobs := requeue.enqueued()
	if len(jobs) != 1 {
		t.Fatalf("requeued jobs = %d, want 1", len(jobs))
	}
	job := jobs[0]
	if job.RecordingID != recordingID || job.SequenceIndex != 0 {
		t.Fatalf("job = %+v", job)
	}
	data, err := os.ReadFile(job.VideoSpoolPath)
	if err != nil {
		t.Fatalf("read spool file: %v", err)
	}
	if string(data) != "evidence-bytes" {
		t.Fatalf("spooled payload = %q", data)
	}

	// The gap is still committed so later indices are not blocked.
	got := sessions.committed()
	if len(got) != 1 || !got[0].Missing {
		t.Fatalf("committed = %+v, want one missing segment", got)
	}
}

func TestUploaderEmptySegmentCommitsAsMissing(t *testing.T) {
	store := newFakeObjectStore()
	sessions := &fakeSegmentStore{}
	u := NewUploader(UploaderConfig{Backoff: time.Millisecond, SpoolDir: t.TempDir()}, store, sessions, nil, nil)

	u.Enqueue(FinishedSegment{Duration: time.Second}, uuid.New(), uuid.New(), 0)
	u.Wait()

	got := sessions.committed()
	if len(got) != 1 || !got[0].Missing {
		t.Fatalf("committed = %+v, want one missing segment", got)
	}
	if store.attempts(".webm") != 0 {
		t.Fatalf("empty segments must not hit the object store")
	}
}

func TestUploaderAudioTrackFailureIsNotFatal(t *testing.T) {
	store := newFakeObjectStore()
	store.fail["audio"] = &UploadError{Err: io.ErrUnexpectedEOF, Permanent: true}
	store.failN["audio"] = -1
	sessions := &fakeSegmentStore{}
	u := NewUploader(UploaderConfig{Backoff: time.Millisecond, SpoolDir: t.TempDir()}, store, sessions, nil, nil)

	seg := testSegment("a")
	seg.Audio = [][]byte{[]byte("voice")}
	u.Enqueue(seg, uuid.New(), uuid.New(), 0)
	u.Wait()

	got := sessions.committed()
	if len(got) != 1 {
		t.Fatalf("committed %d segments, want 1", len(got))
	}
	if got[0].Missing || got[0].VideoLocator == "" {
		t.Fatalf("combined artifact must survive audio failure: %+v", got[0])
	}
	if got[0].AudioLocator != "" {
		t.Fatalf("audio locator = %q, want empty", got[0].AudioLocator)
	}
}

func TestUploaderClientFaultIsPermanent(t *testing.T) {
	store := newFakeObjectStore()
	store.fail["00000.webm"] = &smithy.GenericAPIError{Code: "EntityTooLarge", Fault: smithy.FaultClient}
	store.failN["00000.webm"] = -1
	sessions := &fakeSegmentStore{}
	requeue := &fakeReuploadQueue{}
	u := NewUploader(UploaderConfig{MaxAttempts: 3, Backoff: time.Millisecond, SpoolDir: t.TempDir()}, store, sessions, requeue, nil)

	u.Enqueue(testSegment("a"), uuid.New(), uuid.New(), 0)
	u.Wait()

	if store.attempts("00000.webm") != 1 {
		t.Fatalf("attempts = %d, want 1 (client faults fail identically every time)", store.attempts("00000.webm"))
	}
	got := sessions.committed()
	if len(got) != 1 || !got[0].Missing {
		t.Fatalf("committed = %+v, want one missing segment", got)
	}
	if len(requeue.enqueued()) != 0 {
		t.Fatal("client faults must not be spooled for re-upload")
	}
}

func TestUploaderThrottlingClientFaultIsTransient(t *testing.T) {
	store := newFakeObjectStore()
	store.fail["00000.webm"] = &smithy.GenericAPIError{Code: "SlowDown", Fault: smithy.FaultClient}
	store.failN["00000.webm"] = 1 // throttled once, then through
	sessions := &fakeSegmentStore{}
	u := NewUploader(UploaderConfig{MaxAttempts: 3, Backoff: time.Millisecond, SpoolDir: t.TempDir()}, store, sessions, nil, nil)

	u.Enqueue(testSegment("a"), uuid.New(), uuid.New(), 0)
	u.Wait()

	if store.attempts("00000.webm") != 2 {
		t.Fatalf("attempts = %d, want 2 (throttling deserves a retry)", store.attempts("00000.webm"))
	}
	got := sessions.committed()
	if len(got) != 1 || got[0].Missing {
		t.Fatalf("committed = %+v, want one uploaded segment", got)
	}
}

func TestUploaderServerFaultIsTransient(t *testing.T) {
	store := newFakeObjectStore()
	store.fail["00000.webm"] = &smithy.GenericAPIError{Code: "InternalError", Fault: smithy.FaultServer}
	store.failN["00000.webm"] = 2
	sessions := &fakeSegmentStore{}
	u := NewUploader(UploaderConfig{MaxAttempts: 3, Backoff: time.Millisecond, SpoolDir: t.TempDir()}, store, sessions, nil, nil)

	u.Enqueue(testSegment("a"), uuid.New(), uuid.New(), 0)
	u.Wait()

	if store.attempts("00000.webm") != 3 {
		t.Fatalf("attempts = %d, want 3", store.attempts("00000.webm"))
	}
	got := sessions.committed()
	if len(got) != 1 || got[0].Missing {
		t.Fatalf("committed = %+v, want one uploaded segment", got)
	}
}

func TestUploaderDropsBookkeepingAfterSessionEnd(t *testing.T) {
	store := newFakeObjectStore()
	store.delay["00000.webm"] = 20 * time.Millisecond
	sessions := &fakeSegmentStore{}
	u := NewUploader(UploaderConfig{Backoff: time.Millisecond, SpoolDir: t.TempDir()}, store, sessions, nil, nil)

	alertID, recordingID := uuid.New(), uuid.New()
	u.Enqueue(testSegment("a"), alertID, recordingID, 0)
	u.Enqueue(testSegment("b"), alertID, recordingID, 1)
	// Session ends while segment 0's upload is still in flight.
	u.SessionEnded(recordingID, 2)
	u.Wait()

	got := sessions.committed()
	if len(got) != 2 || got[0].SequenceIndex != 0 || got[1].SequenceIndex != 1 {
		t.Fatalf("committed = %v, want both segments in order", indices(got))
	}
	u.mu.Lock()
	_, kept := u.commits[recordingID]
	u.mu.Unlock()
	if kept {
		t.Fatal("commit bookkeeping retained after the session's last segment resolved")
	}
}

func indices(segs []models.Segment) []int {
	out := make([]int, len(segs))
	for i, s := range segs {
		out[i] = s.SequenceIndex
	}
	return out
}
