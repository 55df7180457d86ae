package queue

import (
	"testing"
	"time"

	"github.com/transilvlad/robin/internal/aliases"
	"github.com/transilvlad/robin/internal/config"
	"github.com/transilvlad/robin/internal/set"
	"github.com/transilvlad/robin/internal/trace"
)

func mkJob(uid string) *RelayJob {
	return &RelayJob{
		UID:      uid,
		Protocol: ProtoSMTP,
		Envelopes: []JobEnvelope{{
			SessionUID: uid,
			MailFrom:   "from@example.com",
			Recipients: []JobRecipient{{
				Address:      "to@remote.example",
				OriginalAddr: "to@remote.example",
				Status:       RcptPending,
			}},
		}},
		CreatedAt: time.Now(),
		LastRetry: time.Now(),
	}
}

// The backend contract must hold for every implementation; we run the
// common checks against the memory backend, which the others mirror.
func TestBackendFIFO(t *testing.T) {
	b := newMemBackend()

	for _, uid := range []string{"a", "b", "c"} {
		if err := b.Put(mkJob(uid)); err != nil {
			t.Fatalf("Put(%s): %v", uid, err)
		}
	}

	jobs, err := b.Dequeue(2)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if len(jobs) != 2 || jobs[0].UID != "a" || jobs[1].UID != "b" {
		t.Fatalf("unexpected dequeue order: %+v", jobs)
	}

	n, _ := b.Len()
	if n != 1 {
		t.Fatalf("expected 1 job left, got %d", n)
	}

	jobs, _ = b.Dequeue(10)
	if len(jobs) != 1 || jobs[0].UID != "c" {
		t.Fatalf("unexpected final job: %+v", jobs)
	}
}

func TestBackendPutReplacesByUID(t *testing.T) {
	b := newMemBackend()

	j := mkJob("x")
	b.Put(j)

	j2 := mkJob("x")
	j2.RetryCount = 7
	if err := b.Put(j2); err != nil {
		t.Fatalf("Put: %v", err)
	}

	n, _ := b.Len()
	if n != 1 {
		t.Fatalf("expected in-place replacement, Len = %d", n)
	}

	jobs, _ := b.Peek(1)
	if jobs[0].RetryCount != 7 {
		t.Fatalf("expected replaced job, got %+v", jobs[0])
	}
}

func TestBackendRemoveAt(t *testing.T) {
	b := newMemBackend()
	for _, uid := range []string{"a", "b", "c"} {
		b.Put(mkJob(uid))
	}

	if err := b.RemoveAt(1); err != nil {
		t.Fatalf("RemoveAt: %v", err)
	}

	jobs, _ := b.Snapshot()
	if len(jobs) != 2 || jobs[0].UID != "a" || jobs[1].UID != "c" {
		t.Fatalf("unexpected jobs after RemoveAt(1): %+v", jobs)
	}

	// Out-of-range indexes are not an error.
	if err := b.RemoveAt(99); err != nil {
		t.Errorf("RemoveAt(99): %v", err)
	}
}

func TestBackendRemoveByUID(t *testing.T) {
	b := newMemBackend()
	b.Put(mkJob("a"))
	b.Put(mkJob("b"))

	if err := b.RemoveByUID("a"); err != nil {
		t.Fatalf("RemoveByUID: %v", err)
	}

	jobs, _ := b.Snapshot()
	if len(jobs) != 1 || jobs[0].UID != "b" {
		t.Fatalf("unexpected jobs after removal: %+v", jobs)
	}

	// Removing a non-existent UID is not an error.
	if err := b.RemoveByUID("nope"); err != nil {
		t.Errorf("RemoveByUID(nope): %v", err)
	}
}

func TestBackoff(t *testing.T) {
	cases := []struct {
		n        int
		expected time.Duration
	}{
		{0, 60 * time.Second},
		{1, 72 * time.Second},
		{4, 124 * time.Second},
	}
	for _, c := range cases {
		if d := backoff(c.n, 1, 1.2); d != c.expected {
			t.Errorf("backoff(%d) = %v, expected %v", c.n, d, c.expected)
		}
	}

	// Retry counts must monotonically increase the delay.
	prev := time.Duration(0)
	for n := 0; n < 30; n++ {
		d := backoff(n, 1, 1.2)
		if d < prev {
			t.Errorf("backoff(%d) = %v < backoff(%d) = %v", n, d, n-1, prev)
		}
		prev = d
	}
}

func TestJobDone(t *testing.T) {
	j := mkJob("d")
	if j.Done() {
		t.Errorf("job with a pending recipient reported done")
	}

	j.Envelopes[0].Recipients[0].Status = RcptSent
	if !j.Done() {
		t.Errorf("job with all recipients sent not reported done")
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	j := mkJob("rt")
	j.RetryCount = 3
	j.IsBounce = true

	data, err := j.Marshal()
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	j2, err := Unmarshal(data)
	if err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}

	if j2.UID != "rt" || j2.RetryCount != 3 || !j2.IsBounce {
		t.Errorf("round-trip mismatch: %+v", j2)
	}
	if len(j2.Envelopes) != 1 || j2.Envelopes[0].MailFrom != "from@example.com" {
		t.Errorf("envelope mismatch: %+v", j2.Envelopes)
	}
}

func TestPutSplitsLocalAndRemote(t *testing.T) {
	dir := t.TempDir()

	locals := &set.String{}
	locals.Add("localhost")

	aliasesR := aliases.NewResolver(
		func(tr *trace.Trace, user, domain string) (bool, error) {
			return true, nil
		})
	aliasesR.AddDomain("localhost")

	backend := newMemBackend()
	q := New(backend, dir, locals, aliasesR, nil, nil,
		config.QueueConfig{})

	tr := trace.New("test", "TestPutSplitsLocalAndRemote")
	defer tr.Finish()

	uid, err := q.Put(tr, "from@example.com",
		[]string{"user@localhost", "other@remote.example"}, []byte("hi"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if uid == "" {
		t.Fatalf("empty UID")
	}

	jobs, _ := backend.Snapshot()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs (local + remote), got %d", len(jobs))
	}

	protos := map[Protocol]bool{}
	for _, j := range jobs {
		protos[j.Protocol] = true
		if j.Envelopes[0].SessionUID != uid {
			t.Errorf("job %s does not carry the message UID", j.UID)
		}
	}
	if !protos[ProtoLDA] || !protos[ProtoSMTP] {
		t.Errorf("expected one LDA and one SMTP job, got %v", protos)
	}
}

func TestSQLTableNameValidation(t *testing.T) {
	_, err := NewBackend(config.QueueConfig{
		Backend:  "sql",
		SQLTable: "jobs; DROP TABLE users--",
	}, t.TempDir())
	if err == nil {
		t.Errorf("invalid table name accepted")
	}
}
