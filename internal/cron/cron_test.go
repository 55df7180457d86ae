package cron

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/transilvlad/robin/internal/config"
	"github.com/transilvlad/robin/internal/queue"
)

type fakeCourier struct {
	fail      bool
	permanent bool
	calls     []string
}

func (f *fakeCourier) Deliver(from, to string, data []byte) (error, bool) {
	f.calls = append(f.calls, to)
	if f.fail {
		return errTest, f.permanent
	}
	return nil, false
}

type testErr string

func (e testErr) Error() string { return string(e) }

const errTest = testErr("delivery failed")

func newTestCron(t *testing.T, localC, remoteC *fakeCourier) (*Cron, string) {
	t.Helper()
	dir := t.TempDir()
	backend, err := queue.NewBackend(config.QueueConfig{Backend: "memory"}, dir)
	if err != nil {
		t.Fatalf("NewBackend: %v", err)
	}
	c := New(backend, dir, localC, remoteC, config.QueueConfig{
		FirstWaitMinutes: 0.001,
		GrowthFactor:     1.2,
		MaxRetries:       2,
	}, "robin.example")
	return c, dir
}

func putPayload(t *testing.T, dir, uid string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, uid+".msg")
	if err := os.WriteFile(p, data, 0600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	return p
}

func TestTickDeliversAndRemoves(t *testing.T) {
	localC := &fakeCourier{}
	remoteC := &fakeCourier{}
	c, dir := newTestCron(t, localC, remoteC)

	payload := putPayload(t, dir, "job1", []byte("hello"))
	job := &queue.RelayJob{
		UID:      "job1",
		Protocol: queue.ProtoSMTP,
		Envelopes: []queue.JobEnvelope{{
			SessionUID: "job1",
			MailFrom:   "a@example.com",
			Recipients: []queue.JobRecipient{
				{Address: "b@remote.example", OriginalAddr: "b@remote.example", Status: queue.RcptPending},
			},
			PayloadPath: payload,
		}},
		CreatedAt: time.Now(),
		LastRetry: time.Now().Add(-time.Hour),
	}
	if err := c.Backend.Put(job); err != nil {
		t.Fatalf("Put: %v", err)
	}

	c.Tick()

	if len(remoteC.calls) != 1 || remoteC.calls[0] != "b@remote.example" {
		t.Fatalf("unexpected remote courier calls: %v", remoteC.calls)
	}

	n, err := c.Backend.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected queue to be empty after full delivery, got %d", n)
	}

	if _, err := os.Stat(payload); !os.IsNotExist(err) {
		t.Fatalf("expected payload to be removed, stat err = %v", err)
	}
}

func TestTickRetriesTransientFailureThenBounces(t *testing.T) {
	localC := &fakeCourier{}
	remoteC := &fakeCourier{fail: true, permanent: false}
	c, dir := newTestCron(t, localC, remoteC)

	payload := putPayload(t, dir, "job2", []byte("hello"))
	job := &queue.RelayJob{
		UID:      "job2",
		Protocol: queue.ProtoSMTP,
		Envelopes: []queue.JobEnvelope{{
			SessionUID: "job2",
			MailFrom:   "a@example.com",
			Recipients: []queue.JobRecipient{
				{Address: "c@remote.example", OriginalAddr: "c@remote.example", Status: queue.RcptPending},
			},
			PayloadPath: payload,
		}},
		CreatedAt: time.Now(),
		LastRetry: time.Now().Add(-time.Hour),
	}
	if err := c.Backend.Put(job); err != nil {
		t.Fatalf("Put: %v", err)
	}

	// Retry 1: still within MaxRetries, job goes back with RetryCount=1.
	c.Tick()
	n, _ := c.Backend.Len()
	if n != 1 {
		t.Fatalf("expected job requeued after transient failure, Len=%d", n)
	}

	// Force eligibility again and exhaust retries.
	jobs, _ := c.Backend.Snapshot()
	jobs[0].LastRetry = time.Now().Add(-time.Hour)
	c.Backend.Put(jobs[0])
	c.Tick()

	jobs, _ = c.Backend.Snapshot()
	if len(jobs) != 1 {
		t.Fatalf("expected job still present after second retry, got %d", len(jobs))
	}
	jobs[0].LastRetry = time.Now().Add(-time.Hour)
	c.Backend.Put(jobs[0])

	// Third attempt: RetryCount (2) >= MaxRetries (2), so this tick
	// should bounce and drop the original job.
	c.Tick()

	n, _ = c.Backend.Len()
	if n != 1 {
		t.Fatalf("expected exactly one bounce job enqueued, got %d jobs", n)
	}
	bounced, _ := c.Backend.Snapshot()
	if !bounced[0].IsBounce {
		t.Fatalf("expected remaining job to be a bounce, got %+v", bounced[0])
	}
	if bounced[0].Envelopes[0].MailFrom != "mailer-daemon@robin.example" {
		t.Fatalf("unexpected bounce sender: %v", bounced[0].Envelopes[0].MailFrom)
	}
}

func TestBounceNeverReboundced(t *testing.T) {
	localC := &fakeCourier{}
	remoteC := &fakeCourier{fail: true, permanent: true}
	c, dir := newTestCron(t, localC, remoteC)

	payload := putPayload(t, dir, "bounce1", []byte("dsn"))
	job := &queue.RelayJob{
		UID:      "bounce1",
		Protocol: queue.ProtoSMTP,
		IsBounce: true,
		Envelopes: []queue.JobEnvelope{{
			SessionUID: "bounce1",
			MailFrom:   "mailer-daemon@robin.example",
			Recipients: []queue.JobRecipient{
				{Address: "a@example.com", OriginalAddr: "a@example.com", Status: queue.RcptPending},
			},
			PayloadPath: payload,
		}},
		CreatedAt: time.Now(),
		LastRetry: time.Now().Add(-time.Hour),
	}
	c.Backend.Put(job)

	c.Tick()

	n, _ := c.Backend.Len()
	if n != 1 {
		t.Fatalf("expected bounce requeued once (permanent failure doesn't immediately drop), got %d", n)
	}

	jobs, _ := c.Backend.Snapshot()
	jobs[0].LastRetry = time.Now().Add(-time.Hour)
	jobs[0].RetryCount = 5 // force past MaxRetries
	c.Backend.Put(jobs[0])

	c.Tick()

	n, _ = c.Backend.Len()
	if n != 0 {
		t.Fatalf("expected exhausted bounce to be dropped, not re-bounced, got %d jobs", n)
	}
}
