// Package cron implements the retry-queue scheduler: a single
// ticker-driven worker that periodically drains eligible RelayJobs from
// the queue, attempts delivery through the appropriate courier, tracks
// per-recipient outcomes, and either removes, retries with geometric
// backoff, or bounces each job.
package cron

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/transilvlad/robin/internal/bounce"
	"github.com/transilvlad/robin/internal/config"
	"github.com/transilvlad/robin/internal/courier"
	"github.com/transilvlad/robin/internal/expvarom"
	"github.com/transilvlad/robin/internal/queue"
	"github.com/transilvlad/robin/internal/safeio"
	"github.com/transilvlad/robin/internal/trace"
	"blitiri.com.ar/go/log"
)

var (
	tickResults = expvarom.NewMap("robin/cron/tickResults",
		"result", "per-job outcome of a cron tick")
)

// Cron is the retry-queue scheduler.
type Cron struct {
	Backend queue.Backend
	DataDir string

	LocalCourier  courier.Courier
	RemoteCourier courier.Courier

	Conf config.QueueConfig

	Hostname string

	// MaxConcurrentDeliveries bounds the per-tick delivery fan-out pool.
	// Retry-count mutation itself always happens on the cron goroutine,
	// never in the pool, per the "serialized per job" ordering guarantee.
	MaxConcurrentDeliveries int
}

// New builds a Cron from its dependencies. Defaults are applied from
// config.QueueConfig where the caller left zero values.
func New(backend queue.Backend, dataDir string, localC, remoteC courier.Courier, conf config.QueueConfig, hostname string) *Cron {
	return &Cron{
		Backend:                 backend,
		DataDir:                 dataDir,
		LocalCourier:            localC,
		RemoteCourier:           remoteC,
		Conf:                    conf,
		Hostname:                hostname,
		MaxConcurrentDeliveries: 16,
	}
}

// Run starts the scheduler loop. It blocks until ctx-like stop channel
// closes; callers typically invoke it via `go cron.Run(stop)`.
func (c *Cron) Run(stop <-chan struct{}) {
	initial := time.Duration(c.Conf.InitialDelaySeconds) * time.Second
	period := time.Duration(c.Conf.PeriodSeconds) * time.Second
	if period <= 0 {
		period = time.Minute
	}

	select {
	case <-time.After(initial):
	case <-stop:
		return
	}

	c.Tick()

	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.Tick()
		case <-stop:
			return
		}
	}
}

// Tick runs one scheduling pass: dequeue up to MaxDequeuePerTick jobs and
// process each in turn.
func (c *Cron) Tick() {
	max := int(c.Conf.MaxDequeuePerTick)
	if max <= 0 {
		max = 50
	}

	jobs, err := c.Backend.Dequeue(max)
	if err != nil {
		log.Errorf("cron: error dequeuing jobs: %v", err)
		return
	}

	for _, job := range jobs {
		c.processJob(job)
	}
}

func (c *Cron) processJob(job *queue.RelayJob) {
	tr := trace.New("Cron.Job", job.UID)
	defer tr.Finish()

	now := time.Now()
	next := queue.NextAllowed(job, c.firstWaitMinutes(), c.growthFactor())
	if now.Before(next) {
		// Not yet eligible: idempotently ensure the payload lives under
		// the queue directory, then put it back without touching retry
		// state.
		c.ensurePayloadsInQueueDir(job)
		if err := c.Backend.Put(job); err != nil {
			tr.Errorf("re-enqueuing not-yet-eligible job: %v", err)
		}
		tickResults.Add("not-yet-eligible", 1)
		return
	}

	c.attemptDelivery(tr, job)

	// Permanently-failed recipients bounce immediately, independent of
	// whether other recipients in the same envelope still have pending
	// (transient) attempts left; each failed recipient gets its own DSN,
	// not one held back for the slowest sibling.
	c.bouncePermanentFailures(tr, job)

	// Drop Sent recipients (the permanent failures were already peeled
	// off above into their own bounces) and remove any envelope left with
	// nothing pending. A bounce job keeps its failed recipients, so it is
	// only dropped by bounceAndDrop once retries are exhausted.
	var remaining []queue.JobEnvelope
	for i := range job.Envelopes {
		e := job.Envelopes[i]

		var pending []queue.JobRecipient
		for _, r := range e.Recipients {
			if r.Status == queue.RcptPending ||
				(job.IsBounce && r.Status == queue.RcptFailed) {
				pending = append(pending, r)
			}
		}
		e.Recipients = pending

		if len(e.Recipients) == 0 {
			c.deletePayload(e.PayloadPath)
			continue
		}
		remaining = append(remaining, e)
	}
	job.Envelopes = remaining

	if len(job.Envelopes) == 0 {
		if err := c.Backend.RemoveByUID(job.UID); err != nil {
			tr.Errorf("removing completed job: %v", err)
		}
		tickResults.Add("completed", 1)
		return
	}

	if int64(job.RetryCount) < c.maxRetries() {
		job.RetryCount++
		job.LastRetry = now
		if err := c.Backend.Put(job); err != nil {
			tr.Errorf("re-enqueuing job for retry: %v", err)
		}
		tickResults.Add("retried", 1)
		return
	}

	c.bounceAndDrop(tr, job)
}

// bouncePermanentFailures scans job's envelopes for recipients marked
// RcptFailed, generates one bounce per envelope covering them, and
// removes them from the envelope's recipient list (leaving any still-
// pending recipients for the normal retry path).
func (c *Cron) bouncePermanentFailures(tr *trace.Trace, job *queue.RelayJob) {
	if job.IsBounce {
		// A failed bounce delivery is dropped, never re-bounced; that is
		// handled by bounceAndDrop/processJob once retries are exhausted.
		return
	}

	for ei := range job.Envelopes {
		e := &job.Envelopes[ei]

		var failed []bounce.FailedRecipient
		var kept []queue.JobRecipient
		for _, r := range e.Recipients {
			if r.Status == queue.RcptFailed {
				failed = append(failed, bounce.FailedRecipient{
					Address:        r.OriginalAddr,
					RemoteMTA:      c.Hostname,
					DiagnosticCode: r.LastError,
					LastAttempt:    time.Now(),
				})
				continue
			}
			kept = append(kept, r)
		}
		e.Recipients = kept

		if len(failed) == 0 {
			continue
		}

		msg, err := bounce.Build(bounce.Request{
			Hostname:       c.Hostname,
			OriginalSender: e.MailFrom,
			OriginalPeer:   c.Hostname,
			ReceivedAt:     job.CreatedAt,
			Recipients:     failed,
		})
		if err != nil {
			tr.Errorf("building bounce for %q: %v", e.MailFrom, err)
			continue
		}
		if err := c.enqueueBounce(msg); err != nil {
			tr.Errorf("enqueuing bounce for %q: %v", e.MailFrom, err)
		}
		tickResults.Add("bounced", 1)
	}
}

// attemptDelivery dispatches each envelope's pending recipients through
// the appropriate courier, bounded by a small worker pool. Per-recipient
// outcomes are written back onto job.Envelopes[*].Recipients once the
// fan-out settles; job.RetryCount itself is never touched here.
func (c *Cron) attemptDelivery(tr *trace.Trace, job *queue.RelayJob) {
	sem := make(chan struct{}, c.concurrency())
	var wg sync.WaitGroup

	for ei := range job.Envelopes {
		e := &job.Envelopes[ei]
		data, err := os.ReadFile(e.PayloadPath)
		if err != nil {
			tr.Errorf("reading payload %q: %v", e.PayloadPath, err)
			for ri := range e.Recipients {
				if e.Recipients[ri].Status == queue.RcptPending {
					e.Recipients[ri].Status = queue.RcptFailed
					e.Recipients[ri].LastError = err.Error()
				}
			}
			continue
		}

		for ri := range e.Recipients {
			r := &e.Recipients[ri]
			if r.Status != queue.RcptPending {
				continue
			}

			wg.Add(1)
			sem <- struct{}{}
			go func(job *queue.RelayJob, e *queue.JobEnvelope, r *queue.JobRecipient, data []byte) {
				defer wg.Done()
				defer func() { <-sem }()

				courierFor := c.RemoteCourier
				if job.Protocol == queue.ProtoLDA {
					courierFor = c.LocalCourier
				}

				derr, permanent := courierFor.Deliver(e.MailFrom, r.Address, data)
				if derr == nil {
					r.Status = queue.RcptSent
					r.LastError = ""
					return
				}

				r.LastError = derr.Error()
				if permanent {
					r.Status = queue.RcptFailed
				}
				// Transient failures stay RcptPending, so the next tick
				// retries them.
			}(job, e, r, data)
		}
	}

	wg.Wait()
}

// bounceAndDrop generates a bounce for every envelope with recipients
// still outstanding once max_retries is exhausted (each such recipient
// gets exactly one bounce, per testable property 8), then drops the
// original job.
func (c *Cron) bounceAndDrop(tr *trace.Trace, job *queue.RelayJob) {
	if job.IsBounce {
		// Never bounce a bounce; just drop it.
		tickResults.Add("dropped-undeliverable-bounce", 1)
		_ = c.Backend.RemoveByUID(job.UID)
		return
	}

	for _, e := range job.Envelopes {
		var failed []bounce.FailedRecipient
		for _, r := range e.Recipients {
			if r.Status == queue.RcptFailed || r.Status == queue.RcptPending {
				failed = append(failed, bounce.FailedRecipient{
					Address:        r.OriginalAddr,
					RemoteMTA:      c.Hostname,
					DiagnosticCode: r.LastError,
					LastAttempt:    time.Now(),
				})
			}
		}
		if len(failed) == 0 {
			continue
		}

		msg, err := bounce.Build(bounce.Request{
			Hostname:       c.Hostname,
			OriginalSender: e.MailFrom,
			OriginalPeer:   c.Hostname,
			ReceivedAt:     job.CreatedAt,
			Recipients:     failed,
		})
		if err != nil {
			tr.Errorf("building bounce for %q: %v", e.MailFrom, err)
			continue
		}

		if err := c.enqueueBounce(msg); err != nil {
			tr.Errorf("enqueuing bounce for %q: %v", e.MailFrom, err)
		}
		tickResults.Add("bounced", 1)
	}

	if err := c.Backend.RemoveByUID(job.UID); err != nil {
		tr.Errorf("removing exhausted job: %v", err)
	}
}

func (c *Cron) enqueueBounce(msg *bounce.Message) error {
	uid := fmt.Sprintf("bounce-%d", time.Now().UnixNano())
	payloadPath := fmt.Sprintf("%s/%s.msg", c.DataDir, uid)
	if err := os.MkdirAll(c.DataDir, 0700); err != nil {
		return err
	}
	if err := safeio.WriteFile(payloadPath, msg.Data, 0600); err != nil {
		return err
	}

	job := &queue.RelayJob{
		UID:      uid,
		Protocol: queue.ProtoSMTP,
		IsBounce: true,
		Envelopes: []queue.JobEnvelope{{
			SessionUID: uid,
			MailFrom:   msg.From,
			Recipients: []queue.JobRecipient{{
				Address:      msg.To,
				OriginalAddr: msg.To,
				Status:       queue.RcptPending,
			}},
			PayloadPath: payloadPath,
		}},
		CreatedAt: time.Now(),
		LastRetry: time.Now(),
	}

	return c.Backend.Put(job)
}

// ensurePayloadsInQueueDir moves any envelope payload that has drifted
// outside the queue data directory back into it, atomically. Per
// invariant 6, this is a no-op for payloads already in place.
func (c *Cron) ensurePayloadsInQueueDir(job *queue.RelayJob) {
	for i := range job.Envelopes {
		e := &job.Envelopes[i]
		if e.PayloadPath == "" {
			continue
		}
		want := fmt.Sprintf("%s/%s.msg", c.DataDir, job.UID)
		if i > 0 {
			want = fmt.Sprintf("%s/%s.msg-%d", c.DataDir, job.UID, i)
		}
		if e.PayloadPath == want {
			continue
		}
		if err := safeio.Move(e.PayloadPath, want); err == nil {
			e.PayloadPath = want
		}
	}
}

func (c *Cron) deletePayload(path string) {
	if path == "" {
		return
	}
	// Only reached once every recipient in the envelope is Sent or has
	// already been peeled off into a bounce.
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		log.Errorf("cron: error removing delivered payload %q: %v", path, err)
	}
}

func (c *Cron) firstWaitMinutes() float64 {
	if c.Conf.FirstWaitMinutes > 0 {
		return c.Conf.FirstWaitMinutes
	}
	return 1
}

func (c *Cron) growthFactor() float64 {
	if c.Conf.GrowthFactor > 0 {
		return c.Conf.GrowthFactor
	}
	return 1.2
}

func (c *Cron) maxRetries() int64 {
	if c.Conf.MaxRetries > 0 {
		return c.Conf.MaxRetries
	}
	return 30
}

func (c *Cron) concurrency() int {
	if c.MaxConcurrentDeliveries > 0 {
		return c.MaxConcurrentDeliveries
	}
	return 16
}
