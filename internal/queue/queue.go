// Package queue implements the durable retry queue that sits between
// message acceptance and outbound delivery: accepted envelopes are
// spooled to disk, wrapped in a RelayJob, and handed to one of the
// pluggable Backend implementations (bolt, redis, sql, memory) until a
// cron-driven courier run succeeds, permanently fails, or exhausts its
// retries.
package queue

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/transilvlad/robin/internal/aliases"
	"github.com/transilvlad/robin/internal/config"
	"github.com/transilvlad/robin/internal/courier"
	"github.com/transilvlad/robin/internal/envelope"
	"github.com/transilvlad/robin/internal/safeio"
	"github.com/transilvlad/robin/internal/set"
	"github.com/transilvlad/robin/internal/trace"
)

// Queue is the facade used by the SMTP/LMTP server and the delivery
// cron: it resolves aliases, spools payloads atomically, and persists
// RelayJobs to the selected Backend.
type Queue struct {
	backend Backend
	dataDir string

	localDomains *set.String
	aliasesR     *aliases.Resolver

	localC  courier.Courier
	remoteC courier.Courier

	conf config.QueueConfig
}

// New builds a Queue on top of an already-constructed Backend.
// dataDir is where message payloads are spooled, independently of
// wherever the backend itself persists job metadata.
func New(backend Backend, dataDir string, localDomains *set.String, aliasesR *aliases.Resolver, localC, remoteC courier.Courier, conf config.QueueConfig) *Queue {
	return &Queue{
		backend:      backend,
		dataDir:      dataDir,
		localDomains: localDomains,
		aliasesR:     aliasesR,
		localC:       localC,
		remoteC:      remoteC,
		conf:         conf,
	}
}

// Backend returns the underlying storage backend, for use by the cron.
func (q *Queue) Backend() Backend { return q.backend }

// LocalCourier returns the courier used for locally-delivered mail.
func (q *Queue) LocalCourier() courier.Courier { return q.localC }

// RemoteCourier returns the courier used for mail relayed elsewhere.
func (q *Queue) RemoteCourier() courier.Courier { return q.remoteC }

// Config returns the queue's retry/backend configuration.
func (q *Queue) Config() config.QueueConfig { return q.conf }

// Put spools data to disk and enqueues one RelayJob per delivery protocol
// required by the recipient list, resolving aliases for each recipient
// and splitting local-domain recipients (delivered via the LDA courier)
// from everything else (relayed via the remote SMTP courier). It returns
// a UID, used as the message ID reported back to the submitting client;
// the UID is shared as the SessionUID across any split jobs, so maillog
// entries for one accepted message can be correlated.
func (q *Queue) Put(tr *trace.Trace, from string, to []string, data []byte) (string, error) {
	uid := uuid.New().String()

	payloadPath := fmt.Sprintf("%s/%s.msg", q.dataDir, uid)
	if err := os.MkdirAll(q.dataDir, 0700); err != nil {
		return "", fmt.Errorf("creating queue data dir: %v", err)
	}
	if err := safeio.WriteFile(payloadPath, data, 0600); err != nil {
		return "", fmt.Errorf("spooling message: %v", err)
	}

	var localRcpt, remoteRcpt []JobRecipient
	for _, addr := range to {
		resolved, err := q.aliasesR.Resolve(tr, addr)
		if err != nil {
			tr.Errorf("error resolving %q: %v", addr, err)
			resolved = nil
		}

		if len(resolved) == 0 {
			resolved = append(resolved, aliases.Recipient{Addr: addr})
		}

		for _, r := range resolved {
			jr := JobRecipient{
				Address:      r.Addr,
				OriginalAddr: addr,
				Status:       RcptPending,
			}
			if envelope.DomainIn(r.Addr, q.localDomains) {
				localRcpt = append(localRcpt, jr)
			} else {
				remoteRcpt = append(remoteRcpt, jr)
			}
		}
	}

	now := time.Now()
	put := func(proto Protocol, recipients []JobRecipient) error {
		if len(recipients) == 0 {
			return nil
		}
		job := &RelayJob{
			UID:      fmt.Sprintf("%s-%s", uid, proto),
			Protocol: proto,
			Envelopes: []JobEnvelope{
				{
					SessionUID:  uid,
					MailFrom:    from,
					Recipients:  recipients,
					PayloadPath: payloadPath,
				},
			},
			CreatedAt: now,
			LastRetry: now,
		}
		return q.backend.Put(job)
	}

	if err := put(ProtoLDA, localRcpt); err != nil {
		return "", fmt.Errorf("enqueuing local job: %v", err)
	}
	if err := put(ProtoSMTP, remoteRcpt); err != nil {
		return "", fmt.Errorf("enqueuing remote job: %v", err)
	}

	tr.Printf("queued %s as %s (%d local, %d remote)", from, uid, len(localRcpt), len(remoteRcpt))
	return uid, nil
}

// DumpString renders every currently queued job as a human-readable
// string, for diagnostics.
func (q *Queue) DumpString() string {
	jobs, err := q.backend.Snapshot()
	if err != nil {
		return fmt.Sprintf("error reading queue: %v\n", err)
	}

	out := fmt.Sprintf("%d jobs in queue\n\n", len(jobs))
	for _, j := range jobs {
		out += fmt.Sprintf("Job %s (protocol=%s retries=%d bounce=%v)\n",
			j.UID, j.Protocol, j.RetryCount, j.IsBounce)
		for _, e := range j.Envelopes {
			out += fmt.Sprintf("  from=%s payload=%s\n", e.MailFrom, e.PayloadPath)
			for _, r := range e.Recipients {
				out += fmt.Sprintf("    to=%s status=%s\n", r.Address, r.Status)
			}
		}
	}
	return out
}

// Len returns the number of jobs currently queued.
func (q *Queue) Len() (int, error) {
	return q.backend.Len()
}

// Close releases the queue's backend resources.
func (q *Queue) Close() error {
	return q.backend.Close()
}
