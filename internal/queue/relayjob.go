package queue

import (
	"encoding/json"
	"time"
)

// Protocol selects how a RelayJob's envelopes should be delivered.
type Protocol string

const (
	ProtoSMTP  Protocol = "smtp"
	ProtoESMTP Protocol = "esmtp"
	ProtoLMTP  Protocol = "lmtp"
	ProtoLDA   Protocol = "lda"
)

// RcptStatus tracks the delivery outcome of a single recipient within a
// job envelope, across cron ticks.
type RcptStatus string

const (
	RcptPending RcptStatus = "pending"
	RcptSent    RcptStatus = "sent"
	RcptFailed  RcptStatus = "failed"
)

// JobRecipient is one forward-path within a JobEnvelope, with its
// per-attempt outcome.
type JobRecipient struct {
	Address        string     `json:"address"`
	OriginalAddr   string     `json:"original_addr"`
	Status         RcptStatus `json:"status"`
	LastError      string     `json:"last_error,omitempty"`
}

// JobEnvelope is one envelope's worth of recipients inside a RelayJob.
// It is an envelope trimmed to what outbound delivery needs: sender, recipients, and a reference to the spooled payload.
type JobEnvelope struct {
	SessionUID  string         `json:"session_uid"`
	MailFrom    string         `json:"mail_from"`
	Recipients  []JobRecipient `json:"recipients"`
	PayloadPath string         `json:"payload_path"`
}

// PendingRecipients returns the recipients that still need a delivery
// attempt.
func (e *JobEnvelope) PendingRecipients() []JobRecipient {
	var out []JobRecipient
	for _, r := range e.Recipients {
		if r.Status == RcptPending {
			out = append(out, r)
		}
	}
	return out
}

// RelayJob is a durable unit of outbound work: a list of envelopes,
// sharing a delivery protocol, tracked independently of any inbound
// session.
type RelayJob struct {
	// UID identifies the job independently of any session UID (per the
	// data model: job identity must survive past the inbound session
	// that created it).
	UID string `json:"uid"`

	Envelopes []JobEnvelope `json:"envelopes"`

	Protocol      Protocol `json:"protocol"`
	TargetMailbox string   `json:"target_mailbox,omitempty"`

	RetryCount int       `json:"retry_count"`
	CreatedAt  time.Time `json:"created_at"`
	LastRetry  time.Time `json:"last_retry"`

	// IsBounce marks jobs generated by the bounce builder, so the cron
	// never re-bounces a bounce.
	IsBounce bool `json:"is_bounce,omitempty"`
}

// Done reports whether every envelope in the job has no pending
// recipients left (invariant 3: a job with zero remaining envelopes is
// never re-enqueued).
func (j *RelayJob) Done() bool {
	for _, e := range j.Envelopes {
		if len(e.PendingRecipients()) > 0 {
			return false
		}
	}
	return true
}

// Marshal serializes a RelayJob to JSON for backend storage. We use JSON
// rather than protocol buffers since the backend contract must stay
// simple and self-describing across the four pluggable stores.
func (j *RelayJob) Marshal() ([]byte, error) { return json.Marshal(j) }

// Unmarshal parses a RelayJob previously produced by Marshal.
func Unmarshal(data []byte) (*RelayJob, error) {
	var j RelayJob
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}
