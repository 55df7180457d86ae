// Package rsession implements the cloneable session snapshot: a stable,
// value-typed view of one accepted connection's state, handed to
// background consumers (bot dispatch, storage processors) that must never
// reach back into the live connection.
//
// internal/smtpsrv.Conn remains the authoritative, mutable,
// single-threaded owner of connection state; Session is the point-in-time
// copy taken from it once a transaction is ready to leave the command
// loop.
package rsession

import (
	"time"

	"github.com/google/uuid"

	"github.com/transilvlad/robin/internal/scanresult"
)

// Direction records whether a session originated from the network
// (inbound) or is the client side of an outbound delivery attempt.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// TLSInfo captures the negotiated TLS parameters of a session, if any.
type TLSInfo struct {
	Negotiated bool
	Protocol   string
	Cipher     string
}

// Transaction records one command/response pair, for the session's
// transaction log.
type Transaction struct {
	Command  string
	Params   string
	Code     int
	Response string
	At       time.Time
}

// Envelope is the envelope shape carried on a cloned Session: enough for
// downstream consumers (bot replies, webhook context, storage processors)
// to act on without touching the live payload buffer.
type Envelope struct {
	SessionUID string
	MailFrom   string
	RcptTo     []string
	Size       int64
	MessageID  string
	ScanResults []scanresult.ScanResult
	RetryCount  int
	CreatedAt   time.Time
}

// Session is the stable, clonable per-connection state described in the
// data model. UID is generated once at accept time and never changes;
// everything else is a snapshot as of the moment Clone was called.
type Session struct {
	UID       string
	Direction Direction

	LocalAddr  string
	RemoteAddr string
	RemoteRDNS string

	HeloDomain string
	Protocol   string // "smtp", "esmtp", "lmtp"

	TLS TLSInfo

	// AuthPrincipal is the authenticated user@domain, empty if
	// unauthenticated. Per the invariant, once set it must not change
	// across the life of the session.
	AuthPrincipal string

	Transactions []Transaction

	TransactionCount int
	ErrorCount       int

	Envelopes []Envelope
}

// New creates a fresh Session with a newly generated UID.
func New(direction Direction) *Session {
	return &Session{
		UID:       uuid.New().String(),
		Direction: direction,
	}
}

// Clone performs the deep copy required before handing a Session to an
// asynchronous consumer: every slice is copied so the clone shares no
// mutable backing array with the original. Per the invariant, raw payload
// buffers are never part of Session, so there's nothing exclusive to
// exclude here.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s

	c.Transactions = append([]Transaction(nil), s.Transactions...)

	c.Envelopes = make([]Envelope, len(s.Envelopes))
	for i, e := range s.Envelopes {
		c.Envelopes[i] = e
		c.Envelopes[i].RcptTo = append([]string(nil), e.RcptTo...)
		c.Envelopes[i].ScanResults = append([]scanresult.ScanResult(nil), e.ScanResults...)
	}

	return &c
}

// RecordTransaction appends a command/response pair to the session's log
// and updates the transaction counter, mirroring the bookkeeping the
// command loop performs for every handled verb.
func (s *Session) RecordTransaction(cmd, params string, code int, response string) {
	s.Transactions = append(s.Transactions, Transaction{
		Command:  cmd,
		Params:   params,
		Code:     code,
		Response: response,
		At:       time.Now(),
	})
	s.TransactionCount++
	if code >= 400 {
		s.ErrorCount++
	}
}
