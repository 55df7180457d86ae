package bounce

import (
	"bytes"
	"io"
	"mime"
	"mime/multipart"
	"net/mail"
	"strings"
	"testing"
	"time"
)

func testRequest() Request {
	return Request{
		Hostname:       "robin.example",
		OriginalSender: "sender@origin.example",
		OriginalPeer:   "client.example",
		ReceivedAt:     time.Date(2020, 4, 1, 12, 0, 0, 0, time.UTC),
		Recipients: []FailedRecipient{
			{
				Address:        "broken@dest.example",
				RemoteMTA:      "mx.dest.example",
				DiagnosticCode: "550 5.1.1 User unknown",
				LastAttempt:    time.Date(2020, 4, 2, 12, 0, 0, 0, time.UTC),
			},
		},
	}
}

func TestBuildAddressing(t *testing.T) {
	msg, err := Build(testRequest())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	if msg.From != "mailer-daemon@robin.example" {
		t.Errorf("unexpected From: %q", msg.From)
	}
	if msg.To != "sender@origin.example" {
		t.Errorf("unexpected To: %q", msg.To)
	}
	if msg.Subject != "Delivery Status Notification (Failure)" {
		t.Errorf("unexpected Subject: %q", msg.Subject)
	}
}

// The generated bounce must parse as a DSN: a multipart/report with a
// text/plain part and a message/delivery-status part carrying the
// machine-readable per-recipient fields.
func TestBuildParsesAsDSN(t *testing.T) {
	msg, err := Build(testRequest())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	parsed, err := mail.ReadMessage(bytes.NewReader(msg.Data))
	if err != nil {
		t.Fatalf("generated bounce does not parse as a message: %v", err)
	}

	if got := parsed.Header.Get("Subject"); got != "Delivery Status Notification (Failure)" {
		t.Errorf("unexpected Subject header: %q", got)
	}
	if got := parsed.Header.Get("To"); got != "sender@origin.example" {
		t.Errorf("unexpected To header: %q", got)
	}

	mediaType, params, err := mime.ParseMediaType(parsed.Header.Get("Content-Type"))
	if err != nil {
		t.Fatalf("parsing content-type: %v", err)
	}
	if mediaType != "multipart/report" {
		t.Errorf("unexpected media type: %q", mediaType)
	}
	if params["report-type"] != "delivery-status" {
		t.Errorf("unexpected report-type: %q", params["report-type"])
	}

	mr := multipart.NewReader(parsed.Body, params["boundary"])

	// First part: human-readable text.
	p1, err := mr.NextPart()
	if err != nil {
		t.Fatalf("reading first part: %v", err)
	}
	if ct := p1.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("first part content-type: %q", ct)
	}
	body1, _ := io.ReadAll(p1)
	if !strings.Contains(string(body1), "broken@dest.example") {
		t.Errorf("text part does not mention the failed recipient:\n%s", body1)
	}

	// Second part: machine-readable delivery status.
	p2, err := mr.NextPart()
	if err != nil {
		t.Fatalf("reading second part: %v", err)
	}
	if ct := p2.Header.Get("Content-Type"); ct != "message/delivery-status" {
		t.Errorf("second part content-type: %q", ct)
	}
	body2, _ := io.ReadAll(p2)
	status := string(body2)

	for _, want := range []string{
		"Reporting-MTA: dns;robin.example",
		"Received-From-MTA: dns;client.example",
		"Final-Recipient: rfc822;broken@dest.example",
		"Action: failed",
		"Status: 5.0.0",
		"Remote-MTA: dns;mx.dest.example",
		"Diagnostic-Code: smtp;550 5.1.1 User unknown",
	} {
		if !strings.Contains(status, want) {
			t.Errorf("delivery-status part missing %q:\n%s", want, status)
		}
	}
}

func TestBuildMultipleRecipients(t *testing.T) {
	req := testRequest()
	req.Recipients = append(req.Recipients, FailedRecipient{
		Address:        "also@dest.example",
		RemoteMTA:      "mx.dest.example",
		DiagnosticCode: "550 5.2.2 Mailbox full",
		LastAttempt:    time.Now(),
	})

	msg, err := Build(req)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	data := string(msg.Data)
	if n := strings.Count(data, "Final-Recipient:"); n != 2 {
		t.Errorf("expected 2 Final-Recipient blocks, found %d", n)
	}
}
