// Package bounce builds RFC-compliant delivery-status notifications: a
// multipart/report message with a human-readable text/plain part and a
// machine-readable message/delivery-status part.
// https://tools.ietf.org/html/rfc3464
package bounce

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"text/template"
	"time"
)

// FailedRecipient describes one recipient's terminal delivery failure,
// for the bounce's per-recipient reporting.
type FailedRecipient struct {
	Address        string
	RemoteMTA      string
	DiagnosticCode string
	LastAttempt    time.Time
}

// Request carries everything Build needs to construct a DSN for
// one originally-accepted message.
type Request struct {
	Hostname string

	OriginalSender string
	OriginalPeer   string
	ReceivedAt     time.Time

	Recipients []FailedRecipient
}

var plainTmpl = template.Must(template.New("bounce-plain").Parse(
	`This is the mail delivery agent at {{.Hostname}}.

I was unable to deliver your message to the following recipients. The
message was originally received at {{.ReceivedAt}} from {{.OriginalPeer}}.

{{range .Recipients}}  {{.Address}}: {{.DiagnosticCode}} (remote MTA {{.RemoteMTA}}, last attempt {{.LastAttempt}})
{{end}}
This is a permanent failure; no further delivery attempts will be made.
`))

var statusTmpl = template.Must(template.New("bounce-status").Parse(
	`Reporting-MTA: dns;{{.Hostname}}
Received-From-MTA: dns;{{.OriginalPeer}}
Arrival-Date: {{.ReceivedAt}}
{{range .Recipients}}
Final-Recipient: rfc822;{{.Address}}
Action: failed
Status: 5.0.0
Remote-MTA: dns;{{.RemoteMTA}}
Diagnostic-Code: smtp;{{.DiagnosticCode}}
Last-Attempt-Date: {{.LastAttempt}}
{{end}}`))

// Message is the fully rendered bounce: the headers to prepend and the
// multipart body, plus who it should be addressed to (the original
// sender) and from (the mailer-daemon).
type Message struct {
	From    string
	To      string
	Subject string
	Data    []byte
}

// Build renders req into a DSN-formatted multipart message.
func Build(req Request) (*Message, error) {
	from := fmt.Sprintf("mailer-daemon@%s", req.Hostname)

	var plainBuf bytes.Buffer
	if err := plainTmpl.Execute(&plainBuf, req); err != nil {
		return nil, fmt.Errorf("rendering text/plain part: %v", err)
	}

	var statusBuf bytes.Buffer
	if err := statusTmpl.Execute(&statusBuf, req); err != nil {
		return nil, fmt.Errorf("rendering message/delivery-status part: %v", err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	plainHeader := textproto.MIMEHeader{}
	plainHeader.Set("Content-Type", "text/plain; charset=utf-8")
	pw, err := mw.CreatePart(plainHeader)
	if err != nil {
		return nil, err
	}
	if _, err := pw.Write(plainBuf.Bytes()); err != nil {
		return nil, err
	}

	statusHeader := textproto.MIMEHeader{}
	statusHeader.Set("Content-Type", "message/delivery-status")
	sw, err := mw.CreatePart(statusHeader)
	if err != nil {
		return nil, err
	}
	if _, err := sw.Write(statusBuf.Bytes()); err != nil {
		return nil, err
	}

	if err := mw.Close(); err != nil {
		return nil, err
	}

	var full bytes.Buffer
	fmt.Fprintf(&full, "From: Mail Delivery Subsystem <%s>\r\n", from)
	fmt.Fprintf(&full, "To: %s\r\n", req.OriginalSender)
	fmt.Fprintf(&full, "Subject: Delivery Status Notification (Failure)\r\n")
	fmt.Fprintf(&full, "Content-Type: multipart/report; report-type=delivery-status; boundary=%q\r\n", mw.Boundary())
	fmt.Fprintf(&full, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&full, "\r\n")
	full.Write(body.Bytes())

	return &Message{
		From:    from,
		To:      req.OriginalSender,
		Subject: "Delivery Status Notification (Failure)",
		Data:    full.Bytes(),
	}, nil
}
