// Package webhook implements the pre-command HTTP policy hook (consulted
// before MAIL/RCPT are accepted) and the post-DATA RAW content webhook.
package webhook

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/context/ctxhttp"

	"github.com/transilvlad/robin/internal/expvarom"
	"github.com/transilvlad/robin/internal/rsession"
	"github.com/transilvlad/robin/internal/storage"
	"github.com/transilvlad/robin/internal/trace"
)

var (
	preCommandResults = expvarom.NewMap("robin/webhook/preCommandResults",
		"result", "count of pre-command webhook outcomes")
	rawResults = expvarom.NewMap("robin/webhook/rawResults",
		"result", "count of post-DATA raw webhook outcomes")
)

// Client calls an operator-configured HTTP endpoint before MAIL/RCPT and
// (optionally, a separate endpoint) after DATA with the raw message.
type Client struct {
	// URL for the per-command policy hook. Empty disables it.
	URL string
	// RawURL for the post-DATA raw content hook. Empty disables it.
	RawURL string

	// Method is the HTTP method to use, default POST.
	Method string

	// IgnoreErrors turns webhook failures into warnings instead of 4xx
	// rejections.
	IgnoreErrors bool

	// WaitForResponse, when false, fires the RAW webhook asynchronously
	// and never affects acceptance.
	WaitForResponse bool

	HTTPClient *http.Client
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Client) method() string {
	if c.Method == "" {
		return "POST"
	}
	return c.Method
}

// preCommandRequest is the JSON payload sent to the per-command hook.
type preCommandRequest struct {
	Verb     string                 `json:"verb"`
	Session  map[string]interface{} `json:"session,omitempty"`
	Envelope map[string]interface{} `json:"envelope,omitempty"`
}

// preCommandReply is the override a webhook may return.
type preCommandReply struct {
	SMTPResponse string `json:"smtpResponse"`
}

// Decision is what the pre-command hook decided for a verb invocation.
// Override is true when the hook's response should replace the caller's
// default reply.
type Decision struct {
	Override bool
	Code     int
	Text     string
}

// PreCommand calls the policy hook before MAIL/RCPT is accepted. sess may
// be nil, in which case no session context is sent; mailFrom and rcptTo
// are always serialized as the envelope context.
func (c *Client) PreCommand(ctx context.Context, verb string, sess *rsession.Session, mailFrom string, rcptTo []string) Decision {
	if c == nil || c.URL == "" {
		return Decision{}
	}

	req := preCommandRequest{Verb: verb}
	if sess != nil {
		req.Session = map[string]interface{}{
			"uid":        sess.UID,
			"remoteAddr": sess.RemoteAddr,
			"heloDomain": sess.HeloDomain,
			"tls":        sess.TLS.Negotiated,
			"authUser":   sess.AuthPrincipal,
		}
	}
	req.Envelope = map[string]interface{}{
		"mailFrom": mailFrom,
		"rcptTo":   rcptTo,
	}

	body, err := json.Marshal(req)
	if err != nil {
		preCommandResults.Add("marshal-error", 1)
		return Decision{}
	}

	tr := trace.New("Webhook.PreCommand", verb)
	defer tr.Finish()

	httpReq, err := http.NewRequest(c.method(), c.URL, bytes.NewReader(body))
	if err != nil {
		preCommandResults.Add("request-error", 1)
		return Decision{}
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := ctxhttp.Do(ctx, c.client(), httpReq)
	if err != nil {
		tr.Errorf("pre-command webhook call failed: %v", err)
		preCommandResults.Add("error", 1)
		if c.IgnoreErrors {
			return Decision{}
		}
		return Decision{Override: true, Code: 451, Text: "4.3.2 Temporary failure in policy hook"}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		preCommandResults.Add("non-2xx", 1)
		if c.IgnoreErrors {
			return Decision{}
		}
		return Decision{Override: true, Code: 451, Text: "4.3.2 Policy hook rejected the request"}
	}

	var reply preCommandReply
	if err := json.NewDecoder(resp.Body).Decode(&reply); err != nil || reply.SMTPResponse == "" {
		preCommandResults.Add("no-override", 1)
		return Decision{}
	}

	code, text := splitSMTPResponse(reply.SMTPResponse)
	preCommandResults.Add("override", 1)
	return Decision{Override: true, Code: code, Text: text}
}

func splitSMTPResponse(s string) (int, string) {
	parts := strings.SplitN(s, " ", 2)
	code, err := strconv.Atoi(parts[0])
	if err != nil {
		return 250, s
	}
	text := ""
	if len(parts) == 2 {
		text = parts[1]
	}
	return code, text
}

// RawContext are the headers sent alongside the RAW webhook body, so the
// receiver can correlate it with the session that carried it.
type RawContext struct {
	Hostname   string
	Direction  string
	UID        string
	TLS        bool
	EHLO       string
	Username   string
	SenderIP   string
	SenderRDNS string
	Sender     string
	Recipients []string
}

// RawProcessor is the storage.Processor implementing the post-DATA RAW
// webhook: it POSTs the full message (base64 or text/plain) with session
// context headers. Its own response never affects acceptance of the
// message.
type RawProcessor struct {
	*Client
	Base64 bool
	Ctx    RawContext
}

func (c *Client) NewRawProcessor(ctx RawContext, base64Body bool) *RawProcessor {
	return &RawProcessor{Client: c, Ctx: ctx, Base64: base64Body}
}

func (p *RawProcessor) Name() string { return "webhook-raw" }

func (p *RawProcessor) Process(e *storage.Envelope) storage.Result {
	if p == nil || p.Client == nil || p.RawURL == "" {
		return storage.ContinueResult()
	}

	send := func() {
		tr := trace.New("Webhook.Raw", p.RawURL)
		defer tr.Finish()

		var body []byte
		contentType := "text/plain"
		if p.Base64 {
			body = []byte(base64.StdEncoding.EncodeToString(e.Data))
			contentType = "application/base64"
		} else {
			body = e.Data
		}

		req, err := http.NewRequest(p.method(), p.RawURL, bytes.NewReader(body))
		if err != nil {
			rawResults.Add("request-error", 1)
			return
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("Hostname", p.Ctx.Hostname)
		req.Header.Set("Direction", p.Ctx.Direction)
		req.Header.Set("UID", p.Ctx.UID)
		req.Header.Set("TLS", fmt.Sprintf("%v", p.Ctx.TLS))
		req.Header.Set("EHLO", p.Ctx.EHLO)
		req.Header.Set("Username", p.Ctx.Username)
		req.Header.Set("SenderIP", p.Ctx.SenderIP)
		req.Header.Set("SenderRDNS", p.Ctx.SenderRDNS)
		req.Header.Set("Sender", p.Ctx.Sender)
		req.Header.Set("Recipients", strings.Join(p.Ctx.Recipients, ","))

		resp, err := p.client().Do(req)
		if err != nil {
			tr.Errorf("raw webhook call failed: %v", err)
			rawResults.Add("error", 1)
			return
		}
		defer resp.Body.Close()
		rawResults.Add("sent", 1)
	}

	if p.WaitForResponse {
		send()
	} else {
		go send()
	}

	return storage.ContinueResult()
}
