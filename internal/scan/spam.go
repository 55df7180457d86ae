package scan

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/transilvlad/robin/internal/expvarom"
	"github.com/transilvlad/robin/internal/scanresult"
	"github.com/transilvlad/robin/internal/storage"
	"github.com/transilvlad/robin/internal/trace"
)

var (
	spamResults = expvarom.NewMap("robin/scan/spamResults",
		"result", "count of spam scan outcomes")
)

// Spam is the storage.Processor that submits the envelope payload to a
// Rspamd-compatible HTTP scorer and acts on the verdict.
type Spam struct {
	// Addr is the base URL of the rspamd daemon, e.g.
	// "http://127.0.0.1:11333". Empty disables the processor.
	Addr      string
	Threshold float64
	Policy    Policy
	Client    *http.Client
}

func (s *Spam) Name() string { return "spam" }

type rspamdResponse struct {
	Score   float64                    `json:"score"`
	Action  string                     `json:"action"`
	Symbols map[string]rspamdSymbol    `json:"symbols"`
}

type rspamdSymbol struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

func (s *Spam) Process(e *storage.Envelope) storage.Result {
	if s == nil || s.Addr == "" {
		return storage.ContinueResult()
	}

	tr := trace.New("Scan.Spam", s.Addr)
	defer tr.Finish()

	client := s.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}

	req, err := http.NewRequest("POST", s.Addr+"/checkv2", bytes.NewReader(e.Data))
	if err != nil {
		spamResults.Add("error", 1)
		return storage.Reject(451, fmt.Sprintf("4.7.1 Temporary failure scoring message: %v", err))
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("From", e.MailFrom)
	for _, rcpt := range e.RcptTo {
		req.Header.Add("Rcpt", rcpt)
	}

	resp, err := client.Do(req)
	if err != nil {
		tr.Errorf("rspamd request failed: %v", err)
		spamResults.Add("error", 1)
		return storage.Reject(451, fmt.Sprintf("4.7.1 Temporary failure scoring message: %v", err))
	}
	defer resp.Body.Close()

	var parsed rspamdResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		tr.Errorf("rspamd response decode failed: %v", err)
		spamResults.Add("error", 1)
		return storage.Reject(451, "4.7.1 Temporary failure scoring message")
	}

	isSpam := parsed.Score > s.Threshold
	var symbols []string
	for name := range parsed.Symbols {
		symbols = append(symbols, name)
	}

	e.ScanResults.Append(scanresult.ScanResult{Rspamd: &scanresult.Rspamd{
		Score:   parsed.Score,
		Spam:    isSpam,
		Symbols: symbols,
	}})

	if !isSpam {
		spamResults.Add("clean", 1)
		return storage.ContinueResult()
	}

	switch s.Policy {
	case PolicyDiscard:
		tr.Printf("spam score %.2f over threshold %.2f, silently discarding", parsed.Score, s.Threshold)
		spamResults.Add("discarded", 1)
		return storage.Ok(250, "2.0.0 Message accepted")
	default:
		tr.Errorf("spam score %.2f over threshold %.2f, rejecting", parsed.Score, s.Threshold)
		spamResults.Add("rejected", 1)
		return storage.Reject(554, fmt.Sprintf("5.7.1 Spam score %.2f exceeds threshold", parsed.Score))
	}
}
