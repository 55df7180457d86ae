package scan

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/transilvlad/robin/internal/storage"
)

func fakeRspamd(t *testing.T, score float64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rspamdResponse{
			Score:  score,
			Action: "no action",
			Symbols: map[string]rspamdSymbol{
				"BAYES_SPAM": {Name: "BAYES_SPAM", Score: score},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSpamProcessBelowThreshold(t *testing.T) {
	srv := fakeRspamd(t, 2.0)
	s := &Spam{Addr: srv.URL, Threshold: 5.0}
	e := &storage.Envelope{Data: []byte("hello"), MailFrom: "a@example.com"}

	r := s.Process(e)
	if r.Outcome != storage.Continue {
		t.Fatalf("expected Continue below threshold, got %+v", r)
	}
	if got := e.ScanResults.Snapshot()[0].Rspamd.Spam; got {
		t.Errorf("expected Spam=false, got true")
	}
}

func TestSpamProcessOverThresholdRejects(t *testing.T) {
	srv := fakeRspamd(t, 20.0)
	s := &Spam{Addr: srv.URL, Threshold: 5.0}
	e := &storage.Envelope{Data: []byte("hello"), MailFrom: "a@example.com"}

	r := s.Process(e)
	if r.Outcome != storage.StopReject || r.Code != 554 {
		t.Fatalf("expected reject over threshold, got %+v", r)
	}
}

func TestSpamProcessOverThresholdDiscardPolicy(t *testing.T) {
	srv := fakeRspamd(t, 20.0)
	s := &Spam{Addr: srv.URL, Threshold: 5.0, Policy: PolicyDiscard}
	e := &storage.Envelope{Data: []byte("hello"), MailFrom: "a@example.com"}

	r := s.Process(e)
	if r.Outcome != storage.StopOk || r.Code != 250 {
		t.Fatalf("expected silent accept on discard policy, got %+v", r)
	}
}

func TestSpamProcessDisabledWhenNoAddr(t *testing.T) {
	s := &Spam{}
	e := &storage.Envelope{Data: []byte("hello")}
	r := s.Process(e)
	if r.Outcome != storage.Continue {
		t.Fatalf("expected disabled Spam to continue, got %+v", r)
	}
}
