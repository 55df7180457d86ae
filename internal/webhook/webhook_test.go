package webhook

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/transilvlad/robin/internal/storage"
)

func TestPreCommandNoOverrideWhenURLEmpty(t *testing.T) {
	c := &Client{}
	d := c.PreCommand(context.Background(), "RCPT", nil, "a@example.com", []string{"b@example.com"})
	if d.Override {
		t.Fatalf("expected no override when URL is unset, got %+v", d)
	}
}

func TestPreCommandOverride(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req preCommandRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Verb != "RCPT" {
			t.Errorf("unexpected verb: %q", req.Verb)
		}
		json.NewEncoder(w).Encode(preCommandReply{SMTPResponse: "550 5.7.1 blocked by policy"})
	}))
	defer srv.Close()

	c := &Client{URL: srv.URL}
	d := c.PreCommand(context.Background(), "RCPT", nil, "a@example.com", []string{"b@example.com"})
	if !d.Override || d.Code != 550 || d.Text != "5.7.1 blocked by policy" {
		t.Fatalf("unexpected decision: %+v", d)
	}
}

func TestPreCommandErrorRejectsByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := &Client{URL: srv.URL}
	d := c.PreCommand(context.Background(), "MAIL", nil, "a@example.com", nil)
	if !d.Override || d.Code != 451 {
		t.Fatalf("expected 451 override on non-2xx, got %+v", d)
	}
}

func TestPreCommandErrorIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := &Client{URL: srv.URL, IgnoreErrors: true}
	d := c.PreCommand(context.Background(), "MAIL", nil, "a@example.com", nil)
	if d.Override {
		t.Fatalf("expected no override when IgnoreErrors is set, got %+v", d)
	}
}

func TestRawProcessorNeverAffectsAcceptance(t *testing.T) {
	var mu sync.Mutex
	var gotBody []byte
	done := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		gotBody = b
		mu.Unlock()
		w.WriteHeader(http.StatusInternalServerError)
		close(done)
	}))
	defer srv.Close()

	c := &Client{RawURL: srv.URL, WaitForResponse: true}
	p := c.NewRawProcessor(RawContext{Hostname: "robin.example"}, false)

	e := &storage.Envelope{Data: []byte("raw message body")}
	r := p.Process(e)
	if r.Outcome != storage.Continue {
		t.Fatalf("raw webhook must never reject, got %+v", r)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("webhook handler never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	if string(gotBody) != "raw message body" {
		t.Errorf("unexpected raw body: %q", gotBody)
	}
}

func TestRawProcessorBase64Encoding(t *testing.T) {
	done := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		done <- b
	}))
	defer srv.Close()

	c := &Client{RawURL: srv.URL, WaitForResponse: true}
	p := c.NewRawProcessor(RawContext{}, true)

	e := &storage.Envelope{Data: []byte("hello")}
	p.Process(e)

	select {
	case got := <-done:
		want := base64.StdEncoding.EncodeToString([]byte("hello"))
		if string(got) != want {
			t.Errorf("got %q, want %q", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("webhook handler never invoked")
	}
}

func TestRawProcessorDisabledWhenNoURL(t *testing.T) {
	c := &Client{}
	p := c.NewRawProcessor(RawContext{}, false)
	r := p.Process(&storage.Envelope{Data: []byte("x")})
	if r.Outcome != storage.Continue {
		t.Fatalf("expected Continue when RawURL unset, got %+v", r)
	}
}
