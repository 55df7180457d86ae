package proxyrouter

import (
	"github.com/transilvlad/robin/internal/storage"
)

// StreamProcessor is the storage.Processor that streams the envelope
// payload over an already-open Upstream (attached to the envelope by the
// RCPT handler when the first matching rule opened a connection) and
// surfaces the upstream's final response to the inbound client.
type StreamProcessor struct{}

func (StreamProcessor) Name() string { return "proxy-stream" }

func (StreamProcessor) Process(e *storage.Envelope) storage.Result {
	if e.ProxyUpstream == nil {
		return storage.ContinueResult()
	}
	defer e.ProxyUpstream.Close()

	code, text, err := e.ProxyUpstream.Stream(e.Data)
	if err != nil {
		return storage.Reject(451, "4.4.0 Error relaying message to upstream: "+err.Error())
	}
	if code >= 200 && code < 400 {
		return storage.Ok(code, text)
	}
	return storage.Reject(code, text)
}
