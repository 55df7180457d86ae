package storage

import "testing"

type fixedProcessor struct {
	name   string
	result Result
	ran    *[]string
}

func (f fixedProcessor) Name() string { return f.name }
func (f fixedProcessor) Process(e *Envelope) Result {
	if f.ran != nil {
		*f.ran = append(*f.ran, f.name)
	}
	return f.result
}

func TestChainRunsUntilFirstTerminalResult(t *testing.T) {
	var ran []string
	chain := NewChain(
		fixedProcessor{name: "av", result: ContinueResult(), ran: &ran},
		fixedProcessor{name: "spam", result: Reject(554, "5.7.1 spam"), ran: &ran},
		fixedProcessor{name: "local-storage", result: ContinueResult(), ran: &ran},
	)

	r := chain.Run(&Envelope{})

	if r.Outcome != StopReject || r.Code != 554 {
		t.Fatalf("unexpected result: %+v", r)
	}
	if len(ran) != 2 || ran[0] != "av" || ran[1] != "spam" {
		t.Fatalf("expected chain to stop after spam, ran = %v", ran)
	}
}

func TestChainContinueThroughEnd(t *testing.T) {
	chain := NewChain(
		fixedProcessor{name: "av", result: ContinueResult()},
		fixedProcessor{name: "spam", result: ContinueResult()},
	)
	r := chain.Run(&Envelope{})
	if r.Outcome != Continue {
		t.Fatalf("expected Continue outcome when no processor stops, got %+v", r)
	}
}

func TestChainRejectsUnknownOutcome(t *testing.T) {
	chain := NewChain(fixedProcessor{name: "bogus", result: Result{Outcome: Outcome(99)}})
	r := chain.Run(&Envelope{})
	if r.Outcome != StopReject {
		t.Fatalf("expected unknown outcome to fail closed as StopReject, got %+v", r)
	}
}

func TestEnvelopeClone(t *testing.T) {
	e := &Envelope{
		MailFrom: "a@b",
		RcptTo:   []string{"x@y"},
		Data:     []byte("payload"),
	}
	e.Remove("x@y")

	c := e.Clone()

	// The payload is never part of the clone.
	if c.Data != nil {
		t.Errorf("clone carries the raw payload")
	}
	if !c.RemovedRecipients["x@y"] {
		t.Errorf("removed recipients not copied: %v", c.RemovedRecipients)
	}

	// Mutating the clone must not reach back into the original.
	c.RcptTo[0] = "mutated@y"
	c.RemovedRecipients["other@y"] = true
	if e.RcptTo[0] != "x@y" {
		t.Errorf("clone shares the recipient backing array")
	}
	if e.RemovedRecipients["other@y"] {
		t.Errorf("clone shares the removed-recipients map")
	}
}

func TestEnvelopeActiveRecipientsAndRemove(t *testing.T) {
	e := &Envelope{RcptTo: []string{"a@example.com", "b@example.com", "c@example.com"}}

	if got := e.ActiveRecipients(); len(got) != 3 {
		t.Fatalf("expected all 3 recipients active, got %v", got)
	}

	e.Remove("b@example.com")
	got := e.ActiveRecipients()
	if len(got) != 2 || got[0] != "a@example.com" || got[1] != "c@example.com" {
		t.Fatalf("unexpected active recipients after Remove: %v", got)
	}
}
