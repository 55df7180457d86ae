package courier

import (
	"testing"
	"time"
)

// The MDA courier classifies delivery failures by exit code: EX_TEMPFAIL
// (75) is transient and triggers queueing, everything else bounces.
func TestMDAExitCodeClassification(t *testing.T) {
	cases := []struct {
		args      []string
		permanent bool
	}{
		{[]string{"-c", "exit 75"}, false},
		{[]string{"-c", "exit 1"}, true},
		{[]string{"-c", "exit 64"}, true},
	}

	for _, c := range cases {
		m := &MDA{
			Binary:  "/bin/sh",
			Args:    c.args,
			Timeout: 1 * time.Minute,
		}
		err, permanent := m.Deliver("from@x", "to@local", []byte("data"))
		if err == nil {
			t.Errorf("%v: expected failure, delivery worked", c.args)
			continue
		}
		if permanent != c.permanent {
			t.Errorf("%v: permanent = %v, expected %v",
				c.args, permanent, c.permanent)
		}
	}
}

func TestMDASuccess(t *testing.T) {
	m := &MDA{
		Binary:  "true",
		Timeout: 1 * time.Minute,
	}
	err, _ := m.Deliver("from@x", "to@local", []byte("data"))
	if err != nil {
		t.Errorf("Deliver: %v", err)
	}
}

func TestMDATimeout(t *testing.T) {
	m := &MDA{
		Binary:  "/bin/sleep",
		Args:    []string{"1"},
		Timeout: 100 * time.Millisecond,
	}
	err, permanent := m.Deliver("from", "to@local", []byte("data"))
	if err != errTimeout {
		t.Errorf("unexpected error: %v", err)
	}
	if permanent {
		t.Errorf("timeout should be transient")
	}
}
