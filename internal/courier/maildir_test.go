package courier

import (
	"bytes"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
)

func TestMaildir(t *testing.T) {
	base := t.TempDir()
	m := &Maildir{Base: base}

	err, permanent := m.Deliver("from@x", "b@y", []byte("Subject: hi\n\nhi\n"))
	if err != nil {
		t.Fatalf("Deliver: %v (permanent=%v)", err, permanent)
	}

	newDir := filepath.Join(base, "y", "b", "new")
	entries, err := ioutil.ReadDir(newDir)
	if err != nil {
		t.Fatalf("reading new/: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 message in new/, got %d", len(entries))
	}

	data, err := ioutil.ReadFile(filepath.Join(newDir, entries[0].Name()))
	if err != nil {
		t.Fatalf("reading message: %v", err)
	}
	if !bytes.Contains(data, []byte("hi")) {
		t.Errorf("message body mismatch: %q", data)
	}

	// tmp/ must be left empty.
	tmpEntries, _ := ioutil.ReadDir(filepath.Join(base, "y", "b", "tmp"))
	if len(tmpEntries) != 0 {
		t.Errorf("tmp/ not empty after delivery: %d entries", len(tmpEntries))
	}
}

func TestMaildirUniqueNames(t *testing.T) {
	base := t.TempDir()
	m := &Maildir{Base: base}

	for i := 0; i < 3; i++ {
		if err, _ := m.Deliver("from@x", "b@y", []byte("msg\n")); err != nil {
			t.Fatalf("Deliver #%d: %v", i, err)
		}
	}

	entries, err := os.ReadDir(filepath.Join(base, "y", "b", "new"))
	if err != nil {
		t.Fatalf("reading new/: %v", err)
	}
	if len(entries) != 3 {
		t.Errorf("expected 3 distinct messages, got %d", len(entries))
	}
}
