package scanresult

import (
	"sync"
	"testing"
)

func TestScannerName(t *testing.T) {
	cases := []struct {
		r    ScanResult
		want string
	}{
		{ScanResult{Rspamd: &Rspamd{Score: 12.3, Spam: true}}, "rspamd"},
		{ScanResult{ClamAV: &ClamAV{Infected: true, Viruses: []string{"Eicar"}}}, "clamav"},
		{ScanResult{Other: &Other{Scanner: "custom-scanner"}}, "custom-scanner"},
		{ScanResult{}, "unknown"},
	}
	for _, c := range cases {
		if got := c.r.Scanner(); got != c.want {
			t.Errorf("Scanner() = %q, want %q", got, c.want)
		}
	}
}

func TestListConcurrentAppend(t *testing.T) {
	var l List
	var wg sync.WaitGroup
	const n = 50
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			l.Append(ScanResult{ClamAV: &ClamAV{Infected: false}})
		}(i)
	}
	wg.Wait()

	if l.Len() != n {
		t.Errorf("Len() = %d, want %d", l.Len(), n)
	}
	if len(l.Snapshot()) != n {
		t.Errorf("Snapshot() len = %d, want %d", len(l.Snapshot()), n)
	}
}
