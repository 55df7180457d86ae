package queue

import "sync"

// memBackend is an in-memory Backend, used for tests and for the
// in-memory queue option (useful for debugging/staging runs where
// durability across restarts is not required).
type memBackend struct {
	mu   sync.Mutex
	jobs []*RelayJob
}

func newMemBackend() *memBackend {
	return &memBackend{}
}

func (m *memBackend) Put(job *RelayJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, j := range m.jobs {
		if j.UID == job.UID {
			m.jobs[i] = job
			return nil
		}
	}
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *memBackend) Dequeue(max int) ([]*RelayJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if max > len(m.jobs) {
		max = len(m.jobs)
	}
	out := m.jobs[:max]
	m.jobs = m.jobs[max:]
	return out, nil
}

func (m *memBackend) Peek(max int) ([]*RelayJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if max > len(m.jobs) {
		max = len(m.jobs)
	}
	out := make([]*RelayJob, max)
	copy(out, m.jobs[:max])
	return out, nil
}

func (m *memBackend) Snapshot() ([]*RelayJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*RelayJob, len(m.jobs))
	copy(out, m.jobs)
	return out, nil
}

func (m *memBackend) RemoveByUID(uid string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, j := range m.jobs {
		if j.UID == uid {
			m.jobs = append(m.jobs[:i], m.jobs[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *memBackend) RemoveAt(index int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if index < 0 || index >= len(m.jobs) {
		return nil
	}
	m.jobs = append(m.jobs[:index], m.jobs[index+1:]...)
	return nil
}

func (m *memBackend) Len() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs), nil
}

func (m *memBackend) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = nil
	return nil
}

func (m *memBackend) Close() error { return nil }
