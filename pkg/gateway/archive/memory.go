package archive

import (
	"context"
	"sync"
	"time"
)

// Memory keeps records in process until their TTL passes.
type Memory struct {
	mu      sync.RWMutex
	records map[string]memoryRecord
	ttl     time.Duration
	now     func() time.Time
}

type memoryRecord struct {
	rec       Record
	expiresAt time.Time
}

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		records: make(map[string]memoryRecord),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (m *Memory) Save(ctx context.Context, rec Record) error {
	now := m.now()
	rec.Extraction = rec.Extraction.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, r := range m.records {
		if !now.Before(r.expiresAt) {
			delete(m.records, id)
		}
	}
	m.records[rec.SessionID] = memoryRecord{rec: rec, expiresAt: now.Add(m.ttl)}
	return nil
}

func (m *Memory) Load(ctx context.Context, sessionID string) (Record, error) {
	m.mu.RLock()
	r, ok := m.records[sessionID]
	m.mu.RUnlock()
	if !ok || !m.now().Before(r.expiresAt) {
		return Record{}, ErrNotFound
	}
	out := r.rec
	out.Extraction = r.rec.Extraction.Clone()
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
