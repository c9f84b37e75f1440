package event

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrStreamExists is returned when creating a stream whose id is taken
	ErrStreamExists = errors.New("event: stream already exists")

	// ErrStreamNotFound is returned when publishing to an unknown stream
	ErrStreamNotFound = errors.New("event: stream not found")
)

// Record is one published event as stored by the memory stream.
type Record struct {
	ID        string    `json:"id"`
	StreamID  string    `json:"stream_id"`
	Type      string    `json:"type"`
	Payload   []byte    `json:"payload,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

type memStream struct {
	metadata map[string]interface{}
	records  []Record
}

// Memory is an in-process Stream with a bounded per-stream history.
type Memory struct {
	mu      sync.Mutex
	streams map[string]*memStream
	limit   int
}

// NewMemory returns a memory stream keeping up to limit records per stream
// (default 1000 when limit <= 0).
func NewMemory(limit int) *Memory {
	if limit <= 0 {
		limit = 1000
	}
	return &Memory{streams: map[string]*memStream{}, limit: limit}
}

// CreateStream implements Stream.
func (m *Memory) CreateStream(ctx context.Context, id string, metadata map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.streams[id]; ok {
		return ErrStreamExists
	}
	m.streams[id] = &memStream{metadata: metadata}
	return nil
}

// Publish implements Stream.
func (m *Memory) Publish(ctx context.Context, id string, eventType string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		return ErrStreamNotFound
	}

	s.records = append(s.records, Record{
		ID:        uuid.NewString(),
		StreamID:  id,
		Type:      eventType,
		Payload:   data,
		CreatedAt: time.Now(),
	})
	if len(s.records) > m.limit {
		s.records = s.records[len(s.records)-m.limit:]
	}
	return nil
}

// Records returns a copy of a stream's history, newest last.
func (m *Memory) Records(id string) []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.streams[id]
	if !ok {
		return nil
	}
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Types returns just the event types of a stream's history, in order.
// Convenient for assertions.
func (m *Memory) Types(id string) []string {
	records := m.Records(id)
	out := make([]string, 0, len(records))
	for _, r := range records {
		out = append(out, r.Type)
	}
	return out
}
