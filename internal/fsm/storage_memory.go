package fsm

import (
	"context"
	"sync"
)

// MemoryStorage is process-local and does not survive a restart. Values
// are stored encoded so reads behave like the durable stores.
type MemoryStorage struct {
	mu      sync.Mutex
	records map[int64]memoryRecord
}

type memoryRecord struct {
	state State
	data  []byte
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{records: make(map[int64]memoryRecord)}
}

func (s *MemoryStorage) Load(_ context.Context, accountID int64) (State, Data, error) {
	s.mu.Lock()
	rec, ok := s.records[accountID]
	s.mu.Unlock()
	if !ok {
		return None, Data{}, nil
	}
	data, err := decode(rec.data)
	if err != nil {
		return None, nil, err
	}
	return rec.state, data, nil
}

func (s *MemoryStorage) Save(_ context.Context, accountID int64, state State, data Data) error {
	b, err := encode(data)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.records[accountID] = memoryRecord{state: state, data: b}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStorage) Delete(_ context.Context, accountID int64) error {
	s.mu.Lock()
	delete(s.records, accountID)
	s.mu.Unlock()
	return nil
}
