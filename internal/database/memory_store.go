package database

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps records in process memory. It satisfies the Store contract
// except for surviving a process restart.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*SessionRecord
	inflight  map[string][]InflightRecord
	willTasks map[string]*WillTaskRecord
	retained  map[string]MessageRecord
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*SessionRecord),
		inflight:  make(map[string][]InflightRecord),
		willTasks: make(map[string]*WillTaskRecord),
		retained:  make(map[string]MessageRecord),
	}
}

func (ms *MemoryStore) Put(_ context.Context, record *SessionRecord) error {
	if record == nil || record.ClientID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.sessions[record.ClientID] = record.clone()
	return nil
}

func (ms *MemoryStore) Get(_ context.Context, clientID string) (*SessionRecord, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return ms.sessions[clientID].clone(), nil
}

func (ms *MemoryStore) Delete(_ context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.sessions, clientID)
	delete(ms.inflight, clientID)
	delete(ms.willTasks, clientID)
	return nil
}

func (ms *MemoryStore) List(_ context.Context) ([]*SessionRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	result := make([]*SessionRecord, 0, len(ms.sessions))
	for _, record := range ms.sessions {
		result = append(result, record.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ClientID < result[j].ClientID })
	return result, nil
}

func (ms *MemoryStore) PutInflight(_ context.Context, clientID string, entries []InflightRecord) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if len(entries) == 0 {
		delete(ms.inflight, clientID)
		return nil
	}
	ms.inflight[clientID] = cloneInflight(entries)
	return nil
}

func (ms *MemoryStore) GetInflight(_ context.Context, clientID string) ([]InflightRecord, error) {
	if clientID == "" {
		return nil, ErrClientIDEmpty
	}
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	return cloneInflight(ms.inflight[clientID]), nil
}

func (ms *MemoryStore) PutWillTask(_ context.Context, clientID string, task *WillTaskRecord) error {
	if clientID == "" || task == nil {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	c := task.clone()
	c.ClientID = clientID
	ms.willTasks[clientID] = c
	return nil
}

func (ms *MemoryStore) DeleteWillTask(_ context.Context, clientID string) error {
	if clientID == "" {
		return ErrClientIDEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.willTasks, clientID)
	return nil
}

func (ms *MemoryStore) ListWillTasks(_ context.Context) ([]*WillTaskRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	result := make([]*WillTaskRecord, 0, len(ms.willTasks))
	for _, task := range ms.willTasks {
		result = append(result, task.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].FireAt.Before(result[j].FireAt) })
	return result, nil
}

func (ms *MemoryStore) PutRetained(_ context.Context, message MessageRecord) error {
	if message.Topic == "" {
		return ErrTopicEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	ms.retained[message.Topic] = message.clone()
	return nil
}

func (ms *MemoryStore) DeleteRetained(_ context.Context, topic string) error {
	if topic == "" {
		return ErrTopicEmpty
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	delete(ms.retained, topic)
	return nil
}

func (ms *MemoryStore) ListRetained(_ context.Context) ([]MessageRecord, error) {
	ms.mu.RLock()
	defer ms.mu.RUnlock()
	result := make([]MessageRecord, 0, len(ms.retained))
	for _, message := range ms.retained {
		result = append(result, message.clone())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Topic < result[j].Topic })
	return result, nil
}

func (ms *MemoryStore) Close(_ context.Context) error {
	return nil
}
