package orionld

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-process Store. It applies PATCH semantics on update
// (top-level attributes replaced, others kept).
type MemoryStore struct {
	mu       sync.RWMutex
	entities map[string]map[string]map[string]json.RawMessage
	writes   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entities: map[string]map[string]map[string]json.RawMessage{}}
}

// Put stores entity, replacing any existing one with the same id.
func (m *MemoryStore) Put(tenant string, entity any) error {
	doc, id, err := toDoc(entity)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tenant(tenant)[id] = doc
	return nil
}

// Writes returns the number of successful create and update calls.
func (m *MemoryStore) Writes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.writes
}

func (m *MemoryStore) GetEntity(_ context.Context, tenant, id string, out any) error {
	m.mu.RLock()
	doc, ok := m.entities[tenant][id]
	var b []byte
	var err error
	if ok {
		b, err = json.Marshal(doc)
	}
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func (m *MemoryStore) CreateEntity(_ context.Context, tenant string, entity any) error {
	doc, id, err := toDoc(entity)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	t := m.tenant(tenant)
	if _, exists := t[id]; exists {
		return fmt.Errorf("%w: %s", ErrConflict, id)
	}
	t[id] = doc
	m.writes++
	return nil
}

func (m *MemoryStore) UpdateEntity(_ context.Context, tenant, id string, attrs any) error {
	b, err := json.Marshal(attrs)
	if err != nil {
		return fmt.Errorf("encode attrs: %w", err)
	}
	var patch map[string]json.RawMessage
	if err := json.Unmarshal(b, &patch); err != nil {
		return fmt.Errorf("attrs must be an object: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.entities[tenant][id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	for k, v := range patch {
		if k == "id" || k == "type" {
			continue
		}
		doc[k] = v
	}
	m.writes++
	return nil
}

func (m *MemoryStore) tenant(name string) map[string]map[string]json.RawMessage {
	t, ok := m.entities[name]
	if !ok {
		t = map[string]map[string]json.RawMessage{}
		m.entities[name] = t
	}
	return t
}

func toDoc(entity any) (map[string]json.RawMessage, string, error) {
	b, err := json.Marshal(entity)
	if err != nil {
		return nil, "", fmt.Errorf("encode entity: %w", err)
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, "", fmt.Errorf("entity must be an object: %w", err)
	}
	var id string
	if err := json.Unmarshal(doc["id"], &id); err != nil || id == "" {
		return nil, "", fmt.Errorf("entity without id")
	}
	return doc, id, nil
}
