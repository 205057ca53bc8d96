package datastore

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"sync"
)

// Memory is an in-process Store used in paper-trade mode and tests.
type Memory struct {
	mu          sync.RWMutex
	collections map[string][]memDoc
	failNext    error
}

type memDoc struct {
	raw    json.RawMessage
	fields map[string]any
}

func NewMemory() *Memory {
	return &Memory{collections: make(map[string][]memDoc)}
}

// FailNext makes the next store call return err. Used by tests to
// exercise persistence failure paths.
func (m *Memory) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// Count reports the number of documents in a collection.
func (m *Memory) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}

func (m *Memory) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *Memory) Query(ctx context.Context, collection string, filter Filter, opts QueryOptions) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	var matched []memDoc
	for _, doc := range m.collections[collection] {
		if matches(doc.fields, filter) {
			matched = append(matched, doc)
		}
	}

	if opts.Sort != nil {
		field, desc := opts.Sort.Field, opts.Sort.Desc
		sort.SliceStable(matched, func(i, j int) bool {
			a, b := matched[i].fields[field], matched[j].fields[field]
			if desc {
				return lessValue(b, a)
			}
			return lessValue(a, b)
		})
	}
	if opts.Limit > 0 && len(matched) > opts.Limit {
		matched = matched[:opts.Limit]
	}

	out := make([]json.RawMessage, len(matched))
	for i, doc := range matched {
		out[i] = doc.raw
	}
	return out, nil
}

func (m *Memory) InsertOne(ctx context.Context, collection string, doc any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	md, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	m.collections[collection] = append(m.collections[collection], md)
	return nil
}

func (m *Memory) UpdateOne(ctx context.Context, collection string, filter Filter, doc any) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return false, err
	}
	docs := m.collections[collection]
	for i := range docs {
		if matches(docs[i].fields, filter) {
			md, err := encodeDoc(doc)
			if err != nil {
				return false, err
			}
			docs[i] = md
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) UpsertOne(ctx context.Context, collection string, filter Filter, doc any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return err
	}
	md, err := encodeDoc(doc)
	if err != nil {
		return err
	}
	docs := m.collections[collection]
	for i := range docs {
		if matches(docs[i].fields, filter) {
			docs[i] = md
			return nil
		}
	}
	m.collections[collection] = append(docs, md)
	return nil
}

func (m *Memory) DeleteOne(ctx context.Context, collection string, filter Filter) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return false, err
	}
	docs := m.collections[collection]
	for i := range docs {
		if matches(docs[i].fields, filter) {
			m.collections[collection] = append(docs[:i:i], docs[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Health(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.takeFailure()
}

func (m *Memory) Close() {}

func encodeDoc(doc any) (memDoc, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return memDoc{}, fmt.Errorf("encode document: %w", err)
	}
	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil {
		return memDoc{}, fmt.Errorf("document is not an object: %w", err)
	}
	return memDoc{raw: raw, fields: fields}, nil
}

// matches reports whether every filter field equals the stored field.
// Values are normalized through JSON so int(5) matches float64(5).
func matches(fields map[string]any, filter Filter) bool {
	for key, want := range filter {
		got, ok := fields[key]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(normalize(got), normalize(want)) {
			return false
		}
	}
	return true
}

func normalize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return v
	}
	return out
}

func lessValue(a, b any) bool {
	switch av := a.(type) {
	case float64:
		if bv, ok := b.(float64); ok {
			return av < bv
		}
	case string:
		if bv, ok := b.(string); ok {
			return av < bv
		}
	}
	return false
}
