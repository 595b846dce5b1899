package store

import (
	"sort"
	"sync"
	"time"
)

// Memory is an in-process fake of Store, used by tests across the
// codebase so the suite needs no live Postgres. It implements the exact
// same conditional-write semantics as the Postgres backend.
type Memory struct {
	mu   sync.Mutex
	rows map[string]map[Key]*Item
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[string]map[Key]*Item)}
}

func (m *Memory) table(name string) map[Key]*Item {
	t, ok := m.rows[name]
	if !ok {
		t = make(map[Key]*Item)
		m.rows[name] = t
	}
	return t
}

func cloneAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}

func (m *Memory) expired(it *Item, now time.Time) bool {
	return it.ExpiresAt != nil && !it.ExpiresAt.After(now)
}

func (m *Memory) Get(table string, key Key) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.table(table)[key]
	if !ok || m.expired(it, time.Now()) {
		return Item{}, ErrNotFound
	}
	return Item{Key: it.Key, Attrs: cloneAttrs(it.Attrs), Version: it.Version, ExpiresAt: it.ExpiresAt}, nil
}

func (m *Memory) PutIfAbsent(table string, key Key, attrs map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(table)
	if existing, ok := t[key]; ok && !m.expired(existing, time.Now()) {
		return ErrPreconditionFailed
	}
	t[key] = &Item{Key: key, Attrs: cloneAttrs(attrs), Version: 1}
	return nil
}

func (m *Memory) PutIfVersion(table string, key Key, attrs map[string]any, expectedVersion int64) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(table)
	existing, ok := t[key]
	if !ok || m.expired(existing, time.Now()) || existing.Version != expectedVersion {
		return Item{}, ErrPreconditionFailed
	}
	updated := &Item{Key: key, Attrs: cloneAttrs(attrs), Version: expectedVersion + 1}
	t[key] = updated
	return Item{Key: updated.Key, Attrs: cloneAttrs(updated.Attrs), Version: updated.Version}, nil
}

func (m *Memory) UpdateUnderPredicate(table string, key Key, deltas map[string]int64, pred Predicate) (Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.table(table)
	existing, ok := t[key]
	if !ok || m.expired(existing, time.Now()) {
		return Item{}, ErrPreconditionFailed
	}

	if pred.Attr != "" {
		current, _ := existing.Attrs[pred.Attr].(int64)
		if current < pred.MinValue {
			return Item{}, ErrPreconditionFailed
		}
	}

	next := cloneAttrs(existing.Attrs)
	for attr, delta := range deltas {
		current, _ := next[attr].(int64)
		next[attr] = current + delta
	}

	updated := &Item{Key: key, Attrs: next, Version: existing.Version + 1, ExpiresAt: existing.ExpiresAt}
	t[key] = updated
	return Item{Key: updated.Key, Attrs: cloneAttrs(updated.Attrs), Version: updated.Version}, nil
}

func (m *Memory) Delete(table string, key Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.table(table), key)
	return nil
}

func (m *Memory) QueryPrefix(table string, pk string, skPrefix string) ([]Item, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	var out []Item
	for key, it := range m.table(table) {
		if key.PK != pk || m.expired(it, now) {
			continue
		}
		if len(skPrefix) > len(key.SK) || key.SK[:len(skPrefix)] != skPrefix {
			continue
		}
		out = append(out, Item{Key: it.Key, Attrs: cloneAttrs(it.Attrs), Version: it.Version, ExpiresAt: it.ExpiresAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key.SK < out[j].Key.SK })
	return out, nil
}

func (m *Memory) SetExpiry(table string, key Key, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	it, ok := m.table(table)[key]
	if !ok {
		return ErrNotFound
	}
	t := at
	it.ExpiresAt = &t
	return nil
}
