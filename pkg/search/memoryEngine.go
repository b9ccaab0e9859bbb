package search

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
)

type memoryIndex struct {
	mapping Mapping
	docs    map[string]Document
}

// MemoryEngine is an in-process Engine for local runs and tests.
type MemoryEngine struct {
	mu      sync.RWMutex
	indexes map[string]*memoryIndex
	aliases map[string]string
}

func NewMemoryEngine() *MemoryEngine {
	return &MemoryEngine{
		indexes: make(map[string]*memoryIndex),
		aliases: make(map[string]string),
	}
}

func (m *MemoryEngine) resolve(name string) (*memoryIndex, error) {
	if target, ok := m.aliases[name]; ok {
		name = target
	}
	idx, ok := m.indexes[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	return idx, nil
}

func (m *MemoryEngine) IndexExists(_ context.Context, index string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.indexes[index]
	return ok, nil
}

func (m *MemoryEngine) CreateIndex(_ context.Context, index string, _ map[string]any, mapping Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[index]; ok {
		return fmt.Errorf("index %s already exists", index)
	}
	copied := Mapping{}
	for name, f := range mapping {
		copied[name] = f
	}
	m.indexes[index] = &memoryIndex{mapping: copied, docs: make(map[string]Document)}
	return nil
}

func (m *MemoryEngine) PutAlias(_ context.Context, index, alias string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.indexes[index]; !ok {
		return fmt.Errorf("%w: %s", ErrIndexNotFound, index)
	}
	m.aliases[alias] = index
	return nil
}

func (m *MemoryEngine) GetMapping(_ context.Context, index string) (Mapping, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, err := m.resolve(index)
	if err != nil {
		return nil, err
	}
	live := Mapping{}
	for name, f := range idx.mapping {
		live[name] = f
	}
	return live, nil
}

func (m *MemoryEngine) PutMapping(_ context.Context, index string, fields Mapping) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, err := m.resolve(index)
	if err != nil {
		return err
	}
	for name, f := range fields {
		if have, ok := idx.mapping[name]; ok && have.Type != f.Type {
			return fmt.Errorf("mapper [%s] cannot be changed from type [%s] to [%s]", name, have.Type, f.Type)
		}
		idx.mapping[name] = f
	}
	return nil
}

func (m *MemoryEngine) IndexDocument(_ context.Context, index, id string, doc Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, err := m.resolve(index)
	if err != nil {
		return err
	}
	idx.docs[id] = copyDocument(doc)
	return nil
}

func (m *MemoryEngine) UpdateDocument(_ context.Context, index, id string, fields Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, err := m.resolve(index)
	if err != nil {
		return err
	}
	doc, ok := idx.docs[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrDocumentMissing, id)
	}
	for k, v := range fields {
		doc[k] = v
	}
	return nil
}

func (m *MemoryEngine) DeleteDocument(_ context.Context, index, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, err := m.resolve(index)
	if err != nil {
		return err
	}
	if _, ok := idx.docs[id]; !ok {
		return fmt.Errorf("%w: %s", ErrDocumentMissing, id)
	}
	delete(idx.docs, id)
	return nil
}

func (m *MemoryEngine) GetDocument(_ context.Context, index, id string) (Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, err := m.resolve(index)
	if err != nil {
		return nil, err
	}
	doc, ok := idx.docs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrDocumentMissing, id)
	}
	return copyDocument(doc), nil
}

func (m *MemoryEngine) CountMissing(_ context.Context, index, field string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, err := m.resolve(index)
	if err != nil {
		return 0, err
	}
	var n int64
	for _, doc := range idx.docs {
		if doc[field] == nil {
			n++
		}
	}
	return n, nil
}

func (m *MemoryEngine) FindMissing(_ context.Context, index, field string, exclude []string, size int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, err := m.resolve(index)
	if err != nil {
		return nil, err
	}
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var ids []string
	for id, doc := range idx.docs {
		if doc[field] == nil && !skip[id] {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) > size {
		ids = ids[:size]
	}
	return ids, nil
}

func (m *MemoryEngine) BulkUpdate(_ context.Context, index string, updates map[string]Document) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, err := m.resolve(index)
	if err != nil {
		return nil, err
	}
	var failed []string
	for id, fields := range updates {
		doc, ok := idx.docs[id]
		if !ok {
			failed = append(failed, id)
			continue
		}
		for k, v := range fields {
			doc[k] = v
		}
	}
	sort.Strings(failed)
	return failed, nil
}

func (m *MemoryEngine) Search(_ context.Context, index string, q Query) (*Result, error) {
	after, err := q.searchAfter()
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	idx, err := m.resolve(index)
	if err != nil {
		m.mu.RUnlock()
		return nil, err
	}
	var hits []Hit
	for id, doc := range idx.docs {
		if !matchesFilters(doc, q) {
			continue
		}
		score := 1.0
		if q.Keyword != "" {
			score = keywordScore(doc, q.Keyword)
			if score == 0 {
				continue
			}
		}
		hits = append(hits, Hit{
			ID:     id,
			Score:  score,
			Source: copyDocument(doc),
			Sort:   []any{numberOf(boolValue(doc["isFavorite"])), numberOf(score), numberOf(toFloat(doc["recordId"]))},
		})
	}
	m.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool { return compareTuples(hits[i].Sort, hits[j].Sort) > 0 })
	total := int64(len(hits))

	if after != nil {
		start := sort.Search(len(hits), func(i int) bool { return compareTuples(hits[i].Sort, after) < 0 })
		hits = hits[start:]
	}

	result := &Result{Total: total}
	size := q.pageSize()
	if len(hits) > size {
		hits = hits[:size]
		if result.NextCursor, err = EncodeCursor(hits[size-1].Sort); err != nil {
			return nil, err
		}
	}
	result.Hits = hits
	return result, nil
}

func (m *MemoryEngine) Close() error { return nil }

func matchesFilters(doc Document, q Query) bool {
	if q.UserID != "" && doc["userId"] != q.UserID {
		return false
	}
	if len(q.Tags) > 0 {
		have := stringsOf(doc["tags"])
		found := false
		for _, want := range q.Tags {
			for _, t := range have {
				if t == want {
					found = true
				}
			}
		}
		if !found {
			return false
		}
	}
	if q.HasImages != nil && truthy(doc["hasImages"]) != *q.HasImages {
		return false
	}
	if q.IsFavorite != nil && truthy(doc["isFavorite"]) != *q.IsFavorite {
		return false
	}
	return true
}

func keywordScore(doc Document, keyword string) float64 {
	keyword = strings.ToLower(keyword)
	var score float64
	for _, f := range keywordFields {
		for _, v := range stringsOf(doc[f.Name]) {
			if strings.Contains(strings.ToLower(v), keyword) {
				score += f.Boost
				break
			}
		}
	}
	return score
}

// compareTuples orders sort tuples element by element.
func compareTuples(a, b []any) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		x, y := toFloat(a[i]), toFloat(b[i])
		switch {
		case x > y:
			return 1
		case x < y:
			return -1
		}
	}
	return 0
}

func copyDocument(doc Document) Document {
	out := make(Document, len(doc))
	for k, v := range doc {
		out[k] = v
	}
	return out
}

func stringsOf(v any) []string {
	switch x := v.(type) {
	case string:
		return []string{x}
	case []string:
		return x
	case []any:
		out := make([]string, 0, len(x))
		for _, e := range x {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

// boolValue is the sort key Elasticsearch uses for booleans.
func boolValue(v any) float64 {
	if truthy(v) {
		return 1
	}
	return 0
}

func numberOf(f float64) json.Number {
	return json.Number(strconv.FormatFloat(f, 'f', -1, 64))
}

func toFloat(v any) float64 {
	switch x := v.(type) {
	case int:
		return float64(x)
	case int64:
		return float64(x)
	case float64:
		return x
	case json.Number:
		f, _ := x.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(x, 64)
		return f
	case bool:
		return boolValue(x)
	}
	return 0
}
