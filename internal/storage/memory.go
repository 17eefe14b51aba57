package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

type docKey struct{ coll, id string }

type memDoc struct {
	body    []byte
	version int64
}

// MemoryStore is an in-process document store with optimistic serializable
// transactions. Every committed write bumps the document's version and its
// collection's version; a transaction commits only when nothing it read has
// moved underneath it.
type MemoryStore struct {
	opts Options

	mu       sync.RWMutex
	seq      int64
	docs     map[docKey]memDoc
	collVers map[string]int64
	watchers map[string]map[chan struct{}]struct{}
}

func NewMemoryStore(opts Options) *MemoryStore {
	return &MemoryStore{
		opts:     opts.withDefaults(),
		docs:     make(map[docKey]memDoc),
		collVers: make(map[string]int64),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}
}

type memTx struct {
	s      *MemoryStore
	reads  map[docKey]int64
	colls  map[string]int64
	writes map[docKey][]byte
	order  []docKey
}

func (t *memTx) Get(coll, id string, dst any) error {
	if len(t.writes) > 0 {
		return ErrReadAfterWrite
	}
	t.s.mu.RLock()
	d, ok := t.s.docs[docKey{coll, id}]
	t.s.mu.RUnlock()
	k := docKey{coll, id}
	if _, seen := t.reads[k]; !seen {
		t.reads[k] = d.version
	}
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(d.body, dst)
}

func (t *memTx) Query(q Query, dst any) error {
	if len(t.writes) > 0 {
		return ErrReadAfterWrite
	}
	t.s.mu.RLock()
	if _, seen := t.colls[q.Collection]; !seen {
		t.colls[q.Collection] = t.s.collVers[q.Collection]
	}
	bodies, err := t.s.selectLocked(q)
	t.s.mu.RUnlock()
	if err != nil {
		return err
	}
	return decodeArray(bodies, dst)
}

func (t *memTx) Set(coll, id string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", coll, id, err)
	}
	k := docKey{coll, id}
	if _, ok := t.writes[k]; !ok {
		t.order = append(t.order, k)
	}
	t.writes[k] = b
	return nil
}

func (s *MemoryStore) RunTx(ctx context.Context, fn func(Tx) error) error {
	return runWithRetry(ctx, s.opts, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		t := &memTx{
			s:      s,
			reads:  make(map[docKey]int64),
			colls:  make(map[string]int64),
			writes: make(map[docKey][]byte),
		}
		if err := fn(t); err != nil {
			return err
		}
		return s.commit(t)
	})
}

func (s *MemoryStore) commit(t *memTx) error {
	if len(t.writes) == 0 {
		return nil
	}
	s.mu.Lock()
	for k, v := range t.reads {
		if s.docs[k].version != v {
			s.mu.Unlock()
			return ErrConflict
		}
	}
	for c, v := range t.colls {
		if s.collVers[c] != v {
			s.mu.Unlock()
			return ErrConflict
		}
	}
	touched := make(map[string]struct{})
	for _, k := range t.order {
		s.putLocked(k, t.writes[k])
		touched[k.coll] = struct{}{}
	}
	s.mu.Unlock()
	for c := range touched {
		s.notify(c)
	}
	return nil
}

func (s *MemoryStore) putLocked(k docKey, body []byte) {
	s.seq++
	s.docs[k] = memDoc{body: body, version: s.seq}
	s.collVers[k.coll] = s.seq
}

func (s *MemoryStore) Get(ctx context.Context, coll, id string, dst any) error {
	s.mu.RLock()
	d, ok := s.docs[docKey{coll, id}]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	return json.Unmarshal(d.body, dst)
}

func (s *MemoryStore) Query(ctx context.Context, q Query, dst any) error {
	s.mu.RLock()
	bodies, err := s.selectLocked(q)
	s.mu.RUnlock()
	if err != nil {
		return err
	}
	return decodeArray(bodies, dst)
}

func (s *MemoryStore) Set(ctx context.Context, coll, id string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", coll, id, err)
	}
	s.mu.Lock()
	s.putLocked(docKey{coll, id}, b)
	s.mu.Unlock()
	s.notify(coll)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) Watch(ctx context.Context, q Query) (<-chan []byte, <-chan error) {
	out := make(chan []byte)
	errc := make(chan error, 1)
	wake := make(chan struct{}, 1)
	wake <- struct{}{}

	s.mu.Lock()
	if s.watchers[q.Collection] == nil {
		s.watchers[q.Collection] = make(map[chan struct{}]struct{})
	}
	s.watchers[q.Collection][wake] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.watchers[q.Collection], wake)
			s.mu.Unlock()
			close(out)
			close(errc)
		}()
		var last []byte
		for {
			select {
			case <-ctx.Done():
				return
			case <-wake:
			}
			s.mu.RLock()
			bodies, err := s.selectLocked(q)
			s.mu.RUnlock()
			if err != nil {
				select {
				case errc <- err:
				default:
				}
				continue
			}
			snap := joinArray(bodies)
			if last != nil && bytes.Equal(last, snap) {
				continue
			}
			last = snap
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, errc
}

func (s *MemoryStore) notify(coll string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for w := range s.watchers[coll] {
		select {
		case w <- struct{}{}:
		default:
		}
	}
}

type row struct {
	id   string
	body []byte
	at   time.Time
}

// selectLocked evaluates q; the caller holds s.mu.
func (s *MemoryStore) selectLocked(q Query) ([][]byte, error) {
	var rows []row
	for k, d := range s.docs {
		if k.coll != q.Collection {
			continue
		}
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(d.body, &fields); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", k.coll, k.id, err)
		}
		if !matches(fields, q.Where) {
			continue
		}
		r := row{id: k.id, body: d.body}
		if q.OrderBy != "" {
			raw, ok := fields[q.OrderBy]
			if !ok || json.Unmarshal(raw, &r.at) != nil {
				continue
			}
			if q.StartAt != nil {
				if q.Desc && r.at.After(*q.StartAt) {
					continue
				}
				if !q.Desc && r.at.Before(*q.StartAt) {
					continue
				}
			}
		}
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool {
		if q.OrderBy != "" && !rows[i].at.Equal(rows[j].at) {
			if q.Desc {
				return rows[i].at.After(rows[j].at)
			}
			return rows[i].at.Before(rows[j].at)
		}
		return rows[i].id < rows[j].id
	})
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	out := make([][]byte, len(rows))
	for i, r := range rows {
		out[i] = r.body
	}
	return out, nil
}

func matches(fields map[string]json.RawMessage, where []Eq) bool {
	for _, w := range where {
		raw, ok := fields[w.Field]
		if !ok {
			return false
		}
		var v string
		if err := json.Unmarshal(raw, &v); err != nil || v != w.Value {
			return false
		}
	}
	return true
}
