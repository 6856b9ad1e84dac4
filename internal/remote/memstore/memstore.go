// Package memstore is a pure in-memory remote.Store used by tests and
// local development. It supports injected failures so offline behavior can
// be exercised without a network.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aveer-dev/collabsync/internal/remote"
)

// Store implements remote.Store and remote.TextSearcher over maps.
type Store struct {
	mu     sync.Mutex
	tables map[string]map[string]remote.Record
	log    map[string][]remote.Record // upsert history per table, in call order
	err    error
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		tables: make(map[string]map[string]remote.Record),
		log:    make(map[string][]remote.Record),
	}
}

// SetErr makes every subsequent operation fail with err until cleared with
// SetErr(nil). This is the "network unreachable" switch in tests.
func (s *Store) SetErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// UpsertLog returns the records passed to Upsert for table, in call order.
func (s *Store) UpsertLog(table string) []remote.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]remote.Record, len(s.log[table]))
	copy(out, s.log[table])
	return out
}

func (s *Store) Get(ctx context.Context, table, key string) (remote.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, remote.Errf("get", table, s.err)
	}
	rec, ok := s.tables[table][key]
	if !ok {
		return nil, nil
	}
	return clone(rec), nil
}

func (s *Store) Upsert(ctx context.Context, table string, rec remote.Record, conflictKey string) (remote.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, remote.Errf("upsert", table, s.err)
	}
	if conflictKey == "" {
		conflictKey = "id"
	}
	stored := clone(rec)
	if _, ok := stored["id"]; !ok {
		stored["id"] = uuid.NewString()
	}
	if _, ok := stored["created_at"]; !ok {
		stored["created_at"] = time.Now().UTC()
	}
	stored["updated_at"] = time.Now().UTC()

	t := s.tables[table]
	if t == nil {
		t = make(map[string]remote.Record)
		s.tables[table] = t
	}
	// Conflict resolution on a non-id column replaces the matching row.
	key := fmt.Sprintf("%v", stored["id"])
	if conflictKey != "id" {
		for k, existing := range t {
			if fmt.Sprintf("%v", existing[conflictKey]) == fmt.Sprintf("%v", stored[conflictKey]) {
				stored["id"] = existing["id"]
				stored["created_at"] = existing["created_at"]
				key = k
				break
			}
		}
	} else if existing, ok := t[key]; ok {
		stored["created_at"] = existing["created_at"]
	}
	t[key] = clone(stored)
	s.log[table] = append(s.log[table], clone(rec))
	return stored, nil
}

func (s *Store) SelectMatching(ctx context.Context, table string, filter map[string]any, orderBy string) ([]remote.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, remote.Errf("select", table, s.err)
	}
	var out []remote.Record
	for _, rec := range s.tables[table] {
		if matches(rec, filter) {
			out = append(out, clone(rec))
		}
	}
	if orderBy != "" {
		col := strings.Fields(orderBy)[0]
		desc := strings.HasSuffix(strings.ToLower(orderBy), " desc")
		sort.SliceStable(out, func(i, j int) bool {
			less := lessValue(out[i][col], out[j][col])
			if desc {
				return !less
			}
			return less
		})
	}
	return out, nil
}

func (s *Store) Update(ctx context.Context, table, key string, partial remote.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return remote.Errf("update", table, s.err)
	}
	rec, ok := s.tables[table][key]
	if !ok {
		return remote.Errf("update", table, fmt.Errorf("row %s not found", key))
	}
	for k, v := range partial {
		rec[k] = v
	}
	rec["updated_at"] = time.Now().UTC()
	return nil
}

func (s *Store) TextSearch(ctx context.Context, table, column, query string) ([]remote.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, remote.Errf("search", table, s.err)
	}
	q := strings.ToLower(query)
	var out []remote.Record
	for _, rec := range s.tables[table] {
		if v, ok := rec[column].(string); ok && strings.Contains(strings.ToLower(v), q) {
			out = append(out, clone(rec))
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return lessValue(out[i]["created_at"], out[j]["created_at"])
	})
	return out, nil
}

func matches(rec remote.Record, filter map[string]any) bool {
	for k, want := range filter {
		if fmt.Sprintf("%v", rec[k]) != fmt.Sprintf("%v", want) {
			return false
		}
	}
	return true
}

func lessValue(a, b any) bool {
	at, aok := asTime(a)
	bt, bok := asTime(b)
	if aok && bok {
		return at.Before(bt)
	}
	return fmt.Sprintf("%v", a) < fmt.Sprintf("%v", b)
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		return parsed, err == nil
	default:
		return time.Time{}, false
	}
}

func clone(rec remote.Record) remote.Record {
	out := make(remote.Record, len(rec))
	for k, v := range rec {
		out[k] = v
	}
	return out
}
