package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nicktill/minerstats/pkg/storage"
)

type node struct {
	value    []byte
	priority int64
}

// Storage keeps the tree in memory. Data is lost on restart.
// Useful for testing and development.
type Storage struct {
	mu       sync.RWMutex
	nodes    map[string]node
	children map[string]map[string]struct{} // parent -> child paths
	closed   bool
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		nodes:    make(map[string]node),
		children: make(map[string]map[string]struct{}),
	}
}

var _ storage.Store = (*Storage)(nil)

// Get returns a copy of the stored value
func (s *Storage) Get(ctx context.Context, path string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrUnavailable
	}

	n, ok := s.nodes[path]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clone(n.value), nil
}

func (s *Storage) Set(ctx context.Context, path string, value []byte) error {
	_, err := s.SetWithPriority(ctx, path, value, 0)
	return err
}

func (s *Storage) SetWithPriority(ctx context.Context, path string, value []byte, priority int64) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, storage.ErrUnavailable
	}
	return s.put(path, value, priority), nil
}

// Update holds the write lock across fn, which serializes every update
func (s *Storage) Update(ctx context.Context, path string, priority int64, fn storage.UpdateFunc) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, storage.ErrUnavailable
	}

	var current []byte
	if n, ok := s.nodes[path]; ok {
		current = clone(n.value)
	}
	next, err := fn(current)
	if err != nil {
		return false, err
	}
	return s.put(path, next, priority), nil
}

func (s *Storage) Delete(ctx context.Context, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrUnavailable
	}

	if _, ok := s.nodes[path]; !ok {
		return nil
	}
	delete(s.nodes, path)
	parent, _ := storage.Split(path)
	if kids := s.children[parent]; kids != nil {
		delete(kids, path)
		if len(kids) == 0 {
			delete(s.children, parent)
		}
	}
	return nil
}

func (s *Storage) List(ctx context.Context, parent string, limit int, endAt int64) ([]storage.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, storage.ErrUnavailable
	}

	var results []storage.Entry
	for path := range s.children[parent] {
		n := s.nodes[path]
		if n.priority > endAt {
			continue
		}
		_, key := storage.Split(path)
		results = append(results, storage.Entry{
			Path:     path,
			Key:      key,
			Priority: n.priority,
			Value:    clone(n.value),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Priority != results[j].Priority {
			return results[i].Priority < results[j].Priority
		}
		return results[i].Key < results[j].Key
	})

	if limit > 0 && len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// Len returns the number of stored paths
func (s *Storage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Close drops all data
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.nodes = nil
	s.children = nil
	return nil
}

// put must be called with the write lock held
func (s *Storage) put(path string, value []byte, priority int64) bool {
	_, existed := s.nodes[path]
	s.nodes[path] = node{value: clone(value), priority: priority}

	parent, _ := storage.Split(path)
	kids := s.children[parent]
	if kids == nil {
		kids = make(map[string]struct{})
		s.children[parent] = kids
	}
	kids[path] = struct{}{}
	return !existed
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
