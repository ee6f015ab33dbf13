package task

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var ErrNotFound = errors.New("task not found")

// Store persists task records. Implementations hand out copies: mutating a
// returned *Task has no effect until it goes through Update.
type Store interface {
	Create(ctx context.Context, name, typ string, params Params) (*Task, error)
	Update(ctx context.Context, id string, fn func(*Task)) (*Task, error)
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context) ([]*Task, error)
}

// MemoryStore keeps tasks in process memory. Records live until restart.
type MemoryStore struct {
	tasks sync.Map
	// serializes read-modify-write in Update
	mu sync.Mutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Create(ctx context.Context, name, typ string, params Params) (*Task, error) {
	t := newTask(name, typ, params)
	s.tasks.Store(t.ID, t)
	return t.clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, id string, fn func(*Task)) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	val, ok := s.tasks.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	t := val.(*Task).clone()
	fn(t)
	t.ID = id
	t.UpdatedAt = time.Now()
	s.tasks.Store(id, t)
	return t.clone(), nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Task, error) {
	val, ok := s.tasks.Load(id)
	if !ok {
		return nil, ErrNotFound
	}
	return val.(*Task).clone(), nil
}

func (s *MemoryStore) List(ctx context.Context) ([]*Task, error) {
	var out []*Task
	s.tasks.Range(func(key, value interface{}) bool {
		out = append(out, value.(*Task).clone())
		return true
	})
	sortByCreated(out)
	return out, nil
}

func sortByCreated(tasks []*Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})
}
