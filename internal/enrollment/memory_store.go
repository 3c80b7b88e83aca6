package enrollment

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for development mode and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*Enrollment
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Enrollment)}
}

func key(userID, courseID string) string {
	return userID + "|" + courseID
}

func (m *MemoryStore) Create(ctx context.Context, userID, courseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key(userID, courseID)
	if _, ok := m.rows[k]; ok {
		return ErrAlreadyEnrolled
	}
	m.rows[k] = &Enrollment{UserID: userID, CourseID: courseID, CreatedAt: time.Now()}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, userID, courseID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, key(userID, courseID))
	return nil
}

func (m *MemoryStore) Exists(ctx context.Context, userID, courseID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.rows[key(userID, courseID)]
	return ok, nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID string) ([]*Enrollment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Enrollment
	for _, e := range m.rows {
		if e.UserID == userID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}
