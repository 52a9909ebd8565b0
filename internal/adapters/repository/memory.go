package repository

import (
	"context"
	"sort"
	"strconv"
	"sync"

	"github.com/okian/iuuwatch/internal/domain/model"
)

// MemoryStore keeps alerts and licences in process. Ids start at 1 and are
// assigned under the lock, so readers never see a gap fill in later.
type MemoryStore struct {
	mu       sync.RWMutex
	alerts   []model.Alert
	byKey    map[string]int64
	licences map[string]struct{}
	nextID   int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		byKey:    make(map[string]int64),
		licences: make(map[string]struct{}),
		nextID:   1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func alertKey(a model.Alert) string {
	return a.VesselID + "@" + strconv.FormatInt(a.Timestamp.UnixNano(), 10)
}

// Insert implements AlertStore.
func (s *MemoryStore) Insert(_ context.Context, a model.Alert) (int64, bool, error) {
	if err := checkAlert(a); err != nil {
		return 0, false, &model.SinkError{Op: "insert", Err: err}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := alertKey(a)
	if id, ok := s.byKey[key]; ok {
		return id, false, nil
	}
	a.ID = s.nextID
	s.nextID++
	a.Timestamp = a.Timestamp.UTC()
	s.alerts = append(s.alerts, a)
	s.byKey[key] = a.ID
	return a.ID, true, nil
}

// After implements AlertStore.
func (s *MemoryStore) After(_ context.Context, cursor int64, limit int) ([]model.Alert, error) {
	if err := checkLimit(limit); err != nil {
		return nil, &model.SinkError{Op: "select", Err: err}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.alerts), func(i int) bool { return s.alerts[i].ID > cursor })
	end := min(i+limit, len(s.alerts))
	out := make([]model.Alert, end-i)
	copy(out, s.alerts[i:end])
	return out, nil
}

// Count implements AlertStore.
func (s *MemoryStore) Count(_ context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.alerts)), nil
}

// IsExempt implements LicenceRegistry.
func (s *MemoryStore) IsExempt(_ context.Context, vesselID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.licences[vesselID]
	return ok, nil
}

// AddLicence registers an exempt vessel.
func (s *MemoryStore) AddLicence(vesselID string) {
	s.mu.Lock()
	s.licences[vesselID] = struct{}{}
	s.mu.Unlock()
}

// RemoveLicence drops an exemption.
func (s *MemoryStore) RemoveLicence(vesselID string) {
	s.mu.Lock()
	delete(s.licences, vesselID)
	s.mu.Unlock()
}
