package monitor

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/qiniu/sensorwatch/internal/alerting/model"
)

// MemoryStore keeps records in process. Suitable for a single instance.
type MemoryStore struct {
	mu   sync.Mutex
	docs map[string]model.NotificationMonitor
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[string]model.NotificationMonitor{}, now: time.Now}
}

func (s *MemoryStore) Create(_ context.Context, m *model.NotificationMonitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.docs {
		if d.ID == m.ID || (d.AlarmID == m.AlarmID && d.RuleID == m.RuleID) {
			return ErrAlreadyExists
		}
	}
	s.docs[m.ID] = *m
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*model.NotificationMonitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *MemoryStore) Update(_ context.Context, m *model.NotificationMonitor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.docs[m.ID]; !ok {
		return ErrNotFound
	}
	s.docs[m.ID] = *m
	return nil
}

func (s *MemoryStore) UpdateStatus(_ context.Context, id string, status model.MonitorStatus, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok {
		return ErrNotFound
	}
	d.Status, d.Message, d.LastUpdatedAt = status, message, s.now().UTC()
	s.docs[id] = d
	return nil
}

func (s *MemoryStore) ResetStale(_ context.Context, id string, staleBefore time.Time, message string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok || d.Status != model.MonitorProcessing || !d.LastUpdatedAt.Before(staleBefore) {
		return false, nil
	}
	d.Status, d.Message, d.LastUpdatedAt = model.MonitorWatching, message, s.now().UTC()
	s.docs[id] = d
	return true, nil
}

func (s *MemoryStore) Claim(_ context.Context, id string) (*model.NotificationMonitor, model.MonitorStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.docs[id]
	if !ok || !d.Status.Claimable() {
		return nil, "", nil
	}
	return s.claimLocked(d)
}

func (s *MemoryStore) ClaimByAlarm(_ context.Context, alarmID string) (*model.NotificationMonitor, model.MonitorStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.sortedLocked() {
		if d.AlarmID == alarmID && d.Status.Claimable() {
			return s.claimLocked(d)
		}
	}
	return nil, "", nil
}

func (s *MemoryStore) claimLocked(d model.NotificationMonitor) (*model.NotificationMonitor, model.MonitorStatus, error) {
	prev := d.Status
	d.Status = model.MonitorProcessing
	d.LastUpdatedAt = s.now().UTC()
	s.docs[d.ID] = d
	return &d, prev, nil
}

func (s *MemoryStore) NextForProcessing(_ context.Context, skip, take int, staleBefore time.Time) ([]*model.NotificationMonitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*model.NotificationMonitor
	for _, d := range s.sortedLocked() {
		if !eligible(&d, staleBefore) {
			continue
		}
		if skip > 0 {
			skip--
			continue
		}
		if len(out) == take {
			break
		}
		out = append(out, &d)
	}
	return out, nil
}

func (s *MemoryStore) List(_ context.Context, f ListFilter) ([]*model.NotificationMonitor, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]model.NotificationMonitor, 0, len(s.docs))
	for _, d := range s.docs {
		if matches(&d, f) {
			all = append(all, d)
		}
	}
	slices.SortFunc(all, byLastUpdatedDesc)
	limit := defaultLimit(f.Limit)
	out := make([]*model.NotificationMonitor, 0, min(limit, len(all)))
	for i := range all {
		if len(out) == limit {
			break
		}
		out = append(out, &all[i])
	}
	return out, nil
}

// sortedLocked returns the records oldest notice first.
func (s *MemoryStore) sortedLocked() []model.NotificationMonitor {
	all := make([]model.NotificationMonitor, 0, len(s.docs))
	for _, d := range s.docs {
		all = append(all, d)
	}
	slices.SortFunc(all, byLastNotice)
	return all
}

func eligible(m *model.NotificationMonitor, staleBefore time.Time) bool {
	switch m.Status {
	case model.MonitorWatching, model.MonitorAcknowledged:
		return true
	case model.MonitorProcessing:
		return m.LastUpdatedAt.Before(staleBefore)
	}
	return false
}

func matches(m *model.NotificationMonitor, f ListFilter) bool {
	return (f.Status == "" || m.Status == f.Status) && (f.Tenant == "" || m.Tenant == f.Tenant)
}

func byLastNotice(a, b model.NotificationMonitor) int {
	if c := a.LastNotice().Compare(b.LastNotice()); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}

func byLastUpdatedDesc(a, b model.NotificationMonitor) int {
	if c := b.LastUpdatedAt.Compare(a.LastUpdatedAt); c != 0 {
		return c
	}
	return cmp.Compare(a.ID, b.ID)
}
