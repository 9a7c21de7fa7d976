package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"drugstore-canary/internal/sales"
)

// MemoryStore is an in-process Repository used by single-shot commands, simulations and tests.
// A single mutex makes the cooldown check and insert atomic.
type MemoryStore struct {
	mu     sync.Mutex
	sales  []sales.Record
	alerts []Alert
	nextID int64
	locks  map[int64]bool
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1, locks: make(map[int64]bool)}
}

// Close is a no-op.
func (m *MemoryStore) Close() {}

// TryAdvisoryLock emulates a non-blocking lock keyed by key.
func (m *MemoryStore) TryAdvisoryLock(_ context.Context, key int64) (func(), bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locks[key] {
		return nil, false, nil
	}
	m.locks[key] = true
	return func() {
		m.mu.Lock()
		delete(m.locks, key)
		m.mu.Unlock()
	}, true, nil
}

// ListSales filters stored records by zone, category and inclusive day range.
func (m *MemoryStore) ListSales(_ context.Context, zoneID, category string, from, to time.Time) ([]sales.Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to = sales.Day(from), sales.Day(to)
	out := make([]sales.Record, 0)
	for _, rec := range m.sales {
		if rec.ZoneID != zoneID || rec.Category != category {
			continue
		}
		day := sales.Day(rec.Date)
		if day.Before(from) || day.After(to) {
			continue
		}
		out = append(out, rec)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

// InsertSales appends records.
func (m *MemoryStore) InsertSales(_ context.Context, records []sales.Record) (int64, error) {
	for _, rec := range records {
		if rec.QuantitySold < 0 {
			return 0, sales.ErrInvalidRecord
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sales = append(m.sales, records...)
	return int64(len(records)), nil
}

// CreateAlertIfQuiet inserts alert unless the pair already has one detected at or after since.
func (m *MemoryStore) CreateAlertIfQuiet(_ context.Context, alert Alert, since time.Time) (Alert, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.alerts {
		if existing.ZoneID == alert.ZoneID && existing.Category == alert.Category && !existing.DetectedAt.Before(since) {
			return Alert{}, false, nil
		}
	}

	alert.ID = m.nextID
	alert.IsActive = true
	alert.ResolvedAt = nil
	m.nextID++
	m.alerts = append(m.alerts, alert)
	return alert, true, nil
}

// GetAlert returns the alert with id or ErrNotFound.
func (m *MemoryStore) GetAlert(_ context.Context, id int64) (Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.alerts {
		if a.ID == id {
			return copyAlert(a), nil
		}
	}
	return Alert{}, ErrNotFound
}

// ResolveAlert deactivates the alert with id, keeping an earlier resolution time.
func (m *MemoryStore) ResolveAlert(_ context.Context, id int64, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.alerts {
		if m.alerts[i].ID != id {
			continue
		}
		m.alerts[i].IsActive = false
		if m.alerts[i].ResolvedAt == nil {
			resolved := at
			m.alerts[i].ResolvedAt = &resolved
		}
		return true, nil
	}
	return false, nil
}

// ResolveActiveBefore deactivates every active alert detected before cutoff.
func (m *MemoryStore) ResolveActiveBefore(_ context.Context, cutoff, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.alerts {
		if !m.alerts[i].IsActive || !m.alerts[i].DetectedAt.Before(cutoff) {
			continue
		}
		resolved := at
		m.alerts[i].IsActive = false
		m.alerts[i].ResolvedAt = &resolved
		n++
	}
	return n, nil
}

// ListActiveAlerts lists active alerts, newest first.
func (m *MemoryStore) ListActiveAlerts(_ context.Context) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0)
	for _, a := range m.alerts {
		if a.IsActive {
			out = append(out, copyAlert(a))
		}
	}
	sortNewestFirst(out)
	return out, nil
}

// ListRecentAlerts lists up to limit alerts, newest first.
func (m *MemoryStore) ListRecentAlerts(_ context.Context, limit int) ([]Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		out = append(out, copyAlert(a))
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortNewestFirst(alerts []Alert) {
	sort.SliceStable(alerts, func(i, j int) bool {
		if alerts[i].DetectedAt.Equal(alerts[j].DetectedAt) {
			return alerts[i].ID > alerts[j].ID
		}
		return alerts[i].DetectedAt.After(alerts[j].DetectedAt)
	})
}

func copyAlert(a Alert) Alert {
	if a.ResolvedAt != nil {
		resolved := *a.ResolvedAt
		a.ResolvedAt = &resolved
	}
	return a
}

var _ Repository = (*MemoryStore)(nil)
