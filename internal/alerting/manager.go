// Package alerting owns the alert lifecycle: cooldown-gated creation, notification delivery,
// manual and stale resolution, and active-alert summaries.
package alerting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"drugstore-canary/internal/detect"
	"drugstore-canary/internal/metrics"
	"drugstore-canary/internal/sales"
	"drugstore-canary/internal/storage"
)

// Options tune the lifecycle manager.
type Options struct {
	// Cooldown is the minimum spacing between alerts for one (zone, category) pair.
	Cooldown time.Duration
	// AutoResolveAge is the default age after which AutoResolveStale closes active alerts.
	AutoResolveAge time.Duration
	// Notify enables delivery through the notifier.
	Notify bool
}

// DefaultOptions returns a 24h cooldown and a 7 day auto-resolve age with notifications on.
func DefaultOptions() Options {
	return Options{Cooldown: 24 * time.Hour, AutoResolveAge: 7 * 24 * time.Hour, Notify: true}
}

// Summary counts active alerts.
type Summary struct {
	TotalActive int                     `json:"total_active"`
	BySeverity  map[detect.Severity]int `json:"by_severity"`
	ByZone      map[string]int          `json:"by_zone"`
	GeneratedAt time.Time               `json:"generated_at"`
}

// ZoneStatus describes the active alerts of one zone.
type ZoneStatus struct {
	ZoneID           string          `json:"zone_id"`
	ZoneName         string          `json:"zone_name"`
	ActiveAlerts     int             `json:"active_alerts"`
	HighestLevel     detect.Severity `json:"highest_level"`
	CategoriesAtRisk []string        `json:"categories_at_risk"`
}

// Manager is the alert lifecycle manager.
type Manager struct {
	store    storage.AlertStore
	notifier Notifier
	labels   detect.Labels
	opts     Options
	now      func() time.Time
	logger   zerolog.Logger
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLabels sets the display-name resolver used for notifications.
func WithLabels(l detect.Labels) ManagerOption {
	return func(m *Manager) {
		m.labels = l
	}
}

// NewManager wires a store and an optional notifier.
func NewManager(store storage.AlertStore, notifier Notifier, opts Options, logger zerolog.Logger, options ...ManagerOption) *Manager {
	m := &Manager{
		store:    store,
		notifier: notifier,
		opts:     opts,
		now:      time.Now,
		logger:   logger.With().Str("component", "alert_manager").Logger(),
	}
	for _, opt := range options {
		opt(m)
	}
	return m
}

// CreateAlert persists an active alert for cand unless the pair is inside its cooldown window.
// It reports whether an alert was created. Notification failures are logged and counted but do
// not undo the alert.
func (m *Manager) CreateAlert(ctx context.Context, cand detect.Candidate) (storage.Alert, bool, error) {
	now := m.now().UTC()
	alert := storage.Alert{
		ZoneID:         cand.ZoneID,
		Category:       cand.Category,
		Level:          cand.Severity,
		Score:          decimal.NewFromFloat(cand.Score).Round(4),
		Confidence:     decimal.NewFromFloat(cand.Confidence).Round(4),
		Message:        cand.Message,
		DetectedAt:     now,
		ObservedOn:     sales.Day(cand.DetectedAt),
		ModelAgreement: cand.ModelAgreement,
		IsActive:       true,
	}

	created, ok, err := m.store.CreateAlertIfQuiet(ctx, alert, now.Add(-m.opts.Cooldown))
	if err != nil {
		return storage.Alert{}, false, fmt.Errorf("create alert: %w", err)
	}
	if !ok {
		metrics.AlertsSuppressedTotal.Inc()
		m.logger.Info().
			Str("zone", cand.ZoneID).
			Str("category", cand.Category).
			Dur("cooldown", m.opts.Cooldown).
			Msg("告警处于冷却期, 已抑制")
		return storage.Alert{}, false, nil
	}

	metrics.AlertsCreatedTotal.WithLabelValues(created.Level.String()).Inc()
	m.logger.Info().
		Int64("alert_id", created.ID).
		Str("zone", created.ZoneID).
		Str("category", created.Category).
		Str("level", created.Level.String()).
		Str("confidence", created.Confidence.String()).
		Msg("alert created")

	if m.opts.Notify && m.notifier != nil {
		if err := m.notifier.Notify(ctx, NewNotification(created, m.labels)); err != nil {
			metrics.NotificationFailuresTotal.Inc()
			m.logger.Error().Err(err).Int64("alert_id", created.ID).Msg("发送告警失败")
		}
	}
	return created, true, nil
}

// ResolveAlert deactivates an alert and reports false when the id is unknown.
func (m *Manager) ResolveAlert(ctx context.Context, id int64) (bool, error) {
	ok, err := m.store.ResolveAlert(ctx, id, m.now().UTC())
	if err != nil {
		return false, err
	}
	if ok {
		metrics.AlertsResolvedTotal.WithLabelValues("manual").Inc()
		m.logger.Info().Int64("alert_id", id).Msg("alert resolved")
	}
	return ok, nil
}

// AutoResolveStale resolves every active alert detected more than maxAge ago and returns how many
// were closed. A non-positive maxAge uses the configured auto-resolve age.
func (m *Manager) AutoResolveStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		maxAge = m.opts.AutoResolveAge
	}
	now := m.now().UTC()
	n, err := m.store.ResolveActiveBefore(ctx, now.Add(-maxAge), now)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		metrics.AlertsResolvedTotal.WithLabelValues("stale").Add(float64(n))
		m.logger.Info().Int64("resolved", n).Dur("max_age", maxAge).Msg("stale alerts resolved")
	}
	return n, nil
}

// Summarize counts active alerts by severity and by zone.
func (m *Manager) Summarize(ctx context.Context) (Summary, error) {
	active, err := m.store.ListActiveAlerts(ctx)
	if err != nil {
		return Summary{}, err
	}

	summary := Summary{
		TotalActive: len(active),
		BySeverity:  make(map[detect.Severity]int),
		ByZone:      make(map[string]int),
		GeneratedAt: m.now().UTC(),
	}
	for _, a := range active {
		summary.BySeverity[a.Level]++
		summary.ByZone[a.ZoneID]++
	}

	for _, level := range detect.Severities() {
		metrics.ActiveAlerts.WithLabelValues(level.String()).Set(float64(summary.BySeverity[level]))
	}
	return summary, nil
}

// ZoneStatus reports the active alerts of one zone, their highest level and the categories involved.
func (m *Manager) ZoneStatus(ctx context.Context, zoneID string) (ZoneStatus, error) {
	active, err := m.store.ListActiveAlerts(ctx)
	if err != nil {
		return ZoneStatus{}, err
	}

	status := ZoneStatus{
		ZoneID:           zoneID,
		ZoneName:         zoneID,
		HighestLevel:     detect.SeverityNormal,
		CategoriesAtRisk: make([]string, 0),
	}
	if m.labels != nil {
		status.ZoneName = m.labels.ZoneName(zoneID)
	}

	seen := make(map[string]bool)
	for _, a := range active {
		if a.ZoneID != zoneID {
			continue
		}
		status.ActiveAlerts++
		if a.Level.Rank() > status.HighestLevel.Rank() {
			status.HighestLevel = a.Level
		}
		if !seen[a.Category] {
			seen[a.Category] = true
			status.CategoriesAtRisk = append(status.CategoriesAtRisk, a.Category)
		}
	}
	sort.Strings(status.CategoriesAtRisk)
	return status, nil
}
