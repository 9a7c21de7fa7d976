package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"drugstore-canary/internal/detect"
)

// Alert is a persisted outbreak alert. Alerts are never deleted; resolving one only clears
// IsActive and stamps ResolvedAt.
type Alert struct {
	ID         int64
	ZoneID     string
	Category   string
	Level      detect.Severity
	Score      decimal.Decimal
	Confidence decimal.Decimal
	Message    string
	// DetectedAt is when the alert was raised; the cooldown window is measured from it.
	DetectedAt time.Time
	// ObservedOn is the sales date of the anomalous observation.
	ObservedOn     time.Time
	ModelAgreement bool
	IsActive       bool
	ResolvedAt     *time.Time
}

// PairKey identifies the (zone, category) pair an alert belongs to.
func (a Alert) PairKey() string {
	return PairKey(a.ZoneID, a.Category)
}

// PairKey joins a zone and category into the key used for cooldown locks and caches.
func PairKey(zoneID, category string) string {
	return zoneID + "/" + category
}

// Pharmacy is a registered store and the zone it reports into.
type Pharmacy struct {
	ID     string
	ZoneID string
	Name   string
}
