package detect

import "time"

// Candidate is a proposed alert produced by the ensemble for one (zone, category) pair.
type Candidate struct {
	ZoneID         string
	Category       string
	Severity       Severity
	Score          float64
	Confidence     float64
	ModelAgreement bool
	// DetectedAt is the date of the anomalous observation that triggered the candidate.
	DetectedAt time.Time
	Message    string
}

// Labels resolves display names for zones and categories.
type Labels interface {
	ZoneName(id string) string
	CategoryName(id string) string
}
