// Package ensemble fuses the seasonal and sequence detectors into one weighted score per day and
// turns a convincing run of anomalies into an alert candidate.
package ensemble

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"drugstore-canary/internal/detect"
)

// Config carries the fusion weights and the alerting confidence bar.
type Config struct {
	SeasonalWeight      float64 `mapstructure:"seasonal_weight"`
	SequenceWeight      float64 `mapstructure:"sequence_weight"`
	ConfidenceThreshold float64 `mapstructure:"confidence_threshold"`
}

// DefaultConfig returns 0.6 / 0.4 weights and a 0.7 confidence bar.
func DefaultConfig() Config {
	return Config{SeasonalWeight: 0.6, SequenceWeight: 0.4, ConfidenceThreshold: 0.7}
}

// Validate checks weight and threshold ranges.
func (c Config) Validate() error {
	if c.SeasonalWeight < 0 || c.SequenceWeight < 0 {
		return fmt.Errorf("ensemble weights cannot be negative")
	}
	if c.SeasonalWeight+c.SequenceWeight <= 0 {
		return fmt.Errorf("ensemble weights must not both be zero")
	}
	if c.ConfidenceThreshold < 0 || c.ConfidenceThreshold > 1 {
		return fmt.Errorf("confidence_threshold must be in [0, 1]")
	}
	return nil
}

// Result is a fused row. The embedded Result carries the ensemble score, flag and severity;
// Predicted is the seasonal forecast.
type Result struct {
	detect.Result
	SeasonalScore   float64
	SequenceScore   float64
	SeasonalAnomaly bool
	SequenceAnomaly bool
	ModelAgreement  bool
}

// Detector combines a seasonal and a sequence detector.
type Detector struct {
	cfg      Config
	seasonal detect.Detector
	sequence detect.Detector
	cuts     detect.SeverityCuts
	labels   detect.Labels
	logger   zerolog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithSeverityCuts overrides the severity cut points applied to the fused score.
func WithSeverityCuts(c detect.SeverityCuts) Option {
	return func(d *Detector) {
		d.cuts = c
	}
}

// WithLabels sets the display-name resolver used in alert messages.
func WithLabels(l detect.Labels) Option {
	return func(d *Detector) {
		d.labels = l
	}
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(d *Detector) {
		d.logger = l.With().Str("component", "ensemble").Logger()
	}
}

// New wires the two detectors.
func New(cfg Config, seasonal, sequence detect.Detector, opts ...Option) *Detector {
	d := &Detector{
		cfg:      cfg,
		seasonal: seasonal,
		sequence: sequence,
		cuts:     detect.DefaultSeverityCuts(),
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Trained reports whether both detectors can score.
func (d *Detector) Trained() bool {
	return d.seasonal.Trained() && d.sequence.Trained()
}

// Train fits both detectors concurrently.
func (d *Detector) Train(ctx context.Context, in detect.Input) error {
	g, _ := errgroup.WithContext(ctx)
	for _, det := range []detect.Detector{d.seasonal, d.sequence} {
		det := det
		g.Go(func() error {
			start := time.Now()
			if err := det.Train(in); err != nil {
				return fmt.Errorf("train %s: %w", det.Name(), err)
			}
			d.logger.Debug().Str("model", det.Name()).Dur("took", time.Since(start)).Msg("model trained")
			return nil
		})
	}
	return g.Wait()
}

// Detect scores the input with both detectors concurrently and fuses the rows they share by date.
// The sequence detector has no rows for the first lookback days, so those days are dropped.
// threshold gates the fused score and both per-model flags, whatever thresholds the detectors
// were built with.
func (d *Detector) Detect(ctx context.Context, in detect.Input, threshold float64) ([]Result, error) {
	var seasonal, sequence []detect.Result
	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		seasonal, err = d.seasonal.Detect(in)
		if err != nil {
			return fmt.Errorf("detect %s: %w", d.seasonal.Name(), err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		sequence, err = d.sequence.Detect(in)
		if err != nil {
			return fmt.Errorf("detect %s: %w", d.sequence.Name(), err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	byDate := make(map[time.Time]detect.Result, len(sequence))
	for _, r := range sequence {
		byDate[r.Date] = r
	}

	results := make([]Result, 0, len(sequence))
	for _, s := range seasonal {
		q, ok := byDate[s.Date]
		if !ok {
			continue
		}
		score := s.Score*d.cfg.SeasonalWeight + q.Score*d.cfg.SequenceWeight
		seasonalFlag, sequenceFlag := s.Score > threshold, q.Score > threshold
		results = append(results, Result{
			Result: detect.Result{
				Date:      s.Date,
				Actual:    s.Actual,
				Predicted: s.Predicted,
				Residual:  s.Residual,
				Score:     score,
				IsAnomaly: score > threshold,
				Severity:  d.cuts.Classify(score),
			},
			SeasonalScore:   s.Score,
			SequenceScore:   q.Score,
			SeasonalAnomaly: seasonalFlag,
			SequenceAnomaly: sequenceFlag,
			ModelAgreement:  seasonalFlag == sequenceFlag,
		})
	}
	return results, nil
}

// Confidence blends the per-model confidences by weight and scales the result by recent model
// agreement: 0.7 when the detectors disagreed on all of the last three rows, 1.0 when they agreed
// on all of them.
func (d *Detector) Confidence(results []Result) float64 {
	if len(results) == 0 {
		return 0
	}

	n := len(results)
	seasonalScores, sequenceScores := make([]float64, n), make([]float64, n)
	seasonalFlags, sequenceFlags := make([]bool, n), make([]bool, n)
	for i, r := range results {
		seasonalScores[i], seasonalFlags[i] = r.SeasonalScore, r.SeasonalAnomaly
		sequenceScores[i], sequenceFlags[i] = r.SequenceScore, r.SequenceAnomaly
	}

	base := detect.ConfidenceOf(seasonalScores, seasonalFlags)*d.cfg.SeasonalWeight +
		detect.ConfidenceOf(sequenceScores, sequenceFlags)*d.cfg.SequenceWeight

	tail := results[max(0, n-3):]
	agree := 0
	for _, r := range tail {
		if r.ModelAgreement {
			agree++
		}
	}
	boost := 0.7 + 0.3*float64(agree)/float64(len(tail))
	return math.Min(base*boost, 1)
}

// AlertCandidate proposes an alert from the latest of the most recent anomalous rows, or returns
// nil when there is none or the batch confidence is under the configured bar.
func (d *Detector) AlertCandidate(results []Result, zoneID, category string) *detect.Candidate {
	var anomalous []Result
	for _, r := range results {
		if r.IsAnomaly {
			anomalous = append(anomalous, r)
		}
	}
	if len(anomalous) == 0 {
		return nil
	}
	anomalous = anomalous[max(0, len(anomalous)-3):]
	latest := anomalous[len(anomalous)-1]

	confidence := d.Confidence(results)
	if confidence < d.cfg.ConfidenceThreshold {
		d.logger.Debug().
			Str("zone", zoneID).
			Str("category", category).
			Float64("confidence", confidence).
			Msg("anomaly below confidence threshold")
		return nil
	}

	return &detect.Candidate{
		ZoneID:         zoneID,
		Category:       category,
		Severity:       latest.Severity,
		Score:          latest.Score,
		Confidence:     confidence,
		ModelAgreement: latest.ModelAgreement,
		DetectedAt:     latest.Date,
		Message:        d.message(zoneID, category, latest.Severity, confidence),
	}
}

func (d *Detector) message(zoneID, category string, severity detect.Severity, confidence float64) string {
	zone, cat := zoneID, category
	if d.labels != nil {
		zone = d.labels.ZoneName(zoneID)
		cat = d.labels.CategoryName(category)
	}
	pct := decimal.NewFromFloat(confidence * 100).StringFixed(0)
	return fmt.Sprintf(
		"Warning: %s sales in %s are unusually high (severity: %s, confidence: %s%%). This may indicate a disease outbreak; please monitor the situation.",
		cat, zone, severity, pct,
	)
}

type bundle struct {
	Config   Config
	Seasonal []byte
	Sequence []byte
}

// Save serializes both trained detectors into one artifact.
func (d *Detector) Save() ([]byte, error) {
	seasonal, err := d.seasonal.Save()
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", d.seasonal.Name(), err)
	}
	sequence, err := d.sequence.Save()
	if err != nil {
		return nil, fmt.Errorf("save %s: %w", d.sequence.Name(), err)
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(bundle{Config: d.cfg, Seasonal: seasonal, Sequence: sequence}); err != nil {
		return nil, fmt.Errorf("encode ensemble: %w", err)
	}
	return buf.Bytes(), nil
}

// Load restores both detectors from an artifact written by Save. Fusion weights keep their
// configured values.
func (d *Detector) Load(data []byte) error {
	var b bundle
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&b); err != nil {
		return fmt.Errorf("decode ensemble: %w", err)
	}
	if err := d.seasonal.Load(b.Seasonal); err != nil {
		return err
	}
	return d.sequence.Load(b.Sequence)
}
