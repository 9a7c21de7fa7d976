// Package sequence implements a recurrent one-step-ahead predictor over normalized lookback
// windows. Days whose prediction error stands out from the batch are flagged as anomalies.
package sequence

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"drugstore-canary/internal/detect"
	"drugstore-canary/internal/sales"
)

// Config carries the network and training hyperparameters.
type Config struct {
	LookbackDays    int     `mapstructure:"lookback_days"`
	Units           []int   `mapstructure:"units"`
	DenseUnits      int     `mapstructure:"dense_units"`
	DropoutRate     float64 `mapstructure:"dropout_rate"`
	LearningRate    float64 `mapstructure:"learning_rate"`
	Epochs          int     `mapstructure:"epochs"`
	BatchSize       int     `mapstructure:"batch_size"`
	ValidationSplit float64 `mapstructure:"validation_split"`
	Patience        int     `mapstructure:"patience"`
	Seed            int64   `mapstructure:"seed"`
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		LookbackDays:    14,
		Units:           []int{64, 32},
		DenseUnits:      16,
		DropoutRate:     0.2,
		LearningRate:    0.001,
		Epochs:          100,
		BatchSize:       32,
		ValidationSplit: 0.2,
		Patience:        10,
		Seed:            42,
	}
}

// Validate checks hyperparameter ranges.
func (c Config) Validate() error {
	if c.LookbackDays <= 0 {
		return fmt.Errorf("lookback_days must be greater than zero")
	}
	if len(c.Units) == 0 {
		return fmt.Errorf("units must list at least one recurrent layer")
	}
	for _, u := range c.Units {
		if u <= 0 {
			return fmt.Errorf("units must be positive, got %v", c.Units)
		}
	}
	if c.DenseUnits <= 0 {
		return fmt.Errorf("dense_units must be greater than zero")
	}
	if c.DropoutRate < 0 || c.DropoutRate >= 1 {
		return fmt.Errorf("dropout_rate must be in [0, 1)")
	}
	if c.LearningRate <= 0 {
		return fmt.Errorf("learning_rate must be positive")
	}
	if c.Epochs <= 0 || c.BatchSize <= 0 {
		return fmt.Errorf("epochs and batch_size must be greater than zero")
	}
	if c.ValidationSplit < 0 || c.ValidationSplit >= 1 {
		return fmt.Errorf("validation_split must be in [0, 1)")
	}
	return nil
}

// TrainReport summarises the last training run.
type TrainReport struct {
	Epochs       int
	BestEpoch    int
	BestLoss     float64
	Validated    bool
	StoppedEarly bool
}

// Model is the recurrent sequence detector. It is safe for concurrent Detect calls.
type Model struct {
	mu sync.RWMutex

	cfg       Config
	threshold float64
	cuts      detect.SeverityCuts
	baseline  int

	trained  bool
	lookback int
	norm     sales.Normalization
	net      *network
	report   TrainReport
}

// Option configures a Model.
type Option func(*Model)

// WithThreshold sets the anomaly score threshold.
func WithThreshold(t float64) Option {
	return func(m *Model) {
		m.threshold = t
	}
}

// WithSeverityCuts overrides the severity cut points.
func WithSeverityCuts(c detect.SeverityCuts) Option {
	return func(m *Model) {
		m.cuts = c
	}
}

// WithScoreBaseline excludes the trailing n rows from the error statistics used for scoring.
func WithScoreBaseline(n int) Option {
	return func(m *Model) {
		m.baseline = n
	}
}

// New creates an untrained Model.
func New(cfg Config, opts ...Option) *Model {
	m := &Model{
		cfg:       cfg,
		threshold: detect.DefaultThreshold,
		cuts:      detect.DefaultSeverityCuts(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Name identifies the detector in logs and metrics.
func (m *Model) Name() string { return "sequence" }

// Trained reports whether the model can score.
func (m *Model) Trained() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trained
}

// Normalization returns the statistics of the series the model was trained on.
func (m *Model) Normalization() sales.Normalization {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.norm
}

// Report describes the last training run.
func (m *Model) Report() TrainReport {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.report
}

// Train fits the network to in.Windows.
func (m *Model) Train(in detect.Input) error {
	return m.TrainWindows(in.Windows)
}

// TrainWindows fits the network with Adam on mean squared error. The trailing validation split
// is held out and the weights with the best monitored loss are kept.
func (m *Model) TrainWindows(windows []sales.Window) error {
	if len(windows) == 0 {
		return fmt.Errorf("%w: no training windows", detect.ErrInsufficientData)
	}
	lookback := len(windows[0].Inputs)
	for _, w := range windows {
		if len(w.Inputs) != lookback {
			return fmt.Errorf("inconsistent window length: %d and %d", lookback, len(w.Inputs))
		}
	}

	m.mu.RLock()
	cfg := m.cfg
	m.mu.RUnlock()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("sequence config: %w", err)
	}

	train, val := splitWindows(windows, cfg.ValidationSplit)
	monitor := val
	if len(monitor) == 0 {
		monitor = train
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	net := newNetwork(1, cfg.Units, cfg.DenseUnits, rng)
	grads := net.zeroLike()
	opt := newAdam(cfg.LearningRate, net.params())

	report := TrainReport{BestLoss: math.Inf(1), Validated: len(val) > 0}
	best := net.clone()
	wait := 0
	order := make([]int, len(train))
	for i := range order {
		order[i] = i
	}

	for epoch := 1; epoch <= cfg.Epochs; epoch++ {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

		for start := 0; start < len(order); start += cfg.BatchSize {
			end := min(start+cfg.BatchSize, len(order))
			grads.zero()
			scale := 2 / float64(end-start)
			for _, idx := range order[start:end] {
				w := train[idx]
				st := net.forward(w.Inputs, true, cfg.DropoutRate, rng)
				net.backward(st, scale*(st.out-w.Target), grads)
			}
			opt.update(net.params(), grads.params())
		}

		report.Epochs = epoch
		loss := meanSquaredError(net, monitor)
		if loss < report.BestLoss {
			report.BestLoss = loss
			report.BestEpoch = epoch
			best = net.clone()
			wait = 0
			continue
		}
		wait++
		if cfg.Patience > 0 && wait >= cfg.Patience {
			report.StoppedEarly = true
			break
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.net = best
	m.lookback = lookback
	m.norm = windows[0].Norm
	m.report = report
	m.trained = true
	return nil
}

// Predict returns the normalized one-step prediction for each window.
func (m *Model) Predict(windows []sales.Window) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.trained {
		return nil, detect.ErrModelNotTrained
	}
	out := make([]float64, len(windows))
	for i, w := range windows {
		if len(w.Inputs) != m.lookback {
			return nil, fmt.Errorf("window length %d does not match model lookback %d", len(w.Inputs), m.lookback)
		}
		out[i] = m.net.forward(w.Inputs, false, 0, nil).out
	}
	return out, nil
}

// Detect scores in.Windows.
func (m *Model) Detect(in detect.Input) ([]detect.Result, error) {
	return m.DetectWindows(in.Windows)
}

// DetectWindows scores each window by the z-score of its absolute prediction error within the
// batch. Actual and predicted values are reported in original units.
func (m *Model) DetectWindows(windows []sales.Window) ([]detect.Result, error) {
	preds, err := m.Predict(windows)
	if err != nil {
		return nil, err
	}
	if len(preds) == 0 {
		return nil, nil
	}

	errs := make([]float64, len(preds))
	for i, w := range windows {
		errs[i] = math.Abs(w.Target - preds[i])
	}

	m.mu.RLock()
	threshold, cuts, baseline := m.threshold, m.cuts, m.baseline
	m.mu.RUnlock()

	mean, std := detect.ScoreStats(errs, baseline)
	results := make([]detect.Result, len(windows))
	for i, w := range windows {
		score := (errs[i] - mean) / (std + sales.Epsilon)
		actual := w.Norm.Invert(w.Target)
		predicted := w.Norm.Invert(preds[i])
		results[i] = detect.Result{
			Date:      w.Date,
			Actual:    actual,
			Predicted: predicted,
			Residual:  actual - predicted,
			Score:     score,
			IsAnomaly: score > threshold,
			Severity:  cuts.Classify(score),
		}
	}
	return results, nil
}

// Confidence rates the tail of a result batch.
func (m *Model) Confidence(results []detect.Result) float64 {
	return detect.Confidence(results)
}

type artifact struct {
	Config    Config
	Threshold float64
	Cuts      detect.SeverityCuts
	Baseline  int
	Lookback  int
	Norm      sales.Normalization
	Net       network
}

// Save serializes weights, normalization and hyperparameters.
func (m *Model) Save() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.trained {
		return nil, detect.ErrModelNotTrained
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(artifact{
		Config:    m.cfg,
		Threshold: m.threshold,
		Cuts:      m.cuts,
		Baseline:  m.baseline,
		Lookback:  m.lookback,
		Norm:      m.norm,
		Net:       *m.net,
	}); err != nil {
		return nil, fmt.Errorf("encode sequence model: %w", err)
	}
	return buf.Bytes(), nil
}

// Load restores a model written by Save.
func (m *Model) Load(data []byte) error {
	var a artifact
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&a); err != nil {
		return fmt.Errorf("decode sequence model: %w", err)
	}
	if len(a.Net.Layers) == 0 || a.Lookback <= 0 {
		return fmt.Errorf("decode sequence model: empty network")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = a.Config
	m.threshold = a.Threshold
	m.cuts = a.Cuts
	m.baseline = a.Baseline
	m.lookback = a.Lookback
	m.norm = a.Norm
	net := a.Net
	m.net = &net
	m.trained = true
	return nil
}

// splitWindows holds out the trailing share of windows for validation. When either side would be
// empty everything is used for training.
func splitWindows(windows []sales.Window, split float64) ([]sales.Window, []sales.Window) {
	at := int(float64(len(windows)) * (1 - split))
	if split <= 0 || at <= 0 || at >= len(windows) {
		return windows, nil
	}
	return windows[:at], windows[at:]
}

func meanSquaredError(net *network, windows []sales.Window) float64 {
	if len(windows) == 0 {
		return 0
	}
	var sum float64
	for _, w := range windows {
		d := net.forward(w.Inputs, false, 0, nil).out - w.Target
		sum += d * d
	}
	return sum / float64(len(windows))
}

var _ detect.Detector = (*Model)(nil)
