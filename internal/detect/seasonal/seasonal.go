// Package seasonal implements an additive trend + seasonality forecaster that scores each day by
// how far the observed value falls from the fitted forecast.
//
// The model is y(t) = g(t) + s(t) where g is a piecewise-linear trend with hinge changepoints
// spread over the early part of the history and s is a sum of weekly and yearly Fourier terms.
// Coefficients are fitted by ridge-penalised, Huber-weighted least squares: the ridge penalties
// play the role of the changepoint and seasonality prior scales, and the Huber weights keep a
// short burst at the end of the history from dragging the forecast towards itself.
package seasonal

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"drugstore-canary/internal/detect"
	"drugstore-canary/internal/sales"
)

const (
	// observationNoise is the assumed noise level of max-scaled observations; together with a
	// prior scale it fixes the ridge penalty noise²/scale².
	observationNoise = 0.1
	huberK           = 1.345
	huberIterations  = 20
	minRobustScale   = 1e-3
	weeklyPeriod     = 7.0
	yearlyPeriod     = 365.25
	secondsPerDay    = 86400
)

// Config carries the model hyperparameters.
type Config struct {
	ChangepointPriorScale float64 `mapstructure:"changepoint_prior_scale"`
	SeasonalityPriorScale float64 `mapstructure:"seasonality_prior_scale"`
	NChangepoints         int     `mapstructure:"n_changepoints"`
	ChangepointRange      float64 `mapstructure:"changepoint_range"`
	WeeklySeasonality     bool    `mapstructure:"weekly_seasonality"`
	YearlySeasonality     bool    `mapstructure:"yearly_seasonality"`
	WeeklyOrder           int     `mapstructure:"weekly_order"`
	YearlyOrder           int     `mapstructure:"yearly_order"`
}

// DefaultConfig mirrors the production defaults.
func DefaultConfig() Config {
	return Config{
		ChangepointPriorScale: 0.05,
		SeasonalityPriorScale: 10,
		NChangepoints:         25,
		ChangepointRange:      0.8,
		WeeklySeasonality:     true,
		YearlySeasonality:     true,
		WeeklyOrder:           3,
		YearlyOrder:           10,
	}
}

// Validate checks hyperparameter ranges.
func (c Config) Validate() error {
	if c.ChangepointPriorScale <= 0 {
		return fmt.Errorf("changepoint_prior_scale must be positive")
	}
	if c.SeasonalityPriorScale <= 0 {
		return fmt.Errorf("seasonality_prior_scale must be positive")
	}
	if c.NChangepoints < 0 {
		return fmt.Errorf("n_changepoints cannot be negative")
	}
	if c.ChangepointRange <= 0 || c.ChangepointRange > 1 {
		return fmt.Errorf("changepoint_range must be in (0, 1]")
	}
	if c.WeeklyOrder < 0 || c.YearlyOrder < 0 {
		return fmt.Errorf("fourier orders cannot be negative")
	}
	return nil
}

// Model is the seasonal forecasting detector. It is safe for concurrent Detect calls.
type Model struct {
	mu sync.RWMutex

	cfg       Config
	threshold float64
	cuts      detect.SeverityCuts
	baseline  int

	trained bool
	fit     fitted
}

// fitted is everything needed to reproduce a forecast.
type fitted struct {
	Beta         []float64
	YScale       float64
	OriginDay    int64
	Span         float64
	Changepoints []float64
	Weekly       bool
	Yearly       bool
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

// WithScoreBaseline excludes the trailing n rows from the residual statistics used for scoring.
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
func (m *Model) Name() string { return "seasonal" }

// Trained reports whether the model can score.
func (m *Model) Trained() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.trained
}

// Train fits the model to in.Series.
func (m *Model) Train(in detect.Input) error {
	return m.TrainSeries(in.Series)
}

// TrainSeries fits the model to a daily series.
func (m *Model) TrainSeries(series sales.TimeSeries) error {
	n := series.Len()
	if n < 2 {
		return fmt.Errorf("%w: seasonal model needs at least 2 days, got %d", detect.ErrInsufficientData, n)
	}

	days := make([]int64, n)
	y := make([]float64, n)
	yScale := 0.0
	for i, p := range series.Points {
		days[i] = dayNumber(p.Date)
		y[i] = p.Value
		yScale = math.Max(yScale, math.Abs(p.Value))
	}
	if yScale == 0 {
		yScale = 1
	}
	for i := range y {
		y[i] /= yScale
	}

	span := float64(days[n-1] - days[0])
	if span <= 0 {
		span = 1
	}

	f := fitted{
		YScale:       yScale,
		OriginDay:    days[0],
		Span:         span,
		Changepoints: placeChangepoints(days, span, m.cfg.NChangepoints, m.cfg.ChangepointRange),
		Weekly:       m.cfg.WeeklySeasonality && m.cfg.WeeklyOrder > 0 && span >= 2*weeklyPeriod,
		Yearly:       m.cfg.YearlySeasonality && m.cfg.YearlyOrder > 0 && span >= 2*yearlyPeriod,
	}

	design := mat.NewDense(n, f.width(m.cfg), nil)
	for i, d := range days {
		design.SetRow(i, f.row(m.cfg, d))
	}

	beta, err := robustRidge(design, y, f.penalties(m.cfg))
	if err != nil {
		return fmt.Errorf("fit seasonal model: %w", err)
	}
	f.Beta = beta

	m.mu.Lock()
	m.fit = f
	m.trained = true
	m.mu.Unlock()
	return nil
}

// Forecast returns the fitted expectation for each date.
func (m *Model) Forecast(dates []time.Time) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.trained {
		return nil, detect.ErrModelNotTrained
	}
	out := make([]float64, len(dates))
	for i, d := range dates {
		out[i] = m.fit.predict(m.cfg, dayNumber(d))
	}
	return out, nil
}

// Detect scores in.Series against the fitted forecast.
func (m *Model) Detect(in detect.Input) ([]detect.Result, error) {
	return m.DetectSeries(in.Series)
}

// DetectSeries scores each day by |residual| / std(residuals) over the batch.
func (m *Model) DetectSeries(series sales.TimeSeries) ([]detect.Result, error) {
	forecast, err := m.Forecast(series.Dates())
	if err != nil {
		return nil, err
	}
	if len(forecast) == 0 {
		return nil, nil
	}

	residuals := make([]float64, len(forecast))
	for i, p := range series.Points {
		residuals[i] = p.Value - forecast[i]
	}

	m.mu.RLock()
	threshold, cuts, baseline, yScale := m.threshold, m.cuts, m.baseline, m.fit.YScale
	m.mu.RUnlock()

	// floor relative to the data scale; an exact fit leaves only rounding noise
	_, std := detect.ScoreStats(residuals, baseline)
	std = math.Max(std, sales.Epsilon*yScale)
	results := make([]detect.Result, len(residuals))
	for i, p := range series.Points {
		score := math.Abs(residuals[i]) / std
		results[i] = detect.Result{
			Date:      p.Date,
			Actual:    p.Value,
			Predicted: forecast[i],
			Residual:  residuals[i],
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

// artifact is the persisted form of a trained Model.
type artifact struct {
	Config    Config
	Threshold float64
	Cuts      detect.SeverityCuts
	Baseline  int
	Fit       fitted
}

// Save serializes the trained model.
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
		Fit:       m.fit,
	}); err != nil {
		return nil, fmt.Errorf("encode seasonal model: %w", err)
	}
	return buf.Bytes(), nil
}

// Load restores a model written by Save.
func (m *Model) Load(data []byte) error {
	var a artifact
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&a); err != nil {
		return fmt.Errorf("decode seasonal model: %w", err)
	}
	if len(a.Fit.Beta) != a.Fit.width(a.Config) {
		return fmt.Errorf("decode seasonal model: %d coefficients for %d columns", len(a.Fit.Beta), a.Fit.width(a.Config))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = a.Config
	m.threshold = a.Threshold
	m.cuts = a.Cuts
	m.baseline = a.Baseline
	m.fit = a.Fit
	m.trained = true
	return nil
}

func (f fitted) width(cfg Config) int {
	w := 2 + len(f.Changepoints)
	if f.Weekly {
		w += 2 * cfg.WeeklyOrder
	}
	if f.Yearly {
		w += 2 * cfg.YearlyOrder
	}
	return w
}

func (f fitted) row(cfg Config, day int64) []float64 {
	tau := float64(day-f.OriginDay) / f.Span
	row := make([]float64, 0, f.width(cfg))
	row = append(row, 1, tau)
	for _, cp := range f.Changepoints {
		row = append(row, math.Max(0, tau-cp))
	}
	if f.Weekly {
		row = appendFourier(row, float64(day), weeklyPeriod, cfg.WeeklyOrder)
	}
	if f.Yearly {
		row = appendFourier(row, float64(day), yearlyPeriod, cfg.YearlyOrder)
	}
	return row
}

func (f fitted) penalties(cfg Config) []float64 {
	cp := sq(observationNoise / cfg.ChangepointPriorScale)
	season := sq(observationNoise / cfg.SeasonalityPriorScale)

	p := make([]float64, 0, f.width(cfg))
	p = append(p, 1e-9, 1e-9)
	for range f.Changepoints {
		p = append(p, cp)
	}
	seasonal := 0
	if f.Weekly {
		seasonal += 2 * cfg.WeeklyOrder
	}
	if f.Yearly {
		seasonal += 2 * cfg.YearlyOrder
	}
	for i := 0; i < seasonal; i++ {
		p = append(p, season)
	}
	return p
}

func (f fitted) predict(cfg Config, day int64) float64 {
	row := f.row(cfg, day)
	var v float64
	for i, x := range row {
		v += x * f.Beta[i]
	}
	return v * f.YScale
}

// placeChangepoints spreads up to n hinge locations evenly over the first rng share of history,
// expressed in normalized time.
func placeChangepoints(days []int64, span float64, n int, rng float64) []float64 {
	hist := int(math.Floor(float64(len(days)) * rng))
	if n > hist-1 {
		n = hist - 1
	}
	if n <= 0 {
		return nil
	}
	out := make([]float64, 0, n)
	step := float64(hist-1) / float64(n)
	for k := 1; k <= n; k++ {
		idx := int(math.Round(step * float64(k)))
		out = append(out, float64(days[idx]-days[0])/span)
	}
	return out
}

func appendFourier(row []float64, day, period float64, order int) []float64 {
	for k := 1; k <= order; k++ {
		x := 2 * math.Pi * float64(k) * day / period
		row = append(row, math.Sin(x), math.Cos(x))
	}
	return row
}

// robustRidge solves (XᵀWX + diag(λ))β = XᵀWy, re-weighting rows with Huber weights derived
// from a MAD scale estimate of the previous residuals.
func robustRidge(x *mat.Dense, y, lambda []float64) ([]float64, error) {
	n, p := x.Dims()
	w := make([]float64, n)
	for i := range w {
		w[i] = 1
	}
	yv := mat.NewVecDense(n, y)

	var beta *mat.VecDense
	resid := make([]float64, n)
	for iter := 0; iter < huberIterations; iter++ {
		next, err := weightedRidge(x, yv, w, lambda, p)
		if err != nil {
			return nil, err
		}
		converged := beta != nil && mat.EqualApprox(beta, next, 1e-12)
		beta = next
		if converged {
			break
		}

		var fit mat.VecDense
		fit.MulVec(x, beta)
		abs := make([]float64, n)
		for i := 0; i < n; i++ {
			resid[i] = y[i] - fit.AtVec(i)
			abs[i] = math.Abs(resid[i])
		}
		sort.Float64s(abs)
		scale := math.Max(1.4826*stat.Quantile(0.5, stat.Empirical, abs, nil), minRobustScale)
		c := huberK * scale
		for i := range w {
			if a := math.Abs(resid[i]); a > c {
				w[i] = c / a
			} else {
				w[i] = 1
			}
		}
	}
	return beta.RawVector().Data, nil
}

func weightedRidge(x *mat.Dense, y *mat.VecDense, w, lambda []float64, p int) (*mat.VecDense, error) {
	n, _ := x.Dims()
	sw := mat.NewDense(n, p, nil)
	wy := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < p; j++ {
			sw.Set(i, j, x.At(i, j)*w[i])
		}
		wy.SetVec(i, y.AtVec(i)*w[i])
	}

	var a mat.Dense
	a.Mul(x.T(), sw)
	for j := 0; j < p; j++ {
		a.Set(j, j, a.At(j, j)+lambda[j])
	}
	var b mat.VecDense
	b.MulVec(x.T(), wy)

	var beta mat.VecDense
	if err := beta.SolveVec(&a, &b); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return nil, err
		}
	}
	return &beta, nil
}

func dayNumber(t time.Time) int64 {
	return sales.Day(t).Unix() / secondsPerDay
}

func sq(v float64) float64 { return v * v }

var _ detect.Detector = (*Model)(nil)
