package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"drugstore-canary/internal/alerting"
	"drugstore-canary/internal/config"
	"drugstore-canary/internal/detect"
	"drugstore-canary/internal/detect/ensemble"
	"drugstore-canary/internal/detect/seasonal"
	"drugstore-canary/internal/detect/sequence"
	"drugstore-canary/internal/metrics"
	"drugstore-canary/internal/modelcache"
	"drugstore-canary/internal/sales"
	"drugstore-canary/internal/scheduler"
	"drugstore-canary/internal/storage"
)

// Outcome classifies a single pair evaluation.
type Outcome string

const (
	OutcomeNoData     Outcome = "no_data"
	OutcomeNoAnomaly  Outcome = "no_anomaly"
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeAlerted    Outcome = "alerted"
	OutcomeFailed     Outcome = "failed"
)

// Evaluation is the result of evaluating one (zone, category) pair.
type Evaluation struct {
	Pair        config.Pair
	AsOf        time.Time
	Outcome     Outcome
	Series      sales.TimeSeries
	Results     []ensemble.Result
	Confidence  float64
	Candidate   *detect.Candidate
	Alert       *storage.Alert
	ModelCached bool
	Took        time.Duration
	Err         error
}

// SweepReport summarises a sweep over every configured pair.
type SweepReport struct {
	RunID       string
	AsOf        time.Time
	Took        time.Duration
	Evaluations []Evaluation
	Counts      map[Outcome]int
}

// Service orchestrates series building, detection and the alert lifecycle.
type Service struct {
	cfg       config.DetectionConfig
	labels    detect.Labels
	pairs     []config.Pair
	pre       *sales.Preprocessor
	alerts    *alerting.Manager
	cache     *modelcache.Cache
	scheduler *scheduler.Scheduler
	locker    storage.AdvisoryLocker
	lockKey   int64
	logger    zerolog.Logger
}

// New constructs the detection service. cache and sched may be nil.
func New(cfg *config.Config, sched *scheduler.Scheduler, source sales.Source, manager *alerting.Manager, cache *modelcache.Cache, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := source.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		cfg:       cfg.Detection,
		labels:    cfg,
		pairs:     cfg.Pairs(),
		pre:       sales.NewPreprocessor(source, logger),
		alerts:    manager,
		cache:     cache,
		scheduler: sched,
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
		logger:    logger.With().Str("component", "service").Logger(),
	}
}

// NewDetector builds an untrained ensemble from detection settings and returns the sequence model
// as well, since scoring needs its training normalization.
func NewDetector(cfg config.DetectionConfig, labels detect.Labels, logger zerolog.Logger) (*ensemble.Detector, *sequence.Model) {
	seasonalModel := seasonal.New(cfg.Seasonal,
		seasonal.WithThreshold(cfg.Threshold),
		seasonal.WithSeverityCuts(cfg.Severity),
		seasonal.WithScoreBaseline(cfg.ScoreBaselineDays),
	)
	sequenceModel := sequence.New(cfg.Sequence,
		sequence.WithThreshold(cfg.Threshold),
		sequence.WithSeverityCuts(cfg.Severity),
		sequence.WithScoreBaseline(cfg.ScoreBaselineDays),
	)
	opts := []ensemble.Option{
		ensemble.WithSeverityCuts(cfg.Severity),
		ensemble.WithLogger(logger),
	}
	if labels != nil {
		opts = append(opts, ensemble.WithLabels(labels))
	}
	return ensemble.New(cfg.Ensemble, seasonalModel, sequenceModel, opts...), sequenceModel
}

// Pairs returns the configured (zone, category) pairs.
func (s *Service) Pairs() []config.Pair {
	return s.pairs
}

// Run begins the scheduled sweep loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.ProcessTick)
}

// ProcessTick 执行一次定时扫描: 评估所有组合, 然后关闭过期告警。
// Data is evaluated through the last complete day before tick.
func (s *Service) ProcessTick(ctx context.Context, tick time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip tick because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	report, err := s.Sweep(ctx, sales.Day(tick).AddDate(0, 0, -1))
	if err != nil {
		return err
	}

	if _, err := s.alerts.AutoResolveStale(ctx, 0); err != nil {
		s.logger.Error().Err(err).Str("run_id", report.RunID).Msg("failed to resolve stale alerts")
	}
	if _, err := s.alerts.Summarize(ctx); err != nil {
		s.logger.Error().Err(err).Str("run_id", report.RunID).Msg("failed to summarize alerts")
	}
	return nil
}

// Sweep evaluates every configured pair on a bounded worker pool. A failing pair is recorded in
// the report and does not stop the others.
func (s *Service) Sweep(ctx context.Context, asOf time.Time) (SweepReport, error) {
	start := time.Now()
	report := SweepReport{
		RunID:       uuid.NewString(),
		AsOf:        sales.Day(asOf),
		Evaluations: make([]Evaluation, len(s.pairs)),
		Counts:      make(map[Outcome]int),
	}
	logger := s.logger.With().Str("run_id", report.RunID).Logger()
	logger.Info().Int("pairs", len(s.pairs)).Time("as_of", report.AsOf).Msg("sweep started")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(1, s.cfg.Workers))
	for i, pair := range s.pairs {
		i, pair := i, pair
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			report.Evaluations[i] = s.Evaluate(gctx, pair, asOf)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, fmt.Errorf("sweep %s: %w", report.RunID, err)
	}

	for _, ev := range report.Evaluations {
		report.Counts[ev.Outcome]++
	}
	report.Took = time.Since(start)
	metrics.SweepDurationSeconds.Observe(report.Took.Seconds())

	logger.Info().
		Dur("took", report.Took).
		Int("alerted", report.Counts[OutcomeAlerted]).
		Int("suppressed", report.Counts[OutcomeSuppressed]).
		Int("failed", report.Counts[OutcomeFailed]).
		Int("no_data", report.Counts[OutcomeNoData]).
		Msg("sweep finished")
	return report, nil
}

// Evaluate builds the history window ending at asOf for pair, scores it with the ensemble and
// hands a confident candidate to the alert manager.
func (s *Service) Evaluate(ctx context.Context, pair config.Pair, asOf time.Time) Evaluation {
	start := time.Now()
	ev := s.evaluate(ctx, pair, sales.Day(asOf))
	ev.Took = time.Since(start)

	metrics.EvaluationsTotal.WithLabelValues(string(ev.Outcome)).Inc()
	metrics.EvaluationDurationSeconds.Observe(ev.Took.Seconds())

	event := s.logger.Info()
	if ev.Outcome == OutcomeFailed {
		event = s.logger.Error().Err(ev.Err)
	}
	event.Str("zone", pair.ZoneID).
		Str("category", pair.Category).
		Str("outcome", string(ev.Outcome)).
		Bool("model_cached", ev.ModelCached).
		Dur("took", ev.Took).
		Msg("pair evaluated")
	return ev
}

func (s *Service) evaluate(ctx context.Context, pair config.Pair, asOf time.Time) Evaluation {
	ev, det := s.score(ctx, pair, asOf)
	if ev.Outcome != "" {
		return ev
	}

	cand := det.AlertCandidate(ev.Results, pair.ZoneID, pair.Category)
	if cand == nil {
		ev.Outcome = OutcomeNoAnomaly
		return ev
	}
	ev.Candidate = cand

	alert, created, err := s.alerts.CreateAlert(ctx, *cand)
	if err != nil {
		ev.Outcome, ev.Err = OutcomeFailed, err
		return ev
	}
	if !created {
		ev.Outcome = OutcomeSuppressed
		return ev
	}
	ev.Alert = &alert
	ev.Outcome = OutcomeAlerted
	return ev
}

// Score runs series building and detection for pair without touching the alert lifecycle.
// Outcome is left empty when scoring succeeded.
func (s *Service) Score(ctx context.Context, pair config.Pair, asOf time.Time) Evaluation {
	ev, _ := s.score(ctx, pair, sales.Day(asOf))
	return ev
}

func (s *Service) score(ctx context.Context, pair config.Pair, asOf time.Time) (Evaluation, *ensemble.Detector) {
	ev := Evaluation{Pair: pair, AsOf: asOf}
	fail := func(err error) (Evaluation, *ensemble.Detector) {
		ev.Outcome = OutcomeFailed
		ev.Err = err
		return ev, nil
	}
	noData := func() (Evaluation, *ensemble.Detector) {
		ev.Outcome = OutcomeNoData
		return ev, nil
	}

	from := asOf.AddDate(0, 0, -(s.cfg.HistoryDays - 1))
	series, err := s.pre.BuildSeries(ctx, pair.ZoneID, pair.Category, from, asOf)
	if errors.Is(err, sales.ErrInsufficientData) {
		return noData()
	}
	if err != nil {
		return fail(err)
	}
	ev.Series = series
	if series.Len() < s.cfg.MinHistoryDays {
		return noData()
	}

	det, seq, cached, err := s.model(ctx, pair, series, asOf)
	if errors.Is(err, detect.ErrInsufficientData) {
		return noData()
	}
	if err != nil {
		return fail(err)
	}
	ev.ModelCached = cached

	in := detect.Input{
		Series:  series,
		Windows: sales.WindowizeWith(series, s.cfg.Sequence.LookbackDays, seq.Normalization()),
	}
	results, err := det.Detect(ctx, in, s.cfg.Threshold)
	if err != nil {
		return fail(err)
	}
	ev.Results = results
	ev.Confidence = det.Confidence(results)
	return ev, det
}

// Train fits a fresh ensemble on the history window ending at asOf and returns its artifact.
func (s *Service) Train(ctx context.Context, pair config.Pair, asOf time.Time) ([]byte, error) {
	asOf = sales.Day(asOf)
	series, err := s.pre.BuildSeries(ctx, pair.ZoneID, pair.Category, asOf.AddDate(0, 0, -(s.cfg.HistoryDays-1)), asOf)
	if err != nil {
		return nil, err
	}
	if series.Len() < s.cfg.MinHistoryDays {
		return nil, fmt.Errorf("%w: %d days of history, need %d", detect.ErrInsufficientData, series.Len(), s.cfg.MinHistoryDays)
	}
	det, _ := NewDetector(s.cfg, s.labels, s.logger)
	return s.train(ctx, det, series)
}

// model returns a trained ensemble for pair, from the model cache when one is configured.
func (s *Service) model(ctx context.Context, pair config.Pair, series sales.TimeSeries, asOf time.Time) (*ensemble.Detector, *sequence.Model, bool, error) {
	det, seq := NewDetector(s.cfg, s.labels, s.logger)
	train := func(ctx context.Context) ([]byte, error) {
		return s.train(ctx, det, series)
	}

	if s.cache == nil {
		if _, err := train(ctx); err != nil {
			return nil, nil, false, err
		}
		return det, seq, false, nil
	}

	data, cached, err := s.cache.GetOrTrain(ctx, ModelKey(pair, asOf), train)
	if err != nil {
		return nil, nil, false, err
	}
	if !det.Trained() {
		if err := det.Load(data); err != nil {
			return nil, nil, false, fmt.Errorf("load cached model %s: %w", pair, err)
		}
	}
	return det, seq, cached, nil
}

func (s *Service) train(ctx context.Context, det *ensemble.Detector, series sales.TimeSeries) ([]byte, error) {
	in := detect.Input{
		Series:  series,
		Windows: sales.Windowize(series, s.cfg.Sequence.LookbackDays),
	}
	if err := det.Train(ctx, in); err != nil {
		metrics.ModelTrainingsTotal.WithLabelValues("failed").Inc()
		return nil, err
	}
	metrics.ModelTrainingsTotal.WithLabelValues("success").Inc()
	return det.Save()
}

// ModelKey is the model cache key of pair trained on history ending at asOf.
func ModelKey(pair config.Pair, asOf time.Time) string {
	return pair.String() + "@" + asOf.Format(time.DateOnly)
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
