package anomaly

import (
	"log/slog"
	"math"
	"math/rand"
	"sort"

	"github.com/sharestack/share-analyzer/internal/models"
)

// State reports scorer readiness.
type State string

const (
	// StateCold means too little history exists; every input is "not scored".
	StateCold State = "cold"
	// StateWarm means a fitted model is available.
	StateWarm State = "warm"
)

// Config controls the scorer.
type Config struct {
	// Threshold above which a scored sample is flagged.
	Threshold float64
	// MinSamples of history required before the first fit.
	MinSamples int
	// RefitEvery is the cadence K: the model is refit after every K scored
	// samples rather than on each sample.
	RefitEvery int
	// MaxFitSamples bounds the fit cost; larger histories are subsampled.
	MaxFitSamples int
	// Seed fixes the subsampling sequence for reproducible scores.
	Seed int64
}

// Result is the outcome of scoring one sample. Scored is false while the
// scorer is COLD, which is distinct from any real score.
type Result struct {
	Scored bool
	Score  float64
	Flag   *models.AnomalyFlag
}

const numFeatures = 4

// model holds robust per-feature location and scale estimated from history.
type model struct {
	center     [numFeatures]float64
	scale      [numFeatures]float64
	fitSamples int
}

// Scorer maintains an unsupervised outlier model over a fixed feature vector
// (rtt avg, throughput, loss ratio, tcp window). A sample that lands on a
// refit boundary is scored against the previous fit before the refit runs, so
// scoring cost is independent of the refit cadence.
type Scorer struct {
	logger   *slog.Logger
	cfg      Config
	rng      *rand.Rand
	model    *model
	sinceFit int
}

// New constructs a Scorer in the COLD state.
func New(logger *slog.Logger, cfg Config) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = 2.5
	}
	if cfg.MinSamples < 2 {
		cfg.MinSamples = 10
	}
	if cfg.RefitEvery < 1 {
		cfg.RefitEvery = 20
	}
	if cfg.MaxFitSamples < cfg.MinSamples {
		cfg.MaxFitSamples = 512
	}
	return &Scorer{
		logger: logger,
		cfg:    cfg,
		rng:    rand.New(rand.NewSource(cfg.Seed)),
	}
}

// State reports COLD until the first fit succeeds.
func (s *Scorer) State() State {
	if s.model == nil {
		return StateCold
	}
	return StateWarm
}

// Score evaluates the newest sample against the fitted model. history is the
// retained sample history excluding newest.
func (s *Scorer) Score(history []models.MetricSample, newest models.MetricSample) Result {
	if s.model == nil {
		if len(history) < s.cfg.MinSamples {
			return Result{}
		}
		s.model = s.fit(history)
		s.sinceFit = 0
		s.logger.Debug("anomaly model fit", slog.Int("samples", s.model.fitSamples))
	}

	score := s.model.score(featureVector(newest))
	result := Result{Scored: true, Score: score}
	if score >= s.cfg.Threshold {
		result.Flag = &models.AnomalyFlag{
			WindowID:  newest.WindowID,
			Time:      newest.End,
			Score:     score,
			Threshold: s.cfg.Threshold,
		}
	}

	// Refit after scoring: the in-flight sample always sees the previous fit.
	s.sinceFit++
	if s.sinceFit >= s.cfg.RefitEvery && len(history) >= s.cfg.MinSamples {
		s.model = s.fit(history)
		s.sinceFit = 0
		s.logger.Debug("anomaly model refit", slog.Int("samples", s.model.fitSamples))
	}

	return result
}

// fit estimates median and MAD per feature over (a bounded subsample of) the
// history.
func (s *Scorer) fit(history []models.MetricSample) *model {
	samples := history
	if len(history) > s.cfg.MaxFitSamples {
		perm := s.rng.Perm(len(history))
		picked := make([]models.MetricSample, s.cfg.MaxFitSamples)
		for i := 0; i < s.cfg.MaxFitSamples; i++ {
			picked[i] = history[perm[i]]
		}
		samples = picked
	}

	m := &model{fitSamples: len(samples)}
	for f := 0; f < numFeatures; f++ {
		values := make([]float64, 0, len(samples))
		for _, sample := range samples {
			v := featureVector(sample)[f]
			if !math.IsNaN(v) {
				values = append(values, v)
			}
		}
		m.center[f] = median(values)
		m.scale[f] = mad(values, m.center[f])
		if m.scale[f] == 0 {
			m.scale[f] = 1
		}
	}
	return m
}

// score is the root-mean-square robust z across features present in the
// sample; an invalid RTT contributes nothing rather than a fake zero.
func (m *model) score(features [numFeatures]float64) float64 {
	sum := 0.0
	n := 0
	for f := 0; f < numFeatures; f++ {
		if math.IsNaN(features[f]) {
			continue
		}
		z := (features[f] - m.center[f]) / m.scale[f]
		sum += z * z
		n++
	}
	if n == 0 {
		return 0
	}
	return math.Sqrt(sum / float64(n))
}

func featureVector(sample models.MetricSample) [numFeatures]float64 {
	rtt := math.NaN()
	if sample.RTT.Valid {
		rtt = sample.RTT.AvgMS
	}
	return [numFeatures]float64{
		rtt,
		sample.ThroughputBPS,
		sample.PacketLossRatio,
		sample.TCPWindowBytes,
	}
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// mad is the median absolute deviation, the scale estimate used instead of a
// standard deviation so single spikes do not inflate the baseline.
func mad(values []float64, center float64) float64 {
	if len(values) == 0 {
		return 0
	}
	deviations := make([]float64, len(values))
	for i, v := range values {
		deviations[i] = math.Abs(v - center)
	}
	return median(deviations)
}
