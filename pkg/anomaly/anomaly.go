// Package anomaly implements the Anomaly Detection Engine (spec §4.6):
// statistical baselines (z-score, MAD, IQR, EWMA) over a bounded rolling
// window with direction filtering, per-metric cooldown, and a global
// rate limiter.
package anomaly

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/jordigilh/opskernel/pkg/eventbus"
	"github.com/jordigilh/opskernel/pkg/events"
)

// Method is a detection method (spec §4.6 table).
type Method string

const (
	MethodZScore Method = "zscore"
	MethodMAD    Method = "mad"
	MethodIQR    Method = "iqr"
	MethodEWMA   Method = "ewma"
)

// Direction filters which side of the baseline counts as anomalous.
type Direction string

const (
	DirectionHigh Direction = "high"
	DirectionLow  Direction = "low"
	DirectionBoth Direction = "both"
)

// MetricConfig configures detection for one metric.
type MetricConfig struct {
	ID                 string
	MetricRegex        string // line must match to be considered for this metric
	ValueRegex         string // first capture group parsed as float
	Method             Method
	Direction          Direction
	Sensitivity        float64
	MinTrainingSamples int
	TrainingWindowSize int
	CooldownMs         int64
	Severity           string
	EWMAAlpha          float64

	metricRE *regexp.Regexp
	valueRE  *regexp.Regexp
}

func (m *MetricConfig) compile() error {
	re, err := regexp.Compile(m.MetricRegex)
	if err != nil {
		return fmt.Errorf("invalid metric regex for %q: %w", m.ID, err)
	}
	m.metricRE = re
	vre, err := regexp.Compile(m.ValueRegex)
	if err != nil {
		return fmt.Errorf("invalid value regex for %q: %w", m.ID, err)
	}
	m.valueRE = vre
	if m.EWMAAlpha <= 0 {
		m.EWMAAlpha = 0.3
	}
	if m.Sensitivity <= 0 {
		m.Sensitivity = 2.0
	}
	if m.TrainingWindowSize <= 0 {
		m.TrainingWindowSize = 50
	}
	if m.MinTrainingSamples <= 0 {
		m.MinTrainingSamples = 5
	}
	if m.Direction == "" {
		m.Direction = DirectionBoth
	}
	return nil
}

// Result is the per-method detection output (spec §4.6 table).
type Result struct {
	IsAnomaly      bool
	Value          float64
	Expected       float64
	DeviationScore float64
	LowerBound     float64
	UpperBound     float64
}

// metricState is the per-metric rolling state (spec §4.6 "Per-metric state").
type metricState struct {
	window       []float64
	ewmaValue    float64
	ewmaVariance float64
	ewmaInit     bool
	lastFiredAt  time.Time
}

// Config tunes one Engine instance.
type Config struct {
	Metrics               []MetricConfig
	MaxIncidentsPerMinute int
}

// Engine is the Anomaly Detection Engine.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	metrics  map[string]*MetricConfig
	states   map[string]*metricState
	fireLog  []time.Time // sliding 60s window of fire timestamps, global rate limit

	bus *eventbus.Bus
	idN uint64
}

// NewEngine compiles every metric's regexes. Returns InvalidPattern
// (wrapped as a plain error) if any is unparsable — initialization-time
// only, never at runtime (spec §4.6 "Fails with").
func NewEngine(bus *eventbus.Bus, cfg Config) (*Engine, error) {
	if cfg.MaxIncidentsPerMinute <= 0 {
		cfg.MaxIncidentsPerMinute = 60
	}
	metrics := make(map[string]*MetricConfig, len(cfg.Metrics))
	for i := range cfg.Metrics {
		m := cfg.Metrics[i]
		if err := m.compile(); err != nil {
			return nil, err
		}
		metrics[m.ID] = &m
	}
	return &Engine{
		bus:     bus,
		cfg:     cfg,
		metrics: metrics,
		states:  make(map[string]*metricState),
	}, nil
}

// Ingest tests line against every configured metric and processes any
// matches (spec §4.6 "Ingestion").
func (e *Engine) Ingest(ctx context.Context, line string) {
	for id, m := range e.metrics {
		if !m.metricRE.MatchString(line) {
			continue
		}
		match := m.valueRE.FindStringSubmatch(line)
		if len(match) < 2 {
			continue
		}
		value, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			continue
		}
		e.process(ctx, id, m, value)
	}
}

// IngestValue processes value directly for metricID, bypassing regex
// extraction — used by tests and by non-text sample sources.
func (e *Engine) IngestValue(ctx context.Context, metricID string, value float64) {
	m, ok := e.metrics[metricID]
	if !ok {
		return
	}
	e.process(ctx, metricID, m, value)
}

func (e *Engine) process(ctx context.Context, metricID string, m *MetricConfig, value float64) {
	e.mu.Lock()
	state, ok := e.states[metricID]
	if !ok {
		state = &metricState{}
		e.states[metricID] = state
	}

	if len(state.window) < m.MinTrainingSamples {
		e.appendSample(state, m, value)
		e.mu.Unlock()
		return
	}

	// Detect-then-record order (critical, spec §4.6): run detection on
	// the CURRENT window before appending the new sample.
	result := detect(m.Method, state, value, m.Sensitivity)
	fire := directionFires(m.Direction, value, result.LowerBound, result.UpperBound) && result.IsAnomaly

	now := time.Now()
	if fire && m.CooldownMs > 0 && !state.lastFiredAt.IsZero() && now.Sub(state.lastFiredAt) < time.Duration(m.CooldownMs)*time.Millisecond {
		fire = false
	}

	e.appendSample(state, m, value)

	if fire {
		if !e.allowGlobalRate(now) {
			e.mu.Unlock()
			return
		}
		state.lastFiredAt = now
		e.idN++
		id := e.idN
		e.mu.Unlock()

		direction := "above"
		if value < result.LowerBound {
			direction = "below"
		}
		e.bus.Publish(ctx, eventbus.Event{
			Type:      events.TypeIncidentCreated,
			Source:    "anomaly-engine",
			Timestamp: now,
			Payload: events.IncidentCreated{
				IncidentID:  fmt.Sprintf("INC-ANOM-%d", id),
				Title:       fmt.Sprintf("Anomaly detected on %s", metricID),
				Description: fmt.Sprintf("metric %s value %.4f outside expected range", metricID, value),
				Severity:    m.Severity,
				DetectedBy:  "anomaly-engine",
				DetectedAt:  now,
				Context: map[string]interface{}{
					"metricId":       metricID,
					"method":         string(m.Method),
					"value":          value,
					"expected":       result.Expected,
					"lowerBound":     result.LowerBound,
					"upperBound":     result.UpperBound,
					"deviationScore": result.DeviationScore,
					"windowSize":     len(state.window),
					"direction":      direction,
				},
			},
		})
		return
	}
	e.mu.Unlock()
}

// appendSample appends value and trims to TrainingWindowSize, updating
// the EWMA running statistics. Caller holds e.mu.
func (e *Engine) appendSample(state *metricState, m *MetricConfig, value float64) {
	if !state.ewmaInit {
		state.ewmaValue = value
		state.ewmaVariance = 0
		state.ewmaInit = true
	} else {
		diff := value - state.ewmaValue
		state.ewmaValue = m.EWMAAlpha*value + (1-m.EWMAAlpha)*state.ewmaValue
		state.ewmaVariance = (1 - m.EWMAAlpha) * (state.ewmaVariance + m.EWMAAlpha*diff*diff)
	}

	state.window = append(state.window, value)
	if len(state.window) > m.TrainingWindowSize {
		state.window = state.window[1:]
	}
}

// allowGlobalRate enforces the 60s sliding-window rate limit. Caller
// holds e.mu.
func (e *Engine) allowGlobalRate(now time.Time) bool {
	cutoff := now.Add(-60 * time.Second)
	kept := e.fireLog[:0]
	for _, t := range e.fireLog {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	e.fireLog = kept
	if len(e.fireLog) >= e.cfg.MaxIncidentsPerMinute {
		return false
	}
	e.fireLog = append(e.fireLog, now)
	return true
}

func directionFires(d Direction, value, lower, upper float64) bool {
	switch d {
	case DirectionHigh:
		return value > upper
	case DirectionLow:
		return value < lower
	default:
		return value > upper || value < lower
	}
}

func effectiveSpread(spread float64) float64 {
	if spread < 1e-10 {
		return 1
	}
	return spread
}

func detect(method Method, state *metricState, value float64, sensitivity float64) Result {
	switch method {
	case MethodMAD:
		return detectMAD(state.window, value, sensitivity)
	case MethodIQR:
		return detectIQR(state.window, value, sensitivity)
	case MethodEWMA:
		return detectEWMA(state, value, sensitivity)
	default:
		return detectZScore(state.window, value, sensitivity)
	}
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func stddev(xs []float64, m float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sumSq float64
	for _, x := range xs {
		d := x - m
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(xs)))
}

func sortedCopy(xs []float64) []float64 {
	out := make([]float64, len(xs))
	copy(out, xs)
	sort.Float64s(out)
	return out
}

func medianOf(sorted []float64) float64 {
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func quartiles(sorted []float64) (q1, q3 float64) {
	n := len(sorted)
	if n == 0 {
		return 0, 0
	}
	q1 = sorted[int(0.25*float64(n))]
	q3 = sorted[int(0.75*float64(n))]
	return
}

func detectZScore(window []float64, value float64, sensitivity float64) Result {
	m := mean(window)
	spread := effectiveSpread(stddev(window, m))
	lower := m - sensitivity*spread
	upper := m + sensitivity*spread
	return Result{
		Value: value, Expected: m,
		DeviationScore: math.Abs(value-m) / spread,
		LowerBound:     lower, UpperBound: upper,
		IsAnomaly: value < lower || value > upper,
	}
}

func detectMAD(window []float64, value float64, sensitivity float64) Result {
	sorted := sortedCopy(window)
	med := medianOf(sorted)
	deviations := make([]float64, len(window))
	for i, x := range window {
		deviations[i] = math.Abs(x - med)
	}
	madRaw := medianOf(sortedCopy(deviations))
	spread := effectiveSpread(1.4826 * madRaw)
	lower := med - sensitivity*spread
	upper := med + sensitivity*spread
	return Result{
		Value: value, Expected: med,
		DeviationScore: math.Abs(value-med) / spread,
		LowerBound:     lower, UpperBound: upper,
		IsAnomaly: value < lower || value > upper,
	}
}

func detectIQR(window []float64, value float64, sensitivity float64) Result {
	sorted := sortedCopy(window)
	q1, q3 := quartiles(sorted)
	iqr := effectiveSpread(q3 - q1)
	center := (q1 + q3) / 2
	lower := q1 - sensitivity*iqr
	upper := q3 + sensitivity*iqr

	var deviation float64
	if value > center {
		deviation = (value - q3) / iqr
	} else {
		deviation = (q1 - value) / iqr
	}
	if deviation < 0 {
		deviation = 0
	}
	return Result{
		Value: value, Expected: center,
		DeviationScore: deviation,
		LowerBound:     lower, UpperBound: upper,
		IsAnomaly: value < lower || value > upper,
	}
}

func detectEWMA(state *metricState, value float64, sensitivity float64) Result {
	ewma := state.ewmaValue
	spread := effectiveSpread(math.Sqrt(state.ewmaVariance))
	lower := ewma - sensitivity*spread
	upper := ewma + sensitivity*spread
	return Result{
		Value: value, Expected: ewma,
		DeviationScore: math.Abs(value-ewma) / spread,
		LowerBound:     lower, UpperBound: upper,
		IsAnomaly: value < lower || value > upper,
	}
}

// WindowSize returns the current sample count for metricID (test helper).
func (e *Engine) WindowSize(metricID string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok := e.states[metricID]; ok {
		return len(s.window)
	}
	return 0
}
