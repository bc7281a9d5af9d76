package detect

import (
	"fmt"
	"log/slog"
	"sync"

	"sentinelvnc/internal/ring"
)

// DefaultMLThreshold is the score above which the ML path raises an alert.
const DefaultMLThreshold = 0.5

// Scorer produces an anomaly probability for a feature vector. A scorer
// must be safe for concurrent use.
type Scorer interface {
	Score(features []float64) (float64, error)
	// FeatureImportance returns advisory per-feature weights, or nil when
	// the model does not expose them.
	FeatureImportance() map[string]float64
}

// Config holds the engine knobs.
type Config struct {
	Rules       RuleConfig
	MLThreshold float64
}

// Engine combines the rule evaluator and the ML scorer into verdicts. The
// engine keeps no per-session state; history lives in the caller's window.
// Evaluate has no side effects beyond diagnostics.
type Engine struct {
	rules     *Rules
	scorer    Scorer
	threshold float64
	logger    *slog.Logger

	warnModelOnce sync.Once
}

// NewEngine creates an engine. A nil scorer disables the ML path: every
// evaluation scores 0.0 and a single diagnostic is logged on first use.
func NewEngine(cfg Config, scorer Scorer, logger *slog.Logger) *Engine {
	if cfg.MLThreshold <= 0 {
		cfg.MLThreshold = DefaultMLThreshold
	}
	if logger == nil {
		logger = slog.Default().With("component", "detect")
	}
	return &Engine{
		rules:     NewRules(cfg.Rules),
		scorer:    scorer,
		threshold: cfg.MLThreshold,
		logger:    logger,
	}
}

// Rules exposes the effective rule thresholds.
func (e *Engine) Rules() *Rules { return e.rules }

// MLThreshold exposes the effective alerting threshold.
func (e *Engine) MLThreshold() float64 { return e.threshold }

// Evaluate runs both detection paths for an event whose sample is already
// present in the window. It returns the assembled verdict plus the raw rule
// hits so callers can name the leading heuristic on the alert wire.
//
// Severity follows the fixed matrix: both paths firing is HIGH, one is
// MEDIUM, none is LOW. CRITICAL is reserved for operator escalation and is
// never assigned here.
func (e *Engine) Evaluate(ev Event, w *ring.Ring) (Verdict, []Hit) {
	hits := e.rules.Evaluate(ev, w)
	ruleAlert := len(hits) > 0

	score := 0.0
	var importance map[string]float64
	if e.scorer == nil {
		e.warnModelOnce.Do(func() {
			e.logger.Warn("ml model not loaded, ml path scores 0.0")
		})
	} else {
		s, err := e.scorer.Score(Features(ev, w))
		if err != nil {
			e.logger.Warn("ml scoring failed", "error", err)
		} else {
			score = s
			importance = e.scorer.FeatureImportance()
		}
	}
	mlAlert := score > e.threshold

	methods := make([]Method, 0, 2)
	reasons := make([]string, 0, len(hits)+1)
	if ruleAlert {
		methods = append(methods, MethodRule)
		for _, h := range hits {
			reasons = append(reasons, h.Reason)
		}
	}
	if mlAlert {
		methods = append(methods, MethodML)
		reasons = append(reasons, fmt.Sprintf("ML anomaly score: %.3f (threshold: %g)", score, e.threshold))
	}

	severity := SeverityLow
	switch {
	case ruleAlert && mlAlert:
		severity = SeverityHigh
	case ruleAlert || mlAlert:
		severity = SeverityMedium
	}

	return Verdict{
		IsAlert:           ruleAlert || mlAlert,
		DetectionMethods:  methods,
		Reasons:           reasons,
		Severity:          severity,
		MLScore:           score,
		FeatureImportance: importance,
	}, hits
}
