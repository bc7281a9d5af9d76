package detect

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelvnc/internal/ring"
)

type stubScorer struct {
	score float64
	imp   map[string]float64
	err   error
}

func (s stubScorer) Score(features []float64) (float64, error) { return s.score, s.err }
func (s stubScorer) FeatureImportance() map[string]float64     { return s.imp }

func newTestEngine(scorer Scorer) *Engine {
	return NewEngine(Config{Rules: DefaultRuleConfig()}, scorer, nil)
}

func TestBenignEventIsLow(t *testing.T) {
	// 50 kB clipboard copy with empty history: neither path fires.
	eng := newTestEngine(nil)
	ev := Event{
		Timestamp: 1000,
		Type:      EventClipboardCopy,
		Direction: ring.ClientToServer,
		SizeKB:    50,
		Bytes:     51_200,
	}
	w := ring.New(0)
	w.Append(ev.Sample())

	v, hits := eng.Evaluate(ev, w)
	assert.False(t, v.IsAlert)
	assert.Equal(t, SeverityLow, v.Severity)
	assert.Empty(t, v.DetectionMethods)
	assert.Empty(t, v.Reasons)
	assert.Zero(t, v.MLScore)
	assert.Empty(t, hits)
}

func TestRuleOnlyVerdictIsMedium(t *testing.T) {
	eng := newTestEngine(nil)
	ev := chunkEvent(1000, ring.ClientToServer, 204_801)
	w := ring.New(0)
	w.Append(ev.Sample())

	v, hits := eng.Evaluate(ev, w)
	require.True(t, v.IsAlert)
	assert.Equal(t, SeverityMedium, v.Severity)
	assert.Equal(t, []Method{MethodRule}, v.DetectionMethods)
	require.NotEmpty(t, hits)
	assert.Equal(t, HeuristicClipboard, hits[0].Heuristic)
}

func TestMLOnlyVerdictIsMedium(t *testing.T) {
	eng := newTestEngine(stubScorer{score: 0.8})
	ev := Event{
		Timestamp: 1000,
		Type:      EventScreenshot,
		Direction: ring.ServerToClient,
		Bytes:     4096,
	}
	w := ring.New(0)
	w.Append(ev.Sample())

	v, hits := eng.Evaluate(ev, w)
	assert.True(t, v.IsAlert)
	assert.Equal(t, SeverityMedium, v.Severity)
	assert.Equal(t, []Method{MethodML}, v.DetectionMethods)
	assert.Empty(t, hits)
	require.Len(t, v.Reasons, 1)
	assert.Equal(t, "ML anomaly score: 0.800 (threshold: 0.5)", v.Reasons[0])
}

func TestCombinedVerdictIsHigh(t *testing.T) {
	eng := newTestEngine(stubScorer{
		score: 0.9,
		imp:   map[string]float64{"is_clipboard": 0.4},
	})
	// Trips rule 1 only: over the burst sum, under the 5 s rate.
	ev := chunkEvent(1000, ring.ClientToServer, 204_801)
	w := ring.New(0)
	w.Append(ev.Sample())

	v, _ := eng.Evaluate(ev, w)
	assert.True(t, v.IsAlert)
	assert.Equal(t, SeverityHigh, v.Severity)
	assert.Equal(t, []Method{MethodRule, MethodML}, v.DetectionMethods)
	require.Len(t, v.Reasons, 2)
	assert.Contains(t, v.Reasons[0], "Rule 1")
	assert.Contains(t, v.Reasons[1], "ML anomaly score: 0.900")
	assert.Equal(t, 0.4, v.FeatureImportance["is_clipboard"])
}

func TestScoreAtThresholdDoesNotAlert(t *testing.T) {
	eng := newTestEngine(stubScorer{score: 0.5})
	ev := Event{Timestamp: 1000, Type: EventScreenshot, Direction: ring.ServerToClient}
	w := ring.New(0)
	w.Append(ev.Sample())

	v, _ := eng.Evaluate(ev, w)
	assert.False(t, v.IsAlert, "threshold comparison must be strictly greater-than")
	assert.Equal(t, SeverityLow, v.Severity)
}

func TestScorerErrorScoresZero(t *testing.T) {
	eng := newTestEngine(stubScorer{score: 0.99, err: errors.New("bad forest")})
	ev := Event{Timestamp: 1000, Type: EventScreenshot, Direction: ring.ServerToClient}
	w := ring.New(0)
	w.Append(ev.Sample())

	v, _ := eng.Evaluate(ev, w)
	assert.False(t, v.IsAlert)
	assert.Zero(t, v.MLScore)
}

func TestNilScorerScoresZero(t *testing.T) {
	eng := newTestEngine(nil)
	ev := chunkEvent(1000, ring.ServerToClient, 1024)
	w := ring.New(0)
	w.Append(ev.Sample())

	for i := 0; i < 3; i++ {
		v, _ := eng.Evaluate(ev, w)
		assert.Zero(t, v.MLScore)
	}
}

func TestCustomMLThreshold(t *testing.T) {
	eng := NewEngine(Config{
		Rules:       DefaultRuleConfig(),
		MLThreshold: 0.9,
	}, stubScorer{score: 0.85}, nil)
	assert.Equal(t, 0.9, eng.MLThreshold())

	ev := Event{Timestamp: 1000, Type: EventScreenshot, Direction: ring.ServerToClient}
	w := ring.New(0)
	w.Append(ev.Sample())

	v, _ := eng.Evaluate(ev, w)
	assert.False(t, v.IsAlert, "0.85 is below the raised threshold")
}

func TestVerdictSerializesEmptyListsNotNull(t *testing.T) {
	eng := newTestEngine(nil)
	ev := Event{Timestamp: 1000, Type: EventScreenshot, Direction: ring.ServerToClient}
	w := ring.New(0)
	w.Append(ev.Sample())

	v, _ := eng.Evaluate(ev, w)
	assert.NotNil(t, v.DetectionMethods)
	assert.NotNil(t, v.Reasons)
}
