package model

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentinelvnc/internal/detect"
)

const testForest = `{
  "model_type": "random_forest",
  "n_features": 11,
  "feature_names": ["is_clipboard", "is_screenshot", "is_file_transfer",
    "clipboard_size_mb", "file_size_mb", "time_of_day",
    "clipboard_count_1min", "screenshot_count_1min",
    "file_transfer_count_1min", "clipboard_total_kb_1min",
    "file_transfer_total_mb_1min"],
  "feature_importance": {"is_clipboard": 0.35, "clipboard_total_kb_1min": 0.25},
  "trees": [
    {"nodes": [
      {"feature": 0, "threshold": 0.5, "left": 1, "right": 2, "value": [0, 0]},
      {"feature": -1, "threshold": 0, "left": -1, "right": -1, "value": [90, 10]},
      {"feature": -1, "threshold": 0, "left": -1, "right": -1, "value": [20, 80]}
    ]},
    {"nodes": [
      {"feature": 9, "threshold": 0.2, "left": 1, "right": 2, "value": [0, 0]},
      {"feature": -1, "threshold": 0, "left": -1, "right": -1, "value": [80, 20]},
      {"feature": -1, "threshold": 0, "left": -1, "right": -1, "value": [10, 90]}
    ]}
  ]
}`

func writeArtifact(t *testing.T, doc string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model.json")
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func testVector(isClipboard, clipboardTotalKB float64) []float64 {
	x := make([]float64, 11)
	x[0] = isClipboard
	x[9] = clipboardTotalKB
	return x
}

func TestLoadAndScore(t *testing.T) {
	f, err := Load(writeArtifact(t, testForest))
	require.NoError(t, err)

	assert.Equal(t, "random_forest", f.ModelType())
	assert.Equal(t, 2, f.NumTrees())
	assert.Equal(t, 11, f.NumFeatures())

	// Clipboard-heavy vector goes right in both trees: (0.8 + 0.9) / 2.
	score, err := f.Score(testVector(1, 0.5))
	require.NoError(t, err)
	assert.InDelta(t, 0.85, score, 1e-9)

	// Quiet vector goes left in both trees: (0.1 + 0.2) / 2.
	score, err = f.Score(testVector(0, 0))
	require.NoError(t, err)
	assert.InDelta(t, 0.15, score, 1e-9)
}

func TestSplitBoundaryGoesLeft(t *testing.T) {
	f, err := Parse([]byte(testForest))
	require.NoError(t, err)

	// x[0] == threshold must take the left branch.
	score, err := f.Score(testVector(0.5, 0))
	require.NoError(t, err)
	assert.InDelta(t, 0.15, score, 1e-9)
}

func TestLeafOnlyTree(t *testing.T) {
	doc := `{"model_type": "random_forest", "n_features": 2,
		"trees": [{"nodes": [
			{"feature": -1, "threshold": 0, "left": -1, "right": -1, "value": [0, 100]}
		]}]}`
	f, err := Parse([]byte(doc))
	require.NoError(t, err)

	score, err := f.Score([]float64{0, 0})
	require.NoError(t, err)
	assert.Equal(t, 1.0, score)
}

func TestEmptyLeafScoresZero(t *testing.T) {
	doc := `{"n_features": 1,
		"trees": [{"nodes": [
			{"feature": -1, "threshold": 0, "left": -1, "right": -1, "value": [0, 0]}
		]}]}`
	f, err := Parse([]byte(doc))
	require.NoError(t, err)

	score, err := f.Score([]float64{0})
	require.NoError(t, err)
	assert.Zero(t, score)
}

func TestScoreRejectsWrongWidth(t *testing.T) {
	f, err := Parse([]byte(testForest))
	require.NoError(t, err)

	_, err = f.Score([]float64{1, 2, 3})
	assert.ErrorIs(t, err, ErrFeatureWidth)
}

func TestCheckFeatureLayout(t *testing.T) {
	f, err := Parse([]byte(testForest))
	require.NoError(t, err)

	assert.NoError(t, f.CheckFeatureLayout(detect.FeatureNames()))

	swapped := detect.FeatureNames()
	swapped[0], swapped[1] = swapped[1], swapped[0]
	assert.Error(t, f.CheckFeatureLayout(swapped))

	assert.Error(t, f.CheckFeatureLayout([]string{"just_one"}))
}

func TestCheckFeatureLayoutWidthOnlyWhenUnnamed(t *testing.T) {
	doc := `{"n_features": 2, "trees": [{"nodes": [
		{"feature": -1, "threshold": 0, "left": -1, "right": -1, "value": [1, 1]}
	]}]}`
	f, err := Parse([]byte(doc))
	require.NoError(t, err)

	assert.NoError(t, f.CheckFeatureLayout([]string{"a", "b"}))
	assert.Error(t, f.CheckFeatureLayout([]string{"a"}))
}

func TestParseRejectsMalformedArtifacts(t *testing.T) {
	cases := map[string]string{
		"not json":            `{"trees": [`,
		"no trees":            `{"n_features": 3, "trees": []}`,
		"empty tree":          `{"n_features": 3, "trees": [{"nodes": []}]}`,
		"no width":            `{"trees": [{"nodes": [{"feature": -1, "left": -1, "right": -1, "value": [1, 1]}]}]}`,
		"width name mismatch": `{"n_features": 2, "feature_names": ["a"], "trees": [{"nodes": [{"feature": -1, "left": -1, "right": -1, "value": [1, 1]}]}]}`,
		"child out of range": `{"n_features": 1, "trees": [{"nodes": [
			{"feature": 0, "threshold": 0.5, "left": 1, "right": 5, "value": [0, 0]},
			{"feature": -1, "left": -1, "right": -1, "value": [1, 1]}
		]}]}`,
		"feature out of range": `{"n_features": 1, "trees": [{"nodes": [
			{"feature": 7, "threshold": 0.5, "left": 1, "right": 1, "value": [0, 0]},
			{"feature": -1, "left": -1, "right": -1, "value": [1, 1]}
		]}]}`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFileSurfacesNotExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestFeatureImportanceIsCopied(t *testing.T) {
	f, err := Parse([]byte(testForest))
	require.NoError(t, err)

	imp := f.FeatureImportance()
	require.NotNil(t, imp)
	assert.Equal(t, 0.35, imp["is_clipboard"])

	imp["is_clipboard"] = 0
	assert.Equal(t, 0.35, f.FeatureImportance()["is_clipboard"])
}

func TestFeatureImportanceNilWhenAbsent(t *testing.T) {
	doc := `{"n_features": 1, "trees": [{"nodes": [
		{"feature": -1, "left": -1, "right": -1, "value": [1, 1]}
	]}]}`
	f, err := Parse([]byte(doc))
	require.NoError(t, err)
	assert.Nil(t, f.FeatureImportance())
}
