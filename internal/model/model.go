// Package model loads and evaluates the trained tree-ensemble artifact.
// The artifact is a single JSON document carrying the exported forest, its
// feature layout, and optional per-feature importances. A loaded Forest is
// immutable and safe for concurrent scoring.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Sentinel errors surfaced to callers deciding between "no model" and
// "broken model".
var (
	ErrEmptyForest  = errors.New("model: artifact contains no trees")
	ErrMalformed    = errors.New("model: malformed artifact")
	ErrFeatureWidth = errors.New("model: feature vector width mismatch")
)

// Node is one decision node. Leaves are marked by Left == -1; for internal
// nodes the split sends x[Feature] <= Threshold to Left, otherwise Right.
// Value carries the training class counts [negative, positive].
type Node struct {
	Feature   int        `json:"feature"`
	Threshold float64    `json:"threshold"`
	Left      int        `json:"left"`
	Right     int        `json:"right"`
	Value     [2]float64 `json:"value"`
}

// leaf reports whether the node terminates a path.
func (n Node) leaf() bool { return n.Left == -1 }

// probability is the positive-class share at a leaf.
func (n Node) probability() float64 {
	total := n.Value[0] + n.Value[1]
	if total == 0 {
		return 0
	}
	return n.Value[1] / total
}

// Tree is one estimator of the forest, nodes indexed from the root at 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// artifact is the on-disk document shape.
type artifact struct {
	ModelType         string             `json:"model_type"`
	NFeatures         int                `json:"n_features"`
	FeatureNames      []string           `json:"feature_names"`
	FeatureImportance map[string]float64 `json:"feature_importance,omitempty"`
	Trees             []Tree             `json:"trees"`
}

// Forest is a loaded, validated ensemble.
type Forest struct {
	modelType  string
	nFeatures  int
	names      []string
	importance map[string]float64
	trees      []Tree
}

// Load reads and validates a forest artifact. A missing file surfaces the
// underlying fs error unchanged so callers can distinguish "no model
// configured" from a broken artifact.
func Load(path string) (*Forest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse validates raw artifact bytes.
func Parse(data []byte) (*Forest, error) {
	var a artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if len(a.Trees) == 0 {
		return nil, ErrEmptyForest
	}
	if a.NFeatures <= 0 {
		a.NFeatures = len(a.FeatureNames)
	}
	if a.NFeatures <= 0 {
		return nil, fmt.Errorf("%w: missing n_features and feature_names", ErrMalformed)
	}
	if len(a.FeatureNames) > 0 && len(a.FeatureNames) != a.NFeatures {
		return nil, fmt.Errorf("%w: n_features=%d but %d feature names",
			ErrMalformed, a.NFeatures, len(a.FeatureNames))
	}

	for ti, tree := range a.Trees {
		if len(tree.Nodes) == 0 {
			return nil, fmt.Errorf("%w: tree %d has no nodes", ErrMalformed, ti)
		}
		for ni, n := range tree.Nodes {
			if n.leaf() {
				continue
			}
			if n.Left < 0 || n.Left >= len(tree.Nodes) ||
				n.Right < 0 || n.Right >= len(tree.Nodes) {
				return nil, fmt.Errorf("%w: tree %d node %d points outside the tree",
					ErrMalformed, ti, ni)
			}
			if n.Feature < 0 || n.Feature >= a.NFeatures {
				return nil, fmt.Errorf("%w: tree %d node %d splits on feature %d of %d",
					ErrMalformed, ti, ni, n.Feature, a.NFeatures)
			}
		}
	}

	return &Forest{
		modelType:  a.ModelType,
		nFeatures:  a.NFeatures,
		names:      a.FeatureNames,
		importance: a.FeatureImportance,
		trees:      a.Trees,
	}, nil
}

// ModelType returns the artifact's self-declared kind.
func (f *Forest) ModelType() string { return f.modelType }

// NumTrees returns the estimator count.
func (f *Forest) NumTrees() int { return len(f.trees) }

// NumFeatures returns the expected feature vector width.
func (f *Forest) NumFeatures() int { return f.nFeatures }

// FeatureNames returns the artifact's declared layout (may be empty for
// artifacts exported without names).
func (f *Forest) FeatureNames() []string {
	out := make([]string, len(f.names))
	copy(out, f.names)
	return out
}

// CheckFeatureLayout asserts that the artifact was trained against exactly
// the given feature layout, order included. Artifacts without declared
// names only have their width checked.
func (f *Forest) CheckFeatureLayout(want []string) error {
	if f.nFeatures != len(want) {
		return fmt.Errorf("model: trained on %d features, runtime extracts %d",
			f.nFeatures, len(want))
	}
	if len(f.names) == 0 {
		return nil
	}
	for i, name := range want {
		if f.names[i] != name {
			return fmt.Errorf("model: feature %d is %q in artifact but %q at runtime",
				i, f.names[i], name)
		}
	}
	return nil
}

// Score walks every tree and returns the mean leaf probability, clamped to
// [0,1]. The input width must match the trained layout.
func (f *Forest) Score(features []float64) (float64, error) {
	if len(features) != f.nFeatures {
		return 0, fmt.Errorf("%w: got %d, want %d", ErrFeatureWidth, len(features), f.nFeatures)
	}

	var total float64
	for ti := range f.trees {
		p, err := f.trees[ti].walk(features)
		if err != nil {
			return 0, fmt.Errorf("tree %d: %w", ti, err)
		}
		total += p
	}

	score := total / float64(len(f.trees))
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, nil
}

// walk descends from the root to a leaf. The step bound guards against a
// malformed artifact that validated structurally but loops.
func (t *Tree) walk(x []float64) (float64, error) {
	idx := 0
	for steps := 0; steps <= len(t.Nodes); steps++ {
		n := t.Nodes[idx]
		if n.leaf() {
			return n.probability(), nil
		}
		if x[n.Feature] <= n.Threshold {
			idx = n.Left
		} else {
			idx = n.Right
		}
	}
	return 0, errors.New("traversal did not reach a leaf")
}

// FeatureImportance returns a copy of the artifact's advisory weights, or
// nil when the artifact carries none.
func (f *Forest) FeatureImportance() map[string]float64 {
	if len(f.importance) == 0 {
		return nil
	}
	out := make(map[string]float64, len(f.importance))
	for k, v := range f.importance {
		out[k] = v
	}
	return out
}
