// Package merkle builds the hash trees that anchor batches of forensic
// records. Leaves are lowercase hex digests; parents hash the concatenation
// of their children's hex strings. Odd levels duplicate their last node.
// This matches the digest scheme of records already anchored in the field,
// so changing it would orphan existing anchors.
package merkle

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

var (
	// ErrIndexOutOfRange is returned for proofs requested past the leaf set.
	ErrIndexOutOfRange = errors.New("merkle: leaf index out of range")
	// ErrInvalidProof is returned when a proof does not reproduce its root.
	ErrInvalidProof = errors.New("merkle: proof does not reach root")
)

// hashPair reduces two hex digests to their parent digest.
func hashPair(left, right string) string {
	sum := sha256.Sum256([]byte(left + right))
	return hex.EncodeToString(sum[:])
}

// Root computes the tree root over the leaves in order. An empty leaf set
// has the empty root; a single leaf is its own root.
func Root(leaves []string) string {
	if len(leaves) == 0 {
		return ""
	}
	level := make([]string, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
	}
	return level[0]
}

// ProofStep is one level of an inclusion proof.
type ProofStep struct {
	Sibling string `json:"sibling"`
	// IsLeft marks the sibling as the left operand of the parent hash.
	IsLeft bool `json:"is_left"`
}

// Proof is an inclusion proof for one leaf against a fixed root.
type Proof struct {
	LeafIndex int         `json:"leaf_index"`
	Leaf      string      `json:"leaf"`
	Steps     []ProofStep `json:"steps"`
	Root      string      `json:"root"`
}

// BuildProof creates an inclusion proof for the leaf at the given index.
// A duplicated odd node proves against its own copy.
func BuildProof(leaves []string, index int) (*Proof, error) {
	if index < 0 || index >= len(leaves) {
		return nil, ErrIndexOutOfRange
	}

	proof := &Proof{LeafIndex: index, Leaf: leaves[index]}
	level := make([]string, len(leaves))
	copy(level, leaves)
	idx := index

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}

		sib := idx ^ 1
		proof.Steps = append(proof.Steps, ProofStep{
			Sibling: level[sib],
			IsLeft:  sib < idx,
		})

		next := make([]string, 0, len(level)/2)
		for i := 0; i < len(level); i += 2 {
			next = append(next, hashPair(level[i], level[i+1]))
		}
		level = next
		idx /= 2
	}

	proof.Root = level[0]
	return proof, nil
}

// Verify walks the proof honoring sibling positions and checks the result
// against the recorded root.
func (p *Proof) Verify() error {
	current := p.Leaf
	for _, step := range p.Steps {
		if step.IsLeft {
			current = hashPair(step.Sibling, current)
		} else {
			current = hashPair(current, step.Sibling)
		}
	}
	if current != p.Root {
		return ErrInvalidProof
	}
	return nil
}

// VerifyLegacy is the position-unaware check older tooling performs: every
// step hashes current-then-sibling. It only holds for leaves whose path
// stays on the left edge, which is why new proofs carry direction bits.
func VerifyLegacy(root, leaf string, siblings []string) bool {
	current := leaf
	for _, sibling := range siblings {
		current = hashPair(current, sibling)
	}
	return current == root
}
