package anchor

import (
	"encoding/json"
	"fmt"
	"os"

	"sentinelvnc/internal/forensics"
	"sentinelvnc/internal/merkle"
	"sentinelvnc/internal/signer"
)

// Result reports one anchor verification. OK means every anchored record
// still digests to its recorded leaf, the rebuilt root matches, no record
// is missing, and the signature checks out when a signer was supplied.
type Result struct {
	OK              bool     `json:"ok"`
	AnchorID        string   `json:"anchor_id"`
	ExpectedRoot    string   `json:"expected_root"`
	ObservedRoot    string   `json:"observed_root"`
	LeafCount       int      `json:"leaf_count"`
	FirstDivergence int      `json:"first_divergence"`
	Missing         []string `json:"missing,omitempty"`
	SignatureOK     bool     `json:"signature_ok"`
}

// VerifyAnchor recanonicalizes every anchored record and compares the
// rebuilt tree against the anchor, leaf by leaf. A nil signer skips the
// signature check.
func VerifyAnchor(a *Anchor, records *forensics.Store, sg signer.Signer) Result {
	res := Result{
		AnchorID:        a.AnchorID,
		ExpectedRoot:    a.MerkleRoot,
		LeafCount:       a.LeafCount,
		FirstDivergence: -1,
	}

	// Leaf hashes and alert ids must correspond one to one; a truncated
	// anchor diverges at the first index without a counterpart.
	pairs := len(a.AlertIDs)
	if len(a.LeafHashes) != pairs {
		if len(a.LeafHashes) < pairs {
			pairs = len(a.LeafHashes)
		}
		res.FirstDivergence = pairs
	}

	observed := make([]string, 0, pairs)
	for i := 0; i < pairs; i++ {
		_, raw, err := records.Read(a.AlertIDs[i])
		if err != nil {
			res.Missing = append(res.Missing, a.AlertIDs[i])
			continue
		}
		leaf, err := forensics.CanonicalHash(raw)
		if err != nil {
			// Unparseable on disk is tampering as far as the tree
			// is concerned.
			if res.FirstDivergence == -1 || i < res.FirstDivergence {
				res.FirstDivergence = i
			}
			observed = append(observed, "")
			continue
		}
		observed = append(observed, leaf)
		if leaf != a.LeafHashes[i] && (res.FirstDivergence == -1 || i < res.FirstDivergence) {
			res.FirstDivergence = i
		}
	}

	// The root can only be rebuilt from a complete leaf set.
	if len(res.Missing) == 0 && len(a.LeafHashes) == len(a.AlertIDs) {
		res.ObservedRoot = merkle.Root(observed)
	}

	if sg != nil {
		res.SignatureOK = a.VerifySignature(sg) == nil
	}

	res.OK = res.FirstDivergence == -1 &&
		len(res.Missing) == 0 &&
		res.ObservedRoot == res.ExpectedRoot &&
		(sg == nil || res.SignatureOK)
	return res
}

// VerifyFile loads an anchor file and verifies it against the forensic
// store.
func VerifyFile(path string, records *forensics.Store, sg signer.Signer) (Result, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Result{}, fmt.Errorf("anchor: read %s: %w", path, err)
	}
	var a Anchor
	if err := json.Unmarshal(data, &a); err != nil {
		return Result{}, fmt.Errorf("anchor: parse %s: %w", path, err)
	}
	return VerifyAnchor(&a, records, sg), nil
}
