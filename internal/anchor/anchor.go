// Package anchor batches forensic record hashes into signed Merkle anchors.
//
// Alert processing enqueues one leaf per written forensic record. A single
// batcher goroutine drains the queue on an interval, by batch size, or at
// shutdown, producing anchor files that let an offline verifier detect
// tampering of any anchored record without holding the originals.
package anchor

import (
	"encoding/base64"
	"fmt"
	"strconv"

	"sentinelvnc/internal/signer"
)

// Anchor is the signed batch proof for a set of forensic records. Leaf
// hashes and alert ids are parallel arrays in enqueue order.
type Anchor struct {
	AnchorID   string   `json:"anchor_id"`
	CreatedAt  float64  `json:"created_at"`
	MerkleRoot string   `json:"merkle_root"`
	LeafCount  int      `json:"leaf_count"`
	LeafHashes []string `json:"leaf_hashes"`
	AlertIDs   []string `json:"alert_ids"`
	Signature  string   `json:"signature"`
	SignerID   string   `json:"signer_id"`
}

// SigningInput returns the bytes covered by an anchor signature. CreatedAt
// is rendered with fixed microsecond precision so the input does not depend
// on JSON float formatting.
func SigningInput(merkleRoot string, createdAt float64) []byte {
	return []byte(merkleRoot + strconv.FormatFloat(createdAt, 'f', 6, 64))
}

// Sign computes and embeds the signature over the anchor's root and
// creation time.
func (a *Anchor) Sign(sg signer.Signer) error {
	sig, err := sg.Sign(SigningInput(a.MerkleRoot, a.CreatedAt))
	if err != nil {
		return fmt.Errorf("anchor: sign %s: %w", a.AnchorID, err)
	}
	a.Signature = base64.StdEncoding.EncodeToString(sig)
	a.SignerID = sg.ID()
	return nil
}

// VerifySignature checks the embedded signature with the given signer.
func (a *Anchor) VerifySignature(sg signer.Signer) error {
	sig, err := base64.StdEncoding.DecodeString(a.Signature)
	if err != nil {
		return fmt.Errorf("anchor: decode signature of %s: %w", a.AnchorID, err)
	}
	return sg.Verify(SigningInput(a.MerkleRoot, a.CreatedAt), sig)
}
