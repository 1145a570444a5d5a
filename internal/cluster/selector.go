package cluster

import (
	"bytes"
	"errors"
	"math"
	"slices"

	"github.com/fxamacker/cbor/v2"
	ct "github.com/google/certificate-transparency-go"
)

var (
	// ErrInsufficientNodes means no node, or fewer nodes than the configured
	// minimum, reported a tree head, so no Serving STH can be chosen at all.
	ErrInsufficientNodes = errors.New("not enough nodes with a tree head")
	// ErrInsufficientCoverage means no tree head is replicated widely enough
	// to satisfy the serving policy.
	ErrInsufficientCoverage = errors.New("no tree head with sufficient coverage")
)

// servingCandidate is a tree head eligible to become the Serving STH,
// together with its wire encoding as originally published by the node that
// signed it. The raw bytes are what gets written to /serving_sth, so the
// encoding round-trips untouched.
type servingCandidate struct {
	sth *ct.SignedTreeHead
	raw cbor.RawMessage
}

// selectServingSTH picks the next Serving STH from a snapshot of the peer
// view. It is a pure function of its arguments.
//
// The policy: serve the largest tree that enough of the cluster has, where
// "enough" is max(cfg.MinimumServingNodes, ceil(cfg.MinimumServingFraction ×
// nodes)). At any given tree size the newest signature wins. If another node
// signed a larger tree at the exact same timestamp, that larger tree is
// served instead, provided at least MinimumServingNodes nodes cover it: the
// timestamp was already vouched for by the fraction check, and serving the
// bigger tree at it cannot break timestamp monotonicity.
//
// last is the previous Serving STH, if any. The result never moves backwards
// relative to it: a candidate with a smaller tree, or one that does not
// strictly advance the timestamp, leaves last in place. In particular two
// distinct tree heads can never be served with the same timestamp, so
// clients can never observe two different trees at one nominal time.
func selectServingSTH(peers []*NodeState, cfg ClusterConfig, last *servingCandidate) (*servingCandidate, error) {
	var sths []*servingCandidate
	for _, p := range peers {
		if p.NewestSTH == nil {
			continue
		}
		sths = append(sths, &servingCandidate{sth: p.NewestSTH, raw: p.rawSTH})
	}
	n := len(sths)
	if n == 0 || n < cfg.MinimumServingNodes {
		return nil, ErrInsufficientNodes
	}
	required := cfg.MinimumServingNodes
	if f := int(math.Ceil(cfg.MinimumServingFraction * float64(n))); f > required {
		required = f
	}

	coverage := func(size uint64) int {
		var c int
		for _, s := range sths {
			if s.sth.TreeSize >= size {
				c++
			}
		}
		return c
	}

	// The best candidate at each distinct tree size is the one with the
	// newest timestamp; residual ties go to the larger signature so the
	// choice is deterministic across nodes.
	bySize := make(map[uint64]*servingCandidate, n)
	for _, s := range sths {
		cur, ok := bySize[s.sth.TreeSize]
		if !ok || newerSTH(s, cur) {
			bySize[s.sth.TreeSize] = s
		}
	}
	sizes := make([]uint64, 0, len(bySize))
	for size := range bySize {
		sizes = append(sizes, size)
	}
	slices.Sort(sizes)
	slices.Reverse(sizes)

	var anchor *servingCandidate
	for _, size := range sizes {
		if coverage(size) >= required {
			anchor = bySize[size]
			break
		}
	}
	if anchor == nil {
		return nil, ErrInsufficientCoverage
	}

	// Same-timestamp upgrade: prefer the largest tree signed at the chosen
	// timestamp, as long as the hard node minimum still covers it.
	chosen := anchor
	for _, s := range sths {
		if s.sth.Timestamp != anchor.sth.Timestamp {
			continue
		}
		if s.sth.TreeSize > chosen.sth.TreeSize && coverage(s.sth.TreeSize) >= cfg.MinimumServingNodes {
			chosen = s
		} else if s.sth.TreeSize == chosen.sth.TreeSize && newerSTH(s, chosen) {
			chosen = s
		}
	}

	if last != nil {
		if chosen.sth.Timestamp <= last.sth.Timestamp || chosen.sth.TreeSize < last.sth.TreeSize {
			return last, nil
		}
	}
	return chosen, nil
}

// newerSTH reports whether a should replace b as the representative of a
// tree size: strictly newer timestamp, or same timestamp with greater
// signature bytes (an arbitrary but deterministic tie-break).
func newerSTH(a, b *servingCandidate) bool {
	if a.sth.Timestamp != b.sth.Timestamp {
		return a.sth.Timestamp > b.sth.Timestamp
	}
	return bytes.Compare(a.sth.TreeHeadSignature.Signature, b.sth.TreeHeadSignature.Signature) > 0
}
