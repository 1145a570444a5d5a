package cluster

import (
	"bytes"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	ct "github.com/google/certificate-transparency-go"
	"github.com/google/certificate-transparency-go/tls"
)

// ClusterConfig is the operator-provided serving policy, stored at
// /cluster_config. The tree size a selection anchors on must be covered by at
// least MinimumServingNodes nodes and by at least MinimumServingFraction of
// the cluster; a larger tree signed at the anchor's timestamp only needs
// MinimumServingNodes nodes (see selectServingSTH).
type ClusterConfig struct {
	MinimumServingNodes    int
	MinimumServingFraction float64
}

// defaultClusterConfig applies until an operator writes /cluster_config, and
// again if the key is deleted. It is the strictest policy: every node must
// cover the tree size the selection anchors on.
var defaultClusterConfig = ClusterConfig{
	MinimumServingNodes:    1,
	MinimumServingFraction: 1.0,
}

// NodeState is one node's entry in the cluster, stored at /nodes/<id>.
type NodeState struct {
	NodeID   string
	Hostname string
	LogPort  uint16

	// NewestSTH is the newest tree head the node has signed locally.
	// Nil until the node's signer produces one.
	NewestSTH *ct.SignedTreeHead

	// rawSTH is NewestSTH exactly as it appeared on the wire. It is
	// republished verbatim when this STH is chosen as the Serving STH, so
	// fields unknown to this version survive the round-trip.
	rawSTH cbor.RawMessage
}

// Endpoint returns the host:port the node serves its log on.
func (s *NodeState) Endpoint() string {
	return fmt.Sprintf("%s:%d", s.Hostname, s.LogPort)
}

type wireNodeState struct {
	NodeID    string          `cbor:"node_id"`
	Hostname  string          `cbor:"hostname"`
	LogPort   uint16          `cbor:"log_port"`
	NewestSTH cbor.RawMessage `cbor:"newest_sth,omitempty"`
}

type wireTreeHead struct {
	Version   uint64 `cbor:"version"`
	TreeSize  uint64 `cbor:"tree_size"`
	Timestamp uint64 `cbor:"timestamp"`
	RootHash  []byte `cbor:"root_hash"`
	Signature []byte `cbor:"signature"`
	LogID     []byte `cbor:"log_id,omitempty"`
}

type wireClusterConfig struct {
	MinimumServingNodes    uint32  `cbor:"minimum_serving_nodes"`
	MinimumServingFraction float64 `cbor:"minimum_serving_fraction"`
}

// encMode is the canonical encoding used for everything this node writes to
// the store. Deterministic output is what makes "same state, same bytes"
// hold, so republishing an unchanged node state writes identical bytes.
var encMode cbor.EncMode

// decMode tolerates fields this version doesn't know about; they are carried
// through rawSTH rather than dropped.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
}

func marshalTreeHead(sth *ct.SignedTreeHead) ([]byte, error) {
	sig, err := tls.Marshal(sth.TreeHeadSignature)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tree head signature: %w", err)
	}
	w := wireTreeHead{
		Version:   uint64(sth.Version),
		TreeSize:  sth.TreeSize,
		Timestamp: sth.Timestamp,
		RootHash:  sth.SHA256RootHash[:],
		Signature: sig,
	}
	if sth.LogID != (ct.SHA256Hash{}) {
		w.LogID = sth.LogID[:]
	}
	return encMode.Marshal(w)
}

func unmarshalTreeHead(data []byte) (*ct.SignedTreeHead, error) {
	var w wireTreeHead
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal tree head: %w", err)
	}
	sth := &ct.SignedTreeHead{
		Version:   ct.Version(w.Version),
		TreeSize:  w.TreeSize,
		Timestamp: w.Timestamp,
	}
	if len(w.RootHash) != len(sth.SHA256RootHash) {
		return nil, fmt.Errorf("tree head root hash is %d bytes", len(w.RootHash))
	}
	copy(sth.SHA256RootHash[:], w.RootHash)
	if len(w.LogID) > 0 {
		if len(w.LogID) != len(sth.LogID) {
			return nil, fmt.Errorf("tree head log ID is %d bytes", len(w.LogID))
		}
		copy(sth.LogID[:], w.LogID)
	}
	if len(w.Signature) > 0 {
		if _, err := tls.Unmarshal(w.Signature, &sth.TreeHeadSignature); err != nil {
			return nil, fmt.Errorf("failed to unmarshal tree head signature: %w", err)
		}
	}
	return sth, nil
}

func marshalNodeState(s *NodeState) ([]byte, error) {
	w := wireNodeState{
		NodeID:    s.NodeID,
		Hostname:  s.Hostname,
		LogPort:   s.LogPort,
		NewestSTH: s.rawSTH,
	}
	if s.NewestSTH != nil && w.NewestSTH == nil {
		sth, err := marshalTreeHead(s.NewestSTH)
		if err != nil {
			return nil, err
		}
		w.NewestSTH = sth
	}
	return encMode.Marshal(w)
}

func unmarshalNodeState(data []byte) (*NodeState, error) {
	var w wireNodeState
	if err := decMode.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node state: %w", err)
	}
	s := &NodeState{
		NodeID:   w.NodeID,
		Hostname: w.Hostname,
		LogPort:  w.LogPort,
		rawSTH:   w.NewestSTH,
	}
	if len(w.NewestSTH) > 0 {
		sth, err := unmarshalTreeHead(w.NewestSTH)
		if err != nil {
			return nil, fmt.Errorf("node state for %q: %w", w.NodeID, err)
		}
		s.NewestSTH = sth
	}
	return s, nil
}

func marshalClusterConfig(c ClusterConfig) ([]byte, error) {
	return encMode.Marshal(wireClusterConfig{
		MinimumServingNodes:    uint32(c.MinimumServingNodes),
		MinimumServingFraction: c.MinimumServingFraction,
	})
}

func unmarshalClusterConfig(data []byte) (ClusterConfig, error) {
	var w wireClusterConfig
	if err := decMode.Unmarshal(data, &w); err != nil {
		return ClusterConfig{}, fmt.Errorf("failed to unmarshal cluster config: %w", err)
	}
	if w.MinimumServingFraction < 0 || w.MinimumServingFraction > 1 {
		return ClusterConfig{}, fmt.Errorf("minimum serving fraction %v out of range", w.MinimumServingFraction)
	}
	return ClusterConfig{
		MinimumServingNodes:    int(w.MinimumServingNodes),
		MinimumServingFraction: w.MinimumServingFraction,
	}, nil
}

// ParseTreeHead decodes a serialized tree head, as produced by the local
// signer or read back from the coordination store.
func ParseTreeHead(data []byte) (*ct.SignedTreeHead, error) {
	return unmarshalTreeHead(data)
}

// sthEqual reports whether two tree heads match on every field, including
// the signature bytes.
func sthEqual(a, b *ct.SignedTreeHead) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Version == b.Version &&
		a.TreeSize == b.TreeSize &&
		a.Timestamp == b.Timestamp &&
		a.SHA256RootHash == b.SHA256RootHash &&
		a.LogID == b.LogID &&
		a.TreeHeadSignature.Algorithm == b.TreeHeadSignature.Algorithm &&
		bytes.Equal(a.TreeHeadSignature.Signature, b.TreeHeadSignature.Signature)
}

// clone returns a value copy safe to hand outside the peer view lock.
func (s *NodeState) clone() *NodeState {
	c := *s
	if s.NewestSTH != nil {
		sth := *s.NewestSTH
		sth.TreeHeadSignature.Signature = bytes.Clone(sth.TreeHeadSignature.Signature)
		c.NewestSTH = &sth
	}
	c.rawSTH = bytes.Clone(s.rawSTH)
	return &c
}
