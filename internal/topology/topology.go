// Package topology resolves the logical storage layout of a tenant (storage
// shards with failover replicas, plus write-ahead-log source nodes) into the
// concrete connection parameters one compute process invocation needs.
package topology

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrUnknownNode indicates that a requested WAL-source node id is not
	// present in the known node set.
	ErrUnknownNode = errors.New("unknown WAL-source node")
	// ErrEmptyTopology indicates a storage topology with zero shards.
	ErrEmptyTopology = errors.New("storage topology has no shards")
)

// Protocol selects how the compute talks to storage replicas.
type Protocol string

const (
	// ProtocolLegacy is the single-connection-string protocol understood
	// by older consumers.
	ProtocolLegacy Protocol = "legacy"
	// ProtocolModern is the structured per-shard protocol.
	ProtocolModern Protocol = "modern"
)

// Replica is one storage-node endpoint serving a shard. An empty URL means
// the replica does not expose that protocol.
type Replica struct {
	NodeID    uint64 `json:"node_id,omitempty"`
	LegacyURL string `json:"legacy_url,omitempty"`
	ModernURL string `json:"modern_url,omitempty"`
}

// Shard is one partition of a tenant's storage, with its replicas in
// failover preference order.
type Shard struct {
	Replicas []Replica `json:"replicas"`
}

// Topology maps shard numbers to their replica lists.
type Topology struct {
	Shards         map[int]Shard `json:"shards"`
	PreferProtocol Protocol      `json:"prefer_protocol,omitempty"`
	StripeSize     *int64        `json:"stripe_size,omitempty"`
}

// Validate checks that the topology is usable for at least one connection
// attempt: one or more shards, each with at least one replica.
func (t *Topology) Validate() error {
	if len(t.Shards) == 0 {
		return ErrEmptyTopology
	}
	for _, number := range t.ShardNumbers() {
		if len(t.Shards[number].Replicas) == 0 {
			return fmt.Errorf("shard %d has no replicas", number)
		}
	}
	return nil
}

// ShardNumbers returns the shard numbers in increasing order.
func (t *Topology) ShardNumbers() []int {
	numbers := make([]int, 0, len(t.Shards))
	for number := range t.Shards {
		numbers = append(numbers, number)
	}
	sort.Ints(numbers)
	return numbers
}

// LegacyConnString builds the combined fallback connection string kept for
// consumers that do not understand the structured topology: the first replica
// of every shard, joined with commas in shard order. The string is
// all-or-nothing; if any shard's first replica exposes no legacy URL, ok is
// false and the fallback must be omitted rather than built from partial data.
func (t *Topology) LegacyConnString() (string, bool) {
	urls := make([]string, 0, len(t.Shards))
	for _, number := range t.ShardNumbers() {
		replicas := t.Shards[number].Replicas
		if len(replicas) == 0 {
			return "", false
		}
		if replicas[0].LegacyURL == "" {
			return "", false
		}
		urls = append(urls, replicas[0].LegacyURL)
	}
	if len(urls) == 0 {
		return "", false
	}
	return strings.Join(urls, ","), true
}
