package loadbalance

import (
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"os-overview/discovery"
)

// ConsistentHashBalancer maps a key to an agent using a hash ring, so that an
// operator who always passes the same key (e.g. their own name) keeps landing
// on the same agent until the agent set changes.
//
// Virtual nodes: each agent is placed on the ring N times. Without them, three
// agents might cluster together on the ring and split keys unevenly.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
type ConsistentHashBalancer struct {
	key      string
	replicas int // virtual nodes per agent

	mu    sync.Mutex
	ring  []uint32                     // sorted hash values on the ring
	nodes map[uint32]*discovery.Record // hash value → agent
}

// NewConsistentHashBalancer creates a hash ring with 100 virtual nodes per agent.
// key is what Pick hashes.
func NewConsistentHashBalancer(key string) *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		key:      key,
		replicas: 100,
		nodes:    make(map[uint32]*discovery.Record),
	}
}

// Add places a record onto the hash ring with N virtual nodes.
// Each virtual node is hashed from "{addr}#{i}" to spread evenly across the ring.
func (b *ConsistentHashBalancer) Add(record discovery.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(record)
}

func (b *ConsistentHashBalancer) add(record discovery.Record) {
	r := record
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(fmt.Sprintf("%s#%d", r.Addr(), i)))
		b.ring = append(b.ring, hash)
		b.nodes[hash] = &r
	}
	// Keep the ring sorted for binary search in PickKey()
	sort.Slice(b.ring, func(i, j int) bool {
		return b.ring[i] < b.ring[j]
	})
}

// PickKey finds the agent responsible for key: the first node clockwise from
// the key's hash, wrapping around past the largest.
func (b *ConsistentHashBalancer) PickKey(key string) (*discovery.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pickKey(key)
}

func (b *ConsistentHashBalancer) pickKey(key string) (*discovery.Record, error) {
	if len(b.ring) == 0 {
		return nil, ErrNoAgents
	}
	hash := crc32.ChecksumIEEE([]byte(key))

	// Binary search: find first node with hash >= key's hash
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}
	rec := *b.nodes[b.ring[idx]]
	return &rec, nil
}

// Pick rebuilds the ring from records and picks the agent for the balancer's
// key. Discovery rounds return a fresh list each time, so the ring follows it.
func (b *ConsistentHashBalancer) Pick(records []discovery.Record) (*discovery.Record, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.ring = b.ring[:0]
	clear(b.nodes)
	for _, r := range records {
		b.add(r)
	}
	return b.pickKey(b.key)
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
