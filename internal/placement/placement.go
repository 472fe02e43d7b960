// Package placement implements Needlestack's shard placement solver (C3):
// a greedy variable-quantity bin-packing that assigns Shard replicas onto
// cluster Nodes. It is pure value-in/value-out — it never talks to the
// coordination store directly, so it can be unit tested without one.
package placement

import (
	"errors"
	"fmt"
	"sort"
)

// ErrCapacityExceeded is returned when placing an item into a knapsack
// would violate that knapsack's non-zero capacity.
var ErrCapacityExceeded = errors.New("placement: capacity exceeded")

// ErrDuplicateItem is returned when an item is placed twice into the same
// knapsack; a shard may only have one replica per node.
var ErrDuplicateItem = errors.New("placement: item already present in knapsack")

// Item is one unit of placement work: a single Shard, identified by its
// owning collection and shard name, carrying the weight the solver packs
// on and the desired replica count.
//
// Copies is the number of distinct knapsacks this item must land in —
// spec §4.3 derives it as min(collection.replication_factor, len(nodes))
// before the solver ever sees the item.
type Item struct {
	Collection string
	Shard      string
	Weight     float64
	Copies     int
}

func (it Item) key() string {
	return it.Collection + "/" + it.Shard
}

// Knapsack is one Node's placement state: the shards already assigned to
// it, their summed weight, and an optional hard capacity. A zero
// Capacity means unlimited.
type Knapsack struct {
	Hostport string
	Capacity float64
	Weight   float64
	Items    map[string]struct{}
	Count    int
}

// NewKnapsack returns an empty Knapsack for hostport. A capacity of 0
// means unlimited.
func NewKnapsack(hostport string, capacity float64) *Knapsack {
	return &Knapsack{
		Hostport: hostport,
		Capacity: capacity,
		Items:    make(map[string]struct{}),
	}
}

func (k *Knapsack) has(key string) bool {
	_, ok := k.Items[key]
	return ok
}

func (k *Knapsack) place(it Item) error {
	if k.has(it.key()) {
		return fmt.Errorf("%w: %s on %s", ErrDuplicateItem, it.key(), k.Hostport)
	}
	if k.Capacity > 0 && k.Weight+it.Weight > k.Capacity {
		return fmt.Errorf("%w: %s on %s", ErrCapacityExceeded, it.key(), k.Hostport)
	}
	k.Items[it.key()] = struct{}{}
	k.Weight += it.Weight
	k.Count++
	return nil
}

// Add places newItems into existingKnapsacks, mutating them in place, and
// leaves already-placed items untouched. Items are processed heaviest
// first, tie-broken by (collection, shard) lexicographic order for
// determinism (spec §4.3 step 1); for each item, knapsacks are considered
// in order of (current weight ascending, item count ascending, hostport
// ascending) so load spreads evenly (spec §4.3 step 2).
//
// Add stops at the first knapsack-selection error for an item (capacity
// exceeded on every remaining candidate, or fewer than Copies candidates
// available) and returns it; partially placed copies of that item are not
// rolled back, matching the solver's "do not move existing items"
// contract — callers that need atomicity wrap Add in their own
// transaction (see internal/clustermgr).
func Add(newItems []Item, existingKnapsacks []*Knapsack) error {
	items := make([]Item, len(newItems))
	copy(items, newItems)
	sort.Slice(items, func(i, j int) bool {
		if items[i].Weight != items[j].Weight {
			return items[i].Weight > items[j].Weight
		}
		return items[i].key() < items[j].key()
	})

	for _, it := range items {
		copies := it.Copies
		if copies <= 0 {
			copies = 1
		}
		candidates := sortedCandidates(existingKnapsacks)

		placed := 0
		for _, k := range candidates {
			if placed >= copies {
				break
			}
			if k.has(it.key()) {
				continue
			}
			if err := k.place(it); err != nil {
				if errors.Is(err, ErrCapacityExceeded) {
					continue
				}
				return err
			}
			placed++
		}
		if placed < copies {
			return fmt.Errorf("%w: could not place all %d copies of %s (placed %d)",
				ErrCapacityExceeded, copies, it.key(), placed)
		}
	}
	return nil
}

// Rebalance clears every knapsack and re-packs items from scratch using
// the same algorithm as Add. It is not required for minimum placement
// correctness (spec §4.3 marks it optional) but gives a caller a way to
// recover even weight distribution after nodes join or leave.
func Rebalance(items []Item, knapsacks []*Knapsack) error {
	for _, k := range knapsacks {
		k.Items = make(map[string]struct{})
		k.Weight = 0
		k.Count = 0
	}
	return Add(items, knapsacks)
}

func sortedCandidates(knapsacks []*Knapsack) []*Knapsack {
	out := make([]*Knapsack, len(knapsacks))
	copy(out, knapsacks)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Weight != out[j].Weight {
			return out[i].Weight < out[j].Weight
		}
		if out[i].Count != out[j].Count {
			return out[i].Count < out[j].Count
		}
		return out[i].Hostport < out[j].Hostport
	})
	return out
}
