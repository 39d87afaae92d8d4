package cache

import (
	"container/list"
)

// Strategy picks the next victim when the memory tier is over budget.
// The list holds *Entry values and is maintained in recency order: front is
// most recently used, back is least recently used. Returning nil means no
// victim could be selected (empty store).
//
// Strategies only select; removal and accounting stay with the store, so a
// strategy swap never changes the public contract.
type Strategy interface {
	Name() string
	Victim(lru *list.List) *list.Element
}

// LRU evicts the least recently accessed entry. This is the default.
type LRU struct{}

func (LRU) Name() string { return "lru" }

func (LRU) Victim(lru *list.List) *list.Element {
	return lru.Back()
}

// LFU evicts the entry with the smallest access count, breaking ties in
// favor of the least recently used one.
type LFU struct{}

func (LFU) Name() string { return "lfu" }

func (LFU) Victim(lru *list.List) *list.Element {
	var victim *list.Element
	var min int64
	// walk back to front so the colder entry wins ties
	for elem := lru.Back(); elem != nil; elem = elem.Prev() {
		count := elem.Value.(*Entry).AccessCount
		if victim == nil || count < min {
			victim = elem
			min = count
		}
	}
	return victim
}

// SoonestExpiry evicts the entry closest to (or past) its expiry time.
// Entries without a TTL are only chosen when every entry lacks one.
type SoonestExpiry struct{}

func (SoonestExpiry) Name() string { return "ttl" }

func (SoonestExpiry) Victim(lru *list.List) *list.Element {
	var victim *list.Element
	var fallback *list.Element
	for elem := lru.Back(); elem != nil; elem = elem.Prev() {
		entry := elem.Value.(*Entry)
		if entry.ExpiresAt.IsZero() {
			if fallback == nil {
				fallback = elem
			}
			continue
		}
		if victim == nil || entry.ExpiresAt.Before(victim.Value.(*Entry).ExpiresAt) {
			victim = elem
		}
	}
	if victim == nil {
		return fallback
	}
	return victim
}

// StrategyByName maps an eviction policy selector from configuration to a
// Strategy, defaulting to LRU for unknown names.
func StrategyByName(name string) Strategy {
	switch name {
	case "lfu":
		return LFU{}
	case "ttl":
		return SoonestExpiry{}
	default:
		return LRU{}
	}
}
