// Package tagindex maintains the secondary index from tags and dependencies
// to cache keys, enabling bulk invalidation without scanning entries.
//
// The index also tracks an invalidation epoch per dependency. A writer
// snapshots the epochs before touching the tiers and re-checks them after
// recording its key; if an invalidation ran in between, the writer knows its
// freshly written entry must go too. This closes the set/invalidate race
// without a global lock around tier I/O.
package tagindex

import (
	"sync"
)

type keySet map[string]struct{}

// Index is safe for concurrent use.
type Index struct {
	mu     sync.RWMutex
	byTag  map[string]keySet
	byDep  map[string]keySet
	byKey  map[string]membership
	epochs map[string]uint64
}

type membership struct {
	tags []string
	deps []string
}

// New creates an empty index.
func New() *Index {
	return &Index{
		byTag:  make(map[string]keySet),
		byDep:  make(map[string]keySet),
		byKey:  make(map[string]membership),
		epochs: make(map[string]uint64),
	}
}

// Record registers key under the given tags and dependencies, replacing any
// previous membership. A key with neither tags nor dependencies is removed
// from the index entirely.
func (i *Index) Record(key string, tags, deps []string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.removeLocked(key)
	if len(tags) == 0 && len(deps) == 0 {
		return
	}
	for _, tag := range tags {
		set, ok := i.byTag[tag]
		if !ok {
			set = make(keySet)
			i.byTag[tag] = set
		}
		set[key] = struct{}{}
	}
	for _, dep := range deps {
		set, ok := i.byDep[dep]
		if !ok {
			set = make(keySet)
			i.byDep[dep] = set
		}
		set[key] = struct{}{}
	}
	i.byKey[key] = membership{tags: tags, deps: deps}
}

// Remove deletes key from the index.
func (i *Index) Remove(key string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.removeLocked(key)
}

func (i *Index) removeLocked(key string) {
	m, ok := i.byKey[key]
	if !ok {
		return
	}
	for _, tag := range m.tags {
		delete(i.byTag[tag], key)
		if len(i.byTag[tag]) == 0 {
			delete(i.byTag, tag)
		}
	}
	for _, dep := range m.deps {
		delete(i.byDep[dep], key)
		if len(i.byDep[dep]) == 0 {
			delete(i.byDep, dep)
		}
	}
	delete(i.byKey, key)
}

// KeysForTag returns the keys currently carrying tag.
func (i *Index) KeysForTag(tag string) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return keys(i.byTag[tag])
}

// KeysForDependency returns the keys currently declaring dep.
func (i *Index) KeysForDependency(dep string) []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return keys(i.byDep[dep])
}

// Len returns the number of indexed keys.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.byKey)
}

// Epochs returns the current invalidation epoch for each dependency, in the
// same order as deps.
func (i *Index) Epochs(deps []string) []uint64 {
	i.mu.RLock()
	defer i.mu.RUnlock()
	epochs := make([]uint64, len(deps))
	for n, dep := range deps {
		epochs[n] = i.epochs[dep]
	}
	return epochs
}

// Changed reports whether any dependency epoch advanced since the snapshot
// was taken with Epochs.
func (i *Index) Changed(deps []string, snapshot []uint64) bool {
	i.mu.RLock()
	defer i.mu.RUnlock()
	for n, dep := range deps {
		if i.epochs[dep] != snapshot[n] {
			return true
		}
	}
	return false
}

// InvalidateDependency bumps the dependency's epoch and returns (and
// unindexes) every key that declared it. The epoch bump and key collection
// happen under one lock, so a concurrent Record either lands before the
// collection (and is returned) or observes the new epoch afterwards.
func (i *Index) InvalidateDependency(dep string) []string {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.epochs[dep]++
	invalidated := keys(i.byDep[dep])
	for _, key := range invalidated {
		i.removeLocked(key)
	}
	return invalidated
}

func keys(set keySet) []string {
	if len(set) == 0 {
		return nil
	}
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}
	return out
}
