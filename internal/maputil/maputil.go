// Package maputil holds small generic map helpers.
package maputil

import (
	"cmp"
	"slices"
	"sync"
)

// Pop removes key from items under mu and returns the removed value.
func Pop[K comparable, V any](mu *sync.Mutex, items map[K]V, key K) (V, bool) {
	mu.Lock()
	defer mu.Unlock()

	value, ok := items[key]
	if ok {
		delete(items, key)
	}
	return value, ok
}

// SortedKeys returns the keys of items in ascending order.
func SortedKeys[K cmp.Ordered, V any](items map[K]V) []K {
	keys := make([]K, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	return keys
}
