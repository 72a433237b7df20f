package internal

import "golang.org/x/exp/slices"

// Keys returns a slice containing copies of the keys of the given map, in no particular
// order.
func Keys[K comparable, V any](m map[K]V) []K {
	if m == nil {
		return nil
	}
	output := make([]K, 0, len(m))
	for key := range m {
		output = append(output, key)
	}
	return output
}

// SortedKeys is Keys, sorted. Used wherever iteration order must be deterministic.
func SortedKeys[V any](m map[string]V) []string {
	keys := Keys(m)
	slices.Sort(keys)
	return keys
}
