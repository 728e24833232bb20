package config

import "hash/fnv"

// hashBytes returns a stable fnv-1a digest of the raw config content.
func hashBytes(b []byte) uint64 {
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}
