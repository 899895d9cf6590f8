package mrs

import "hash/fnv"

// DefaultPartitioner distributes keys across n splits by FNV-1a hash.
// It is deterministic across processes and across runs, satisfying the
// partitioner purity requirement: the same (key, n) always yields the
// same split.
func DefaultPartitioner(key []byte, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(n))
}
