package util

// BucketIndex maps a block number to its home bucket: blockno mod buckets.
// Power-of-two bucket counts take the mask path.
func BucketIndex(blockno uint32, buckets int) int {
	if buckets <= 1 {
		return 0
	}
	if IsPowerOfTwo(uint64(buckets)) {
		return int(blockno & uint32(buckets-1))
	}
	return int(blockno % uint32(buckets))
}
