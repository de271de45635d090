package util

import "testing"

func TestBucketIndex(t *testing.T) {
	t.Parallel()

	cases := []struct {
		blockno uint32
		buckets int
		want    int
	}{
		{0, 13, 0},
		{13, 13, 0},
		{27, 13, 1},
		{7, 8, 7},
		{9, 8, 1},
		{5, 2, 1},
		{42, 1, 0},
		{42, 0, 0},
		{^uint32(0), 13, int(^uint32(0) % 13)},
	}
	for _, tc := range cases {
		if got := BucketIndex(tc.blockno, tc.buckets); got != tc.want {
			t.Errorf("BucketIndex(%d, %d) = %d, want %d", tc.blockno, tc.buckets, got, tc.want)
		}
	}
}

func TestIsPowerOfTwo(t *testing.T) {
	t.Parallel()

	for _, x := range []uint64{1, 2, 4, 64, 1 << 63} {
		if !IsPowerOfTwo(x) {
			t.Errorf("IsPowerOfTwo(%d) = false", x)
		}
	}
	for _, x := range []uint64{0, 3, 13, 100} {
		if IsPowerOfTwo(x) {
			t.Errorf("IsPowerOfTwo(%d) = true", x)
		}
	}
}
