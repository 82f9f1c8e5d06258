// Package xorshift implements the XORShift PRNG used for deterministic peer
// sampling.
package xorshift

import "sync"

// XORShift describes the functionality of an XORShift PRNG.
type XORShift interface {
	Next() uint64
}

// XORShift128Plus holds the state of an XORShift128Plus PRNG.
type XORShift128Plus struct {
	state [2]uint64
}

// Next generates a pseudorandom number and advances the state of s.
func (s *XORShift128Plus) Next() uint64 {
	s1 := s.state[0]
	s0 := s.state[1]
	s1Tmp := s1 // need this for result computation
	s.state[0] = s0
	s1 ^= (s1 << 23)                              // a
	s.state[1] = s1 ^ s0 ^ (s1 >> 18) ^ (s0 >> 5) // b, c
	return s0 + s1Tmp
}

// NewXORShift128Plus creates a new XORShift PRNG.
//
// An all-zero state never leaves zero, so it is replaced by a fixed seed.
func NewXORShift128Plus(s0, s1 uint64) *XORShift128Plus {
	if s0|s1 == 0 {
		s0, s1 = 0x9E3779B97F4A7C15, 0xBF58476D1CE4E5B9
	}
	return &XORShift128Plus{
		state: [2]uint64{s0, s1},
	}
}

// LockedXORShift128Plus is a thread-safe XORShift128Plus.
type LockedXORShift128Plus struct {
	sync.Mutex
	inner XORShift128Plus
}

// NewLockedXORShift128Plus creates a new LockedXORShift128Plus.
func NewLockedXORShift128Plus(s0, s1 uint64) *LockedXORShift128Plus {
	return &LockedXORShift128Plus{inner: *NewXORShift128Plus(s0, s1)}
}

// Next generates a pseudorandom number and advances the state of s.
func (s *LockedXORShift128Plus) Next() uint64 {
	s.Lock()
	defer s.Unlock()
	return s.inner.Next()
}

// Intn generates an int k that satisfies k >= 0 && k < n.
// n must be > 0.
func Intn(s XORShift, n int) int {
	if n <= 0 {
		panic("invalid n <= 0")
	}
	return int(s.Next() % uint64(n))
}

// Sample returns k distinct indices from [0, n) in random order.
// If k >= n, a permutation of all n indices is returned.
func Sample(s XORShift, n, k int) []int {
	if k > n {
		k = n
	}
	if k <= 0 {
		return nil
	}

	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}

	// Partial Fisher-Yates: only the first k positions are settled.
	for i := 0; i < k; i++ {
		j := i + Intn(s, n-i)
		idx[i], idx[j] = idx[j], idx[i]
	}
	return idx[:k]
}
