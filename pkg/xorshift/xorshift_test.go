package xorshift

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIntn(t *testing.T) {
	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	s := NewXORShift128Plus(r.Uint64(), r.Uint64())
	for i := 0; i < 10000; i++ {
		k := Intn(s, 10)
		require.True(t, k >= 0, "Intn() must be >= 0")
		require.True(t, k < 10, "Intn(k) must be < k")
	}
}

func TestZeroSeed(t *testing.T) {
	s := NewXORShift128Plus(0, 0)
	require.NotEqual(t, uint64(0), s.Next())
}

func TestSample(t *testing.T) {
	s := NewXORShift128Plus(1, 2)

	got := Sample(s, 10, 4)
	require.Len(t, got, 4)
	seen := make(map[int]bool)
	for _, i := range got {
		require.True(t, i >= 0 && i < 10)
		require.False(t, seen[i], "indices must be distinct")
		seen[i] = true
	}

	require.Len(t, Sample(s, 3, 50), 3)
	require.Nil(t, Sample(s, 3, 0))
}

func TestSampleDeterministic(t *testing.T) {
	a := Sample(NewXORShift128Plus(42, 7), 100, 20)
	b := Sample(NewXORShift128Plus(42, 7), 100, 20)
	require.Equal(t, a, b)
}

func BenchmarkXORShift128Plus_Next(b *testing.B) {
	s := NewXORShift128Plus(rand.Uint64(), rand.Uint64())
	var k uint64
	for i := 0; i < b.N; i++ {
		k = s.Next()
	}
	_ = k
}

func BenchmarkSample50of1000(b *testing.B) {
	s := NewXORShift128Plus(rand.Uint64(), rand.Uint64())
	for i := 0; i < b.N; i++ {
		_ = Sample(s, 1000, 50)
	}
}
