package soa_test

import (
	"testing"

	"github.com/nichtich/ukv/soa"
	"github.com/stretchr/testify/require"
)

func TestSliceView(t *testing.T) {
	s := soa.Slice([]int64{7, 8, 9})

	require.Equal(t, int64(7), s.At(0))
	require.Equal(t, int64(9), s.At(2))
	require.False(t, s.IsRepeated())
	require.False(t, s.IsEmpty())
}

func TestRepeatBroadcasts(t *testing.T) {
	s := soa.Repeat("col")

	for i := 0; i < 100; i++ {
		require.Equal(t, "col", s.At(i))
	}

	require.True(t, s.IsRepeated())
}

func TestZeroValueIsEmpty(t *testing.T) {
	var s soa.Strided[uint64]

	require.True(t, s.IsEmpty())
}
