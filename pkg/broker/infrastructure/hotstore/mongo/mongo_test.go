package mongo

import (
	"math"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseStreamID(t *testing.T) {
	cases := []struct {
		in           string
		defTS, defSeq int64
		ts, seq      int64
	}{
		{"-", 0, 0, 0, 0},
		{"0", 0, -1, 0, -1},
		{"+", 0, 0, math.MaxInt64, math.MaxInt64},
		{"1700000000000-3", 0, 0, 1700000000000, 3},
		{"1700000000000", 0, 7, 1700000000000, 7},
		{"garbage", 5, 9, 5, 9},
	}
	for _, c := range cases {
		ts, seq := parseStreamID(c.in, c.defTS, c.defSeq)
		require.Equal(t, c.ts, ts, "id %q", c.in)
		require.Equal(t, c.seq, seq, "id %q", c.in)
	}
}

func TestNextID_MonotonicWithinProcess(t *testing.T) {
	s := &Store{}
	prev := ""
	for i := 0; i < 1000; i++ {
		id, ts, seq := s.nextID()
		require.True(t, streamIDLess(prev, id), "id %s not after %s", id, prev)
		require.Contains(t, id, "-")
		require.GreaterOrEqual(t, ts, int64(0))
		require.GreaterOrEqual(t, seq, int64(0))
		prev = id
	}
}

// streamIDLess compares ids numerically; lexicographic comparison is not
// enough when the sequence crosses a digit boundary.
func streamIDLess(a, b string) bool {
	if a == "" {
		return true
	}
	aTS, aSeq := parseStreamID(a, 0, 0)
	bTS, bSeq := parseStreamID(b, 0, 0)
	if aTS != bTS {
		return aTS < bTS
	}
	return aSeq < bSeq
}

func TestSortMembersByScore(t *testing.T) {
	members := []zsetMember{
		{Member: "c", Score: 30},
		{Member: "a", Score: 10},
		{Member: "b", Score: 20},
	}
	sortMembersByScore(members)
	var order []string
	for _, m := range members {
		order = append(order, m.Member)
	}
	require.Equal(t, "a,b,c", strings.Join(order, ","))
}

func TestPendingPath(t *testing.T) {
	require.Equal(t, "pending.sub:fraud", pendingPath("sub:fraud"))
}
