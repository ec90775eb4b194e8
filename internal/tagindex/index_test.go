package tagindex_test

import (
	"fmt"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/shaharia-lab/pulse/internal/tagindex"
)

func TestIndex_QueryReturnsAppendOrder(t *testing.T) {
	x := tagindex.New()
	x.Index(tagindex.Entry{Seq: 1, ID: "E1", Tags: []string{"invoice"}})
	x.Index(tagindex.Entry{Seq: 2, ID: "E2", Tags: []string{"receipt"}})
	x.Index(tagindex.Entry{Seq: 3, ID: "E3", Tags: []string{"invoice", "urgent"}})

	assert.Equal(t, []string{"E1", "E3"}, tagindex.IDs(x.Query("invoice")))
	assert.Equal(t, []string{"E2"}, tagindex.IDs(x.Query("receipt")))
	assert.Empty(t, x.Query("missing"))
	assert.Equal(t, 3, x.Len())
	assert.Equal(t, []string{"invoice", "receipt", "urgent"}, x.Tags())
}

func TestIndex_IdempotentPerID(t *testing.T) {
	x := tagindex.New()
	e := tagindex.Entry{Seq: 1, ID: "E1", Tags: []string{"a", "a", "b"}}
	x.Index(e)
	x.Index(e)

	assert.Len(t, x.Query("a"), 1)
	assert.Len(t, x.Query("b"), 1)
	assert.Equal(t, 1, x.Len())
}

func TestIndex_QueryTags(t *testing.T) {
	x := tagindex.New()
	x.Index(tagindex.Entry{Seq: 1, ID: "E1", Tags: []string{"a"}})
	x.Index(tagindex.Entry{Seq: 2, ID: "E2", Tags: []string{"a", "b"}})
	x.Index(tagindex.Entry{Seq: 3, ID: "E3", Tags: []string{"b"}})
	x.Index(tagindex.Entry{Seq: 4, ID: "E4", Tags: []string{"a", "b", "c"}})

	assert.Equal(t, []string{"E2", "E4"}, tagindex.IDs(x.QueryTags([]string{"a", "b"}, tagindex.ModeAnd)))
	assert.Equal(t, []string{"E1", "E2", "E3", "E4"}, tagindex.IDs(x.QueryTags([]string{"a", "b"}, tagindex.ModeOr)))
	assert.Equal(t, []string{"E4"}, tagindex.IDs(x.QueryTags([]string{"c", "a", "b"}, tagindex.ModeAnd)))
	assert.Empty(t, x.QueryTags([]string{"a", "zzz"}, tagindex.ModeAnd))
	assert.Empty(t, x.QueryTags(nil, tagindex.ModeOr))
}

func TestIndex_Equal(t *testing.T) {
	a, b := tagindex.New(), tagindex.New()
	for i, tags := range [][]string{{"x"}, {"x", "y"}, {"z"}} {
		e := tagindex.Entry{Seq: uint64(i + 1), ID: fmt.Sprintf("E%d", i), Tags: tags}
		a.Index(e)
		b.Index(e)
	}
	assert.True(t, a.Equal(b))

	b.Index(tagindex.Entry{Seq: 9, ID: "extra", Tags: []string{"x"}})
	assert.False(t, a.Equal(b))
}

func TestMerge_OrdersAcrossShards(t *testing.T) {
	shard0 := []tagindex.Posting{{Seq: 1, ID: "a"}, {Seq: 4, ID: "d"}}
	shard1 := []tagindex.Posting{{Seq: 2, ID: "b"}, {Seq: 3, ID: "c"}, {Seq: 7, ID: "g"}}

	assert.Equal(t, []string{"a", "b", "c", "d", "g"}, tagindex.IDs(tagindex.Merge(shard0, shard1)))
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in   string
		want tagindex.Mode
		ok   bool
	}{
		{"and", tagindex.ModeAnd, true},
		{"OR", tagindex.ModeOr, true},
		{"", tagindex.ModeAnd, true},
		{"xor", tagindex.ModeAnd, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, ok := tagindex.ParseMode(tt.in)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

// For any append sequence, Query(tag) returns exactly the ids carrying tag, in append order.
func TestIndex_QueryMatchesBruteForce(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		alphabet := []string{"a", "b", "c", "d"}
		n := rapid.IntRange(0, 40).Draw(t, "n")

		x := tagindex.New()
		entries := make([]tagindex.Entry, 0, n)
		for i := 0; i < n; i++ {
			tags := rapid.SliceOfDistinct(rapid.SampledFrom(alphabet), func(s string) string { return s }).Draw(t, fmt.Sprintf("tags_%d", i))
			e := tagindex.Entry{Seq: uint64(i + 1), ID: fmt.Sprintf("E%d", i), Tags: tags}
			entries = append(entries, e)
			x.Index(e)
		}

		for _, tag := range alphabet {
			var want []string
			for _, e := range entries {
				if slices.Contains(e.Tags, tag) {
					want = append(want, e.ID)
				}
			}
			got := tagindex.IDs(x.Query(tag))
			if len(want) == 0 {
				require.Empty(t, got)
				continue
			}
			require.Equal(t, want, got)
		}
	})
}
