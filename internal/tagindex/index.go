// Package tagindex maintains an inverted index from tag to the events that
// carry it, ordered by store sequence. An Index covers one store shard;
// results from several shards are combined with Merge.
package tagindex

import (
	"maps"
	"slices"
	"sync"
)

// Mode selects how multi-tag queries combine their terms.
type Mode int

const (
	// ModeAnd matches events carrying every requested tag.
	ModeAnd Mode = iota
	// ModeOr matches events carrying at least one requested tag.
	ModeOr
)

// ParseMode converts "and"/"or" (any case) into a Mode. Unknown values report false.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "and", "AND", "And", "":
		return ModeAnd, true
	case "or", "OR", "Or":
		return ModeOr, true
	}
	return ModeAnd, false
}

// Posting is one index entry: the event id and the sequence it was committed at.
type Posting struct {
	Seq uint64
	ID  string
}

// Entry is the minimal view of an event the index needs.
type Entry struct {
	Seq  uint64
	ID   string
	Tags []string
}

// Index is an inverted tag index. It is safe for concurrent use.
type Index struct {
	mu       sync.RWMutex
	postings map[string][]Posting
	seen     map[string]struct{}
}

// New returns an empty Index.
func New() *Index {
	return &Index{
		postings: make(map[string][]Posting),
		seen:     make(map[string]struct{}),
	}
}

// Index adds an event to the index. Indexing the same id twice is a no-op.
// Entries must arrive in ascending sequence order.
func (x *Index) Index(e Entry) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, ok := x.seen[e.ID]; ok {
		return
	}
	x.seen[e.ID] = struct{}{}

	p := Posting{Seq: e.Seq, ID: e.ID}
	for _, tag := range dedupe(e.Tags) {
		x.postings[tag] = append(x.postings[tag], p)
	}
}

// Query returns the postings for tag in append order. The returned slice is a copy.
func (x *Index) Query(tag string) []Posting {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Clone(x.postings[tag])
}

// QueryTags combines several tag lookups with mode.
func (x *Index) QueryTags(tags []string, mode Mode) []Posting {
	tags = dedupe(tags)
	if len(tags) == 0 {
		return nil
	}

	x.mu.RLock()
	lists := make([][]Posting, 0, len(tags))
	for _, tag := range tags {
		lists = append(lists, x.postings[tag])
	}
	x.mu.RUnlock()

	if mode == ModeOr {
		return Union(lists...)
	}
	return Intersect(lists...)
}

// Len reports the number of indexed events.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.seen)
}

// Tags returns the indexed tags in lexical order.
func (x *Index) Tags() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return slices.Sorted(maps.Keys(x.postings))
}

// Equal reports whether two indexes hold identical postings.
func (x *Index) Equal(other *Index) bool {
	if x == other {
		return true
	}
	x.mu.RLock()
	defer x.mu.RUnlock()
	other.mu.RLock()
	defer other.mu.RUnlock()

	if len(x.seen) != len(other.seen) || len(x.postings) != len(other.postings) {
		return false
	}
	for tag, list := range x.postings {
		if !slices.Equal(list, other.postings[tag]) {
			return false
		}
	}
	return true
}

// Merge combines per-shard posting lists, each already in sequence order,
// into a single list ordered by sequence.
func Merge(lists ...[]Posting) []Posting {
	return Union(lists...)
}

// Union returns the sorted, de-duplicated union of sequence-ordered lists.
func Union(lists ...[]Posting) []Posting {
	total := 0
	for _, l := range lists {
		total += len(l)
	}
	out := make([]Posting, 0, total)
	for _, l := range lists {
		out = append(out, l...)
	}
	slices.SortFunc(out, func(a, b Posting) int {
		switch {
		case a.Seq < b.Seq:
			return -1
		case a.Seq > b.Seq:
			return 1
		}
		return 0
	})
	return slices.CompactFunc(out, func(a, b Posting) bool { return a.Seq == b.Seq })
}

// Intersect returns the postings present in every list, in sequence order.
func Intersect(lists ...[]Posting) []Posting {
	if len(lists) == 0 {
		return nil
	}
	slices.SortFunc(lists, func(a, b []Posting) int { return len(a) - len(b) })

	out := slices.Clone(lists[0])
	for _, l := range lists[1:] {
		out = intersectTwo(out, l)
		if len(out) == 0 {
			return nil
		}
	}
	return out
}

func intersectTwo(a, b []Posting) []Posting {
	out := a[:0]
	i, j := 0, 0
	for i < len(a) && j < len(b) {
		switch {
		case a[i].Seq == b[j].Seq:
			out = append(out, a[i])
			i++
			j++
		case a[i].Seq < b[j].Seq:
			i++
		default:
			j++
		}
	}
	return out
}

// IDs projects postings onto their event ids.
func IDs(ps []Posting) []string {
	ids := make([]string, len(ps))
	for i, p := range ps {
		ids[i] = p.ID
	}
	return ids
}

func dedupe(tags []string) []string {
	if len(tags) < 2 {
		return tags
	}
	out := slices.Clone(tags)
	slices.Sort(out)
	return slices.Compact(out)
}
