package chat

import (
	"github.com/cespare/xxhash/v2"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
)

// lineHash identifies a console line by author and text.
func lineHash(user, message string) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(user)
	_, _ = d.WriteString(message)
	return d.Sum64()
}

// overlap returns the largest k such that the last k entries of prev equal
// the first k entries of next.
func overlap(prev, next []uint64) int {
	best := 0
	for k := 1; k <= len(next) && k <= len(prev); k++ {
		if equal(prev[len(prev)-k:], next[:k]) {
			best = k
		}
	}
	return best
}

func equal(a, b []uint64) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// hashLines hashes every line of a console fetch.
func hashLines(lines []protocol.ConsoleLine) []uint64 {
	out := make([]uint64, len(lines))
	for i, l := range lines {
		out[i] = lineHash(l.User, l.Message)
	}
	return out
}

// NewLines returns the lines of a fresh console fetch that follow its
// overlap with prev, the line hashes of the previous fetch, together with
// the hashes of fetched. The console is a scrolling buffer, so old lines
// fall off the top and new ones are appended at the bottom.
func NewLines(prev []uint64, fetched []protocol.ConsoleLine) ([]protocol.ConsoleLine, []uint64) {
	next := hashLines(fetched)
	return fetched[overlap(prev, next):], next
}
