// Package planner converts a geodesic circle into a small set of inclusive
// geohash prefix ranges. The datastore indexes records by their "g" field in
// lexicographic order, so each range maps directly onto one ordered-child
// range subscription. The ranges cover the circle's bounding box; points in a
// range but outside the circle are false positives the membership tracker
// rejects.
package planner

import (
	"fmt"
	"sort"
	"strings"

	"geostream/internal/geohash"
	"geostream/internal/geomath"
	"geostream/pkg/model"
)

// rangeSentinel sorts above every base-32 geohash character, turning a prefix
// into the inclusive range [prefix, prefix+sentinel].
const rangeSentinel = "~"

// Range is an inclusive [Lo, Hi] pair of geohash prefix strings. A record
// matches iff its g field sorts within.
type Range struct {
	Lo string
	Hi string
}

// Contains reports whether a geohash sorts inside the range.
func (r Range) Contains(hash string) bool {
	return r.Lo <= hash && hash <= r.Hi
}

// Key is the canonical map key for a range.
func (r Range) Key() string {
	return r.Lo + ":" + r.Hi
}

// ParseKey is the inverse of Key. A key that does not split into an ordered
// pair indicates corrupted internal state.
func ParseKey(key string) (Range, error) {
	lo, hi, ok := strings.Cut(key, ":")
	if !ok || lo > hi {
		return Range{}, fmt.Errorf("malformed range key %q", key)
	}
	return Range{Lo: lo, Hi: hi}, nil
}

// QueryRanges returns the deduplicated, merged set of prefix ranges covering
// the bounding box of the circle around center with the given radius in
// meters. Geohashes are taken at the system precision and truncated to the
// bit resolution of the box.
func QueryRanges(center model.Location, radiusM float64, precision int) []Range {
	bits := geomath.BoundingBoxBits(center, radiusM)
	// One bit only separates the western and eastern halves of the globe.
	// Such a box spans at least half a parallel, and once it wraps the whole
	// parallel its wrapped corner longitudes can all fall into one half, so
	// the plan is the whole keyspace.
	if bits <= 1 {
		return []Range{{Lo: geohash.Base32[:1], Hi: rangeSentinel}}
	}
	coords := geomath.BoundingBoxCoordinates(center, radiusM)

	seen := make(map[Range]struct{}, len(coords))
	for _, coord := range coords {
		seen[rangeForHash(geohash.Encode(coord, precision), bits)] = struct{}{}
	}

	ranges := make([]Range, 0, len(seen))
	for r := range seen {
		ranges = append(ranges, r)
	}
	sort.Slice(ranges, func(i, j int) bool {
		if ranges[i].Lo != ranges[j].Lo {
			return ranges[i].Lo < ranges[j].Lo
		}
		return ranges[i].Hi < ranges[j].Hi
	})

	return mergeRanges(ranges)
}

// rangeForHash derives the prefix range covering the cell group that shares
// the hash's leading bits. The hash is truncated to ⌈bits/5⌉ characters and
// the final character is masked down to the covered bit group. When the group
// runs past the last base-32 digit the sentinel forms the upper bound.
func rangeForHash(hash string, bits int) Range {
	chars := (bits + geohash.BitsPerChar - 1) / geohash.BitsPerChar
	if len(hash) < chars {
		return Range{Lo: hash, Hi: hash + rangeSentinel}
	}

	hash = hash[:chars]
	base := hash[:len(hash)-1]
	lastValue := strings.IndexByte(geohash.Base32, hash[len(hash)-1])

	significantBits := bits - len(base)*geohash.BitsPerChar
	unusedBits := geohash.BitsPerChar - significantBits
	startValue := (lastValue >> unusedBits) << unusedBits
	endValue := startValue + (1 << unusedBits)

	if endValue > 31 {
		return Range{Lo: base + geohash.Base32[startValue:startValue+1], Hi: base + rangeSentinel}
	}
	return Range{Lo: base + geohash.Base32[startValue:startValue+1], Hi: base + geohash.Base32[endValue:endValue+1]}
}

// mergeRanges collapses overlapping and touching ranges in a sorted slice.
func mergeRanges(sorted []Range) []Range {
	if len(sorted) <= 1 {
		return sorted
	}
	merged := sorted[:1]
	for _, r := range sorted[1:] {
		last := &merged[len(merged)-1]
		if r.Lo <= last.Hi {
			if r.Hi > last.Hi {
				last.Hi = r.Hi
			}
			continue
		}
		merged = append(merged, r)
	}
	return merged
}
