package mongo

import "geostream/pkg/model"

// childKind classifies a synthesized child event.
type childKind int

const (
	childAdded childKind = iota
	childChanged
	childRemoved
)

// childEvent is one ordered-child event synthesized from a change stream
// delivery.
type childEvent struct {
	kind childKind
	rec  model.Record
}

// rangeView tracks which records currently sort inside a [lo, hi] geohash
// range. Change stream deliveries carry only the document's current state
// (or, for deletes, only its key), so the view remembers the last record per
// in-range key to synthesize child_added, child_changed and child_removed the
// way an ordered tree subscription would fire them.
type rangeView struct {
	lo, hi  string
	members map[string]model.Record
}

func newRangeView(lo, hi string) *rangeView {
	return &rangeView{lo: lo, hi: hi, members: make(map[string]model.Record)}
}

func (v *rangeView) inRange(hash string) bool {
	return v.lo <= hash && hash <= v.hi
}

// apply reconciles one delivery against the view. rec is nil when the
// document was deleted or is malformed. At most one child event results.
func (v *rangeView) apply(key string, rec *model.Record) []childEvent {
	old, had := v.members[key]
	in := rec != nil && v.inRange(rec.Geohash)

	switch {
	case !had && in:
		v.members[key] = *rec
		return []childEvent{{kind: childAdded, rec: *rec}}
	case had && !in:
		delete(v.members, key)
		return []childEvent{{kind: childRemoved, rec: old}}
	case had && in:
		if old == *rec {
			return nil
		}
		v.members[key] = *rec
		return []childEvent{{kind: childChanged, rec: *rec}}
	default:
		return nil
	}
}

// size reports the number of in-range records.
func (v *rangeView) size() int {
	return len(v.members)
}
