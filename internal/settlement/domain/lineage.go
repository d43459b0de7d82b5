package settlement

// LineageIndex resolves the predecessor detail of a record in a re-settlement.
type LineageIndex struct {
	byDoctor map[lineageKey]Detail
	byRecord map[string]Detail
	byID     map[int64]Detail
}

type lineageKey struct {
	recordRef string
	doctorID  int64
}

// NewLineageIndex indexes candidate details from versions strictly lower than
// version. Candidates at or above version are ignored.
func NewLineageIndex(candidates []Detail, version int) *LineageIndex {
	idx := &LineageIndex{
		byDoctor: make(map[lineageKey]Detail),
		byRecord: make(map[string]Detail),
		byID:     make(map[int64]Detail),
	}
	for _, d := range candidates {
		if d.Version >= version {
			continue
		}
		idx.byID[d.ID] = d
		key := lineageKey{recordRef: d.RecordRef, doctorID: d.DoctorID}
		if cur, ok := idx.byDoctor[key]; !ok || d.ID > cur.ID {
			idx.byDoctor[key] = d
		}
		if cur, ok := idx.byRecord[d.RecordRef]; !ok || d.ID > cur.ID {
			idx.byRecord[d.RecordRef] = d
		}
	}
	return idx
}

// Resolve returns the maximum-id earlier detail for the same record and
// doctor, falling back to the same record for any doctor.
func (idx *LineageIndex) Resolve(recordRef string, doctorID int64) (Detail, bool) {
	if idx == nil {
		return Detail{}, false
	}
	if d, ok := idx.byDoctor[lineageKey{recordRef: recordRef, doctorID: doctorID}]; ok {
		return d, true
	}
	d, ok := idx.byRecord[recordRef]
	return d, ok
}

// Carries reports whether d or any detail up its predecessor chain is linked
// to adjustmentID. Such an adjustment is already part of d's row total.
func (idx *LineageIndex) Carries(d Detail, adjustmentID int64) bool {
	for hops := 0; idx != nil && hops <= len(idx.byID); hops++ {
		if d.AdjustmentID != nil && *d.AdjustmentID == adjustmentID {
			return true
		}
		if d.PredecessorID == nil {
			return false
		}
		next, ok := idx.byID[*d.PredecessorID]
		if !ok {
			return false
		}
		d = next
	}
	return false
}
