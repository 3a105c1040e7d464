package engine

import (
	"fmt"

	"github.com/harrisonrobin/tasksync/pkg/model"
)

// Pair is a matched cross-reference between the two stores.
type Pair struct {
	A *model.TaskRecord
	B *model.TaskRecord
}

// Ambiguity reports records whose cross-reference claims collide: more
// than one record names the same counterpart, or the two link fields
// disagree. Ambiguous records are surfaced and excluded from automated
// resolution, never silently overwritten.
type Ambiguity struct {
	CounterpartID string
	Claimants     []*model.TaskRecord
}

func (a Ambiguity) Error() string {
	return fmt.Sprintf("%s: %d records claim counterpart %s", ErrAmbiguousMatch, len(a.Claimants), a.CounterpartID)
}

func (a Ambiguity) Unwrap() error { return ErrAmbiguousMatch }

// Index holds the result of matching the two snapshots. Matching joins on
// the stored counterpart id from either side and is O(n+m): one lookup map
// per store, no pairwise comparison.
type Index struct {
	Pairs []Pair

	// Unlinked records, candidates for creation in the other store.
	AOnly []*model.TaskRecord
	BOnly []*model.TaskRecord

	// Linked records whose counterpart is absent from the other snapshot.
	AOrphans []*model.TaskRecord
	BOrphans []*model.TaskRecord

	Ambiguous []Ambiguity
}

// BuildIndex matches the two snapshots. The A side's ForeignID names a
// B-native id and vice versa; links may be stored on either side (the
// Notion page carries the Google task id, the Google side stores nothing).
func BuildIndex(a, b []model.TaskRecord) *Index {
	idx := &Index{}

	aByID := make(map[string]*model.TaskRecord, len(a))
	bByID := make(map[string]*model.TaskRecord, len(b))
	for i := range a {
		aByID[a[i].NativeID] = &a[i]
	}
	for i := range b {
		bByID[b[i].NativeID] = &b[i]
	}

	// Claims on an A-native id by B records, and the reciprocal.
	claimsOnA := make(map[string][]*model.TaskRecord)
	claimsOnB := make(map[string][]*model.TaskRecord)
	for i := range a {
		if a[i].ForeignID != "" {
			claimsOnB[a[i].ForeignID] = append(claimsOnB[a[i].ForeignID], &a[i])
		}
	}
	for i := range b {
		if b[i].ForeignID != "" {
			claimsOnA[b[i].ForeignID] = append(claimsOnA[b[i].ForeignID], &b[i])
		}
	}

	consumed := make(map[*model.TaskRecord]bool)

	// Colliding claims first, so they never reach pairing.
	for aID, claimants := range claimsOnA {
		if len(claimants) > 1 {
			amb := Ambiguity{CounterpartID: aID, Claimants: claimants}
			if rec, ok := aByID[aID]; ok {
				amb.Claimants = append(amb.Claimants, rec)
				consumed[rec] = true
			}
			for _, c := range claimants {
				consumed[c] = true
			}
			idx.Ambiguous = append(idx.Ambiguous, amb)
		}
	}
	for bID, claimants := range claimsOnB {
		if len(claimants) > 1 {
			amb := Ambiguity{CounterpartID: bID, Claimants: claimants}
			if rec, ok := bByID[bID]; ok {
				amb.Claimants = append(amb.Claimants, rec)
				consumed[rec] = true
			}
			for _, c := range claimants {
				consumed[c] = true
			}
			idx.Ambiguous = append(idx.Ambiguous, amb)
		}
	}

	pair := func(aRec, bRec *model.TaskRecord) {
		idx.Pairs = append(idx.Pairs, Pair{A: aRec, B: bRec})
		consumed[aRec] = true
		consumed[bRec] = true
	}

	// Links held on the B side.
	for aID, claimants := range claimsOnA {
		if len(claimants) != 1 || consumed[claimants[0]] {
			continue
		}
		bRec := claimants[0]
		aRec, ok := aByID[aID]
		if !ok {
			idx.BOrphans = append(idx.BOrphans, bRec)
			consumed[bRec] = true
			continue
		}
		if consumed[aRec] {
			// Counterpart already contested elsewhere.
			idx.Ambiguous = append(idx.Ambiguous, Ambiguity{
				CounterpartID: aID,
				Claimants:     []*model.TaskRecord{bRec},
			})
			consumed[bRec] = true
			continue
		}
		if aRec.ForeignID != "" && aRec.ForeignID != bRec.NativeID {
			// The two link fields disagree; neither side is trusted.
			idx.Ambiguous = append(idx.Ambiguous, Ambiguity{
				CounterpartID: aID,
				Claimants:     []*model.TaskRecord{aRec, bRec},
			})
			consumed[aRec] = true
			consumed[bRec] = true
			continue
		}
		pair(aRec, bRec)
	}

	// Links held on the A side that the pass above did not consume.
	for bID, claimants := range claimsOnB {
		if len(claimants) != 1 || consumed[claimants[0]] {
			continue
		}
		aRec := claimants[0]
		bRec, ok := bByID[bID]
		if !ok {
			idx.AOrphans = append(idx.AOrphans, aRec)
			consumed[aRec] = true
			continue
		}
		if consumed[bRec] {
			// Counterpart already paired elsewhere.
			idx.Ambiguous = append(idx.Ambiguous, Ambiguity{
				CounterpartID: bID,
				Claimants:     []*model.TaskRecord{aRec},
			})
			consumed[aRec] = true
			continue
		}
		pair(aRec, bRec)
	}

	for i := range a {
		if rec := &a[i]; !consumed[rec] && rec.ForeignID == "" {
			idx.AOnly = append(idx.AOnly, rec)
		}
	}
	for i := range b {
		if rec := &b[i]; !consumed[rec] && rec.ForeignID == "" {
			idx.BOnly = append(idx.BOnly, rec)
		}
	}

	return idx
}
