package engine

import (
	"time"

	"github.com/harrisonrobin/tasksync/pkg/categories"
	"github.com/harrisonrobin/tasksync/pkg/model"
)

// Decision is the resolver's verdict for one record or matched pair:
// which action to take, which way it flows, and which fields move.
type Decision struct {
	Action model.Action
	Source *model.TaskRecord
	Target *model.TaskRecord
	Fields []string
}

// Direction returns the mutation flow of the decision, empty for no-ops.
func (d Decision) Direction() model.Direction {
	if d.Source == nil || d.Target == nil {
		return model.Direction{}
	}
	return model.Direction{From: d.Source.Store, To: d.Target.Store}
}

// Ref returns the reporting reference for the decision, preferring the
// source record.
func (d Decision) Ref() model.TaskRef {
	if d.Source != nil {
		return d.Source.Ref()
	}
	if d.Target != nil {
		return d.Target.Ref()
	}
	return model.TaskRef{}
}

// ResolvePair decides what a matched, non-deleted pair needs. The decision
// compares each side's updatedAt against the later of the two sync stamps:
// a single side changed pushes that side's fields; both sides changed is a
// conflict decided by the strictly later timestamp; an exact tie is flagged
// for manual review and left untouched, because the two stores stamp at
// different granularities and a wrong automatic choice is irreversible.
func ResolvePair(p Pair) Decision {
	tsync := p.A.LastSyncedAt
	if p.B.LastSyncedAt.After(tsync) {
		tsync = p.B.LastSyncedAt
	}

	aChanged := p.A.UpdatedAt.After(tsync)
	bChanged := p.B.UpdatedAt.After(tsync)

	switch {
	case !aChanged && !bChanged:
		return Decision{Action: model.ActionSkipped, Source: p.A, Target: p.B}
	case aChanged && !bChanged:
		return push(p.A, p.B)
	case bChanged && !aChanged:
		return push(p.B, p.A)
	default:
		// Both changed since the last sync.
		switch {
		case p.A.UpdatedAt.After(p.B.UpdatedAt):
			return push(p.A, p.B)
		case p.B.UpdatedAt.After(p.A.UpdatedAt):
			return push(p.B, p.A)
		default:
			if len(DiffFields(p.A, p.B)) == 0 {
				return Decision{Action: model.ActionSkipped, Source: p.A, Target: p.B}
			}
			return Decision{Action: model.ActionConflict, Source: p.A, Target: p.B, Fields: DiffFields(p.A, p.B)}
		}
	}
}

func push(src, dst *model.TaskRecord) Decision {
	fields := DiffFields(src, dst)
	if len(fields) == 0 {
		return Decision{Action: model.ActionSkipped, Source: src, Target: dst}
	}
	return Decision{Action: model.ActionUpdated, Source: src, Target: dst, Fields: fields}
}

// DiffFields lists the tracked fields whose values differ between the two
// records. Category labels compare normalized; due dates compare at date
// precision.
func DiffFields(src, dst *model.TaskRecord) []string {
	var fields []string
	if src.Title != dst.Title {
		fields = append(fields, model.FieldTitle)
	}
	if src.Done != dst.Done {
		fields = append(fields, model.FieldDone)
	}
	if !model.DueEqual(src.DueDate, dst.DueDate) {
		fields = append(fields, model.FieldDueDate)
	}
	if src.Description != dst.Description {
		fields = append(fields, model.FieldDescription)
	}
	if categories.Normalize(src.Category) != categories.Normalize(dst.Category) {
		fields = append(fields, model.FieldCategory)
	}
	return fields
}

// ApplyFields copies the named fields from src onto a copy of dst, leaving
// dst's identifiers and linkage untouched. The copy is the desired target
// state handed to the store client.
func ApplyFields(src, dst *model.TaskRecord, fields []string) model.TaskRecord {
	out := *dst
	for _, f := range fields {
		switch f {
		case model.FieldTitle:
			out.Title = src.Title
		case model.FieldDone:
			out.Done = src.Done
		case model.FieldDueDate:
			out.DueDate = src.DueDate
		case model.FieldDescription:
			out.Description = src.Description
		case model.FieldCategory:
			out.Category = src.Category
		}
	}
	return out
}

// SyncStamp computes the lastSyncedAt value written after a successful
// mutation. The skew keeps the stamp ahead of the updatedAt the stores
// assign to the write itself, so the next pass sees the pair as converged.
func SyncStamp(now time.Time, skew time.Duration) time.Time {
	return now.Add(skew)
}
