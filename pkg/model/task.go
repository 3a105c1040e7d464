package model

import (
	"fmt"
	"time"
)

// StoreName identifies one of the two task stores.
type StoreName string

const (
	StoreGoogle StoreName = "google"
	StoreNotion StoreName = "notion"
)

// Other returns the opposite store.
func (s StoreName) Other() StoreName {
	if s == StoreGoogle {
		return StoreNotion
	}
	return StoreGoogle
}

// Direction describes which way a mutation flows.
type Direction struct {
	From StoreName `json:"from"`
	To   StoreName `json:"to"`
}

func (d Direction) String() string {
	if d.From == "" && d.To == "" {
		return "-"
	}
	return fmt.Sprintf("%s->%s", d.From, d.To)
}

// Field names the resolver tracks when diffing a matched pair.
const (
	FieldTitle       = "title"
	FieldDone        = "done"
	FieldDueDate     = "due_date"
	FieldDescription = "description"
	FieldCategory    = "category"
	FieldForeignID   = "foreign_id"
	FieldLastSynced  = "last_synced"
)

// TaskRecord is the canonical in-memory representation of a task,
// materialized once per store per sync pass. NativeID is assigned by the
// record's home store; ForeignID links to the counterpart record in the
// other store and is empty while unmatched.
type TaskRecord struct {
	Store        StoreName
	NativeID     string
	ForeignID    string
	Title        string
	Done         bool
	DueDate      *time.Time
	Description  string
	Category     string
	CategoryID   string
	UpdatedAt    time.Time
	LastSyncedAt time.Time
	Deleted      bool
}

// Ref returns a stable reference for reporting.
func (r *TaskRecord) Ref() TaskRef {
	return TaskRef{Store: r.Store, NativeID: r.NativeID, Title: r.Title}
}

// DueEqual compares due dates at date precision. The Google Tasks API only
// carries the date part of a due timestamp, so anything finer is noise.
func DueEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}

// TaskRef identifies a task in a SyncOutcome without holding the full record.
type TaskRef struct {
	Store    StoreName `json:"store"`
	NativeID string    `json:"native_id"`
	Title    string    `json:"title"`
}

func (t TaskRef) String() string {
	return fmt.Sprintf("%s:%s", t.Store, t.NativeID)
}
