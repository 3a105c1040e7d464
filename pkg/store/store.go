// Package store defines the collaborator interfaces the reconciliation
// engine drives. Each of the two task stores implements Client; the store
// that owns list membership additionally implements CategoryOwner.
package store

import (
	"context"

	"github.com/harrisonrobin/tasksync/pkg/model"
)

// Fields describes a partial update: which field names changed and the
// record carrying the desired values. Clients apply only the named fields.
type Fields struct {
	Names  []string
	Record model.TaskRecord
}

// Has reports whether the named field is part of the update.
func (f Fields) Has(name string) bool {
	for _, n := range f.Names {
		if n == name {
			return true
		}
	}
	return false
}

// Client is one store's task surface. ListAll materializes the full
// snapshot before resolution begins; the paginated fetching is internal.
//
// Update returns the record's native id after the write. Stores that cannot
// change a record's grouping in place (the Google Tasks API cannot move a
// task across lists) may reissue the id; callers must propagate the new id
// to the counterpart's stored link.
type Client interface {
	Name() model.StoreName
	ListAll(ctx context.Context) ([]model.TaskRecord, error)
	Create(ctx context.Context, rec model.TaskRecord) (nativeID string, err error)
	Update(ctx context.Context, nativeID string, fields Fields) (newNativeID string, err error)
	Delete(ctx context.Context, nativeID string) error
}

// Category is one grouping in the category-owning store.
type Category struct {
	ID    string
	Label string
}

// CategoryOwner exposes list management on the store that owns grouping.
type CategoryOwner interface {
	ListCategories(ctx context.Context) ([]Category, error)
	CreateCategory(ctx context.Context, label string) (listID string, err error)
}
