// Package categories maintains the bidirectional mapping between category
// labels and list identifiers in the category-owning store. Mappings are
// created lazily when a new label or list is first observed and persist
// across passes in the key-value cache.
package categories

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"

	"github.com/harrisonrobin/tasksync/pkg/kv"
	"github.com/harrisonrobin/tasksync/pkg/store"
)

var folder = cases.Fold()

// Normalize canonicalizes a label for comparison: surrounding and repeated
// whitespace collapses, case folds. Two labels normalizing equal are the
// same category.
func Normalize(label string) string {
	return folder.String(strings.Join(strings.Fields(label), " "))
}

// Mapper resolves category labels to list ids and back. It assumes a
// single pass with a single writer; there is no internal locking.
type Mapper struct {
	owner store.CategoryOwner
	cache kv.Store
	log   *slog.Logger

	byLabel map[string]string // normalized label -> list id
	byID    map[string]string // list id -> display label
}

// New builds a mapper over the owning store and the persistent cache.
func New(owner store.CategoryOwner, cache kv.Store, log *slog.Logger) *Mapper {
	return &Mapper{
		owner:   owner,
		cache:   cache,
		log:     log,
		byLabel: make(map[string]string),
		byID:    make(map[string]string),
	}
}

// Refresh loads the owning store's current lists, registers any the cache
// has not seen, and drops cached mappings whose list no longer exists.
// Called once at pass start.
func (m *Mapper) Refresh(ctx context.Context) error {
	cats, err := m.owner.ListCategories(ctx)
	if err != nil {
		return fmt.Errorf("list categories: %w", err)
	}

	m.byLabel = make(map[string]string, len(cats))
	m.byID = make(map[string]string, len(cats))
	valid := make(map[string]bool, len(cats))
	for _, c := range cats {
		key := Normalize(c.Label)
		m.byLabel[key] = c.ID
		m.byID[c.ID] = c.Label
		valid[c.ID] = true
	}

	cached, err := m.cache.All(ctx)
	if err != nil {
		return fmt.Errorf("load cached mappings: %w", err)
	}
	for label, id := range cached {
		if !valid[id] {
			m.log.Warn("dropping stale category mapping", "label", label, "list_id", id)
			if err := m.cache.Delete(ctx, label); err != nil {
				return fmt.Errorf("drop stale mapping %q: %w", label, err)
			}
		}
	}
	for _, c := range cats {
		key := Normalize(c.Label)
		if cached[key] != c.ID {
			if err := m.cache.Set(ctx, key, c.ID); err != nil {
				return fmt.Errorf("register mapping %q: %w", key, err)
			}
		}
	}
	return nil
}

// Resolve returns the list id mapped to label, creating the list in the
// owning store when absent. If the store rejects the creation (for example
// a duplicate-name conflict from a concurrent rename), the mapper retries
// the lookup once before failing.
func (m *Mapper) Resolve(ctx context.Context, label string) (string, error) {
	key := Normalize(label)
	if key == "" {
		return "", fmt.Errorf("empty category label")
	}
	if id, ok := m.byLabel[key]; ok {
		return id, nil
	}

	id, createErr := m.owner.CreateCategory(ctx, strings.TrimSpace(label))
	if createErr != nil {
		if refreshErr := m.Refresh(ctx); refreshErr == nil {
			if id, ok := m.byLabel[key]; ok {
				return id, nil
			}
		}
		return "", fmt.Errorf("create category %q: %w", label, createErr)
	}

	m.byLabel[key] = id
	m.byID[id] = strings.TrimSpace(label)
	if err := m.cache.Set(ctx, key, id); err != nil {
		return "", fmt.Errorf("persist mapping %q: %w", key, err)
	}
	m.log.Info("created category mapping", "label", label, "list_id", id)
	return id, nil
}

// Lookup returns the list id mapped to label without creating anything.
func (m *Mapper) Lookup(label string) (string, bool) {
	id, ok := m.byLabel[Normalize(label)]
	return id, ok
}

// ResolveReverse returns the display label for a list id, for assigning a
// category on inbound creation.
func (m *Mapper) ResolveReverse(listID string) (string, bool) {
	label, ok := m.byID[listID]
	return label, ok
}

// Mappings returns a copy of the current label-to-id mapping.
func (m *Mapper) Mappings() map[string]string {
	out := make(map[string]string, len(m.byID))
	for id, label := range m.byID {
		out[label] = id
	}
	return out
}
