package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/harrisonrobin/tasksync/pkg/categories"
	"github.com/harrisonrobin/tasksync/pkg/kv"
	"github.com/harrisonrobin/tasksync/pkg/model"
	"github.com/harrisonrobin/tasksync/pkg/store"
)

// fakeStore is an in-memory store.Client (and CategoryOwner) that mimics
// the behavior the engine has to survive: edit timestamps assigned by the
// store, and optionally id reissue on cross-category moves.
type fakeStore struct {
	name          model.StoreName
	reissueOnMove bool
	listErr       error

	mu      sync.Mutex
	recs    map[string]*model.TaskRecord
	cats    map[string]string // id -> label
	seq     int
	creates int
	updates int
	deletes int
	clock   func() time.Time
}

func newFakeStore(name model.StoreName, clock func() time.Time) *fakeStore {
	return &fakeStore{
		name:  name,
		recs:  map[string]*model.TaskRecord{},
		cats:  map[string]string{},
		clock: clock,
	}
}

func (f *fakeStore) add(rec model.TaskRecord) *model.TaskRecord {
	rec.Store = f.name
	f.recs[rec.NativeID] = &rec
	return f.recs[rec.NativeID]
}

func (f *fakeStore) Name() model.StoreName { return f.name }

func (f *fakeStore) ListAll(_ context.Context) ([]model.TaskRecord, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.TaskRecord, 0, len(f.recs))
	for _, r := range f.recs {
		out = append(out, *r)
	}
	return out, nil
}

func (f *fakeStore) Create(_ context.Context, rec model.TaskRecord) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creates++
	f.seq++
	rec.Store = f.name
	rec.NativeID = fmt.Sprintf("%s-%d", f.name, f.seq)
	rec.UpdatedAt = f.clock()
	f.recs[rec.NativeID] = &rec
	return rec.NativeID, nil
}

func (f *fakeStore) Update(_ context.Context, nativeID string, fields store.Fields) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	rec, ok := f.recs[nativeID]
	if !ok {
		return "", fmt.Errorf("no record %s", nativeID)
	}

	if fields.Has(model.FieldTitle) {
		rec.Title = fields.Record.Title
	}
	if fields.Has(model.FieldDone) {
		rec.Done = fields.Record.Done
	}
	if fields.Has(model.FieldDueDate) {
		rec.DueDate = fields.Record.DueDate
	}
	if fields.Has(model.FieldDescription) {
		rec.Description = fields.Record.Description
	}
	if fields.Has(model.FieldForeignID) {
		rec.ForeignID = fields.Record.ForeignID
		rec.CategoryID = fields.Record.CategoryID
	}
	if fields.Has(model.FieldLastSynced) {
		rec.LastSyncedAt = fields.Record.LastSyncedAt
	}
	rec.UpdatedAt = f.clock()

	if fields.Has(model.FieldCategory) {
		moved := fields.Record.CategoryID != "" && fields.Record.CategoryID != rec.CategoryID
		rec.Category = fields.Record.Category
		rec.CategoryID = fields.Record.CategoryID
		if moved && f.reissueOnMove {
			f.seq++
			newID := fmt.Sprintf("%s-%d", f.name, f.seq)
			rec.NativeID = newID
			f.recs[newID] = rec
			delete(f.recs, nativeID)
			return newID, nil
		}
	}
	return nativeID, nil
}

func (f *fakeStore) Delete(_ context.Context, nativeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes++
	delete(f.recs, nativeID)
	return nil
}

func (f *fakeStore) ListCategories(_ context.Context) ([]store.Category, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var cats []store.Category
	for id, label := range f.cats {
		cats = append(cats, store.Category{ID: id, Label: label})
	}
	return cats, nil
}

func (f *fakeStore) CreateCategory(_ context.Context, label string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	id := fmt.Sprintf("list-%d", f.seq)
	f.cats[id] = label
	return id, nil
}

var testLog = slog.New(slog.NewTextHandler(io.Discard, nil))

type harness struct {
	google *fakeStore
	notion *fakeStore
	orch   *Orchestrator
	now    time.Time
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }

	g := newFakeStore(model.StoreGoogle, clock)
	n := newFakeStore(model.StoreNotion, clock)
	mapper := categories.New(g, kv.NewMemory(), testLog)

	if opts.StampSkew == 0 {
		opts.StampSkew = time.Minute
	}
	orch := NewOrchestrator(g, n, mapper, opts, testLog)
	orch.now = clock
	return &harness{google: g, notion: n, orch: orch, now: now}
}

func defaultOpts() Options {
	return Options{PastWeeks: -1, FutureWeeks: -1, SyncDeletions: true}
}

func TestRunImportsBothDirections(t *testing.T) {
	h := newHarness(t, defaultOpts())
	h.google.cats["list-w"] = "Work"
	h.google.add(model.TaskRecord{NativeID: "g1", Title: "buy milk", Category: "Work", CategoryID: "list-w", UpdatedAt: h.now})
	h.notion.add(model.TaskRecord{NativeID: "n1", Title: "write report", UpdatedAt: h.now})

	session, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := session.CountByAction(model.ActionCreated); got != 2 {
		t.Fatalf("expected 2 creations, got %d: %+v", got, session.Outcomes)
	}

	// Both sides now hold reciprocal links.
	g1 := h.google.recs["g1"]
	if g1.ForeignID == "" {
		t.Fatal("source record must receive the issued counterpart id")
	}
	counterpart, ok := h.notion.recs[g1.ForeignID]
	if !ok {
		t.Fatalf("no counterpart %s in notion", g1.ForeignID)
	}
	if counterpart.ForeignID != "g1" || counterpart.Title != "buy milk" {
		t.Errorf("counterpart mismatch: %+v", counterpart)
	}
	if counterpart.CategoryID != "list-w" {
		t.Errorf("category id must carry over, got %q", counterpart.CategoryID)
	}

	n1 := h.notion.recs["n1"]
	if n1.ForeignID == "" || h.google.recs[n1.ForeignID] == nil {
		t.Error("notion-side import must link back to the created google task")
	}
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t, defaultOpts())
	h.google.add(model.TaskRecord{NativeID: "g1", Title: "once", UpdatedAt: h.now})

	if _, err := h.orch.Run(context.Background()); err != nil {
		t.Fatalf("first run: %v", err)
	}
	creates := h.notion.creates

	session, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if h.notion.creates != creates || h.google.creates != 0 {
		t.Error("second run must not create anything")
	}
	for _, o := range session.Outcomes {
		if o.Action != model.ActionSkipped {
			t.Errorf("second run must only skip, got %s for %s", o.Action, o.Task)
		}
	}
}

func linkedPair(h *harness, synced time.Time) (*model.TaskRecord, *model.TaskRecord) {
	g := h.google.add(model.TaskRecord{
		NativeID: "g1", Title: "task", UpdatedAt: synced.Add(-time.Hour), LastSyncedAt: synced,
	})
	n := h.notion.add(model.TaskRecord{
		NativeID: "n1", ForeignID: "g1", Title: "task", UpdatedAt: synced.Add(-time.Hour), LastSyncedAt: synced,
	})
	g.ForeignID = "n1"
	return g, n
}

func TestRunPropagatesEdit(t *testing.T) {
	h := newHarness(t, defaultOpts())
	g, n := linkedPair(h, h.now.Add(-24*time.Hour))
	n.Title = "renamed"
	n.UpdatedAt = h.now.Add(-time.Minute)

	session, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := session.CountByAction(model.ActionUpdated); got != 1 {
		t.Fatalf("expected 1 update, got %d", got)
	}
	if g.Title != "renamed" {
		t.Errorf("edit not propagated: %q", g.Title)
	}
	want := model.Direction{From: model.StoreNotion, To: model.StoreGoogle}
	if session.CountByDirection(want) != 1 {
		t.Errorf("expected one %s outcome", want)
	}

	// The stamps now lead the write's own UpdatedAt, so a following pass
	// sees the pair converged.
	session, err = h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if session.CountByAction(model.ActionUpdated) != 0 {
		t.Error("the sync's own write must not retrigger")
	}
}

func TestRunFlagsTieAsConflict(t *testing.T) {
	h := newHarness(t, defaultOpts())
	g, n := linkedPair(h, h.now.Add(-24*time.Hour))
	edited := h.now.Add(-time.Minute)
	g.Title, g.UpdatedAt = "from google", edited
	n.Title, n.UpdatedAt = "from notion", edited

	session, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := session.CountByAction(model.ActionConflict); got != 1 {
		t.Fatalf("expected 1 conflict, got %d", got)
	}
	if g.Title != "from google" || n.Title != "from notion" {
		t.Error("a flagged conflict must leave both sides untouched")
	}
}

func TestRunPropagatesCategoryMoveAndReissuedID(t *testing.T) {
	h := newHarness(t, defaultOpts())
	h.google.reissueOnMove = true
	h.google.cats["list-w"] = "Work"

	g, n := linkedPair(h, h.now.Add(-24*time.Hour))
	g.Category, g.CategoryID = "Work", "list-w"
	n.Category, n.CategoryID = "Work", "list-w"
	n.Category = "Home"
	n.UpdatedAt = h.now.Add(-time.Minute)

	session, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := session.CountByAction(model.ActionUpdated); got != 1 {
		t.Fatalf("expected 1 update, got %d: %+v", got, session.Outcomes)
	}

	// The move created the Home list lazily and reissued the task id.
	moved := h.notion.recs["n1"]
	if moved.ForeignID == "g1" {
		t.Fatal("stored link must follow the reissued id")
	}
	reissued, ok := h.google.recs[moved.ForeignID]
	if !ok {
		t.Fatalf("reissued record %s missing", moved.ForeignID)
	}
	if reissued.Category != "Home" {
		t.Errorf("category not moved: %q", reissued.Category)
	}
	if _, err := h.orch.mapper.Resolve(context.Background(), "Home"); err != nil {
		t.Errorf("Home list must exist after the move: %v", err)
	}

	// Stable pairing afterwards.
	session, err = h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if session.CountByAction(model.ActionCreated)+session.CountByAction(model.ActionUpdated) != 0 {
		t.Errorf("pairing must be stable after a move: %+v", session.Outcomes)
	}
}

func TestRunPropagatesDeletion(t *testing.T) {
	h := newHarness(t, defaultOpts())
	g, n := linkedPair(h, h.now.Add(-24*time.Hour))
	n.Deleted = true
	n.UpdatedAt = h.now.Add(-time.Minute)

	session, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := session.CountByAction(model.ActionDeleted); got != 1 {
		t.Fatalf("expected 1 deletion, got %d", got)
	}
	if _, alive := h.google.recs[g.NativeID]; alive {
		t.Error("counterpart must be deleted")
	}
	if n.ForeignID != "" {
		t.Error("tombstone's link must be cleared")
	}

	// The cleared tombstone must not be re-imported.
	session, err = h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if session.CountByAction(model.ActionCreated) != 0 {
		t.Error("a deleted record must never be recreated")
	}
}

func TestRunConvergesOrphanedLink(t *testing.T) {
	h := newHarness(t, defaultOpts())
	h.notion.add(model.TaskRecord{
		NativeID: "n1", ForeignID: "g-gone", Title: "was synced",
		UpdatedAt: h.now.Add(-time.Hour), LastSyncedAt: h.now.Add(-24 * time.Hour),
	})

	session, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := session.CountByAction(model.ActionDeleted); got != 1 {
		t.Fatalf("expected the orphan deleted, got %d: %+v", got, session.Outcomes)
	}
	if _, alive := h.notion.recs["n1"]; alive {
		t.Error("orphaned record must be removed")
	}
}

func TestRunKeepsOrphansWhenDeletionSyncOff(t *testing.T) {
	opts := defaultOpts()
	opts.SyncDeletions = false
	h := newHarness(t, opts)
	h.notion.add(model.TaskRecord{
		NativeID: "n1", ForeignID: "g-gone",
		UpdatedAt: h.now.Add(-time.Hour), LastSyncedAt: h.now.Add(-24 * time.Hour),
	})

	if _, err := h.orch.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, alive := h.notion.recs["n1"]; !alive {
		t.Error("deletion sync off must leave orphans alone")
	}
}

func TestRunDryRunWritesNothing(t *testing.T) {
	opts := defaultOpts()
	opts.DryRun = true
	h := newHarness(t, opts)
	h.google.add(model.TaskRecord{NativeID: "g-new", Title: "pending", Category: "Unmapped", UpdatedAt: h.now})
	g, n := linkedPair(h, h.now.Add(-24*time.Hour))
	_ = g
	n.Deleted = true

	session, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !session.DryRun {
		t.Error("session must be marked dry-run")
	}
	if session.CountByAction(model.ActionCreated) != 1 || session.CountByAction(model.ActionDeleted) != 1 {
		t.Errorf("dry-run must still report decisions: %+v", session.Outcomes)
	}
	if h.google.creates+h.google.updates+h.google.deletes+h.notion.creates+h.notion.updates+h.notion.deletes != 0 {
		t.Error("dry-run must not touch either store")
	}
	if len(h.google.cats) != 0 {
		t.Errorf("dry-run must not create tasklists for unmapped categories, got %v", h.google.cats)
	}
}

func TestRunDryRunCreatesNoLists(t *testing.T) {
	opts := defaultOpts()
	opts.DryRun = true
	h := newHarness(t, opts)
	h.notion.add(model.TaskRecord{NativeID: "n1", Title: "errand", Category: "Brand New List", UpdatedAt: h.now})

	session, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := session.CountByAction(model.ActionCreated); got != 1 {
		t.Fatalf("dry-run must still report the would-be import, got %d", got)
	}
	if len(h.google.cats) != 0 {
		t.Errorf("dry-run must not create tasklists, got %v", h.google.cats)
	}
	if h.google.creates+h.google.updates+h.notion.updates != 0 {
		t.Error("dry-run must not touch either store")
	}
}

func TestRunDryRunMoveCreatesNoLists(t *testing.T) {
	opts := defaultOpts()
	opts.DryRun = true
	h := newHarness(t, opts)
	h.google.cats["list-w"] = "Work"

	g, n := linkedPair(h, h.now.Add(-24*time.Hour))
	g.Category, g.CategoryID = "Work", "list-w"
	n.Category, n.CategoryID = "Home", "list-w"
	n.UpdatedAt = h.now.Add(-time.Minute)

	session, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := session.CountByAction(model.ActionUpdated); got != 1 {
		t.Fatalf("dry-run must still report the would-be move, got %d", got)
	}
	if len(h.google.cats) != 1 {
		t.Errorf("dry-run must not create the target list, got %v", h.google.cats)
	}
	if g.Category != "Work" {
		t.Error("dry-run must leave the record in place")
	}
}

func TestRunHonorsSyncWindow(t *testing.T) {
	opts := defaultOpts()
	opts.PastWeeks, opts.FutureWeeks = 1, 1
	h := newHarness(t, opts)

	old := h.now.AddDate(0, 0, -30)
	soon := h.now.AddDate(0, 0, 3)
	h.google.add(model.TaskRecord{NativeID: "g-old", Title: "ancient", DueDate: &old, UpdatedAt: h.now})
	h.google.add(model.TaskRecord{NativeID: "g-done", Title: "done long ago", DueDate: &old, Done: true, UpdatedAt: h.now})
	h.google.add(model.TaskRecord{NativeID: "g-undated", Title: "someday", UpdatedAt: h.now})
	h.google.add(model.TaskRecord{NativeID: "g-soon", Title: "this week", DueDate: &soon, UpdatedAt: h.now})

	session, err := h.orch.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := session.CountByAction(model.ActionCreated); got != 3 {
		t.Fatalf("expected 3 imports (done, undated, in-window), got %d", got)
	}
	if h.google.recs["g-old"].ForeignID != "" {
		t.Error("out-of-window task must not be imported")
	}
}

func TestRunAbortsOnSnapshotFailure(t *testing.T) {
	h := newHarness(t, defaultOpts())
	h.notion.listErr = errors.New("api down")

	session, err := h.orch.Run(context.Background())
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, ErrSnapshotFetch) {
		t.Errorf("expected ErrSnapshotFetch, got %v", err)
	}
	if session != nil {
		t.Error("no session on an aborted pass")
	}
}
