// Package engine implements the reconciliation core: cross-reference
// matching, timestamp conflict resolution, and the four-phase sync pass
// that keeps the two task stores converged without data loss or
// duplication.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/harrisonrobin/tasksync/pkg/categories"
	"github.com/harrisonrobin/tasksync/pkg/model"
	"github.com/harrisonrobin/tasksync/pkg/store"
)

// Options configures one reconciliation pass. Week bounds of -1 disable
// that side of the eligibility window.
type Options struct {
	PastWeeks     int
	FutureWeeks   int
	SyncDeletions bool
	DryRun        bool
	StampSkew     time.Duration
}

// Orchestrator drives one pass at a time to completion on a single logical
// thread of control. Concurrent passes are the caller's problem to prevent;
// the CLI holds a file lock for the duration of a run.
type Orchestrator struct {
	a      store.Client
	b      store.Client
	mapper *categories.Mapper
	opts   Options
	log    *slog.Logger

	dispatch Dispatcher
	now      func() time.Time
}

// NewOrchestrator wires a pass over the two store clients. In dry-run mode
// the mutation step is replaced by a no-op recorder; decision logic is
// identical.
func NewOrchestrator(a, b store.Client, mapper *categories.Mapper, opts Options, log *slog.Logger) *Orchestrator {
	var d Dispatcher = &liveDispatcher{log: log}
	if opts.DryRun {
		d = dryRunDispatcher{}
	}
	return &Orchestrator{
		a:        a,
		b:        b,
		mapper:   mapper,
		opts:     opts,
		log:      log,
		dispatch: d,
		now:      time.Now,
	}
}

// Run executes one reconciliation pass: snapshot both stores, match, then
// import, update, propagate movements, and sync deletions. Per-record
// failures degrade to failed outcomes; only snapshot failures abort.
func (o *Orchestrator) Run(ctx context.Context) (*model.SyncSession, error) {
	session := model.NewSession(o.opts.DryRun)

	if err := o.mapper.Refresh(ctx); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSnapshotFetch, err)
	}

	aRecs, bRecs, err := o.snapshots(ctx)
	if err != nil {
		return nil, err
	}
	o.log.Info("snapshots loaded",
		string(o.a.Name()), len(aRecs),
		string(o.b.Name()), len(bRecs))

	idx := BuildIndex(aRecs, bRecs)

	for _, amb := range idx.Ambiguous {
		session.Record(model.SyncOutcome{
			Task:   amb.Claimants[0].Ref(),
			Action: model.ActionConflict,
			Error:  amb.Error(),
		})
	}

	o.phaseImport(ctx, session, idx)
	moves := o.phaseUpdate(ctx, session, idx)
	o.phaseMoves(ctx, session, moves)
	if o.opts.SyncDeletions {
		o.phaseDeletions(ctx, session, idx)
	}

	session.Finish()
	return session, nil
}

// snapshots fetches both stores concurrently. The two fetches are
// independent; everything after operates on the materialized results.
func (o *Orchestrator) snapshots(ctx context.Context) ([]model.TaskRecord, []model.TaskRecord, error) {
	type snap struct {
		name model.StoreName
		recs []model.TaskRecord
		err  error
	}

	ch := make(chan snap, 2)
	for _, c := range []store.Client{o.a, o.b} {
		go func(c store.Client) {
			recs, err := c.ListAll(ctx)
			ch <- snap{name: c.Name(), recs: recs, err: err}
		}(c)
	}

	var aRecs, bRecs []model.TaskRecord
	for i := 0; i < 2; i++ {
		s := <-ch
		if s.err != nil {
			return nil, nil, fmt.Errorf("%w: %s: %w", ErrSnapshotFetch, s.name, s.err)
		}
		if s.name == o.a.Name() {
			aRecs = s.recs
		} else {
			bRecs = s.recs
		}
	}
	return aRecs, bRecs, nil
}

func (o *Orchestrator) clientFor(name model.StoreName) store.Client {
	if o.a.Name() == name {
		return o.a
	}
	return o.b
}

// eligible applies the sync window to creation candidates. Completed and
// undated records always qualify; the window only bounds dated, open
// tasks, so matching never misses an existing counterpart.
func (o *Orchestrator) eligible(rec *model.TaskRecord) bool {
	if rec.Deleted {
		return false
	}
	if rec.DueDate == nil || rec.Done {
		return true
	}
	now := o.now()
	if o.opts.PastWeeks >= 0 && rec.DueDate.Before(now.AddDate(0, 0, -7*o.opts.PastWeeks)) {
		return false
	}
	if o.opts.FutureWeeks >= 0 && rec.DueDate.After(now.AddDate(0, 0, 7*o.opts.FutureWeeks)) {
		return false
	}
	return true
}

// phaseImport creates counterparts for unmatched records in both
// directions, establishing new cross-references. Creations are collected
// first and dispatched as one group per target store.
func (o *Orchestrator) phaseImport(ctx context.Context, session *model.SyncSession, idx *Index) {
	type createOp struct {
		src    *model.TaskRecord
		target store.Client
	}

	var ops []createOp
	for _, rec := range idx.AOnly {
		if o.eligible(rec) {
			ops = append(ops, createOp{src: rec, target: o.b})
		}
	}
	for _, rec := range idx.BOnly {
		if o.eligible(rec) {
			ops = append(ops, createOp{src: rec, target: o.a})
		}
	}

	for _, op := range ops {
		o.createCounterpart(ctx, session, op.src, op.target)
	}
}

func (o *Orchestrator) createCounterpart(ctx context.Context, session *model.SyncSession, src *model.TaskRecord, target store.Client) {
	direction := model.Direction{From: src.Store, To: target.Name()}
	stamp := SyncStamp(o.now(), o.opts.StampSkew)

	rec := model.TaskRecord{
		Store:        target.Name(),
		ForeignID:    src.NativeID,
		Title:        src.Title,
		Done:         src.Done,
		DueDate:      src.DueDate,
		Description:  src.Description,
		Category:     src.Category,
		CategoryID:   src.CategoryID,
		LastSyncedAt: stamp,
	}
	if rec.CategoryID == "" && rec.Category != "" {
		listID, err := o.dispatch.ResolveCategory(ctx, o.mapper, rec.Category)
		if err != nil {
			// The record still syncs; it lands in the default list.
			o.log.Warn("category resolution failed, using default list",
				"task", src.Ref().String(), "category", rec.Category, "error", err)
			rec.Category = ""
		} else {
			rec.CategoryID = listID
		}
	}

	newID, err := o.dispatch.Create(ctx, target, rec)
	if err != nil {
		session.Record(model.SyncOutcome{
			Task:      src.Ref(),
			Direction: direction,
			Action:    model.ActionFailed,
			Error:     fmt.Errorf("%w: %w", ErrWrite, err).Error(),
		})
		return
	}

	// Write the issued id back onto the source record so the pair matches
	// on every future pass.
	link := *src
	link.ForeignID = newID
	link.CategoryID = rec.CategoryID
	link.LastSyncedAt = stamp
	outcome := model.SyncOutcome{
		Task:      src.Ref(),
		Direction: direction,
		Action:    model.ActionCreated,
	}
	if _, err := o.dispatch.Update(ctx, o.clientFor(src.Store), src.NativeID, store.Fields{
		Names:  []string{model.FieldForeignID, model.FieldLastSynced},
		Record: link,
	}); err != nil {
		outcome.Error = fmt.Errorf("created, but writing back cross-reference failed: %w", err).Error()
	}
	session.Record(outcome)
}

// phaseUpdate resolves every matched, non-deleted pair. Updates that move
// a record between categories are deferred to phaseMoves so list creation
// on the owning store can be batched.
func (o *Orchestrator) phaseUpdate(ctx context.Context, session *model.SyncSession, idx *Index) []Decision {
	var moves []Decision
	for _, p := range idx.Pairs {
		if p.A.Deleted || p.B.Deleted {
			continue
		}

		d := ResolvePair(p)
		switch d.Action {
		case model.ActionSkipped:
			session.Record(model.SyncOutcome{Task: d.Ref(), Action: model.ActionSkipped})
		case model.ActionConflict:
			session.Record(model.SyncOutcome{
				Task:          d.Ref(),
				Action:        model.ActionConflict,
				ChangedFields: d.Fields,
			})
		case model.ActionUpdated:
			if fieldsContain(d.Fields, model.FieldCategory) {
				moves = append(moves, d)
				continue
			}
			o.applyUpdate(ctx, session, d)
		}
	}
	return moves
}

// phaseMoves applies deferred category movements. Target lists are
// resolved first so each missing list is created once no matter how many
// tasks move into it.
func (o *Orchestrator) phaseMoves(ctx context.Context, session *model.SyncSession, moves []Decision) {
	seen := map[string]bool{}
	for _, d := range moves {
		label := categories.Normalize(d.Source.Category)
		if label == "" || seen[label] {
			continue
		}
		seen[label] = true
		if _, err := o.dispatch.ResolveCategory(ctx, o.mapper, d.Source.Category); err != nil {
			o.log.Warn("batched list creation failed", "category", d.Source.Category, "error", err)
		}
	}
	for _, d := range moves {
		o.applyUpdate(ctx, session, d)
	}
}

// applyUpdate pushes the decision's fields from source to target, then
// stamps both sides' sync markers. A category resolution failure drops
// only the category propagation; independent field updates still apply.
func (o *Orchestrator) applyUpdate(ctx context.Context, session *model.SyncSession, d Decision) {
	stamp := SyncStamp(o.now(), o.opts.StampSkew)
	target := o.clientFor(d.Target.Store)
	source := o.clientFor(d.Source.Store)

	fields := d.Fields
	desired := ApplyFields(d.Source, d.Target, fields)
	desired.LastSyncedAt = stamp

	var categoryErr error
	categoryChanged := fieldsContain(fields, model.FieldCategory)
	if categoryChanged {
		listID, err := o.dispatch.ResolveCategory(ctx, o.mapper, desired.Category)
		if err != nil {
			categoryErr = fmt.Errorf("%w: %w", ErrCategoryResolution, err)
			fields = fieldsWithout(fields, model.FieldCategory)
			categoryChanged = false
			desired.Category = d.Target.Category
			desired.CategoryID = d.Target.CategoryID
			if len(fields) == 0 {
				session.Record(model.SyncOutcome{
					Task:      d.Ref(),
					Direction: d.Direction(),
					Action:    model.ActionFailed,
					Error:     categoryErr.Error(),
				})
				return
			}
		} else {
			desired.CategoryID = listID
		}
	}

	names := append(append([]string{}, fields...), model.FieldLastSynced)
	newID, err := o.dispatch.Update(ctx, target, d.Target.NativeID, store.Fields{Names: names, Record: desired})
	if err != nil {
		session.Record(model.SyncOutcome{
			Task:      d.Ref(),
			Direction: d.Direction(),
			Action:    model.ActionFailed,
			Error:     fmt.Errorf("%w: %w", ErrWrite, err).Error(),
		})
		return
	}

	outcome := model.SyncOutcome{
		Task:          d.Ref(),
		Direction:     d.Direction(),
		Action:        model.ActionUpdated,
		ChangedFields: d.Fields,
	}
	if categoryErr != nil {
		outcome.Error = categoryErr.Error()
	}

	// Stamp the source side, refreshing its stored link when the target
	// store reissued the id (a cross-list move) or the grouping moved.
	link := *d.Source
	link.LastSyncedAt = stamp
	srcNames := []string{model.FieldLastSynced}
	if newID != d.Target.NativeID || categoryChanged {
		link.ForeignID = newID
		link.CategoryID = desired.CategoryID
		srcNames = append(srcNames, model.FieldForeignID)
	}
	if _, err := o.dispatch.Update(ctx, source, d.Source.NativeID, store.Fields{Names: srcNames, Record: link}); err != nil {
		outcome.Error = fmt.Errorf("updated, but stamping source failed: %w", err).Error()
	}
	session.Record(outcome)
}

// phaseDeletions propagates tombstones and converges orphaned links. A
// record deleted in one store and already absent from the other is
// converged, not an error.
func (o *Orchestrator) phaseDeletions(ctx context.Context, session *model.SyncSession, idx *Index) {
	for _, p := range idx.Pairs {
		switch {
		case p.A.Deleted && p.B.Deleted:
			session.Record(model.SyncOutcome{Task: p.A.Ref(), Action: model.ActionSkipped})
		case p.A.Deleted:
			o.propagateDelete(ctx, session, p.A, p.B)
		case p.B.Deleted:
			o.propagateDelete(ctx, session, p.B, p.A)
		}
	}

	for _, rec := range idx.AOrphans {
		o.convergeOrphan(ctx, session, rec)
	}
	for _, rec := range idx.BOrphans {
		o.convergeOrphan(ctx, session, rec)
	}
}

func (o *Orchestrator) propagateDelete(ctx context.Context, session *model.SyncSession, tombstone, victim *model.TaskRecord) {
	direction := model.Direction{From: tombstone.Store, To: victim.Store}
	if err := o.dispatch.Delete(ctx, o.clientFor(victim.Store), victim.NativeID); err != nil {
		session.Record(model.SyncOutcome{
			Task:      victim.Ref(),
			Direction: direction,
			Action:    model.ActionFailed,
			Error:     fmt.Errorf("%w: %w", ErrWrite, err).Error(),
		})
		return
	}

	// Both sides are gone (or going); drop the cross-reference so the
	// surviving tombstone never resurrects the pair.
	link := *tombstone
	link.ForeignID = ""
	if _, err := o.dispatch.Update(ctx, o.clientFor(tombstone.Store), tombstone.NativeID, store.Fields{
		Names:  []string{model.FieldForeignID},
		Record: link,
	}); err != nil {
		o.log.Warn("clearing cross-reference failed", "task", tombstone.Ref().String(), "error", err)
	}

	session.Record(model.SyncOutcome{
		Task:      victim.Ref(),
		Direction: direction,
		Action:    model.ActionDeleted,
	})
}

// convergeOrphan handles a linked record whose counterpart vanished: the
// counterpart was deleted in its home store, so the deletion propagates
// here. An orphan that is itself tombstoned is already converged.
func (o *Orchestrator) convergeOrphan(ctx context.Context, session *model.SyncSession, rec *model.TaskRecord) {
	if rec.Deleted {
		session.Record(model.SyncOutcome{Task: rec.Ref(), Action: model.ActionSkipped})
		return
	}

	direction := model.Direction{From: rec.Store.Other(), To: rec.Store}
	if err := o.dispatch.Delete(ctx, o.clientFor(rec.Store), rec.NativeID); err != nil {
		session.Record(model.SyncOutcome{
			Task:      rec.Ref(),
			Direction: direction,
			Action:    model.ActionFailed,
			Error:     fmt.Errorf("%w: %w", ErrWrite, err).Error(),
		})
		return
	}
	session.Record(model.SyncOutcome{
		Task:      rec.Ref(),
		Direction: direction,
		Action:    model.ActionDeleted,
	})
}

func fieldsContain(fields []string, name string) bool {
	for _, f := range fields {
		if f == name {
			return true
		}
	}
	return false
}

func fieldsWithout(fields []string, name string) []string {
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != name {
			out = append(out, f)
		}
	}
	return out
}
