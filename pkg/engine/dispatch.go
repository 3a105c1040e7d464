package engine

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/api/googleapi"

	"github.com/harrisonrobin/tasksync/pkg/categories"
	"github.com/harrisonrobin/tasksync/pkg/model"
	"github.com/harrisonrobin/tasksync/pkg/store"
)

// Dispatcher executes the mutations the orchestrator derives. The live
// implementation calls the store clients with bounded retries; the dry-run
// implementation records nothing and touches neither store.
//
// Category resolution goes through the dispatcher too: resolving an
// unmapped label creates a list in the owning store, which is a write
// like any other.
type Dispatcher interface {
	Create(ctx context.Context, target store.Client, rec model.TaskRecord) (string, error)
	Update(ctx context.Context, target store.Client, nativeID string, fields store.Fields) (string, error)
	Delete(ctx context.Context, target store.Client, nativeID string) error
	ResolveCategory(ctx context.Context, m *categories.Mapper, label string) (string, error)
}

const (
	writeAttempts = 3
	writeBackoff  = 500 * time.Millisecond
)

type liveDispatcher struct {
	log *slog.Logger
}

func (d *liveDispatcher) Create(ctx context.Context, target store.Client, rec model.TaskRecord) (string, error) {
	var id string
	err := d.retry(ctx, "create", func() error {
		var err error
		id, err = target.Create(ctx, rec)
		return err
	})
	return id, err
}

func (d *liveDispatcher) Update(ctx context.Context, target store.Client, nativeID string, fields store.Fields) (string, error) {
	id := nativeID
	err := d.retry(ctx, "update", func() error {
		var err error
		id, err = target.Update(ctx, nativeID, fields)
		return err
	})
	return id, err
}

func (d *liveDispatcher) Delete(ctx context.Context, target store.Client, nativeID string) error {
	return d.retry(ctx, "delete", func() error {
		return target.Delete(ctx, nativeID)
	})
}

func (d *liveDispatcher) ResolveCategory(ctx context.Context, m *categories.Mapper, label string) (string, error) {
	// The mapper already retries the lookup once on a create rejection.
	return m.Resolve(ctx, label)
}

// retry runs fn up to writeAttempts times with doubling backoff. Only
// rate-limit and transient network failures retry; anything else fails the
// single record immediately.
func (d *liveDispatcher) retry(ctx context.Context, op string, fn func() error) error {
	delay := writeBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || attempt >= writeAttempts || !Retryable(err) {
			return err
		}
		d.log.Warn("retrying write", "op", op, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
}

// Retryable reports whether a write failure is worth another attempt:
// HTTP 429 or a 5xx from either store, or a network timeout.
func Retryable(err error) bool {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code == 429 || gerr.Code >= 500
	}
	var coder interface{ StatusCode() int }
	if errors.As(err, &coder) {
		code := coder.StatusCode()
		return code == 429 || code >= 500
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return nerr.Timeout()
	}
	return false
}

// dryRunDispatcher satisfies Dispatcher without touching either store.
// Decision logic upstream is identical; only the mutation step is a no-op.
type dryRunDispatcher struct{}

func (dryRunDispatcher) Create(_ context.Context, _ store.Client, _ model.TaskRecord) (string, error) {
	return "dry-run", nil
}

func (dryRunDispatcher) Update(_ context.Context, _ store.Client, nativeID string, _ store.Fields) (string, error) {
	return nativeID, nil
}

func (dryRunDispatcher) Delete(_ context.Context, _ store.Client, _ string) error {
	return nil
}

// ResolveCategory answers from the mapper's current view and reports a
// placeholder id for labels whose list a live run would create.
func (dryRunDispatcher) ResolveCategory(_ context.Context, m *categories.Mapper, label string) (string, error) {
	if id, ok := m.Lookup(label); ok {
		return id, nil
	}
	return "dry-run", nil
}
