// Package gtasks is the Google Tasks store client. Tasks are grouped
// into lists; the list is the category surface the sync maps to Notion
// select options.
package gtasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	"google.golang.org/api/tasks/v1"

	"github.com/harrisonrobin/tasksync/pkg/model"
	"github.com/harrisonrobin/tasksync/pkg/store"
)

// The Tasks API serializes due dates as RFC3339 with the time portion
// zeroed; only the date is significant.
const dueFormat = "2006-01-02T15:04:05.000Z"

const (
	statusNeedsAction = "needsAction"
	statusCompleted   = "completed"
)

// Client implements store.Client and store.CategoryOwner over the Google
// Tasks API. It caches the tasklist inventory and which list each task
// lives in, so partial updates can find and, when needed, move records.
type Client struct {
	srv         *tasks.Service
	defaultList string
	log         *slog.Logger

	mu             sync.Mutex
	listIDByTitle  map[string]string
	listTitleByID  map[string]string
	listIDByTaskID map[string]string
}

// New builds the client over an authenticated HTTP client.
func New(ctx context.Context, httpClient *http.Client, defaultList string, log *slog.Logger) (*Client, error) {
	srv, err := tasks.NewService(ctx, option.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("create tasks service: %w", err)
	}
	return &Client{
		srv:            srv,
		defaultList:    defaultList,
		log:            log,
		listIDByTitle:  map[string]string{},
		listTitleByID:  map[string]string{},
		listIDByTaskID: map[string]string{},
	}, nil
}

var (
	_ store.Client        = (*Client)(nil)
	_ store.CategoryOwner = (*Client)(nil)
)

func (c *Client) Name() model.StoreName { return model.StoreGoogle }

// refreshLists reloads the tasklist inventory into the title/id caches.
func (c *Client) refreshLists(ctx context.Context) ([]store.Category, error) {
	var cats []store.Category
	pageToken := ""
	for {
		call := c.srv.Tasklists.List().MaxResults(100).Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}
		resp, err := call.Do()
		if err != nil {
			return nil, fmt.Errorf("list tasklists: %w", err)
		}
		for _, tl := range resp.Items {
			cats = append(cats, store.Category{ID: tl.Id, Label: tl.Title})
		}
		if resp.NextPageToken == "" {
			break
		}
		pageToken = resp.NextPageToken
	}

	c.mu.Lock()
	c.listIDByTitle = make(map[string]string, len(cats))
	c.listTitleByID = make(map[string]string, len(cats))
	for _, cat := range cats {
		c.listIDByTitle[cat.Label] = cat.ID
		c.listTitleByID[cat.ID] = cat.Label
	}
	c.mu.Unlock()
	return cats, nil
}

// ListCategories returns every tasklist as a category.
func (c *Client) ListCategories(ctx context.Context) ([]store.Category, error) {
	return c.refreshLists(ctx)
}

// CreateCategory creates a new tasklist with the given title.
func (c *Client) CreateCategory(ctx context.Context, label string) (string, error) {
	tl, err := c.srv.Tasklists.Insert(&tasks.TaskList{Title: label}).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("create tasklist %q: %w", label, err)
	}
	c.mu.Lock()
	c.listIDByTitle[label] = tl.Id
	c.listTitleByID[tl.Id] = label
	c.mu.Unlock()
	return tl.Id, nil
}

// ListAll fetches every task across every list, including completed and
// hidden tasks. Excluding them would make old synced tasks look new on the
// other side and duplicate them.
func (c *Client) ListAll(ctx context.Context) ([]model.TaskRecord, error) {
	cats, err := c.refreshLists(ctx)
	if err != nil {
		return nil, err
	}

	var records []model.TaskRecord
	taskList := map[string]string{}
	for _, cat := range cats {
		pageToken := ""
		for {
			call := c.srv.Tasks.List(cat.ID).
				ShowCompleted(true).
				ShowHidden(true).
				ShowDeleted(true).
				MaxResults(100).
				Context(ctx)
			if pageToken != "" {
				call = call.PageToken(pageToken)
			}
			resp, err := call.Do()
			if err != nil {
				return nil, fmt.Errorf("list tasks in %q: %w", cat.Label, err)
			}
			for _, t := range resp.Items {
				rec, err := toRecord(t, cat)
				if err != nil {
					c.log.Warn("skipping unparseable task", "list", cat.Label, "task", t.Id, "error", err)
					continue
				}
				records = append(records, rec)
				taskList[t.Id] = cat.ID
			}
			if resp.NextPageToken == "" {
				break
			}
			pageToken = resp.NextPageToken
		}
	}

	c.mu.Lock()
	c.listIDByTaskID = taskList
	c.mu.Unlock()
	return records, nil
}

func toRecord(t *tasks.Task, cat store.Category) (model.TaskRecord, error) {
	rec := model.TaskRecord{
		Store:       model.StoreGoogle,
		NativeID:    t.Id,
		Title:       t.Title,
		Done:        t.Status == statusCompleted,
		Description: t.Notes,
		Category:    cat.Label,
		CategoryID:  cat.ID,
		Deleted:     t.Deleted,
	}
	if t.Due != "" {
		due, err := time.Parse(time.RFC3339, t.Due)
		if err != nil {
			return model.TaskRecord{}, fmt.Errorf("parse due %q: %w", t.Due, err)
		}
		rec.DueDate = &due
	}
	if t.Updated != "" {
		updated, err := time.Parse(time.RFC3339, t.Updated)
		if err != nil {
			return model.TaskRecord{}, fmt.Errorf("parse updated %q: %w", t.Updated, err)
		}
		rec.UpdatedAt = updated
	}
	return rec, nil
}

func fromRecord(rec model.TaskRecord) *tasks.Task {
	t := &tasks.Task{
		Title:  rec.Title,
		Notes:  rec.Description,
		Status: statusNeedsAction,
	}
	if rec.Done {
		t.Status = statusCompleted
	}
	if rec.DueDate != nil {
		d := rec.DueDate.UTC()
		t.Due = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).Format(dueFormat)
	}
	return t
}

// targetList picks the list a new record belongs in, creating the default
// list if the account has none matching.
func (c *Client) targetList(ctx context.Context, rec model.TaskRecord) (string, error) {
	if rec.CategoryID != "" {
		return rec.CategoryID, nil
	}

	c.mu.Lock()
	id, ok := c.listIDByTitle[c.defaultList]
	c.mu.Unlock()
	if ok {
		return id, nil
	}

	if _, err := c.refreshLists(ctx); err != nil {
		return "", err
	}
	c.mu.Lock()
	id, ok = c.listIDByTitle[c.defaultList]
	c.mu.Unlock()
	if ok {
		return id, nil
	}
	return c.CreateCategory(ctx, c.defaultList)
}

// Create inserts the record into its category's list, or the default list
// when it carries none.
func (c *Client) Create(ctx context.Context, rec model.TaskRecord) (string, error) {
	listID, err := c.targetList(ctx, rec)
	if err != nil {
		return "", err
	}

	t, err := c.srv.Tasks.Insert(listID, fromRecord(rec)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert task: %w", err)
	}
	c.mu.Lock()
	c.listIDByTaskID[t.Id] = listID
	c.mu.Unlock()
	return t.Id, nil
}

// Update patches the named fields. A category change cannot be patched in
// place: the API has no cross-list move, so the task is re-inserted into
// the target list and the original deleted, and the new id is returned.
func (c *Client) Update(ctx context.Context, nativeID string, fields store.Fields) (string, error) {
	c.mu.Lock()
	listID, ok := c.listIDByTaskID[nativeID]
	c.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("task %s: owning list unknown (snapshot stale)", nativeID)
	}

	if fields.Has(model.FieldCategory) && fields.Record.CategoryID != "" && fields.Record.CategoryID != listID {
		return c.move(ctx, nativeID, listID, fields)
	}

	patch := &tasks.Task{}
	var apply bool
	if fields.Has(model.FieldTitle) {
		patch.Title = fields.Record.Title
		apply = true
	}
	if fields.Has(model.FieldDone) {
		patch.Status = statusNeedsAction
		if fields.Record.Done {
			patch.Status = statusCompleted
		} else {
			// Reopening needs the completion timestamp cleared too.
			patch.ForceSendFields = append(patch.ForceSendFields, "Status")
			patch.NullFields = append(patch.NullFields, "Completed")
		}
		apply = true
	}
	if fields.Has(model.FieldDescription) {
		patch.Notes = fields.Record.Description
		patch.ForceSendFields = append(patch.ForceSendFields, "Notes")
		apply = true
	}
	if fields.Has(model.FieldDueDate) {
		if fields.Record.DueDate != nil {
			d := fields.Record.DueDate.UTC()
			patch.Due = time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC).Format(dueFormat)
		} else {
			patch.NullFields = append(patch.NullFields, "Due")
		}
		apply = true
	}
	if !apply {
		// The sync stamp lives on the Notion side only; nothing to write here.
		return nativeID, nil
	}

	t, err := c.srv.Tasks.Patch(listID, nativeID, patch).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("patch task %s: %w", nativeID, err)
	}
	return t.Id, nil
}

// move re-homes a task into another list by insert+delete. The caller gets
// the newly issued id and must update the counterpart's stored link.
func (c *Client) move(ctx context.Context, nativeID, fromList string, fields store.Fields) (string, error) {
	desired := fields.Record
	created, err := c.srv.Tasks.Insert(desired.CategoryID, fromRecord(desired)).Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("insert moved task: %w", err)
	}

	if err := c.srv.Tasks.Delete(fromList, nativeID).Context(ctx).Do(); err != nil && !isNotFound(err) {
		// The original survives alongside the copy; surface it rather than
		// guessing which to keep.
		return created.Id, fmt.Errorf("delete original after move (task now duplicated): %w", err)
	}

	c.mu.Lock()
	delete(c.listIDByTaskID, nativeID)
	c.listIDByTaskID[created.Id] = desired.CategoryID
	c.mu.Unlock()

	c.log.Debug("moved task across lists", "old_id", nativeID, "new_id", created.Id)
	return created.Id, nil
}

// Delete removes the task. A task already gone counts as success.
func (c *Client) Delete(ctx context.Context, nativeID string) error {
	c.mu.Lock()
	listID, ok := c.listIDByTaskID[nativeID]
	c.mu.Unlock()
	if !ok {
		return nil
	}
	err := c.srv.Tasks.Delete(listID, nativeID).Context(ctx).Do()
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("delete task %s: %w", nativeID, err)
	}
	return nil
}

func isNotFound(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusNotFound
}
