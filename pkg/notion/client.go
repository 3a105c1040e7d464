// Package notion is the Notion store client. Tasks live as pages in a
// single database; the integration's link fields (the Google task and
// list ids, the last-synced stamp, the deleted flag) are regular database
// properties, so the Google side never needs to store anything.
package notion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/harrisonrobin/tasksync/pkg/config"
	"github.com/harrisonrobin/tasksync/pkg/model"
	"github.com/harrisonrobin/tasksync/pkg/store"
)

// HTTPDoer abstracts the HTTP transport for testing.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// StatusError is a non-2xx Notion API response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("notion api: status %d: %s", e.Code, e.Message)
}

// StatusCode returns the HTTP status, used to classify retryable failures.
func (e *StatusError) StatusCode() int { return e.Code }

// Client implements store.Client over the Notion REST API.
type Client struct {
	http  HTTPDoer
	cfg   config.Notion
	props config.NotionProperties
	log   *slog.Logger
}

// New builds the client. Pass nil for httpClient to use the default.
func New(httpClient HTTPDoer, cfg config.Notion, log *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{http: httpClient, cfg: cfg, props: cfg.Properties, log: log}
}

var _ store.Client = (*Client)(nil)

func (c *Client) Name() model.StoreName { return model.StoreNotion }

// ListAll pages through the database query endpoint and materializes every
// live page. Archived pages are invisible to queries and treated as gone.
func (c *Client) ListAll(ctx context.Context) ([]model.TaskRecord, error) {
	var records []model.TaskRecord
	cursor := ""
	for {
		body := map[string]any{"page_size": 100}
		if cursor != "" {
			body["start_cursor"] = cursor
		}

		var resp queryResponse
		path := fmt.Sprintf("/v1/databases/%s/query", c.cfg.DatabaseID)
		if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
			return nil, fmt.Errorf("query database: %w", err)
		}

		for _, pg := range resp.Results {
			if pg.Archived {
				continue
			}
			rec, err := c.toRecord(pg)
			if err != nil {
				c.log.Warn("skipping unparseable page", "page", pg.ID, "error", err)
				continue
			}
			records = append(records, rec)
		}

		if !resp.HasMore {
			break
		}
		cursor = resp.NextCursor
	}
	return records, nil
}

// Create adds a new page carrying the task fields plus the cross-reference
// back to the Google record.
func (c *Client) Create(ctx context.Context, rec model.TaskRecord) (string, error) {
	props := map[string]any{
		c.props.Title: titleProp(rec.Title),
		c.props.Done:  checkboxProp(rec.Done),
	}
	if c.props.Description != "" {
		props[c.props.Description] = richTextProp(rec.Description)
	}
	if c.props.DueDate != "" {
		props[c.props.DueDate] = dateProp(rec.DueDate)
	}
	if c.props.Category != "" && rec.Category != "" {
		props[c.props.Category] = selectProp(rec.Category)
	}
	props[c.props.ForeignTaskID] = richTextProp(rec.ForeignID)
	props[c.props.ForeignListID] = richTextProp(rec.CategoryID)
	if !rec.LastSyncedAt.IsZero() {
		props[c.props.LastSynced] = dateTimeProp(rec.LastSyncedAt)
	}
	if c.props.Deleted != "" {
		props[c.props.Deleted] = checkboxProp(false)
	}

	body := map[string]any{
		"parent":     map[string]any{"database_id": c.cfg.DatabaseID},
		"properties": props,
	}

	var pg page
	if err := c.do(ctx, http.MethodPost, "/v1/pages", body, &pg); err != nil {
		return "", fmt.Errorf("create page: %w", err)
	}
	return pg.ID, nil
}

// Update patches only the named fields on the page. Notion updates in
// place, so the native id never changes.
func (c *Client) Update(ctx context.Context, nativeID string, fields store.Fields) (string, error) {
	props := map[string]any{}
	if fields.Has(model.FieldTitle) {
		props[c.props.Title] = titleProp(fields.Record.Title)
	}
	if fields.Has(model.FieldDone) {
		props[c.props.Done] = checkboxProp(fields.Record.Done)
	}
	if fields.Has(model.FieldDescription) && c.props.Description != "" {
		props[c.props.Description] = richTextProp(fields.Record.Description)
	}
	if fields.Has(model.FieldDueDate) && c.props.DueDate != "" {
		props[c.props.DueDate] = dateProp(fields.Record.DueDate)
	}
	if fields.Has(model.FieldCategory) && c.props.Category != "" {
		props[c.props.Category] = selectProp(fields.Record.Category)
		props[c.props.ForeignListID] = richTextProp(fields.Record.CategoryID)
	}
	if fields.Has(model.FieldForeignID) {
		props[c.props.ForeignTaskID] = richTextProp(fields.Record.ForeignID)
		props[c.props.ForeignListID] = richTextProp(fields.Record.CategoryID)
	}
	if fields.Has(model.FieldLastSynced) {
		props[c.props.LastSynced] = dateTimeProp(fields.Record.LastSyncedAt)
	}
	if len(props) == 0 {
		return nativeID, nil
	}

	body := map[string]any{"properties": props}
	if err := c.do(ctx, http.MethodPatch, "/v1/pages/"+nativeID, body, nil); err != nil {
		return "", fmt.Errorf("update page %s: %w", nativeID, err)
	}
	return nativeID, nil
}

// Delete archives the page. Notion has no hard delete over the API; an
// archived page disappears from queries, which is all the sync needs. An
// already-archived page counts as success.
func (c *Client) Delete(ctx context.Context, nativeID string) error {
	body := map[string]any{"archived": true}
	err := c.do(ctx, http.MethodPatch, "/v1/pages/"+nativeID, body, nil)
	var serr *StatusError
	if errors.As(err, &serr) && serr.Code == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("archive page %s: %w", nativeID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	req.Header.Set("Notion-Version", c.cfg.Version)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := struct {
			Message string `json:"message"`
		}{}
		_ = json.Unmarshal(data, &msg)
		if msg.Message == "" {
			msg.Message = http.StatusText(resp.StatusCode)
		}
		return &StatusError{Code: resp.StatusCode, Message: msg.Message}
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

func (c *Client) toRecord(pg page) (model.TaskRecord, error) {
	rec := model.TaskRecord{
		Store:     model.StoreNotion,
		NativeID:  pg.ID,
		UpdatedAt: pg.LastEditedTime,
	}

	rec.Title = pg.plainText(c.props.Title)
	rec.Done = pg.checkbox(c.props.Done)
	rec.Description = pg.plainText(c.props.Description)
	rec.Category = pg.selectName(c.props.Category)
	rec.ForeignID = pg.plainText(c.props.ForeignTaskID)
	rec.CategoryID = pg.plainText(c.props.ForeignListID)
	rec.Deleted = pg.checkbox(c.props.Deleted)

	if start := pg.dateStart(c.props.DueDate); start != "" {
		due, err := parseNotionDate(start)
		if err != nil {
			return model.TaskRecord{}, fmt.Errorf("due date: %w", err)
		}
		rec.DueDate = &due
	}
	if start := pg.dateStart(c.props.LastSynced); start != "" {
		synced, err := parseNotionDate(start)
		if err != nil {
			return model.TaskRecord{}, fmt.Errorf("last synced: %w", err)
		}
		rec.LastSyncedAt = synced
	}
	return rec, nil
}

// parseNotionDate accepts both shapes Notion emits: a full timestamp or a
// bare date.
func parseNotionDate(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("unrecognized date %q", s)
	}
	return t, nil
}
