package notion

import "time"

// Wire types for the slice of the Notion API the sync touches. Property
// values are polymorphic; each property decodes every shape it might hold
// and the accessors below pick the populated one.

type queryResponse struct {
	Results    []page `json:"results"`
	HasMore    bool   `json:"has_more"`
	NextCursor string `json:"next_cursor"`
}

type page struct {
	ID             string              `json:"id"`
	Archived       bool                `json:"archived"`
	LastEditedTime time.Time           `json:"last_edited_time"`
	Properties     map[string]property `json:"properties"`
}

type property struct {
	Type     string        `json:"type"`
	Title    []richText    `json:"title"`
	RichText []richText    `json:"rich_text"`
	Checkbox bool          `json:"checkbox"`
	Select   *selectOption `json:"select"`
	Date     *dateValue    `json:"date"`
}

type richText struct {
	PlainText string       `json:"plain_text"`
	Text      *textContent `json:"text,omitempty"`
	Type      string       `json:"type,omitempty"`
}

type textContent struct {
	Content string `json:"content"`
}

type selectOption struct {
	Name string `json:"name"`
}

type dateValue struct {
	Start string `json:"start"`
}

// plainText concatenates the rich text (or title) segments of a property.
func (p page) plainText(name string) string {
	prop, ok := p.Properties[name]
	if !ok {
		return ""
	}
	segments := prop.RichText
	if prop.Type == "title" {
		segments = prop.Title
	}
	var out string
	for _, seg := range segments {
		out += seg.PlainText
	}
	return out
}

func (p page) checkbox(name string) bool {
	return p.Properties[name].Checkbox
}

func (p page) selectName(name string) string {
	prop, ok := p.Properties[name]
	if !ok || prop.Select == nil {
		return ""
	}
	return prop.Select.Name
}

func (p page) dateStart(name string) string {
	prop, ok := p.Properties[name]
	if !ok || prop.Date == nil {
		return ""
	}
	return prop.Date.Start
}

// Property builders for writes. An empty string clears a rich text or
// select property rather than writing an empty value.

func titleProp(s string) map[string]any {
	return map[string]any{
		"title": []map[string]any{
			{"text": map[string]any{"content": s}},
		},
	}
}

func richTextProp(s string) map[string]any {
	if s == "" {
		return map[string]any{"rich_text": []any{}}
	}
	return map[string]any{
		"rich_text": []map[string]any{
			{"text": map[string]any{"content": s}},
		},
	}
}

func checkboxProp(b bool) map[string]any {
	return map[string]any{"checkbox": b}
}

func selectProp(name string) map[string]any {
	if name == "" {
		return map[string]any{"select": nil}
	}
	return map[string]any{"select": map[string]any{"name": name}}
}

func dateProp(t *time.Time) map[string]any {
	if t == nil {
		return map[string]any{"date": nil}
	}
	return map[string]any{
		"date": map[string]any{"start": t.UTC().Format("2006-01-02")},
	}
}

func dateTimeProp(t time.Time) map[string]any {
	return map[string]any{
		"date": map[string]any{"start": t.UTC().Format(time.RFC3339)},
	}
}
