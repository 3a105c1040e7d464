// Package report renders a sync session for humans and machines.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/harrisonrobin/tasksync/pkg/model"
)

// RenderJSON writes the full session as indented JSON.
func RenderJSON(w io.Writer, s *model.SyncSession) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(s)
}

// RenderTable writes the session summary and per-task details as rounded
// tables. Skipped outcomes are summarized but not listed row by row.
func RenderTable(w io.Writer, s *model.SyncSession) error {
	title := "Sync complete"
	if s.DryRun {
		title = "Sync complete (dry run, no changes written)"
	}
	fmt.Fprintf(w, "%s in %s\n\n", title, s.Elapsed.Round(time.Millisecond))

	summary := table.NewWriter()
	summary.SetStyle(table.StyleRounded)
	summary.AppendHeader(table.Row{"Action", "Count"})
	for _, action := range model.Actions {
		if n := s.CountByAction(action); n > 0 {
			summary.AppendRow(table.Row{string(action), n})
		}
	}
	gToN := model.Direction{From: model.StoreGoogle, To: model.StoreNotion}
	nToG := model.Direction{From: model.StoreNotion, To: model.StoreGoogle}
	summary.AppendFooter(table.Row{gToN.String(), s.CountByDirection(gToN)})
	summary.AppendFooter(table.Row{nToG.String(), s.CountByDirection(nToG)})
	summary.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignLeft},
		{Number: 2, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	fmt.Fprintln(w, summary.Render())

	details := detailRows(s)
	if len(details) > 0 {
		fmt.Fprintln(w)
		tw := table.NewWriter()
		tw.SetStyle(table.StyleRounded)
		tw.AppendHeader(table.Row{"Task", "Direction", "Action", "Fields", "Error"})
		for _, row := range details {
			tw.AppendRow(row)
		}
		fmt.Fprintln(w, tw.Render())
	}

	if len(s.Errors) > 0 {
		fmt.Fprintf(w, "\n%d error(s):\n", len(s.Errors))
		for _, e := range s.Errors {
			fmt.Fprintf(w, "  - %s\n", e)
		}
	}
	return nil
}

func detailRows(s *model.SyncSession) []table.Row {
	var rows []table.Row
	for _, o := range s.Outcomes {
		if o.Action == model.ActionSkipped {
			continue
		}
		title := o.Task.Title
		if title == "" {
			title = o.Task.String()
		}
		rows = append(rows, table.Row{
			truncate(title, 40),
			o.Direction.String(),
			string(o.Action),
			strings.Join(o.ChangedFields, ", "),
			truncate(o.Error, 60),
		})
	}
	return rows
}

func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max-1]) + "…"
}
