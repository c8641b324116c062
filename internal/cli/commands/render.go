package commands

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/leapstack-labs/leapexplore/internal/cli/config"
	"github.com/leapstack-labs/leapexplore/internal/engine"
	"github.com/leapstack-labs/leapexplore/internal/runlog"
	"github.com/leapstack-labs/leapexplore/internal/topvalues"
)

// renderResult writes res in format.
func renderResult(w io.Writer, res *engine.Result, format string) error {
	if res == nil {
		_, _ = fmt.Fprintln(w, "(no result)")
		return nil
	}

	cols := make([]string, len(res.Columns))
	for i, c := range res.Columns {
		cols[i] = c.Name
	}

	switch format {
	case config.OutputJSON:
		return renderJSON(w, res)
	case config.OutputCSV:
		return renderCSV(w, cols, res.Rows)
	case config.OutputMarkdown:
		return renderMarkdown(w, cols, res.Rows)
	default:
		renderTable(w, cols, res.Rows)
		footer := fmt.Sprintf("(%d rows", res.RowCount)
		if res.Truncated {
			footer += ", truncated"
		}
		_, _ = fmt.Fprintf(w, "%s, %s)\n", footer, res.Duration.Round(time.Millisecond))
		return nil
	}
}

func renderTable(w io.Writer, cols []string, rows [][]any) {
	if len(rows) == 0 {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)

	header := make(table.Row, len(cols))
	for i, col := range cols {
		header[i] = col
	}
	t.AppendHeader(header)

	for _, r := range rows {
		row := make(table.Row, len(r))
		for i, v := range r {
			row[i] = formatValue(v)
		}
		t.AppendRow(row)
	}
	t.Render()
}

func renderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func renderCSV(w io.Writer, cols []string, rows [][]any) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(cols); err != nil {
		return err
	}
	for _, r := range rows {
		record := make([]string, len(r))
		for i, v := range r {
			record[i] = formatValue(v)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func renderMarkdown(w io.Writer, cols []string, rows [][]any) error {
	t := table.NewWriter()
	t.SetOutputMirror(w)

	header := make(table.Row, len(cols))
	for i, col := range cols {
		header[i] = col
	}
	t.AppendHeader(header)
	for _, r := range rows {
		row := make(table.Row, len(r))
		for i, v := range r {
			row[i] = formatValue(v)
		}
		t.AppendRow(row)
	}
	t.RenderMarkdown()
	return nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	case time.Time:
		return val.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderRuns writes recorded runs in format.
func renderRuns(w io.Writer, runs []runlog.Run, format string) error {
	if format == config.OutputJSON {
		return renderJSON(w, runs)
	}

	cols := []string{"started", "status", "rows", "duration", "name", "query", "error"}
	rows := make([][]any, len(runs))
	for i, r := range runs {
		rows[i] = []any{
			r.StartedAt.Local().Format("2006-01-02 15:04:05"),
			string(r.Status),
			r.Rows,
			r.Duration.Round(time.Millisecond).String(),
			r.Name,
			oneLine(r.Query, 60),
			oneLine(r.Error, 40),
		}
	}

	switch format {
	case config.OutputCSV:
		return renderCSV(w, cols, rows)
	case config.OutputMarkdown:
		return renderMarkdown(w, cols, rows)
	default:
		if len(runs) == 0 {
			_, _ = fmt.Fprintln(w, "No runs recorded.")
			return nil
		}
		renderTable(w, cols, rows)
		return nil
	}
}

// renderTopValues writes field summaries in format.
func renderTopValues(w io.Writer, source string, fields []topvalues.FieldValues, format string) error {
	if format == config.OutputJSON {
		return renderJSON(w, map[string]any{"source": source, "fields": fields})
	}
	if fields == nil {
		_, _ = fmt.Fprintf(w, "No top values available for %q.\n", source)
		return nil
	}

	cols := []string{"field", "value", "count"}
	var rows [][]any
	for _, f := range fields {
		for _, v := range f.Values {
			rows = append(rows, []any{f.Field, v.Value, v.Count})
		}
	}

	switch format {
	case config.OutputCSV:
		return renderCSV(w, cols, rows)
	case config.OutputMarkdown:
		return renderMarkdown(w, cols, rows)
	default:
		renderTable(w, cols, rows)
		return nil
	}
}

// oneLine collapses whitespace and cuts s to at most n runes.
func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
