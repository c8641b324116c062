package commands

import (
	"bytes"
	"testing"
	"time"

	"github.com/leapstack-labs/leapexplore/internal/cli/config"
	"github.com/leapstack-labs/leapexplore/internal/engine"
	"github.com/leapstack-labs/leapexplore/internal/runlog"
	"github.com/leapstack-labs/leapexplore/internal/topvalues"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult() *engine.Result {
	return &engine.Result{
		Columns: []engine.Column{{Name: "name", Type: "VARCHAR"}, {Name: "note", Type: "VARCHAR"}},
		Rows: [][]any{
			{"alice", "says \"hi\", twice"},
			{"bob", nil},
		},
		RowCount:  2,
		Truncated: true,
		Duration:  1500 * time.Microsecond,
	}
}

func TestRenderResult(t *testing.T) {
	tests := []struct {
		format string
		want   []string
	}{
		{format: config.OutputTable, want: []string{"alice", "NULL", "(2 rows, truncated, 2ms)"}},
		{format: config.OutputCSV, want: []string{"name,note\n", `alice,"says ""hi"", twice"`, "bob,NULL\n"}},
		{format: config.OutputMarkdown, want: []string{"| name | note |", "| bob | NULL |"}},
		{format: config.OutputJSON, want: []string{`"row_count": 2`, `"truncated": true`}},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			var buf bytes.Buffer
			require.NoError(t, renderResult(&buf, sampleResult(), tt.format))
			for _, want := range tt.want {
				assert.Contains(t, buf.String(), want)
			}
		})
	}
}

func TestRenderResult_Nil(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, renderResult(&buf, nil, config.OutputTable))
	assert.Equal(t, "(no result)\n", buf.String())
}

func TestRenderRuns(t *testing.T) {
	runs := []runlog.Run{{
		Query:     "SELECT *\n  FROM orders",
		Status:    runlog.StatusFailed,
		Error:     "runtime_failed: boom",
		Duration:  time.Second,
		StartedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}}

	var buf bytes.Buffer
	require.NoError(t, renderRuns(&buf, runs, config.OutputCSV))
	assert.Contains(t, buf.String(), "started,status,rows,duration,name,query,error\n")
	assert.Contains(t, buf.String(), "failed,0,1s,,SELECT * FROM orders,runtime_failed: boom")

	buf.Reset()
	require.NoError(t, renderRuns(&buf, nil, config.OutputTable))
	assert.Equal(t, "No runs recorded.\n", buf.String())
}

func TestRenderTopValues(t *testing.T) {
	fields := []topvalues.FieldValues{{
		Field:  "status",
		Values: []engine.ValueCount{{Value: "complete", Count: 3}, {Value: "cancelled", Count: 1}},
	}}

	var buf bytes.Buffer
	require.NoError(t, renderTopValues(&buf, "orders", fields, config.OutputCSV))
	assert.Equal(t, "field,value,count\nstatus,complete,3\nstatus,cancelled,1\n", buf.String())

	buf.Reset()
	require.NoError(t, renderTopValues(&buf, "orders", nil, config.OutputTable))
	assert.Contains(t, buf.String(), `No top values available for "orders"`)
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "NULL", formatValue(nil))
	assert.Equal(t, "abc", formatValue([]byte("abc")))
	assert.Equal(t, "42", formatValue(int64(42)))
	assert.Equal(t, "2024-01-02T03:04:05Z", formatValue(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)))
}

func TestOneLine(t *testing.T) {
	assert.Equal(t, "a b c", oneLine("a\n  b\tc", 10))
	assert.Equal(t, "abcd…", oneLine("abcdefgh", 5))
}
