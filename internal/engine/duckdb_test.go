package engine

import (
	"context"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openMemory(t *testing.T) *DuckDB {
	t.Helper()
	e, err := Open(context.Background(), Config{Path: ":memory:", Threads: 1, TempDir: t.TempDir()}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

const ordersCSV = "id,category,price\n1,books,10.5\n2,books,3\n3,games,20\n4,toys,1\n5,books,2\n"

func TestDuckDB_RegisterAndList(t *testing.T) {
	ctx := context.Background()
	e := openMemory(t)

	tables, err := e.Tables(ctx)
	require.NoError(t, err)
	assert.Empty(t, tables)

	require.NoError(t, e.RegisterCSV(ctx, "Orders", strings.NewReader(ordersCSV)))

	tables, err = e.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"orders"}, tables)

	cols, err := e.TableColumns(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, "category", cols[1].Name)

	// Re-registering replaces the table.
	require.NoError(t, e.RegisterCSV(ctx, "orders", strings.NewReader("id\n1\n")))
	cols, err = e.TableColumns(ctx, "orders")
	require.NoError(t, err)
	assert.Len(t, cols, 1)
}

func TestDuckDB_Query(t *testing.T) {
	ctx := context.Background()
	e := openMemory(t)
	require.NoError(t, e.RegisterCSV(ctx, "orders", strings.NewReader(ordersCSV)))

	tests := []struct {
		name      string
		sql       string
		maxRows   int
		wantRows  int
		truncated bool
	}{
		{"all rows", "SELECT * FROM orders", 0, 5, false},
		{"bounded", "SELECT * FROM orders", 2, 2, true},
		{"exact bound", "SELECT * FROM orders", 5, 5, false},
		{"aggregate", "SELECT category, count(*) FROM orders GROUP BY 1", 10, 3, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Query(ctx, tt.sql, tt.maxRows)
			require.NoError(t, err)
			assert.Equal(t, tt.wantRows, res.RowCount)
			assert.Len(t, res.Rows, tt.wantRows)
			assert.Equal(t, tt.truncated, res.Truncated)
			assert.NotEmpty(t, res.Columns)
		})
	}

	_, err := e.Query(ctx, "SELECT * FROM missing", 10)
	assert.Error(t, err)
}

func TestDuckDB_TopValues(t *testing.T) {
	ctx := context.Background()
	e := openMemory(t)
	require.NoError(t, e.RegisterCSV(ctx, "orders", strings.NewReader(ordersCSV)))

	values, err := e.TopValues(ctx, "orders", "category", 2)
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, ValueCount{Value: "books", Count: 3}, values[0])
	assert.Equal(t, ValueCount{Value: "games", Count: 1}, values[1])
}

func TestDuckDB_NotConnected(t *testing.T) {
	ctx := context.Background()
	e := &DuckDB{}

	_, err := e.Tables(ctx)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.ErrorIs(t, e.RegisterCSV(ctx, "x", strings.NewReader("")), ErrNotConnected)
	_, err = e.Query(ctx, "SELECT 1", 1)
	assert.ErrorIs(t, err, ErrNotConnected)
	_, err = e.TopValues(ctx, "t", "c", 1)
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, e.Close())
}

func TestDuckDB_Errors(t *testing.T) {
	tests := []struct {
		name      string
		setupMock func(mock sqlmock.Sqlmock)
		run       func(e *DuckDB) error
		errMsg    string
	}{
		{
			name: "tables query fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("information_schema.tables").WillReturnError(assert.AnError)
			},
			run: func(e *DuckDB) error {
				_, err := e.Tables(context.Background())
				return err
			},
			errMsg: "failed to list tables",
		},
		{
			name: "load fails",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("CREATE OR REPLACE TABLE orders").WillReturnError(assert.AnError)
			},
			run: func(e *DuckDB) error {
				return e.RegisterCSV(context.Background(), "orders", strings.NewReader(ordersCSV))
			},
			errMsg: "failed to load orders",
		},
		{
			name: "unknown table columns",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("information_schema.columns").
					WithArgs("ghost").
					WillReturnRows(sqlmock.NewRows([]string{"column_name", "data_type", "is_nullable"}))
			},
			run: func(e *DuckDB) error {
				_, err := e.TableColumns(context.Background(), "ghost")
				return err
			},
			errMsg: "table ghost not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			require.NoError(t, err)
			defer func() { _ = db.Close() }()
			tt.setupMock(mock)

			e := NewWithDB(db, nil)
			e.tempDir = t.TempDir()

			err = tt.run(e)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}
