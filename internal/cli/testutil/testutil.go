// Package testutil provides test utilities for CLI testing.
package testutil

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/leapstack-labs/leapexplore/internal/cli/config"
	"github.com/leapstack-labs/leapexplore/internal/testutil"
	"github.com/spf13/cobra"
)

// ModelYAML is the model of the test project.
const ModelYAML = `name: shop
sources:
  - name: orders
    fields:
      - name: status
        type: string
      - name: region
        type: string
      - name: amount
        type: number
    views:
      - name: by_region
        query: SELECT region, count(*) AS n FROM orders GROUP BY region ORDER BY region
`

// OrdersCSV is the orders table of the test project.
const OrdersCSV = `id,status,region,amount
1,complete,north,10
2,complete,south,20
3,cancelled,north,5
4,complete,north,7
`

// ConfigYAML configures the test project with an in-memory database and a
// run log next to the model.
const ConfigYAML = `model: model.yaml
run_log: runs.db
store:
  type: dir
  dir: data
session:
  source: orders
`

// SetupTestProject creates a temporary project with a model, a data
// directory and a config file. Returns the project directory.
func SetupTestProject(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	dataDir := filepath.Join(dir, "data")
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		t.Fatalf("failed to create data directory: %v", err)
	}
	testutil.WriteTables(t, dataDir, map[string]string{"orders": OrdersCSV})

	files := map[string]string{
		"model.yaml":       ModelYAML,
		"leapexplore.yaml": ConfigYAML,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0600); err != nil {
			t.Fatalf("failed to create %s: %v", name, err)
		}
	}
	return dir
}

// LoadContext loads the project's config and returns a context carrying it
// and a test logger, as the root command would.
func LoadContext(t *testing.T, dir string, mutate ...func(*config.Config)) context.Context {
	t.Helper()
	cfg, err := config.Load(filepath.Join(dir, "leapexplore.yaml"), nil)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	for _, m := range mutate {
		m(cfg)
	}
	ctx := config.WithConfig(context.Background(), cfg)
	return config.WithLogger(ctx, testutil.NewTestLogger(t))
}

// Execute runs cmd with args in ctx and returns its stdout and stderr.
func Execute(ctx context.Context, cmd *cobra.Command, args ...string) (stdout, stderr string, err error) {
	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	cmd.SetOut(out)
	cmd.SetErr(errOut)
	cmd.SetIn(new(bytes.Buffer))
	cmd.SetArgs(args)
	err = cmd.ExecuteContext(ctx)
	return out.String(), errOut.String(), err
}

// ansiPattern matches ANSI escape codes.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// AssertNoANSI checks that a string contains no ANSI escape codes.
func AssertNoANSI(t *testing.T, s string) {
	t.Helper()
	if ansiPattern.MatchString(s) {
		t.Errorf("string contains ANSI escape codes: %q", s)
	}
}
