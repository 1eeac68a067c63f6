package cli

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

const orderSchema = `package order

schema: Order: fields: {
	qty:   {}
	price: {}
	total: transform: {inputs: ["Order.qty", "Order.price"], logic: "qty * price"}
	notes: {shape: "range"}
	lines: {shape: "collection"}
}
`

// createSchemaDir writes the order schema into a fresh directory.
func createSchemaDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "order.cue"), []byte(orderSchema), 0644))
	return dir
}

// testDB returns a SQLite path in a fresh directory.
func testDB(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "strata.db")
}

// execute runs the root command and returns what it wrote to stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
