package cli

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteReadWithTransform(t *testing.T) {
	db := testDB(t)

	out, err := execute(t, "write", "Order.qty", "3", "--db", db, "--schemas", createSchemaDir(t))
	require.NoError(t, err)
	assert.Contains(t, out, "Order.qty")
	assert.Contains(t, out, "1 transform(s) executed, 0 pending")

	_, err = execute(t, "write", "Order.price", "7", "--db", db)
	require.NoError(t, err)

	out, err = execute(t, "read", "Order.total", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "Order.total = 21\n", out)

	out, err = execute(t, "read", "Order.total", "--db", db, "--format", "json")
	require.NoError(t, err)
	var resp struct {
		Status string     `json:"status"`
		Data   ReadResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, float64(21), resp.Data.Value)
}

func TestWriteWithoutFlushQueuesTasks(t *testing.T) {
	db := testDB(t)

	_, err := execute(t, "write", "Order.qty", "2", "--db", db, "--schemas", createSchemaDir(t), "--flush=false")
	require.NoError(t, err)
	out, err := execute(t, "write", "Order.price", "5", "--db", db, "--flush=false")
	require.NoError(t, err)
	assert.Contains(t, out, "0 transform(s) executed, 2 pending")

	out, err = execute(t, "queue", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "instance default: 2 pending")
	assert.Contains(t, out, "pending   Order.total")

	out, err = execute(t, "flush", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "2 transform(s) executed, 0 pending\n", out)

	out, err = execute(t, "read", "Order.total", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "Order.total = 10\n", out)
}

func TestRangeCollectionAndDelete(t *testing.T) {
	db := testDB(t)

	_, err := execute(t, "write", "Order.notes", `"call back"`, "--key", "monday", "--db", db, "--schemas", createSchemaDir(t))
	require.NoError(t, err)
	_, err = execute(t, "write", "Order.lines", `{"sku":"a-1"}`, "--append", "--db", db)
	require.NoError(t, err)

	out, err := execute(t, "read", "Order.notes", "--key", "monday", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "Order.notes[\"monday\"] = \"call back\"\n", out)

	out, err = execute(t, "read", "Order.lines", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "Order.lines = [{\"sku\":\"a-1\"}]\n", out)

	out, err = execute(t, "delete", "Order.notes", "--key", "monday", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "(deleted)")

	_, err = execute(t, "read", "Order.notes", "--key", "monday", "--db", db)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	out, err = execute(t, "history", "Order.notes", "--key", "monday", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "2 revision(s)")
	assert.Contains(t, out, "deleted")
	assert.Contains(t, out, `"call back"`)
}

func TestHistoryJSON(t *testing.T) {
	db := testDB(t)

	_, err := execute(t, "write", "Order.qty", "1", "--db", db, "--schemas", createSchemaDir(t), "--as", "alice")
	require.NoError(t, err)
	_, err = execute(t, "write", "Order.qty", "2", "--db", db, "--as", "bob")
	require.NoError(t, err)

	out, err := execute(t, "history", "Order.qty", "--db", db, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Data HistoryResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.Len(t, resp.Data.Entries, 2)
	assert.Equal(t, "bob", resp.Data.Entries[0].Writer)
	assert.Equal(t, float64(2), resp.Data.Entries[0].Value)
	assert.Equal(t, "alice", resp.Data.Entries[1].Writer)
}

func TestFieldCommandErrors(t *testing.T) {
	schemas := createSchemaDir(t)

	tests := []struct {
		name string
		args []string
		code int
		want string
	}{
		{"bad field key", []string{"write", "qty", "1"}, ExitCommandError, "invalid field"},
		{"bad json", []string{"write", "Order.qty", "{oops"}, ExitCommandError, "invalid JSON value"},
		{"float value", []string{"write", "Order.qty", "1.5"}, ExitCommandError, "invalid JSON value"},
		{"append with key", []string{"write", "Order.lines", "1", "--append", "--key", "k"}, ExitCommandError, "mutually exclusive"},
		{"unknown schema", []string{"write", "Nope.qty", "1"}, ExitFailure, "write failed"},
		{"shape mismatch", []string{"write", "Order.lines", "1"}, ExitFailure, "write failed"},
		{"read unwritten", []string{"read", "Order.qty"}, ExitFailure, "read failed"},
		{"delete unwritten", []string{"delete", "Order.price"}, ExitFailure, "delete failed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args := append(tt.args, "--db", testDB(t), "--schemas", schemas)
			_, err := execute(t, args...)
			require.Error(t, err)
			assert.Equal(t, tt.code, GetExitCode(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
