package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/node"
)

// defaultPrincipal is recorded as the writer when --as is not given.
const defaultPrincipal = "cli"

// FieldOptions holds flags shared by the field commands.
type FieldOptions struct {
	*RootOptions
	Key       string
	Principal string
}

func (o *FieldOptions) bind(cmd *cobra.Command, keyUsage string) {
	cmd.Flags().StringVar(&o.Key, "key", "", keyUsage)
	cmd.Flags().StringVar(&o.Principal, "as", defaultPrincipal, "principal performing the operation")
}

// WriteOptions holds flags for the write command.
type WriteOptions struct {
	FieldOptions
	Append bool
	Flush  bool
}

// WriteResult is the output of write and delete.
type WriteResult struct {
	Field    string        `json:"field"`
	Key      string        `json:"key,omitempty"`
	AtomUUID string        `json:"atom_uuid"`
	Status   ir.AtomStatus `json:"status"`
	Executed int           `json:"executed"`
	Pending  int           `json:"pending"`
}

func (r WriteResult) String() string {
	return fmt.Sprintf("%s %s (%s); %d transform(s) executed, %d pending",
		formatField(r.Field, r.Key), r.AtomUUID, r.Status, r.Executed, r.Pending)
}

// NewWriteCommand creates the write command.
func NewWriteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WriteOptions{FieldOptions: FieldOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "write <schema.field> <json-value>",
		Short: "Write a field value",
		Long: `Write a JSON value to a field. Range fields need --key; collection
fields need --append. Dependent transforms run before the command returns
unless --flush=false, in which case they stay queued for the next flush or
serve.

Examples:
  strata write Order.qty 3
  strata write Order.notes '"call back"' --key monday
  strata write Order.lines '{"sku":"a-1"}' --append`,
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWrite(opts, args[0], args[1], cmd)
		},
	}

	opts.bind(cmd, "range key")
	cmd.Flags().BoolVar(&opts.Append, "append", false, "append to a collection field")
	cmd.Flags().BoolVar(&opts.Flush, "flush", true, "run dependent transforms before returning")

	return cmd
}

func runWrite(opts *WriteOptions, target, raw string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	fk, err := ir.ParseFieldKey(target)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid field", err)
	}
	value, err := ir.DecodeValue([]byte(raw))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid JSON value", err)
	}
	if opts.Append && opts.Key != "" {
		return NewExitError(ExitCommandError, "--append and --key are mutually exclusive")
	}

	ctx := commandContext(cmd)
	n, _, err := openNode(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer n.Close()

	var a ir.Atom
	switch {
	case opts.Append:
		a, err = n.AppendField(ctx, opts.Principal, fk.Schema, fk.Field, value)
	case opts.Key != "":
		a, err = n.WriteRangeField(ctx, opts.Principal, fk.Schema, fk.Field, opts.Key, value)
	default:
		a, err = n.WriteField(ctx, opts.Principal, fk.Schema, fk.Field, value)
	}
	if err != nil {
		return formatter.Fail("write failed", err)
	}

	result := WriteResult{Field: target, Key: opts.Key, AtomUUID: a.UUID, Status: a.Status}
	if err := settle(ctx, n, opts.Flush, &result); err != nil {
		return formatter.Fail("transforms failed", err)
	}
	return formatter.Success(result)
}

// DeleteOptions holds flags for the delete command.
type DeleteOptions struct {
	FieldOptions
	Flush bool
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DeleteOptions{FieldOptions: FieldOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "delete <schema.field>",
		Short: "Tombstone a field, range key or collection element",
		Long: `Write a deleted-status atom. History keeps every earlier revision.
Deleting a field that was never written is an error.

Examples:
  strata delete Order.qty
  strata delete Order.notes --key monday
  strata delete Order.lines --key 0`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDelete(opts, args[0], cmd)
		},
	}

	opts.bind(cmd, "range key, or collection index")
	cmd.Flags().BoolVar(&opts.Flush, "flush", true, "run dependent transforms before returning")

	return cmd
}

func runDelete(opts *DeleteOptions, target string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	fk, err := ir.ParseFieldKey(target)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid field", err)
	}

	ctx := commandContext(cmd)
	n, _, err := openNode(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer n.Close()

	a, err := n.DeleteField(ctx, opts.Principal, fk.Schema, fk.Field, opts.Key)
	if err != nil {
		return formatter.Fail("delete failed", err)
	}

	result := WriteResult{Field: target, Key: opts.Key, AtomUUID: a.UUID, Status: a.Status}
	if err := settle(ctx, n, opts.Flush, &result); err != nil {
		return formatter.Fail("transforms failed", err)
	}
	return formatter.Success(result)
}

// settle either drains the queue or, with flush off, only moves the
// buffered field changes into the durable queue so they survive exit.
func settle(ctx context.Context, n *node.Node, flush bool, result *WriteResult) error {
	if flush {
		executed, err := n.Flush(ctx)
		result.Executed = executed
		if err != nil {
			return err
		}
	} else if _, err := n.Orchestrator().Pump(ctx); err != nil {
		return err
	}
	result.Pending = n.Orchestrator().QueueLen()
	return nil
}

// ReadResult is the output of read.
type ReadResult struct {
	Field string `json:"field"`
	Key   string `json:"key,omitempty"`
	Value any    `json:"value"`
}

func (r ReadResult) String() string {
	data, err := ir.MarshalCanonical(r.Value)
	if err != nil {
		return fmt.Sprintf("%s = %v", formatField(r.Field, r.Key), r.Value)
	}
	return fmt.Sprintf("%s = %s", formatField(r.Field, r.Key), data)
}

// NewReadCommand creates the read command.
func NewReadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FieldOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "read <schema.field>",
		Short: "Read the current value of a field",
		Long: `Print the current value of a field. Range fields print an object of
their live keys unless --key selects one; collection fields print an array.

Examples:
  strata read Order.total
  strata read Order.notes --key monday --format json`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRead(opts, args[0], cmd)
		},
	}

	opts.bind(cmd, "range key")

	return cmd
}

func runRead(opts *FieldOptions, target string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	fk, err := ir.ParseFieldKey(target)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid field", err)
	}

	ctx := commandContext(cmd)
	n, _, err := openNode(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer n.Close()

	var value ir.IRValue
	if opts.Key != "" {
		var a ir.Atom
		a, err = n.ReadRangeField(ctx, opts.Principal, fk.Schema, fk.Field, opts.Key)
		if err == nil && a.Status == ir.StatusDeleted {
			err = fault.NotFoundf("cli.read", "%s is deleted", formatField(target, opts.Key))
		}
		value = a.Content
	} else {
		value, err = n.FieldValue(ctx, opts.Principal, fk.Schema, fk.Field)
	}
	if err != nil {
		return formatter.Fail("read failed", err)
	}

	return formatter.Success(ReadResult{Field: target, Key: opts.Key, Value: ir.ToGo(value)})
}

// HistoryEntry is one revision in history output.
type HistoryEntry struct {
	UUID      string        `json:"uuid"`
	Writer    string        `json:"writer"`
	CreatedAt time.Time     `json:"created_at"`
	Status    ir.AtomStatus `json:"status"`
	Value     any           `json:"value"`
}

// HistoryResult is the output of history, newest first.
type HistoryResult struct {
	Field   string         `json:"field"`
	Key     string         `json:"key,omitempty"`
	Entries []HistoryEntry `json:"entries"`
}

func (r HistoryResult) String() string {
	s := fmt.Sprintf("%s: %d revision(s)", formatField(r.Field, r.Key), len(r.Entries))
	for _, e := range r.Entries {
		data, err := ir.MarshalCanonical(e.Value)
		if err != nil {
			data = []byte(fmt.Sprint(e.Value))
		}
		s += fmt.Sprintf("\n  %s  %s  %-7s  %-10s  %s", e.CreatedAt.Format(time.RFC3339), e.UUID, e.Status, e.Writer, data)
	}
	return s
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &FieldOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history <schema.field>",
		Short: "List every revision of a field, newest first",
		Long: `Walk the atom lineage of a single field, or of one key of a range
field, from the current head back to the first write. Tombstones are listed.

Examples:
  strata history Order.total
  strata history Order.notes --key monday`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, args[0], cmd)
		},
	}

	opts.bind(cmd, "range key")

	return cmd
}

func runHistory(opts *FieldOptions, target string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	fk, err := ir.ParseFieldKey(target)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid field", err)
	}

	ctx := commandContext(cmd)
	n, _, err := openNode(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer n.Close()

	atoms, err := n.History(ctx, opts.Principal, fk.Schema, fk.Field, opts.Key)
	if err != nil {
		return formatter.Fail("history failed", err)
	}
	slog.Debug("history loaded", "field", target, "key", opts.Key, "revisions", len(atoms))

	result := HistoryResult{Field: target, Key: opts.Key, Entries: make([]HistoryEntry, len(atoms))}
	for i, a := range atoms {
		result.Entries[i] = HistoryEntry{
			UUID:      a.UUID,
			Writer:    a.SourcePubKey,
			CreatedAt: a.CreatedAt,
			Status:    a.Status,
			Value:     ir.ToGo(a.Content),
		}
	}
	return formatter.Success(result)
}

func formatField(field, key string) string {
	if key == "" {
		return field
	}
	return fmt.Sprintf("%s[%q]", field, key)
}
