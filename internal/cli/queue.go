package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/strata/internal/orchestrator"
)

// QueueResult is the output of queue.
type QueueResult struct {
	orchestrator.Snapshot
	Transforms int `json:"transforms"`
}

func (r QueueResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "instance %s: %d pending, %d processed, %d transform(s) registered",
		r.Instance, len(r.Pending), r.Processed, r.Transforms)
	if r.Inflight != nil {
		fmt.Fprintf(&b, "\n  inflight  %s  %s", r.Inflight.TransformID, shortFingerprint(r.Inflight.ChangeFingerprint))
	}
	for _, t := range r.Pending {
		fmt.Fprintf(&b, "\n  pending   %s  %s", t.TransformID, shortFingerprint(t.ChangeFingerprint))
	}
	return b.String()
}

func shortFingerprint(fp string) string {
	if len(fp) > 12 {
		return fp[:12]
	}
	return fp
}

// NewQueueCommand creates the queue command.
func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Show the persisted transform queue",
		Long: `Print the orchestrator's durable queue: pending tasks in FIFO order,
the in-flight task if a previous run stopped mid-execution, and the size of
the processed set.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)

			ctx := commandContext(cmd)
			n, _, err := openNode(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer n.Close()

			return formatter.Success(QueueResult{
				Snapshot:   n.Orchestrator().Snapshot(),
				Transforms: len(n.Transforms().List()),
			})
		},
	}

	return cmd
}

// FlushResult is the output of flush.
type FlushResult struct {
	Executed int `json:"executed"`
	Pending  int `json:"pending"`
}

func (r FlushResult) String() string {
	return fmt.Sprintf("%d transform(s) executed, %d pending", r.Executed, r.Pending)
}

// NewFlushCommand creates the flush command.
func NewFlushCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Run every queued transform",
		Long: `Drain the persisted queue, including tasks enqueued by transforms as
they execute, and exit once it is empty.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			formatter := newFormatter(rootOpts, cmd)

			ctx := commandContext(cmd)
			n, _, err := openNode(ctx, rootOpts, cmd)
			if err != nil {
				return err
			}
			defer n.Close()

			executed, err := n.Flush(ctx)
			if err != nil {
				return formatter.Fail("flush failed", err)
			}
			return formatter.Success(FlushResult{Executed: executed, Pending: n.Orchestrator().QueueLen()})
		},
	}

	return cmd
}
