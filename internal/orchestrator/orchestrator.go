// Package orchestrator drives transforms in response to field changes.
//
// Field writes publish FieldChanged events on the bus. The orchestrator
// turns each into one task per transform that reads the field, keyed by
// (transform id, change fingerprint), and runs tasks one at a time on a
// single worker. Queue state is persisted after every mutation, so a
// crash re-delivers work instead of losing it. The bus is only a trigger;
// the persisted queue is the source of truth.
//
// A processed key suppresses a repeated change only while its fingerprint
// is the latest seen from that input field, so writing a field back to an
// earlier value recomputes. Changes the bus dropped, or that were written
// but never queued before a crash, are recovered by Reconcile, which
// compares each transform's current inputs with those of its last run.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/roach88/strata/internal/eventbus"
	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/ir"
	"github.com/roach88/strata/internal/metrics"
	"github.com/roach88/strata/internal/storage"
	"github.com/roach88/strata/internal/transform"
)

const (
	DefaultInstance           = "default"
	DefaultProcessedRetention = 10000
)

// Options configures an Orchestrator. Zero values select the defaults.
type Options struct {
	Instance           string
	ProcessedRetention int
	Buffer             int // bus subscription buffer

	// AutoDrain makes Run process the queue after every event instead of
	// only enqueueing.
	AutoDrain bool
}

// Orchestrator owns one durable transform queue.
type Orchestrator struct {
	worker sync.Mutex // one task executes at a time

	mu    sync.Mutex
	q     *queue
	saved []byte // last persisted record

	kv         storage.KV
	transforms *transform.Registry
	bus        *eventbus.Bus
	sub        *eventbus.Subscription
	opts       Options
	drops      atomic.Uint64 // sub.Dropped() at the last reconcile

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an orchestrator and subscribes it to field changes on bus.
// Call Load before processing to restore persisted state.
func New(kv storage.KV, transforms *transform.Registry, bus *eventbus.Bus, opts Options) *Orchestrator {
	if opts.Instance == "" {
		opts.Instance = DefaultInstance
	}
	if opts.ProcessedRetention <= 0 {
		opts.ProcessedRetention = DefaultProcessedRetention
	}
	if opts.Buffer <= 0 {
		opts.Buffer = eventbus.DefaultBuffer
	}

	return &Orchestrator{
		q:          newQueue(opts.ProcessedRetention),
		kv:         kv,
		transforms: transforms,
		bus:        bus,
		sub:        bus.Subscribe(opts.Buffer, eventbus.EventFieldChanged),
		opts:       opts,
	}
}

// Load restores the persisted queue and then reconciles, so a field change
// written before a crash but never queued still reaches its transforms. A
// task that was in flight when the process stopped is put back at the head
// of the queue unless it had already been marked processed.
func (o *Orchestrator) Load(ctx context.Context) error {
	if err := o.restore(ctx); err != nil {
		return err
	}
	_, err := o.Reconcile(ctx)
	return err
}

func (o *Orchestrator) restore(ctx context.Context) error {
	const op = "orchestrator.Load"

	data, found, err := o.kv.Get(ctx, storage.TreeQueue, o.opts.Instance)
	if err != nil {
		return fault.Wrap(fault.InvalidData, op, err, "read queue %s", o.opts.Instance)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	o.q = newQueue(o.opts.ProcessedRetention)
	o.saved = nil
	if !found {
		return nil
	}
	if err := o.q.decode(data); err != nil {
		return fault.Wrap(fault.InvalidData, op, err, "decode queue %s", o.opts.Instance)
	}
	o.saved = data

	if t := o.q.inflight; t != nil {
		o.q.inflight = nil
		if !o.q.isProcessed(t.Key()) {
			o.q.pushFront(*t)
			slog.Info("re-delivering in-flight task",
				"transform_id", t.TransformID,
				"fingerprint", t.ChangeFingerprint,
			)
		}
		if err := o.persistLocked(ctx); err != nil {
			return err
		}
	}
	metrics.QueueLength.Set(float64(len(o.q.pending)))
	return nil
}

// persistLocked writes the queue. On failure the in-memory queue is rolled
// back to the last persisted record. Caller holds mu.
func (o *Orchestrator) persistLocked(ctx context.Context) error {
	const op = "orchestrator.persist"

	data, err := o.q.encode()
	if err == nil {
		err = o.kv.Put(ctx, storage.TreeQueue, o.opts.Instance, data)
	}
	if err != nil {
		o.rollbackLocked()
		return fault.Wrap(fault.InvalidData, op, err, "persist queue %s", o.opts.Instance)
	}
	o.saved = data
	metrics.QueueLength.Set(float64(len(o.q.pending)))
	return nil
}

func (o *Orchestrator) rollbackLocked() {
	q := newQueue(o.opts.ProcessedRetention)
	if o.saved != nil {
		if err := q.decode(o.saved); err != nil {
			slog.Error("queue rollback failed", "instance", o.opts.Instance, "error", err)
		}
	}
	o.q = q
}

// OnFieldChanged enqueues one task per transform reading schema.field,
// skipping tasks whose key is already queued or was processed as the
// latest change from that field. It returns the number of tasks added.
func (o *Orchestrator) OnFieldChanged(ctx context.Context, schemaName, field, fingerprint string) (int, error) {
	ids := o.transforms.TransformsForField(schemaName, field)
	if len(ids) == 0 {
		return 0, nil
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	source := ir.FieldKey{Schema: schemaName, Field: field}.String()
	added, changed := 0, false
	for _, id := range ids {
		if o.q.observe(id, source, fingerprint) {
			changed = true
		}
		task := ir.QueueTask{TransformID: id, ChangeFingerprint: fingerprint, Source: source}
		if !o.q.isProcessed(task.Key()) && o.q.push(task) {
			added++
		} else {
			metrics.QueueDuplicates.Inc()
		}
	}
	if added == 0 && !changed {
		return 0, nil
	}
	if err := o.persistLocked(ctx); err != nil {
		return 0, err
	}

	slog.Debug("tasks enqueued",
		"schema", schemaName,
		"field", field,
		"fingerprint", fingerprint,
		"added", added,
	)
	return added, nil
}

// Step describes what one ProcessOne call did.
type Step struct {
	Task ir.QueueTask

	// Executed is false when the task was already processed and was
	// discarded.
	Executed bool
	Result   transform.ExecResult
}

// ProcessOne pops the head task and runs it. ok is false when the queue is
// empty. Evaluator failures do not fail the step; storage failures do, and
// leave the task at the head of the queue.
func (o *Orchestrator) ProcessOne(ctx context.Context) (step Step, ok bool, err error) {
	o.worker.Lock()
	defer o.worker.Unlock()

	o.mu.Lock()
	task, ok := o.q.pop()
	if !ok {
		o.mu.Unlock()
		return Step{}, false, nil
	}
	step.Task = task

	if o.q.isProcessed(task.Key()) {
		err := o.persistLocked(ctx)
		o.mu.Unlock()
		if err != nil {
			return Step{}, false, err
		}
		metrics.QueueDuplicates.Inc()
		slog.Debug("discarding processed task", "transform_id", task.TransformID, "fingerprint", task.ChangeFingerprint)
		return step, true, nil
	}

	o.q.inflight = &task
	err = o.persistLocked(ctx)
	o.mu.Unlock()
	if err != nil {
		return Step{}, false, err
	}

	res, err := o.transforms.Execute(ctx, task.TransformID)
	switch {
	case err == nil:
		step.Executed = true
		step.Result = res
	case fault.IsNotFound(err):
		// unregistered after it was queued
		slog.Warn("dropping task for unknown transform", "transform_id", task.TransformID)
	default:
		o.mu.Lock()
		o.q.inflight = nil
		o.q.pushFront(task)
		if perr := o.persistLocked(ctx); perr != nil {
			slog.Error("requeue failed", "transform_id", task.TransformID, "error", perr)
		}
		o.mu.Unlock()
		return Step{}, false, err
	}

	o.mu.Lock()
	o.q.inflight = nil
	if o.q.isCurrent(task) {
		o.q.markProcessed(task.Key())
	}
	if step.Executed {
		o.q.seen[task.TransformID] = res.Inputs
	}
	err = o.persistLocked(ctx)
	o.mu.Unlock()
	if err != nil {
		return Step{}, false, err
	}

	if step.Executed {
		o.publishExecuted(task, res)
	}
	return step, true, nil
}

func (o *Orchestrator) publishExecuted(task ir.QueueTask, res transform.ExecResult) {
	ev := &eventbus.TransformExecuted{
		TransformID: task.TransformID,
		Fingerprint: task.ChangeFingerprint,
		AtomUUID:    res.Atom.UUID,
		Success:     res.Success(),
	}
	if res.EvalErr != nil {
		ev.Error = res.EvalErr.Error()
	}
	o.bus.Publish(eventbus.Event{Type: eventbus.EventTransformExecuted, Transform: ev})
}

// ProcessQueue runs ProcessOne until the queue is empty and returns the
// number of transforms executed.
func (o *Orchestrator) ProcessQueue(ctx context.Context) (int, error) {
	executed := 0
	for {
		if err := ctx.Err(); err != nil {
			return executed, err
		}
		step, ok, err := o.ProcessOne(ctx)
		if err != nil {
			return executed, err
		}
		if !ok {
			return executed, nil
		}
		if step.Executed {
			executed++
		}
	}
}

// Pump enqueues every field change already buffered on the subscription
// without blocking or executing anything. It returns the number of events
// consumed.
func (o *Orchestrator) Pump(ctx context.Context) (int, error) {
	n := 0
	for {
		select {
		case ev, open := <-o.sub.C():
			if !open {
				return n, nil
			}
			n++
			if err := o.handle(ctx, ev); err != nil {
				return n, err
			}
		default:
			return n, nil
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev eventbus.Event) error {
	if ev.Type != eventbus.EventFieldChanged || ev.Field == nil {
		return nil
	}
	if _, err := o.OnFieldChanged(ctx, ev.Field.Schema, ev.Field.Field, ev.Field.Fingerprint); err != nil {
		return err
	}
	return o.checkDrops(ctx)
}

// checkDrops reconciles when the bus has dropped field changes for this
// subscriber since the last check.
func (o *Orchestrator) checkDrops(ctx context.Context) error {
	dropped := o.sub.Dropped()
	if dropped == o.drops.Load() {
		return nil
	}
	slog.Warn("field changes dropped; reconciling", "instance", o.opts.Instance, "dropped", dropped)
	if _, err := o.Reconcile(ctx); err != nil {
		return err
	}
	o.drops.Store(dropped)
	return nil
}

// Reconcile queues every transform whose definition or input values differ
// from those of its last execution. Transforms with a task already pending
// are skipped since that task reads current values, as are transforms none
// of whose inputs are set. The fingerprint of a reconciliation task is the
// transform's input fingerprint. It returns the number of tasks added.
func (o *Orchestrator) Reconcile(ctx context.Context) (int, error) {
	type candidate struct{ id, fp string }
	var candidates []candidate
	for _, t := range o.transforms.List() {
		fp, set, err := o.transforms.Inputs(ctx, t.ID)
		switch {
		case fault.IsNotFound(err):
			continue
		case err != nil:
			return 0, err
		case set:
			candidates = append(candidates, candidate{t.ID, fp})
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	added := 0
	for _, c := range candidates {
		if o.q.seen[c.id] == c.fp || o.q.hasPending(c.id) {
			continue
		}
		if o.q.push(ir.QueueTask{TransformID: c.id, ChangeFingerprint: c.fp}) {
			added++
		}
	}
	if added == 0 {
		return 0, nil
	}
	if err := o.persistLocked(ctx); err != nil {
		return 0, err
	}
	slog.Info("transforms reconciled", "instance", o.opts.Instance, "added", added)
	return added, nil
}

// Forget drops the processed keys, latest fingerprints and last execution
// inputs recorded for a transform, so its next trigger runs even if the
// change looks familiar. Call it when a transform is redefined or removed.
func (o *Orchestrator) Forget(ctx context.Context, transformID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.q.forget(transformID)
	return o.persistLocked(ctx)
}

// Flush enqueues buffered field changes and drains the queue, repeating
// until no events arrive and nothing is pending. Writes made by the
// transforms themselves are picked up, so cascades run to completion.
// A transform cycle that never converges keeps Flush running until ctx is
// done. Flush should not run concurrently with Run: both consume the same
// subscription.
func (o *Orchestrator) Flush(ctx context.Context) (int, error) {
	executed := 0
	for {
		if _, err := o.Pump(ctx); err != nil {
			return executed, err
		}
		if err := ctx.Err(); err != nil {
			return executed, err
		}
		step, ok, err := o.ProcessOne(ctx)
		if err != nil {
			return executed, err
		}
		if !ok {
			if len(o.sub.C()) == 0 {
				return executed, nil
			}
			continue
		}
		if step.Executed {
			executed++
		}
	}
}

// Run consumes field changes until ctx is done or the bus closes.
func (o *Orchestrator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, open := <-o.sub.C():
			if !open {
				return nil
			}
			if err := o.handle(ctx, ev); err != nil {
				slog.Error("enqueue failed", "error", err)
				continue
			}
			if o.opts.AutoDrain {
				if _, err := o.ProcessQueue(ctx); err != nil && ctx.Err() == nil {
					slog.Error("queue drain failed", "error", err)
				}
			}
		}
	}
}

// Start runs Run in the background. It is a no-op if already started.
func (o *Orchestrator) Start() {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	o.cancel = cancel
	o.done = make(chan struct{})
	go func(done chan struct{}) {
		defer close(done)
		slog.Info("orchestrator started", "instance", o.opts.Instance)
		if err := o.Run(ctx); err != nil {
			slog.Error("orchestrator listener exited", "error", err)
		}
	}(o.done)
}

// Stop halts the background listener started by Start and waits for it.
func (o *Orchestrator) Stop() {
	o.runMu.Lock()
	defer o.runMu.Unlock()

	if o.cancel == nil {
		return
	}
	o.cancel()
	<-o.done
	o.cancel = nil
	o.done = nil
	slog.Info("orchestrator stopped", "instance", o.opts.Instance)
}

// Close stops the listener and unsubscribes from the bus.
func (o *Orchestrator) Close() {
	o.Stop()
	o.sub.Close()
}

// QueueLen returns the number of pending tasks.
func (o *Orchestrator) QueueLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.q.pending)
}

// Snapshot is a point-in-time copy of the queue.
type Snapshot struct {
	Instance  string         `json:"instance"`
	Pending   []ir.QueueTask `json:"pending"`
	Processed int            `json:"processed"`
	Inflight  *ir.QueueTask  `json:"inflight,omitempty"`
}

// Snapshot returns a copy of the queue state.
func (o *Orchestrator) Snapshot() Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	s := Snapshot{
		Instance:  o.opts.Instance,
		Pending:   append([]ir.QueueTask{}, o.q.pending...),
		Processed: len(o.q.order),
	}
	if o.q.inflight != nil {
		t := *o.q.inflight
		s.Inflight = &t
	}
	return s
}
