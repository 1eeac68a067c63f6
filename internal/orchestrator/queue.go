package orchestrator

import (
	"encoding/json"
	"slices"
	"strings"

	"github.com/roach88/strata/internal/ir"
)

// record is the persisted queue layout: one per orchestrator instance.
type record struct {
	Pending   []ir.QueueTask    `json:"pending"`
	Queued    []string          `json:"queued"`
	Processed []string          `json:"processed"` // oldest first
	Inflight  *ir.QueueTask     `json:"inflight,omitempty"`
	Latest    map[string]string `json:"latest,omitempty"`
	Seen      map[string]string `json:"seen,omitempty"`
}

// queue is the in-memory form of record. Not safe for concurrent use.
type queue struct {
	pending   []ir.QueueTask
	queued    map[string]struct{}
	processed map[string]struct{}
	order     []string // processed keys, oldest first
	inflight  *ir.QueueTask
	retention int

	// latest maps "transform|source" to the newest change fingerprint
	// seen from that source. A processed key is kept only while it is
	// the latest, so a field written back to an earlier value runs again.
	latest map[string]string

	// seen maps a transform to the input fingerprint of its last
	// execution.
	seen map[string]string
}

func newQueue(retention int) *queue {
	return &queue{
		queued:    make(map[string]struct{}),
		processed: make(map[string]struct{}),
		retention: retention,
		latest:    make(map[string]string),
		seen:      make(map[string]string),
	}
}

func latestKey(transformID, source string) string {
	return transformID + "|" + source
}

// observe records fp as the newest change from source for transformID and
// forgets that the previous one was processed. It reports whether anything
// changed.
func (q *queue) observe(transformID, source, fp string) bool {
	k := latestKey(transformID, source)
	prev, ok := q.latest[k]
	if ok && prev == fp {
		return false
	}
	if ok {
		q.unmark(ir.QueueTask{TransformID: transformID, ChangeFingerprint: prev}.Key())
	}
	q.latest[k] = fp
	return true
}

// isCurrent reports whether t carries the newest change from its source.
func (q *queue) isCurrent(t ir.QueueTask) bool {
	fp, ok := q.latest[latestKey(t.TransformID, t.Source)]
	return ok && fp == t.ChangeFingerprint
}

// hasPending reports whether a task for transformID is pending or in flight.
func (q *queue) hasPending(transformID string) bool {
	if q.inflight != nil && q.inflight.TransformID == transformID {
		return true
	}
	return slices.ContainsFunc(q.pending, func(t ir.QueueTask) bool {
		return t.TransformID == transformID
	})
}

// forget drops everything remembered about transformID except its pending
// tasks.
func (q *queue) forget(transformID string) {
	prefix := transformID + "|"
	for k := range q.latest {
		if strings.HasPrefix(k, prefix) {
			delete(q.latest, k)
		}
	}
	for _, k := range slices.Clone(q.order) {
		if strings.HasPrefix(k, prefix) {
			q.unmark(k)
		}
	}
	delete(q.seen, transformID)
}

// push appends t unless its key is already queued.
func (q *queue) push(t ir.QueueTask) bool {
	k := t.Key()
	if _, ok := q.queued[k]; ok {
		return false
	}
	q.queued[k] = struct{}{}
	q.pending = append(q.pending, t)
	return true
}

// pushFront re-delivers t ahead of everything pending.
func (q *queue) pushFront(t ir.QueueTask) {
	k := t.Key()
	if _, ok := q.queued[k]; ok {
		return
	}
	q.queued[k] = struct{}{}
	q.pending = slices.Insert(q.pending, 0, t)
}

func (q *queue) pop() (ir.QueueTask, bool) {
	if len(q.pending) == 0 {
		return ir.QueueTask{}, false
	}
	t := q.pending[0]
	q.pending = q.pending[1:]
	delete(q.queued, t.Key())
	return t, true
}

func (q *queue) isProcessed(key string) bool {
	_, ok := q.processed[key]
	return ok
}

// markProcessed records key, evicting the oldest keys beyond retention.
func (q *queue) markProcessed(key string) {
	if q.isProcessed(key) {
		return
	}
	q.processed[key] = struct{}{}
	q.order = append(q.order, key)
	if q.retention > 0 {
		for len(q.order) > q.retention {
			delete(q.processed, q.order[0])
			q.order = q.order[1:]
		}
	}
}

func (q *queue) unmark(key string) {
	if !q.isProcessed(key) {
		return
	}
	delete(q.processed, key)
	q.order = slices.DeleteFunc(q.order, func(k string) bool { return k == key })
}

func (q *queue) encode() ([]byte, error) {
	rec := record{
		Pending:   q.pending,
		Queued:    make([]string, 0, len(q.queued)),
		Processed: q.order,
		Inflight:  q.inflight,
		Latest:    q.latest,
		Seen:      q.seen,
	}
	if rec.Pending == nil {
		rec.Pending = []ir.QueueTask{}
	}
	if rec.Processed == nil {
		rec.Processed = []string{}
	}
	for k := range q.queued {
		rec.Queued = append(rec.Queued, k)
	}
	slices.Sort(rec.Queued)
	return json.Marshal(rec)
}

// decode replaces q's contents with data. The queued set is rebuilt from
// the pending tasks so the two cannot disagree.
func (q *queue) decode(data []byte) error {
	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}

	q.pending = nil
	q.queued = make(map[string]struct{}, len(rec.Pending))
	for _, t := range rec.Pending {
		q.push(t)
	}
	q.processed = make(map[string]struct{}, len(rec.Processed))
	q.order = nil
	for _, k := range rec.Processed {
		q.markProcessed(k)
	}
	q.inflight = rec.Inflight
	q.latest = make(map[string]string, len(rec.Latest))
	for k, v := range rec.Latest {
		q.latest[k] = v
	}
	q.seen = make(map[string]string, len(rec.Seen))
	for k, v := range rec.Seen {
		q.seen[k] = v
	}
	return nil
}
