// Package harness runs declarative scenarios against a fresh in-memory node.
//
// # Scenario Format
//
// Scenarios are YAML files:
//
//	name: order_total
//	description: "total follows qty and price"
//	schemas:
//	  - ../schemas/order
//	transforms:
//	  - id: Order.discount
//	    inputs: [Order.total]
//	    output: Order.discount
//	    logic: "total / 10"
//	steps:
//	  - write: Order.qty
//	    value: 3
//	  - write: Order.notes
//	    key: monday
//	    value: "call back"
//	  - append: Order.lines
//	    value: {sku: "a-1"}
//	  - delete: Order.notes
//	    key: monday
//	  - flush: true
//	  - unregister: Order.discount
//	assertions:
//	  - type: field_equals
//	    field: Order.total
//	    value: 21
//	  - type: trace_count
//	    event: transform_executed
//	    transform: Order.total
//	    count: 1
//
// Schema paths are CUE package directories relative to the scenario file.
// Transforms attached to schema fields register with the schema; the
// transforms list adds standalone ones.
//
// # Assertion Types
//
//   - field_equals: the field (or range key) currently holds value
//   - field_missing: the field has no live value
//   - history_length: the field (or range key) lineage has count atoms
//   - queue_length: count tasks are pending after the last step
//   - trace_contains: an event matching event/field/transform/success occurred
//   - trace_count: exactly count matching events occurred
//   - trace_order: the named transforms first executed in the given order
//
// # Deterministic Testing
//
// Every scenario runs on memory storage with a fake clock and sequential
// atom identifiers, and the orchestrator only drains on flush steps. The
// recorded trace therefore reproduces exactly and can be compared against
// golden files under testdata/golden.
package harness
