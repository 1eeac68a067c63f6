package node

import "context"

// Access is the kind of field access being checked.
type Access string

const (
	AccessRead  Access = "read"
	AccessWrite Access = "write"
)

// Policy decides whether principal may access schema.field. It is
// consulted before any read or write reaches the store.
type Policy interface {
	Allow(ctx context.Context, principal string, access Access, schema, field string) bool
}

// AllowAll permits every access.
type AllowAll struct{}

func (AllowAll) Allow(context.Context, string, Access, string, string) bool { return true }

// PolicyFunc adapts a function to Policy.
type PolicyFunc func(ctx context.Context, principal string, access Access, schema, field string) bool

func (f PolicyFunc) Allow(ctx context.Context, principal string, access Access, schema, field string) bool {
	return f(ctx, principal, access, schema, field)
}
