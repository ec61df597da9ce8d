// Package txn defines the transaction boundary used by the domain services.
package txn

import "context"

// Manager runs fn inside a single storage transaction. Repository calls made
// with the context passed to fn take part in that transaction. If a
// transaction is already bound to ctx, fn joins it instead of opening a new
// one. Any error returned by fn rolls everything back.
type Manager interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}
