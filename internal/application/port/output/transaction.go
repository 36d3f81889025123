package output

import "context"

// TransactionManager coordinates transactional execution. The history write
// and the state mutation of one transition share a single transaction so
// the write-ahead ordering the orchestrator requires holds under crashes.
type TransactionManager interface {
	// InTransaction executes fn within a transaction; fn receives a context
	// carrying the transaction for repositories to pick up
	InTransaction(ctx context.Context, fn func(txCtx context.Context) error) error

	// BeginTransaction starts an explicitly managed transaction
	BeginTransaction(ctx context.Context) (Transaction, error)
}

// Transaction is an explicitly managed transaction
type Transaction interface {
	Commit() error
	Rollback() error
	Context() context.Context
}
