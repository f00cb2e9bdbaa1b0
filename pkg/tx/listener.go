package tx

import "context"

// Listener observes transaction boundaries. Errors from OnBeforeCommit
// abort the commit; errors from OnAfterCommit are reported as a blocked
// transaction; rollback listener errors are logged.
type Listener interface {
	OnBeforeBegin(ctx context.Context, t *Transaction) error
	OnAfterBegin(ctx context.Context, t *Transaction) error
	OnBeforeCommit(ctx context.Context, t *Transaction) error
	OnAfterCommit(ctx context.Context, t *Transaction) error
	OnBeforeRollback(ctx context.Context, t *Transaction) error
	OnAfterRollback(ctx context.Context, t *Transaction) error
}

// BaseListener implements Listener with no-ops. Embed it and override the
// callbacks of interest.
type BaseListener struct{}

func (BaseListener) OnBeforeBegin(context.Context, *Transaction) error    { return nil }
func (BaseListener) OnAfterBegin(context.Context, *Transaction) error     { return nil }
func (BaseListener) OnBeforeCommit(context.Context, *Transaction) error   { return nil }
func (BaseListener) OnAfterCommit(context.Context, *Transaction) error    { return nil }
func (BaseListener) OnBeforeRollback(context.Context, *Transaction) error { return nil }
func (BaseListener) OnAfterRollback(context.Context, *Transaction) error  { return nil }
