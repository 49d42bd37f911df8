// Package repository defines storage interfaces implemented by concrete backends.
package repository

import "context"

// Repos bundles repositories bound to one transaction (or to autocommit reads).
type Repos struct {
	Documents   DocumentRepository
	Locks       LockRepository
	Grants      GrantRepository
	Definitions DefinitionRepository
	Instances   InstanceRepository
	Tasks       TaskRepository
	Directory   Directory
	Events      EventRepository
	Audit       AuditRepository
}

// TxManager runs commands as single transactions.
type TxManager interface {
	// WithinTx runs fn in one transaction. A non-nil error from fn rolls everything back.
	WithinTx(ctx context.Context, fn func(ctx context.Context, r Repos) error) error
	// Repos returns repositories outside any transaction, for read-only queries and best-effort writes.
	Repos() Repos
}
