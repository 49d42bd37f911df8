package postgres

import (
	"context"

	"github.com/and161185/docgov/internal/repository"
	"github.com/jackc/pgx/v5"
)

// Store implements repository.TxManager on top of a pool.
type Store struct{ db *DB }

// NewStore constructs a transaction manager.
func NewStore(db *DB) *Store { return &Store{db: db} }

// WithinTx runs fn inside a single read-committed transaction; row locks taken with FOR UPDATE
// serialize concurrent commands on the same document.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, r repository.Repos) error) (err error) {
	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback(ctx)
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()
	return fn(ctx, NewRepos(tx))
}

// Repos returns repositories bound to the pool (autocommit).
func (s *Store) Repos() repository.Repos { return NewRepos(s.db.Pool) }

// NewRepos binds every repository to q.
func NewRepos(q Querier) repository.Repos {
	return repository.Repos{
		Documents:   NewDocumentRepo(q),
		Locks:       NewLockRepo(q),
		Grants:      NewGrantRepo(q),
		Definitions: NewDefinitionRepo(q),
		Instances:   NewInstanceRepo(q),
		Tasks:       NewTaskRepo(q),
		Directory:   NewDirectoryRepo(q),
		Events:      NewEventRepo(q),
		Audit:       NewAuditRepo(q),
	}
}
