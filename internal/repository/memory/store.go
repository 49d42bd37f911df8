// Package memory is an in-process implementation of the repository interfaces. It backs service tests
// and the server's -storage=memory mode.
package memory

import (
	"context"
	"maps"
	"slices"
	"sync"

	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/repository"
	"github.com/gofrs/uuid/v5"
)

// User is a directory entry.
type User = model.OrgUser

// Department is a directory department.
type Department = model.Department

type state struct {
	docs       map[uuid.UUID]model.Document
	versions   map[uuid.UUID][]model.DocumentVersion
	locks      map[uuid.UUID]model.CheckoutLock
	grants     map[uuid.UUID]model.PermissionGrant
	grantOrder []uuid.UUID
	defs       map[uuid.UUID]model.WorkflowDefinition
	insts      map[uuid.UUID]model.WorkflowInstance
	tasks      map[uuid.UUID]model.WorkflowTask
	taskOrder  []uuid.UUID
	users      map[uuid.UUID]User
	depts      map[uuid.UUID]Department
	events     []model.Event
	audit      map[uuid.UUID][]model.AuditRecord
	auditSeq   int64
}

func newState() *state {
	return &state{
		docs:     map[uuid.UUID]model.Document{},
		versions: map[uuid.UUID][]model.DocumentVersion{},
		locks:    map[uuid.UUID]model.CheckoutLock{},
		grants:   map[uuid.UUID]model.PermissionGrant{},
		defs:     map[uuid.UUID]model.WorkflowDefinition{},
		insts:    map[uuid.UUID]model.WorkflowInstance{},
		tasks:    map[uuid.UUID]model.WorkflowTask{},
		users:    map[uuid.UUID]User{},
		depts:    map[uuid.UUID]Department{},
		audit:    map[uuid.UUID][]model.AuditRecord{},
	}
}

// clone copies the containers. Entity values are copied by value; their slice and map fields are
// replaced, never mutated in place, so sharing them between snapshots is safe.
func (s *state) clone() *state {
	c := &state{
		docs:       maps.Clone(s.docs),
		versions:   make(map[uuid.UUID][]model.DocumentVersion, len(s.versions)),
		locks:      maps.Clone(s.locks),
		grants:     maps.Clone(s.grants),
		grantOrder: slices.Clone(s.grantOrder),
		defs:       maps.Clone(s.defs),
		insts:      maps.Clone(s.insts),
		tasks:      maps.Clone(s.tasks),
		taskOrder:  slices.Clone(s.taskOrder),
		users:      maps.Clone(s.users),
		depts:      maps.Clone(s.depts),
		events:     slices.Clone(s.events),
		audit:      make(map[uuid.UUID][]model.AuditRecord, len(s.audit)),
		auditSeq:   s.auditSeq,
	}
	for k, v := range s.versions {
		c.versions[k] = slices.Clone(v)
	}
	for k, v := range s.audit {
		c.audit[k] = slices.Clone(v)
	}
	return c
}

// Store implements repository.TxManager. Transactions are serialized by a single mutex and run
// against a snapshot that replaces the live state only when fn succeeds.
type Store struct {
	mu sync.Mutex
	st *state
}

// New returns an empty store.
func New() *Store { return &Store{st: newState()} }

// WithinTx runs fn on a private snapshot and publishes it on success.
// fn must not call Repos() on the same store.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, r repository.Repos) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	work := s.st.clone()
	if err := fn(ctx, reposFor(txView{st: work})); err != nil {
		return err
	}
	s.st = work
	return nil
}

// Repos returns autocommit repositories; every call takes the store mutex.
func (s *Store) Repos() repository.Repos { return reposFor(autoView{s: s}) }

// AddUser registers or replaces a directory user.
func (s *Store) AddUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Roles = slices.Clone(u.Roles)
	s.st.users[u.ID] = u
}

// SyncDirectory implements repository.DirectorySync.
func (s *Store) SyncDirectory(ctx context.Context, departments []model.Department, users []model.OrgUser) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, d := range departments {
		s.AddDepartment(d)
	}
	for _, u := range users {
		s.AddUser(u)
	}
	return nil
}

// AddDepartment registers or replaces a department.
func (s *Store) AddDepartment(d Department) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.depts[d.ID] = d
}

type view interface {
	do(fn func(st *state) error) error
}

type txView struct{ st *state }

func (v txView) do(fn func(st *state) error) error { return fn(v.st) }

type autoView struct{ s *Store }

func (v autoView) do(fn func(st *state) error) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	return fn(v.s.st)
}

func reposFor(v view) repository.Repos {
	return repository.Repos{
		Documents:   documentRepo{v},
		Locks:       lockRepo{v},
		Grants:      grantRepo{v},
		Definitions: definitionRepo{v},
		Instances:   instanceRepo{v},
		Tasks:       taskRepo{v},
		Directory:   directoryRepo{v},
		Events:      eventRepo{v},
		Audit:       auditRepo{v},
	}
}
