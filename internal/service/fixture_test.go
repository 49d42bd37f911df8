package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/repository/memory"
	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type env struct {
	store   *memory.Store
	svc     *Services
	clock   *clock
	company uuid.UUID
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:   memory.New(),
		clock:   &clock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)},
		company: uuid.Must(uuid.NewV4()),
	}
	e.svc = New(Deps{
		Tx:  e.store,
		Log: zaptest.NewLogger(t),
		Now: e.clock.Now,
		Settings: Settings{
			Retention: map[string]model.RetentionPolicy{
				"contracts-7y": {ID: "contracts-7y", Name: "Contracts", RetainFor: 7 * 365 * 24 * time.Hour},
				"short":        {ID: "short", Name: "Short", RetainFor: 48 * time.Hour, FromApplied: true},
			},
		},
	})
	return e
}

// user registers an active directory user and returns its principal.
func (e *env) user(roles ...string) model.Principal {
	id := uuid.Must(uuid.NewV4())
	e.store.AddUser(memory.User{ID: id, CompanyID: e.company, Roles: roles, Active: true})
	return model.Principal{UserID: id, CompanyID: e.company, Roles: roles}
}

func (e *env) admin() model.Principal { return e.user("admin") }

func (e *env) document(t *testing.T, owner model.Principal) *model.Document {
	t.Helper()
	d, err := e.svc.Documents.Create(context.Background(), owner, model.NewDocument{Title: "Supply agreement"})
	require.NoError(t, err)
	return d
}

func (e *env) grant(t *testing.T, by model.Principal, doc uuid.UUID, to model.Principal, l model.Level) {
	t.Helper()
	_, err := e.svc.Permissions.Grant(context.Background(), by, model.GrantRequest{
		DocumentID: doc,
		Subject:    model.Subject{UserID: &to.UserID},
		Level:      l,
	})
	require.NoError(t, err)
}

func (e *env) events(t *testing.T, typ model.EventType) []model.Event {
	t.Helper()
	all, err := e.store.Repos().Events.ListPending(context.Background(), 1000)
	require.NoError(t, err)
	var out []model.Event
	for _, ev := range all {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
