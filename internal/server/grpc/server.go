// Package grpcserver exposes the document governance commands over gRPC.
package grpcserver

import (
	"context"
	"maps"
	"slices"

	"github.com/and161185/docgov/internal/convert"
	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/and161185/docgov/internal/service"
	"github.com/gofrs/uuid/v5"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// Backend is the set of command surfaces served.
type Backend struct {
	Documents   service.DocumentService
	Locks       service.LockService
	Permissions service.PermissionService
	Definitions service.DefinitionService
	Workflows   service.WorkflowEngine
}

type handler func(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error)

// Server wires services into gRPC handlers.
type Server struct {
	b      Backend
	log    *zap.Logger
	routes map[string]handler
}

// New constructs a gRPC server with injected services.
func New(b Backend, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	s := &Server{b: b, log: log}
	s.routes = map[string]handler{
		"WhoAmI": s.whoAmI,

		"CreateDocument":       s.createDocument,
		"GetDocument":          docOp(b.Documents.Get),
		"DeleteDocument":       docOp(b.Documents.Delete),
		"PublishDocument":      docOp(b.Documents.Publish),
		"ArchiveDocument":      docOp(b.Documents.Archive),
		"ListVersions":         s.listVersions,
		"DocumentHistory":      s.documentHistory,
		"SetLegalHold":         s.setLegalHold,
		"ApplyRetentionPolicy": s.applyRetention,
		"ListRetentionExpired": s.listRetentionExpired,

		"Checkout":       s.checkout,
		"Checkin":        s.checkin,
		"CancelCheckout": docOp(b.Locks.CancelCheckout),
		"GetLock":        s.getLock,

		"GrantPermission":  s.grant,
		"RevokePermission": s.revoke,
		"ResolveEffective": s.resolveEffective,
		"ListGrants":       s.listGrants,

		"CreateDefinition":     s.createDefinition,
		"UpdateDefinition":     s.updateDefinition,
		"DeleteDefinition":     s.deleteDefinition,
		"ActivateDefinition":   defOp(b.Definitions.Activate),
		"DeactivateDefinition": defOp(b.Definitions.Deactivate),
		"GetDefinition":        defOp(b.Definitions.Get),
		"ListDefinitions":      s.listDefinitions,
		"MoveStep":             s.moveStep,
		"AddStep":              s.addStep,
		"RemoveStep":           s.removeStep,

		"StartWorkflow":    s.startWorkflow,
		"DecideTask":       s.decideTask,
		"CancelWorkflow":   s.cancelWorkflow,
		"GetInstance":      s.getInstance,
		"ListTasks":        s.listTasks,
		"ListMyTasks":      s.listMyTasks,
		"ListOverdueTasks": s.listOverdueTasks,
	}
	return s
}

// Methods lists the served method names.
func (s *Server) Methods() []string { return slices.Sorted(maps.Keys(s.routes)) }

func (s *Server) dispatch(ctx context.Context, method string, req *structpb.Struct) (*structpb.Struct, error) {
	h, ok := s.routes[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "method %s not implemented", method)
	}
	p, ok := PrincipalFromCtx(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "no auth")
	}
	resp, err := h(ctx, p, convert.NewArgs(req))
	if err != nil {
		if codeOf(err) == codes.Internal {
			s.log.Error("command failed", zap.String("method", method), zap.Error(err))
		}
		return nil, toStatus(err)
	}
	return resp, nil
}

// bad classifies a request decoding failure.
func bad(err error) error { return errs.Validation("%s", err.Error()) }

func docOp(fn func(context.Context, model.Principal, uuid.UUID) (*model.Document, error)) handler {
	return func(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
		id, err := a.UUID("documentId")
		if err != nil {
			return nil, bad(err)
		}
		d, err := fn(ctx, p, id)
		if err != nil {
			return nil, err
		}
		return convert.Document(*d), nil
	}
}

func defOp(fn func(context.Context, model.Principal, uuid.UUID) (*model.WorkflowDefinition, error)) handler {
	return func(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
		id, err := a.UUID("definitionId")
		if err != nil {
			return nil, bad(err)
		}
		d, err := fn(ctx, p, id)
		if err != nil {
			return nil, err
		}
		return convert.Definition(*d), nil
	}
}

func (s *Server) whoAmI(_ context.Context, p model.Principal, _ convert.Args) (*structpb.Struct, error) {
	roles := make([]any, len(p.Roles))
	for i, r := range p.Roles {
		roles[i] = r
	}
	m := map[string]any{
		"userId":    p.UserID.String(),
		"companyId": p.CompanyID.String(),
		"roles":     roles,
	}
	if p.DepartmentID != nil {
		m["departmentId"] = p.DepartmentID.String()
	}
	return structpb.NewStruct(m)
}

// --- documents ---

func (s *Server) createDocument(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	var (
		req model.NewDocument
		err error
	)
	if req.Title, err = a.String("title"); err != nil {
		return nil, bad(err)
	}
	if req.ParentID, err = a.OptUUID("parentId"); err != nil {
		return nil, bad(err)
	}
	if req.DepartmentID, err = a.OptUUID("departmentId"); err != nil {
		return nil, bad(err)
	}
	if req.RetentionPolicyID, err = a.String("retentionPolicyId"); err != nil {
		return nil, bad(err)
	}
	d, err := s.b.Documents.Create(ctx, p, req)
	if err != nil {
		return nil, err
	}
	return convert.Document(*d), nil
}

func (s *Server) listVersions(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("documentId")
	if err != nil {
		return nil, bad(err)
	}
	vs, err := s.b.Documents.ListVersions(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return convert.List(vs, convert.Version), nil
}

func (s *Server) documentHistory(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("documentId")
	if err != nil {
		return nil, bad(err)
	}
	recs, err := s.b.Documents.History(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return convert.List(recs, convert.AuditRecord), nil
}

func (s *Server) setLegalHold(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("documentId")
	if err != nil {
		return nil, bad(err)
	}
	on, err := a.Bool("on")
	if err != nil {
		return nil, bad(err)
	}
	reason, err := a.String("reason")
	if err != nil {
		return nil, bad(err)
	}
	d, err := s.b.Documents.SetLegalHold(ctx, p, id, on, reason)
	if err != nil {
		return nil, err
	}
	return convert.Document(*d), nil
}

func (s *Server) applyRetention(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("documentId")
	if err != nil {
		return nil, bad(err)
	}
	policy, err := a.String("policyId")
	if err != nil {
		return nil, bad(err)
	}
	d, err := s.b.Documents.ApplyRetentionPolicy(ctx, p, id, policy)
	if err != nil {
		return nil, err
	}
	return convert.Document(*d), nil
}

func (s *Server) listRetentionExpired(ctx context.Context, p model.Principal, _ convert.Args) (*structpb.Struct, error) {
	docs, err := s.b.Documents.ListRetentionExpired(ctx, p)
	if err != nil {
		return nil, err
	}
	return convert.List(docs, convert.Document), nil
}

// --- locks ---

func (s *Server) checkout(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("documentId")
	if err != nil {
		return nil, bad(err)
	}
	hours, err := a.Int("durationHours")
	if err != nil {
		return nil, bad(err)
	}
	l, err := s.b.Locks.Checkout(ctx, p, id, hours)
	if err != nil {
		return nil, err
	}
	return convert.Lock(*l), nil
}

func (s *Server) checkin(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("documentId")
	if err != nil {
		return nil, bad(err)
	}
	var req model.CheckinRequest
	if req.ContentRef, err = a.String("contentRef"); err != nil {
		return nil, bad(err)
	}
	if req.Comment, err = a.String("comment"); err != nil {
		return nil, bad(err)
	}
	d, err := s.b.Locks.Checkin(ctx, p, id, req)
	if err != nil {
		return nil, err
	}
	return convert.Document(*d), nil
}

func (s *Server) getLock(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("documentId")
	if err != nil {
		return nil, bad(err)
	}
	l, err := s.b.Locks.GetLock(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return convert.Lock(*l), nil
}

// --- permissions ---

func (s *Server) grant(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	var (
		req model.GrantRequest
		err error
	)
	if req.DocumentID, err = a.UUID("documentId"); err != nil {
		return nil, bad(err)
	}
	if req.Subject, err = a.Subject("subject"); err != nil {
		return nil, bad(err)
	}
	if req.Level, err = a.Level("level"); err != nil {
		return nil, bad(err)
	}
	if req.AppliesToChildren, err = a.Bool("appliesToChildren"); err != nil {
		return nil, bad(err)
	}
	if req.Overrides, err = a.Overrides("overrides"); err != nil {
		return nil, bad(err)
	}
	g, err := s.b.Permissions.Grant(ctx, p, req)
	if err != nil {
		return nil, err
	}
	return convert.Grant(*g), nil
}

func (s *Server) revoke(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("grantId")
	if err != nil {
		return nil, bad(err)
	}
	g, err := s.b.Permissions.Revoke(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return convert.Grant(*g), nil
}

// resolveEffective resolves for the caller unless userId names someone else.
func (s *Server) resolveEffective(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("documentId")
	if err != nil {
		return nil, bad(err)
	}
	target := p
	userID, err := a.OptUUID("userId")
	if err != nil {
		return nil, bad(err)
	}
	if userID != nil && *userID != p.UserID {
		target = model.Principal{UserID: *userID}
	}
	e, err := s.b.Permissions.ResolveEffective(ctx, p, id, target)
	if err != nil {
		return nil, err
	}
	return convert.Effective(e), nil
}

func (s *Server) listGrants(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("documentId")
	if err != nil {
		return nil, bad(err)
	}
	all, err := a.Bool("includeRevoked")
	if err != nil {
		return nil, bad(err)
	}
	gs, err := s.b.Permissions.ListGrants(ctx, p, id, all)
	if err != nil {
		return nil, err
	}
	return convert.List(gs, convert.Grant), nil
}

// --- definitions ---

func (s *Server) createDefinition(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	var (
		req model.NewDefinition
		err error
	)
	if req.Code, err = a.String("code"); err != nil {
		return nil, bad(err)
	}
	if req.Name, err = a.String("name"); err != nil {
		return nil, bad(err)
	}
	if req.Steps, err = a.Steps("steps"); err != nil {
		return nil, bad(err)
	}
	if req.IsDefault, err = a.Bool("isDefault"); err != nil {
		return nil, bad(err)
	}
	d, err := s.b.Definitions.Create(ctx, p, req)
	if err != nil {
		return nil, err
	}
	return convert.Definition(*d), nil
}

func (s *Server) updateDefinition(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("definitionId")
	if err != nil {
		return nil, bad(err)
	}
	var patch model.DefinitionPatch
	if patch.Code, err = a.OptString("code"); err != nil {
		return nil, bad(err)
	}
	if patch.Name, err = a.OptString("name"); err != nil {
		return nil, bad(err)
	}
	if patch.Steps, err = a.Steps("steps"); err != nil {
		return nil, bad(err)
	}
	if patch.IsDefault, err = a.OptBool("isDefault"); err != nil {
		return nil, bad(err)
	}
	d, err := s.b.Definitions.Update(ctx, p, id, patch)
	if err != nil {
		return nil, err
	}
	return convert.Definition(*d), nil
}

func (s *Server) deleteDefinition(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("definitionId")
	if err != nil {
		return nil, bad(err)
	}
	if err := s.b.Definitions.Delete(ctx, p, id); err != nil {
		return nil, err
	}
	return &structpb.Struct{}, nil
}

func (s *Server) listDefinitions(ctx context.Context, p model.Principal, _ convert.Args) (*structpb.Struct, error) {
	ds, err := s.b.Definitions.List(ctx, p)
	if err != nil {
		return nil, err
	}
	return convert.List(ds, convert.Definition), nil
}

func (s *Server) moveStep(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("definitionId")
	if err != nil {
		return nil, bad(err)
	}
	order, err := a.Int("order")
	if err != nil {
		return nil, bad(err)
	}
	dir, err := a.String("direction")
	if err != nil {
		return nil, bad(err)
	}
	d, err := s.b.Definitions.MoveStep(ctx, p, id, order, model.StepMove(dir))
	if err != nil {
		return nil, err
	}
	return convert.Definition(*d), nil
}

func (s *Server) addStep(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("definitionId")
	if err != nil {
		return nil, bad(err)
	}
	obj, err := a.Struct("step")
	if err != nil {
		return nil, bad(err)
	}
	step, err := convert.StepFrom(obj)
	if err != nil {
		return nil, bad(err)
	}
	d, err := s.b.Definitions.AddStep(ctx, p, id, step)
	if err != nil {
		return nil, err
	}
	return convert.Definition(*d), nil
}

func (s *Server) removeStep(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("definitionId")
	if err != nil {
		return nil, bad(err)
	}
	order, err := a.Int("order")
	if err != nil {
		return nil, bad(err)
	}
	d, err := s.b.Definitions.RemoveStep(ctx, p, id, order)
	if err != nil {
		return nil, err
	}
	return convert.Definition(*d), nil
}

// --- workflows ---

func (s *Server) startWorkflow(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	docID, err := a.UUID("documentId")
	if err != nil {
		return nil, bad(err)
	}
	defID, err := a.OptUUID("definitionId")
	if err != nil {
		return nil, bad(err)
	}
	inst, err := s.b.Workflows.Start(ctx, p, docID, defID)
	if err != nil {
		return nil, err
	}
	return convert.Instance(*inst), nil
}

func (s *Server) decideTask(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("taskId")
	if err != nil {
		return nil, bad(err)
	}
	decision, err := a.String("decision")
	if err != nil {
		return nil, bad(err)
	}
	notes, err := a.String("notes")
	if err != nil {
		return nil, bad(err)
	}
	res, err := s.b.Workflows.Decide(ctx, p, id, model.Decision(decision), notes)
	if err != nil {
		return nil, err
	}
	return convert.TaskDecision(*res), nil
}

func (s *Server) cancelWorkflow(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("instanceId")
	if err != nil {
		return nil, bad(err)
	}
	reason, err := a.String("reason")
	if err != nil {
		return nil, bad(err)
	}
	inst, err := s.b.Workflows.Cancel(ctx, p, id, reason)
	if err != nil {
		return nil, err
	}
	return convert.Instance(*inst), nil
}

func (s *Server) getInstance(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("instanceId")
	if err != nil {
		return nil, bad(err)
	}
	inst, err := s.b.Workflows.GetInstance(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return convert.Instance(*inst), nil
}

func (s *Server) listTasks(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	id, err := a.UUID("instanceId")
	if err != nil {
		return nil, bad(err)
	}
	ts, err := s.b.Workflows.ListTasks(ctx, p, id)
	if err != nil {
		return nil, err
	}
	return convert.List(ts, convert.Task), nil
}

func (s *Server) listMyTasks(ctx context.Context, p model.Principal, _ convert.Args) (*structpb.Struct, error) {
	ts, err := s.b.Workflows.ListMyTasks(ctx, p)
	if err != nil {
		return nil, err
	}
	return convert.List(ts, convert.Task), nil
}

func (s *Server) listOverdueTasks(ctx context.Context, p model.Principal, a convert.Args) (*structpb.Struct, error) {
	limit, err := a.Int("limit")
	if err != nil {
		return nil, bad(err)
	}
	ts, err := s.b.Workflows.ListOverdueTasks(ctx, p, limit)
	if err != nil {
		return nil, err
	}
	return convert.List(ts, convert.Task), nil
}
