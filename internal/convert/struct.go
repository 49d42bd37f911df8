// Package convert maps domain entities to and from the structpb wire bodies of the gRPC API.
package convert

import (
	"encoding/hex"
	"time"

	"github.com/and161185/docgov/internal/model"
	u "github.com/gofrs/uuid/v5"
	"google.golang.org/protobuf/types/known/structpb"
)

// --- helpers ---

type fields map[string]*structpb.Value

func (f fields) msg() *structpb.Struct { return &structpb.Struct{Fields: f} }

func str(s string) *structpb.Value { return structpb.NewStringValue(s) }

func num(n int64) *structpb.Value { return structpb.NewNumberValue(float64(n)) }

func boolean(b bool) *structpb.Value { return structpb.NewBoolValue(b) }

func null() *structpb.Value { return structpb.NewNullValue() }

func id(v u.UUID) *structpb.Value { return str(v.String()) }

func optID(v *u.UUID) *structpb.Value {
	if v == nil || *v == u.Nil {
		return null()
	}
	return id(*v)
}

// TimeLayout is the wire format of every timestamp.
const TimeLayout = time.RFC3339Nano

func ts(t time.Time) *structpb.Value {
	if t.IsZero() {
		return null()
	}
	return str(t.UTC().Format(TimeLayout))
}

func optTS(t *time.Time) *structpb.Value {
	if t == nil {
		return null()
	}
	return ts(*t)
}

func list[T any](in []T, fn func(T) *structpb.Struct) *structpb.Value {
	vals := make([]*structpb.Value, len(in))
	for i, v := range in {
		vals[i] = structpb.NewStructValue(fn(v))
	}
	return structpb.NewListValue(&structpb.ListValue{Values: vals})
}

// List wraps entities into an {"items": [...]} response body.
func List[T any](in []T, fn func(T) *structpb.Struct) *structpb.Struct {
	return fields{"items": list(in, fn)}.msg()
}

// --- documents ---

// Document converts a document.
func Document(d model.Document) *structpb.Struct {
	return fields{
		"id":                 id(d.ID),
		"companyId":          id(d.CompanyID),
		"parentId":           optID(d.ParentID),
		"title":              str(d.Title),
		"status":             str(string(d.Status)),
		"legalHold":          boolean(d.LegalHold),
		"legalHoldReason":    str(d.LegalHoldReason),
		"retentionPolicyId":  str(d.RetentionPolicyID),
		"retentionExpiresAt": optTS(d.RetentionExpiresAt),
		"ownerUserId":        id(d.OwnerUserID),
		"departmentId":       optID(d.DepartmentID),
		"version":            num(d.Version),
		"createdAt":          ts(d.CreatedAt),
		"updatedAt":          ts(d.UpdatedAt),
		"deletedAt":          optTS(d.DeletedAt),
	}.msg()
}

// Version converts a document version.
func Version(v model.DocumentVersion) *structpb.Struct {
	return fields{
		"documentId": id(v.DocumentID),
		"version":    num(v.Version),
		"contentRef": str(v.ContentRef),
		"comment":    str(v.Comment),
		"createdBy":  id(v.CreatedBy),
		"createdAt":  ts(v.CreatedAt),
	}.msg()
}

// Lock converts a checkout lock.
func Lock(l model.CheckoutLock) *structpb.Struct {
	return fields{
		"documentId":   id(l.DocumentID),
		"holderUserId": id(l.HolderUserID),
		"checkedOutAt": ts(l.CheckedOutAt),
		"expiresAt":    ts(l.ExpiresAt),
	}.msg()
}

// AuditRecord converts an audit chain link; hashes are hex encoded.
func AuditRecord(a model.AuditRecord) *structpb.Struct {
	return fields{
		"seq":        num(a.Seq),
		"documentId": id(a.DocumentID),
		"action":     str(a.Action),
		"actorId":    id(a.ActorID),
		"detail":     str(a.Detail),
		"at":         ts(a.At),
		"prevHash":   str(hex.EncodeToString(a.PrevHash)),
		"hash":       str(hex.EncodeToString(a.Hash)),
	}.msg()
}

// --- permissions ---

func subject(s model.Subject) *structpb.Value {
	f := fields{}
	if s.UserID != nil {
		f["userId"] = id(*s.UserID)
	}
	if s.RoleName != "" {
		f["roleName"] = str(s.RoleName)
	}
	if s.DepartmentID != nil {
		f["departmentId"] = id(*s.DepartmentID)
	}
	return structpb.NewStructValue(f.msg())
}

func overrides(o map[model.Capability]bool) *structpb.Value {
	f := make(fields, len(o))
	for c, v := range o {
		f[string(c)] = boolean(v)
	}
	return structpb.NewStructValue(f.msg())
}

// Grant converts a permission grant.
func Grant(g model.PermissionGrant) *structpb.Struct {
	return fields{
		"id":                id(g.ID),
		"documentId":        id(g.DocumentID),
		"subject":           subject(g.Subject),
		"level":             str(g.Level.String()),
		"appliesToChildren": boolean(g.AppliesToChildren),
		"overrides":         overrides(g.Overrides),
		"grantedByUserId":   id(g.GrantedByUserID),
		"grantedAt":         ts(g.GrantedAt),
		"revokedAt":         optTS(g.RevokedAt),
		"revokedByUserId":   optID(g.RevokedByUserID),
	}.msg()
}

// Effective converts a resolved permission with its contributing sources.
func Effective(e model.EffectivePermission) *structpb.Struct {
	return fields{
		"level":                str(e.Level.String()),
		"canView":              boolean(e.CanView),
		"canDownload":          boolean(e.CanDownload),
		"canEdit":              boolean(e.CanEdit),
		"canDelete":            boolean(e.CanDelete),
		"canShare":             boolean(e.CanShare),
		"canComment":           boolean(e.CanComment),
		"canManagePermissions": boolean(e.CanManagePermissions),
		"sources": list(e.Sources, func(s model.PermissionSource) *structpb.Struct {
			return fields{
				"grantId":    id(s.GrantID),
				"documentId": id(s.DocumentID),
				"subject":    subject(s.Subject),
				"level":      str(s.Level.String()),
				"inherited":  boolean(s.Inherited),
			}.msg()
		}),
	}.msg()
}

// --- workflows ---

// Step converts one workflow step.
func Step(s model.WorkflowStep) *structpb.Struct {
	assignee := fields{"type": str(string(s.Assignee.Type))}
	if s.Assignee.Value != "" {
		assignee["value"] = str(s.Assignee.Value)
	}
	return fields{
		"order":        num(int64(s.Order)),
		"name":         str(s.Name),
		"type":         str(string(s.Type)),
		"assignee":     structpb.NewStructValue(assignee.msg()),
		"parallel":     boolean(s.Parallel),
		"timeoutHours": num(int64(s.TimeoutHours)),
	}.msg()
}

// Definition converts a workflow definition.
func Definition(d model.WorkflowDefinition) *structpb.Struct {
	return fields{
		"id":        id(d.ID),
		"companyId": id(d.CompanyID),
		"code":      str(d.Code),
		"name":      str(d.Name),
		"steps":     list(d.Steps, Step),
		"isDefault": boolean(d.IsDefault),
		"isActive":  boolean(d.IsActive),
		"createdAt": ts(d.CreatedAt),
		"updatedAt": ts(d.UpdatedAt),
	}.msg()
}

// Instance converts a workflow instance including its step snapshot.
func Instance(i model.WorkflowInstance) *structpb.Struct {
	return fields{
		"id":               id(i.ID),
		"documentId":       id(i.DocumentID),
		"definitionId":     id(i.DefinitionID),
		"companyId":        id(i.CompanyID),
		"steps":            list(i.Steps, Step),
		"status":           str(string(i.Status)),
		"currentStepOrder": num(int64(i.CurrentStepOrder)),
		"startedBy":        id(i.StartedBy),
		"startedAt":        ts(i.StartedAt),
		"completedAt":      optTS(i.CompletedAt),
		"outcome":          str(i.Outcome),
		"cancelReason":     str(i.CancelReason),
	}.msg()
}

// Task converts a workflow task.
func Task(t model.WorkflowTask) *structpb.Struct {
	return fields{
		"id":             id(t.ID),
		"instanceId":     id(t.InstanceID),
		"documentId":     id(t.DocumentID),
		"stepOrder":      num(int64(t.StepOrder)),
		"assignedUserId": id(t.AssignedUserID),
		"decision":       str(string(t.Decision)),
		"notes":          str(t.Notes),
		"decidedAt":      optTS(t.DecidedAt),
		"dueAt":          optTS(t.DueAt),
		"createdAt":      ts(t.CreatedAt),
	}.msg()
}

// TaskDecision converts the result of a decide command.
func TaskDecision(d model.TaskDecision) *structpb.Struct {
	return fields{
		"task":     structpb.NewStructValue(Task(d.Task)),
		"instance": structpb.NewStructValue(Instance(d.Instance)),
	}.msg()
}
