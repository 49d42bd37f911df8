package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Level is an ordinal access tier. LevelNone means no grant applies.
type Level int

const (
	LevelNone Level = iota
	LevelViewer
	LevelContributor
	LevelEditor
	LevelManager
)

var levelNames = map[Level]string{
	LevelNone:        "none",
	LevelViewer:      "viewer",
	LevelContributor: "contributor",
	LevelEditor:      "editor",
	LevelManager:     "manager",
}

func (l Level) String() string {
	if s, ok := levelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is a grantable level.
func (l Level) Valid() bool { return l >= LevelViewer && l <= LevelManager }

// ParseLevel parses a level name; "none" is rejected.
func ParseLevel(s string) (Level, error) {
	for l, name := range levelNames {
		if name == s && l != LevelNone {
			return l, nil
		}
	}
	return LevelNone, fmt.Errorf("unknown permission level %q", s)
}

// Capability is a single derived permission flag.
type Capability string

const (
	CanView              Capability = "view"
	CanDownload          Capability = "download"
	CanEdit              Capability = "edit"
	CanDelete            Capability = "delete"
	CanShare             Capability = "share"
	CanComment           Capability = "comment"
	CanManagePermissions Capability = "manage_permissions"
)

// AllCapabilities lists every capability in display order.
var AllCapabilities = []Capability{CanView, CanDownload, CanEdit, CanDelete, CanShare, CanComment, CanManagePermissions}

// ValidCapability reports whether c is known.
func ValidCapability(c Capability) bool {
	for _, k := range AllCapabilities {
		if k == c {
			return true
		}
	}
	return false
}

// CapabilitiesFor returns the flags implied by a level.
func CapabilitiesFor(l Level) map[Capability]bool {
	caps := make(map[Capability]bool, len(AllCapabilities))
	switch {
	case l >= LevelManager:
		for _, c := range AllCapabilities {
			caps[c] = true
		}
	case l == LevelEditor:
		caps[CanView], caps[CanDownload], caps[CanEdit], caps[CanComment], caps[CanShare] = true, true, true, true, true
	case l == LevelContributor:
		caps[CanView], caps[CanDownload], caps[CanComment] = true, true, true
	case l == LevelViewer:
		caps[CanView], caps[CanDownload] = true, true
	}
	return caps
}

// Subject identifies the grantee. Exactly one field must be set.
type Subject struct {
	UserID       *uuid.UUID
	RoleName     string
	DepartmentID *uuid.UUID
}

// SubjectKind names which subject field is set.
type SubjectKind string

const (
	SubjectUser       SubjectKind = "user"
	SubjectRole       SubjectKind = "role"
	SubjectDepartment SubjectKind = "department"
)

// Normalized drops nil-UUID pointers and trims the role name so that only set fields remain.
func (s Subject) Normalized() Subject {
	if s.UserID != nil && *s.UserID == uuid.Nil {
		s.UserID = nil
	}
	if s.DepartmentID != nil && *s.DepartmentID == uuid.Nil {
		s.DepartmentID = nil
	}
	s.RoleName = strings.TrimSpace(s.RoleName)
	return s
}

// Kind returns the subject kind, or an error unless exactly one field is set.
func (s Subject) Kind() (SubjectKind, error) {
	s = s.Normalized()
	var kinds []SubjectKind
	if s.UserID != nil {
		kinds = append(kinds, SubjectUser)
	}
	if s.RoleName != "" {
		kinds = append(kinds, SubjectRole)
	}
	if s.DepartmentID != nil {
		kinds = append(kinds, SubjectDepartment)
	}
	if len(kinds) != 1 {
		return "", fmt.Errorf("exactly one of userId, roleName, departmentId is required (got %d)", len(kinds))
	}
	return kinds[0], nil
}

// PermissionGrant grants a level on a document. Immutable once revoked.
type PermissionGrant struct {
	ID                uuid.UUID
	DocumentID        uuid.UUID
	Subject           Subject
	Level             Level
	AppliesToChildren bool
	// Overrides explicitly sets individual flags regardless of Level.
	Overrides       map[Capability]bool
	GrantedByUserID uuid.UUID
	GrantedAt       time.Time
	RevokedAt       *time.Time
	RevokedByUserID *uuid.UUID
}

// Revoked reports whether the grant has been revoked.
func (g PermissionGrant) Revoked() bool { return g.RevokedAt != nil }

// GrantRequest is the validated input of a grant command.
type GrantRequest struct {
	DocumentID        uuid.UUID
	Subject           Subject
	Level             Level
	AppliesToChildren bool
	Overrides         map[Capability]bool
}

// PermissionSource is one grant that contributed to an effective permission.
type PermissionSource struct {
	GrantID    uuid.UUID
	DocumentID uuid.UUID
	Subject    Subject
	Level      Level
	Inherited  bool
}

// EffectivePermission is derived on every request and never persisted.
type EffectivePermission struct {
	Level                Level
	CanView              bool
	CanDownload          bool
	CanEdit              bool
	CanDelete            bool
	CanShare             bool
	CanComment           bool
	CanManagePermissions bool
	Sources              []PermissionSource
}

// Allows reports whether the capability flag is set.
func (e EffectivePermission) Allows(c Capability) bool {
	switch c {
	case CanView:
		return e.CanView
	case CanDownload:
		return e.CanDownload
	case CanEdit:
		return e.CanEdit
	case CanDelete:
		return e.CanDelete
	case CanShare:
		return e.CanShare
	case CanComment:
		return e.CanComment
	case CanManagePermissions:
		return e.CanManagePermissions
	}
	return false
}

// SetFlags copies a capability map onto the flag fields.
func (e *EffectivePermission) SetFlags(caps map[Capability]bool) {
	e.CanView = caps[CanView]
	e.CanDownload = caps[CanDownload]
	e.CanEdit = caps[CanEdit]
	e.CanDelete = caps[CanDelete]
	e.CanShare = caps[CanShare]
	e.CanComment = caps[CanComment]
	e.CanManagePermissions = caps[CanManagePermissions]
}
