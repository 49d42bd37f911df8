package model

import "github.com/gofrs/uuid/v5"

// OrgUser is a directory entry replicated from the identity service.
type OrgUser struct {
	ID           uuid.UUID
	CompanyID    uuid.UUID
	DepartmentID *uuid.UUID
	ManagerID    *uuid.UUID
	Roles        []string
	Active       bool
}

// Department is a directory department.
type Department struct {
	ID         uuid.UUID
	CompanyID  uuid.UUID
	Name       string
	HeadUserID *uuid.UUID
}
