package service

import (
	"context"
	"errors"
	"time"

	"github.com/and161185/docgov/internal/errs"
	"github.com/and161185/docgov/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

// Claims are the bearer token claims that carry the request principal.
type Claims struct {
	jwt.RegisteredClaims
	CompanyID    string   `json:"company_id"`
	DepartmentID string   `json:"department_id,omitempty"`
	Roles        []string `json:"roles,omitempty"`
}

// TokenService issues and verifies HS256 bearer tokens. Issuance serves operators and tests;
// production tokens normally come from the identity service signed with the same key.
type TokenService interface {
	// Issue signs a token for an active directory user.
	Issue(ctx context.Context, userID uuid.UUID) (string, time.Time, error)
	// Parse verifies a token and returns its principal.
	Parse(token string) (model.Principal, error)
}

type TokenServiceImpl struct {
	d         Deps
	signKey   []byte
	accessTTL time.Duration
}

// NewTokenService constructs TokenService.
func NewTokenService(d Deps, signKey []byte, accessTTL time.Duration) *TokenServiceImpl {
	if accessTTL <= 0 {
		accessTTL = 12 * time.Hour
	}
	return &TokenServiceImpl{d: d.normalize(), signKey: signKey, accessTTL: accessTTL}
}

// Issue reads the user's company, department and roles from the directory.
func (s *TokenServiceImpl) Issue(ctx context.Context, userID uuid.UUID) (string, time.Time, error) {
	if userID == uuid.Nil {
		return "", time.Time{}, errs.Validation("empty user id")
	}
	p, err := s.d.Tx.Repos().Directory.Principal(ctx, userID)
	if err != nil {
		return "", time.Time{}, err
	}
	return s.sign(p)
}

func (s *TokenServiceImpl) sign(p model.Principal) (string, time.Time, error) {
	now := s.d.Now()
	exp := now.Add(s.accessTTL)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.UserID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		CompanyID: p.CompanyID.String(),
		Roles:     p.Roles,
	}
	if p.DepartmentID != nil {
		claims.DepartmentID = p.DepartmentID.String()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}

// Parse accepts only HS256 tokens with a valid subject and company.
func (s *TokenServiceImpl) Parse(token string) (model.Principal, error) {
	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return s.signKey, nil
	}, jwt.WithLeeway(30*time.Second), jwt.WithTimeFunc(s.d.Now))
	if err != nil || !parsed.Valid {
		return model.Principal{}, errs.ErrUnauthorized
	}
	return claims.Principal()
}

// Principal converts verified claims into a request principal.
func (c Claims) Principal() (model.Principal, error) {
	uid, err := uuid.FromString(c.Subject)
	if err != nil || uid == uuid.Nil {
		return model.Principal{}, errs.ErrUnauthorized
	}
	company, err := uuid.FromString(c.CompanyID)
	if err != nil || company == uuid.Nil {
		return model.Principal{}, errs.ErrUnauthorized
	}
	p := model.Principal{UserID: uid, CompanyID: company, Roles: c.Roles}
	if c.DepartmentID != "" {
		dept, err := uuid.FromString(c.DepartmentID)
		if err != nil {
			return model.Principal{}, errs.ErrUnauthorized
		}
		p.DepartmentID = &dept
	}
	return p, nil
}
