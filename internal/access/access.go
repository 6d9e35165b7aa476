// Package access decides who may read, run and manage executions and
// templates.
package access

import (
	"context"
	"strings"

	"github.com/rendis/runway/internal/store"
	"github.com/rendis/runway/pkg/schema"
)

// Roles, lowest to highest.
const (
	RoleMember     = "member"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "super_admin"
)

var roleLevels = map[string]int{
	RoleMember:     1,
	RoleAdmin:      2,
	RoleSuperAdmin: 3,
}

// Principal is the authenticated caller.
type Principal struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id,omitempty"`
	Role           string `json:"role"`
}

// ValidRole reports whether role is known.
func ValidRole(role string) bool {
	return roleLevels[normalize(role)] > 0
}

// HasAtLeast reports whether p's role is at or above required.
func (p *Principal) HasAtLeast(required string) bool {
	if p == nil {
		return false
	}
	want := roleLevels[normalize(required)]
	return want > 0 && roleLevels[normalize(p.Role)] >= want
}

// IsSuperAdmin reports whether p bypasses ownership checks.
func (p *Principal) IsSuperAdmin() bool { return p.HasAtLeast(RoleSuperAdmin) }

func normalize(role string) string { return strings.ToLower(strings.TrimSpace(role)) }

func unauthenticated() error {
	return schema.NewError(schema.ErrCodeUnauthenticated, "authentication required")
}

// CanAccessExecution allows the execution's owner, members of its
// organization, and super admins. The FORBIDDEN error carries no execution
// data.
func CanAccessExecution(p *Principal, exec *schema.Execution) error {
	if p == nil {
		return unauthenticated()
	}
	if p.IsSuperAdmin() {
		return nil
	}
	if exec.UserID == p.ID {
		return nil
	}
	if org := exec.OrgID(); org != "" && org == p.OrganizationID {
		return nil
	}
	return schema.NewError(schema.ErrCodeForbidden, "not allowed to access this execution")
}

// CanUseTemplate allows running or reading a template: shared templates,
// templates scoped to the caller's organization, the author's own, and
// super admins.
func CanUseTemplate(p *Principal, tpl *schema.WorkflowTemplate) error {
	if p == nil {
		return unauthenticated()
	}
	if p.IsSuperAdmin() || tpl.AuthorID == p.ID {
		return nil
	}
	ok := tpl.Visibility.Match(
		func(orgID string) bool { return p.OrganizationID != "" && orgID == p.OrganizationID },
		func() bool { return true },
	)
	if !ok {
		return schema.NewError(schema.ErrCodeForbidden, "not allowed to use this template")
	}
	return nil
}

// CanManageTemplate allows changing a template: its author, an admin of the
// organization it is scoped to, and super admins. Shared templates are
// managed by their author or a super admin only.
func CanManageTemplate(p *Principal, tpl *schema.WorkflowTemplate) error {
	if p == nil {
		return unauthenticated()
	}
	if p.IsSuperAdmin() || tpl.AuthorID == p.ID {
		return nil
	}
	ok := tpl.Visibility.Match(
		func(orgID string) bool {
			return p.OrganizationID != "" && orgID == p.OrganizationID && p.HasAtLeast(RoleAdmin)
		},
		func() bool { return false },
	)
	if !ok {
		return schema.NewError(schema.ErrCodeForbidden, "not allowed to manage this template")
	}
	return nil
}

// CanCreateTemplate checks the visibility a caller wants to publish with:
// members may scope templates to their own organization, only super admins
// may share them.
func CanCreateTemplate(p *Principal, v schema.Visibility) error {
	if p == nil {
		return unauthenticated()
	}
	if p.IsSuperAdmin() {
		return nil
	}
	ok := v.Match(
		func(orgID string) bool { return p.OrganizationID != "" && orgID == p.OrganizationID },
		func() bool { return false },
	)
	if !ok {
		return schema.NewError(schema.ErrCodeForbidden, "not allowed to publish a template with this visibility")
	}
	return nil
}

// RequireRole fails with FORBIDDEN unless p holds at least role.
func RequireRole(p *Principal, role string) error {
	if p == nil {
		return unauthenticated()
	}
	if !p.HasAtLeast(role) {
		return schema.NewErrorf(schema.ErrCodeForbidden, "requires role %s", role)
	}
	return nil
}

// ScopeFor restricts listings to what p may see; nil means unrestricted.
// A nil principal gets a scope that matches nothing.
func ScopeFor(p *Principal) *store.AccessScope {
	if p == nil {
		return &store.AccessScope{}
	}
	if p.IsSuperAdmin() {
		return nil
	}
	return &store.AccessScope{UserID: p.ID, OrganizationID: p.OrganizationID}
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx, or nil.
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}
