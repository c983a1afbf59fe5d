// Package identity carries the per-request tenant context. Every
// storage and retrieval operation resolves a RequestContext either from
// an explicit argument or from the context.Context it was bound to.
package identity

import "context"

// Role decides how the access gate treats a request.
type Role int

const (
	// RoleUser is scoped to its own user/agent spaces.
	RoleUser Role = iota
	// RoleRoot bypasses tenant filters and sees every URI.
	RoleRoot
)

// String returns the canonical role name.
func (r Role) String() string {
	if r == RoleRoot {
		return "root"
	}
	return "user"
}

// DefaultAccountID is the account used when no request context is bound.
const DefaultAccountID = "default"

// RequestContext is the immutable tenant identity carried with every
// operation: who is asking, and which user/agent spaces they own.
type RequestContext struct {
	Role       Role
	AccountID  string
	UserSpace  string
	AgentSpace string
}

// Default returns the ROOT context used by legacy call paths that never
// bound an identity.
func Default() RequestContext {
	return RequestContext{
		Role:       RoleRoot,
		AccountID:  DefaultAccountID,
		UserSpace:  DefaultAccountID,
		AgentSpace: DefaultAccountID,
	}
}

// IsRoot reports whether tenant filters should be skipped.
func (rc RequestContext) IsRoot() bool {
	return rc.Role == RoleRoot
}

// OwnerSpaces returns the spaces this identity may own records in. The
// empty string admits shared resources, which carry no owner space.
func (rc RequestContext) OwnerSpaces() []string {
	return []string{rc.UserSpace, rc.AgentSpace, ""}
}

type ctxKey struct{}

// WithRequestContext binds an identity to a context. The binding is
// scoped: it lives exactly as long as the derived context, so every bind
// has a matching implicit unbind.
func WithRequestContext(ctx context.Context, rc RequestContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, rc)
}

// FromContext returns the bound identity, if any.
func FromContext(ctx context.Context) (RequestContext, bool) {
	rc, ok := ctx.Value(ctxKey{}).(RequestContext)
	return rc, ok
}

// Resolve picks the effective identity for an operation: the explicit
// argument wins, then a context binding, then the ROOT default.
func Resolve(ctx context.Context, explicit *RequestContext) RequestContext {
	if explicit != nil {
		return *explicit
	}
	if rc, ok := FromContext(ctx); ok {
		return rc
	}
	return Default()
}
