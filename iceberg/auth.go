package iceberg

import (
	"context"
	"fmt"
)

type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionAlter  Action = "alter"
	ActionDrop   Action = "drop"
)

// Principal is the already-authenticated caller of a catalog operation.
type Principal struct {
	Name  string
	Roles []string
}

// Authorizer decides whether a principal may perform an action on a
// namespace or table. Resource is the dotted namespace or table name.
type Authorizer interface {
	Authorize(ctx context.Context, principal Principal, action Action, resource string) (bool, error)
}

type AuthorizerFunc func(ctx context.Context, principal Principal, action Action, resource string) (bool, error)

func (f AuthorizerFunc) Authorize(ctx context.Context, principal Principal, action Action, resource string) (bool, error) {
	return f(ctx, principal, action, resource)
}

// AllowAll permits every action.
var AllowAll Authorizer = AuthorizerFunc(func(context.Context, Principal, Action, string) (bool, error) {
	return true, nil
})

type principalKey struct{}

func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}

func (c *Catalog) authorize(ctx context.Context, action Action, resource string) error {
	principal, _ := PrincipalFromContext(ctx)
	ok, err := c.authorizer.Authorize(ctx, principal, action, resource)
	if err != nil {
		return fmt.Errorf("authorizing %s on %s: %w", action, resource, err)
	}
	if !ok {
		return fmt.Errorf("%w: %q may not %s %s", ErrForbidden, principal.Name, action, resource)
	}
	return nil
}
