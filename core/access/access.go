/*Package access resolves the authenticated principal of a request.

The record engine does not authenticate anything itself; it accepts a
resolved principal from this collaborator, passes it into hook metadata and
uses it for auth-collection behaviors such as hiding credential columns.
*/
package access

import (
	"context"
)

// contextKey is the type for context keys. Go linter does not like plain strings
type contextKey string

const contextKeyPrincipal contextKey = "_principal_"

// Principal is the authenticated caller of a request, if any.
type Principal struct {
	// ID is the record id of the principal in its auth collection, or an
	// opaque subject for externally issued tokens.
	ID string `json:"id"`
	// Collection is the auth collection the principal belongs to.
	Collection string `json:"collection,omitempty"`
	// Admin marks a principal with full schema-mutation rights.
	Admin bool `json:"admin,omitempty"`
}

// ContextWithPrincipal returns a new context with this principal added to it
func (p *Principal) ContextWithPrincipal(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyPrincipal, p)
}

// PrincipalFromContext retrieves the principal from the context, or nil for
// an anonymous request.
func PrincipalFromContext(ctx context.Context) *Principal {
	p, ok := ctx.Value(contextKeyPrincipal).(*Principal)
	if ok {
		return p
	}
	return nil
}
