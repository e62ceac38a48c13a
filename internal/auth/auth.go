// Package auth declares AuthGate, the pluggable authentication/
// authorization seam named in spec.md §1 and §6: every control-API
// operation accepts a bearer token or API key and requires a permission
// (e.g. "research:write", "admin:access"). No OAuth/RBAC implementation
// is provided here — that is explicitly out of scope (spec.md Non-goals)
// — only the interface internal/httpapi depends on, plus an
// allow-everything stub so the service runs standalone.
package auth

import "net/http"

// Principal identifies the caller a request was authenticated as.
type Principal struct {
	Subject     string
	Permissions map[string]bool
}

// Has reports whether the principal holds permission.
func (p Principal) Has(permission string) bool {
	return p.Permissions[permission]
}

// Gate authenticates an inbound request and checks it holds permission.
type Gate interface {
	Authenticate(r *http.Request) (Principal, error)
	Authorize(p Principal, permission string) bool
}

// AllowAll is a Gate stub that authenticates every request as a principal
// holding every permission. It exists so the service is runnable without a
// real IdentityStore wired in; production deployments replace it with a
// Gate backed by their own auth provider.
type AllowAll struct{}

func (AllowAll) Authenticate(r *http.Request) (Principal, error) {
	return Principal{Subject: "anonymous"}, nil
}

func (AllowAll) Authorize(Principal, string) bool { return true }
