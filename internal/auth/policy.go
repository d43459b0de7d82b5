package auth

import (
	"net/http"
	"strings"
)

// Policy determines required roles by request.
type Policy struct {
	ExemptPaths    map[string]struct{}
	ExemptPrefixes []string
}

// NewDefaultPolicy builds a default policy with exemptions.
func NewDefaultPolicy(exemptPaths []string, exemptPrefixes []string) Policy {
	set := make(map[string]struct{}, len(exemptPaths))
	for _, path := range exemptPaths {
		set[path] = struct{}{}
	}
	return Policy{ExemptPaths: set, ExemptPrefixes: exemptPrefixes}
}

// IsExempt returns true when a request should skip auth/RBAC.
func (p Policy) IsExempt(r *http.Request) bool {
	if r == nil {
		return true
	}
	if _, ok := p.ExemptPaths[r.URL.Path]; ok {
		return true
	}
	for _, prefix := range p.ExemptPrefixes {
		if strings.HasPrefix(r.URL.Path, prefix) {
			return true
		}
	}
	return false
}

// RequiredRole resolves required role for the request. Deduction runs,
// catalog writes, settlement closing and the audit trail need admin. Other
// writes need clerk.
func (p Policy) RequiredRole(r *http.Request) (Role, bool) {
	if r == nil {
		return "", false
	}
	path := strings.TrimSuffix(r.URL.Path, "/")
	if !strings.HasPrefix(path, "/api/") {
		return "", false
	}
	if path == "/api/v1/audit" {
		return RoleAdmin, true
	}
	if isRead(r.Method) {
		return RoleViewer, true
	}

	switch {
	case strings.HasPrefix(path, "/api/v1/summaries/") &&
		(strings.HasSuffix(path, "/charges") ||
			strings.HasSuffix(path, "/specialty-charges") ||
			strings.HasSuffix(path, "/deductions/apply")):
		return RoleAdmin, true
	case strings.HasPrefix(path, "/api/v1/settlements/") && strings.HasSuffix(path, "/close"):
		return RoleAdmin, true
	case strings.HasPrefix(path, "/api/v1/deductions/"),
		strings.HasPrefix(path, "/api/v1/specialties"),
		strings.HasPrefix(path, "/api/v1/assignments/"):
		return RoleAdmin, true
	}
	return RoleClerk, true
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead || method == http.MethodOptions
}
