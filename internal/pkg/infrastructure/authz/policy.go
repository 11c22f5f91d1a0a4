package authz

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
)

//go:embed default_policy.rego
var defaultPolicyModule string

// RegoAuthorizer re-expresses Authorize's predicate as a rego policy.
// Operators can swap the embedded default policy for a site-specific one
// (e.g. per-tenant exceptions) without a code change.
type RegoAuthorizer struct {
	query rego.PreparedEvalQuery
}

// NewRegoAuthorizer compiles policySrc (or the embedded default when
// policySrc is empty) once at startup.
func NewRegoAuthorizer(ctx context.Context, policySrc string) (*RegoAuthorizer, error) {
	if policySrc == "" {
		policySrc = defaultPolicyModule
	}

	query, err := rego.New(
		rego.Query("x = data.ingestgateway.authz.allow"),
		rego.Module("ingestgateway.rego", policySrc),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("compile authz policy: %w", err)
	}

	return &RegoAuthorizer{query: query}, nil
}

// Authorize evaluates the policy against the same inputs as the
// in-process Authorize predicate and errors with ErrScopeMismatch on
// denial, so callers can use either interchangeably.
func (r *RegoAuthorizer) Authorize(ctx context.Context, info ApiKeyInfo, sourceID, domain string) error {
	input := map[string]any{
		"role":              string(info.Role),
		"source_id":         sourceID,
		"domain":            domain,
		"allowed_source_id": info.AllowedSourceID,
		"allowed_domains":   info.AllowedDomains,
	}

	results, err := r.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return fmt.Errorf("evaluate authz policy: %w", err)
	}
	if len(results) == 0 {
		return ErrScopeMismatch
	}

	allowed, ok := results[0].Bindings["x"].(bool)
	if !ok || !allowed {
		return ErrScopeMismatch
	}
	return nil
}
