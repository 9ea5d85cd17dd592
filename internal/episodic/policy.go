package episodic

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/open-policy-agent/opa/rego"
)

// PolicyContext carries the caller's identity into OPA evaluation.
type PolicyContext struct {
	UserID    string                 `json:"user_id"`
	ClientID  string                 `json:"client_id"`
	JWTClaims map[string]interface{} `json:"jwt_claims"`
}

// PolicyEngine evaluates the three episodic Rego policies:
//
//  1. authz — may this caller read/write/delete (namespace, key)?
//  2. attributes — which plaintext policy_attributes to persist from
//     value+attributes before they are encrypted
//  3. filter — narrow the caller's search namespace_prefix and inject
//     mandatory attribute_filter constraints
//
// Policies hot-swap under the lock, so a failed reload never leaves the
// engine without a working set.
type PolicyEngine struct {
	mu           sync.RWMutex
	authz        *rego.PreparedEvalQuery
	attrExtract  *rego.PreparedEvalQuery
	filterInject *rego.PreparedEvalQuery
	authzSrc     string
	attrSrc      string
	filterSrc    string
}

// PolicyBundle is the source text of the three policies, as served and
// accepted by the admin policy endpoints.
type PolicyBundle struct {
	Authz      string `json:"authz"`
	Attributes string `json:"attributes"`
	Filter     string `json:"filter"`
}

// NewPolicyEngine compiles the policies from policyDir, or the built-in
// defaults when policyDir is empty.
func NewPolicyEngine(ctx context.Context, policyDir string) (*PolicyEngine, error) {
	e := &PolicyEngine{}
	if err := e.load(ctx, policyDir); err != nil {
		return nil, err
	}
	return e, nil
}

func regoSource(policyDir, filename, fallback string) string {
	if policyDir == "" {
		return fallback
	}
	data, err := os.ReadFile(filepath.Join(policyDir, filename))
	if err != nil {
		log.Warn("Policy file not found, using built-in default", "file", filename, "err", err)
		return fallback
	}
	return string(data)
}

func (e *PolicyEngine) load(ctx context.Context, policyDir string) error {
	return e.compileAndSwap(ctx, PolicyBundle{
		Authz:      regoSource(policyDir, "authz.rego", defaultAuthzRego),
		Attributes: regoSource(policyDir, "attributes.rego", defaultAttrExtractRego),
		Filter:     regoSource(policyDir, "filter.rego", defaultFilterInjectRego),
	})
}

// Reload re-reads policies from policyDir. Safe for concurrent use.
func (e *PolicyEngine) Reload(ctx context.Context, policyDir string) error {
	return e.load(ctx, policyDir)
}

// Bundle returns the currently active policy sources.
func (e *PolicyEngine) Bundle() PolicyBundle {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return PolicyBundle{
		Authz:      e.authzSrc,
		Attributes: e.attrSrc,
		Filter:     e.filterSrc,
	}
}

// ReplaceBundle validates and hot-swaps policies from source text.
func (e *PolicyEngine) ReplaceBundle(ctx context.Context, bundle PolicyBundle) error {
	bundle.Authz = strings.TrimSpace(bundle.Authz)
	bundle.Attributes = strings.TrimSpace(bundle.Attributes)
	bundle.Filter = strings.TrimSpace(bundle.Filter)
	if bundle.Authz == "" || bundle.Attributes == "" || bundle.Filter == "" {
		return fmt.Errorf("authz, attributes, and filter policies are required")
	}
	return e.compileAndSwap(ctx, bundle)
}

// compileAndSwap compiles all three policies first and installs them only
// when every compile succeeded.
func (e *PolicyEngine) compileAndSwap(ctx context.Context, bundle PolicyBundle) error {
	authz, err := prepareQuery(ctx, bundle.Authz, "data.memories.authz.allow")
	if err != nil {
		return fmt.Errorf("episodic: compile authz policy: %w", err)
	}
	attr, err := prepareQuery(ctx, bundle.Attributes, "data.memories.attributes.attributes")
	if err != nil {
		return fmt.Errorf("episodic: compile attribute extraction policy: %w", err)
	}
	filter, err := prepareQuery(ctx, bundle.Filter, "data.memories.filter")
	if err != nil {
		return fmt.Errorf("episodic: compile filter injection policy: %w", err)
	}

	e.mu.Lock()
	e.authz = authz
	e.attrExtract = attr
	e.filterInject = filter
	e.authzSrc = bundle.Authz
	e.attrSrc = bundle.Attributes
	e.filterSrc = bundle.Filter
	e.mu.Unlock()
	return nil
}

func prepareQuery(ctx context.Context, src, query string) (*rego.PreparedEvalQuery, error) {
	pq, err := rego.New(
		rego.Query(query),
		rego.Module("policy.rego", src),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, err
	}
	return &pq, nil
}

// IsAllowed evaluates the authz policy for one operation.
func (e *PolicyEngine) IsAllowed(ctx context.Context, operation string, namespace []string, key string, pc PolicyContext) (bool, error) {
	e.mu.RLock()
	q := *e.authz
	e.mu.RUnlock()

	results, err := q.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"operation": operation,
		"namespace": namespace,
		"key":       key,
		"context":   policyContextToMap(pc),
	}))
	if err != nil {
		return false, fmt.Errorf("episodic authz eval: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return false, nil
	}
	allow, _ := results[0].Expressions[0].Value.(bool)
	return allow, nil
}

// ExtractAttributes evaluates the attribute extraction policy, returning the
// plaintext policy_attributes to store alongside the memory.
func (e *PolicyEngine) ExtractAttributes(ctx context.Context, namespace []string, key string, value, attributes map[string]interface{}) (map[string]interface{}, error) {
	e.mu.RLock()
	q := *e.attrExtract
	e.mu.RUnlock()

	results, err := q.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"namespace":  namespace,
		"key":        key,
		"value":      value,
		"attributes": attributes,
	}))
	if err != nil {
		return nil, fmt.Errorf("episodic attr extract eval: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return map[string]interface{}{}, nil
	}
	extracted, _ := results[0].Expressions[0].Value.(map[string]interface{})
	if extracted == nil {
		return map[string]interface{}{}, nil
	}
	return extracted, nil
}

// InjectFilter evaluates the filter injection policy, returning the effective
// namespace prefix and the caller filter merged with the policy's mandatory
// attribute constraints.
func (e *PolicyEngine) InjectFilter(ctx context.Context, nsPrefix []string, filter map[string]interface{}, pc PolicyContext) ([]string, map[string]interface{}, error) {
	e.mu.RLock()
	q := *e.filterInject
	e.mu.RUnlock()

	results, err := q.Eval(ctx, rego.EvalInput(map[string]interface{}{
		"namespace_prefix": nsPrefix,
		"filter":           filter,
		"context":          policyContextToMap(pc),
	}))
	if err != nil {
		return nsPrefix, filter, fmt.Errorf("episodic filter inject eval: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nsPrefix, filter, nil
	}
	m, _ := results[0].Expressions[0].Value.(map[string]interface{})
	if m == nil {
		return nsPrefix, filter, nil
	}

	effectivePrefix := nsPrefix
	if raw, ok := m["namespace_prefix"]; ok {
		effectivePrefix = toStringSlice(raw)
	}

	merged := make(map[string]interface{})
	for k, v := range filter {
		merged[k] = v
	}
	if af, ok := m["attribute_filter"].(map[string]interface{}); ok {
		for k, v := range af {
			merged[k] = v
		}
	}
	return effectivePrefix, merged, nil
}

func policyContextToMap(pc PolicyContext) map[string]interface{} {
	claims := pc.JWTClaims
	if claims == nil {
		claims = map[string]interface{}{}
	}
	return map[string]interface{}{
		"user_id":    pc.UserID,
		"client_id":  pc.ClientID,
		"jwt_claims": claims,
	}
}

func toStringSlice(v interface{}) []string {
	switch t := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	case []string:
		return t
	}
	return nil
}

// ParseAttributeFilter decodes the flat JSON attribute filter from a search
// request. Validation of operators happens at query-build time.
func ParseAttributeFilter(raw json.RawMessage) (map[string]interface{}, error) {
	if raw == nil {
		return nil, nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("invalid attribute filter: %w", err)
	}
	return m, nil
}

// BuildSQLFilter renders an attribute filter as a parameterized WHERE
// fragment over the policy_attributes JSONB column. Supported forms per key:
// bare scalar equality, {"in": [...]}, and {"gt"|"gte"|"lt"|"lte": value}.
func BuildSQLFilter(filter map[string]interface{}) (string, []interface{}) {
	if len(filter) == 0 {
		return "", nil
	}
	var clauses []string
	var args []interface{}

	for key, val := range filter {
		switch v := val.(type) {
		case map[string]interface{}:
			if members, ok := v["in"]; ok {
				list, _ := members.([]interface{})
				if len(list) > 0 {
					placeholders := make([]string, len(list))
					for i, m := range list {
						args = append(args, jsonScalar(m))
						placeholders[i] = fmt.Sprintf("$%d", len(args))
					}
					clauses = append(clauses,
						fmt.Sprintf("policy_attributes->>'%s' = ANY(ARRAY[%s])",
							escapeSQLIdent(key), strings.Join(placeholders, ",")))
				}
			}
			for op, rhs := range v {
				var sqlOp string
				switch op {
				case "gt":
					sqlOp = ">"
				case "gte":
					sqlOp = ">="
				case "lt":
					sqlOp = "<"
				case "lte":
					sqlOp = "<="
				default:
					continue
				}
				args = append(args, rhs)
				clauses = append(clauses,
					fmt.Sprintf("(policy_attributes->>'%s')::numeric %s $%d",
						escapeSQLIdent(key), sqlOp, len(args)))
			}
		default:
			args = append(args, jsonScalar(v))
			clauses = append(clauses,
				fmt.Sprintf("policy_attributes->>'%s' = $%d", escapeSQLIdent(key), len(args)))
		}
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return strings.Join(clauses, " AND "), args
}

// jsonScalar normalizes a filter value to the text form produced by the
// JSONB ->> operator.
func jsonScalar(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		b, _ := json.Marshal(t)
		return strings.Trim(string(b), `"`)
	}
}

func escapeSQLIdent(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
