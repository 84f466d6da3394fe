package policy

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage/inmem"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

//go:embed rego/*.rego
var embeddedPolicies embed.FS

// Decision represents the result of static policy evaluation.
type Decision struct {
	Allowed       bool     `json:"allowed"`
	Action        string   `json:"action"` // "allow" or "deny"
	Reasons       []string `json:"reasons,omitempty"`
	PolicyVersion string   `json:"policy_version"`
}

// regoPolicy maps a Rego file to the OPA query used to extract deny messages.
type regoPolicy struct {
	file  string
	query string
}

// allPolicies defines the Rego files and the query path for each.
var allPolicies = []regoPolicy{
	{file: "rego/tool_access.rego", query: "data.warden.policy.tool_access.deny"},
	{file: "rego/subjects.rego", query: "data.warden.policy.subjects.deny"},
}

// Engine evaluates the manifest's static access rules using embedded OPA.
// It answers the questions that need no judge: is this tool blocklisted, is
// it declared at all, is this subject banned. Everything contextual goes to
// the admission gate instead.
type Engine struct {
	manifest *Manifest
	prepared map[string]rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with precompiled Rego policies.
// The manifest is serialized to JSON and loaded as OPA data along with the
// operator's denied-subject list.
func NewEngine(ctx context.Context, man *Manifest, deniedSubjects []string) (*Engine, error) {
	ctx, span := tracer.Start(ctx, "policy.engine.new")
	defer span.End()

	manifestData, err := manifestToData(man)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("converting manifest to OPA data: %w", err)
	}

	if deniedSubjects == nil {
		deniedSubjects = []string{}
	}
	prepared, err := prepareRegoQueries(ctx, allPolicies, map[string]interface{}{
		"policy": manifestData,
		"subjects": map[string]interface{}{
			"denied": toInterfaceSlice(deniedSubjects),
		},
	})
	if err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("policy.prepared_count", len(prepared)))

	return &Engine{
		manifest: man,
		prepared: prepared,
	}, nil
}

// prepareRegoQueries initializes OPA prepared queries for a set of policies.
func prepareRegoQueries(ctx context.Context, policies []regoPolicy, opaData map[string]interface{}) (map[string]rego.PreparedEvalQuery, error) {
	prepared := make(map[string]rego.PreparedEvalQuery, len(policies))

	for _, rp := range policies {
		content, err := embeddedPolicies.ReadFile(rp.file)
		if err != nil {
			return nil, fmt.Errorf("reading embedded policy %s: %w", rp.file, err)
		}

		store := inmem.NewFromObject(opaData)

		r := rego.New(
			rego.Query(rp.query),
			rego.Module(rp.file, string(content)),
			rego.Store(store),
		)

		preparedQuery, err := r.PrepareForEval(ctx)
		if err != nil {
			return nil, fmt.Errorf("preparing Rego policy %s: %w", rp.file, err)
		}

		prepared[rp.file] = preparedQuery
	}

	return prepared, nil
}

// EvaluateToolAccess checks whether the named tool may be called at all:
// blocklist membership and, for closed-registry manifests, declaration.
func (e *Engine) EvaluateToolAccess(ctx context.Context, toolName string, args map[string]interface{}) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate_tool_access",
		trace.WithAttributes(
			attribute.String("tool.name", toolName),
		))
	defer span.End()

	if args == nil {
		args = map[string]interface{}{}
	}
	input := map[string]interface{}{
		"tool_name": toolName,
		"args":      args,
	}

	decision := &Decision{
		Allowed:       true,
		Action:        "allow",
		PolicyVersion: e.manifest.VersionTag,
	}

	reasons, err := e.evaluateDenyPolicy(ctx, "rego/tool_access.rego", input)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	decision.Reasons = append(decision.Reasons, reasons...)

	if len(decision.Reasons) > 0 {
		decision.Allowed = false
		decision.Action = "deny"
	}

	span.SetAttributes(
		attribute.Bool("policy.allowed", decision.Allowed),
		attribute.Int("policy.deny_reasons", len(decision.Reasons)),
	)
	if decision.Allowed {
		span.SetStatus(codes.Ok, "policy evaluation passed")
	}

	return decision, nil
}

// EvaluateSubject checks whether the calling subject is banned outright.
func (e *Engine) EvaluateSubject(ctx context.Context, subject string) (*Decision, error) {
	ctx, span := tracer.Start(ctx, "policy.evaluate_subject",
		trace.WithAttributes(
			attribute.String("subject", subject),
		))
	defer span.End()

	input := map[string]interface{}{
		"subject": subject,
	}

	decision := &Decision{
		Allowed:       true,
		Action:        "allow",
		PolicyVersion: e.manifest.VersionTag,
	}

	reasons, err := e.evaluateDenyPolicy(ctx, "rego/subjects.rego", input)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	decision.Reasons = append(decision.Reasons, reasons...)

	if len(decision.Reasons) > 0 {
		decision.Allowed = false
		decision.Action = "deny"
	}

	span.SetAttributes(
		attribute.Bool("policy.allowed", decision.Allowed),
		attribute.Int("policy.deny_reasons", len(decision.Reasons)),
	)
	if decision.Allowed {
		span.SetStatus(codes.Ok, "policy evaluation passed")
	}

	return decision, nil
}

// evaluateDenyPolicy runs a single prepared Rego policy that produces a set
// of deny reason strings.
func (e *Engine) evaluateDenyPolicy(ctx context.Context, pkg string, input map[string]interface{}) ([]string, error) {
	pq, ok := e.prepared[pkg]
	if !ok {
		return nil, fmt.Errorf("policy package %s not prepared", pkg)
	}

	results, err := pq.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluating %s: %w", pkg, err)
	}

	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	// The result of querying "data.xxx.deny" is a set of strings.
	// OPA returns it as []interface{} or, occasionally, map[string]interface{}.
	var reasons []string
	exprVal := results[0].Expressions[0].Value
	switch v := exprVal.(type) {
	case []interface{}:
		for _, msg := range v {
			if msgStr, ok := msg.(string); ok {
				reasons = append(reasons, msgStr)
			}
		}
	case map[string]interface{}:
		for _, msg := range v {
			if msgStr, ok := msg.(string); ok {
				reasons = append(reasons, msgStr)
			}
		}
	}

	return reasons, nil
}

func toInterfaceSlice(s []string) []interface{} {
	out := make([]interface{}, len(s))
	for i, v := range s {
		out[i] = v
	}
	return out
}

// manifestToData converts a Manifest to map[string]interface{} for OPA.
// We marshal to JSON then unmarshal to get clean map types.
func manifestToData(man *Manifest) (map[string]interface{}, error) {
	jsonBytes, err := json.Marshal(man)
	if err != nil {
		return nil, fmt.Errorf("marshalling manifest: %w", err)
	}

	var data map[string]interface{}
	if err := json.Unmarshal(jsonBytes, &data); err != nil {
		return nil, fmt.Errorf("unmarshalling manifest data: %w", err)
	}

	return data, nil
}
