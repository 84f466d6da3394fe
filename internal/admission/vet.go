package admission

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opencellcw/ulf-warden-sub010/internal/judge"
	"github.com/opencellcw/ulf-warden-sub010/internal/policy"
)

// maxVetterTokens caps the verdict. One line is the whole contract.
const maxVetterTokens = 150

// Decision is the outcome of vetting one proposed tool call. Produced
// per call, never persisted by the gate itself.
type Decision struct {
	Allowed              bool             `json:"allowed"`
	Reason               string           `json:"reason,omitempty"`
	RiskLevel            policy.RiskLevel `json:"risk_level"`
	RequiresConfirmation bool             `json:"requires_confirmation"`
	DecidedAt            time.Time        `json:"decided_at"`
}

// Vet decides whether a proposed tool call may proceed. The static
// argument validator runs on every call, fast path included, and its
// rejection cannot be overridden by the judge. Low-risk tools outside
// the always-confirm list are permitted without a judge round trip;
// everything else goes to the judge under the strict PERMIT / BLOCK
// contract, where any other output or error blocks.
func (g *Gate) Vet(ctx context.Context, toolName string, args map[string]any, userRequest string) *Decision {
	risk := g.manifest.RiskOf(toolName)
	needsConfirm := g.RequiresConfirmation(toolName)

	ctx, span := tracer.Start(ctx, "admission.vet",
		trace.WithAttributes(
			attribute.String("tool", toolName),
			attribute.String("risk_level", string(risk)),
		))
	defer span.End()

	argsJSON, err := marshalArgs(args)
	if err != nil {
		span.SetAttributes(attribute.Bool("allowed", false))
		return g.decision(false, "arguments are not serializable: "+err.Error(), risk, needsConfirm)
	}

	if findings := scanArgs(argsJSON); len(findings) > 0 {
		reason := "unsafe arguments: " + strings.Join(findings, "; ")
		log.Warn().
			Str("tool", toolName).
			Strs("findings", findings).
			Msg("vet_static_validation_failed")
		span.SetAttributes(attribute.Bool("allowed", false), attribute.Bool("static_block", true))
		return g.decision(false, reason, risk, needsConfirm)
	}

	if risk == policy.RiskLow && !needsConfirm {
		log.Debug().Str("tool", toolName).Msg("vet_fast_path")
		span.SetAttributes(attribute.Bool("allowed", true), attribute.Bool("fast_path", true))
		return g.decision(true, "", risk, false)
	}

	resp, err := g.judge.Generate(ctx, &judge.Request{
		Model:       g.model,
		Messages:    vetterMessages(toolName, argsJSON, risk, userRequest),
		Temperature: 0,
		MaxTokens:   maxVetterTokens,
	})
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("tool", toolName).Msg("vetter_fail_closed")
		return g.decision(false, "vetting judge call failed: "+err.Error(), risk, needsConfirm)
	}
	costEUR := g.judge.EstimateCost(resp.Model, resp.InputTokens, resp.OutputTokens)
	judge.RecordCost(ctx, costEUR, g.judge.Name(), resp.Model)

	allowed, reason := parseVerdict(resp.Content)
	if !allowed {
		log.Info().
			Str("tool", toolName).
			Str("risk_level", string(risk)).
			Str("reason", reason).
			Msg("vet_blocked")
	}
	span.SetAttributes(attribute.Bool("allowed", allowed))
	return g.decision(allowed, reason, risk, needsConfirm)
}

// marshalArgs serializes arguments without HTML escaping so the static
// validator sees shell operators (&&) as written, not as &&.
func marshalArgs(args map[string]any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(args); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func (g *Gate) decision(allowed bool, reason string, risk policy.RiskLevel, confirm bool) *Decision {
	return &Decision{
		Allowed:              allowed,
		Reason:               reason,
		RiskLevel:            risk,
		RequiresConfirmation: confirm,
		DecidedAt:            g.now().UTC(),
	}
}

// parseVerdict applies the two-branch contract: exactly "PERMIT" allows,
// a "BLOCK" prefix denies with the judge's reason, anything else denies.
func parseVerdict(content string) (bool, string) {
	verdict := strings.TrimSpace(content)
	if verdict == "PERMIT" {
		return true, ""
	}
	if strings.HasPrefix(verdict, "BLOCK") {
		reason := strings.TrimSpace(strings.TrimPrefix(verdict, "BLOCK"))
		reason = strings.TrimSpace(strings.TrimPrefix(reason, ":"))
		if reason == "" {
			reason = "blocked by security review"
		}
		return false, reason
	}
	return false, "unrecognized judge verdict"
}
