package admission

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/opencellcw/ulf-warden-sub010/internal/judge"
)

// maxSanitizerTokens caps the judge's summary. Enough for the JSON
// envelope plus a handful of facts and links.
const maxSanitizerTokens = 1200

// SanitizedContent is the distilled, judge-reviewed form of untrusted
// external content. The reasoning loop only ever sees this, never the
// raw bytes.
type SanitizedContent struct {
	TLDR       string   `json:"tldr"`
	KeyFacts   []string `json:"key_facts,omitempty"`
	Links      []string `json:"links,omitempty"`
	Suspicious []string `json:"suspicious,omitempty"`
	IsSafe     bool     `json:"is_safe"`
}

// Sanitize distills raw external content through the judge. Trusted
// sources pass through unchanged. For untrusted sources every failure
// mode — judge error, timeout, unparseable output — yields IsSafe=false
// with at least one Suspicious entry; raw untrusted content is never
// passed through on error.
func (g *Gate) Sanitize(ctx context.Context, rawContent, userIntent string, source Source) *SanitizedContent {
	ctx, span := tracer.Start(ctx, "admission.sanitize",
		trace.WithAttributes(
			attribute.String("source", string(source)),
			attribute.Int("content_bytes", len(rawContent)),
		))
	defer span.End()

	if !g.UntrustedSource(source) {
		log.Debug().Str("source", string(source)).Msg("sanitize_skipped_trusted_source")
		span.SetAttributes(attribute.Bool("is_safe", true), attribute.Bool("skipped", true))
		return &SanitizedContent{TLDR: rawContent, IsSafe: true}
	}

	resp, err := g.judge.Generate(ctx, &judge.Request{
		Model:       g.model,
		Messages:    sanitizerMessages(rawContent, userIntent, source),
		Temperature: 0,
		MaxTokens:   maxSanitizerTokens,
	})
	if err != nil {
		span.RecordError(err)
		log.Warn().Err(err).Str("source", string(source)).Msg("sanitizer_fail_closed")
		return failClosedContent("sanitizer judge call failed: " + err.Error())
	}
	costEUR := g.judge.EstimateCost(resp.Model, resp.InputTokens, resp.OutputTokens)
	judge.RecordCost(ctx, costEUR, g.judge.Name(), resp.Model)

	sc, perr := parseSanitized(resp.Content)
	if perr != nil {
		log.Warn().Err(perr).Str("source", string(source)).Msg("sanitizer_unparseable_output")
		return failClosedContent("sanitizer returned unparseable output")
	}

	// An unsafe verdict always names at least one reason.
	if !sc.IsSafe && len(sc.Suspicious) == 0 {
		sc.Suspicious = []string{"content flagged unsafe by sanitizer"}
	}

	span.SetAttributes(
		attribute.Bool("is_safe", sc.IsSafe),
		attribute.Int("suspicious_count", len(sc.Suspicious)),
	)
	return sc
}

func failClosedContent(reason string) *SanitizedContent {
	return &SanitizedContent{
		TLDR:       "content withheld by sanitizer",
		Suspicious: []string{reason},
		IsSafe:     false,
	}
}

var errNoJSONObject = errors.New("no JSON object in judge output")

// parseSanitized extracts the JSON object from the judge's reply. Models
// occasionally wrap JSON in prose or code fences, so everything outside
// the outermost braces is ignored.
func parseSanitized(content string) (*SanitizedContent, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, errNoJSONObject
	}
	var sc SanitizedContent
	if err := json.Unmarshal([]byte(content[start:end+1]), &sc); err != nil {
		return nil, err
	}
	return &sc, nil
}
