package otel

import (
	"go.opentelemetry.io/otel/attribute"
)

// GenAI semantic-convention attribute keys used on judge-call spans,
// following the OpenTelemetry GenAI SIG naming.
const (
	GenAISystem       = attribute.Key("gen_ai.system")        // e.g. "openai", "ollama"
	GenAIRequestModel = attribute.Key("gen_ai.request.model") // e.g. "gpt-4o-mini"

	GenAIRequestTemperature = attribute.Key("gen_ai.request.temperature")
	GenAIRequestMaxTokens   = attribute.Key("gen_ai.request.max_tokens")

	GenAIUsageInputTokens  = attribute.Key("gen_ai.usage.input_tokens")
	GenAIUsageOutputTokens = attribute.Key("gen_ai.usage.output_tokens")

	GenAIResponseFinishReason = attribute.Key("gen_ai.response.finish_reason")
)

// JudgeRequestAttributes builds the standard attribute set for a judge call.
// The judge always runs at temperature 0; the value is still recorded so
// traces make the determinism contract visible.
func JudgeRequestAttributes(system, model string, temperature float64, maxTokens int) []attribute.KeyValue {
	return []attribute.KeyValue{
		GenAISystem.String(system),
		GenAIRequestModel.String(model),
		GenAIRequestTemperature.Float64(temperature),
		GenAIRequestMaxTokens.Int(maxTokens),
	}
}

// JudgeUsageAttributes builds token-usage attributes for a judge call.
func JudgeUsageAttributes(inputTokens, outputTokens int) []attribute.KeyValue {
	return []attribute.KeyValue{
		GenAIUsageInputTokens.Int(inputTokens),
		GenAIUsageOutputTokens.Int(outputTokens),
	}
}
