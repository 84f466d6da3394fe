package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gopkg.in/yaml.v3"

	wardenotel "github.com/opencellcw/ulf-warden-sub010/internal/otel"
)

var tracer = wardenotel.Tracer("github.com/opencellcw/ulf-warden-sub010/internal/policy")

// ResolvePathUnderBase resolves path relative to baseDir and returns an
// absolute path that is guaranteed to be under baseDir. Prevents path
// traversal when path is user-controlled (webhook-named workflows, manifest
// paths from the API). If path is absolute, it must still be under baseDir.
func ResolvePathUnderBase(baseDir, path string) (string, error) {
	dirAbs, err := filepath.Abs(filepath.Clean(baseDir))
	if err != nil {
		return "", fmt.Errorf("base directory: %w", err)
	}
	full := path
	if !filepath.IsAbs(path) {
		full = filepath.Join(dirAbs, path)
	}
	full = filepath.Clean(full)
	pathAbs, err := filepath.Abs(full)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	rel, err := filepath.Rel(dirAbs, pathAbs)
	if err != nil {
		return "", fmt.Errorf("path outside base directory")
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || strings.HasPrefix(rel, "../") {
		return "", fmt.Errorf("path outside base directory")
	}
	return pathAbs, nil
}

// LoadManifest loads and validates a warden.yaml file.
// baseDir is the directory path is resolved against; the resolved path must
// stay under baseDir. If baseDir is empty, the current working directory is
// used. If strict is true, additional business-rule validation is applied.
func LoadManifest(ctx context.Context, path string, strict bool, baseDir string) (*Manifest, error) {
	_, span := tracer.Start(ctx, "manifest.load")
	defer span.End()

	span.SetAttributes(
		attribute.String("manifest.path", path),
		attribute.Bool("manifest.strict", strict),
	)

	if baseDir == "" {
		var err error
		baseDir, err = os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("manifest base directory: %w", err)
		}
	}
	safePath, err := ResolvePathUnderBase(baseDir, path)
	if err != nil {
		return nil, fmt.Errorf("manifest path: %w", err)
	}

	content, err := os.ReadFile(safePath)
	if err != nil {
		return nil, fmt.Errorf("reading manifest file %s: %w", safePath, err)
	}

	if err := ValidateSchema(content, strict); err != nil {
		return nil, fmt.Errorf("schema validation: %w", err)
	}

	var man Manifest
	if err := yaml.Unmarshal(content, &man); err != nil {
		return nil, fmt.Errorf("parsing YAML: %w", err)
	}

	man.ComputeHash(content)
	man.index()

	if err := validateCrossRefs(&man); err != nil {
		return nil, err
	}

	// Retry on a non-idempotent tool is legal outside strict mode, but the
	// idempotency gate means it will never fire; say so once at load.
	for _, t := range man.Tools {
		if t.Retry != nil && t.Retry.MaxAttempts > 1 && !t.Idempotent {
			log.Warn().
				Str("tool", t.Name).
				Msg("retry_config_inert_non_idempotent")
			span.AddEvent("retry_config_inert", trace.WithAttributes(
				attribute.String("tool", t.Name),
			))
		}
	}

	span.SetAttributes(
		attribute.String("manifest.service", man.Service.Name),
		attribute.String("manifest.version_tag", man.VersionTag),
		attribute.Int("manifest.tool_count", len(man.Tools)),
	)

	return &man, nil
}

// validateCrossRefs checks referential integrity the JSON schema cannot
// express: unique tool names and resolvable rate_rule references.
func validateCrossRefs(m *Manifest) error {
	seen := make(map[string]struct{}, len(m.Tools))
	for _, t := range m.Tools {
		if _, dup := seen[t.Name]; dup {
			return fmt.Errorf("duplicate tool %q in manifest", t.Name)
		}
		seen[t.Name] = struct{}{}

		if t.RateRule != "" {
			if _, ok := m.RateRules[t.RateRule]; !ok {
				return fmt.Errorf("tool %q references undefined rate_rule %q", t.Name, t.RateRule)
			}
		}
	}

	if m.Triggers != nil {
		for _, w := range m.Triggers.Webhooks {
			if w.Workflow == "" {
				return fmt.Errorf("webhook trigger %q has no workflow", w.Name)
			}
		}
	}

	return nil
}
