// Package admission implements the two-stage gate in front of tool
// execution: a sanitizer that neutralizes untrusted external content
// before the reasoning loop sees it, and a vetter that approves or
// denies a proposed tool call against the user's request.
//
// Both stages are fail-closed. A judge error, a timeout, or output that
// doesn't match the expected contract always resolves to "unsafe" or
// "blocked", never to a silent pass.
package admission

import (
	"time"

	"github.com/opencellcw/ulf-warden-sub010/internal/judge"
	wardenotel "github.com/opencellcw/ulf-warden-sub010/internal/otel"
	"github.com/opencellcw/ulf-warden-sub010/internal/policy"
)

var tracer = wardenotel.Tracer("github.com/opencellcw/ulf-warden-sub010/internal/admission")

// Source classifies where a piece of content came from. Untrusted
// sources must pass the sanitizer before their content is used.
type Source string

const (
	SourceWebFetch  Source = "web_fetch"
	SourceWebSearch Source = "web_search"
	SourceUpload    Source = "upload"
	SourceEmail     Source = "email"
	SourceUser      Source = "user"
	SourceTool      Source = "tool"
)

// builtinUntrusted are always sanitized regardless of manifest config.
var builtinUntrusted = []Source{SourceWebFetch, SourceWebSearch, SourceUpload, SourceEmail}

// Gate wires the sanitizer, the vetter, and the static argument
// validator to one manifest and one judge.
type Gate struct {
	manifest  *policy.Manifest
	judge     judge.Provider
	model     string
	confirm   map[string]struct{}
	untrusted map[Source]struct{}

	now func() time.Time
}

// GateConfig configures a Gate. Manifest and Judge are required; Model
// is the judge model used for both stages.
type GateConfig struct {
	Manifest *policy.Manifest
	Judge    judge.Provider
	Model    string
}

// NewGate builds a gate from the manifest's admission section. The
// manifest's untrusted_sources extend the built-in list, they cannot
// shrink it.
func NewGate(cfg GateConfig) *Gate {
	g := &Gate{
		manifest:  cfg.Manifest,
		judge:     cfg.Judge,
		model:     cfg.Model,
		confirm:   cfg.Manifest.ConfirmList(),
		untrusted: make(map[Source]struct{}),
		now:       time.Now,
	}
	for _, s := range builtinUntrusted {
		g.untrusted[s] = struct{}{}
	}
	if adm := cfg.Manifest.Admission; adm != nil {
		for _, s := range adm.UntrustedSources {
			g.untrusted[Source(s)] = struct{}{}
		}
	}
	return g
}

// UntrustedSource reports whether content from the source must be
// sanitized before use.
func (g *Gate) UntrustedSource(s Source) bool {
	_, ok := g.untrusted[s]
	return ok
}

// RequiresConfirmation reports whether the tool is on the always-confirm
// list.
func (g *Gate) RequiresConfirmation(tool string) bool {
	_, ok := g.confirm[tool]
	return ok
}
