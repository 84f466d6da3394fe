package admission

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var rulesYAML []byte

// argRule is one compiled validation pattern.
type argRule struct {
	name   string
	detail string
	re     *regexp.Regexp
}

type ruleSpec struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Detail  string `yaml:"detail"`
}

type ruleFile struct {
	Injection      []ruleSpec `yaml:"injection"`
	Traversal      []ruleSpec `yaml:"traversal"`
	Credentials    []ruleSpec `yaml:"credentials"`
	FalsePositives []string   `yaml:"false_positives"`
}

var (
	injectionRules  []argRule
	traversalRules  []argRule
	credentialRules []argRule
	falsePositives  []string
)

func init() {
	var f ruleFile
	if err := yaml.Unmarshal(rulesYAML, &f); err != nil {
		panic(fmt.Sprintf("admission: parsing embedded rules.yaml: %v", err))
	}
	injectionRules = compileRules("injection", f.Injection)
	traversalRules = compileRules("traversal", f.Traversal)
	credentialRules = compileRules("credentials", f.Credentials)
	for _, fp := range f.FalsePositives {
		falsePositives = append(falsePositives, strings.ToLower(fp))
	}
}

func compileRules(section string, specs []ruleSpec) []argRule {
	rules := make([]argRule, 0, len(specs))
	for _, s := range specs {
		re, err := regexp.Compile(s.Pattern)
		if err != nil {
			panic(fmt.Sprintf("admission: compiling %s rule %q: %v", section, s.Name, err))
		}
		rules = append(rules, argRule{name: s.Name, detail: s.Detail, re: re})
	}
	return rules
}

// scanArgs runs the static validator over the JSON-serialized arguments
// and returns one human-readable finding per triggered rule. Credential
// matches are masked before they appear in a finding, and documentation
// placeholders are suppressed.
func scanArgs(argsJSON string) []string {
	var findings []string

	for _, r := range injectionRules {
		if r.re.MatchString(argsJSON) {
			findings = append(findings, fmt.Sprintf("injection pattern in arguments: %s", r.detail))
		}
	}

	for _, r := range traversalRules {
		if r.re.MatchString(argsJSON) {
			findings = append(findings, fmt.Sprintf("path traversal in arguments: %s", r.detail))
		}
	}

	for _, r := range credentialRules {
		match := r.re.FindString(argsJSON)
		if match == "" || isFalsePositive(match) {
			continue
		}
		findings = append(findings, fmt.Sprintf("embedded credential in arguments: %s (%s)", r.detail, maskSecret(match)))
	}

	return findings
}

// isFalsePositive reports whether a credential match is a known
// documentation placeholder.
func isFalsePositive(match string) bool {
	lower := strings.ToLower(match)
	for _, fp := range falsePositives {
		if strings.Contains(lower, fp) {
			return true
		}
	}
	return false
}

// maskSecret keeps the first and last four characters of a matched secret
// so a finding is identifiable without quoting the credential itself.
func maskSecret(text string) string {
	if len(text) <= 8 {
		return "***"
	}
	return text[:4] + "***" + text[len(text)-4:]
}
