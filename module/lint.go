package module

import (
	"fmt"
	"regexp"
	"strings"
)

// LintLevel grades a lint finding. Error-level findings block registration.
type LintLevel string

const (
	LintError   LintLevel = "error"
	LintWarning LintLevel = "warning"
	LintInfo    LintLevel = "info"
)

// LintIssue is one finding from metadata lint.
type LintIssue struct {
	Level   LintLevel `json:"level"`
	Code    string    `json:"code"`
	Field   string    `json:"field,omitempty"`
	Message string    `json:"message"`
}

func (i LintIssue) String() string {
	if i.Field != "" {
		return fmt.Sprintf("[%s] %s %s: %s", i.Level, i.Code, i.Field, i.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", i.Level, i.Code, i.Message)
}

var (
	moduleIDPattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*){1,2}$`)
	semverPattern   = regexp.MustCompile(`^\d+\.\d+\.\d+(-[0-9A-Za-z.-]+)?$`)
)

var validTiers = map[Tier]bool{
	TierFeatured: true, TierStandard: true, TierToolkit: true, TierInternal: true,
}

var validStabilities = map[Stability]bool{
	StabilityStable: true, StabilityBeta: true, StabilityAlpha: true,
	StabilityExperimental: true, StabilityDeprecated: true,
}

var validParamTypes = map[string]bool{
	"string": true, "number": true, "integer": true, "boolean": true,
	"object": true, "array": true, "json": true, "any": true,
}

// Lint checks module metadata and returns all findings. Registration is
// refused when any finding is error-level.
func Lint(m *Metadata) []LintIssue {
	var issues []LintIssue
	errf := func(code, field, format string, args ...any) {
		issues = append(issues, LintIssue{Level: LintError, Code: code, Field: field, Message: fmt.Sprintf(format, args...)})
	}
	warnf := func(code, field, format string, args ...any) {
		issues = append(issues, LintIssue{Level: LintWarning, Code: code, Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if m.ID == "" {
		errf("missing-id", "module_id", "module id is required")
	} else if !moduleIDPattern.MatchString(m.ID) {
		errf("bad-id", "module_id", "module id %q must be category.action or category.subcategory.action", m.ID)
	}
	if m.Version == "" {
		errf("missing-version", "version", "version is required")
	} else if !semverPattern.MatchString(m.Version) {
		errf("bad-version", "version", "version %q is not semver", m.Version)
	}
	if m.Label == "" {
		warnf("missing-label", "label", "label is empty; the module id will be shown instead")
	}
	if m.Tier != "" && !validTiers[m.Tier] {
		errf("bad-tier", "tier", "unknown tier %q", m.Tier)
	}
	if m.Stability != "" && !validStabilities[m.Stability] {
		errf("bad-stability", "stability", "unknown stability %q", m.Stability)
	}
	if m.Category != "" && m.Namespace() != m.Category && !strings.HasPrefix(m.ID, m.Category+".") {
		warnf("category-mismatch", "category", "category %q does not match module id namespace %q", m.Category, m.Namespace())
	}

	for _, t := range m.InputTypes {
		if !ValidDataType(t) {
			errf("bad-input-type", "input_types", "unknown data type %q", t)
		}
	}
	for _, t := range m.OutputTypes {
		if !ValidDataType(t) {
			errf("bad-output-type", "output_types", "unknown data type %q", t)
		}
	}
	for _, p := range m.InputPorts {
		if p.DataType != "" && !ValidDataType(p.DataType) {
			errf("bad-port-type", "input_ports", "port %q has unknown data type %q", p.Name, p.DataType)
		}
	}
	for _, p := range m.OutputPorts {
		if p.DataType != "" && !ValidDataType(p.DataType) {
			errf("bad-port-type", "output_ports", "port %q has unknown data type %q", p.Name, p.DataType)
		}
	}

	seenAliases := make(map[string]string)
	for name, spec := range m.Params {
		field := "params_schema." + name
		if spec.Type != "" && !validParamTypes[spec.Type] {
			errf("bad-param-type", field, "unknown parameter type %q", spec.Type)
		}
		if spec.Pattern != "" {
			if _, err := regexp.Compile(spec.Pattern); err != nil {
				errf("bad-param-pattern", field, "pattern does not compile: %v", err)
			}
		}
		if spec.Min != nil && spec.Max != nil && *spec.Min > *spec.Max {
			errf("bad-param-range", field, "min %v exceeds max %v", *spec.Min, *spec.Max)
		}
		for _, alias := range spec.Aliases {
			if _, isParam := m.Params[alias]; isParam {
				errf("alias-collision", field, "alias %q collides with a declared parameter", alias)
			}
			if prev, dup := seenAliases[alias]; dup {
				errf("alias-collision", field, "alias %q already declared by parameter %q", alias, prev)
			}
			seenAliases[alias] = name
		}
	}

	for _, c := range m.ModuleCapabilities {
		if !Capabilities[c] {
			errf("bad-capability", "capabilities", "unknown capability %q", c)
		}
	}

	for _, ex := range m.Examples {
		if ex.ID == "" {
			errf("bad-example", "examples", "example without id")
			continue
		}
		for p := range ex.Params {
			if _, ok := m.CanonicalParam(p); !ok {
				errf("bad-example-param", "examples."+ex.ID, "example references unknown parameter %q", p)
			}
		}
	}

	if m.RequiresCredentials && !contains(m.ModuleCapabilities, "credentials.access") {
		warnf("missing-capability", "capabilities", "requires_credentials without credentials.access capability")
	}

	return issues
}

// LintBlocks reports whether any finding is error-level.
func LintBlocks(issues []LintIssue) bool {
	for _, i := range issues {
		if i.Level == LintError {
			return true
		}
	}
	return false
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
