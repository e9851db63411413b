package module

import "strings"

// Tier classifies modules for the catalog.
type Tier string

const (
	TierFeatured Tier = "featured"
	TierStandard Tier = "standard"
	TierToolkit  Tier = "toolkit"
	TierInternal Tier = "internal"
)

// Stability is the maturity level of a module.
type Stability string

const (
	StabilityStable       Stability = "stable"
	StabilityBeta         Stability = "beta"
	StabilityAlpha        Stability = "alpha"
	StabilityExperimental Stability = "experimental"
	StabilityDeprecated   Stability = "deprecated"
)

// Capabilities a module may declare. The runtime policy enforces them.
var Capabilities = map[string]bool{
	"network.public":    true,
	"network.private":   true,
	"filesystem.read":   true,
	"filesystem.write":  true,
	"shell.exec":        true,
	"credentials.access": true,
	"pii.access":        true,
	"browser.control":   true,
}

// ParamSpec describes one declared parameter of a module.
type ParamSpec struct {
	Type           string   `json:"type"`
	Required       bool     `json:"required,omitempty"`
	Default        any      `json:"default,omitempty"`
	Description    string   `json:"description,omitempty"`
	DescriptionKey string   `json:"description_key,omitempty"`
	Enum           []any    `json:"enum,omitempty"`
	Min            *float64 `json:"min,omitempty"`
	Max            *float64 `json:"max,omitempty"`
	Pattern        string   `json:"pattern,omitempty"`
	Multiline      bool     `json:"multiline,omitempty"`
	Options        []string `json:"options,omitempty"`

	// Format marks special rendering/redaction; "password" values are
	// redacted on every log write.
	Format string `json:"format,omitempty"`

	// Aliases are accepted parameter names normalized to the canonical one
	// before validation.
	Aliases []string `json:"aliases,omitempty"`
}

// OutputSpec describes one declared output field of a module.
type OutputSpec struct {
	Type           string `json:"type"`
	Description    string `json:"description,omitempty"`
	DescriptionKey string `json:"description_key,omitempty"`
}

// PortSpec declares one input or output port. Semantics tags control-flow
// ports ("true", "false", "iterate", "done", "case:<value>").
type PortSpec struct {
	Name      string   `json:"name"`
	DataType  DataType `json:"data_type,omitempty"`
	Semantics string   `json:"semantics,omitempty"`
}

// Example is one documented invocation of a module.
type Example struct {
	ID       string         `json:"id"`
	Title    string         `json:"title,omitempty"`
	Params   map[string]any `json:"params"`
	Expected any            `json:"expected,omitempty"`
}

// Metadata is the registry entry for one module.
type Metadata struct {
	ID          string    `json:"module_id"`
	Version     string    `json:"version"`
	SpecVersion string    `json:"spec_version,omitempty"`
	Category    string    `json:"category,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Tier        Tier      `json:"tier,omitempty"`
	Stability   Stability `json:"stability,omitempty"`

	Label          string `json:"label,omitempty"`
	Description    string `json:"description,omitempty"`
	LabelKey       string `json:"label_key,omitempty"`
	DescriptionKey string `json:"description_key,omitempty"`
	Icon           string `json:"icon,omitempty"`
	Color          string `json:"color,omitempty"`

	Params  map[string]ParamSpec  `json:"params_schema,omitempty"`
	Outputs map[string]OutputSpec `json:"output_schema,omitempty"`

	InputTypes  []DataType `json:"input_types,omitempty"`
	OutputTypes []DataType `json:"output_types,omitempty"`

	// InputPorts/OutputPorts declare named ports. When empty, the module
	// gets a default "input" and "output" port derived from the type sets.
	InputPorts  []PortSpec `json:"input_ports,omitempty"`
	OutputPorts []PortSpec `json:"output_ports,omitempty"`

	// DynamicPorts marks modules whose output ports depend on node
	// configuration (flow.switch cases); port existence is then checked
	// against the node, not the metadata.
	DynamicPorts bool `json:"dynamic_ports,omitempty"`

	// CanReceiveFrom/CanConnectTo are pattern allowlists: exact ids, "*",
	// or "prefix.*". Empty means unrestricted.
	CanReceiveFrom []string `json:"can_receive_from,omitempty"`
	CanConnectTo   []string `json:"can_connect_to,omitempty"`

	// CanBeStart overrides the inference from InputTypes.
	CanBeStart *bool `json:"can_be_start,omitempty"`

	TimeoutMS      int      `json:"timeout_ms,omitempty"`
	Retryable      bool     `json:"retryable,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
	ConcurrentSafe bool     `json:"concurrent_safe,omitempty"`
	Deterministic  bool     `json:"deterministic,omitempty"`
	Replayable     bool     `json:"replayable,omitempty"`
	SideEffects    []string `json:"side_effects,omitempty"`

	RequiresCredentials  bool     `json:"requires_credentials,omitempty"`
	HandlesSensitiveData bool     `json:"handles_sensitive_data,omitempty"`
	RequiredPermissions  []string `json:"required_permissions,omitempty"`
	ModuleCapabilities   []string `json:"capabilities,omitempty"`

	RequiresContext []string `json:"requires_context,omitempty"`
	ProvidesContext []string `json:"provides_context,omitempty"`

	Examples []Example `json:"examples,omitempty"`
}

// Namespace is the first segment of the module id.
func (m *Metadata) Namespace() string {
	if i := strings.IndexByte(m.ID, '.'); i > 0 {
		return m.ID[:i]
	}
	return m.ID
}

// Startable reports whether the module may open a graph: explicit
// can_be_start wins; otherwise it is inferred from an empty or any-only
// input type set.
func (m *Metadata) Startable() bool {
	if m.CanBeStart != nil {
		return *m.CanBeStart
	}
	if len(m.InputTypes) == 0 {
		return true
	}
	return len(m.InputTypes) == 1 && m.InputTypes[0] == TypeAny
}

// CanonicalParam maps an accepted parameter name (canonical or alias) to the
// canonical name. The boolean is false for unknown names.
func (m *Metadata) CanonicalParam(name string) (string, bool) {
	if _, ok := m.Params[name]; ok {
		return name, true
	}
	for canonical, spec := range m.Params {
		for _, alias := range spec.Aliases {
			if alias == name {
				return canonical, true
			}
		}
	}
	return "", false
}

// EffectiveInputPorts returns declared input ports or the derived default.
func (m *Metadata) EffectiveInputPorts() []PortSpec {
	if len(m.InputPorts) > 0 {
		return m.InputPorts
	}
	t := TypeAny
	if len(m.InputTypes) == 1 {
		t = m.InputTypes[0]
	}
	return []PortSpec{{Name: "input", DataType: t}}
}

// EffectiveOutputPorts returns declared output ports or the derived default.
func (m *Metadata) EffectiveOutputPorts() []PortSpec {
	if len(m.OutputPorts) > 0 {
		return m.OutputPorts
	}
	t := TypeAny
	if len(m.OutputTypes) == 1 {
		t = m.OutputTypes[0]
	}
	return []PortSpec{{Name: "output", DataType: t}}
}

func findPort(ports []PortSpec, name string) (PortSpec, bool) {
	for _, p := range ports {
		if p.Name == name {
			return p, true
		}
	}
	return PortSpec{}, false
}

// matchesPattern checks an id against an allowlist pattern: exact, "*", or
// "prefix.*".
func matchesPattern(id, pattern string) bool {
	if pattern == "*" || pattern == id {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, ".*"); ok {
		return strings.HasPrefix(id, prefix+".")
	}
	return false
}

func matchesAny(id string, patterns []string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if matchesPattern(id, p) {
			return true
		}
	}
	return false
}
