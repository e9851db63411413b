package module

// CatalogView selects how much of the metadata a catalog exposes. The public
// view is the only one that crosses a network boundary: it omits execution
// hints, permissions, and password-format defaults.
type CatalogView string

const (
	ViewPublic   CatalogView = "public"
	ViewInternal CatalogView = "internal"
)

// CatalogMode selects flat or tiered grouping.
type CatalogMode string

const (
	ModeFlat   CatalogMode = "flat"
	ModeTiered CatalogMode = "tiered"
)

// ExecutionHints are the internal-only execution contract fields.
type ExecutionHints struct {
	TimeoutMS      int      `json:"timeout_ms,omitempty"`
	Retryable      bool     `json:"retryable,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
	ConcurrentSafe bool     `json:"concurrent_safe,omitempty"`
	Deterministic  bool     `json:"deterministic,omitempty"`
	Replayable     bool     `json:"replayable,omitempty"`
	SideEffects    []string `json:"side_effects,omitempty"`
	Permissions    []string `json:"required_permissions,omitempty"`
}

// CatalogEntry is one module as presented by the catalog.
type CatalogEntry struct {
	ID          string                `json:"module_id"`
	Version     string                `json:"version"`
	Category    string                `json:"category,omitempty"`
	Tags        []string              `json:"tags,omitempty"`
	Tier        Tier                  `json:"tier"`
	Stability   Stability             `json:"stability,omitempty"`
	Label       string                `json:"label,omitempty"`
	Description string                `json:"description,omitempty"`
	Icon        string                `json:"icon,omitempty"`
	Color       string                `json:"color,omitempty"`
	Params      map[string]ParamSpec  `json:"params_schema,omitempty"`
	Outputs     map[string]OutputSpec `json:"output_schema,omitempty"`
	InputTypes  []DataType            `json:"input_types,omitempty"`
	OutputTypes []DataType            `json:"output_types,omitempty"`
	CanBeStart  bool                  `json:"can_be_start"`
	Credentials bool                  `json:"requires_credentials,omitempty"`
	Examples    []Example             `json:"examples,omitempty"`

	// Execution is populated only in the internal view.
	Execution *ExecutionHints `json:"execution,omitempty"`
}

// Catalog is the introspectable module listing.
type Catalog struct {
	Version int64                   `json:"catalog_version"`
	Modules []CatalogEntry          `json:"modules,omitempty"`
	Tiers   map[Tier][]CatalogEntry `json:"tiers,omitempty"`
}

// Catalog builds the listing for a view and mode. The public view excludes
// internal-tier modules entirely.
func (r *Registry) Catalog(view CatalogView, mode CatalogMode) *Catalog {
	cat := &Catalog{Version: r.CatalogVersion()}
	var entries []CatalogEntry
	for _, m := range r.All() {
		tier := m.Tier
		if tier == "" {
			tier = TierStandard
		}
		if view == ViewPublic && tier == TierInternal {
			continue
		}
		entries = append(entries, catalogEntry(m, tier, view))
	}

	if mode == ModeTiered {
		cat.Tiers = make(map[Tier][]CatalogEntry)
		for _, e := range entries {
			cat.Tiers[e.Tier] = append(cat.Tiers[e.Tier], e)
		}
		return cat
	}
	cat.Modules = entries
	return cat
}

func catalogEntry(m *Metadata, tier Tier, view CatalogView) CatalogEntry {
	e := CatalogEntry{
		ID:          m.ID,
		Version:     m.Version,
		Category:    m.Category,
		Tags:        m.Tags,
		Tier:        tier,
		Stability:   m.Stability,
		Label:       m.Label,
		Description: m.Description,
		Icon:        m.Icon,
		Color:       m.Color,
		Outputs:     m.Outputs,
		InputTypes:  m.InputTypes,
		OutputTypes: m.OutputTypes,
		CanBeStart:  m.Startable(),
		Credentials: m.RequiresCredentials,
		Examples:    m.Examples,
	}

	e.Params = make(map[string]ParamSpec, len(m.Params))
	for name, spec := range m.Params {
		if view == ViewPublic && spec.Format == "password" {
			// Default credential values stay inside the process.
			spec.Default = nil
		}
		e.Params[name] = spec
	}

	if view == ViewInternal {
		e.Execution = &ExecutionHints{
			TimeoutMS:      m.TimeoutMS,
			Retryable:      m.Retryable,
			MaxRetries:     m.MaxRetries,
			ConcurrentSafe: m.ConcurrentSafe,
			Deterministic:  m.Deterministic,
			Replayable:     m.Replayable,
			SideEffects:    m.SideEffects,
			Permissions:    m.RequiredPermissions,
		}
	}
	return e
}
