package module

import (
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"sync"

	"github.com/GoCodeAlone/stepflow/execution"
)

// ConnectResult is the three-valued outcome of a connection query.
type ConnectResult string

const (
	ConnectOK               ConnectResult = "OK"
	ConnectIncompatibleType ConnectResult = "INCOMPATIBLE_TYPE"
	ConnectPortNotFound     ConnectResult = "PORT_NOT_FOUND"
)

type entry struct {
	meta    *Metadata
	handler Handler // in-process handler (builtin or legacy)
	plugin  string  // plugin id for out-of-process modules, "" if none
}

// Registry holds module metadata and handler references. It is populated at
// process start (or on hot reload) and effectively read-only at execution
// time; executions capture a frozen Snapshot.
type Registry struct {
	mu             sync.RWMutex
	entries        map[string]*entry
	catalogVersion int64
	logger         *slog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		entries:        make(map[string]*entry),
		catalogVersion: 1,
		logger:         logger,
	}
}

// Register records an in-process module. Registration fails when the
// metadata has blocking lint findings or the id is already bound to a
// different handler. Re-registering identical metadata with the same handler
// is a no-op, so registration is idempotent.
func (r *Registry) Register(meta *Metadata, handler Handler) error {
	if meta == nil {
		return fmt.Errorf("register: metadata is nil")
	}
	issues := Lint(meta)
	if LintBlocks(issues) {
		return &execution.ModuleError{
			Code:    execution.CodeValidation,
			Message: fmt.Sprintf("module %q failed metadata lint: %v", meta.ID, firstError(issues)),
			Details: map[string]any{"issues": issues},
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[meta.ID]; ok {
		if !sameHandler(existing.handler, handler) {
			return fmt.Errorf("register: module %q already bound to a different handler", meta.ID)
		}
		if !reflect.DeepEqual(existing.meta, meta) {
			return fmt.Errorf("register: module %q already registered with different metadata", meta.ID)
		}
		return nil
	}
	r.entries[meta.ID] = &entry{meta: meta, handler: handler}
	r.logger.Debug("module registered", "module", meta.ID, "version", meta.Version)
	return nil
}

// RegisterPlugin records a module served by an out-of-process plugin. If the
// id already has an in-process handler, that handler is kept as the legacy
// fallback.
func (r *Registry) RegisterPlugin(meta *Metadata, pluginID string) error {
	if pluginID == "" {
		return fmt.Errorf("register plugin: empty plugin id")
	}
	issues := Lint(meta)
	if LintBlocks(issues) {
		return &execution.ModuleError{
			Code:    execution.CodeValidation,
			Message: fmt.Sprintf("module %q failed metadata lint: %v", meta.ID, firstError(issues)),
			Details: map[string]any{"issues": issues},
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[meta.ID]; ok {
		if existing.plugin != "" && existing.plugin != pluginID {
			return fmt.Errorf("register plugin: module %q already served by plugin %q", meta.ID, existing.plugin)
		}
		existing.plugin = pluginID
		r.logger.Debug("module rebound to plugin", "module", meta.ID, "plugin", pluginID)
		return nil
	}
	r.entries[meta.ID] = &entry{meta: meta, plugin: pluginID}
	r.logger.Debug("plugin module registered", "module", meta.ID, "plugin", pluginID)
	return nil
}

// Unregister removes a module. Used by hot reload before re-registering a
// plugin's modules.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Get returns metadata for a module id.
func (r *Registry) Get(id string) (*Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok {
		return nil, execution.NewModuleError(execution.CodeNotFound, "module %q is not registered", id)
	}
	return e.meta, nil
}

// HandlerFor returns the in-process handler for a module, if any.
func (r *Registry) HandlerFor(id string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.handler == nil {
		return nil, false
	}
	return e.handler, true
}

// PluginFor returns the plugin id serving a module, if any.
func (r *Registry) PluginFor(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[id]
	if !ok || e.plugin == "" {
		return "", false
	}
	return e.plugin, true
}

// All returns every registered metadata entry sorted by id.
func (r *Registry) All() []*Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Metadata, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Startable returns all modules that may open a graph.
func (r *Registry) Startable() []*Metadata {
	var out []*Metadata
	for _, m := range r.All() {
		if m.Startable() {
			out = append(out, m)
		}
	}
	return out
}

// CanConnect answers whether an edge from (fromID, fromPort) to
// (toID, toPort) is legal: the ports must exist, both pattern allowlists
// must admit the peer, and the port types must be compatible.
func (r *Registry) CanConnect(fromID, fromPort, toID, toPort string) (ConnectResult, error) {
	from, err := r.Get(fromID)
	if err != nil {
		return ConnectPortNotFound, err
	}
	to, err := r.Get(toID)
	if err != nil {
		return ConnectPortNotFound, err
	}

	out, ok := findPort(from.EffectiveOutputPorts(), fromPort)
	if !ok {
		if !from.DynamicPorts {
			return ConnectPortNotFound, nil
		}
		out = PortSpec{Name: fromPort, DataType: TypeAny}
	}
	in, ok := findPort(to.EffectiveInputPorts(), toPort)
	if !ok {
		return ConnectPortNotFound, nil
	}

	if !matchesAny(toID, from.CanConnectTo) || !matchesAny(fromID, to.CanReceiveFrom) {
		return ConnectIncompatibleType, nil
	}

	outType, inType := out.DataType, in.DataType
	if outType == "" {
		outType = TypeAny
	}
	if inType == "" {
		inType = TypeAny
	}
	if !Compatible(outType, inType) {
		return ConnectIncompatibleType, nil
	}
	return ConnectOK, nil
}

// CatalogVersion returns the monotonically increasing catalog version.
func (r *Registry) CatalogVersion() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.catalogVersion
}

// BumpCatalogVersion increments the catalog version. Called by hot reload.
func (r *Registry) BumpCatalogVersion() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.catalogVersion++
	return r.catalogVersion
}

// Snapshot returns a frozen copy for use by one execution. Metadata values
// are shared; they are immutable after registration by convention.
func (r *Registry) Snapshot() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cp := &Registry{
		entries:        make(map[string]*entry, len(r.entries)),
		catalogVersion: r.catalogVersion,
		logger:         r.logger,
	}
	for id, e := range r.entries {
		ec := *e
		cp.entries[id] = &ec
	}
	return cp
}

func sameHandler(a, b Handler) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Kind() == reflect.Func && vb.Kind() == reflect.Func {
		return va.Pointer() == vb.Pointer()
	}
	return reflect.DeepEqual(a, b)
}

func firstError(issues []LintIssue) string {
	for _, i := range issues {
		if i.Level == LintError {
			return i.String()
		}
	}
	return ""
}
