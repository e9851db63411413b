package plugin

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/GoCodeAlone/stepflow/execution"
	"github.com/GoCodeAlone/stepflow/module"
)

// Options configure the plugin manager.
type Options struct {
	// Dir is the root directory scanned for plugin subdirectories.
	Dir string

	HealthInterval   time.Duration
	PingTimeout      time.Duration
	HandshakeTimeout time.Duration
	GracePeriod      time.Duration

	// MaxInstances caps the process pool per plugin.
	MaxInstances int

	RestartBackoffInitial time.Duration
	RestartBackoffCeiling time.Duration

	Logger *slog.Logger

	// StderrSink receives plugin stderr lines for trace forwarding.
	StderrSink func(pluginID, line string)
}

func (o *Options) defaults() {
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.PingTimeout <= 0 {
		o.PingTimeout = 5 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 5 * time.Second
	}
	if o.MaxInstances <= 0 {
		o.MaxInstances = 1
	}
	if o.RestartBackoffInitial <= 0 {
		o.RestartBackoffInitial = time.Second
	}
	if o.RestartBackoffCeiling <= 0 {
		o.RestartBackoffCeiling = time.Minute
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// pingFailureLimit marks a process dead after this many consecutive failed
// probes.
const pingFailureLimit = 3

type pool struct {
	manifest *Manifest

	mu           sync.Mutex
	procs        []*Process
	idle         chan *Process
	count        int
	restartDelay time.Duration
	quarantined  bool
	inFlight     sync.WaitGroup
}

// Manager owns the plugin process pools: lazy start, reuse, health
// monitoring, restart backoff with quarantine, and hot reload.
type Manager struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	manifests map[string]*Manifest
	pools     map[string]*pool
	closed    bool

	stopHealth chan struct{}
	healthOnce sync.Once

	// RestartCount and QuarantineCount feed metrics.
	restarts    int64
	quarantines int64
}

// NewManager creates a manager; call LoadDir (or AddManifest) before use.
func NewManager(opts Options) *Manager {
	opts.defaults()
	return &Manager{
		opts:       opts,
		logger:     opts.Logger,
		manifests:  make(map[string]*Manifest),
		pools:      make(map[string]*pool),
		stopHealth: make(chan struct{}),
	}
}

// LoadDir scans the plugin root and records every manifest found.
func (m *Manager) LoadDir() error {
	if m.opts.Dir == "" {
		return nil
	}
	manifests, err := ScanManifests(m.opts.Dir)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mf := range manifests {
		m.manifests[mf.Name] = mf
	}
	return nil
}

// AddManifest registers a manifest directly. Used by tests and embedders.
func (m *Manager) AddManifest(mf *Manifest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.manifests[mf.Name] = mf
}

// RegisterAll publishes every plugin module into the registry.
func (m *Manager) RegisterAll(reg *module.Registry) error {
	m.mu.Lock()
	manifests := make([]*Manifest, 0, len(m.manifests))
	for _, mf := range m.manifests {
		manifests = append(manifests, mf)
	}
	m.mu.Unlock()

	for _, mf := range manifests {
		for _, def := range mf.Modules {
			if err := reg.RegisterPlugin(mf.Metadata(def), mf.Name); err != nil {
				return fmt.Errorf("plugin %s: %w", mf.Name, err)
			}
		}
	}
	return nil
}

// StartHealthLoop begins periodic ping probing in the background.
func (m *Manager) StartHealthLoop() {
	m.healthOnce.Do(func() {
		go m.healthLoop()
	})
}

// Invoke runs one step on the named plugin, lazily starting a process.
func (m *Manager) Invoke(ctx context.Context, pluginID string, params InvokeParams) (*InvokeResult, error) {
	p, err := m.poolFor(pluginID)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if p.quarantined {
		p.mu.Unlock()
		return nil, execution.NewModuleError(execution.CodePluginCrashed,
			"plugin %s is quarantined after repeated restart failures", pluginID)
	}
	p.inFlight.Add(1)
	p.mu.Unlock()
	defer p.inFlight.Done()

	proc, err := m.acquire(ctx, p)
	if err != nil {
		return nil, err
	}

	res, err := proc.Invoke(ctx, params)
	if err != nil {
		if me, ok := err.(*execution.ModuleError); ok && me.Code == execution.CodePluginCrashed {
			m.noteCrash(p, proc)
		} else {
			m.release(p, proc)
		}
		return nil, err
	}
	m.release(p, proc)

	p.mu.Lock()
	p.restartDelay = 0
	p.mu.Unlock()
	return res, nil
}

func (m *Manager) poolFor(pluginID string) (*pool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, fmt.Errorf("plugin manager is shut down")
	}
	if p, ok := m.pools[pluginID]; ok {
		return p, nil
	}
	mf, ok := m.manifests[pluginID]
	if !ok {
		return nil, execution.NewModuleError(execution.CodeNotFound, "plugin %q has no manifest", pluginID)
	}
	p := &pool{
		manifest: mf,
		idle:     make(chan *Process, m.opts.MaxInstances),
	}
	m.pools[pluginID] = p
	return p, nil
}

// acquire returns an idle live process, starting a new one when the pool has
// headroom. When the pool is saturated it waits for a release.
func (m *Manager) acquire(ctx context.Context, p *pool) (*Process, error) {
	for {
		select {
		case proc := <-p.idle:
			if proc.Dead() {
				m.remove(p, proc)
				continue
			}
			return proc, nil
		default:
		}

		p.mu.Lock()
		if p.count < m.opts.MaxInstances {
			p.count++
			delay := p.restartDelay
			p.mu.Unlock()

			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					m.decount(p)
					return nil, execution.NewModuleError(execution.CodeCancelled, "cancelled waiting for plugin %s restart backoff", p.manifest.Name)
				}
			}

			proc, err := m.startOne(ctx, p)
			if err != nil {
				m.decount(p)
				m.noteStartFailure(p)
				return nil, err
			}
			return proc, nil
		}
		p.mu.Unlock()

		select {
		case proc := <-p.idle:
			if proc.Dead() {
				m.remove(p, proc)
				continue
			}
			return proc, nil
		case <-ctx.Done():
			return nil, execution.NewModuleError(execution.CodeCancelled, "cancelled waiting for plugin %s instance", p.manifest.Name)
		}
	}
}

func (m *Manager) startOne(ctx context.Context, p *pool) (*Process, error) {
	proc, err := StartProcess(p.manifest, m.logger, m.opts.StderrSink)
	if err != nil {
		return nil, execution.NewModuleError(execution.CodePluginCrashed, "plugin %s failed to start: %v", p.manifest.Name, err)
	}
	if _, err := proc.Handshake(ctx, "", m.opts.HandshakeTimeout); err != nil {
		proc.Shutdown(context.Background(), "handshake failed", m.opts.GracePeriod)
		return nil, execution.NewModuleError(execution.CodePluginCrashed, "plugin %s handshake failed: %v", p.manifest.Name, err)
	}
	p.mu.Lock()
	p.procs = append(p.procs, proc)
	p.mu.Unlock()
	return proc, nil
}

func (m *Manager) release(p *pool, proc *Process) {
	if proc.Dead() {
		m.remove(p, proc)
		return
	}
	p.idle <- proc
}

func (m *Manager) remove(p *pool, proc *Process) {
	p.mu.Lock()
	for i, existing := range p.procs {
		if existing == proc {
			p.procs = append(p.procs[:i], p.procs[i+1:]...)
			p.count--
			break
		}
	}
	p.mu.Unlock()
}

func (m *Manager) decount(p *pool) {
	p.mu.Lock()
	p.count--
	p.mu.Unlock()
}

// noteCrash removes the dead process and bumps the restart backoff.
func (m *Manager) noteCrash(p *pool, proc *Process) {
	m.remove(p, proc)
	m.bumpBackoff(p, "crash")
}

func (m *Manager) noteStartFailure(p *pool) {
	m.bumpBackoff(p, "start failure")
}

func (m *Manager) bumpBackoff(p *pool, cause string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	m.mu.Lock()
	m.restarts++
	m.mu.Unlock()
	switch {
	case p.restartDelay == 0:
		p.restartDelay = m.opts.RestartBackoffInitial
	case p.restartDelay >= m.opts.RestartBackoffCeiling:
		// Backoff already at ceiling and the plugin is still failing:
		// quarantine so fallback routing takes over.
		p.quarantined = true
		m.mu.Lock()
		m.quarantines++
		m.mu.Unlock()
		m.logger.Error("plugin quarantined", "plugin", p.manifest.Name, "cause", cause)
	default:
		p.restartDelay *= 2
		if p.restartDelay > m.opts.RestartBackoffCeiling {
			p.restartDelay = m.opts.RestartBackoffCeiling
		}
	}
	m.logger.Warn("plugin restart backoff", "plugin", p.manifest.Name, "cause", cause, "delay", p.restartDelay, "quarantined", p.quarantined)
}

// Quarantined reports whether a plugin is quarantined.
func (m *Manager) Quarantined(pluginID string) bool {
	m.mu.Lock()
	p, ok := m.pools[pluginID]
	m.mu.Unlock()
	if !ok {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.quarantined
}

// Stats returns restart and quarantine counters for metrics.
func (m *Manager) Stats() (restarts, quarantines int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.restarts, m.quarantines
}

func (m *Manager) healthLoop() {
	ticker := time.NewTicker(m.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopHealth:
			return
		case <-ticker.C:
			m.probeAll()
		}
	}
}

func (m *Manager) probeAll() {
	m.mu.Lock()
	pools := make([]*pool, 0, len(m.pools))
	for _, p := range m.pools {
		pools = append(pools, p)
	}
	m.mu.Unlock()

	for _, p := range pools {
		// Probe only processes currently idle; busy ones prove liveness by
		// answering their invoke.
		for {
			select {
			case proc := <-p.idle:
				ctx, cancel := context.WithTimeout(context.Background(), m.opts.PingTimeout)
				err := proc.Ping(ctx, m.opts.PingTimeout)
				cancel()
				if err != nil && proc.PingFailures() >= pingFailureLimit {
					m.logger.Warn("plugin failed health checks; restarting", "plugin", p.manifest.Name)
					proc.Shutdown(context.Background(), "health check failure", m.opts.GracePeriod)
					m.noteCrash(p, proc)
					continue
				}
				p.idle <- proc
			default:
			}
			break
		}
	}
}

// Reload drains in-flight requests, shuts down all processes, rescans
// manifests, re-registers modules, and bumps the catalog version. Active
// executions keep the registry snapshot captured at their start.
func (m *Manager) Reload(ctx context.Context, reg *module.Registry) error {
	m.mu.Lock()
	pools := m.pools
	oldManifests := m.manifests
	m.pools = make(map[string]*pool)
	m.manifests = make(map[string]*Manifest)
	m.mu.Unlock()

	for _, p := range pools {
		p.inFlight.Wait()
		m.shutdownPool(ctx, p, "reload")
	}

	// Remove old plugin module registrations before rescanning.
	for _, mf := range oldManifests {
		for _, def := range mf.Modules {
			reg.Unregister(def.ID)
		}
	}

	if err := m.LoadDir(); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	if err := m.RegisterAll(reg); err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	version := reg.BumpCatalogVersion()
	m.logger.Info("plugin catalog reloaded", "catalog_version", version)
	return nil
}

// Watch starts a filesystem watcher on the plugin root that hot-reloads the
// catalog when manifests change. The watcher stops when ctx is cancelled.
func (m *Manager) Watch(ctx context.Context, reg *module.Registry) error {
	if m.opts.Dir == "" {
		return fmt.Errorf("plugin watch: no plugin directory configured")
	}
	w, err := NewWatcher(m.opts.Dir, m.logger, func(ctx context.Context) {
		if err := m.Reload(ctx, reg); err != nil {
			m.logger.Error("plugin hot reload failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("plugin watch: %w", err)
	}
	go w.Run(ctx)
	return nil
}

func (m *Manager) shutdownPool(ctx context.Context, p *pool, reason string) {
	p.mu.Lock()
	procs := append([]*Process(nil), p.procs...)
	p.procs = nil
	p.count = 0
	p.mu.Unlock()

	var wg sync.WaitGroup
	for _, proc := range procs {
		wg.Add(1)
		go func(pr *Process) {
			defer wg.Done()
			pr.Shutdown(ctx, reason, m.opts.GracePeriod)
		}(proc)
	}
	wg.Wait()
}

// Shutdown terminates every plugin process and stops health monitoring.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	pools := m.pools
	m.pools = make(map[string]*pool)
	m.mu.Unlock()

	close(m.stopHealth)
	for _, p := range pools {
		m.shutdownPool(ctx, p, "engine shutdown")
	}
}
