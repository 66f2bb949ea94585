package models

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

const (
	// MaxLoadAttempts bounds the load retry loop.
	MaxLoadAttempts = 3
	// LoadBackoff is the fixed pause between load attempts.
	LoadBackoff = time.Second

	warmupSamples = 16000 // 1s of silence at 16kHz
)

// Runtime is the opaque on-device inference engine.
type Runtime interface {
	// Load binds the runtime to a model directory.
	Load(dir string) error
	// Process transcribes mono 16kHz float32 samples.
	Process(samples []float32) (string, error)
	// Close releases runtime resources.
	Close() error
}

// Prewarmer is implemented by runtimes that can specialize a model ahead of
// loading it (for example compiling it for the local accelerator).
type Prewarmer interface {
	Prewarm(dir string) error
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	Catalog    *Catalog
	BundledDir string
	CacheDir   string
	NewRuntime func() Runtime
	Fetcher    Fetcher

	MaxAttempts int           // default MaxLoadAttempts
	Backoff     time.Duration // default LoadBackoff; negative disables the pause

	// OnStateChange, if set, observes every transition. It is called with
	// the manager lock held and must not call back into the Manager.
	OnStateChange func(modelID string, s State)
}

// Manager drives the local model through its lifecycle. Exactly one model
// is active at a time.
type Manager struct {
	opts ManagerOptions

	mu      sync.Mutex
	state   State
	reason  string
	modelID string
	loading bool
	known   map[string]bool

	// runMu guards runtime; inference holds it shared.
	runMu   sync.RWMutex
	runtime Runtime
}

// NewManager creates a manager and indexes the cache directory.
func NewManager(opts ManagerOptions) *Manager {
	if opts.Catalog == nil {
		opts.Catalog = DefaultCatalog()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = MaxLoadAttempts
	}
	if opts.Backoff == 0 {
		opts.Backoff = LoadBackoff
	}
	if opts.Fetcher == nil {
		opts.Fetcher = NewHTTPFetcher()
	}

	m := &Manager{opts: opts, known: make(map[string]bool)}
	for _, e := range opts.Catalog.List() {
		if !e.Backend.IsLocal() {
			continue
		}
		if m.validDir(filepath.Join(opts.CacheDir, e.ID()), e) {
			m.known[e.ID()] = true
		}
	}
	return m
}

// State returns the current state, the active model id, and the failure
// reason (empty unless Failed).
func (m *Manager) State() (State, string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, m.modelID, m.reason
}

// IsLoaded reports whether modelID is loaded and ready for inference.
func (m *Manager) IsLoaded(modelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state == Loaded && m.modelID == modelID
}

// KnownModels returns the ids of downloaded models in the cache.
func (m *Manager) KnownModels() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.known))
	for id := range m.known {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Locate returns the first valid directory for modelID: the bundled
// location, then the download cache.
func (m *Manager) Locate(modelID string) (string, bool) {
	entry, ok := m.opts.Catalog.Lookup(modelID)
	if !ok || !entry.Backend.IsLocal() {
		return "", false
	}
	for _, root := range []string{m.opts.BundledDir, m.opts.CacheDir} {
		if root == "" {
			continue
		}
		dir := filepath.Join(root, modelID)
		if m.validDir(dir, entry) {
			return dir, true
		}
	}
	return "", false
}

// validDir checks that every required file exists and is non-empty.
func (m *Manager) validDir(dir string, entry Entry) bool {
	if len(entry.Files) == 0 {
		return false
	}
	for _, f := range entry.Files {
		info, err := os.Stat(filepath.Join(dir, f.Name))
		if err != nil || info.Size() == 0 {
			return false
		}
	}
	return true
}

func (m *Manager) isBundled(modelID string) bool {
	if m.opts.BundledDir == "" {
		return false
	}
	entry, ok := m.opts.Catalog.Lookup(modelID)
	return ok && m.validDir(filepath.Join(m.opts.BundledDir, modelID), entry)
}

// setState applies a transition; the caller must hold mu.
func (m *Manager) setState(s State) error {
	if !canTransition(m.state, s) {
		return fmt.Errorf("models: invalid transition %s -> %s", m.state, s)
	}
	slog.Debug("model state", "model", m.modelID, "from", m.state, "to", s)
	m.state = s
	if s != Failed {
		m.reason = ""
	}
	if m.opts.OnStateChange != nil {
		m.opts.OnStateChange(m.modelID, s)
	}
	return nil
}

func (m *Manager) transition(s State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.setState(s)
}

// Load drives modelID to Loaded, retrying up to MaxAttempts times with a
// fixed backoff. A call made while another load is in flight returns the
// current state without doing anything.
func (m *Manager) Load(ctx context.Context, modelID string, forceRedownload bool) (State, error) {
	entry, ok := m.opts.Catalog.Lookup(modelID)
	if !ok {
		return Unloaded, fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	if !entry.Backend.IsLocal() {
		return Unloaded, fmt.Errorf("%w: %s", ErrNotLocal, modelID)
	}

	m.mu.Lock()
	if m.loading {
		s := m.state
		m.mu.Unlock()
		return s, nil
	}
	if m.state == Loaded && m.modelID == modelID && !forceRedownload {
		m.mu.Unlock()
		return Loaded, nil
	}
	m.loading = true
	m.mu.Unlock()

	m.closeRuntime()

	m.mu.Lock()
	m.modelID = modelID
	_ = m.setState(Unloaded)
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.loading = false
		m.mu.Unlock()
	}()

	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= m.opts.MaxAttempts; attempt++ {
		if attempt > 1 && m.opts.Backoff > 0 {
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
			case <-time.After(m.opts.Backoff):
			}
			if ctx.Err() != nil {
				break
			}
		}

		attempts = attempt
		slog.Info("loading model", "model", modelID, "attempt", attempt, "max", m.opts.MaxAttempts)
		start := time.Now()

		err := m.loadOnce(ctx, entry, forceRedownload)
		if err == nil {
			slog.Info("model loaded", "model", modelID, "elapsed", time.Since(start).Round(time.Millisecond))
			return Loaded, nil
		}
		lastErr = err
		slog.Warn("model load attempt failed", "model", modelID, "attempt", attempt, "error", err)

		m.closeRuntime()
		_ = m.transition(Unloaded)

		if errors.Is(err, ErrCorrupted) {
			dir := filepath.Join(m.opts.CacheDir, modelID)
			slog.Warn("removing corrupted model files", "dir", dir)
			if rmErr := os.RemoveAll(dir); rmErr != nil {
				slog.Error("failed to remove corrupted model", "dir", dir, "error", rmErr)
			}
			m.mu.Lock()
			delete(m.known, modelID)
			m.mu.Unlock()
		}
		if ctx.Err() != nil {
			break
		}
	}

	m.mu.Lock()
	_ = m.setState(Failed)
	m.reason = lastErr.Error()
	m.mu.Unlock()

	return Failed, &LoadError{ModelID: modelID, Attempts: attempts, Err: lastErr}
}

// loadOnce is a single pass through the lifecycle.
func (m *Manager) loadOnce(ctx context.Context, entry Entry, force bool) error {
	id := entry.ID()

	dir, found := "", false
	if !force {
		dir, found = m.Locate(id)
	}
	if !found {
		if err := m.transition(Downloading); err != nil {
			return err
		}
		dir = filepath.Join(m.opts.CacheDir, id)
		if force {
			if err := os.RemoveAll(dir); err != nil {
				return fmt.Errorf("clearing %s: %w", dir, err)
			}
		}
		if err := m.opts.Fetcher.Fetch(ctx, entry, dir); err != nil {
			return fmt.Errorf("fetching %s: %w", id, err)
		}
		if !m.validDir(dir, entry) {
			return fmt.Errorf("%w: %s missing required files after download", ErrCorrupted, id)
		}
		m.mu.Lock()
		m.known[id] = true
		m.mu.Unlock()
	}
	if err := m.transition(Downloaded); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if m.opts.NewRuntime == nil {
		return errors.New("models: no local runtime available")
	}

	if err := m.transition(Prewarming); err != nil {
		return err
	}
	rt := m.opts.NewRuntime()
	if p, ok := rt.(Prewarmer); ok {
		if err := p.Prewarm(dir); err != nil {
			rt.Close()
			return fmt.Errorf("prewarm %s: %w", id, err)
		}
	}

	if err := m.transition(Loading); err != nil {
		rt.Close()
		return err
	}
	if err := rt.Load(dir); err != nil {
		rt.Close()
		return fmt.Errorf("load %s: %w", id, err)
	}
	if _, err := rt.Process(make([]float32, warmupSamples)); err != nil {
		rt.Close()
		return fmt.Errorf("warm-up %s: %w", id, err)
	}

	m.runMu.Lock()
	m.runtime = rt
	m.runMu.Unlock()

	return m.transition(Loaded)
}

// Process runs inference on the loaded model.
func (m *Manager) Process(samples []float32) (string, error) {
	m.mu.Lock()
	loaded := m.state == Loaded
	m.mu.Unlock()
	if !loaded {
		return "", ErrNotLoaded
	}

	m.runMu.RLock()
	defer m.runMu.RUnlock()
	if m.runtime == nil {
		return "", ErrNotLoaded
	}
	return m.runtime.Process(samples)
}

// Unload releases the runtime and resets to Unloaded.
func (m *Manager) Unload() error {
	m.mu.Lock()
	if m.loading {
		m.mu.Unlock()
		return ErrLoadInProgress
	}
	m.mu.Unlock()

	m.closeRuntime()
	return m.transition(Unloaded)
}

// Delete removes a downloaded model. Bundled models are refused.
func (m *Manager) Delete(modelID string) error {
	entry, ok := m.opts.Catalog.Lookup(modelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	if !entry.Backend.IsLocal() {
		return fmt.Errorf("%w: %s", ErrNotLocal, modelID)
	}
	if m.isBundled(modelID) {
		return fmt.Errorf("%w: %s", ErrBundledModel, modelID)
	}

	m.mu.Lock()
	if m.loading && m.modelID == modelID {
		m.mu.Unlock()
		return ErrLoadInProgress
	}
	active := m.modelID == modelID
	m.mu.Unlock()

	if active {
		m.closeRuntime()
		_ = m.transition(Unloaded)
	}

	dir := filepath.Join(m.opts.CacheDir, modelID)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("models: delete %s: %w", modelID, err)
	}

	m.mu.Lock()
	delete(m.known, modelID)
	m.mu.Unlock()

	slog.Info("model deleted", "model", modelID, "dir", dir)
	return nil
}

// Import copies a manually downloaded model directory into the cache.
func (m *Manager) Import(modelID, src string) error {
	entry, ok := m.opts.Catalog.Lookup(modelID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownModel, modelID)
	}
	if !m.validDir(src, entry) {
		return fmt.Errorf("%w: %s is missing required files", ErrCorrupted, src)
	}

	dst := filepath.Join(m.opts.CacheDir, modelID)
	if err := copyDir(src, dst); err != nil {
		return fmt.Errorf("models: import %s: %w", modelID, err)
	}

	m.mu.Lock()
	m.known[modelID] = true
	m.mu.Unlock()
	return nil
}

// Close releases the runtime.
func (m *Manager) Close() error {
	m.closeRuntime()
	return nil
}

func (m *Manager) closeRuntime() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.runtime != nil {
		if err := m.runtime.Close(); err != nil {
			slog.Warn("closing model runtime", "error", err)
		}
		m.runtime = nil
	}
}
