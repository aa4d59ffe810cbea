package mods

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// Loader errors.
var (
	ErrManifestMissing    = errors.New("mod_manifest not found")
	ErrFactoryUnknown     = errors.New("factory not registered")
	ErrModNotLoaded       = errors.New("mod not loaded")
	ErrAdapterUnavailable = errors.New("mod declares no adapter")
)

// manifestNames are the accepted mod_manifest file names inside a mod
// directory.
var manifestNames = []string{"mod_manifest.yaml", "mod_manifest.yml"}

// Conventional factory names tried when the manifest omits one. Kept small,
// for compatibility with manifests that predate explicit factory fields.
var (
	conventionalServer  = []string{"server", "mod"}
	conventionalAdapter = []string{"adapter"}
)

// Manifest is the YAML mod_manifest: it declares the factory names the
// loader resolves against the explicit registrations.
type Manifest struct {
	ServerMod       string `yaml:"server_mod"`
	Adapter         string `yaml:"adapter"`
	Version         string `yaml:"version"`
	RequiresAdapter bool   `yaml:"requires_adapter"`
}

// ModInfo describes a loaded mod, as reported by list_mods.
type ModInfo struct {
	Name            string `json:"name"`
	Version         string `json:"version"`
	RequiresAdapter bool   `json:"requires_adapter"`
}

// LoadError is the structured per-mod failure. Loading is never fatal; the
// caller logs these and continues.
type LoadError struct {
	Mod string
	Err error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load mod %s: %v", e.Mod, e.Err)
}

func (e *LoadError) Unwrap() error { return e.Err }

// Registry resolves mod names to instances. Factories are registered
// explicitly at startup; the manifest inside each mod's directory names
// which factory to call. The same registry serves the server side (mods)
// and the agent side (adapters).
type Registry struct {
	root string
	log  *slog.Logger

	mu               sync.RWMutex
	serverFactories  map[string]func() ServerMod // "mod/factory"
	adapterFactories map[string]func() Adapter
	loaded           map[string]ServerMod
	info             map[string]ModInfo
	order            []string
}

// NewRegistry creates a registry rooted at the mod directory.
func NewRegistry(root string, log *slog.Logger) *Registry {
	return &Registry{
		root:             root,
		log:              log.With("component", "mods"),
		serverFactories:  make(map[string]func() ServerMod),
		adapterFactories: make(map[string]func() Adapter),
		loaded:           make(map[string]ServerMod),
		info:             make(map[string]ModInfo),
	}
}

// RegisterServerFactory registers a server-mod constructor for one mod under
// a factory name the manifest can reference.
func (r *Registry) RegisterServerFactory(mod, factory string, fn func() ServerMod) {
	r.mu.Lock()
	r.serverFactories[mod+"/"+factory] = fn
	r.mu.Unlock()
}

// RegisterAdapterFactory registers an adapter constructor for one mod.
func (r *Registry) RegisterAdapterFactory(mod, factory string, fn func() Adapter) {
	r.mu.Lock()
	r.adapterFactories[mod+"/"+factory] = fn
	r.mu.Unlock()
}

// LoadServer resolves and instantiates the server mod for one name. The
// instance is retained for pipeline use.
func (r *Registry) LoadServer(mod string) (ServerMod, *LoadError) {
	manifest, err := r.readManifest(mod)
	if err != nil {
		return nil, &LoadError{Mod: mod, Err: err}
	}

	names := conventionalServer
	if manifest.ServerMod != "" {
		names = append([]string{manifest.ServerMod}, conventionalServer...)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, name := range names {
		fn, ok := r.serverFactories[mod+"/"+name]
		if !ok {
			continue
		}
		m := fn()
		r.loaded[mod] = m
		r.info[mod] = ModInfo{Name: mod, Version: manifest.Version, RequiresAdapter: manifest.RequiresAdapter}
		r.order = append(r.order, mod)
		return m, nil
	}
	return nil, &LoadError{Mod: mod, Err: fmt.Errorf("%w: tried %v", ErrFactoryUnknown, names)}
}

// LoadAll loads every named mod, collecting per-mod errors. A failed load
// never aborts the rest.
func (r *Registry) LoadAll(names []string) []*LoadError {
	var errs []*LoadError
	for _, mod := range names {
		if _, lerr := r.LoadServer(mod); lerr != nil {
			r.log.Error("mod load failed", "mod", mod, "error", lerr.Err)
			errs = append(errs, lerr)
			continue
		}
		r.log.Info("mod loaded", "mod", mod)
	}
	return errs
}

// LoadAdapter resolves and instantiates the agent-side adapter for one mod.
// Instances are not retained; each client owns its own.
func (r *Registry) LoadAdapter(mod string) (Adapter, *LoadError) {
	manifest, err := r.readManifest(mod)
	if err != nil {
		return nil, &LoadError{Mod: mod, Err: err}
	}

	names := conventionalAdapter
	if manifest.Adapter != "" {
		names = append([]string{manifest.Adapter}, conventionalAdapter...)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range names {
		if fn, ok := r.adapterFactories[mod+"/"+name]; ok {
			return fn(), nil
		}
	}
	return nil, &LoadError{Mod: mod, Err: fmt.Errorf("%w: tried %v", ErrAdapterUnavailable, names)}
}

// Known reports whether a mod is loaded.
func (r *Registry) Known(mod string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.loaded[mod]
	return ok
}

// Get returns a loaded mod instance.
func (r *Registry) Get(mod string) (ServerMod, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.loaded[mod]
	return m, ok
}

// List returns the loaded mods in load order.
func (r *Registry) List() []ModInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ModInfo, 0, len(r.order))
	for _, mod := range r.order {
		out = append(out, r.info[mod])
	}
	return out
}

// Each visits the loaded mods in load order. The pipeline order is the load
// order.
func (r *Registry) Each(fn func(name string, m ServerMod)) {
	r.mu.RLock()
	order := append([]string(nil), r.order...)
	mods := make([]ServerMod, len(order))
	for i, mod := range order {
		mods[i] = r.loaded[mod]
	}
	r.mu.RUnlock()

	for i, mod := range order {
		fn(mod, mods[i])
	}
}

// readManifest locates and parses the mod_manifest inside the mod's
// directory. A missing manifest is an error; the loader never scans for
// implementations.
func (r *Registry) readManifest(mod string) (*Manifest, error) {
	for _, name := range manifestNames {
		path := filepath.Join(r.root, mod, name)
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		var m Manifest
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		return &m, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrManifestMissing, filepath.Join(r.root, mod))
}
