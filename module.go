package tkey

import (
	"context"
	"sort"
)

// Module extends a ThresholdKey. A module reads and writes only its own
// general-store namespace, named by Name, and exchanges shares through the
// key's InputShareStore / OutputShareStore operations.
type Module interface {
	Name() string
	// Attach is called once when the module is registered on a key.
	Attach(tk *ThresholdKey) error
}

// ShareContributor is implemented by modules that fold a share of their own
// into the polynomial of a new key.
type ShareContributor interface {
	Module
	// ContributeShare returns the value the new polynomial must take at
	// index, or nil to contribute nothing.
	ContributeShare(ctx context.Context, index Scalar) (Scalar, error)
	// ShareCommitted reports the resulting ShareStore after the key is created.
	ShareCommitted(ctx context.Context, store *ShareStore) error
}

// ShareRefresher is implemented by modules whose stored data depends on a
// share value and must follow a refresh. Both maps are keyed by index hex.
type ShareRefresher interface {
	Module
	RefreshShares(ctx context.Context, oldShares, newShares map[string]*ShareStore) error
}

// KeyReconstructor is implemented by modules that hold extra keys recoverable
// once the main key is known.
type KeyReconstructor interface {
	Module
	ReconstructKeys(ctx context.Context) ([]Scalar, error)
}

// ModuleRegistry holds the modules attached to one key, keyed by name.
type ModuleRegistry struct {
	modules map[string]Module
}

// NewModuleRegistry creates an empty registry.
func NewModuleRegistry() *ModuleRegistry {
	return &ModuleRegistry{modules: map[string]Module{}}
}

// Register adds m. Names are unique.
func (r *ModuleRegistry) Register(m Module) error {
	if _, exists := r.modules[m.Name()]; exists {
		return ErrModuleAlreadyRegistered.WithContext("module", m.Name())
	}
	r.modules[m.Name()] = m
	return nil
}

// Get returns the module registered under name.
func (r *ModuleRegistry) Get(name string) (Module, error) {
	m, ok := r.modules[name]
	if !ok {
		return nil, ErrModuleNotFound.WithContext("module", name)
	}
	return m, nil
}

// Names returns the registered module names in sorted order.
func (r *ModuleRegistry) Names() []string {
	out := make([]string, 0, len(r.modules))
	for name := range r.modules {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ordered returns the modules in name order, so hooks run deterministically.
func (r *ModuleRegistry) ordered() []Module {
	names := r.Names()
	out := make([]Module, len(names))
	for i, name := range names {
		out[i] = r.modules[name]
	}
	return out
}

// RegisterModule attaches m to the key.
func (tk *ThresholdKey) RegisterModule(m Module) error {
	if err := tk.modules.Register(m); err != nil {
		return err
	}
	if err := m.Attach(tk); err != nil {
		delete(tk.modules.modules, m.Name())
		return err
	}
	return nil
}

// Module returns the module registered under name.
func (tk *ThresholdKey) Module(name string) (Module, error) {
	return tk.modules.Get(name)
}
