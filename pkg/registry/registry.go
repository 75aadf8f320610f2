// Package registry holds the immutable node definitions and their compute
// functions for the lifetime of the process.
package registry

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"plugin"
	"sync"

	"github.com/wenhoujx/dagster/pkg/models"
)

// ComputeContext carries everything a compute function may read: resolved
// config, materialized input values, and the configuration of the resources
// the node declared.
type ComputeContext struct {
	RunID     string
	StepKey   string
	Config    map[string]any
	Inputs    map[string]any
	Resources map[string]models.ResourceConfig
	Logger    *slog.Logger
}

// ComputeFunc executes one step. Returning an error fails the step. Omitting
// an optional declared output skips downstream steps bound solely to it.
type ComputeFunc func(ctx context.Context, cc ComputeContext) (map[string]any, error)

// Node pairs a definition with its compute function. Worker plugins export a
// value of this interface under the symbol "Node".
type Node interface {
	Definition() *models.NodeDefinition
	Execute(ctx context.Context, cc ComputeContext) (map[string]any, error)
}

// Registry maps definition names to definitions and compute functions.
// Definitions are immutable; registering an existing name is an explicit
// redefinition and replaces both.
type Registry struct {
	mu       sync.RWMutex
	logger   *slog.Logger
	defs     map[string]*models.NodeDefinition
	computes map[string]ComputeFunc
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:   logger,
		defs:     make(map[string]*models.NodeDefinition),
		computes: make(map[string]ComputeFunc),
	}
}

// Register validates and stores a definition with its compute function.
func (r *Registry) Register(def *models.NodeDefinition, fn ComputeFunc) error {
	if err := models.ValidateNodeDefinition(def); err != nil {
		return err
	}

	if fn == nil {
		return fmt.Errorf("node definition %q: compute function is nil", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.defs[def.Name]; exists {
		r.logger.Info("Redefining node", "node", def.Name)
	}

	r.defs[def.Name] = def
	r.computes[def.Name] = fn

	return nil
}

// RegisterNode registers a Node value.
func (r *Registry) RegisterNode(n Node) error {
	return r.Register(n.Definition(), n.Execute)
}

// Definition returns the definition registered under name.
func (r *Registry) Definition(name string) (*models.NodeDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("node %q not registered", name)
	}

	return def, nil
}

// Compute returns the compute function registered under name.
func (r *Registry) Compute(name string) (ComputeFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.computes[name]
	if !ok {
		return nil, fmt.Errorf("node %q not registered", name)
	}

	return fn, nil
}

// Definitions returns every registered definition.
func (r *Registry) Definitions() []*models.NodeDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.NodeDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}

	return out
}

// LoadPlugins opens every .so under pluginsPath and registers the exported
// "Node" symbol of each.
func (r *Registry) LoadPlugins(pluginsPath string) error {
	root := os.DirFS(pluginsPath)

	paths, err := fs.Glob(root, "**/*.so")
	if err != nil {
		return fmt.Errorf("failed to scan plugins path %s: %w", pluginsPath, err)
	}

	l := r.logger.With(slog.String("path", pluginsPath))
	l.Info("Loading node plugins")

	for _, p := range paths {
		plg, err := plugin.Open(pluginsPath + "/" + p)
		if err != nil {
			return fmt.Errorf("failed to open plugin %s: %w", p, err)
		}

		symbol, err := plg.Lookup("Node")
		if err != nil {
			return fmt.Errorf("plugin %s has no Node symbol: %w", p, err)
		}

		node, ok := symbol.(Node)
		if !ok {
			return fmt.Errorf("plugin %s: Node symbol does not implement registry.Node", p)
		}

		if err := r.RegisterNode(node); err != nil {
			return fmt.Errorf("plugin %s: %w", p, err)
		}

		l.Info("Loaded node plugin", slog.String("plugin", p), slog.String("node", node.Definition().Name))
	}

	return nil
}
