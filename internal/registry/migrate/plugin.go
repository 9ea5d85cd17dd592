package migrate

import (
	"context"
	"fmt"
	"sort"

	"github.com/charmbracelet/log"
)

// Func runs one plugin's schema migrations.
type Func func(ctx context.Context) error

// Plugin is a named migration step. Order sequences plugins so the primary
// schema lands before dependent stores.
type Plugin struct {
	Name  string
	Order int
	Run   Func
}

var plugins []Plugin

// Register adds a migration plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// RunAll executes registered migrations in order, stopping at the first failure.
func RunAll(ctx context.Context) error {
	sorted := make([]Plugin, len(plugins))
	copy(sorted, plugins)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order < sorted[j].Order })

	for _, p := range sorted {
		log.Debug("Running migrations", "plugin", p.Name)
		if err := p.Run(ctx); err != nil {
			return fmt.Errorf("migration %s failed: %w", p.Name, err)
		}
	}
	return nil
}
