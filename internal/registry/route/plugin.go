package route

import (
	"sort"

	"github.com/gin-gonic/gin"
)

// Loader mounts a plugin's routes on the gin engine.
type Loader func(r *gin.Engine) error

// Listener selects which server a plugin's routes belong to.
type Listener int

const (
	// Main is the public API listener.
	Main Listener = iota
	// Management is the operational listener (health, ready, metrics). When no
	// dedicated management port is configured these mount on the main listener.
	Management
)

// Plugin is a set of routes with a deterministic mount order.
type Plugin struct {
	Order    int
	Listener Listener
	Loader   Loader
}

var plugins []Plugin

// Register adds a route plugin. Called from init() in plugin packages.
func Register(p Plugin) {
	plugins = append(plugins, p)
}

// Loaders returns the loaders destined for the given listener in mount order.
func Loaders(l Listener) []Loader {
	matched := make([]Plugin, 0, len(plugins))
	for _, p := range plugins {
		if p.Listener == l {
			matched = append(matched, p)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].Order < matched[j].Order })
	loaders := make([]Loader, len(matched))
	for i, p := range matched {
		loaders[i] = p.Loader
	}
	return loaders
}
