package feed

import (
	"strings"

	"rirparser/internal/config"
)

// DefaultRegistries lists the five regional registries' latest delegation files.
func DefaultRegistries() []config.Registry {
	return config.DefaultConfig().Registries
}

// Resolve maps a registry name from the configuration to its URL. Anything
// else is returned unchanged and treated as a location.
func Resolve(nameOrLocation string, registries []config.Registry) (location, registry string) {
	for _, r := range registries {
		if strings.EqualFold(r.Name, nameOrLocation) {
			return r.URL, r.Name
		}
	}
	return nameOrLocation, ""
}
