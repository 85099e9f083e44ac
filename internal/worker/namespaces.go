package worker

import "github.com/iTrooz/shellcache-proxy/internal/config"

// Namespaces names the current precache and runtime namespaces.
// Every other namespace in the storage is stale.
type Namespaces struct {
	Precache string
	Runtime  string
}

func NewNamespaces(cfg *config.Config) Namespaces {
	return Namespaces{
		Precache: cfg.PrecacheNamespace(),
		Runtime:  cfg.Namespaces.Runtime,
	}
}

// IsCurrent reports whether name is one of the current namespaces
func (n Namespaces) IsCurrent(name string) bool {
	return name == n.Precache || name == n.Runtime
}

// Current lists the current namespaces, precache first
func (n Namespaces) Current() []string {
	return []string{n.Precache, n.Runtime}
}
