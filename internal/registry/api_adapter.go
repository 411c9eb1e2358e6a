package registry

import "gantry/internal/api"

// Register publishes the registry through the API service locator and
// subscribes it to upstream tool update events.
func (r *Registry) Register() {
	api.RegisterRegistry(r)
	api.SubscribeToToolUpdates(r)
}

// Compile-time interface checks.
var (
	_ api.RegistryHandler      = (*Registry)(nil)
	_ api.ToolUpdateSubscriber = (*Registry)(nil)
)
