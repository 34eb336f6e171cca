// Package lifecycle coordinates startup and shutdown of the server's
// long-running components (store, cluster coordinator, session manager,
// API server). Components declare dependencies at registration; the
// manager starts them in dependency order and stops them in reverse.
package lifecycle

import "context"

// Component is implemented by everything the lifecycle manager runs.
type Component interface {
	// Start initializes the component. It must return promptly; long
	// running work belongs in goroutines owned by the component.
	Start(ctx context.Context) error

	// Stop shuts the component down, completing in-flight work within
	// the context deadline.
	Stop(ctx context.Context) error

	// Name returns the component name used in logs and errors.
	Name() string
}
