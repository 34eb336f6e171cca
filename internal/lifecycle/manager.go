package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/skeinhq/skein/internal/logging"
)

const defaultShutdownTimeout = 30 * time.Second

// Manager starts registered components in dependency order and stops
// them in reverse start order, each with its own shutdown deadline.
type Manager struct {
	components      []Component
	dependencies    map[Component][]Component
	running         map[Component]bool
	started         []Component
	shutdownTimeout time.Duration

	mu     sync.Mutex
	logger *logging.Logger
}

// NewManager creates a manager with the default 30s shutdown timeout.
func NewManager() *Manager {
	return &Manager{
		dependencies:    make(map[Component][]Component),
		running:         make(map[Component]bool),
		shutdownTimeout: defaultShutdownTimeout,
		logger:          logging.GetLogger("lifecycle"),
	}
}

// Register adds a component. Dependencies must already be registered;
// the component starts after all of them and stops before any of them.
func (m *Manager) Register(component Component, dependsOn ...Component) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if component == nil {
		return errors.New("cannot register nil component")
	}
	if component.Name() == "" {
		return errors.New("component must have a non-empty name")
	}
	for _, c := range m.components {
		if c == component {
			return fmt.Errorf("component %s is already registered", component.Name())
		}
	}
	for _, dep := range dependsOn {
		if !m.isRegistered(dep) {
			return fmt.Errorf("dependency %s is not registered", dep.Name())
		}
	}
	if m.wouldCycle(component, dependsOn) {
		return fmt.Errorf("registering %s would create a dependency cycle", component.Name())
	}

	m.components = append(m.components, component)
	m.dependencies[component] = dependsOn
	m.logger.Debug("registered component %s (%d dependencies)", component.Name(), len(dependsOn))
	return nil
}

func (m *Manager) isRegistered(c Component) bool {
	for _, registered := range m.components {
		if registered == c {
			return true
		}
	}
	return false
}

func (m *Manager) wouldCycle(component Component, deps []Component) bool {
	seen := make(map[Component]bool)
	var walk func(deps []Component) bool
	walk = func(deps []Component) bool {
		for _, dep := range deps {
			if dep == component {
				return true
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if walk(m.dependencies[dep]) {
				return true
			}
		}
		return false
	}
	return walk(deps)
}

// Start brings up every registered component in dependency order. If a
// component fails, everything started so far is stopped again and the
// error is returned.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.started = nil
	for _, component := range m.sorted() {
		m.logger.Info("starting %s", component.Name())
		begin := time.Now()

		if err := component.Start(ctx); err != nil {
			m.logger.Error("failed to start %s: %v", component.Name(), err)
			m.rollback()
			return fmt.Errorf("starting %s: %w", component.Name(), err)
		}

		m.running[component] = true
		m.started = append(m.started, component)
		m.logger.Info("%s started (%dms)", component.Name(), time.Since(begin).Milliseconds())
	}

	m.logger.Info("all components started")
	return nil
}

// sorted returns components with dependencies before dependents.
func (m *Manager) sorted() []Component {
	visited := make(map[Component]bool)
	var order []Component
	var visit func(c Component)
	visit = func(c Component) {
		if visited[c] {
			return
		}
		visited[c] = true
		for _, dep := range m.dependencies[c] {
			visit(dep)
		}
		order = append(order, c)
	}
	for _, c := range m.components {
		visit(c)
	}
	return order
}

func (m *Manager) rollback() {
	for i := len(m.started) - 1; i >= 0; i-- {
		component := m.started[i]
		m.logger.Debug("rolling back %s", component.Name())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := component.Stop(ctx); err != nil {
			m.logger.Warn("error stopping %s during rollback: %v", component.Name(), err)
		}
		cancel()
		m.running[component] = false
	}
	m.started = nil
}

// Stop shuts down started components in reverse start order. Errors are
// logged per component; Stop itself always returns nil so a wedged
// component cannot block the rest of the shutdown.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Info("stopping all components")

	for i := len(m.started) - 1; i >= 0; i-- {
		component := m.started[i]
		if !m.running[component] {
			continue
		}

		m.logger.Info("stopping %s", component.Name())
		begin := time.Now()

		componentCtx, cancel := context.WithTimeout(ctx, m.shutdownTimeout)
		err := component.Stop(componentCtx)
		cancel()

		switch {
		case errors.Is(err, context.DeadlineExceeded):
			m.logger.Warn("%s exceeded %s grace period, abandoning", component.Name(), m.shutdownTimeout)
		case err != nil:
			m.logger.Error("error stopping %s: %v", component.Name(), err)
		default:
			m.logger.Info("%s stopped (%dms)", component.Name(), time.Since(begin).Milliseconds())
		}
		m.running[component] = false
	}

	m.started = nil
	m.logger.Info("all components stopped")
	return nil
}

// IsRunning reports whether a component started and has not stopped.
func (m *Manager) IsRunning(component Component) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running[component]
}

// SetShutdownTimeout overrides the per-component stop deadline.
func (m *Manager) SetShutdownTimeout(timeout time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownTimeout = timeout
}
