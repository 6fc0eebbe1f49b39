// Package registry manages connector registration and instantiation. A
// protocol package registers a factory for its type discriminator; the
// manager asks the registry to build connectors from configuration records.
// Unknown discriminators fail at construction time, before any network I/O.
package registry

import (
	"sync"

	"go.uber.org/zap"

	"github.com/edgeflow-io/edgeflow/pkg/config"
	"github.com/edgeflow-io/edgeflow/pkg/connector/core"
	"github.com/edgeflow-io/edgeflow/pkg/errors"
	"github.com/edgeflow-io/edgeflow/pkg/logger"
)

// Factory builds a connector instance from a configuration record. The sink
// receives every data point batch the connector emits.
type Factory func(cfg *config.ConnectorConfig, sink chan<- core.Batch) (core.Connector, error)

// Registry maps protocol type discriminators to connector factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	logger    *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates a new connector registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		logger:    logger.With(zap.String("component", "connector_registry")),
	}
}

// Register registers a connector factory for a protocol type.
func (r *Registry) Register(protocol string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[protocol]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "connector type %q already registered", protocol)
	}

	r.factories[protocol] = factory
	r.logger.Info("connector type registered", zap.String("type", protocol))
	return nil
}

// Create builds a connector from the configuration record. An unknown type
// discriminator is a fatal configuration error surfaced here, not at connect
// time.
func (r *Registry) Create(cfg *config.ConnectorConfig, sink chan<- core.Batch) (core.Connector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid connector configuration")
	}

	r.mu.RLock()
	factory, exists := r.factories[cfg.Type]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig, "unknown connector type %q", cfg.Type)
	}

	c, err := factory(cfg, sink)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to create connector "+cfg.Name)
	}

	return c, nil
}

// Types returns the registered protocol type discriminators.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.factories))
	for name := range r.factories {
		types = append(types, name)
	}
	return types
}

// Has reports whether a protocol type is registered.
func (r *Registry) Has(protocol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.factories[protocol]
	return exists
}

// Clear removes all registered factories (mainly for testing)
func (r *Registry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories = make(map[string]Factory)
}

// Global registry functions

// Register registers a connector factory in the global registry
func Register(protocol string, factory Factory) error {
	return globalRegistry.Register(protocol, factory)
}

// MustRegister registers a factory and panics on conflict. Used from
// protocol package init functions where a duplicate registration is a
// programming error.
func MustRegister(protocol string, factory Factory) {
	if err := globalRegistry.Register(protocol, factory); err != nil {
		panic(err)
	}
}

// Create builds a connector from the global registry
func Create(cfg *config.ConnectorConfig, sink chan<- core.Batch) (core.Connector, error) {
	return globalRegistry.Create(cfg, sink)
}

// Types returns registered protocol types from the global registry
func Types() []string {
	return globalRegistry.Types()
}

// Has checks if a protocol type is registered in the global registry
func Has(protocol string) bool {
	return globalRegistry.Has(protocol)
}

// Get returns the global registry instance.
func Get() *Registry {
	return globalRegistry
}
