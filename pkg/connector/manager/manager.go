// Package manager supervises a set of connectors built from configuration.
// It owns construction, concurrent start/stop fan-out and the aggregate
// status view; individual connectors keep exclusive ownership of their own
// lifecycle state.
package manager

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/edgeflow-io/edgeflow/pkg/config"
	"github.com/edgeflow-io/edgeflow/pkg/connector/core"
	"github.com/edgeflow-io/edgeflow/pkg/connector/registry"
	"github.com/edgeflow-io/edgeflow/pkg/errors"
	"github.com/edgeflow-io/edgeflow/pkg/logger"
)

// Manager supervises a fixed set of connectors. The set is established at
// construction and never mutated afterwards, so reads need no locking; only
// lifecycle calls fan out concurrently.
type Manager struct {
	logger     *zap.Logger
	connectors map[string]core.Connector
	order      []string
}

// New builds every connector in the config set through the registry.
// Construction is fail-fast: an unknown type, invalid configuration or
// duplicate connector name fails the whole set before any network I/O.
func New(configs []config.ConnectorConfig, sink chan<- core.Batch) (*Manager, error) {
	m := &Manager{
		logger:     logger.Get().Named("manager"),
		connectors: make(map[string]core.Connector, len(configs)),
	}

	for i := range configs {
		cfg := configs[i]
		if _, dup := m.connectors[cfg.Name]; dup {
			return nil, errors.Newf(errors.ErrorTypeConfig, "duplicate connector name %q", cfg.Name)
		}
		conn, err := registry.Create(&cfg, sink)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "failed to build connector").
				WithDetail("connector", cfg.Name)
		}
		m.connectors[cfg.Name] = conn
		m.order = append(m.order, cfg.Name)
	}

	m.logger.Info("manager built", zap.Int("connectors", len(m.connectors)))
	return m, nil
}

// Connector returns the managed connector with the given name.
func (m *Manager) Connector(name string) (core.Connector, bool) {
	c, ok := m.connectors[name]
	return c, ok
}

// Names returns the connector names in configuration order.
func (m *Manager) Names() []string {
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names
}

// StartAll connects every connector concurrently. A failing connector is
// logged and counted but never blocks its siblings; the returned error
// reports how many failed. Failed connectors stay managed and expose their
// error state through Statuses.
func (m *Manager) StartAll(ctx context.Context) error {
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0

	for _, name := range m.order {
		conn := m.connectors[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conn.Connect(ctx); err != nil {
				m.logger.Error("connector failed to start",
					zap.String("connector", conn.Name()),
					zap.Error(err))
				mu.Lock()
				failed++
				mu.Unlock()
				return
			}
			m.logger.Info("connector started", zap.String("connector", conn.Name()))
		}()
	}
	wg.Wait()

	if failed > 0 {
		return errors.Newf(errors.ErrorTypeConnection,
			"%d of %d connectors failed to start", failed, len(m.order))
	}
	return nil
}

// StopAll disconnects every connector concurrently. Disconnect is idempotent
// and never errors, so StopAll is safe when some connectors never started.
func (m *Manager) StopAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, name := range m.order {
		conn := m.connectors[name]
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := conn.Disconnect(ctx); err != nil {
				// Contract says never; log it if an implementation leaks one.
				m.logger.Warn("connector disconnect returned error",
					zap.String("connector", conn.Name()),
					zap.Error(err))
			}
		}()
	}
	wg.Wait()
	m.logger.Info("all connectors stopped")
}

// Statuses returns a point-in-time name to Info snapshot of the managed set.
func (m *Manager) Statuses() map[string]core.Info {
	statuses := make(map[string]core.Info, len(m.connectors))
	for name, conn := range m.connectors {
		statuses[name] = conn.Info()
	}
	return statuses
}
