package extract

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ajitpratap0/datavault/pkg/config"
	"github.com/ajitpratap0/datavault/pkg/errors"
	"github.com/ajitpratap0/datavault/pkg/logger"
)

// Factory builds an extractor for one configured source.
type Factory func(sourceID string, cfg config.SourceConfig) (Extractor, error)

// Registry maps retrieval protocols to extractor factories. The set of
// protocols is closed: dispatch happens by the source's configured
// protocol at job dequeue time, not by open-ended dynamic lookup.
type Registry struct {
	factories map[config.Protocol]Factory
	mu        sync.RWMutex
	logger    *zap.Logger
}

// Global registry instance
var globalRegistry = NewRegistry()

// NewRegistry creates an empty extractor registry
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[config.Protocol]Factory),
		logger:    logger.Get().With(zap.String("component", "extractor_registry")),
	}
}

// Register registers a factory for a protocol
func (r *Registry) Register(protocol config.Protocol, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[protocol]; exists {
		return errors.Newf(errors.ErrorTypeConfig, "protocol %s already registered", protocol)
	}

	r.factories[protocol] = factory
	r.logger.Info("extractor protocol registered", zap.String("protocol", string(protocol)))
	return nil
}

// New builds an extractor for the given source using its configured
// protocol.
func (r *Registry) New(sourceID string, cfg config.SourceConfig) (Extractor, error) {
	r.mu.RLock()
	factory, exists := r.factories[cfg.Protocol]
	r.mu.RUnlock()

	if !exists {
		return nil, errors.Newf(errors.ErrorTypeConfig,
			"no extractor registered for protocol %s (source %s)", cfg.Protocol, sourceID)
	}

	ex, err := factory(sourceID, cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig,
			fmt.Sprintf("failed to build extractor for source %s", sourceID))
	}
	return ex, nil
}

// Protocols lists the registered protocols
func (r *Registry) Protocols() []config.Protocol {
	r.mu.RLock()
	defer r.mu.RUnlock()

	protocols := make([]config.Protocol, 0, len(r.factories))
	for p := range r.factories {
		protocols = append(protocols, p)
	}
	return protocols
}

// Register registers a factory in the global registry
func Register(protocol config.Protocol, factory Factory) error {
	return globalRegistry.Register(protocol, factory)
}

// New builds an extractor from the global registry
func New(sourceID string, cfg config.SourceConfig) (Extractor, error) {
	return globalRegistry.New(sourceID, cfg)
}

// Protocols lists protocols registered in the global registry
func Protocols() []config.Protocol {
	return globalRegistry.Protocols()
}
