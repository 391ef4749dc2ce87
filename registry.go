package xdispatch

import (
	"errors"
	"sync"
)

// GatewayFactory constructs gateways from a config blob.
type GatewayFactory func(cfg map[string]any) (Gateway, error)

var (
	gatewayRegistryMu sync.RWMutex
	gatewayRegistry   = map[string]GatewayFactory{}
)

// RegisterGateway registers a bus adapter under name. Adapters call it from init.
func RegisterGateway(name string, factory GatewayFactory) error {
	if name == "" {
		return errors.New("gateway name must not be empty")
	}
	if factory == nil {
		return errors.New("gateway factory must not be nil")
	}
	gatewayRegistryMu.Lock()
	gatewayRegistry[name] = factory
	gatewayRegistryMu.Unlock()
	return nil
}

// NewGateway constructs a gateway by name with config.
func NewGateway(name string, cfg map[string]any) (Gateway, error) {
	gatewayRegistryMu.RLock()
	f, ok := gatewayRegistry[name]
	gatewayRegistryMu.RUnlock()
	if !ok {
		return nil, UnknownGatewayError{Name: name}
	}
	return f(cfg)
}

// Gateways lists registered gateway names.
func Gateways() []string {
	gatewayRegistryMu.RLock()
	defer gatewayRegistryMu.RUnlock()
	names := make([]string, 0, len(gatewayRegistry))
	for n := range gatewayRegistry {
		names = append(names, n)
	}
	return names
}
