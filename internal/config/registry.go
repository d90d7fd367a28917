package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/lecturepulse/pkg/audio/capture"
)

// ErrDeviceNotRegistered is returned by [Registry.CreateDevice] when no
// factory has been registered under the requested device name.
var ErrDeviceNotRegistered = errors.New("config: capture device not registered")

// DeviceFactory builds a capture device from the capture section. A device
// that also implements io.Closer is closed on shutdown.
type DeviceFactory func(CaptureConfig) (capture.Device, error)

// Registry maps capture device names to their constructor functions. It is
// safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]DeviceFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]DeviceFactory)}
}

// RegisterDevice registers a capture device factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterDevice(name string, factory DeviceFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[name] = factory
}

// CreateDevice instantiates the device registered under cfg.Device.
// Returns [ErrDeviceNotRegistered] if no factory has been registered for that name.
func (r *Registry) CreateDevice(cfg CaptureConfig) (capture.Device, error) {
	r.mu.RLock()
	factory, ok := r.devices[cfg.Device]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrDeviceNotRegistered, cfg.Device)
	}
	return factory(cfg)
}

// Devices returns the registered device names in sorted order.
func (r *Registry) Devices() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.devices))
	for name := range r.devices {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
