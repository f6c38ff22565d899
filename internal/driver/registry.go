// internal/driver/registry.go
package driver

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"instrument-service/internal/model"
	"instrument-service/internal/scpi"
)

// DriverFactory creates an instrument driver bound to a SCPI client
type DriverFactory func(descriptor *model.DeviceDescriptor, client *scpi.Client, logger *zap.Logger) Instrument

// Registration describes one supported instrument family.
type Registration struct {
	VendorKeyword string
	Kind          model.DeviceKind
	Capabilities  []model.Capability
	Factory       DriverFactory
}

// Registry maps identified instruments to drivers. Matching is by
// vendor keyword: an identity whose vendor field contains the keyword
// (case-insensitive) selects that registration.
type Registry struct {
	registrations []Registration
	mu            sync.RWMutex
	logger        *zap.Logger
}

// NewRegistry creates a new driver registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a driver registration
func (r *Registry) Register(registration Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	registration.VendorKeyword = strings.ToUpper(registration.VendorKeyword)
	r.registrations = append(r.registrations, registration)

	r.logger.Info("Driver registered",
		zap.String("vendor_keyword", registration.VendorKeyword),
		zap.String("kind", string(registration.Kind)),
	)
}

// Match finds the registration for an identified instrument.
func (r *Registry) Match(identity model.Identity) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	vendor := strings.ToUpper(identity.Vendor)
	for _, registration := range r.registrations {
		if strings.Contains(vendor, registration.VendorKeyword) {
			return registration, true
		}
	}
	return Registration{}, false
}

// IsSupported checks whether an identity maps to a registered driver.
func (r *Registry) IsSupported(identity model.Identity) bool {
	_, ok := r.Match(identity)
	return ok
}

// CreateDriver builds a driver for an identified descriptor.
func (r *Registry) CreateDriver(descriptor *model.DeviceDescriptor, client *scpi.Client) (Instrument, error) {
	registration, ok := r.Match(descriptor.Identity)
	if !ok {
		return nil, fmt.Errorf("no driver for vendor %q model %q",
			descriptor.Identity.Vendor, descriptor.Identity.Model)
	}

	descriptor.Kind = registration.Kind
	descriptor.Capabilities = registration.Capabilities
	return registration.Factory(descriptor, client, r.logger), nil
}

// ListRegistrations returns all registrations for diagnostics.
func (r *Registry) ListRegistrations() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Registration, len(r.registrations))
	copy(out, r.registrations)
	return out
}
