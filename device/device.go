// Package device tracks which tethered device the user has selected and
// resolves it to a live connection through the discovery collaborator.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

var (
	ErrNoDeviceSelected = errors.New("No device selected")
	ErrDeviceNotFound   = errors.New("device not found")
	ErrConnectionFailed = errors.New("device connection failed")
)

// Device describes a tethered device. ID is assigned by the connection
// daemon and changes across reconnects; only UDID is safe for lookups.
type Device struct {
	Name string `json:"name"`
	ID   uint32 `json:"id"`
	UDID string `json:"uuid"`
}

func (d Device) String() string {
	return fmt.Sprintf("%s (%s)", d.Name, d.UDID)
}

// App is an application installed on a device.
type App struct {
	BundleID string `json:"bundleId"`
	Path     string `json:"path"`
}

// Provider is a live connection to one device.
type Provider interface {
	UDID() string
}

// Discovery finds tethered devices.
type Discovery interface {
	List(ctx context.Context) ([]Device, error)
	// Provider connects to the device with the given UDID.
	Provider(ctx context.Context, udid string) (Provider, error)
}

// Registry holds the selected device. Last write wins; it is never cleared.
type Registry struct {
	discovery Discovery
	scans     singleflight.Group

	mu       sync.RWMutex
	selected *Device
}

// NewRegistry creates an empty registry.
func NewRegistry(discovery Discovery) *Registry {
	return &Registry{discovery: discovery}
}

// Set selects d.
func (r *Registry) Set(d Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.selected = &d
}

// Get returns the selected device, if any.
func (r *Registry) Get() (Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.selected == nil {
		return Device{}, false
	}
	return *r.selected, true
}

// Selected is Get returning ErrNoDeviceSelected when nothing is selected.
func (r *Registry) Selected() (Device, error) {
	d, ok := r.Get()
	if !ok {
		return Device{}, ErrNoDeviceSelected
	}
	return d, nil
}

// List returns the devices currently visible to discovery. Concurrent
// calls share one scan.
func (r *Registry) List(ctx context.Context) ([]Device, error) {
	v, err, _ := r.scans.Do("list", func() (any, error) {
		return r.discovery.List(ctx)
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	devices := v.([]Device)
	out := make([]Device, len(devices))
	copy(out, devices)
	return out, nil
}

// Resolve connects to the selected device by UDID.
func (r *Registry) Resolve(ctx context.Context) (Device, Provider, error) {
	d, err := r.Selected()
	if err != nil {
		return Device{}, nil, err
	}
	p, err := r.Connect(ctx, d)
	if err != nil {
		return d, nil, err
	}
	return d, p, nil
}

// Connect resolves d through discovery. Errors that are not already a
// not-found are reported as ErrConnectionFailed.
func (r *Registry) Connect(ctx context.Context, d Device) (Provider, error) {
	p, err := r.discovery.Provider(ctx, d.UDID)
	switch {
	case err == nil:
		return p, nil
	case errors.Is(err, ErrDeviceNotFound):
		return nil, fmt.Errorf("failed to get device %s: %w", d.UDID, err)
	default:
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, d.UDID, err)
	}
}
