package simulated

import (
	"context"
	"fmt"
	"sync"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

// Transport routes engine transport calls to simulated devices by identity.
type Transport struct {
	mu      sync.RWMutex
	devices map[string]*Device
}

// NewTransport creates a transport serving the given devices.
func NewTransport(devices ...*Device) *Transport {
	t := &Transport{devices: make(map[string]*Device)}
	for _, d := range devices {
		t.Add(d)
	}
	return t
}

// Add registers a device, replacing any device with the same identity.
func (t *Transport) Add(d *Device) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.devices[d.identity.ID()] = d
}

// Device returns the simulated device with the given identity.
func (t *Transport) Device(identity engine.DeviceIdentity) (*Device, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	d, ok := t.devices[identity.ID()]
	return d, ok
}

func (t *Transport) lookup(op string, identity engine.DeviceIdentity) (*Device, error) {
	d, ok := t.Device(identity)
	if !ok {
		return nil, engine.NewSessionFault(op, fmt.Errorf("%s", FaultDisconnected)).WithDevice(identity.ID())
	}
	return d, nil
}

// ReadBatch implements engine.Transport.
func (t *Transport) ReadBatch(ctx context.Context, device engine.DeviceIdentity, paths []engine.Path) (map[engine.Path]engine.ReadResult, error) {
	d, err := t.lookup("read", device)
	if err != nil {
		return nil, err
	}
	return d.read(ctx, paths)
}

// WriteBatch implements engine.Transport.
func (t *Transport) WriteBatch(ctx context.Context, device engine.DeviceIdentity, values map[engine.Path]engine.Value) (map[engine.Path]error, error) {
	d, err := t.lookup("write", device)
	if err != nil {
		return nil, err
	}
	return d.write(ctx, values)
}

// DiscoverInstances implements engine.Transport.
func (t *Transport) DiscoverInstances(ctx context.Context, device engine.DeviceIdentity, parent engine.Path) ([]int, error) {
	d, err := t.lookup("discover", device)
	if err != nil {
		return nil, err
	}
	return d.discover(ctx, parent)
}

var _ engine.Transport = (*Transport)(nil)
