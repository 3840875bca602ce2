// Package simulated provides an in-memory CPE parameter tree that implements
// engine.Transport. It backs the rule harness and the engine tests.
package simulated

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

// CWMP fault strings reported by the simulated device.
const (
	FaultInvalidName  = "9005 Invalid parameter name"
	FaultInvalidType  = "9006 Invalid parameter type"
	FaultNotWritable  = "9008 Attempt to set a non-writable parameter"
	FaultInternal     = "9002 Internal error"
	FaultDisconnected = "device disconnected"
)

type parameter struct {
	value    engine.Value
	writable bool
}

// Device is a simulated CPE.
type Device struct {
	mu sync.Mutex

	identity engine.DeviceIdentity
	model    engine.DataModel
	params   map[engine.Path]*parameter

	pathFaults    map[engine.Path]string
	sessionFaults map[string]string
	latency       time.Duration

	reads       int
	writes      int
	discoveries int
}

// NewDevice creates an empty simulated device.
func NewDevice(identity engine.DeviceIdentity, model engine.DataModel) *Device {
	if model == "" {
		model = engine.DataModelTR098
	}
	return &Device{
		identity:      identity,
		model:         model,
		params:        make(map[engine.Path]*parameter),
		pathFaults:    make(map[engine.Path]string),
		sessionFaults: make(map[string]string),
	}
}

// Identity returns the device identity.
func (d *Device) Identity() engine.DeviceIdentity { return d.identity }

// DataModel returns the device data model.
func (d *Device) DataModel() engine.DataModel { return d.model }

// Contact returns a contact from this device at ts.
func (d *Device) Contact(ts time.Time, events ...string) engine.Contact {
	return engine.Contact{Device: d.identity, Timestamp: ts, DataModel: d.model, Events: events}
}

// Set defines a parameter.
func (d *Device) Set(path string, value engine.Value, writable bool) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.params[engine.Path(path)] = &parameter{value: value, writable: writable}
	return d
}

// Get returns the current value of a parameter.
func (d *Device) Get(path string) (engine.Value, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	p, ok := d.params[engine.Path(path)]
	if !ok {
		return engine.Value{}, false
	}
	return p.value, true
}

// Parameters returns a copy of the parameter tree.
func (d *Device) Parameters() map[engine.Path]engine.Value {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[engine.Path]engine.Value, len(d.params))
	for p, v := range d.params {
		out[p] = v.value
	}
	return out
}

// FailPath makes every read and write of path fail with fault.
func (d *Device) FailPath(path, fault string) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pathFaults[engine.Path(path)] = fault
	return d
}

// FailSession makes every call of op ("read", "write" or "discover") fail
// as a session fault. An empty reason clears the fault.
func (d *Device) FailSession(op, reason string) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	if reason == "" {
		delete(d.sessionFaults, op)
	} else {
		d.sessionFaults[op] = reason
	}
	return d
}

// SetLatency delays every call by latency.
func (d *Device) SetLatency(latency time.Duration) *Device {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.latency = latency
	return d
}

// Stats returns the number of read, written and discovered paths so far.
func (d *Device) Stats() (reads, writes, discoveries int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads, d.writes, d.discoveries
}

func (d *Device) wait(ctx context.Context, op string) error {
	d.mu.Lock()
	latency := d.latency
	fault := d.sessionFaults[op]
	d.mu.Unlock()

	if latency > 0 {
		timer := time.NewTimer(latency)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if fault != "" {
		return engine.NewSessionFault(op, fmt.Errorf("%s", fault)).WithDevice(d.identity.ID())
	}
	return nil
}

func (d *Device) read(ctx context.Context, paths []engine.Path) (map[engine.Path]engine.ReadResult, error) {
	if err := d.wait(ctx, "read"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[engine.Path]engine.ReadResult, len(paths))
	for _, p := range paths {
		d.reads++
		if fault, ok := d.pathFaults[p]; ok {
			out[p] = engine.ReadResult{Err: engine.NewReadError(p, fmt.Errorf("%s", fault))}
			continue
		}
		param, ok := d.params[p]
		if !ok {
			out[p] = engine.ReadResult{Err: engine.NewReadError(p, fmt.Errorf("%s", FaultInvalidName))}
			continue
		}
		out[p] = engine.ReadResult{Value: param.value}
	}
	return out, nil
}

func (d *Device) write(ctx context.Context, values map[engine.Path]engine.Value) (map[engine.Path]error, error) {
	if err := d.wait(ctx, "write"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[engine.Path]error, len(values))
	for p, v := range values {
		d.writes++
		if fault, ok := d.pathFaults[p]; ok {
			out[p] = engine.NewWriteError(p, fmt.Errorf("%s", fault))
			continue
		}
		param, ok := d.params[p]
		if !ok {
			out[p] = engine.NewWriteError(p, fmt.Errorf("%s", FaultInvalidName))
			continue
		}
		if !param.writable {
			out[p] = engine.NewWriteError(p, fmt.Errorf("%s", FaultNotWritable))
			continue
		}
		coerced, err := v.Coerce(param.value.Type)
		if err != nil {
			out[p] = engine.NewWriteError(p, fmt.Errorf("%s: %w", FaultInvalidType, err))
			continue
		}
		param.value = coerced
		out[p] = nil
	}
	return out, nil
}

func (d *Device) discover(ctx context.Context, parent engine.Path) ([]int, error) {
	if err := d.wait(ctx, "discover"); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discoveries++

	if fault, ok := d.pathFaults[parent]; ok {
		return nil, engine.NewReadError(parent, fmt.Errorf("%s", fault))
	}

	prefix := string(parent)
	found := false
	seen := make(map[int]bool)
	for p := range d.params {
		if !strings.HasPrefix(string(p), prefix) {
			continue
		}
		found = true
		seg := strings.SplitN(strings.TrimPrefix(string(p), prefix), ".", 2)[0]
		if n, err := strconv.Atoi(seg); err == nil && n > 0 {
			seen[n] = true
		}
	}
	if !found {
		return nil, engine.NewReadError(parent, fmt.Errorf("%s", FaultInvalidName))
	}

	indices := make([]int, 0, len(seen))
	for n := range seen {
		indices = append(indices, n)
	}
	sort.Ints(indices)
	return indices, nil
}
