package genieacs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

// Transport reaches devices through the GenieACS NBI. Reads run a
// getParameterValues task and then read the refreshed device document;
// writes run a setParameterValues task. It implements engine.Transport.
type Transport struct {
	client *Client

	mu  sync.Mutex
	ids map[string]string
}

// NewTransport creates a transport over an NBI client.
func NewTransport(client *Client) *Transport {
	return &Transport{
		client: client,
		ids:    make(map[string]string),
	}
}

// New creates a client from cfg and a transport over it.
func New(cfg Config) (*Transport, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewTransport(client), nil
}

// resolve maps an identity to the GenieACS device ID, querying by
// manufacturer and serial number when the OUI is unknown.
func (t *Transport) resolve(ctx context.Context, op string, device engine.DeviceIdentity) (string, error) {
	if id, ok := DeviceIDFor(device); ok {
		return id, nil
	}

	key := device.ID()
	t.mu.Lock()
	id, ok := t.ids[key]
	t.mu.Unlock()
	if ok {
		return id, nil
	}

	filter := map[string]interface{}{
		"_deviceId._Manufacturer": device.Manufacturer,
		"_deviceId._SerialNumber": device.SerialNumber,
	}
	if device.ProductClass != "" {
		filter["_deviceId._ProductClass"] = device.ProductClass
	}
	docs, err := t.client.QueryDevices(ctx, filter, []string{"_id"})
	if err != nil {
		return "", sessionFault(op, device, err)
	}
	if len(docs) != 1 || docs[0].DeviceID() == "" {
		return "", sessionFault(op, device, fmt.Errorf("%d devices match %s", len(docs), key))
	}

	id = docs[0].DeviceID()
	t.mu.Lock()
	t.ids[key] = id
	t.mu.Unlock()
	return id, nil
}

func sessionFault(op string, device engine.DeviceIdentity, err error) error {
	return engine.NewSessionFault(op, err).WithDevice(device.ID())
}

// ReadBatch implements engine.Transport.
func (t *Transport) ReadBatch(ctx context.Context, device engine.DeviceIdentity, paths []engine.Path) (map[engine.Path]engine.ReadResult, error) {
	id, err := t.resolve(ctx, "read", device)
	if err != nil {
		return nil, err
	}

	names := make([]string, len(paths))
	for i, p := range paths {
		names[i] = string(p)
	}

	out := make(map[engine.Path]engine.ReadResult, len(paths))
	if t.client.connectionRequest {
		res, err := t.client.PostTask(ctx, id, Task{Name: "getParameterValues", ParameterNames: names})
		if err != nil {
			return nil, sessionFault("read", device, err)
		}
		if !res.Executed {
			for _, p := range paths {
				out[p] = engine.ReadResult{Err: engine.NewReadError(p, errors.New("task queued: device did not answer the connection request"))}
			}
			return out, nil
		}
	}

	doc, err := t.client.GetDevice(ctx, id, names)
	if err != nil {
		return nil, sessionFault("read", device, err)
	}
	for _, p := range paths {
		v, err := doc.Parameter(p)
		if err != nil {
			out[p] = engine.ReadResult{Err: engine.NewReadError(p, err)}
			continue
		}
		out[p] = engine.ReadResult{Value: v}
	}
	return out, nil
}

// WriteBatch implements engine.Transport. A write is confirmed only when
// GenieACS executed the task; a queued task leaves every path unconfirmed.
func (t *Transport) WriteBatch(ctx context.Context, device engine.DeviceIdentity, values map[engine.Path]engine.Value) (map[engine.Path]error, error) {
	id, err := t.resolve(ctx, "write", device)
	if err != nil {
		return nil, err
	}

	paths := make([]engine.Path, 0, len(values))
	for p := range values {
		paths = append(paths, p)
	}
	sort.Slice(paths, func(i, j int) bool { return paths[i] < paths[j] })

	params := make([][]interface{}, 0, len(paths))
	for _, p := range paths {
		v := values[p]
		vt := v.Type
		if vt == "" {
			vt = engine.TypeString
		}
		params = append(params, []interface{}{string(p), v.Raw, string(vt)})
	}

	res, err := t.client.PostTask(ctx, id, Task{Name: "setParameterValues", ParameterValues: params})
	if err != nil {
		var ne *NBIError
		if errors.As(err, &ne) && ne.StatusCode == http.StatusBadRequest {
			// GenieACS rejects malformed values before queueing the task.
			out := make(map[engine.Path]error, len(paths))
			for _, p := range paths {
				out[p] = engine.NewWriteError(p, err)
			}
			return out, nil
		}
		return nil, sessionFault("write", device, err)
	}

	out := make(map[engine.Path]error, len(paths))
	for _, p := range paths {
		if res.Executed {
			out[p] = nil
			continue
		}
		out[p] = engine.NewWriteError(p, fmt.Errorf("task %s queued: write not confirmed", res.Task.ID)).
			WithCode(engine.ErrCodeWriteNotConfirmed)
	}
	return out, nil
}

// DiscoverInstances implements engine.Transport.
func (t *Transport) DiscoverInstances(ctx context.Context, device engine.DeviceIdentity, parent engine.Path) ([]int, error) {
	id, err := t.resolve(ctx, "discover", device)
	if err != nil {
		return nil, err
	}

	object := string(parent)
	if !strings.HasSuffix(object, ".") {
		object += "."
	}

	if t.client.connectionRequest {
		res, err := t.client.PostTask(ctx, id, Task{Name: "refreshObject", ObjectName: object})
		if err != nil {
			return nil, sessionFault("discover", device, err)
		}
		if !res.Executed {
			return nil, engine.NewReadError(parent, errors.New("task queued: device did not answer the connection request"))
		}
	}

	doc, err := t.client.GetDevice(ctx, id, []string{strings.TrimSuffix(object, ".")})
	if err != nil {
		return nil, sessionFault("discover", device, err)
	}
	indices, err := doc.Instances(parent)
	if err != nil {
		return nil, engine.NewReadError(parent, err)
	}
	return indices, nil
}

var _ engine.Transport = (*Transport)(nil)
