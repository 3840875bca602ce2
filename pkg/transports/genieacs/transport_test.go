package genieacs

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

const testDeviceID = "00259E-HG8245-0001"

// fakeNBI is an in-memory GenieACS NBI serving a single device document.
type fakeNBI struct {
	mu       sync.Mutex
	doc      Document
	executed bool
	failures int
	tasks    []Task
	queries  []string
}

func newFakeNBI() *fakeNBI {
	return &fakeNBI{
		executed: true,
		doc: Document{
			"_id": testDeviceID,
			"_deviceId": map[string]interface{}{
				"_Manufacturer": "Huawei",
				"_OUI":          "00259E",
				"_ProductClass": "HG8245",
				"_SerialNumber": "0001",
			},
			"_lastInform": "2024-03-01T00:00:00.000Z",
			"Device": map[string]interface{}{
				"_object": true,
				"DeviceInfo": map[string]interface{}{
					"UpTime": map[string]interface{}{"_value": float64(3600), "_type": "xsd:unsignedInt", "_writable": false},
				},
				"WiFi": map[string]interface{}{
					"SSID": map[string]interface{}{
						"_object": true,
						"1": map[string]interface{}{
							"SSID":   map[string]interface{}{"_value": "default", "_type": "xsd:string", "_writable": true},
							"Enable": map[string]interface{}{"_value": true, "_type": "xsd:boolean", "_writable": true},
						},
						"3": map[string]interface{}{
							"SSID": map[string]interface{}{"_value": "guest", "_type": "xsd:string", "_writable": true},
						},
					},
				},
			},
		},
	}
}

func (f *fakeNBI) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failures > 0 {
		f.failures--
		http.Error(w, "busy", http.StatusServiceUnavailable)
		return
	}

	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/devices":
		q := r.URL.Query().Get("query")
		f.queries = append(f.queries, q)
		var filter map[string]interface{}
		if q != "" {
			if err := json.Unmarshal([]byte(q), &filter); err != nil {
				http.Error(w, "bad query", http.StatusBadRequest)
				return
			}
		}
		docs := []Document{}
		if f.matches(filter) {
			docs = append(docs, f.doc)
		}
		_ = json.NewEncoder(w).Encode(docs)

	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/devices/") && strings.HasSuffix(r.URL.Path, "/tasks"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/devices/"), "/tasks")
		if id != testDeviceID {
			http.Error(w, "No such device", http.StatusNotFound)
			return
		}
		var task Task
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			http.Error(w, "bad task", http.StatusBadRequest)
			return
		}
		task.ID = "task-" + task.Name
		f.tasks = append(f.tasks, task)

		status := http.StatusAccepted
		if f.executed {
			status = http.StatusOK
			if task.Name == "setParameterValues" {
				for _, pv := range task.ParameterValues {
					f.set(pv[0].(string), pv[1], pv[2].(string))
				}
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(task)

	default:
		http.NotFound(w, r)
	}
}

func (f *fakeNBI) matches(filter map[string]interface{}) bool {
	ident := f.doc.Identity()
	for k, v := range filter {
		var got string
		switch k {
		case "_id":
			got = f.doc.DeviceID()
		case "_deviceId._Manufacturer":
			got = ident.Manufacturer
		case "_deviceId._SerialNumber":
			got = ident.SerialNumber
		case "_deviceId._ProductClass":
			got = ident.ProductClass
		default:
			return false
		}
		if got != v {
			return false
		}
	}
	return true
}

func (f *fakeNBI) set(path string, value interface{}, typ string) {
	segs := strings.Split(path, ".")
	cur := map[string]interface{}(f.doc)
	for _, seg := range segs[:len(segs)-1] {
		cur = cur[seg].(map[string]interface{})
	}
	cur[segs[len(segs)-1]] = map[string]interface{}{"_value": value, "_type": typ, "_writable": true}
}

func (f *fakeNBI) taskNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, len(f.tasks))
	for i, t := range f.tasks {
		names[i] = t.Name
	}
	return names
}

func newTestTransport(t *testing.T, nbi *fakeNBI, connectionRequest bool) *Transport {
	t.Helper()
	server := httptest.NewServer(nbi)
	t.Cleanup(server.Close)

	logger := zerolog.Nop()
	tr, err := New(Config{
		URL:               server.URL,
		ConnectionRequest: connectionRequest,
		Timeout:           5 * time.Second,
		Retry:             RetryPolicy{MaxRetries: 2, InitialWait: time.Millisecond, MaxWait: 5 * time.Millisecond},
		Logger:            &logger,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return tr
}

var testIdentity = engine.DeviceIdentity{Manufacturer: "Huawei", OUI: "00259E", ProductClass: "HG8245", SerialNumber: "0001"}

func TestTransport_ReadBatch(t *testing.T) {
	nbi := newFakeNBI()
	tr := newTestTransport(t, nbi, true)

	paths := []engine.Path{"Device.WiFi.SSID.1.SSID", "Device.DeviceInfo.UpTime", "Device.WiFi.SSID.1.Enable", "Device.Missing.Param"}
	res, err := tr.ReadBatch(context.Background(), testIdentity, paths)
	if err != nil {
		t.Fatalf("ReadBatch failed: %v", err)
	}

	if r := res["Device.WiFi.SSID.1.SSID"]; r.Err != nil || r.Value != engine.String("default") {
		t.Errorf("Expected SSID default, got %+v", r)
	}
	if r := res["Device.DeviceInfo.UpTime"]; r.Err != nil || r.Value != engine.Uint(3600) {
		t.Errorf("Expected UpTime 3600, got %+v", r)
	}
	if r := res["Device.WiFi.SSID.1.Enable"]; r.Err != nil || r.Value != engine.Bool(true) {
		t.Errorf("Expected Enable true, got %+v", r)
	}
	if r := res["Device.Missing.Param"]; !engine.HasCode(r.Err, engine.ErrCodeTransportRead) {
		t.Errorf("Expected per-path read error, got %+v", r)
	}

	if names := nbi.taskNames(); len(names) != 1 || names[0] != "getParameterValues" {
		t.Errorf("Expected one getParameterValues task, got %v", names)
	}
	if got := len(nbi.tasks[0].ParameterNames); got != 4 {
		t.Errorf("Expected 4 parameter names in task, got %d", got)
	}
}

func TestTransport_ReadWithoutConnectionRequest(t *testing.T) {
	nbi := newFakeNBI()
	tr := newTestTransport(t, nbi, false)

	res, err := tr.ReadBatch(context.Background(), testIdentity, []engine.Path{"Device.WiFi.SSID.3.SSID"})
	if err != nil {
		t.Fatalf("ReadBatch failed: %v", err)
	}
	if r := res["Device.WiFi.SSID.3.SSID"]; r.Err != nil || r.Value != engine.String("guest") {
		t.Errorf("Expected cached SSID guest, got %+v", r)
	}
	if names := nbi.taskNames(); len(names) != 0 {
		t.Errorf("Expected no tasks without connection request, got %v", names)
	}
}

func TestTransport_ReadQueued(t *testing.T) {
	nbi := newFakeNBI()
	nbi.executed = false
	tr := newTestTransport(t, nbi, true)

	res, err := tr.ReadBatch(context.Background(), testIdentity, []engine.Path{"Device.WiFi.SSID.1.SSID"})
	if err != nil {
		t.Fatalf("ReadBatch failed: %v", err)
	}
	if r := res["Device.WiFi.SSID.1.SSID"]; r.Err == nil {
		t.Errorf("Expected read error for queued task, got %+v", r)
	}
}

func TestTransport_WriteBatch(t *testing.T) {
	tests := []struct {
		name      string
		executed  bool
		confirmed bool
	}{
		{name: "executed", executed: true, confirmed: true},
		{name: "queued", executed: false, confirmed: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			nbi := newFakeNBI()
			nbi.executed = tt.executed
			tr := newTestTransport(t, nbi, true)

			values := map[engine.Path]engine.Value{
				"Device.WiFi.SSID.1.SSID":   engine.String("home"),
				"Device.WiFi.SSID.1.Enable": engine.Bool(false),
			}
			res, err := tr.WriteBatch(context.Background(), testIdentity, values)
			if err != nil {
				t.Fatalf("WriteBatch failed: %v", err)
			}
			if len(res) != 2 {
				t.Fatalf("Expected 2 outcomes, got %d", len(res))
			}
			for p, werr := range res {
				if tt.confirmed && werr != nil {
					t.Errorf("Expected %s confirmed, got %v", p, werr)
				}
				if !tt.confirmed && !engine.HasCode(werr, engine.ErrCodeWriteNotConfirmed) {
					t.Errorf("Expected %s unconfirmed, got %v", p, werr)
				}
			}

			task := nbi.tasks[0]
			if task.Name != "setParameterValues" || len(task.ParameterValues) != 2 {
				t.Fatalf("Unexpected task %+v", task)
			}
			// Values are sent in path order with their xsd type.
			first := task.ParameterValues[0]
			if first[0] != "Device.WiFi.SSID.1.Enable" || first[1] != "false" || first[2] != "xsd:boolean" {
				t.Errorf("Unexpected first parameter value %v", first)
			}

			v, err := nbi.doc.Parameter("Device.WiFi.SSID.1.SSID")
			if err != nil {
				t.Fatalf("Parameter failed: %v", err)
			}
			want := engine.String("default")
			if tt.executed {
				want = engine.String("home")
			}
			if v != want {
				t.Errorf("Expected document SSID %v, got %v", want, v)
			}
		})
	}
}

func TestTransport_DiscoverInstances(t *testing.T) {
	nbi := newFakeNBI()
	tr := newTestTransport(t, nbi, true)

	indices, err := tr.DiscoverInstances(context.Background(), testIdentity, "Device.WiFi.SSID.")
	if err != nil {
		t.Fatalf("DiscoverInstances failed: %v", err)
	}
	if len(indices) != 2 || indices[0] != 1 || indices[1] != 3 {
		t.Errorf("Expected [1 3], got %v", indices)
	}
	if names := nbi.taskNames(); len(names) != 1 || names[0] != "refreshObject" || nbi.tasks[0].ObjectName != "Device.WiFi.SSID." {
		t.Errorf("Expected refreshObject of Device.WiFi.SSID., got %+v", nbi.tasks)
	}

	_, err = tr.DiscoverInstances(context.Background(), testIdentity, "Device.Hosts.Host.")
	if !engine.HasCode(err, engine.ErrCodeTransportRead) {
		t.Errorf("Expected object-level read error, got %v", err)
	}
}

func TestTransport_RetriesTemporaryFailures(t *testing.T) {
	nbi := newFakeNBI()
	nbi.failures = 2
	tr := newTestTransport(t, nbi, true)

	res, err := tr.ReadBatch(context.Background(), testIdentity, []engine.Path{"Device.WiFi.SSID.1.SSID"})
	if err != nil {
		t.Fatalf("Expected success after retries, got %v", err)
	}
	if r := res["Device.WiFi.SSID.1.SSID"]; r.Err != nil {
		t.Errorf("Unexpected read error %v", r.Err)
	}

	nbi.failures = 10
	_, err = tr.ReadBatch(context.Background(), testIdentity, []engine.Path{"Device.WiFi.SSID.1.SSID"})
	if !engine.HasCode(err, engine.ErrCodeSessionFault) {
		t.Errorf("Expected session fault once retries are exhausted, got %v", err)
	}
}

func TestTransport_UnknownDevice(t *testing.T) {
	nbi := newFakeNBI()
	tr := newTestTransport(t, nbi, true)

	other := engine.DeviceIdentity{Manufacturer: "Huawei", OUI: "00259E", SerialNumber: "9999"}
	_, err := tr.WriteBatch(context.Background(), other, map[engine.Path]engine.Value{"Device.WiFi.SSID.1.SSID": engine.String("x")})
	if !engine.HasCode(err, engine.ErrCodeSessionFault) {
		t.Errorf("Expected session fault for unknown device, got %v", err)
	}
}

func TestTransport_ResolveWithoutOUI(t *testing.T) {
	nbi := newFakeNBI()
	tr := newTestTransport(t, nbi, true)

	identity := engine.DeviceIdentity{Manufacturer: "Huawei", SerialNumber: "0001"}
	for i := 0; i < 2; i++ {
		res, err := tr.ReadBatch(context.Background(), identity, []engine.Path{"Device.WiFi.SSID.1.SSID"})
		if err != nil {
			t.Fatalf("ReadBatch failed: %v", err)
		}
		if r := res["Device.WiFi.SSID.1.SSID"]; r.Err != nil {
			t.Errorf("Unexpected read error %v", r.Err)
		}
	}

	// One lookup query, then one projection read per batch.
	lookups := 0
	for _, q := range nbi.queries {
		if strings.Contains(q, "_deviceId._SerialNumber") {
			lookups++
		}
	}
	if lookups != 1 {
		t.Errorf("Expected the device ID lookup to be cached, got %d lookups", lookups)
	}

	_, err := tr.ReadBatch(context.Background(), engine.DeviceIdentity{Manufacturer: "Huawei", SerialNumber: "nope"}, []engine.Path{"Device.WiFi.SSID.1.SSID"})
	if !engine.HasCode(err, engine.ErrCodeSessionFault) {
		t.Errorf("Expected session fault for unmatched identity, got %v", err)
	}
}

func TestTransport_WithOrchestrator(t *testing.T) {
	nbi := newFakeNBI()
	tr := newTestTransport(t, nbi, true)

	rs := engine.NewRuleScript("nbi", engine.NewRule("ssid", func(rc *engine.RuleContext) error {
		_, err := rc.Set("Device.WiFi.SSID.*.SSID", engine.String("home"))
		return err
	}))

	logger := zerolog.Nop()
	o := engine.NewOrchestrator(tr, nil, engine.Options{Logger: &logger})
	contact := engine.Contact{
		Device:    testIdentity,
		Timestamp: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		DataModel: engine.DataModelTR181,
		Events:    []string{EventConnectionRequest},
	}

	res, err := o.RunSession(context.Background(), contact, rs)
	if err != nil {
		t.Fatalf("RunSession failed: %v", err)
	}
	if res.Status != engine.SessionStatusCompleted {
		t.Fatalf("Expected completed, got %s (error %s)", res.Status, res.Error)
	}
	if len(res.AppliedWrites) != 2 {
		t.Errorf("Expected 2 applied writes, got %+v", res.AppliedWrites)
	}
	for _, p := range []engine.Path{"Device.WiFi.SSID.1.SSID", "Device.WiFi.SSID.3.SSID"} {
		if v, _ := nbi.doc.Parameter(p); v != engine.String("home") {
			t.Errorf("Expected %s=home, got %v", p, v)
		}
	}
}

func TestDeviceSource(t *testing.T) {
	nbi := newFakeNBI()
	server := httptest.NewServer(nbi)
	defer server.Close()

	client, err := NewClient(Config{URL: server.URL})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}

	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	src := NewDeviceSource(client, nil).WithClock(func() time.Time { return ts })

	c, err := src.Identify(context.Background())
	if err != nil {
		t.Fatalf("Identify failed: %v", err)
	}
	if c.Device != testIdentity {
		t.Errorf("Expected identity %+v, got %+v", testIdentity, c.Device)
	}
	if c.DataModel != engine.DataModelTR181 || !c.Timestamp.Equal(ts) || !c.HasEvent(EventConnectionRequest) {
		t.Errorf("Unexpected contact %+v", c)
	}

	if _, err := src.Identify(context.Background()); err == nil {
		t.Error("Expected io.EOF after the last device")
	}
}
