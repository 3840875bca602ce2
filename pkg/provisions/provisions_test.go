package provisions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-acs/pkg/engine"
	"github.com/openfroyo/froyo-acs/pkg/transports/simulated"
)

var testClock = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

// Mock tag repository for testing
type memTags struct {
	mu      sync.Mutex
	tags    map[string]map[string]engine.Value
	commits int
}

func newMemTags() *memTags {
	return &memTags{tags: make(map[string]map[string]engine.Value)}
}

func (m *memTags) GetTag(ctx context.Context, deviceID, name string) (engine.Value, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.tags[deviceID][name]
	return v, ok, nil
}

func (m *memTags) CommitTags(ctx context.Context, deviceID string, tags map[string]engine.Value) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commits++
	if m.tags[deviceID] == nil {
		m.tags[deviceID] = make(map[string]engine.Value)
	}
	for k, v := range tags {
		m.tags[deviceID][k] = v
	}
	return nil
}

func (m *memTags) commitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.commits
}

func (m *memTags) get(deviceID, name string) (engine.Value, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.tags[deviceID][name]
	return v, ok
}

func tr098Device() *simulated.Device {
	d := simulated.NewDevice(engine.DeviceIdentity{Manufacturer: "TP-Link", SerialNumber: "ABC123"}, engine.DataModelTR098)
	d.Set("InternetGatewayDevice.ManagementServer.PeriodicInformEnable", engine.Bool(false), true)
	d.Set("InternetGatewayDevice.ManagementServer.PeriodicInformInterval", engine.Uint(600), true)
	d.Set("InternetGatewayDevice.DeviceInfo.UpTime", engine.Uint(3600), false)
	d.Set("InternetGatewayDevice.DeviceInfo.SoftwareVersion", engine.String("3.16.0"), false)
	d.Set("InternetGatewayDevice.WANDevice.1.WANConnectionDevice.1.WANIPConnection.1.ExternalIPAddress", engine.String("203.0.113.7"), false)
	d.Set("InternetGatewayDevice.LANDevice.1.LANHostConfigManagement.DHCPServerEnable", engine.Bool(true), true)
	return d
}

func tr181Device() *simulated.Device {
	d := simulated.NewDevice(engine.DeviceIdentity{Manufacturer: "Huawei", ProductClass: "HG8245H5", SerialNumber: "4857"}, engine.DataModelTR181)
	for _, i := range []string{"1", "2"} {
		d.Set("Device.WiFi.SSID."+i+".SSID", engine.String("HUAWEI-"+i), true)
		d.Set("Device.WiFi.SSID."+i+".Enable", engine.Value{Type: engine.TypeBoolean, Raw: "0"}, true)
		d.Set("Device.WiFi.AccessPoint."+i+".Security.KeyPassphrase", engine.String(""), true)
	}
	return d
}

func runSession(t *testing.T, d *simulated.Device, tags *memTags, units ...engine.RuleUnit) *engine.SessionResult {
	t.Helper()
	return runSessionAt(t, testClock, d, tags, units...)
}

func runSessionAt(t *testing.T, ts time.Time, d *simulated.Device, tags *memTags, units ...engine.RuleUnit) *engine.SessionResult {
	t.Helper()
	logger := zerolog.Nop()
	o := engine.NewOrchestrator(simulated.NewTransport(d), tags, engine.Options{Logger: &logger})
	res, err := o.RunSession(context.Background(), d.Contact(ts), engine.NewRuleScript("test", units...))
	if err != nil {
		t.Fatalf("RunSession failed: %v", err)
	}
	return res
}

func TestBootstrap_RegistersNewDevice(t *testing.T) {
	d := tr098Device()
	tags := newMemTags()
	id := d.Identity().ID()

	res := runSession(t, d, tags, Bootstrap())
	if res.Status != engine.SessionStatusCompleted {
		t.Fatalf("Expected completed, got %s", res.Status)
	}
	if v, _ := tags.get(id, TagNewDevice); v != engine.Bool(true) {
		t.Errorf("Expected new-device=true, got %v", v)
	}
	if v, _ := tags.get(id, TagRegistered); v != engine.DateTime(testClock) {
		t.Errorf("Expected registration time, got %v", v)
	}
	msgs := res.LogMessages()
	if len(msgs) != 1 || msgs[0] != "new device registered" {
		t.Errorf("Expected one registration log line, got %v", msgs)
	}

	res = runSessionAt(t, testClock.Add(time.Hour), d, tags, Bootstrap())
	if v, _ := tags.get(id, TagNewDevice); v != engine.Bool(false) {
		t.Errorf("Expected new-device cleared on second contact, got %v", v)
	}
	if len(res.LogMessages()) != 0 {
		t.Errorf("Expected no registration log on second contact, got %v", res.LogMessages())
	}

	commits := tags.commitCount()
	res = runSessionAt(t, testClock.Add(2*time.Hour), d, tags, Bootstrap())
	if len(res.TagWrites) != 0 || tags.commitCount() != commits {
		t.Errorf("Expected no tag writes on third contact, got %v", res.TagWrites)
	}
	if res.Passes != 1 {
		t.Errorf("Expected a single pass on third contact, got %d", res.Passes)
	}
}

func TestBootstrap_LegacyDeviceWithoutNewDeviceTag(t *testing.T) {
	d := tr098Device()
	tags := newMemTags()
	id := d.Identity().ID()
	tags.tags[id] = map[string]engine.Value{TagRegistered: engine.DateTime(testClock.Add(-24 * time.Hour))}

	res := runSession(t, d, tags, Bootstrap())
	if len(res.TagWrites) != 0 || tags.commitCount() != 0 {
		t.Errorf("Expected no tag writes for a registered device, got %v", res.TagWrites)
	}
	if _, ok := tags.get(id, TagNewDevice); ok {
		t.Error("Expected new-device to stay unset")
	}
}

func TestPeriodicInform_CorrectsAndIsIdempotent(t *testing.T) {
	d := tr098Device()
	tags := newMemTags()

	res := runSession(t, d, tags, PeriodicInform(5*time.Minute))
	if len(res.AppliedWrites) != 2 {
		t.Fatalf("Expected 2 applied writes, got %+v", res.AppliedWrites)
	}
	if v, _ := d.Get("InternetGatewayDevice.ManagementServer.PeriodicInformInterval"); v != engine.Uint(300) {
		t.Errorf("Expected interval 300, got %v", v)
	}
	if v, _ := d.Get("InternetGatewayDevice.ManagementServer.PeriodicInformEnable"); v != engine.Bool(true) {
		t.Errorf("Expected inform enabled, got %v", v)
	}

	res = runSession(t, d, tags, PeriodicInform(5*time.Minute))
	if len(res.AppliedWrites) != 0 {
		t.Errorf("Expected no writes on converged device, got %+v", res.AppliedWrites)
	}
}

func TestPeriodicInform_InvalidInterval(t *testing.T) {
	res := runSession(t, tr098Device(), newMemTags(), PeriodicInform(0))
	if len(res.Faults) != 1 || res.Faults[0].Rule != "periodic-inform" {
		t.Errorf("Expected rule fault, got %+v", res.Faults)
	}
}

func TestWiFi_AllInstancesTR181(t *testing.T) {
	d := tr181Device()
	enabled := true
	unit := WiFi(WiFiSettings{SSID: "acme", Passphrase: "correct horse", Enabled: &enabled})

	res := runSession(t, d, newMemTags(), unit)
	if res.Status != engine.SessionStatusCompleted {
		t.Fatalf("Expected completed, got %s (%s)", res.Status, res.Error)
	}
	if len(res.AppliedWrites) != 6 {
		t.Errorf("Expected 6 applied writes, got %d", len(res.AppliedWrites))
	}
	for _, i := range []string{"1", "2"} {
		if v, _ := d.Get("Device.WiFi.SSID." + i + ".SSID"); v != engine.String("acme") {
			t.Errorf("SSID %s: expected acme, got %v", i, v)
		}
		if v, _ := d.Get("Device.WiFi.SSID." + i + ".Enable"); v != engine.Bool(true) {
			t.Errorf("Enable %s: expected true, got %v", i, v)
		}
	}
}

func TestWiFi_SingleInstanceTR098(t *testing.T) {
	d := tr098Device()
	d.Set("InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.SSID", engine.String("old"), true)
	d.Set("InternetGatewayDevice.LANDevice.1.WLANConfiguration.2.SSID", engine.String("guest"), true)
	d.Set("InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.Channel", engine.Uint(1), true)

	res := runSession(t, d, newMemTags(), WiFi(WiFiSettings{Instance: 1, SSID: "acme", Channel: 6}))
	if len(res.AppliedWrites) != 2 {
		t.Errorf("Expected 2 applied writes, got %+v", res.AppliedWrites)
	}
	if v, _ := d.Get("InternetGatewayDevice.LANDevice.1.WLANConfiguration.2.SSID"); v != engine.String("guest") {
		t.Errorf("Expected guest network untouched, got %v", v)
	}
	if v, _ := d.Get("InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.Channel"); v != engine.Uint(6) {
		t.Errorf("Expected channel 6, got %v", v)
	}
}

func TestStatusRefresh_TagsStatus(t *testing.T) {
	d := tr098Device()
	tags := newMemTags()
	id := d.Identity().ID()

	res := runSession(t, d, tags, StatusRefresh(time.Hour))
	if len(res.AppliedWrites) != 0 {
		t.Errorf("Expected status refresh to be read-only, got %+v", res.AppliedWrites)
	}
	if v, _ := tags.get(id, TagSoftwareVersion); v != engine.String("3.16.0") {
		t.Errorf("Expected software-version tag, got %v", v)
	}
	if v, _ := tags.get(id, TagExternalIP); v != engine.String("203.0.113.7") {
		t.Errorf("Expected external-ip tag, got %v", v)
	}
	if reads, _, _ := d.Stats(); reads != 4 {
		t.Errorf("Expected each status parameter read once, got %d reads", reads)
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		builtin  string
		params   map[string]interface{}
		wantErr  bool
		wantCode string
		wantName string
	}{
		{name: "bootstrap", builtin: "bootstrap", wantName: "bootstrap"},
		{name: "inform string", builtin: "periodic-inform", params: map[string]interface{}{"interval": "10m"}, wantName: "periodic-inform"},
		{name: "inform seconds", builtin: "periodic-inform", params: map[string]interface{}{"interval": 300}, wantName: "periodic-inform"},
		{name: "inform too short", builtin: "periodic-inform", params: map[string]interface{}{"interval": "10ms"}, wantErr: true, wantCode: engine.ErrCodeValidation},
		{name: "wifi", builtin: "wifi", params: map[string]interface{}{"ssid": "acme", "enabled": true, "channel": 6}, wantName: "wifi"},
		{name: "wifi bad enabled", builtin: "wifi", params: map[string]interface{}{"enabled": "yes"}, wantErr: true, wantCode: engine.ErrCodeValidation},
		{name: "unknown", builtin: "firmware-upgrade", wantErr: true, wantCode: engine.ErrCodeNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unit, err := New(tt.builtin, tt.params)
			if tt.wantErr {
				if !engine.HasCode(err, tt.wantCode) {
					t.Errorf("Expected error code %s, got %v", tt.wantCode, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if unit.Name() != tt.wantName {
				t.Errorf("Expected name %s, got %s", tt.wantName, unit.Name())
			}
		})
	}

	if names := Names(); len(names) != 4 || names[0] != "bootstrap" {
		t.Errorf("Unexpected builtin names %v", names)
	}
}
