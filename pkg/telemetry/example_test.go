package telemetry_test

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/openfroyo/froyo-acs/pkg/config"
	"github.com/openfroyo/froyo-acs/pkg/engine"
	"github.com/openfroyo/froyo-acs/pkg/telemetry"
)

// ExampleNewLogSink demonstrates routing rule log lines through a JSON logger.
func ExampleNewLogSink() {
	var buf bytes.Buffer
	logger := telemetry.NewLoggerWithWriter(telemetry.LoggingConfig{Level: "info", Format: "json"}, &buf)

	sink := telemetry.NewLogSink(logger)
	device := engine.DeviceIdentity{Manufacturer: "Acme", SerialNumber: "001"}
	sink.Log(device, engine.LogLevelWarn, "ssid reset", map[string]interface{}{"ssid": "home"})

	out := buf.String()
	fmt.Println(strings.Contains(out, `"device_id":"Acme-001"`))
	fmt.Println(strings.Contains(out, `"level":"warn"`))
	fmt.Println(strings.Contains(out, `"ssid":"home"`))
	// Output:
	// true
	// true
	// true
}

// ExampleFromACS demonstrates deriving telemetry settings from the ACS configuration.
func ExampleFromACS() {
	cfg := telemetry.FromACS(config.DefaultConfig().Telemetry, "1.2.0")

	fmt.Println(cfg.ServiceName, cfg.ServiceVersion, cfg.Logging.Format, cfg.Tracing.Exporter)
	// Output: froyo-acs 1.2.0 console none
}
