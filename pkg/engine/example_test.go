package engine_test

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/froyo-acs/pkg/engine"
	"github.com/openfroyo/froyo-acs/pkg/transports/simulated"
)

// Example_session runs a one-rule script against a simulated CPE whose
// inform interval differs from the desired one.
func Example_session() {
	identity := engine.DeviceIdentity{Manufacturer: "TP-Link", ProductClass: "Archer C6", SerialNumber: "ABC123"}
	device := simulated.NewDevice(identity, engine.DataModelTR098).
		Set("InternetGatewayDevice.ManagementServer.PeriodicInformInterval", engine.Uint(600), true)

	script := engine.NewRuleScript("inform",
		engine.NewRule("periodic-inform", func(rc *engine.RuleContext) error {
			_, err := rc.Set("InternetGatewayDevice.ManagementServer.PeriodicInformInterval", engine.Uint(300))
			return err
		}),
	)

	logger := zerolog.Nop()
	o := engine.NewOrchestrator(simulated.NewTransport(device), nil, engine.Options{Logger: &logger})

	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	result, err := o.RunSession(context.Background(), device.Contact(ts, "2 PERIODIC"), script)
	if err != nil {
		fmt.Println("error:", err)
		return
	}

	fmt.Println(result.Status, result.Passes)
	for _, w := range result.AppliedWrites {
		fmt.Printf("%s = %s\n", w.Path, w.Value)
	}

	// Output:
	// completed 2
	// InternetGatewayDevice.ManagementServer.PeriodicInformInterval = 300
}

// ExampleResolve expands a wildcard against known WLAN instances.
func ExampleResolve() {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	cache := engine.NewCache(nil)
	cache.PutInstances("InternetGatewayDevice.LANDevice.", []int{1}, ts, 1)
	cache.PutInstances("InternetGatewayDevice.LANDevice.1.WLANConfiguration.", []int{10, 1, 2}, ts, 1)

	res := engine.Resolve(engine.MustParsePattern("InternetGatewayDevice.LANDevice.*.WLANConfiguration.*.SSID"), cache)
	for _, p := range res.Paths {
		fmt.Println(p)
	}
	fmt.Println("complete:", res.Complete())

	// Output:
	// InternetGatewayDevice.LANDevice.1.WLANConfiguration.1.SSID
	// InternetGatewayDevice.LANDevice.1.WLANConfiguration.2.SSID
	// InternetGatewayDevice.LANDevice.1.WLANConfiguration.10.SSID
	// complete: true
}
