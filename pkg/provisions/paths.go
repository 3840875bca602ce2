package provisions

import (
	"strconv"

	"github.com/openfroyo/froyo-acs/pkg/engine"
)

// WiFiPaths names the parameters of one wireless network. Every path may
// contain a "%s" placeholder for the instance index.
type WiFiPaths struct {
	SSID       string
	Passphrase string
	Enable     string
	Channel    string
}

// StatusPaths names the parameters reported as device status.
type StatusPaths struct {
	UpTime            string
	SoftwareVersion   string
	ExternalIPAddress string
	DHCPServerEnable  string
}

var wifiPaths = map[engine.DataModel]WiFiPaths{
	engine.DataModelTR098: {
		SSID:       "InternetGatewayDevice.LANDevice.1.WLANConfiguration.%s.SSID",
		Passphrase: "InternetGatewayDevice.LANDevice.1.WLANConfiguration.%s.PreSharedKey.1.PreSharedKey",
		Enable:     "InternetGatewayDevice.LANDevice.1.WLANConfiguration.%s.Enable",
		Channel:    "InternetGatewayDevice.LANDevice.1.WLANConfiguration.%s.Channel",
	},
	engine.DataModelTR181: {
		SSID:       "Device.WiFi.SSID.%s.SSID",
		Passphrase: "Device.WiFi.AccessPoint.%s.Security.KeyPassphrase",
		Enable:     "Device.WiFi.SSID.%s.Enable",
		Channel:    "Device.WiFi.Radio.%s.Channel",
	},
}

var statusPaths = map[engine.DataModel]StatusPaths{
	engine.DataModelTR098: {
		UpTime:            "InternetGatewayDevice.DeviceInfo.UpTime",
		SoftwareVersion:   "InternetGatewayDevice.DeviceInfo.SoftwareVersion",
		ExternalIPAddress: "InternetGatewayDevice.WANDevice.1.WANConnectionDevice.1.WANIPConnection.1.ExternalIPAddress",
		DHCPServerEnable:  "InternetGatewayDevice.LANDevice.1.LANHostConfigManagement.DHCPServerEnable",
	},
	engine.DataModelTR181: {
		UpTime:            "Device.DeviceInfo.UpTime",
		SoftwareVersion:   "Device.DeviceInfo.SoftwareVersion",
		ExternalIPAddress: "Device.IP.Interface.1.IPv4Address.1.IPAddress",
		DHCPServerEnable:  "Device.DHCPv4.Server.Enable",
	},
}

// WiFiPathsFor returns the wireless parameter paths of a data model.
func WiFiPathsFor(model engine.DataModel) WiFiPaths {
	if p, ok := wifiPaths[model]; ok {
		return p
	}
	return wifiPaths[engine.DataModelTR098]
}

// StatusPathsFor returns the status parameter paths of a data model.
func StatusPathsFor(model engine.DataModel) StatusPaths {
	if p, ok := statusPaths[model]; ok {
		return p
	}
	return statusPaths[engine.DataModelTR098]
}

// ManagementServerPath returns a ManagementServer parameter under the model root.
func ManagementServerPath(model engine.DataModel, name string) string {
	return model.Root() + ".ManagementServer." + name
}

// instanceSegment renders an instance index, 0 meaning every instance.
func instanceSegment(i int) string {
	if i <= 0 {
		return "*"
	}
	return strconv.Itoa(i)
}
